package docsearch

import (
	"context"
	"testing"
	"time"

	"github.com/mohammad-safakhou/scout/config"
	"github.com/mohammad-safakhou/scout/internal/research"
)

func newTestTool(t *testing.T) *Tool {
	t.Helper()
	tool, err := New(config.DocSearchConfig{IndexPath: ":memory:", MaxResults: 5}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { tool.Close() })
	return tool
}

func TestExecuteReturnsMatchingDocuments(t *testing.T) {
	tool := newTestTool(t)
	ctx := context.Background()

	date := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	if err := tool.IndexDocument(ctx, "doc-1", "Go concurrency", "goroutines and channels make concurrent programming tractable", "https://example.com/go", date); err != nil {
		t.Fatalf("IndexDocument: %v", err)
	}
	if err := tool.IndexDocument(ctx, "doc-2", "Cooking", "slow roasted vegetables with olive oil", "", time.Time{}); err != nil {
		t.Fatalf("IndexDocument: %v", err)
	}

	q, _ := research.NewQuery("u1", "s1", "goroutines channels")
	res := tool.Execute(ctx, q)
	if res.Status != research.ToolSuccess {
		t.Fatalf("status = %s: %s", res.Status, res.ErrorMessage)
	}
	if len(res.Fragments) == 0 {
		t.Fatal("expected at least one fragment")
	}
	top := res.Fragments[0]
	if top.SourceID != "doc-1" {
		t.Fatalf("top hit = %s, want doc-1", top.SourceID)
	}
	if top.Kind != research.KindDocument {
		t.Fatalf("kind = %s, want document", top.Kind)
	}
	if top.SemanticRelevance <= 0 || top.SemanticRelevance > 1 {
		t.Fatalf("relevance out of range: %v", top.SemanticRelevance)
	}
	if top.SourceDate == nil || !top.SourceDate.Equal(date) {
		t.Fatalf("source date not preserved: %v", top.SourceDate)
	}
}

func TestExecuteEmptyIndex(t *testing.T) {
	tool := newTestTool(t)

	q, _ := research.NewQuery("u1", "s1", "anything at all")
	res := tool.Execute(context.Background(), q)
	if res.Status != research.ToolSuccess {
		t.Fatalf("empty index should still succeed, got %s", res.Status)
	}
	if len(res.Fragments) != 0 {
		t.Fatalf("expected no fragments, got %d", len(res.Fragments))
	}
	if res.Retryable() {
		t.Fatal("empty result must not be retryable")
	}
}

func TestIndexDocumentReplace(t *testing.T) {
	tool := newTestTool(t)
	ctx := context.Background()

	if err := tool.IndexDocument(ctx, "doc-1", "v1", "original text about databases", "", time.Time{}); err != nil {
		t.Fatalf("IndexDocument: %v", err)
	}
	if err := tool.IndexDocument(ctx, "doc-1", "v2", "replacement text about compilers", "", time.Time{}); err != nil {
		t.Fatalf("IndexDocument: %v", err)
	}

	q, _ := research.NewQuery("u1", "s1", "compilers")
	res := tool.Execute(ctx, q)
	if len(res.Fragments) != 1 {
		t.Fatalf("expected the replaced document only, got %d fragments", len(res.Fragments))
	}
	if res.Fragments[0].SourceTitle != "v2" {
		t.Fatalf("title = %q, want v2", res.Fragments[0].SourceTitle)
	}
}
