package memsearch

import (
	"context"
	"testing"
	"time"

	"github.com/mohammad-safakhou/scout/config"
	"github.com/mohammad-safakhou/scout/internal/memory"
	"github.com/mohammad-safakhou/scout/internal/research"
)

func seededHistory(t *testing.T, sessionID string, contents ...string) memory.ConversationHistory {
	t.Helper()
	hist := memory.NewInMemoryHistory(100)
	for i, content := range contents {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		err := hist.Append(context.Background(), sessionID, research.Message{
			Role:      role,
			Content:   content,
			CreatedAt: time.Now().Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	return hist
}

func TestExecuteRanksByOverlap(t *testing.T) {
	hist := seededHistory(t, "s1",
		"tell me about goroutine scheduling in the runtime",
		"the scheduler multiplexes goroutines onto threads",
		"what is for dinner tonight",
	)
	tool := New(config.MemSearchConfig{MaxResults: 5, WindowSize: 10}, hist, nil)

	q, _ := research.NewQuery("u1", "s1", "goroutine scheduling runtime")
	res := tool.Execute(context.Background(), q)
	if res.Status != research.ToolSuccess {
		t.Fatalf("status = %s: %s", res.Status, res.ErrorMessage)
	}
	if len(res.Fragments) == 0 {
		t.Fatal("expected overlapping messages as fragments")
	}

	top := res.Fragments[0]
	if top.Kind != research.KindMemory {
		t.Fatalf("kind = %s", top.Kind)
	}
	if top.Text != "tell me about goroutine scheduling in the runtime" {
		t.Fatalf("top fragment = %q", top.Text)
	}
	if top.SemanticRelevance <= 0 || top.SemanticRelevance > 1 {
		t.Fatalf("relevance out of range: %v", top.SemanticRelevance)
	}
	if top.SourceDate == nil {
		t.Fatal("message timestamp should carry into the fragment")
	}
	for _, f := range res.Fragments {
		if f.Text == "what is for dinner tonight" {
			t.Fatal("unrelated message must not surface")
		}
	}
}

func TestExecuteEmptySession(t *testing.T) {
	tool := New(config.MemSearchConfig{}, memory.NewInMemoryHistory(10), nil)
	q, _ := research.NewQuery("u1", "fresh-session", "anything at all")
	res := tool.Execute(context.Background(), q)
	if res.Status != research.ToolSuccess {
		t.Fatalf("status = %s", res.Status)
	}
	if len(res.Fragments) != 0 {
		t.Fatalf("fragments = %d, want 0", len(res.Fragments))
	}
}

func TestExecuteRespectsMaxResults(t *testing.T) {
	hist := seededHistory(t, "s1",
		"alpha topic one", "alpha topic two", "alpha topic three", "alpha topic four",
	)
	tool := New(config.MemSearchConfig{MaxResults: 2, WindowSize: 10}, hist, nil)
	q, _ := research.NewQuery("u1", "s1", "alpha topic")
	res := tool.Execute(context.Background(), q)
	if len(res.Fragments) != 2 {
		t.Fatalf("fragments = %d, want 2", len(res.Fragments))
	}
}

func TestExecuteNilHistoryFails(t *testing.T) {
	tool := New(config.MemSearchConfig{}, nil, nil)
	q, _ := research.NewQuery("u1", "s1", "anything")
	res := tool.Execute(context.Background(), q)
	if res.Status != research.ToolError {
		t.Fatalf("status = %s, want error", res.Status)
	}
}

func TestOverlapScore(t *testing.T) {
	q := tokenSet("goroutine scheduling runtime")
	full := tokenSet("goroutine scheduling in the runtime")
	none := tokenSet("dinner plans")
	if got := overlap(q, full); got != 1.0 {
		t.Fatalf("full overlap = %v", got)
	}
	if got := overlap(q, none); got != 0 {
		t.Fatalf("no overlap = %v", got)
	}
	if got := overlap(map[string]struct{}{}, full); got != 0 {
		t.Fatalf("empty query = %v", got)
	}
}
