package research

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammad-safakhou/scout/config"
)

// fakeTool is a scriptable Tool for pipeline tests.
type fakeTool struct {
	name    string
	kind    SourceKind
	timeout time.Duration
	delay   time.Duration
	results []ToolResult // consumed per call, last one repeats
	calls   int32
}

func (f *fakeTool) Execute(ctx context.Context, query Query) ToolResult {
	n := atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return FailureResult(ToolTimeout, f.delay, ctx.Err())
		}
	}
	idx := int(n) - 1
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	return f.results[idx]
}

func (f *fakeTool) Kind() SourceKind       { return f.kind }
func (f *fakeTool) Name() string           { return f.name }
func (f *fakeTool) Timeout() time.Duration { return f.timeout }

func successTool(name string, kind SourceKind, texts ...string) *fakeTool {
	var frags []EvidenceFragment
	for i, text := range texts {
		f := fragment(kind, text, 0.9, nil)
		f.SourceID = fmt.Sprintf("%s-%d", name, i)
		frags = append(frags, f)
	}
	return &fakeTool{
		name:    name,
		kind:    kind,
		timeout: time.Second,
		results: []ToolResult{SuccessResult(frags, 10 * time.Millisecond)},
	}
}

func testOrchestrator(t *testing.T, memory Conversation, tools ...Tool) *Orchestrator {
	t.Helper()
	cfg := config.ResearchConfig{
		Workers:        4,
		OverallTimeout: 2 * time.Second,
		ToolTimeout:    time.Second,
		MaxRetries:     2,
		RetryBackoff:   5 * time.Millisecond,
	}
	o := NewOrchestrator(cfg,
		NewEvaluator(config.EvaluatorConfig{}, nil),
		NewSynthesizer(config.SynthesizerConfig{}, nil),
		memory, nil, nil)
	for _, tool := range tools {
		o.RegisterTool(tool)
	}
	return o
}

func TestProcessQueryHappyPath(t *testing.T) {
	o := testOrchestrator(t, nil,
		successTool("docsearch", KindDocument, "documented answer with substance."),
		successTool("websearch", KindWeb, "web answer with different words entirely."),
	)
	q, _ := NewQuery("u1", "s1", "what does the corpus say")

	resp, err := o.ProcessQuery(context.Background(), q)
	if err != nil {
		t.Fatalf("ProcessQuery: %v", err)
	}
	if resp.QueryID != q.ID {
		t.Fatalf("response query id = %q, want %q", resp.QueryID, q.ID)
	}
	if resp.Quality.DegradedMode {
		t.Fatal("unexpected degraded mode on healthy run")
	}
	if len(resp.Sections) == 0 {
		t.Fatal("expected at least one section")
	}
	if status, _ := o.GetQueryStatus(q.ID); status != QueryCompleted {
		t.Fatalf("query status = %q, want completed", status)
	}
}

func TestProcessQueryRejectsInvalidQuery(t *testing.T) {
	o := testOrchestrator(t, nil, successTool("websearch", KindWeb, "anything at all."))

	_, err := o.ProcessQuery(context.Background(), Query{UserID: "u1", SessionID: "s1"})
	if err == nil {
		t.Fatal("expected error for empty query text")
	}
}

func TestProcessQueryPartialFailureDegrades(t *testing.T) {
	failing := &fakeTool{
		name: "scholar", kind: KindAcademic, timeout: time.Second,
		results: []ToolResult{FailureResult(ToolError, time.Millisecond, errors.New("index corrupt"))},
	}
	o := testOrchestrator(t, nil,
		successTool("websearch", KindWeb, "surviving evidence with plenty of words."),
		failing,
	)
	q, _ := NewQuery("u1", "s1", "anything")

	resp, err := o.ProcessQuery(context.Background(), q)
	if err != nil {
		t.Fatalf("ProcessQuery: %v", err)
	}
	if resp.Confidence <= 0 {
		t.Fatal("partial failure should still produce a confident answer")
	}
	if len(resp.Sections) == 0 {
		t.Fatal("expected sections from the surviving tool")
	}
}

func TestProcessQueryAllToolsFail(t *testing.T) {
	fail := func(name string, kind SourceKind) *fakeTool {
		return &fakeTool{
			name: name, kind: kind, timeout: time.Second,
			results: []ToolResult{FailureResult(ToolError, time.Millisecond, errors.New("boom"))},
		}
	}
	o := testOrchestrator(t, nil, fail("websearch", KindWeb), fail("scholar", KindAcademic))
	q, _ := NewQuery("u1", "s1", "anything")

	resp, err := o.ProcessQuery(context.Background(), q)
	if err != nil {
		t.Fatalf("ProcessQuery should degrade, not error: %v", err)
	}
	if !resp.Quality.DegradedMode {
		t.Fatal("expected degraded mode when every tool failed")
	}
	if resp.Confidence != 0.2 {
		t.Fatalf("confidence = %v, want 0.2", resp.Confidence)
	}
	if resp.Answer == "" {
		t.Fatal("degraded response must still carry an answer")
	}
}

func TestProcessQueryRetriesTransientFailures(t *testing.T) {
	flaky := &fakeTool{
		name: "websearch", kind: KindWeb, timeout: time.Second,
		results: []ToolResult{
			FailureResult(ToolError, time.Millisecond, errors.New("connection reset by peer")),
			SuccessResult([]EvidenceFragment{fragment(KindWeb, "recovered evidence after retry.", 0.9, nil)}, time.Millisecond),
		},
	}
	o := testOrchestrator(t, nil, flaky)
	q, _ := NewQuery("u1", "s1", "anything")

	resp, err := o.ProcessQuery(context.Background(), q)
	if err != nil {
		t.Fatalf("ProcessQuery: %v", err)
	}
	if got := atomic.LoadInt32(&flaky.calls); got != 2 {
		t.Fatalf("tool called %d times, want 2", got)
	}
	if resp.Quality.DegradedMode {
		t.Fatal("recovered run should not be degraded")
	}
}

func TestProcessQueryDoesNotRetryPermanentFailures(t *testing.T) {
	broken := &fakeTool{
		name: "docsearch", kind: KindDocument, timeout: time.Second,
		results: []ToolResult{FailureResult(ToolError, time.Millisecond, errors.New("malformed query syntax"))},
	}
	o := testOrchestrator(t, nil, broken)
	q, _ := NewQuery("u1", "s1", "anything")

	if _, err := o.ProcessQuery(context.Background(), q); err != nil {
		t.Fatalf("ProcessQuery: %v", err)
	}
	if got := atomic.LoadInt32(&broken.calls); got != 1 {
		t.Fatalf("permanent failure retried: %d calls", got)
	}
}

func TestProcessQueryHonorsOverallDeadline(t *testing.T) {
	slow := &fakeTool{
		name: "scholar", kind: KindAcademic, timeout: 10 * time.Second,
		delay:   5 * time.Second,
		results: []ToolResult{SuccessResult(nil, time.Millisecond)},
	}
	fast := successTool("websearch", KindWeb, "fast evidence arrives in time.")

	cfg := config.ResearchConfig{
		Workers:        4,
		OverallTimeout: 200 * time.Millisecond,
		ToolTimeout:    10 * time.Second,
		MaxRetries:     0,
		RetryBackoff:   time.Millisecond,
	}
	o := NewOrchestrator(cfg,
		NewEvaluator(config.EvaluatorConfig{}, nil),
		NewSynthesizer(config.SynthesizerConfig{}, nil),
		nil, nil, nil)
	o.RegisterTool(slow)
	o.RegisterTool(fast)
	q, _ := NewQuery("u1", "s1", "anything")

	start := time.Now()
	resp, err := o.ProcessQuery(context.Background(), q)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("ProcessQuery: %v", err)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("pipeline took %v, deadline not enforced", elapsed)
	}
	if len(resp.Sections) == 0 {
		t.Fatal("fast tool's evidence should survive the deadline")
	}
}

// capturingEvaluator records the aggregated evidence it was asked to filter.
type capturingEvaluator struct {
	inner EvaluatorInterface

	mu         sync.Mutex
	aggregated AggregatedEvidence
}

func (c *capturingEvaluator) Filter(ctx context.Context, aggregated AggregatedEvidence, query Query) (FilteredEvidence, error) {
	c.mu.Lock()
	c.aggregated = aggregated
	c.mu.Unlock()
	return c.inner.Filter(ctx, aggregated, query)
}

func TestDeadlineRecordsUnfinishedToolsAsFailed(t *testing.T) {
	fast := successTool("websearch", KindWeb, "fast evidence arrives in time.")
	slow := &fakeTool{
		name: "scholar", kind: KindAcademic, timeout: 10 * time.Second,
		delay:   5 * time.Second,
		results: []ToolResult{SuccessResult(nil, time.Millisecond)},
	}

	eval := &capturingEvaluator{inner: NewEvaluator(config.EvaluatorConfig{}, nil)}
	cfg := config.ResearchConfig{
		Workers:        1,
		OverallTimeout: 150 * time.Millisecond,
		ToolTimeout:    10 * time.Second,
		MaxRetries:     0,
		RetryBackoff:   time.Millisecond,
	}
	o := NewOrchestrator(cfg, eval,
		NewSynthesizer(config.SynthesizerConfig{}, nil),
		nil, nil, nil)
	// single worker runs the fast tool first, the slow one straddles the
	// deadline
	o.RegisterTool(fast)
	o.RegisterTool(slow)
	q, _ := NewQuery("u1", "s1", "anything")

	if _, err := o.ProcessQuery(context.Background(), q); err != nil {
		t.Fatalf("ProcessQuery: %v", err)
	}

	eval.mu.Lock()
	aggregated := eval.aggregated
	eval.mu.Unlock()

	var consulted, failed bool
	for _, name := range aggregated.SourcesConsulted {
		if name == "websearch" {
			consulted = true
		}
	}
	for _, name := range aggregated.SourcesFailed {
		if name == "scholar" {
			failed = true
		}
	}
	if !consulted {
		t.Fatalf("fast tool missing from sources_consulted: %v", aggregated.SourcesConsulted)
	}
	if !failed {
		t.Fatalf("timed-out tool missing from sources_failed: %v", aggregated.SourcesFailed)
	}
	for i, name := range aggregated.SourcesFailed {
		for _, later := range aggregated.SourcesFailed[i+1:] {
			if name == later {
				t.Fatalf("tool %s recorded as failed twice: %v", name, aggregated.SourcesFailed)
			}
		}
	}
}

func TestProcessQuerySkipsExcludedKinds(t *testing.T) {
	web := successTool("websearch", KindWeb, "web evidence text here.")
	academic := successTool("scholar", KindAcademic, "academic evidence text here.")
	o := testOrchestrator(t, nil, web, academic)

	q, _ := NewQuery("u1", "s1", "anything")
	q.Preferences = &QueryPreferences{ExcludedKinds: []SourceKind{KindWeb}}

	if _, err := o.ProcessQuery(context.Background(), q); err != nil {
		t.Fatalf("ProcessQuery: %v", err)
	}
	if atomic.LoadInt32(&web.calls) != 0 {
		t.Fatal("excluded kind was dispatched")
	}
	if atomic.LoadInt32(&academic.calls) == 0 {
		t.Fatal("non-excluded kind was not dispatched")
	}
}

type recordingMemory struct {
	mu       sync.Mutex
	messages map[string][]Message
	fail     bool
}

func (m *recordingMemory) Append(ctx context.Context, sessionID string, msg Message) error {
	if m.fail {
		return errors.New("redis unavailable")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.messages == nil {
		m.messages = make(map[string][]Message)
	}
	m.messages[sessionID] = append(m.messages[sessionID], msg)
	return nil
}

func TestProcessQueryAppendsConversationMemory(t *testing.T) {
	mem := &recordingMemory{}
	o := testOrchestrator(t, mem, successTool("websearch", KindWeb, "memorable evidence text."))
	q, _ := NewQuery("u1", "s1", "remember this")

	resp, err := o.ProcessQuery(context.Background(), q)
	if err != nil {
		t.Fatalf("ProcessQuery: %v", err)
	}
	msgs := mem.messages["s1"]
	if len(msgs) != 2 {
		t.Fatalf("expected user+assistant messages, got %d", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("unexpected roles: %s, %s", msgs[0].Role, msgs[1].Role)
	}
	if msgs[1].ResponseID != resp.ID {
		t.Fatal("assistant message should reference the response")
	}
	if _, ok := msgs[1].Metadata["confidence"]; !ok {
		t.Fatal("assistant message metadata missing confidence")
	}
}

func TestProcessQueryMemoryFailureIsBestEffort(t *testing.T) {
	mem := &recordingMemory{fail: true}
	o := testOrchestrator(t, mem, successTool("websearch", KindWeb, "evidence text survives."))
	q, _ := NewQuery("u1", "s1", "anything")

	if _, err := o.ProcessQuery(context.Background(), q); err != nil {
		t.Fatalf("memory failure must not fail the query: %v", err)
	}
	diag, ok := o.GetDiagnostics(q.ID)
	if !ok {
		t.Fatal("expected diagnostics for processed query")
	}
	failed, _ := diag["failed_steps"].([]string)
	found := false
	for _, s := range failed {
		if s == string(StepMemory) {
			found = true
		}
	}
	if !found {
		t.Fatalf("memory step not recorded as failed: %v", diag)
	}
}

func TestGetStatusReflectsToolsAndCounts(t *testing.T) {
	o := testOrchestrator(t, nil,
		successTool("websearch", KindWeb, "evidence one here."),
		successTool("scholar", KindAcademic, "evidence two here."),
	)
	q, _ := NewQuery("u1", "s1", "anything")
	if _, err := o.ProcessQuery(context.Background(), q); err != nil {
		t.Fatalf("ProcessQuery: %v", err)
	}

	status := o.GetStatus()
	if len(status.RegisteredTools) != 2 {
		t.Fatalf("registered tools = %d, want 2", len(status.RegisteredTools))
	}
	if status.CompletedQueries != 1 {
		t.Fatalf("completed = %d, want 1", status.CompletedQueries)
	}
	if status.ActiveQueries != 0 {
		t.Fatalf("active = %d, want 0", status.ActiveQueries)
	}
}

func TestRegisterToolReplacesByName(t *testing.T) {
	o := testOrchestrator(t, nil)
	o.RegisterTool(successTool("websearch", KindWeb, "old."))
	o.RegisterTool(successTool("websearch", KindWeb, "new."))
	if n := len(o.GetStatus().RegisteredTools); n != 1 {
		t.Fatalf("expected replacement, got %d tools", n)
	}
}

func TestConcurrentQueriesAreIsolated(t *testing.T) {
	o := testOrchestrator(t, nil, successTool("websearch", KindWeb, "shared evidence text."))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q, _ := NewQuery("u1", fmt.Sprintf("s%d", i), "concurrent question")
			resp, err := o.ProcessQuery(context.Background(), q)
			if err != nil {
				errs <- err
				return
			}
			if resp.QueryID != q.ID {
				errs <- fmt.Errorf("cross-talk: got response for %s", resp.QueryID)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}
