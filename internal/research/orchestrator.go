package research

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/mohammad-safakhou/scout/config"
)

// Telemetry receives pipeline events. The prometheus-backed implementation
// lives in internal/telemetry; a nil-safe no-op is used when unset.
type Telemetry interface {
	RecordQuery(duration time.Duration, confidence float64, degraded bool)
	RecordToolExecution(tool string, status ToolStatus, duration time.Duration)
}

type noopTelemetry struct{}

func (noopTelemetry) RecordQuery(time.Duration, float64, bool)            {}
func (noopTelemetry) RecordToolExecution(string, ToolStatus, time.Duration) {}

// Orchestrator drives the retrieval, evaluation, synthesis, and memory steps
// for each query. Tools run concurrently on a bounded worker pool under an
// overall soft deadline; individual failures degrade the response instead of
// failing the query.
type Orchestrator struct {
	logger      *log.Logger
	evaluator   EvaluatorInterface
	synthesizer SynthesizerInterface
	memory      Conversation
	telemetry   Telemetry

	workers        int
	overallTimeout time.Duration
	toolTimeout    time.Duration
	maxRetries     int
	retryBackoff   time.Duration

	mu        sync.RWMutex
	tools     []Tool
	statuses  map[string]QueryStatus
	workflows map[string]*WorkflowState
	completed int
	failed    int
}

// NewOrchestrator wires the pipeline. Evaluator and synthesizer are
// required; memory and telemetry may be nil.
func NewOrchestrator(cfg config.ResearchConfig, evaluator EvaluatorInterface, synthesizer SynthesizerInterface, memory Conversation, telemetry Telemetry, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	if telemetry == nil {
		telemetry = noopTelemetry{}
	}
	o := &Orchestrator{
		logger:         logger,
		evaluator:      evaluator,
		synthesizer:    synthesizer,
		memory:         memory,
		telemetry:      telemetry,
		workers:        cfg.Workers,
		overallTimeout: cfg.OverallTimeout,
		toolTimeout:    cfg.ToolTimeout,
		maxRetries:     cfg.MaxRetries,
		retryBackoff:   cfg.RetryBackoff,
		statuses:       make(map[string]QueryStatus),
		workflows:      make(map[string]*WorkflowState),
	}
	if o.workers <= 0 {
		o.workers = 4
	}
	if o.overallTimeout <= 0 {
		o.overallTimeout = 15 * time.Second
	}
	if o.toolTimeout <= 0 {
		o.toolTimeout = 8 * time.Second
	}
	if o.maxRetries < 0 {
		o.maxRetries = 2
	}
	if o.retryBackoff <= 0 {
		o.retryBackoff = 300 * time.Millisecond
	}
	return o
}

// RegisterTool adds a retrieval tool. Tools registered twice under the same
// name replace the earlier registration.
func (o *Orchestrator) RegisterTool(tool Tool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, existing := range o.tools {
		if existing.Name() == tool.Name() {
			o.tools[i] = tool
			return
		}
	}
	o.tools = append(o.tools, tool)
}

// ProcessQuery runs the full pipeline for one query. It returns an error
// only for invalid input or a cancelled parent context; every downstream
// failure degrades into a transparent response instead.
func (o *Orchestrator) ProcessQuery(ctx context.Context, query Query) (FinalResponse, error) {
	if err := query.Validate(); err != nil {
		return FinalResponse{}, fmt.Errorf("invalid query: %w", err)
	}
	state := NewWorkflowState(query.ID)
	o.setStatus(query.ID, QueryProcessing, state)
	o.logger.Printf("processing query %s: %q", query.ID, preview(query.Text, 80))

	resp, err := o.runPipeline(ctx, query, state)
	if err != nil {
		state.StepStart(StepError)
		state.StepFail(StepError, err.Error())
		o.finishQuery(query.ID, QueryFailed)
		return FinalResponse{}, err
	}

	if state.HasFailed(StepRetrieval) || state.HasFailed(StepEvaluation) || state.HasFailed(StepSynthesis) {
		resp.Quality.DegradedMode = true
	}
	state.StepStart(StepComplete)
	state.StepComplete(StepComplete)
	o.finishQuery(query.ID, QueryCompleted)
	o.telemetry.RecordQuery(time.Since(state.StartedAt), resp.Confidence, resp.Quality.DegradedMode)
	o.logger.Printf("completed query %s: confidence=%.2f degraded=%v took=%v",
		query.ID, resp.Confidence, resp.Quality.DegradedMode, time.Since(state.StartedAt))
	return resp, nil
}

func (o *Orchestrator) runPipeline(ctx context.Context, query Query, state *WorkflowState) (FinalResponse, error) {
	state.StepStart(StepRetrieval)
	aggregated := o.retrieve(ctx, query)
	if len(aggregated.SourcesFailed) > 0 && len(aggregated.SourcesConsulted) == 0 {
		state.StepFail(StepRetrieval, "all retrieval tools failed")
	} else {
		state.StepComplete(StepRetrieval)
	}
	if err := ctx.Err(); err != nil {
		return FinalResponse{}, err
	}

	state.StepStart(StepEvaluation)
	filtered, err := o.evaluator.Filter(ctx, aggregated, query)
	if err != nil {
		state.StepFail(StepEvaluation, err.Error())
		o.logger.Printf("evaluation failed for query %s, continuing unfiltered: %v", query.ID, err)
		filtered = unfilteredFallback(aggregated)
	} else {
		state.StepComplete(StepEvaluation)
	}
	if err := ctx.Err(); err != nil {
		return FinalResponse{}, err
	}

	state.StepStart(StepSynthesis)
	resp, err := o.synthesizer.Generate(ctx, query, filtered)
	if err != nil {
		if ctx.Err() != nil {
			return FinalResponse{}, ctx.Err()
		}
		state.StepFail(StepSynthesis, err.Error())
		o.logger.Printf("synthesis failed for query %s, returning error response: %v", query.ID, err)
		resp = errorResponse(query, err)
	} else {
		state.StepComplete(StepSynthesis)
	}

	o.remember(ctx, query, resp, state)
	return resp, nil
}

// toolResult pairs an execution outcome with its tool for aggregation.
type toolResult struct {
	tool   Tool
	result ToolResult
}

// retrieve fans the query out to every eligible tool on a bounded worker
// pool. The overall deadline is soft: when it expires the collector stops
// waiting and aggregates whatever completed; stragglers are cancelled
// through the derived context.
func (o *Orchestrator) retrieve(parent context.Context, query Query) AggregatedEvidence {
	aggregated := NewAggregatedEvidence(query.ID)
	start := time.Now()

	tools := o.eligibleTools(query.Preferences)
	if len(tools) == 0 {
		aggregated.RetrievalTime = time.Since(start)
		return aggregated
	}

	ctx, cancel := context.WithTimeout(parent, o.overallTimeout)
	defer cancel()

	jobs := make(chan Tool, len(tools))
	results := make(chan toolResult, len(tools))
	workers := o.workers
	if workers > len(tools) {
		workers = len(tools)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tool := range jobs {
				results <- toolResult{tool: tool, result: o.executeWithRetry(ctx, tool, query)}
			}
		}()
	}
	for _, tool := range tools {
		jobs <- tool
	}
	close(jobs)
	go func() {
		wg.Wait()
		close(results)
	}()

	finished := make(map[string]bool, len(tools))
	received := 0
collect:
	for received < len(tools) {
		select {
		case r, ok := <-results:
			if !ok {
				break collect
			}
			received++
			finished[r.tool.Name()] = true
			o.accumulate(&aggregated, r)
		case <-ctx.Done():
			// soft deadline: take whatever already landed, without blocking
			for {
				select {
				case r, ok := <-results:
					if !ok {
						break collect
					}
					received++
					finished[r.tool.Name()] = true
					o.accumulate(&aggregated, r)
				default:
					break collect
				}
			}
		}
	}

	// tools still outstanding when the deadline fired count as failed by
	// timeout
	for _, tool := range tools {
		if finished[tool.Name()] {
			continue
		}
		aggregated.SourcesFailed = append(aggregated.SourcesFailed, tool.Name())
		o.telemetry.RecordToolExecution(tool.Name(), ToolTimeout, time.Since(start))
		o.logger.Printf("tool %s did not finish before the retrieval deadline", tool.Name())
	}

	aggregated.TotalBeforeMerge = len(aggregated.Fragments)
	aggregated.TotalAfterMerge = len(aggregated.Fragments)
	aggregated.RetrievalTime = time.Since(start)
	o.logger.Printf("retrieval for query %s: %d fragments from %d/%d tools in %v",
		query.ID, len(aggregated.Fragments), len(aggregated.SourcesConsulted), len(tools), aggregated.RetrievalTime)
	return aggregated
}

func (o *Orchestrator) accumulate(aggregated *AggregatedEvidence, r toolResult) {
	o.telemetry.RecordToolExecution(r.tool.Name(), r.result.Status, r.result.Elapsed)
	if r.result.IsSuccessful() {
		aggregated.Fragments = append(aggregated.Fragments, r.result.Fragments...)
		aggregated.SourcesConsulted = append(aggregated.SourcesConsulted, r.tool.Name())
		return
	}
	aggregated.SourcesFailed = append(aggregated.SourcesFailed, r.tool.Name())
	o.logger.Printf("tool %s failed (%s): %s", r.tool.Name(), r.result.Status, r.result.ErrorMessage)
}

// executeWithRetry runs one tool under its per-execution budget, retrying
// transient failures with exponential backoff while the overall deadline
// allows.
func (o *Orchestrator) executeWithRetry(ctx context.Context, tool Tool, query Query) ToolResult {
	budget := tool.Timeout()
	if budget <= 0 || budget > o.toolTimeout {
		budget = o.toolTimeout
	}

	var result ToolResult
	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(o.retryBackoff * time.Duration(1<<(attempt-1))):
			case <-ctx.Done():
				return result
			}
			o.logger.Printf("retrying tool %s (attempt %d/%d)", tool.Name(), attempt+1, o.maxRetries+1)
		}
		result = o.executeOnce(ctx, tool, query, budget)
		if !result.Retryable() {
			return result
		}
		if ctx.Err() != nil {
			return result
		}
	}
	return result
}

func (o *Orchestrator) executeOnce(ctx context.Context, tool Tool, query Query, budget time.Duration) (result ToolResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = FailureResult(ToolError, time.Since(start), fmt.Errorf("tool panicked: %v", r))
			o.logger.Printf("tool %s panicked: %v", tool.Name(), r)
		}
	}()

	toolCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	done := make(chan ToolResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- FailureResult(ToolError, time.Since(start), fmt.Errorf("tool panicked: %v", r))
			}
		}()
		done <- tool.Execute(toolCtx, query)
	}()

	select {
	case result = <-done:
	case <-toolCtx.Done():
		result = FailureResult(ToolTimeout, time.Since(start), fmt.Errorf("tool %s exceeded its %v budget", tool.Name(), budget))
	}
	if result.Elapsed == 0 {
		result.Elapsed = time.Since(start)
	}
	return result
}

// eligibleTools snapshots registered tools minus any kind the caller
// excluded.
func (o *Orchestrator) eligibleTools(prefs *QueryPreferences) []Tool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	tools := make([]Tool, 0, len(o.tools))
	for _, tool := range o.tools {
		if prefs.Excludes(tool.Kind()) {
			continue
		}
		tools = append(tools, tool)
	}
	return tools
}

// unfilteredFallback passes aggregated evidence through unscored when the
// evaluator failed. Relevance stands in for the missing quality total so the
// synthesizer still has a ranking.
func unfilteredFallback(aggregated AggregatedEvidence) FilteredEvidence {
	filtered := FilteredEvidence{
		ID:            aggregated.ID,
		QueryID:       aggregated.QueryID,
		OriginalCount: len(aggregated.Fragments),
		FilteredCount: len(aggregated.Fragments),
		CreatedAt:     time.Now().UTC(),
	}
	var sum float64
	for _, f := range aggregated.Fragments {
		filtered.Fragments = append(filtered.Fragments, FilteredFragment{
			EvidenceFragment: f,
			Quality:          QualityScore{Relevance: f.SemanticRelevance, Total: f.SemanticRelevance},
			Decision:         DecisionKept,
		})
		sum += f.SemanticRelevance
	}
	if len(filtered.Fragments) > 0 {
		filtered.AverageQuality = sum / float64(len(filtered.Fragments))
		sort.SliceStable(filtered.Fragments, func(i, j int) bool {
			return filtered.Fragments[i].Quality.Total > filtered.Fragments[j].Quality.Total
		})
	}
	return filtered
}

// errorResponse is the transparent last-resort answer when synthesis itself
// failed.
func errorResponse(query Query, cause error) FinalResponse {
	return FinalResponse{
		ID:        query.ID + "-error",
		QueryID:   query.ID,
		UserID:    query.UserID,
		SessionID: query.SessionID,
		Answer: fmt.Sprintf(
			"Something went wrong while assembling an answer for %q. No response could be synthesized from the retrieved evidence (%v). Please try again.",
			preview(query.Text, 120), cause),
		Confidence: 0,
		Quality: ResponseQuality{
			DegradedMode: true,
		},
		CreatedAt: time.Now().UTC(),
	}
}

// remember appends the exchange to conversation memory. Best-effort: errors
// are logged, recorded on the workflow, and never surfaced.
func (o *Orchestrator) remember(ctx context.Context, query Query, resp FinalResponse, state *WorkflowState) {
	if o.memory == nil {
		return
	}
	state.StepStart(StepMemory)
	now := time.Now().UTC()
	userMsg := Message{Role: "user", Content: query.Text, CreatedAt: now}
	assistantMsg := Message{
		Role:       "assistant",
		Content:    resp.Answer,
		ResponseID: resp.ID,
		Metadata: map[string]interface{}{
			"confidence":        resp.Confidence,
			"sources_consulted": resp.SourcesConsulted,
			"section_count":     len(resp.Sections),
		},
		CreatedAt: now,
	}
	if err := o.memory.Append(ctx, query.SessionID, userMsg); err != nil {
		state.StepFail(StepMemory, err.Error())
		o.logger.Printf("memory append failed for session %s: %v", query.SessionID, err)
		return
	}
	if err := o.memory.Append(ctx, query.SessionID, assistantMsg); err != nil {
		state.StepFail(StepMemory, err.Error())
		o.logger.Printf("memory append failed for session %s: %v", query.SessionID, err)
		return
	}
	state.StepComplete(StepMemory)
}

func (o *Orchestrator) setStatus(queryID string, status QueryStatus, state *WorkflowState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses[queryID] = status
	if state != nil {
		o.workflows[queryID] = state
	}
}

func (o *Orchestrator) finishQuery(queryID string, status QueryStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses[queryID] = status
	switch status {
	case QueryCompleted:
		o.completed++
	case QueryFailed:
		o.failed++
	}
}

// ToolInfo describes one registered tool for the status endpoint.
type ToolInfo struct {
	Name    string        `json:"name"`
	Kind    SourceKind    `json:"kind"`
	Timeout time.Duration `json:"timeout"`
}

// StatusReport is the orchestrator's wire-format status snapshot.
type StatusReport struct {
	ActiveQueries    int        `json:"active_queries"`
	CompletedQueries int        `json:"completed_queries"`
	FailedQueries    int        `json:"failed_queries"`
	RegisteredTools  []ToolInfo `json:"registered_tools"`
	Workers          int        `json:"workers"`
	OverallTimeout   string     `json:"overall_timeout"`
}

// GetStatus snapshots the orchestrator state.
func (o *Orchestrator) GetStatus() StatusReport {
	o.mu.RLock()
	defer o.mu.RUnlock()
	active := 0
	for _, s := range o.statuses {
		if s == QueryProcessing {
			active++
		}
	}
	tools := make([]ToolInfo, 0, len(o.tools))
	for _, t := range o.tools {
		tools = append(tools, ToolInfo{Name: t.Name(), Kind: t.Kind(), Timeout: t.Timeout()})
	}
	return StatusReport{
		ActiveQueries:    active,
		CompletedQueries: o.completed,
		FailedQueries:    o.failed,
		RegisteredTools:  tools,
		Workers:          o.workers,
		OverallTimeout:   o.overallTimeout.String(),
	}
}

// GetQueryStatus reports the lifecycle status of one query.
func (o *Orchestrator) GetQueryStatus(queryID string) (QueryStatus, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.statuses[queryID]
	return s, ok
}

// GetDiagnostics returns the retained workflow summary for a processed
// query.
func (o *Orchestrator) GetDiagnostics(queryID string) (map[string]interface{}, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	state, ok := o.workflows[queryID]
	if !ok {
		return nil, false
	}
	return state.Summary(), true
}
