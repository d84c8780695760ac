package research

import (
	"time"
)

// WorkflowStep names one stage of query processing.
type WorkflowStep string

const (
	StepRetrieval  WorkflowStep = "retrieval"
	StepEvaluation WorkflowStep = "evaluation"
	StepSynthesis  WorkflowStep = "synthesis"
	StepMemory     WorkflowStep = "memory"
	StepComplete   WorkflowStep = "complete"
	StepError      WorkflowStep = "error"
)

// WorkflowState tracks per-step timings and failures for one query. It is
// owned by a single ProcessQuery invocation and retained afterwards for
// diagnostics only.
type WorkflowState struct {
	QueryID     string                       `json:"query_id"`
	StartedAt   time.Time                    `json:"started_at"`
	CurrentStep WorkflowStep                 `json:"current_step,omitempty"`
	StepTimes   map[WorkflowStep]time.Duration `json:"step_times"`
	StepErrors  map[WorkflowStep]string      `json:"step_errors,omitempty"`
	Completed   []WorkflowStep               `json:"completed_steps"`
	Failed      []WorkflowStep               `json:"failed_steps"`

	stepStarted map[WorkflowStep]time.Time
}

// NewWorkflowState initializes tracking for a query.
func NewWorkflowState(queryID string) *WorkflowState {
	return &WorkflowState{
		QueryID:     queryID,
		StartedAt:   time.Now(),
		StepTimes:   make(map[WorkflowStep]time.Duration),
		StepErrors:  make(map[WorkflowStep]string),
		stepStarted: make(map[WorkflowStep]time.Time),
	}
}

// StepStart marks a step as the current one and records its start time.
func (w *WorkflowState) StepStart(step WorkflowStep) {
	w.CurrentStep = step
	w.stepStarted[step] = time.Now()
}

// StepComplete records a successful step and its elapsed time.
func (w *WorkflowState) StepComplete(step WorkflowStep) {
	if started, ok := w.stepStarted[step]; ok {
		w.StepTimes[step] = time.Since(started)
	}
	w.Completed = append(w.Completed, step)
}

// StepFail records a failed step, its elapsed time, and the failure message.
// The pipeline still advances; the record exists for degradation decisions
// and diagnostics.
func (w *WorkflowState) StepFail(step WorkflowStep, msg string) {
	if started, ok := w.stepStarted[step]; ok {
		w.StepTimes[step] = time.Since(started)
	}
	w.Failed = append(w.Failed, step)
	w.StepErrors[step] = msg
}

// HasFailed reports whether the given step was recorded as failed.
func (w *WorkflowState) HasFailed(step WorkflowStep) bool {
	for _, s := range w.Failed {
		if s == step {
			return true
		}
	}
	return false
}

// Summary flattens the state for logging and the diagnostics API.
func (w *WorkflowState) Summary() map[string]interface{} {
	stepTimes := make(map[string]float64, len(w.StepTimes))
	for step, d := range w.StepTimes {
		stepTimes[string(step)] = float64(d.Milliseconds())
	}
	completed := make([]string, 0, len(w.Completed))
	for _, s := range w.Completed {
		completed = append(completed, string(s))
	}
	failed := make([]string, 0, len(w.Failed))
	for _, s := range w.Failed {
		failed = append(failed, string(s))
	}
	errs := make(map[string]string, len(w.StepErrors))
	for step, msg := range w.StepErrors {
		errs[string(step)] = msg
	}
	return map[string]interface{}{
		"query_id":        w.QueryID,
		"total_time_ms":   float64(time.Since(w.StartedAt).Milliseconds()),
		"completed_steps": completed,
		"failed_steps":    failed,
		"step_times_ms":   stepTimes,
		"errors":          errs,
	}
}
