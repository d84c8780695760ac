package research

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SourceKind categorizes where an evidence fragment came from. It drives
// reputation weighting in the evaluator and section naming in the synthesizer.
type SourceKind string

const (
	KindDocument SourceKind = "document" // indexed local documents
	KindWeb      SourceKind = "web"      // web search results
	KindAcademic SourceKind = "academic" // academic paper search
	KindMemory   SourceKind = "memory"   // conversation history
)

// ValidKinds lists every supported source kind.
var ValidKinds = []SourceKind{KindDocument, KindWeb, KindAcademic, KindMemory}

// IsValid reports whether k is one of the supported source kinds.
func (k SourceKind) IsValid() bool {
	switch k {
	case KindDocument, KindWeb, KindAcademic, KindMemory:
		return true
	}
	return false
}

// Label returns the human-readable section heading for a kind.
func (k SourceKind) Label() string {
	switch k {
	case KindDocument:
		return "From Your Documents"
	case KindWeb:
		return "From Web Search"
	case KindAcademic:
		return "From Academic Papers"
	case KindMemory:
		return "From Conversation History"
	default:
		return "From " + string(k)
	}
}

// QueryStatus tracks a query through its lifecycle.
type QueryStatus string

const (
	QuerySubmitted  QueryStatus = "submitted"
	QueryProcessing QueryStatus = "processing"
	QueryCompleted  QueryStatus = "completed"
	QueryFailed     QueryStatus = "failed"
)

// MaxQueryLength bounds the accepted query text.
const MaxQueryLength = 5000

// MaxFragmentLength bounds the text carried by a single fragment.
const MaxFragmentLength = 10000

// QueryPreferences are per-query overrides of user defaults.
type QueryPreferences struct {
	ResponseFormat    string       `json:"response_format,omitempty"` // concise, detailed, technical, narrative
	PreferredKinds    []SourceKind `json:"preferred_kinds,omitempty"`
	ExcludedKinds     []SourceKind `json:"excluded_kinds,omitempty"`
	Depth             string       `json:"depth,omitempty"` // overview, comprehensive, expert
	MaxResponseLength int          `json:"max_response_length,omitempty"`
}

// Excludes reports whether the preferences rule out a source kind.
func (p *QueryPreferences) Excludes(kind SourceKind) bool {
	if p == nil {
		return false
	}
	for _, k := range p.ExcludedKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Query represents a user's research question.
type Query struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id"`
	SessionID    string            `json:"session_id"`
	Text         string            `json:"text"`
	SubmittedAt  time.Time         `json:"submitted_at"`
	Preferences  *QueryPreferences `json:"preferences,omitempty"`
	Status       QueryStatus       `json:"status"`
	ErrorMessage string            `json:"error_message,omitempty"`
}

// NewQuery builds a submitted query with a fresh ID.
func NewQuery(userID, sessionID, text string) (Query, error) {
	q := Query{
		ID:          uuid.NewString(),
		UserID:      userID,
		SessionID:   sessionID,
		Text:        text,
		SubmittedAt: time.Now().UTC(),
		Status:      QuerySubmitted,
	}
	if err := q.Validate(); err != nil {
		return Query{}, err
	}
	return q, nil
}

// Validate checks the query invariants.
func (q *Query) Validate() error {
	if strings.TrimSpace(q.Text) == "" {
		return fmt.Errorf("query text must be non-empty")
	}
	if len(q.Text) > MaxQueryLength {
		return fmt.Errorf("query text must be <= %d characters", MaxQueryLength)
	}
	if q.UserID == "" {
		return fmt.Errorf("user_id must be non-empty")
	}
	if q.SessionID == "" {
		return fmt.Errorf("session_id must be non-empty")
	}
	if !q.SubmittedAt.IsZero() && q.SubmittedAt.After(time.Now().Add(time.Minute)) {
		return fmt.Errorf("submitted_at cannot be in the future")
	}
	return nil
}

// MarkProcessing transitions the query into the processing state.
func (q *Query) MarkProcessing() { q.Status = QueryProcessing }

// MarkCompleted transitions the query into its terminal success state.
func (q *Query) MarkCompleted() {
	q.Status = QueryCompleted
	q.ErrorMessage = ""
}

// MarkFailed transitions the query into its terminal failure state.
func (q *Query) MarkFailed(msg string) {
	q.Status = QueryFailed
	q.ErrorMessage = msg
}

// EvidenceFragment is one retrieved unit of evidence with provenance and the
// three independent scores its tool assigned. Immutable once created.
type EvidenceFragment struct {
	ID                string                 `json:"id"`
	QueryID           string                 `json:"query_id"`
	Kind              SourceKind             `json:"kind"`
	Text              string                 `json:"text"`
	SemanticRelevance float64                `json:"semantic_relevance"`
	SourceReputation  float64                `json:"source_reputation"`
	RecencyScore      float64                `json:"recency_score"`
	SourceID          string                 `json:"source_id"`
	SourceTitle       string                 `json:"source_title,omitempty"`
	SourceURL         string                 `json:"source_url,omitempty"`
	SourceDate        *time.Time             `json:"source_date,omitempty"`
	PositionInSource  int                    `json:"position_in_source,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
	RetrievedAt       time.Time              `json:"retrieved_at"`
}

// NewFragment builds a validated fragment. Tools should construct fragments
// through this so malformed ones are rejected at creation, not in the
// evaluator.
func NewFragment(kind SourceKind, text, sourceID string) (EvidenceFragment, error) {
	f := EvidenceFragment{
		ID:          uuid.NewString(),
		Kind:        kind,
		Text:        text,
		SourceID:    sourceID,
		RetrievedAt: time.Now().UTC(),
	}
	if err := f.Validate(); err != nil {
		return EvidenceFragment{}, err
	}
	return f, nil
}

// Validate checks the fragment invariants.
func (f *EvidenceFragment) Validate() error {
	if f.Text == "" {
		return fmt.Errorf("fragment text must be non-empty")
	}
	if len(f.Text) > MaxFragmentLength {
		return fmt.Errorf("fragment text must be <= %d characters", MaxFragmentLength)
	}
	if !f.Kind.IsValid() {
		return fmt.Errorf("invalid source kind: %q", f.Kind)
	}
	if f.SourceID == "" {
		return fmt.Errorf("source_id must be non-empty")
	}
	for name, v := range map[string]float64{
		"semantic_relevance": f.SemanticRelevance,
		"source_reputation":  f.SourceReputation,
		"recency_score":      f.RecencyScore,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0,1], got %v", name, v)
		}
	}
	if f.SourceDate != nil && f.SourceDate.After(time.Now()) {
		return fmt.Errorf("source_date cannot be in the future")
	}
	return nil
}

// ToolStatus is the typed outcome of a single tool execution.
type ToolStatus string

const (
	ToolSuccess  ToolStatus = "success"
	ToolTimeout  ToolStatus = "timeout"
	ToolError    ToolStatus = "error"
	ToolDegraded ToolStatus = "degraded" // partial results, still usable
)

// ToolResult carries the fragments (or typed failure) from one tool call.
type ToolResult struct {
	Status       ToolStatus         `json:"status"`
	Fragments    []EvidenceFragment `json:"fragments,omitempty"`
	Elapsed      time.Duration      `json:"elapsed"`
	ErrorMessage string             `json:"error_message,omitempty"`
}

// IsSuccessful reports whether the result contributed usable fragments.
func (r ToolResult) IsSuccessful() bool {
	return r.Status == ToolSuccess || r.Status == ToolDegraded
}

// Retryable reports whether the failure class is worth retrying. Timeouts and
// connection-level errors are transient; everything else (validation, bad
// request, empty index) is not.
func (r ToolResult) Retryable() bool {
	if r.Status == ToolTimeout {
		return true
	}
	if r.Status != ToolError {
		return false
	}
	msg := strings.ToLower(r.ErrorMessage)
	for _, marker := range []string{"connection reset", "connection refused", "timeout", "deadline exceeded", "temporarily unavailable", "eof"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// SuccessResult wraps fragments in a successful ToolResult.
func SuccessResult(fragments []EvidenceFragment, elapsed time.Duration) ToolResult {
	return ToolResult{Status: ToolSuccess, Fragments: fragments, Elapsed: elapsed}
}

// FailureResult wraps a typed failure in a ToolResult.
func FailureResult(status ToolStatus, elapsed time.Duration, err error) ToolResult {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return ToolResult{Status: status, Elapsed: elapsed, ErrorMessage: msg}
}

// Tool is the contract every retrieval source implements. Implementations
// must be safe for concurrent Execute calls across queries and must not block
// past their declared budget; the orchestrator additionally enforces an outer
// deadline through ctx.
type Tool interface {
	// Execute retrieves evidence for a query. Failures are reported through
	// ToolResult.Status, never by panicking.
	Execute(ctx context.Context, query Query) ToolResult

	// Kind returns the source kind of fragments this tool produces.
	Kind() SourceKind

	// Name returns a stable identifier used in consulted/failed lists.
	Name() string

	// Timeout returns the tool's own execution budget.
	Timeout() time.Duration
}

// AggregatedEvidence is the raw union of fragments from all tools for one
// query, owned by the orchestrator during retrieval.
type AggregatedEvidence struct {
	ID               string             `json:"id"`
	QueryID          string             `json:"query_id"`
	Fragments        []EvidenceFragment `json:"fragments"`
	RetrievalTime    time.Duration      `json:"retrieval_time"`
	SourcesConsulted []string           `json:"sources_consulted"`
	SourcesFailed    []string           `json:"sources_failed"`
	TotalBeforeMerge int                `json:"total_before_merge"`
	TotalAfterMerge  int                `json:"total_after_merge"`
	CreatedAt        time.Time          `json:"created_at"`
}

// NewAggregatedEvidence builds an empty aggregation for a query.
func NewAggregatedEvidence(queryID string) AggregatedEvidence {
	return AggregatedEvidence{
		ID:        uuid.NewString(),
		QueryID:   queryID,
		CreatedAt: time.Now().UTC(),
	}
}

// FilterDecision records why a fragment was kept or dropped.
type FilterDecision string

const (
	DecisionKept          FilterDecision = "kept"
	DecisionDeduplicated  FilterDecision = "deduplicated"
	DecisionLowQuality    FilterDecision = "low_quality"
	DecisionContradictory FilterDecision = "contradictory"
)

// QualityScore holds the weighted components behind a fragment's score.
type QualityScore struct {
	Reputation        float64 `json:"reputation"`
	Recency           float64 `json:"recency"`
	Relevance         float64 `json:"relevance"`
	RedundancyPenalty float64 `json:"redundancy_penalty"`
	Total             float64 `json:"total"`
}

// FilteredFragment is an evidence fragment annotated with its quality score
// and filtering decision.
type FilteredFragment struct {
	EvidenceFragment
	Quality  QualityScore   `json:"quality"`
	Decision FilterDecision `json:"decision"`
}

// RemovedFragment records a fragment dropped during filtering.
type RemovedFragment struct {
	FragmentID  string         `json:"fragment_id"`
	Reason      FilterDecision `json:"reason"`
	Quality     float64        `json:"quality"`
	Kind        SourceKind     `json:"kind"`
	TextPreview string         `json:"text_preview"` // first 200 characters
}

// Contradiction is a pair of kept fragments from different source kinds whose
// texts matched the antonym heuristic. This is a coarse keyword check, not
// semantic entailment.
type Contradiction struct {
	FirstFragmentID  string `json:"first_fragment_id"`
	FirstSourceID    string `json:"first_source_id"`
	FirstClaim       string `json:"first_claim"`
	SecondFragmentID string `json:"second_fragment_id"`
	SecondSourceID   string `json:"second_source_id"`
	SecondClaim      string `json:"second_claim"`
}

// FilteredEvidence is the scored, deduplicated, contradiction-annotated
// subset of aggregated evidence, ready for synthesis.
type FilteredEvidence struct {
	ID             string             `json:"id"`
	QueryID        string             `json:"query_id"`
	OriginalCount  int                `json:"original_count"`
	FilteredCount  int                `json:"filtered_count"`
	Fragments      []FilteredFragment `json:"fragments"`
	FilteringTime  time.Duration      `json:"filtering_time"`
	AverageQuality float64            `json:"average_quality"`
	ThresholdUsed  float64            `json:"threshold_used"`
	Removed        []RemovedFragment  `json:"removed,omitempty"`
	Contradictions []Contradiction    `json:"contradictions,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}

// ResponseSection is one titled block of the final answer.
type ResponseSection struct {
	Heading    string   `json:"heading"`
	Content    string   `json:"content"`
	Confidence float64  `json:"confidence"`
	Sources    []string `json:"sources"`
	Order      int      `json:"order"`
}

// SourceAttribution names one distinct source that contributed.
type SourceAttribution struct {
	ID        string     `json:"id"`
	Kind      SourceKind `json:"kind"`
	Title     string     `json:"title"`
	URL       string     `json:"url,omitempty"`
	Relevance float64    `json:"relevance"`
}

// Perspective is one side of a detected contradiction.
type Perspective struct {
	Viewpoint  string   `json:"viewpoint"`
	Summary    string   `json:"summary"`
	Confidence float64  `json:"confidence"`
	Sources    []string `json:"sources"`
	Weight     float64  `json:"weight"`
}

// ResponseQuality carries the quality metadata attached to every response.
type ResponseQuality struct {
	HasContradictions bool    `json:"has_contradictions"`
	DegradedMode      bool    `json:"degraded_mode"`
	Completeness      float64 `json:"completeness"`
	Informativeness   float64 `json:"informativeness"`
	Confidence        float64 `json:"confidence"`
}

// FinalResponse is the terminal artifact for a query. Immutable once the
// synthesizer (or the orchestrator's error path) produced it.
type FinalResponse struct {
	ID               string              `json:"id"`
	QueryID          string              `json:"query_id"`
	UserID           string              `json:"user_id"`
	SessionID        string              `json:"session_id"`
	Answer           string              `json:"answer"`
	Sections         []ResponseSection   `json:"sections"`
	Perspectives     []Perspective       `json:"perspectives,omitempty"`
	Confidence       float64             `json:"overall_confidence"`
	GenerationTime   time.Duration       `json:"generation_time"`
	Sources          []SourceAttribution `json:"sources"`
	SourcesConsulted []string            `json:"sources_consulted"`
	Quality          ResponseQuality     `json:"response_quality"`
	CreatedAt        time.Time           `json:"created_at"`
}

// Validate checks response invariants, notably that perspectives come in
// twos or not at all.
func (r *FinalResponse) Validate() error {
	if r.Answer == "" {
		return fmt.Errorf("answer must be non-empty")
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("overall_confidence must be within [0,1]")
	}
	if len(r.Perspectives) == 1 {
		return fmt.Errorf("perspectives must contain at least 2 entries when present")
	}
	for _, s := range r.Sections {
		if s.Confidence < 0 || s.Confidence > 1 {
			return fmt.Errorf("section %q confidence must be within [0,1]", s.Heading)
		}
	}
	for _, s := range r.Sources {
		if s.ID == "" {
			return fmt.Errorf("source attribution must have a non-empty id")
		}
	}
	return nil
}

// AddSection appends a section, stamping its display order.
func (r *FinalResponse) AddSection(s ResponseSection) {
	s.Order = len(r.Sections)
	r.Sections = append(r.Sections, s)
}

// AddSource appends an attribution and records its kind as consulted.
// Attributions are deduplicated by source id; the first occurrence wins.
func (r *FinalResponse) AddSource(s SourceAttribution) {
	for _, existing := range r.Sources {
		if existing.ID == s.ID {
			return
		}
	}
	r.Sources = append(r.Sources, s)
	kind := string(s.Kind)
	for _, k := range r.SourcesConsulted {
		if k == kind {
			return
		}
	}
	r.SourcesConsulted = append(r.SourcesConsulted, kind)
}

// Message is one conversation-memory entry.
type Message struct {
	Role      string                 `json:"role"` // user or assistant
	Content   string                 `json:"content"`
	ResponseID string                `json:"response_id,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Conversation is the optional memory collaborator the orchestrator appends
// the exchange to. Failures are best-effort and never surface to the caller.
type Conversation interface {
	Append(ctx context.Context, sessionID string, msg Message) error
}

// EvaluatorInterface scores and prunes aggregated evidence. Implementations
// return an error instead of panicking; the orchestrator degrades to
// unfiltered evidence on error.
type EvaluatorInterface interface {
	Filter(ctx context.Context, aggregated AggregatedEvidence, query Query) (FilteredEvidence, error)
}

// SynthesizerInterface turns filtered evidence into a final response. The
// orchestrator substitutes a transparent error response on error.
type SynthesizerInterface interface {
	Generate(ctx context.Context, query Query, filtered FilteredEvidence) (FinalResponse, error)
}
