package research

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/scout/config"
)

const (
	defaultMaxFragmentsPerSection = 5
	defaultMaxPerspectives        = 2
	defaultMaxResponseLength      = 5000

	// answerFragments is how many top fragments contribute to the direct
	// answer paragraph.
	answerFragments = 3
	// answerSnippetLength caps each contribution when no sentence boundary
	// is found.
	answerSnippetLength = 100

	// emptyEvidenceConfidence is the fixed confidence of the degraded
	// apology response produced when no evidence survived.
	emptyEvidenceConfidence = 0.2

	// contradictionPenalty is subtracted from overall confidence when the
	// evidence carries flagged contradictions.
	contradictionPenalty = 0.2

	perspectiveConfidence = 0.7
	perspectiveWeight     = 0.5
)

// Synthesizer assembles the final attributed response from filtered
// evidence. Stateless after construction and safe for concurrent use.
type Synthesizer struct {
	logger *log.Logger

	maxFragmentsPerSection int
	maxPerspectives        int
	maxResponseLength      int
}

// NewSynthesizer builds a synthesizer from configuration with fallbacks to
// the documented defaults.
func NewSynthesizer(cfg config.SynthesizerConfig, logger *log.Logger) *Synthesizer {
	if logger == nil {
		logger = log.New(log.Writer(), "[SYNTH] ", log.LstdFlags)
	}
	s := &Synthesizer{
		logger:                 logger,
		maxFragmentsPerSection: cfg.MaxFragmentsPerSection,
		maxPerspectives:        cfg.MaxPerspectives,
		maxResponseLength:      cfg.MaxResponseLength,
	}
	if s.maxFragmentsPerSection <= 0 {
		s.maxFragmentsPerSection = defaultMaxFragmentsPerSection
	}
	// perspectives come in pairs, a cap below 2 would break that
	if s.maxPerspectives < 2 {
		s.maxPerspectives = defaultMaxPerspectives
	}
	if s.maxResponseLength <= 0 {
		s.maxResponseLength = defaultMaxResponseLength
	}
	return s
}

// Generate builds the final response. Empty filtered evidence produces a
// transparent degraded response, never an error.
func (s *Synthesizer) Generate(ctx context.Context, query Query, filtered FilteredEvidence) (FinalResponse, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return FinalResponse{}, err
	}

	resp := FinalResponse{
		ID:        uuid.NewString(),
		QueryID:   query.ID,
		UserID:    query.UserID,
		SessionID: query.SessionID,
		CreatedAt: time.Now().UTC(),
	}

	if len(filtered.Fragments) == 0 {
		resp.Answer = fmt.Sprintf(
			"I was unable to find reliable information to answer %q. The sources I consulted returned no usable evidence. You could try rephrasing the question or narrowing its scope.",
			query.Text)
		resp.Confidence = emptyEvidenceConfidence
		resp.Quality = ResponseQuality{
			DegradedMode: true,
			Confidence:   emptyEvidenceConfidence,
		}
		resp.GenerationTime = time.Since(start)
		return resp, nil
	}

	groups := groupByKind(filtered.Fragments)
	for _, group := range groups {
		resp.AddSection(s.buildSection(group))
	}

	resp.Answer = s.composeAnswer(filtered.Fragments)

	for _, f := range filtered.Fragments {
		resp.AddSource(SourceAttribution{
			ID:        f.SourceID,
			Kind:      f.Kind,
			Title:     f.SourceTitle,
			URL:       f.SourceURL,
			Relevance: f.Quality.Relevance,
		})
	}

	resp.Perspectives = s.buildPerspectives(filtered.Contradictions)

	confidence := filtered.AverageQuality
	confidence += minFloat(0.1, 0.05*float64(len(resp.Sections)))
	if len(filtered.Contradictions) > 0 {
		confidence -= contradictionPenalty
	}
	resp.Confidence = clamp01(confidence)

	resp.Quality = ResponseQuality{
		HasContradictions: len(filtered.Contradictions) > 0,
		Completeness:      minFloat(1, float64(len(filtered.Fragments))/10),
		Informativeness:   filtered.AverageQuality,
		Confidence:        resp.Confidence,
	}

	s.truncate(&resp, query.Preferences)
	resp.GenerationTime = time.Since(start)

	s.logger.Printf("synthesized response %s for query %s: %d sections, %d sources, confidence=%.2f, took=%v",
		resp.ID, query.ID, len(resp.Sections), len(resp.Sources), resp.Confidence, resp.GenerationTime)
	return resp, nil
}

type kindGroup struct {
	kind      SourceKind
	fragments []FilteredFragment
}

// groupByKind buckets fragments by source kind, ordered by bucket size
// descending with ties broken by kind name for determinism.
func groupByKind(fragments []FilteredFragment) []kindGroup {
	byKind := make(map[SourceKind][]FilteredFragment)
	for _, f := range fragments {
		byKind[f.Kind] = append(byKind[f.Kind], f)
	}
	groups := make([]kindGroup, 0, len(byKind))
	for kind, fs := range byKind {
		groups = append(groups, kindGroup{kind: kind, fragments: fs})
	}
	sort.Slice(groups, func(i, j int) bool {
		if len(groups[i].fragments) != len(groups[j].fragments) {
			return len(groups[i].fragments) > len(groups[j].fragments)
		}
		return groups[i].kind < groups[j].kind
	})
	return groups
}

// buildSection renders one kind bucket into a titled section. Content is
// bounded by maxFragmentsPerSection; section confidence is the mean quality
// of the fragments actually included.
func (s *Synthesizer) buildSection(group kindGroup) ResponseSection {
	fragments := group.fragments
	if len(fragments) > s.maxFragmentsPerSection {
		fragments = fragments[:s.maxFragmentsPerSection]
	}
	var sb strings.Builder
	var confidenceSum float64
	sources := make([]string, 0, len(fragments))
	for i, f := range fragments {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(f.Text)
		confidenceSum += f.Quality.Total
		sources = append(sources, f.SourceID)
	}
	return ResponseSection{
		Heading:    group.kind.Label(),
		Content:    sb.String(),
		Confidence: confidenceSum / float64(len(fragments)),
		Sources:    sources,
	}
}

// composeAnswer joins the leading sentence of the top fragments into the
// direct answer paragraph. Fragments arrive already ranked by quality.
func (s *Synthesizer) composeAnswer(fragments []FilteredFragment) string {
	n := len(fragments)
	if n > answerFragments {
		n = answerFragments
	}
	parts := make([]string, 0, n)
	for _, f := range fragments[:n] {
		parts = append(parts, leadingSentence(f.Text))
	}
	return strings.Join(parts, " ")
}

// leadingSentence returns the text up to the first sentence terminator, or a
// bounded prefix when none is found.
func leadingSentence(text string) string {
	text = strings.TrimSpace(text)
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			return text[:i+1]
		}
	}
	if len(text) > answerSnippetLength {
		return truncateRunes(text, answerSnippetLength) + "..."
	}
	return text
}

// buildPerspectives turns the first detected contradiction into a pair of
// viewpoint entries. Capped at maxPerspectives; further contradictions still
// count toward HasContradictions but are not rendered.
func (s *Synthesizer) buildPerspectives(contradictions []Contradiction) []Perspective {
	if len(contradictions) == 0 {
		return nil
	}
	c := contradictions[0]
	perspectives := []Perspective{
		{
			Viewpoint:  "Perspective A",
			Summary:    c.FirstClaim,
			Confidence: perspectiveConfidence,
			Sources:    []string{c.FirstSourceID},
			Weight:     perspectiveWeight,
		},
		{
			Viewpoint:  "Perspective B",
			Summary:    c.SecondClaim,
			Confidence: perspectiveConfidence,
			Sources:    []string{c.SecondSourceID},
			Weight:     perspectiveWeight,
		},
	}
	if len(perspectives) > s.maxPerspectives {
		perspectives = perspectives[:s.maxPerspectives]
	}
	return perspectives
}

// truncate enforces the response length cap, preferring the caller's
// preference when tighter than the configured maximum. The cap applies to
// the answer paragraph; sections keep their full text.
func (s *Synthesizer) truncate(resp *FinalResponse, prefs *QueryPreferences) {
	limit := s.maxResponseLength
	if prefs != nil && prefs.MaxResponseLength > 0 && prefs.MaxResponseLength < limit {
		limit = prefs.MaxResponseLength
	}
	if len(resp.Answer) > limit {
		resp.Answer = truncateRunes(resp.Answer, limit)
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
