package research

import (
	"context"
	"log"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/scout/config"
)

// ScoreWeights are the weighted-sum coefficients of the quality formula.
// Redundancy is negative: it subtracts from the total.
type ScoreWeights struct {
	Reputation float64
	Recency    float64
	Relevance  float64
	Redundancy float64
}

// DefaultScoreWeights mirror the documented profile: reputation 30%,
// recency 20%, relevance 40%, redundancy up to -10%.
var DefaultScoreWeights = ScoreWeights{
	Reputation: 0.30,
	Recency:    0.20,
	Relevance:  0.40,
	Redundancy: -0.10,
}

// DefaultReputation is the fixed per-kind reputation lookup, overridable via
// configuration.
var DefaultReputation = map[SourceKind]float64{
	KindAcademic: 0.95,
	KindDocument: 0.80,
	KindWeb:      0.70,
	KindMemory:   0.60,
}

const (
	// unknownReputation is used for kinds missing from the lookup.
	unknownReputation = 0.5
	// unknownAgeRecency is the score for fragments without a source date.
	unknownAgeRecency = 0.5
	// futureDateRecency is the defensive score for anomalous future dates.
	futureDateRecency = 0.9
	// redundancyRampFloor is where the linear dedup penalty ramp begins.
	redundancyRampFloor = 0.7
	// scoringNeighbors bounds how many higher-scored fragments the
	// redundancy penalty compares against.
	scoringNeighbors = 5
	// previewLength bounds removed-fragment text previews.
	previewLength = 200
)

// antonymPairs drive the contradiction heuristic. Matching is symmetric: a
// pair fires if either text contains one member and the other text contains
// its counterpart. Longer phrases come first so "is not" does not also match
// as "is".
var antonymPairs = [][2]string{
	{"cannot", "can"},
	{"is not", "is"},
	{"false", "true"},
	{"yes", "no"},
	{"rejects", "accepts"},
}

// Evaluator scores, thresholds, deduplicates, and flags contradictions among
// aggregated fragments. Safe for concurrent use: all state is read-only after
// construction.
type Evaluator struct {
	logger *log.Logger

	reputation       map[SourceKind]float64
	weights          ScoreWeights
	qualityThreshold float64
	dedupThreshold   float64
	maxAgeDays       float64
}

// NewEvaluator builds an evaluator from configuration, falling back to the
// documented defaults for anything unset.
func NewEvaluator(cfg config.EvaluatorConfig, logger *log.Logger) *Evaluator {
	if logger == nil {
		logger = log.New(log.Writer(), "[EVAL] ", log.LstdFlags)
	}
	reputation := make(map[SourceKind]float64, len(DefaultReputation))
	for kind, score := range DefaultReputation {
		reputation[kind] = score
	}
	for kind, score := range cfg.Reputation {
		if SourceKind(kind).IsValid() && score >= 0 && score <= 1 {
			reputation[SourceKind(kind)] = score
		}
	}
	weights := DefaultScoreWeights
	if cfg.Weights.Relevance != 0 || cfg.Weights.Reputation != 0 || cfg.Weights.Recency != 0 || cfg.Weights.Redundancy != 0 {
		weights = ScoreWeights{
			Reputation: cfg.Weights.Reputation,
			Recency:    cfg.Weights.Recency,
			Relevance:  cfg.Weights.Relevance,
			Redundancy: cfg.Weights.Redundancy,
		}
	}
	e := &Evaluator{
		logger:           logger,
		reputation:       reputation,
		weights:          weights,
		qualityThreshold: clamp01(cfg.QualityThreshold),
		dedupThreshold:   clamp01(cfg.DedupThreshold),
		maxAgeDays:       float64(cfg.MaxAgeDays),
	}
	if cfg.QualityThreshold == 0 {
		e.qualityThreshold = 0.6
	}
	if cfg.DedupThreshold == 0 {
		e.dedupThreshold = 0.9
	}
	if e.maxAgeDays < 1 {
		e.maxAgeDays = 365
	}
	return e
}

// QualityThreshold exposes the configured minimum score.
func (e *Evaluator) QualityThreshold() float64 { return e.qualityThreshold }

// Score computes the weighted quality score for one fragment. The redundancy
// penalty compares against up to five higher-scored fragments.
func (e *Evaluator) Score(fragment EvidenceFragment, higherScored []EvidenceFragment) QualityScore {
	rep, ok := e.reputation[fragment.Kind]
	if !ok {
		rep = unknownReputation
	}
	recency := e.recencyScore(fragment.SourceDate)
	relevance := fragment.SemanticRelevance
	penalty := e.redundancyPenalty(fragment, higherScored)

	total := e.weights.Reputation*rep +
		e.weights.Recency*recency +
		e.weights.Relevance*relevance +
		e.weights.Redundancy*penalty

	return QualityScore{
		Reputation:        rep,
		Recency:           recency,
		Relevance:         relevance,
		RedundancyPenalty: penalty,
		Total:             clamp01(total),
	}
}

// recencyScore decays exponentially with age: exp(-age_days/max_age_days).
// Unknown dates score 0.5; future dates are anomalous and score 0.9 instead
// of erroring.
func (e *Evaluator) recencyScore(sourceDate *time.Time) float64 {
	if sourceDate == nil || sourceDate.IsZero() {
		return unknownAgeRecency
	}
	now := time.Now()
	if sourceDate.After(now) {
		return futureDateRecency
	}
	ageDays := now.Sub(*sourceDate).Hours() / 24
	return clamp01(math.Exp(-ageDays / e.maxAgeDays))
}

// redundancyPenalty maps the max token similarity against the top higher-
// scored fragments onto [0,1]: full penalty above the dedup threshold, a
// linear ramp over (0.7, threshold], zero below.
func (e *Evaluator) redundancyPenalty(fragment EvidenceFragment, higherScored []EvidenceFragment) float64 {
	if len(higherScored) == 0 {
		return 0
	}
	maxSim := 0.0
	for i, other := range higherScored {
		if i >= scoringNeighbors {
			break
		}
		if sim := tokenSimilarity(fragment.Text, other.Text); sim > maxSim {
			maxSim = sim
		}
	}
	switch {
	case maxSim > e.dedupThreshold:
		return 1.0
	case maxSim > redundancyRampFloor:
		return (maxSim - redundancyRampFloor) / (e.dedupThreshold - redundancyRampFloor)
	default:
		return 0
	}
}

// Filter scores every fragment, drops low-quality and near-duplicate ones,
// and flags contradictions among the survivors. Empty input yields an empty
// FilteredEvidence with zero average score, never an error.
func (e *Evaluator) Filter(ctx context.Context, aggregated AggregatedEvidence, query Query) (FilteredEvidence, error) {
	start := time.Now()
	filtered := FilteredEvidence{
		ID:            uuid.NewString(),
		QueryID:       aggregated.QueryID,
		OriginalCount: len(aggregated.Fragments),
		ThresholdUsed: e.qualityThreshold,
		CreatedAt:     time.Now().UTC(),
	}
	if len(aggregated.Fragments) == 0 {
		filtered.FilteringTime = time.Since(start)
		return filtered, nil
	}
	if err := ctx.Err(); err != nil {
		return FilteredEvidence{}, err
	}

	// Initial ranking: each fragment scored independently of dedup siblings.
	type scored struct {
		fragment EvidenceFragment
		quality  QualityScore
	}
	ranked := make([]scored, 0, len(aggregated.Fragments))
	for _, f := range aggregated.Fragments {
		ranked = append(ranked, scored{fragment: f, quality: e.Score(f, nil)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].quality.Total > ranked[j].quality.Total
	})

	var keptFragments []EvidenceFragment
	var qualitySum float64
	for _, s := range ranked {
		if s.quality.Total < e.qualityThreshold {
			filtered.Removed = append(filtered.Removed, removedRecord(s.fragment, DecisionLowQuality, s.quality.Total))
			continue
		}
		// Near-duplicate of any higher-ranked kept fragment is dropped,
		// checked against every kept fragment, not just the scoring top 5.
		duplicate := false
		for _, kept := range keptFragments {
			if tokenSimilarity(s.fragment.Text, kept.Text) > e.dedupThreshold {
				duplicate = true
				break
			}
		}
		if duplicate {
			filtered.Removed = append(filtered.Removed, removedRecord(s.fragment, DecisionDeduplicated, s.quality.Total))
			continue
		}
		keptFragments = append(keptFragments, s.fragment)
		qualitySum += s.quality.Total
		filtered.Fragments = append(filtered.Fragments, FilteredFragment{
			EvidenceFragment: s.fragment,
			Quality:          s.quality,
			Decision:         DecisionKept,
		})
	}

	filtered.FilteredCount = len(filtered.Fragments)
	if filtered.FilteredCount > 0 {
		filtered.AverageQuality = qualitySum / float64(filtered.FilteredCount)
	}
	filtered.Contradictions = detectContradictions(filtered.Fragments)
	filtered.FilteringTime = time.Since(start)

	e.logger.Printf("filtered evidence for query %s: %d -> %d fragments, avg_quality=%.2f, contradictions=%d, took=%v",
		query.ID, filtered.OriginalCount, filtered.FilteredCount, filtered.AverageQuality, len(filtered.Contradictions), filtered.FilteringTime)
	return filtered, nil
}

func removedRecord(f EvidenceFragment, reason FilterDecision, score float64) RemovedFragment {
	return RemovedFragment{
		FragmentID:  f.ID,
		Reason:      reason,
		Quality:     score,
		Kind:        f.Kind,
		TextPreview: preview(f.Text, previewLength),
	}
}

// detectContradictions runs the pairwise antonym heuristic across kept
// fragments from different source kinds. Coarse by contract: keyword
// matching, not entailment.
func detectContradictions(fragments []FilteredFragment) []Contradiction {
	if len(fragments) < 2 {
		return nil
	}
	var out []Contradiction
	for i := 0; i < len(fragments); i++ {
		for j := i + 1; j < len(fragments); j++ {
			a, b := fragments[i], fragments[j]
			if a.Kind == b.Kind {
				continue
			}
			if containsAntonymPair(a.Text, b.Text) {
				out = append(out, Contradiction{
					FirstFragmentID:  a.ID,
					FirstSourceID:    a.SourceID,
					FirstClaim:       preview(a.Text, previewLength),
					SecondFragmentID: b.ID,
					SecondSourceID:   b.SourceID,
					SecondClaim:      preview(b.Text, previewLength),
				})
			}
		}
	}
	return out
}

// containsAntonymPair checks the antonym list symmetrically across both
// texts.
func containsAntonymPair(text1, text2 string) bool {
	t1 := strings.ToLower(text1)
	t2 := strings.ToLower(text2)
	for _, pair := range antonymPairs {
		if strings.Contains(t1, pair[0]) && strings.Contains(t2, pair[1]) {
			return true
		}
		if strings.Contains(t2, pair[0]) && strings.Contains(t1, pair[1]) {
			return true
		}
	}
	return false
}

// tokenSimilarity is a token-set Jaccard similarity over lower-cased
// whitespace tokens.
func tokenSimilarity(text1, text2 string) float64 {
	set1 := tokenSet(text1)
	set2 := tokenSet(text2)
	if len(set1) == 0 || len(set2) == 0 {
		return 0
	}
	intersection := 0
	for token := range set1 {
		if _, ok := set2[token]; ok {
			intersection++
		}
	}
	union := len(set1) + len(set2) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(text string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(text))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// preview bounds text to limit bytes without splitting a rune.
func preview(text string, limit int) string {
	return truncateRunes(text, limit)
}

// truncateRunes cuts text to at most limit bytes on a rune boundary.
func truncateRunes(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit]
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
