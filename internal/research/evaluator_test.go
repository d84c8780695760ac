package research

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/mohammad-safakhou/scout/config"
)

func testEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	return NewEvaluator(config.EvaluatorConfig{}, nil)
}

func fragment(kind SourceKind, text string, relevance float64, date *time.Time) EvidenceFragment {
	f, err := NewFragment(kind, text, "src-"+string(kind))
	if err != nil {
		panic(err)
	}
	f.QueryID = "q1"
	f.SemanticRelevance = relevance
	f.SourceDate = date
	return f
}

func datePtr(t time.Time) *time.Time { return &t }

func TestScoreStaysWithinBounds(t *testing.T) {
	e := NewEvaluator(config.EvaluatorConfig{
		Weights: config.WeightsConfig{Reputation: 5, Recency: 5, Relevance: 5, Redundancy: -5},
	}, nil)

	high := fragment(KindAcademic, "quantum error correction advances", 1.0, datePtr(time.Now().Add(-24*time.Hour)))
	low := fragment(KindMemory, "unrelated note", 0.0, nil)

	for _, f := range []EvidenceFragment{high, low} {
		score := e.Score(f, nil)
		if score.Total < 0 || score.Total > 1 {
			t.Fatalf("score total out of bounds: %v", score.Total)
		}
	}
}

func TestRecencyMonotonic(t *testing.T) {
	e := testEvaluator(t)

	recent := fragment(KindWeb, "fresh result", 0.8, datePtr(time.Date(2025, 11, 10, 0, 0, 0, 0, time.UTC)))
	old := fragment(KindWeb, "stale result", 0.8, datePtr(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)))

	rs := e.Score(recent, nil)
	os := e.Score(old, nil)
	if rs.Recency < os.Recency {
		t.Fatalf("recent fragment scored lower recency: %v < %v", rs.Recency, os.Recency)
	}
	if rs.Total < os.Total {
		t.Fatalf("recent fragment scored lower total: %v < %v", rs.Total, os.Total)
	}
}

func TestRecencyUnknownAndFutureDates(t *testing.T) {
	e := testEvaluator(t)

	if got := e.Score(fragment(KindWeb, "undated", 0.8, nil), nil).Recency; got != 0.5 {
		t.Fatalf("unknown date recency = %v, want 0.5", got)
	}
	future := fragment(KindWeb, "future", 0.8, nil)
	future.SourceDate = datePtr(time.Now().Add(48 * time.Hour))
	if got := e.Score(future, nil).Recency; got != 0.9 {
		t.Fatalf("future date recency = %v, want 0.9", got)
	}
}

func TestAcademicOutranksWeb(t *testing.T) {
	e := testEvaluator(t)
	date := datePtr(time.Now().Add(-48 * time.Hour))

	academic := fragment(KindAcademic, "peer reviewed finding", 0.8, date)
	web := fragment(KindWeb, "blog post finding", 0.8, date)

	if e.Score(academic, nil).Total <= e.Score(web, nil).Total {
		t.Fatal("academic source should outrank web source at equal relevance and recency")
	}
}

func TestFilterEmptyInput(t *testing.T) {
	e := testEvaluator(t)
	q, _ := NewQuery("u1", "s1", "anything")

	filtered, err := e.Filter(context.Background(), NewAggregatedEvidence(q.ID), q)
	if err != nil {
		t.Fatalf("Filter on empty input: %v", err)
	}
	if filtered.FilteredCount != 0 || len(filtered.Fragments) != 0 {
		t.Fatalf("expected empty result, got %d fragments", filtered.FilteredCount)
	}
	if filtered.AverageQuality != 0 {
		t.Fatalf("average quality = %v, want 0", filtered.AverageQuality)
	}
}

func TestFilterDropsLowQuality(t *testing.T) {
	e := testEvaluator(t)
	q, _ := NewQuery("u1", "s1", "anything")

	agg := NewAggregatedEvidence(q.ID)
	agg.Fragments = []EvidenceFragment{
		fragment(KindMemory, "barely related recollection", 0.05, nil),
	}

	filtered, err := e.Filter(context.Background(), agg, q)
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}
	if filtered.FilteredCount != 0 {
		t.Fatalf("expected fragment below threshold to be dropped, kept %d", filtered.FilteredCount)
	}
	if len(filtered.Removed) != 1 || filtered.Removed[0].Reason != DecisionLowQuality {
		t.Fatalf("expected one low_quality removal, got %+v", filtered.Removed)
	}
}

func TestFilterDeduplicatesKeepingHigherScored(t *testing.T) {
	e := testEvaluator(t)
	q, _ := NewQuery("u1", "s1", "anything")
	date := datePtr(time.Now().Add(-24 * time.Hour))

	text := "the quick brown fox jumps over the lazy dog near the river bank"
	better := fragment(KindAcademic, text, 0.95, date)
	worse := fragment(KindWeb, text, 0.9, date)

	agg := NewAggregatedEvidence(q.ID)
	agg.Fragments = []EvidenceFragment{worse, better}

	filtered, err := e.Filter(context.Background(), agg, q)
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}
	if filtered.FilteredCount != 1 {
		t.Fatalf("expected exactly one survivor, got %d", filtered.FilteredCount)
	}
	if filtered.Fragments[0].ID != better.ID {
		t.Fatal("dedup kept the lower-scored duplicate")
	}
	if len(filtered.Removed) != 1 || filtered.Removed[0].Reason != DecisionDeduplicated {
		t.Fatalf("expected one deduplicated removal, got %+v", filtered.Removed)
	}
}

func TestFilterFlagsContradictionsAcrossKinds(t *testing.T) {
	e := testEvaluator(t)
	q, _ := NewQuery("u1", "s1", "can the vaccine prevent transmission")
	date := datePtr(time.Now().Add(-24 * time.Hour))

	a := fragment(KindAcademic, "the study shows the treatment cannot reduce mortality in this cohort", 0.9, date)
	b := fragment(KindWeb, "reports claim the treatment can reduce mortality significantly", 0.9, date)

	agg := NewAggregatedEvidence(q.ID)
	agg.Fragments = []EvidenceFragment{a, b}

	filtered, err := e.Filter(context.Background(), agg, q)
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}
	if len(filtered.Contradictions) != 1 {
		t.Fatalf("expected one contradiction, got %d", len(filtered.Contradictions))
	}
	c := filtered.Contradictions[0]
	if c.FirstFragmentID == c.SecondFragmentID {
		t.Fatal("contradiction references the same fragment twice")
	}
}

func TestFilterIgnoresContradictionsWithinSameKind(t *testing.T) {
	e := testEvaluator(t)
	q, _ := NewQuery("u1", "s1", "anything")
	date := datePtr(time.Now().Add(-24 * time.Hour))

	a := fragment(KindWeb, "the committee rejects the proposal outright in its assessment", 0.9, date)
	b := fragment(KindWeb, "sources say the board accepts the measure after further deliberation", 0.9, date)

	agg := NewAggregatedEvidence(q.ID)
	agg.Fragments = []EvidenceFragment{a, b}

	filtered, err := e.Filter(context.Background(), agg, q)
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}
	if len(filtered.Contradictions) != 0 {
		t.Fatalf("same-kind pair should not contradict, got %d", len(filtered.Contradictions))
	}
}

func TestContainsAntonymPairSymmetric(t *testing.T) {
	a := "the data is not conclusive"
	b := "the data is conclusive"
	if !containsAntonymPair(a, b) {
		t.Fatal("expected antonym match forward")
	}
	if !containsAntonymPair(b, a) {
		t.Fatal("expected antonym match reversed")
	}
}

func TestTokenSimilarity(t *testing.T) {
	if sim := tokenSimilarity("alpha beta gamma", "alpha beta gamma"); sim != 1 {
		t.Fatalf("identical texts similarity = %v, want 1", sim)
	}
	if sim := tokenSimilarity("alpha beta", "gamma delta"); sim != 0 {
		t.Fatalf("disjoint texts similarity = %v, want 0", sim)
	}
	if sim := tokenSimilarity("", "alpha"); sim != 0 {
		t.Fatalf("empty text similarity = %v, want 0", sim)
	}
}

func TestRemovedPreviewBounded(t *testing.T) {
	e := testEvaluator(t)
	q, _ := NewQuery("u1", "s1", "anything")

	long := strings.Repeat("filler text ", 100)
	agg := NewAggregatedEvidence(q.ID)
	agg.Fragments = []EvidenceFragment{fragment(KindMemory, long, 0.01, nil)}

	filtered, err := e.Filter(context.Background(), agg, q)
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}
	if len(filtered.Removed) != 1 {
		t.Fatalf("expected one removal, got %d", len(filtered.Removed))
	}
	if len(filtered.Removed[0].TextPreview) > 200 {
		t.Fatalf("preview length %d exceeds 200", len(filtered.Removed[0].TextPreview))
	}
}

func TestTruncateRunesKeepsRuneBoundary(t *testing.T) {
	text := strings.Repeat("é", 120) // 240 bytes
	got := truncateRunes(text, 201)
	if len(got) > 201 {
		t.Fatalf("length %d exceeds limit", len(got))
	}
	if !utf8.ValidString(got) {
		t.Fatalf("cut produced invalid UTF-8: %q", got)
	}
	if got != strings.Repeat("é", 100) {
		t.Fatalf("expected 100 runes, got %d", utf8.RuneCountInString(got))
	}
	if short := truncateRunes("abc", 10); short != "abc" {
		t.Fatalf("text under the limit must pass through, got %q", short)
	}
}
