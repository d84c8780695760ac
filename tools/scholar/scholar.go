package scholar

import (
	"context"
	"encoding/xml"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/mohammad-safakhou/scout/config"
	"github.com/mohammad-safakhou/scout/internal/research"
)

const maxFeedBytes = 4 << 20

// Tool retrieves academic evidence from an arXiv-compatible Atom API.
type Tool struct {
	logger     *log.Logger
	client     *research.HTTPClient
	endpoint   string
	maxResults int
	timeout    time.Duration
}

func New(cfg config.ScholarConfig, logger *log.Logger) *Tool {
	if logger == nil {
		logger = log.New(log.Writer(), "[SCHOLAR] ", log.LstdFlags)
	}
	t := &Tool{
		logger:     logger,
		endpoint:   cfg.Endpoint,
		maxResults: cfg.MaxResults,
		timeout:    cfg.Timeout,
	}
	if t.endpoint == "" {
		t.endpoint = "http://export.arxiv.org/api/query"
	}
	if t.maxResults <= 0 {
		t.maxResults = 10
	}
	if t.timeout <= 0 {
		t.timeout = 8 * time.Second
	}
	t.client = research.NewHTTPClient(t.timeout, 0, 0)
	return t
}

func (t *Tool) Kind() research.SourceKind { return research.KindAcademic }
func (t *Tool) Name() string              { return "scholar" }
func (t *Tool) Timeout() time.Duration    { return t.timeout }

type atomFeed struct {
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID        string       `xml:"id"`
	Title     string       `xml:"title"`
	Summary   string       `xml:"summary"`
	Published string       `xml:"published"`
	Authors   []atomAuthor `xml:"author"`
	Links     []atomLink   `xml:"link"`
}

type atomAuthor struct {
	Name string `xml:"name"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
	Type string `xml:"type,attr"`
}

func (t *Tool) Execute(ctx context.Context, query research.Query) research.ToolResult {
	start := time.Now()

	params := url.Values{}
	params.Set("search_query", "all:"+query.Text)
	params.Set("start", "0")
	params.Set("max_results", fmt.Sprintf("%d", t.maxResults))
	requestURL := t.endpoint + "?" + params.Encode()

	body, err := t.client.GetBytes(ctx, requestURL, nil, maxFeedBytes)
	if err != nil {
		return research.FailureResult(research.ToolError, time.Since(start), fmt.Errorf("query feed: %w", err))
	}

	var feed atomFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return research.FailureResult(research.ToolError, time.Since(start), fmt.Errorf("parse feed: %w", err))
	}

	var fragments []research.EvidenceFragment
	for i, entry := range feed.Entries {
		if i >= t.maxResults {
			break
		}
		abstract := collapseWhitespace(entry.Summary)
		if abstract == "" {
			continue
		}
		f, err := research.NewFragment(research.KindAcademic, abstract, entry.ID)
		if err != nil {
			continue
		}
		f.QueryID = query.ID
		f.SemanticRelevance = rankRelevance(i)
		f.SourceTitle = collapseWhitespace(entry.Title)
		f.SourceURL = entry.preferredLink()
		f.PositionInSource = i
		if published, err := time.Parse(time.RFC3339, entry.Published); err == nil {
			f.SourceDate = &published
		}
		fragments = append(fragments, f)
	}

	t.logger.Printf("query %q matched %d papers in %v", query.Text, len(fragments), time.Since(start))
	return research.SuccessResult(fragments, time.Since(start))
}

// preferredLink picks the abstract page link, falling back to the entry ID.
func (e atomEntry) preferredLink() string {
	for _, l := range e.Links {
		if l.Rel == "alternate" || l.Type == "text/html" {
			return l.Href
		}
	}
	if len(e.Links) > 0 {
		return e.Links[0].Href
	}
	return e.ID
}

// rankRelevance decays with feed position; arXiv orders by relevance but
// exposes no score.
func rankRelevance(rank int) float64 {
	rel := 1.0 - 0.05*float64(rank)
	if rel < 0.3 {
		rel = 0.3
	}
	return rel
}

// collapseWhitespace flattens the newline-wrapped text arXiv returns.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
