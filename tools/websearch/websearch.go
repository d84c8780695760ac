package websearch

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"

	"github.com/mohammad-safakhou/scout/config"
	"github.com/mohammad-safakhou/scout/internal/research"
)

const (
	maxPageFetches   = 3
	maxExtractChars  = 2000
	maxPageBodyBytes = 2 << 20
)

// Tool retrieves web evidence through a serper-style search API, optionally
// enriching top hits with readable page text.
type Tool struct {
	logger     *log.Logger
	client     *research.HTTPClient
	apiKey     string
	endpoint   string
	maxResults int
	fetchPages bool
	timeout    time.Duration
}

func New(cfg config.WebSearchConfig, logger *log.Logger) *Tool {
	if logger == nil {
		logger = log.New(log.Writer(), "[WEBSEARCH] ", log.LstdFlags)
	}
	t := &Tool{
		logger:     logger,
		apiKey:     cfg.SerperAPIKey,
		endpoint:   cfg.Endpoint,
		maxResults: cfg.MaxResults,
		fetchPages: cfg.FetchPages,
		timeout:    cfg.Timeout,
	}
	if t.endpoint == "" {
		t.endpoint = "https://google.serper.dev/search"
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

func (t *Tool) Kind() research.SourceKind { return research.KindWeb }
func (t *Tool) Name() string              { return "websearch" }
func (t *Tool) Timeout() time.Duration    { return t.timeout }

type serperResponse struct {
	Organic []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
		Date    string `json:"date,omitempty"`
	} `json:"organic"`
}

func (t *Tool) Execute(ctx context.Context, query research.Query) research.ToolResult {
	start := time.Now()

	payload := map[string]any{"q": query.Text, "num": t.maxResults}
	headers := map[string]string{"X-API-KEY": t.apiKey}

	var resp serperResponse
	if err := t.client.DoJSON(ctx, "POST", t.endpoint, headers, payload, &resp); err != nil {
		return research.FailureResult(research.ToolError, time.Since(start), fmt.Errorf("search request: %w", err))
	}

	var fragments []research.EvidenceFragment
	fetched := 0
	for i, item := range resp.Organic {
		if i >= t.maxResults {
			break
		}
		text := strings.TrimSpace(item.Snippet)
		if t.fetchPages && fetched < maxPageFetches {
			if extracted := t.extractPage(ctx, item.Link); extracted != "" {
				text = extracted
				fetched++
			}
		}
		if text == "" {
			continue
		}
		f, err := research.NewFragment(research.KindWeb, text, item.Link)
		if err != nil {
			continue
		}
		f.QueryID = query.ID
		f.SemanticRelevance = rankRelevance(i)
		f.SourceTitle = item.Title
		f.SourceURL = item.Link
		f.PositionInSource = i
		if parsed, ok := parseResultDate(item.Date); ok {
			f.SourceDate = &parsed
		}
		fragments = append(fragments, f)
	}

	t.logger.Printf("query %q returned %d web results in %v", query.Text, len(fragments), time.Since(start))
	return research.SuccessResult(fragments, time.Since(start))
}

// extractPage fetches a result page and pulls readable article text.
// Best-effort: any failure falls back to the snippet.
func (t *Tool) extractPage(ctx context.Context, pageURL string) string {
	if pageURL == "" {
		return ""
	}
	body, err := t.client.GetBytes(ctx, pageURL, nil, maxPageBodyBytes)
	if err != nil {
		t.logger.Printf("fetch %s: %v", pageURL, err)
		return ""
	}
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	article, err := readability.FromReader(strings.NewReader(string(body)), parsed)
	if err != nil {
		t.logger.Printf("extract %s: %v", pageURL, err)
		return ""
	}
	text := strings.TrimSpace(article.TextContent)
	if len(text) > maxExtractChars {
		text = text[:maxExtractChars]
	}
	return text
}

// rankRelevance decays with result position; search engines rank by
// relevance but expose no score.
func rankRelevance(rank int) float64 {
	rel := 1.0 - 0.05*float64(rank)
	if rel < 0.3 {
		rel = 0.3
	}
	return rel
}

// parseResultDate handles the couple of date shapes serper returns.
func parseResultDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{"Jan 2, 2006", "2 Jan 2006", "2006-01-02"} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}
