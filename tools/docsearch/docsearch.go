package docsearch

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/blevesearch/bleve"

	"github.com/mohammad-safakhou/scout/config"
	"github.com/mohammad-safakhou/scout/internal/research"
)

const maxFragmentChars = 2000

// Tool retrieves evidence from a local bleve index of ingested documents.
type Tool struct {
	logger     *log.Logger
	index      bleve.Index
	maxResults int
	timeout    time.Duration
}

// document is the indexed shape. All fields are stored so hits can be turned
// back into fragments.
type document struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
	Date  string `json:"date,omitempty"` // RFC 3339
}

// New opens (or creates) the index at cfg.IndexPath. An empty path yields a
// memory-only index.
func New(cfg config.DocSearchConfig, logger *log.Logger) (*Tool, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[DOCSEARCH] ", log.LstdFlags)
	}
	var index bleve.Index
	var err error
	if cfg.IndexPath == "" || cfg.IndexPath == ":memory:" {
		index, err = bleve.NewMemOnly(bleve.NewIndexMapping())
	} else {
		index, err = bleve.Open(cfg.IndexPath)
		if err == bleve.ErrorIndexPathDoesNotExist {
			index, err = bleve.New(cfg.IndexPath, bleve.NewIndexMapping())
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	t := &Tool{
		logger:     logger,
		index:      index,
		maxResults: cfg.MaxResults,
		timeout:    cfg.Timeout,
	}
	if t.maxResults <= 0 {
		t.maxResults = 10
	}
	if t.timeout <= 0 {
		t.timeout = 3 * time.Second
	}
	return t, nil
}

// IndexDocument adds or replaces one document.
func (t *Tool) IndexDocument(ctx context.Context, id, title, body, url string, date time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc := document{Title: title, Body: body, URL: url}
	if !date.IsZero() {
		doc.Date = date.UTC().Format(time.RFC3339)
	}
	return t.index.Index(id, doc)
}

// Close releases the underlying index.
func (t *Tool) Close() error { return t.index.Close() }

func (t *Tool) Kind() research.SourceKind { return research.KindDocument }
func (t *Tool) Name() string              { return "docsearch" }
func (t *Tool) Timeout() time.Duration    { return t.timeout }

func (t *Tool) Execute(ctx context.Context, query research.Query) research.ToolResult {
	start := time.Now()

	req := bleve.NewSearchRequestOptions(bleve.NewMatchQuery(query.Text), t.maxResults, 0, false)
	req.Fields = []string{"title", "body", "url", "date"}

	res, err := t.index.SearchInContext(ctx, req)
	if err != nil {
		return research.FailureResult(research.ToolError, time.Since(start), fmt.Errorf("index search: %w", err))
	}

	var fragments []research.EvidenceFragment
	for i, hit := range res.Hits {
		body := stringField(hit.Fields, "body")
		if body == "" {
			continue
		}
		if len(body) > maxFragmentChars {
			body = body[:maxFragmentChars]
		}
		f, err := research.NewFragment(research.KindDocument, body, hit.ID)
		if err != nil {
			continue
		}
		f.QueryID = query.ID
		f.SemanticRelevance = normalizedScore(hit.Score, res.MaxScore)
		f.SourceTitle = stringField(hit.Fields, "title")
		f.SourceURL = stringField(hit.Fields, "url")
		f.PositionInSource = i
		if raw := stringField(hit.Fields, "date"); raw != "" {
			if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
				f.SourceDate = &parsed
			}
		}
		fragments = append(fragments, f)
	}

	t.logger.Printf("query %q matched %d documents in %v", query.Text, len(fragments), time.Since(start))
	return research.SuccessResult(fragments, time.Since(start))
}

func normalizedScore(score, max float64) float64 {
	if max <= 0 {
		return 0
	}
	rel := score / max
	if rel > 1 {
		rel = 1
	}
	if rel < 0 {
		rel = 0
	}
	return rel
}

func stringField(fields map[string]interface{}, name string) string {
	if v, ok := fields[name].(string); ok {
		return v
	}
	return ""
}
