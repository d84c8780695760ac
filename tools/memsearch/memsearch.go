package memsearch

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/mohammad-safakhou/scout/config"
	"github.com/mohammad-safakhou/scout/internal/memory"
	"github.com/mohammad-safakhou/scout/internal/research"
)

const maxFragmentChars = 2000

// Tool surfaces earlier turns of the same session as evidence, ranked by
// token overlap with the query.
type Tool struct {
	logger     *log.Logger
	history    memory.ConversationHistory
	maxResults int
	window     int
	timeout    time.Duration
}

func New(cfg config.MemSearchConfig, history memory.ConversationHistory, logger *log.Logger) *Tool {
	if logger == nil {
		logger = log.New(log.Writer(), "[MEMSEARCH] ", log.LstdFlags)
	}
	t := &Tool{
		logger:     logger,
		history:    history,
		maxResults: cfg.MaxResults,
		window:     cfg.WindowSize,
		timeout:    cfg.Timeout,
	}
	if t.maxResults <= 0 {
		t.maxResults = 5
	}
	if t.window <= 0 {
		t.window = 20
	}
	if t.timeout <= 0 {
		t.timeout = 2 * time.Second
	}
	return t
}

func (t *Tool) Kind() research.SourceKind { return research.KindMemory }
func (t *Tool) Name() string              { return "memsearch" }
func (t *Tool) Timeout() time.Duration    { return t.timeout }

type scoredMessage struct {
	msg      research.Message
	position int
	score    float64
}

func (t *Tool) Execute(ctx context.Context, query research.Query) research.ToolResult {
	start := time.Now()

	if t.history == nil {
		return research.FailureResult(research.ToolError, time.Since(start), fmt.Errorf("no conversation history configured"))
	}

	messages, err := t.history.Recent(ctx, query.SessionID, t.window)
	if err != nil {
		return research.FailureResult(research.ToolError, time.Since(start), fmt.Errorf("read history: %w", err))
	}

	queryTokens := tokenSet(query.Text)
	var scored []scoredMessage
	for i, msg := range messages {
		score := overlap(queryTokens, tokenSet(msg.Content))
		if score <= 0 {
			continue
		}
		scored = append(scored, scoredMessage{msg: msg, position: i, score: score})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if len(scored) > t.maxResults {
		scored = scored[:t.maxResults]
	}

	var fragments []research.EvidenceFragment
	for _, sm := range scored {
		text := sm.msg.Content
		if len(text) > maxFragmentChars {
			text = text[:maxFragmentChars]
		}
		f, err := research.NewFragment(research.KindMemory, text, "session:"+query.SessionID)
		if err != nil {
			continue
		}
		f.QueryID = query.ID
		f.SemanticRelevance = sm.score
		f.SourceTitle = fmt.Sprintf("earlier %s message", sm.msg.Role)
		f.PositionInSource = sm.position
		if !sm.msg.CreatedAt.IsZero() {
			created := sm.msg.CreatedAt
			f.SourceDate = &created
		}
		fragments = append(fragments, f)
	}

	t.logger.Printf("session %s: %d of %d messages relevant in %v",
		query.SessionID, len(fragments), len(messages), time.Since(start))
	return research.SuccessResult(fragments, time.Since(start))
}

// overlap is the share of query tokens present in the message.
func overlap(query, message map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	matched := 0
	for tok := range query {
		if _, ok := message[tok]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(query))
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,;:!?\"'()[]")
		if len(tok) < 2 {
			continue
		}
		set[tok] = struct{}{}
	}
	return set
}
