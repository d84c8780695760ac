package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/scout/config"
	"github.com/mohammad-safakhou/scout/internal/research"
)

const sessionKeyPrefix = "session:"

// ConversationHistory stores and recalls per-session messages. It backs both
// the orchestrator's memory step and the memsearch retrieval tool.
type ConversationHistory interface {
	research.Conversation

	// Recent returns up to limit messages for a session, oldest first.
	Recent(ctx context.Context, sessionID string, limit int) ([]research.Message, error)
}

// Conn opens and pings a redis client.
func Conn(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		DialTimeout: cfg.Timeout,
		Password:    cfg.Password,
		DB:          cfg.DB,
	})

	pong, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, err
	}
	if pong != "PONG" {
		return nil, fmt.Errorf("expected PONG, got %s", pong)
	}
	return client, nil
}

// redisHistory keeps each session as a redis list of JSON messages, trimmed
// to the configured history limit.
type redisHistory struct {
	client *redis.Client
	limit  int
}

// NewRedisHistory wraps a redis client as a ConversationHistory.
func NewRedisHistory(client *redis.Client, historyLimit int) ConversationHistory {
	if historyLimit <= 0 {
		historyLimit = 200
	}
	return &redisHistory{client: client, limit: historyLimit}
}

func (r *redisHistory) Append(ctx context.Context, sessionID string, msg research.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	key := sessionKeyPrefix + sessionID
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, int64(-r.limit), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (r *redisHistory) Recent(ctx context.Context, sessionID string, limit int) ([]research.Message, error) {
	if limit <= 0 || limit > r.limit {
		limit = r.limit
	}
	key := sessionKeyPrefix + sessionID
	raw, err := r.client.LRange(ctx, key, int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	messages := make([]research.Message, 0, len(raw))
	for _, item := range raw {
		var msg research.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			// skip entries written by incompatible versions
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// inMemoryHistory is the single-process fallback used by the ask command and
// tests.
type inMemoryHistory struct {
	mu       sync.RWMutex
	limit    int
	sessions map[string][]research.Message
}

// NewInMemoryHistory returns a process-local ConversationHistory.
func NewInMemoryHistory(historyLimit int) ConversationHistory {
	if historyLimit <= 0 {
		historyLimit = 200
	}
	return &inMemoryHistory{limit: historyLimit, sessions: make(map[string][]research.Message)}
}

func (m *inMemoryHistory) Append(ctx context.Context, sessionID string, msg research.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := append(m.sessions[sessionID], msg)
	if len(msgs) > m.limit {
		msgs = msgs[len(msgs)-m.limit:]
	}
	m.sessions[sessionID] = msgs
	return nil
}

func (m *inMemoryHistory) Recent(ctx context.Context, sessionID string, limit int) ([]research.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.sessions[sessionID]
	if limit <= 0 || limit > len(msgs) {
		limit = len(msgs)
	}
	out := make([]research.Message, limit)
	copy(out, msgs[len(msgs)-limit:])
	return out, nil
}

// New selects the backend from configuration. The redis client may be nil
// when the memory backend is configured.
func New(cfg config.MemoryConfig, client *redis.Client) (ConversationHistory, error) {
	switch cfg.Backend {
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("memory backend redis requires a client")
		}
		return NewRedisHistory(client, cfg.HistoryLimit), nil
	case "", "memory":
		return NewInMemoryHistory(cfg.HistoryLimit), nil
	default:
		return nil, fmt.Errorf("unknown memory backend %q", cfg.Backend)
	}
}
