package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mohammad-safakhou/scout/config"
	"github.com/mohammad-safakhou/scout/internal/research"
)

// ErrDuplicate marks unique-constraint violations so the HTTP layer can map
// them to 409.
var ErrDuplicate = errors.New("duplicate record")

// ErrNotFound is returned for lookups that matched no rows.
var ErrNotFound = errors.New("not found")

type Store struct {
	DB *sql.DB
}

// New opens and pings a Postgres connection from configuration.
func New(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	dsn := strings.TrimSpace(cfg.URL)
	if dsn == "" {
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName, cfg.SSLMode)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// User operations
func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	if err == sql.ErrNoRows {
		err = ErrNotFound
	}
	return
}

// ResponseRecord is a stored final response row.
type ResponseRecord struct {
	ID         string
	QueryID    string
	UserID     string
	SessionID  string
	QueryText  string
	Confidence float64
	Degraded   bool
	Response   research.FinalResponse
	CreatedAt  time.Time
}

// SaveResponse persists the full response document alongside the columns the
// API filters on.
func (s *Store) SaveResponse(ctx context.Context, queryText string, resp research.FinalResponse) error {
	doc, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO research_responses (id, query_id, user_id, session_id, query_text, confidence, degraded, response, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())
`, resp.ID, resp.QueryID, resp.UserID, resp.SessionID, queryText, resp.Confidence, resp.Quality.DegradedMode, doc)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// GetResponseByQueryID loads the stored response for a query.
func (s *Store) GetResponseByQueryID(ctx context.Context, queryID string) (ResponseRecord, error) {
	var rec ResponseRecord
	var doc []byte
	err := s.DB.QueryRowContext(ctx, `
SELECT id, query_id, user_id, session_id, query_text, confidence, degraded, response, created_at
FROM research_responses
WHERE query_id=$1
`, queryID).Scan(&rec.ID, &rec.QueryID, &rec.UserID, &rec.SessionID, &rec.QueryText, &rec.Confidence, &rec.Degraded, &doc, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return ResponseRecord{}, ErrNotFound
	}
	if err != nil {
		return ResponseRecord{}, err
	}
	if err := json.Unmarshal(doc, &rec.Response); err != nil {
		return ResponseRecord{}, fmt.Errorf("unmarshal response: %w", err)
	}
	return rec, nil
}

// ListResponses returns recent responses for a user, newest first. The
// response document is left unloaded; list callers only need the columns.
func (s *Store) ListResponses(ctx context.Context, userID string, limit int) ([]ResponseRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, query_id, user_id, session_id, query_text, confidence, degraded, created_at
FROM research_responses
WHERE user_id=$1
ORDER BY created_at DESC
LIMIT $2
`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ResponseRecord
	for rows.Next() {
		var rec ResponseRecord
		if err := rows.Scan(&rec.ID, &rec.QueryID, &rec.UserID, &rec.SessionID, &rec.QueryText, &rec.Confidence, &rec.Degraded, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveDiagnostics upserts the workflow summary for a query.
func (s *Store) SaveDiagnostics(ctx context.Context, queryID string, summary map[string]interface{}) error {
	doc, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal diagnostics: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO workflow_diagnostics (query_id, details, created_at)
VALUES ($1,$2,NOW())
ON CONFLICT (query_id) DO UPDATE SET details = EXCLUDED.details
`, queryID, doc)
	return err
}

// GetDiagnostics loads the stored workflow summary for a query.
func (s *Store) GetDiagnostics(ctx context.Context, queryID string) (map[string]interface{}, error) {
	var doc []byte
	err := s.DB.QueryRowContext(ctx, `SELECT details FROM workflow_diagnostics WHERE query_id=$1`, queryID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var summary map[string]interface{}
	if err := json.Unmarshal(doc, &summary); err != nil {
		return nil, fmt.Errorf("unmarshal diagnostics: %w", err)
	}
	return summary, nil
}

// PruneDiagnostics deletes diagnostics rows older than the retention window
// and returns how many were removed.
func (s *Store) PruneDiagnostics(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM workflow_diagnostics WHERE created_at < NOW() - $1::interval`,
		fmt.Sprintf("%d seconds", int64(retention.Seconds())))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
