package server

import (
	"time"

	"github.com/mohammad-safakhou/scout/internal/research"
)

type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// ResearchRequest is the POST /api/research payload.
type ResearchRequest struct {
	Query       string                     `json:"query"`
	SessionID   string                     `json:"session_id,omitempty"`
	Preferences *research.QueryPreferences `json:"preferences,omitempty"`
}

// ResearchListItem is one row of GET /api/research.
type ResearchListItem struct {
	QueryID    string    `json:"query_id"`
	QueryText  string    `json:"query_text"`
	Confidence float64   `json:"confidence"`
	Degraded   bool      `json:"degraded"`
	CreatedAt  time.Time `json:"created_at"`
}

// IngestDocumentRequest adds one document to the local search index.
type IngestDocumentRequest struct {
	ID    string `json:"id,omitempty"`
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
	Date  string `json:"date,omitempty"` // RFC 3339
}

type HTTPError struct {
	Error string `json:"error"`
}
