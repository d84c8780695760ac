package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/scout/internal/research"
	"github.com/mohammad-safakhou/scout/internal/store"
)

// DocumentIndexer ingests documents into the local search index. Implemented
// by the docsearch tool.
type DocumentIndexer interface {
	IndexDocument(ctx context.Context, id, title, body, url string, date time.Time) error
}

// ResearchHandler exposes the research pipeline over HTTP.
type ResearchHandler struct {
	Store   *store.Store
	Orch    *research.Orchestrator
	Indexer DocumentIndexer
	Logger  *log.Logger
}

func (h *ResearchHandler) Register(g *echo.Group) {
	g.POST("/research", h.submit)
	g.GET("/research", h.list)
	g.GET("/research/:id", h.get)
	g.GET("/research/:id/steps", h.steps)
	g.GET("/status", h.status)
	if h.Indexer != nil {
		g.POST("/documents", h.ingest)
	}
}

func (h *ResearchHandler) submit(c echo.Context) error {
	var req ResearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	query, err := research.NewQuery(userID(c), sessionID, req.Query)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	query.Preferences = req.Preferences

	resp, err := h.Orch.ProcessQuery(c.Request().Context(), query)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	// persistence is best-effort; the caller already has the response
	ctx := c.Request().Context()
	if err := h.Store.SaveResponse(ctx, query.Text, resp); err != nil {
		h.Logger.Printf("save response %s: %v", resp.ID, err)
	}
	if diag, ok := h.Orch.GetDiagnostics(query.ID); ok {
		if err := h.Store.SaveDiagnostics(ctx, query.ID, diag); err != nil {
			h.Logger.Printf("save diagnostics %s: %v", query.ID, err)
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *ResearchHandler) list(c echo.Context) error {
	recs, err := h.Store.ListResponses(c.Request().Context(), userID(c), 20)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	items := make([]ResearchListItem, 0, len(recs))
	for _, rec := range recs {
		items = append(items, ResearchListItem{
			QueryID:    rec.QueryID,
			QueryText:  rec.QueryText,
			Confidence: rec.Confidence,
			Degraded:   rec.Degraded,
			CreatedAt:  rec.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, items)
}

func (h *ResearchHandler) get(c echo.Context) error {
	rec, err := h.Store.GetResponseByQueryID(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "response not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if rec.UserID != userID(c) {
		return echo.NewHTTPError(http.StatusNotFound, "response not found")
	}
	return c.JSON(http.StatusOK, rec.Response)
}

func (h *ResearchHandler) steps(c echo.Context) error {
	queryID := c.Param("id")
	if diag, ok := h.Orch.GetDiagnostics(queryID); ok {
		return c.JSON(http.StatusOK, diag)
	}
	diag, err := h.Store.GetDiagnostics(c.Request().Context(), queryID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "diagnostics not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, diag)
}

func (h *ResearchHandler) status(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Orch.GetStatus())
}

func (h *ResearchHandler) ingest(c echo.Context) error {
	var req IngestDocumentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Body) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "body is required")
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	var date time.Time
	if req.Date != "" {
		parsed, err := time.Parse(time.RFC3339, req.Date)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "date must be RFC 3339")
		}
		date = parsed
	}
	if err := h.Indexer.IndexDocument(c.Request().Context(), id, req.Title, req.Body, req.URL, date); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}
