package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammad-safakhou/scout/config"
	"github.com/mohammad-safakhou/scout/internal/memory"
	"github.com/mohammad-safakhou/scout/internal/research"
	"github.com/mohammad-safakhou/scout/internal/store"
	"github.com/mohammad-safakhou/scout/internal/telemetry"
	"github.com/mohammad-safakhou/scout/tools/docsearch"
	"github.com/mohammad-safakhou/scout/tools/memsearch"
	"github.com/mohammad-safakhou/scout/tools/scholar"
	"github.com/mohammad-safakhou/scout/tools/websearch"
)

// Run starts the HTTP server and blocks until it exits.
func Run(cfg *config.Config) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()

	st, err := store.New(ctx, cfg.Storage.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer st.Close()

	conv, err := buildConversation(ctx, cfg)
	if err != nil {
		return err
	}

	tele := telemetry.New(cfg.Telemetry, nil)
	defer tele.Shutdown()

	orch := research.NewOrchestrator(cfg.Research,
		research.NewEvaluator(cfg.Research.Evaluator, nil),
		research.NewSynthesizer(cfg.Research.Synthesizer, nil),
		conv, tele, nil)

	indexer, err := registerTools(cfg, orch, conv)
	if err != nil {
		return err
	}

	secret := cfg.Server.JWTSecret
	if secret == "" {
		return fmt.Errorf("jwt secret not configured (server.jwt_secret)")
	}

	auth := &AuthHandler{Store: st, Secret: []byte(secret)}
	auth.Register(e.Group("/api/auth"))

	api := e.Group("/api", AuthMiddleware([]byte(secret)))
	handler := &ResearchHandler{Store: st, Orch: orch, Indexer: indexer, Logger: baseLogger}
	handler.Register(api)

	cleaner := NewCleaner(st, cfg.Server.CleanupSchedule,
		time.Duration(cfg.Server.DiagnosticsRetentionDays)*24*time.Hour, nil)
	cleaner.Start()
	defer cleaner.Stop()

	return e.Start(cfg.Server.Address)
}

func buildConversation(ctx context.Context, cfg *config.Config) (memory.ConversationHistory, error) {
	if cfg.Memory.Backend == "redis" {
		client, err := memory.Conn(ctx, cfg.Storage.Redis)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		return memory.NewRedisHistory(client, cfg.Memory.HistoryLimit), nil
	}
	return memory.NewInMemoryHistory(cfg.Memory.HistoryLimit), nil
}

// registerTools wires every enabled retrieval tool into the orchestrator and
// returns the document indexer when docsearch is active.
func registerTools(cfg *config.Config, orch *research.Orchestrator, conv memory.ConversationHistory) (DocumentIndexer, error) {
	var indexer DocumentIndexer
	if cfg.Tools.DocSearch.Enabled {
		ds, err := docsearch.New(cfg.Tools.DocSearch, nil)
		if err != nil {
			return nil, fmt.Errorf("docsearch: %w", err)
		}
		orch.RegisterTool(ds)
		indexer = ds
	}
	if cfg.Tools.WebSearch.Enabled && cfg.Tools.WebSearch.SerperAPIKey != "" {
		orch.RegisterTool(websearch.New(cfg.Tools.WebSearch, nil))
	}
	if cfg.Tools.Scholar.Enabled {
		orch.RegisterTool(scholar.New(cfg.Tools.Scholar, nil))
	}
	if cfg.Tools.MemSearch.Enabled {
		orch.RegisterTool(memsearch.New(cfg.Tools.MemSearch, conv, nil))
	}
	return indexer, nil
}
