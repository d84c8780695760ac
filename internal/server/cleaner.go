package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/mohammad-safakhou/scout/internal/store"
)

// Cleaner prunes old workflow diagnostics on a cron schedule.
type Cleaner struct {
	Store     *store.Store
	Schedule  string
	Retention time.Duration
	Logger    *log.Logger

	stop chan struct{}
}

func NewCleaner(st *store.Store, schedule string, retention time.Duration, logger *log.Logger) *Cleaner {
	if logger == nil {
		logger = log.New(log.Writer(), "[CLEANER] ", log.LstdFlags)
	}
	return &Cleaner{
		Store:     st,
		Schedule:  schedule,
		Retention: retention,
		Logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Start runs the cleaner loop until Stop is called. Invalid schedules
// disable cleaning rather than failing the server.
func (c *Cleaner) Start() {
	expr, err := cronexpr.Parse(c.Schedule)
	if err != nil {
		c.Logger.Printf("invalid cleanup schedule %q, cleaner disabled: %v", c.Schedule, err)
		return
	}
	go func() {
		for {
			next := expr.Next(time.Now())
			if next.IsZero() {
				c.Logger.Printf("cleanup schedule %q yields no future run, cleaner stopped", c.Schedule)
				return
			}
			select {
			case <-c.stop:
				return
			case <-time.After(time.Until(next)):
				c.runOnce()
			}
		}
	}()
}

func (c *Cleaner) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := c.Store.PruneDiagnostics(ctx, c.Retention)
	if err != nil {
		c.Logger.Printf("prune diagnostics: %v", err)
		return
	}
	c.Logger.Printf("pruned %d diagnostics rows older than %v", n, c.Retention)
}

func (c *Cleaner) Stop() {
	close(c.stop)
}
