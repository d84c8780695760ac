package telemetry

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mohammad-safakhou/scout/config"
	"github.com/mohammad-safakhou/scout/internal/research"
)

// Telemetry records pipeline events both as prometheus metrics and as an
// in-process snapshot for the performance report.
type Telemetry struct {
	config config.TelemetryConfig
	logger *log.Logger

	queryCounter  *prometheus.CounterVec
	queryDuration prometheus.Histogram
	toolCounter   *prometheus.CounterVec
	toolDuration  *prometheus.HistogramVec

	mu      sync.RWMutex
	metrics Metrics
}

// Metrics is the in-process snapshot exposed alongside prometheus.
type Metrics struct {
	TotalQueries     int64
	DegradedQueries  int64
	AverageQueryTime time.Duration
	AverageConfidence float64

	ToolExecutions   map[string]int64
	ToolSuccessRates map[string]float64
	ToolAverageTimes map[string]time.Duration
}

// New creates a telemetry instance registered against the default prometheus
// registerer.
func New(cfg config.TelemetryConfig, logger *log.Logger) *Telemetry {
	return newWithRegisterer(cfg, logger, prometheus.DefaultRegisterer)
}

// NewForTesting uses a private registry so parallel tests do not collide on
// duplicate collector registration.
func NewForTesting(cfg config.TelemetryConfig) *Telemetry {
	return newWithRegisterer(cfg, nil, prometheus.NewRegistry())
}

func newWithRegisterer(cfg config.TelemetryConfig, logger *log.Logger, reg prometheus.Registerer) *Telemetry {
	if logger == nil {
		logger = log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags)
	}
	factory := promauto.With(reg)
	return &Telemetry{
		config: cfg,
		logger: logger,
		queryCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scout_queries_total",
			Help: "Processed research queries by outcome.",
		}, []string{"outcome"}),
		queryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "scout_query_duration_seconds",
			Help:    "End-to-end query processing time.",
			Buckets: prometheus.DefBuckets,
		}),
		toolCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scout_tool_executions_total",
			Help: "Tool executions by tool and status.",
		}, []string{"tool", "status"}),
		toolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scout_tool_duration_seconds",
			Help:    "Per-tool execution time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		metrics: Metrics{
			ToolExecutions:   make(map[string]int64),
			ToolSuccessRates: make(map[string]float64),
			ToolAverageTimes: make(map[string]time.Duration),
		},
	}
}

// RecordQuery records one completed query.
func (t *Telemetry) RecordQuery(duration time.Duration, confidence float64, degraded bool) {
	if !t.config.Enabled {
		return
	}
	outcome := "ok"
	if degraded {
		outcome = "degraded"
	}
	t.queryCounter.WithLabelValues(outcome).Inc()
	t.queryDuration.Observe(duration.Seconds())

	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.TotalQueries++
	if degraded {
		t.metrics.DegradedQueries++
	}
	n := t.metrics.TotalQueries
	if n == 1 {
		t.metrics.AverageQueryTime = duration
		t.metrics.AverageConfidence = confidence
	} else {
		total := t.metrics.AverageQueryTime * time.Duration(n-1)
		t.metrics.AverageQueryTime = (total + duration) / time.Duration(n)
		t.metrics.AverageConfidence = (t.metrics.AverageConfidence*float64(n-1) + confidence) / float64(n)
	}
}

// RecordToolExecution records one tool execution outcome.
func (t *Telemetry) RecordToolExecution(tool string, status research.ToolStatus, duration time.Duration) {
	if !t.config.Enabled {
		return
	}
	t.toolCounter.WithLabelValues(tool, string(status)).Inc()
	t.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())

	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.ToolExecutions[tool]++
	n := t.metrics.ToolExecutions[tool]

	success := t.metrics.ToolSuccessRates[tool] * float64(n-1)
	if status == research.ToolSuccess || status == research.ToolDegraded {
		success += 1.0
	}
	t.metrics.ToolSuccessRates[tool] = success / float64(n)

	if n == 1 {
		t.metrics.ToolAverageTimes[tool] = duration
	} else {
		total := t.metrics.ToolAverageTimes[tool] * time.Duration(n-1)
		t.metrics.ToolAverageTimes[tool] = (total + duration) / time.Duration(n)
	}
}

// GetMetrics returns a copy of the current snapshot.
func (t *Telemetry) GetMetrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	metrics := t.metrics
	metrics.ToolExecutions = make(map[string]int64, len(t.metrics.ToolExecutions))
	metrics.ToolSuccessRates = make(map[string]float64, len(t.metrics.ToolSuccessRates))
	metrics.ToolAverageTimes = make(map[string]time.Duration, len(t.metrics.ToolAverageTimes))
	for k, v := range t.metrics.ToolExecutions {
		metrics.ToolExecutions[k] = v
	}
	for k, v := range t.metrics.ToolSuccessRates {
		metrics.ToolSuccessRates[k] = v
	}
	for k, v := range t.metrics.ToolAverageTimes {
		metrics.ToolAverageTimes[k] = v
	}
	return metrics
}

// GetPerformanceReport returns a human-readable summary.
func (t *Telemetry) GetPerformanceReport() string {
	metrics := t.GetMetrics()

	report := fmt.Sprintf(`
=== PERFORMANCE REPORT ===
Queries:
  Total: %d
  Degraded: %d
  Average Time: %v
  Average Confidence: %.2f

Tool Performance:
`, metrics.TotalQueries, metrics.DegradedQueries, metrics.AverageQueryTime, metrics.AverageConfidence)

	for tool, executions := range metrics.ToolExecutions {
		report += fmt.Sprintf("  %s: %d executions, %.2f%% success, %v avg time\n",
			tool, executions, metrics.ToolSuccessRates[tool]*100, metrics.ToolAverageTimes[tool])
	}
	return report
}

// Shutdown logs the final snapshot.
func (t *Telemetry) Shutdown() {
	metrics := t.GetMetrics()
	t.logger.Printf("final report: %d queries, %d degraded, avg time %v",
		metrics.TotalQueries, metrics.DegradedQueries, metrics.AverageQueryTime)
}
