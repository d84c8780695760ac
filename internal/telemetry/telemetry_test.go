package telemetry

import (
	"testing"
	"time"

	"github.com/mohammad-safakhou/scout/config"
	"github.com/mohammad-safakhou/scout/internal/research"
)

func TestRecordQuerySnapshot(t *testing.T) {
	tel := NewForTesting(config.TelemetryConfig{Enabled: true})

	tel.RecordQuery(100*time.Millisecond, 0.8, false)
	tel.RecordQuery(300*time.Millisecond, 0.4, true)

	m := tel.GetMetrics()
	if m.TotalQueries != 2 {
		t.Fatalf("total = %d, want 2", m.TotalQueries)
	}
	if m.DegradedQueries != 1 {
		t.Fatalf("degraded = %d, want 1", m.DegradedQueries)
	}
	if m.AverageQueryTime != 200*time.Millisecond {
		t.Fatalf("avg time = %v, want 200ms", m.AverageQueryTime)
	}
	if diff := m.AverageConfidence - 0.6; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("avg confidence = %v, want 0.6", m.AverageConfidence)
	}
}

func TestRecordToolExecutionRates(t *testing.T) {
	tel := NewForTesting(config.TelemetryConfig{Enabled: true})

	tel.RecordToolExecution("websearch", research.ToolSuccess, 10*time.Millisecond)
	tel.RecordToolExecution("websearch", research.ToolError, 20*time.Millisecond)
	tel.RecordToolExecution("websearch", research.ToolDegraded, 30*time.Millisecond)

	m := tel.GetMetrics()
	if m.ToolExecutions["websearch"] != 3 {
		t.Fatalf("executions = %d, want 3", m.ToolExecutions["websearch"])
	}
	want := 2.0 / 3.0
	if diff := m.ToolSuccessRates["websearch"] - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("success rate = %v, want %v", m.ToolSuccessRates["websearch"], want)
	}
	if m.ToolAverageTimes["websearch"] != 20*time.Millisecond {
		t.Fatalf("avg time = %v, want 20ms", m.ToolAverageTimes["websearch"])
	}
}

func TestDisabledTelemetryIsInert(t *testing.T) {
	tel := NewForTesting(config.TelemetryConfig{Enabled: false})

	tel.RecordQuery(time.Second, 0.9, false)
	tel.RecordToolExecution("scholar", research.ToolSuccess, time.Second)

	m := tel.GetMetrics()
	if m.TotalQueries != 0 || len(m.ToolExecutions) != 0 {
		t.Fatal("disabled telemetry recorded events")
	}
}
