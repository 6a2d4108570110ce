package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/queryflow/internal/core/clock"
	"github.com/vietddude/queryflow/internal/metrics"
)

func recorderWith(clk clock.Clock, queries, failures int) *metrics.Recorder {
	r := metrics.NewRecorder(metrics.DefaultRecorderConfig, clk, nil)
	for range queries {
		r.Record(metrics.SampleQuery, 1)
	}
	for range failures {
		r.Record(metrics.SampleQueryError, 1)
	}
	return r
}

func TestMonitor_ErrorRate(t *testing.T) {
	tests := []struct {
		name     string
		queries  int
		failures int
		want     SystemStatus
	}{
		{"no traffic", 0, 0, StatusHealthy},
		{"healthy", 20, 2, StatusHealthy},
		{"degraded", 10, 3, StatusDegraded},
		{"critical", 10, 6, StatusCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clock.NewFake(time.Unix(0, 0))
			m := NewMonitor(recorderWith(clk, tt.queries, tt.failures), clk)

			report := m.CheckHealth(context.Background())
			if report.SystemStatus != tt.want {
				t.Errorf("status = %s, want %s (rate %.2f)", report.SystemStatus, tt.want, report.Queries.ErrorRate)
			}
			if report.Queries.Queries != tt.queries || report.Queries.Failures != tt.failures {
				t.Errorf("counts = %+v", report.Queries)
			}
		})
	}
}

func TestMonitor_Probes(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	down := errors.New("connection refused")

	m := NewMonitor(recorderWith(clk, 5, 0), clk,
		WithProbe("shared_cache", func(context.Context) error { return down }, false),
		WithProbe("database", func(context.Context) error { return nil }, false),
	)
	report := m.CheckHealth(context.Background())
	if report.SystemStatus != StatusDegraded {
		t.Errorf("status = %s, want degraded", report.SystemStatus)
	}
	if c := report.Components["shared_cache"]; c.Status != StatusDegraded || c.Error != down.Error() {
		t.Errorf("shared_cache = %+v", c)
	}
	if c := report.Components["database"]; c.Status != StatusHealthy {
		t.Errorf("database = %+v", c)
	}

	critical := NewMonitor(nil, clk,
		WithProbe("query_service", func(context.Context) error { return down }, true),
	)
	if got := critical.CheckHealth(context.Background()).SystemStatus; got != StatusCritical {
		t.Errorf("status = %s, want critical", got)
	}
}

func TestMonitor_ReusesReportWithinInterval(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	calls := 0
	m := NewMonitor(nil, clk,
		WithProbe("query_service", func(context.Context) error { calls++; return nil }, true),
		WithCheckInterval(10*time.Second),
		WithStateFunc(func() string { return "idle" }),
	)

	m.CheckHealth(context.Background())
	clk.Advance(5 * time.Second)
	report := m.CheckHealth(context.Background())
	if calls != 1 {
		t.Errorf("probe calls = %d, want 1", calls)
	}
	if report.OrchestratorState != "idle" {
		t.Errorf("state = %q", report.OrchestratorState)
	}

	clk.Advance(6 * time.Second)
	m.CheckHealth(context.Background())
	if calls != 2 {
		t.Errorf("probe calls = %d, want 2", calls)
	}
}
