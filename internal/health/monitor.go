package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/queryflow/internal/core/clock"
	"github.com/vietddude/queryflow/internal/metrics"
)

// Error rate thresholds over the recorded sample window.
const (
	DegradedErrorRate = 0.10
	CriticalErrorRate = 0.50
)

// DefaultCheckInterval is how long a report is reused before probing again.
const DefaultCheckInterval = 10 * time.Second

// Probe checks a single dependency.
type Probe func(ctx context.Context) error

type probe struct {
	name     string
	check    Probe
	critical bool
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithProbe adds a dependency probe. A failing probe degrades the system; a
// failing critical probe makes it critical.
func WithProbe(name string, check Probe, critical bool) MonitorOption {
	return func(m *Monitor) {
		m.probes = append(m.probes, probe{name: name, check: check, critical: critical})
	}
}

// WithStateFunc reports the orchestrator state in the detailed report.
func WithStateFunc(fn func() string) MonitorOption {
	return func(m *Monitor) { m.state = fn }
}

// WithCheckInterval overrides DefaultCheckInterval.
func WithCheckInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.interval = d }
}

// Monitor aggregates health status from the recorder and dependency probes.
type Monitor struct {
	recorder *metrics.Recorder
	clock    clock.Clock
	probes   []probe
	state    func() string
	interval time.Duration

	lastCheck  time.Time
	lastReport *HealthReport
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor.
func NewMonitor(recorder *metrics.Recorder, clk clock.Clock, opts ...MonitorOption) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	m := &Monitor{
		recorder: recorder,
		clock:    clk,
		interval: DefaultCheckInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckHealth returns the current report, probing dependencies at most once
// per check interval.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if m.lastReport != nil && now.Sub(m.lastCheck) < m.interval {
		return *m.lastReport
	}

	report := HealthReport{
		SystemStatus: StatusHealthy,
		Components:   make(map[string]ComponentHealth, len(m.probes)),
		CheckedAt:    now,
	}

	if m.recorder != nil {
		report.Queries = queryHealth(m.recorder.Samples())
		report.Metrics = m.recorder.Snapshot()
		report.SystemStatus = report.Queries.Status
	}
	if m.state != nil {
		report.OrchestratorState = m.state()
	}

	for _, p := range m.probes {
		c := ComponentHealth{Name: p.name, Status: StatusHealthy}
		if err := p.check(ctx); err != nil {
			c.Error = err.Error()
			c.Status = StatusDegraded
			if p.critical {
				c.Status = StatusCritical
			}
		}
		report.Components[p.name] = c
		report.SystemStatus = worse(report.SystemStatus, c.Status)
	}

	m.lastCheck = now
	m.lastReport = &report
	return report
}

// queryHealth derives the error rate from query and queryError samples.
func queryHealth(samples []metrics.Sample) QueryHealth {
	var q QueryHealth
	for _, s := range samples {
		switch s.Name {
		case metrics.SampleQuery:
			q.Queries++
		case metrics.SampleQueryError:
			q.Failures++
		}
	}
	if q.Queries > 0 {
		q.ErrorRate = min(float64(q.Failures)/float64(q.Queries), 1)
	}

	switch {
	case q.ErrorRate > CriticalErrorRate:
		q.Status = StatusCritical
	case q.ErrorRate > DegradedErrorRate:
		q.Status = StatusDegraded
	default:
		q.Status = StatusHealthy
	}
	return q
}
