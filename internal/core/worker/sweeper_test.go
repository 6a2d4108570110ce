package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/queryflow/internal/core/clock"
	"github.com/vietddude/queryflow/internal/metrics"
)

type countingSweeper struct{ n int }

func (c *countingSweeper) Sweep() int { c.n++; return 2 }

type stubRetries struct{ maxAge time.Duration }

func (s *stubRetries) PruneStale(maxAge time.Duration) int { s.maxAge = maxAge; return 1 }

type stubHistory struct {
	threshold int64
	err       error
}

func (h *stubHistory) DeleteOlderThan(ctx context.Context, ts int64) (int64, error) {
	h.threshold = ts
	return 3, h.err
}

type stubRefresher struct{ calls int }

func (r *stubRefresher) Refresh() metrics.Snapshot { r.calls++; return metrics.Snapshot{} }

func TestSweepOnce_RefreshesRecorder(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	rec := metrics.NewRecorder(metrics.RecorderConfig{}, clk, nil)
	_ = rec.Snapshot()
	rec.Record(metrics.SampleResponseTime, 120)

	s := NewSweeper(SweeperConfig{Interval: time.Minute}, clk, nil, nil, nil, rec)
	s.SweepOnce(context.Background())

	if got := rec.Snapshot().AverageResponseTimeMs; got != 120 {
		t.Errorf("average response time = %v, want 120", got)
	}
}

func TestSweepOnce(t *testing.T) {
	now := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)

	c := &countingSweeper{}
	r := &stubRetries{}
	h := &stubHistory{}
	m := &stubRefresher{}
	s := NewSweeper(SweeperConfig{
		Interval:         time.Minute,
		RetryStateMaxAge: 10 * time.Minute,
		HistoryRetention: 24 * time.Hour,
	}, clk, c, r, h, m)

	stats := s.SweepOnce(context.Background())

	if stats != (SweepStats{CacheEntries: 2, RetryStates: 1, HistoryRecords: 3}) {
		t.Errorf("stats = %+v", stats)
	}
	if r.maxAge != 10*time.Minute {
		t.Errorf("retry max age = %v", r.maxAge)
	}
	if want := now.Add(-24 * time.Hour).UnixMilli(); h.threshold != want {
		t.Errorf("history threshold = %d, want %d", h.threshold, want)
	}
	if m.calls != 1 {
		t.Errorf("refresh calls = %d, want 1", m.calls)
	}
}

func TestSweepOnce_OptionalParts(t *testing.T) {
	h := &stubHistory{err: errors.New("db down")}
	s := NewSweeper(SweeperConfig{Interval: time.Minute}, nil, nil, nil, h, nil)

	stats := s.SweepOnce(context.Background())
	if stats != (SweepStats{}) {
		t.Errorf("stats = %+v, want zero", stats)
	}
	if h.threshold != 0 {
		t.Error("history must not be pruned without a retention")
	}
}

func TestStart_StopsOnCancel(t *testing.T) {
	c := &countingSweeper{}
	s := NewSweeper(SweeperConfig{Interval: 5 * time.Millisecond}, nil, c, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
	if c.n == 0 {
		t.Error("expected at least one sweep")
	}
}
