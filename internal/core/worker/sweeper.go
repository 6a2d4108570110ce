package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/queryflow/internal/core/clock"
	"github.com/vietddude/queryflow/internal/metrics"
)

// Sweepable drops expired cache entries.
type Sweepable interface {
	Sweep() int
}

// RetryPruner drops retry states older than maxAge.
type RetryPruner interface {
	PruneStale(maxAge time.Duration) int
}

// HistoryPruner deletes history records older than a timestamp.
type HistoryPruner interface {
	DeleteOlderThan(ctx context.Context, timestampMs int64) (int64, error)
}

// Refresher recomputes derived metrics.
type Refresher interface {
	Refresh() metrics.Snapshot
}

var _ Refresher = (*metrics.Recorder)(nil)

// SweeperConfig controls what the sweeper cleans and how often.
type SweeperConfig struct {
	Interval         time.Duration
	RetryStateMaxAge time.Duration
	HistoryRetention time.Duration // 0 = keep forever
}

// Sweeper periodically evicts expired cache entries, stale retry state and
// old history. Any collaborator may be nil.
type Sweeper struct {
	cfg     SweeperConfig
	clock   clock.Clock
	cache   Sweepable
	retries RetryPruner
	history HistoryPruner
	metrics Refresher
	log     *slog.Logger
}

// NewSweeper creates a new Sweeper worker.
func NewSweeper(
	cfg SweeperConfig,
	clk clock.Clock,
	cache Sweepable,
	retries RetryPruner,
	history HistoryPruner,
	recorder Refresher,
) *Sweeper {
	if clk == nil {
		clk = clock.New()
	}
	return &Sweeper{
		cfg:     cfg,
		clock:   clk,
		cache:   cache,
		retries: retries,
		history: history,
		metrics: recorder,
		log:     slog.Default().With("component", "sweeper"),
	}
}

// Start runs the sweep loop until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	if s.cfg.Interval <= 0 {
		return // Sweeping disabled
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepStats reports what one sweep removed.
type SweepStats struct {
	CacheEntries   int
	RetryStates    int
	HistoryRecords int64
}

// SweepOnce runs a single sweep.
func (s *Sweeper) SweepOnce(ctx context.Context) SweepStats {
	var stats SweepStats

	if s.cache != nil {
		stats.CacheEntries = s.cache.Sweep()
	}
	if s.retries != nil && s.cfg.RetryStateMaxAge > 0 {
		stats.RetryStates = s.retries.PruneStale(s.cfg.RetryStateMaxAge)
	}
	if s.history != nil && s.cfg.HistoryRetention > 0 {
		threshold := s.clock.Now().Add(-s.cfg.HistoryRetention).UnixMilli()
		n, err := s.history.DeleteOlderThan(ctx, threshold)
		if err != nil {
			s.log.Error("Failed to prune history", "error", err)
		}
		stats.HistoryRecords = n
	}
	if s.metrics != nil {
		_ = s.metrics.Refresh()
	}

	if stats.CacheEntries > 0 || stats.RetryStates > 0 || stats.HistoryRecords > 0 {
		s.log.Debug("Sweep finished",
			"cache_entries", stats.CacheEntries,
			"retry_states", stats.RetryStates,
			"history_records", stats.HistoryRecords,
		)
	}
	return stats
}
