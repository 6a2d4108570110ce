package metrics

import (
	"testing"
	"time"

	"github.com/vietddude/queryflow/internal/core/clock"
)

type stubCache struct {
	hits  int
	bytes int
}

func (s *stubCache) TotalHits() int      { return s.hits }
func (s *stubCache) EstimatedBytes() int { return s.bytes }

func newTestRecorder(cfg RecorderConfig, cache CacheStats) (*Recorder, *clock.Fake) {
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewRecorder(cfg, clk, cache), clk
}

func TestRecorder_CapsHistory(t *testing.T) {
	r, _ := newTestRecorder(RecorderConfig{HistorySize: 3}, nil)

	for i := 1; i <= 5; i++ {
		r.Record(SampleResponseTime, float64(i))
	}

	s := r.Samples()
	if len(s) != 3 {
		t.Fatalf("samples = %d, want 3", len(s))
	}
	if s[0].Value != 3 || s[2].Value != 5 {
		t.Errorf("kept %v, want the newest three", s)
	}
}

func TestRecorder_AverageUsesWindow(t *testing.T) {
	r, _ := newTestRecorder(RecorderConfig{ResponseWindow: 2}, nil)

	r.Record(SampleResponseTime, 1000)
	r.Record(SampleQuery, 1)
	r.Record(SampleResponseTime, 100)
	r.Record(SampleResponseTime, 300)

	if got := r.Refresh().AverageResponseTimeMs; got != 200 {
		t.Errorf("average = %v, want 200", got)
	}
}

func TestRecorder_HitRateAndMemory(t *testing.T) {
	cache := &stubCache{hits: 1, bytes: 500}
	r, _ := newTestRecorder(DefaultRecorderConfig, cache)

	r.Record(SampleQuery, 1)
	r.Record(SampleQuery, 1)
	r.Record(SampleQuery, 1)
	r.Record(SampleQuery, 1)

	snap := r.Refresh()
	if snap.CacheHitRatePct != 25 {
		t.Errorf("hit rate = %v, want 25", snap.CacheHitRatePct)
	}
	if want := 500 + 4*bytesPerSample; snap.EstimatedMemoryBytes != want {
		t.Errorf("memory = %d, want %d", snap.EstimatedMemoryBytes, want)
	}
}

func TestRecorder_SnapshotIsLazy(t *testing.T) {
	r, clk := newTestRecorder(DefaultRecorderConfig, nil)

	r.Record(SampleResponseTime, 100)
	if got := r.Snapshot().AverageResponseTimeMs; got != 100 {
		t.Fatalf("first snapshot average = %v, want 100", got)
	}

	r.Record(SampleResponseTime, 300)
	if got := r.Snapshot().AverageResponseTimeMs; got != 100 {
		t.Errorf("snapshot within refresh interval = %v, want cached 100", got)
	}

	clk.Advance(5 * time.Second)
	if got := r.Snapshot().AverageResponseTimeMs; got != 200 {
		t.Errorf("snapshot after refresh interval = %v, want 200", got)
	}
}
