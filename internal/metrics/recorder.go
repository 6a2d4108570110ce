package metrics

import (
	"sync"
	"time"

	"github.com/vietddude/queryflow/internal/core/clock"
)

// Sample names used by the orchestrator.
const (
	SampleQuery               = "query"
	SampleResponseTime        = "responseTime"
	SampleQueryProcessingTime = "queryProcessingTime"
	SampleQueryError          = "queryError"
)

// bytesPerSample is the flat memory estimate for one stored sample.
const bytesPerSample = 64

// Sample is a single recorded measurement.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Name      string    `json:"metricName"`
	Value     float64   `json:"value"`
}

// Snapshot is the derived view of the recorded samples.
type Snapshot struct {
	AverageResponseTimeMs float64   `json:"averageResponseTime"`
	CacheHitRatePct       float64   `json:"cacheHitRate"`
	EstimatedMemoryBytes  int       `json:"memoryUsage"`
	SampleCount           int       `json:"sampleCount"`
	LastUpdated           time.Time `json:"lastUpdated"`
}

// CacheStats is the part of the result cache the recorder reads.
type CacheStats interface {
	TotalHits() int
	EstimatedBytes() int
}

// RecorderConfig bounds the recorder.
type RecorderConfig struct {
	HistorySize     int
	ResponseWindow  int
	RefreshInterval time.Duration
}

// DefaultRecorderConfig matches the documented defaults.
var DefaultRecorderConfig = RecorderConfig{
	HistorySize:     1000,
	ResponseWindow:  50,
	RefreshInterval: 5 * time.Second,
}

// Recorder keeps a capped history of samples and derives a snapshot lazily.
type Recorder struct {
	cfg   RecorderConfig
	clock clock.Clock
	cache CacheStats

	mu       sync.Mutex
	samples  []Sample // oldest first
	snapshot Snapshot
	fresh    bool
}

// NewRecorder creates a recorder. cache may be nil.
func NewRecorder(cfg RecorderConfig, clk clock.Clock, cache CacheStats) *Recorder {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultRecorderConfig.HistorySize
	}
	if cfg.ResponseWindow <= 0 {
		cfg.ResponseWindow = DefaultRecorderConfig.ResponseWindow
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRecorderConfig.RefreshInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Recorder{
		cfg:     cfg,
		clock:   clk,
		cache:   cache,
		samples: make([]Sample, 0, cfg.HistorySize),
	}
}

// Record appends a sample, dropping the oldest once the history is full.
func (r *Recorder) Record(name string, value float64) {
	s := Sample{Timestamp: r.clock.Now(), Name: name, Value: value}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.samples) >= r.cfg.HistorySize {
		copy(r.samples, r.samples[1:])
		r.samples[len(r.samples)-1] = s
	} else {
		r.samples = append(r.samples, s)
	}
}

// Samples returns a copy of the history, oldest first.
func (r *Recorder) Samples() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sample(nil), r.samples...)
}

// Snapshot returns the derived metrics, recomputing them when the last
// computation is older than the refresh interval.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if !r.fresh || now.Sub(r.snapshot.LastUpdated) >= r.cfg.RefreshInterval {
		r.recomputeLocked(now)
	}
	return r.snapshot
}

// Refresh forces the next Snapshot to recompute and returns it.
func (r *Recorder) Refresh() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recomputeLocked(r.clock.Now())
	return r.snapshot
}

// Reset drops all samples.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.samples = r.samples[:0]
	r.fresh = false
	r.mu.Unlock()
}

func (r *Recorder) recomputeLocked(now time.Time) {
	var (
		sum       float64
		responses int
		queries   int
	)
	for i := len(r.samples) - 1; i >= 0; i-- {
		s := r.samples[i]
		switch s.Name {
		case SampleResponseTime:
			if responses < r.cfg.ResponseWindow {
				sum += s.Value
				responses++
			}
		case SampleQuery:
			queries++
		}
	}

	snap := Snapshot{
		SampleCount:          len(r.samples),
		EstimatedMemoryBytes: len(r.samples) * bytesPerSample,
		LastUpdated:          now,
	}
	if responses > 0 {
		snap.AverageResponseTimeMs = sum / float64(responses)
	}
	if r.cache != nil {
		snap.EstimatedMemoryBytes += r.cache.EstimatedBytes()
		if queries > 0 {
			snap.CacheHitRatePct = float64(r.cache.TotalHits()) / float64(queries) * 100
		}
	}

	r.snapshot = snap
	r.fresh = true
}
