package cache

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/vietddude/queryflow/internal/core/clock"
	"github.com/vietddude/queryflow/internal/metrics"
)

const (
	// DefaultTTL is used by Set.
	DefaultTTL = 5 * time.Minute
	// DefaultMaxEntries bounds the cache size.
	DefaultMaxEntries = 500
)

// Entry is a cached value with its bookkeeping.
type Entry[T any] struct {
	Key       string        `json:"key"`
	Value     T             `json:"value"`
	CreatedAt time.Time     `json:"createdAt"`
	TTL       time.Duration `json:"ttl"`
	HitCount  int           `json:"hitCount"`
}

func (e *Entry[T]) expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > e.TTL
}

// Cache is a TTL and capacity bounded key/value store. Expired entries are
// never returned; they are evicted on lookup and by Sweep.
type Cache[T any] struct {
	clock      clock.Clock
	ttl        time.Duration
	maxEntries int

	mu      sync.RWMutex
	entries map[string]*Entry[T]
}

// New creates a cache. Non-positive ttl or maxEntries fall back to the defaults.
func New[T any](clk clock.Clock, ttl time.Duration, maxEntries int) *Cache[T] {
	if clk == nil {
		clk = clock.New()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache[T]{
		clock:      clk,
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]*Entry[T]),
	}
}

// TTL returns the default entry lifetime.
func (c *Cache[T]) TTL() time.Duration {
	return c.ttl
}

// Set stores v under key with the default TTL.
func (c *Cache[T]) Set(key string, v T) {
	c.SetWithTTL(key, v, c.ttl)
}

// SetWithTTL stores v under key. Replacing a key resets its hit count.
func (c *Cache[T]) SetWithTTL(key string, v T, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[key] = &Entry[T]{
		Key:       key,
		Value:     v,
		CreatedAt: c.clock.Now(),
		TTL:       ttl,
	}
	metrics.CacheEntries.Set(float64(len(c.entries)))
}

// Get returns the live value for key and counts the hit.
func (c *Cache[T]) Get(key string) (T, bool) {
	var zero T

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	if e.expired(c.clock.Now()) {
		delete(c.entries, key)
		metrics.CacheEvictionsTotal.WithLabelValues("expired").Inc()
		metrics.CacheEntries.Set(float64(len(c.entries)))
		return zero, false
	}
	e.HitCount++
	return e.Value, true
}

// Peek returns the entry for key without counting a hit.
func (c *Cache[T]) Peek(key string) (Entry[T], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || e.expired(c.clock.Now()) {
		return Entry[T]{}, false
	}
	return *e, true
}

// Invalidate removes key and reports whether it was present.
func (c *Cache[T]) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.entries[key]
	delete(c.entries, key)
	metrics.CacheEntries.Set(float64(len(c.entries)))
	return ok
}

// Clear removes every entry.
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*Entry[T])
	c.mu.Unlock()
	metrics.CacheEntries.Set(0)
}

// Sweep evicts expired entries and returns how many were removed.
func (c *Cache[T]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	n := 0
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			n++
		}
	}
	if n > 0 {
		metrics.CacheEvictionsTotal.WithLabelValues("expired").Add(float64(n))
	}
	metrics.CacheEntries.Set(float64(len(c.entries)))
	return n
}

// Len returns the number of stored entries, expired ones included until swept.
func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// TotalHits sums the hit counts of all stored entries.
func (c *Cache[T]) TotalHits() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := 0
	for _, e := range c.entries {
		total += e.HitCount
	}
	return total
}

// EstimatedBytes approximates memory use as the JSON size of every entry.
func (c *Cache[T]) EstimatedBytes() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := 0
	for _, e := range c.entries {
		b, err := json.Marshal(e)
		if err != nil {
			continue
		}
		total += len(b)
	}
	return total
}

// Entries returns a snapshot of every live entry.
func (c *Cache[T]) Entries() []Entry[T] {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.clock.Now()
	out := make([]Entry[T], 0, len(c.entries))
	for _, e := range c.entries {
		if !e.expired(now) {
			out = append(out, *e)
		}
	}
	return out
}

func (c *Cache[T]) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.CreatedAt.Before(oldest) {
			oldestKey = k
			oldest = e.CreatedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		metrics.CacheEvictionsTotal.WithLabelValues("capacity").Inc()
	}
}
