package retry

import (
	"math"
	"time"
)

// Config defines retry behavior.
type Config struct {
	MaxRetries        int
	BaseDelay         time.Duration
	BackoffMultiplier float64
	Timeout           time.Duration
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	MaxRetries:        3,
	BaseDelay:         1 * time.Second,
	BackoffMultiplier: 2.0,
	Timeout:           30 * time.Second,
}

// Option overrides a field of the executor's config for one call.
type Option func(*Config)

// WithMaxRetries sets the retry budget (attempts after the first).
func WithMaxRetries(n int) Option {
	return func(c *Config) { c.MaxRetries = n }
}

// WithBaseDelay sets the delay before the first retry.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Config) { c.BaseDelay = d }
}

// WithBackoffMultiplier sets the exponential growth factor.
func WithBackoffMultiplier(m float64) Option {
	return func(c *Config) { c.BackoffMultiplier = m }
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

func (c Config) normalized() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = DefaultConfig.BackoffMultiplier
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultConfig.Timeout
	}
	return c
}

// Backoff returns BaseDelay * BackoffMultiplier^attempt. No jitter.
func (c Config) Backoff(attempt int) time.Duration {
	delay := float64(c.BaseDelay) * math.Pow(c.BackoffMultiplier, float64(attempt))
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
