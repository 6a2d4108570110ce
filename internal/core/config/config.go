package config

import (
	"time"

	redisclient "github.com/vietddude/queryflow/internal/infra/redis"
	"github.com/vietddude/queryflow/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	QueryService QueryServiceConfig `yaml:"query_service"`
	Retry        RetryConfig        `yaml:"retry"`
	Cache        CacheConfig        `yaml:"cache"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Progress     ProgressConfig     `yaml:"progress"`
	Errors       ErrorsConfig       `yaml:"errors"`
	Redis        redisclient.Config `yaml:"redis"`
	Database     postgres.Config    `yaml:"database"`
}

// ServerConfig holds HTTP and gRPC server settings.
type ServerConfig struct {
	Port     int `yaml:"port"`
	GRPCPort int `yaml:"grpc_port"` // 0 = disabled
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// QueryServiceConfig points at the remote query execution service.
type QueryServiceConfig struct {
	URL               string        `yaml:"url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"` // 0 = unlimited
	Burst             int           `yaml:"burst"`
}

// RetryConfig holds retry executor defaults.
type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	Timeout           time.Duration `yaml:"timeout"`
}

// CacheConfig holds result cache settings.
type CacheConfig struct {
	TTL              time.Duration `yaml:"ttl"`
	MaxEntries       int           `yaml:"max_entries"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	RetryStateMaxAge time.Duration `yaml:"retry_state_max_age"`
}

// MetricsConfig holds metrics recorder settings.
type MetricsConfig struct {
	HistorySize     int           `yaml:"history_size"`
	ResponseWindow  int           `yaml:"response_window"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// ProgressConfig holds progress tracer settings.
type ProgressConfig struct {
	Seed uint64 `yaml:"seed"` // 0 = random jitter
}

// ErrorsConfig holds error presentation settings.
type ErrorsConfig struct {
	FallbackMessage string `yaml:"fallback_message"`
}
