package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file. An empty path yields the defaults.
func Load(path string) (*AppConfig, error) {
	var cfg AppConfig

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables in the YAML content
		expandedData := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *AppConfig {
	var cfg AppConfig
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	if cfg.QueryService.URL == "" {
		cfg.QueryService.URL = "http://localhost:8000/api"
	}
	if cfg.QueryService.Timeout == 0 {
		cfg.QueryService.Timeout = 60 * time.Second
	}
	if cfg.QueryService.Burst == 0 {
		cfg.QueryService.Burst = 1
	}

	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 3
	}
	if cfg.Retry.RetryDelay == 0 {
		cfg.Retry.RetryDelay = 1 * time.Second
	}
	if cfg.Retry.BackoffMultiplier == 0 {
		cfg.Retry.BackoffMultiplier = 2
	}
	if cfg.Retry.Timeout == 0 {
		cfg.Retry.Timeout = 30 * time.Second
	}

	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 5 * time.Minute
	}
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 500
	}
	if cfg.Cache.SweepInterval == 0 {
		cfg.Cache.SweepInterval = 1 * time.Minute
	}
	if cfg.Cache.RetryStateMaxAge == 0 {
		cfg.Cache.RetryStateMaxAge = 10 * time.Minute
	}

	if cfg.Metrics.HistorySize == 0 {
		cfg.Metrics.HistorySize = 1000
	}
	if cfg.Metrics.ResponseWindow == 0 {
		cfg.Metrics.ResponseWindow = 50
	}
	if cfg.Metrics.RefreshInterval == 0 {
		cfg.Metrics.RefreshInterval = 5 * time.Second
	}

	if cfg.Redis.TTL == 0 {
		cfg.Redis.TTL = cfg.Cache.TTL
	}
}

// Validate rejects values the services cannot run with.
func (c *AppConfig) Validate() error {
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("retry.backoff_multiplier must be >= 1, got %v", c.Retry.BackoffMultiplier)
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries must be >= 0, got %d", c.Cache.MaxEntries)
	}
	if c.QueryService.RequestsPerSecond < 0 {
		return fmt.Errorf("query_service.requests_per_second must be >= 0, got %v", c.QueryService.RequestsPerSecond)
	}
	return nil
}
