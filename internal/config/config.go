// Package config holds the tuning surface shared by the CLI commands.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Defaults for every tunable. The CLI flags advertise these.
const (
	DefaultWorkers        = 1
	DefaultBatchSize      = 10
	DefaultPollInterval   = 1 * time.Second
	DefaultMaxAttempts    = 5
	DefaultRetryBackoff   = 30 * time.Second
	DefaultMaxParallel    = 10
	DefaultConnectTimeout = 10 * time.Second
	DefaultQueryTimeout   = 30 * time.Second
	DefaultHTTPHost       = "0.0.0.0"
	DefaultHTTPPort       = 8080
	DefaultLogLevel       = "info"
)

// Config is the full dispatcher configuration. Validation failures are
// configuration errors: the process exits non-zero at startup.
type Config struct {
	DSN            string
	Workers        int
	BatchSize      int
	PollInterval   time.Duration
	MaxAttempts    int
	RetryBackoff   time.Duration
	MaxParallel    int
	ConnectTimeout time.Duration
	QueryTimeout   time.Duration
	HTTPHost       string
	HTTPPort       int
	HTTPDisabled   bool
	LogLevel       string
}

func Default() Config {
	return Config{
		Workers:        DefaultWorkers,
		BatchSize:      DefaultBatchSize,
		PollInterval:   DefaultPollInterval,
		MaxAttempts:    DefaultMaxAttempts,
		RetryBackoff:   DefaultRetryBackoff,
		MaxParallel:    DefaultMaxParallel,
		ConnectTimeout: DefaultConnectTimeout,
		QueryTimeout:   DefaultQueryTimeout,
		HTTPHost:       DefaultHTTPHost,
		HTTPPort:       DefaultHTTPPort,
		LogLevel:       DefaultLogLevel,
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return errors.New("dsn is required")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1, got %d", c.BatchSize)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff must be non-negative, got %s", c.RetryBackoff)
	}
	if c.MaxParallel < 1 {
		return fmt.Errorf("max parallel must be at least 1, got %d", c.MaxParallel)
	}
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("connect timeout must be non-negative, got %s", c.ConnectTimeout)
	}
	if c.QueryTimeout < 0 {
		return fmt.Errorf("query timeout must be non-negative, got %s", c.QueryTimeout)
	}
	if !c.HTTPDisabled {
		if c.HTTPPort < 1 || c.HTTPPort > 65535 {
			return fmt.Errorf("http port must be in [1,65535], got %d", c.HTTPPort)
		}
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a log-level flag value onto a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q (debug|info|warn|error)", level)
	}
}
