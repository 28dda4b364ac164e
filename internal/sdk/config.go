package sdk

import (
	"fmt"
	"time"

	"github.com/OrlandoBitencourt/flagkeeper/internal/circuit"
)

// Config holds engine configuration
type Config struct {
	// PollInterval is the time between flag refreshes.
	PollInterval time.Duration

	// ConnectTimeout bounds the whole first connection attempt, retries
	// included.
	ConnectTimeout time.Duration

	// Retry shapes the connection backoff after start and after rearm.
	Retry RetryConfig

	// FlushInterval is the time between event flushes.
	FlushInterval time.Duration

	// FlushTimeout bounds a single background flush.
	FlushTimeout time.Duration

	// StopGrace bounds the wait for a worker generation to exit.
	StopGrace time.Duration

	// Offline serves the snapshot only and never contacts the flag service.
	Offline bool

	CircuitBreaker circuit.Config
	Filter         FilterConfig
}

// RetryConfig is the exponential backoff applied to connection attempts.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		PollInterval:   30 * time.Second,
		ConnectTimeout: 5 * time.Second,
		Retry: RetryConfig{
			MaxAttempts:     5,
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     2 * time.Second,
		},
		FlushInterval:  5 * time.Second,
		FlushTimeout:   2 * time.Second,
		StopGrace:      time.Second,
		CircuitBreaker: circuit.DefaultConfig(),
		Filter:         FilterConfig{TagMatchMode: TagMatchAny},
	}
}

// Validate validates the configuration
func (c Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush interval must be positive")
	}
	if c.FlushTimeout <= 0 {
		return fmt.Errorf("flush timeout must be positive")
	}
	if c.StopGrace <= 0 {
		return fmt.Errorf("stop grace must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1")
	}
	if c.Retry.InitialInterval <= 0 || c.Retry.MaxInterval < c.Retry.InitialInterval {
		return fmt.Errorf("retry intervals must be positive and max >= initial")
	}
	if c.CircuitBreaker.MaxFailures < 1 {
		return fmt.Errorf("circuit breaker threshold must be at least 1")
	}

	if err := c.Filter.Validate(); err != nil {
		return fmt.Errorf("invalid filter config: %w", err)
	}

	return nil
}
