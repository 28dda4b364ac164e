package flagr

import (
	"context"
	"time"

	"github.com/OrlandoBitencourt/flagkeeper/internal/domain"
)

// Client fetches flag data from the flag service.
type Client interface {
	// GetAllFlags returns every flag with its segments and variants
	GetAllFlags(ctx context.Context) ([]domain.Flag, error)

	// HealthCheck verifies the service is reachable
	HealthCheck(ctx context.Context) error

	// Reset drops every pooled connection and builds a fresh transport.
	// Connections inherited from another process are never reused.
	Reset() error

	// Close releases idle connections
	Close() error
}

// Config holds data source configuration
type Config struct {
	Endpoint       string
	APIKey         string
	UserAgent      string
	Timeout        time.Duration
	ConnectTimeout time.Duration
	MaxRetries     int
}

// DefaultConfig returns default data source configuration
func DefaultConfig() Config {
	return Config{
		Endpoint:       "http://localhost:18000",
		UserAgent:      "flagkeeper",
		Timeout:        5 * time.Second,
		ConnectTimeout: 300 * time.Millisecond,
		MaxRetries:     2,
	}
}
