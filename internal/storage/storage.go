package storage

import (
	"context"
	"errors"

	"github.com/OrlandoBitencourt/flagkeeper/internal/domain"
)

var ErrNotFound = errors.New("flag not found")

// Storage defines the interface for the client's flag store
type Storage interface {
	// Get retrieves a flag by key
	Get(ctx context.Context, key string) (*domain.Flag, error)

	// Replace swaps the whole flag set; keys absent from flags are removed
	Replace(ctx context.Context, flags []domain.Flag) error

	// Delete removes a flag
	Delete(ctx context.Context, key string) error

	// Clear removes all flags
	Clear(ctx context.Context) error

	// List returns all flag keys
	List(ctx context.Context) ([]string, error)

	// Snapshot returns a copy of every stored flag
	Snapshot(ctx context.Context) (map[string]domain.Flag, error)

	// Metrics returns storage metrics
	Metrics() Metrics

	// Close closes the storage
	Close() error
}

// Metrics represents storage metrics
type Metrics struct {
	KeysAdded   uint64
	KeysUpdated uint64
	KeysEvicted uint64
	KeysDeleted uint64

	SetsDropped  uint64
	SetsRejected uint64

	HitRatio float64

	Size int64
}

// Config holds storage configuration
type Config struct {
	MaxFlags    int64 // Maximum number of flags held in memory
	NumCounters int64 // Number of counters for admission policy
	BufferItems int64 // Number of keys per buffer

	MetricsEnabled bool
}

// DefaultConfig returns default storage configuration
func DefaultConfig() Config {
	return Config{
		MaxFlags:       100_000,
		NumCounters:    1_000_000,
		BufferItems:    64,
		MetricsEnabled: true,
	}
}
