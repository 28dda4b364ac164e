package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/dgraph-io/ristretto"

	"github.com/OrlandoBitencourt/flagkeeper/internal/domain"
)

const setAttempts = 3

// MemoryStorage keeps flags in a ristretto cache. Each flag costs 1 and
// nothing expires; the key index lets the whole set be listed and replaced.
type MemoryStorage struct {
	cache *ristretto.Cache

	mu   sync.Mutex
	keys map[string]struct{}

	deleted uint64
}

// NewMemoryStorage creates the in-memory flag store
func NewMemoryStorage(cfg Config) (*MemoryStorage, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        cfg.NumCounters,
		MaxCost:            cfg.MaxFlags,
		BufferItems:        cfg.BufferItems,
		Metrics:            cfg.MetricsEnabled,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ristretto cache: %w", err)
	}

	return &MemoryStorage{
		cache: cache,
		keys:  make(map[string]struct{}),
	}, nil
}

func (m *MemoryStorage) Get(ctx context.Context, key string) (*domain.Flag, error) {
	value, found := m.cache.Get(key)
	if !found {
		return nil, ErrNotFound
	}

	flag, ok := value.(domain.Flag)
	if !ok {
		return nil, fmt.Errorf("unexpected value type %T for flag %s", value, key)
	}
	return &flag, nil
}

func (m *MemoryStorage) set(flag domain.Flag) error {
	for range setAttempts {
		if m.cache.Set(flag.Key, flag, 1) {
			m.keys[flag.Key] = struct{}{}
			return nil
		}
	}
	return fmt.Errorf("flag %s dropped by store", flag.Key)
}

func (m *MemoryStorage) Replace(ctx context.Context, flags []domain.Flag) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fresh := make(map[string]struct{}, len(flags))
	var firstErr error
	for _, flag := range flags {
		if err := m.set(flag); err != nil && firstErr == nil {
			firstErr = err
		}
		fresh[flag.Key] = struct{}{}
	}

	for key := range m.keys {
		if _, ok := fresh[key]; !ok {
			m.cache.Del(key)
			delete(m.keys, key)
			m.deleted++
		}
	}

	m.cache.Wait()
	return firstErr
}

func (m *MemoryStorage) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache.Del(key)
	if _, ok := m.keys[key]; ok {
		delete(m.keys, key)
		m.deleted++
	}
	m.cache.Wait()
	return nil
}

func (m *MemoryStorage) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache.Clear()
	m.deleted += uint64(len(m.keys))
	m.keys = make(map[string]struct{})
	return nil
}

func (m *MemoryStorage) List(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.keys))
	for key := range m.keys {
		keys = append(keys, key)
	}
	return keys, nil
}

func (m *MemoryStorage) Snapshot(ctx context.Context) (map[string]domain.Flag, error) {
	keys, err := m.List(ctx)
	if err != nil {
		return nil, err
	}

	snapshot := make(map[string]domain.Flag, len(keys))
	for _, key := range keys {
		flag, err := m.Get(ctx, key)
		if err != nil {
			continue
		}
		snapshot[key] = *flag
	}
	return snapshot, nil
}

func (m *MemoryStorage) Metrics() Metrics {
	m.mu.Lock()
	size := int64(len(m.keys))
	deleted := m.deleted
	m.mu.Unlock()

	stats := m.cache.Metrics
	return Metrics{
		KeysAdded:    stats.KeysAdded(),
		KeysUpdated:  stats.KeysUpdated(),
		KeysEvicted:  stats.KeysEvicted(),
		KeysDeleted:  deleted,
		SetsDropped:  stats.SetsDropped(),
		SetsRejected: stats.SetsRejected(),
		HitRatio:     stats.Ratio(),
		Size:         size,
	}
}

func (m *MemoryStorage) Close() error {
	m.cache.Close()
	return nil
}
