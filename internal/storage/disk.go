package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/OrlandoBitencourt/flagkeeper/internal/domain"
)

var ErrNoSnapshot = errors.New("snapshot not found")

const snapshotFile = "snapshot.json"

// DiskStorage persists the last-known-good flag set so a restarted or
// freshly spawned process can serve cached values before its first poll.
type DiskStorage struct {
	dir string
	mu  sync.RWMutex
}

func NewDiskStorage(dir string) (*DiskStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	return &DiskStorage{dir: dir}, nil
}

// Path returns the snapshot file location.
func (d *DiskStorage) Path() string {
	return filepath.Join(d.dir, snapshotFile)
}

// SaveSnapshot writes the flag set atomically.
func (d *DiskStorage) SaveSnapshot(ctx context.Context, snapshot map[string]domain.Flag) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(d.dir, snapshotFile+".*")
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	if err := os.Rename(tmp.Name(), d.Path()); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	return nil
}

// LoadSnapshot reads the last saved flag set. ErrNoSnapshot is returned
// when nothing was saved yet.
func (d *DiskStorage) LoadSnapshot(ctx context.Context) (map[string]domain.Flag, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	data, err := os.ReadFile(d.Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snapshot map[string]domain.Flag
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	return snapshot, nil
}
