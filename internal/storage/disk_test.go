package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OrlandoBitencourt/flagkeeper/internal/domain"
)

func TestDiskStorage_SnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	ds, err := NewDiskStorage(t.TempDir())
	require.NoError(t, err)

	snapshot := map[string]domain.Flag{
		"web-banner": {
			ID:      1,
			Key:     "web-banner",
			Enabled: true,
			Variants: []domain.Variant{
				{ID: 1, Key: "on"},
			},
		},
	}

	require.NoError(t, ds.SaveSnapshot(ctx, snapshot))

	loaded, err := ds.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.Contains(t, loaded, "web-banner")
	assert.True(t, loaded["web-banner"].Enabled)
	assert.Equal(t, "on", loaded["web-banner"].Variants[0].Key)
}

func TestDiskStorage_LoadMissing(t *testing.T) {
	ds, err := NewDiskStorage(t.TempDir())
	require.NoError(t, err)

	_, err = ds.LoadSnapshot(context.Background())
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestDiskStorage_LoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	ds, err := NewDiskStorage(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, snapshotFile), []byte("{not json"), 0o644))

	_, err = ds.LoadSnapshot(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode snapshot")
}

func TestDiskStorage_SaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	ds, err := NewDiskStorage(dir)
	require.NoError(t, err)

	require.NoError(t, ds.SaveSnapshot(context.Background(), map[string]domain.Flag{"a": {Key: "a"}}))
	require.NoError(t, ds.SaveSnapshot(context.Background(), map[string]domain.Flag{"b": {Key: "b"}}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, snapshotFile, entries[0].Name())
}

func TestDiskStorage_CanceledContext(t *testing.T) {
	ds, err := NewDiskStorage(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, ds.SaveSnapshot(ctx, nil), context.Canceled)
	_, err = ds.LoadSnapshot(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
