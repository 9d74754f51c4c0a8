package forge

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupAndRestore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tool.go")
	require.NoError(t, os.WriteFile(path, []byte("original"), 0o644))

	bm := NewBackupManager(dir, 5)
	snap, err := bm.Backup(path)
	require.NoError(t, err)
	require.NotEmpty(t, snap)

	require.NoError(t, os.WriteFile(path, []byte("broken rewrite"), 0o644))
	require.NoError(t, bm.Restore(snap, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
}

func TestBackupMissingFileIsNoop(t *testing.T) {
	dir := t.TempDir()
	bm := NewBackupManager(dir, 5)

	snap, err := bm.Backup(filepath.Join(dir, "never_written.go"))
	require.NoError(t, err)
	assert.Empty(t, snap)
	assert.NoDirExists(t, filepath.Join(dir, ".backup"))
}

func TestBackupPrunesOldSnapshots(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tool.go")
	require.NoError(t, os.WriteFile(path, []byte("v"), 0o644))

	bm := NewBackupManager(dir, 2)
	stamp := time.Unix(0, 1000)
	bm.now = func() time.Time {
		stamp = stamp.Add(time.Millisecond)
		return stamp
	}

	for i := 0; i < 5; i++ {
		_, err := bm.Backup(path)
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, ".backup"))
	require.NoError(t, err)
	assert.Len(t, entries, 2, "only keepCount snapshots survive")
}

func TestBackupPruneIsPerFile(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.go")
	b := filepath.Join(dir, "b.go")
	require.NoError(t, os.WriteFile(a, []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("b"), 0o644))

	bm := NewBackupManager(dir, 1)
	stamp := time.Unix(0, 1000)
	bm.now = func() time.Time {
		stamp = stamp.Add(time.Millisecond)
		return stamp
	}

	for i := 0; i < 3; i++ {
		_, err := bm.Backup(a)
		require.NoError(t, err)
		_, err = bm.Backup(b)
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, ".backup"))
	require.NoError(t, err)
	assert.Len(t, entries, 2, "one snapshot per file")
}
