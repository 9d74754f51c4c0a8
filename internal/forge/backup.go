package forge

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"conductor/internal/logging"
)

// BackupManager snapshots files into a .backup directory before the forge
// overwrites them, and restores on rollback. Old snapshots beyond KeepCount
// per file are pruned.
type BackupManager struct {
	dir       string
	keepCount int
	now       func() time.Time
}

// NewBackupManager creates a manager writing under baseDir/.backup.
func NewBackupManager(baseDir string, keepCount int) *BackupManager {
	if keepCount <= 0 {
		keepCount = 5
	}
	return &BackupManager{
		dir:       filepath.Join(baseDir, ".backup"),
		keepCount: keepCount,
		now:       time.Now,
	}
}

// Backup snapshots path as .backup/<filename>.<timestamp>. Returns the
// snapshot path, or "" when the file does not exist yet.
func (b *BackupManager) Backup(path string) (string, error) {
	src, err := os.Open(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("open for backup: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(b.dir, 0755); err != nil {
		return "", err
	}
	snap := filepath.Join(b.dir, fmt.Sprintf("%s.%d", filepath.Base(path), b.now().UnixNano()))
	dst, err := os.Create(snap)
	if err != nil {
		return "", err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return "", fmt.Errorf("copy backup: %w", err)
	}
	if err := dst.Sync(); err != nil {
		return "", err
	}

	b.prune(filepath.Base(path))
	logging.ForgeDebug("backed up %s to %s", path, snap)
	return snap, nil
}

// Restore copies a snapshot back over the original path.
func (b *BackupManager) Restore(snapshot, path string) error {
	data, err := os.ReadFile(snapshot)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// prune drops snapshots of one file beyond keepCount, oldest first.
// Snapshot names embed a nanosecond timestamp, so lexical order on the
// suffix is chronological.
func (b *BackupManager) prune(base string) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return
	}
	var snaps []string
	prefix := base + "."
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			snaps = append(snaps, e.Name())
		}
	}
	if len(snaps) <= b.keepCount {
		return
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snapStamp(snaps[i], prefix) < snapStamp(snaps[j], prefix)
	})
	for _, name := range snaps[:len(snaps)-b.keepCount] {
		if err := os.Remove(filepath.Join(b.dir, name)); err == nil {
			logging.ForgeDebug("pruned backup %s", name)
		}
	}
}

func snapStamp(name, prefix string) int64 {
	var ts int64
	fmt.Sscanf(strings.TrimPrefix(name, prefix), "%d", &ts)
	return ts
}
