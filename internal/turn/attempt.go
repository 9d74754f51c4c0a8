package turn

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"conductor/internal/logging"
)

// ArchiveAttempt copies the turn's current top-level artifacts verbatim into
// attempt_<n>/ before any section is rewritten. Prior attempt directories and
// the forge scratch area are not recursed into.
func (d *Dir) ArchiveAttempt(n int) error {
	dest := filepath.Join(d.Path, fmt.Sprintf("attempt_%d", n))
	if err := os.MkdirAll(dest, 0755); err != nil {
		return fmt.Errorf("create attempt dir: %w", err)
	}

	entries, err := os.ReadDir(d.Path)
	if err != nil {
		return fmt.Errorf("read turn dir: %w", err)
	}

	copied := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			if strings.HasPrefix(name, "attempt_") || name == ".backup" {
				continue
			}
			continue
		}
		if err := copyFile(filepath.Join(d.Path, name), filepath.Join(dest, name)); err != nil {
			return fmt.Errorf("archive %s: %w", name, err)
		}
		copied++
	}

	d.mu.Lock()
	d.manifest.addCreated(fmt.Sprintf("attempt_%d/", n))
	d.mu.Unlock()
	logging.Turn("%s: archived attempt_%d (%d files)", d.ID, n, copied)
	return d.saveManifest()
}

// AttemptCount returns the number of archived attempts.
func (d *Dir) AttemptCount() int {
	entries, err := os.ReadDir(d.Path)
	if err != nil {
		return 0
	}
	count := 0
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "attempt_") {
			count++
		}
	}
	return count
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
