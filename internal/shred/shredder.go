// Package shred irreversibly destroys expired PHI. The Shredder handles
// file-backed blobs with multi-pass random overwrites; the Engine walks
// due retention policies and cascades structured deletions.
package shred

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"
)

// DefaultPasses is the number of overwrite passes before unlink.
const DefaultPasses = 3

// Shredder overwrites files with random data before removing them.
type Shredder struct {
	passes int
}

// NewShredder returns a Shredder with the given pass count; values
// below one fall back to DefaultPasses.
func NewShredder(passes int) *Shredder {
	if passes < 1 {
		passes = DefaultPasses
	}
	return &Shredder{passes: passes}
}

// Shred overwrites the file's full length with cryptographically random
// bytes, syncing to durable storage after each pass, then unlinks it.
// A missing file counts as success so that retried sweeps converge.
func (s *Shredder) Shred(path string) error {
	if path == "" {
		return fmt.Errorf("shred: empty path")
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("shred: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("shred: stat %s: %w", path, err)
	}
	size := info.Size()

	for pass := 1; pass <= s.passes; pass++ {
		if size > 0 {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				f.Close()
				return fmt.Errorf("shred: pass %d seek %s: %w", pass, path, err)
			}
			if _, err := io.CopyN(f, rand.Reader, size); err != nil {
				f.Close()
				return fmt.Errorf("shred: pass %d overwrite %s: %w", pass, path, err)
			}
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("shred: pass %d sync %s: %w", pass, path, err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("shred: close %s: %w", path, err)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("shred: unlink %s: %w", path, err)
	}
	return nil
}
