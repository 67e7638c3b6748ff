package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const slotPrefix = "levelsync-copy"

// Cache is the scratch area holding unlocked copies of source stores, one
// slot per store name and fingerprint. A Cache lives as long as the process
// and is shared by every run in it. Slots of superseded fingerprints are
// never collected.
type Cache struct {
	root string
}

// NewCache creates a cache rooted at root, or at the system temp directory
// when root is empty. Nothing is created on disk until a copy is needed.
func NewCache(root string) *Cache {
	if root == "" {
		root = os.TempDir()
	}
	return &Cache{root: root}
}

// Root returns the scratch directory.
func (c *Cache) Root() string {
	return c.root
}

// SlotDir returns the directory a copy of store name at fingerprint fp
// lives in.
func (c *Cache) SlotDir(name string, fp Fingerprint) string {
	return filepath.Join(c.root, fmt.Sprintf("%s-%s-%s", slotPrefix, name, fp))
}

// materialize makes sure the slot for (name, fp) holds an unlocked copy of
// srcDir and returns its path. An existing slot is reused without copying.
func (c *Cache) materialize(ctx context.Context, srcDir, name string, fp Fingerprint) (dir string, reused bool, err error) {
	dir = c.SlotDir(name, fp)
	if _, err := os.Stat(filepath.Join(dir, currentFile)); err == nil {
		return dir, true, nil
	}

	// A slot without a manifest pointer is unusable.
	if err := os.RemoveAll(dir); err != nil {
		return "", false, fmt.Errorf("failed to remove incomplete copy: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if err := os.MkdirAll(c.root, 0755); err != nil {
		return "", false, fmt.Errorf("failed to create scratch directory: %w", err)
	}

	tmp, err := os.MkdirTemp(c.root, filepath.Base(dir)+".tmp-*")
	if err != nil {
		return "", false, fmt.Errorf("failed to create temporary copy directory: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(tmp)
		}
	}()

	if err := os.CopyFS(tmp, os.DirFS(srcDir)); err != nil {
		return "", false, fmt.Errorf("failed to copy store: %w", err)
	}
	if err := os.Remove(filepath.Join(tmp, lockFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", false, fmt.Errorf("failed to remove lock from copy: %w", err)
	}
	if err := os.Rename(tmp, dir); err != nil {
		return "", false, fmt.Errorf("failed to move copy into place: %w", err)
	}

	return dir, false, nil
}
