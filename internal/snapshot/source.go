// Package snapshot gives read access to LevelDB stores that another process
// holds open. Stores are never opened in place: each is copied into a
// scratch cache, unlocked, repaired and compacted, and only the copy is
// opened.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// ErrOpenFailed indicates that repairing, compacting or opening a
// materialized copy failed. The copy is removed before this is returned.
var ErrOpenFailed = errors.New("failed to open snapshot")

// Source is a store directory owned by another process.
type Source struct {
	dir     string
	cache   *Cache
	backend Backend
	logger  *slog.Logger

	mu          sync.Mutex
	fingerprint Fingerprint
}

// NewSource creates a Source for the store in dir.
func NewSource(dir string, cache *Cache, backend Backend, logger *slog.Logger) *Source {
	return &Source{
		dir:     dir,
		cache:   cache,
		backend: backend,
		logger:  logger,
	}
}

// Name returns the logical store name, the last segment of its directory.
func (s *Source) Name() string {
	return filepath.Base(s.dir)
}

// Dir returns the store directory.
func (s *Source) Dir() string {
	return s.dir
}

// Version returns the fingerprint of the store. It is computed on first use
// and fixed for the lifetime of the Source, so the version reported for a
// run always matches the copy opened in it.
func (s *Source) Version() (Fingerprint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fingerprint != "" {
		return s.fingerprint, nil
	}
	fp, err := ComputeFingerprint(s.dir)
	if err != nil {
		return "", err
	}
	s.fingerprint = fp
	return fp, nil
}

// Open returns a readable copy of the store. The source directory is only
// ever read. The caller must close the returned DB.
func (s *Source) Open(ctx context.Context) (DB, error) {
	fp, err := s.Version()
	if err != nil {
		return nil, err
	}

	dir, reused, err := s.cache.materialize(ctx, s.dir, s.Name(), fp)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("materialized store copy",
		"store", s.Name(),
		"fingerprint", string(fp),
		"copy_dir", dir,
		"reused", reused)

	db, err := s.prepare(dir)
	if err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to remove copy %s: %w", dir, rmErr))
		}
		return nil, err
	}
	return db, nil
}

// prepare repairs, opens and compacts the copy in dir.
func (s *Source) prepare(dir string) (DB, error) {
	if err := s.backend.Repair(dir); err != nil {
		return nil, fmt.Errorf("%w: repair %s: %w", ErrOpenFailed, s.Name(), err)
	}

	db, err := s.backend.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrOpenFailed, s.Name(), err)
	}

	if err := db.CompactAll(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: compact %s: %w", ErrOpenFailed, s.Name(), err)
	}
	return db, nil
}
