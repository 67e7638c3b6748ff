package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	gosync "sync"

	"github.com/natefinch/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/levelsync/internal/config"
	"github.com/schaermu/levelsync/internal/records"
	"github.com/schaermu/levelsync/internal/snapshot"
	"github.com/schaermu/levelsync/internal/store"
	"github.com/schaermu/levelsync/internal/vcs"
)

// Stores is the per-run view onto the source stores
type Stores interface {
	Version(name store.Name) (snapshot.Fingerprint, error)
	Folders(ctx context.Context) (*records.FolderIndex, error)
	Documents(ctx context.Context) (*records.DocumentExtractor, error)
}

// Engine orchestrates the sync process
type Engine struct {
	cfg       *config.Config
	stores    Stores
	committer vcs.Committer
	logger    *slog.Logger
	dryRun    bool

	removeAll func(path string) error
}

// NewEngine creates a new sync engine. committer may be nil when commits
// are disabled.
func NewEngine(cfg *config.Config, stores Stores, committer vcs.Committer, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:       cfg,
		stores:    stores,
		committer: committer,
		logger:    logger,
		dryRun:    dryRun,
		removeAll: os.RemoveAll,
	}
}

// Run executes the complete sync process
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	target := e.cfg.Paths.TargetDir
	e.logger.Info("starting sync",
		"source_dir", e.cfg.Paths.SourceDir,
		"target_dir", target,
		"dry_run", e.dryRun)

	current, err := e.currentMetadata()
	if err != nil {
		return nil, err
	}

	// A dump whose metadata cannot be read is rebuilt, never an error.
	metaPath := filepath.Join(target, MetadataFile)
	prev, err := readMetadata(metaPath)
	switch {
	case err != nil:
		e.logger.Debug("metadata unreadable, running full sync", "path", metaPath, "error", err)
	case prev == current:
		e.logger.Info("dump already up to date",
			"folders", string(current.Versions.Folders),
			"documents", string(current.Versions.Documents))
		return &Report{Result: NoChange, DryRun: e.dryRun}, nil
	default:
		e.logger.Info("store versions changed",
			"folders", string(current.Versions.Folders),
			"documents", string(current.Versions.Documents))
	}

	mode, err := e.cfg.Sync.VCS.Resolve(target)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve vcs mode: %w", err)
	}
	e.logger.Info("resolved vcs mode", "vcs", string(mode))

	folders, err := e.stores.Folders(ctx)
	if err != nil {
		return nil, err
	}
	documents, err := e.stores.Documents(ctx)
	if err != nil {
		return nil, err
	}

	if !e.dryRun {
		if err := os.MkdirAll(target, 0755); err != nil {
			return nil, fmt.Errorf("failed to create target directory: %w", err)
		}
	}

	report := &Report{Result: Updated, DryRun: e.dryRun}
	// updated holds every path written in this run, relative to target.
	// Only this goroutine touches it.
	updated := make(map[string]bool)

	dirs, err := e.materializeDirs(ctx, folders, updated)
	if err != nil {
		return nil, err
	}
	report.Directories = len(dirs)

	files, err := e.materializeFiles(ctx, folders, documents, updated)
	if err != nil {
		return nil, err
	}
	report.Files = len(files)

	if mode == vcs.ModeGit {
		n, err := e.writePlaceholders(ctx, dirs, files, updated)
		if err != nil {
			return nil, err
		}
		report.Placeholders = n
	}

	if err := e.writeMetadata(current, updated); err != nil {
		return nil, err
	}

	deleted, err := e.cleanup(ctx, mode, updated)
	if err != nil {
		return nil, err
	}
	report.Deleted = deleted

	if e.cfg.Sync.Commit && mode == vcs.ModeGit && !e.dryRun && e.committer != nil {
		hash, err := e.committer.Commit(ctx, target, e.cfg.Sync.CommitMessage)
		if err != nil {
			return nil, fmt.Errorf("failed to commit dump: %w", err)
		}
		if hash != "" {
			e.logger.Info("committed dump", "commit", hash)
		}
		report.Commit = hash
	}

	if e.dryRun {
		e.logger.Info("dry-run complete, no changes applied")
	}
	e.logger.Info("sync completed",
		"directories", report.Directories,
		"files", report.Files,
		"placeholders", report.Placeholders,
		"deleted", report.Deleted)
	return report, nil
}

// currentMetadata fingerprints both stores without opening them
func (e *Engine) currentMetadata() (Metadata, error) {
	folders, err := e.stores.Version(store.Folders)
	if err != nil {
		return Metadata{}, err
	}
	documents, err := e.stores.Version(store.Documents)
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{Versions: Versions{Folders: folders, Documents: documents}}, nil
}

// materializeDirs creates the directory of every indexed folder
func (e *Engine) materializeDirs(ctx context.Context, folders *records.FolderIndex, updated map[string]bool) ([]string, error) {
	dirs, err := folders.AllResolvedPaths()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve folders: %w", err)
	}

	g, gctx := e.group(ctx)
	for _, dir := range dirs {
		updated[dir] = true
		if e.dryRun {
			e.logger.Info("[dry-run] would create directory", "path", dir)
			continue
		}
		if gctx.Err() != nil {
			break
		}
		e.logger.Debug("creating directory", "path", dir)
		path := filepath.Join(e.cfg.Paths.TargetDir, dir)
		g.Go(func() error {
			if err := os.MkdirAll(path, 0755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
			return nil
		})
	}
	if err := e.wait(ctx, g); err != nil {
		return nil, err
	}

	e.logger.Info("materialized directories", "count", len(dirs))
	return dirs, nil
}

// materializeFiles writes one file per document. Documents are streamed;
// at most cfg.Sync.Concurrency writes are in flight.
func (e *Engine) materializeFiles(ctx context.Context, folders *records.FolderIndex, documents *records.DocumentExtractor, updated map[string]bool) ([]string, error) {
	var files []string
	var streamErr error

	g, gctx := e.group(ctx)
	for df, err := range documents.Files() {
		if err != nil {
			streamErr = err
			break
		}
		if gctx.Err() != nil {
			break
		}

		dir, err := folders.ResolvePath(df.FolderID)
		if err != nil {
			streamErr = fmt.Errorf("failed to resolve folder of %s: %w", df.Filename, err)
			break
		}
		rel := filepath.Join(dir, df.Filename)
		updated[rel] = true
		files = append(files, rel)

		if e.dryRun {
			e.logger.Info("[dry-run] would write file", "path", rel, "bytes", len(df.Contents))
			continue
		}
		e.logger.Debug("writing file", "path", rel)
		path := filepath.Join(e.cfg.Paths.TargetDir, rel)
		g.Go(func() error {
			return writeFile(path, df.Contents)
		})
	}
	if err := e.wait(ctx, g); err != nil {
		return nil, err
	}
	if streamErr != nil {
		return nil, streamErr
	}

	e.logger.Info("materialized files", "count", len(files))
	return files, nil
}

// writePlaceholders writes a placeholder into every folder directory that
// has no file beneath it.
func (e *Engine) writePlaceholders(ctx context.Context, dirs, files []string, updated map[string]bool) (int, error) {
	occupied := make(map[string]bool)
	for _, f := range files {
		for d := filepath.Dir(f); d != "."; d = filepath.Dir(d) {
			if occupied[d] {
				break
			}
			occupied[d] = true
		}
	}

	count := 0
	g, gctx := e.group(ctx)
	for _, dir := range dirs {
		if occupied[dir] {
			continue
		}
		rel := filepath.Join(dir, PlaceholderFile)
		updated[rel] = true
		count++

		if e.dryRun {
			e.logger.Info("[dry-run] would write placeholder", "path", rel)
			continue
		}
		if gctx.Err() != nil {
			break
		}
		e.logger.Debug("writing placeholder", "path", rel)
		path := filepath.Join(e.cfg.Paths.TargetDir, rel)
		g.Go(func() error {
			return writeFile(path, nil)
		})
	}
	if err := e.wait(ctx, g); err != nil {
		return 0, err
	}

	e.logger.Info("materialized placeholders", "count", count)
	return count, nil
}

// writeMetadata persists m. It must run before cleanup.
func (e *Engine) writeMetadata(m Metadata, updated map[string]bool) error {
	updated[MetadataFile] = true
	if e.dryRun {
		e.logger.Info("[dry-run] would write metadata", "path", MetadataFile)
		return nil
	}

	data, err := encodeMetadata(m)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	return writeFile(filepath.Join(e.cfg.Paths.TargetDir, MetadataFile), data)
}

// cleanup deletes every entry below the target that was not written in
// this run. The git control directory is skipped in git mode. Entries below
// a directory that is deleted are not deleted again.
func (e *Engine) cleanup(ctx context.Context, mode vcs.Mode, updated map[string]bool) (int, error) {
	target := e.cfg.Paths.TargetDir

	var stale []string
	err := filepath.WalkDir(target, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// A dry run may look at a target that does not exist yet.
			if path == target && e.dryRun && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipAll
			}
			return err
		}
		if path == target {
			return nil
		}

		rel, err := filepath.Rel(target, path)
		if err != nil {
			return err
		}
		// In a worktree or submodule checkout the control entry is a file.
		if mode == vcs.ModeGit && rel == vcs.ControlDir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if updated[rel] {
			return nil
		}

		stale = append(stale, rel)
		if d.IsDir() {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan target directory: %w", err)
	}

	if e.dryRun {
		for _, rel := range stale {
			e.logger.Info("[dry-run] would delete", "path", rel)
		}
		return len(stale), nil
	}

	var (
		mu   gosync.Mutex
		errs []error
	)
	g, _ := e.group(ctx)
	for _, rel := range stale {
		e.logger.Debug("deleting", "path", rel)
		path := filepath.Join(target, rel)
		g.Go(func() error {
			if err := e.removeAll(path); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("failed to delete %s: %w", rel, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := errors.Join(errs...); err != nil {
		return 0, err
	}

	e.logger.Info("removed stale entries", "count", len(stale))
	return len(stale), nil
}

// group returns an errgroup bounded by the configured concurrency
func (e *Engine) group(ctx context.Context) (*errgroup.Group, context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(e.cfg.Sync.Concurrency, 1))
	return g, gctx
}

// wait waits for g and reports cancellation of ctx, which stops a batch
// early without any of its tasks failing.
func (e *Engine) wait(ctx context.Context, g *errgroup.Group) error {
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// writeFile atomically replaces path with contents, readable by everyone.
func writeFile(path string, contents []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create parent of %s: %w", path, err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(contents)); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Chmod(path, 0644); err != nil {
		return fmt.Errorf("failed to set mode of %s: %w", path, err)
	}
	return nil
}
