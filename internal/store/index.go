// Package store provides the per-run view onto the two named stores a dump
// is built from.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/schaermu/levelsync/internal/records"
	"github.com/schaermu/levelsync/internal/snapshot"
)

// Name is the logical name of a store. It is also the key under which the
// store's version is persisted.
type Name string

const (
	Folders   Name = "folders"
	Documents Name = "documents"
)

// Layout maps logical store names to directory names below the source
// directory.
type Layout struct {
	Folders    string
	Documents  string
	FolderType string
}

// Index is a keyed facade over the folders and documents stores. It caches
// one snapshot Source and one opened reader per store for its lifetime,
// which is one run. It is not safe for concurrent use.
type Index struct {
	sourceDir string
	layout    Layout
	cache     *snapshot.Cache
	backend   snapshot.Backend
	logger    *slog.Logger

	sources   map[Name]*snapshot.Source
	dbs       []snapshot.DB
	folders   *records.FolderIndex
	documents *records.DocumentExtractor
}

// NewIndex creates an Index over the stores in sourceDir.
func NewIndex(sourceDir string, layout Layout, cache *snapshot.Cache, backend snapshot.Backend, logger *slog.Logger) *Index {
	return &Index{
		sourceDir: sourceDir,
		layout:    layout,
		cache:     cache,
		backend:   backend,
		logger:    logger,
		sources:   make(map[Name]*snapshot.Source),
	}
}

// Source returns the snapshot source for the named store.
func (i *Index) Source(name Name) (*snapshot.Source, error) {
	if src, ok := i.sources[name]; ok {
		return src, nil
	}

	var dir string
	switch name {
	case Folders:
		dir = i.layout.Folders
	case Documents:
		dir = i.layout.Documents
	default:
		return nil, fmt.Errorf("unknown store %q", name)
	}

	src := snapshot.NewSource(filepath.Join(i.sourceDir, dir), i.cache, i.backend, i.logger)
	i.sources[name] = src
	return src, nil
}

// Version returns the fingerprint of the named store without opening it.
func (i *Index) Version(name Name) (snapshot.Fingerprint, error) {
	src, err := i.Source(name)
	if err != nil {
		return "", err
	}
	fp, err := src.Version()
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint %s store: %w", name, err)
	}
	return fp, nil
}

// Folders opens the folders store and builds its index on first use.
func (i *Index) Folders(ctx context.Context) (*records.FolderIndex, error) {
	if i.folders != nil {
		return i.folders, nil
	}

	db, err := i.open(ctx, Folders)
	if err != nil {
		return nil, err
	}
	idx, err := records.NewFolderIndex(records.NewReader(db, records.DecodeFolderRecord), i.layout.FolderType)
	if err != nil {
		return nil, err
	}
	i.logger.Debug("indexed folders", "count", idx.Len())

	i.folders = idx
	return idx, nil
}

// Documents opens the documents store on first use.
func (i *Index) Documents(ctx context.Context) (*records.DocumentExtractor, error) {
	if i.documents != nil {
		return i.documents, nil
	}

	db, err := i.open(ctx, Documents)
	if err != nil {
		return nil, err
	}
	i.documents = records.NewDocumentExtractor(records.NewReader(db, records.DecodeDocumentRecord))
	return i.documents, nil
}

func (i *Index) open(ctx context.Context, name Name) (snapshot.DB, error) {
	src, err := i.Source(name)
	if err != nil {
		return nil, err
	}
	db, err := src.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", name, err)
	}
	i.dbs = append(i.dbs, db)
	return db, nil
}

// Close closes every store copy opened through the index.
func (i *Index) Close() error {
	var errs []error
	for _, db := range i.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	i.dbs = nil
	i.folders = nil
	i.documents = nil
	return errors.Join(errs...)
}
