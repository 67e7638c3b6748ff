// Package testutil provides fixtures shared by the package tests: real
// LevelDB stores held open like a running application would, and helpers
// that capture directory trees for comparison.
package testutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
)

// Default store directory names inside a source directory.
const (
	FoldersStore   = "folders"
	DocumentsStore = "macros"
)

// Folder is a folder record as the owning application stores it.
type Folder struct {
	ID     string `json:"_id"`
	Parent string `json:"folder,omitempty"`
	Name   string `json:"name"`
	Type   string `json:"type"`
}

// Document is a document record as the owning application stores it.
type Document struct {
	ID      string `json:"_id"`
	Folder  string `json:"folder,omitempty"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Command string `json:"command"`
}

// NewStore creates a LevelDB store in dir containing values encoded as JSON.
// The store stays open, and therefore locked, until the test ends.
func NewStore(t testing.TB, dir string, values ...any) *leveldb.DB {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(dir), 0755))
	db, err := leveldb.OpenFile(dir, nil)
	require.NoError(t, err, "open fixture store %s", dir)
	t.Cleanup(func() {
		_ = db.Close()
	})

	for i, v := range values {
		Put(t, db, fmt.Sprintf("!%s!%06d", filepath.Base(dir), i), v)
	}
	return db
}

// Put stores value as JSON under key.
func Put(t testing.TB, db *leveldb.DB, key string, value any) {
	t.Helper()

	data, err := json.Marshal(value)
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte(key), data, nil))
}

// World is a source directory holding a folders store and a documents
// store, both open.
type World struct {
	Dir       string
	Folders   *leveldb.DB
	Documents *leveldb.DB
}

// NewWorld creates a source directory under a fresh temp dir.
func NewWorld(t testing.TB, folders []Folder, documents []Document) *World {
	t.Helper()

	dir := t.TempDir()
	w := &World{
		Dir:       dir,
		Folders:   NewStore(t, filepath.Join(dir, FoldersStore)),
		Documents: NewStore(t, filepath.Join(dir, DocumentsStore)),
	}
	for _, f := range folders {
		w.PutFolder(t, f)
	}
	for _, d := range documents {
		w.PutDocument(t, d)
	}
	return w
}

// PutFolder writes (or overwrites) a folder record.
func (w *World) PutFolder(t testing.TB, f Folder) {
	t.Helper()
	Put(t, w.Folders, "!folders!"+f.ID, f)
}

// PutDocument writes (or overwrites) a document record.
func (w *World) PutDocument(t testing.TB, d Document) {
	t.Helper()
	Put(t, w.Documents, "!macros!"+d.ID, d)
}

// DeleteDocument removes the document stored under id by PutDocument.
func (w *World) DeleteDocument(t testing.TB, id string) {
	t.Helper()
	require.NoError(t, w.Documents.Delete([]byte("!macros!"+id), nil))
}
