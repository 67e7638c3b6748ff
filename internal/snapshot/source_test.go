package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/schaermu/levelsync/internal/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeBackend implements Backend with injectable failures.
type fakeBackend struct {
	repairErr  error
	openErr    error
	compactErr error
	repaired   int
	closed     int
}

func (f *fakeBackend) Repair(string) error {
	f.repaired++
	return f.repairErr
}

func (f *fakeBackend) Open(string) (DB, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &fakeDB{backend: f}, nil
}

type fakeDB struct {
	backend *fakeBackend
}

func (d *fakeDB) CompactAll() error { return d.backend.compactErr }

func (d *fakeDB) Values() iter.Seq2[[]byte, error] {
	return func(func([]byte, error) bool) {}
}

func (d *fakeDB) Close() error {
	d.backend.closed++
	return nil
}

func readNames(t *testing.T, db DB) []string {
	t.Helper()

	var names []string
	for raw, err := range db.Values() {
		if err != nil {
			t.Fatal(err)
		}
		var doc testutil.Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			t.Fatal(err)
		}
		names = append(names, doc.Name)
	}
	return names
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()

	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("expected %s to be empty, found %v", dir, names)
	}
}

func TestSourceName(t *testing.T) {
	src := NewSource(filepath.Join(t.TempDir(), "folders"), NewCache(t.TempDir()), NewLevelDB(), testLogger())
	if got := src.Name(); got != "folders" {
		t.Errorf("Name() = %q, want folders", got)
	}
}

func TestSourceVersion_DoesNotCopy(t *testing.T) {
	scratch := t.TempDir()
	dir := filepath.Join(t.TempDir(), "macros")
	testutil.NewStore(t, dir, testutil.Document{ID: "01", Name: "Foo", Type: "chat"})

	src := NewSource(dir, NewCache(scratch), NewLevelDB(), testLogger())
	fp, err := src.Version()
	if err != nil {
		t.Fatal(err)
	}
	want, err := ComputeFingerprint(dir)
	if err != nil {
		t.Fatal(err)
	}
	if fp != want {
		t.Errorf("Version() = %q, want %q", fp, want)
	}

	assertEmptyDir(t, scratch)
}

func TestSourceVersion_Memoized(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "macros")
	db := testutil.NewStore(t, dir, testutil.Document{ID: "01", Name: "Foo", Type: "chat"})

	src := NewSource(dir, NewCache(t.TempDir()), NewLevelDB(), testLogger())
	first, err := src.Version()
	if err != nil {
		t.Fatal(err)
	}

	testutil.Put(t, db, "!macros!02", testutil.Document{ID: "02", Name: "Bar", Type: "chat"})

	second, err := src.Version()
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("Version() changed within the lifetime of a Source: %q != %q", first, second)
	}
}

func TestSourceOpen_ReadsLockedStore(t *testing.T) {
	scratch := t.TempDir()
	dir := filepath.Join(t.TempDir(), "macros")
	db := testutil.NewStore(t, dir,
		testutil.Document{ID: "01", Name: "Foo", Type: "chat"},
		testutil.Document{ID: "02", Name: "Bar", Type: "script"},
	)
	// Overwrite one record so the copy has superseded entries to compact.
	testutil.Put(t, db, "!macros!000001", testutil.Document{ID: "02", Name: "Baz", Type: "script"})

	src := NewSource(dir, NewCache(scratch), NewLevelDB(), testLogger())
	copyDB, err := src.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() {
		_ = copyDB.Close()
	}()

	if diff := cmp.Diff([]string{"Foo", "Baz"}, readNames(t, copyDB)); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}

	// Values restarts from the beginning on every call.
	if diff := cmp.Diff([]string{"Foo", "Baz"}, readNames(t, copyDB)); diff != "" {
		t.Errorf("second iteration mismatch (-want +got):\n%s", diff)
	}

	fp, err := src.Version()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(NewCache(scratch).SlotDir("macros", fp)); err != nil {
		t.Errorf("expected copy in scratch area: %v", err)
	}
}

func TestSourceOpen_DoesNotAlterSource(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "macros")
	db := testutil.NewStore(t, dir,
		testutil.Document{ID: "01", Name: "Foo", Type: "chat", Command: "Command 01"},
		testutil.Document{ID: "02", Name: "Bar", Type: "script", Command: "Command 02"},
	)
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	before := testutil.HashTree(t, dir)

	src := NewSource(dir, NewCache(t.TempDir()), NewLevelDB(), testLogger())
	copyDB, err := src.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = copyDB.Close()

	if diff := cmp.Diff(before, testutil.HashTree(t, dir)); diff != "" {
		t.Errorf("source directory changed (-before +after):\n%s", diff)
	}
}

func TestSourceOpen_ReusesCopy(t *testing.T) {
	scratch := t.TempDir()
	dir := filepath.Join(t.TempDir(), "folders")
	testutil.NewStore(t, dir, testutil.Folder{ID: "01", Name: "Foo", Type: "Macro"})

	src := NewSource(dir, NewCache(scratch), NewLevelDB(), testLogger())
	first, err := src.Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	fp, err := src.Version()
	if err != nil {
		t.Fatal(err)
	}
	marker := filepath.Join(NewCache(scratch).SlotDir("folders", fp), "marker")
	if err := os.WriteFile(marker, nil, 0644); err != nil {
		t.Fatal(err)
	}

	second, err := NewSource(dir, NewCache(scratch), NewLevelDB(), testLogger()).Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = second.Close()
	}()

	if _, err := os.Stat(marker); err != nil {
		t.Errorf("copy was rebuilt instead of reused: %v", err)
	}
	entries, err := os.ReadDir(scratch)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected a single copy in the scratch area, got %d", len(entries))
	}
}

func TestSourceOpen_RebuildsIncompleteCopy(t *testing.T) {
	scratch := t.TempDir()
	dir := filepath.Join(t.TempDir(), "folders")
	testutil.NewStore(t, dir, testutil.Folder{ID: "01", Name: "Foo", Type: "Macro"})

	cache := NewCache(scratch)
	fp, err := ComputeFingerprint(dir)
	if err != nil {
		t.Fatal(err)
	}
	slot := cache.SlotDir("folders", fp)
	testutil.WriteTree(t, slot, map[string]string{"garbage": "x"})

	backend := &fakeBackend{}
	db, err := NewSource(dir, cache, backend, testLogger()).Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	if _, err := os.Stat(filepath.Join(slot, "garbage")); !os.IsNotExist(err) {
		t.Error("incomplete copy was reused")
	}
	if _, err := os.Stat(filepath.Join(slot, currentFile)); err != nil {
		t.Errorf("rebuilt copy has no manifest pointer: %v", err)
	}
	if _, err := os.Stat(filepath.Join(slot, lockFile)); !os.IsNotExist(err) {
		t.Error("lock file was copied into the scratch area")
	}
}

func TestSourceOpen_FailureRemovesCopy(t *testing.T) {
	broken := errors.New("broken")
	tests := []struct {
		name    string
		backend *fakeBackend
	}{
		{name: "repair", backend: &fakeBackend{repairErr: broken}},
		{name: "open", backend: &fakeBackend{openErr: broken}},
		{name: "compact", backend: &fakeBackend{compactErr: broken}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scratch := t.TempDir()
			dir := filepath.Join(t.TempDir(), "macros")
			testutil.NewStore(t, dir, testutil.Document{ID: "01", Name: "Foo", Type: "chat"})

			src := NewSource(dir, NewCache(scratch), tt.backend, testLogger())
			_, err := src.Open(context.Background())
			if !errors.Is(err, ErrOpenFailed) {
				t.Fatalf("Open() error = %v, want ErrOpenFailed", err)
			}
			if !errors.Is(err, broken) {
				t.Errorf("Open() error = %v, want it to wrap the backend error", err)
			}

			assertEmptyDir(t, scratch)
		})
	}

	t.Run("compact closes the copy", func(t *testing.T) {
		backend := &fakeBackend{compactErr: broken}
		dir := filepath.Join(t.TempDir(), "macros")
		testutil.NewStore(t, dir)

		_, _ = NewSource(dir, NewCache(t.TempDir()), backend, testLogger()).Open(context.Background())
		if backend.closed != 1 {
			t.Errorf("expected copy to be closed once, got %d", backend.closed)
		}
	})
}

func TestSourceOpen_CorruptStore(t *testing.T) {
	scratch := t.TempDir()
	dir := t.TempDir()

	_, err := NewSource(dir, NewCache(scratch), NewLevelDB(), testLogger()).Open(context.Background())
	if !errors.Is(err, ErrCorruptStore) {
		t.Fatalf("Open() error = %v, want ErrCorruptStore", err)
	}
	assertEmptyDir(t, scratch)
}

func TestSourceOpen_CancelledContext(t *testing.T) {
	scratch := t.TempDir()
	dir := filepath.Join(t.TempDir(), "macros")
	testutil.NewStore(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewSource(dir, NewCache(scratch), NewLevelDB(), testLogger()).Open(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Open() error = %v, want context.Canceled", err)
	}
	assertEmptyDir(t, scratch)
}
