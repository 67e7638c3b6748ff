package store

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/levelsync/internal/records"
	"github.com/schaermu/levelsync/internal/snapshot"
	"github.com/schaermu/levelsync/internal/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var defaultLayout = Layout{
	Folders:    testutil.FoldersStore,
	Documents:  testutil.DocumentsStore,
	FolderType: "Macro",
}

func setupIndex(t *testing.T, w *testutil.World) (*Index, string) {
	t.Helper()

	scratch := t.TempDir()
	idx := NewIndex(w.Dir, defaultLayout, snapshot.NewCache(scratch), snapshot.NewLevelDB(), testLogger())
	t.Cleanup(func() {
		_ = idx.Close()
	})
	return idx, scratch
}

func TestIndexVersion(t *testing.T) {
	w := testutil.NewWorld(t, nil, []testutil.Document{{ID: "01", Name: "Foo", Type: "chat"}})
	idx, scratch := setupIndex(t, w)

	for _, name := range []Name{Folders, Documents} {
		fp, err := idx.Version(name)
		require.NoError(t, err)
		require.NotEmpty(t, fp)
	}

	entries, err := os.ReadDir(scratch)
	require.NoError(t, err)
	if len(entries) != 0 {
		t.Errorf("Version created %d scratch entries, want none", len(entries))
	}
}

func TestIndexVersion_UnknownStore(t *testing.T) {
	w := testutil.NewWorld(t, nil, nil)
	idx, _ := setupIndex(t, w)

	if _, err := idx.Version("tags"); err == nil {
		t.Fatal("expected error for unknown store name")
	}
}

func TestIndexSource_Cached(t *testing.T) {
	w := testutil.NewWorld(t, nil, nil)
	idx, _ := setupIndex(t, w)

	a, err := idx.Source(Documents)
	require.NoError(t, err)
	b, err := idx.Source(Documents)
	require.NoError(t, err)
	if a != b {
		t.Error("expected the same Source for repeated lookups")
	}
	if a.Dir() != filepath.Join(w.Dir, testutil.DocumentsStore) {
		t.Errorf("Dir() = %q", a.Dir())
	}
}

func TestIndexFolders(t *testing.T) {
	w := testutil.NewWorld(t, []testutil.Folder{
		{ID: "01", Name: "Foo", Type: "Macro"},
		{ID: "02", Parent: "01", Name: "Bar", Type: "Macro"},
		{ID: "03", Name: "Cards", Type: "Card"},
	}, nil)
	idx, _ := setupIndex(t, w)

	folders, err := idx.Folders(context.Background())
	require.NoError(t, err)

	got, err := folders.AllResolvedPaths()
	require.NoError(t, err)
	want := []string{"Foo [01]", filepath.Join("Foo [01]", "Bar [02]")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("AllResolvedPaths() mismatch (-want +got):\n%s", diff)
	}

	again, err := idx.Folders(context.Background())
	require.NoError(t, err)
	if again != folders {
		t.Error("expected the folder index to be built once per run")
	}
}

func TestIndexDocuments(t *testing.T) {
	w := testutil.NewWorld(t, nil, []testutil.Document{
		{ID: "01", Name: "Foo", Type: "chat", Command: "Command 01"},
		{ID: "02", Name: "Bar", Type: "script", Command: "Command 02"},
	})
	idx, _ := setupIndex(t, w)

	docs, err := idx.Documents(context.Background())
	require.NoError(t, err)

	var got []records.DumpFile
	for df, err := range docs.Files() {
		require.NoError(t, err)
		got = append(got, df)
	}
	want := []records.DumpFile{
		{Filename: "Foo [01].macro", Contents: []byte("Command 01")},
		{Filename: "Bar [02].js", Contents: []byte("Command 02")},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Files() mismatch (-want +got):\n%s", diff)
	}
}

func TestIndexClose(t *testing.T) {
	w := testutil.NewWorld(t, nil, nil)
	idx, _ := setupIndex(t, w)

	first, err := idx.Documents(context.Background())
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	second, err := idx.Documents(context.Background())
	require.NoError(t, err)
	if first == second {
		t.Error("expected Close to drop the opened readers")
	}
}
