package testutil

import (
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
)

// DirMarker is the value ReadTree and HashTree record for directories.
const DirMarker = "<dir>"

// ReadTree returns every entry below root keyed by its slash-separated
// relative path. Files map to their contents, directories to DirMarker.
func ReadTree(t testing.TB, root string) map[string]string {
	t.Helper()
	return walkTree(t, root, func(data []byte) string { return string(data) })
}

// HashTree is like ReadTree but maps files to a BLAKE3 digest of their
// contents, for trees with large or binary files.
func HashTree(t testing.TB, root string) map[string]string {
	t.Helper()
	return walkTree(t, root, func(data []byte) string {
		sum := blake3.Sum256(data)
		return hex.EncodeToString(sum[:])
	})
}

func walkTree(t testing.TB, root string, file func([]byte) string) map[string]string {
	t.Helper()

	tree := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			tree[rel] = DirMarker
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		tree[rel] = file(data)
		return nil
	})
	require.NoError(t, err, "walk %s", root)
	return tree
}

// WriteTree creates the entries of tree below root. Keys and values follow
// the ReadTree format.
func WriteTree(t testing.TB, root string, tree map[string]string) {
	t.Helper()

	for rel, contents := range tree {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if contents == DirMarker {
			require.NoError(t, os.MkdirAll(path, 0755))
			continue
		}
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	}
}
