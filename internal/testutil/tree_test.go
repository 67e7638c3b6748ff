package testutil

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestWriteTree_ReadTree(t *testing.T) {
	root := t.TempDir()
	tree := map[string]string{
		"Foo [01]":                DirMarker,
		"Foo [01]/Bar [02].macro": "Command 02",
		"empty":                   DirMarker,
		"top.js":                  "",
	}

	WriteTree(t, root, tree)

	if diff := cmp.Diff(tree, ReadTree(t, root)); diff != "" {
		t.Errorf("ReadTree() mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteTree_CreatesParents(t *testing.T) {
	root := t.TempDir()
	WriteTree(t, root, map[string]string{"a/b/c.macro": "x"})

	want := map[string]string{
		"a":           DirMarker,
		"a/b":         DirMarker,
		"a/b/c.macro": "x",
	}
	if diff := cmp.Diff(want, ReadTree(t, root)); diff != "" {
		t.Errorf("ReadTree() mismatch (-want +got):\n%s", diff)
	}
}

func TestHashTree(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	WriteTree(t, a, map[string]string{"dir": DirMarker, "dir/f": "same"})
	WriteTree(t, b, map[string]string{"dir": DirMarker, "dir/f": "same"})

	ha, hb := HashTree(t, a), HashTree(t, b)
	if diff := cmp.Diff(ha, hb); diff != "" {
		t.Errorf("equal trees hash differently (-a +b):\n%s", diff)
	}
	if ha["dir"] != DirMarker {
		t.Errorf("expected directory marker, got %q", ha["dir"])
	}
	if len(ha["dir/f"]) != 64 {
		t.Errorf("expected hex digest, got %q", ha["dir/f"])
	}

	WriteTree(t, b, map[string]string{"dir/f": "changed"})
	if HashTree(t, b)["dir/f"] == ha["dir/f"] {
		t.Error("digest did not change with contents")
	}
}

func TestReadTree_Empty(t *testing.T) {
	if got := ReadTree(t, t.TempDir()); len(got) != 0 {
		t.Errorf("expected empty tree, got %v", got)
	}
}

func TestNewWorld(t *testing.T) {
	w := NewWorld(t,
		[]Folder{{ID: "01", Name: "Foo", Type: "Macro"}},
		[]Document{{ID: "02", Folder: "01", Name: "Bar", Type: "chat", Command: "hi"}},
	)

	data, err := w.Documents.Get([]byte("!macros!02"), nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(data) != `{"_id":"02","folder":"01","name":"Bar","type":"chat","command":"hi"}` {
		t.Errorf("unexpected record %s", data)
	}

	w.DeleteDocument(t, "02")
	if ok, _ := w.Documents.Has([]byte("!macros!02"), nil); ok {
		t.Error("document still present after delete")
	}
}
