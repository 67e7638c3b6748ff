package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// ErrFolderCycle indicates a folder whose parent chain leads back to itself.
var ErrFolderCycle = errors.New("folder cycle")

// UnknownFolderError is returned when a record references a folder id that
// the index does not hold.
type UnknownFolderError struct {
	ID string
}

func (e *UnknownFolderError) Error() string {
	return fmt.Sprintf("unknown folder %q", e.ID)
}

// FolderRecord is a folder as stored by the owning application. An empty
// Parent marks a root folder.
type FolderRecord struct {
	ID     string `json:"_id"`
	Parent string `json:"folder"`
	Name   string `json:"name"`
	Type   string `json:"type"`
}

// DecodeFolderRecord decodes a JSON folder value.
func DecodeFolderRecord(raw []byte) (FolderRecord, error) {
	var f FolderRecord
	if err := json.Unmarshal(raw, &f); err != nil {
		return FolderRecord{}, err
	}
	if f.ID == "" {
		return FolderRecord{}, errors.New("folder record has no id")
	}
	return f, nil
}

// FolderIndex resolves folder ids to relative directory paths. It is not
// safe for concurrent use.
type FolderIndex struct {
	folders map[string]FolderRecord
	// paths memoizes resolved ids, including every ancestor walked.
	paths map[string]string
	// resolving holds the ids on the current resolution chain.
	resolving map[string]bool
}

// NewFolderIndex reads every folder from r. When folderType is not empty,
// folders of any other type are left out and resolve as unknown.
func NewFolderIndex(r *Reader[FolderRecord], folderType string) (*FolderIndex, error) {
	idx := &FolderIndex{
		folders:   make(map[string]FolderRecord),
		paths:     make(map[string]string),
		resolving: make(map[string]bool),
	}
	for f, err := range r.Values() {
		if err != nil {
			return nil, fmt.Errorf("failed to read folders: %w", err)
		}
		if folderType != "" && f.Type != folderType {
			continue
		}
		idx.folders[f.ID] = f
	}
	return idx, nil
}

// Len returns the number of indexed folders.
func (idx *FolderIndex) Len() int {
	return len(idx.folders)
}

// ResolvePath returns the path of folder id relative to the dump root, one
// "<name> [<id>]" segment per folder from the root down. An empty id is the
// root and resolves to "".
func (idx *FolderIndex) ResolvePath(id string) (string, error) {
	if id == "" {
		return "", nil
	}
	if p, ok := idx.paths[id]; ok {
		return p, nil
	}

	folder, ok := idx.folders[id]
	if !ok {
		return "", &UnknownFolderError{ID: id}
	}
	if idx.resolving[id] {
		return "", fmt.Errorf("%w: %q", ErrFolderCycle, id)
	}
	idx.resolving[id] = true
	defer delete(idx.resolving, id)

	parent, err := idx.ResolvePath(folder.Parent)
	if err != nil {
		return "", err
	}

	p := filepath.Join(parent, Segment(folder.Name, id))
	idx.paths[id] = p
	return p, nil
}

// AllResolvedPaths resolves every indexed folder and returns the distinct
// paths in sorted order.
func (idx *FolderIndex) AllResolvedPaths() ([]string, error) {
	paths := make([]string, 0, len(idx.folders))
	for id := range idx.folders {
		p, err := idx.ResolvePath(id)
		if err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

// Segment builds the "<name> [<id>]" path segment for a record. Path
// separators in the name are replaced so a segment never spans directories.
func Segment(name, id string) string {
	return fmt.Sprintf("%s [%s]", sanitize(name), sanitize(id))
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == filepath.Separator || r == 0 {
			return '_'
		}
		return r
	}, s)
}
