package sync

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"

	"github.com/schaermu/levelsync/internal/snapshot"
)

// MetadataFile is the only state persisted in the target directory.
const MetadataFile = "metadata.json"

// PlaceholderFile keeps otherwise empty folders in git.
const PlaceholderFile = ".keepdir"

// Metadata records the store versions a dump was built from
type Metadata struct {
	Versions Versions `json:"versions"`
}

// Versions holds one fingerprint per store
type Versions struct {
	Folders   snapshot.Fingerprint `json:"folders"`
	Documents snapshot.Fingerprint `json:"documents"`
}

// readMetadata loads the metadata file at path. Unknown fields are an error
// so that a file written by anything else never matches.
func readMetadata(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var m Metadata
	if err := dec.Decode(&m); err != nil {
		return Metadata{}, err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return Metadata{}, errors.New("trailing data after metadata")
	}
	return m, nil
}

func encodeMetadata(m Metadata) ([]byte, error) {
	return json.MarshalIndent(m, "", "\t")
}

// Result is the outcome of a run
type Result int

const (
	// NoChange means the dump already matched the stores.
	NoChange Result = iota
	// Updated means the dump was rebuilt.
	Updated
)

func (r Result) String() string {
	switch r {
	case NoChange:
		return "no-change"
	case Updated:
		return "updated"
	default:
		return "unknown"
	}
}

// Report summarizes a run
type Report struct {
	Result       Result
	DryRun       bool
	Directories  int
	Files        int
	Placeholders int
	Deleted      int
	// Commit is the hash of the dump commit, if one was made.
	Commit string
}
