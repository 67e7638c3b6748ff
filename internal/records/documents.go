package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"
)

// DocumentKind selects the file extension of a dumped document.
type DocumentKind string

const (
	KindChat   DocumentKind = "chat"
	KindScript DocumentKind = "script"
)

// Extension returns the file extension for documents of kind k. Kinds
// other than script are written as chat documents.
func (k DocumentKind) Extension() string {
	if k == KindScript {
		return ".js"
	}
	return ".macro"
}

// DocumentRecord is a leaf document as stored by the owning application.
type DocumentRecord struct {
	ID     string       `json:"_id"`
	Folder string       `json:"folder"`
	Name   string       `json:"name"`
	Kind   DocumentKind `json:"type"`
	Body   string       `json:"command"`
}

// DecodeDocumentRecord decodes a JSON document value.
func DecodeDocumentRecord(raw []byte) (DocumentRecord, error) {
	var d DocumentRecord
	if err := json.Unmarshal(raw, &d); err != nil {
		return DocumentRecord{}, err
	}
	if d.ID == "" {
		return DocumentRecord{}, errors.New("document record has no id")
	}
	return d, nil
}

// DumpFile is the file a document is dumped to. FolderID is resolved to a
// directory through a FolderIndex.
type DumpFile struct {
	FolderID string
	Filename string
	Contents []byte
}

// Filename returns the name of the file that d is dumped to.
func (d DocumentRecord) Filename() string {
	return Segment(d.Name, d.ID) + d.Kind.Extension()
}

// DocumentExtractor maps document records to files.
type DocumentExtractor struct {
	reader *Reader[DocumentRecord]
}

// NewDocumentExtractor creates an extractor over r.
func NewDocumentExtractor(r *Reader[DocumentRecord]) *DocumentExtractor {
	return &DocumentExtractor{reader: r}
}

// Files yields one DumpFile per document in store order. Documents are read
// lazily; nothing is retained between steps.
func (x *DocumentExtractor) Files() iter.Seq2[DumpFile, error] {
	return func(yield func(DumpFile, error) bool) {
		for d, err := range x.reader.Values() {
			if err != nil {
				yield(DumpFile{}, fmt.Errorf("failed to read documents: %w", err))
				return
			}
			df := DumpFile{
				FolderID: d.Folder,
				Filename: d.Filename(),
				Contents: []byte(d.Body),
			}
			if !yield(df, nil) {
				return
			}
		}
	}
}
