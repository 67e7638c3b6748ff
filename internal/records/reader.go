// Package records decodes the values of an opened store into folder and
// document records.
package records

import (
	"fmt"
	"iter"
)

// Source yields the raw values of a store. Every call to Values starts a
// new iteration from the first value.
type Source interface {
	Values() iter.Seq2[[]byte, error]
}

// Decoder turns one raw value into a record.
type Decoder[T any] func(raw []byte) (T, error)

// Reader decodes the values of a Source lazily.
type Reader[T any] struct {
	src    Source
	decode Decoder[T]
}

// NewReader creates a Reader over src.
func NewReader[T any](src Source, decode Decoder[T]) *Reader[T] {
	return &Reader[T]{src: src, decode: decode}
}

// Values iterates over the decoded records in store order. Iteration stops
// at the first read or decode error, which is yielded with a zero record.
func (r *Reader[T]) Values() iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		n := 0
		for raw, err := range r.src.Values() {
			if err != nil {
				yield(zero, err)
				return
			}
			v, err := r.decode(raw)
			if err != nil {
				yield(zero, fmt.Errorf("failed to decode record %d: %w", n, err))
				return
			}
			if !yield(v, nil) {
				return
			}
			n++
		}
	}
}
