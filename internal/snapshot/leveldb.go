package snapshot

import (
	"bytes"
	"fmt"
	"iter"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Backend is the store engine used to read materialized copies.
type Backend interface {
	// Repair folds log entries that are not yet in the manifest into it,
	// the same recovery the engine performs after a crash.
	Repair(dir string) error
	// Open opens an existing store for reading.
	Open(dir string) (DB, error)
}

// DB is an opened store copy.
type DB interface {
	// CompactAll compacts the full key range, dropping superseded entries.
	CompactAll() error
	// Values iterates over every stored value in key order. Each call
	// starts a fresh iteration.
	Values() iter.Seq2[[]byte, error]
	Close() error
}

// LevelDB implements Backend with goleveldb.
type LevelDB struct{}

// NewLevelDB creates a LevelDB backend.
func NewLevelDB() *LevelDB {
	return &LevelDB{}
}

// Repair recovers the store in dir by rebuilding its manifest.
func (LevelDB) Repair(dir string) error {
	db, err := leveldb.RecoverFile(dir, nil)
	if err != nil {
		return fmt.Errorf("leveldb recover: %w", err)
	}
	return db.Close()
}

// Open opens the store in dir. The store must already exist.
func (LevelDB) Open(dir string) (DB, error) {
	db, err := leveldb.OpenFile(dir, &opt.Options{ErrorIfMissing: true})
	if err != nil {
		return nil, fmt.Errorf("leveldb open: %w", err)
	}
	return &levelDB{db: db}, nil
}

type levelDB struct {
	db *leveldb.DB
}

func (l *levelDB) CompactAll() error {
	return l.db.CompactRange(util.Range{})
}

func (l *levelDB) Values() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		it := l.db.NewIterator(nil, nil)
		defer it.Release()

		for it.Next() {
			// The iterator reuses its buffers between steps.
			if !yield(bytes.Clone(it.Value()), nil) {
				return
			}
		}
		if err := it.Error(); err != nil {
			yield(nil, fmt.Errorf("leveldb iterate: %w", err))
		}
	}
}

func (l *levelDB) Close() error {
	return l.db.Close()
}
