package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/roach88/resultsync/internal/attr"
	"github.com/roach88/resultsync/internal/model"
	"github.com/roach88/resultsync/internal/query"
)

// Record is one persisted managed object.
type Record struct {
	Entity  string
	Key     int64
	Attrs   attr.Object
	Version int64
}

// Ref names a persisted row and the version the caller last saw.
type Ref struct {
	Entity  string
	Key     int64
	Version int64
}

// Update replaces the attributes of an existing row. Base is the version
// the new attributes were derived from.
type Update struct {
	Entity string
	Key    int64
	Attrs  attr.Object
	Base   int64
}

// ChangeSet is everything one commit writes. Save applies it atomically.
type ChangeSet struct {
	Inserts []Record
	Updates []Update
	Deletes []Ref
}

// IsEmpty reports whether the change set writes nothing.
func (cs ChangeSet) IsEmpty() bool {
	return len(cs.Inserts) == 0 && len(cs.Updates) == 0 && len(cs.Deletes) == 0
}

// Store is a backing store for managed objects.
//
// Implementations are safe for concurrent use.
type Store interface {
	// ID identifies this open store. Object identities carry it so that
	// objects from different stores never compare equal.
	ID() string
	Type() Type
	// Path is the backing file, "" for memory stores.
	Path() string
	Model() *model.Model

	// AllocateKey reserves a new row key.
	AllocateKey() int64

	// Load returns the rows of entity that pass f's predicates, ordered by
	// row key. A nil f loads every row of entity.
	Load(ctx context.Context, entity string, f *query.Fetch) ([]Record, error)
	// Get returns one row; ok is false when it does not exist.
	Get(ctx context.Context, entity string, key int64) (rec Record, ok bool, err error)
	// Save applies cs atomically. Inserted rows get version 1 and updated
	// rows Base+1. A version mismatch returns *ConflictError.
	Save(ctx context.Context, cs ChangeSet) error

	Close() error
}

// Open opens or creates the store cfg describes for model m.
// All failures are reported as *OpenError.
func Open(cfg Config, m *model.Model) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &OpenError{Err: err}
	}
	cfg = cfg.withDefaults()
	if m == nil {
		m = model.Empty(cfg.ModelName)
	}

	id := uuid.Must(uuid.NewV7()).String()
	path := cfg.Path()

	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, &OpenError{Path: path, Err: fmt.Errorf("create store directory: %w", err)}
		}
	}

	var (
		s   Store
		err error
	)
	switch cfg.Type {
	case TypeDurable:
		s, err = openSQLite(id, path, path, TypeDurable, m, *cfg.Options)
	case TypeMemory:
		dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", id)
		s, err = openSQLite(id, dsn, "", TypeMemory, m, Options{})
	case TypeBinary:
		s, err = openFile(id, path, m, *cfg.Options)
	}
	if err != nil {
		return nil, &OpenError{Path: path, Err: err}
	}
	return s, nil
}
