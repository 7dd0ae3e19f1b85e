package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/roach88/resultsync/internal/attr"
	"github.com/roach88/resultsync/internal/model"
	"github.com/roach88/resultsync/internal/query"
)

// Format version tracking:
// 1 - objects without versions, no next_key
// 2 - per-object versions and next_key
const currentFormatVersion = 2

// snapshot is the on-disk layout of a binary store.
type snapshot struct {
	FormatVersion int          `json:"format_version"`
	ModelHash     string       `json:"model_hash,omitempty"`
	NextKey       int64        `json:"next_key"`
	Objects       []fileObject `json:"objects"`
}

type fileObject struct {
	Entity  string          `json:"entity"`
	Key     int64           `json:"key"`
	Version int64           `json:"version,omitempty"`
	Attrs   json.RawMessage `json:"attrs"`
}

type rowID struct {
	entity string
	key    int64
}

// FileStore is the binary backend: every row is held in memory and each
// save replaces the backing file with a complete snapshot via
// write-to-temp-then-rename, so the file is always either the old or the
// new state.
type FileStore struct {
	id    string
	path  string
	model *model.Model

	mu       sync.RWMutex
	rows     map[rowID]Record
	nextKey  int64
	modelKey string
	closed   bool
}

func openFile(id, path string, m *model.Model, opts Options) (*FileStore, error) {
	s := &FileStore{
		id:    id,
		path:  path,
		model: m,
		rows:  make(map[rowID]Record),
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if !m.IsEmpty() {
			s.modelKey = m.Hash()
		}
		if err := s.persist(s.rows, s.nextKey); err != nil {
			return nil, err
		}
		slog.Debug("store created", "type", TypeBinary, "path", path, "store", id)
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read store file: %w", err)
	}

	snap, err := decodeSnapshot(data)
	if err != nil {
		return nil, err
	}

	dirty := false
	if snap.FormatVersion > currentFormatVersion {
		return nil, fmt.Errorf("store format version %d is newer than supported version %d", snap.FormatVersion, currentFormatVersion)
	}
	if snap.FormatVersion < currentFormatVersion {
		if !opts.AutoMigrate {
			return nil, fmt.Errorf("format version %d, want %d: %w", snap.FormatVersion, currentFormatVersion, ErrSchemaOutdated)
		}
		migrateSnapshot(snap)
		slog.Info("store migrated", "from", snap.FormatVersion, "to", currentFormatVersion, "path", path)
		dirty = true
	}

	for _, obj := range snap.Objects {
		attrs, err := attr.UnmarshalObject(obj.Attrs)
		if err != nil {
			return nil, fmt.Errorf("%s/%d: %w", obj.Entity, obj.Key, err)
		}
		s.rows[rowID{obj.Entity, obj.Key}] = Record{Entity: obj.Entity, Key: obj.Key, Attrs: attrs, Version: obj.Version}
	}
	s.nextKey = snap.NextKey
	s.modelKey = snap.ModelHash

	infer, err := modelCheck(m, snap.ModelHash, opts)
	if err != nil {
		return nil, err
	}
	if infer {
		n := 0
		for rid, rec := range s.rows {
			e, ok := m.Entity(rec.Entity)
			if !ok {
				continue
			}
			if out, changed := inferAttrs(e, rec.Attrs); changed {
				rec.Attrs = out
				rec.Version++
				s.rows[rid] = rec
				n++
			}
		}
		slog.Info("store mapping inferred", "model", m.Name, "rows", n)
	}
	if !m.IsEmpty() && s.modelKey != m.Hash() {
		s.modelKey = m.Hash()
		dirty = true
	}

	if dirty {
		if err := s.persist(s.rows, s.nextKey); err != nil {
			return nil, err
		}
	}

	slog.Debug("store opened", "type", TypeBinary, "path", path, "model", m.Name, "store", id)
	return s, nil
}

func decodeSnapshot(data []byte) (*snapshot, error) {
	var snap snapshot
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode store file: %w", err)
	}
	if snap.FormatVersion == 0 {
		return nil, fmt.Errorf("decode store file: missing format_version")
	}
	return &snap, nil
}

// migrateSnapshot upgrades a version 1 snapshot in place.
func migrateSnapshot(snap *snapshot) {
	for i := range snap.Objects {
		if snap.Objects[i].Version == 0 {
			snap.Objects[i].Version = 1
		}
		snap.NextKey = max(snap.NextKey, snap.Objects[i].Key)
	}
}

// persist writes rows as the new backing file.
// Callers hold s.mu for writing, or own s exclusively.
func (s *FileStore) persist(rows map[rowID]Record, nextKey int64) error {
	snap := snapshot{
		FormatVersion: currentFormatVersion,
		ModelHash:     s.modelKey,
		NextKey:       nextKey,
		Objects:       make([]fileObject, 0, len(rows)),
	}

	ids := make([]rowID, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b rowID) int {
		if a.key != b.key {
			if a.key < b.key {
				return -1
			}
			return 1
		}
		switch {
		case a.entity < b.entity:
			return -1
		case a.entity > b.entity:
			return 1
		}
		return 0
	})

	for _, id := range ids {
		rec := rows[id]
		data, err := attr.MarshalCanonical(rec.Attrs)
		if err != nil {
			return fmt.Errorf("encode %s/%d: %w", rec.Entity, rec.Key, err)
		}
		snap.Objects = append(snap.Objects, fileObject{
			Entity:  rec.Entity,
			Key:     rec.Key,
			Version: rec.Version,
			Attrs:   data,
		})
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}

	return writeFileAtomic(s.path, buf.Bytes())
}

// writeFileAtomic replaces path with data. The temp file lives in the same
// directory so the rename never crosses filesystems.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace store file: %w", err)
	}
	return nil
}

func (s *FileStore) ID() string          { return s.id }
func (s *FileStore) Type() Type          { return TypeBinary }
func (s *FileStore) Path() string        { return s.path }
func (s *FileStore) Model() *model.Model { return s.model }

// AllocateKey reserves a new row key.
func (s *FileStore) AllocateKey() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextKey++
	return s.nextKey
}

// Load returns the rows of entity matching f, ordered by row key.
func (s *FileStore) Load(ctx context.Context, entity string, f *query.Fetch) ([]Record, error) {
	if f != nil && f.Entity != nil && f.Entity.Name != entity {
		return nil, fmt.Errorf("load %s: fetch is for entity %q", entity, f.Entity.Name)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("load %s: %w", entity, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var out []Record
	for id, rec := range s.rows {
		if id.entity != entity {
			continue
		}
		if f != nil && !f.Match(rec.Attrs) {
			continue
		}
		rec.Attrs = rec.Attrs.Clone()
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b Record) int {
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		}
		return 0
	})
	return out, nil
}

// Get returns one row.
func (s *FileStore) Get(ctx context.Context, entity string, key int64) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, fmt.Errorf("get %s/%d: %w", entity, key, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Record{}, false, ErrClosed
	}

	rec, ok := s.rows[rowID{entity, key}]
	if !ok {
		return Record{}, false, nil
	}
	rec.Attrs = rec.Attrs.Clone()
	return rec, true, nil
}

// Save applies cs to a copy of the rows, writes the copy, then swaps it in.
// A failed write leaves both the file and the in-memory rows untouched.
func (s *FileStore) Save(ctx context.Context, cs ChangeSet) error {
	if cs.IsEmpty() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("save: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	next := make(map[rowID]Record, len(s.rows)+len(cs.Inserts))
	for id, rec := range s.rows {
		next[id] = rec
	}

	for _, rec := range cs.Inserts {
		id := rowID{rec.Entity, rec.Key}
		if _, exists := next[id]; exists {
			return fmt.Errorf("save: insert %s/%d: row already exists", rec.Entity, rec.Key)
		}
		next[id] = Record{Entity: rec.Entity, Key: rec.Key, Attrs: rec.Attrs.Clone(), Version: 1}
	}

	for _, u := range cs.Updates {
		id := rowID{u.Entity, u.Key}
		cur, exists := next[id]
		if !exists || cur.Version != u.Base {
			return &ConflictError{Entity: u.Entity, Key: u.Key, Expected: u.Base, Actual: cur.Version}
		}
		next[id] = Record{Entity: u.Entity, Key: u.Key, Attrs: u.Attrs.Clone(), Version: cur.Version + 1}
	}

	for _, ref := range cs.Deletes {
		id := rowID{ref.Entity, ref.Key}
		cur, exists := next[id]
		if !exists {
			continue
		}
		if ref.Version != 0 && cur.Version != ref.Version {
			return &ConflictError{Entity: ref.Entity, Key: ref.Key, Expected: ref.Version, Actual: cur.Version}
		}
		delete(next, id)
	}

	if err := s.persist(next, s.nextKey); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	s.rows = next
	return nil
}

// Close releases the in-memory rows. The backing file is already current.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.rows = nil
	return nil
}
