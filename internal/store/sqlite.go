package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/resultsync/internal/attr"
	"github.com/roach88/resultsync/internal/model"
	"github.com/roach88/resultsync/internal/query"
	"github.com/roach88/resultsync/internal/querysql"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - objects(entity, row_key, attrs)
// 2 - objects.version column and metadata table
const currentSchemaVersion = 2

// SQLiteStore is the durable and memory backend.
// Uses SQLite with a single connection so writes never contend.
type SQLiteStore struct {
	id       string
	typ      Type
	path     string
	model    *model.Model
	db       *sql.DB
	compiler *querysql.SQLCompiler
	nextKey  atomic.Int64
	closed   atomic.Bool
}

// openSQLite opens the database at dsn, applies pragmas and migrations and
// checks the recorded model hash.
//
// This function is idempotent - safe to call on an existing store.
func openSQLite(id, dsn, path string, typ Type, m *model.Model, opts Options) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time. A single connection also
	// keeps a memory database alive for the life of the store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db, typ); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := checkSchemaVersion(db, opts, typ); err != nil {
		db.Close()
		return nil, err
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &SQLiteStore{
		id:       id,
		typ:      typ,
		path:     path,
		model:    m,
		db:       db,
		compiler: querysql.NewSQLCompiler(),
	}

	if err := s.checkModel(opts); err != nil {
		db.Close()
		return nil, err
	}

	var maxKey sql.NullInt64
	if err := db.QueryRow("SELECT MAX(row_key) FROM objects").Scan(&maxKey); err != nil {
		db.Close()
		return nil, fmt.Errorf("read max row key: %w", err)
	}
	s.nextKey.Store(maxKey.Int64)

	slog.Debug("store opened", "type", typ, "path", path, "model", m.Name, "store", id)
	return s, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB, typ Type) error {
	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	if typ == TypeDurable {
		pragmas = append([]string{"PRAGMA journal_mode = WAL"}, pragmas...)
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// checkSchemaVersion refuses an outdated store when auto-migrate is off,
// and any store written by a newer schema.
func checkSchemaVersion(db *sql.DB, opts Options, typ Type) error {
	if typ == TypeMemory {
		return nil
	}

	var tables int
	if err := db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'objects'",
	).Scan(&tables); err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}
	if tables == 0 {
		return nil
	}

	version, err := userVersion(db)
	if err != nil {
		return err
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("store schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}
	if version < currentSchemaVersion && !opts.AutoMigrate {
		return fmt.Errorf("schema version %d, want %d: %w", version, currentSchemaVersion, ErrSchemaOutdated)
	}
	return nil
}

func userVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("get user_version: %w", err)
	}
	return version, nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	// A version 1 store has objects without a version column; the CREATE
	// below is then a no-op and migrateToV2 adds it.
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	version, err := userVersion(db)
	if err != nil {
		return err
	}

	if version < 2 {
		if err := migrateToV2(db); err != nil {
			return err
		}
		if version > 0 {
			slog.Info("store migrated", "from", version, "to", 2)
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV2 adds the version column to stores created before it existed.
func migrateToV2(db *sql.DB) error {
	rows, err := db.Query("PRAGMA table_info(objects)")
	if err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	hasVersion := false
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			rows.Close()
			return fmt.Errorf("migrate to v2: %w", err)
		}
		if name == "version" {
			hasVersion = true
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("migrate to v2: %w", err)
	}
	rows.Close()

	if hasVersion {
		return nil
	}
	if _, err := db.Exec("ALTER TABLE objects ADD COLUMN version INTEGER NOT NULL DEFAULT 1"); err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	return nil
}

// checkModel compares the recorded model hash with the current model and
// rewrites rows when the mapping may be inferred.
func (s *SQLiteStore) checkModel(opts Options) error {
	if s.model.IsEmpty() {
		return nil
	}

	var stored string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", metaModelHash).Scan(&stored)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read model hash: %w", err)
	}

	infer, err := modelCheck(s.model, stored, opts)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if infer {
		n, err := inferMappingTx(tx, s.model)
		if err != nil {
			return fmt.Errorf("infer mapping: %w", err)
		}
		slog.Info("store mapping inferred", "model", s.model.Name, "rows", n)
	}

	if _, err := tx.Exec(`
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, metaModelHash, s.model.Hash()); err != nil {
		return fmt.Errorf("write model hash: %w", err)
	}

	return tx.Commit()
}

// inferMappingTx rewrites every row of a declared entity to fit the model.
// It returns the number of rows changed.
func inferMappingTx(tx *sql.Tx, m *model.Model) (int, error) {
	changed := 0
	for _, name := range m.EntityNames() {
		e := m.Entities[name]

		type row struct {
			key   int64
			attrs attr.Object
		}
		var pending []row

		rows, err := tx.Query("SELECT row_key, attrs FROM objects WHERE entity = ? ORDER BY row_key ASC", name)
		if err != nil {
			return 0, err
		}
		for rows.Next() {
			var (
				key int64
				raw string
			)
			if err := rows.Scan(&key, &raw); err != nil {
				rows.Close()
				return 0, err
			}
			attrs, err := attr.UnmarshalObject([]byte(raw))
			if err != nil {
				rows.Close()
				return 0, fmt.Errorf("%s/%d: %w", name, key, err)
			}
			if out, ok := inferAttrs(e, attrs); ok {
				pending = append(pending, row{key: key, attrs: out})
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return 0, err
		}
		rows.Close()

		for _, r := range pending {
			data, err := attr.MarshalCanonical(r.attrs)
			if err != nil {
				return 0, err
			}
			if _, err := tx.Exec(
				"UPDATE objects SET attrs = ?, version = version + 1 WHERE entity = ? AND row_key = ?",
				string(data), name, r.key,
			); err != nil {
				return 0, err
			}
			changed++
		}
	}
	return changed, nil
}

func (s *SQLiteStore) ID() string          { return s.id }
func (s *SQLiteStore) Type() Type          { return s.typ }
func (s *SQLiteStore) Path() string        { return s.path }
func (s *SQLiteStore) Model() *model.Model { return s.model }

// AllocateKey reserves a new row key.
func (s *SQLiteStore) AllocateKey() int64 {
	return s.nextKey.Add(1)
}

// Load returns the rows of entity matching f, ordered by row key.
// Filters are evaluated by SQLite; sorting is left to the caller.
func (s *SQLiteStore) Load(ctx context.Context, entity string, f *query.Fetch) ([]Record, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	q, params, err := s.compiler.Compile(entity, f)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", entity, err)
	}

	rows, err := s.db.QueryContext(ctx, q, params...)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", entity, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec Record
			raw string
		)
		if err := rows.Scan(&rec.Key, &raw, &rec.Version); err != nil {
			return nil, fmt.Errorf("load %s: %w", entity, err)
		}
		rec.Entity = entity
		rec.Attrs, err = attr.UnmarshalObject([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("load %s/%d: %w", entity, rec.Key, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load %s: %w", entity, err)
	}
	return out, nil
}

// Get returns one row.
func (s *SQLiteStore) Get(ctx context.Context, entity string, key int64) (Record, bool, error) {
	if s.closed.Load() {
		return Record{}, false, ErrClosed
	}

	var raw string
	rec := Record{Entity: entity, Key: key}
	err := s.db.QueryRowContext(ctx,
		"SELECT attrs, version FROM objects WHERE entity = ? AND row_key = ?",
		entity, key,
	).Scan(&raw, &rec.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("get %s/%d: %w", entity, key, err)
	}
	rec.Attrs, err = attr.UnmarshalObject([]byte(raw))
	if err != nil {
		return Record{}, false, fmt.Errorf("get %s/%d: %w", entity, key, err)
	}
	return rec, true, nil
}

// Save applies cs in one transaction. Any failure rolls back every write.
func (s *SQLiteStore) Save(ctx context.Context, cs ChangeSet) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if cs.IsEmpty() {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save: begin: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range cs.Inserts {
		data, err := attr.MarshalCanonical(rec.Attrs)
		if err != nil {
			return fmt.Errorf("save: insert %s/%d: %w", rec.Entity, rec.Key, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO objects (entity, row_key, attrs, version) VALUES (?, ?, ?, 1)",
			rec.Entity, rec.Key, string(data),
		); err != nil {
			return fmt.Errorf("save: insert %s/%d: %w", rec.Entity, rec.Key, err)
		}
	}

	for _, u := range cs.Updates {
		data, err := attr.MarshalCanonical(u.Attrs)
		if err != nil {
			return fmt.Errorf("save: update %s/%d: %w", u.Entity, u.Key, err)
		}
		res, err := tx.ExecContext(ctx,
			"UPDATE objects SET attrs = ?, version = version + 1 WHERE entity = ? AND row_key = ? AND version = ?",
			string(data), u.Entity, u.Key, u.Base,
		)
		if err != nil {
			return fmt.Errorf("save: update %s/%d: %w", u.Entity, u.Key, err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return fmt.Errorf("save: update %s/%d: %w", u.Entity, u.Key, err)
		}
		if n == 0 {
			return s.conflict(ctx, tx, u.Entity, u.Key, u.Base)
		}
	}

	for _, ref := range cs.Deletes {
		q := "DELETE FROM objects WHERE entity = ? AND row_key = ?"
		args := []any{ref.Entity, ref.Key}
		if ref.Version != 0 {
			q += " AND version = ?"
			args = append(args, ref.Version)
		}
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("save: delete %s/%d: %w", ref.Entity, ref.Key, err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return fmt.Errorf("save: delete %s/%d: %w", ref.Entity, ref.Key, err)
		}
		if n == 0 && ref.Version != 0 {
			// Deleting a row that is already gone is not a conflict.
			err := s.conflict(ctx, tx, ref.Entity, ref.Key, ref.Version)
			var ce *ConflictError
			if !errors.As(err, &ce) {
				return err
			}
			if ce.Actual != 0 {
				return ce
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save: commit: %w", err)
	}
	return nil
}

// rowsAffected reports how many rows a statement changed.
func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// conflict builds the ConflictError for a row whose version did not match.
func (s *SQLiteStore) conflict(ctx context.Context, tx *sql.Tx, entity string, key, expected int64) error {
	var actual int64
	err := tx.QueryRowContext(ctx,
		"SELECT version FROM objects WHERE entity = ? AND row_key = ?", entity, key,
	).Scan(&actual)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("save: read version %s/%d: %w", entity, key, err)
	}
	return &ConflictError{Entity: entity, Key: key, Expected: expected, Actual: actual}
}

// Close closes the database. A memory store's contents are discarded.
func (s *SQLiteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}
