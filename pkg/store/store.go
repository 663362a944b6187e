// Package store provides durable persistence for the (directory,
// relative_path) -> EntryRecord map, backed by modernc.org/sqlite in WAL
// mode. Every write goes through retryOnContention so transient SQLITE_BUSY
// contention under concurrent per-key writers resolves itself instead of
// surfacing as a hard failure.
//
// Tombstones are retained indefinitely once created; no GC policy is
// implemented.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matx64/synche/pkg/model"

	_ "modernc.org/sqlite"
)

// ErrStoreUnavailable is returned when a store operation fails. Writes
// (Put, Delete) are first retried while the error looks like transient
// contention; reads return it on the first failure.
type ErrStoreUnavailable struct {
	Op  string
	Err error
}

func (e *ErrStoreUnavailable) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *ErrStoreUnavailable) Unwrap() error { return e.Err }

// Store manages all SQLite operations for the Metadata Store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and ensures the schema
// exists.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		dir        TEXT NOT NULL,
		path       TEXT NOT NULL,
		kind       INTEGER NOT NULL,
		vv         TEXT NOT NULL,
		hash       TEXT NOT NULL DEFAULT '',
		size       INTEGER NOT NULL DEFAULT 0,
		tombstone  INTEGER NOT NULL DEFAULT 0,
		mtime_ns   INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (dir, path)
	);
	CREATE INDEX IF NOT EXISTS idx_entries_dir ON entries(dir);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get returns the record for (dir, path), or (nil, nil) if it does not exist.
func (s *Store) Get(dir, path string) (*model.EntryRecord, error) {
	row := s.db.QueryRow(
		`SELECT kind, vv, hash, size, tombstone, mtime_ns FROM entries WHERE dir = ? AND path = ?`,
		dir, path,
	)
	rec, err := scanEntry(dir, path, row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &ErrStoreUnavailable{Op: "get", Err: err}
	}
	return rec, nil
}

// Put persists rec, replacing any existing record for the same key. A put
// must succeed before the caller emits an Announce referencing this
// version: the caller is expected to check the returned error and refuse
// to announce on failure.
func (s *Store) Put(rec *model.EntryRecord) error {
	vv, err := json.Marshal(rec.VV)
	if err != nil {
		return fmt.Errorf("encode version vector: %w", err)
	}

	return wrapRetryResult(retryOnContention(func() error {
		_, err := s.db.Exec(
			`INSERT INTO entries (dir, path, kind, vv, hash, size, tombstone, mtime_ns)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(dir, path) DO UPDATE SET
			   kind = excluded.kind,
			   vv = excluded.vv,
			   hash = excluded.hash,
			   size = excluded.size,
			   tombstone = excluded.tombstone,
			   mtime_ns = excluded.mtime_ns`,
			rec.Dir, rec.Path, int(rec.Kind), string(vv), rec.Hash, rec.Size,
			boolToInt(rec.Tombstone), rec.LastModifiedLocalNs,
		)
		return err
	}), "put")
}

// Delete physically removes a record. Synche never calls this for normal
// deletion (a tombstone Put is used instead); it exists for administrative
// cleanup only, e.g. removing a SyncDirectory entirely.
func (s *Store) Delete(dir, path string) error {
	return wrapRetryResult(retryOnContention(func() error {
		_, err := s.db.Exec(`DELETE FROM entries WHERE dir = ? AND path = ?`, dir, path)
		return err
	}), "delete")
}

// IterateDir returns every record (including tombstones) stored for dir.
func (s *Store) IterateDir(dir string) ([]*model.EntryRecord, error) {
	rows, err := s.db.Query(
		`SELECT path, kind, vv, hash, size, tombstone, mtime_ns FROM entries WHERE dir = ? ORDER BY path`,
		dir,
	)
	if err != nil {
		return nil, &ErrStoreUnavailable{Op: "iterate", Err: err}
	}
	defer rows.Close()

	var out []*model.EntryRecord
	for rows.Next() {
		var path string
		var kind, tombstone int
		var vvJSON, hash string
		var size, mtime uint64
		if err := rows.Scan(&path, &kind, &vvJSON, &hash, &size, &tombstone, &mtime); err != nil {
			return nil, &ErrStoreUnavailable{Op: "iterate", Err: err}
		}
		rec, err := decodeEntry(dir, path, kind, vvJSON, hash, size, tombstone, mtime)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DirectoryNames returns every directory name that has at least one record.
func (s *Store) DirectoryNames() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT dir FROM entries ORDER BY dir`)
	if err != nil {
		return nil, &ErrStoreUnavailable{Op: "directory-names", Err: err}
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, &ErrStoreUnavailable{Op: "directory-names", Err: err}
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func scanEntry(dir, path string, row *sql.Row) (*model.EntryRecord, error) {
	var kind, tombstone int
	var vvJSON, hash string
	var size, mtime uint64
	if err := row.Scan(&kind, &vvJSON, &hash, &size, &tombstone, &mtime); err != nil {
		return nil, err
	}
	return decodeEntry(dir, path, kind, vvJSON, hash, size, tombstone, mtime)
}

func decodeEntry(dir, path string, kind int, vvJSON, hash string, size uint64, tombstone int, mtime uint64) (*model.EntryRecord, error) {
	var vv map[string]uint64
	if err := json.Unmarshal([]byte(vvJSON), &vv); err != nil {
		return nil, fmt.Errorf("decode version vector for %s/%s: %w", dir, path, err)
	}
	return &model.EntryRecord{
		Dir:                 dir,
		Path:                path,
		Kind:                model.EntryKind(kind),
		VV:                  vv,
		Hash:                hash,
		Size:                size,
		Tombstone:           tombstone != 0,
		LastModifiedLocalNs: mtime,
	}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type retryResult error

func wrapRetryResult(r retryResult, op string) error {
	if r == nil {
		return nil
	}
	return &ErrStoreUnavailable{Op: op, Err: error(r)}
}
