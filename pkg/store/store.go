// Package store persists the gateway's long-lived identity, pinned
// remote identities, and per-peer ratchet session state across
// restarts. SQLite-backed: WAL mode, a single *sql.DB, schema created
// on open.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by the Load* methods when no row exists yet:
// not a failure, just nothing saved so far.
var ErrNotFound = errors.New("store: not found")

// ErrStaleSession is returned by SaveSession when the caller tries to
// persist a session version older than what is already on disk. A
// later ratchet state must never be overwritten by a strictly earlier
// one; the monotonic version column enforces that instead of leaving
// it to caller discipline.
var ErrStaleSession = errors.New("store: stale session version")

// Store is the keyed-blob persistence layer: identity, remote
// identities, and ratchet sessions, each addressed by a string key
// ("0" for the unique local server, in the common case).
type Store struct {
	db *sql.DB
}

// Open creates (if needed) the storage directory and database file at
// path, enables WAL mode, and ensures the schema exists.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("store: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS identity (
		id    INTEGER PRIMARY KEY CHECK (id = 0),
		blob  BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS remote_identity (
		key  TEXT PRIMARY KEY,
		blob BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS session (
		key     TEXT PRIMARY KEY,
		blob    BLOB NOT NULL,
		version INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("store: create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveIdentity persists the long-lived local identity. There is
// exactly one row (id=0); a second call overwrites it, since there is
// only ever one local identity to reuse across connections.
func (s *Store) SaveIdentity(blob []byte) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: save identity: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO identity (id, blob) VALUES (0, ?)
		ON CONFLICT(id) DO UPDATE SET blob = excluded.blob`, blob); err != nil {
		return fmt.Errorf("store: save identity: %w", err)
	}
	return tx.Commit()
}

// LoadIdentity returns the persisted local identity, or ErrNotFound on
// first run before any identity has been generated.
func (s *Store) LoadIdentity() ([]byte, error) {
	var blob []byte
	err := s.db.QueryRow(`SELECT blob FROM identity WHERE id = 0`).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load identity: %w", err)
	}
	return blob, nil
}

// SaveRemoteIdentity persists a pinned counterparty identity under its
// logical key (typically "0", the unique local server). Overwrites any
// prior identity under the same key; that is what reprovisioning is.
func (s *Store) SaveRemoteIdentity(key string, blob []byte) error {
	_, err := s.db.Exec(`INSERT INTO remote_identity (key, blob) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET blob = excluded.blob`, key, blob)
	if err != nil {
		return fmt.Errorf("store: save remote identity: %w", err)
	}
	return nil
}

// LoadRemoteIdentity returns the pinned identity for key, or
// ErrNotFound if this peer has never completed a handshake.
func (s *Store) LoadRemoteIdentity(key string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRow(`SELECT blob FROM remote_identity WHERE key = ?`, key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load remote identity: %w", err)
	}
	return blob, nil
}

// SaveSession persists a ratchet session's serialized state under key,
// tagged with a monotonically increasing version. A write whose version
// is not strictly greater than the stored version is rejected with
// ErrStaleSession rather than silently applied.
func (s *Store) SaveSession(key string, blob []byte, version uint64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: save session: %w", err)
	}
	defer tx.Rollback()

	var current uint64
	err = tx.QueryRow(`SELECT version FROM session WHERE key = ?`, key).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// no existing row; any version is accepted
	case err != nil:
		return fmt.Errorf("store: save session: %w", err)
	case version <= current:
		return fmt.Errorf("%w: key %q has version %d, tried to save %d", ErrStaleSession, key, current, version)
	}

	if _, err := tx.Exec(`INSERT INTO session (key, blob, version) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET blob = excluded.blob, version = excluded.version`,
		key, blob, version); err != nil {
		return fmt.Errorf("store: save session: %w", err)
	}
	return tx.Commit()
}

// LoadSession returns the persisted ratchet session state for key, or
// ErrNotFound if no session has been saved under that key yet.
func (s *Store) LoadSession(key string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRow(`SELECT blob FROM session WHERE key = ?`, key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load session: %w", err)
	}
	return blob, nil
}
