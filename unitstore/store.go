// Package unitstore persists compiled units in a content-addressed SQLite
// store. A unit's address is the SHA-256 digest of its canonical wire
// form, so storing the same unit twice is a no-op and a fetched unit can
// be verified against its address.
package unitstore

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sigil-lang/sigil/vm"
)

// ErrUnitNotFound indicates the requested unit doesn't exist in the store.
var ErrUnitNotFound = errors.New("unit not found")

// Entry describes one stored unit.
type Entry struct {
	Hash      string
	Name      string
	Size      int
	CreatedAt time.Time
}

// Store is a content-addressed unit store backed by a SQLite database.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if needed) a store at the given database path.
// Use ":memory:" for an ephemeral store.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS units (
		hash       TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		data       BLOB NOT NULL,
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Put serializes and stores a unit under its content hash, returning the
// hash. Storing a unit that is already present succeeds without rewriting
// it.
func (s *Store) Put(name string, u *vm.Unit) (string, error) {
	hash, encoded, err := vm.HashUnit(u)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(
		"INSERT OR IGNORE INTO units (hash, name, data, created_at) VALUES (?, ?, ?, ?)",
		hash, name, encoded, time.Now().Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("storing unit: %w", err)
	}
	return hash, nil
}

// Get fetches and decodes the unit stored under hash. The fetched bytes
// are verified against the address before decoding.
func (s *Store) Get(hash string) (*vm.Unit, error) {
	var data []byte
	err := s.db.QueryRow("SELECT data FROM units WHERE hash = ?", hash).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnitNotFound
		}
		return nil, fmt.Errorf("querying unit: %w", err)
	}

	if got := vm.ContentHash(data); got != hash {
		return nil, fmt.Errorf("unit %s failed verification (content hashes to %s)", hash, got)
	}
	return vm.DecodeUnit(data)
}

// Has reports whether a unit is stored under hash.
func (s *Store) Has(hash string) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM units WHERE hash = ?", hash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying unit: %w", err)
	}
	return true, nil
}

// List returns the entries of every stored unit, newest first.
func (s *Store) List() ([]Entry, error) {
	rows, err := s.db.Query(
		"SELECT hash, name, length(data), created_at FROM units ORDER BY created_at DESC, hash")
	if err != nil {
		return nil, fmt.Errorf("listing units: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created int64
		if err := rows.Scan(&e.Hash, &e.Name, &e.Size, &created); err != nil {
			return nil, fmt.Errorf("scanning unit row: %w", err)
		}
		e.CreatedAt = time.Unix(created, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete removes the unit stored under hash. Deleting an absent unit is
// ErrUnitNotFound.
func (s *Store) Delete(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM units WHERE hash = ?", hash)
	if err != nil {
		return fmt.Errorf("deleting unit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting unit: %w", err)
	}
	if n == 0 {
		return ErrUnitNotFound
	}
	return nil
}
