// Package knowledge implements the derived knowledge database: public,
// timed, and mutable snapshot families plus the append-only game event log.
package knowledge

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

// Store wraps the knowledge database. Reads run on a pooled read-only
// handle; writes go through a single-connection writer handle and a lock so
// compare-then-write decisions (audit rows, duplicate checks) stay atomic.
type Store struct {
	db      *sql.DB // writer, one connection
	readDB  *sql.DB // read-only pool
	writeMu sync.Mutex
}

// Open creates or opens the knowledge database and applies pending
// migrations.
func Open(path string) (*Store, error) {
	clean := filepath.Clean(path)

	db, err := sql.Open("sqlite", clean+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open knowledge database: %w", err)
	}

	// The sqlite driver does not tolerate concurrent writes on multiple
	// connections; keep a single connection and serialize in Go.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping knowledge database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// WAL lets readers run alongside the writer; the journal mode is
	// already persisted in the file, so the read handle only needs ro.
	readDB, err := sql.Open("sqlite", clean+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open knowledge read handle: %w", err)
	}
	if err := readDB.Ping(); err != nil {
		_ = readDB.Close()
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping knowledge read handle: %w", err)
	}

	return &Store{db: db, readDB: readDB}, nil
}

// Close releases both database handles.
func (s *Store) Close() error {
	readErr := s.readDB.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return readErr
}

// runMigrations applies embedded migration files with golang-migrate.
func runMigrations(db *sql.DB) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "knowledge", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the migration source. m.Close() would also close the
	// database driver, which closes the shared *sql.DB.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}

	return nil
}

// SetMetadata upserts one static game-settings entry.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store metadata %q: %w", key, err)
	}
	return nil
}

// GetMetadata reads one static game-settings entry.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.readDB.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: metadata %q", ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read metadata %q: %w", key, err)
	}
	return value, nil
}
