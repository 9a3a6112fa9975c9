// Package telemetry persists agent traces. Every agent run, model step,
// and tool call becomes a span row in a per-session SQLite database; the
// telepathist store derives turn and phase summaries from those rows so
// finished games can be reviewed by the envoy and telepathist agents.
package telemetry

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

// SpanRow is one persisted span.
type SpanRow struct {
	ContextID     string         `json:"contextId"`
	Turn          int            `json:"turn"`
	TraceID       string         `json:"traceId"`
	SpanID        string         `json:"spanId"`
	ParentSpanID  string         `json:"parentSpanId,omitempty"`
	Name          string         `json:"name"`
	StartTime     int64          `json:"startTime"`
	EndTime       int64          `json:"endTime"`
	DurationMs    float64        `json:"durationMs"`
	Attributes    map[string]any `json:"attributes"`
	StatusCode    string         `json:"statusCode"`
	StatusMessage string         `json:"statusMessage,omitempty"`
}

// SessionDB is one session's span database.
type SessionDB struct {
	contextID string
	path      string

	db      *sql.DB
	writeMu sync.Mutex
}

// SessionPath returns the database file for a context id under the root.
func SessionPath(root, contextID string) string {
	return filepath.Join(root, contextID+".db")
}

// OpenSession creates or opens the span database for one session.
func OpenSession(root, contextID string) (*SessionDB, error) {
	if contextID == "" {
		return nil, fmt.Errorf("session requires a context id")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create telemetry root: %w", err)
	}
	path := SessionPath(root, contextID)

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping session database: %w", err)
	}
	if err := runMigrations(db, "migrations/session", "session"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate session database: %w", err)
	}
	return &SessionDB{contextID: contextID, path: path, db: db}, nil
}

// ContextID returns the session's context id.
func (s *SessionDB) ContextID() string { return s.contextID }

// Path returns the database file path.
func (s *SessionDB) Path() string { return s.path }

// Close releases the database handle.
func (s *SessionDB) Close() error {
	return s.db.Close()
}

// InsertSpans writes a batch of spans in one transaction.
func (s *SessionDB) InsertSpans(ctx context.Context, rows []SpanRow) error {
	if len(rows) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin span batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO spans (contextId, turn, traceId, spanId, parentSpanId, name,
			startTime, endTime, durationMs, attributes, statusCode, statusMessage)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare span insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		attrs, err := json.Marshal(row.Attributes)
		if err != nil {
			attrs = []byte("{}")
		}
		if _, err := stmt.ExecContext(ctx,
			row.ContextID, row.Turn, row.TraceID, row.SpanID, nullable(row.ParentSpanID),
			row.Name, row.StartTime, row.EndTime, row.DurationMs,
			string(attrs), row.StatusCode, nullable(row.StatusMessage),
		); err != nil {
			return fmt.Errorf("failed to insert span %s: %w", row.SpanID, err)
		}
	}
	return tx.Commit()
}

// Turns lists the distinct turns with spans, ascending.
func (s *SessionDB) Turns(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT turn FROM spans WHERE turn > 0 ORDER BY turn ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}
	defer rows.Close()

	var turns []int
	for rows.Next() {
		var turn int
		if err := rows.Scan(&turn); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

// SpansForTurn returns a turn's spans ordered by start time.
func (s *SessionDB) SpansForTurn(ctx context.Context, turn int) ([]SpanRow, error) {
	return s.querySpans(ctx,
		`SELECT contextId, turn, traceId, spanId, parentSpanId, name,
			startTime, endTime, durationMs, attributes, statusCode, statusMessage
		FROM spans WHERE turn = ? ORDER BY startTime ASC`, turn)
}

// SpansForTrace returns one trace's spans ordered by start time.
func (s *SessionDB) SpansForTrace(ctx context.Context, traceID string) ([]SpanRow, error) {
	return s.querySpans(ctx,
		`SELECT contextId, turn, traceId, spanId, parentSpanId, name,
			startTime, endTime, durationMs, attributes, statusCode, statusMessage
		FROM spans WHERE traceId = ? ORDER BY startTime ASC`, traceID)
}

// SpanCount reports how many spans the session holds.
func (s *SessionDB) SpanCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM spans`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count spans: %w", err)
	}
	return count, nil
}

func (s *SessionDB) querySpans(ctx context.Context, query string, args ...any) ([]SpanRow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query spans: %w", err)
	}
	defer rows.Close()

	var out []SpanRow
	for rows.Next() {
		var row SpanRow
		var parent, status sql.NullString
		var attrs string
		if err := rows.Scan(&row.ContextID, &row.Turn, &row.TraceID, &row.SpanID,
			&parent, &row.Name, &row.StartTime, &row.EndTime, &row.DurationMs,
			&attrs, &row.StatusCode, &status); err != nil {
			return nil, fmt.Errorf("failed to scan span: %w", err)
		}
		row.ParentSpanID = parent.String
		row.StatusMessage = status.String
		if err := json.Unmarshal([]byte(attrs), &row.Attributes); err != nil {
			row.Attributes = map[string]any{}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Manager opens session databases on demand and closes them together on
// shutdown. One process usually serves one live session; the manager also
// hands out handles for finished sessions under the same root.
type Manager struct {
	root string

	mu       sync.Mutex
	sessions map[string]*SessionDB
}

// NewManager builds a session manager over the telemetry root.
func NewManager(root string) *Manager {
	return &Manager{root: root, sessions: make(map[string]*SessionDB)}
}

// Open returns the session database for a context id, opening it on first
// use.
func (m *Manager) Open(contextID string) (*SessionDB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session, ok := m.sessions[contextID]; ok {
		return session, nil
	}
	session, err := OpenSession(m.root, contextID)
	if err != nil {
		return nil, err
	}
	m.sessions[contextID] = session
	return session, nil
}

// InUse reports whether a database file belongs to a currently open
// session. Live session files keep stale modification times under WAL, so
// the retention sweeper must not trust mtime alone.
func (m *Manager) InUse(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, session := range m.sessions {
		if session.Path() == path {
			return true
		}
	}
	return false
}

// Close closes every open session database.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for id, session := range m.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.sessions, id)
	}
	return firstErr
}

// runMigrations applies embedded migration files with golang-migrate.
func runMigrations(db *sql.DB, dir, name string) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, name, driver)
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
