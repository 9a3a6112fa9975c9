package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vox-deorum/strategos/pkg/models"
)

// TelepathistPath derives the review database file from a session database
// file: <context-id>.db becomes <context-id>.telepathist.db.
func TelepathistPath(sessionPath string) string {
	return strings.TrimSuffix(sessionPath, ".db") + ".telepathist.db"
}

// TelepathistStore holds the derived record of one finished game: turn
// summaries, phase summaries, and the summarizer's persistent cache. It
// backs the envoy/telepathist agents and the summary service.
type TelepathistStore struct {
	path string

	db      *sql.DB
	writeMu sync.Mutex
}

// OpenTelepathist creates or opens a review database.
func OpenTelepathist(path string) (*TelepathistStore, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open telepathist database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping telepathist database: %w", err)
	}
	if err := runMigrations(db, "migrations/telepathist", "telepathist"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate telepathist database: %w", err)
	}
	return &TelepathistStore{path: path, db: db}, nil
}

// Path returns the database file path.
func (s *TelepathistStore) Path() string { return s.path }

// Close releases the database handle.
func (s *TelepathistStore) Close() error {
	return s.db.Close()
}

// PutTurnSummary upserts one turn's summaries.
func (s *TelepathistStore) PutTurnSummary(ctx context.Context, summary models.TurnSummary) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	createdAt := summary.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turn_summaries (turn, shortSummary, fullSummary, model, createdAt)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(turn) DO UPDATE SET
			shortSummary = excluded.shortSummary,
			fullSummary = excluded.fullSummary,
			model = excluded.model,
			createdAt = excluded.createdAt`,
		summary.Turn, summary.Short, summary.Full, summary.Model, createdAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store turn %d summary: %w", summary.Turn, err)
	}
	return nil
}

// PutPhaseSummary upserts one phase's summary.
func (s *TelepathistStore) PutPhaseSummary(ctx context.Context, summary models.PhaseSummary) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	createdAt := summary.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO phase_summaries (fromTurn, toTurn, summary, model, createdAt)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(fromTurn, toTurn) DO UPDATE SET
			summary = excluded.summary,
			model = excluded.model,
			createdAt = excluded.createdAt`,
		summary.FromTurn, summary.ToTurn, summary.Summary, summary.Model, createdAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store phase %d-%d summary: %w", summary.FromTurn, summary.ToTurn, err)
	}
	return nil
}

// TurnSummaries returns every turn summary in turn order.
func (s *TelepathistStore) TurnSummaries(ctx context.Context) ([]models.TurnSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT turn, shortSummary, fullSummary, model, createdAt
		FROM turn_summaries ORDER BY turn ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query turn summaries: %w", err)
	}
	defer rows.Close()

	var out []models.TurnSummary
	for rows.Next() {
		var row models.TurnSummary
		var createdAt int64
		if err := rows.Scan(&row.Turn, &row.Short, &row.Full, &row.Model, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn summary: %w", err)
		}
		row.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, row)
	}
	return out, rows.Err()
}

// PhaseSummaries returns every phase summary ordered by starting turn.
func (s *TelepathistStore) PhaseSummaries(ctx context.Context) ([]models.PhaseSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fromTurn, toTurn, summary, model, createdAt
		FROM phase_summaries ORDER BY fromTurn ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query phase summaries: %w", err)
	}
	defer rows.Close()

	var out []models.PhaseSummary
	for rows.Next() {
		var row models.PhaseSummary
		var createdAt int64
		if err := rows.Scan(&row.FromTurn, &row.ToTurn, &row.Summary, &row.Model, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan phase summary: %w", err)
		}
		row.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, row)
	}
	return out, rows.Err()
}

// Lookup returns a cached summary by key.
func (s *TelepathistStore) Lookup(ctx context.Context, key string) (string, bool, error) {
	var result string
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM summary_cache WHERE cacheKey = ?`, key).Scan(&result)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up summary: %w", err)
	}
	return result, true, nil
}

// Store caches a summary under its key.
func (s *TelepathistStore) Store(ctx context.Context, key, result, model string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO summary_cache (cacheKey, result, model, createdAt)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(cacheKey) DO UPDATE SET
			result = excluded.result,
			model = excluded.model,
			createdAt = excluded.createdAt`,
		key, result, model, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to cache summary: %w", err)
	}
	return nil
}
