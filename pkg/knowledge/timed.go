package knowledge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vox-deorum/strategos/pkg/models"
)

// StoreTimed appends per-turn snapshots in one transaction. Rows whose
// (kind, key, turn) already exist are left untouched, so re-ingesting a
// turn is harmless.
func (s *Store) StoreTimed(ctx context.Context, records []models.TimedRecord) error {
	if len(records) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin timed store: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO timed_knowledge (kind, key, turn, visibility, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare timed store: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().UnixMilli()
	for _, rec := range records {
		body, err := marshalPayload(rec.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode timed %s/%s: %w", rec.Kind, rec.Key, err)
		}
		if _, err := stmt.ExecContext(ctx, rec.Kind, rec.Key, rec.Turn, visToBlob(rec.Visibility), body, now); err != nil {
			return fmt.Errorf("failed to store timed %s/%s: %w", rec.Kind, rec.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit timed store: %w", err)
	}
	return nil
}

// GetTimed returns per-turn snapshots of a kind ordered by turn then key.
// fromTurn/toTurn bound the range when positive, keyFilter narrows to one
// key when non-empty, and rows hidden from the viewer are dropped.
func (s *Store) GetTimed(ctx context.Context, kind string, fromTurn, toTurn int, keyFilter string, viewer *int) ([]models.TimedRecord, error) {
	conds := []string{"kind = ?"}
	args := []any{kind}
	if fromTurn > 0 {
		conds = append(conds, "turn >= ?")
		args = append(args, fromTurn)
	}
	if toTurn > 0 {
		conds = append(conds, "turn <= ?")
		args = append(args, toTurn)
	}
	if keyFilter != "" {
		conds = append(conds, "key = ?")
		args = append(args, keyFilter)
	}

	query := fmt.Sprintf(`
		SELECT kind, key, turn, visibility, payload, created_at
		FROM timed_knowledge WHERE %s ORDER BY turn, key`, strings.Join(conds, " AND "))

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query timed %s: %w", kind, err)
	}
	defer rows.Close()

	var records []models.TimedRecord
	for rows.Next() {
		var (
			rec       models.TimedRecord
			visBlob   []byte
			body      string
			createdAt int64
		)
		if err := rows.Scan(&rec.Kind, &rec.Key, &rec.Turn, &visBlob, &body, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to read timed %s: %w", kind, err)
		}
		rec.Visibility = visFromBlob(visBlob)
		if viewer != nil && !rec.Visibility.VisibleTo(*viewer) {
			continue
		}
		payload, err := unmarshalPayload(body)
		if err != nil {
			return nil, fmt.Errorf("failed to decode timed %s/%s: %w", kind, rec.Key, err)
		}
		rec.Payload = payload
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query timed %s: %w", kind, err)
	}
	return records, nil
}
