package knowledge

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vox-deorum/strategos/pkg/models"
)

// StorePublic replaces the live snapshot for (kind, key). The previous row,
// if any, is overwritten; history lives in the timed family.
func (s *Store) StorePublic(ctx context.Context, kind, key string, turn int, vis models.Visibility, payload map[string]any) error {
	body, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("failed to encode public %s/%s: %w", kind, key, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO public_knowledge (kind, key, turn, visibility, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, key) DO UPDATE SET
			turn = excluded.turn,
			visibility = excluded.visibility,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		kind, key, turn, visToBlob(vis), body, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store public %s/%s: %w", kind, key, err)
	}
	return nil
}

// GetPublic reads the live snapshot for (kind, key). A nil viewer is
// trusted and sees everything; a viewer the row is hidden from gets
// ErrNotFound, indistinguishable from a missing row.
func (s *Store) GetPublic(ctx context.Context, kind, key string, viewer *int) (*models.PublicRecord, error) {
	row := s.readDB.QueryRowContext(ctx, `
		SELECT kind, key, turn, visibility, payload, updated_at
		FROM public_knowledge WHERE kind = ? AND key = ?`, kind, key)

	rec, err := scanPublic(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: public %s/%s", ErrNotFound, kind, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read public %s/%s: %w", kind, key, err)
	}
	if viewer != nil && !rec.Visibility.VisibleTo(*viewer) {
		return nil, fmt.Errorf("%w: public %s/%s", ErrNotFound, kind, key)
	}
	return rec, nil
}

// ListPublic returns every live snapshot of a kind the viewer may observe,
// ordered by key.
func (s *Store) ListPublic(ctx context.Context, kind string, viewer *int) ([]models.PublicRecord, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT kind, key, turn, visibility, payload, updated_at
		FROM public_knowledge WHERE kind = ? ORDER BY key`, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to list public %s: %w", kind, err)
	}
	defer rows.Close()

	var records []models.PublicRecord
	for rows.Next() {
		rec, err := scanPublic(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to read public %s: %w", kind, err)
		}
		if viewer != nil && !rec.Visibility.VisibleTo(*viewer) {
			continue
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list public %s: %w", kind, err)
	}
	return records, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPublic(row rowScanner) (*models.PublicRecord, error) {
	var (
		rec       models.PublicRecord
		visBlob   []byte
		body      string
		updatedAt int64
	)
	if err := row.Scan(&rec.Kind, &rec.Key, &rec.Turn, &visBlob, &body, &updatedAt); err != nil {
		return nil, err
	}
	payload, err := unmarshalPayload(body)
	if err != nil {
		return nil, err
	}
	rec.Visibility = visFromBlob(visBlob)
	rec.Payload = payload
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &rec, nil
}
