package knowledge

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/vox-deorum/strategos/pkg/models"
)

// StoreEvent appends one event to the log. The turn column is derived from
// the id, so callers only need a well-formed id. An id that was already
// stored is rejected with ErrDuplicateEvent and the existing row is left
// untouched, which makes replayed deliveries harmless.
func (s *Store) StoreEvent(ctx context.Context, event models.EventRecord) error {
	body, err := marshalPayload(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode event %d: %w", event.ID, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (id, turn, type, visibility, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, models.EventTurn(event.ID), event.Type, visToBlob(event.Visibility), body,
		time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store event %d: %w", event.ID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to store event %d: %w", event.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %d", ErrDuplicateEvent, event.ID)
	}
	return nil
}

// AppendDerivedEvent stores a synthesized event, allocating the next free
// slot at or above DerivedEventSlotBase for the turn. Allocation and insert
// happen under the writer lock, so concurrent appenders never collide.
func (s *Store) AppendDerivedEvent(ctx context.Context, turn int, eventType string, vis models.Visibility, payload map[string]any) (int64, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to encode derived event %s: %w", eventType, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	base := models.EventID(turn, models.DerivedEventSlotBase)
	ceiling := models.EventID(turn+1, 0)

	var maxID sql.NullInt64
	err = s.db.QueryRowContext(ctx,
		"SELECT MAX(id) FROM events WHERE id >= ? AND id < ?", base, ceiling).Scan(&maxID)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate derived event id: %w", err)
	}
	id := base
	if maxID.Valid {
		id = maxID.Int64 + 1
	}
	if id >= ceiling {
		return 0, fmt.Errorf("derived event slots exhausted for turn %d", turn)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, turn, type, visibility, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, turn, eventType, visToBlob(vis), body, time.Now().UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to store derived event %s: %w", eventType, err)
	}
	return id, nil
}

// QueryEvents returns log rows matching the filter in id order. Rows hidden
// from the viewer are dropped before the limit applies, so a positive Limit
// always yields up to Limit visible events.
func (s *Store) QueryEvents(ctx context.Context, filter models.EventFilter) ([]models.EventRecord, error) {
	var (
		conds []string
		args  []any
	)
	if len(filter.Types) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(filter.Types)), ", ")
		conds = append(conds, fmt.Sprintf("type IN (%s)", placeholders))
		for _, t := range filter.Types {
			args = append(args, t)
		}
	}
	if filter.FromTurn > 0 {
		conds = append(conds, "turn >= ?")
		args = append(args, filter.FromTurn)
	}
	if filter.ToTurn > 0 {
		conds = append(conds, "turn <= ?")
		args = append(args, filter.ToTurn)
	}
	if filter.SinceID > 0 {
		conds = append(conds, "id > ?")
		args = append(args, filter.SinceID)
	}

	query := "SELECT id, turn, type, visibility, payload, created_at FROM events"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var records []models.EventRecord
	for rows.Next() {
		var (
			rec       models.EventRecord
			visBlob   []byte
			body      string
			createdAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.Turn, &rec.Type, &visBlob, &body, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to read event row: %w", err)
		}
		rec.Visibility = visFromBlob(visBlob)
		if filter.Viewer != nil && !rec.Visibility.VisibleTo(*filter.Viewer) {
			continue
		}
		payload, err := unmarshalPayload(body)
		if err != nil {
			return nil, fmt.Errorf("failed to decode event %d: %w", rec.ID, err)
		}
		rec.Payload = payload
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		records = append(records, rec)
		if filter.Limit > 0 && len(records) >= filter.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return records, nil
}

// LastEventID returns the highest stored event id, 0 when the log is empty.
func (s *Store) LastEventID(ctx context.Context) (int64, error) {
	var maxID sql.NullInt64
	if err := s.readDB.QueryRowContext(ctx, "SELECT MAX(id) FROM events").Scan(&maxID); err != nil {
		return 0, fmt.Errorf("failed to read last event id: %w", err)
	}
	if !maxID.Valid {
		return 0, nil
	}
	return maxID.Int64, nil
}
