package knowledge

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/vox-deorum/strategos/pkg/models"
)

// auditKindSuffix names the timed family that receives one audit row per
// substantive change, e.g. "Strategy" changes land in "StrategyChanges".
const auditKindSuffix = "Changes"

// AuditKind returns the timed-family kind holding the change history of a
// mutable kind.
func AuditKind(kind string) string {
	return kind + auditKindSuffix
}

// StoreMutable upserts the latest value for (kind, player). When the new
// payload differs from the stored one outside ignoredKeys, a turn-scoped
// audit row is appended under AuditKind(kind); a change confined to ignored
// keys only refreshes the live row. Returns whether the change was
// substantive.
func (s *Store) StoreMutable(ctx context.Context, kind string, player, turn int, payload map[string]any, vis models.Visibility, ignoredKeys []string) (bool, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return false, fmt.Errorf("failed to encode mutable %s/%d: %w", kind, player, err)
	}
	// Compare JSON-normal forms so that e.g. int versus float64 after a
	// round trip does not register as a change.
	candidate, err := unmarshalPayload(body)
	if err != nil {
		return false, fmt.Errorf("failed to encode mutable %s/%d: %w", kind, player, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	changed := true
	var existing string
	err = s.db.QueryRowContext(ctx,
		"SELECT payload FROM mutable_knowledge WHERE kind = ? AND player = ?",
		kind, player).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		// First write is always substantive.
	case err != nil:
		return false, fmt.Errorf("failed to read mutable %s/%d: %w", kind, player, err)
	default:
		prior, err := unmarshalPayload(existing)
		if err != nil {
			return false, fmt.Errorf("failed to decode mutable %s/%d: %w", kind, player, err)
		}
		changed = !equalExceptIgnored(prior, candidate, ignoredKeys)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin mutable store: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().UnixMilli()

	// TODO(openq): an ignored-keys-only write still bumps turn and
	// updated_at on the live row. Revisit if consumers start reading the
	// turn column as "turn of last substantive change".
	_, err = tx.ExecContext(ctx, `
		INSERT INTO mutable_knowledge (kind, player, turn, visibility, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, player) DO UPDATE SET
			turn = excluded.turn,
			visibility = excluded.visibility,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		kind, player, turn, visToBlob(vis), body, now)
	if err != nil {
		return false, fmt.Errorf("failed to store mutable %s/%d: %w", kind, player, err)
	}

	if changed {
		// REPLACE keeps exactly one audit row per (kind, player, turn);
		// repeated substantive changes within a turn collapse to the last.
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO timed_knowledge (kind, key, turn, visibility, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			AuditKind(kind), strconv.Itoa(player), turn, visToBlob(vis), body, now)
		if err != nil {
			return false, fmt.Errorf("failed to store audit row %s/%d: %w", kind, player, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit mutable store: %w", err)
	}
	return changed, nil
}

// GetMutable reads the latest value for (kind, player). A viewer the row is
// hidden from gets ErrNotFound.
func (s *Store) GetMutable(ctx context.Context, kind string, player int, viewer *int) (*models.MutableRecord, error) {
	var (
		rec       models.MutableRecord
		visBlob   []byte
		body      string
		updatedAt int64
	)
	err := s.readDB.QueryRowContext(ctx, `
		SELECT kind, player, turn, visibility, payload, updated_at
		FROM mutable_knowledge WHERE kind = ? AND player = ?`,
		kind, player).Scan(&rec.Kind, &rec.Player, &rec.Turn, &visBlob, &body, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: mutable %s/%d", ErrNotFound, kind, player)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read mutable %s/%d: %w", kind, player, err)
	}

	rec.Visibility = visFromBlob(visBlob)
	if viewer != nil && !rec.Visibility.VisibleTo(*viewer) {
		return nil, fmt.Errorf("%w: mutable %s/%d", ErrNotFound, kind, player)
	}
	payload, err := unmarshalPayload(body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode mutable %s/%d: %w", kind, player, err)
	}
	rec.Payload = payload
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &rec, nil
}

// ListMutable returns the latest value for every player of a kind the
// viewer may observe, ordered by player.
func (s *Store) ListMutable(ctx context.Context, kind string, viewer *int) ([]models.MutableRecord, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT kind, player, turn, visibility, payload, updated_at
		FROM mutable_knowledge WHERE kind = ? ORDER BY player`, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to list mutable %s: %w", kind, err)
	}
	defer rows.Close()

	var records []models.MutableRecord
	for rows.Next() {
		var (
			rec       models.MutableRecord
			visBlob   []byte
			body      string
			updatedAt int64
		)
		if err := rows.Scan(&rec.Kind, &rec.Player, &rec.Turn, &visBlob, &body, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to read mutable %s: %w", kind, err)
		}
		rec.Visibility = visFromBlob(visBlob)
		if viewer != nil && !rec.Visibility.VisibleTo(*viewer) {
			continue
		}
		payload, err := unmarshalPayload(body)
		if err != nil {
			return nil, fmt.Errorf("failed to decode mutable %s/%d: %w", kind, rec.Player, err)
		}
		rec.Payload = payload
		rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list mutable %s: %w", kind, err)
	}
	return records, nil
}

// GetAuditTrail returns the change history of a mutable kind for one
// player across a turn range.
func (s *Store) GetAuditTrail(ctx context.Context, kind string, player, fromTurn, toTurn int, viewer *int) ([]models.TimedRecord, error) {
	return s.GetTimed(ctx, AuditKind(kind), fromTurn, toTurn, strconv.Itoa(player), viewer)
}

// equalExceptIgnored compares two payloads after dropping the ignored
// top-level keys from both sides.
func equalExceptIgnored(a, b map[string]any, ignoredKeys []string) bool {
	ignored := make(map[string]struct{}, len(ignoredKeys))
	for _, k := range ignoredKeys {
		ignored[k] = struct{}{}
	}
	return reflect.DeepEqual(stripKeys(a, ignored), stripKeys(b, ignored))
}

func stripKeys(m map[string]any, ignored map[string]struct{}) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if _, skip := ignored[k]; skip {
			continue
		}
		out[k] = v
	}
	return out
}
