package catalog

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vox-deorum/strategos/pkg/models"
	"github.com/vox-deorum/strategos/pkg/strategy"
)

// staffedEventThreshold is the serialized event volume above which the
// staffed strategist fans out specialized briefers instead of one combined
// briefing.
const staffedEventThreshold = 5 * 1024

// Specialized briefer categories. The authored event-categories catalog may
// name more; events outside these three reach the strategist raw.
const (
	categoryMilitary  = "military"
	categoryEconomy   = "economy"
	categoryDiplomacy = "diplomacy"
)

// SerializeEvents renders events one JSON object per line, the form both
// briefings and volume measurement work from.
func SerializeEvents(events []models.EventRecord) string {
	if len(events) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, ev := range events {
		line, err := json.Marshal(map[string]any{
			"id":      ev.ID,
			"type":    ev.Type,
			"payload": ev.Payload,
		})
		if err != nil {
			line = fmt.Appendf(nil, `{"id":%d,"type":%q}`, ev.ID, ev.Type)
		}
		sb.Write(line)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// EventPayloadSize measures the serialized volume of a turn's events.
func EventPayloadSize(events []models.EventRecord) int {
	return len(SerializeEvents(events))
}

// SplitEventsByCategory partitions events by the authored category mapping.
// Uncategorized types land under the empty key.
func SplitEventsByCategory(mgr *strategy.Manager, events []models.EventRecord) (map[string][]models.EventRecord, error) {
	out := make(map[string][]models.EventRecord)
	for _, ev := range events {
		category, err := mgr.CategoryFor(ev.Type)
		if err != nil {
			return nil, err
		}
		out[category] = append(out[category], ev)
	}
	return out, nil
}

// FilterEventsByCategory keeps only the events whose type belongs to the
// named category. An empty category keeps everything.
func FilterEventsByCategory(mgr *strategy.Manager, events []models.EventRecord, category string) ([]models.EventRecord, error) {
	if category == "" {
		return events, nil
	}
	split, err := SplitEventsByCategory(mgr, events)
	if err != nil {
		return nil, err
	}
	return split[category], nil
}
