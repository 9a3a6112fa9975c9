package gamedata

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
)

// txtKeyPattern matches localization tokens. Strict TXT_KEY_ matching is
// canonical here.
// TODO(openq): decide whether non-TXT_KEY uppercase tokens (e.g. bare enum
// Type strings embedded in event payloads) should also be localized.
var txtKeyPattern = regexp.MustCompile(`^TXT_KEY_[A-Z0-9_]+$`)

var languagePattern = regexp.MustCompile(`^[A-Za-z]{2}_[A-Za-z]{2}$`)

// Localizer resolves TXT_KEY_* tokens against one language table of the
// localization database. Resolved keys are cached for the process lifetime;
// the localization database is immutable while the game runs.
type Localizer struct {
	gw    *Gateway
	table string

	mu    sync.RWMutex
	cache map[string]string
}

// NewLocalizer builds a localizer for a language code such as "en_US".
func NewLocalizer(gw *Gateway, language string) (*Localizer, error) {
	if !languagePattern.MatchString(language) {
		return nil, fmt.Errorf("invalid language code: %q", language)
	}
	return &Localizer{
		gw:    gw,
		table: "Language_" + language,
		cache: make(map[string]string),
	}, nil
}

// Localize resolves one key to its language text. A missing key returns
// the key string unchanged, which is not an error.
func (l *Localizer) Localize(ctx context.Context, key string) (string, error) {
	texts, err := l.LocalizeKeys(ctx, []string{key})
	if err != nil {
		return key, err
	}
	if text, ok := texts[key]; ok {
		return text, nil
	}
	return key, nil
}

// LocalizeKeys resolves a batch of keys in a single query. The result only
// contains entries for keys present in the language table.
func (l *Localizer) LocalizeKeys(ctx context.Context, keys []string) (map[string]string, error) {
	texts := make(map[string]string, len(keys))

	// Serve what we can from cache
	l.mu.RLock()
	var missing []string
	for _, key := range keys {
		if text, ok := l.cache[key]; ok {
			texts[key] = text
		} else {
			missing = append(missing, key)
		}
	}
	l.mu.RUnlock()

	if len(missing) == 0 {
		return texts, nil
	}

	placeholders := strings.Repeat("?,", len(missing))
	placeholders = placeholders[:len(placeholders)-1]
	query := fmt.Sprintf("SELECT Tag, Text FROM %s WHERE Tag IN (%s)", l.table, placeholders)

	args := make([]any, len(missing))
	for i, key := range missing {
		args[i] = key
	}

	rows, err := l.gw.QueryLocalization(ctx, query, args...)
	if err != nil {
		return texts, err
	}

	l.mu.Lock()
	for _, row := range rows {
		tag, tagOK := row["Tag"].(string)
		text, textOK := row["Text"].(string)
		if tagOK && textOK {
			texts[tag] = text
			l.cache[tag] = text
		}
	}
	l.mu.Unlock()

	return texts, nil
}

// LocalizeValue walks any JSON-like value, collects every string matching
// the TXT_KEY pattern, resolves them in one batch, and returns a deep copy
// with the tokens substituted. Container shape and keys are preserved; on
// query failure the original value is returned unchanged.
func (l *Localizer) LocalizeValue(ctx context.Context, v any) any {
	keySet := make(map[string]struct{})
	collectKeys(v, keySet)
	if len(keySet) == 0 {
		return v
	}

	keys := make([]string, 0, len(keySet))
	for key := range keySet {
		keys = append(keys, key)
	}

	texts, err := l.LocalizeKeys(ctx, keys)
	if err != nil {
		slog.Warn("Localization query failed, keeping original keys", "error", err)
		return v
	}

	return substitute(v, texts)
}

func collectKeys(v any, set map[string]struct{}) {
	switch val := v.(type) {
	case string:
		if txtKeyPattern.MatchString(val) {
			set[val] = struct{}{}
		}
	case map[string]any:
		for _, item := range val {
			collectKeys(item, set)
		}
	case []any:
		for _, item := range val {
			collectKeys(item, set)
		}
	}
}

func substitute(v any, texts map[string]string) any {
	switch val := v.(type) {
	case string:
		if text, ok := texts[val]; ok {
			return text
		}
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for key, item := range val {
			out[key] = substitute(item, texts)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = substitute(item, texts)
		}
		return out
	default:
		return v
	}
}
