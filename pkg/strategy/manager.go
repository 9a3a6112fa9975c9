package strategy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vox-deorum/strategos/pkg/config"
	"github.com/vox-deorum/strategos/pkg/fault"
)

// Catalog file names under the strategy directory.
const (
	grandStrategyFile   = "grand-strategy.json"
	flavorsFile         = "flavors.json"
	militaryFile        = "military.json"
	economicFile        = "economic.json"
	eventCategoriesFile = "event-categories.json"
)

// Stratagem is one named play from the military or economic lists.
type Stratagem struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Manager loads the authored catalogs on demand and validates the names
// write tools receive. Loads are cached with a TTL.
type Manager struct {
	dir   string
	cache *cache
}

// NewManager builds a manager over the resolved strategy configuration.
func NewManager(cfg *config.Strategy) *Manager {
	return &Manager{
		dir:   cfg.Dir,
		cache: newCache(cfg.CacheTTL),
	}
}

// GrandStrategies returns strategy name → short description.
func (m *Manager) GrandStrategies() (map[string]string, error) {
	return loadCatalog[map[string]string](m, grandStrategyFile)
}

// Flavors returns flavor name → description.
func (m *Manager) Flavors() (map[string]string, error) {
	return loadCatalog[map[string]string](m, flavorsFile)
}

// MilitaryStratagems returns the authored military plays.
func (m *Manager) MilitaryStratagems() ([]Stratagem, error) {
	return loadCatalog[[]Stratagem](m, militaryFile)
}

// EconomicStratagems returns the authored economic plays.
func (m *Manager) EconomicStratagems() ([]Stratagem, error) {
	return loadCatalog[[]Stratagem](m, economicFile)
}

// EventCategories returns category → game event types, used to route events
// to specialized briefers.
func (m *Manager) EventCategories() (map[string][]string, error) {
	return loadCatalog[map[string][]string](m, eventCategoriesFile)
}

// CategoryFor returns the category of a game event type, or "" when the
// type is uncategorized.
func (m *Manager) CategoryFor(eventType string) (string, error) {
	categories, err := m.EventCategories()
	if err != nil {
		return "", err
	}
	for category, types := range categories {
		for _, t := range types {
			if t == eventType {
				return category, nil
			}
		}
	}
	return "", nil
}

// ValidateStrategy rejects grand-strategy names absent from the catalog.
func (m *Manager) ValidateStrategy(name string) error {
	strategies, err := m.GrandStrategies()
	if err != nil {
		return err
	}
	if _, ok := strategies[name]; !ok {
		return fault.New(fault.KindInvalidArgument,
			"unknown grand strategy %q, valid: %s", name, joinSortedKeys(strategies))
	}
	return nil
}

// ValidateFlavors rejects any flavor name absent from the catalog.
func (m *Manager) ValidateFlavors(names []string) error {
	flavors, err := m.Flavors()
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, ok := flavors[name]; !ok {
			return fault.New(fault.KindInvalidArgument,
				"unknown flavor %q, valid: %s", name, joinSortedKeys(flavors))
		}
	}
	return nil
}

// ValidateMilitaryStratagems rejects any name absent from the military list.
func (m *Manager) ValidateMilitaryStratagems(names []string) error {
	stratagems, err := m.MilitaryStratagems()
	if err != nil {
		return err
	}
	return validateStratagems("military", stratagems, names)
}

// ValidateEconomicStratagems rejects any name absent from the economic list.
func (m *Manager) ValidateEconomicStratagems(names []string) error {
	stratagems, err := m.EconomicStratagems()
	if err != nil {
		return err
	}
	return validateStratagems("economic", stratagems, names)
}

func validateStratagems(kind string, stratagems []Stratagem, names []string) error {
	known := make(map[string]struct{}, len(stratagems))
	valid := make([]string, 0, len(stratagems))
	for _, s := range stratagems {
		known[s.Name] = struct{}{}
		valid = append(valid, s.Name)
	}
	sort.Strings(valid)
	for _, name := range names {
		if _, ok := known[name]; !ok {
			return fault.New(fault.KindInvalidArgument,
				"unknown %s stratagem %q, valid: %s", kind, name, strings.Join(valid, ", "))
		}
	}
	return nil
}

// loadCatalog reads and decodes one catalog file through the cache.
func loadCatalog[T any](m *Manager, file string) (T, error) {
	var zero T
	if cached, ok := m.cache.get(file); ok {
		return cached.(T), nil
	}

	path := filepath.Join(m.dir, file)
	raw, err := os.ReadFile(path)
	if err != nil {
		return zero, fault.Wrap(fault.KindDependencyFailed, err, "read strategy catalog %s", path)
	}

	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		return zero, fault.Wrap(fault.KindDependencyFailed, err, "decode strategy catalog %s", path)
	}

	m.cache.set(file, value)
	return value, nil
}

func joinSortedKeys[V any](m map[string]V) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}
