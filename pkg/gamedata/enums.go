package gamedata

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode"
)

// catalogSpec names one rules table to scan into an ID→name mapping.
type catalogSpec struct {
	Concept string // catalog name exposed to callers, e.g. "UnitType"
	Table   string // rules table to scan
	Prefix  string // optional display prefix, e.g. "Great "
}

// catalogSpecs is the fixed scan list. Tables absent from a particular
// rules database (mod differences) are skipped with a warning.
var catalogSpecs = []catalogSpec{
	{Concept: "UnitType", Table: "Units"},
	{Concept: "TechType", Table: "Technologies"},
	{Concept: "BuildingType", Table: "Buildings"},
	{Concept: "PolicyType", Table: "Policies"},
	{Concept: "PolicyBranchType", Table: "PolicyBranchTypes"},
	{Concept: "ResourceType", Table: "Resources"},
	{Concept: "CivilizationType", Table: "Civilizations"},
	{Concept: "LeaderType", Table: "Leaders"},
	{Concept: "BeliefType", Table: "Beliefs"},
	{Concept: "ReligionType", Table: "Religions"},
	{Concept: "PromotionType", Table: "UnitPromotions"},
	{Concept: "VictoryType", Table: "Victories"},
	{Concept: "EraType", Table: "Eras"},
	{Concept: "ImprovementType", Table: "Improvements"},
	{Concept: "SpecialistType", Table: "Specialists"},
	{Concept: "FlavorType", Table: "Flavors"},
	{Concept: "GreatPersonType", Table: "GreatPersons", Prefix: "Great "},
}

// EnumCatalog maps integer IDs to canonical names per rules concept.
// Built once at startup and immutable thereafter.
type EnumCatalog struct {
	catalogs map[string]map[int]string
}

// BuildEnumCatalog scans the fixed table list. A row's localized
// Description is preferred; otherwise the name derives from Type.
// Every concept maps -1 to "None".
func BuildEnumCatalog(ctx context.Context, gw *Gateway, loc *Localizer) (*EnumCatalog, error) {
	catalogs := make(map[string]map[int]string, len(catalogSpecs))

	type pending struct {
		concept string
		id      int
		key     string
		prefix  string
	}
	var pendingKeys []pending
	allKeys := make(map[string]struct{})

	for _, spec := range catalogSpecs {
		rows, err := gw.Query(ctx, fmt.Sprintf("SELECT * FROM %q", spec.Table))
		if err != nil {
			slog.Warn("Skipping enum table", "table", spec.Table, "error", err)
			continue
		}

		catalog := map[int]string{-1: "None"}
		for _, row := range rows {
			id, ok := rowInt(row, "ID")
			if !ok {
				continue
			}

			if desc, ok := row["Description"].(string); ok && desc != "" {
				pendingKeys = append(pendingKeys, pending{spec.Concept, id, desc, spec.Prefix})
				allKeys[desc] = struct{}{}
				continue
			}
			if typeName, ok := row["Type"].(string); ok && typeName != "" {
				catalog[id] = spec.Prefix + CanonicalName(typeName)
			}
		}
		catalogs[spec.Concept] = catalog
	}

	// Resolve all Description keys in one batch
	if len(allKeys) > 0 {
		keys := make([]string, 0, len(allKeys))
		for key := range allKeys {
			keys = append(keys, key)
		}
		texts, err := loc.LocalizeKeys(ctx, keys)
		if err != nil {
			slog.Warn("Enum description localization failed, using keys", "error", err)
			texts = map[string]string{}
		}
		for _, p := range pendingKeys {
			name, ok := texts[p.key]
			if !ok {
				name = CanonicalName(p.key)
			}
			catalogs[p.concept][p.id] = p.prefix + name
		}
	}

	return &EnumCatalog{catalogs: catalogs}, nil
}

// Lookup resolves an ID within a concept. -1 always resolves to "None".
func (c *EnumCatalog) Lookup(concept string, id int) (string, bool) {
	if id == -1 {
		return "None", true
	}
	catalog, ok := c.catalogs[concept]
	if !ok {
		return "", false
	}
	name, ok := catalog[id]
	return name, ok
}

// Name resolves an ID within a concept, falling back to a stable
// placeholder for unknown IDs so prompts never carry raw integers.
func (c *EnumCatalog) Name(concept string, id int) string {
	if name, ok := c.Lookup(concept, id); ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", id)
}

// Concepts lists the catalog names in sorted order.
func (c *EnumCatalog) Concepts() []string {
	names := make([]string, 0, len(c.catalogs))
	for name := range c.catalogs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Size returns the number of entries for a concept, excluding the implicit
// None entry.
func (c *EnumCatalog) Size(concept string) int {
	catalog, ok := c.catalogs[concept]
	if !ok {
		return 0
	}
	return len(catalog) - 1
}

// CanonicalName derives a display name from an enum Type string by
// stripping the prefix up to the first underscore and title-casing the
// remaining tokens: "UNIT_GREAT_GENERAL" → "Great General".
func CanonicalName(typeName string) string {
	rest := typeName
	if idx := strings.Index(typeName, "_"); idx >= 0 {
		rest = typeName[idx+1:]
	}

	tokens := strings.Split(rest, "_")
	for i, token := range tokens {
		if token == "" {
			continue
		}
		lower := strings.ToLower(token)
		runes := []rune(lower)
		runes[0] = unicode.ToUpper(runes[0])
		tokens[i] = string(runes)
	}
	return strings.Join(tokens, " ")
}

func rowInt(row map[string]any, column string) (int, bool) {
	switch v := row[column].(type) {
	case int64:
		return int(v), true
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}
