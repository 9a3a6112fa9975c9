package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/vox-deorum/strategos/pkg/fault"
	"github.com/vox-deorum/strategos/pkg/gamedata"
)

// DatabaseToolDeps are the shared dependencies of the rules-database tools.
type DatabaseToolDeps struct {
	Gateway   *gamedata.Gateway
	Localizer *gamedata.Localizer
}

// conceptSpec describes one rules table exposed as a database-query tool.
type conceptSpec struct {
	tool        string
	table       string
	description string

	// expand attaches derived fields to a full record before localization.
	expand func(ctx context.Context, deps DatabaseToolDeps, record map[string]any) error
}

var conceptSpecs = []conceptSpec{
	{
		tool:        "get-technologies",
		table:       "Technologies",
		description: "Search the technology tree by identifier or name. A single match returns the full record including what it unlocks.",
		expand:      attachTechUnlocks,
	},
	{
		tool:        "get-units",
		table:       "Units",
		description: "Search unit definitions: combat values, costs, prerequisites.",
	},
	{
		tool:        "get-buildings",
		table:       "Buildings",
		description: "Search building and wonder definitions: yields, costs, prerequisites.",
	},
	{
		tool:        "get-policies",
		table:       "Policies",
		description: "Search social policy definitions and their effects.",
	},
	{
		tool:        "get-resources",
		table:       "Resources",
		description: "Search resource definitions: class, yields, revealing technology.",
	},
	{
		tool:        "get-civilizations",
		table:       "Civilizations",
		description: "Search civilization definitions and their unique traits.",
	},
	{
		tool:        "get-beliefs",
		table:       "Beliefs",
		description: "Search religious belief definitions and their effects.",
	},
	{
		tool:        "get-promotions",
		table:       "UnitPromotions",
		description: "Search unit promotion definitions and their combat modifiers.",
	},
}

// NewDatabaseTools builds the rules-database query tools, one per concept.
func NewDatabaseTools(deps DatabaseToolDeps) ([]Tool, error) {
	tools := make([]Tool, 0, len(conceptSpecs))
	for _, spec := range conceptSpecs {
		tool, err := NewDatabaseQueryTool(
			spec.tool,
			spec.description,
			conceptSummaries(deps, spec.table),
			conceptRecord(deps, spec),
		)
		if err != nil {
			return nil, err
		}
		tools = append(tools, tool)
	}
	return tools, nil
}

// conceptSummaries loads {Type, Name} rows for one table, resolving the
// localized display name in a single batch.
func conceptSummaries(deps DatabaseToolDeps, table string) SummaryLoader {
	return func(ctx context.Context) ([]map[string]any, error) {
		rows, err := deps.Gateway.Query(ctx, fmt.Sprintf("SELECT Type, Description FROM %q ORDER BY Type", table))
		if err != nil {
			return nil, fault.Wrap(fault.KindDependencyFailed, err, "load %s summaries", table)
		}

		keys := make([]string, 0, len(rows))
		for _, row := range rows {
			if desc, ok := row["Description"].(string); ok && desc != "" {
				keys = append(keys, desc)
			}
		}
		texts, err := deps.Localizer.LocalizeKeys(ctx, keys)
		if err != nil {
			texts = map[string]string{}
		}

		summaries := make([]map[string]any, 0, len(rows))
		for _, row := range rows {
			typeName, _ := row["Type"].(string)
			if typeName == "" {
				continue
			}
			summaries = append(summaries, map[string]any{
				"Type": typeName,
				"Name": displayName(row, texts, typeName),
			})
		}
		return summaries, nil
	}
}

// conceptRecord loads the full row for one Type, applies the concept's
// expansion, and localizes every TXT_KEY token in one pass.
func conceptRecord(deps DatabaseToolDeps, spec conceptSpec) RecordLoader {
	return func(ctx context.Context, typeName string) (map[string]any, error) {
		rows, err := deps.Gateway.Query(ctx, fmt.Sprintf("SELECT * FROM %q WHERE Type = ?", spec.table), typeName)
		if err != nil {
			return nil, fault.Wrap(fault.KindDependencyFailed, err, "load %s record", spec.table)
		}
		if len(rows) == 0 {
			return nil, fault.New(fault.KindNotFound, "%s has no row %q", spec.table, typeName)
		}
		record := rows[0]

		if spec.expand != nil {
			if err := spec.expand(ctx, deps, record); err != nil {
				return nil, err
			}
		}

		localized, ok := deps.Localizer.LocalizeValue(ctx, record).(map[string]any)
		if !ok {
			localized = record
		}
		name := gamedata.CanonicalName(typeName)
		if desc, ok := localized["Description"].(string); ok && desc != "" && !strings.HasPrefix(desc, "TXT_KEY_") {
			name = desc
		}
		localized["Name"] = name
		return localized, nil
	}
}

func displayName(row map[string]any, texts map[string]string, typeName string) string {
	if desc, ok := row["Description"].(string); ok && desc != "" {
		if text, ok := texts[desc]; ok {
			return text
		}
	}
	return gamedata.CanonicalName(typeName)
}

// attachTechUnlocks decorates a technology record with its prerequisites
// and everything researching it unlocks. Wonders split from plain buildings
// on the building-class instance caps.
func attachTechUnlocks(ctx context.Context, deps DatabaseToolDeps, record map[string]any) error {
	techType, _ := record["Type"].(string)

	expansions := []struct {
		field string
		query string
	}{
		{"PrereqTechs", `
			SELECT t.Description FROM Technology_PrereqTechs p
			JOIN Technologies t ON t.Type = p.PrereqTech
			WHERE p.TechType = ? ORDER BY t.Type`},
		{"UnitsUnlocked", `
			SELECT Description FROM Units WHERE PrereqTech = ? ORDER BY Type`},
		{"BuildingsUnlocked", `
			SELECT b.Description FROM Buildings b
			JOIN BuildingClasses c ON c.Type = b.BuildingClass
			WHERE b.PrereqTech = ? AND c.MaxGlobalInstances <= 0 AND c.MaxPlayerInstances <= 0
			ORDER BY b.Type`},
		{"ImprovementsUnlocked", `
			SELECT i.Description FROM Builds bu
			JOIN Improvements i ON i.Type = bu.ImprovementType
			WHERE bu.PrereqTech = ? ORDER BY i.Type`},
		{"WorldWondersUnlocked", `
			SELECT b.Description FROM Buildings b
			JOIN BuildingClasses c ON c.Type = b.BuildingClass
			WHERE b.PrereqTech = ? AND c.MaxGlobalInstances > 0 ORDER BY b.Type`},
		{"NationalWondersUnlocked", `
			SELECT b.Description FROM Buildings b
			JOIN BuildingClasses c ON c.Type = b.BuildingClass
			WHERE b.PrereqTech = ? AND c.MaxPlayerInstances > 0 ORDER BY b.Type`},
	}

	for _, e := range expansions {
		rows, err := deps.Gateway.Query(ctx, e.query, techType)
		if err != nil {
			return fault.Wrap(fault.KindDependencyFailed, err, "expand %s for %s", e.field, techType)
		}
		values := make([]any, 0, len(rows))
		for _, row := range rows {
			if desc, ok := row["Description"].(string); ok && desc != "" {
				values = append(values, desc)
			}
		}
		record[e.field] = values
	}
	return nil
}
