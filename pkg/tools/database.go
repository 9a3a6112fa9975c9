package tools

import (
	"context"
	"sync"
)

// SummaryLoader yields the summary rows a database-query tool searches.
// Each row carries at least Type (the stable identifier) and Name (the
// localized display name).
type SummaryLoader func(ctx context.Context) ([]map[string]any, error)

// RecordLoader yields the full record for one Type identifier.
type RecordLoader func(ctx context.Context, typeName string) (map[string]any, error)

// DatabaseQueryArgs are the arguments every database-query tool accepts.
// Field names follow the rules-database column convention.
type DatabaseQueryArgs struct {
	Search     string `json:"Search,omitempty" jsonschema:"description=Identifier or name to search for. Omit to list everything."`
	MaxResults int    `json:"MaxResults,omitempty" jsonschema:"description=Maximum number of summaries to return. Defaults to 25.,minimum=1"`
}

// DatabaseQueryTool searches a summary table loaded once per process and
// expands a lone match into its full record.
type DatabaseQueryTool struct {
	meta
	loadSummaries SummaryLoader
	loadRecord    RecordLoader

	mu        sync.Mutex
	loaded    bool
	summaries []map[string]any
}

// NewDatabaseQueryTool builds a database-query tool over the two loaders.
// The record loader may be nil for concepts without an expanded form.
func NewDatabaseQueryTool(name, description string, summaries SummaryLoader, record RecordLoader) (*DatabaseQueryTool, error) {
	m, err := buildMeta[DatabaseQueryArgs](
		name,
		description,
		PermissiveObjectSchema("Matching summaries with a count, or a single full record."),
		Annotations{ReadOnly: true, AutoComplete: true},
	)
	if err != nil {
		return nil, err
	}
	return &DatabaseQueryTool{meta: m, loadSummaries: summaries, loadRecord: record}, nil
}

// Execute searches the cached summaries. A result set of exactly one is
// upgraded to the full record; larger sets return summaries plus a count.
func (t *DatabaseQueryTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	if err := t.validate(args); err != nil {
		return nil, err
	}
	var query DatabaseQueryArgs
	if err := bindArgs(args, &query); err != nil {
		return nil, err
	}

	summaries, err := t.cachedSummaries(ctx)
	if err != nil {
		return nil, err
	}

	results := SearchSummaries(summaries, query.Search, query.MaxResults)
	if len(results) == 1 && t.loadRecord != nil {
		record, err := t.loadRecord(ctx, stringField(results[0], "Type"))
		if err != nil {
			return nil, err
		}
		results = []map[string]any{record}
	}
	return map[string]any{
		"results": results,
		"count":   len(results),
	}, nil
}

// cachedSummaries loads the summary table on first use. Failed loads are
// not cached, so a transient database error does not poison the tool.
func (t *DatabaseQueryTool) cachedSummaries(ctx context.Context) ([]map[string]any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loaded {
		return t.summaries, nil
	}
	summaries, err := t.loadSummaries(ctx)
	if err != nil {
		return nil, err
	}
	t.summaries = summaries
	t.loaded = true
	return summaries, nil
}
