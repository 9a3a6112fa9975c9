package tools

import (
	"context"

	"github.com/vox-deorum/strategos/pkg/models"
)

// KnowledgeReadTool wraps a typed query against the knowledge store. The
// store already drops rows hidden to the viewer; reducing basic-visibility
// rows to their projected columns is the query's job, usually through
// ProjectBasic.
type KnowledgeReadTool struct {
	meta
	run func(ctx context.Context, raw map[string]any) (any, error)
}

// NewKnowledgeReadTool builds a read tool from an argument struct type and
// a typed query function.
func NewKnowledgeReadTool[A any](name, description string, output map[string]any, query func(ctx context.Context, args A) (any, error)) (*KnowledgeReadTool, error) {
	m, err := buildMeta[A](name, description, output, Annotations{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	return &KnowledgeReadTool{
		meta: m,
		run: func(ctx context.Context, raw map[string]any) (any, error) {
			var args A
			if err := bindArgs(raw, &args); err != nil {
				return nil, err
			}
			return query(ctx, args)
		},
	}, nil
}

// Execute validates and runs the wrapped query.
func (t *KnowledgeReadTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	if err := t.validate(args); err != nil {
		return nil, err
	}
	return t.run(ctx, args)
}

// ProjectBasic reduces a payload to the named columns when the viewer holds
// only basic visibility. Full visibility passes the payload through
// unchanged; hidden returns nil.
func ProjectBasic(payload map[string]any, level models.VisibilityLevel, basicColumns []string) map[string]any {
	switch level {
	case models.VisibilityFull:
		return payload
	case models.VisibilityHidden:
		return nil
	}
	projected := make(map[string]any, len(basicColumns))
	for _, col := range basicColumns {
		if v, ok := payload[col]; ok {
			projected[col] = v
		}
	}
	return projected
}
