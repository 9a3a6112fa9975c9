package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	validator "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/vox-deorum/strategos/pkg/fault"
)

// SchemaFor reflects a JSON schema from a Go argument struct.
//
// Supported tags:
//   - json:"name"                         parameter name
//   - json:",omitempty"                   optional parameter
//   - jsonschema:"required"               explicitly required
//   - jsonschema:"description=..."        parameter description
//   - jsonschema:"enum=a,enum=b"          allowed values
//   - jsonschema:"minimum=N,maximum=M"    numeric bounds
func SchemaFor[T any]() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		// Use jsonschema tags to determine required fields.
		RequiredFromJSONSchemaTags: true,
		// Inline everything instead of emitting $ref definitions.
		ExpandedStruct: true,
		// No $schema / $id noise in tool schemas.
		DoNotReference: true,
	}

	schema := reflector.Reflect(new(T))
	schemaMap, err := schemaToMap(schema)
	if err != nil {
		return nil, fmt.Errorf("reflect schema: %w", err)
	}
	return schemaMap, nil
}

// schemaToMap converts a jsonschema.Schema into a plain map through a
// marshal round trip, which also normalizes all nested types.
func schemaToMap(schema *jsonschema.Schema) (map[string]any, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	delete(result, "$schema")
	delete(result, "$id")
	return result, nil
}

// PermissiveObjectSchema describes an unconstrained JSON object. Used as
// the output schema of tools whose result shape follows the queried rows.
func PermissiveObjectSchema(description string) map[string]any {
	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": true,
	}
	if description != "" {
		schema["description"] = description
	}
	return schema
}

// Validator wraps a compiled JSON schema for argument validation.
type Validator struct {
	compiled *validator.Schema
}

// CompileSchema compiles a schema map for validation.
func CompileSchema(schema map[string]any) (*Validator, error) {
	// Round-trip so every nested value is in the decoded-JSON shape the
	// validator expects (float64 numbers, map[string]any objects).
	doc, err := normalizeJSON(schema)
	if err != nil {
		return nil, fmt.Errorf("normalize schema: %w", err)
	}

	compiler := validator.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{compiled: compiled}, nil
}

// Validate checks a decoded JSON value against the schema. Failures carry
// the invalid-argument kind with the validator's explanation.
func (v *Validator) Validate(value any) error {
	doc, err := normalizeJSON(value)
	if err != nil {
		return fault.Wrap(fault.KindInvalidArgument, err, "arguments are not valid JSON")
	}
	if err := v.compiled.Validate(doc); err != nil {
		return fault.Wrap(fault.KindInvalidArgument, err, "arguments failed schema validation")
	}
	return nil
}

// normalizeJSON round-trips a value through encoding/json so numbers,
// maps, and slices take their decoded-JSON representation.
func normalizeJSON(value any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// bindArgs decodes a raw argument map into a typed argument struct.
func bindArgs(raw map[string]any, target any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return fault.Wrap(fault.KindInvalidArgument, err, "encode arguments")
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fault.Wrap(fault.KindInvalidArgument, err, "bind arguments")
	}
	return nil
}

// buildMeta assembles the shared identity block: reflected input schema,
// compiled validator, output schema, annotations.
func buildMeta[A any](name, description string, output map[string]any, ann Annotations) (meta, error) {
	input, err := SchemaFor[A]()
	if err != nil {
		return meta{}, fmt.Errorf("tool %s: %w", name, err)
	}
	v, err := CompileSchema(input)
	if err != nil {
		return meta{}, fmt.Errorf("tool %s: %w", name, err)
	}
	if output == nil {
		output = PermissiveObjectSchema("")
	}
	return meta{
		name:        name,
		description: description,
		input:       input,
		output:      output,
		validator:   v,
		annotations: ann,
	}, nil
}
