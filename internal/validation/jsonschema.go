package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"scratchpad/internal/notebook"
)

// applySchema resolves the cell's json_schema (inline object, JSON string,
// or scratchpad://schemas/<name> reference) and validates instance against
// it. An unresolved reference is a warning, never a rejection.
func (p *Pipeline) applySchema(cell *notebook.Cell, resolver SchemaResolver, instance any, result *notebook.ValidationResult) {
	if cell.JSONSchema == nil {
		return
	}
	schema, ok := p.resolveSchemaValue(cell.JSONSchema, resolver, result)
	if !ok {
		return
	}
	resolved, err := compileSchema(schema)
	if err != nil {
		result.AddWarning(notebook.Diagnostic{
			Message: fmt.Sprintf("schema is not a valid JSON Schema: %v", err),
			Code:    CodeInvalidSchema,
		})
		return
	}
	if err := resolved.Validate(instance); err != nil {
		result.AddError(notebook.Diagnostic{Message: err.Error(), Code: CodeSchemaMismatch})
		result.SetDetail("schema", map[string]any{"valid": false})
		return
	}
	result.SetDetail("schema", map[string]any{"valid": true})
}

// resolveSchemaValue turns the cell's json_schema field into a schema
// object. Returns ok=false when nothing can be validated (the reference was
// missing or the payload malformed); warnings explain why.
func (p *Pipeline) resolveSchemaValue(raw any, resolver SchemaResolver, result *notebook.ValidationResult) (map[string]any, bool) {
	if name, isRef := schemaRefName(raw); isRef {
		if resolver != nil {
			if entry, found := resolver(name); found {
				return entry.Schema, true
			}
		}
		result.AddWarning(notebook.Diagnostic{
			Message: fmt.Sprintf("schema reference %q is not registered on this scratchpad", name),
			Code:    CodeUnresolvedSchemaRef,
			Details: map[string]any{"ref": name},
		})
		result.SetDetail("schema", map[string]any{"unresolved_ref": name})
		return nil, false
	}

	schema, err := notebook.CoerceSchemaObject(raw)
	if err != nil {
		result.AddWarning(notebook.Diagnostic{
			Message: err.Error(),
			Code:    CodeInvalidSchema,
		})
		return nil, false
	}
	return schema, true
}

// schemaRefName extracts <name> from a scratchpad://schemas/<name>
// reference, either as a bare string or a {"$ref": ...} object.
func schemaRefName(raw any) (string, bool) {
	var candidate string
	switch v := raw.(type) {
	case string:
		candidate = v
	case map[string]any:
		ref, ok := v["$ref"].(string)
		if !ok || len(v) != 1 {
			return "", false
		}
		candidate = ref
	default:
		return "", false
	}
	if !strings.HasPrefix(candidate, notebook.SchemaRefPrefix) {
		return "", false
	}
	name := strings.TrimPrefix(candidate, notebook.SchemaRefPrefix)
	return name, name != ""
}

// compileSchema parses and resolves a schema object into a validator.
func compileSchema(schema map[string]any) (*jsonschema.Resolved, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var parsed jsonschema.Schema
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}
	return parsed.Resolve(nil)
}
