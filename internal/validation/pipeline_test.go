package validation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scratchpad/internal/notebook"
)

func testResolver(entries map[string]*notebook.SchemaEntry) SchemaResolver {
	return func(name string) (*notebook.SchemaEntry, bool) {
		entry, ok := entries[name]
		return entry, ok
	}
}

func TestValidateJSON(t *testing.T) {
	p := NewPipeline(2)

	valid := p.ValidateCell(context.Background(),
		&notebook.Cell{Language: "json", Content: `{"a": [1, 2, 3]}`}, nil)
	assert.True(t, valid.Valid)
	assert.Empty(t, valid.Errors)

	invalid := p.ValidateCell(context.Background(),
		&notebook.Cell{Language: "json", Content: "{\n  \"a\": ,\n}"}, nil)
	assert.False(t, invalid.Valid)
	require.Len(t, invalid.Errors, 1)
	assert.Equal(t, CodeParseError, invalid.Errors[0].Code)
	assert.GreaterOrEqual(t, invalid.Errors[0].Line, 1, "parse errors carry a position")
}

func TestValidateYAML(t *testing.T) {
	p := NewPipeline(2)

	valid := p.ValidateCell(context.Background(),
		&notebook.Cell{Language: "yaml", Content: "key: value\nlist:\n  - a\n  - b\n"}, nil)
	assert.True(t, valid.Valid)

	invalid := p.ValidateCell(context.Background(),
		&notebook.Cell{Language: "yaml", Content: "key: [unclosed\n  bad"}, nil)
	assert.False(t, invalid.Valid)
	require.NotEmpty(t, invalid.Errors)
	assert.Equal(t, CodeParseError, invalid.Errors[0].Code)
}

func TestValidateTxtAndUnknownLanguages(t *testing.T) {
	p := NewPipeline(2)

	txt := p.ValidateCell(context.Background(),
		&notebook.Cell{Language: "txt", Content: "anything goes"}, nil)
	assert.True(t, txt.Valid)

	unknown := p.ValidateCell(context.Background(),
		&notebook.Cell{Language: "cobol", Content: "MOVE A TO B."}, nil)
	assert.True(t, unknown.Valid, "unknown languages degrade to valid")
	assert.Equal(t, "not validated", unknown.Details["reason"])
}

func TestValidateCodeSyntax(t *testing.T) {
	p := NewPipeline(2)

	valid := p.ValidateCell(context.Background(),
		&notebook.Cell{Language: "py", Content: "def add(a, b):\n    return a + b\n"}, nil)
	assert.True(t, valid.Valid)

	invalid := p.ValidateCell(context.Background(),
		&notebook.Cell{Language: "py", Content: "def broken(:\n"}, nil)
	assert.False(t, invalid.Valid)
	require.NotEmpty(t, invalid.Errors)
	assert.Equal(t, CodeSyntaxError, invalid.Errors[0].Code)
	assert.GreaterOrEqual(t, invalid.Errors[0].Line, 1)
}

func TestInlineSchemaValidation(t *testing.T) {
	p := NewPipeline(2)
	schema := map[string]any{
		"type":     "object",
		"required": []any{"name"},
	}

	pass := p.ValidateCell(context.Background(), &notebook.Cell{
		Language:   "json",
		Content:    `{"name": "ada"}`,
		JSONSchema: schema,
	}, nil)
	assert.True(t, pass.Valid)
	assert.Equal(t, map[string]any{"valid": true}, pass.Details["schema"])

	fail := p.ValidateCell(context.Background(), &notebook.Cell{
		Language:   "json",
		Content:    `{}`,
		JSONSchema: schema,
	}, nil)
	assert.False(t, fail.Valid)
	require.NotEmpty(t, fail.Errors)
	assert.Equal(t, CodeSchemaMismatch, fail.Errors[0].Code)
	assert.Equal(t, map[string]any{"valid": false}, fail.Details["schema"])
}

func TestSchemaReferenceResolution(t *testing.T) {
	p := NewPipeline(2)
	registry := map[string]*notebook.SchemaEntry{
		"person": {
			ID:     "abc",
			Name:   "person",
			Schema: map[string]any{"type": "object", "required": []any{"name"}},
		},
	}

	resolved := p.ValidateCell(context.Background(), &notebook.Cell{
		Language:   "json",
		Content:    `{"name": "ada"}`,
		JSONSchema: notebook.SchemaRefPrefix + "person",
	}, testResolver(registry))
	assert.True(t, resolved.Valid)
	assert.Equal(t, map[string]any{"valid": true}, resolved.Details["schema"])
}

func TestUnresolvedSchemaRefIsAWarning(t *testing.T) {
	p := NewPipeline(2)

	result := p.ValidateCell(context.Background(), &notebook.Cell{
		Language:   "json",
		Content:    `{"anything": true}`,
		JSONSchema: notebook.SchemaRefPrefix + "missing",
	}, testResolver(nil))

	assert.True(t, result.Valid, "an unresolved reference never rejects the cell")
	assert.Empty(t, result.Errors)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, CodeUnresolvedSchemaRef, result.Warnings[0].Code)
	assert.Equal(t, "missing", result.Warnings[0].Details["ref"])
	assert.Equal(t, map[string]any{"unresolved_ref": "missing"}, result.Details["schema"])
}

func TestSchemaRefAsRefObject(t *testing.T) {
	p := NewPipeline(2)

	result := p.ValidateCell(context.Background(), &notebook.Cell{
		Language:   "json",
		Content:    `{}`,
		JSONSchema: map[string]any{"$ref": notebook.SchemaRefPrefix + "missing"},
	}, testResolver(nil))
	assert.True(t, result.Valid)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, CodeUnresolvedSchemaRef, result.Warnings[0].Code)
}

func TestMarkdownAnalysis(t *testing.T) {
	p := NewPipeline(2)

	clean := p.ValidateCell(context.Background(), &notebook.Cell{
		Language: "md",
		Content:  "# Title\n\n## Section\n\nsome [link](https://example.com)\n",
	}, nil)
	assert.True(t, clean.Valid)
	assert.Empty(t, clean.Warnings)

	messy := p.ValidateCell(context.Background(), &notebook.Cell{
		Language: "md",
		Content:  "# Title\n\n#### Jumped\n\n[empty]()\n",
	}, nil)
	assert.True(t, messy.Valid, "markdown findings are warnings only")
	assert.NotEmpty(t, messy.Warnings)
}

func TestValidateCellsBatch(t *testing.T) {
	p := NewPipeline(2)
	cells := []*notebook.Cell{
		{CellID: "a", Index: 0, Language: "json", Content: `{"ok":1}`},
		{CellID: "b", Index: 1, Language: "json", Content: `{broken`},
		{CellID: "c", Index: 2, Language: "txt", Content: "notes"},
	}
	results, err := p.ValidateCells(context.Background(), cells, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].Valid)
	assert.False(t, results[1].Valid)
	assert.True(t, results[2].Valid)
	assert.Equal(t, "b", results[1].CellID, "results line up with input order")
}

func TestValidateCellsTimeout(t *testing.T) {
	p := NewPipeline(2)
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	results, err := p.ValidateCells(ctx, []*notebook.Cell{
		{Language: "json", Content: `{"a":1}`},
	}, nil)
	require.Error(t, err)
	assert.Equal(t, notebook.CodeValidationTimeout, notebook.AsDomain(err).Code)
	assert.Nil(t, results, "no partial results on timeout")
}

func TestValidateSchemaPayload(t *testing.T) {
	assert.NoError(t, ValidateSchemaPayload(map[string]any{"type": "object"}))

	err := ValidateSchemaPayload(map[string]any{"type": 42})
	require.Error(t, err)
	assert.Equal(t, notebook.CodeValidationError, notebook.AsDomain(err).Code)
}
