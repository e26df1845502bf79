// Package validation implements the advisory, language-aware validation
// pipeline. Diagnostics never block persistence; the only hard failure is
// the per-request deadline, which fails the whole batch with
// VALIDATION_TIMEOUT and no partial results.
package validation

import (
	"context"
	"encoding/json"
	"strings"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"scratchpad/internal/logging"
	"scratchpad/internal/notebook"
)

// Warning and error diagnostic codes.
const (
	CodeUnresolvedSchemaRef = "UNRESOLVED_SCHEMA_REF"
	CodeInvalidSchema       = "INVALID_SCHEMA"
	CodeParseError          = "PARSE_ERROR"
	CodeSchemaMismatch      = "SCHEMA_MISMATCH"
	CodeSyntaxError         = "SYNTAX_ERROR"
)

// SchemaResolver resolves a logical name against the current pad's registry.
type SchemaResolver func(name string) (*notebook.SchemaEntry, bool)

// Pipeline validates cells on a bounded worker pool. It holds no mutable
// state; every call is pure with respect to the store.
type Pipeline struct {
	workers int
	syntax  *syntaxChecker
}

// NewPipeline builds a pipeline with at most workers concurrent validations.
func NewPipeline(workers int) *Pipeline {
	if workers <= 0 {
		workers = 4
	}
	return &Pipeline{workers: workers, syntax: newSyntaxChecker()}
}

// ValidateCells validates every cell, bounded by ctx's deadline across the
// whole batch. On deadline expiry it returns VALIDATION_TIMEOUT and no
// partial results.
func (p *Pipeline) ValidateCells(ctx context.Context, cells []*notebook.Cell, resolver SchemaResolver) ([]*notebook.ValidationResult, error) {
	timer := logging.StartTimer(logging.CategoryValidation, "ValidateCells")
	defer timer.Stop()

	results := make([]*notebook.ValidationResult, len(cells))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.workers)

	for i, cell := range cells {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			results[i] = p.ValidateCell(groupCtx, cell, resolver)
			return groupCtx.Err()
		})
	}
	if err := group.Wait(); err != nil {
		logging.Get(logging.CategoryValidation).Warn("Validation batch aborted: %v", err)
		return nil, notebook.E(notebook.CodeValidationTimeout,
			"validation did not finish within the request timeout")
	}
	return results, nil
}

// ValidateCell dispatches on the cell's language. Unknown languages and
// unavailable analyzers degrade to valid=true with a reason; they never
// fail.
func (p *Pipeline) ValidateCell(ctx context.Context, cell *notebook.Cell, resolver SchemaResolver) *notebook.ValidationResult {
	result := notebook.NewValidationResult(cell)

	switch cell.Language {
	case "json":
		p.validateJSON(cell, resolver, result)
	case "yaml", "yml":
		p.validateYAML(cell, resolver, result)
	case "md":
		analyzeMarkdown(cell.Content, result)
	case "txt":
		result.SetDetail("reason", "no validation performed")
	default:
		if p.syntax.supports(cell.Language) {
			p.syntax.check(ctx, cell.Language, cell.Content, result)
		} else {
			result.SetDetail("reason", "not validated")
		}
	}
	return result
}

func (p *Pipeline) validateJSON(cell *notebook.Cell, resolver SchemaResolver, result *notebook.ValidationResult) {
	var instance any
	if err := json.Unmarshal([]byte(cell.Content), &instance); err != nil {
		diag := notebook.Diagnostic{Message: err.Error(), Code: CodeParseError}
		if syntaxErr, ok := err.(*json.SyntaxError); ok {
			diag.Line, diag.Column = offsetToLineColumn(cell.Content, int(syntaxErr.Offset))
		}
		result.AddError(diag)
		return
	}
	result.SetDetail("syntax", "ok")
	p.applySchema(cell, resolver, instance, result)
}

func (p *Pipeline) validateYAML(cell *notebook.Cell, resolver SchemaResolver, result *notebook.ValidationResult) {
	var instance any
	if err := yaml.Unmarshal([]byte(cell.Content), &instance); err != nil {
		result.AddError(notebook.Diagnostic{Message: err.Error(), Code: CodeParseError})
		return
	}
	result.SetDetail("syntax", "ok")
	p.applySchema(cell, resolver, instance, result)
}

func offsetToLineColumn(content string, offset int) (line, column int) {
	if offset > len(content) {
		offset = len(content)
	}
	prefix := content[:offset]
	line = strings.Count(prefix, "\n") + 1
	if idx := strings.LastIndex(prefix, "\n"); idx >= 0 {
		column = offset - idx
	} else {
		column = offset + 1
	}
	return line, column
}

// ValidateSchemaPayload checks that raw structurally parses as a JSON
// Schema. Used by upsert_schema, where a malformed payload is a structural
// error rather than an advisory diagnostic.
func ValidateSchemaPayload(schema map[string]any) error {
	if _, err := compileSchema(schema); err != nil {
		return notebook.E(notebook.CodeValidationError, "schema payload is not a valid JSON Schema: %v", err)
	}
	return nil
}
