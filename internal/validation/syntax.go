package validation

import (
	"context"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/bash"
	"github.com/smacker/go-tree-sitter/c"
	"github.com/smacker/go-tree-sitter/cpp"
	"github.com/smacker/go-tree-sitter/csharp"
	"github.com/smacker/go-tree-sitter/css"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/html"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/php"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/ruby"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/toml"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"scratchpad/internal/logging"
	"scratchpad/internal/notebook"
)

// maxSyntaxDiagnostics caps the errors reported for a single cell.
const maxSyntaxDiagnostics = 20

// syntaxChecker maps code dialects onto tree-sitter grammars and reports
// parse errors as advisory diagnostics.
type syntaxChecker struct {
	languages map[string]*sitter.Language
}

func newSyntaxChecker() *syntaxChecker {
	return &syntaxChecker{
		languages: map[string]*sitter.Language{
			"py":   python.GetLanguage(),
			"js":   javascript.GetLanguage(),
			"jsx":  javascript.GetLanguage(),
			"ts":   typescript.GetLanguage(),
			"tsx":  tsx.GetLanguage(),
			"rs":   rust.GetLanguage(),
			"c":    c.GetLanguage(),
			"h":    c.GetLanguage(),
			"cpp":  cpp.GetLanguage(),
			"hpp":  cpp.GetLanguage(),
			"sh":   bash.GetLanguage(),
			"css":  css.GetLanguage(),
			"html": html.GetLanguage(),
			"htm":  html.GetLanguage(),
			"java": java.GetLanguage(),
			"go":   golang.GetLanguage(),
			"rb":   ruby.GetLanguage(),
			"toml": toml.GetLanguage(),
			"php":  php.GetLanguage(),
			"cs":   csharp.GetLanguage(),
		},
	}
}

func (s *syntaxChecker) supports(language string) bool {
	_, ok := s.languages[language]
	return ok
}

// check parses content with the dialect's grammar and maps ERROR/MISSING
// nodes to error diagnostics with positions.
func (s *syntaxChecker) check(ctx context.Context, language, content string, result *notebook.ValidationResult) {
	grammar, ok := s.languages[language]
	if !ok {
		result.SetDetail("reason", "not validated")
		return
	}

	// Parsers are not goroutine-safe; one per call keeps the pool simple.
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(grammar)

	tree, err := parser.ParseCtx(ctx, nil, []byte(content))
	if err != nil {
		logging.Get(logging.CategoryValidation).Warn("Syntax parse aborted for %s cell: %v", language, err)
		result.SetDetail("reason", "not validated")
		return
	}
	defer tree.Close()

	count := collectSyntaxErrors(tree.RootNode(), result, 0)
	result.SetDetail("syntax", map[string]any{"error_count": count})
}

func collectSyntaxErrors(node *sitter.Node, result *notebook.ValidationResult, count int) int {
	if node == nil || count >= maxSyntaxDiagnostics {
		return count
	}
	if node.IsError() || node.IsMissing() {
		point := node.StartPoint()
		message := "syntax error"
		if node.IsMissing() {
			message = fmt.Sprintf("missing %s", node.Type())
		}
		result.AddError(notebook.Diagnostic{
			Message: message,
			Code:    CodeSyntaxError,
			Line:    int(point.Row) + 1,
			Column:  int(point.Column) + 1,
		})
		count++
		// ERROR subtrees repeat the same failure; one diagnostic per region.
		if node.IsError() {
			return count
		}
	}
	for i := 0; i < int(node.ChildCount()) && count < maxSyntaxDiagnostics; i++ {
		count = collectSyntaxErrors(node.Child(i), result, count)
	}
	return count
}
