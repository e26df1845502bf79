package validation

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"scratchpad/internal/notebook"
)

// analyzeMarkdown inspects md cells for structural smells. Markdown always
// parses, so the findings are warnings only; the cell stays valid.
func analyzeMarkdown(content string, result *notebook.ValidationResult) {
	source := []byte(content)
	parser := goldmark.New().Parser()
	doc := parser.Parse(text.NewReader(source))

	var headings, links int
	lastLevel := 0
	_ = ast.Walk(doc, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n := node.(type) {
		case *ast.Heading:
			headings++
			if lastLevel > 0 && n.Level > lastLevel+1 {
				result.AddWarning(notebook.Diagnostic{
					Message: fmt.Sprintf("heading level jumps from %d to %d", lastLevel, n.Level),
					Code:    "HEADING_LEVEL_JUMP",
				})
			}
			lastLevel = n.Level
		case *ast.Link:
			links++
			if len(n.Destination) == 0 {
				result.AddWarning(notebook.Diagnostic{
					Message: "link has an empty destination",
					Code:    "EMPTY_LINK",
				})
			}
		case *ast.Image:
			if len(n.Destination) == 0 {
				result.AddWarning(notebook.Diagnostic{
					Message: "image has an empty destination",
					Code:    "EMPTY_LINK",
				})
			}
		}
		return ast.WalkContinue, nil
	})

	if strings.Count(content, "```")%2 != 0 {
		result.AddWarning(notebook.Diagnostic{
			Message: "unbalanced code fence",
			Code:    "UNCLOSED_FENCE",
		})
	}

	result.SetDetail("analysis", map[string]any{
		"headings": headings,
		"links":    links,
		"warnings": len(result.Warnings),
	})
}
