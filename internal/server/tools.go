package server

// Tool describes one entry in the tools/list response.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

func obj(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func str(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func strList(description string) map[string]any {
	return map[string]any{
		"type":        "array",
		"items":       map[string]any{"type": "string"},
		"description": description,
	}
}

func boolean(description string) map[string]any {
	return map[string]any{"type": "boolean", "description": description}
}

func integer(description string) map[string]any {
	return map[string]any{"type": "integer", "description": description}
}

var cellSchema = obj(map[string]any{
	"language":    str("Cell language, e.g. json, yaml, md, py."),
	"content":     str("Cell content."),
	"validate":    boolean("Request advisory validation for this cell."),
	"json_schema": map[string]any{"description": "Inline JSON Schema or a scratchpad://schemas/<name> reference."},
	"metadata":    map[string]any{"type": "object", "description": "Free-form cell metadata; tags is normalized."},
}, "language", "content")

// Tools is the registry served by tools/list, in call-surface order.
var Tools = []Tool{
	{
		Name:        "scratch_create",
		Description: "Create a scratchpad with optional initial cells. Returns a lightweight view without cell content.",
		InputSchema: obj(map[string]any{
			"scratch_id": str("Optional client-chosen id matching [A-Za-z0-9_-]{1,128}."),
			"namespace":  str("Namespace for the new scratchpad (default: default)."),
			"metadata":   map[string]any{"type": "object", "description": "Pad metadata: title, description, summary, tags, schemas."},
			"cells": map[string]any{
				"type":        "array",
				"items":       cellSchema,
				"description": "Initial cells, in order.",
			},
		}),
	},
	{
		Name:        "scratch_read",
		Description: "Read a scratchpad with full cell content, optionally filtered by cell ids or tags.",
		InputSchema: obj(map[string]any{
			"scratch_id":       str("Scratchpad id."),
			"cell_ids":         strList("Restrict to these cell ids."),
			"tags":             strList("Restrict to cells carrying any of these tags."),
			"namespaces":       strList("Require the pad to be in one of these namespaces."),
			"include_metadata": boolean("Include pad metadata in the response (default true)."),
		}, "scratch_id"),
	},
	{
		Name:        "scratch_list",
		Description: "List scratchpad summaries, newest access first.",
		InputSchema: obj(map[string]any{
			"namespaces": strList("Only pads in these namespaces."),
			"tags":       strList("Only pads carrying any of these tags (pad or cell level)."),
			"limit":      integer("Maximum summaries to return."),
		}),
	},
	{
		Name:        "scratch_list_cells",
		Description: "List a scratchpad's cells without content.",
		InputSchema: obj(map[string]any{
			"scratch_id": str("Scratchpad id."),
			"cell_ids":   strList("Restrict to these cell ids; unknown ids fail."),
			"tags":       strList("Restrict to cells carrying any of these tags."),
		}, "scratch_id"),
	},
	{
		Name:        "scratch_append_cell",
		Description: "Append one cell to the end of a scratchpad.",
		InputSchema: obj(map[string]any{
			"scratch_id": str("Scratchpad id."),
			"cell":       cellSchema,
		}, "scratch_id", "cell"),
	},
	{
		Name:        "scratch_replace_cell",
		Description: "Replace the cell addressed by cell_id, optionally moving it to new_index.",
		InputSchema: obj(map[string]any{
			"scratch_id": str("Scratchpad id."),
			"cell_id":    str("Cell to replace."),
			"new_index":  integer("Optional new position; other cells keep their relative order."),
			"cell":       cellSchema,
		}, "scratch_id", "cell_id", "cell"),
	},
	{
		Name:        "scratch_delete",
		Description: "Delete a scratchpad. Deleting a missing pad succeeds with deleted=false.",
		InputSchema: obj(map[string]any{
			"scratch_id": str("Scratchpad id."),
		}, "scratch_id"),
	},
	{
		Name:        "scratch_validate",
		Description: "Run advisory validation over a scratchpad's cells. Diagnostics never block writes.",
		InputSchema: obj(map[string]any{
			"scratch_id": str("Scratchpad id."),
			"cell_ids":   strList("Validate only these cells; default is every cell."),
		}, "scratch_id"),
	},
	{
		Name:        "scratch_search",
		Description: "Semantic search over pads and cells. Filters are applied before ranking.",
		InputSchema: obj(map[string]any{
			"query":      str("Natural-language query."),
			"namespaces": strList("Only results in these namespaces."),
			"tags":       strList("Only results carrying any of these tags."),
			"limit":      integer("Maximum hits, clamped to [1, 50]."),
		}, "query"),
	},
	{
		Name:        "scratch_list_tags",
		Description: "Aggregate pad-level and cell-level tags for the tenant.",
		InputSchema: obj(map[string]any{
			"namespaces": strList("Only tags from pads in these namespaces."),
		}),
	},
	{
		Name:        "scratch_upsert_schema",
		Description: "Create or update a named JSON Schema in a scratchpad's shared registry.",
		InputSchema: obj(map[string]any{
			"scratch_id":  str("Scratchpad id."),
			"name":        str("Logical schema name, referenced as scratchpad://schemas/<name>."),
			"schema":      map[string]any{"description": "The JSON Schema, as an object or a JSON string."},
			"description": str("Optional human description."),
		}, "scratch_id", "name", "schema"),
	},
	{
		Name:        "scratch_get_schema",
		Description: "Fetch one schema registry entry by name.",
		InputSchema: obj(map[string]any{
			"scratch_id": str("Scratchpad id."),
			"name":       str("Logical schema name."),
		}, "scratch_id", "name"),
	},
	{
		Name:        "scratch_list_schemas",
		Description: "List a scratchpad's schema registry entries.",
		InputSchema: obj(map[string]any{
			"scratch_id": str("Scratchpad id."),
		}, "scratch_id"),
	},
	{
		Name:        "scratch_namespace_list",
		Description: "List the tenant's namespaces with pad counts.",
		InputSchema: obj(map[string]any{}),
	},
	{
		Name:        "scratch_namespace_create",
		Description: "Register a namespace so it exists before any pad uses it.",
		InputSchema: obj(map[string]any{
			"name": str("Namespace name."),
		}, "name"),
	},
	{
		Name:        "scratch_namespace_rename",
		Description: "Rename a namespace, migrating its pads unless migrate=false.",
		InputSchema: obj(map[string]any{
			"old_name": str("Current namespace name."),
			"new_name": str("New namespace name."),
			"migrate":  boolean("Move existing pads to the new name (default true)."),
		}, "old_name", "new_name"),
	},
	{
		Name:        "scratch_namespace_delete",
		Description: "Delete a namespace. A populated namespace requires cascade.",
		InputSchema: obj(map[string]any{
			"name":    str("Namespace name."),
			"cascade": boolean("Also delete every pad in the namespace."),
		}, "name"),
	},
}
