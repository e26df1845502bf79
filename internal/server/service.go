// Package server exposes the notebook tool surface over MCP: the service
// layer that executes tools, the JSON-RPC dispatcher, and the stdio, HTTP,
// and SSE transports.
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"scratchpad/internal/auth"
	"scratchpad/internal/config"
	"scratchpad/internal/lifecycle"
	"scratchpad/internal/logging"
	"scratchpad/internal/metrics"
	"scratchpad/internal/notebook"
	"scratchpad/internal/search"
	"scratchpad/internal/store"
	"scratchpad/internal/validation"
)

// Service executes tool calls against the catalog. Every call passes the
// shutdown gate, resolves its tenant up front, and reports into metrics.
type Service struct {
	cfg      *config.Config
	store    *store.Store
	search   *search.Service
	pipeline *validation.Pipeline
	resolver *auth.Resolver
	gate     *lifecycle.Gate
	metrics  *metrics.Metrics
}

// NewService wires the tool surface. metrics may be nil when disabled.
func NewService(cfg *config.Config, st *store.Store, se *search.Service,
	pipeline *validation.Pipeline, resolver *auth.Resolver, gate *lifecycle.Gate,
	m *metrics.Metrics) *Service {
	return &Service{
		cfg:      cfg,
		store:    st,
		search:   se,
		pipeline: pipeline,
		resolver: resolver,
		gate:     gate,
		metrics:  m,
	}
}

// Resolver exposes the tenant resolver for the transports.
func (s *Service) Resolver() *auth.Resolver {
	return s.resolver
}

// Call executes one tool for the given tenant and returns the response
// envelope. The envelope always carries ok; failures add error{code,
// message, details}.
func (s *Service) Call(ctx context.Context, tenant, tool string, params map[string]any) map[string]any {
	if s.metrics != nil {
		s.metrics.IncOp(tool)
	}
	if err := s.gate.Enter(); err != nil {
		return s.failure(tool, err)
	}
	defer s.gate.Exit()

	rl := logging.WithRequestID(logging.CategoryServer, uuid.NewString()[:8])
	rl.WithField("tool", tool).WithField("tenant", tenant).Debug("Dispatching tool call")

	result, err := s.dispatch(ctx, tenant, tool, params)
	if err != nil {
		return s.failure(tool, err)
	}
	envelope := map[string]any{"ok": true}
	for key, value := range result {
		envelope[key] = value
	}
	return envelope
}

func (s *Service) failure(tool string, err error) map[string]any {
	de := notebook.AsDomain(err)
	if s.metrics != nil {
		s.metrics.IncError(de.Code)
	}
	logging.Server("Tool %s failed: %s", tool, de.Error())
	failure := map[string]any{
		"code":    de.Code,
		"message": de.Message,
	}
	if len(de.Details) > 0 {
		failure["details"] = de.Details
	}
	return map[string]any{"ok": false, "error": failure}
}

func (s *Service) dispatch(ctx context.Context, tenant, tool string, params map[string]any) (map[string]any, error) {
	switch tool {
	case "scratch_create":
		return s.create(ctx, tenant, params)
	case "scratch_read":
		return s.read(tenant, params)
	case "scratch_list":
		return s.list(tenant, params)
	case "scratch_list_cells":
		return s.listCells(tenant, params)
	case "scratch_append_cell":
		return s.appendCell(ctx, tenant, params)
	case "scratch_replace_cell":
		return s.replaceCell(ctx, tenant, params)
	case "scratch_delete":
		return s.deletePad(tenant, params)
	case "scratch_validate":
		return s.validate(ctx, tenant, params)
	case "scratch_search":
		return s.searchTool(ctx, tenant, params)
	case "scratch_list_tags":
		return s.listTags(tenant, params)
	case "scratch_upsert_schema":
		return s.upsertSchema(tenant, params)
	case "scratch_get_schema":
		return s.getSchema(tenant, params)
	case "scratch_list_schemas":
		return s.listSchemas(tenant, params)
	case "scratch_namespace_list":
		return s.namespaceList(tenant)
	case "scratch_namespace_create":
		return s.namespaceCreate(tenant, params)
	case "scratch_namespace_rename":
		return s.namespaceRename(tenant, params)
	case "scratch_namespace_delete":
		return s.namespaceDelete(tenant, params)
	default:
		return nil, notebook.E(notebook.CodeNotFound, "unknown tool %q", tool)
	}
}

// ---- pad operations ----

func (s *Service) create(ctx context.Context, tenant string, params map[string]any) (map[string]any, error) {
	scratchID := strArg(params, "scratch_id")
	if scratchID != "" {
		if !notebook.ValidScratchID(scratchID) {
			return nil, notebook.E(notebook.CodeInvalidID,
				"scratch_id must match [A-Za-z0-9_-]{1,128}")
		}
	} else {
		scratchID = notebook.NewScratchID()
	}

	metadata := notebook.NormalizePadMetadata(mapArg(params, "metadata"))
	if err := checkTitle(metadata); err != nil {
		return nil, err
	}
	namespace := strArg(params, "namespace")
	if namespace == "" {
		namespace = notebook.MetadataString(metadata, "namespace")
	}
	if namespace == "" {
		namespace = notebook.DefaultNamespace
	}
	metadata["namespace"] = namespace

	cells, err := parseCells(params["cells"])
	if err != nil {
		return nil, err
	}
	pad := &notebook.Scratchpad{
		ScratchID: scratchID,
		Namespace: namespace,
		Metadata:  metadata,
		Cells:     cells,
	}
	for i, cell := range cells {
		cell.CellID = notebook.NewCellID()
		cell.Index = i
	}

	// Validation runs before the write: a failure envelope, timeout
	// included, must mean nothing was stored.
	results, err := s.advisoryValidate(ctx, pad, flaggedCells(cells))
	if err != nil {
		return nil, err
	}
	created, evicted, err := s.store.CreatePad(tenant, pad, s.search.Reindexer(ctx))
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.IncEvictions(config.PolicyDiscard, len(evicted))
	}

	out := padView(created)
	if len(evicted) > 0 {
		out["evicted_scratchpads"] = evicted
	}
	if results != nil {
		out["validation"] = results
	}
	return out, nil
}

func (s *Service) read(tenant string, params map[string]any) (map[string]any, error) {
	scratchID, err := requireStr(params, "scratch_id")
	if err != nil {
		return nil, err
	}
	pad, err := s.store.ReadPad(tenant, scratchID, store.ReadOptions{
		CellIDs:    strListArg(params, "cell_ids"),
		Tags:       strListArg(params, "tags"),
		Namespaces: strListArg(params, "namespaces"),
	})
	if err != nil {
		return nil, err
	}
	return fullPadView(pad, boolArg(params, "include_metadata", true)), nil
}

func (s *Service) list(tenant string, params map[string]any) (map[string]any, error) {
	summaries, err := s.store.ListPads(tenant,
		strListArg(params, "namespaces"), strListArg(params, "tags"), intArg(params, "limit", 0))
	if err != nil {
		return nil, err
	}
	return map[string]any{"scratchpads": summaries, "count": len(summaries)}, nil
}

func (s *Service) listCells(tenant string, params map[string]any) (map[string]any, error) {
	scratchID, err := requireStr(params, "scratch_id")
	if err != nil {
		return nil, err
	}
	cells, err := s.store.ListCells(tenant, scratchID,
		strListArg(params, "cell_ids"), strListArg(params, "tags"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"scratch_id": scratchID, "cells": cells, "count": len(cells)}, nil
}

func (s *Service) appendCell(ctx context.Context, tenant string, params map[string]any) (map[string]any, error) {
	scratchID, err := requireStr(params, "scratch_id")
	if err != nil {
		return nil, err
	}
	cell, err := parseCellParam(params)
	if err != nil {
		return nil, err
	}
	var results []*notebook.ValidationResult
	if cell.Validate {
		current, err := s.store.ReadPad(tenant, scratchID, store.ReadOptions{})
		if err != nil {
			return nil, err
		}
		cell.CellID = notebook.NewCellID()
		cell.Index = len(current.Cells)
		results, err = s.advisoryValidate(ctx, current, []*notebook.Cell{cell})
		if err != nil {
			return nil, err
		}
	}
	pad, err := s.store.AppendCell(tenant, scratchID, cell, s.search.Reindexer(ctx))
	if err != nil {
		return nil, err
	}
	out := padView(pad)
	out["cell_id"] = cell.CellID
	out["index"] = cell.Index
	if results != nil {
		out["validation"] = results
	}
	return out, nil
}

func (s *Service) replaceCell(ctx context.Context, tenant string, params map[string]any) (map[string]any, error) {
	scratchID, err := requireStr(params, "scratch_id")
	if err != nil {
		return nil, err
	}
	cellID, err := requireStr(params, "cell_id")
	if err != nil {
		return nil, err
	}
	cell, err := parseCellParam(params)
	if err != nil {
		return nil, err
	}
	var newIndex *int
	if raw, ok := params["new_index"]; ok && raw != nil {
		idx, err := toInt(raw)
		if err != nil {
			return nil, notebook.E(notebook.CodeInvalidIndex, "new_index must be an integer")
		}
		newIndex = &idx
	}
	var results []*notebook.ValidationResult
	if cell.Validate {
		current, err := s.store.ReadPad(tenant, scratchID, store.ReadOptions{})
		if err != nil {
			return nil, err
		}
		target := current.CellByID(cellID)
		if target == nil {
			return nil, notebook.E(notebook.CodeInvalidID, "cell %q not found", cellID)
		}
		cell.CellID = cellID
		cell.Index = target.Index
		results, err = s.advisoryValidate(ctx, current, []*notebook.Cell{cell})
		if err != nil {
			return nil, err
		}
	}
	pad, err := s.store.ReplaceCell(tenant, scratchID, cellID, cell, newIndex, s.search.Reindexer(ctx))
	if err != nil {
		return nil, err
	}
	out := padView(pad)
	out["cell_id"] = cellID
	if updated := pad.CellByID(cellID); updated != nil {
		out["index"] = updated.Index
	}
	if results != nil {
		out["validation"] = results
	}
	return out, nil
}

func (s *Service) deletePad(tenant string, params map[string]any) (map[string]any, error) {
	scratchID, err := requireStr(params, "scratch_id")
	if err != nil {
		return nil, err
	}
	deleted, err := s.store.DeletePad(tenant, scratchID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"scratch_id": scratchID, "deleted": deleted}, nil
}

// ---- validation ----

func (s *Service) validate(ctx context.Context, tenant string, params map[string]any) (map[string]any, error) {
	scratchID, err := requireStr(params, "scratch_id")
	if err != nil {
		return nil, err
	}
	cellIDs := strListArg(params, "cell_ids")
	pad, err := s.store.ReadPad(tenant, scratchID, store.ReadOptions{})
	if err != nil {
		return nil, err
	}
	targets := pad.Cells
	if len(cellIDs) > 0 {
		targets = nil
		for _, id := range cellIDs {
			cell := pad.CellByID(id)
			if cell == nil {
				return nil, notebook.E(notebook.CodeInvalidID, "cell %q not found", id)
			}
			targets = append(targets, cell)
		}
	}
	results, err := s.advisoryValidate(ctx, pad, targets)
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []*notebook.ValidationResult{}
	}
	return map[string]any{"scratch_id": scratchID, "results": results}, nil
}

// advisoryValidate runs the pipeline over cells under the request timeout.
// A nil result with nil error means nothing was requested.
func (s *Service) advisoryValidate(ctx context.Context, pad *notebook.Scratchpad, cells []*notebook.Cell) ([]*notebook.ValidationResult, error) {
	if len(cells) == 0 {
		return nil, nil
	}
	timeout := s.cfg.ValidationTimeout()
	vctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		vctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	registry := notebook.NormalizeSchemaRegistry(pad.Metadata["schemas"])
	resolver := func(name string) (*notebook.SchemaEntry, bool) {
		entry, ok := registry[name]
		return entry, ok
	}
	return s.pipeline.ValidateCells(vctx, cells, resolver)
}

func flaggedCells(cells []*notebook.Cell) []*notebook.Cell {
	var flagged []*notebook.Cell
	for _, cell := range cells {
		if cell.Validate {
			flagged = append(flagged, cell)
		}
	}
	return flagged
}

// ---- search and tags ----

func (s *Service) searchTool(ctx context.Context, tenant string, params map[string]any) (map[string]any, error) {
	query, err := requireStr(params, "query")
	if err != nil {
		return nil, err
	}
	hits, version, err := s.search.Search(ctx, tenant, query,
		strListArg(params, "namespaces"), strListArg(params, "tags"), intArg(params, "limit", 0))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"hits":     hits,
		"count":    len(hits),
		"embedder": version,
	}, nil
}

func (s *Service) listTags(tenant string, params map[string]any) (map[string]any, error) {
	listing, err := s.store.ListTags(tenant, strListArg(params, "namespaces"))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"scratchpad_tags": listing.ScratchpadTags,
		"cell_tags":       listing.CellTags,
	}, nil
}

// ---- schema registry ----

func (s *Service) upsertSchema(tenant string, params map[string]any) (map[string]any, error) {
	scratchID, err := requireStr(params, "scratch_id")
	if err != nil {
		return nil, err
	}
	name, err := requireStr(params, "name")
	if err != nil {
		return nil, err
	}
	raw, ok := params["schema"]
	if !ok || raw == nil {
		return nil, notebook.E(notebook.CodeValidationError, "schema is required")
	}
	entry, err := notebook.NormalizeSchemaEntry(name, map[string]any{
		"schema":      raw,
		"id":          strArg(params, "id"),
		"description": strArg(params, "description"),
	})
	if err != nil {
		return nil, notebook.E(notebook.CodeValidationError, "%v", err)
	}
	if err := validation.ValidateSchemaPayload(entry.Schema); err != nil {
		return nil, err
	}
	stored, err := s.store.UpsertSchema(tenant, scratchID, entry)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"scratch_id": scratchID,
		"schema":     stored,
		"ref":        notebook.SchemaRefPrefix + stored.Name,
	}, nil
}

func (s *Service) getSchema(tenant string, params map[string]any) (map[string]any, error) {
	scratchID, err := requireStr(params, "scratch_id")
	if err != nil {
		return nil, err
	}
	name, err := requireStr(params, "name")
	if err != nil {
		return nil, err
	}
	entry, err := s.store.GetSchema(tenant, scratchID, name)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"scratch_id": scratchID,
		"schema":     entry,
		"ref":        notebook.SchemaRefPrefix + entry.Name,
	}, nil
}

func (s *Service) listSchemas(tenant string, params map[string]any) (map[string]any, error) {
	scratchID, err := requireStr(params, "scratch_id")
	if err != nil {
		return nil, err
	}
	entries, err := s.store.ListSchemas(tenant, scratchID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"scratch_id": scratchID, "schemas": entries, "count": len(entries)}, nil
}

// ---- namespaces ----

func (s *Service) namespaceList(tenant string) (map[string]any, error) {
	infos, err := s.store.ListNamespaces(tenant)
	if err != nil {
		return nil, err
	}
	return map[string]any{"namespaces": infos, "count": len(infos)}, nil
}

func (s *Service) namespaceCreate(tenant string, params map[string]any) (map[string]any, error) {
	name, err := requireStr(params, "name")
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateNamespace(tenant, name); err != nil {
		return nil, err
	}
	return map[string]any{"namespace": name}, nil
}

func (s *Service) namespaceRename(tenant string, params map[string]any) (map[string]any, error) {
	oldName, err := requireStr(params, "old_name")
	if err != nil {
		return nil, err
	}
	newName, err := requireStr(params, "new_name")
	if err != nil {
		return nil, err
	}
	moved, err := s.store.RenameNamespace(tenant, oldName, newName, boolArg(params, "migrate", true))
	if err != nil {
		return nil, err
	}
	return map[string]any{"old_name": oldName, "new_name": newName, "migrated": moved}, nil
}

func (s *Service) namespaceDelete(tenant string, params map[string]any) (map[string]any, error) {
	name, err := requireStr(params, "name")
	if err != nil {
		return nil, err
	}
	deleted, err := s.store.DeleteNamespace(tenant, name, boolArg(params, "cascade", false))
	if err != nil {
		return nil, err
	}
	return map[string]any{"namespace": name, "deleted_scratchpads": deleted}, nil
}

// ---- views ----

// padView is the lightweight shape returned by mutations: ids, indices,
// tags, and metadata, never cell content.
func padView(pad *notebook.Scratchpad) map[string]any {
	cells := make([]map[string]any, 0, len(pad.Cells))
	for _, cell := range pad.Cells {
		cells = append(cells, map[string]any{
			"cell_id":  cell.CellID,
			"index":    cell.Index,
			"language": cell.Language,
			"validate": cell.Validate,
		})
	}
	metadata := make(map[string]any, len(pad.Metadata))
	for k, v := range pad.Metadata {
		metadata[k] = v
	}
	return map[string]any{
		"scratch_id": pad.ScratchID,
		"namespace":  pad.Namespace,
		"tags":       pad.Tags(),
		"metadata":   metadata,
		"cell_count": len(pad.Cells),
		"cells":      cells,
	}
}

// fullPadView includes content and synthesizes cell_tags in the metadata.
// Metadata is omitted entirely when the caller asked it off.
func fullPadView(pad *notebook.Scratchpad, includeMetadata bool) map[string]any {
	out := map[string]any{
		"scratch_id":     pad.ScratchID,
		"namespace":      pad.Namespace,
		"cells":          pad.Cells,
		"cell_count":     len(pad.Cells),
		"created_at":     pad.CreatedAt.UTC().Format(time.RFC3339),
		"last_access_at": pad.LastAccessAt.UTC().Format(time.RFC3339),
	}
	if includeMetadata {
		metadata := make(map[string]any, len(pad.Metadata)+1)
		for k, v := range pad.Metadata {
			metadata[k] = v
		}
		if cellTags := pad.CellTags(); len(cellTags) > 0 {
			metadata["cell_tags"] = cellTags
		}
		out["metadata"] = metadata
	}
	return out
}

// ---- parameter plumbing ----

func parseCells(raw any) ([]*notebook.Cell, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, notebook.E(notebook.CodeValidationError, "cells must be a list")
	}
	cells := make([]*notebook.Cell, 0, len(items))
	for i, item := range items {
		fields, ok := item.(map[string]any)
		if !ok {
			return nil, notebook.E(notebook.CodeValidationError, "cells[%d] must be an object", i)
		}
		cell, err := parseCell(fields)
		if err != nil {
			return nil, err
		}
		cells = append(cells, cell)
	}
	return cells, nil
}

// parseCellParam extracts the nested cell object carried by mutations.
func parseCellParam(params map[string]any) (*notebook.Cell, error) {
	fields, ok := params["cell"].(map[string]any)
	if !ok {
		return nil, notebook.E(notebook.CodeValidationError, "cell must be an object")
	}
	return parseCell(fields)
}

func parseCell(fields map[string]any) (*notebook.Cell, error) {
	language := strArg(fields, "language")
	if language == "" {
		return nil, notebook.E(notebook.CodeValidationError, "cell language is required")
	}
	content, ok := fields["content"].(string)
	if !ok {
		return nil, notebook.E(notebook.CodeValidationError, "cell content must be a string")
	}
	cell := &notebook.Cell{
		Language: language,
		Content:  content,
		Validate: boolArg(fields, "validate", false),
	}
	if schema, present := fields["json_schema"]; present && schema != nil {
		cell.JSONSchema = schema
	}
	if metadata := mapArg(fields, "metadata"); len(metadata) > 0 {
		cell.Metadata = notebook.NormalizeCellMetadata(metadata)
	}
	return cell, nil
}

func checkTitle(metadata map[string]any) error {
	title := notebook.MetadataString(metadata, "title")
	if len(title) > notebook.MaxTitleLen {
		return notebook.E(notebook.CodeValidationError,
			"title is %d characters; max is %d", len(title), notebook.MaxTitleLen)
	}
	return nil
}

func strArg(params map[string]any, key string) string {
	if value, ok := params[key].(string); ok {
		return value
	}
	return ""
}

func requireStr(params map[string]any, key string) (string, error) {
	value := strArg(params, key)
	if value == "" {
		return "", notebook.E(notebook.CodeValidationError, "%s is required", key)
	}
	return value, nil
}

func strListArg(params map[string]any, key string) []string {
	return notebook.NormalizeTags(params[key])
}

func mapArg(params map[string]any, key string) map[string]any {
	if value, ok := params[key].(map[string]any); ok {
		return value
	}
	return map[string]any{}
}

func boolArg(params map[string]any, key string, fallback bool) bool {
	if value, ok := params[key].(bool); ok {
		return value
	}
	return fallback
}

func intArg(params map[string]any, key string, fallback int) int {
	raw, ok := params[key]
	if !ok || raw == nil {
		return fallback
	}
	value, err := toInt(raw)
	if err != nil {
		return fallback
	}
	return value
}

func toInt(raw any) (int, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("not an integer: %v", raw)
	}
}
