package search

import (
	"context"
	"strings"

	"scratchpad/internal/logging"
	"scratchpad/internal/notebook"
	"scratchpad/internal/store"
)

const snippetLimit = 240

// Service ties the embedding engine to the catalog's vector table. When
// disabled, Reindexer returns nil so mutations skip vector upkeep and
// Search fails with CONFIG_ERROR.
type Service struct {
	store   *store.Store
	engine  Engine
	enabled bool
	limit   int
}

// NewService builds the search service. engine may be nil when disabled.
func NewService(st *store.Store, engine Engine, enabled bool, defaultLimit int) *Service {
	if defaultLimit <= 0 {
		defaultLimit = 10
	}
	return &Service{store: st, engine: engine, enabled: enabled, limit: defaultLimit}
}

// Enabled reports whether semantic search is active.
func (s *Service) Enabled() bool {
	return s.enabled && s.engine != nil
}

// EmbedderName returns the active engine name, or "" when disabled.
func (s *Service) EmbedderName() string {
	if !s.Enabled() {
		return ""
	}
	return s.engine.Name()
}

// Reindexer returns the callback the store runs inside each mutation
// transaction: it builds one document per pad plus one per cell, embeds
// them, and stages the vector rows. Returns nil when search is disabled.
func (s *Service) Reindexer(ctx context.Context) store.Reindexer {
	if !s.Enabled() {
		return nil
	}
	return func(pad *notebook.Scratchpad) ([]store.EmbeddingRecord, error) {
		documents := buildDocuments(pad)
		if len(documents) == 0 {
			return nil, nil
		}
		texts := make([]string, len(documents))
		for i, doc := range documents {
			texts[i] = doc.text
		}
		vectors, err := s.engine.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, err
		}
		records := make([]store.EmbeddingRecord, len(documents))
		for i, doc := range documents {
			records[i] = store.EmbeddingRecord{
				CellID:    doc.cellID,
				CellIndex: doc.cellIndex,
				Namespace: pad.Namespace,
				Tags:      doc.tags,
				Language:  doc.language,
				Snippet:   doc.snippet,
				Vector:    vectors[i],
				Version:   s.engine.Name(),
			}
		}
		logging.SearchDebug("Reindexed pad %s: %d document(s)", pad.ScratchID, len(records))
		return records, nil
	}
}

// Search embeds the query and runs the filtered nearest-neighbor lookup.
// The limit is clamped to [1, 50].
func (s *Service) Search(ctx context.Context, tenant, query string, namespaces, tags []string, limit int) ([]notebook.SearchHit, string, error) {
	if !s.Enabled() {
		return nil, "", notebook.E(notebook.CodeConfigError, "semantic search is disabled")
	}
	timer := logging.StartTimer(logging.CategorySearch, "Search")
	defer timer.Stop()

	if limit <= 0 {
		limit = s.limit
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 50 {
		limit = 50
	}

	vector, err := s.engine.Embed(ctx, query)
	if err != nil {
		logging.Get(logging.CategorySearch).Error("Query embedding failed: %v", err)
		return nil, "", notebook.E(notebook.CodeInternal, "could not embed the query")
	}
	hits, err := s.store.SearchEmbeddings(tenant, vector, s.engine.Name(),
		cleanFilter(namespaces), cleanFilter(tags), limit)
	if err != nil {
		logging.Get(logging.CategorySearch).Error("Vector lookup failed: %v", err)
		return nil, "", notebook.E(notebook.CodeInternal, "search failed")
	}
	if hits == nil {
		hits = []notebook.SearchHit{}
	}
	logging.Search("Search for tenant=%s returned %d hit(s)", tenant, len(hits))
	return hits, s.engine.Name(), nil
}

func cleanFilter(values []string) []string {
	var out []string
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// document is one embeddable unit: the pad itself (cellID "") or a cell.
type document struct {
	text      string
	snippet   string
	tags      []string
	cellID    string
	cellIndex int
	language  string
}

func buildDocuments(pad *notebook.Scratchpad) []document {
	title := notebook.MetadataString(pad.Metadata, "title")
	description := notebook.MetadataString(pad.Metadata, "description")
	summary := notebook.MetadataString(pad.Metadata, "summary")
	padTags := pad.Tags()
	metaParts := []string{title, description, summary}

	var padTextParts []string
	for _, part := range metaParts {
		if part != "" {
			padTextParts = append(padTextParts, part)
		}
	}
	for _, cell := range pad.Cells {
		if trimmed := strings.TrimSpace(cell.Content); trimmed != "" {
			padTextParts = append(padTextParts, trimmed)
		}
	}
	padText := strings.Join(padTextParts, "\n")

	documents := []document{{
		text:      padText,
		snippet:   buildSnippet(padText, metaParts),
		tags:      padTags,
		cellID:    "",
		cellIndex: -1,
	}}
	for _, cell := range pad.Cells {
		cellText := strings.TrimSpace(cell.Content)
		documents = append(documents, document{
			text:      cellText,
			snippet:   buildSnippet(cellText, metaParts),
			tags:      notebook.MergeTags(padTags, cell.Tags()),
			cellID:    cell.CellID,
			cellIndex: cell.Index,
			language:  cell.Language,
		})
	}
	return documents
}

// buildSnippet joins the metadata parts and content, truncated to 240 chars.
func buildSnippet(text string, metaParts []string) string {
	var parts []string
	for _, part := range metaParts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	if trimmed := strings.TrimSpace(text); trimmed != "" {
		parts = append(parts, trimmed)
	}
	combined := strings.Join(parts, " ")
	if len(combined) <= snippetLimit {
		return combined
	}
	return combined[:snippetLimit-3] + "..."
}
