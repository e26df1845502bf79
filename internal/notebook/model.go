// Package notebook defines the domain model shared by the store, the
// validation pipeline, the search subsystem, and the tool surface:
// scratchpads, cells, schema registry entries, validation results, and the
// domain error taxonomy.
package notebook

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultTenant is the implicit tenant used while auth is disabled.
	DefaultTenant = "default"
	// DefaultNamespace groups pads that were created without a namespace.
	DefaultNamespace = "default"
	// SchemaRefPrefix addresses entries in a pad's schema registry.
	SchemaRefPrefix = "scratchpad://schemas/"
	// MaxTitleLen bounds the canonical title metadata key.
	MaxTitleLen = 60
)

var supportedLanguages = map[string]bool{
	"json": true, "yaml": true, "yml": true, "md": true, "txt": true,
	"py": true, "js": true, "ts": true, "tsx": true, "jsx": true,
	"rs": true, "c": true, "h": true, "cpp": true, "hpp": true,
	"sh": true, "css": true, "html": true, "htm": true, "java": true,
	"go": true, "rb": true, "toml": true, "php": true, "cs": true,
}

// IsSupportedLanguage reports whether language is in the enumerated set.
func IsSupportedLanguage(language string) bool {
	return supportedLanguages[language]
}

// CanonicalMetadataFields are the trimmed, string-valued pad metadata keys.
var CanonicalMetadataFields = []string{"title", "description", "summary"}

var scratchIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidScratchID reports whether a client-supplied id is acceptable.
func ValidScratchID(id string) bool {
	return scratchIDPattern.MatchString(id)
}

// NewScratchID generates a server-side scratchpad id.
func NewScratchID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "scratch-" + hex[:12]
}

// NewCellID generates a cell id, unique within its pad.
func NewCellID() string {
	return uuid.NewString()
}

// Cell is a typed unit of content within a scratchpad. Index is
// presentation-only; mutations address cells by CellID.
type Cell struct {
	CellID     string         `json:"cell_id"`
	Index      int            `json:"index"`
	Language   string         `json:"language"`
	Content    string         `json:"content"`
	Validate   bool           `json:"validate"`
	JSONSchema any            `json:"json_schema,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Tags returns the cell's normalized tag list from its metadata.
func (c *Cell) Tags() []string {
	if c.Metadata == nil {
		return nil
	}
	return NormalizeTags(c.Metadata["tags"])
}

// Scratchpad is a UUID-addressed ordered container of cells.
type Scratchpad struct {
	ScratchID    string         `json:"scratch_id"`
	TenantID     string         `json:"-"`
	Namespace    string         `json:"namespace,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Cells        []*Cell        `json:"cells"`
	CreatedAt    time.Time      `json:"-"`
	LastAccessAt time.Time      `json:"-"`
}

// Tags returns the pad-level tags from metadata.
func (p *Scratchpad) Tags() []string {
	if p.Metadata == nil {
		return nil
	}
	return NormalizeTags(p.Metadata["tags"])
}

// CellTags returns the union of cell tag sets, first-seen order.
func (p *Scratchpad) CellTags() []string {
	var all []string
	for _, c := range p.Cells {
		all = append(all, c.Tags()...)
	}
	return MergeTags(all)
}

// AggregateTags returns pad tags merged with cell tags.
func (p *Scratchpad) AggregateTags() []string {
	return MergeTags(p.Tags(), p.CellTags())
}

// Renumber rewrites cell indices to the contiguous range [0, len).
func (p *Scratchpad) Renumber() {
	for i, c := range p.Cells {
		c.Index = i
	}
}

// CellByID returns the cell with the given id, or nil.
func (p *Scratchpad) CellByID(cellID string) *Cell {
	for _, c := range p.Cells {
		if c.CellID == cellID {
			return c
		}
	}
	return nil
}

// NormalizeTags coerces a decoded JSON value into a deduplicated tag list.
// Strings become one-element lists; list items are trimmed; empty values
// drop out; first occurrence wins.
func NormalizeTags(value any) []string {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return nil
		}
		return []string{trimmed}
	case []string:
		items := make([]any, len(v))
		for i, s := range v {
			items[i] = s
		}
		return NormalizeTags(items)
	case []any:
		var collected []string
		for _, item := range v {
			if item == nil {
				continue
			}
			var candidate string
			if s, ok := item.(string); ok {
				candidate = strings.TrimSpace(s)
			} else {
				candidate = fmt.Sprint(item)
			}
			if candidate != "" {
				collected = append(collected, candidate)
			}
		}
		return MergeTags(collected)
	default:
		candidate := strings.TrimSpace(fmt.Sprint(v))
		if candidate == "" {
			return nil
		}
		return []string{candidate}
	}
}

// MergeTags unions tag lists preserving first-seen order.
func MergeTags(tagSets ...[]string) []string {
	var merged []string
	seen := make(map[string]bool)
	for _, set := range tagSets {
		for _, tag := range set {
			if !seen[tag] {
				seen[tag] = true
				merged = append(merged, tag)
			}
		}
	}
	return merged
}

// NormalizeCellMetadata returns a copy of metadata with tags normalized.
func NormalizeCellMetadata(metadata map[string]any) map[string]any {
	normalized := make(map[string]any, len(metadata))
	for k, v := range metadata {
		normalized[k] = v
	}
	if tags := NormalizeTags(normalized["tags"]); len(tags) > 0 {
		normalized["tags"] = tags
	} else {
		delete(normalized, "tags")
	}
	return normalized
}

// NormalizePadMetadata canonicalizes pad metadata in place of a copy:
// trims title/description/summary, normalizes tags and namespace, and
// canonicalizes the embedded schema registry. cell_tags is synthesized at
// read time and never stored.
func NormalizePadMetadata(metadata map[string]any) map[string]any {
	normalized := make(map[string]any, len(metadata))
	for k, v := range metadata {
		normalized[k] = v
	}
	delete(normalized, "cell_tags")

	if registry := NormalizeSchemaRegistry(normalized["schemas"]); len(registry) > 0 {
		normalized["schemas"] = registry
	} else {
		delete(normalized, "schemas")
	}
	if tags := NormalizeTags(normalized["tags"]); len(tags) > 0 {
		normalized["tags"] = tags
	} else {
		delete(normalized, "tags")
	}
	if ns, ok := normalized["namespace"]; ok {
		value := strings.TrimSpace(fmt.Sprint(ns))
		if value != "" {
			normalized["namespace"] = value
		} else {
			delete(normalized, "namespace")
		}
	}
	for _, field := range CanonicalMetadataFields {
		value, ok := normalized[field]
		if !ok || value == nil {
			continue
		}
		trimmed := strings.TrimSpace(fmt.Sprint(value))
		if trimmed != "" {
			normalized[field] = trimmed
		} else {
			delete(normalized, field)
		}
	}
	return normalized
}

// MetadataString returns the trimmed string value of a canonical key.
func MetadataString(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	if value, ok := metadata[key].(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

// SchemaEntry is one row of a pad's shared schema registry.
type SchemaEntry struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"`
}

// NormalizeSchemaRegistry canonicalizes the schemas sub-map of pad metadata.
// Entries may be {schema, id?, description?} objects, bare schema objects,
// or JSON strings. Malformed entries drop out.
func NormalizeSchemaRegistry(raw any) map[string]*SchemaEntry {
	mapping, ok := asStringMap(raw)
	if !ok {
		return nil
	}
	registry := make(map[string]*SchemaEntry)
	for name, value := range mapping {
		entry, err := NormalizeSchemaEntry(name, value)
		if err != nil {
			continue
		}
		registry[name] = entry
	}
	if len(registry) == 0 {
		return nil
	}
	return registry
}

// NormalizeSchemaEntry canonicalizes one registry value to a SchemaEntry.
func NormalizeSchemaEntry(name string, raw any) (*SchemaEntry, error) {
	var entryID, description string
	schemaCandidate := raw

	if mapping, ok := asStringMap(raw); ok {
		if inner, present := mapping["schema"]; present {
			schemaCandidate = inner
			if id, ok := mapping["id"].(string); ok {
				entryID = id
			}
			if desc, ok := mapping["description"].(string); ok {
				description = desc
			}
		}
	}

	schema, err := CoerceSchemaObject(schemaCandidate)
	if err != nil {
		return nil, err
	}
	if entryID == "" {
		entryID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return &SchemaEntry{ID: entryID, Name: name, Description: description, Schema: schema}, nil
}

// CoerceSchemaObject accepts a schema as an object or a JSON string and
// returns it as a map.
func CoerceSchemaObject(raw any) (map[string]any, error) {
	if mapping, ok := asStringMap(raw); ok {
		return mapping, nil
	}
	if text, ok := raw.(string); ok {
		var loaded any
		if err := json.Unmarshal([]byte(text), &loaded); err != nil {
			return nil, fmt.Errorf("schema string is not valid JSON: %w", err)
		}
		if mapping, ok := asStringMap(loaded); ok {
			return mapping, nil
		}
		return nil, fmt.Errorf("schema string must decode to an object")
	}
	return nil, fmt.Errorf("schema must be an object or a JSON string")
}

func asStringMap(raw any) (map[string]any, bool) {
	switch m := raw.(type) {
	case map[string]any:
		return m, true
	case map[string]*SchemaEntry:
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = map[string]any{"id": v.ID, "description": v.Description, "schema": v.Schema}
		}
		return out, true
	default:
		return nil, false
	}
}

// Diagnostic is one validation finding.
type Diagnostic struct {
	Message string         `json:"message"`
	Code    string         `json:"code,omitempty"`
	Line    int            `json:"line,omitempty"`
	Column  int            `json:"column,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// ValidationResult reports the advisory findings for one cell. Warnings
// never flip Valid to false.
type ValidationResult struct {
	CellID   string         `json:"cell_id,omitempty"`
	Index    int            `json:"cell_index"`
	Language string         `json:"language"`
	Valid    bool           `json:"valid"`
	Errors   []Diagnostic   `json:"errors"`
	Warnings []Diagnostic   `json:"warnings"`
	Details  map[string]any `json:"details,omitempty"`
}

// NewValidationResult starts a passing result for a cell.
func NewValidationResult(cell *Cell) *ValidationResult {
	return &ValidationResult{
		CellID:   cell.CellID,
		Index:    cell.Index,
		Language: cell.Language,
		Valid:    true,
		Errors:   []Diagnostic{},
		Warnings: []Diagnostic{},
	}
}

// AddError records a fatal diagnostic and marks the result invalid.
func (r *ValidationResult) AddError(diag Diagnostic) {
	r.Errors = append(r.Errors, diag)
	r.Valid = false
}

// AddWarning records an advisory diagnostic.
func (r *ValidationResult) AddWarning(diag Diagnostic) {
	r.Warnings = append(r.Warnings, diag)
}

// SetDetail attaches a keyed detail payload.
func (r *ValidationResult) SetDetail(key string, value any) {
	if r.Details == nil {
		r.Details = make(map[string]any)
	}
	r.Details[key] = value
}

// SearchHit is one semantic search result.
type SearchHit struct {
	ScratchID        string   `json:"scratch_id"`
	CellID           string   `json:"cell_id,omitempty"`
	TenantID         string   `json:"-"`
	Namespace        string   `json:"namespace,omitempty"`
	Tags             []string `json:"tags"`
	Score            float64  `json:"score"`
	Snippet          string   `json:"snippet"`
	EmbeddingVersion string   `json:"embedding_version,omitempty"`
}

// TagListing aggregates pad-level and cell-level tags for a tenant.
type TagListing struct {
	ScratchpadTags  []string `json:"scratchpad_tags"`
	CellTags        []string `json:"cell_tags"`
	NamespaceFilter []string `json:"namespace_filter,omitempty"`
}

// PadSummary is the lean row returned by list operations.
type PadSummary struct {
	ScratchID   string `json:"scratch_id"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Namespace   string `json:"namespace,omitempty"`
	CellCount   int    `json:"cell_count"`
}
