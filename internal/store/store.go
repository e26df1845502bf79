// Package store implements the tenant-scoped catalog on SQLite: scratchpads,
// cells, namespaces, and embeddings, with transactional multi-table writes
// and predicate pushdown for listing and vector search.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"scratchpad/internal/logging"
	"scratchpad/internal/notebook"
)

// Limits are the capacity bounds enforced by mutations. Zero means
// unlimited.
type Limits struct {
	MaxScratchpads int
	MaxCellsPerPad int
	MaxCellBytes   int
	EvictionPolicy string
}

// Store is the catalog. A single SQLite connection serializes writers; the
// RWMutex keeps multi-statement transactions from interleaving.
type Store struct {
	db        *sql.DB
	mu        sync.RWMutex
	path      string
	limits    Limits
	vectorExt bool
	now       func() time.Time
}

// Open initializes the catalog under dir. Pass ":memory:" for an ephemeral
// store (tests).
func Open(dir string, limits Limits) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	path := dir
	if dir != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
		path = filepath.Join(dir, "catalog.db")
	}
	logging.Store("Opening catalog at %s", path)

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe with WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable foreign_keys: %v", err)
	}

	s := &Store{db: db, path: path, limits: limits, now: time.Now}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	s.detectVecExtension()
	if s.vectorExt {
		logging.Store("sqlite-vec extension detected; SQL-side distance enabled")
	} else {
		logging.StoreDebug("sqlite-vec extension not available; using in-process cosine")
	}
	logging.Store("Catalog ready")
	return s, nil
}

// initialize creates the required tables and indexes.
func (s *Store) initialize() error {
	padsTable := `
	CREATE TABLE IF NOT EXISTS pads (
		tenant_id TEXT NOT NULL,
		scratch_id TEXT NOT NULL,
		namespace TEXT NOT NULL DEFAULT 'default',
		tags TEXT NOT NULL DEFAULT '[]',
		metadata TEXT NOT NULL DEFAULT '{}',
		cell_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		last_access_at INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, scratch_id)
	);
	CREATE INDEX IF NOT EXISTS idx_pads_tenant ON pads(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_pads_namespace ON pads(tenant_id, namespace);
	CREATE INDEX IF NOT EXISTS idx_pads_access ON pads(tenant_id, last_access_at, created_at);
	`

	cellsTable := `
	CREATE TABLE IF NOT EXISTS cells (
		tenant_id TEXT NOT NULL,
		scratch_id TEXT NOT NULL,
		cell_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		language TEXT NOT NULL,
		content TEXT NOT NULL,
		validate_flag INTEGER NOT NULL DEFAULT 0,
		json_schema TEXT,
		tags TEXT NOT NULL DEFAULT '[]',
		metadata TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (tenant_id, scratch_id, cell_id)
	);
	CREATE INDEX IF NOT EXISTS idx_cells_pad ON cells(tenant_id, scratch_id, position);
	`

	namespacesTable := `
	CREATE TABLE IF NOT EXISTS namespaces (
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, name)
	);
	`

	// cell_id '' marks the pad-level document.
	embeddingsTable := `
	CREATE TABLE IF NOT EXISTS embeddings (
		tenant_id TEXT NOT NULL,
		scratch_id TEXT NOT NULL,
		cell_id TEXT NOT NULL DEFAULT '',
		cell_index INTEGER NOT NULL DEFAULT -1,
		namespace TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		language TEXT NOT NULL DEFAULT '',
		snippet TEXT NOT NULL DEFAULT '',
		vector TEXT NOT NULL,
		dimension INTEGER NOT NULL,
		embedding_version TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, scratch_id, cell_id)
	);
	CREATE INDEX IF NOT EXISTS idx_embeddings_scope ON embeddings(tenant_id, embedding_version, namespace);
	`

	for _, table := range []string{padsTable, cellsTable, namespacesTable, embeddingsTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// detectVecExtension attempts to create a vec0 virtual table to see if
// sqlite-vec is available.
func (s *Store) detectVecExtension() {
	if s.db == nil {
		return
	}
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
		return
	}
	s.vectorExt = false
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Store("Closing catalog")
	return s.db.Close()
}

// Counts returns the current pad and cell totals across all tenants.
func (s *Store) Counts() (pads, cells int64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err = s.db.QueryRow("SELECT COUNT(*) FROM pads").Scan(&pads); err != nil {
		return 0, 0, fmt.Errorf("failed to count pads: %w", err)
	}
	if err = s.db.QueryRow("SELECT COUNT(*) FROM cells").Scan(&cells); err != nil {
		return 0, 0, fmt.Errorf("failed to count cells: %w", err)
	}
	return pads, cells, nil
}

// Tenants returns the distinct tenant ids with at least one pad.
func (s *Store) Tenants() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT DISTINCT tenant_id FROM pads ORDER BY tenant_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var tenant string
		if err := rows.Scan(&tenant); err != nil {
			return nil, err
		}
		tenants = append(tenants, tenant)
	}
	return tenants, rows.Err()
}

// MigrateDefaultTenant reassigns every implicit-default pad to target in one
// transaction. Returns the number of pads moved. Used once when auth is
// first enabled.
func (s *Store) MigrateDefaultTenant(target string) (int64, error) {
	if target == "" || target == notebook.DefaultTenant {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback()

	var moved int64
	for _, table := range []string{"pads", "cells", "embeddings", "namespaces"} {
		res, err := tx.Exec(
			fmt.Sprintf("UPDATE %s SET tenant_id = ? WHERE tenant_id = ?", table),
			target, notebook.DefaultTenant)
		if err != nil {
			return 0, fmt.Errorf("failed to migrate %s: %w", table, err)
		}
		if table == "pads" {
			moved, _ = res.RowsAffected()
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit migration: %w", err)
	}
	logging.Store("Tenant migration complete: from=%s to=%s pad_count=%d",
		notebook.DefaultTenant, target, moved)
	return moved, nil
}

// ---- row plumbing ----

func encodeJSON(value any) string {
	if value == nil {
		return "null"
	}
	data, err := json.Marshal(value)
	if err != nil {
		return "null"
	}
	return string(data)
}

func decodeStringList(raw string) []string {
	var out []string
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func decodeMap(raw string) map[string]any {
	out := make(map[string]any)
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return make(map[string]any)
	}
	return out
}

func (s *Store) loadPadTx(tx *sql.Tx, tenant, scratchID string) (*notebook.Scratchpad, error) {
	var (
		namespace, tagsRaw, metadataRaw string
		createdAt, lastAccessAt         int64
	)
	err := tx.QueryRow(`
		SELECT namespace, tags, metadata, created_at, last_access_at
		FROM pads WHERE tenant_id = ? AND scratch_id = ?`,
		tenant, scratchID).Scan(&namespace, &tagsRaw, &metadataRaw, &createdAt, &lastAccessAt)
	if err == sql.ErrNoRows {
		return nil, notebook.E(notebook.CodeNotFound, "scratchpad %q not found", scratchID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pad: %w", err)
	}

	pad := &notebook.Scratchpad{
		ScratchID:    scratchID,
		TenantID:     tenant,
		Namespace:    namespace,
		Metadata:     decodeMap(metadataRaw),
		CreatedAt:    time.Unix(0, createdAt).UTC(),
		LastAccessAt: time.Unix(0, lastAccessAt).UTC(),
	}
	if tags := decodeStringList(tagsRaw); len(tags) > 0 {
		pad.Metadata["tags"] = tags
	}

	rows, err := tx.Query(`
		SELECT cell_id, position, language, content, validate_flag, json_schema, metadata
		FROM cells WHERE tenant_id = ? AND scratch_id = ? ORDER BY position`,
		tenant, scratchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cells: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cell        notebook.Cell
			validate    int
			schemaRaw   sql.NullString
			metadataRaw string
		)
		if err := rows.Scan(&cell.CellID, &cell.Index, &cell.Language, &cell.Content,
			&validate, &schemaRaw, &metadataRaw); err != nil {
			return nil, err
		}
		cell.Validate = validate != 0
		cell.Metadata = decodeMap(metadataRaw)
		if schemaRaw.Valid && schemaRaw.String != "" {
			var schema any
			if err := json.Unmarshal([]byte(schemaRaw.String), &schema); err == nil {
				cell.JSONSchema = schema
			}
		}
		pad.Cells = append(pad.Cells, &cell)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	pad.Renumber()
	return pad, nil
}

// touchTx advances last_access_at; it never moves backwards.
func (s *Store) touchTx(tx *sql.Tx, tenant, scratchID string, at time.Time) error {
	_, err := tx.Exec(`
		UPDATE pads SET last_access_at = MAX(last_access_at, ?)
		WHERE tenant_id = ? AND scratch_id = ?`,
		at.UnixNano(), tenant, scratchID)
	if err != nil {
		return fmt.Errorf("failed to touch pad: %w", err)
	}
	return nil
}

func (s *Store) insertCellTx(tx *sql.Tx, tenant, scratchID string, cell *notebook.Cell) error {
	var schemaRaw any
	if cell.JSONSchema != nil {
		schemaRaw = encodeJSON(cell.JSONSchema)
	}
	_, err := tx.Exec(`
		INSERT INTO cells (tenant_id, scratch_id, cell_id, position, language, content,
			validate_flag, json_schema, tags, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tenant, scratchID, cell.CellID, cell.Index, cell.Language, cell.Content,
		boolToInt(cell.Validate), schemaRaw, encodeJSON(cell.Tags()), encodeJSON(cell.Metadata))
	if err != nil {
		return fmt.Errorf("failed to insert cell: %w", err)
	}
	return nil
}

func (s *Store) updatePadRowTx(tx *sql.Tx, pad *notebook.Scratchpad) error {
	_, err := tx.Exec(`
		UPDATE pads SET tags = ?, metadata = ?, cell_count = ?
		WHERE tenant_id = ? AND scratch_id = ?`,
		encodeJSON(pad.Tags()), encodeJSON(pad.Metadata), len(pad.Cells),
		pad.TenantID, pad.ScratchID)
	if err != nil {
		return fmt.Errorf("failed to update pad row: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
