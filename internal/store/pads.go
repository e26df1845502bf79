package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"scratchpad/internal/logging"
	"scratchpad/internal/notebook"
)

// ReadOptions filter a pad read. CellIDs and Tags intersect when both are
// given; Namespaces must contain the pad's namespace or the read fails with
// CONFLICT.
type ReadOptions struct {
	CellIDs    []string
	Tags       []string
	Namespaces []string
}

// CreatePad persists a new pad with its initial cells in one transaction.
// Under the discard policy it returns the ids of any pads evicted to make
// room. The duplicate-id loser receives INVALID_ID.
func (s *Store) CreatePad(tenant string, pad *notebook.Scratchpad, reindex Reindexer) (*notebook.Scratchpad, []string, error) {
	timer := logging.StartTimer(logging.CategoryStore, "CreatePad")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	tx, err := s.db.Begin()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Check-then-insert under the transaction; concurrent creators with the
	// same id race and the loser fails here.
	var exists int
	err = tx.QueryRow("SELECT 1 FROM pads WHERE tenant_id = ? AND scratch_id = ?",
		tenant, pad.ScratchID).Scan(&exists)
	if err == nil {
		return nil, nil, notebook.E(notebook.CodeInvalidID, "scratchpad %q already exists", pad.ScratchID)
	}
	if err != sql.ErrNoRows {
		return nil, nil, fmt.Errorf("failed to check pad id: %w", err)
	}

	evicted, err := s.enforcePadCapacityTx(tx, tenant)
	if err != nil {
		return nil, nil, err
	}

	if s.limits.MaxCellsPerPad > 0 && len(pad.Cells) > s.limits.MaxCellsPerPad {
		return nil, nil, notebook.E(notebook.CodeCapacityLimit,
			"cell count %d exceeds max_cells_per_pad %d", len(pad.Cells), s.limits.MaxCellsPerPad)
	}
	for _, cell := range pad.Cells {
		if err := s.checkCellSize(cell); err != nil {
			return nil, nil, err
		}
	}

	pad.TenantID = tenant
	pad.CreatedAt = now
	pad.LastAccessAt = now
	pad.Renumber()
	for _, cell := range pad.Cells {
		if cell.CellID == "" {
			cell.CellID = notebook.NewCellID()
		}
	}

	_, err = tx.Exec(`
		INSERT INTO pads (tenant_id, scratch_id, namespace, tags, metadata, cell_count, created_at, last_access_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tenant, pad.ScratchID, pad.Namespace, encodeJSON(pad.Tags()), encodeJSON(pad.Metadata),
		len(pad.Cells), now.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to insert pad: %w", err)
	}
	for _, cell := range pad.Cells {
		if err := s.insertCellTx(tx, tenant, pad.ScratchID, cell); err != nil {
			return nil, nil, err
		}
	}
	// Namespace registry row so list_namespaces sees implicitly created ones.
	if _, err := tx.Exec(`
		INSERT OR IGNORE INTO namespaces (tenant_id, name, created_at) VALUES (?, ?, ?)`,
		tenant, pad.Namespace, now.UnixNano()); err != nil {
		return nil, nil, fmt.Errorf("failed to register namespace: %w", err)
	}

	if err := s.reindexTx(tx, pad, reindex); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit create: %w", err)
	}
	logging.Store("Created pad %s (tenant=%s cells=%d evicted=%d)",
		pad.ScratchID, tenant, len(pad.Cells), len(evicted))
	return pad, evicted, nil
}

// ReadPad loads a pad, applies filters, and advances last_access_at in the
// same transaction.
func (s *Store) ReadPad(tenant, scratchID string, opts ReadOptions) (*notebook.Scratchpad, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	pad, err := s.loadPadTx(tx, tenant, scratchID)
	if err != nil {
		return nil, err
	}
	if len(opts.Namespaces) > 0 && !containsString(opts.Namespaces, pad.Namespace) {
		return nil, notebook.E(notebook.CodeConflict,
			"scratchpad %q is not in the requested namespace", scratchID)
	}

	now := s.now().UTC()
	if err := s.touchTx(tx, tenant, scratchID, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit read: %w", err)
	}
	if now.After(pad.LastAccessAt) {
		pad.LastAccessAt = now
	}

	pad.Cells = filterCells(pad.Cells, opts.CellIDs, opts.Tags)
	return pad, nil
}

// filterCells applies cell_id/tag filters, intersecting when both are set.
// Indices are preserved from the stored ordering.
func filterCells(cells []*notebook.Cell, cellIDs, tags []string) []*notebook.Cell {
	if len(cellIDs) == 0 && len(tags) == 0 {
		return cells
	}
	idSet := make(map[string]bool, len(cellIDs))
	for _, id := range cellIDs {
		idSet[id] = true
	}
	var out []*notebook.Cell
	for _, cell := range cells {
		if len(cellIDs) > 0 && !idSet[cell.CellID] {
			continue
		}
		if len(tags) > 0 && !intersects(cell.Tags(), tags) {
			continue
		}
		out = append(out, cell)
	}
	return out
}

// ListPads returns lean summaries with the tenant/namespace/tag predicates
// pushed into SQL.
func (s *Store) ListPads(tenant string, namespaces, tags []string, limit int) ([]*notebook.PadSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := strings.Builder{}
	query.WriteString(`SELECT scratch_id, namespace, metadata, cell_count FROM pads WHERE tenant_id = ?`)
	args := []any{tenant}

	if len(namespaces) > 0 {
		query.WriteString(" AND namespace IN (" + placeholders(len(namespaces)) + ")")
		for _, ns := range namespaces {
			args = append(args, ns)
		}
	}
	if len(tags) > 0 {
		// Match pad tags or any cell's tags (JSON1 pushdown).
		ph := placeholders(len(tags))
		query.WriteString(` AND (
			EXISTS (SELECT 1 FROM json_each(pads.tags) WHERE json_each.value IN (` + ph + `))
			OR EXISTS (SELECT 1 FROM cells c, json_each(c.tags)
				WHERE c.tenant_id = pads.tenant_id AND c.scratch_id = pads.scratch_id
				AND json_each.value IN (` + ph + `)))`)
		for i := 0; i < 2; i++ {
			for _, tag := range tags {
				args = append(args, tag)
			}
		}
	}
	query.WriteString(" ORDER BY last_access_at DESC, scratch_id")
	if limit > 0 {
		query.WriteString(" LIMIT ?")
		args = append(args, limit)
	}

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pads: %w", err)
	}
	defer rows.Close()

	summaries := []*notebook.PadSummary{}
	for rows.Next() {
		var (
			summary     notebook.PadSummary
			metadataRaw string
		)
		if err := rows.Scan(&summary.ScratchID, &summary.Namespace, &metadataRaw, &summary.CellCount); err != nil {
			return nil, err
		}
		metadata := decodeMap(metadataRaw)
		summary.Title = notebook.MetadataString(metadata, "title")
		summary.Description = notebook.MetadataString(metadata, "description")
		summaries = append(summaries, &summary)
	}
	return summaries, rows.Err()
}

// ListCells returns lightweight cell rows (no content). Explicitly requested
// cell ids that do not exist fail with INVALID_ID.
func (s *Store) ListCells(tenant, scratchID string, cellIDs, tags []string) ([]*notebook.Cell, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	pad, err := s.loadPadTx(tx, tenant, scratchID)
	if err != nil {
		return nil, err
	}
	for _, id := range cellIDs {
		if pad.CellByID(id) == nil {
			return nil, notebook.E(notebook.CodeInvalidID, "cell %q not found", id)
		}
	}
	if err := s.touchTx(tx, tenant, scratchID, s.now().UTC()); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit read: %w", err)
	}

	cells := filterCells(pad.Cells, cellIDs, tags)
	out := make([]*notebook.Cell, 0, len(cells))
	for _, cell := range cells {
		out = append(out, &notebook.Cell{
			CellID:   cell.CellID,
			Index:    cell.Index,
			Language: cell.Language,
			Validate: cell.Validate,
			Metadata: cell.Metadata,
		})
	}
	return out, nil
}

// AppendCell appends a cell, updating pad row, cells, and embeddings in one
// commit. Returns the updated pad.
func (s *Store) AppendCell(tenant, scratchID string, cell *notebook.Cell, reindex Reindexer) (*notebook.Scratchpad, error) {
	timer := logging.StartTimer(logging.CategoryStore, "AppendCell")
	defer timer.Stop()

	if err := s.checkCellSize(cell); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	pad, err := s.loadPadTx(tx, tenant, scratchID)
	if err != nil {
		return nil, err
	}
	if s.limits.MaxCellsPerPad > 0 && len(pad.Cells) >= s.limits.MaxCellsPerPad {
		return nil, notebook.E(notebook.CodeCapacityLimit,
			"scratchpad %q already holds max_cells_per_pad=%d cells", scratchID, s.limits.MaxCellsPerPad)
	}

	if cell.CellID == "" {
		cell.CellID = notebook.NewCellID()
	}
	cell.Index = len(pad.Cells)
	pad.Cells = append(pad.Cells, cell)

	if err := s.insertCellTx(tx, tenant, scratchID, cell); err != nil {
		return nil, err
	}
	if err := s.updatePadRowTx(tx, pad); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if err := s.touchTx(tx, tenant, scratchID, now); err != nil {
		return nil, err
	}
	if err := s.reindexTx(tx, pad, reindex); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit append: %w", err)
	}
	if now.After(pad.LastAccessAt) {
		pad.LastAccessAt = now
	}
	return pad, nil
}

// ReplaceCell rewrites the cell addressed by cellID and, when newIndex is
// non-nil, re-inserts it at that position with all other cells keeping their
// relative order. One commit covers cells, pad row, and embeddings.
func (s *Store) ReplaceCell(tenant, scratchID, cellID string, newCell *notebook.Cell, newIndex *int, reindex Reindexer) (*notebook.Scratchpad, error) {
	timer := logging.StartTimer(logging.CategoryStore, "ReplaceCell")
	defer timer.Stop()

	if err := s.checkCellSize(newCell); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	pad, err := s.loadPadTx(tx, tenant, scratchID)
	if err != nil {
		return nil, err
	}
	target := pad.CellByID(cellID)
	if target == nil {
		return nil, notebook.E(notebook.CodeInvalidID, "cell %q not found", cellID)
	}
	if newIndex != nil && (*newIndex < 0 || *newIndex >= len(pad.Cells)) {
		return nil, notebook.E(notebook.CodeInvalidIndex,
			"new_index %d out of range [0, %d)", *newIndex, len(pad.Cells))
	}

	target.Language = newCell.Language
	target.Content = newCell.Content
	target.Validate = newCell.Validate
	target.JSONSchema = newCell.JSONSchema
	target.Metadata = newCell.Metadata

	if newIndex != nil && *newIndex != target.Index {
		reordered := make([]*notebook.Cell, 0, len(pad.Cells))
		for _, cell := range pad.Cells {
			if cell.CellID != cellID {
				reordered = append(reordered, cell)
			}
		}
		reordered = append(reordered[:*newIndex],
			append([]*notebook.Cell{target}, reordered[*newIndex:]...)...)
		pad.Cells = reordered
	}
	pad.Renumber()

	// Rewrite all cell rows; positions may have shifted.
	if _, err := tx.Exec("DELETE FROM cells WHERE tenant_id = ? AND scratch_id = ?",
		tenant, scratchID); err != nil {
		return nil, fmt.Errorf("failed to clear cells: %w", err)
	}
	for _, cell := range pad.Cells {
		if err := s.insertCellTx(tx, tenant, scratchID, cell); err != nil {
			return nil, err
		}
	}
	if err := s.updatePadRowTx(tx, pad); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if err := s.touchTx(tx, tenant, scratchID, now); err != nil {
		return nil, err
	}
	if err := s.reindexTx(tx, pad, reindex); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit replace: %w", err)
	}
	if now.After(pad.LastAccessAt) {
		pad.LastAccessAt = now
	}
	return pad, nil
}

// DeletePad removes the pad, its cells, and its embeddings. Deleting a
// missing pad is not an error; it reports deleted=false.
func (s *Store) DeletePad(tenant, scratchID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	deleted, err := s.deletePadTx(tx, tenant, scratchID)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit delete: %w", err)
	}
	if deleted {
		logging.Store("Deleted pad %s (tenant=%s)", scratchID, tenant)
	}
	return deleted, nil
}

func (s *Store) deletePadTx(tx *sql.Tx, tenant, scratchID string) (bool, error) {
	res, err := tx.Exec("DELETE FROM pads WHERE tenant_id = ? AND scratch_id = ?", tenant, scratchID)
	if err != nil {
		return false, fmt.Errorf("failed to delete pad: %w", err)
	}
	affected, _ := res.RowsAffected()
	if _, err := tx.Exec("DELETE FROM cells WHERE tenant_id = ? AND scratch_id = ?", tenant, scratchID); err != nil {
		return false, fmt.Errorf("failed to delete cells: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM embeddings WHERE tenant_id = ? AND scratch_id = ?", tenant, scratchID); err != nil {
		return false, fmt.Errorf("failed to delete embeddings: %w", err)
	}
	return affected > 0, nil
}

// ListTags aggregates pad-level and cell-level tags for the tenant,
// optionally restricted to namespaces.
func (s *Store) ListTags(tenant string, namespaces []string) (*notebook.TagListing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nsClause := ""
	args := []any{tenant}
	if len(namespaces) > 0 {
		nsClause = " AND namespace IN (" + placeholders(len(namespaces)) + ")"
		for _, ns := range namespaces {
			args = append(args, ns)
		}
	}

	padTags, err := s.collectTags(
		"SELECT value FROM pads, json_each(pads.tags) WHERE tenant_id = ?"+nsClause, args)
	if err != nil {
		return nil, err
	}

	cellArgs := []any{tenant}
	cellClause := ""
	if len(namespaces) > 0 {
		cellClause = ` AND EXISTS (SELECT 1 FROM pads p
			WHERE p.tenant_id = cells.tenant_id AND p.scratch_id = cells.scratch_id
			AND p.namespace IN (` + placeholders(len(namespaces)) + "))"
		for _, ns := range namespaces {
			cellArgs = append(cellArgs, ns)
		}
	}
	cellTags, err := s.collectTags(
		"SELECT value FROM cells, json_each(cells.tags) WHERE tenant_id = ?"+cellClause, cellArgs)
	if err != nil {
		return nil, err
	}

	listing := &notebook.TagListing{
		ScratchpadTags: notebook.MergeTags(padTags),
		CellTags:       notebook.MergeTags(cellTags),
	}
	if listing.ScratchpadTags == nil {
		listing.ScratchpadTags = []string{}
	}
	if listing.CellTags == nil {
		listing.CellTags = []string{}
	}
	if len(namespaces) > 0 {
		listing.NamespaceFilter = namespaces
	}
	return listing, nil
}

func (s *Store) collectTags(query string, args []any) ([]string, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to collect tags: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

func (s *Store) checkCellSize(cell *notebook.Cell) error {
	if s.limits.MaxCellBytes > 0 && len(cell.Content) > s.limits.MaxCellBytes {
		return notebook.E(notebook.CodeCapacityLimit,
			"cell content is %d bytes; max_cell_bytes is %d", len(cell.Content), s.limits.MaxCellBytes)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func containsString(haystack []string, needle string) bool {
	for _, item := range haystack {
		if item == needle {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, item := range a {
		set[item] = true
	}
	for _, item := range b {
		if set[item] {
			return true
		}
	}
	return false
}

// TouchedAt returns the pad's last_access_at without advancing it. Used by
// tests and the sweeper.
func (s *Store) TouchedAt(tenant, scratchID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var at int64
	err := s.db.QueryRow("SELECT last_access_at FROM pads WHERE tenant_id = ? AND scratch_id = ?",
		tenant, scratchID).Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, notebook.E(notebook.CodeNotFound, "scratchpad %q not found", scratchID)
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, at).UTC(), nil
}
