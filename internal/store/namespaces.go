package store

import (
	"database/sql"
	"fmt"
	"time"

	"scratchpad/internal/logging"
	"scratchpad/internal/notebook"
)

// NamespaceInfo is one registry row with its current pad count.
type NamespaceInfo struct {
	Name      string    `json:"namespace"`
	CreatedAt time.Time `json:"-"`
	PadCount  int       `json:"scratchpad_count"`
}

// CreateNamespace registers a namespace so it exists without pads.
func (s *Store) CreateNamespace(tenant, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"INSERT OR IGNORE INTO namespaces (tenant_id, name, created_at) VALUES (?, ?, ?)",
		tenant, name, s.now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to create namespace: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return notebook.E(notebook.CodeConflict, "namespace %q already exists", name)
	}
	logging.Store("Created namespace %s (tenant=%s)", name, tenant)
	return nil
}

// ListNamespaces returns registry rows plus any namespaces that only exist
// through pads, with pad counts.
func (s *Store) ListNamespaces(tenant string) ([]*NamespaceInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT name, MIN(created_at), SUM(pad_count) FROM (
			SELECT name, created_at, 0 AS pad_count FROM namespaces WHERE tenant_id = ?
			UNION ALL
			SELECT namespace AS name, created_at, 1 AS pad_count FROM pads WHERE tenant_id = ?
		) GROUP BY name ORDER BY name`,
		tenant, tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}
	defer rows.Close()

	infos := []*NamespaceInfo{}
	for rows.Next() {
		var (
			info      NamespaceInfo
			createdAt int64
		)
		if err := rows.Scan(&info.Name, &createdAt, &info.PadCount); err != nil {
			return nil, err
		}
		info.CreatedAt = time.Unix(0, createdAt).UTC()
		infos = append(infos, &info)
	}
	return infos, rows.Err()
}

// RenameNamespace renames a namespace; with migrate it also rewrites every
// pad and embedding row in the same transaction. Returns the number of pads
// moved.
func (s *Store) RenameNamespace(tenant, oldName, newName string, migrate bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin rename: %w", err)
	}
	defer tx.Rollback()

	exists, err := s.namespaceExistsTx(tx, tenant, oldName)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, notebook.E(notebook.CodeNotFound, "namespace %q not found", oldName)
	}
	taken, err := s.namespaceExistsTx(tx, tenant, newName)
	if err != nil {
		return 0, err
	}
	if taken {
		return 0, notebook.E(notebook.CodeConflict, "namespace %q already exists", newName)
	}

	if _, err := tx.Exec("DELETE FROM namespaces WHERE tenant_id = ? AND name = ?",
		tenant, oldName); err != nil {
		return 0, fmt.Errorf("failed to drop old namespace row: %w", err)
	}
	if _, err := tx.Exec(
		"INSERT OR IGNORE INTO namespaces (tenant_id, name, created_at) VALUES (?, ?, ?)",
		tenant, newName, s.now().UTC().UnixNano()); err != nil {
		return 0, fmt.Errorf("failed to insert new namespace row: %w", err)
	}

	var moved int64
	if migrate {
		res, err := tx.Exec("UPDATE pads SET namespace = ?, metadata = json_set(metadata, '$.namespace', ?) WHERE tenant_id = ? AND namespace = ?",
			newName, newName, tenant, oldName)
		if err != nil {
			return 0, fmt.Errorf("failed to migrate pads: %w", err)
		}
		moved, _ = res.RowsAffected()
		if _, err := tx.Exec("UPDATE embeddings SET namespace = ? WHERE tenant_id = ? AND namespace = ?",
			newName, tenant, oldName); err != nil {
			return 0, fmt.Errorf("failed to migrate embeddings: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit rename: %w", err)
	}
	logging.Store("Renamed namespace %s -> %s (tenant=%s migrated=%d)", oldName, newName, tenant, moved)
	return moved, nil
}

// DeleteNamespace removes the registry row. With cascade it also deletes
// every pad in the namespace; without, a populated namespace fails with
// CONFLICT. Returns the number of pads deleted.
func (s *Store) DeleteNamespace(tenant, name string, cascade bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback()

	exists, err := s.namespaceExistsTx(tx, tenant, name)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, notebook.E(notebook.CodeNotFound, "namespace %q not found", name)
	}

	var padCount int64
	if err := tx.QueryRow("SELECT COUNT(*) FROM pads WHERE tenant_id = ? AND namespace = ?",
		tenant, name).Scan(&padCount); err != nil {
		return 0, fmt.Errorf("failed to count pads: %w", err)
	}
	if padCount > 0 && !cascade {
		return 0, notebook.E(notebook.CodeConflict,
			"namespace %q still holds %d scratchpad(s); pass cascade to delete them", name, padCount)
	}

	if cascade && padCount > 0 {
		rows, err := tx.Query("SELECT scratch_id FROM pads WHERE tenant_id = ? AND namespace = ?",
			tenant, name)
		if err != nil {
			return 0, fmt.Errorf("failed to select pads: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return 0, err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return 0, err
		}
		for _, id := range ids {
			if _, err := s.deletePadTx(tx, tenant, id); err != nil {
				return 0, err
			}
		}
	}
	if _, err := tx.Exec("DELETE FROM namespaces WHERE tenant_id = ? AND name = ?",
		tenant, name); err != nil {
		return 0, fmt.Errorf("failed to delete namespace row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit delete: %w", err)
	}
	logging.Store("Deleted namespace %s (tenant=%s cascade=%v pads=%d)", name, tenant, cascade, padCount)
	return padCount, nil
}

func (s *Store) namespaceExistsTx(tx *sql.Tx, tenant, name string) (bool, error) {
	var one int
	err := tx.QueryRow(`
		SELECT 1 WHERE EXISTS (SELECT 1 FROM namespaces WHERE tenant_id = ? AND name = ?)
			OR EXISTS (SELECT 1 FROM pads WHERE tenant_id = ? AND namespace = ?)`,
		tenant, name, tenant, name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check namespace: %w", err)
	}
	return true, nil
}
