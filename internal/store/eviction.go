package store

import (
	"database/sql"
	"fmt"
	"time"

	"scratchpad/internal/logging"
	"scratchpad/internal/notebook"
)

// enforcePadCapacityTx applies the configured eviction policy before a new
// pad is inserted. Victims are selected by ascending last_access_at, ties
// broken by ascending created_at. Runs inside the creation transaction so
// eviction and insertion commit together.
func (s *Store) enforcePadCapacityTx(tx *sql.Tx, tenant string) ([]string, error) {
	if s.limits.MaxScratchpads <= 0 {
		return nil, nil
	}

	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM pads WHERE tenant_id = ?", tenant).Scan(&count); err != nil {
		return nil, fmt.Errorf("failed to count pads: %w", err)
	}
	if count < s.limits.MaxScratchpads {
		return nil, nil
	}

	switch s.limits.EvictionPolicy {
	case "fail":
		return nil, notebook.E(notebook.CodeCapacityLimit,
			"max_scratchpads limit of %d reached", s.limits.MaxScratchpads)
	case "preempt":
		// Creation-time eviction is disabled; the sweeper reclaims space.
		return nil, nil
	}

	need := count - s.limits.MaxScratchpads + 1
	rows, err := tx.Query(`
		SELECT scratch_id FROM pads WHERE tenant_id = ?
		ORDER BY last_access_at ASC, created_at ASC LIMIT ?`,
		tenant, need)
	if err != nil {
		return nil, fmt.Errorf("failed to select eviction candidates: %w", err)
	}
	var victims []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		victims = append(victims, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range victims {
		if _, err := s.deletePadTx(tx, tenant, id); err != nil {
			return nil, err
		}
	}
	logging.Lifecycle("Evicted %d pad(s) for tenant %s under discard policy", len(victims), tenant)
	return victims, nil
}

// EvictStale deletes every pad whose idle time exceeds age. Tenants are
// processed in separate transactions so the sweeper never holds one
// transaction across all tenants. Returns the deleted ids per tenant.
func (s *Store) EvictStale(age time.Duration) (map[string][]string, error) {
	tenants, err := s.Tenants()
	if err != nil {
		return nil, err
	}

	cutoff := s.now().UTC().Add(-age).UnixNano()
	deleted := make(map[string][]string)
	for _, tenant := range tenants {
		ids, err := s.evictStaleTenant(tenant, cutoff)
		if err != nil {
			return deleted, err
		}
		if len(ids) > 0 {
			deleted[tenant] = ids
		}
	}
	return deleted, nil
}

func (s *Store) evictStaleTenant(tenant string, cutoff int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin sweep: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		"SELECT scratch_id FROM pads WHERE tenant_id = ? AND last_access_at < ?",
		tenant, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to select stale pads: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	for _, id := range ids {
		if _, err := s.deletePadTx(tx, tenant, id); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit sweep: %w", err)
	}
	logging.Lifecycle("Sweeper removed %d stale pad(s) for tenant %s", len(ids), tenant)
	return ids, nil
}
