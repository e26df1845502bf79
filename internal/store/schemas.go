package store

import (
	"fmt"
	"sort"

	"scratchpad/internal/notebook"
)

// UpsertSchema writes one entry into the pad's shared schema registry. The
// entry must already be canonicalized (see notebook.NormalizeSchemaEntry).
func (s *Store) UpsertSchema(tenant, scratchID string, entry *notebook.SchemaEntry) (*notebook.SchemaEntry, error) {
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
	registry := notebook.NormalizeSchemaRegistry(pad.Metadata["schemas"])
	if registry == nil {
		registry = make(map[string]*notebook.SchemaEntry)
	}
	if existing, ok := registry[entry.Name]; ok && entry.ID == "" {
		entry.ID = existing.ID
	}
	registry[entry.Name] = entry
	pad.Metadata["schemas"] = registry

	if err := s.updatePadRowTx(tx, pad); err != nil {
		return nil, err
	}
	if err := s.touchTx(tx, tenant, scratchID, s.now().UTC()); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit schema upsert: %w", err)
	}
	return entry, nil
}

// GetSchema resolves one registry entry by logical name.
func (s *Store) GetSchema(tenant, scratchID, name string) (*notebook.SchemaEntry, error) {
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
	if err := s.touchTx(tx, tenant, scratchID, s.now().UTC()); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit schema read: %w", err)
	}

	registry := notebook.NormalizeSchemaRegistry(pad.Metadata["schemas"])
	entry, ok := registry[name]
	if !ok {
		return nil, notebook.E(notebook.CodeNotFound, "schema %q not found", name)
	}
	return entry, nil
}

// ListSchemas returns the pad's registry entries sorted by name.
func (s *Store) ListSchemas(tenant, scratchID string) ([]*notebook.SchemaEntry, error) {
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
	if err := s.touchTx(tx, tenant, scratchID, s.now().UTC()); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit schema list: %w", err)
	}

	registry := notebook.NormalizeSchemaRegistry(pad.Metadata["schemas"])
	entries := make([]*notebook.SchemaEntry, 0, len(registry))
	for _, entry := range registry {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}
