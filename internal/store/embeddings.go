package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"scratchpad/internal/logging"
	"scratchpad/internal/notebook"
)

// EmbeddingRecord is one vector row staged for a pad. CellID "" marks the
// pad-level document (cell_index -1).
type EmbeddingRecord struct {
	CellID    string
	CellIndex int
	Namespace string
	Tags      []string
	Language  string
	Snippet   string
	Vector    []float32
	Version   string
}

// Reindexer produces the embedding rows for a pad's current state. It runs
// inside the mutation transaction so vectors commit with their content.
type Reindexer func(pad *notebook.Scratchpad) ([]EmbeddingRecord, error)

// reindexTx replaces the pad's embedding rows with the reindexer's output.
// An embedding failure does not abort the content commit; the stale rows are
// dropped so invariant "no orphan/lagging embeddings" holds either way.
func (s *Store) reindexTx(tx *sql.Tx, pad *notebook.Scratchpad, reindex Reindexer) error {
	if reindex == nil {
		return nil
	}
	records, err := reindex(pad)
	if err != nil {
		logging.Get(logging.CategoryEmbedding).Warn(
			"Reindex failed for pad %s; dropping its vectors: %v", pad.ScratchID, err)
		_, derr := tx.Exec("DELETE FROM embeddings WHERE tenant_id = ? AND scratch_id = ?",
			pad.TenantID, pad.ScratchID)
		return derr
	}
	return s.replaceEmbeddingsTx(tx, pad.TenantID, pad.ScratchID, records)
}

func (s *Store) replaceEmbeddingsTx(tx *sql.Tx, tenant, scratchID string, records []EmbeddingRecord) error {
	if _, err := tx.Exec("DELETE FROM embeddings WHERE tenant_id = ? AND scratch_id = ?",
		tenant, scratchID); err != nil {
		return fmt.Errorf("failed to clear embeddings: %w", err)
	}
	now := s.now().UTC().UnixNano()
	for _, rec := range records {
		vector, err := json.Marshal(rec.Vector)
		if err != nil {
			return fmt.Errorf("failed to encode vector: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO embeddings (tenant_id, scratch_id, cell_id, cell_index, namespace,
				tags, language, snippet, vector, dimension, embedding_version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tenant, scratchID, rec.CellID, rec.CellIndex, rec.Namespace,
			encodeJSON(rec.Tags), rec.Language, rec.Snippet, string(vector),
			len(rec.Vector), rec.Version, now); err != nil {
			return fmt.Errorf("failed to insert embedding: %w", err)
		}
	}
	return nil
}

// SearchEmbeddings runs a filtered nearest-neighbor query. Tenant, version,
// namespace, and tag predicates are part of the SQL WHERE clause, so the
// top-k truncation only ever sees qualifying rows. Ties in similarity break
// by ascending (scratch_id, cell_id).
func (s *Store) SearchEmbeddings(tenant string, query []float32, version string, namespaces, tags []string, limit int) ([]notebook.SearchHit, error) {
	timer := logging.StartTimer(logging.CategoryStore, "SearchEmbeddings")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	where := strings.Builder{}
	where.WriteString("tenant_id = ? AND embedding_version = ?")
	args := []any{tenant, version}
	if len(namespaces) > 0 {
		where.WriteString(" AND namespace IN (" + placeholders(len(namespaces)) + ")")
		for _, ns := range namespaces {
			args = append(args, ns)
		}
	}
	if len(tags) > 0 {
		where.WriteString(" AND EXISTS (SELECT 1 FROM json_each(embeddings.tags) WHERE json_each.value IN (" +
			placeholders(len(tags)) + "))")
		for _, tag := range tags {
			args = append(args, tag)
		}
	}

	if s.vectorExt {
		return s.searchVec(where.String(), args, query, limit)
	}
	return s.searchScan(where.String(), args, query, limit)
}

// searchVec lets sqlite-vec compute cosine distance and order inside SQL.
func (s *Store) searchVec(where string, args []any, query []float32, limit int) ([]notebook.SearchHit, error) {
	queryJSON, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("failed to encode query vector: %w", err)
	}
	sqlQuery := `
		SELECT scratch_id, cell_id, namespace, tags, snippet, embedding_version,
			vec_distance_cosine(vector, ?) AS distance
		FROM embeddings WHERE ` + where + ` AND dimension = ?
		ORDER BY distance ASC, scratch_id ASC, cell_id ASC LIMIT ?`
	allArgs := append([]any{string(queryJSON)}, args...)
	allArgs = append(allArgs, len(query), limit)

	rows, err := s.db.Query(sqlQuery, allArgs...)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer rows.Close()

	var hits []notebook.SearchHit
	for rows.Next() {
		var (
			hit      notebook.SearchHit
			tagsRaw  string
			distance float64
		)
		if err := rows.Scan(&hit.ScratchID, &hit.CellID, &hit.Namespace, &tagsRaw,
			&hit.Snippet, &hit.EmbeddingVersion, &distance); err != nil {
			return nil, err
		}
		hit.Tags = decodeStringList(tagsRaw)
		if hit.Tags == nil {
			hit.Tags = []string{}
		}
		hit.Score = clampScore(1.0 - distance)
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// searchScan computes cosine similarity in-process over the pre-filtered
// rows when the vec extension is unavailable.
func (s *Store) searchScan(where string, args []any, query []float32, limit int) ([]notebook.SearchHit, error) {
	sqlQuery := `
		SELECT scratch_id, cell_id, namespace, tags, snippet, embedding_version, vector
		FROM embeddings WHERE ` + where
	rows, err := s.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("vector scan failed: %w", err)
	}
	defer rows.Close()

	var hits []notebook.SearchHit
	for rows.Next() {
		var (
			hit       notebook.SearchHit
			tagsRaw   string
			vectorRaw string
		)
		if err := rows.Scan(&hit.ScratchID, &hit.CellID, &hit.Namespace, &tagsRaw,
			&hit.Snippet, &hit.EmbeddingVersion, &vectorRaw); err != nil {
			return nil, err
		}
		var vector []float32
		if err := json.Unmarshal([]byte(vectorRaw), &vector); err != nil || len(vector) != len(query) {
			continue
		}
		hit.Tags = decodeStringList(tagsRaw)
		if hit.Tags == nil {
			hit.Tags = []string{}
		}
		hit.Score = clampScore(cosineSimilarity(query, vector))
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].ScratchID != hits[j].ScratchID {
			return hits[i].ScratchID < hits[j].ScratchID
		}
		return hits[i].CellID < hits[j].CellID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// EmbeddingCount returns the number of vector rows for a pad. Test hook.
func (s *Store) EmbeddingCount(tenant, scratchID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM embeddings WHERE tenant_id = ? AND scratch_id = ?",
		tenant, scratchID).Scan(&count)
	return count, err
}

func clampScore(score float64) float64 {
	return math.Max(0.0, math.Min(1.0, score))
}

// cosineSimilarity calculates the cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dotProduct, aMagnitude, bMagnitude float64
	for i := 0; i < len(a); i++ {
		dotProduct += float64(a[i]) * float64(b[i])
		aMagnitude += float64(a[i]) * float64(a[i])
		bMagnitude += float64(b[i]) * float64(b[i])
	}
	if aMagnitude == 0 || bMagnitude == 0 {
		return 0
	}
	return dotProduct / (math.Sqrt(aMagnitude) * math.Sqrt(bMagnitude))
}
