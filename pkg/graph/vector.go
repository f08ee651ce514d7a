package graph

import (
	"context"

	"github.com/sibyldev/sibyl/pkg/entity"
	"github.com/sibyldev/sibyl/pkg/errs"
)

// vectorIndexName is the vector index over Entity.name_embedding.
const vectorIndexName = "entity_name_embedding"

// VectorHit is one scored result from the vector index. Score is cosine
// similarity in [0, 1].
type VectorHit struct {
	Entity *entity.Entity
	Score  float64
}

// VectorSearch runs approximate nearest-neighbor search over entity
// name embeddings and returns up to k tenant-scoped hits. The index is
// queried wider than k because it cannot pre-filter by tenant; results
// are filtered and truncated here. Callers apply their own similarity
// floor.
func (c *Client) VectorSearch(ctx context.Context, orgID string, entityType entity.Type, embedding []float32, k int) ([]VectorHit, error) {
	const op = "vectorSearch"

	if orgID == "" {
		return nil, errs.New(errs.TenantMissing, component, op, "organization id is required")
	}
	if len(embedding) != c.cfg.VectorDimension {
		return nil, errs.Newf(errs.ValidationError, component, op,
			"query embedding dimension %d does not match configured %d", len(embedding), c.cfg.VectorDimension)
	}
	if entityType != "" && !entityType.Valid() {
		return nil, errs.Newf(errs.ValidationError, component, op, "unknown entity type %q", entityType)
	}
	if k <= 0 {
		k = 10
	}

	query := `CALL db.index.vector.queryNodes($index, $fetch_k, $embedding)
YIELD node, score
WHERE node.group_id = $group_id`
	params := map[string]any{
		"index":     vectorIndexName,
		"fetch_k":   k * 4,
		"embedding": embedding,
		"k":         k,
	}
	if entityType != "" {
		query += " AND node.entity_type = $entity_type"
		params["entity_type"] = string(entityType)
	}
	query += `
RETURN node, score
ORDER BY score DESC
LIMIT $k`

	var hits []VectorHit
	err := c.withRetry(ctx, op, c.cfg.VectorSearchTimeout, func(ctx context.Context) error {
		rows, err := c.runRead(ctx, query, withGroup(params, orgID))
		if err != nil {
			return err
		}
		hits = hits[:0]
		for _, row := range rows {
			e, err := entityFromRow(row, "node")
			if err != nil {
				return err
			}
			score, _ := row["score"].(float64)
			hits = append(hits, VectorHit{Entity: e, Score: score})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hits, nil
}

// VectorSearchTypes runs one vector search per requested type and
// flattens the hits; an empty type list searches across all types.
func (c *Client) VectorSearchTypes(ctx context.Context, orgID string, types []entity.Type, embedding []float32, k int) ([]VectorHit, error) {
	if len(types) == 0 {
		return c.VectorSearch(ctx, orgID, "", embedding, k)
	}

	var all []VectorHit
	for _, t := range types {
		hits, err := c.VectorSearch(ctx, orgID, t, embedding, k)
		if err != nil {
			return nil, err
		}
		all = append(all, hits...)
	}
	return all, nil
}
