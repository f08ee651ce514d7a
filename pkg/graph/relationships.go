package graph

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sibyldev/sibyl/pkg/entity"
	"github.com/sibyldev/sibyl/pkg/errs"
)

// UpsertRelationship merges the edge between two existing entities.
// Both endpoints must already exist within the tenant.
func (c *Client) UpsertRelationship(ctx context.Context, rel *entity.Relationship) error {
	const op = "upsertRelationship"

	if rel == nil {
		return errs.New(errs.ValidationError, component, op, "relationship is nil")
	}
	if err := rel.Validate(); err != nil {
		return err
	}

	meta := ""
	if len(rel.Metadata) > 0 {
		raw, err := json.Marshal(rel.Metadata)
		if err != nil {
			return errs.Wrap(errs.ValidationError, component, op, err)
		}
		meta = string(raw)
	}

	// The edge label cannot be a parameter; rel.Type is validated
	// against the closed set above.
	query := fmt.Sprintf(`MATCH (a:Entity {id: $from_id, group_id: $group_id})
MATCH (b:Entity {id: $to_id, group_id: $group_id})
MERGE (a)-[r:%s]->(b)
ON CREATE SET r.created_at = $created_at
SET r.weight = $weight, r.group_id = $group_id, r.metadata = $metadata
RETURN count(r) AS merged`, rel.Type)

	rows, err := c.ExecuteWrite(ctx, rel.GroupID, query, map[string]any{
		"from_id":    rel.FromID,
		"to_id":      rel.ToID,
		"weight":     rel.Weight,
		"metadata":   meta,
		"created_at": rel.CreatedAt.UTC(),
	})
	if err != nil {
		return err
	}
	if len(rows) == 0 || asInt(rows[0]["merged"]) == 0 {
		return errs.Newf(errs.NotFound, component, op,
			"cannot relate %s to %s: one or both entities do not exist", rel.FromID, rel.ToID)
	}
	return nil
}

// DeleteRelationship removes the typed edge between two entities.
// Deleting an absent edge is a no-op.
func (c *Client) DeleteRelationship(ctx context.Context, orgID, fromID, toID string, relType entity.RelationshipType) error {
	const op = "deleteRelationship"

	if !relType.Valid() {
		return errs.Newf(errs.ValidationError, component, op, "unknown relationship type %q", relType)
	}

	query := fmt.Sprintf(`MATCH (a:Entity {id: $from_id, group_id: $group_id})-[r:%s]->(b:Entity {id: $to_id, group_id: $group_id})
DELETE r`, relType)

	_, err := c.ExecuteWrite(ctx, orgID, query, map[string]any{
		"from_id": fromID,
		"to_id":   toID,
	})
	return err
}

// Relationships lists every edge touching the entity, in either
// direction.
func (c *Client) Relationships(ctx context.Context, orgID, entityID string) ([]*entity.Relationship, error) {
	rows, err := c.ExecuteRead(ctx, orgID,
		`MATCH (n:Entity {id: $id, group_id: $group_id})-[r]-(m:Entity)
WHERE m.group_id = $group_id
RETURN type(r) AS rel_type, startNode(r).id AS from_id, endNode(r).id AS to_id,
       r.weight AS weight, r.metadata AS metadata, r.created_at AS created_at`,
		map[string]any{"id": entityID})
	if err != nil {
		return nil, err
	}
	return relationshipsFromRows(orgID, rows)
}

// RelatedEntity pairs a neighbor with the edge that reaches it.
type RelatedEntity struct {
	Entity   *entity.Entity
	RelType  entity.RelationshipType
	Outgoing bool
	Weight   float64
}

// Related returns direct neighbors of the entity together with the
// connecting edge, for the relationship-expansion explore mode.
func (c *Client) Related(ctx context.Context, orgID, entityID string, limit int) ([]RelatedEntity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.ExecuteRead(ctx, orgID,
		`MATCH (n:Entity {id: $id, group_id: $group_id})-[r]-(m:Entity)
WHERE m.group_id = $group_id
RETURN m AS node, type(r) AS rel_type, startNode(r).id AS from_id, r.weight AS weight
LIMIT $limit`,
		map[string]any{"id": entityID, "limit": limit})
	if err != nil {
		return nil, err
	}

	out := make([]RelatedEntity, 0, len(rows))
	for _, row := range rows {
		e, err := entityFromRow(row, "node")
		if err != nil {
			return nil, err
		}
		weight, _ := row["weight"].(float64)
		out = append(out, RelatedEntity{
			Entity:   e,
			RelType:  entity.RelationshipType(propString(row, "rel_type")),
			Outgoing: propString(row, "from_id") == entityID,
			Weight:   weight,
		})
	}
	return out, nil
}

// DependencyEdge is one DEPENDS_ON edge between two tasks.
type DependencyEdge struct {
	FromID string
	ToID   string
}

// DependencyEdges lists every DEPENDS_ON edge in the tenant, optionally
// restricted to one project. Cycle detection and topological ordering
// run in-process over this listing.
func (c *Client) DependencyEdges(ctx context.Context, orgID, projectID string) ([]DependencyEdge, error) {
	query := `MATCH (a:Entity)-[r:DEPENDS_ON]->(b:Entity)
WHERE a.group_id = $group_id AND b.group_id = $group_id`
	params := map[string]any{}
	if projectID != "" {
		query += " AND a.project_id = $project_id"
		params["project_id"] = projectID
	}
	query += " RETURN a.id AS from_id, b.id AS to_id"

	rows, err := c.ExecuteRead(ctx, orgID, query, params)
	if err != nil {
		return nil, err
	}
	edges := make([]DependencyEdge, 0, len(rows))
	for _, row := range rows {
		edges = append(edges, DependencyEdge{
			FromID: propString(row, "from_id"),
			ToID:   propString(row, "to_id"),
		})
	}
	return edges, nil
}

// AllRelationships streams every edge in the tenant, for community
// detection's subgraph export.
func (c *Client) AllRelationships(ctx context.Context, orgID string) ([]*entity.Relationship, error) {
	rows, err := c.ExecuteRead(ctx, orgID,
		`MATCH (a:Entity)-[r]->(b:Entity)
WHERE a.group_id = $group_id AND b.group_id = $group_id
RETURN type(r) AS rel_type, a.id AS from_id, b.id AS to_id,
       r.weight AS weight, r.metadata AS metadata, r.created_at AS created_at`,
		nil)
	if err != nil {
		return nil, err
	}
	return relationshipsFromRows(orgID, rows)
}

func relationshipsFromRows(orgID string, rows []map[string]any) ([]*entity.Relationship, error) {
	out := make([]*entity.Relationship, 0, len(rows))
	for _, row := range rows {
		weight, _ := row["weight"].(float64)
		rel := &entity.Relationship{
			FromID:    propString(row, "from_id"),
			ToID:      propString(row, "to_id"),
			Type:      entity.RelationshipType(propString(row, "rel_type")),
			Weight:    weight,
			GroupID:   orgID,
			CreatedAt: propTime(row, "created_at"),
		}
		if raw := propString(row, "metadata"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &rel.Metadata); err != nil {
				return nil, errs.Wrap(errs.Unknown, component, "relationshipsFromRows", err)
			}
		}
		out = append(out, rel)
	}
	return out, nil
}
