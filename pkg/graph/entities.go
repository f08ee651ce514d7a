package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/sibyldev/sibyl/pkg/entity"
	"github.com/sibyldev/sibyl/pkg/errs"
)

// Node labels. Episodes carry both so the episodic index applies.
const (
	labelEntity   = "Entity"
	labelEpisodic = "Episodic"
)

// UpsertEntity creates or replaces the node for e. Creation is
// idempotent on id; the embedding, when present, is written through the
// store's native vector cast and must match the configured dimension.
func (c *Client) UpsertEntity(ctx context.Context, e *entity.Entity) error {
	const op = "upsertEntity"

	if e == nil {
		return errs.New(errs.ValidationError, component, op, "entity is nil")
	}
	if err := e.Validate(); err != nil {
		return err
	}
	if len(e.NameEmbedding) > 0 && len(e.NameEmbedding) != c.cfg.VectorDimension {
		return errs.Newf(errs.ValidationError, component, op,
			"embedding dimension %d does not match configured %d", len(e.NameEmbedding), c.cfg.VectorDimension)
	}

	props, err := nodeProps(e)
	if err != nil {
		return err
	}

	query := `MERGE (n:Entity {id: $id, group_id: $group_id})
SET n += $props`
	if e.Type == entity.TypeEpisode {
		query += "\nSET n:Episodic"
	}

	params := map[string]any{
		"id":       e.ID,
		"group_id": e.OrganizationID,
		"props":    props,
	}

	return c.writeTx(ctx, op, func(ctx context.Context, tx neo4j.ManagedTransaction) error {
		if _, err := tx.Run(ctx, query, params); err != nil {
			return err
		}
		if len(e.NameEmbedding) == 0 {
			return nil
		}
		_, err := tx.Run(ctx, `MATCH (n:Entity {id: $id, group_id: $group_id})
CALL db.create.setNodeVectorProperty(n, 'name_embedding', $embedding)
RETURN n.id`, map[string]any{
			"id":        e.ID,
			"group_id":  e.OrganizationID,
			"embedding": e.NameEmbedding,
		})
		return err
	})
}

// GetEntity loads one entity by id within the tenant.
func (c *Client) GetEntity(ctx context.Context, orgID, id string) (*entity.Entity, error) {
	const op = "getEntity"

	rows, err := c.ExecuteRead(ctx, orgID,
		`MATCH (n:Entity {id: $id, group_id: $group_id}) RETURN n`,
		map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errs.Newf(errs.NotFound, component, op, "entity %s not found", id)
	}
	return entityFromRow(rows[0], "n")
}

// GetEntities loads entities by id within the tenant. Ids with no
// backing node are skipped, so the result can be shorter than the
// input.
func (c *Client) GetEntities(ctx context.Context, orgID string, ids []string) ([]*entity.Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := c.ExecuteRead(ctx, orgID,
		`MATCH (n:Entity) WHERE n.group_id = $group_id AND n.id IN $ids RETURN n`,
		map[string]any{"ids": ids})
	if err != nil {
		return nil, err
	}
	return entitiesFromRows(rows, "n")
}

// DeleteEntity removes the node and every edge touching it.
func (c *Client) DeleteEntity(ctx context.Context, orgID, id string) error {
	const op = "deleteEntity"

	rows, err := c.ExecuteWrite(ctx, orgID,
		`MATCH (n:Entity {id: $id, group_id: $group_id})
DETACH DELETE n
RETURN count(n) AS deleted`,
		map[string]any{"id": id})
	if err != nil {
		return err
	}
	if len(rows) == 0 || asInt(rows[0]["deleted"]) == 0 {
		return errs.Newf(errs.NotFound, component, op, "entity %s not found", id)
	}
	return nil
}

// DeleteEntitiesByType removes every tenant entity of the given type
// along with its edges and reports how many nodes were deleted.
// Community detection uses this to replace a previous run's hierarchy.
func (c *Client) DeleteEntitiesByType(ctx context.Context, orgID string, t entity.Type) (int, error) {
	rows, err := c.ExecuteWrite(ctx, orgID,
		`MATCH (n:Entity)
WHERE n.group_id = $group_id AND n.entity_type = $entity_type
DETACH DELETE n
RETURN count(n) AS deleted`,
		map[string]any{"entity_type": string(t)})
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return int(asInt(rows[0]["deleted"])), nil
}

// ListOptions filter and page an entity listing.
type ListOptions struct {
	Types     []entity.Type
	ProjectID string
	Statuses  []string
	Priority  string
	Limit     int
	Offset    int
}

// ListEntities returns tenant entities ordered by recency.
func (c *Client) ListEntities(ctx context.Context, orgID string, opts ListOptions) ([]*entity.Entity, error) {
	query := "MATCH (n:Entity) WHERE n.group_id = $group_id"
	params := map[string]any{}

	if len(opts.Types) > 0 {
		types := make([]string, len(opts.Types))
		for i, t := range opts.Types {
			types[i] = string(t)
		}
		query += " AND n.entity_type IN $types"
		params["types"] = types
	}
	if opts.ProjectID != "" {
		query += " AND n.project_id = $project_id"
		params["project_id"] = opts.ProjectID
	}
	if len(opts.Statuses) > 0 {
		query += " AND n.status IN $statuses"
		params["statuses"] = opts.Statuses
	}
	if opts.Priority != "" {
		query += " AND n.priority = $priority"
		params["priority"] = opts.Priority
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " RETURN n ORDER BY n.updated_at DESC SKIP $offset LIMIT $limit"
	params["offset"] = opts.Offset
	params["limit"] = limit

	rows, err := c.ExecuteRead(ctx, orgID, query, params)
	if err != nil {
		return nil, err
	}
	return entitiesFromRows(rows, "n")
}

// EntityNames returns every entity id in the tenant with its name.
// Community detection uses the keys as the node set of the exported
// subgraph and the names for key-concept extraction.
func (c *Client) EntityNames(ctx context.Context, orgID string) (map[string]string, error) {
	rows, err := c.ExecuteRead(ctx, orgID,
		`MATCH (n:Entity) WHERE n.group_id = $group_id RETURN n.id AS id, n.name AS name`, nil)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(rows))
	for _, row := range rows {
		names[propString(row, "id")] = propString(row, "name")
	}
	return names, nil
}

// Neighbors collects distinct entities reachable from the seed ids
// within depth hops, excluding the seeds themselves.
func (c *Client) Neighbors(ctx context.Context, orgID string, seedIDs []string, depth, limit int) ([]*entity.Entity, error) {
	if len(seedIDs) == 0 {
		return nil, nil
	}
	if depth < 1 {
		depth = 1
	}
	if depth > 5 {
		depth = 5
	}
	if limit <= 0 {
		limit = 50
	}

	// Variable-length bounds cannot be parameterized; depth is a
	// validated small integer.
	query := fmt.Sprintf(`MATCH (seed:Entity)
WHERE seed.group_id = $group_id AND seed.id IN $ids
MATCH (seed)-[*1..%d]-(nb:Entity)
WHERE nb.group_id = $group_id AND NOT nb.id IN $ids
RETURN DISTINCT nb
LIMIT $limit`, depth)

	rows, err := c.ExecuteRead(ctx, orgID, query, map[string]any{
		"ids":   seedIDs,
		"limit": limit,
	})
	if err != nil {
		return nil, err
	}
	return entitiesFromRows(rows, "nb")
}

// nodeProps flattens an entity into node properties. The variant payload
// and metadata travel as JSON strings; status and priority are promoted
// to top-level properties so the range indexes apply to them.
func nodeProps(e *entity.Entity) (map[string]any, error) {
	const op = "nodeProps"

	payload, err := marshalVariant(e)
	if err != nil {
		return nil, errs.Wrap(errs.ValidationError, component, op, err)
	}

	props := map[string]any{
		"entity_type": string(e.Type),
		"name":        e.Name,
		"description": e.Description,
		"content":     e.Content,
		"created_at":  e.CreatedAt.UTC(),
		"updated_at":  e.UpdatedAt.UTC(),
		"project_id":  e.ProjectID,
		"payload":     string(payload),
	}

	if len(e.Metadata) > 0 {
		meta, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, errs.Wrap(errs.ValidationError, component, op, err)
		}
		props["metadata"] = string(meta)
	} else {
		props["metadata"] = ""
	}

	if status := statusOf(e); status != "" {
		props["status"] = status
	}
	if e.Type == entity.TypeTask && e.Task != nil {
		props["priority"] = string(e.Task.Priority)
	}
	return props, nil
}

// EntityFromNode rebuilds an entity from a node value returned by a raw
// query through ExecuteRead.
func EntityFromNode(node neo4j.Node) (*entity.Entity, error) {
	return entityFromProps(node.Props)
}

func entityFromRow(row map[string]any, key string) (*entity.Entity, error) {
	node, ok := row[key].(neo4j.Node)
	if !ok {
		return nil, errs.Newf(errs.Unknown, component, "entityFromRow", "column %s is not a node", key)
	}
	return entityFromProps(node.Props)
}

func entitiesFromRows(rows []map[string]any, key string) ([]*entity.Entity, error) {
	out := make([]*entity.Entity, 0, len(rows))
	for _, row := range rows {
		e, err := entityFromRow(row, key)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func entityFromProps(props map[string]any) (*entity.Entity, error) {
	const op = "entityFromProps"

	e := &entity.Entity{
		ID:             propString(props, "id"),
		Type:           entity.Type(propString(props, "entity_type")),
		Name:           propString(props, "name"),
		Description:    propString(props, "description"),
		Content:        propString(props, "content"),
		CreatedAt:      propTime(props, "created_at"),
		UpdatedAt:      propTime(props, "updated_at"),
		OrganizationID: propString(props, "group_id"),
		ProjectID:      propString(props, "project_id"),
		NameEmbedding:  propVector(props, "name_embedding"),
	}
	if !e.Type.Valid() {
		return nil, errs.Newf(errs.Unknown, component, op, "node %s has unknown entity type %q", e.ID, e.Type)
	}

	if raw := propString(props, "metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Metadata); err != nil {
			return nil, errs.Wrap(errs.Unknown, component, op, err)
		}
	}
	if raw := propString(props, "payload"); raw != "" {
		if err := unmarshalVariant(e, []byte(raw)); err != nil {
			return nil, errs.Wrap(errs.Unknown, component, op, err)
		}
	}
	return e, nil
}

func marshalVariant(e *entity.Entity) ([]byte, error) {
	switch e.Type {
	case entity.TypeEpisode:
		return json.Marshal(e.Episode)
	case entity.TypePattern, entity.TypeRule, entity.TypeTemplate, entity.TypeTopic, entity.TypeConvention:
		return json.Marshal(e.Knowledge)
	case entity.TypeProject:
		return json.Marshal(e.Project)
	case entity.TypeEpic:
		return json.Marshal(e.Epic)
	case entity.TypeTask:
		return json.Marshal(e.Task)
	case entity.TypeNote:
		return json.Marshal(e.Note)
	case entity.TypeAgent:
		return json.Marshal(e.Agent)
	case entity.TypeWorktree:
		return json.Marshal(e.Worktree)
	case entity.TypeCommunity:
		return json.Marshal(e.Community)
	case entity.TypeDocument:
		return json.Marshal(e.Document)
	default:
		return nil, fmt.Errorf("unknown entity type %q", e.Type)
	}
}

func unmarshalVariant(e *entity.Entity, raw []byte) error {
	switch e.Type {
	case entity.TypeEpisode:
		e.Episode = &entity.EpisodeFields{}
		return json.Unmarshal(raw, e.Episode)
	case entity.TypePattern, entity.TypeRule, entity.TypeTemplate, entity.TypeTopic, entity.TypeConvention:
		e.Knowledge = &entity.KnowledgeFields{}
		return json.Unmarshal(raw, e.Knowledge)
	case entity.TypeProject:
		e.Project = &entity.ProjectFields{}
		return json.Unmarshal(raw, e.Project)
	case entity.TypeEpic:
		e.Epic = &entity.EpicFields{}
		return json.Unmarshal(raw, e.Epic)
	case entity.TypeTask:
		e.Task = &entity.TaskFields{}
		return json.Unmarshal(raw, e.Task)
	case entity.TypeNote:
		e.Note = &entity.NoteFields{}
		return json.Unmarshal(raw, e.Note)
	case entity.TypeAgent:
		e.Agent = &entity.AgentFields{}
		return json.Unmarshal(raw, e.Agent)
	case entity.TypeWorktree:
		e.Worktree = &entity.WorktreeFields{}
		return json.Unmarshal(raw, e.Worktree)
	case entity.TypeCommunity:
		e.Community = &entity.CommunityFields{}
		return json.Unmarshal(raw, e.Community)
	case entity.TypeDocument:
		e.Document = &entity.DocumentFields{}
		return json.Unmarshal(raw, e.Document)
	default:
		return fmt.Errorf("unknown entity type %q", e.Type)
	}
}

// statusOf promotes the variant's workflow status for index filtering.
func statusOf(e *entity.Entity) string {
	switch e.Type {
	case entity.TypeTask:
		if e.Task != nil {
			return string(e.Task.Status)
		}
	case entity.TypeEpic:
		if e.Epic != nil {
			return string(e.Epic.Status)
		}
	case entity.TypeProject:
		if e.Project != nil {
			return string(e.Project.Status)
		}
	case entity.TypeAgent:
		if e.Agent != nil {
			return string(e.Agent.Status)
		}
	case entity.TypeWorktree:
		if e.Worktree != nil {
			return string(e.Worktree.Status)
		}
	}
	return ""
}

func propString(props map[string]any, key string) string {
	v, _ := props[key].(string)
	return v
}

func propTime(props map[string]any, key string) time.Time {
	v, _ := props[key].(time.Time)
	return v
}

// propVector accepts both the driver's native float32 slice and the
// generic list-of-doubles shape legacy properties come back as.
func propVector(props map[string]any, key string) []float32 {
	switch v := props[key].(type) {
	case []float32:
		return v
	case []any:
		out := make([]float32, len(v))
		for i, x := range v {
			f, _ := x.(float64)
			out[i] = float32(f)
		}
		return out
	}
	return nil
}

func asInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
