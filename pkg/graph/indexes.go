package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/sibyldev/sibyl/pkg/errs"
)

// EnsureIndexes creates the standard indexes idempotently on first use
// for a tenant. Index DDL is database-global; the per-tenant map only
// keeps repeat callers from re-issuing it.
func (c *Client) EnsureIndexes(ctx context.Context, orgID string) error {
	const op = "ensureIndexes"

	if orgID == "" {
		return errs.New(errs.TenantMissing, component, op, "organization id is required")
	}
	if _, done := c.indexed.Load(orgID); done {
		return nil
	}

	statements := []string{
		fmt.Sprintf(`CREATE VECTOR INDEX %s IF NOT EXISTS
FOR (n:Entity) ON (n.name_embedding)
OPTIONS {indexConfig: {`+"`vector.dimensions`"+`: %d, `+"`vector.similarity_function`"+`: 'cosine'}}`,
			vectorIndexName, c.cfg.VectorDimension),
		`CREATE CONSTRAINT entity_id_unique IF NOT EXISTS FOR (n:Entity) REQUIRE n.id IS UNIQUE`,
		`CREATE INDEX entity_group IF NOT EXISTS FOR (n:Entity) ON (n.group_id)`,
		`CREATE INDEX entity_project_status IF NOT EXISTS FOR (n:Entity) ON (n.project_id, n.status)`,
		`CREATE INDEX entity_type IF NOT EXISTS FOR (n:Entity) ON (n.entity_type)`,
		`CREATE INDEX episodic_type IF NOT EXISTS FOR (n:Episodic) ON (n.entity_type)`,
	}

	// Schema DDL needs auto-commit transactions; it cannot run inside a
	// managed transaction function.
	for _, stmt := range statements {
		err := c.withRetry(ctx, op, c.cfg.QueryTimeout, func(ctx context.Context) error {
			session := c.newWriteSession(ctx)
			defer session.Close(ctx)

			result, err := session.Run(ctx, stmt, nil)
			if err != nil {
				return err
			}
			_, err = result.Consume(ctx)
			return err
		})
		if err != nil && !indexAlreadyExists(err) {
			return err
		}
	}

	c.indexed.Store(orgID, struct{}{})
	c.log.Debug("graph indexes ensured", "org_id", orgID, "dimension", c.cfg.VectorDimension)
	return nil
}

// indexAlreadyExists recognizes the failure mode of racing another
// process on the same DDL, which the contract treats as success.
func indexAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "EquivalentSchemaRuleAlreadyExists") ||
		strings.Contains(msg, "IndexAlreadyExists") ||
		strings.Contains(msg, "ConstraintAlreadyExists") ||
		strings.Contains(msg, "already exists")
}

// MigrationResult reports what the embedding migration touched.
type MigrationResult struct {
	Cast    int64 `json:"cast"`
	Cleared int64 `json:"cleared"`
}

// MigrateEmbeddings repairs legacy name_embedding properties for one
// tenant: embeddings with the configured dimension are re-written
// through the native vector cast, embeddings with any other dimension
// are cleared so they can be recomputed.
func (c *Client) MigrateEmbeddings(ctx context.Context, orgID string) (MigrationResult, error) {
	var result MigrationResult

	rows, err := c.ExecuteWrite(ctx, orgID,
		`MATCH (n:Entity)
WHERE n.group_id = $group_id AND n.name_embedding IS NOT NULL AND size(n.name_embedding) <> $dimension
SET n.name_embedding = null
RETURN count(n) AS cleared`,
		map[string]any{"dimension": c.cfg.VectorDimension})
	if err != nil {
		return result, err
	}
	if len(rows) > 0 {
		result.Cleared = asInt(rows[0]["cleared"])
	}

	rows, err = c.ExecuteWrite(ctx, orgID,
		`MATCH (n:Entity)
WHERE n.group_id = $group_id AND n.name_embedding IS NOT NULL AND size(n.name_embedding) = $dimension
CALL db.create.setNodeVectorProperty(n, 'name_embedding', n.name_embedding)
RETURN count(n) AS cast`,
		map[string]any{"dimension": c.cfg.VectorDimension})
	if err != nil {
		return result, err
	}
	if len(rows) > 0 {
		result.Cast = asInt(rows[0]["cast"])
	}

	c.log.Info("embedding migration complete",
		"org_id", orgID, "cast", result.Cast, "cleared", result.Cleared)
	return result, nil
}
