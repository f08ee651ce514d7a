package checkpoint

import (
	"context"
	"log/slog"
	"time"

	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/errs"
)

// Store is the slice of the graph client the manager writes snapshots
// through. Checkpoint nodes live beside the entities they describe so a
// restart sees agents and their progress in one place.
type Store interface {
	ExecuteRead(ctx context.Context, orgID, query string, params map[string]any) ([]map[string]any, error)
	ExecuteWrite(ctx context.Context, orgID, query string, params map[string]any) ([]map[string]any, error)
}

// Manager saves and restores agent snapshots.
type Manager struct {
	cfg   config.CheckpointConfig
	store Store
	log   *slog.Logger
}

// NewManager builds a manager on the given store.
func NewManager(cfg config.CheckpointConfig, store Store) (*Manager, error) {
	const op = "NewManager"

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.ValidationError, component, op, err)
	}
	if store == nil {
		return nil, errs.New(errs.ValidationError, component, op, "store is required")
	}
	return &Manager{
		cfg:   cfg,
		store: store,
		log:   slog.With("component", component),
	}, nil
}

// Enabled reports whether checkpointing is on. Save is a no-op when it
// is off; Latest still reads so operators can inspect old snapshots.
func (m *Manager) Enabled() bool {
	return m.cfg.IsEnabled()
}

// Save persists a snapshot and prunes the agent's history down to the
// configured retention. The snapshot timestamp is set here when the
// caller left it zero.
func (m *Manager) Save(ctx context.Context, orgID string, snap *Snapshot) error {
	const op = "save"

	if !m.Enabled() {
		return nil
	}
	if snap == nil || snap.AgentID == "" {
		return errs.New(errs.ValidationError, component, op, "snapshot with agent_id is required")
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}

	raw, err := snap.Serialize()
	if err != nil {
		return err
	}

	_, err = m.store.ExecuteWrite(ctx, orgID, `
		CREATE (c:Checkpoint {
			group_id: $group_id,
			agent_id: $agent_id,
			task_id: $task_id,
			created_at: $created_at,
			payload: $payload
		})`, map[string]any{
		"agent_id":   snap.AgentID,
		"task_id":    snap.TaskID,
		"created_at": snap.Timestamp.Format(time.RFC3339Nano),
		"payload":    string(raw),
	})
	if err != nil {
		return err
	}

	m.prune(ctx, orgID, snap.AgentID)
	return nil
}

// prune drops checkpoints beyond the per-agent retention. Failure to
// prune never fails the save that triggered it.
func (m *Manager) prune(ctx context.Context, orgID, agentID string) {
	_, err := m.store.ExecuteWrite(ctx, orgID, `
		MATCH (c:Checkpoint {group_id: $group_id, agent_id: $agent_id})
		WITH c ORDER BY c.created_at DESC
		SKIP $keep
		DELETE c`, map[string]any{
		"agent_id": agentID,
		"keep":     m.cfg.MaxPerAgent,
	})
	if err != nil {
		m.log.Warn("checkpoint prune failed", "agent_id", agentID, "error", err)
	}
}

// Latest returns the most recent snapshot for the agent, or NotFound
// when the agent has never checkpointed.
func (m *Manager) Latest(ctx context.Context, orgID, agentID string) (*Snapshot, error) {
	const op = "latest"

	if agentID == "" {
		return nil, errs.New(errs.ValidationError, component, op, "agent id is required")
	}

	rows, err := m.store.ExecuteRead(ctx, orgID, `
		MATCH (c:Checkpoint {group_id: $group_id, agent_id: $agent_id})
		RETURN c.payload AS payload
		ORDER BY c.created_at DESC
		LIMIT 1`, map[string]any{"agent_id": agentID})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errs.Newf(errs.NotFound, component, op, "no checkpoint for agent %s", agentID)
	}

	payload, _ := rows[0]["payload"].(string)
	return Deserialize([]byte(payload))
}

// List returns up to limit snapshots for the agent, newest first.
func (m *Manager) List(ctx context.Context, orgID, agentID string, limit int) ([]*Snapshot, error) {
	const op = "list"

	if agentID == "" {
		return nil, errs.New(errs.ValidationError, component, op, "agent id is required")
	}
	if limit <= 0 {
		limit = m.cfg.MaxPerAgent
	}

	rows, err := m.store.ExecuteRead(ctx, orgID, `
		MATCH (c:Checkpoint {group_id: $group_id, agent_id: $agent_id})
		RETURN c.payload AS payload
		ORDER BY c.created_at DESC
		LIMIT $limit`, map[string]any{"agent_id": agentID, "limit": limit})
	if err != nil {
		return nil, err
	}

	out := make([]*Snapshot, 0, len(rows))
	for _, row := range rows {
		payload, _ := row["payload"].(string)
		snap, err := Deserialize([]byte(payload))
		if err != nil {
			m.log.Warn("skipping unreadable checkpoint", "agent_id", agentID, "error", err)
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// Clear removes every checkpoint the agent has, returning how many were
// deleted. Used when an agent completes cleanly.
func (m *Manager) Clear(ctx context.Context, orgID, agentID string) (int, error) {
	const op = "clear"

	if agentID == "" {
		return 0, errs.New(errs.ValidationError, component, op, "agent id is required")
	}

	rows, err := m.store.ExecuteWrite(ctx, orgID, `
		MATCH (c:Checkpoint {group_id: $group_id, agent_id: $agent_id})
		DELETE c
		RETURN count(c) AS total`, map[string]any{"agent_id": agentID})
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if n, ok := rows[0]["total"].(int64); ok {
		return int(n), nil
	}
	return len(rows), nil
}
