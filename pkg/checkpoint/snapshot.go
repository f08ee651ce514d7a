// Package checkpoint persists agent progress snapshots to the knowledge
// graph so sessions survive process restarts.
//
// A Snapshot is a serializable reduction of one agent's state: the task
// it holds, a free-form step label, the conversation history reduced to
// typed summaries, and the cumulative token/cost accounting. The manager
// stores snapshots as Checkpoint nodes scoped to the tenant, prunes old
// ones per agent, and hands the latest back to the orchestrator on
// recovery.
package checkpoint

import (
	"encoding/json"
	"time"

	"github.com/sibyldev/sibyl/pkg/errs"
)

const component = "checkpoint"

// EntryKind tags a reduced conversation history entry.
type EntryKind string

const (
	// EntryUser is a prompt sent to the agent.
	EntryUser EntryKind = "user"

	// EntryAssistant is a model turn; Model records which one produced it.
	EntryAssistant EntryKind = "assistant"

	// EntryResult closes one query: subtype, duration, and total cost.
	EntryResult EntryKind = "result"

	// EntryEvent is any other session event worth keeping for audit.
	EntryEvent EntryKind = "event"
)

// HistoryEntry is one conversation message reduced to its typed summary.
// Only the fields matching Kind are set.
type HistoryEntry struct {
	Kind    EntryKind `json:"kind"`
	Content string    `json:"content,omitempty"`

	// Assistant entries.
	Model string `json:"model,omitempty"`

	// Result entries.
	Subtype      string  `json:"subtype,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
}

// Snapshot is a recoverable picture of one agent's progress.
type Snapshot struct {
	AgentID     string         `json:"agent_id"`
	TaskID      string         `json:"task_id,omitempty"`
	CurrentStep string         `json:"current_step,omitempty"`
	History     []HistoryEntry `json:"conversation_history,omitempty"`
	TokensUsed  int64          `json:"tokens_used"`
	CostUSD     float64        `json:"cost_usd"`
	SessionID   string         `json:"session_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Serialize encodes the snapshot for storage.
func (s *Snapshot) Serialize() ([]byte, error) {
	const op = "serialize"
	if s == nil {
		return nil, errs.New(errs.ValidationError, component, op, "nil snapshot")
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, errs.Wrap(errs.ValidationError, component, op, err)
	}
	return raw, nil
}

// Deserialize decodes a stored snapshot payload.
func Deserialize(data []byte) (*Snapshot, error) {
	const op = "deserialize"
	if len(data) == 0 {
		return nil, errs.New(errs.ValidationError, component, op, "empty payload")
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errs.Wrap(errs.ValidationError, component, op, err)
	}
	return &snap, nil
}
