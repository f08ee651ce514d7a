// Package agent drives a single autonomous agent session.
//
// A Runner owns one agent: its persisted record in the graph, its
// conversation history, its heartbeat, and the hook fabric composed
// around the LLM stream (context injection, approval gates, workflow
// tracking). Execute streams typed session messages to the caller;
// Pause and Stop checkpoint and transition the record. The orchestrator
// in pkg/orchestrator coordinates many runners; this package knows
// about exactly one.
package agent

import (
	"context"

	"github.com/sibyldev/sibyl/pkg/checkpoint"
	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/entity"
	"github.com/sibyldev/sibyl/pkg/llms"
)

const component = "agent"

// MessageKind tags a session message yielded by Execute.
type MessageKind string

const (
	// MsgUser is the prompt as submitted, after hook context injection.
	MsgUser MessageKind = "user"

	// MsgAssistant is one model turn.
	MsgAssistant MessageKind = "assistant"

	// MsgResult closes one Execute call with its accounting.
	MsgResult MessageKind = "result"

	// MsgEvent is a session event: a tool call, a denial, a reminder.
	MsgEvent MessageKind = "event"
)

// Message is one item of the session stream.
type Message struct {
	Kind    MessageKind `json:"kind"`
	Content string      `json:"content,omitempty"`

	// Assistant messages.
	Model string `json:"model,omitempty"`

	// Result messages.
	Subtype      string  `json:"subtype,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	SessionID    string  `json:"session_id,omitempty"`

	// Event messages.
	ToolName string `json:"tool_name,omitempty"`
}

// historyEntry reduces a message for checkpointing.
func (m Message) historyEntry() checkpoint.HistoryEntry {
	return checkpoint.HistoryEntry{
		Kind:         checkpoint.EntryKind(m.Kind),
		Content:      m.Content,
		Model:        m.Model,
		Subtype:      m.Subtype,
		DurationMS:   m.DurationMS,
		TotalCostUSD: m.TotalCostUSD,
	}
}

// GraphStore is the slice of the graph client the runner persists its
// record through.
type GraphStore interface {
	UpsertEntity(ctx context.Context, e *entity.Entity) error
	GetEntity(ctx context.Context, orgID, id string) (*entity.Entity, error)
}

// Checkpoints is the slice of the checkpoint manager the runner writes
// snapshots through.
type Checkpoints interface {
	Enabled() bool
	Save(ctx context.Context, orgID string, snap *checkpoint.Snapshot) error
}

// ToolRunner executes model tool calls. When absent, tool calls are
// answered with an error result so the model can recover.
type ToolRunner interface {
	Definitions() []llms.ToolDefinition
	Run(ctx context.Context, call llms.ToolCall) llms.ToolResult
}

// Deps bundles the runner's collaborators. Graph and LLM are required;
// the rest degrade gracefully when nil.
type Deps struct {
	Graph       GraphStore
	LLM         llms.Provider
	Checkpoints Checkpoints
	Tools       ToolRunner
	Approvals   *Approvals

	// Workflow tunes the stop-time reminder; the zero value takes the
	// defaults.
	Workflow config.WorkflowTrackerConfig
}
