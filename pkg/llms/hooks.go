package llms

import (
	"context"
	"strings"
	"sync"

	"github.com/sibyldev/sibyl/pkg/errs"
)

// HookEvent names a point in an agent session where hooks fire.
type HookEvent string

const (
	HookUserPromptSubmit HookEvent = "UserPromptSubmit"
	HookPreToolUse       HookEvent = "PreToolUse"
	HookPostToolUse      HookEvent = "PostToolUse"
	HookStop             HookEvent = "Stop"
)

// HookInput carries the payload of a fired event. Fields are filled per
// event: Prompt for UserPromptSubmit, the tool fields for Pre/PostToolUse,
// StopReason for Stop.
type HookInput struct {
	Event      HookEvent
	AgentID    string
	SessionID  string
	Prompt     string
	ToolName   string
	ToolArgs   map[string]any
	ToolOutput string
	ToolError  string
	StopReason string
}

// HookOutput is a single hook's verdict. Deny is honored for PreToolUse
// and blocks the tool call; AddContext is honored for UserPromptSubmit
// and is appended to the prompt before it reaches the model.
type HookOutput struct {
	Deny       bool
	Reason     string
	AddContext string
}

// Hook is a single callback registered for an event.
type Hook interface {
	Run(ctx context.Context, in *HookInput) (*HookOutput, error)
}

// HookFunc adapts a function to the Hook interface.
type HookFunc func(ctx context.Context, in *HookInput) (*HookOutput, error)

func (f HookFunc) Run(ctx context.Context, in *HookInput) (*HookOutput, error) {
	return f(ctx, in)
}

// FireResult aggregates the outputs of every hook that ran for one event.
type FireResult struct {
	Denied     bool
	DenyReason string
	Context    []string
}

// AddedContext joins the context contributions in firing order.
func (r *FireResult) AddedContext() string {
	return strings.Join(r.Context, "\n\n")
}

// Hooks composes callbacks by event. User hooks run before system hooks;
// within each bucket, hooks run in registration order. A Deny stops the
// remaining hooks for that event.
type Hooks struct {
	mu     sync.RWMutex
	user   map[HookEvent][]Hook
	system map[HookEvent][]Hook
}

func NewHooks() *Hooks {
	return &Hooks{
		user:   make(map[HookEvent][]Hook),
		system: make(map[HookEvent][]Hook),
	}
}

// AddUser registers caller-provided hooks for an event.
func (h *Hooks) AddUser(event HookEvent, hooks ...Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.user[event] = append(h.user[event], hooks...)
}

// AddSystem registers runtime hooks for an event.
func (h *Hooks) AddSystem(event HookEvent, hooks ...Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.system[event] = append(h.system[event], hooks...)
}

// Fire runs every hook registered for the event and aggregates their
// outputs. A hook error aborts the chain.
func (h *Hooks) Fire(ctx context.Context, in *HookInput) (*FireResult, error) {
	const op = "Fire"

	h.mu.RLock()
	chain := make([]Hook, 0, len(h.user[in.Event])+len(h.system[in.Event]))
	chain = append(chain, h.user[in.Event]...)
	chain = append(chain, h.system[in.Event]...)
	h.mu.RUnlock()

	result := &FireResult{}
	for _, hook := range chain {
		out, err := hook.Run(ctx, in)
		if err != nil {
			return nil, errs.Wrap(errs.Unknown, component, op, err)
		}
		if out == nil {
			continue
		}
		if out.AddContext != "" {
			result.Context = append(result.Context, out.AddContext)
		}
		if out.Deny {
			result.Denied = true
			result.DenyReason = out.Reason
			return result, nil
		}
	}
	return result, nil
}
