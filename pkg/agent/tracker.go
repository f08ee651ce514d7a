package agent

import (
	"context"
	"sync"

	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/llms"
)

// mutatingTools are the tools that count as "did real work" for the
// workflow reminder.
var mutatingTools = map[string]struct{}{
	"execute_command": {},
	"write_file":      {},
	"git_push":        {},
}

// recordingTools are the tools that count as "wrote something back to
// the graph".
var recordingTools = map[string]struct{}{
	"add":    {},
	"manage": {},
}

const workflowReminder = `Before you finish: you did substantial work this session but recorded
nothing in the knowledge graph. Consider adding a learning for what you
discovered and updating your task's status.`

// workflowTracker watches a session's tool usage and nudges the agent at
// stop time when it mutated code without recording anything. It is a
// reminder, never a gate.
type workflowTracker struct {
	cfg config.WorkflowTrackerConfig

	mu        sync.Mutex
	toolCalls int
	mutated   bool
	recorded  bool
}

func newWorkflowTracker(cfg config.WorkflowTrackerConfig) *workflowTracker {
	cfg.SetDefaults()
	return &workflowTracker{cfg: cfg}
}

func (t *workflowTracker) postToolHook() llms.Hook {
	return llms.HookFunc(func(_ context.Context, in *llms.HookInput) (*llms.HookOutput, error) {
		t.mu.Lock()
		defer t.mu.Unlock()

		t.toolCalls++
		if _, ok := mutatingTools[in.ToolName]; ok && in.ToolError == "" {
			t.mutated = true
		}
		if _, ok := recordingTools[in.ToolName]; ok && in.ToolError == "" {
			t.recorded = true
		}
		return nil, nil
	})
}

func (t *workflowTracker) stopHook() llms.Hook {
	return llms.HookFunc(func(_ context.Context, _ *llms.HookInput) (*llms.HookOutput, error) {
		t.mu.Lock()
		defer t.mu.Unlock()

		if t.toolCalls < t.cfg.MinToolCalls || t.recorded {
			return nil, nil
		}
		if t.cfg.MutationRequired() && !t.mutated {
			return nil, nil
		}
		return &llms.HookOutput{AddContext: workflowReminder}, nil
	})
}
