package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/errs"
	"github.com/sibyldev/sibyl/pkg/llms"
)

func newTestApprovals(t *testing.T, cfg config.ApprovalConfig) *Approvals {
	t.Helper()
	a, err := NewApprovals(cfg)
	if err != nil {
		t.Fatalf("NewApprovals: %v", err)
	}
	a.interactive = false
	return a
}

func runHook(t *testing.T, a *Approvals, tool string) *llms.HookOutput {
	t.Helper()
	out, err := a.Hook("agent_1").Run(context.Background(), &llms.HookInput{
		Event:    llms.HookPreToolUse,
		ToolName: tool,
	})
	if err != nil {
		t.Fatalf("hook: %v", err)
	}
	return out
}

func TestDisabledGateApprovesEverything(t *testing.T) {
	a := newTestApprovals(t, config.ApprovalConfig{})
	if out := runHook(t, a, "git_push"); out != nil {
		t.Errorf("disabled gate returned %+v", out)
	}
}

func TestUngatedToolPasses(t *testing.T) {
	a := newTestApprovals(t, config.ApprovalConfig{
		Enabled: true, Mode: "auto_deny", Timeout: time.Second,
		Tools: []string{"git_push"},
	})
	if out := runHook(t, a, "search"); out != nil {
		t.Errorf("ungated tool returned %+v", out)
	}
}

func TestTimeoutDenies(t *testing.T) {
	a := newTestApprovals(t, config.ApprovalConfig{
		Enabled: true, Mode: "auto_deny", Timeout: 30 * time.Millisecond,
		Tools: []string{"git_push"},
	})

	out := runHook(t, a, "git_push")
	if out == nil || !out.Deny {
		t.Fatalf("expected denial, got %+v", out)
	}
	if !strings.Contains(out.Reason, "no approval") {
		t.Errorf("reason = %q", out.Reason)
	}
	if got := a.Pending(); len(got) != 0 {
		t.Errorf("pending set still holds %d requests", len(got))
	}
}

func TestResolveApproves(t *testing.T) {
	a := newTestApprovals(t, config.ApprovalConfig{
		Enabled: true, Mode: "auto_deny", Timeout: 5 * time.Second,
		Tools: []string{"git_push"},
	})

	go func() {
		deadline := time.After(3 * time.Second)
		for {
			if pending := a.Pending(); len(pending) == 1 {
				if pending[0].Tool != "git_push" || pending[0].AgentID != "agent_1" {
					return
				}
				a.Resolve(pending[0].ID, true, "")
				return
			}
			select {
			case <-deadline:
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}()

	if out := runHook(t, a, "git_push"); out != nil {
		t.Errorf("approved call returned %+v", out)
	}
}

func TestResolveDeniesWithReason(t *testing.T) {
	a := newTestApprovals(t, config.ApprovalConfig{
		Enabled: true, Mode: "auto_deny", Timeout: 5 * time.Second,
		Tools: []string{"git_push"},
	})

	go func() {
		for {
			if pending := a.Pending(); len(pending) == 1 {
				a.Resolve(pending[0].ID, false, "not on a friday")
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	out := runHook(t, a, "git_push")
	if out == nil || !out.Deny || out.Reason != "not on a friday" {
		t.Errorf("expected denial with reason, got %+v", out)
	}
}

func TestResolveUnknownID(t *testing.T) {
	a := newTestApprovals(t, config.ApprovalConfig{Enabled: true, Mode: "auto_deny"})
	if err := a.Resolve("nope", true, ""); !errs.IsKind(err, errs.NotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestCancelAgentDeniesPending(t *testing.T) {
	a := newTestApprovals(t, config.ApprovalConfig{
		Enabled: true, Mode: "auto_deny", Timeout: 5 * time.Second,
		Tools: []string{"git_push"},
	})

	go func() {
		for {
			if len(a.Pending()) == 1 {
				a.CancelAgent("agent_1")
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	out := runHook(t, a, "git_push")
	if out == nil || !out.Deny || out.Reason != "agent stopped" {
		t.Errorf("expected stop denial, got %+v", out)
	}
}

func TestContextCancellationDenies(t *testing.T) {
	a := newTestApprovals(t, config.ApprovalConfig{
		Enabled: true, Mode: "auto_deny", Timeout: 5 * time.Second,
		Tools: []string{"git_push"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	out, err := a.Hook("agent_1").Run(ctx, &llms.HookInput{
		Event:    llms.HookPreToolUse,
		ToolName: "git_push",
	})
	if err != nil {
		t.Fatalf("hook: %v", err)
	}
	if out == nil || !out.Deny {
		t.Errorf("expected denial on cancellation, got %+v", out)
	}
}
