package llms

import (
	"context"
	"errors"
	"testing"

	"github.com/sibyldev/sibyl/pkg/errs"
)

func recordingHook(name string, order *[]string, out *HookOutput) Hook {
	return HookFunc(func(ctx context.Context, in *HookInput) (*HookOutput, error) {
		*order = append(*order, name)
		return out, nil
	})
}

func TestHooks_UserRunsBeforeSystem(t *testing.T) {
	var order []string
	h := NewHooks()
	h.AddSystem(HookUserPromptSubmit, recordingHook("system-1", &order, nil))
	h.AddUser(HookUserPromptSubmit, recordingHook("user-1", &order, nil))
	h.AddUser(HookUserPromptSubmit, recordingHook("user-2", &order, nil))
	h.AddSystem(HookUserPromptSubmit, recordingHook("system-2", &order, nil))

	result, err := h.Fire(context.Background(), &HookInput{Event: HookUserPromptSubmit})
	if err != nil {
		t.Fatalf("Fire failed: %v", err)
	}
	if result.Denied {
		t.Error("unexpected deny")
	}

	want := []string{"user-1", "user-2", "system-1", "system-2"}
	if len(order) != len(want) {
		t.Fatalf("expected %d hooks to run, got %v", len(want), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d: got %s, want %s", i, order[i], want[i])
		}
	}
}

func TestHooks_DenyStopsChain(t *testing.T) {
	var order []string
	h := NewHooks()
	h.AddUser(HookPreToolUse, recordingHook("approval", &order, &HookOutput{Deny: true, Reason: "not allowed"}))
	h.AddSystem(HookPreToolUse, recordingHook("tracker", &order, nil))

	result, err := h.Fire(context.Background(), &HookInput{Event: HookPreToolUse, ToolName: "manage"})
	if err != nil {
		t.Fatalf("Fire failed: %v", err)
	}
	if !result.Denied {
		t.Fatal("expected deny")
	}
	if result.DenyReason != "not allowed" {
		t.Errorf("unexpected reason %q", result.DenyReason)
	}
	if len(order) != 1 {
		t.Errorf("expected the chain to stop after the deny, ran %v", order)
	}
}

func TestHooks_AggregatesContext(t *testing.T) {
	var order []string
	h := NewHooks()
	h.AddUser(HookUserPromptSubmit, recordingHook("a", &order, &HookOutput{AddContext: "recent learnings"}))
	h.AddSystem(HookUserPromptSubmit, recordingHook("b", &order, &HookOutput{AddContext: "tenant rules"}))

	result, err := h.Fire(context.Background(), &HookInput{Event: HookUserPromptSubmit, Prompt: "do the thing"})
	if err != nil {
		t.Fatalf("Fire failed: %v", err)
	}
	if got := result.AddedContext(); got != "recent learnings\n\ntenant rules" {
		t.Errorf("unexpected aggregated context %q", got)
	}
}

func TestHooks_ErrorAbortsChain(t *testing.T) {
	h := NewHooks()
	h.AddUser(HookStop, HookFunc(func(ctx context.Context, in *HookInput) (*HookOutput, error) {
		return nil, errors.New("boom")
	}))

	if _, err := h.Fire(context.Background(), &HookInput{Event: HookStop}); !errs.IsKind(err, errs.Unknown) {
		t.Errorf("expected wrapped hook error, got %v", err)
	}
}

func TestHooks_NoHooksForEvent(t *testing.T) {
	h := NewHooks()
	result, err := h.Fire(context.Background(), &HookInput{Event: HookPostToolUse})
	if err != nil {
		t.Fatalf("Fire failed: %v", err)
	}
	if result.Denied || len(result.Context) != 0 {
		t.Errorf("expected empty result, got %+v", result)
	}
}
