package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/errs"
	"github.com/sibyldev/sibyl/pkg/llms"
)

// Request is one tool call awaiting a human verdict.
type Request struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type verdict struct {
	approve bool
	reason  string
}

type pendingApproval struct {
	Request
	done chan verdict
}

// Approvals gates configured tools behind a human decision. In cli mode
// with a terminal attached it prompts inline; otherwise requests sit in
// the pending set until Resolve answers them or the timeout denies them.
type Approvals struct {
	cfg config.ApprovalConfig
	log *slog.Logger

	gated       map[string]struct{}
	interactive bool
	in          io.Reader
	out         io.Writer
	promptMu    sync.Mutex

	mu      sync.Mutex
	pending map[string]*pendingApproval
}

// NewApprovals builds the gate from config. A disabled config yields a
// gate that approves everything.
func NewApprovals(cfg config.ApprovalConfig) (*Approvals, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.ValidationError, component, "NewApprovals", err)
	}

	gated := make(map[string]struct{}, len(cfg.Tools))
	for _, tool := range cfg.Tools {
		gated[tool] = struct{}{}
	}

	return &Approvals{
		cfg:         cfg,
		log:         slog.With("component", component),
		gated:       gated,
		interactive: cfg.Mode == "cli" && term.IsTerminal(int(os.Stdin.Fd())),
		in:          os.Stdin,
		out:         os.Stderr,
		pending:     make(map[string]*pendingApproval),
	}, nil
}

// Hook returns the PreToolUse hook for one agent. Ungated tools pass
// straight through.
func (a *Approvals) Hook(agentID string) llms.Hook {
	return llms.HookFunc(func(ctx context.Context, in *llms.HookInput) (*llms.HookOutput, error) {
		if !a.cfg.Enabled {
			return nil, nil
		}
		if _, ok := a.gated[in.ToolName]; !ok {
			return nil, nil
		}
		return a.decide(ctx, agentID, in)
	})
}

func (a *Approvals) decide(ctx context.Context, agentID string, in *llms.HookInput) (*llms.HookOutput, error) {
	req := &pendingApproval{
		Request: Request{
			ID:        uuid.NewString(),
			AgentID:   agentID,
			Tool:      in.ToolName,
			Args:      in.ToolArgs,
			CreatedAt: time.Now().UTC(),
		},
		done: make(chan verdict, 1),
	}

	a.mu.Lock()
	a.pending[req.ID] = req
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pending, req.ID)
		a.mu.Unlock()
	}()

	if a.interactive {
		go a.promptTerminal(req)
	}

	timer := time.NewTimer(a.cfg.Timeout)
	defer timer.Stop()

	select {
	case v := <-req.done:
		if v.approve {
			return nil, nil
		}
		reason := v.reason
		if reason == "" {
			reason = "denied by operator"
		}
		return &llms.HookOutput{Deny: true, Reason: reason}, nil
	case <-timer.C:
		a.log.Warn("approval timed out", "agent_id", agentID, "tool", in.ToolName)
		return &llms.HookOutput{Deny: true,
			Reason: fmt.Sprintf("no approval within %s", a.cfg.Timeout)}, nil
	case <-ctx.Done():
		return &llms.HookOutput{Deny: true, Reason: "session canceled"}, nil
	}
}

// promptTerminal asks on the controlling terminal. One prompt at a time;
// the timeout in decide still applies while a prompt waits its turn.
func (a *Approvals) promptTerminal(req *pendingApproval) {
	a.promptMu.Lock()
	defer a.promptMu.Unlock()

	fmt.Fprintf(a.out, "\nagent %s wants to run %s", req.AgentID, req.Tool)
	if len(req.Args) > 0 {
		keys := make([]string, 0, len(req.Args))
		for k := range req.Args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(a.out, "\n  %s: %v", k, req.Args[k])
		}
	}
	fmt.Fprintf(a.out, "\napprove? [y/N]: ")

	line, err := bufio.NewReader(a.in).ReadString('\n')
	if err != nil {
		req.resolve(false, "terminal read failed")
		return
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		req.resolve(true, "")
	default:
		req.resolve(false, "denied at terminal")
	}
}

func (p *pendingApproval) resolve(approve bool, reason string) {
	select {
	case p.done <- verdict{approve: approve, reason: reason}:
	default:
	}
}

// Pending lists requests still waiting, oldest first.
func (a *Approvals) Pending() []Request {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Request, 0, len(a.pending))
	for _, p := range a.pending {
		out = append(out, p.Request)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Resolve answers a pending request by id.
func (a *Approvals) Resolve(id string, approve bool, reason string) error {
	const op = "resolve"

	a.mu.Lock()
	p, ok := a.pending[id]
	a.mu.Unlock()
	if !ok {
		return errs.Newf(errs.NotFound, component, op, "no pending approval %s", id)
	}
	p.resolve(approve, reason)
	return nil
}

// CancelAgent denies everything an agent still has pending. Called when
// the agent stops.
func (a *Approvals) CancelAgent(agentID string) {
	a.mu.Lock()
	var doomed []*pendingApproval
	for _, p := range a.pending {
		if p.AgentID == agentID {
			doomed = append(doomed, p)
		}
	}
	a.mu.Unlock()

	for _, p := range doomed {
		p.resolve(false, "agent stopped")
	}
}
