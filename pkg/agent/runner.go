package agent

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sibyldev/sibyl/pkg/checkpoint"
	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/entity"
	"github.com/sibyldev/sibyl/pkg/errs"
	"github.com/sibyldev/sibyl/pkg/llms"
)

// maxToolIterations bounds the model/tool loop of one Execute call.
const maxToolIterations = 50

// SpawnRequest describes the agent to start.
type SpawnRequest struct {
	OrganizationID string
	AgentType      entity.AgentType
	SpawnSource    string
	Instructions   string

	// Task is the optional work item the agent is bound to. TaskID is
	// derived from it when set.
	Task   *entity.Entity
	TaskID string

	WorktreePath   string
	WorktreeBranch string

	// UserHooks are caller-provided hooks, fired before system hooks.
	UserHooks map[llms.HookEvent][]llms.Hook
}

// Runner owns one agent session.
type Runner struct {
	cfg   config.RunnerConfig
	deps  Deps
	log   *slog.Logger
	hooks *llms.Hooks

	orgID     string
	id        string
	sessionID string
	system    string

	mu        sync.Mutex
	record    *entity.Entity
	history   []llms.Message // conversation sent to the model
	session   []Message      // reduced log kept for checkpoints
	tokens    int64
	cost      float64
	executing bool

	hbCancel context.CancelFunc
	hbDone   chan struct{}
}

// Spawn persists a fresh agent record, composes its hooks and system
// prompt, transitions it to working, and starts the heartbeat.
func Spawn(ctx context.Context, cfg config.RunnerConfig, deps Deps, req SpawnRequest) (*Runner, error) {
	const op = "spawn"

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.ValidationError, component, op, err)
	}
	if deps.Graph == nil || deps.LLM == nil {
		return nil, errs.New(errs.ValidationError, component, op, "graph store and llm provider are required")
	}
	if req.OrganizationID == "" {
		return nil, errs.New(errs.TenantMissing, component, op, "organization id is required")
	}

	agentType := req.AgentType
	if agentType == "" {
		agentType = entity.AgentGeneral
	}
	if !agentType.Valid() {
		return nil, errs.Newf(errs.ValidationError, component, op, "unknown agent type %q", agentType)
	}

	taskID := req.TaskID
	if req.Task != nil {
		taskID = req.Task.ID
	}

	now := time.Now().UTC()
	name := string(agentType) + "-" + nameSuffix(taskID)
	rec, err := entity.New(entity.TypeAgent, req.OrganizationID, name)
	if err != nil {
		return nil, err
	}
	// Spawn time discriminates repeated agents on the same task.
	rec.ID = entity.NewID(entity.TypeAgent, req.OrganizationID, name, strconv.FormatInt(now.UnixNano(), 10))
	rec.Agent.AgentType = agentType
	rec.Agent.SpawnSource = req.SpawnSource
	rec.Agent.TaskID = taskID
	rec.Agent.SessionID = uuid.NewString()
	rec.Agent.WorktreePath = req.WorktreePath
	rec.Agent.WorktreeBranch = req.WorktreeBranch

	if err := deps.Graph.UpsertEntity(ctx, rec); err != nil {
		return nil, err
	}

	r := &Runner{
		cfg:       cfg,
		deps:      deps,
		log:       slog.With("component", component, "agent_id", rec.ID),
		hooks:     llms.NewHooks(),
		orgID:     req.OrganizationID,
		id:        rec.ID,
		sessionID: rec.Agent.SessionID,
		system:    buildSystemPrompt(agentType, req.Task, req.Instructions),
		record:    rec,
	}
	r.history = []llms.Message{llms.SystemMessage(r.system)}
	r.installHooks(req.UserHooks)

	next, err := rec.Agent.Status.Transition(entity.AgentWorking)
	if err != nil {
		return nil, err
	}
	rec.Agent.Status = next
	rec.Agent.StartedAt = &now
	hb := now
	rec.Agent.LastHeartbeat = &hb
	rec.Touch()
	if err := deps.Graph.UpsertEntity(ctx, rec); err != nil {
		return nil, err
	}

	r.startHeartbeat()
	r.log.Info("agent spawned", "agent_type", agentType, "task_id", taskID)
	return r, nil
}

// Resume rebuilds a runner around a recovered record. The snapshot's
// history is retained for audit; the next Execute starts a fresh query,
// typically with the configured resume prompt.
func Resume(ctx context.Context, cfg config.RunnerConfig, deps Deps, rec *entity.Entity, snap *checkpoint.Snapshot) (*Runner, error) {
	const op = "resume"

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.ValidationError, component, op, err)
	}
	if deps.Graph == nil || deps.LLM == nil {
		return nil, errs.New(errs.ValidationError, component, op, "graph store and llm provider are required")
	}
	if rec == nil || rec.Type != entity.TypeAgent || rec.Agent == nil {
		return nil, errs.New(errs.ValidationError, component, op, "an agent record is required")
	}

	r := &Runner{
		cfg:       cfg,
		deps:      deps,
		log:       slog.With("component", component, "agent_id", rec.ID),
		hooks:     llms.NewHooks(),
		orgID:     rec.OrganizationID,
		id:        rec.ID,
		sessionID: rec.Agent.SessionID,
		system:    buildSystemPrompt(rec.Agent.AgentType, nil, ""),
		record:    rec,
	}
	r.history = []llms.Message{llms.SystemMessage(r.system)}
	r.installHooks(nil)

	if snap != nil {
		r.tokens = snap.TokensUsed
		r.cost = snap.CostUSD
		if snap.SessionID != "" {
			r.sessionID = snap.SessionID
		}
		for _, h := range snap.History {
			r.session = append(r.session, Message{
				Kind:         MessageKind(h.Kind),
				Content:      h.Content,
				Model:        h.Model,
				Subtype:      h.Subtype,
				DurationMS:   h.DurationMS,
				TotalCostUSD: h.TotalCostUSD,
			})
		}
	}

	if rec.Agent.Status != entity.AgentWorking {
		next, err := rec.Agent.Status.Transition(entity.AgentWorking)
		if err != nil {
			return nil, err
		}
		rec.Agent.Status = next
	}
	now := time.Now().UTC()
	rec.Agent.LastHeartbeat = &now
	rec.Agent.ErrorMessage = ""
	rec.Touch()
	if err := deps.Graph.UpsertEntity(ctx, rec); err != nil {
		return nil, err
	}

	r.startHeartbeat()
	r.log.Info("agent resumed", "task_id", rec.Agent.TaskID, "had_checkpoint", snap != nil)
	return r, nil
}

// installHooks composes the hook chain: caller hooks first, then the
// approval gate and the workflow tracker.
func (r *Runner) installHooks(user map[llms.HookEvent][]llms.Hook) {
	for event, hooks := range user {
		r.hooks.AddUser(event, hooks...)
	}
	if r.deps.Approvals != nil {
		r.hooks.AddSystem(llms.HookPreToolUse, r.deps.Approvals.Hook(r.id))
	}
	tracker := newWorkflowTracker(r.deps.Workflow)
	r.hooks.AddSystem(llms.HookPostToolUse, tracker.postToolHook())
	r.hooks.AddSystem(llms.HookStop, tracker.stopHook())
}

// ID returns the agent id.
func (r *Runner) ID() string { return r.id }

// OrganizationID returns the tenant the agent belongs to.
func (r *Runner) OrganizationID() string { return r.orgID }

// SessionID returns the agent's session identifier.
func (r *Runner) SessionID() string { return r.sessionID }

// Status returns the current persisted status.
func (r *Runner) Status() entity.AgentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record.Agent.Status
}

// Type returns the agent's role.
func (r *Runner) Type() entity.AgentType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record.Agent.AgentType
}

// TaskID returns the bound task, or "".
func (r *Runner) TaskID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record.Agent.TaskID
}

// Record returns a copy of the persisted agent record.
func (r *Runner) Record() entity.Entity {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := *r.record
	agent := *r.record.Agent
	rec.Agent = &agent
	return rec
}

// Execute submits one prompt and streams the session messages back.
// The returned channel closes after the terminal result message. Only
// one Execute may be in flight per runner.
func (r *Runner) Execute(ctx context.Context, prompt string) (<-chan Message, error) {
	const op = "execute"

	r.mu.Lock()
	if r.executing {
		r.mu.Unlock()
		return nil, errs.New(errs.Conflict, component, op, "an execution is already in flight")
	}
	if r.record.Agent.Status.IsTerminal() {
		status := r.record.Agent.Status
		r.mu.Unlock()
		return nil, errs.Newf(errs.InvalidTransition, component, op, "agent is %s", status)
	}
	r.executing = true
	r.mu.Unlock()

	fire, err := r.hooks.Fire(ctx, &llms.HookInput{
		Event:     llms.HookUserPromptSubmit,
		AgentID:   r.id,
		SessionID: r.sessionID,
		Prompt:    prompt,
	})
	if err != nil {
		r.mu.Lock()
		r.executing = false
		r.mu.Unlock()
		return nil, err
	}
	if added := fire.AddedContext(); added != "" {
		prompt = prompt + "\n\n" + added
	}

	userMsg := Message{Kind: MsgUser, Content: prompt}
	r.mu.Lock()
	r.history = append(r.history, llms.UserMessage(prompt))
	r.session = append(r.session, userMsg)
	r.mu.Unlock()

	out := make(chan Message, 16)
	go r.run(ctx, prompt, out, userMsg)
	return out, nil
}

func (r *Runner) run(ctx context.Context, prompt string, out chan<- Message, userMsg Message) {
	defer close(out)
	defer func() {
		r.mu.Lock()
		r.executing = false
		r.mu.Unlock()
	}()

	started := time.Now()
	r.yield(ctx, out, userMsg)

	var defs []llms.ToolDefinition
	if r.deps.Tools != nil {
		defs = r.deps.Tools.Definitions()
	}

	var runErr error
loop:
	for iteration := 0; iteration < maxToolIterations; iteration++ {
		text, calls, usage, err := r.completeOnce(ctx, defs)
		if err != nil {
			runErr = err
			break
		}

		r.mu.Lock()
		r.tokens += int64(usage.Total())
		r.cost += r.deps.LLM.Cost(usage)
		r.history = append(r.history, llms.AssistantMessage(text, calls...))
		assistant := Message{Kind: MsgAssistant, Content: text, Model: r.deps.LLM.Model()}
		r.session = append(r.session, assistant)
		r.mu.Unlock()
		if !r.yield(ctx, out, assistant) {
			return
		}

		if len(calls) == 0 {
			break
		}
		for _, call := range calls {
			if ctx.Err() != nil {
				break loop
			}
			result, ev := r.runTool(ctx, call)
			r.mu.Lock()
			r.history = append(r.history, llms.ToolResultMessage(result))
			r.session = append(r.session, ev)
			r.mu.Unlock()
			if !r.yield(ctx, out, ev) {
				return
			}
		}
	}

	if stop, err := r.hooks.Fire(ctx, &llms.HookInput{
		Event:     llms.HookStop,
		AgentID:   r.id,
		SessionID: r.sessionID,
	}); err == nil {
		if reminder := stop.AddedContext(); reminder != "" {
			ev := Message{Kind: MsgEvent, Content: reminder}
			r.mu.Lock()
			r.session = append(r.session, ev)
			r.mu.Unlock()
			r.yield(ctx, out, ev)
		}
	}

	result := r.finish(ctx, runErr, started)
	r.yield(ctx, out, result)
}

// completeOnce runs one streaming completion and gathers its text, tool
// calls, and usage.
func (r *Runner) completeOnce(ctx context.Context, defs []llms.ToolDefinition) (string, []llms.ToolCall, llms.Usage, error) {
	llmCtx, cancel := context.WithTimeout(ctx, r.cfg.LLMTimeout)
	defer cancel()

	r.mu.Lock()
	history := append([]llms.Message(nil), r.history...)
	r.mu.Unlock()

	stream, err := r.deps.LLM.GenerateStreaming(llmCtx, history, defs)
	if err != nil {
		return "", nil, llms.Usage{}, err
	}

	var (
		text  strings.Builder
		calls []llms.ToolCall
		usage llms.Usage
	)
	for chunk := range stream {
		switch chunk.Type {
		case llms.ChunkText:
			text.WriteString(chunk.Text)
		case llms.ChunkToolCall:
			if chunk.ToolCall != nil {
				calls = append(calls, *chunk.ToolCall)
			}
		case llms.ChunkDone:
			usage = chunk.Usage
		case llms.ChunkError:
			return "", nil, llms.Usage{}, chunk.Err
		}
	}
	if err := llmCtx.Err(); err != nil {
		if ctx.Err() == nil {
			return "", nil, llms.Usage{}, errs.Wrap(errs.Timeout, component, "completeOnce", err)
		}
		return "", nil, llms.Usage{}, err
	}
	return text.String(), calls, usage, nil
}

// runTool executes one tool call behind the PreToolUse gate and reports
// the outcome through the PostToolUse hooks.
func (r *Runner) runTool(ctx context.Context, call llms.ToolCall) (llms.ToolResult, Message) {
	pre, err := r.hooks.Fire(ctx, &llms.HookInput{
		Event:     llms.HookPreToolUse,
		AgentID:   r.id,
		SessionID: r.sessionID,
		ToolName:  call.Name,
		ToolArgs:  call.Args,
	})

	var result llms.ToolResult
	switch {
	case err != nil:
		result = llms.ToolResult{ToolCallID: call.ID, Name: call.Name, IsError: true,
			Content: "tool gate failed: " + err.Error()}
	case pre.Denied:
		reason := pre.DenyReason
		if reason == "" {
			reason = "denied"
		}
		result = llms.ToolResult{ToolCallID: call.ID, Name: call.Name, IsError: true,
			Content: "tool call denied: " + reason}
	case r.deps.Tools == nil:
		result = llms.ToolResult{ToolCallID: call.ID, Name: call.Name, IsError: true,
			Content: "no tool runner is configured"}
	default:
		result = r.deps.Tools.Run(ctx, call)
		if result.ToolCallID == "" {
			result.ToolCallID = call.ID
		}
	}

	post := &llms.HookInput{
		Event:      llms.HookPostToolUse,
		AgentID:    r.id,
		SessionID:  r.sessionID,
		ToolName:   call.Name,
		ToolArgs:   call.Args,
		ToolOutput: result.Content,
	}
	if result.IsError {
		post.ToolError = result.Content
	}
	if _, err := r.hooks.Fire(ctx, post); err != nil {
		r.log.Warn("post-tool hook failed", "tool", call.Name, "error", err)
	}

	content := "tool " + call.Name
	if result.IsError {
		content += " failed: " + truncate(result.Content, 200)
	}
	return result, Message{Kind: MsgEvent, Content: content, ToolName: call.Name}
}

// finish settles the record after one Execute and builds the terminal
// result message.
func (r *Runner) finish(ctx context.Context, runErr error, started time.Time) Message {
	result := Message{
		Kind:       MsgResult,
		DurationMS: time.Since(started).Milliseconds(),
		SessionID:  r.sessionID,
	}

	r.mu.Lock()
	result.TotalCostUSD = r.cost
	r.mu.Unlock()

	switch {
	case ctx.Err() != nil:
		// Stop or Pause owns the record transition on cancellation.
		result.Subtype = "canceled"
	case runErr != nil:
		result.Subtype = "error"
		result.Content = runErr.Error()
		r.checkpointQuiet("execute failed")
		r.stopHeartbeat()
		r.transition(entity.AgentFailed, func(f *entity.AgentFields) {
			f.ErrorMessage = truncate(runErr.Error(), r.cfg.ErrorMessageLimit)
		})
	default:
		result.Subtype = "success"
		r.checkpointQuiet("completed")
		r.stopHeartbeat()
		now := time.Now().UTC()
		r.transition(entity.AgentCompleted, func(f *entity.AgentFields) {
			f.CompletedAt = &now
		})
	}

	r.mu.Lock()
	r.session = append(r.session, result)
	r.mu.Unlock()
	return result
}

// Pause checkpoints and parks the agent. Pending approvals survive a
// pause so a resume can answer them.
func (r *Runner) Pause(ctx context.Context, reason string) error {
	if err := r.Checkpoint(ctx, "paused: "+reason); err != nil {
		r.log.Warn("pause checkpoint failed", "error", err)
	}
	r.stopHeartbeat()
	return r.transitionCtx(ctx, entity.AgentPaused, func(f *entity.AgentFields) {}, reason)
}

// Stop checkpoints and terminates the agent, cancelling any pending
// approvals.
func (r *Runner) Stop(ctx context.Context, reason string) error {
	if err := r.Checkpoint(ctx, "terminated: "+reason); err != nil {
		r.log.Warn("stop checkpoint failed", "error", err)
	}
	r.stopHeartbeat()
	if r.deps.Approvals != nil {
		r.deps.Approvals.CancelAgent(r.id)
	}
	return r.transitionCtx(ctx, entity.AgentTerminated, func(f *entity.AgentFields) {}, reason)
}

// Fail checkpoints and marks the agent failed, cancelling any pending
// approvals. For agents declared dead from outside, such as a stale
// heartbeat.
func (r *Runner) Fail(ctx context.Context, reason string) error {
	if err := r.Checkpoint(ctx, "failed: "+reason); err != nil {
		r.log.Warn("fail checkpoint failed", "error", err)
	}
	r.stopHeartbeat()
	if r.deps.Approvals != nil {
		r.deps.Approvals.CancelAgent(r.id)
	}
	return r.transitionCtx(ctx, entity.AgentFailed, func(f *entity.AgentFields) {
		f.ErrorMessage = truncate(reason, r.cfg.ErrorMessageLimit)
	}, reason)
}

// Checkpoint writes a snapshot of the session under the given step
// label.
func (r *Runner) Checkpoint(ctx context.Context, step string) error {
	if r.deps.Checkpoints == nil || !r.deps.Checkpoints.Enabled() {
		return nil
	}
	return r.deps.Checkpoints.Save(ctx, r.orgID, r.snapshot(step))
}

func (r *Runner) checkpointQuiet(step string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Checkpoint(ctx, step); err != nil {
		r.log.Warn("checkpoint failed", "step", step, "error", err)
	}
}

func (r *Runner) snapshot(step string) *checkpoint.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	history := make([]checkpoint.HistoryEntry, len(r.session))
	for i, msg := range r.session {
		history[i] = msg.historyEntry()
	}
	return &checkpoint.Snapshot{
		AgentID:     r.id,
		TaskID:      r.record.Agent.TaskID,
		CurrentStep: step,
		History:     history,
		TokensUsed:  r.tokens,
		CostUSD:     r.cost,
		SessionID:   r.sessionID,
		Timestamp:   time.Now().UTC(),
	}
}

// transitionCtx moves the record to the target status and persists it.
// Already-terminal agents absorb repeated stops without error.
func (r *Runner) transitionCtx(ctx context.Context, to entity.AgentStatus, mutate func(*entity.AgentFields), reason string) error {
	r.mu.Lock()
	current := r.record.Agent.Status
	if current == to || (current.IsTerminal() && to == entity.AgentTerminated) {
		r.mu.Unlock()
		return nil
	}
	next, err := current.Transition(to)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.record.Agent.Status = next
	mutate(r.record.Agent)
	if reason != "" {
		if r.record.Metadata == nil {
			r.record.Metadata = make(map[string]any)
		}
		r.record.Metadata["status_reason"] = reason
	}
	r.record.Touch()
	rec := *r.record
	agent := *r.record.Agent
	rec.Agent = &agent
	r.mu.Unlock()

	return r.deps.Graph.UpsertEntity(ctx, &rec)
}

// transition is transitionCtx on a detached context, for paths that run
// after the caller's context may be gone.
func (r *Runner) transition(to entity.AgentStatus, mutate func(*entity.AgentFields)) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.transitionCtx(ctx, to, mutate, ""); err != nil {
		r.log.Warn("status transition failed", "to", to, "error", err)
	}
}

// startHeartbeat refreshes heartbeat, tokens, and cost on the record
// until stopped.
func (r *Runner) startHeartbeat() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	r.mu.Lock()
	r.hbCancel = cancel
	r.hbDone = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.beat(ctx)
			}
		}
	}()
}

func (r *Runner) beat(ctx context.Context) {
	r.mu.Lock()
	now := time.Now().UTC()
	r.record.Agent.LastHeartbeat = &now
	r.record.Agent.TokensUsed = r.tokens
	r.record.Agent.CostUSD = r.cost
	r.record.Touch()
	rec := *r.record
	agent := *r.record.Agent
	rec.Agent = &agent
	r.mu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := r.deps.Graph.UpsertEntity(writeCtx, &rec); err != nil && ctx.Err() == nil {
		r.log.Warn("heartbeat write failed", "error", err)
	}
}

func (r *Runner) stopHeartbeat() {
	r.mu.Lock()
	cancel, done := r.hbCancel, r.hbDone
	r.hbCancel, r.hbDone = nil, nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// yield delivers a message unless the caller is gone.
func (r *Runner) yield(ctx context.Context, out chan<- Message, msg Message) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func nameSuffix(taskID string) string {
	if taskID != "" {
		if i := strings.LastIndex(taskID, "_"); i >= 0 && i+1 < len(taskID) {
			return taskID[i+1:]
		}
		return taskID
	}
	return uuid.NewString()[:8]
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}
