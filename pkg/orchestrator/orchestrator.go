// Package orchestrator coordinates agent runners for one tenant.
//
// It owns the runner registry, claims tasks for freshly spawned agents
// under distributed locks, relays messages between agents through
// bounded in-memory queues, recovers checkpointed agents on startup,
// and fails agents whose heartbeats go stale.
package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sibyldev/sibyl/pkg/agent"
	"github.com/sibyldev/sibyl/pkg/checkpoint"
	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/entity"
	"github.com/sibyldev/sibyl/pkg/errs"
	"github.com/sibyldev/sibyl/pkg/graph"
	"github.com/sibyldev/sibyl/pkg/llms"
)

const component = "orchestrator"

// GraphStore is the slice of the graph client the orchestrator reads
// and writes agent and task records through.
type GraphStore interface {
	UpsertEntity(ctx context.Context, e *entity.Entity) error
	GetEntity(ctx context.Context, orgID, id string) (*entity.Entity, error)
	ListEntities(ctx context.Context, orgID string, opts graph.ListOptions) ([]*entity.Entity, error)
}

// Locker serializes task claims across instances.
type Locker interface {
	WithLock(ctx context.Context, orgID, entityID string, fn func(ctx context.Context) error) error
}

// Checkpoints is the slice of the checkpoint manager used for recovery.
type Checkpoints interface {
	Enabled() bool
	Save(ctx context.Context, orgID string, snap *checkpoint.Snapshot) error
	Latest(ctx context.Context, orgID, agentID string) (*checkpoint.Snapshot, error)
}

// Worktrees sweeps abandoned worktrees when the orchestrator shuts
// down.
type Worktrees interface {
	CleanupOrphaned(ctx context.Context, orgID string, maxAge time.Duration) (int, error)
}

// Deps bundles the orchestrator's collaborators. Graph and LLM are
// required; Locks falls back to unsynchronized claims when nil (single
// instance deployments), and the rest degrade gracefully.
type Deps struct {
	Graph       GraphStore
	LLM         llms.Provider
	Checkpoints Checkpoints
	Tools       agent.ToolRunner
	Approvals   *agent.Approvals
	Locks       Locker
	Worktrees   Worktrees
	Workflow    config.WorkflowTrackerConfig
}

// SpawnRequest asks for a new agent, optionally bound to a task.
type SpawnRequest struct {
	TaskID       string
	AgentType    entity.AgentType
	SpawnSource  string
	Instructions string

	WorktreePath   string
	WorktreeBranch string
}

// QueuedMessage is one inter-agent message.
type QueuedMessage struct {
	From    string    `json:"from"`
	Content string    `json:"content"`
	SentAt  time.Time `json:"sent_at"`
}

// Orchestrator coordinates the runners of one organization.
type Orchestrator struct {
	cfg   config.AgentsConfig
	deps  Deps
	orgID string
	log   *slog.Logger

	mu      sync.Mutex
	runners map[string]*agent.Runner
	queues  map[string]chan QueuedMessage
	started bool

	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// New builds an orchestrator for one tenant.
func New(cfg config.AgentsConfig, orgID string, deps Deps) (*Orchestrator, error) {
	const op = "New"

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.ValidationError, component, op, err)
	}
	if orgID == "" {
		return nil, errs.New(errs.TenantMissing, component, op, "organization id is required")
	}
	if deps.Graph == nil || deps.LLM == nil {
		return nil, errs.New(errs.ValidationError, component, op, "graph store and llm provider are required")
	}

	return &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		orgID:   orgID,
		log:     slog.With("component", component, "org_id", orgID),
		runners: make(map[string]*agent.Runner),
		queues:  make(map[string]chan QueuedMessage),
	}, nil
}

// Start recovers checkpointed agents and begins the health loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	const op = "start"

	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return errs.New(errs.Conflict, component, op, "already started")
	}
	o.started = true
	o.mu.Unlock()

	if err := o.recover(ctx); err != nil {
		o.log.Warn("agent recovery incomplete", "error", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	o.mu.Lock()
	o.loopCancel = cancel
	o.loopDone = done
	o.mu.Unlock()
	go o.healthLoop(loopCtx, done)

	return nil
}

// Stop checkpoints and terminates every runner, stops the health loop,
// and sweeps orphaned worktrees.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.loopCancel != nil {
		o.loopCancel()
		o.loopCancel = nil
	}
	done := o.loopDone
	o.loopDone = nil
	runners := make([]*agent.Runner, 0, len(o.runners))
	for _, r := range o.runners {
		runners = append(runners, r)
	}
	o.runners = make(map[string]*agent.Runner)
	o.queues = make(map[string]chan QueuedMessage)
	o.started = false
	o.mu.Unlock()

	if done != nil {
		<-done
	}

	for _, r := range runners {
		if err := r.Stop(ctx, "orchestrator shutdown"); err != nil {
			o.log.Warn("agent did not stop cleanly", "agent_id", r.ID(), "error", err)
		}
	}

	if o.deps.Worktrees != nil {
		if n, err := o.deps.Worktrees.CleanupOrphaned(ctx, o.orgID, 0); err != nil {
			o.log.Warn("orphan sweep failed", "error", err)
		} else if n > 0 {
			o.log.Info("orphaned worktrees removed", "count", n)
		}
	}
	return nil
}

// Spawn starts an agent and, when the request names a task, claims the
// task for it under the task lock.
func (o *Orchestrator) Spawn(ctx context.Context, req SpawnRequest) (*agent.Runner, error) {
	const op = "spawn"

	var task *entity.Entity
	if req.TaskID != "" {
		got, err := o.deps.Graph.GetEntity(ctx, o.orgID, req.TaskID)
		if err != nil {
			return nil, err
		}
		if got.Type != entity.TypeTask || got.Task == nil {
			return nil, errs.Newf(errs.ValidationError, component, op, "%s is not a task", req.TaskID)
		}
		task = got
	}

	agentType := req.AgentType
	if agentType == "" {
		agentType = pickAgentType(task)
	}
	source := req.SpawnSource
	if source == "" {
		source = component
	}

	runner, err := agent.Spawn(ctx, o.cfg.Runner, agent.Deps{
		Graph:       o.deps.Graph,
		LLM:         o.deps.LLM,
		Checkpoints: o.checkpoints(),
		Tools:       o.deps.Tools,
		Approvals:   o.deps.Approvals,
		Workflow:    o.deps.Workflow,
	}, agent.SpawnRequest{
		OrganizationID: o.orgID,
		AgentType:      agentType,
		SpawnSource:    source,
		Instructions:   req.Instructions,
		Task:           task,
		WorktreePath:   req.WorktreePath,
		WorktreeBranch: req.WorktreeBranch,
	})
	if err != nil {
		return nil, err
	}

	if task != nil {
		if err := o.claimTask(ctx, task.ID, runner.ID()); err != nil {
			if stopErr := runner.Stop(ctx, "task claim failed"); stopErr != nil {
				o.log.Warn("spawned agent did not stop after failed claim",
					"agent_id", runner.ID(), "error", stopErr)
			}
			return nil, err
		}
	}

	o.register(runner)
	return runner, nil
}

// claimTask re-reads the task under its lock and binds it to the agent.
func (o *Orchestrator) claimTask(ctx context.Context, taskID, agentID string) error {
	const op = "claimTask"

	return o.withLock(ctx, taskID, func(ctx context.Context) error {
		task, err := o.deps.Graph.GetEntity(ctx, o.orgID, taskID)
		if err != nil {
			return err
		}
		if task.Task.AssignedAgent != "" && task.Task.AssignedAgent != agentID {
			return errs.Newf(errs.Conflict, component, op,
				"task %s is already assigned to %s", taskID, task.Task.AssignedAgent)
		}

		if task.Task.Status != entity.TaskDoing {
			next, err := task.Task.Status.Transition(entity.TaskDoing)
			if err != nil {
				return err
			}
			task.Task.Status = next
		}
		now := time.Now().UTC()
		task.Task.AssignedAgent = agentID
		task.Task.ClaimedAt = &now
		if task.Task.StartedAt == nil {
			task.Task.StartedAt = &now
		}
		task.Touch()
		return o.deps.Graph.UpsertEntity(ctx, task)
	})
}

// UnassignTask stops the task's agent and returns the task to todo.
func (o *Orchestrator) UnassignTask(ctx context.Context, taskID, reason string) error {
	o.mu.Lock()
	var bound *agent.Runner
	for _, r := range o.runners {
		if r.TaskID() == taskID {
			bound = r
			break
		}
	}
	o.mu.Unlock()

	if bound != nil {
		if err := bound.Stop(ctx, reason); err != nil {
			o.log.Warn("agent did not stop on unassign", "agent_id", bound.ID(), "error", err)
		}
		o.unregister(bound.ID())
	}

	return o.withLock(ctx, taskID, func(ctx context.Context) error {
		task, err := o.deps.Graph.GetEntity(ctx, o.orgID, taskID)
		if err != nil {
			return err
		}
		if task.Type != entity.TypeTask || task.Task == nil {
			return errs.Newf(errs.ValidationError, component, "unassignTask", "%s is not a task", taskID)
		}

		if task.Task.Status == entity.TaskDoing {
			next, err := task.Task.Status.Transition(entity.TaskTodo)
			if err != nil {
				return err
			}
			task.Task.Status = next
		}
		task.Task.AssignedAgent = ""
		task.Task.ClaimedAt = nil
		task.Touch()
		return o.deps.Graph.UpsertEntity(ctx, task)
	})
}

// Agent returns the registered runner by id.
func (o *Orchestrator) Agent(id string) (*agent.Runner, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runners[id]
	return r, ok
}

// Agents lists the registered runners.
func (o *Orchestrator) Agents() []*agent.Runner {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*agent.Runner, 0, len(o.runners))
	for _, r := range o.runners {
		out = append(out, r)
	}
	return out
}

func (o *Orchestrator) register(r *agent.Runner) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runners[r.ID()] = r
	o.queues[r.ID()] = make(chan QueuedMessage, o.cfg.Orchestrator.MessageQueueSize)
}

func (o *Orchestrator) unregister(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.runners, id)
	delete(o.queues, id)
}

func (o *Orchestrator) withLock(ctx context.Context, entityID string, fn func(ctx context.Context) error) error {
	if o.deps.Locks == nil {
		return fn(ctx)
	}
	return o.deps.Locks.WithLock(ctx, o.orgID, entityID, fn)
}

// checkpoints adapts the optional manager to the runner's narrower
// interface without handing a typed nil through.
func (o *Orchestrator) checkpoints() agent.Checkpoints {
	if o.deps.Checkpoints == nil {
		return nil
	}
	return o.deps.Checkpoints
}

// pickAgentType chooses a role from the task's wording. Unbound agents
// default to general.
func pickAgentType(task *entity.Entity) entity.AgentType {
	if task == nil {
		return entity.AgentGeneral
	}

	text := strings.ToLower(task.Name + " " + task.Description)
	switch {
	case strings.Contains(text, "plan") || strings.Contains(text, "design") || strings.Contains(text, "break down"):
		return entity.AgentPlanner
	case strings.Contains(text, "review"):
		return entity.AgentReviewer
	case strings.Contains(text, "test") || strings.Contains(text, "coverage"):
		return entity.AgentTester
	case strings.Contains(text, "merge") || strings.Contains(text, "integrat") || strings.Contains(text, "rebase"):
		return entity.AgentIntegrator
	default:
		return entity.AgentImplementer
	}
}
