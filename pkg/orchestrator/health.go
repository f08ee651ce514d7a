package orchestrator

import (
	"context"
	"time"

	"github.com/sibyldev/sibyl/pkg/agent"
	"github.com/sibyldev/sibyl/pkg/entity"
	"github.com/sibyldev/sibyl/pkg/errs"
	"github.com/sibyldev/sibyl/pkg/graph"
)

// recover resumes the tenant's recoverable agents from their latest
// checkpoints. Agents with no checkpoint are failed rather than left
// claiming a task forever.
func (o *Orchestrator) recover(ctx context.Context) error {
	records, err := o.deps.Graph.ListEntities(ctx, o.orgID, graph.ListOptions{
		Types: []entity.Type{entity.TypeAgent},
		Statuses: []string{
			string(entity.AgentWorking),
			string(entity.AgentPaused),
			string(entity.AgentWaitingApproval),
			string(entity.AgentWaitingDependency),
		},
	})
	if err != nil {
		return err
	}

	for _, rec := range records {
		if rec.Agent == nil || !rec.Agent.Status.IsRecoverable() {
			continue
		}
		o.recoverOne(ctx, rec)
	}
	return nil
}

func (o *Orchestrator) recoverOne(ctx context.Context, rec *entity.Entity) {
	if o.deps.Checkpoints == nil || !o.deps.Checkpoints.Enabled() {
		o.failAgent(ctx, rec, "checkpointing is disabled, cannot resume")
		return
	}

	snap, err := o.deps.Checkpoints.Latest(ctx, o.orgID, rec.ID)
	if err != nil {
		if errs.IsKind(err, errs.NotFound) {
			o.failAgent(ctx, rec, "no checkpoint to resume from")
		} else {
			o.log.Warn("checkpoint lookup failed, skipping agent", "agent_id", rec.ID, "error", err)
		}
		return
	}

	runner, err := agent.Resume(ctx, o.cfg.Runner, agent.Deps{
		Graph:       o.deps.Graph,
		LLM:         o.deps.LLM,
		Checkpoints: o.checkpoints(),
		Tools:       o.deps.Tools,
		Approvals:   o.deps.Approvals,
		Workflow:    o.deps.Workflow,
	}, rec, snap)
	if err != nil {
		o.log.Warn("agent resume failed", "agent_id", rec.ID, "error", err)
		o.failAgent(ctx, rec, "resume failed: "+err.Error())
		return
	}

	o.register(runner)
	go o.resumeSession(runner)
	o.log.Info("agent recovered", "agent_id", rec.ID, "step", snap.CurrentStep)
}

// resumeSession runs the recovered agent's fresh query and drains it.
func (o *Orchestrator) resumeSession(runner *agent.Runner) {
	ctx := context.Background()
	ch, err := runner.Execute(ctx, o.cfg.Runner.ResumePrompt)
	if err != nil {
		o.log.Warn("resume execution did not start", "agent_id", runner.ID(), "error", err)
		return
	}
	for msg := range ch {
		if msg.Kind == agent.MsgResult {
			o.log.Info("resumed session finished",
				"agent_id", runner.ID(), "subtype", msg.Subtype, "duration_ms", msg.DurationMS)
		}
	}
}

// failAgent transitions a detached record to failed.
func (o *Orchestrator) failAgent(ctx context.Context, rec *entity.Entity, reason string) {
	next, err := rec.Agent.Status.Transition(entity.AgentFailed)
	if err != nil {
		o.log.Warn("cannot fail agent", "agent_id", rec.ID, "error", err)
		return
	}
	rec.Agent.Status = next
	rec.Agent.ErrorMessage = reason
	rec.Touch()
	if err := o.deps.Graph.UpsertEntity(ctx, rec); err != nil {
		o.log.Warn("failed-agent write lost", "agent_id", rec.ID, "error", err)
	} else {
		o.log.Info("agent marked failed", "agent_id", rec.ID, "reason", reason)
	}
}

// healthLoop periodically fails agents whose heartbeats went stale:
// runners wedged in this process, and agents another instance left
// behind.
func (o *Orchestrator) healthLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(o.cfg.Orchestrator.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.checkHealth(ctx)
		}
	}
}

func (o *Orchestrator) checkHealth(ctx context.Context) {
	threshold := o.cfg.Orchestrator.StaleHeartbeatThreshold
	cutoff := time.Now().UTC().Add(-threshold)

	// Local runners first.
	for _, runner := range o.Agents() {
		rec := runner.Record()
		if rec.Agent.Status != entity.AgentWorking {
			continue
		}
		if rec.Agent.LastHeartbeat != nil && rec.Agent.LastHeartbeat.After(cutoff) {
			continue
		}
		o.log.Warn("stale local agent, failing", "agent_id", runner.ID())
		if err := runner.Fail(ctx, "heartbeat stale"); err != nil {
			o.log.Warn("stale agent did not fail", "agent_id", runner.ID(), "error", err)
		}
		o.unregister(runner.ID())
	}

	// Then records nobody here owns.
	records, err := o.deps.Graph.ListEntities(ctx, o.orgID, graph.ListOptions{
		Types:    []entity.Type{entity.TypeAgent},
		Statuses: []string{string(entity.AgentWorking)},
	})
	if err != nil {
		o.log.Warn("health scan failed", "error", err)
		return
	}
	for _, rec := range records {
		if _, local := o.Agent(rec.ID); local {
			continue
		}
		if rec.Agent.LastHeartbeat != nil && rec.Agent.LastHeartbeat.After(cutoff) {
			continue
		}
		o.failAgent(ctx, rec, "heartbeat lost")
	}
}
