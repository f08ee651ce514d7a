package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sibyldev/sibyl/pkg/entity"
	"github.com/sibyldev/sibyl/pkg/errs"
	"github.com/sibyldev/sibyl/pkg/events"
	"github.com/sibyldev/sibyl/pkg/graph"
	"github.com/sibyldev/sibyl/pkg/jobs"
	"github.com/sibyldev/sibyl/pkg/search"
	"github.com/sibyldev/sibyl/pkg/tenant"
)

// ManageRequest is the external shape of a manage call. Data carries
// action-specific fields.
type ManageRequest struct {
	Action   string         `json:"action"`
	EntityID string         `json:"entity_id,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// Manage routes workflow transitions, source operations, analysis, and
// admin actions.
func (d *Dispatcher) Manage(ctx context.Context, req ManageRequest) (*Response, error) {
	const op = "manage"

	scope, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	orgID := scope.OrganizationID

	switch req.Action {
	// Task workflow.
	case "start_task":
		return d.transitionTask(ctx, orgID, req.EntityID, entity.TaskDoing, func(t *entity.TaskFields) {
			now := time.Now().UTC()
			if t.StartedAt == nil {
				t.StartedAt = &now
			}
		})
	case "block_task":
		return d.transitionTask(ctx, orgID, req.EntityID, entity.TaskBlocked, nil,
			withReason(req.Data))
	case "unblock_task":
		return d.transitionTask(ctx, orgID, req.EntityID, entity.TaskDoing, nil)
	case "submit_review":
		return d.transitionTask(ctx, orgID, req.EntityID, entity.TaskReview, func(t *entity.TaskFields) {
			now := time.Now().UTC()
			t.ReviewedAt = &now
		})
	case "complete_task":
		return d.completeTask(ctx, orgID, req)
	case "archive_task":
		return d.transitionTask(ctx, orgID, req.EntityID, entity.TaskArchived, nil)
	case "add_dependency":
		return d.addDependency(ctx, orgID, req)

	// Entity maintenance.
	case "update_entity":
		return d.updateEntity(ctx, orgID, req)
	case "delete_entity":
		return d.deleteEntity(ctx, orgID, req.EntityID)
	case "import_legacy":
		return d.importLegacy(ctx, orgID, req)

	// Source operations.
	case "crawl_source", "refresh_source":
		return d.enqueueSourceJob(ctx, orgID, req.EntityID, jobs.NewCrawlSourceJob, "crawl")
	case "sync_source":
		return d.enqueueSourceJob(ctx, orgID, req.EntityID, jobs.NewSyncSourceJob, "sync")
	case "link_graph":
		return d.linkGraph(ctx, orgID, req)
	case "detect_communities":
		return d.enqueueJob(ctx, func() (*jobs.Job, error) { return jobs.NewDetectCommunitiesJob(orgID) },
			"Queued: community detection")

	// Analysis.
	case "detect_cycles":
		return d.detectCycles(ctx, orgID, req)

	// Admin.
	case "health":
		return d.health(ctx), nil
	case "stats":
		return d.stats(ctx, orgID)
	case "rebuild_index":
		n, err := d.deps.Search.RebuildIndex(ctx, orgID)
		if err != nil {
			return nil, err
		}
		return ok(fmt.Sprintf("Rebuilt keyword index: %d entities", n), "", nil), nil

	default:
		return nil, errs.Newf(errs.ValidationError, component, op, "unknown action %q", req.Action)
	}
}

type taskMutator func(*entity.TaskFields)

func withReason(data map[string]any) string {
	reason, _ := data["reason"].(string)
	return reason
}

// transitionTask moves a task through the state machine under its lock.
func (d *Dispatcher) transitionTask(ctx context.Context, orgID, taskID string, to entity.TaskStatus, mutate taskMutator, reason ...string) (*Response, error) {
	const op = "transitionTask"

	if taskID == "" {
		return nil, errs.New(errs.ValidationError, component, op, "entity_id is required")
	}

	var task *entity.Entity
	err := d.withLock(ctx, orgID, taskID, func(ctx context.Context) error {
		got, err := d.deps.Graph.GetEntity(ctx, orgID, taskID)
		if err != nil {
			return err
		}
		if got.Type != entity.TypeTask || got.Task == nil {
			return errs.Newf(errs.ValidationError, component, op, "%s is not a task", taskID)
		}

		next, err := got.Task.Status.Transition(to)
		if err != nil {
			return err
		}
		got.Task.Status = next
		if mutate != nil {
			mutate(got.Task)
		}
		if len(reason) > 0 && reason[0] != "" {
			if got.Metadata == nil {
				got.Metadata = make(map[string]any)
			}
			got.Metadata["status_reason"] = reason[0]
		}
		got.Touch()
		if err := d.deps.Graph.UpsertEntity(ctx, got); err != nil {
			return err
		}
		task = got
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.invalidate(task)
	d.publish(ctx, events.EntityUpdated(orgID, task.ID, string(task.Type), []string{"status"}))
	return ok(fmt.Sprintf("Task %q is now %s", task.Name, to), task.ID, nil), nil
}

// completeTask closes the task and records what was learned as an
// Episode derived from it.
func (d *Dispatcher) completeTask(ctx context.Context, orgID string, req ManageRequest) (*Response, error) {
	resp, err := d.transitionTask(ctx, orgID, req.EntityID, entity.TaskDone, func(t *entity.TaskFields) {
		now := time.Now().UTC()
		t.CompletedAt = &now
		if learnings, lok := req.Data["learnings"].(string); lok && learnings != "" {
			t.Learnings = append(t.Learnings, learnings)
		}
	})
	if err != nil {
		return nil, err
	}

	learnings, _ := req.Data["learnings"].(string)
	if learnings == "" {
		return resp, nil
	}

	task, err := d.deps.Graph.GetEntity(ctx, orgID, req.EntityID)
	if err != nil {
		return nil, err
	}
	agentID, _ := req.Data["agent_id"].(string)

	if d.deps.Queue != nil && !d.cfg.SyncCreate {
		job, err := jobs.NewCreateLearningEpisodeJob(orgID, jobs.CreateLearningEpisodeArgs{
			TaskID:  task.ID,
			AgentID: agentID,
			Title:   "Learnings: " + task.Name,
			Content: learnings,
		})
		if err != nil {
			return nil, err
		}
		if _, err := d.deps.Queue.Enqueue(ctx, job); err != nil {
			return nil, err
		}
		resp.Message += "; queued learning episode"
		return resp, nil
	}

	episode, err := entity.New(entity.TypeEpisode, orgID, "Learnings: "+task.Name)
	if err != nil {
		return nil, err
	}
	episode.Content = learnings
	episode.ProjectID = task.ProjectID
	episode.Episode.EpisodeType = entity.EpisodeLearning
	if err := d.deps.Graph.UpsertEntity(ctx, episode); err != nil {
		return nil, err
	}
	rel, err := entity.NewRelationship(entity.RelDerivedFrom, episode.ID, task.ID, orgID)
	if err != nil {
		return nil, err
	}
	if err := d.deps.Graph.UpsertRelationship(ctx, rel); err != nil {
		return nil, err
	}
	d.publish(ctx, events.EntityCreated(orgID, episode.ID, string(entity.TypeEpisode), episode.Name, task.ID))
	resp.Message += "; recorded learning episode"
	return resp, nil
}

// addDependency writes a DEPENDS_ON edge after proving the dependency
// graph stays acyclic.
func (d *Dispatcher) addDependency(ctx context.Context, orgID string, req ManageRequest) (*Response, error) {
	const op = "addDependency"

	targetID, _ := req.Data["depends_on_id"].(string)
	if req.EntityID == "" || targetID == "" {
		return nil, errs.New(errs.ValidationError, component, op, "entity_id and depends_on_id are required")
	}
	if req.EntityID == targetID {
		return nil, errs.New(errs.ValidationError, component, op, "a task cannot depend on itself")
	}

	var task *entity.Entity
	err := d.withLock(ctx, orgID, req.EntityID, func(ctx context.Context) error {
		got, err := d.deps.Graph.GetEntity(ctx, orgID, req.EntityID)
		if err != nil {
			return err
		}
		if got.Type != entity.TypeTask || got.Task == nil {
			return errs.Newf(errs.ValidationError, component, op, "%s is not a task", req.EntityID)
		}
		if _, err := d.deps.Graph.GetEntity(ctx, orgID, targetID); err != nil {
			return err
		}

		edges, err := d.deps.Graph.DependencyEdges(ctx, orgID, "")
		if err != nil {
			return err
		}
		if path := cyclePath(edges, req.EntityID, targetID); path != nil {
			return errs.Newf(errs.DependencyCycle, component, op,
				"dependency %s -> %s closes the cycle %v", req.EntityID, targetID, path)
		}

		rel, err := entity.NewRelationship(entity.RelDependsOn, req.EntityID, targetID, orgID)
		if err != nil {
			return err
		}
		if err := d.deps.Graph.UpsertRelationship(ctx, rel); err != nil {
			return err
		}

		got.Task.DependsOn = appendUnique(got.Task.DependsOn, targetID)
		got.Touch()
		if err := d.deps.Graph.UpsertEntity(ctx, got); err != nil {
			return err
		}
		task = got
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.invalidate(task)
	return ok(fmt.Sprintf("Task %q now depends on %s", task.Name, targetID), task.ID, nil), nil
}

// cyclePath reports the loop a new fromID->toID dependency would
// close, in dependency order starting at the source (the last node
// depends back on the first), or nil when the graph stays acyclic. It
// walks existing edges forward from the target: reaching the source
// means the new edge completes a loop.
func cyclePath(edges []graph.DependencyEdge, fromID, toID string) []string {
	next := make(map[string][]string, len(edges))
	for _, e := range edges {
		next[e.FromID] = append(next[e.FromID], e.ToID)
	}

	parent := map[string]string{toID: ""}
	queue := []string{toID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == fromID {
			// Walk parents back to the target, then reverse so the
			// path reads fromID, toID, ..., closing back on fromID.
			path := []string{cur}
			for p := parent[cur]; p != ""; p = parent[p] {
				path = append(path, p)
			}
			for i, j := 1, len(path)-1; i < j; i, j = i+1, j-1 {
				path[i], path[j] = path[j], path[i]
			}
			return path
		}
		for _, n := range next[cur] {
			if _, seen := parent[n]; seen {
				continue
			}
			parent[n] = cur
			queue = append(queue, n)
		}
	}
	return nil
}

func appendUnique(list []string, item string) []string {
	for _, have := range list {
		if have == item {
			return list
		}
	}
	return append(list, item)
}

// updateEntity applies field updates, queued when possible so embedding
// refresh happens off the request path.
func (d *Dispatcher) updateEntity(ctx context.Context, orgID string, req ManageRequest) (*Response, error) {
	const op = "updateEntity"

	if req.EntityID == "" {
		return nil, errs.New(errs.ValidationError, component, op, "entity_id is required")
	}
	if len(req.Data) == 0 {
		return nil, errs.New(errs.ValidationError, component, op, "no fields to update")
	}

	if d.deps.Queue != nil && !d.cfg.SyncCreate {
		job, err := jobs.NewUpdateEntityJob(orgID, jobs.UpdateEntityArgs{EntityID: req.EntityID, Fields: req.Data})
		if err != nil {
			return nil, err
		}
		if _, err := d.deps.Queue.Enqueue(ctx, job); err != nil {
			return nil, err
		}
		return ok("Queued: update of "+req.EntityID, req.EntityID, nil), nil
	}

	var updated *entity.Entity
	err := d.withLock(ctx, orgID, req.EntityID, func(ctx context.Context) error {
		got, err := d.deps.Graph.GetEntity(ctx, orgID, req.EntityID)
		if err != nil {
			return err
		}
		for key, value := range req.Data {
			switch key {
			case "name":
				if s, sok := value.(string); sok {
					got.Name = s
				}
			case "description":
				if s, sok := value.(string); sok {
					got.Description = s
				}
			case "content":
				if s, sok := value.(string); sok {
					got.Content = s
				}
			default:
				if got.Metadata == nil {
					got.Metadata = make(map[string]any)
				}
				got.Metadata[key] = value
			}
		}
		got.Touch()
		if err := got.Validate(); err != nil {
			return err
		}
		if err := d.deps.Graph.UpsertEntity(ctx, got); err != nil {
			return err
		}
		updated = got
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.invalidate(updated)
	d.publish(ctx, events.EntityUpdated(orgID, updated.ID, string(updated.Type), keysOf(req.Data)))
	return ok("Updated: "+updated.Name, updated.ID, nil), nil
}

func keysOf(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// importLegacy bulk-writes entities migrated from an older system.
// Each item goes through the same validation as add; items that fail
// are refused individually instead of aborting the batch. Tasks
// without a project_id are always refused.
func (d *Dispatcher) importLegacy(ctx context.Context, orgID string, req ManageRequest) (*Response, error) {
	const op = "importLegacy"

	rawItems, _ := req.Data["entities"].([]any)
	if len(rawItems) == 0 {
		return nil, errs.New(errs.ValidationError, component, op, "data.entities is required")
	}

	imported := 0
	var refused []string
	for i, raw := range rawItems {
		item, err := legacyItem(raw)
		if err != nil {
			refused = append(refused, fmt.Sprintf("item %d: %v", i, err))
			continue
		}

		t := entity.Type(item.EntityType)
		if _, allowed := addableTypes[t]; !allowed {
			refused = append(refused, fmt.Sprintf("item %d: cannot import entity type %q", i, item.EntityType))
			continue
		}
		if t == entity.TypeTask && item.ProjectID == "" {
			refused = append(refused, fmt.Sprintf("item %d (%s): tasks require a project_id", i, item.Title))
			continue
		}

		e, err := d.buildEntity(t, orgID, item)
		if err != nil {
			refused = append(refused, fmt.Sprintf("item %d (%s): %v", i, item.Title, err))
			continue
		}
		if err := e.Validate(); err != nil {
			refused = append(refused, fmt.Sprintf("item %d (%s): %v", i, item.Title, err))
			continue
		}
		if err := d.deps.Graph.UpsertEntity(ctx, e); err != nil {
			return nil, err
		}
		if err := d.deps.Search.IndexEntity(ctx, e); err != nil {
			d.log.Warn("keyword indexing failed", "entity_id", e.ID, "error", err)
		}
		imported++
	}

	msg := fmt.Sprintf("Imported %d of %d entities", imported, len(rawItems))
	var data any
	if len(refused) > 0 {
		data = map[string]any{"refused": refused}
	}
	return ok(msg, "", data), nil
}

// legacyItem decodes one import item into the add request shape so the
// batch path shares validation with single adds.
func legacyItem(raw any) (AddRequest, error) {
	var item AddRequest
	buf, err := json.Marshal(raw)
	if err != nil {
		return item, err
	}
	if err := json.Unmarshal(buf, &item); err != nil {
		return item, err
	}
	if item.Title == "" {
		return item, fmt.Errorf("title is required")
	}
	return item, nil
}

func (d *Dispatcher) deleteEntity(ctx context.Context, orgID, entityID string) (*Response, error) {
	const op = "deleteEntity"

	if entityID == "" {
		return nil, errs.New(errs.ValidationError, component, op, "entity_id is required")
	}

	err := d.withLock(ctx, orgID, entityID, func(ctx context.Context) error {
		return d.deps.Graph.DeleteEntity(ctx, orgID, entityID)
	})
	if err != nil {
		return nil, err
	}

	if err := d.deps.Search.UnindexEntity(ctx, orgID, entityID); err != nil {
		d.log.Warn("keyword unindex failed", "entity_id", entityID, "error", err)
	}
	if d.deps.Cache != nil {
		d.deps.Cache.InvalidateEntity(entityID)
	}
	return ok("Deleted: "+entityID, entityID, nil), nil
}

func (d *Dispatcher) enqueueSourceJob(ctx context.Context, orgID, sourceID string, build func(string, string) (*jobs.Job, error), verb string) (*Response, error) {
	const op = "enqueueSourceJob"

	if sourceID == "" {
		return nil, errs.New(errs.ValidationError, component, op, "entity_id (source id) is required")
	}
	if d.deps.Sources != nil {
		if _, err := d.deps.Sources.GetSource(ctx, orgID, sourceID); err != nil {
			return nil, err
		}
	}
	return d.enqueueJob(ctx, func() (*jobs.Job, error) { return build(orgID, sourceID) },
		fmt.Sprintf("Queued: %s of source %s", verb, sourceID))
}

func (d *Dispatcher) enqueueJob(ctx context.Context, build func() (*jobs.Job, error), message string) (*Response, error) {
	const op = "enqueueJob"

	if d.deps.Queue == nil {
		return nil, errs.New(errs.UpstreamUnavailable, component, op, "no job queue configured")
	}
	job, err := build()
	if err != nil {
		return nil, err
	}
	id, err := d.deps.Queue.Enqueue(ctx, job)
	if err != nil {
		return nil, err
	}
	return ok(message, id, nil), nil
}

func (d *Dispatcher) linkGraph(ctx context.Context, orgID string, req ManageRequest) (*Response, error) {
	const op = "linkGraph"

	documentID, _ := req.Data["document_id"].(string)
	rawIDs, _ := req.Data["entity_ids"].([]any)
	if documentID == "" || len(rawIDs) == 0 {
		return nil, errs.New(errs.ValidationError, component, op, "document_id and entity_ids are required")
	}
	entityIDs := make([]string, 0, len(rawIDs))
	for _, raw := range rawIDs {
		if s, sok := raw.(string); sok && s != "" {
			entityIDs = append(entityIDs, s)
		}
	}

	return d.enqueueJob(ctx, func() (*jobs.Job, error) {
		return jobs.NewLinkGraphJob(orgID, jobs.LinkGraphArgs{DocumentID: documentID, EntityIDs: entityIDs})
	}, fmt.Sprintf("Queued: linking %d entities to %s", len(entityIDs), documentID))
}

func (d *Dispatcher) detectCycles(ctx context.Context, orgID string, req ManageRequest) (*Response, error) {
	projectID, _ := req.Data["project_id"].(string)
	result, err := d.deps.Search.Explore(ctx, orgID, search.ExploreRequest{
		Mode:      search.ModeDependencies,
		ProjectID: projectID,
	})
	if err != nil {
		return nil, err
	}
	if len(result.Cycles) == 0 {
		return ok("No dependency cycles", "", nil), nil
	}
	return ok(fmt.Sprintf("Found %d dependency cycles", len(result.Cycles)), "", result.Cycles), nil
}

func (d *Dispatcher) health(ctx context.Context) *Response {
	checks := map[string]bool{
		"graph":  d.deps.Graph != nil,
		"search": d.deps.Search != nil,
		"queue":  d.deps.Queue != nil,
	}
	healthy := true
	if d.deps.Sources != nil {
		err := d.deps.Sources.Ping(ctx)
		checks["docstore"] = err == nil
		healthy = err == nil
	}
	return &Response{Success: healthy, Message: "health", Data: checks}
}

func (d *Dispatcher) stats(ctx context.Context, orgID string) (*Response, error) {
	rows, err := d.deps.Graph.ExecuteRead(ctx, orgID, `
		MATCH (n:Entity {group_id: $group_id})
		RETURN n.entity_type AS type, count(n) AS count`, nil)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	var total int64
	for _, row := range rows {
		t, _ := row["type"].(string)
		n, _ := row["count"].(int64)
		counts[t] = n
		total += n
	}

	data := map[string]any{"entities_by_type": counts, "entities_total": total}
	if d.deps.Sources != nil {
		if sources, err := d.deps.Sources.ListSources(ctx, orgID); err == nil {
			data["sources"] = len(sources)
		}
	}
	return ok(fmt.Sprintf("%d entities", total), "", data), nil
}
