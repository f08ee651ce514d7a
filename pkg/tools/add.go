package tools

import (
	"context"
	"fmt"

	"github.com/sibyldev/sibyl/pkg/docstore"
	"github.com/sibyldev/sibyl/pkg/entity"
	"github.com/sibyldev/sibyl/pkg/errs"
	"github.com/sibyldev/sibyl/pkg/events"
	"github.com/sibyldev/sibyl/pkg/jobs"
	"github.com/sibyldev/sibyl/pkg/tenant"
)

// AddRequest is the external shape of an add call. EntityType "source"
// registers a crawl source instead of a graph entity.
type AddRequest struct {
	EntityType  string         `json:"entity_type"`
	Title       string         `json:"title"`
	Content     string         `json:"content,omitempty"`
	Description string         `json:"description,omitempty"`
	ProjectID   string         `json:"project_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	// Task fields.
	EpicID       string   `json:"epic_id,omitempty"`
	Priority     string   `json:"priority,omitempty"`
	Technologies []string `json:"technologies,omitempty"`
	DependsOn    []string `json:"depends_on,omitempty"`

	// Knowledge fields.
	Category  string   `json:"category,omitempty"`
	Languages []string `json:"languages,omitempty"`

	// Episode fields.
	EpisodeType string `json:"episode_type,omitempty"`

	// Source fields.
	URL        string `json:"url,omitempty"`
	SourceType string `json:"source_type,omitempty"`
	CrawlDepth int    `json:"crawl_depth,omitempty"`

	// Sync forces a synchronous write regardless of configuration.
	Sync bool `json:"sync,omitempty"`
}

// addableTypes are the variants external callers may create. Agent,
// worktree, community, and document records are system-managed.
var addableTypes = map[entity.Type]struct{}{
	entity.TypeEpisode:    {},
	entity.TypePattern:    {},
	entity.TypeRule:       {},
	entity.TypeTemplate:   {},
	entity.TypeTopic:      {},
	entity.TypeConvention: {},
	entity.TypeProject:    {},
	entity.TypeEpic:       {},
	entity.TypeTask:       {},
	entity.TypeNote:       {},
}

// Add validates and stores a new entity or crawl source. The returned
// id is always final; on the queued path the record materializes once
// the job lands.
func (d *Dispatcher) Add(ctx context.Context, req AddRequest) (*Response, error) {
	const op = "add"

	scope, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	orgID := scope.OrganizationID

	if req.Title == "" {
		return nil, errs.New(errs.ValidationError, component, op, "title is required")
	}
	if len(req.Title) > d.cfg.MaxTitleLen {
		return nil, errs.Newf(errs.ValidationError, component, op,
			"title exceeds %d characters", d.cfg.MaxTitleLen)
	}
	if len(req.Content) > d.cfg.MaxContentLen {
		return nil, errs.Newf(errs.ValidationError, component, op,
			"content exceeds %d characters", d.cfg.MaxContentLen)
	}

	if req.EntityType == "source" {
		return d.addSource(ctx, orgID, req)
	}

	t := entity.Type(req.EntityType)
	if _, allowed := addableTypes[t]; !allowed {
		return nil, errs.Newf(errs.ValidationError, component, op, "cannot add entity type %q", req.EntityType)
	}
	if t == entity.TypeTask && req.ProjectID == "" {
		return nil, errs.New(errs.ValidationError, component, op, "tasks require a project_id")
	}

	e, err := d.buildEntity(t, orgID, req)
	if err != nil {
		return nil, err
	}

	rels, err := dependencyEdgesFor(e, req.DependsOn)
	if err != nil {
		return nil, err
	}

	if d.deps.Embedder != nil {
		if vec, err := d.deps.Embedder.Embed(ctx, e.Name); err != nil {
			d.log.Warn("name embedding failed, storing without vector", "entity_id", e.ID, "error", err)
		} else {
			e.NameEmbedding = vec
		}
	}

	if req.Sync || d.cfg.SyncCreate || d.deps.Queue == nil {
		return d.addSync(ctx, orgID, e, rels)
	}

	job, err := jobs.NewCreateEntityJob(orgID, jobs.CreateEntityArgs{Entity: e, Relationships: rels})
	if err != nil {
		return nil, err
	}
	if _, err := d.deps.Queue.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	return ok(fmt.Sprintf("Queued: %s %q", t, e.Name), e.ID, nil), nil
}

func (d *Dispatcher) addSync(ctx context.Context, orgID string, e *entity.Entity, rels []*entity.Relationship) (*Response, error) {
	if err := d.deps.Graph.UpsertEntity(ctx, e); err != nil {
		return nil, err
	}
	for _, rel := range rels {
		if err := d.deps.Graph.UpsertRelationship(ctx, rel); err != nil {
			return nil, err
		}
	}
	if err := d.deps.Search.IndexEntity(ctx, e); err != nil {
		d.log.Warn("keyword indexing failed", "entity_id", e.ID, "error", err)
	}
	d.invalidate(e)
	d.publish(ctx, events.EntityCreated(orgID, e.ID, string(e.Type), e.Name, ""))

	linked := d.autoLink(ctx, orgID, e)
	msg := fmt.Sprintf("Added: %s %q", e.Type, e.Name)
	if linked > 0 {
		msg = fmt.Sprintf("%s (%d auto-links)", msg, linked)
	}
	return ok(msg, e.ID, nil), nil
}

// buildEntity assembles the typed record from the request.
func (d *Dispatcher) buildEntity(t entity.Type, orgID string, req AddRequest) (*entity.Entity, error) {
	e, err := entity.New(t, orgID, req.Title)
	if err != nil {
		return nil, err
	}
	e.Description = req.Description
	e.Content = req.Content
	e.ProjectID = req.ProjectID
	e.Metadata = req.Metadata

	switch {
	case t == entity.TypeTask:
		if req.Priority != "" {
			p := entity.Priority(req.Priority)
			if !p.Valid() {
				return nil, errs.Newf(errs.ValidationError, component, "buildEntity", "unknown priority %q", req.Priority)
			}
			e.Task.Priority = p
		}
		e.Task.EpicID = req.EpicID
		e.Task.Technologies = req.Technologies
		e.Task.DependsOn = req.DependsOn
	case t == entity.TypeEpisode:
		if req.EpisodeType != "" {
			e.Episode.EpisodeType = req.EpisodeType
		}
	case t.IsKnowledge():
		e.Knowledge.Category = req.Category
		e.Knowledge.Languages = req.Languages
	}
	return e, nil
}

func dependencyEdgesFor(e *entity.Entity, dependsOn []string) ([]*entity.Relationship, error) {
	if e.Type != entity.TypeTask || len(dependsOn) == 0 {
		return nil, nil
	}
	out := make([]*entity.Relationship, 0, len(dependsOn))
	for _, target := range dependsOn {
		rel, err := entity.NewRelationship(entity.RelDependsOn, e.ID, target, e.OrganizationID)
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, nil
}

// addSource registers a crawl source and queues its first crawl.
func (d *Dispatcher) addSource(ctx context.Context, orgID string, req AddRequest) (*Response, error) {
	const op = "addSource"

	if d.deps.Sources == nil {
		return nil, errs.New(errs.ValidationError, component, op, "no document store configured")
	}
	if req.URL == "" {
		return nil, errs.New(errs.ValidationError, component, op, "sources require a url")
	}

	src := &docstore.CrawlSource{
		OrganizationID: orgID,
		Name:           req.Title,
		URL:            req.URL,
		SourceType:     req.SourceType,
		CrawlDepth:     req.CrawlDepth,
	}
	if err := d.deps.Sources.CreateSource(ctx, src); err != nil {
		return nil, err
	}

	if d.deps.Queue != nil {
		job, err := jobs.NewCrawlSourceJob(orgID, src.ID)
		if err != nil {
			return nil, err
		}
		if _, err := d.deps.Queue.Enqueue(ctx, job); err != nil {
			return nil, err
		}
		return ok(fmt.Sprintf("Queued: crawl of source %q", src.Name), src.ID, nil), nil
	}
	return ok(fmt.Sprintf("Added: source %q (no queue, crawl it explicitly)", src.Name), src.ID, nil), nil
}

// autoLink writes RELATED_TO edges to the most similar existing
// entities. Failures never fail the write that triggered them.
func (d *Dispatcher) autoLink(ctx context.Context, orgID string, e *entity.Entity) int {
	if !d.cfg.AutoLink.IsEnabled() || len(e.NameEmbedding) == 0 {
		return 0
	}

	hits, err := d.deps.Graph.VectorSearchTypes(ctx, orgID, nil, e.NameEmbedding, d.cfg.AutoLink.Limit+1)
	if err != nil {
		d.log.Warn("auto-link search failed", "entity_id", e.ID, "error", err)
		return 0
	}

	linked := 0
	for _, hit := range hits {
		if linked >= d.cfg.AutoLink.Limit {
			break
		}
		if hit.Entity == nil || hit.Entity.ID == e.ID || hit.Score < d.cfg.AutoLink.Threshold {
			continue
		}
		rel, err := entity.NewRelationship(entity.RelRelatedTo, e.ID, hit.Entity.ID, orgID)
		if err != nil {
			continue
		}
		rel.Weight = hit.Score
		rel.Metadata = map[string]any{"auto_linked": true}
		if err := d.deps.Graph.UpsertRelationship(ctx, rel); err != nil {
			d.log.Warn("auto-link write failed", "from", e.ID, "to", hit.Entity.ID, "error", err)
			continue
		}
		linked++
	}
	return linked
}
