package jobs

import (
	"context"
	"sort"
	"time"

	"github.com/sibyldev/sibyl/pkg/docstore"
	"github.com/sibyldev/sibyl/pkg/entity"
	"github.com/sibyldev/sibyl/pkg/errs"
	"github.com/sibyldev/sibyl/pkg/events"
)

func (w *Worker) handleCrawlSource(ctx context.Context, j *Job) error {
	const op = "handleCrawlSource"

	var args CrawlSourceArgs
	if err := j.DecodeArgs(&args); err != nil {
		return err
	}
	if w.deps.Ingestor == nil {
		return errs.New(errs.ValidationError, component, op, "no source ingestor configured on this worker")
	}

	src, err := w.deps.Docs.GetSource(ctx, j.OrganizationID, args.SourceID)
	if err != nil {
		return err
	}
	if err := w.deps.Docs.UpdateSourceStatus(ctx, j.OrganizationID, src.ID, docstore.SourceCrawling, ""); err != nil {
		return err
	}
	w.deps.Events.TryPublish(ctx, events.CrawlStarted(j.OrganizationID, src.ID, src.Name, 0))

	started := time.Now()

	// Counters already folded into the source row and broadcast. The
	// progress map is refreshed on every callback; the row and the
	// event stream only every ProgressEvery documents.
	var applied Progress
	report := func(p Progress) {
		w.setProgress(ctx, src.ID, p)
		if p.Documents-applied.Documents < w.cfg.ProgressEvery {
			return
		}
		w.flushProgress(ctx, j.OrganizationID, src.ID, p, &applied)
	}

	final, crawlErr := w.deps.Ingestor.IngestSource(ctx, j.OrganizationID, src.ID, report)
	if final != applied {
		w.flushProgress(ctx, j.OrganizationID, src.ID, final, &applied)
	}
	w.clearProgress(ctx, src.ID)

	if crawlErr != nil {
		if err := w.deps.Docs.UpdateSourceStatus(ctx, j.OrganizationID, src.ID, docstore.SourceFailed, crawlErr.Error()); err != nil {
			w.log.Warn("failed to mark source failed", "source_id", src.ID, "error", err)
		}
		w.deps.Events.TryPublish(ctx, events.CrawlComplete(
			j.OrganizationID, src.ID, final.Documents, final.Chunks, time.Since(started), crawlErr.Error()))
		return crawlErr
	}

	if err := w.deps.Docs.UpdateSourceStatus(ctx, j.OrganizationID, src.ID, docstore.SourceCompleted, ""); err != nil {
		return err
	}
	w.deps.Events.TryPublish(ctx, events.CrawlComplete(
		j.OrganizationID, src.ID, final.Documents, final.Chunks, time.Since(started), ""))
	return nil
}

// flushProgress folds the counters gathered since the last flush into
// the source row and broadcasts a progress event.
func (w *Worker) flushProgress(ctx context.Context, orgID, sourceID string, p Progress, applied *Progress) {
	docsDelta := p.Documents - applied.Documents
	chunksDelta := p.Chunks - applied.Chunks
	if docsDelta > 0 || chunksDelta > 0 {
		if err := w.deps.Docs.IncrementSourceCounts(ctx, orgID, sourceID, docsDelta, chunksDelta); err != nil {
			w.log.Warn("failed to update source counts", "source_id", sourceID, "error", err)
		}
	}
	w.deps.Events.TryPublish(ctx, events.CrawlProgress(
		orgID, sourceID, p.Documents, p.Chunks, docsDelta, p.Errors))
	*applied = p
}

func (w *Worker) handleSyncSource(ctx context.Context, j *Job) error {
	var args SyncSourceArgs
	if err := j.DecodeArgs(&args); err != nil {
		return err
	}
	src, err := w.deps.Docs.GetSource(ctx, j.OrganizationID, args.SourceID)
	if err != nil {
		return err
	}
	return w.reconcileSource(ctx, j.OrganizationID, src)
}

func (w *Worker) handleSyncAll(ctx context.Context, orgID string) error {
	const op = "handleSyncAll"

	if orgID == "" {
		return errs.New(errs.TenantMissing, component, op, "organization id is required")
	}
	sources, err := w.deps.Docs.ListSources(ctx, orgID)
	if err != nil {
		return err
	}

	var failed int
	for _, src := range sources {
		if err := w.reconcileSource(ctx, orgID, src); err != nil {
			failed++
			w.log.Warn("source sync failed", "org_id", orgID, "source_id", src.ID, "error", err)
		}
	}
	if failed > 0 {
		return errs.Newf(errs.Unknown, component, op, "%d of %d sources failed to sync", failed, len(sources))
	}
	return nil
}

// reconcileSource replaces a source's cached counters with the row
// counts in the document store. A source stuck in crawling or syncing
// with no live worker is moved to completed, or back to pending when
// nothing was crawled.
func (w *Worker) reconcileSource(ctx context.Context, orgID string, src *docstore.CrawlSource) error {
	docs, err := w.deps.Docs.CountDocuments(ctx, orgID, src.ID)
	if err != nil {
		return err
	}
	chunks, err := w.deps.Docs.CountChunksBySource(ctx, orgID, src.ID)
	if err != nil {
		return err
	}

	if src.DocumentCount != docs || src.ChunkCount != chunks {
		src.DocumentCount = docs
		src.ChunkCount = chunks
		if err := w.deps.Docs.UpdateSource(ctx, src); err != nil {
			return err
		}
	}

	from := src.Status
	to := from
	inProgress := from == docstore.SourceCrawling || from == docstore.SourceSyncing
	if inProgress && !w.crawlActive(src.ID) {
		if docs > 0 {
			to = docstore.SourceCompleted
		} else {
			to = docstore.SourcePending
		}
		if err := w.deps.Docs.UpdateSourceStatus(ctx, orgID, src.ID, to, ""); err != nil {
			return err
		}
	}

	w.deps.Events.TryPublish(ctx, events.CrawlSyncComplete(
		orgID, src.ID, docs, chunks, string(from), string(to)))
	return nil
}

func (w *Worker) handleCreateEntity(ctx context.Context, j *Job) error {
	const op = "handleCreateEntity"

	var args CreateEntityArgs
	if err := j.DecodeArgs(&args); err != nil {
		return err
	}
	e := args.Entity
	if e == nil {
		return errs.New(errs.ValidationError, component, op, "entity is required")
	}
	if e.OrganizationID == "" {
		e.OrganizationID = j.OrganizationID
	}
	if e.OrganizationID != j.OrganizationID {
		return errs.Newf(errs.ValidationError, component, op,
			"entity tenant %q does not match job tenant %q", e.OrganizationID, j.OrganizationID)
	}
	if e.ID == "" {
		e.ID = entity.NewID(e.Type, e.OrganizationID, e.Name)
	}
	if err := e.Validate(); err != nil {
		return err
	}

	if err := w.deps.Graph.UpsertEntity(ctx, e); err != nil {
		return err
	}
	for _, rel := range args.Relationships {
		if rel == nil {
			continue
		}
		if rel.GroupID == "" {
			rel.GroupID = j.OrganizationID
		}
		if rel.GroupID != j.OrganizationID {
			return errs.Newf(errs.ValidationError, component, op,
				"relationship tenant %q does not match job tenant %q", rel.GroupID, j.OrganizationID)
		}
		if err := w.deps.Graph.UpsertRelationship(ctx, rel); err != nil {
			return err
		}
	}

	if w.deps.Cache != nil {
		w.deps.Cache.InvalidateEntity(e.ID)
		w.deps.Cache.PutEntity(e)
	}
	w.deps.Events.TryPublish(ctx, events.EntityCreated(
		j.OrganizationID, e.ID, string(e.Type), e.Name, args.DerivedFrom))
	return nil
}

func (w *Worker) handleUpdateEntity(ctx context.Context, j *Job) error {
	const op = "handleUpdateEntity"

	var args UpdateEntityArgs
	if err := j.DecodeArgs(&args); err != nil {
		return err
	}
	if len(args.Fields) == 0 {
		return errs.New(errs.ValidationError, component, op, "no fields to update")
	}

	e, err := w.deps.Graph.GetEntity(ctx, j.OrganizationID, args.EntityID)
	if err != nil {
		return err
	}

	changed, err := applyEntityFields(e, args.Fields)
	if err != nil {
		return err
	}
	e.Touch()
	if err := e.Validate(); err != nil {
		return err
	}
	if err := w.deps.Graph.UpsertEntity(ctx, e); err != nil {
		return err
	}

	if w.deps.Cache != nil {
		w.deps.Cache.InvalidateEntity(e.ID)
		w.deps.Cache.PutEntity(e)
	}
	w.deps.Events.TryPublish(ctx, events.EntityUpdated(
		j.OrganizationID, e.ID, string(e.Type), changed))
	return nil
}

// applyEntityFields writes the update map onto the entity. Scalar
// header fields are recognized by name; everything else lands in
// metadata. Status moves through the transition operations, not here.
func applyEntityFields(e *entity.Entity, fields map[string]any) ([]string, error) {
	const op = "applyEntityFields"

	changed := make([]string, 0, len(fields))
	for key, value := range fields {
		switch key {
		case "name", "description", "content", "project_id":
			str, ok := value.(string)
			if !ok {
				return nil, errs.Newf(errs.ValidationError, component, op, "field %q requires a string value", key)
			}
			switch key {
			case "name":
				e.Name = str
			case "description":
				e.Description = str
			case "content":
				e.Content = str
			case "project_id":
				e.ProjectID = str
			}
		case "status":
			return nil, errs.New(errs.InvalidTransition, component, op,
				"status changes go through the transition operations")
		default:
			if e.Metadata == nil {
				e.Metadata = make(map[string]any)
			}
			e.Metadata[key] = value
		}
		changed = append(changed, key)
	}
	sort.Strings(changed)
	return changed, nil
}

func (w *Worker) handleCreateLearningEpisode(ctx context.Context, j *Job) error {
	var args CreateLearningEpisodeArgs
	if err := j.DecodeArgs(&args); err != nil {
		return err
	}

	// The task must exist; learnings hang off real work.
	task, err := w.deps.Graph.GetEntity(ctx, j.OrganizationID, args.TaskID)
	if err != nil {
		return err
	}

	ep, err := entity.New(entity.TypeEpisode, j.OrganizationID, args.Title)
	if err != nil {
		return err
	}
	ep.Content = args.Content
	ep.Episode.EpisodeType = entity.EpisodeLearning
	if len(args.Learnings) > 0 || args.AgentID != "" {
		ep.Metadata = make(map[string]any)
		if len(args.Learnings) > 0 {
			ep.Metadata["learnings"] = args.Learnings
		}
		if args.AgentID != "" {
			ep.Metadata["agent_id"] = args.AgentID
		}
	}

	if err := w.deps.Graph.UpsertEntity(ctx, ep); err != nil {
		return err
	}
	rel, err := entity.NewRelationship(entity.RelDerivedFrom, ep.ID, task.ID, j.OrganizationID)
	if err != nil {
		return err
	}
	if err := w.deps.Graph.UpsertRelationship(ctx, rel); err != nil {
		return err
	}

	if w.deps.Cache != nil {
		w.deps.Cache.PutEntity(ep)
	}
	w.deps.Events.TryPublish(ctx, events.EntityCreated(
		j.OrganizationID, ep.ID, string(ep.Type), ep.Name, task.ID))
	return nil
}

func (w *Worker) handleLinkGraph(ctx context.Context, j *Job) error {
	const op = "handleLinkGraph"

	var args LinkGraphArgs
	if err := j.DecodeArgs(&args); err != nil {
		return err
	}
	if len(args.EntityIDs) == 0 {
		return errs.New(errs.ValidationError, component, op, "no entities to link")
	}

	doc, err := w.deps.Docs.GetDocument(ctx, j.OrganizationID, args.DocumentID)
	if err != nil {
		return err
	}

	// The document gets a graph node keyed by its URL so recrawls land
	// on the same node.
	docEnt, err := entity.New(entity.TypeDocument, j.OrganizationID, doc.URL)
	if err != nil {
		return err
	}
	if doc.Title != "" {
		docEnt.Name = doc.Title
	}
	docEnt.Document.URL = doc.URL
	docEnt.Document.Title = doc.Title
	docEnt.Document.SourceID = doc.SourceID
	if err := w.deps.Graph.UpsertEntity(ctx, docEnt); err != nil {
		return err
	}

	for _, entityID := range args.EntityIDs {
		rel, err := entity.NewRelationship(entity.RelDocumentedIn, entityID, docEnt.ID, j.OrganizationID)
		if err != nil {
			return err
		}
		if err := w.deps.Graph.UpsertRelationship(ctx, rel); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) handleDetectCommunities(ctx context.Context, orgID string) error {
	const op = "handleDetectCommunities"

	if orgID == "" {
		return errs.New(errs.TenantMissing, component, op, "organization id is required")
	}
	if w.deps.Communities == nil {
		return errs.New(errs.ValidationError, component, op, "no community detector configured on this worker")
	}

	res, err := w.deps.Communities.Detect(ctx, orgID)
	if err != nil {
		return err
	}
	w.deps.Events.TryPublish(ctx, events.CommunitiesDetected(
		orgID, res.Nodes, res.Edges, res.Levels, res.Communities, res.Removed))
	return nil
}
