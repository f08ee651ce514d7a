package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/sibyldev/sibyl/pkg/entity"
	"github.com/sibyldev/sibyl/pkg/errs"
)

// Type names a job kind.
type Type string

const (
	TypeCrawlSource           Type = "crawl_source"
	TypeSyncSource            Type = "sync_source"
	TypeSyncAll               Type = "sync_all"
	TypeCreateEntity          Type = "create_entity"
	TypeUpdateEntity          Type = "update_entity"
	TypeCreateLearningEpisode Type = "create_learning_episode"
	TypeLinkGraph             Type = "link_graph"
	TypeDetectCommunities     Type = "detect_communities"
)

func (t Type) Valid() bool {
	switch t {
	case TypeCrawlSource, TypeSyncSource, TypeSyncAll, TypeCreateEntity,
		TypeUpdateEntity, TypeCreateLearningEpisode, TypeLinkGraph,
		TypeDetectCommunities:
		return true
	}
	return false
}

// Job is the durable envelope dispatched through the pool. Args holds
// the type-specific payload.
type Job struct {
	ID             string          `json:"id"`
	Type           Type            `json:"type"`
	OrganizationID string          `json:"organization_id"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	Args           json.RawMessage `json:"args,omitempty"`
}

// Progress is the running counters a long job reports through its
// progress callback.
type Progress struct {
	Documents int `json:"documents"`
	Chunks    int `json:"chunks"`
	Errors    int `json:"errors"`
}

// CrawlSourceArgs starts a full crawl of one source.
type CrawlSourceArgs struct {
	SourceID string `json:"source_id"`
}

// SyncSourceArgs reconciles one source's cached counts with the row
// counts in the document store.
type SyncSourceArgs struct {
	SourceID string `json:"source_id"`
}

// CreateEntityArgs stores a new entity with optional relationships.
type CreateEntityArgs struct {
	Entity        *entity.Entity         `json:"entity"`
	Relationships []*entity.Relationship `json:"relationships,omitempty"`
	DerivedFrom   string                 `json:"derived_from,omitempty"`
}

// UpdateEntityArgs applies field updates to one entity.
type UpdateEntityArgs struct {
	EntityID string         `json:"entity_id"`
	Fields   map[string]any `json:"fields"`
}

// CreateLearningEpisodeArgs records what was learned completing a task.
type CreateLearningEpisodeArgs struct {
	TaskID    string   `json:"task_id"`
	AgentID   string   `json:"agent_id,omitempty"`
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	Learnings []string `json:"learnings,omitempty"`
}

// LinkGraphArgs writes DOCUMENTED_IN edges from entities to a crawled
// document.
type LinkGraphArgs struct {
	DocumentID string   `json:"document_id"`
	EntityIDs  []string `json:"entity_ids"`
}

// newJob builds an envelope with a fresh globally unique id.
func newJob(t Type, orgID string, args any) (*Job, error) {
	const op = "newJob"

	if !t.Valid() {
		return nil, errs.Newf(errs.ValidationError, component, op, "unknown job type %q", t)
	}
	if orgID == "" {
		return nil, errs.New(errs.TenantMissing, component, op, "organization id is required")
	}

	var raw json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return nil, errs.Wrap(errs.Unknown, component, op, err)
		}
		raw = data
	}

	return &Job{
		ID:             "job_" + uuid.NewString()[:8],
		Type:           t,
		OrganizationID: orgID,
		EnqueuedAt:     time.Now().UTC(),
		Args:           raw,
	}, nil
}

// NewCrawlSourceJob enqueues-ready envelope for crawling a source.
func NewCrawlSourceJob(orgID, sourceID string) (*Job, error) {
	if sourceID == "" {
		return nil, errs.New(errs.ValidationError, component, "NewCrawlSourceJob", "source id is required")
	}
	return newJob(TypeCrawlSource, orgID, CrawlSourceArgs{SourceID: sourceID})
}

// NewSyncSourceJob reconciles one source.
func NewSyncSourceJob(orgID, sourceID string) (*Job, error) {
	if sourceID == "" {
		return nil, errs.New(errs.ValidationError, component, "NewSyncSourceJob", "source id is required")
	}
	return newJob(TypeSyncSource, orgID, SyncSourceArgs{SourceID: sourceID})
}

// NewSyncAllJob reconciles every source in the tenant.
func NewSyncAllJob(orgID string) (*Job, error) {
	return newJob(TypeSyncAll, orgID, nil)
}

// NewCreateEntityJob stores an entity asynchronously.
func NewCreateEntityJob(orgID string, args CreateEntityArgs) (*Job, error) {
	if args.Entity == nil {
		return nil, errs.New(errs.ValidationError, component, "NewCreateEntityJob", "entity is required")
	}
	return newJob(TypeCreateEntity, orgID, args)
}

// NewUpdateEntityJob applies updates asynchronously.
func NewUpdateEntityJob(orgID string, args UpdateEntityArgs) (*Job, error) {
	if args.EntityID == "" {
		return nil, errs.New(errs.ValidationError, component, "NewUpdateEntityJob", "entity id is required")
	}
	return newJob(TypeUpdateEntity, orgID, args)
}

// NewCreateLearningEpisodeJob records task learnings asynchronously.
func NewCreateLearningEpisodeJob(orgID string, args CreateLearningEpisodeArgs) (*Job, error) {
	if args.TaskID == "" {
		return nil, errs.New(errs.ValidationError, component, "NewCreateLearningEpisodeJob", "task id is required")
	}
	return newJob(TypeCreateLearningEpisode, orgID, args)
}

// NewLinkGraphJob writes document links asynchronously.
func NewLinkGraphJob(orgID string, args LinkGraphArgs) (*Job, error) {
	if args.DocumentID == "" {
		return nil, errs.New(errs.ValidationError, component, "NewLinkGraphJob", "document id is required")
	}
	return newJob(TypeLinkGraph, orgID, args)
}

// NewDetectCommunitiesJob rebuilds the tenant's community hierarchy.
func NewDetectCommunitiesJob(orgID string) (*Job, error) {
	return newJob(TypeDetectCommunities, orgID, nil)
}

// DecodeArgs unmarshals the envelope args into the given struct.
func (j *Job) DecodeArgs(into any) error {
	const op = "DecodeArgs"
	if len(j.Args) == 0 {
		return errs.Newf(errs.ValidationError, component, op, "job %s has no args", j.ID)
	}
	if err := json.Unmarshal(j.Args, into); err != nil {
		return errs.Wrap(errs.ValidationError, component, op, err)
	}
	return nil
}

func encodeJob(j *Job) ([]byte, error) {
	return json.Marshal(j)
}

func decodeJob(payload []byte) (*Job, error) {
	const op = "decodeJob"
	var j Job
	if err := json.Unmarshal(payload, &j); err != nil {
		return nil, errs.Wrap(errs.ValidationError, component, op, err)
	}
	if !j.Type.Valid() {
		return nil, errs.Newf(errs.ValidationError, component, op, "unknown job type %q", j.Type)
	}
	if j.OrganizationID == "" {
		return nil, errs.Newf(errs.TenantMissing, component, op, "job %s has no organization", j.ID)
	}
	return &j, nil
}
