// Package entity defines the Sibyl data model: the tenant-scoped entity
// sum type stored in the knowledge graph, the relationship edges between
// entities, and the task/agent/worktree state machines.
//
// An Entity is a common header (id, type, tenant, timestamps, metadata)
// plus exactly one variant payload selected by Type. Retrieval paths
// operate on the header and opaque metadata; only entity construction and
// workflow management need exhaustive variant handling.
package entity

import (
	"fmt"
	"time"

	"github.com/sibyldev/sibyl/pkg/errs"
)

// Type tags an entity variant.
type Type string

const (
	TypeEpisode    Type = "episode"
	TypePattern    Type = "pattern"
	TypeRule       Type = "rule"
	TypeTemplate   Type = "template"
	TypeTopic      Type = "topic"
	TypeConvention Type = "convention"
	TypeProject    Type = "project"
	TypeEpic       Type = "epic"
	TypeTask       Type = "task"
	TypeNote       Type = "note"
	TypeAgent      Type = "agent"
	TypeWorktree   Type = "worktree"
	TypeCommunity  Type = "community"
	TypeDocument   Type = "document"
)

// KnowledgeTypes are the durable knowledge variants sharing the
// category/languages/severity payload.
var KnowledgeTypes = []Type{TypePattern, TypeRule, TypeTemplate, TypeTopic, TypeConvention}

// Valid reports whether t is a known entity type.
func (t Type) Valid() bool {
	switch t {
	case TypeEpisode, TypePattern, TypeRule, TypeTemplate, TypeTopic,
		TypeConvention, TypeProject, TypeEpic, TypeTask, TypeNote,
		TypeAgent, TypeWorktree, TypeCommunity, TypeDocument:
		return true
	}
	return false
}

// IsKnowledge reports whether t is one of the durable knowledge variants.
func (t Type) IsKnowledge() bool {
	switch t {
	case TypePattern, TypeRule, TypeTemplate, TypeTopic, TypeConvention:
		return true
	}
	return false
}

// Entity is a typed, tenant-scoped record in the knowledge graph.
// Exactly one variant payload is non-nil, matching Type.
type Entity struct {
	ID             string         `json:"id"`
	Type           Type           `json:"entity_type"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Content        string         `json:"content,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	OrganizationID string         `json:"organization_id"`
	ProjectID      string         `json:"project_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	NameEmbedding  []float32      `json:"name_embedding,omitempty"`

	Episode   *EpisodeFields   `json:"episode,omitempty"`
	Knowledge *KnowledgeFields `json:"knowledge,omitempty"`
	Project   *ProjectFields   `json:"project,omitempty"`
	Epic      *EpicFields      `json:"epic,omitempty"`
	Task      *TaskFields      `json:"task,omitempty"`
	Note      *NoteFields      `json:"note,omitempty"`
	Agent     *AgentFields     `json:"agent,omitempty"`
	Worktree  *WorktreeFields  `json:"worktree,omitempty"`
	Community *CommunityFields `json:"community,omitempty"`
	Document  *DocumentFields  `json:"document,omitempty"`
}

// EpisodeFields is the payload of a timestamped narrative snapshot.
type EpisodeFields struct {
	EpisodeType string    `json:"episode_type"`
	ValidFrom   time.Time `json:"valid_from"`
}

// Common episode types. The field is open; these are the values Sibyl
// itself writes.
const (
	EpisodeLearning    = "learning"
	EpisodeDecision    = "decision"
	EpisodeObservation = "observation"
	EpisodeHandoff     = "handoff"
)

// KnowledgeFields is the payload shared by pattern, rule, template,
// topic, and convention entities.
type KnowledgeFields struct {
	Category  string   `json:"category,omitempty"`
	Languages []string `json:"languages,omitempty"`
	Severity  string   `json:"severity,omitempty"`
}

// ProjectFields is the payload of a project container.
type ProjectFields struct {
	Status        ProjectStatus `json:"status"`
	RepositoryURL string        `json:"repository_url,omitempty"`
	TasksTotal    int           `json:"tasks_total"`
	TasksDone     int           `json:"tasks_done"`
}

// EpicFields is the payload of a feature grouping under a project.
type EpicFields struct {
	Status EpicStatus `json:"status"`
}

// TaskFields is the payload of a work item.
type TaskFields struct {
	Status       TaskStatus `json:"status"`
	Priority     Priority   `json:"priority"`
	Complexity   int        `json:"complexity,omitempty"`
	EpicID       string     `json:"epic_id,omitempty"`
	Assignees    []string   `json:"assignees,omitempty"`
	Technologies []string   `json:"technologies,omitempty"`
	DependsOn    []string   `json:"depends_on,omitempty"`
	Learnings    []string   `json:"learnings,omitempty"`
	CommitSHAs   []string   `json:"commit_shas,omitempty"`
	PRURL        string     `json:"pr_url,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	ReviewedAt  *time.Time `json:"reviewed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Agent coordination.
	AssignedAgent  string          `json:"assigned_agent,omitempty"`
	ClaimedAt      *time.Time      `json:"claimed_at,omitempty"`
	HeartbeatAt    *time.Time      `json:"heartbeat_at,omitempty"`
	LastCheckpoint string          `json:"last_checkpoint,omitempty"`
	WorktreePath   string          `json:"worktree_path,omitempty"`
	WorktreeBranch string          `json:"worktree_branch,omitempty"`
	Collaborators  []string        `json:"collaborators,omitempty"`
	HandoffHistory []HandoffRecord `json:"handoff_history,omitempty"`
}

// HandoffRecord captures one agent-to-agent task handoff.
type HandoffRecord struct {
	FromAgent string    `json:"from_agent"`
	ToAgent   string    `json:"to_agent"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// NoteFields is the payload of an observation attached to a task.
type NoteFields struct {
	TaskID string `json:"task_id"`
	Author string `json:"author,omitempty"`
}

// AgentFields is the persistent handle to a running or past agent.
type AgentFields struct {
	AgentType      AgentType   `json:"agent_type"`
	Status         AgentStatus `json:"status"`
	SpawnSource    string      `json:"spawn_source,omitempty"`
	SessionID      string      `json:"session_id,omitempty"`
	TaskID         string      `json:"task_id,omitempty"`
	TokensUsed     int64       `json:"tokens_used"`
	CostUSD        float64     `json:"cost_usd"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
	LastHeartbeat  *time.Time  `json:"last_heartbeat,omitempty"`
	WorktreePath   string      `json:"worktree_path,omitempty"`
	WorktreeBranch string      `json:"worktree_branch,omitempty"`
	ErrorMessage   string      `json:"error_message,omitempty"`
}

// WorktreeFields is the payload of a git worktree record.
type WorktreeFields struct {
	Path           string         `json:"path"`
	Branch         string         `json:"branch"`
	BaseCommit     string         `json:"base_commit,omitempty"`
	LastCommit     string         `json:"last_commit,omitempty"`
	Status         WorktreeStatus `json:"status"`
	HasUncommitted bool           `json:"has_uncommitted"`
	TaskID         string         `json:"task_id,omitempty"`
	AgentID        string         `json:"agent_id,omitempty"`
	LastUsed       *time.Time     `json:"last_used,omitempty"`
}

// CommunityFields is the payload of a detected entity community.
type CommunityFields struct {
	MemberIDs         []string `json:"member_ids"`
	Level             int      `json:"level"`
	Resolution        float64  `json:"resolution"`
	Modularity        float64  `json:"modularity"`
	ParentCommunityID string   `json:"parent_community_id,omitempty"`
	ChildCommunityIDs []string `json:"child_community_ids,omitempty"`
	Summary           string   `json:"summary,omitempty"`
	KeyConcepts       []string `json:"key_concepts,omitempty"`
}

// DocumentFields is the graph-side payload of a crawled document node.
// The full row lives in the document store; the graph node exists so
// knowledge entities can carry DOCUMENTED_IN edges to it.
type DocumentFields struct {
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	SourceID string `json:"source_id,omitempty"`
}

// Priority orders tasks.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
	PrioritySomeday  Priority = "someday"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow, PrioritySomeday:
		return true
	}
	return false
}

// AgentType selects the role-specific prompt block and task heuristics.
type AgentType string

const (
	AgentGeneral      AgentType = "general"
	AgentPlanner      AgentType = "planner"
	AgentImplementer  AgentType = "implementer"
	AgentTester       AgentType = "tester"
	AgentReviewer     AgentType = "reviewer"
	AgentIntegrator   AgentType = "integrator"
	AgentOrchestrator AgentType = "orchestrator"
)

// Valid reports whether t is a known agent type.
func (t AgentType) Valid() bool {
	switch t {
	case AgentGeneral, AgentPlanner, AgentImplementer, AgentTester,
		AgentReviewer, AgentIntegrator, AgentOrchestrator:
		return true
	}
	return false
}

// New builds an entity of the given type with a deterministic id and the
// variant payload initialized to its zero value. The caller fills the
// payload afterwards.
func New(t Type, orgID, name string) (*Entity, error) {
	if !t.Valid() {
		return nil, errs.Newf(errs.ValidationError, "entity", "new", "unknown entity type %q", t)
	}
	if orgID == "" {
		return nil, errs.New(errs.TenantMissing, "entity", "new", "organization id is required")
	}
	if name == "" {
		return nil, errs.New(errs.ValidationError, "entity", "new", "name is required")
	}

	now := time.Now().UTC()
	e := &Entity{
		ID:             NewID(t, orgID, name),
		Type:           t,
		Name:           name,
		CreatedAt:      now,
		UpdatedAt:      now,
		OrganizationID: orgID,
	}

	switch t {
	case TypeEpisode:
		e.Episode = &EpisodeFields{EpisodeType: EpisodeObservation, ValidFrom: now}
	case TypePattern, TypeRule, TypeTemplate, TypeTopic, TypeConvention:
		e.Knowledge = &KnowledgeFields{}
	case TypeProject:
		e.Project = &ProjectFields{Status: ProjectPlanning}
	case TypeEpic:
		e.Epic = &EpicFields{Status: EpicPlanning}
	case TypeTask:
		e.Task = &TaskFields{Status: TaskTodo, Priority: PriorityMedium}
	case TypeNote:
		e.Note = &NoteFields{}
	case TypeAgent:
		e.Agent = &AgentFields{AgentType: AgentGeneral, Status: AgentInitializing}
	case TypeWorktree:
		e.Worktree = &WorktreeFields{Status: WorktreeActive}
	case TypeCommunity:
		e.Community = &CommunityFields{}
	case TypeDocument:
		e.Document = &DocumentFields{}
	}

	return e, nil
}

// Validate checks the header invariants and the variant-specific required
// fields. It does not check payload consistency against external state.
func (e *Entity) Validate() error {
	if e.ID == "" {
		return errs.New(errs.ValidationError, "entity", "validate", "id is required")
	}
	if !e.Type.Valid() {
		return errs.Newf(errs.ValidationError, "entity", "validate", "unknown entity type %q", e.Type)
	}
	if e.OrganizationID == "" {
		return errs.New(errs.TenantMissing, "entity", "validate", "organization id is required")
	}
	if e.Name == "" {
		return errs.New(errs.ValidationError, "entity", "validate", "name is required")
	}

	switch e.Type {
	case TypeTask:
		if e.Task == nil {
			return missingPayload(e.Type)
		}
		if e.ProjectID == "" {
			return errs.New(errs.ValidationError, "entity", "validate", "task requires a project_id")
		}
		if !e.Task.Status.Valid() {
			return errs.Newf(errs.ValidationError, "entity", "validate", "unknown task status %q", e.Task.Status)
		}
		if !e.Task.Priority.Valid() {
			return errs.Newf(errs.ValidationError, "entity", "validate", "unknown priority %q", e.Task.Priority)
		}
	case TypeEpic:
		if e.Epic == nil {
			return missingPayload(e.Type)
		}
		if e.ProjectID == "" {
			return errs.New(errs.ValidationError, "entity", "validate", "epic requires a project_id")
		}
	case TypeProject:
		if e.Project == nil {
			return missingPayload(e.Type)
		}
	case TypeAgent:
		if e.Agent == nil {
			return missingPayload(e.Type)
		}
		if !e.Agent.AgentType.Valid() {
			return errs.Newf(errs.ValidationError, "entity", "validate", "unknown agent type %q", e.Agent.AgentType)
		}
	case TypeWorktree:
		if e.Worktree == nil {
			return missingPayload(e.Type)
		}
		if e.Worktree.Path == "" || e.Worktree.Branch == "" {
			return errs.New(errs.ValidationError, "entity", "validate", "worktree requires path and branch")
		}
	case TypeNote:
		if e.Note == nil {
			return missingPayload(e.Type)
		}
		if e.Note.TaskID == "" {
			return errs.New(errs.ValidationError, "entity", "validate", "note requires a task_id")
		}
	case TypeEpisode:
		if e.Episode == nil {
			return missingPayload(e.Type)
		}
	case TypeCommunity:
		if e.Community == nil {
			return missingPayload(e.Type)
		}
	case TypeDocument:
		if e.Document == nil {
			return missingPayload(e.Type)
		}
		if e.Document.URL == "" {
			return errs.New(errs.ValidationError, "entity", "validate", "document requires a url")
		}
	}

	return nil
}

func missingPayload(t Type) error {
	return errs.Newf(errs.ValidationError, "entity", "validate", "%s entity is missing its payload", t)
}

// Touch bumps UpdatedAt.
func (e *Entity) Touch() {
	e.UpdatedAt = time.Now().UTC()
}

// Age returns the time elapsed since the entity was created.
func (e *Entity) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

func (e *Entity) String() string {
	return fmt.Sprintf("%s(%s, org=%s)", e.Type, e.ID, e.OrganizationID)
}
