package entity

import (
	"github.com/sibyldev/sibyl/pkg/errs"
)

// TaskStatus is a task workflow state.
type TaskStatus string

const (
	TaskBacklog  TaskStatus = "backlog"
	TaskTodo     TaskStatus = "todo"
	TaskDoing    TaskStatus = "doing"
	TaskBlocked  TaskStatus = "blocked"
	TaskReview   TaskStatus = "review"
	TaskDone     TaskStatus = "done"
	TaskArchived TaskStatus = "archived"
)

// taskTransitions is the allowed task workflow graph. doing → todo is the
// administrative release used by unassignTask.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskBacklog: {TaskTodo, TaskArchived},
	TaskTodo:    {TaskDoing, TaskArchived},
	TaskDoing:   {TaskBlocked, TaskReview, TaskTodo},
	TaskBlocked: {TaskDoing, TaskArchived},
	TaskReview:  {TaskDone, TaskDoing},
	TaskDone:    {TaskArchived},
}

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskBacklog, TaskTodo, TaskDoing, TaskBlocked, TaskReview, TaskDone, TaskArchived:
		return true
	}
	return false
}

// IsTerminal reports whether no transitions leave s.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskArchived
}

// CanTransition reports whether s → next is an allowed transition.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition validates s → next and returns next, or InvalidTransition.
func (s TaskStatus) Transition(next TaskStatus) (TaskStatus, error) {
	if !next.Valid() {
		return s, errs.Newf(errs.ValidationError, "entity", "transition", "unknown task status %q", next)
	}
	if !s.CanTransition(next) {
		return s, errs.Newf(errs.InvalidTransition, "entity", "transition",
			"task cannot move from %s to %s", s, next)
	}
	return next, nil
}

// ProjectStatus is a project lifecycle state.
type ProjectStatus string

const (
	ProjectPlanning  ProjectStatus = "planning"
	ProjectActive    ProjectStatus = "active"
	ProjectOnHold    ProjectStatus = "on_hold"
	ProjectCompleted ProjectStatus = "completed"
	ProjectArchived  ProjectStatus = "archived"
)

var projectTransitions = map[ProjectStatus][]ProjectStatus{
	ProjectPlanning:  {ProjectActive, ProjectArchived},
	ProjectActive:    {ProjectOnHold, ProjectCompleted, ProjectArchived},
	ProjectOnHold:    {ProjectActive, ProjectArchived},
	ProjectCompleted: {ProjectArchived},
}

// Valid reports whether s is a known project status.
func (s ProjectStatus) Valid() bool {
	switch s {
	case ProjectPlanning, ProjectActive, ProjectOnHold, ProjectCompleted, ProjectArchived:
		return true
	}
	return false
}

// CanTransition reports whether s → next is allowed.
func (s ProjectStatus) CanTransition(next ProjectStatus) bool {
	for _, allowed := range projectTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// EpicStatus is an epic lifecycle state.
type EpicStatus string

const (
	EpicPlanning   EpicStatus = "planning"
	EpicInProgress EpicStatus = "in_progress"
	EpicBlocked    EpicStatus = "blocked"
	EpicCompleted  EpicStatus = "completed"
	EpicArchived   EpicStatus = "archived"
)

var epicTransitions = map[EpicStatus][]EpicStatus{
	EpicPlanning:   {EpicInProgress, EpicArchived},
	EpicInProgress: {EpicBlocked, EpicCompleted, EpicArchived},
	EpicBlocked:    {EpicInProgress, EpicArchived},
	EpicCompleted:  {EpicArchived},
}

// Valid reports whether s is a known epic status.
func (s EpicStatus) Valid() bool {
	switch s {
	case EpicPlanning, EpicInProgress, EpicBlocked, EpicCompleted, EpicArchived:
		return true
	}
	return false
}

// CanTransition reports whether s → next is allowed.
func (s EpicStatus) CanTransition(next EpicStatus) bool {
	for _, allowed := range epicTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AgentStatus is an agent lifecycle state.
type AgentStatus string

const (
	AgentInitializing      AgentStatus = "initializing"
	AgentWorking           AgentStatus = "working"
	AgentWaitingApproval   AgentStatus = "waiting_approval"
	AgentWaitingDependency AgentStatus = "waiting_dependency"
	AgentPaused            AgentStatus = "paused"
	AgentFailed            AgentStatus = "failed"
	AgentCompleted         AgentStatus = "completed"
	AgentTerminated        AgentStatus = "terminated"
)

var agentTransitions = map[AgentStatus][]AgentStatus{
	AgentInitializing: {AgentWorking, AgentFailed, AgentTerminated},
	AgentWorking: {AgentWaitingApproval, AgentWaitingDependency, AgentPaused,
		AgentCompleted, AgentFailed, AgentTerminated},
	AgentWaitingApproval:   {AgentWorking, AgentPaused, AgentFailed, AgentTerminated},
	AgentWaitingDependency: {AgentWorking, AgentPaused, AgentFailed, AgentTerminated},
	AgentPaused:            {AgentWorking, AgentFailed, AgentTerminated},
}

// Valid reports whether s is a known agent status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentInitializing, AgentWorking, AgentWaitingApproval, AgentWaitingDependency,
		AgentPaused, AgentFailed, AgentCompleted, AgentTerminated:
		return true
	}
	return false
}

// IsTerminal reports whether no transitions leave s.
func (s AgentStatus) IsTerminal() bool {
	switch s {
	case AgentFailed, AgentCompleted, AgentTerminated:
		return true
	}
	return false
}

// IsRecoverable reports whether an agent in this state is resumed on
// orchestrator restart.
func (s AgentStatus) IsRecoverable() bool {
	switch s {
	case AgentWorking, AgentPaused, AgentWaitingApproval, AgentWaitingDependency:
		return true
	}
	return false
}

// CanTransition reports whether s → next is allowed.
func (s AgentStatus) CanTransition(next AgentStatus) bool {
	for _, allowed := range agentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition validates s → next and returns next, or InvalidTransition.
func (s AgentStatus) Transition(next AgentStatus) (AgentStatus, error) {
	if !next.Valid() {
		return s, errs.Newf(errs.ValidationError, "entity", "transition", "unknown agent status %q", next)
	}
	if !s.CanTransition(next) {
		return s, errs.Newf(errs.InvalidTransition, "entity", "transition",
			"agent cannot move from %s to %s", s, next)
	}
	return next, nil
}

// WorktreeStatus is a worktree lifecycle state.
type WorktreeStatus string

const (
	WorktreeActive   WorktreeStatus = "active"
	WorktreeOrphaned WorktreeStatus = "orphaned"
	WorktreeMerged   WorktreeStatus = "merged"
	WorktreeDeleted  WorktreeStatus = "deleted"
)

var worktreeTransitions = map[WorktreeStatus][]WorktreeStatus{
	WorktreeActive:   {WorktreeOrphaned, WorktreeMerged, WorktreeDeleted},
	WorktreeOrphaned: {WorktreeActive, WorktreeDeleted},
	WorktreeMerged:   {WorktreeDeleted},
}

// Valid reports whether s is a known worktree status.
func (s WorktreeStatus) Valid() bool {
	switch s {
	case WorktreeActive, WorktreeOrphaned, WorktreeMerged, WorktreeDeleted:
		return true
	}
	return false
}

// IsTerminal reports whether no transitions leave s.
func (s WorktreeStatus) IsTerminal() bool {
	return s == WorktreeDeleted
}

// CanTransition reports whether s → next is allowed.
func (s WorktreeStatus) CanTransition(next WorktreeStatus) bool {
	for _, allowed := range worktreeTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
