package search

import (
	"slices"
	"strings"

	"github.com/sibyldev/sibyl/pkg/entity"
)

// match reports whether the entity passes every in-process filter.
// Types and statuses are re-checked here even though the vector query
// pushes them down, because traversal and keyword hits bypass the
// adapter's WHERE clause.
func (f Filters) match(e *entity.Entity) bool {
	if e == nil {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, e.Type) {
		return false
	}
	if len(f.Languages) > 0 && !hasLanguage(e, f.Languages) {
		return false
	}
	if f.Category != "" {
		if e.Knowledge == nil ||
			!strings.Contains(strings.ToLower(e.Knowledge.Category), strings.ToLower(f.Category)) {
			return false
		}
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, statusOf(e)) {
		return false
	}
	if f.Projects != nil && e.ProjectID != "" && !slices.Contains(f.Projects, e.ProjectID) {
		return false
	}
	if f.Assignee != "" && !assignedTo(e, f.Assignee) {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

func hasLanguage(e *entity.Entity, want []string) bool {
	if e.Knowledge == nil {
		return false
	}
	for _, w := range want {
		for _, l := range e.Knowledge.Languages {
			if strings.EqualFold(l, w) {
				return true
			}
		}
	}
	return false
}

func assignedTo(e *entity.Entity, who string) bool {
	if e.Task == nil {
		return false
	}
	if strings.EqualFold(e.Task.AssignedAgent, who) {
		return true
	}
	for _, a := range e.Task.Assignees {
		if strings.EqualFold(a, who) {
			return true
		}
	}
	return false
}

// statusOf promotes the variant's workflow status for filtering.
func statusOf(e *entity.Entity) string {
	switch e.Type {
	case entity.TypeTask:
		if e.Task != nil {
			return string(e.Task.Status)
		}
	case entity.TypeEpic:
		if e.Epic != nil {
			return string(e.Epic.Status)
		}
	case entity.TypeProject:
		if e.Project != nil {
			return string(e.Project.Status)
		}
	case entity.TypeAgent:
		if e.Agent != nil {
			return string(e.Agent.Status)
		}
	case entity.TypeWorktree:
		if e.Worktree != nil {
			return string(e.Worktree.Status)
		}
	}
	return ""
}
