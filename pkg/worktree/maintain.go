package worktree

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/sibyldev/sibyl/pkg/entity"
	"github.com/sibyldev/sibyl/pkg/errs"
)

// CheckUncommitted reports whether the worktree has uncommitted
// changes. The record is refreshed when the answer or the head commit
// moved since the last check.
func (m *Manager) CheckUncommitted(ctx context.Context, orgID, worktreeID string) (bool, error) {
	const op = "CheckUncommitted"

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, wt, err := m.load(ctx, orgID, worktreeID)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(wt.Path); err != nil {
		return false, errs.Newf(errs.NotFound, component, op, "worktree directory %s is gone", wt.Path)
	}

	out, err := m.git(ctx, wt.Path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	dirty := out != ""

	head, err := m.git(ctx, wt.Path, "rev-parse", "HEAD")
	if err != nil {
		return false, err
	}

	if dirty != wt.HasUncommitted || head != wt.LastCommit {
		now := time.Now().UTC()
		wt.HasUncommitted = dirty
		wt.LastCommit = head
		wt.LastUsed = &now
		rec.Touch()
		if err := m.graph.UpsertEntity(ctx, rec); err != nil {
			return dirty, err
		}
	}
	return dirty, nil
}

// ConflictCheck is the outcome of a trial merge against a target
// branch.
type ConflictCheck struct {
	TargetBranch string   `json:"target_branch"`
	Conflicts    bool     `json:"conflicts"`
	Files        []string `json:"files,omitempty"`
}

// CheckConflicts trial-merges the target branch into the worktree and
// reports the conflicting files. The merge is always aborted, so the
// worktree is left as found. The remote copy of the target is fetched
// first and preferred; a repo without a remote falls back to the local
// branch.
func (m *Manager) CheckConflicts(ctx context.Context, orgID, worktreeID, targetBranch string) (*ConflictCheck, error) {
	const op = "CheckConflicts"

	if targetBranch == "" {
		return nil, errs.New(errs.ValidationError, component, op, "target branch is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	_, wt, err := m.load(ctx, orgID, worktreeID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(wt.Path); err != nil {
		return nil, errs.Newf(errs.NotFound, component, op, "worktree directory %s is gone", wt.Path)
	}

	if _, fetchErr := m.git(ctx, wt.Path, "fetch", "--quiet", "origin", targetBranch); fetchErr != nil {
		m.log.Debug("fetch before conflict check failed", "target", targetBranch, "error", fetchErr)
	}
	ref := "origin/" + targetBranch
	if _, err := m.revParse(ctx, wt.Path, ref); err != nil {
		ref = targetBranch
		if _, err := m.revParse(ctx, wt.Path, ref); err != nil {
			return nil, errs.Newf(errs.ValidationError, component, op,
				"target branch %q does not resolve", targetBranch)
		}
	}

	// Conflict markers land on stdout on current git versions, so
	// scan both streams.
	mergeArgs := []string{"merge", "--no-commit", "--no-ff", ref}
	stdout, stderr, mergeErr := m.gitRaw(ctx, wt.Path, mergeArgs...)
	check := &ConflictCheck{TargetBranch: targetBranch}
	if mergeErr != nil {
		if !strings.Contains(stdout, "CONFLICT") && !strings.Contains(stderr, "CONFLICT") {
			m.abortMerge(ctx, wt.Path)
			return nil, m.wrapGit(op, mergeArgs, stderr, mergeErr)
		}
		check.Conflicts = true
		if files, err := m.git(ctx, wt.Path, "diff", "--name-only", "--diff-filter=U"); err == nil {
			check.Files = splitLines(files)
		}
	}
	m.abortMerge(ctx, wt.Path)

	m.log.Info("conflict check complete",
		"org_id", orgID, "worktree_id", worktreeID, "target", targetBranch,
		"conflicts", check.Conflicts, "files", len(check.Files))
	return check, nil
}

// abortMerge resets a trial merge. Aborting fails harmlessly when the
// merge never started, such as an already up to date target.
func (m *Manager) abortMerge(ctx context.Context, dir string) {
	if _, err := m.git(ctx, dir, "merge", "--abort"); err != nil {
		m.log.Debug("merge abort skipped", "dir", dir, "error", err)
	}
}

// MarkOrphaned flags a worktree whose agent died. Orphaned worktrees
// survive until a new agent reclaims them or CleanupOrphaned sweeps
// them.
func (m *Manager) MarkOrphaned(ctx context.Context, orgID, worktreeID string) error {
	return m.setStatus(ctx, orgID, worktreeID, entity.WorktreeOrphaned)
}

// MarkMerged flags a worktree whose branch landed on its target.
func (m *Manager) MarkMerged(ctx context.Context, orgID, worktreeID string) error {
	return m.setStatus(ctx, orgID, worktreeID, entity.WorktreeMerged)
}

// Reclaim hands an orphaned worktree to a new agent and reactivates
// it.
func (m *Manager) Reclaim(ctx context.Context, orgID, worktreeID, agentID string) error {
	const op = "Reclaim"

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, wt, err := m.load(ctx, orgID, worktreeID)
	if err != nil {
		return err
	}
	if wt.Status != entity.WorktreeOrphaned {
		return errs.Newf(errs.InvalidTransition, component, op,
			"worktree %s is %s, only orphaned worktrees can be reclaimed", worktreeID, wt.Status)
	}
	now := time.Now().UTC()
	wt.Status = entity.WorktreeActive
	wt.AgentID = agentID
	wt.LastUsed = &now
	rec.Touch()
	if err := m.graph.UpsertEntity(ctx, rec); err != nil {
		return err
	}
	m.log.Info("worktree reclaimed", "org_id", orgID, "worktree_id", worktreeID, "agent_id", agentID)
	return nil
}

func (m *Manager) setStatus(ctx context.Context, orgID, worktreeID string, to entity.WorktreeStatus) error {
	const op = "setStatus"

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, wt, err := m.load(ctx, orgID, worktreeID)
	if err != nil {
		return err
	}
	if wt.Status == to {
		return nil
	}
	if !wt.Status.CanTransition(to) {
		return errs.Newf(errs.InvalidTransition, component, op,
			"worktree %s cannot move from %s to %s", worktreeID, wt.Status, to)
	}
	wt.Status = to
	rec.Touch()
	if err := m.graph.UpsertEntity(ctx, rec); err != nil {
		return err
	}
	m.log.Info("worktree status changed", "org_id", orgID, "worktree_id", worktreeID, "status", to)
	return nil
}
