package worktree

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/sibyldev/sibyl/pkg/entity"
	"github.com/sibyldev/sibyl/pkg/errs"
)

// Cleanup tears down a worktree and marks its record deleted. A dirty
// worktree is refused unless force is set. Cleaning an already deleted
// worktree is a no-op.
func (m *Manager) Cleanup(ctx context.Context, orgID, worktreeID string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanupLocked(ctx, orgID, worktreeID, force)
}

func (m *Manager) cleanupLocked(ctx context.Context, orgID, worktreeID string, force bool) error {
	const op = "cleanup"

	rec, wt, err := m.load(ctx, orgID, worktreeID)
	if err != nil {
		return err
	}
	if wt.Status == entity.WorktreeDeleted {
		return nil
	}

	if _, statErr := os.Stat(wt.Path); statErr == nil && !force {
		out, err := m.git(ctx, wt.Path, "status", "--porcelain")
		if err != nil {
			return err
		}
		if out != "" {
			return errs.Newf(errs.Conflict, component, op,
				"worktree %s has uncommitted changes, pass force to discard them", worktreeID)
		}
	}

	if err := m.removeWorktree(ctx, wt.Path, wt.Branch); err != nil {
		return err
	}

	now := time.Now().UTC()
	wt.Status = entity.WorktreeDeleted
	wt.HasUncommitted = false
	wt.LastUsed = &now
	rec.Touch()
	if err := m.graph.UpsertEntity(ctx, rec); err != nil {
		return err
	}

	m.log.Info("worktree cleaned up",
		"org_id", orgID, "worktree_id", worktreeID, "branch", wt.Branch, "forced", force)
	return nil
}

// removeWorktree tears down the directory, the git worktree metadata,
// and optionally the branch. Git remove is tried first so the repo's
// bookkeeping stays consistent; everything past the directory removal
// is best effort.
func (m *Manager) removeWorktree(ctx context.Context, path, branch string) error {
	const op = "removeWorktree"

	if _, err := m.git(ctx, m.cfg.RepoDir, "worktree", "remove", "--force", path); err != nil {
		m.log.Debug("git worktree remove failed, deleting directory", "path", path, "error", err)
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return errs.Wrap(errs.Unknown, component, op, rmErr)
		}
	}
	if _, err := m.git(ctx, m.cfg.RepoDir, "worktree", "prune"); err != nil {
		m.log.Debug("git worktree prune failed", "error", err)
	}
	if branch != "" {
		if _, err := m.git(ctx, m.cfg.RepoDir, "branch", "-D", branch); err != nil {
			m.log.Debug("branch delete failed", "branch", branch, "error", err)
		}
	}
	return nil
}

// CleanupOrphaned force-removes orphaned worktrees that have sat
// untouched longer than maxAge, or the configured orphan_max_age when
// maxAge is zero. It returns the number removed and keeps sweeping past
// individual failures.
func (m *Manager) CleanupOrphaned(ctx context.Context, orgID string, maxAge time.Duration) (int, error) {
	const op = "CleanupOrphaned"

	if orgID == "" {
		return 0, errs.New(errs.TenantMissing, component, op, "organization id is required")
	}
	if maxAge <= 0 {
		maxAge = m.cfg.OrphanMaxAge
	}
	cutoff := time.Now().UTC().Add(-maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()

	records, err := m.listAll(ctx, orgID, []string{string(entity.WorktreeOrphaned)})
	if err != nil {
		return 0, err
	}

	cleaned, failed := 0, 0
	for _, rec := range records {
		if rec.Worktree == nil || rec.UpdatedAt.After(cutoff) {
			continue
		}
		if err := m.cleanupLocked(ctx, orgID, rec.ID, true); err != nil {
			failed++
			m.log.Warn("orphaned worktree cleanup failed",
				"org_id", orgID, "worktree_id", rec.ID, "error", err)
			continue
		}
		cleaned++
	}
	if failed > 0 {
		return cleaned, errs.Newf(errs.Unknown, component, op,
			"cleaned %d orphaned worktrees, %d failed", cleaned, failed)
	}
	m.log.Info("orphaned worktrees swept", "org_id", orgID, "cleaned", cleaned, "max_age", maxAge)
	return cleaned, nil
}

// Report partitions a tenant's worktrees by health. Missing lists
// records whose directories are gone; those records are marked deleted
// during the audit. Unregistered lists directories under the tenant
// root that no live record claims.
type Report struct {
	Active       []string `json:"active"`
	Orphaned     []string `json:"orphaned"`
	Missing      []string `json:"missing"`
	Unregistered []string `json:"unregistered"`
}

// Audit reconciles worktree records against the filesystem. After a
// clean audit every active or orphaned record points at an existing
// worktree directory, and every directory under the tenant root is
// either claimed by such a record or reported as unregistered.
func (m *Manager) Audit(ctx context.Context, orgID string) (*Report, error) {
	const op = "Audit"

	if orgID == "" {
		return nil, errs.New(errs.TenantMissing, component, op, "organization id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	records, err := m.listAll(ctx, orgID, []string{
		string(entity.WorktreeActive), string(entity.WorktreeOrphaned),
	})
	if err != nil {
		return nil, err
	}

	report := &Report{}
	registered := make(map[string]struct{}, len(records))
	for _, rec := range records {
		wt := rec.Worktree
		if wt == nil {
			continue
		}
		if !validWorktreeDir(wt.Path) {
			report.Missing = append(report.Missing, rec.ID)
			wt.Status = entity.WorktreeDeleted
			rec.Touch()
			if err := m.graph.UpsertEntity(ctx, rec); err != nil {
				m.log.Warn("could not mark missing worktree deleted",
					"org_id", orgID, "worktree_id", rec.ID, "error", err)
			}
			continue
		}
		registered[filepath.Clean(wt.Path)] = struct{}{}
		if wt.Status == entity.WorktreeOrphaned {
			report.Orphaned = append(report.Orphaned, rec.ID)
		} else {
			report.Active = append(report.Active, rec.ID)
		}
	}

	for _, path := range m.tenantDirs(orgID) {
		if _, ok := registered[filepath.Clean(path)]; !ok {
			report.Unregistered = append(report.Unregistered, path)
		}
	}

	m.log.Info("worktree audit complete", "org_id", orgID,
		"active", len(report.Active), "orphaned", len(report.Orphaned),
		"missing", len(report.Missing), "unregistered", len(report.Unregistered))
	return report, nil
}

// validWorktreeDir reports whether path exists and still carries git
// worktree metadata.
func validWorktreeDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	_, err = os.Stat(filepath.Join(path, ".git"))
	return err == nil
}

// tenantDirs lists the branch-level directories under the tenant's
// worktree root.
func (m *Manager) tenantDirs(orgID string) []string {
	root := filepath.Join(m.cfg.BaseDir, pathComponent(orgID))
	projects, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	var dirs []string
	for _, proj := range projects {
		if !proj.IsDir() {
			continue
		}
		leaves, err := os.ReadDir(filepath.Join(root, proj.Name()))
		if err != nil {
			continue
		}
		for _, leaf := range leaves {
			if leaf.IsDir() {
				dirs = append(dirs, filepath.Join(root, proj.Name(), leaf.Name()))
			}
		}
	}
	return dirs
}
