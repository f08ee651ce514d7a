// Package worktree manages git worktrees for agents working on code
// tasks. Each worktree pairs a directory under the configured base dir
// with a persisted worktree entity, and the manager keeps that pairing
// a bijection: creation registers the record in the same step that adds
// the directory, cleanup removes both, and Audit reconciles any drift
// between records and the filesystem.
package worktree

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/entity"
	"github.com/sibyldev/sibyl/pkg/errs"
	"github.com/sibyldev/sibyl/pkg/graph"
)

const component = "worktree"

const listPageSize = 200

// GraphStore is the slice of the graph client the manager needs to
// persist worktree records.
type GraphStore interface {
	GetEntity(ctx context.Context, orgID, id string) (*entity.Entity, error)
	UpsertEntity(ctx context.Context, e *entity.Entity) error
	ListEntities(ctx context.Context, orgID string, opts graph.ListOptions) ([]*entity.Entity, error)
}

// Deps bundles the manager's collaborators. Graph is required.
type Deps struct {
	Graph GraphStore
}

// Manager creates, inspects, and removes worktrees. Git and filesystem
// mutations are serialized by an internal mutex; cross-process callers
// additionally hold the owning agent's record lock.
type Manager struct {
	cfg   config.WorktreeConfig
	graph GraphStore
	log   *slog.Logger

	mu sync.Mutex
}

// New builds a manager. RepoDir and BaseDir are resolved to absolute
// paths so persisted record paths stay valid regardless of the caller's
// working directory.
func New(cfg config.WorktreeConfig, deps Deps) (*Manager, error) {
	const op = "New"

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.ValidationError, component, op, err)
	}
	if deps.Graph == nil {
		return nil, errs.New(errs.ValidationError, component, op, "graph store is required")
	}
	if _, err := exec.LookPath("git"); err != nil {
		return nil, errs.New(errs.ValidationError, component, op, "git binary not found in PATH")
	}

	repo, err := filepath.Abs(cfg.RepoDir)
	if err != nil {
		return nil, errs.Wrap(errs.ValidationError, component, op, err)
	}
	base, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, errs.Wrap(errs.ValidationError, component, op, err)
	}
	cfg.RepoDir = repo
	cfg.BaseDir = base

	return &Manager{
		cfg:   cfg,
		graph: deps.Graph,
		log:   slog.With("component", component),
	}, nil
}

// CreateRequest describes the worktree to create. Branch is required
// and BaseRef defaults to HEAD. When TaskID is set the task's project
// decides where the directory lands.
type CreateRequest struct {
	TaskID  string
	Branch  string
	BaseRef string
	AgentID string
}

// Create adds a worktree on a fresh branch cut from BaseRef and
// registers its record. A directory already present at the target path
// without a live record is treated as stale and removed first. When
// persisting the record fails the worktree is torn down again so no
// unregistered directory is left behind.
func (m *Manager) Create(ctx context.Context, orgID string, req CreateRequest) (*entity.Entity, error) {
	const op = "Create"

	if orgID == "" {
		return nil, errs.New(errs.TenantMissing, component, op, "organization id is required")
	}
	if req.Branch == "" {
		return nil, errs.New(errs.ValidationError, component, op, "branch name is required")
	}

	projectID := ""
	if req.TaskID != "" {
		task, err := m.graph.GetEntity(ctx, orgID, req.TaskID)
		if err != nil {
			return nil, err
		}
		projectID = task.ProjectID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.worktreePath(orgID, projectID, req.Branch)
	id := entity.NewID(entity.TypeWorktree, orgID, req.Branch, path)

	existing, err := m.graph.GetEntity(ctx, orgID, id)
	switch {
	case err == nil:
		if wt := existing.Worktree; wt != nil && !wt.Status.IsTerminal() {
			return nil, errs.Newf(errs.Conflict, component, op,
				"worktree for branch %q already exists at %s", req.Branch, wt.Path)
		}
	case !errs.IsKind(err, errs.NotFound):
		return nil, err
	}

	if _, statErr := os.Stat(path); statErr == nil {
		m.log.Warn("removing stale worktree directory", "org_id", orgID, "path", path)
		if err := m.removeWorktree(ctx, path, ""); err != nil {
			return nil, err
		}
	}

	baseRef := req.BaseRef
	if baseRef == "" {
		baseRef = "HEAD"
	}
	sha, err := m.revParse(ctx, m.cfg.RepoDir, baseRef)
	if err != nil {
		return nil, errs.Newf(errs.ValidationError, component, op, "base ref %q does not resolve", baseRef)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.Wrap(errs.Unknown, component, op, err)
	}
	if _, err := m.git(ctx, m.cfg.RepoDir, "worktree", "add", "-b", req.Branch, path, sha); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil, errs.Newf(errs.Conflict, component, op, "branch %q already exists", req.Branch)
		}
		return nil, err
	}

	rec, err := entity.New(entity.TypeWorktree, orgID, req.Branch)
	if err != nil {
		m.discard(ctx, path, req.Branch)
		return nil, err
	}
	now := time.Now().UTC()
	rec.ID = id
	rec.ProjectID = projectID
	rec.Worktree = &entity.WorktreeFields{
		Path:       path,
		Branch:     req.Branch,
		BaseCommit: sha,
		LastCommit: sha,
		Status:     entity.WorktreeActive,
		TaskID:     req.TaskID,
		AgentID:    req.AgentID,
		LastUsed:   &now,
	}
	if err := m.graph.UpsertEntity(ctx, rec); err != nil {
		m.discard(ctx, path, req.Branch)
		return nil, err
	}

	m.log.Info("worktree created",
		"org_id", orgID, "branch", req.Branch, "path", path, "base_commit", sha)
	return rec, nil
}

// discard tears a half-created worktree back down.
func (m *Manager) discard(ctx context.Context, path, branch string) {
	if err := m.removeWorktree(ctx, path, branch); err != nil {
		m.log.Warn("could not discard worktree", "path", path, "error", err)
	}
}

// load fetches a worktree record and its payload.
func (m *Manager) load(ctx context.Context, orgID, worktreeID string) (*entity.Entity, *entity.WorktreeFields, error) {
	const op = "load"

	rec, err := m.graph.GetEntity(ctx, orgID, worktreeID)
	if err != nil {
		return nil, nil, err
	}
	if rec.Type != entity.TypeWorktree || rec.Worktree == nil {
		return nil, nil, errs.Newf(errs.ValidationError, component, op, "%s is not a worktree", worktreeID)
	}
	return rec, rec.Worktree, nil
}

// listAll pages through the tenant's worktree records, optionally
// narrowed to the given statuses.
func (m *Manager) listAll(ctx context.Context, orgID string, statuses []string) ([]*entity.Entity, error) {
	var all []*entity.Entity
	for offset := 0; ; offset += listPageSize {
		page, err := m.graph.ListEntities(ctx, orgID, graph.ListOptions{
			Types:    []entity.Type{entity.TypeWorktree},
			Statuses: statuses,
			Limit:    listPageSize,
			Offset:   offset,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < listPageSize {
			return all, nil
		}
	}
}

// worktreePath builds <base>/<org>/<project>/<branch> with each
// element reduced to a safe path component.
func (m *Manager) worktreePath(orgID, projectID, branch string) string {
	return filepath.Join(m.cfg.BaseDir,
		pathComponent(orgID), projectComponent(projectID), pathComponent(branch))
}

// pathComponent reduces s to a single safe path element. Anything
// outside [a-zA-Z0-9._-] becomes a dash, and leading or trailing dots
// and dashes are trimmed so no element can escape the base directory.
func pathComponent(s string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, s)
	mapped = strings.Trim(mapped, "-.")
	if mapped == "" {
		return "x"
	}
	return mapped
}

func projectComponent(projectID string) string {
	if projectID == "" {
		return "default"
	}
	return pathComponent(strings.TrimPrefix(projectID, "project_"))
}
