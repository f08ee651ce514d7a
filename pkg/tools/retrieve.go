package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/sibyldev/sibyl/pkg/entity"
	"github.com/sibyldev/sibyl/pkg/errs"
	"github.com/sibyldev/sibyl/pkg/search"
	"github.com/sibyldev/sibyl/pkg/tenant"
)

// SearchRequest is the external shape of a search call.
type SearchRequest struct {
	Query          string   `json:"query"`
	Limit          int      `json:"limit,omitempty"`
	Offset         int      `json:"offset,omitempty"`
	IncludeContent bool     `json:"include_content,omitempty"`
	Types          []string `json:"entity_types,omitempty"`
	Languages      []string `json:"languages,omitempty"`
	Category       string   `json:"category,omitempty"`
	Statuses       []string `json:"statuses,omitempty"`
	Assignee       string   `json:"assignee,omitempty"`
	SinceDays      int      `json:"since_days,omitempty"`
}

// Search resolves the tenant and runs hybrid retrieval.
func (d *Dispatcher) Search(ctx context.Context, req SearchRequest) (*Response, error) {
	scope, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}

	types, err := parseTypes(req.Types)
	if err != nil {
		return nil, err
	}

	q := search.Query{
		Text:           req.Query,
		Limit:          req.Limit,
		Offset:         req.Offset,
		IncludeContent: req.IncludeContent,
		Filters: search.Filters{
			Types:     types,
			Languages: req.Languages,
			Category:  req.Category,
			Statuses:  req.Statuses,
			Assignee:  req.Assignee,
			Projects:  projectSlice(scope),
		},
	}
	if req.SinceDays > 0 {
		q.Filters.Since = time.Now().UTC().AddDate(0, 0, -req.SinceDays)
	}

	results, err := d.deps.Search.Search(ctx, scope.OrganizationID, q)
	if err != nil {
		return nil, err
	}
	return ok(fmt.Sprintf("Found %d results", len(results)), "", results), nil
}

// ExploreRequest is the external shape of an explore call.
type ExploreRequest struct {
	Mode      string   `json:"mode"`
	EntityID  string   `json:"entity_id,omitempty"`
	ProjectID string   `json:"project_id,omitempty"`
	Types     []string `json:"entity_types,omitempty"`
	Statuses  []string `json:"statuses,omitempty"`
	Depth     int      `json:"depth,omitempty"`
	Limit     int      `json:"limit,omitempty"`
	Offset    int      `json:"offset,omitempty"`
}

// Explore resolves the tenant and walks the graph.
func (d *Dispatcher) Explore(ctx context.Context, req ExploreRequest) (*Response, error) {
	const op = "explore"

	scope, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}

	types, err := parseTypes(req.Types)
	if err != nil {
		return nil, err
	}

	mode := search.ExploreMode(req.Mode)
	switch mode {
	case search.ModeList, search.ModeRelated, search.ModeTraverse, search.ModeDependencies:
	case "":
		mode = search.ModeList
	default:
		return nil, errs.Newf(errs.ValidationError, component, op, "unknown explore mode %q", req.Mode)
	}

	result, err := d.deps.Search.Explore(ctx, scope.OrganizationID, search.ExploreRequest{
		Mode:      mode,
		EntityID:  req.EntityID,
		ProjectID: req.ProjectID,
		Types:     types,
		Statuses:  req.Statuses,
		Depth:     req.Depth,
		Limit:     req.Limit,
		Offset:    req.Offset,
	})
	if err != nil {
		return nil, err
	}

	n := len(result.Entities) + len(result.Related) + len(result.Tasks)
	return ok(fmt.Sprintf("Explored %d entities", n), "", result), nil
}

func parseTypes(raw []string) ([]entity.Type, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]entity.Type, 0, len(raw))
	for _, s := range raw {
		t := entity.Type(s)
		if !t.Valid() {
			return nil, errs.Newf(errs.ValidationError, component, "parseTypes", "unknown entity type %q", s)
		}
		out = append(out, t)
	}
	return out, nil
}

// projectSlice converts the scope's project grants into the engine's
// filter shape: nil means no restriction.
func projectSlice(scope tenant.Scope) []string {
	grants := scope.AccessibleProjects()
	if grants == nil {
		return nil
	}
	out := make([]string, 0, len(grants))
	for id := range grants {
		out = append(out, id)
	}
	return out
}
