package search

import (
	"context"
	"sort"

	"github.com/sibyldev/sibyl/pkg/entity"
	"github.com/sibyldev/sibyl/pkg/errs"
	"github.com/sibyldev/sibyl/pkg/graph"
)

// ExploreMode selects an exploration strategy.
type ExploreMode string

const (
	ModeList         ExploreMode = "list"
	ModeRelated      ExploreMode = "related"
	ModeTraverse     ExploreMode = "traverse"
	ModeDependencies ExploreMode = "dependencies"
)

// ExploreRequest is one exploration request. EntityID seeds related
// and traverse; ProjectID scopes list and dependencies.
type ExploreRequest struct {
	Mode      ExploreMode
	EntityID  string
	ProjectID string
	Types     []entity.Type
	Statuses  []string
	Depth     int
	Limit     int
	Offset    int
}

// DependencyNode is one task in dependency order. Depth is the longest
// chain of dependencies below the task; tasks that depend on nothing
// sit at depth 0.
type DependencyNode struct {
	Task  *entity.Entity `json:"task"`
	Depth int            `json:"depth"`
}

// ExploreResult carries the slice matching the requested mode.
type ExploreResult struct {
	Entities []*entity.Entity      `json:"entities,omitempty"`
	Related  []graph.RelatedEntity `json:"related,omitempty"`
	Tasks    []DependencyNode      `json:"tasks,omitempty"`

	// Cycles lists dependency loops found while ordering, each as the
	// id path around the loop.
	Cycles [][]string `json:"cycles,omitempty"`
}

// Explore answers graph exploration requests.
func (e *Engine) Explore(ctx context.Context, orgID string, req ExploreRequest) (*ExploreResult, error) {
	const op = "Explore"

	if orgID == "" {
		return nil, errs.New(errs.TenantMissing, component, op, "organization id is required")
	}
	if req.Limit <= 0 {
		req.Limit = e.cfg.DefaultLimit
	}
	if req.Limit > e.cfg.MaxLimit {
		req.Limit = e.cfg.MaxLimit
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	switch req.Mode {
	case ModeList:
		return e.exploreList(ctx, orgID, req)
	case ModeRelated:
		return e.exploreRelated(ctx, orgID, req)
	case ModeTraverse:
		return e.exploreTraverse(ctx, orgID, req)
	case ModeDependencies:
		return e.exploreDependencies(ctx, orgID, req)
	default:
		return nil, errs.Newf(errs.ValidationError, component, op, "unknown explore mode %q", req.Mode)
	}
}

func (e *Engine) exploreList(ctx context.Context, orgID string, req ExploreRequest) (*ExploreResult, error) {
	ents, err := e.graph.ListEntities(ctx, orgID, graph.ListOptions{
		Types:     req.Types,
		ProjectID: req.ProjectID,
		Statuses:  req.Statuses,
		Limit:     req.Limit,
		Offset:    req.Offset,
	})
	if err != nil {
		return nil, err
	}
	return &ExploreResult{Entities: ents}, nil
}

func (e *Engine) exploreRelated(ctx context.Context, orgID string, req ExploreRequest) (*ExploreResult, error) {
	const op = "exploreRelated"

	if req.EntityID == "" {
		return nil, errs.New(errs.ValidationError, component, op, "entity id is required")
	}
	related, err := e.graph.Related(ctx, orgID, req.EntityID, req.Limit)
	if err != nil {
		return nil, err
	}
	return &ExploreResult{Related: related}, nil
}

func (e *Engine) exploreTraverse(ctx context.Context, orgID string, req ExploreRequest) (*ExploreResult, error) {
	const op = "exploreTraverse"

	if req.EntityID == "" {
		return nil, errs.New(errs.ValidationError, component, op, "entity id is required")
	}
	depth := req.Depth
	if depth <= 0 {
		depth = e.cfg.TraversalDepth
	}
	ents, err := e.graph.Neighbors(ctx, orgID, []string{req.EntityID}, depth, req.Limit)
	if err != nil {
		return nil, err
	}
	return &ExploreResult{Entities: ents}, nil
}

// dependencyTaskLimit caps how many tasks one dependency ordering
// loads.
const dependencyTaskLimit = 1000

func (e *Engine) exploreDependencies(ctx context.Context, orgID string, req ExploreRequest) (*ExploreResult, error) {
	const op = "exploreDependencies"

	if req.ProjectID == "" {
		return nil, errs.New(errs.ValidationError, component, op, "project id is required")
	}

	tasks, err := e.graph.ListEntities(ctx, orgID, graph.ListOptions{
		Types:     []entity.Type{entity.TypeTask},
		ProjectID: req.ProjectID,
		Limit:     dependencyTaskLimit,
	})
	if err != nil {
		return nil, err
	}
	edges, err := e.graph.DependencyEdges(ctx, orgID, req.ProjectID)
	if err != nil {
		return nil, err
	}

	order, depths, cycles := dependencyOrder(tasks, edges)
	byID := make(map[string]*entity.Entity, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	nodes := make([]DependencyNode, 0, len(order))
	for _, id := range order {
		nodes = append(nodes, DependencyNode{Task: byID[id], Depth: depths[id]})
	}
	return &ExploreResult{Tasks: nodes, Cycles: cycles}, nil
}

// dependencyOrder sorts tasks so dependencies come before their
// dependents. DFS follows outgoing DEPENDS_ON edges; back edges are
// reported as cycles and otherwise ignored, so the order stays total.
func dependencyOrder(tasks []*entity.Entity, edges []graph.DependencyEdge) (order []string, depths map[string]int, cycles [][]string) {
	known := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		known[t.ID] = true
	}

	deps := make(map[string][]string, len(edges))
	for _, edge := range edges {
		if !known[edge.FromID] || !known[edge.ToID] {
			continue // edge into another project or a deleted task
		}
		deps[edge.FromID] = append(deps[edge.FromID], edge.ToID)
	}
	for _, ds := range deps {
		sort.Strings(ds)
	}

	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(tasks))
	depths = make(map[string]int, len(tasks))
	var path []string

	var visit func(id string) int
	visit = func(id string) int {
		switch color[id] {
		case black:
			return depths[id]
		case gray:
			// Back edge: the cycle is the path suffix from the first
			// visit of this id.
			for i, p := range path {
				if p == id {
					cycles = append(cycles, append([]string(nil), path[i:]...))
					break
				}
			}
			return 0
		}

		color[id] = gray
		path = append(path, id)
		depth := 0
		for _, dep := range deps[id] {
			if d := visit(dep) + 1; d > depth {
				depth = d
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		depths[id] = depth
		order = append(order, id)
		return depth
	}

	for _, t := range tasks {
		visit(t.ID)
	}
	return order, depths, cycles
}
