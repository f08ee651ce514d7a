package community

import (
	"context"
	"sort"
	"strconv"
	"strings"

	louvain "gonum.org/v1/gonum/graph/community"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/sibyldev/sibyl/pkg/cache"
	"github.com/sibyldev/sibyl/pkg/entity"
	"github.com/sibyldev/sibyl/pkg/errs"
)

// maxKeyConcepts bounds the concept list stored on a community.
const maxKeyConcepts = 5

// Result reports one detection run.
type Result struct {
	Nodes       int `json:"nodes"`
	Edges       int `json:"edges"`
	Levels      int `json:"levels"`
	Communities int `json:"communities"`
	Removed     int `json:"removed"`
}

// record is one detected community before persistence. The member set
// is kept alongside the entity for the containment checks that wire
// the hierarchy.
type record struct {
	ent     *entity.Entity
	members map[string]struct{}
}

// Detect rebuilds the tenant's community hierarchy. The previous
// hierarchy is replaced wholesale: community nodes from earlier runs
// are removed and the new levels are written with a BELONGS_TO edge
// from every member. Level 0 holds the finest partition; each level
// above it is coarser, and a parent's member set contains each of its
// children's.
func (d *Detector) Detect(ctx context.Context, orgID string) (*Result, error) {
	const op = "Detect"

	if orgID == "" {
		return nil, errs.New(errs.TenantMissing, component, op, "organization id is required")
	}

	names, err := d.graph.EntityNames(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return &Result{}, nil
	}

	// Community nodes from the previous run are replaced, never
	// clustered.
	ids := make([]string, 0, len(names))
	var stale []string
	for id := range names {
		if entity.TypeOfID(id) == entity.TypeCommunity {
			stale = append(stale, id)
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rels, err := d.graph.AllRelationships(ctx, orgID)
	if err != nil {
		return nil, err
	}

	g, edges := buildGraph(ids, rels)
	res := &Result{Nodes: len(ids), Edges: edges}

	var levels [][]*record
	if edges > 0 {
		levels, err = d.buildLevels(orgID, g, ids, names)
		if err != nil {
			return nil, err
		}
		linkLevels(levels)
		res.Levels = len(levels)
		for _, level := range levels {
			res.Communities += len(level)
		}
	}

	removed, err := d.replace(ctx, orgID, stale, levels)
	if err != nil {
		return nil, err
	}
	res.Removed = removed

	d.log.Info("community detection complete",
		"org_id", orgID,
		"nodes", res.Nodes,
		"edges", res.Edges,
		"levels", res.Levels,
		"communities", res.Communities,
		"removed", res.Removed)
	return res, nil
}

// buildGraph exports the tenant subgraph into a weighted undirected
// graph. Node indices follow the sorted id order. Parallel edges
// accumulate weight; self loops and edges touching unknown ids are
// dropped.
func buildGraph(ids []string, rels []*entity.Relationship) (*simple.WeightedUndirectedGraph, int) {
	index := make(map[string]int64, len(ids))
	for i, id := range ids {
		index[id] = int64(i)
	}

	g := simple.NewWeightedUndirectedGraph(0, 0)
	for i := range ids {
		g.AddNode(simple.Node(i))
	}

	type pair struct{ lo, hi int64 }
	weights := make(map[pair]float64)
	for _, rel := range rels {
		from, ok := index[rel.FromID]
		if !ok {
			continue
		}
		to, ok := index[rel.ToID]
		if !ok || from == to {
			continue
		}
		if to < from {
			from, to = to, from
		}
		w := rel.Weight
		if w <= 0 {
			w = 1
		}
		weights[pair{lo: from, hi: to}] += w
	}
	for p, w := range weights {
		g.SetWeightedEdge(g.NewWeightedEdge(simple.Node(p.lo), simple.Node(p.hi), w))
	}
	return g, len(weights)
}

// buildLevels modularizes the graph once per configured resolution,
// finest first, so level 0 is the leaf partition of the hierarchy.
// Partitions below the configured minimum size are discarded, and a
// resolution whose partitions are all discarded produces no level.
func (d *Detector) buildLevels(orgID string, g *simple.WeightedUndirectedGraph, ids []string, names map[string]string) ([][]*record, error) {
	resolutions := append([]float64(nil), d.cfg.Resolutions...)
	sort.Float64s(resolutions)

	var levels [][]*record
	for i := len(resolutions) - 1; i >= 0; i-- {
		resolution := resolutions[i]
		groups := louvain.Modularize(g, resolution, nil).Communities()
		quality := louvain.Q(g, groups, resolution)

		level := len(levels)
		var recs []*record
		for _, group := range groups {
			if len(group) < d.cfg.MinCommunitySize {
				continue
			}
			members := make([]string, 0, len(group))
			for _, n := range group {
				members = append(members, ids[int(n.ID())])
			}
			sort.Strings(members)

			rec, err := newRecord(orgID, level, resolution, quality, members, names)
			if err != nil {
				return nil, err
			}
			recs = append(recs, rec)
		}
		if len(recs) == 0 {
			continue
		}
		sort.Slice(recs, func(a, b int) bool { return recs[a].ent.ID < recs[b].ent.ID })
		levels = append(levels, recs)
	}
	return levels, nil
}

// newRecord builds the community entity for one partition. The id is
// derived from the level and the member set, so an unchanged graph
// detects into identical ids run over run and cached summaries stay
// addressable.
func newRecord(orgID string, level int, resolution, modularity float64, members []string, names map[string]string) (*record, error) {
	concepts := keyConcepts(members, names)
	name := "unnamed cluster"
	if len(concepts) > 0 {
		head := concepts
		if len(head) > 3 {
			head = head[:3]
		}
		name = strings.Join(head, " / ")
	}

	e, err := entity.New(entity.TypeCommunity, orgID, name)
	if err != nil {
		return nil, err
	}
	e.ID = entity.NewID(entity.TypeCommunity, orgID, name,
		append([]string{strconv.Itoa(level)}, members...)...)
	e.Community = &entity.CommunityFields{
		MemberIDs:   members,
		Level:       level,
		Resolution:  resolution,
		Modularity:  modularity,
		KeyConcepts: concepts,
	}

	set := make(map[string]struct{}, len(members))
	for _, id := range members {
		set[id] = struct{}{}
	}
	return &record{ent: e, members: set}, nil
}

// linkLevels wires parent and child ids by member containment between
// adjacent levels. A community's parent is the next coarser community
// whose member set contains its own; discarded partitions can leave a
// community parentless.
func linkLevels(levels [][]*record) {
	for li := 0; li+1 < len(levels); li++ {
		for _, child := range levels[li] {
			for _, parent := range levels[li+1] {
				if !containsAll(parent.members, child.ent.Community.MemberIDs) {
					continue
				}
				child.ent.Community.ParentCommunityID = parent.ent.ID
				parent.ent.Community.ChildCommunityIDs =
					append(parent.ent.Community.ChildCommunityIDs, child.ent.ID)
				break
			}
		}
	}
}

func containsAll(set map[string]struct{}, members []string) bool {
	for _, id := range members {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}

// replace swaps the stored hierarchy for the detected one. Cached
// summaries of the outgoing communities are evicted first, then the
// old nodes are removed with their edges and the new levels written.
func (d *Detector) replace(ctx context.Context, orgID string, stale []string, levels [][]*record) (int, error) {
	if d.summaries != nil {
		for _, id := range stale {
			d.summaries.Remove(cache.CommunityKey(id))
		}
	}

	removed, err := d.graph.DeleteEntitiesByType(ctx, orgID, entity.TypeCommunity)
	if err != nil {
		return 0, err
	}

	for _, level := range levels {
		for _, rec := range level {
			if err := d.graph.UpsertEntity(ctx, rec.ent); err != nil {
				return removed, err
			}
			for _, member := range rec.ent.Community.MemberIDs {
				rel, err := entity.NewRelationship(entity.RelBelongsTo, member, rec.ent.ID, orgID)
				if err != nil {
					return removed, err
				}
				if err := d.graph.UpsertRelationship(ctx, rel); err != nil {
					return removed, err
				}
			}
		}
	}
	return removed, nil
}

// conceptStopwords are words too generic to describe a cluster with.
var conceptStopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true,
	"this": true, "that": true, "are": true, "can": true, "use": true,
	"using": true, "into": true, "about": true, "all": true, "new": true,
	"not": true, "has": true, "have": true, "will": true, "when": true,
	"how": true, "what": true,
}

// keyConcepts returns the most frequent tokens across the members'
// names, most frequent first with ties broken alphabetically.
func keyConcepts(members []string, names map[string]string) []string {
	counts := map[string]int{}
	for _, id := range members {
		for _, word := range strings.Fields(strings.ToLower(names[id])) {
			word = strings.Trim(word, ".,:;!?()[]{}\"'`#")
			if len(word) < 3 || conceptStopwords[word] {
				continue
			}
			counts[word]++
		}
	}

	type wordCount struct {
		word  string
		count int
	}
	ranked := make([]wordCount, 0, len(counts))
	for w, c := range counts {
		ranked = append(ranked, wordCount{word: w, count: c})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].word < ranked[j].word
	})

	concepts := make([]string, 0, maxKeyConcepts)
	for _, wc := range ranked {
		if len(concepts) == maxKeyConcepts {
			break
		}
		concepts = append(concepts, wc.word)
	}
	return concepts
}
