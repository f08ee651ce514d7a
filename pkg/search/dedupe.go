package search

import (
	"context"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/sibyldev/sibyl/pkg/entity"
	"github.com/sibyldev/sibyl/pkg/errs"
	"github.com/sibyldev/sibyl/pkg/graph"
)

// DuplicatePair is one candidate duplicate. SuggestedKeep names the
// entity with the longer name, first on ties.
type DuplicatePair struct {
	FirstID       string      `json:"first_id"`
	SecondID      string      `json:"second_id"`
	FirstName     string      `json:"first_name"`
	SecondName    string      `json:"second_name"`
	Similarity    float64     `json:"similarity"`
	Type          entity.Type `json:"entity_type"`
	SuggestedKeep string      `json:"suggested_keep"`
}

// dedupDefaultTypes are scanned when the caller gives no type filter.
// Agents, worktrees, communities, and documents are left out: their
// names are synthetic, so near-identical embeddings are expected.
var dedupDefaultTypes = []entity.Type{
	entity.TypePattern, entity.TypeRule, entity.TypeTemplate, entity.TypeTopic,
	entity.TypeConvention, entity.TypeEpisode, entity.TypeProject, entity.TypeEpic,
	entity.TypeTask, entity.TypeNote,
}

// dedupScanLimit caps how many entities of one type are compared.
const dedupScanLimit = 2000

// FindDuplicates scans entities of the given types for near-identical
// name embeddings; pairs are compared within one type only. The result
// is kept per tenant, so a later merge can evict pairs that reference
// the merged entities.
func (e *Engine) FindDuplicates(ctx context.Context, orgID string, types []entity.Type) ([]DuplicatePair, error) {
	const op = "FindDuplicates"

	if orgID == "" {
		return nil, errs.New(errs.TenantMissing, component, op, "organization id is required")
	}
	if len(types) == 0 {
		types = dedupDefaultTypes
	}

	var pairs []DuplicatePair
	for _, t := range types {
		ents, err := e.graph.ListEntities(ctx, orgID, graph.ListOptions{
			Types: []entity.Type{t},
			Limit: dedupScanLimit,
		})
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, e.duplicatesWithin(t, ents)...)
	}

	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].Similarity > pairs[j].Similarity })
	if len(pairs) > e.dedup.MaxPairs {
		pairs = pairs[:e.dedup.MaxPairs]
	}

	e.mu.Lock()
	e.pending[orgID] = pairs
	e.mu.Unlock()
	return pairs, nil
}

// PendingDuplicates returns the tenant's pairs from the last scan that
// have not been merged away.
func (e *Engine) PendingDuplicates(orgID string) []DuplicatePair {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]DuplicatePair(nil), e.pending[orgID]...)
}

// duplicatesWithin compares all embedded entities of one type by
// cosine similarity. Embeddings are L2-normalized into a matrix so a
// single multiplication yields every pairwise similarity.
func (e *Engine) duplicatesWithin(t entity.Type, ents []*entity.Entity) []DuplicatePair {
	embedded := make([]*entity.Entity, 0, len(ents))
	for _, ent := range ents {
		if len(ent.NameEmbedding) > 0 {
			embedded = append(embedded, ent)
		}
	}
	if len(embedded) < 2 {
		return nil
	}
	dim := len(embedded[0].NameEmbedding)

	rows := make([]*entity.Entity, 0, len(embedded))
	data := make([]float64, 0, len(embedded)*dim)
	for _, ent := range embedded {
		if len(ent.NameEmbedding) != dim {
			continue // stale vector from an older embedder
		}
		start := len(data)
		norm := 0.0
		for _, v := range ent.NameEmbedding {
			f := float64(v)
			norm += f * f
			data = append(data, f)
		}
		if norm == 0 {
			data = data[:start]
			continue
		}
		norm = math.Sqrt(norm)
		for i := start; i < len(data); i++ {
			data[i] /= norm
		}
		rows = append(rows, ent)
	}
	if len(rows) < 2 {
		return nil
	}

	a := mat.NewDense(len(rows), dim, data)
	var sim mat.Dense
	sim.Mul(a, a.T())

	var pairs []DuplicatePair
	for i := 0; i < len(rows); i++ {
		for j := i + 1; j < len(rows); j++ {
			s := sim.At(i, j)
			if s < e.dedup.SimilarityThreshold {
				continue
			}
			first, second := rows[i], rows[j]
			if e.dedup.JaccardEnabled() && nameJaccard(first.Name, second.Name) < e.dedup.NameJaccardMin {
				continue
			}
			pairs = append(pairs, DuplicatePair{
				FirstID:       first.ID,
				SecondID:      second.ID,
				FirstName:     first.Name,
				SecondName:    second.Name,
				Similarity:    s,
				Type:          t,
				SuggestedKeep: suggestKeep(first, second),
			})
		}
	}
	return pairs
}

// Merge folds removeID into keepID: every relationship touching the
// duplicate is redirected to the kept entity, metadata is optionally
// unioned with the kept entity winning conflicts, and the duplicate is
// deleted. Pending pairs referencing either entity are evicted.
func (e *Engine) Merge(ctx context.Context, orgID, keepID, removeID string, unionMetadata bool) error {
	const op = "Merge"

	if orgID == "" {
		return errs.New(errs.TenantMissing, component, op, "organization id is required")
	}
	if keepID == "" || removeID == "" {
		return errs.New(errs.ValidationError, component, op, "both entity ids are required")
	}
	if keepID == removeID {
		return errs.New(errs.ValidationError, component, op, "cannot merge an entity into itself")
	}

	keep, err := e.graph.GetEntity(ctx, orgID, keepID)
	if err != nil {
		return err
	}
	remove, err := e.graph.GetEntity(ctx, orgID, removeID)
	if err != nil {
		return err
	}

	rels, err := e.graph.Relationships(ctx, orgID, removeID)
	if err != nil {
		return err
	}
	for _, rel := range rels {
		redirected := *rel
		if redirected.FromID == removeID {
			redirected.FromID = keepID
		}
		if redirected.ToID == removeID {
			redirected.ToID = keepID
		}
		if redirected.FromID == redirected.ToID {
			continue // an edge between the pair would become a self-loop
		}
		if err := e.graph.UpsertRelationship(ctx, &redirected); err != nil {
			return err
		}
	}

	if unionMetadata && len(remove.Metadata) > 0 {
		merged := make(map[string]any, len(remove.Metadata)+len(keep.Metadata))
		for k, v := range remove.Metadata {
			merged[k] = v
		}
		for k, v := range keep.Metadata {
			merged[k] = v // the kept entity wins conflicts
		}
		keep.Metadata = merged
		keep.Touch()
		if err := e.graph.UpsertEntity(ctx, keep); err != nil {
			return err
		}
	}

	// DETACH DELETE drops the originals of the redirected edges along
	// with the node.
	if err := e.graph.DeleteEntity(ctx, orgID, removeID); err != nil {
		return err
	}

	if e.keywords != nil {
		if err := e.keywords.Delete(ctx, orgID, removeID); err != nil {
			e.log.Warn("keyword index delete failed", "entity_id", removeID, "error", err)
		}
	}
	if e.results != nil {
		prefix := "search:" + orgID + ":"
		e.results.RemoveMatching(func(key string) bool { return strings.HasPrefix(key, prefix) })
	}

	e.mu.Lock()
	kept := e.pending[orgID][:0]
	for _, p := range e.pending[orgID] {
		if p.FirstID == keepID || p.SecondID == keepID || p.FirstID == removeID || p.SecondID == removeID {
			continue
		}
		kept = append(kept, p)
	}
	e.pending[orgID] = kept
	e.mu.Unlock()

	e.log.Info("merged duplicate entity",
		"org_id", orgID, "keep_id", keepID, "remove_id", removeID, "redirected", len(rels))
	return nil
}

// suggestKeep prefers the longer, presumably more descriptive, name.
func suggestKeep(a, b *entity.Entity) string {
	if len(b.Name) > len(a.Name) {
		return b.ID
	}
	return a.ID
}

// nameJaccard is the token-set Jaccard overlap between two names.
func nameJaccard(a, b string) float64 {
	as := nameTokens(a)
	bs := nameTokens(b)
	if len(as) == 0 || len(bs) == 0 {
		return 0
	}
	inter := 0
	for tok := range as {
		if bs[tok] {
			inter++
		}
	}
	return float64(inter) / float64(len(as)+len(bs)-inter)
}

func nameTokens(name string) map[string]bool {
	tokens := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(name)) {
		if tok = strings.Trim(tok, wordCutset); tok != "" {
			tokens[tok] = true
		}
	}
	return tokens
}
