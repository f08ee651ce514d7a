package search

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sibyldev/sibyl/pkg/cache"
	"github.com/sibyldev/sibyl/pkg/docstore"
	"github.com/sibyldev/sibyl/pkg/entity"
	"github.com/sibyldev/sibyl/pkg/errs"
	"github.com/sibyldev/sibyl/pkg/graph"
)

// graphFetchMultiplier widens the graph-stream candidate pull per
// requested result, so fusion and in-process filters have headroom.
const graphFetchMultiplier = 3

// Search merges a fused graph stream and a cosine-ranked document
// stream into one ranked page. An empty query degenerates to a
// filtered listing.
func (e *Engine) Search(ctx context.Context, orgID string, q Query) ([]Result, error) {
	const op = "Search"

	if orgID == "" {
		return nil, errs.New(errs.TenantMissing, component, op, "organization id is required")
	}
	if q.Limit <= 0 {
		q.Limit = e.cfg.DefaultLimit
	}
	if q.Limit > e.cfg.MaxLimit {
		q.Limit = e.cfg.MaxLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	text := strings.TrimSpace(q.Text)
	if text == "" {
		return e.filteredList(ctx, orgID, q)
	}

	key := e.cacheKey(orgID, text, q)
	if e.results != nil {
		if cached, ok := e.results.Get(key); ok {
			if page, ok := cached.([]Result); ok {
				return page, nil
			}
		}
	}

	embedding, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	graphHits, err := e.graphStream(ctx, orgID, text, embedding, q)
	if err != nil {
		return nil, err
	}
	docHits, err := e.documentStream(ctx, orgID, embedding, q)
	if err != nil {
		return nil, err
	}

	page := paginate(mergeStreams(graphHits, docHits), q.Offset, q.Limit)
	if e.results != nil {
		e.results.Set(key, page)
	}
	return page, nil
}

// graphStream retrieves entities through the vector, traversal, and
// keyword lists and fuses them into scored candidates.
func (e *Engine) graphStream(ctx context.Context, orgID, text string, embedding []float32, q Query) ([]Result, error) {
	fetchK := (q.Limit + q.Offset) * graphFetchMultiplier
	types := q.Filters.Types
	if len(types) == 0 {
		types = e.defaultTypes
	}

	vecHits, err := e.graph.VectorSearchTypes(ctx, orgID, types, embedding, fetchK)
	if err != nil {
		return nil, err
	}
	// Per-type batches arrive concatenated; restore one global order.
	sort.SliceStable(vecHits, func(i, j int) bool { return vecHits[i].Score > vecHits[j].Score })

	entities := make(map[string]*entity.Entity, len(vecHits))
	vectorIDs := make([]string, 0, len(vecHits))
	for _, hit := range vecHits {
		if _, ok := entities[hit.Entity.ID]; ok {
			continue
		}
		entities[hit.Entity.ID] = hit.Entity
		vectorIDs = append(vectorIDs, hit.Entity.ID)
	}

	lists := []rankedList{{name: listVector, weight: e.cfg.Weights.Vector, ids: vectorIDs}}

	if e.cfg.TraversalOn() && len(vectorIDs) > 0 {
		seeds := vectorIDs
		if len(seeds) > e.cfg.TraversalSeeds {
			seeds = seeds[:e.cfg.TraversalSeeds]
		}
		neighbors, err := e.graph.Neighbors(ctx, orgID, seeds, e.cfg.TraversalDepth, fetchK)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(neighbors))
		for _, nb := range neighbors {
			if _, ok := entities[nb.ID]; !ok {
				entities[nb.ID] = nb
			}
			ids = append(ids, nb.ID)
		}
		lists = append(lists, rankedList{name: listTraversal, weight: e.cfg.Weights.Traversal, ids: ids})
	}

	if e.cfg.KeywordOn() && e.keywords != nil {
		kwHits, err := e.keywords.Search(ctx, orgID, text, fetchK)
		if err != nil {
			e.log.Warn("keyword index unavailable, fusing without it", "error", err)
		} else if len(kwHits) > 0 {
			ids := make([]string, 0, len(kwHits))
			for _, hit := range kwHits {
				ids = append(ids, hit.EntityID)
			}
			lists = append(lists, rankedList{name: listKeyword, weight: e.cfg.Weights.Keyword, ids: ids})
		}
	}

	fused := fuse(e.cfg.RRFK, lists)
	if len(fused) == 0 {
		return nil, nil
	}

	// Keyword hits can reference entities the vector pass never loaded.
	var missing []string
	for id := range fused {
		if _, ok := entities[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		loaded, err := e.graph.GetEntities(ctx, orgID, missing)
		if err != nil {
			return nil, err
		}
		for _, ent := range loaded {
			entities[ent.ID] = ent
		}
	}

	// Fused scores live on a reciprocal-rank scale while the document
	// stream scores on cosine similarity. Dividing by the top fused
	// score puts both streams on a unit scale before the merge.
	var top float64
	for _, fs := range fused {
		if fs.score > top {
			top = fs.score
		}
	}

	now := time.Now()
	results := make([]Result, 0, len(fused))
	for id, fs := range fused {
		ent, ok := entities[id]
		if !ok {
			continue // index entry outlived its entity
		}
		if !q.Filters.match(ent) {
			continue
		}
		score := fs.score / top
		if e.cfg.RecencyOn() {
			score *= recencyBoost(now.Sub(ent.CreatedAt), e.cfg.DecayDays)
		}
		results = append(results, Result{
			ID:      ent.ID,
			Type:    ent.Type,
			Name:    ent.Name,
			Content: graphContent(ent, q.IncludeContent),
			Score:   score,
			Origin:  OriginGraph,
			Trace:   fs.trace,
			Entity:  ent,
		})
	}
	return results, nil
}

// documentStream retrieves the best chunk per document by cosine
// similarity against the chunk index.
func (e *Engine) documentStream(ctx context.Context, orgID string, embedding []float32, q Query) ([]Result, error) {
	if !e.cfg.DocumentsOn() {
		return nil, nil
	}

	hits, err := e.docs.SearchChunks(ctx, orgID, embedding, q.Limit*e.cfg.DocChunkMultiplier)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}
	// The embedded-index dialects hydrate rows in storage order.
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })

	best := make(map[string]docstore.ChunkHit, len(hits))
	order := make([]string, 0, len(hits))
	for _, hit := range hits {
		docID := hit.Chunk.DocumentID
		if _, ok := best[docID]; ok {
			continue
		}
		best[docID] = hit
		order = append(order, docID)
	}

	docs, err := e.docs.GetDocuments(ctx, orgID, order)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*docstore.CrawledDocument, len(docs))
	for _, doc := range docs {
		byID[doc.ID] = doc
	}

	maxChars := e.cfg.DocSnippetChars
	if q.IncludeContent {
		maxChars = e.cfg.DocContentChars
	}

	results := make([]Result, 0, len(order))
	for _, docID := range order {
		doc := byID[docID]
		if doc == nil {
			continue // chunk outlived its document row
		}
		if strings.HasPrefix(doc.URL, "file://") {
			continue
		}
		hit := best[docID]
		content := truncateChars(hit.Chunk.Content, maxChars)
		if len(hit.Chunk.HeadingPath) > 0 {
			content = strings.Join(hit.Chunk.HeadingPath, " > ") + "\n\n" + content
		}
		name := doc.Title
		if name == "" {
			name = doc.URL
		}
		results = append(results, Result{
			ID:      doc.ID,
			Type:    entity.TypeDocument,
			Name:    name,
			Content: content,
			Score:   hit.Similarity,
			Origin:  OriginDocument,
			URL:     doc.URL,
		})
	}
	return results, nil
}

// filteredList serves empty-query searches: a recency-ordered listing
// narrowed by whatever filters were given.
func (e *Engine) filteredList(ctx context.Context, orgID string, q Query) ([]Result, error) {
	types := q.Filters.Types
	if len(types) == 0 {
		types = e.defaultTypes
	}

	ents, err := e.graph.ListEntities(ctx, orgID, listOptions(types, q))
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(ents))
	for _, ent := range ents {
		if !q.Filters.match(ent) {
			continue
		}
		results = append(results, Result{
			ID:      ent.ID,
			Type:    ent.Type,
			Name:    ent.Name,
			Content: graphContent(ent, q.IncludeContent),
			Origin:  OriginGraph,
			Entity:  ent,
		})
	}
	return paginate(results, q.Offset, q.Limit), nil
}

func listOptions(types []entity.Type, q Query) graph.ListOptions {
	return graph.ListOptions{
		Types:    types,
		Statuses: q.Filters.Statuses,
		Limit:    (q.Limit + q.Offset) * graphFetchMultiplier,
	}
}

// graphContent picks what a graph result shows: the full body when the
// caller asked for content, otherwise the short description.
func graphContent(ent *entity.Entity, includeContent bool) string {
	if includeContent && ent.Content != "" {
		return ent.Content
	}
	return ent.Description
}

// truncateChars cuts text to at most max characters, never splitting a
// rune.
func truncateChars(text string, max int) string {
	if max <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max])
}

// mergeStreams concatenates both streams, keeps the best score per id,
// and orders by score descending with ids breaking ties.
func mergeStreams(graphHits, docHits []Result) []Result {
	merged := make([]Result, 0, len(graphHits)+len(docHits))
	index := make(map[string]int, len(graphHits)+len(docHits))
	for _, stream := range [][]Result{graphHits, docHits} {
		for _, r := range stream {
			if i, ok := index[r.ID]; ok {
				if r.Score > merged[i].Score {
					merged[i] = r
				}
				continue
			}
			index[r.ID] = len(merged)
			merged = append(merged, r)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].ID < merged[j].ID
	})
	return merged
}

func paginate(results []Result, offset, limit int) []Result {
	if offset >= len(results) {
		return nil
	}
	end := offset + limit
	if end > len(results) {
		end = len(results)
	}
	return results[offset:end]
}

// cacheKey folds the full query tuple into the key, so two searches
// share an entry only when every knob matches. A nil project set and
// an empty one hash differently because they filter differently.
func (e *Engine) cacheKey(orgID, text string, q Query) string {
	f := q.Filters
	projects := "*"
	if f.Projects != nil {
		projects = strings.Join(f.Projects, ",")
	}
	since := ""
	if !f.Since.IsZero() {
		since = f.Since.UTC().Format(time.RFC3339)
	}
	types := make([]string, len(f.Types))
	for i, t := range f.Types {
		types[i] = string(t)
	}
	return cache.SearchKey(orgID, text,
		strconv.Itoa(q.Limit),
		strconv.Itoa(q.Offset),
		strconv.FormatBool(q.IncludeContent),
		strings.Join(types, ","),
		strings.Join(f.Languages, ","),
		f.Category,
		strings.Join(f.Statuses, ","),
		projects,
		f.Assignee,
		since,
	)
}
