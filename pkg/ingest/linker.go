package ingest

import (
	"context"
	"sort"
	"strings"

	"github.com/sibyldev/sibyl/pkg/docstore"
	"github.com/sibyldev/sibyl/pkg/entity"
	"github.com/sibyldev/sibyl/pkg/graph"
)

const (
	// maxEntityRefsPerChunk caps how many entity references one chunk
	// carries into the graph.
	maxEntityRefsPerChunk = 5

	// minEntityNameLen keeps short generic names ("api", "the") out of
	// the mention scan.
	minEntityNameLen = 4

	// entityIndexLimit bounds how much of the knowledge graph is loaded
	// for mention scanning in a single run.
	entityIndexLimit = 5000
)

// entityIndex resolves knowledge entity names mentioned in chunk text.
type entityIndex struct {
	names []indexedName
}

type indexedName struct {
	name string
	id   string
}

// loadEntityIndex pulls the tenant's knowledge entities once per run.
// A failed load disables linking for the run rather than failing it.
func (p *Pipeline) loadEntityIndex(ctx context.Context, orgID string) *entityIndex {
	if p.graph == nil || !p.cfg.LinkGraph {
		return nil
	}
	entities, err := p.graph.ListEntities(ctx, orgID, graph.ListOptions{
		Types: entity.KnowledgeTypes,
		Limit: entityIndexLimit,
	})
	if err != nil {
		p.log.Warn("entity index unavailable, skipping graph linking",
			"org_id", orgID,
			"error", err)
		return nil
	}
	return buildEntityIndex(entities)
}

func buildEntityIndex(entities []*entity.Entity) *entityIndex {
	idx := &entityIndex{}
	for _, e := range entities {
		name := strings.ToLower(strings.TrimSpace(e.Name))
		if len(name) < minEntityNameLen {
			continue
		}
		idx.names = append(idx.names, indexedName{name: name, id: e.ID})
	}
	// Longer names first so "event bus worker" is found before "event
	// bus" exhausts the per-chunk budget.
	sort.Slice(idx.names, func(i, j int) bool {
		if len(idx.names[i].name) != len(idx.names[j].name) {
			return len(idx.names[i].name) > len(idx.names[j].name)
		}
		return idx.names[i].name < idx.names[j].name
	})
	return idx
}

// matches returns ids of entities whose names appear in text on word
// boundaries, at most max of them.
func (idx *entityIndex) matches(text string, max int) []string {
	if idx == nil || len(idx.names) == 0 {
		return nil
	}
	lower := strings.ToLower(text)
	var ids []string
	for _, n := range idx.names {
		if len(ids) >= max {
			break
		}
		if containsWord(lower, n.name) {
			ids = append(ids, n.id)
		}
	}
	return ids
}

// containsWord reports whether needle occurs in haystack bounded by
// non-word bytes on both sides.
func containsWord(haystack, needle string) bool {
	for from := 0; ; {
		i := strings.Index(haystack[from:], needle)
		if i < 0 {
			return false
		}
		i += from
		before := i == 0 || !isWordByte(haystack[i-1])
		after := i+len(needle) >= len(haystack) || !isWordByte(haystack[i+len(needle)])
		if before && after {
			return true
		}
		from = i + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' ||
		(b >= 'a' && b <= 'z') ||
		(b >= 'A' && b <= 'Z') ||
		(b >= '0' && b <= '9')
}

// linkDocument writes the document node and DOCUMENTED_IN edges for
// every entity referenced by the stored chunks. Graph failures are
// logged and the crawl moves on; the references survive on the chunks
// and a later link_graph job can replay them.
func (p *Pipeline) linkDocument(ctx context.Context, orgID string, doc *docstore.CrawledDocument, chunks []*docstore.DocumentChunk) {
	seen := map[string]bool{}
	var entityIDs []string
	for _, ch := range chunks {
		for _, id := range ch.EntityIDs {
			if !seen[id] {
				seen[id] = true
				entityIDs = append(entityIDs, id)
			}
		}
	}
	if len(entityIDs) == 0 {
		return
	}

	// Keyed by URL so recrawls land on the same node.
	docEnt, err := entity.New(entity.TypeDocument, orgID, doc.URL)
	if err != nil {
		p.log.Warn("document node rejected", "url", doc.URL, "error", err)
		return
	}
	if doc.Title != "" {
		docEnt.Name = doc.Title
	}
	docEnt.Document.URL = doc.URL
	docEnt.Document.Title = doc.Title
	docEnt.Document.SourceID = doc.SourceID
	if err := p.graph.UpsertEntity(ctx, docEnt); err != nil {
		p.log.Warn("document node upsert failed", "url", doc.URL, "error", err)
		return
	}

	for _, entityID := range entityIDs {
		rel, err := entity.NewRelationship(entity.RelDocumentedIn, entityID, docEnt.ID, orgID)
		if err != nil {
			p.log.Warn("documented_in edge rejected", "entity_id", entityID, "error", err)
			continue
		}
		if err := p.graph.UpsertRelationship(ctx, rel); err != nil {
			p.log.Warn("documented_in edge upsert failed", "entity_id", entityID, "error", err)
		}
	}
}
