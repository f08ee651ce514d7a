// Package ingest turns registered crawl sources into stored, embedded,
// graph-linked document chunks. It enumerates pages through the
// crawler, chunks and embeds them, writes each document atomically to
// the document store, and records DOCUMENTED_IN edges for knowledge
// entities mentioned in the text.
package ingest

import (
	"context"
	"log/slog"
	"strings"

	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/crawler"
	"github.com/sibyldev/sibyl/pkg/docstore"
	"github.com/sibyldev/sibyl/pkg/entity"
	"github.com/sibyldev/sibyl/pkg/errs"
	"github.com/sibyldev/sibyl/pkg/graph"
	"github.com/sibyldev/sibyl/pkg/jobs"
)

const component = "ingest"

// DocumentStore is the slice of the document store the pipeline
// touches.
type DocumentStore interface {
	GetSource(ctx context.Context, orgID, id string) (*docstore.CrawlSource, error)
	GetDocumentByURL(ctx context.Context, orgID, sourceID, url string) (*docstore.CrawledDocument, error)
	InsertDocument(ctx context.Context, doc *docstore.CrawledDocument, chunks []*docstore.DocumentChunk) error
	UpdateSourceMetadata(ctx context.Context, orgID, id string, tags, categories []string, faviconURL string) error
}

// GraphStore is the slice of the graph client the pipeline touches.
type GraphStore interface {
	ListEntities(ctx context.Context, orgID string, opts graph.ListOptions) ([]*entity.Entity, error)
	UpsertEntity(ctx context.Context, e *entity.Entity) error
	UpsertRelationship(ctx context.Context, rel *entity.Relationship) error
}

// Embedder produces dense vectors for chunk text.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// WebCrawler enumerates pages of a web source.
type WebCrawler interface {
	Crawl(ctx context.Context, req crawler.Request) (<-chan crawler.Result, error)
	FetchFavicon(ctx context.Context, pageURL string) string
}

// LocalWalker enumerates files of a local source.
type LocalWalker interface {
	Walk(ctx context.Context, req crawler.Request) (<-chan crawler.Result, error)
}

// Deps carries the pipeline's collaborators. Docs is required; a nil
// Graph disables entity linking and a nil Embedder stores chunks
// without vectors. Web and Local default to the real crawler.
type Deps struct {
	Docs     DocumentStore
	Graph    GraphStore
	Embedder Embedder
	Web      WebCrawler
	Local    LocalWalker
}

// Pipeline ingests one source at a time: enumerate, parse, chunk,
// embed, store, link, tag.
type Pipeline struct {
	cfg      config.IngestionConfig
	docs     DocumentStore
	graph    GraphStore
	embedder Embedder
	web      WebCrawler
	local    LocalWalker
	chunker  Chunker
	tokens   TokenCounter
	log      *slog.Logger
}

var _ jobs.SourceIngestor = (*Pipeline)(nil)

func New(cfg config.IngestionConfig, deps Deps) (*Pipeline, error) {
	const op = "New"

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.ValidationError, component, op, err)
	}
	if deps.Docs == nil {
		return nil, errs.New(errs.ValidationError, component, op, "document store is required")
	}

	chunker, err := NewChunker(cfg.Chunker)
	if err != nil {
		return nil, err
	}

	web := deps.Web
	if web == nil {
		web = crawler.New(cfg.Crawler)
	}
	local := deps.Local
	if local == nil {
		local = crawler.NewWalker(cfg.Crawler)
	}

	return &Pipeline{
		cfg:      cfg,
		docs:     deps.Docs,
		graph:    deps.Graph,
		embedder: deps.Embedder,
		web:      web,
		local:    local,
		chunker:  chunker,
		tokens:   NewTokenCounter(cfg.Chunker),
		log:      slog.With("component", component),
	}, nil
}

// IngestSource crawls one source and indexes everything it yields. The
// report callback fires with cumulative counters as pages land; page
// and embedding failures raise the error counter without stopping the
// run. The returned error is reserved for failures that invalidate the
// whole crawl.
func (p *Pipeline) IngestSource(ctx context.Context, orgID, sourceID string, report func(jobs.Progress)) (jobs.Progress, error) {
	var stats jobs.Progress
	if report == nil {
		report = func(jobs.Progress) {}
	}

	src, err := p.docs.GetSource(ctx, orgID, sourceID)
	if err != nil {
		return stats, err
	}

	req := crawler.Request{
		URL:             src.URL,
		MaxPages:        p.cfg.Crawler.MaxPages,
		MaxDepth:        src.CrawlDepth,
		IncludePatterns: src.IncludePatterns,
		ExcludePatterns: src.ExcludePatterns,
	}
	var results <-chan crawler.Result
	switch src.SourceType {
	case docstore.SourceLocal:
		results, err = p.local.Walk(ctx, req)
	default:
		results, err = p.web.Crawl(ctx, req)
	}
	if err != nil {
		return stats, err
	}

	idx := p.loadEntityIndex(ctx, orgID)
	tags := newTagger()
	seen := map[string]bool{}

	for result := range results {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if result.Err != nil {
			stats.Errors++
			report(stats)
			continue
		}

		doc := result.Document
		if seen[doc.URL] {
			continue
		}
		seen[doc.URL] = true
		tags.observe(doc)

		chunks, softErrs, err := p.processDocument(ctx, src, doc, idx)
		stats.Errors += softErrs
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			p.log.Warn("document failed",
				"org_id", orgID,
				"source_id", sourceID,
				"url", doc.URL,
				"error", err)
			stats.Errors++
			report(stats)
			continue
		}
		if chunks > 0 {
			stats.Documents++
			stats.Chunks += chunks
		}
		report(stats)
	}
	if err := ctx.Err(); err != nil {
		return stats, err
	}

	p.tagSource(ctx, src, tags)
	return stats, nil
}

// processDocument chunks, embeds, stores, and links one document. It
// returns the number of chunks stored and the count of soft failures
// (embedding batches that fell back to vectorless storage). Documents
// already stored under the same url are skipped quietly.
func (p *Pipeline) processDocument(ctx context.Context, src *docstore.CrawlSource, doc *crawler.Document, idx *entityIndex) (int, int, error) {
	if _, err := p.docs.GetDocumentByURL(ctx, src.OrganizationID, src.ID, doc.URL); err == nil {
		p.log.Debug("document already stored, skipping", "url", doc.URL)
		return 0, 0, nil
	} else if !errs.IsKind(err, errs.NotFound) {
		return 0, 0, err
	}

	pieces, err := p.chunker.Chunk(doc.Content)
	if err != nil {
		return 0, 0, err
	}
	if len(pieces) == 0 {
		p.log.Debug("document produced no chunks", "url", doc.URL)
		return 0, 0, nil
	}

	record := &docstore.CrawledDocument{
		ID:             docstore.NewDocumentID(src.ID, doc.URL),
		SourceID:       src.ID,
		OrganizationID: src.OrganizationID,
		URL:            doc.URL,
		Title:          doc.Title,
		Content:        doc.Content,
		Headings:       doc.Headings,
		SectionPath:    doc.SectionPath,
		WordCount:      doc.WordCount,
		HasCode:        doc.HasCode,
		Language:       doc.Language,
	}

	chunks := make([]*docstore.DocumentChunk, 0, len(pieces))
	for _, piece := range pieces {
		ch := &docstore.DocumentChunk{
			ID:             docstore.ChunkID(record.ID, piece.Index),
			DocumentID:     record.ID,
			OrganizationID: src.OrganizationID,
			ChunkIndex:     piece.Index,
			ChunkType:      piece.Type,
			Content:        piece.Content,
			TokenCount:     p.tokens.Count(piece.Content),
			StartChar:      piece.StartChar,
			EndChar:        piece.EndChar,
			HeadingPath:    piece.HeadingPath,
			Language:       piece.Language,
			IsComplete:     piece.IsComplete,
		}
		if p.cfg.Chunker.PrefixEnabled() {
			ch.Context = contextPrefix(doc, piece)
		}
		if ids := idx.matches(piece.Content, maxEntityRefsPerChunk); len(ids) > 0 {
			ch.HasEntities = true
			ch.EntityIDs = ids
		}
		chunks = append(chunks, ch)
	}

	softErrs := 0
	if p.embedder != nil && p.cfg.Embedding.IsEnabled() {
		softErrs = p.embedChunks(ctx, chunks)
	}

	if err := p.docs.InsertDocument(ctx, record, chunks); err != nil {
		// Another worker got the url first.
		if errs.IsKind(err, errs.Conflict) {
			p.log.Debug("document already stored, skipping", "url", doc.URL)
			return 0, 0, nil
		}
		return 0, softErrs, err
	}

	if idx != nil {
		p.linkDocument(ctx, src.OrganizationID, record, chunks)
	}
	return len(chunks), softErrs, nil
}

// embedChunks embeds chunk text in configured batches. A failed batch
// leaves its chunks without vectors and counts one soft error; the
// remaining batches still run. Chunks with a contextual prefix are
// embedded together with it.
func (p *Pipeline) embedChunks(ctx context.Context, chunks []*docstore.DocumentChunk) int {
	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		if ch.Context != "" {
			texts[i] = ch.Context + "\n\n" + ch.Content
		} else {
			texts[i] = ch.Content
		}
	}

	failures := 0
	batch := p.cfg.Embedding.BatchSize
	for start := 0; start < len(texts); start += batch {
		end := min(start+batch, len(texts))
		vectors, err := p.embedder.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			p.log.Warn("embedding batch failed, storing chunks without vectors",
				"chunks", end-start,
				"error", err)
			failures++
			continue
		}
		for i, vec := range vectors {
			chunks[start+i].Embedding = vec
		}
	}
	return failures
}

// tagSource derives tags and categories from the run's titles and
// headings and fetches a favicon for web sources that lack one. Runs
// that saw no documents leave the existing metadata alone.
func (p *Pipeline) tagSource(ctx context.Context, src *docstore.CrawlSource, t *tagger) {
	if t.docs == 0 {
		return
	}
	tags, categories := t.finalize()

	favicon := src.FaviconURL
	if favicon == "" && src.SourceType == docstore.SourceWeb {
		favicon = p.web.FetchFavicon(ctx, src.URL)
	}

	if err := p.docs.UpdateSourceMetadata(ctx, src.OrganizationID, src.ID, tags, categories, favicon); err != nil {
		p.log.Warn("source metadata update failed", "source_id", src.ID, "error", err)
	}
}

// contextPrefix renders the contextual-retrieval header stored and
// embedded alongside a chunk.
func contextPrefix(doc *crawler.Document, piece Chunk) string {
	parts := make([]string, 0, 4)
	if doc.Title != "" {
		parts = append(parts, "Document: "+doc.Title)
	}
	if len(piece.HeadingPath) > 0 {
		parts = append(parts, "Section: "+strings.Join(piece.HeadingPath, " > "))
	}
	parts = append(parts, "Source: "+doc.URL)
	parts = append(parts, "Content type: "+string(piece.Type))
	return strings.Join(parts, " | ")
}
