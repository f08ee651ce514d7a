package ingest

import (
	"context"
	"strings"
	"testing"

	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/crawler"
	"github.com/sibyldev/sibyl/pkg/docstore"
	"github.com/sibyldev/sibyl/pkg/entity"
	"github.com/sibyldev/sibyl/pkg/errs"
	"github.com/sibyldev/sibyl/pkg/graph"
	"github.com/sibyldev/sibyl/pkg/jobs"
)

const testOrg = "org_1"

type fakeDocStore struct {
	src      *docstore.CrawlSource
	existing map[string]bool
	conflict map[string]bool

	docs   []*docstore.CrawledDocument
	chunks map[string][]*docstore.DocumentChunk

	metaSet  bool
	metaTags []string
	metaCats []string
	metaFav  string
}

func (f *fakeDocStore) GetSource(_ context.Context, orgID, id string) (*docstore.CrawlSource, error) {
	if f.src == nil || f.src.ID != id || f.src.OrganizationID != orgID {
		return nil, errs.Newf(errs.NotFound, "docstore", "GetSource", "source %s not found", id)
	}
	return f.src, nil
}

func (f *fakeDocStore) GetDocumentByURL(_ context.Context, _, _, url string) (*docstore.CrawledDocument, error) {
	if f.existing[url] {
		return &docstore.CrawledDocument{URL: url}, nil
	}
	return nil, errs.New(errs.NotFound, "docstore", "GetDocumentByURL", "no document for url")
}

func (f *fakeDocStore) InsertDocument(_ context.Context, doc *docstore.CrawledDocument, chunks []*docstore.DocumentChunk) error {
	if f.conflict[doc.URL] {
		return errs.New(errs.Conflict, "docstore", "InsertDocument", "document already crawled")
	}
	f.docs = append(f.docs, doc)
	if f.chunks == nil {
		f.chunks = map[string][]*docstore.DocumentChunk{}
	}
	f.chunks[doc.ID] = chunks
	return nil
}

func (f *fakeDocStore) UpdateSourceMetadata(_ context.Context, _, _ string, tags, categories []string, faviconURL string) error {
	f.metaSet = true
	f.metaTags = tags
	f.metaCats = categories
	f.metaFav = faviconURL
	return nil
}

type fakeGraph struct {
	entities []*entity.Entity
	listErr  error

	upserted []*entity.Entity
	rels     []*entity.Relationship
}

func (f *fakeGraph) ListEntities(_ context.Context, _ string, _ graph.ListOptions) ([]*entity.Entity, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.entities, nil
}

func (f *fakeGraph) UpsertEntity(_ context.Context, e *entity.Entity) error {
	f.upserted = append(f.upserted, e)
	return nil
}

func (f *fakeGraph) UpsertRelationship(_ context.Context, rel *entity.Relationship) error {
	f.rels = append(f.rels, rel)
	return nil
}

type fakeEmbedder struct {
	calls int
	fail  bool
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.fail {
		return nil, errs.New(errs.UpstreamUnavailable, "embedders", "EmbedBatch", "provider down")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

type fakeEnumerator struct {
	results []crawler.Result
	favicon string

	crawled bool
	walked  bool
	lastReq crawler.Request
}

func (f *fakeEnumerator) stream() <-chan crawler.Result {
	ch := make(chan crawler.Result, len(f.results)+1)
	for _, r := range f.results {
		ch <- r
	}
	close(ch)
	return ch
}

func (f *fakeEnumerator) Crawl(_ context.Context, req crawler.Request) (<-chan crawler.Result, error) {
	f.crawled = true
	f.lastReq = req
	return f.stream(), nil
}

func (f *fakeEnumerator) Walk(_ context.Context, req crawler.Request) (<-chan crawler.Result, error) {
	f.walked = true
	f.lastReq = req
	return f.stream(), nil
}

func (f *fakeEnumerator) FetchFavicon(context.Context, string) string { return f.favicon }

func testSource() *docstore.CrawlSource {
	return &docstore.CrawlSource{
		ID:             "src_docs",
		OrganizationID: testOrg,
		Name:           "Docs",
		URL:            "https://docs.example.com",
		SourceType:     docstore.SourceWeb,
		CrawlDepth:     2,
		Status:         docstore.SourceCrawling,
	}
}

func pageResult(url, title, content string, headings ...string) crawler.Result {
	return crawler.Result{
		URL: url,
		Document: &crawler.Document{
			URL:       url,
			Title:     title,
			Content:   content,
			Headings:  headings,
			WordCount: len(strings.Fields(content)),
			Language:  "en",
		},
	}
}

func newTestPipeline(t *testing.T, cfg config.IngestionConfig, deps Deps) *Pipeline {
	t.Helper()
	p, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p
}

func TestPipeline_IngestSource(t *testing.T) {
	store := &fakeDocStore{src: testSource()}
	g := &fakeGraph{entities: []*entity.Entity{
		{ID: "pattern_bus", Type: entity.TypePattern, Name: "Event Bus", OrganizationID: testOrg},
	}}
	emb := &fakeEmbedder{}
	enum := &fakeEnumerator{
		favicon: "https://docs.example.com/favicon.ico",
		results: []crawler.Result{
			pageResult("https://docs.example.com/events", "Event Bus Guide",
				"# Event Bus\n\nThe event bus fans out messages to agent subscribers over redis streams.\n",
				"Event Bus"),
			{URL: "https://docs.example.com/broken", Err: errs.New(errs.UpstreamUnavailable, "crawler", "fetchPage", "status 500")},
			pageResult("https://docs.example.com/api", "API Reference",
				"Endpoints accept JSON over HTTP and return typed errors.\n"),
		},
	}

	p := newTestPipeline(t, config.IngestionConfig{LinkGraph: true},
		Deps{Docs: store, Graph: g, Embedder: emb, Web: enum, Local: enum})

	var reports []jobs.Progress
	stats, err := p.IngestSource(context.Background(), testOrg, "src_docs", func(pr jobs.Progress) {
		reports = append(reports, pr)
	})
	if err != nil {
		t.Fatalf("IngestSource failed: %v", err)
	}
	if stats.Documents != 2 || stats.Errors != 1 {
		t.Fatalf("stats = %+v, want 2 documents and 1 error", stats)
	}
	if stats.Chunks != 3 {
		t.Fatalf("stats.Chunks = %d, want 3", stats.Chunks)
	}
	if len(reports) == 0 || reports[len(reports)-1] != stats {
		t.Errorf("progress reports should end at the final counters, got %+v", reports)
	}
	if !enum.crawled || enum.walked {
		t.Error("web source should use the crawler, not the walker")
	}
	if enum.lastReq.MaxDepth != 2 || enum.lastReq.URL != "https://docs.example.com" {
		t.Errorf("crawl request = %+v", enum.lastReq)
	}

	if len(store.docs) != 2 {
		t.Fatalf("stored %d documents, want 2", len(store.docs))
	}
	eventsDoc := store.docs[0]
	if eventsDoc.URL != "https://docs.example.com/events" || eventsDoc.Title != "Event Bus Guide" {
		t.Fatalf("unexpected first document: %+v", eventsDoc)
	}
	if eventsDoc.ID != docstore.NewDocumentID("src_docs", eventsDoc.URL) {
		t.Errorf("document id = %s", eventsDoc.ID)
	}

	chunks := store.chunks[eventsDoc.ID]
	if len(chunks) != 2 {
		t.Fatalf("stored %d chunks for the events doc, want 2", len(chunks))
	}
	for i, ch := range chunks {
		if len(ch.Embedding) != 3 {
			t.Errorf("chunk %d embedding = %v", i, ch.Embedding)
		}
		if ch.TokenCount == 0 {
			t.Errorf("chunk %d has no token count", i)
		}
		if !ch.HasEntities || len(ch.EntityIDs) != 1 || ch.EntityIDs[0] != "pattern_bus" {
			t.Errorf("chunk %d entity refs = %v", i, ch.EntityIDs)
		}
		if ch.ID != docstore.ChunkID(eventsDoc.ID, i) {
			t.Errorf("chunk %d id = %s", i, ch.ID)
		}
	}
	wantCtx := "Document: Event Bus Guide | Section: Event Bus | Source: https://docs.example.com/events | Content type: text"
	if chunks[1].Context != wantCtx {
		t.Errorf("chunk context = %q\nwant %q", chunks[1].Context, wantCtx)
	}

	// The mentioned entity is linked through a document node.
	if len(g.upserted) != 1 {
		t.Fatalf("upserted %d document nodes, want 1", len(g.upserted))
	}
	node := g.upserted[0]
	if node.Type != entity.TypeDocument || node.Name != "Event Bus Guide" {
		t.Errorf("document node = %+v", node)
	}
	if node.Document == nil || node.Document.URL != eventsDoc.URL || node.Document.SourceID != "src_docs" {
		t.Errorf("document payload = %+v", node.Document)
	}
	if len(g.rels) != 1 || g.rels[0].Type != entity.RelDocumentedIn || g.rels[0].FromID != "pattern_bus" || g.rels[0].ToID != node.ID {
		t.Errorf("relationships = %+v", g.rels)
	}

	// Source metadata carries tags, categories, and the favicon.
	if !store.metaSet {
		t.Fatal("expected source metadata update")
	}
	if len(store.metaTags) != 2 || store.metaTags[0] != "bus" || store.metaTags[1] != "event" {
		t.Errorf("tags = %v", store.metaTags)
	}
	if len(store.metaCats) != 1 || store.metaCats[0] != "api-reference" {
		t.Errorf("categories = %v", store.metaCats)
	}
	if store.metaFav != "https://docs.example.com/favicon.ico" {
		t.Errorf("favicon = %q", store.metaFav)
	}
}

func TestPipeline_SkipsDuplicates(t *testing.T) {
	stored := "https://docs.example.com/stored"
	racing := "https://docs.example.com/racing"
	fresh := "https://docs.example.com/fresh"

	store := &fakeDocStore{
		src:      testSource(),
		existing: map[string]bool{stored: true},
		conflict: map[string]bool{racing: true},
	}
	enum := &fakeEnumerator{results: []crawler.Result{
		pageResult(fresh, "Fresh", "Fresh page body with some words.\n"),
		pageResult(fresh, "Fresh", "Fresh page body with some words.\n"),
		pageResult(stored, "Stored", "Already stored page body.\n"),
		pageResult(racing, "Racing", "Another worker stored this first.\n"),
	}}

	p := newTestPipeline(t, config.IngestionConfig{},
		Deps{Docs: store, Embedder: &fakeEmbedder{}, Web: enum, Local: enum})

	stats, err := p.IngestSource(context.Background(), testOrg, "src_docs", nil)
	if err != nil {
		t.Fatalf("IngestSource failed: %v", err)
	}
	if stats.Documents != 1 || stats.Errors != 0 {
		t.Fatalf("stats = %+v, want exactly one fresh document and no errors", stats)
	}
	if len(store.docs) != 1 || store.docs[0].URL != fresh {
		t.Fatalf("stored docs = %+v", store.docs)
	}
}

func TestPipeline_EmbeddingFailureKeepsChunks(t *testing.T) {
	store := &fakeDocStore{src: testSource()}
	emb := &fakeEmbedder{fail: true}
	enum := &fakeEnumerator{results: []crawler.Result{
		pageResult("https://docs.example.com/events", "Events", "Plain page body with several words.\n"),
	}}

	p := newTestPipeline(t, config.IngestionConfig{},
		Deps{Docs: store, Embedder: emb, Web: enum, Local: enum})

	stats, err := p.IngestSource(context.Background(), testOrg, "src_docs", nil)
	if err != nil {
		t.Fatalf("IngestSource failed: %v", err)
	}
	if stats.Documents != 1 || stats.Errors != 1 {
		t.Fatalf("stats = %+v, want the document stored and one soft error", stats)
	}
	if len(store.docs) != 1 {
		t.Fatalf("stored %d documents", len(store.docs))
	}
	for _, ch := range store.chunks[store.docs[0].ID] {
		if ch.Embedding != nil {
			t.Errorf("chunk %s should have no vector", ch.ID)
		}
	}
}

func TestPipeline_EmbeddingDisabled(t *testing.T) {
	off := false
	cfg := config.IngestionConfig{}
	cfg.Embedding.Enabled = &off

	store := &fakeDocStore{src: testSource()}
	emb := &fakeEmbedder{}
	enum := &fakeEnumerator{results: []crawler.Result{
		pageResult("https://docs.example.com/a", "A", "Body text for the page.\n"),
	}}

	p := newTestPipeline(t, cfg, Deps{Docs: store, Embedder: emb, Web: enum, Local: enum})
	if _, err := p.IngestSource(context.Background(), testOrg, "src_docs", nil); err != nil {
		t.Fatalf("IngestSource failed: %v", err)
	}
	if emb.calls != 0 {
		t.Errorf("embedder called %d times with embedding disabled", emb.calls)
	}
}

func TestPipeline_LocalSourceUsesWalker(t *testing.T) {
	src := testSource()
	src.SourceType = docstore.SourceLocal
	src.URL = "file:///srv/docs"

	store := &fakeDocStore{src: src}
	enum := &fakeEnumerator{
		favicon: "https://should.not/appear.ico",
		results: []crawler.Result{
			pageResult("file:///srv/docs/readme.md", "Readme", "# Readme\n\nLocal notes live here.\n", "Readme"),
		},
	}

	p := newTestPipeline(t, config.IngestionConfig{},
		Deps{Docs: store, Embedder: &fakeEmbedder{}, Web: enum, Local: enum})

	stats, err := p.IngestSource(context.Background(), testOrg, "src_docs", nil)
	if err != nil {
		t.Fatalf("IngestSource failed: %v", err)
	}
	if stats.Documents != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if !enum.walked || enum.crawled {
		t.Error("local source should use the walker, not the crawler")
	}
	if store.metaFav != "" {
		t.Errorf("local sources never get favicons, got %q", store.metaFav)
	}
}

func TestPipeline_SourceNotFound(t *testing.T) {
	p := newTestPipeline(t, config.IngestionConfig{},
		Deps{Docs: &fakeDocStore{}, Web: &fakeEnumerator{}, Local: &fakeEnumerator{}})

	_, err := p.IngestSource(context.Background(), testOrg, "src_missing", nil)
	if !errs.IsKind(err, errs.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestPipeline_CanceledContext(t *testing.T) {
	store := &fakeDocStore{src: testSource()}
	enum := &fakeEnumerator{results: []crawler.Result{
		pageResult("https://docs.example.com/a", "A", "Body text.\n"),
	}}
	p := newTestPipeline(t, config.IngestionConfig{},
		Deps{Docs: store, Web: enum, Local: enum})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.IngestSource(ctx, testOrg, "src_docs", nil); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if store.metaSet {
		t.Error("canceled runs must not rewrite source metadata")
	}
}

func TestPipeline_GraphIndexUnavailable(t *testing.T) {
	store := &fakeDocStore{src: testSource()}
	g := &fakeGraph{listErr: errs.New(errs.UpstreamUnavailable, "graph", "ListEntities", "neo4j down")}
	enum := &fakeEnumerator{results: []crawler.Result{
		pageResult("https://docs.example.com/a", "A", "Body mentioning the event bus pattern.\n"),
	}}

	p := newTestPipeline(t, config.IngestionConfig{LinkGraph: true},
		Deps{Docs: store, Graph: g, Embedder: &fakeEmbedder{}, Web: enum, Local: enum})

	stats, err := p.IngestSource(context.Background(), testOrg, "src_docs", nil)
	if err != nil {
		t.Fatalf("a dead graph must not fail the crawl: %v", err)
	}
	if stats.Documents != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(g.upserted) != 0 || len(g.rels) != 0 {
		t.Error("no linking expected when the entity index cannot load")
	}
}

func TestContainsWord(t *testing.T) {
	tests := []struct {
		haystack string
		needle   string
		want     bool
	}{
		{"the event bus is fast", "event bus", true},
		{"eventbusy is a word", "event bus", false},
		{"the eventbus type", "event", false},
		{"api-first design", "api", true},
		{"event bus", "event bus", true},
		{"prevent buses", "event bus", false},
	}
	for _, tt := range tests {
		if got := containsWord(tt.haystack, tt.needle); got != tt.want {
			t.Errorf("containsWord(%q, %q) = %v, want %v", tt.haystack, tt.needle, got, tt.want)
		}
	}
}

func TestEntityIndex(t *testing.T) {
	idx := buildEntityIndex([]*entity.Entity{
		{ID: "pattern_bus", Name: "Event Bus"},
		{ID: "pattern_worker", Name: "Event Bus Worker"},
		{ID: "rule_api", Name: "API"},
	})

	// Short names stay out of the index entirely.
	if len(idx.names) != 2 {
		t.Fatalf("indexed %d names, want 2", len(idx.names))
	}

	ids := idx.matches("The Event Bus Worker consumes from the event bus.", 5)
	if len(ids) != 2 || ids[0] != "pattern_worker" || ids[1] != "pattern_bus" {
		t.Errorf("matches = %v, want worker before bus", ids)
	}

	if ids := idx.matches("The Event Bus Worker consumes from the event bus.", 1); len(ids) != 1 {
		t.Errorf("cap ignored: %v", ids)
	}
	if ids := idx.matches("nothing relevant here", 5); ids != nil {
		t.Errorf("expected no matches, got %v", ids)
	}

	var nilIdx *entityIndex
	if ids := nilIdx.matches("event bus", 5); ids != nil {
		t.Errorf("nil index must match nothing, got %v", ids)
	}
}

func TestTagger(t *testing.T) {
	tg := newTagger()
	tg.observe(&crawler.Document{
		URL:      "https://docs.example.com/streams",
		Title:    "Streams Overview",
		Headings: []string{"Streams", "Consumer Groups"},
		HasCode:  true,
	})
	tg.observe(&crawler.Document{
		URL:      "https://docs.example.com/api/streams",
		Title:    "Streams API Reference",
		Headings: []string{"Streams"},
		HasCode:  true,
	})

	tags, cats := tg.finalize()
	if len(tags) == 0 || tags[0] != "streams" {
		t.Errorf("tags = %v, want streams first", tags)
	}
	for _, tag := range tags {
		if tag == "overview" {
			t.Errorf("stopword leaked into tags: %v", tags)
		}
	}

	wantCats := []string{"api-reference", "code-heavy"}
	if len(cats) != len(wantCats) || cats[0] != wantCats[0] || cats[1] != wantCats[1] {
		t.Errorf("categories = %v, want %v", cats, wantCats)
	}
}
