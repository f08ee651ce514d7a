package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"goa.design/pulse/pool"

	"github.com/sibyldev/sibyl/pkg/community"
	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/docstore"
	"github.com/sibyldev/sibyl/pkg/entity"
	"github.com/sibyldev/sibyl/pkg/errs"
	"github.com/sibyldev/sibyl/pkg/events"
)

const testOrg = "org-test"

type fakeGraph struct {
	mu       sync.Mutex
	entities map[string]*entity.Entity
	rels     []*entity.Relationship
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{entities: make(map[string]*entity.Entity)}
}

func (g *fakeGraph) UpsertEntity(_ context.Context, e *entity.Entity) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	clone := *e
	g.entities[e.ID] = &clone
	return nil
}

func (g *fakeGraph) GetEntity(_ context.Context, orgID, id string) (*entity.Entity, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entities[id]
	if !ok || e.OrganizationID != orgID {
		return nil, errs.Newf(errs.NotFound, "graph", "GetEntity", "entity not found: %s", id)
	}
	clone := *e
	return &clone, nil
}

func (g *fakeGraph) UpsertRelationship(_ context.Context, rel *entity.Relationship) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rels = append(g.rels, rel)
	return nil
}

type statusChange struct {
	sourceID  string
	status    docstore.SourceStatus
	lastError string
}

type fakeDocs struct {
	mu            sync.Mutex
	sources       map[string]*docstore.CrawlSource
	docs          map[string]*docstore.CrawledDocument
	docCounts     map[string]int
	chunkCounts   map[string]int
	statusChanges []statusChange

	getFailures  int
	countFailing map[string]bool
	listBlock    chan struct{}
	getCalls     int
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{
		sources:      make(map[string]*docstore.CrawlSource),
		docs:         make(map[string]*docstore.CrawledDocument),
		docCounts:    make(map[string]int),
		chunkCounts:  make(map[string]int),
		countFailing: make(map[string]bool),
	}
}

func (d *fakeDocs) GetSource(ctx context.Context, orgID, id string) (*docstore.CrawlSource, error) {
	d.mu.Lock()
	d.getCalls++
	fail := d.getFailures > 0
	if fail {
		d.getFailures--
	}
	src, ok := d.sources[id]
	d.mu.Unlock()

	if fail {
		return nil, errs.New(errs.UpstreamUnavailable, "docstore", "GetSource", "connection refused")
	}
	if !ok || src.OrganizationID != orgID {
		return nil, errs.Newf(errs.NotFound, "docstore", "GetSource", "source not found: %s", id)
	}
	clone := *src
	return &clone, nil
}

func (d *fakeDocs) ListSources(ctx context.Context, orgID string) ([]*docstore.CrawlSource, error) {
	if d.listBlock != nil {
		select {
		case <-ctx.Done():
			return nil, errs.Wrap(errs.Timeout, "docstore", "ListSources", ctx.Err())
		case <-d.listBlock:
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*docstore.CrawlSource
	for _, src := range d.sources {
		if src.OrganizationID == orgID {
			clone := *src
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (d *fakeDocs) ListOrganizations(context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	seen := make(map[string]bool)
	var orgs []string
	for _, src := range d.sources {
		if !seen[src.OrganizationID] {
			seen[src.OrganizationID] = true
			orgs = append(orgs, src.OrganizationID)
		}
	}
	return orgs, nil
}

func (d *fakeDocs) UpdateSource(_ context.Context, src *docstore.CrawlSource) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	stored, ok := d.sources[src.ID]
	if !ok {
		return errs.Newf(errs.NotFound, "docstore", "UpdateSource", "source not found: %s", src.ID)
	}
	clone := *src
	clone.Status = stored.Status
	d.sources[src.ID] = &clone
	return nil
}

func (d *fakeDocs) UpdateSourceStatus(_ context.Context, orgID, id string, status docstore.SourceStatus, lastError string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	src, ok := d.sources[id]
	if !ok || src.OrganizationID != orgID {
		return errs.Newf(errs.NotFound, "docstore", "UpdateSourceStatus", "source not found: %s", id)
	}
	src.Status = status
	src.LastError = lastError
	d.statusChanges = append(d.statusChanges, statusChange{sourceID: id, status: status, lastError: lastError})
	return nil
}

func (d *fakeDocs) IncrementSourceCounts(_ context.Context, orgID, id string, documents, chunks int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	src, ok := d.sources[id]
	if !ok || src.OrganizationID != orgID {
		return errs.Newf(errs.NotFound, "docstore", "IncrementSourceCounts", "source not found: %s", id)
	}
	src.DocumentCount += documents
	src.ChunkCount += chunks
	return nil
}

func (d *fakeDocs) CountDocuments(_ context.Context, orgID, sourceID string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.countFailing[sourceID] {
		return 0, errs.New(errs.UpstreamUnavailable, "docstore", "CountDocuments", "connection refused")
	}
	return d.docCounts[sourceID], nil
}

func (d *fakeDocs) CountChunksBySource(_ context.Context, orgID, sourceID string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.chunkCounts[sourceID], nil
}

func (d *fakeDocs) GetDocument(_ context.Context, orgID, id string) (*docstore.CrawledDocument, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc, ok := d.docs[id]
	if !ok || doc.OrganizationID != orgID {
		return nil, errs.Newf(errs.NotFound, "docstore", "GetDocument", "document not found: %s", id)
	}
	clone := *doc
	return &clone, nil
}

func (d *fakeDocs) source(id string) docstore.CrawlSource {
	d.mu.Lock()
	defer d.mu.Unlock()
	return *d.sources[id]
}

type fakePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *fakePublisher) TryPublish(_ context.Context, ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *fakePublisher) ofType(t events.Type) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fakeProgress struct {
	mu sync.Mutex
	m  map[string]string
}

func newFakeProgress() *fakeProgress {
	return &fakeProgress{m: make(map[string]string)}
}

func (p *fakeProgress) Set(_ context.Context, key, value string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.m[key]
	p.m[key] = value
	return prev, nil
}

func (p *fakeProgress) Get(key string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.m[key]
	return v, ok
}

func (p *fakeProgress) Delete(_ context.Context, key string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.m[key]
	delete(p.m, key)
	return prev, nil
}

func (p *fakeProgress) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.m))
	for k := range p.m {
		keys = append(keys, k)
	}
	return keys
}

type fakeCache struct {
	mu          sync.Mutex
	put         []string
	invalidated []string
}

func (c *fakeCache) PutEntity(e *entity.Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put = append(c.put, e.ID)
}

func (c *fakeCache) InvalidateEntity(entityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, entityID)
}

type fakeIngestor struct {
	reports []Progress
	final   Progress
	err     error
}

func (i *fakeIngestor) IngestSource(ctx context.Context, orgID, sourceID string, report func(Progress)) (Progress, error) {
	for _, p := range i.reports {
		report(p)
	}
	return i.final, i.err
}

type fakeDetector struct {
	mu   sync.Mutex
	orgs []string
	res  *community.Result
	err  error
}

func (d *fakeDetector) Detect(_ context.Context, orgID string) (*community.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.orgs = append(d.orgs, orgID)
	if d.err != nil {
		return nil, d.err
	}
	return d.res, nil
}

type fakeNode struct {
	mu      sync.Mutex
	stopped []string
}

func (n *fakeNode) StopJob(_ context.Context, key string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopped = append(n.stopped, key)
	return nil
}

func (n *fakeNode) Close(context.Context) error { return nil }

func (n *fakeNode) stoppedKeys() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.stopped...)
}

type fakeDispatcher struct {
	mu       sync.Mutex
	keys     []string
	payloads [][]byte
	err      error
}

func (d *fakeDispatcher) DispatchJob(_ context.Context, key string, payload []byte) error {
	if d.err != nil {
		return d.err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys = append(d.keys, key)
	d.payloads = append(d.payloads, payload)
	return nil
}

func (d *fakeDispatcher) Close(context.Context) error { return nil }

func newTestWorker(t *testing.T, deps Deps) (*Worker, *fakeNode) {
	t.Helper()
	cfg := config.JobsConfig{}
	cfg.SetDefaults()
	cfg.MaxAttempts = 3
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	cfg.ProgressEvery = 2

	runCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	node := &fakeNode{}
	w := &Worker{
		cfg:     cfg,
		deps:    deps,
		log:     slog.With("component", component),
		node:    node,
		runCtx:  runCtx,
		cancel:  cancel,
		running: make(map[string]context.CancelFunc),
	}
	return w, node
}

func testSourceRecord(id string, status docstore.SourceStatus) *docstore.CrawlSource {
	now := time.Now().UTC()
	return &docstore.CrawlSource{
		ID:             id,
		OrganizationID: testOrg,
		Name:           "docs",
		URL:            "https://docs.example.com",
		SourceType:     docstore.SourceWeb,
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestJobEnvelope(t *testing.T) {
	job, err := NewCrawlSourceJob(testOrg, "src_1234")
	if err != nil {
		t.Fatalf("NewCrawlSourceJob failed: %v", err)
	}
	if job.ID == "" || job.ID[:4] != "job_" {
		t.Errorf("expected job_ prefixed id, got %q", job.ID)
	}
	if job.Type != TypeCrawlSource {
		t.Errorf("expected type %q, got %q", TypeCrawlSource, job.Type)
	}
	if job.EnqueuedAt.IsZero() {
		t.Error("expected EnqueuedAt to be stamped")
	}

	payload, err := encodeJob(job)
	if err != nil {
		t.Fatalf("encodeJob failed: %v", err)
	}
	decoded, err := decodeJob(payload)
	if err != nil {
		t.Fatalf("decodeJob failed: %v", err)
	}
	if decoded.ID != job.ID || decoded.Type != job.Type || decoded.OrganizationID != testOrg {
		t.Errorf("round trip mismatch: %+v", decoded)
	}

	var args CrawlSourceArgs
	if err := decoded.DecodeArgs(&args); err != nil {
		t.Fatalf("DecodeArgs failed: %v", err)
	}
	if args.SourceID != "src_1234" {
		t.Errorf("expected source id src_1234, got %q", args.SourceID)
	}
}

func TestJobEnvelope_Validation(t *testing.T) {
	tests := []struct {
		name string
		make func() (*Job, error)
		kind errs.Kind
	}{
		{
			name: "missing tenant",
			make: func() (*Job, error) { return NewCrawlSourceJob("", "src_1") },
			kind: errs.TenantMissing,
		},
		{
			name: "missing source id",
			make: func() (*Job, error) { return NewCrawlSourceJob(testOrg, "") },
			kind: errs.ValidationError,
		},
		{
			name: "missing entity",
			make: func() (*Job, error) { return NewCreateEntityJob(testOrg, CreateEntityArgs{}) },
			kind: errs.ValidationError,
		},
		{
			name: "missing task id",
			make: func() (*Job, error) {
				return NewCreateLearningEpisodeJob(testOrg, CreateLearningEpisodeArgs{Title: "x"})
			},
			kind: errs.ValidationError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.make()
			if !errs.IsKind(err, tt.kind) {
				t.Errorf("expected %v, got %v", tt.kind, err)
			}
		})
	}
}

func TestDecodeJob_Rejects(t *testing.T) {
	if _, err := decodeJob([]byte(`{"id":"job_x","type":"explode","organization_id":"o"}`)); !errs.IsKind(err, errs.ValidationError) {
		t.Errorf("expected ValidationError for unknown type, got %v", err)
	}
	if _, err := decodeJob([]byte(`{"id":"job_x","type":"sync_all"}`)); !errs.IsKind(err, errs.TenantMissing) {
		t.Errorf("expected TenantMissing, got %v", err)
	}
	if _, err := decodeJob([]byte(`not json`)); !errs.IsKind(err, errs.ValidationError) {
		t.Errorf("expected ValidationError for bad json, got %v", err)
	}
}

func TestQueue_Enqueue(t *testing.T) {
	disp := &fakeDispatcher{}
	cfg := config.JobsConfig{}
	cfg.SetDefaults()
	q := &Queue{cfg: cfg, node: disp, log: slog.With("component", component)}

	job, err := NewSyncSourceJob(testOrg, "src_1")
	if err != nil {
		t.Fatalf("NewSyncSourceJob failed: %v", err)
	}
	id, err := q.Enqueue(context.Background(), job)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if id != job.ID {
		t.Errorf("expected returned id %q, got %q", job.ID, id)
	}
	if len(disp.keys) != 1 || disp.keys[0] != job.ID {
		t.Fatalf("expected dispatch keyed by job id, got %v", disp.keys)
	}
	decoded, err := decodeJob(disp.payloads[0])
	if err != nil {
		t.Fatalf("dispatched payload does not decode: %v", err)
	}
	if decoded.Type != TypeSyncSource {
		t.Errorf("expected sync_source payload, got %q", decoded.Type)
	}

	if _, err := q.Enqueue(context.Background(), nil); !errs.IsKind(err, errs.ValidationError) {
		t.Errorf("expected ValidationError for nil job, got %v", err)
	}

	disp.err = fmt.Errorf("pool gone")
	if _, err := q.Enqueue(context.Background(), job); !errs.IsKind(err, errs.UpstreamUnavailable) {
		t.Errorf("expected UpstreamUnavailable, got %v", err)
	}
}

func TestWorker_RetriesTransientFailures(t *testing.T) {
	docs := newFakeDocs()
	docs.sources["src_1"] = testSourceRecord("src_1", docstore.SourceCompleted)
	docs.docCounts["src_1"] = 4
	docs.chunkCounts["src_1"] = 20
	docs.getFailures = 2

	pub := &fakePublisher{}
	w, node := newTestWorker(t, Deps{
		Graph:    newFakeGraph(),
		Docs:     docs,
		Events:   pub,
		Progress: newFakeProgress(),
	})

	job, _ := NewSyncSourceJob(testOrg, "src_1")
	w.wg.Add(1)
	w.run(context.Background(), job.ID, job)

	if docs.getCalls != 3 {
		t.Errorf("expected 3 attempts, got %d", docs.getCalls)
	}
	src := docs.source("src_1")
	if src.DocumentCount != 4 || src.ChunkCount != 20 {
		t.Errorf("expected reconciled counts 4/20, got %d/%d", src.DocumentCount, src.ChunkCount)
	}
	if stopped := node.stoppedKeys(); len(stopped) != 1 || stopped[0] != job.ID {
		t.Errorf("expected job removed from pool once, got %v", stopped)
	}
}

func TestWorker_PermanentFailureNotRetried(t *testing.T) {
	docs := newFakeDocs()
	pub := &fakePublisher{}
	w, node := newTestWorker(t, Deps{
		Graph:    newFakeGraph(),
		Docs:     docs,
		Events:   pub,
		Progress: newFakeProgress(),
	})

	job, _ := NewSyncSourceJob(testOrg, "src_missing")
	w.wg.Add(1)
	w.run(context.Background(), job.ID, job)

	if docs.getCalls != 1 {
		t.Errorf("expected a single attempt for NotFound, got %d", docs.getCalls)
	}
	if stopped := node.stoppedKeys(); len(stopped) != 1 {
		t.Errorf("expected finished job removed from pool, got %v", stopped)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		kind errs.Kind
		want bool
	}{
		{errs.Timeout, true},
		{errs.UpstreamUnavailable, true},
		{errs.LockTimeout, true},
		{errs.Unknown, true},
		{errs.ValidationError, false},
		{errs.NotFound, false},
		{errs.Conflict, false},
		{errs.TenantMissing, false},
		{errs.InvalidTransition, false},
	}
	for _, tt := range tests {
		err := errs.New(tt.kind, "x", "y", "z")
		if got := retryable(err); got != tt.want {
			t.Errorf("retryable(%v) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestWorker_CrawlSource(t *testing.T) {
	docs := newFakeDocs()
	docs.sources["src_1"] = testSourceRecord("src_1", docstore.SourcePending)

	pub := &fakePublisher{}
	prog := newFakeProgress()
	ing := &fakeIngestor{
		reports: []Progress{
			{Documents: 1, Chunks: 5},
			{Documents: 2, Chunks: 9},
			{Documents: 3, Chunks: 12, Errors: 1},
		},
		final: Progress{Documents: 3, Chunks: 12, Errors: 1},
	}
	w, _ := newTestWorker(t, Deps{
		Graph:    newFakeGraph(),
		Docs:     docs,
		Events:   pub,
		Progress: prog,
		Ingestor: ing,
	})

	job, _ := NewCrawlSourceJob(testOrg, "src_1")
	if err := w.dispatch(context.Background(), job); err != nil {
		t.Fatalf("crawl_source failed: %v", err)
	}

	src := docs.source("src_1")
	if src.Status != docstore.SourceCompleted {
		t.Errorf("expected completed, got %q", src.Status)
	}
	if src.DocumentCount != 3 || src.ChunkCount != 12 {
		t.Errorf("expected counts 3/12, got %d/%d", src.DocumentCount, src.ChunkCount)
	}

	if got := pub.ofType(events.TypeCrawlStarted); len(got) != 1 {
		t.Fatalf("expected one crawl_started, got %d", len(got))
	}
	progressEvents := pub.ofType(events.TypeCrawlProgress)
	if len(progressEvents) == 0 {
		t.Fatal("expected crawl_progress events")
	}
	completed := pub.ofType(events.TypeCrawlComplete)
	if len(completed) != 1 {
		t.Fatalf("expected one crawl_complete, got %d", len(completed))
	}
	if success, _ := completed[0].Payload["success"].(bool); !success {
		t.Errorf("expected success payload, got %v", completed[0].Payload)
	}

	if keys := prog.Keys(); len(keys) != 0 {
		t.Errorf("expected progress map cleared, still holds %v", keys)
	}
}

func TestWorker_CrawlSourceFailure(t *testing.T) {
	docs := newFakeDocs()
	docs.sources["src_1"] = testSourceRecord("src_1", docstore.SourcePending)

	pub := &fakePublisher{}
	ing := &fakeIngestor{
		final: Progress{Documents: 1, Chunks: 2, Errors: 3},
		err:   errs.New(errs.UpstreamUnavailable, "crawler", "fetch", "host unreachable"),
	}
	w, _ := newTestWorker(t, Deps{
		Graph:    newFakeGraph(),
		Docs:     docs,
		Events:   pub,
		Progress: newFakeProgress(),
		Ingestor: ing,
	})

	job, _ := NewCrawlSourceJob(testOrg, "src_1")
	err := w.dispatch(context.Background(), job)
	if !errs.IsKind(err, errs.UpstreamUnavailable) {
		t.Fatalf("expected the ingest error back, got %v", err)
	}

	src := docs.source("src_1")
	if src.Status != docstore.SourceFailed {
		t.Errorf("expected failed status, got %q", src.Status)
	}
	if src.LastError == "" {
		t.Error("expected last_error recorded")
	}

	completed := pub.ofType(events.TypeCrawlComplete)
	if len(completed) != 1 {
		t.Fatalf("expected one crawl_complete, got %d", len(completed))
	}
	if success, _ := completed[0].Payload["success"].(bool); success {
		t.Error("expected failure payload")
	}
	if _, ok := completed[0].Payload["error"]; !ok {
		t.Error("expected error payload on failed crawl")
	}
}

func TestWorker_SyncSourceTransitions(t *testing.T) {
	tests := []struct {
		name       string
		status     docstore.SourceStatus
		docs       int
		activeJSON string
		want       docstore.SourceStatus
	}{
		{name: "crawling with documents completes", status: docstore.SourceCrawling, docs: 5, want: docstore.SourceCompleted},
		{name: "syncing with nothing crawled resets", status: docstore.SourceSyncing, docs: 0, want: docstore.SourcePending},
		{name: "active crawl left alone", status: docstore.SourceCrawling, docs: 5,
			activeJSON: fmt.Sprintf(`{"documents":5,"chunks":9,"errors":0,"updated_at":%d}`, time.Now().Unix()),
			want:       docstore.SourceCrawling},
		{name: "stale progress entry ignored", status: docstore.SourceCrawling, docs: 5,
			activeJSON: fmt.Sprintf(`{"documents":5,"chunks":9,"errors":0,"updated_at":%d}`, time.Now().Add(-time.Hour).Unix()),
			want:       docstore.SourceCompleted},
		{name: "completed source untouched", status: docstore.SourceCompleted, docs: 5, want: docstore.SourceCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs := newFakeDocs()
			docs.sources["src_1"] = testSourceRecord("src_1", tt.status)
			docs.docCounts["src_1"] = tt.docs
			docs.chunkCounts["src_1"] = tt.docs * 2

			prog := newFakeProgress()
			if tt.activeJSON != "" {
				prog.m["src_1"] = tt.activeJSON
			}

			pub := &fakePublisher{}
			w, _ := newTestWorker(t, Deps{
				Graph:    newFakeGraph(),
				Docs:     docs,
				Events:   pub,
				Progress: prog,
			})

			job, _ := NewSyncSourceJob(testOrg, "src_1")
			if err := w.dispatch(context.Background(), job); err != nil {
				t.Fatalf("sync_source failed: %v", err)
			}

			src := docs.source("src_1")
			if src.Status != tt.want {
				t.Errorf("expected status %q, got %q", tt.want, src.Status)
			}
			if src.DocumentCount != tt.docs {
				t.Errorf("expected document count %d, got %d", tt.docs, src.DocumentCount)
			}

			synced := pub.ofType(events.TypeCrawlSyncComplete)
			if len(synced) != 1 {
				t.Fatalf("expected one crawl_sync_complete, got %d", len(synced))
			}
			if tt.want != tt.status {
				if synced[0].Payload["status_to"] != string(tt.want) {
					t.Errorf("expected status_to %q in payload, got %v", tt.want, synced[0].Payload)
				}
			}
		})
	}
}

func TestWorker_SyncAll(t *testing.T) {
	docs := newFakeDocs()
	docs.sources["src_ok"] = testSourceRecord("src_ok", docstore.SourceCrawling)
	docs.docCounts["src_ok"] = 2
	docs.sources["src_bad"] = testSourceRecord("src_bad", docstore.SourceCompleted)
	docs.countFailing["src_bad"] = true

	pub := &fakePublisher{}
	w, _ := newTestWorker(t, Deps{
		Graph:    newFakeGraph(),
		Docs:     docs,
		Events:   pub,
		Progress: newFakeProgress(),
	})

	err := w.handleSyncAll(context.Background(), testOrg)
	if err == nil {
		t.Fatal("expected an error when one source fails to sync")
	}
	if !retryable(err) {
		t.Errorf("expected a retryable aggregate error, got %v", err)
	}

	if src := docs.source("src_ok"); src.Status != docstore.SourceCompleted {
		t.Errorf("expected healthy source reconciled to completed, got %q", src.Status)
	}
}

func TestWorker_CreateEntity(t *testing.T) {
	graph := newFakeGraph()
	pub := &fakePublisher{}
	cache := &fakeCache{}
	w, _ := newTestWorker(t, Deps{
		Graph:    graph,
		Docs:     newFakeDocs(),
		Events:   pub,
		Cache:    cache,
		Progress: newFakeProgress(),
	})

	proj, err := entity.New(entity.TypeProject, testOrg, "Payments")
	if err != nil {
		t.Fatalf("entity.New failed: %v", err)
	}
	job, err := NewCreateEntityJob(testOrg, CreateEntityArgs{Entity: proj})
	if err != nil {
		t.Fatalf("NewCreateEntityJob failed: %v", err)
	}
	if err := w.dispatch(context.Background(), job); err != nil {
		t.Fatalf("create_entity failed: %v", err)
	}

	wantID := entity.NewID(entity.TypeProject, testOrg, "Payments")
	stored, ok := graph.entities[wantID]
	if !ok {
		t.Fatalf("expected entity stored under %s, have %v", wantID, graph.entities)
	}
	if stored.Name != "Payments" {
		t.Errorf("expected stored name Payments, got %q", stored.Name)
	}

	if len(cache.invalidated) != 1 || len(cache.put) != 1 {
		t.Errorf("expected cache refresh, got invalidated=%v put=%v", cache.invalidated, cache.put)
	}
	created := pub.ofType(events.TypeEntityCreated)
	if len(created) != 1 {
		t.Fatalf("expected one entity_created, got %d", len(created))
	}
	if created[0].Payload["entity_type"] != "project" {
		t.Errorf("unexpected event payload %v", created[0].Payload)
	}
}

func TestWorker_CreateEntity_TenantMismatch(t *testing.T) {
	w, _ := newTestWorker(t, Deps{
		Graph:    newFakeGraph(),
		Docs:     newFakeDocs(),
		Events:   &fakePublisher{},
		Progress: newFakeProgress(),
	})

	proj, _ := entity.New(entity.TypeProject, "org-other", "Payments")
	args, _ := json.Marshal(CreateEntityArgs{Entity: proj})
	job := &Job{ID: "job_x", Type: TypeCreateEntity, OrganizationID: testOrg, Args: args}

	err := w.dispatch(context.Background(), job)
	if !errs.IsKind(err, errs.ValidationError) {
		t.Errorf("expected ValidationError for tenant mismatch, got %v", err)
	}
}

func TestWorker_UpdateEntity(t *testing.T) {
	graph := newFakeGraph()
	proj, _ := entity.New(entity.TypeProject, testOrg, "Payments")
	graph.entities[proj.ID] = proj

	pub := &fakePublisher{}
	cache := &fakeCache{}
	w, _ := newTestWorker(t, Deps{
		Graph:    graph,
		Docs:     newFakeDocs(),
		Events:   pub,
		Cache:    cache,
		Progress: newFakeProgress(),
	})

	job, err := NewUpdateEntityJob(testOrg, UpdateEntityArgs{
		EntityID: proj.ID,
		Fields: map[string]any{
			"description": "Payment rails",
			"priority":    "high",
		},
	})
	if err != nil {
		t.Fatalf("NewUpdateEntityJob failed: %v", err)
	}
	if err := w.dispatch(context.Background(), job); err != nil {
		t.Fatalf("update_entity failed: %v", err)
	}

	stored := graph.entities[proj.ID]
	if stored.Description != "Payment rails" {
		t.Errorf("expected description updated, got %q", stored.Description)
	}
	if stored.Metadata["priority"] != "high" {
		t.Errorf("expected unknown field in metadata, got %v", stored.Metadata)
	}

	updated := pub.ofType(events.TypeEntityUpdated)
	if len(updated) != 1 {
		t.Fatalf("expected one entity_updated, got %d", len(updated))
	}
	fieldsAny, ok := updated[0].Payload["changed_fields"].([]string)
	if !ok {
		t.Fatalf("expected changed_fields in payload, got %v", updated[0].Payload)
	}
	if len(fieldsAny) != 2 || fieldsAny[0] != "description" || fieldsAny[1] != "priority" {
		t.Errorf("expected sorted changed fields, got %v", fieldsAny)
	}
}

func TestWorker_UpdateEntity_RejectsStatus(t *testing.T) {
	graph := newFakeGraph()
	proj, _ := entity.New(entity.TypeProject, testOrg, "Payments")
	graph.entities[proj.ID] = proj

	w, _ := newTestWorker(t, Deps{
		Graph:    graph,
		Docs:     newFakeDocs(),
		Events:   &fakePublisher{},
		Progress: newFakeProgress(),
	})

	job, _ := NewUpdateEntityJob(testOrg, UpdateEntityArgs{
		EntityID: proj.ID,
		Fields:   map[string]any{"status": "completed"},
	})
	err := w.dispatch(context.Background(), job)
	if !errs.IsKind(err, errs.InvalidTransition) {
		t.Errorf("expected InvalidTransition, got %v", err)
	}
}

func TestWorker_CreateLearningEpisode(t *testing.T) {
	graph := newFakeGraph()
	task, _ := entity.New(entity.TypeTask, testOrg, "Wire the webhook")
	task.ProjectID = "project_abc"
	graph.entities[task.ID] = task

	pub := &fakePublisher{}
	w, _ := newTestWorker(t, Deps{
		Graph:    graph,
		Docs:     newFakeDocs(),
		Events:   pub,
		Cache:    &fakeCache{},
		Progress: newFakeProgress(),
	})

	job, err := NewCreateLearningEpisodeJob(testOrg, CreateLearningEpisodeArgs{
		TaskID:    task.ID,
		Title:     "Webhook retries need jitter",
		Content:   "Fixed thundering herd by adding jitter to retry delays.",
		Learnings: []string{"add jitter to retries"},
	})
	if err != nil {
		t.Fatalf("NewCreateLearningEpisodeJob failed: %v", err)
	}
	if err := w.dispatch(context.Background(), job); err != nil {
		t.Fatalf("create_learning_episode failed: %v", err)
	}

	epID := entity.NewID(entity.TypeEpisode, testOrg, "Webhook retries need jitter")
	ep, ok := graph.entities[epID]
	if !ok {
		t.Fatalf("expected episode stored under %s", epID)
	}
	if ep.Episode == nil || ep.Episode.EpisodeType != entity.EpisodeLearning {
		t.Errorf("expected learning episode, got %+v", ep.Episode)
	}

	if len(graph.rels) != 1 {
		t.Fatalf("expected one relationship, got %d", len(graph.rels))
	}
	rel := graph.rels[0]
	if rel.Type != entity.RelDerivedFrom || rel.FromID != epID || rel.ToID != task.ID {
		t.Errorf("expected episode DERIVED_FROM task, got %+v", rel)
	}

	created := pub.ofType(events.TypeEntityCreated)
	if len(created) != 1 || created[0].Payload["derived_from"] != task.ID {
		t.Errorf("expected entity_created with derived_from, got %v", created)
	}
}

func TestWorker_CreateLearningEpisode_TaskMissing(t *testing.T) {
	w, _ := newTestWorker(t, Deps{
		Graph:    newFakeGraph(),
		Docs:     newFakeDocs(),
		Events:   &fakePublisher{},
		Progress: newFakeProgress(),
	})

	job, _ := NewCreateLearningEpisodeJob(testOrg, CreateLearningEpisodeArgs{
		TaskID: "task_missing", Title: "x", Content: "y",
	})
	err := w.dispatch(context.Background(), job)
	if !errs.IsKind(err, errs.NotFound) {
		t.Errorf("expected NotFound for missing task, got %v", err)
	}
}

func TestWorker_LinkGraph(t *testing.T) {
	graph := newFakeGraph()
	docs := newFakeDocs()
	docs.docs["doc_1"] = &docstore.CrawledDocument{
		ID:             "doc_1",
		SourceID:       "src_1",
		OrganizationID: testOrg,
		URL:            "https://docs.example.com/webhooks",
		Title:          "Webhooks",
	}

	w, _ := newTestWorker(t, Deps{
		Graph:    graph,
		Docs:     docs,
		Events:   &fakePublisher{},
		Progress: newFakeProgress(),
	})

	job, err := NewLinkGraphJob(testOrg, LinkGraphArgs{
		DocumentID: "doc_1",
		EntityIDs:  []string{"pattern_aa", "rule_bb"},
	})
	if err != nil {
		t.Fatalf("NewLinkGraphJob failed: %v", err)
	}
	if err := w.dispatch(context.Background(), job); err != nil {
		t.Fatalf("link_graph failed: %v", err)
	}

	docEntID := entity.NewID(entity.TypeDocument, testOrg, "https://docs.example.com/webhooks")
	docEnt, ok := graph.entities[docEntID]
	if !ok {
		t.Fatalf("expected document node stored under %s", docEntID)
	}
	if docEnt.Name != "Webhooks" || docEnt.Document.SourceID != "src_1" {
		t.Errorf("unexpected document node %+v", docEnt)
	}

	if len(graph.rels) != 2 {
		t.Fatalf("expected two relationships, got %d", len(graph.rels))
	}
	for _, rel := range graph.rels {
		if rel.Type != entity.RelDocumentedIn || rel.ToID != docEntID {
			t.Errorf("expected DOCUMENTED_IN into %s, got %+v", docEntID, rel)
		}
	}

	// A second run lands on the same node and stays idempotent.
	if err := w.dispatch(context.Background(), job); err != nil {
		t.Fatalf("second link_graph failed: %v", err)
	}
	if _, ok := graph.entities[docEntID]; !ok {
		t.Error("expected document node to survive relink")
	}
}

func TestWorker_DetectCommunities(t *testing.T) {
	det := &fakeDetector{res: &community.Result{Nodes: 40, Edges: 95, Levels: 3, Communities: 12, Removed: 9}}
	pub := &fakePublisher{}
	w, _ := newTestWorker(t, Deps{
		Graph:       newFakeGraph(),
		Docs:        newFakeDocs(),
		Events:      pub,
		Progress:    newFakeProgress(),
		Communities: det,
	})

	job, err := NewDetectCommunitiesJob(testOrg)
	if err != nil {
		t.Fatalf("NewDetectCommunitiesJob failed: %v", err)
	}
	if job.Type != TypeDetectCommunities || len(job.Args) != 0 {
		t.Fatalf("unexpected envelope %+v", job)
	}
	if err := w.dispatch(context.Background(), job); err != nil {
		t.Fatalf("detect_communities failed: %v", err)
	}

	if len(det.orgs) != 1 || det.orgs[0] != testOrg {
		t.Errorf("expected one detection pass for %s, got %v", testOrg, det.orgs)
	}
	done := pub.ofType(events.TypeCommunitiesDetected)
	if len(done) != 1 {
		t.Fatalf("expected one communities_detected, got %d", len(done))
	}
	if done[0].Payload["communities"] != 12 || done[0].Payload["levels"] != 3 || done[0].Payload["removed"] != 9 {
		t.Errorf("unexpected payload %v", done[0].Payload)
	}
}

func TestWorker_DetectCommunities_NoDetector(t *testing.T) {
	w, _ := newTestWorker(t, Deps{
		Graph:    newFakeGraph(),
		Docs:     newFakeDocs(),
		Events:   &fakePublisher{},
		Progress: newFakeProgress(),
	})

	job, _ := NewDetectCommunitiesJob(testOrg)
	err := w.dispatch(context.Background(), job)
	if !errs.IsKind(err, errs.ValidationError) {
		t.Errorf("expected ValidationError without a detector, got %v", err)
	}
	if retryable(err) {
		t.Error("a missing detector should not be retried")
	}
}

func TestWorker_DetectCommunities_Failure(t *testing.T) {
	det := &fakeDetector{err: errs.New(errs.UpstreamUnavailable, "community", "Detect", "graph unreachable")}
	pub := &fakePublisher{}
	w, _ := newTestWorker(t, Deps{
		Graph:       newFakeGraph(),
		Docs:        newFakeDocs(),
		Events:      pub,
		Progress:    newFakeProgress(),
		Communities: det,
	})

	job, _ := NewDetectCommunitiesJob(testOrg)
	err := w.dispatch(context.Background(), job)
	if !errs.IsKind(err, errs.UpstreamUnavailable) {
		t.Fatalf("expected the detection error back, got %v", err)
	}
	if got := pub.ofType(events.TypeCommunitiesDetected); len(got) != 0 {
		t.Errorf("expected no completion event on failure, got %d", len(got))
	}
}

func TestWorker_StartAndStop(t *testing.T) {
	docs := newFakeDocs()
	docs.sources["src_1"] = testSourceRecord("src_1", docstore.SourceCompleted)
	docs.docCounts["src_1"] = 1

	w, node := newTestWorker(t, Deps{
		Graph:    newFakeGraph(),
		Docs:     docs,
		Events:   &fakePublisher{},
		Progress: newFakeProgress(),
	})

	job, _ := NewSyncSourceJob(testOrg, "src_1")
	payload, _ := encodeJob(job)

	if err := w.Start(&pool.Job{Key: job.ID, Payload: payload}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, func() bool { return len(node.stoppedKeys()) == 1 }, "job completion")

	w.mu.Lock()
	active := len(w.running)
	w.mu.Unlock()
	if active != 0 {
		t.Errorf("expected running map drained, have %d", active)
	}

	if err := w.Start(&pool.Job{Key: "job_bad", Payload: []byte("not json")}); err == nil {
		t.Error("expected Start to reject a malformed payload")
	}
}

func TestWorker_StopCancelsRunningJob(t *testing.T) {
	docs := newFakeDocs()
	docs.sources["src_1"] = testSourceRecord("src_1", docstore.SourceCompleted)
	docs.listBlock = make(chan struct{})

	w, node := newTestWorker(t, Deps{
		Graph:    newFakeGraph(),
		Docs:     docs,
		Events:   &fakePublisher{},
		Progress: newFakeProgress(),
	})

	job, _ := NewSyncAllJob(testOrg)
	payload, _ := encodeJob(job)
	if err := w.Start(&pool.Job{Key: job.ID, Payload: payload}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		_, ok := w.running[job.ID]
		return ok
	}, "job to start")

	if err := w.Stop(job.ID); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	waitFor(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return len(w.running) == 0
	}, "job to unwind")

	// A reclaimed job stays in the pool for redelivery elsewhere.
	if stopped := node.stoppedKeys(); len(stopped) != 0 {
		t.Errorf("expected no StopJob call for a reclaimed job, got %v", stopped)
	}
}

func TestApplyEntityFields(t *testing.T) {
	e, _ := entity.New(entity.TypeNote, testOrg, "scratch")
	e.Note.TaskID = "task_x"

	changed, err := applyEntityFields(e, map[string]any{
		"name":    "renamed",
		"content": "body",
		"labels":  []any{"a", "b"},
	})
	if err != nil {
		t.Fatalf("applyEntityFields failed: %v", err)
	}
	if e.Name != "renamed" || e.Content != "body" {
		t.Errorf("scalar fields not applied: %+v", e)
	}
	if _, ok := e.Metadata["labels"]; !ok {
		t.Errorf("expected labels in metadata, got %v", e.Metadata)
	}
	if len(changed) != 3 || changed[0] != "content" || changed[1] != "labels" || changed[2] != "name" {
		t.Errorf("expected sorted changed list, got %v", changed)
	}

	if _, err := applyEntityFields(e, map[string]any{"name": 42}); !errs.IsKind(err, errs.ValidationError) {
		t.Errorf("expected ValidationError for non-string name, got %v", err)
	}
}
