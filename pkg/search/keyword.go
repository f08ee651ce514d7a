package search

import (
	"context"
	"database/sql"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sibyldev/sibyl/pkg/entity"
	"github.com/sibyldev/sibyl/pkg/errs"
	"github.com/sibyldev/sibyl/pkg/graph"
)

// KeywordHit is one entity scored by the keyword index.
type KeywordHit struct {
	EntityID string
	Score    float64
}

// KeywordIndex ranks entities by lexical match over name and
// description. Implementations are tenant-partitioned and safe for
// concurrent use.
type KeywordIndex interface {
	Upsert(ctx context.Context, orgID, entityID, text string) error
	Delete(ctx context.Context, orgID, entityID string) error
	Rebuild(ctx context.Context, orgID string, docs map[string]string) error
	Search(ctx context.Context, orgID, query string, limit int) ([]KeywordHit, error)
	Close() error
}

// NewKeywordIndex opens the configured keyword index: an FTS5 table in
// a sqlite file when a path is set, otherwise an in-process BM25
// index. When sqlite lacks the FTS5 extension the in-process index
// stands in and a warning is logged, so the node boots either way.
func NewKeywordIndex(path string) KeywordIndex {
	if path == "" {
		return newMemoryIndex()
	}
	idx, err := newFTS5Index(path)
	if err != nil {
		slog.With("component", component).Warn("fts5 keyword index unavailable, using in-process index",
			"path", path, "error", err)
		return newMemoryIndex()
	}
	return idx
}

// IndexEntity refreshes the keyword index entry for one entity.
func (e *Engine) IndexEntity(ctx context.Context, ent *entity.Entity) error {
	if e.keywords == nil || ent == nil {
		return nil
	}
	return e.keywords.Upsert(ctx, ent.OrganizationID, ent.ID, keywordBody(ent))
}

// UnindexEntity drops an entity from the keyword index.
func (e *Engine) UnindexEntity(ctx context.Context, orgID, entityID string) error {
	if e.keywords == nil {
		return nil
	}
	return e.keywords.Delete(ctx, orgID, entityID)
}

// rebuildPageSize is how many entities one listing page pulls while
// reindexing a tenant.
const rebuildPageSize = 500

// RebuildIndex reindexes every entity of the tenant and returns how
// many were indexed.
func (e *Engine) RebuildIndex(ctx context.Context, orgID string) (int, error) {
	const op = "RebuildIndex"

	if orgID == "" {
		return 0, errs.New(errs.TenantMissing, component, op, "organization id is required")
	}
	if e.keywords == nil {
		return 0, nil
	}

	docs := make(map[string]string)
	offset := 0
	for {
		page, err := e.graph.ListEntities(ctx, orgID, graph.ListOptions{Limit: rebuildPageSize, Offset: offset})
		if err != nil {
			return 0, err
		}
		for _, ent := range page {
			docs[ent.ID] = keywordBody(ent)
		}
		if len(page) < rebuildPageSize {
			break
		}
		offset += rebuildPageSize
	}

	if err := e.keywords.Rebuild(ctx, orgID, docs); err != nil {
		return 0, err
	}
	e.log.Info("keyword index rebuilt", "org_id", orgID, "entities", len(docs))
	return len(docs), nil
}

// keywordBody is the text the keyword index ranks.
func keywordBody(ent *entity.Entity) string {
	if ent.Description == "" {
		return ent.Name
	}
	return ent.Name + " " + ent.Description
}

// fts5Index keeps the inverted index in a sqlite FTS5 virtual table,
// so it survives restarts.
type fts5Index struct {
	db *sql.DB
}

func newFTS5Index(path string) (*fts5Index, error) {
	const op = "newFTS5Index"

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	_, err = db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS entity_fts USING fts5(
	entity_id UNINDEXED,
	org_id UNINDEXED,
	body,
	tokenize = 'unicode61 remove_diacritics 2'
)`)
	if err != nil {
		db.Close()
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	return &fts5Index{db: db}, nil
}

func (x *fts5Index) Upsert(ctx context.Context, orgID, entityID, text string) error {
	const op = "keywordUpsert"

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM entity_fts WHERE entity_id = ? AND org_id = ?`, entityID, orgID); err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entity_fts (entity_id, org_id, body) VALUES (?, ?, ?)`, entityID, orgID, text); err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	return nil
}

func (x *fts5Index) Delete(ctx context.Context, orgID, entityID string) error {
	const op = "keywordDelete"

	_, err := x.db.ExecContext(ctx,
		`DELETE FROM entity_fts WHERE entity_id = ? AND org_id = ?`, entityID, orgID)
	if err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	return nil
}

func (x *fts5Index) Rebuild(ctx context.Context, orgID string, docs map[string]string) error {
	const op = "keywordRebuild"

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entity_fts WHERE org_id = ?`, orgID); err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	for id, body := range docs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entity_fts (entity_id, org_id, body) VALUES (?, ?, ?)`, id, orgID, body); err != nil {
			return errs.Wrap(errs.UpstreamUnavailable, component, op, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	return nil
}

func (x *fts5Index) Search(ctx context.Context, orgID, query string, limit int) ([]KeywordHit, error) {
	const op = "keywordSearch"

	match := fts5Match(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := x.db.QueryContext(ctx, `
SELECT entity_id, bm25(entity_fts) AS rank
FROM entity_fts
WHERE entity_fts MATCH ? AND org_id = ?
ORDER BY rank
LIMIT ?`, match, orgID, limit)
	if err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	defer rows.Close()

	var hits []KeywordHit
	for rows.Next() {
		var id string
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
		}
		// bm25() reports more-relevant as more negative.
		hits = append(hits, KeywordHit{EntityID: id, Score: -rank})
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	return hits, nil
}

func (x *fts5Index) Close() error {
	return x.db.Close()
}

// fts5Match quotes each token so caller input cannot inject FTS5 query
// syntax; tokens are OR-ed so any may match.
func fts5Match(query string) string {
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return ""
	}
	quoted := make([]string, len(tokens))
	for i, tok := range tokens {
		quoted[i] = `"` + strings.ReplaceAll(tok, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}

// Okapi BM25 constants for the in-process index.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// memoryIndex is an in-process BM25 inverted index. It serves single
// node deployments and tests; the fts5 index replaces it when a path
// is configured.
type memoryIndex struct {
	mu      sync.RWMutex
	tenants map[string]*tenantIndex
}

type tenantIndex struct {
	docs     map[string]map[string]int // entity id -> term -> frequency
	lengths  map[string]int            // entity id -> token count
	postings map[string]map[string]int // term -> entity id -> frequency
	total    int                       // sum of lengths
}

func newMemoryIndex() *memoryIndex {
	return &memoryIndex{tenants: make(map[string]*tenantIndex)}
}

func newTenantIndex() *tenantIndex {
	return &tenantIndex{
		docs:     make(map[string]map[string]int),
		lengths:  make(map[string]int),
		postings: make(map[string]map[string]int),
	}
}

func (m *memoryIndex) Upsert(_ context.Context, orgID, entityID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.tenants[orgID]
	if t == nil {
		t = newTenantIndex()
		m.tenants[orgID] = t
	}
	t.remove(entityID)
	t.add(entityID, text)
	return nil
}

func (m *memoryIndex) Delete(_ context.Context, orgID, entityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t := m.tenants[orgID]; t != nil {
		t.remove(entityID)
	}
	return nil
}

func (m *memoryIndex) Rebuild(_ context.Context, orgID string, docs map[string]string) error {
	t := newTenantIndex()
	for id, body := range docs {
		t.add(id, body)
	}

	m.mu.Lock()
	m.tenants[orgID] = t
	m.mu.Unlock()
	return nil
}

func (m *memoryIndex) Search(_ context.Context, orgID, query string, limit int) ([]KeywordHit, error) {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	t := m.tenants[orgID]
	if t == nil || len(t.docs) == 0 {
		return nil, nil
	}

	n := float64(len(t.docs))
	avgLen := float64(t.total) / n
	scores := make(map[string]float64)
	for _, term := range terms {
		posting := t.postings[term]
		if len(posting) == 0 {
			continue
		}
		df := float64(len(posting))
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))
		for id, freq := range posting {
			tf := float64(freq)
			norm := 1 - bm25B + bm25B*float64(t.lengths[id])/avgLen
			scores[id] += idf * tf * (bm25K1 + 1) / (tf + bm25K1*norm)
		}
	}
	if len(scores) == 0 {
		return nil, nil
	}

	hits := make([]KeywordHit, 0, len(scores))
	for id, score := range scores {
		hits = append(hits, KeywordHit{EntityID: id, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].EntityID < hits[j].EntityID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (m *memoryIndex) Close() error { return nil }

func (t *tenantIndex) add(entityID, text string) {
	terms := tokenize(text)
	if len(terms) == 0 {
		return
	}
	freqs := make(map[string]int, len(terms))
	for _, term := range terms {
		freqs[term]++
	}
	t.docs[entityID] = freqs
	t.lengths[entityID] = len(terms)
	t.total += len(terms)
	for term, freq := range freqs {
		posting := t.postings[term]
		if posting == nil {
			posting = make(map[string]int)
			t.postings[term] = posting
		}
		posting[entityID] = freq
	}
}

func (t *tenantIndex) remove(entityID string) {
	freqs := t.docs[entityID]
	if freqs == nil {
		return
	}
	for term := range freqs {
		delete(t.postings[term], entityID)
		if len(t.postings[term]) == 0 {
			delete(t.postings, term)
		}
	}
	t.total -= t.lengths[entityID]
	delete(t.docs, entityID)
	delete(t.lengths, entityID)
}

// wordCutset strips punctuation from token edges.
const wordCutset = `.,!?;:"'()[]{}`

// tokenize lowercases, splits on whitespace, strips edge punctuation,
// and drops tokens shorter than three characters.
func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, wordCutset)
		if len(f) > 2 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}
