// Package search implements hybrid retrieval over the knowledge graph
// and the chunked document store. A query fans out into a vector list,
// an optional graph-traversal list, and an optional BM25 keyword list;
// the lists are fused with reciprocal rank fusion, boosted by recency,
// filtered in-process, and merged with a cosine-ranked document
// stream. The same engine answers explore requests and detects and
// merges duplicate entities.
package search

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sibyldev/sibyl/pkg/cache"
	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/docstore"
	"github.com/sibyldev/sibyl/pkg/entity"
	"github.com/sibyldev/sibyl/pkg/errs"
	"github.com/sibyldev/sibyl/pkg/graph"
)

const component = "search"

// Origin tells which stream produced a result.
type Origin string

const (
	OriginGraph    Origin = "graph"
	OriginDocument Origin = "document"
)

// Filters narrow a search to matching entities. Constraints the graph
// adapter cannot push down are enforced in-process after fusion, so
// they also apply to traversal and keyword hits.
type Filters struct {
	// Types restricts the entity types searched. Empty means the
	// configured defaults, and then traversal may surface neighbors of
	// any type; an explicit list is enforced on every stream.
	Types []entity.Type

	// Languages keeps knowledge entities tagged with at least one of
	// the given languages.
	Languages []string

	// Category keeps knowledge entities whose category contains the
	// given substring.
	Category string

	// Statuses keeps entities whose workflow status is in the set.
	Statuses []string

	// Projects is the accessible-project set. A nil slice skips
	// project filtering entirely; a non-nil slice admits entities with
	// no project or a project in the set.
	Projects []string

	// Assignee keeps tasks assigned to the given agent or user.
	Assignee string

	// Since keeps entities created at or after the given time.
	Since time.Time
}

// Query is one search request.
type Query struct {
	Text           string
	Limit          int
	Offset         int
	IncludeContent bool
	Filters        Filters
}

// Result is one ranked hit from either stream.
type Result struct {
	ID      string      `json:"id"`
	Type    entity.Type `json:"entity_type"`
	Name    string      `json:"name"`
	Content string      `json:"content,omitempty"`
	Score   float64     `json:"score"`
	Origin  Origin      `json:"result_origin"`
	URL     string      `json:"url,omitempty"`

	// Trace records, per retrieval list, the 1-based rank the entity
	// held in that list before fusion. Document results carry none.
	Trace map[string]int `json:"trace,omitempty"`

	// Entity is the full record behind a graph result.
	Entity *entity.Entity `json:"entity,omitempty"`
}

// GraphStore is the slice of the graph client the engine reads and,
// when merging duplicates, writes.
type GraphStore interface {
	VectorSearchTypes(ctx context.Context, orgID string, types []entity.Type, embedding []float32, k int) ([]graph.VectorHit, error)
	Neighbors(ctx context.Context, orgID string, seedIDs []string, depth, limit int) ([]*entity.Entity, error)
	GetEntity(ctx context.Context, orgID, id string) (*entity.Entity, error)
	GetEntities(ctx context.Context, orgID string, ids []string) ([]*entity.Entity, error)
	ListEntities(ctx context.Context, orgID string, opts graph.ListOptions) ([]*entity.Entity, error)
	Related(ctx context.Context, orgID, entityID string, limit int) ([]graph.RelatedEntity, error)
	DependencyEdges(ctx context.Context, orgID, projectID string) ([]graph.DependencyEdge, error)
	Relationships(ctx context.Context, orgID, entityID string) ([]*entity.Relationship, error)
	UpsertEntity(ctx context.Context, e *entity.Entity) error
	UpsertRelationship(ctx context.Context, rel *entity.Relationship) error
	DeleteEntity(ctx context.Context, orgID, id string) error
}

// DocumentStore is the slice of the document store the engine reads.
type DocumentStore interface {
	SearchChunks(ctx context.Context, orgID string, embedding []float32, topK int) ([]docstore.ChunkHit, error)
	GetDocuments(ctx context.Context, orgID string, ids []string) ([]*docstore.CrawledDocument, error)
}

// Embedder turns query text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Deps bundles the engine's collaborators. Graph, Docs, and Embedder
// are required. A nil Keywords disables the keyword list; a nil
// Results cache disables result caching. Results is the shared search
// tier of the cache set, so entity mutations purge it.
type Deps struct {
	Graph    GraphStore
	Docs     DocumentStore
	Embedder Embedder
	Keywords KeywordIndex
	Results  *cache.Cache[any]
}

// Engine answers search, explore, and duplicate-detection requests. It
// is safe for concurrent use.
type Engine struct {
	cfg          config.SearchConfig
	dedup        config.DedupConfig
	defaultTypes []entity.Type

	graph    GraphStore
	docs     DocumentStore
	embedder Embedder
	keywords KeywordIndex
	results  *cache.Cache[any]

	mu      sync.Mutex
	pending map[string][]DuplicatePair // tenant id -> last duplicate scan

	log *slog.Logger
}

// New builds a search engine.
func New(cfg config.SearchConfig, dedupCfg config.DedupConfig, deps Deps) (*Engine, error) {
	const op = "New"

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.ValidationError, component, op, err)
	}
	dedupCfg.SetDefaults()
	if err := dedupCfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.ValidationError, component, op, err)
	}
	if deps.Graph == nil {
		return nil, errs.New(errs.ValidationError, component, op, "graph store is required")
	}
	if deps.Docs == nil {
		return nil, errs.New(errs.ValidationError, component, op, "document store is required")
	}
	if deps.Embedder == nil {
		return nil, errs.New(errs.ValidationError, component, op, "embedder is required")
	}

	defaultTypes := make([]entity.Type, 0, len(cfg.DefaultTypes))
	for _, s := range cfg.DefaultTypes {
		t := entity.Type(s)
		if !t.Valid() {
			return nil, errs.Newf(errs.ValidationError, component, op, "unknown default search type %q", s)
		}
		defaultTypes = append(defaultTypes, t)
	}

	return &Engine{
		cfg:          cfg,
		dedup:        dedupCfg,
		defaultTypes: defaultTypes,
		graph:        deps.Graph,
		docs:         deps.Docs,
		embedder:     deps.Embedder,
		keywords:     deps.Keywords,
		results:      deps.Results,
		pending:      make(map[string][]DuplicatePair),
		log:          slog.With("component", component),
	}, nil
}
