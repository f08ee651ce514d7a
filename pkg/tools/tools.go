// Package tools is the external invocation surface: the four operations
// (search, explore, add, manage) every caller goes through, whether the
// call arrives over HTTP, from the CLI, or from an agent's model.
//
// The dispatcher resolves the tenant from the context before any core
// operation runs, enforces the write bounds and the task state machine,
// and answers with the structured tool response. It also implements the
// agent runner's ToolRunner so models drive the same code path as
// humans.
package tools

import (
	"context"
	"log/slog"

	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/docstore"
	"github.com/sibyldev/sibyl/pkg/entity"
	"github.com/sibyldev/sibyl/pkg/errs"
	"github.com/sibyldev/sibyl/pkg/events"
	"github.com/sibyldev/sibyl/pkg/graph"
	"github.com/sibyldev/sibyl/pkg/jobs"
	"github.com/sibyldev/sibyl/pkg/search"
)

const component = "tools"

// Response is the structured result of every tool call. Deferred
// effects carry a "Queued: …" message; completed effects "Added: …" or
// similar.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func ok(message, id string, data any) *Response {
	return &Response{Success: true, Message: message, ID: id, Data: data}
}

// GraphStore is the slice of the graph client the dispatcher touches.
type GraphStore interface {
	UpsertEntity(ctx context.Context, e *entity.Entity) error
	GetEntity(ctx context.Context, orgID, id string) (*entity.Entity, error)
	DeleteEntity(ctx context.Context, orgID, id string) error
	UpsertRelationship(ctx context.Context, rel *entity.Relationship) error
	DependencyEdges(ctx context.Context, orgID, projectID string) ([]graph.DependencyEdge, error)
	VectorSearchTypes(ctx context.Context, orgID string, types []entity.Type, embedding []float32, k int) ([]graph.VectorHit, error)
	ExecuteRead(ctx context.Context, orgID, query string, params map[string]any) ([]map[string]any, error)
}

// Searcher answers retrieval requests and maintains the keyword index.
type Searcher interface {
	Search(ctx context.Context, orgID string, q search.Query) ([]search.Result, error)
	Explore(ctx context.Context, orgID string, req search.ExploreRequest) (*search.ExploreResult, error)
	RebuildIndex(ctx context.Context, orgID string) (int, error)
	IndexEntity(ctx context.Context, ent *entity.Entity) error
	UnindexEntity(ctx context.Context, orgID, entityID string) error
}

// Queue enqueues background jobs.
type Queue interface {
	Enqueue(ctx context.Context, job *jobs.Job) (string, error)
}

// Sources is the slice of the document store holding crawl sources.
type Sources interface {
	CreateSource(ctx context.Context, src *docstore.CrawlSource) error
	GetSource(ctx context.Context, orgID, id string) (*docstore.CrawlSource, error)
	ListSources(ctx context.Context, orgID string) ([]*docstore.CrawlSource, error)
	Ping(ctx context.Context) error
}

// Locker serializes logical mutations per entity.
type Locker interface {
	WithLock(ctx context.Context, orgID, entityID string, fn func(ctx context.Context) error) error
}

// Publisher emits best-effort events.
type Publisher interface {
	TryPublish(ctx context.Context, ev events.Event)
}

// Embedder vectorizes entity names for storage and auto-linking.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EntityCache invalidates cached reads after writes.
type EntityCache interface {
	PutEntity(e *entity.Entity)
	InvalidateEntity(entityID string)
}

// Deps bundles the dispatcher's collaborators. Graph and Search are
// required. A nil Queue forces synchronous writes; a nil Locks skips
// cross-process serialization (single instance); the rest degrade
// gracefully.
type Deps struct {
	Graph    GraphStore
	Search   Searcher
	Queue    Queue
	Sources  Sources
	Locks    Locker
	Events   Publisher
	Embedder Embedder
	Cache    EntityCache
}

// Dispatcher routes tool calls into the core.
type Dispatcher struct {
	cfg  config.ToolsConfig
	deps Deps
	log  *slog.Logger
}

// New builds a dispatcher.
func New(cfg config.ToolsConfig, deps Deps) (*Dispatcher, error) {
	const op = "New"

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.ValidationError, component, op, err)
	}
	if deps.Graph == nil || deps.Search == nil {
		return nil, errs.New(errs.ValidationError, component, op, "graph store and search engine are required")
	}

	return &Dispatcher{
		cfg:  cfg,
		deps: deps,
		log:  slog.With("component", component),
	}, nil
}

func (d *Dispatcher) withLock(ctx context.Context, orgID, entityID string, fn func(ctx context.Context) error) error {
	if d.deps.Locks == nil {
		return fn(ctx)
	}
	return d.deps.Locks.WithLock(ctx, orgID, entityID, fn)
}

func (d *Dispatcher) publish(ctx context.Context, ev events.Event) {
	if d.deps.Events != nil {
		d.deps.Events.TryPublish(ctx, ev)
	}
}

func (d *Dispatcher) invalidate(e *entity.Entity) {
	if d.deps.Cache != nil {
		d.deps.Cache.InvalidateEntity(e.ID)
		d.deps.Cache.PutEntity(e)
	}
}
