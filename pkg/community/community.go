// Package community detects clusters of related entities in a tenant's
// knowledge graph. Detection exports the tenant subgraph into an
// in-memory weighted graph, modularizes it at a sequence of resolutions
// into a hierarchy of community entities, and persists the result with
// BELONGS_TO edges from the members. Summaries are generated lazily per
// community and cached.
package community

import (
	"context"
	"log/slog"

	"github.com/sibyldev/sibyl/pkg/cache"
	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/entity"
	"github.com/sibyldev/sibyl/pkg/errs"
	"github.com/sibyldev/sibyl/pkg/llms"
)

const component = "community"

// GraphStore is the slice of the graph client detection reads and
// writes.
type GraphStore interface {
	EntityNames(ctx context.Context, orgID string) (map[string]string, error)
	AllRelationships(ctx context.Context, orgID string) ([]*entity.Relationship, error)
	GetEntity(ctx context.Context, orgID, id string) (*entity.Entity, error)
	GetEntities(ctx context.Context, orgID string, ids []string) ([]*entity.Entity, error)
	DeleteEntitiesByType(ctx context.Context, orgID string, t entity.Type) (int, error)
	UpsertEntity(ctx context.Context, e *entity.Entity) error
	UpsertRelationship(ctx context.Context, rel *entity.Relationship) error
}

// TextGenerator produces community summaries. An llms.Provider
// satisfies it.
type TextGenerator interface {
	Generate(ctx context.Context, messages []llms.Message, tools []llms.ToolDefinition) (*llms.Completion, error)
}

// Deps bundles the detector's collaborators. Graph is required.
// Summaries is the shared community tier of the cache set, so entity
// mutations can invalidate cached summaries; nil disables caching. A
// nil Generator falls back to extractive summaries.
type Deps struct {
	Graph     GraphStore
	Summaries *cache.Cache[any]
	Generator TextGenerator
}

// Detector runs community detection and summarization. It is safe for
// concurrent use.
type Detector struct {
	cfg       config.CommunityConfig
	graph     GraphStore
	summaries *cache.Cache[any]
	generator TextGenerator

	log *slog.Logger
}

// New builds a detector.
func New(cfg config.CommunityConfig, deps Deps) (*Detector, error) {
	const op = "New"

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.ValidationError, component, op, err)
	}
	if deps.Graph == nil {
		return nil, errs.New(errs.ValidationError, component, op, "graph store is required")
	}

	return &Detector{
		cfg:       cfg,
		graph:     deps.Graph,
		summaries: deps.Summaries,
		generator: deps.Generator,
		log:       slog.With("component", component),
	}, nil
}
