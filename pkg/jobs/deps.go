package jobs

import (
	"context"

	"github.com/sibyldev/sibyl/pkg/community"
	"github.com/sibyldev/sibyl/pkg/docstore"
	"github.com/sibyldev/sibyl/pkg/entity"
	"github.com/sibyldev/sibyl/pkg/events"
)

// GraphStore is the slice of the graph client the handlers touch.
type GraphStore interface {
	UpsertEntity(ctx context.Context, e *entity.Entity) error
	GetEntity(ctx context.Context, orgID, id string) (*entity.Entity, error)
	UpsertRelationship(ctx context.Context, rel *entity.Relationship) error
}

// DocumentStore is the slice of the document store the handlers touch.
type DocumentStore interface {
	GetSource(ctx context.Context, orgID, id string) (*docstore.CrawlSource, error)
	ListSources(ctx context.Context, orgID string) ([]*docstore.CrawlSource, error)
	ListOrganizations(ctx context.Context) ([]string, error)
	UpdateSource(ctx context.Context, src *docstore.CrawlSource) error
	UpdateSourceStatus(ctx context.Context, orgID, id string, status docstore.SourceStatus, lastError string) error
	IncrementSourceCounts(ctx context.Context, orgID, id string, documents, chunks int) error
	CountDocuments(ctx context.Context, orgID, sourceID string) (int, error)
	CountChunksBySource(ctx context.Context, orgID, sourceID string) (int, error)
	GetDocument(ctx context.Context, orgID, id string) (*docstore.CrawledDocument, error)
}

// Publisher emits best-effort events.
type Publisher interface {
	TryPublish(ctx context.Context, ev events.Event)
}

// EntityCache invalidates cached reads after writes.
type EntityCache interface {
	PutEntity(e *entity.Entity)
	InvalidateEntity(entityID string)
}

// ProgressMap mirrors the replicated-map operations the worker uses to
// publish live crawl progress across nodes.
type ProgressMap interface {
	Set(ctx context.Context, key, value string) (string, error)
	Get(key string) (string, bool)
	Delete(ctx context.Context, key string) (string, error)
	Keys() []string
}

// SourceIngestor runs the crawl-and-index pipeline for one source.
// The report callback fires with cumulative counters as pages land.
type SourceIngestor interface {
	IngestSource(ctx context.Context, orgID, sourceID string, report func(Progress)) (Progress, error)
}

// CommunityDetector rebuilds a tenant's community hierarchy from the
// current graph.
type CommunityDetector interface {
	Detect(ctx context.Context, orgID string) (*community.Result, error)
}

// Deps bundles everything the worker handlers need. Ingestor and
// Communities are optional; jobs that need an absent dependency fail
// with a validation error instead of being retried elsewhere.
type Deps struct {
	Graph       GraphStore
	Docs        DocumentStore
	Events      Publisher
	Cache       EntityCache
	Progress    ProgressMap
	Ingestor    SourceIngestor
	Communities CommunityDetector
}
