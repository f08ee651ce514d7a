package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/sibyldev/sibyl/pkg/cache"
	"github.com/sibyldev/sibyl/pkg/checkpoint"
	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/docstore"
	"github.com/sibyldev/sibyl/pkg/embedders"
	"github.com/sibyldev/sibyl/pkg/events"
	"github.com/sibyldev/sibyl/pkg/graph"
	"github.com/sibyldev/sibyl/pkg/jobs"
	"github.com/sibyldev/sibyl/pkg/llms"
	"github.com/sibyldev/sibyl/pkg/lock"
	"github.com/sibyldev/sibyl/pkg/search"
)

// loadConfig resolves the config file, preferring the explicit flag,
// then ./sibyl.yaml, then built-in defaults.
func loadConfig(ctx context.Context, cli *CLI) (*config.Config, *config.Loader, error) {
	path := cli.Config
	if path == "" {
		if _, err := os.Stat("sibyl.yaml"); err == nil {
			path = "sibyl.yaml"
		}
	}
	if path == "" {
		cfg, err := config.ProcessConfigPipeline(&config.Config{})
		return cfg, nil, err
	}

	cfg, loader, err := config.LoadConfigFile(ctx, path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, loader, nil
}

// app holds the core stack shared by serve, worker, and the operator
// commands. Close releases everything in reverse construction order.
type app struct {
	cfg *config.Config
	log *slog.Logger

	redis  *redis.Client
	graph  *graph.Client
	docs   *docstore.Store
	caches *cache.Set
	locks  *lock.Manager
	events *events.Bus
	queue  *jobs.Queue

	embedders *embedders.Registry
	llms      *llms.Registry
	search    *search.Engine

	closers []func(ctx context.Context) error
}

// buildApp wires the read/write core: stores, caches, locks, the event
// bus, the job queue, and the search engine. Commands layer their own
// pieces on top.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, log: slog.With("component", "app")}

	ok := false
	defer func() {
		if !ok {
			a.Close(ctx)
		}
	}()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis at %s: %w", cfg.Redis.Addr, err)
	}
	a.redis = rdb
	a.onClose(func(context.Context) error { return rdb.Close() })

	g, err := graph.NewClient(ctx, cfg.Graph)
	if err != nil {
		return nil, fmt.Errorf("graph store: %w", err)
	}
	a.graph = g
	a.onClose(g.Close)

	docs, err := docstore.New(ctx, cfg.DocumentStore, cfg.Graph.VectorDimension)
	if err != nil {
		return nil, fmt.Errorf("document store: %w", err)
	}
	a.docs = docs
	a.onClose(func(context.Context) error { return docs.Close() })

	caches, err := cache.NewSet(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("caches: %w", err)
	}
	a.caches = caches

	a.locks = lock.NewManager(rdb, cfg.Locks)

	bus, err := events.New(rdb, cfg.Events)
	if err != nil {
		return nil, fmt.Errorf("event bus: %w", err)
	}
	a.events = bus

	queue, err := jobs.NewQueue(ctx, rdb, cfg.Jobs)
	if err != nil {
		return nil, fmt.Errorf("job queue: %w", err)
	}
	a.queue = queue
	a.onClose(queue.Close)

	a.embedders = embedders.NewRegistry()
	for name, ecfg := range cfg.Embedders {
		if _, err := a.embedders.FromConfig(name, ecfg); err != nil {
			return nil, fmt.Errorf("embedder %q: %w", name, err)
		}
	}
	a.llms = llms.NewRegistry()
	for name, lcfg := range cfg.LLMs {
		if _, err := a.llms.FromConfig(name, lcfg); err != nil {
			return nil, fmt.Errorf("llm %q: %w", name, err)
		}
	}

	embedder, err := a.embedders.Embedder(cfg.Ingestion.Embedding.Embedder)
	if err != nil {
		return nil, fmt.Errorf("default embedder: %w", err)
	}

	engine, err := search.New(cfg.Search, cfg.Dedup, search.Deps{
		Graph:    g,
		Docs:     docs,
		Embedder: embedder,
		Keywords: search.NewKeywordIndex(cfg.Search.KeywordIndex),
		Results:  caches.Search,
	})
	if err != nil {
		return nil, fmt.Errorf("search engine: %w", err)
	}
	a.search = engine

	ok = true
	return a, nil
}

// newCheckpoints builds the snapshot manager on the graph store.
func newCheckpoints(a *app) (*checkpoint.Manager, error) {
	m, err := checkpoint.NewManager(a.cfg.Agents.Checkpoints, a.graph)
	if err != nil {
		return nil, fmt.Errorf("checkpoints: %w", err)
	}
	return m, nil
}

// embedder returns the configured default embedding provider.
func (a *app) embedder() (embedders.Provider, error) {
	return a.embedders.Embedder(a.cfg.Ingestion.Embedding.Embedder)
}

func (a *app) onClose(fn func(ctx context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order.
func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.log.Warn("shutdown step failed", "error", err)
		}
	}
	a.closers = nil
}
