package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sibyldev/sibyl/pkg/community"
	"github.com/sibyldev/sibyl/pkg/crawler"
	"github.com/sibyldev/sibyl/pkg/ingest"
	"github.com/sibyldev/sibyl/pkg/jobs"
)

// WorkerCmd joins the worker pool and processes background jobs until
// interrupted.
type WorkerCmd struct{}

func (c *WorkerCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	cfg, loader, err := loadConfig(ctx, cli)
	if err != nil {
		return err
	}
	if loader != nil {
		defer func() { _ = loader.Close() }()
	}
	if err := initLogging(cli, cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File); err != nil {
		return err
	}

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	pipeline, err := newPipeline(a)
	if err != nil {
		return err
	}

	detector, err := newDetector(a)
	if err != nil {
		return err
	}

	worker, err := jobs.NewWorker(ctx, a.redis, cfg.Jobs, jobs.Deps{
		Graph:       a.graph,
		Docs:        a.docs,
		Events:      a.events,
		Cache:       a.caches,
		Ingestor:    pipeline,
		Communities: detector,
	})
	if err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	slog.Info("worker joined pool", "pool", cfg.Jobs.PoolName)
	<-sigCh
	slog.Info("worker draining")

	closeCtx, done := context.WithTimeout(context.Background(), 60*time.Second)
	defer done()
	return worker.Close(closeCtx)
}

// newPipeline assembles the crawl-and-index pipeline.
func newPipeline(a *app) (*ingest.Pipeline, error) {
	embedder, err := a.embedder()
	if err != nil {
		return nil, err
	}
	pipeline, err := ingest.New(a.cfg.Ingestion, ingest.Deps{
		Docs:     a.docs,
		Graph:    a.graph,
		Embedder: embedder,
		Web:      crawler.New(a.cfg.Ingestion.Crawler),
		Local:    crawler.NewWalker(a.cfg.Ingestion.Crawler),
	})
	if err != nil {
		return nil, fmt.Errorf("ingest pipeline: %w", err)
	}
	return pipeline, nil
}

// newDetector assembles the community detector. Summaries use the
// agents LLM when one is configured; without it communities keep
// member-derived names.
func newDetector(a *app) (*community.Detector, error) {
	deps := community.Deps{
		Graph:     a.graph,
		Summaries: a.caches.Communities,
	}
	if llm, err := a.llms.LLM(a.cfg.Agents.Runner.LLM); err == nil {
		deps.Generator = llm
	}

	detector, err := community.New(a.cfg.Community, deps)
	if err != nil {
		return nil, fmt.Errorf("community detector: %w", err)
	}
	return detector, nil
}
