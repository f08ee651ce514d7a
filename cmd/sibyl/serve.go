package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sibyldev/sibyl/pkg/agent"
	"github.com/sibyldev/sibyl/pkg/auth"
	"github.com/sibyldev/sibyl/pkg/jobs"
	"github.com/sibyldev/sibyl/pkg/observability"
	"github.com/sibyldev/sibyl/pkg/orchestrator"
	"github.com/sibyldev/sibyl/pkg/server"
	"github.com/sibyldev/sibyl/pkg/tools"
	"github.com/sibyldev/sibyl/pkg/worktree"
)

// ServeCmd starts a full node: the HTTP API, a background job worker
// (unless --no-worker), and optionally an embedded agent orchestrator
// for one tenant.
type ServeCmd struct {
	Port     int  `help:"Port to listen on (overrides config)."`
	Watch    bool `help:"Watch the config file for changes."`
	NoWorker bool `name:"no-worker" help:"Do not process background jobs in this process."`

	// AgentsOrg starts an embedded orchestrator for the given tenant.
	// Production multi-tenant deployments run one orchestrator process
	// per tenant instead.
	AgentsOrg string `name:"agents-org" help:"Run the agent orchestrator for this organization id." placeholder:"ORG_ID"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

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
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if c.Watch && loader != nil {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("config watch failed", "error", err)
			}
		}()
	}

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	obs := observability.NewManager(observability.Config{
		Metrics: observability.MetricsConfig{Enabled: cfg.Observability.MetricsEnabled},
		Tracing: observability.TracerConfig{
			Enabled:      cfg.Observability.TracesEnabled,
			ExporterType: cfg.Observability.TraceExporter,
			EndpointURL:  cfg.Observability.OTLPEndpoint,
			SamplingRate: cfg.Observability.SampleRate,
			ServiceName:  cfg.Observability.ServiceName,
		},
	})
	if err := obs.Initialize(ctx); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	var validator *auth.Validator
	if cfg.Auth.Enabled {
		validator, err = auth.NewValidator(ctx, cfg.Auth)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	} else {
		slog.Warn("auth disabled, trusting the tenant header", "header", auth.DefaultDevHeader)
	}

	embedder, err := a.embedder()
	if err != nil {
		return err
	}

	dispatcher, err := tools.New(cfg.Tools, tools.Deps{
		Graph:    a.graph,
		Search:   a.search,
		Queue:    a.queue,
		Sources:  a.docs,
		Locks:    a.locks,
		Events:   a.events,
		Embedder: embedder,
		Cache:    a.caches,
	})
	if err != nil {
		return fmt.Errorf("tool dispatcher: %w", err)
	}

	srv, err := server.New(cfg.Server, server.Deps{
		Tools:  dispatcher,
		Events: a.events,
		Auth:   validator,
		Obs:    obs,
		Ready:  a.docs.Ping,
	})
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}

	if !c.NoWorker {
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
		defer func() {
			closeCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
			defer done()
			if err := worker.Close(closeCtx); err != nil {
				slog.Warn("worker close failed", "error", err)
			}
		}()
	}

	if c.AgentsOrg != "" {
		stop, err := c.startOrchestrator(ctx, a, dispatcher)
		if err != nil {
			return err
		}
		defer stop()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
	defer done()
	return srv.Shutdown(shutdownCtx)
}

// startOrchestrator runs the agent fabric for one tenant inside the
// serve process.
func (c *ServeCmd) startOrchestrator(ctx context.Context, a *app, dispatcher *tools.Dispatcher) (func(), error) {
	llm, err := a.llms.LLM(a.cfg.Agents.Runner.LLM)
	if err != nil {
		return nil, fmt.Errorf("agents llm: %w", err)
	}

	checkpoints, err := newCheckpoints(a)
	if err != nil {
		return nil, err
	}

	worktrees, err := worktree.New(a.cfg.Worktrees, worktree.Deps{Graph: a.graph})
	if err != nil {
		return nil, fmt.Errorf("worktrees: %w", err)
	}

	approvals, err := agent.NewApprovals(a.cfg.Agents.Approval)
	if err != nil {
		return nil, fmt.Errorf("approvals: %w", err)
	}

	orch, err := orchestrator.New(a.cfg.Agents, c.AgentsOrg, orchestrator.Deps{
		Graph:       a.graph,
		LLM:         llm,
		Checkpoints: checkpoints,
		Tools:       dispatcher,
		Approvals:   approvals,
		Locks:       a.locks,
		Worktrees:   worktrees,
		Workflow:    a.cfg.Agents.WorkflowTracker,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	if err := orch.Start(ctx); err != nil {
		return nil, fmt.Errorf("orchestrator start: %w", err)
	}
	slog.Info("agent orchestrator running", "org_id", c.AgentsOrg)

	return func() {
		stopCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
		defer done()
		if err := orch.Stop(stopCtx); err != nil {
			slog.Warn("orchestrator stop failed", "error", err)
		}
	}, nil
}
