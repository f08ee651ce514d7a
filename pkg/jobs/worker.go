package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/pool"
	"goa.design/pulse/rmap"

	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/errs"
)

// progressMapName is the replicated map carrying live crawl counters
// across worker nodes.
const progressMapName = "sibyl:progress"

// jobControl is the slice of the pool node the worker calls back into
// once a job finishes.
type jobControl interface {
	StopJob(ctx context.Context, key string) error
	Close(ctx context.Context) error
}

// Worker joins the pool as a processing node. The pool assigns each
// dispatched job to exactly one worker; the worker retries transient
// failures in place and removes the job from the pool when it is done
// with it. If the process dies mid-job the pool requeues the job to
// another worker after WorkerTTL, which is where the at-least-once
// guarantee comes from.
type Worker struct {
	cfg  config.JobsConfig
	deps Deps
	log  *slog.Logger

	node jobControl

	// runCtx outlives the construction context so in-flight jobs are
	// only interrupted by Close or a pool-issued stop.
	runCtx context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorker joins the configured pool, registers this process as a
// worker, and starts the recurring source sync schedule. The progress
// map defaults to a shared replicated map when the deps leave it nil.
func NewWorker(ctx context.Context, rdb *redis.Client, cfg config.JobsConfig, deps Deps) (*Worker, error) {
	const op = "NewWorker"

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.ValidationError, component, op, err)
	}
	if rdb == nil {
		return nil, errs.New(errs.ValidationError, component, op, "redis client is required")
	}
	if deps.Graph == nil || deps.Docs == nil || deps.Events == nil {
		return nil, errs.New(errs.ValidationError, component, op, "graph, document store, and event publisher are required")
	}

	node, err := pool.AddNode(ctx, cfg.PoolName, rdb,
		pool.WithWorkerTTL(cfg.WorkerTTL),
		pool.WithWorkerShutdownTTL(2*cfg.WorkerTTL),
	)
	if err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}

	if deps.Progress == nil {
		m, err := rmap.Join(ctx, progressMapName, rdb)
		if err != nil {
			_ = node.Close(ctx)
			return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
		}
		deps.Progress = m
	}

	runCtx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		cfg:     cfg,
		deps:    deps,
		log:     slog.With("component", component),
		node:    node,
		runCtx:  runCtx,
		cancel:  cancel,
		running: make(map[string]context.CancelFunc),
	}

	if _, err := node.AddWorker(ctx, w); err != nil {
		cancel()
		_ = node.Close(ctx)
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}

	if cfg.SyncAllInterval > 0 {
		// Distributed ticker: only one node in the pool receives each tick.
		ticker, err := node.NewTicker(ctx, "sync-all-sources", cfg.SyncAllInterval)
		if err != nil {
			cancel()
			_ = node.Close(ctx)
			return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
		}
		w.wg.Add(1)
		go w.syncAllLoop(ticker)
	}

	return w, nil
}

// Start implements the pool job handler. It validates the envelope and
// hands the job to a background goroutine so the pool dispatch path is
// never blocked by long work.
func (w *Worker) Start(job *pool.Job) error {
	j, err := decodeJob(job.Payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(w.runCtx)

	w.mu.Lock()
	if _, dup := w.running[job.Key]; dup {
		w.mu.Unlock()
		cancel()
		return nil
	}
	w.running[job.Key] = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx, job.Key, j)
	return nil
}

// Stop implements the pool job handler. The pool calls it when it
// reclaims a job, on rebalance or shutdown, and when the worker stops
// its own finished job.
func (w *Worker) Stop(key string) error {
	w.mu.Lock()
	cancel, ok := w.running[key]
	w.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Close cancels in-flight jobs, waits for them to unwind, and leaves
// the pool so pending jobs requeue elsewhere.
func (w *Worker) Close(ctx context.Context) error {
	const op = "Close"
	w.cancel()
	w.wg.Wait()
	if err := w.node.Close(ctx); err != nil {
		return errs.Wrap(errs.Unknown, component, op, err)
	}
	return nil
}

func (w *Worker) run(ctx context.Context, key string, j *Job) {
	defer w.wg.Done()
	defer func() {
		w.mu.Lock()
		delete(w.running, key)
		w.mu.Unlock()
	}()

	log := w.log.With("job_id", j.ID, "job_type", j.Type, "org_id", j.OrganizationID)
	started := time.Now()

	var err error
	delay := w.cfg.RetryBaseDelay
	for attempt := 1; ; attempt++ {
		err = w.dispatch(ctx, j)
		if err == nil || !retryable(err) || attempt >= w.cfg.MaxAttempts {
			break
		}
		log.Warn("job attempt failed",
			"attempt", attempt,
			"max_attempts", w.cfg.MaxAttempts,
			"retry_in", delay,
			"error", err)
		select {
		case <-ctx.Done():
			// The pool reclaimed the job; another worker will pick it up.
			return
		case <-time.After(delay):
		}
		if delay *= 2; delay > w.cfg.RetryMaxDelay {
			delay = w.cfg.RetryMaxDelay
		}
	}
	if ctx.Err() != nil {
		return
	}

	if err != nil {
		log.Error("job failed", "duration", time.Since(started), "error", err)
	} else {
		log.Debug("job complete", "duration", time.Since(started))
	}

	// Success and permanent failure both end the job's pool lifetime.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if stopErr := w.node.StopJob(stopCtx, key); stopErr != nil {
		log.Warn("failed to remove finished job from pool", "error", stopErr)
	}
}

func (w *Worker) dispatch(ctx context.Context, j *Job) error {
	const op = "dispatch"
	switch j.Type {
	case TypeCrawlSource:
		return w.handleCrawlSource(ctx, j)
	case TypeSyncSource:
		return w.handleSyncSource(ctx, j)
	case TypeSyncAll:
		return w.handleSyncAll(ctx, j.OrganizationID)
	case TypeCreateEntity:
		return w.handleCreateEntity(ctx, j)
	case TypeUpdateEntity:
		return w.handleUpdateEntity(ctx, j)
	case TypeCreateLearningEpisode:
		return w.handleCreateLearningEpisode(ctx, j)
	case TypeLinkGraph:
		return w.handleLinkGraph(ctx, j)
	case TypeDetectCommunities:
		return w.handleDetectCommunities(ctx, j.OrganizationID)
	default:
		return errs.Newf(errs.ValidationError, component, op, "unknown job type %q", j.Type)
	}
}

// retryable reports whether a failure is worth another attempt. Bad
// input stays bad; infrastructure trouble may clear.
func retryable(err error) bool {
	switch errs.KindOf(err) {
	case errs.Timeout, errs.UpstreamUnavailable, errs.LockTimeout, errs.Unknown:
		return true
	}
	return false
}

func (w *Worker) syncAllLoop(ticker *pool.Ticker) {
	defer w.wg.Done()
	for {
		select {
		case <-w.runCtx.Done():
			ticker.Stop()
			return
		case _, ok := <-ticker.C:
			if !ok {
				return
			}
			w.runScheduledSync()
		}
	}
}

// runScheduledSync reconciles every source of every tenant that has
// one. It runs on whichever node the distributed ticker elected.
func (w *Worker) runScheduledSync() {
	ctx, cancel := context.WithTimeout(w.runCtx, 10*time.Minute)
	defer cancel()

	orgs, err := w.deps.Docs.ListOrganizations(ctx)
	if err != nil {
		w.log.Warn("scheduled sync could not list tenants", "error", err)
		return
	}
	for _, orgID := range orgs {
		if err := w.handleSyncAll(ctx, orgID); err != nil {
			w.log.Warn("scheduled sync failed", "org_id", orgID, "error", err)
		}
	}
}

// progressRecord is the JSON value stored in the replicated progress map
// while a crawl is running.
type progressRecord struct {
	Documents int   `json:"documents"`
	Chunks    int   `json:"chunks"`
	Errors    int   `json:"errors"`
	UpdatedAt int64 `json:"updated_at"`
}

func (w *Worker) setProgress(ctx context.Context, sourceID string, p Progress) {
	rec := progressRecord{
		Documents: p.Documents,
		Chunks:    p.Chunks,
		Errors:    p.Errors,
		UpdatedAt: time.Now().Unix(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if _, err := w.deps.Progress.Set(ctx, sourceID, string(raw)); err != nil {
		w.log.Debug("progress map write failed", "source_id", sourceID, "error", err)
	}
}

func (w *Worker) clearProgress(ctx context.Context, sourceID string) {
	if _, err := w.deps.Progress.Delete(ctx, sourceID); err != nil {
		w.log.Debug("progress map delete failed", "source_id", sourceID, "error", err)
	}
}

// crawlActive reports whether some worker, here or elsewhere, is still
// feeding progress for the source. Entries older than two worker TTLs
// are treated as leftovers from a dead worker.
func (w *Worker) crawlActive(sourceID string) bool {
	raw, ok := w.deps.Progress.Get(sourceID)
	if !ok {
		return false
	}
	var rec progressRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return false
	}
	stale := time.Since(time.Unix(rec.UpdatedAt, 0)) > 2*w.cfg.WorkerTTL
	return !stale
}
