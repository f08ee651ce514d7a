// Package jobs runs durable background work on a Redis-backed worker
// pool. Producers enqueue typed envelopes through a Queue; Worker nodes
// pick them up, retry transient failures with exponential backoff, and
// report progress through the shared event bus and a replicated map.
package jobs

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/pool"

	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/errs"
)

const component = "jobs"

// dispatcher is the slice of the pool node the queue uses. Narrow so
// tests can enqueue without a Redis server.
type dispatcher interface {
	DispatchJob(ctx context.Context, key string, payload []byte) error
	Close(ctx context.Context) error
}

// Queue dispatches job envelopes onto the shared worker pool. It joins
// the pool as a dispatch-only node; it never registers a worker.
type Queue struct {
	cfg  config.JobsConfig
	node dispatcher
	log  *slog.Logger
}

// NewQueue joins the configured pool for dispatching.
func NewQueue(ctx context.Context, rdb *redis.Client, cfg config.JobsConfig) (*Queue, error) {
	const op = "NewQueue"

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.ValidationError, component, op, err)
	}
	if rdb == nil {
		return nil, errs.New(errs.ValidationError, component, op, "redis client is required")
	}

	node, err := pool.AddNode(ctx, cfg.PoolName, rdb,
		pool.WithClientOnly(),
		pool.WithWorkerTTL(cfg.WorkerTTL),
	)
	if err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}

	return &Queue{
		cfg:  cfg,
		node: node,
		log:  slog.With("component", component),
	}, nil
}

// Enqueue dispatches the job and returns its id. The job key doubles
// as the pool job key, so a duplicate id is rejected by the pool.
func (q *Queue) Enqueue(ctx context.Context, job *Job) (string, error) {
	const op = "Enqueue"

	if job == nil {
		return "", errs.New(errs.ValidationError, component, op, "job is required")
	}
	payload, err := encodeJob(job)
	if err != nil {
		return "", errs.Wrap(errs.Unknown, component, op, err)
	}
	if err := q.node.DispatchJob(ctx, job.ID, payload); err != nil {
		return "", errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	q.log.Debug("job enqueued",
		"job_id", job.ID,
		"job_type", job.Type,
		"org_id", job.OrganizationID)
	return job.ID, nil
}

// Close leaves the pool. Other nodes keep running.
func (q *Queue) Close(ctx context.Context) error {
	const op = "Close"
	if err := q.node.Close(ctx); err != nil {
		return errs.Wrap(errs.Unknown, component, op, err)
	}
	return nil
}
