// Package graph is the tenant-scoped adapter over the Neo4j property
// graph that backs the knowledge store.
//
// Every operation carries an organization id and every query it runs
// filters on the group_id node/edge property; calls without a tenant are
// rejected before they reach the driver. All writes funnel through one
// process-wide weighted semaphore so the backing store never sees more
// concurrent write connections than the configured width. Transient
// driver failures are retried with exponential backoff on a bounded
// budget and surface as UpstreamUnavailable once the budget is spent.
package graph

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"golang.org/x/sync/semaphore"

	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/errs"
)

const component = "graph"

// Client wraps a Neo4j driver with tenant scoping, write serialization,
// per-operation timeouts, and bounded retries.
type Client struct {
	driver   neo4j.DriverWithContext
	cfg      config.GraphConfig
	writeSem *semaphore.Weighted
	log      *slog.Logger

	// indexed tracks tenants whose indexes this process has ensured.
	indexed sync.Map
}

// NewClient connects to the graph store and verifies connectivity.
func NewClient(ctx context.Context, cfg config.GraphConfig) (*Client, error) {
	cfg.SetDefaults()

	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, "connect", err)
	}

	verifyCtx, cancel := context.WithTimeout(ctx, cfg.QueryTimeout)
	defer cancel()
	if err := driver.VerifyConnectivity(verifyCtx); err != nil {
		_ = driver.Close(ctx)
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, "connect", err)
	}

	return &Client{
		driver:   driver,
		cfg:      cfg,
		writeSem: semaphore.NewWeighted(cfg.WriteSemaphoreWidth),
		log:      slog.With("component", component),
	}, nil
}

// Config returns the configuration the client was built with.
func (c *Client) Config() config.GraphConfig {
	return c.cfg
}

// Close releases the underlying driver connections.
func (c *Client) Close(ctx context.Context) error {
	if c == nil || c.driver == nil {
		return nil
	}
	return c.driver.Close(ctx)
}

// ExecuteRead runs a read query scoped to the tenant and returns one map
// per record. The query text must reference group_id; the tenant id is
// bound to the $group_id parameter.
func (c *Client) ExecuteRead(ctx context.Context, orgID, query string, params map[string]any) ([]map[string]any, error) {
	const op = "executeRead"

	scoped, err := scopeParams(op, orgID, query, params)
	if err != nil {
		return nil, err
	}

	var rows []map[string]any
	err = c.withRetry(ctx, op, c.cfg.QueryTimeout, func(ctx context.Context) error {
		out, err := c.runRead(ctx, query, scoped)
		if err != nil {
			return err
		}
		rows = out
		return nil
	})
	return rows, err
}

func (c *Client) newWriteSession(ctx context.Context) neo4j.SessionWithContext {
	return c.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: c.cfg.Database,
	})
}

// runRead opens a read session and collects rows. Callers must have
// scoped the parameters already.
func (c *Client) runRead(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	session := c.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: c.cfg.Database,
	})
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, collectRows(ctx, query, params))
	if err != nil {
		return nil, err
	}
	return out.([]map[string]any), nil
}

// ExecuteWrite runs a write query scoped to the tenant. The call holds
// one slot of the process-wide write semaphore for its whole duration,
// including retries.
func (c *Client) ExecuteWrite(ctx context.Context, orgID, query string, params map[string]any) ([]map[string]any, error) {
	const op = "executeWrite"

	scoped, err := scopeParams(op, orgID, query, params)
	if err != nil {
		return nil, err
	}
	if err := c.acquireWriteSlot(ctx, op); err != nil {
		return nil, err
	}
	defer c.writeSem.Release(1)

	var rows []map[string]any
	err = c.withRetry(ctx, op, c.cfg.QueryTimeout, func(ctx context.Context) error {
		session := c.newWriteSession(ctx)
		defer session.Close(ctx)

		out, err := session.ExecuteWrite(ctx, collectRows(ctx, query, scoped))
		if err != nil {
			return err
		}
		rows = out.([]map[string]any)
		return nil
	})
	return rows, err
}

// writeTx runs fn inside a single managed write transaction under the
// write semaphore. Multi-statement mutations use this to stay atomic.
func (c *Client) writeTx(ctx context.Context, op string, fn func(ctx context.Context, tx neo4j.ManagedTransaction) error) error {
	if err := c.acquireWriteSlot(ctx, op); err != nil {
		return err
	}
	defer c.writeSem.Release(1)

	return c.withRetry(ctx, op, c.cfg.QueryTimeout, func(ctx context.Context) error {
		session := c.newWriteSession(ctx)
		defer session.Close(ctx)

		_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			return nil, fn(ctx, tx)
		})
		return err
	})
}

func (c *Client) acquireWriteSlot(ctx context.Context, op string) error {
	if c == nil || c.driver == nil {
		return notConnected(op)
	}
	if err := c.writeSem.Acquire(ctx, 1); err != nil {
		return errs.Wrap(errs.Timeout, component, op, err)
	}
	return nil
}

// collectRows adapts a query into managed-transaction work that returns
// all records as maps.
func collectRows(ctx context.Context, query string, params map[string]any) neo4j.ManagedTransactionWork {
	return func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		records, err := result.Collect(ctx)
		if err != nil {
			return nil, err
		}
		rows := make([]map[string]any, len(records))
		for i, rec := range records {
			rows[i] = rec.AsMap()
		}
		return rows, nil
	}
}

// scopeParams validates the tenant, requires the query to reference the
// group_id property, and binds $group_id. A missing tenant id is a
// programming error and fails fast.
func scopeParams(op, orgID, query string, params map[string]any) (map[string]any, error) {
	if orgID == "" {
		return nil, errs.New(errs.TenantMissing, component, op, "organization id is required")
	}
	if !strings.Contains(query, "group_id") {
		return nil, errs.New(errs.ValidationError, component, op, "query does not filter on group_id")
	}
	return withGroup(params, orgID), nil
}

func withGroup(params map[string]any, orgID string) map[string]any {
	scoped := make(map[string]any, len(params)+1)
	for k, v := range params {
		scoped[k] = v
	}
	scoped["group_id"] = orgID
	return scoped
}

// withRetry runs fn with a per-attempt timeout, retrying connectivity
// and transient failures with exponential backoff until the budget is
// exhausted.
func (c *Client) withRetry(ctx context.Context, op string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if c == nil || c.driver == nil {
		return notConnected(op)
	}

	delay := c.cfg.RetryBaseDelay
	var lastErr error
	for attempt := 0; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		lastErr = fn(attemptCtx)
		cancel()

		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			return c.classify(op, lastErr)
		}
		if attempt >= c.cfg.MaxRetries {
			return errs.Wrap(errs.UpstreamUnavailable, component, op, lastErr)
		}

		c.log.Warn("graph operation failed, retrying",
			"op", op, "attempt", attempt+1, "delay", delay, "error", lastErr)

		select {
		case <-ctx.Done():
			return errs.Wrap(errs.Timeout, component, op, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.cfg.RetryMaxDelay {
			delay = c.cfg.RetryMaxDelay
		}
	}
}

// isRetryable reports whether the failure is worth another attempt:
// connection loss and Neo4j transient errors qualify, timeouts and
// query errors do not.
func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	if neo4j.IsConnectivityError(err) {
		return true
	}
	return neo4j.IsNeo4jError(err) && strings.Contains(err.Error(), "TransientError")
}

// classify maps a terminal driver failure onto the shared error kinds.
func (c *Client) classify(op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return errs.Wrap(errs.Timeout, component, op, err)
	case neo4j.IsConnectivityError(err):
		return errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	case neo4j.IsNeo4jError(err) && strings.Contains(err.Error(), "ConstraintValidationFailed"):
		return errs.Wrap(errs.Conflict, component, op, err)
	default:
		return errs.Wrap(errs.Unknown, component, op, err)
	}
}

func notConnected(op string) error {
	return errs.New(errs.UpstreamUnavailable, component, op, "graph client is not connected")
}
