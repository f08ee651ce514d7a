// Package lock implements tenant-scoped distributed locks over Redis.
//
// Locks guard entity mutations that must not interleave across
// processes (task claims, status transitions, merges). Each
// acquisition gets a random token; release and extend are
// compare-and-set Lua scripts so only the owner can act on a held
// lock. Redis being unreachable makes locks unavailable rather than
// silently granted.
package lock

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/errs"
)

const component = "lock"

// releaseScript deletes the key only when the stored token matches.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript re-arms the TTL only when the stored token matches.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Manager coordinates per-entity locks for all tenants.
type Manager struct {
	rdb redis.UniversalClient
	cfg config.LockConfig
}

// NewManager creates a lock manager on an existing Redis client.
func NewManager(rdb redis.UniversalClient, cfg config.LockConfig) *Manager {
	cfg.SetDefaults()
	return &Manager{rdb: rdb, cfg: cfg}
}

// TTL returns the configured lock lifetime.
func (m *Manager) TTL() time.Duration {
	return m.cfg.TTL
}

func (m *Manager) key(orgID, entityID string) string {
	return fmt.Sprintf("%s%s:%s", m.cfg.KeyPrefix, orgID, entityID)
}

// Acquire attempts a single non-blocking acquisition. It returns the
// owner token and true on success, and false with no error when the
// lock is already held.
func (m *Manager) Acquire(ctx context.Context, orgID, entityID string) (string, bool, error) {
	if orgID == "" {
		return "", false, errs.New(errs.TenantMissing, component, "acquire", "organization id is required")
	}
	if entityID == "" {
		return "", false, errs.New(errs.ValidationError, component, "acquire", "entity id is required")
	}

	token := uuid.New().String()
	ok, err := m.rdb.SetNX(ctx, m.key(orgID, entityID), token, m.cfg.TTL).Result()
	if err != nil {
		return "", false, errs.Wrap(errs.UpstreamUnavailable, component, "acquire", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// AcquireWait blocks until the lock is acquired or the wait budget is
// exhausted, polling with jitter. Exhaustion fails with LockTimeout.
func (m *Manager) AcquireWait(ctx context.Context, orgID, entityID string) (string, error) {
	deadline := time.Now().Add(m.cfg.WaitTimeout)

	for {
		token, ok, err := m.Acquire(ctx, orgID, entityID)
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}

		if time.Now().After(deadline) {
			return "", errs.Newf(errs.LockTimeout, component, "acquire",
				"could not acquire lock on %s/%s within %v: lock held by another owner",
				orgID, entityID, m.cfg.WaitTimeout)
		}

		delay := m.cfg.PollInterval
		if m.cfg.PollJitter > 0 {
			delay += time.Duration(rand.Int63n(int64(m.cfg.PollJitter)))
		}

		select {
		case <-ctx.Done():
			return "", errs.Wrap(errs.Timeout, component, "acquire", ctx.Err())
		case <-time.After(delay):
		}
	}
}

// Release deletes the lock iff the caller still owns it. Releasing a
// lock that expired or belongs to someone else returns false without
// error, so release is idempotent.
func (m *Manager) Release(ctx context.Context, orgID, entityID, token string) (bool, error) {
	res, err := releaseScript.Run(ctx, m.rdb, []string{m.key(orgID, entityID)}, token).Int()
	if err != nil {
		return false, errs.Wrap(errs.UpstreamUnavailable, component, "release", err)
	}
	return res == 1, nil
}

// Extend re-arms the TTL iff the caller still owns the lock.
func (m *Manager) Extend(ctx context.Context, orgID, entityID, token string) (bool, error) {
	res, err := extendScript.Run(ctx, m.rdb,
		[]string{m.key(orgID, entityID)}, token, m.cfg.TTL.Milliseconds()).Int()
	if err != nil {
		return false, errs.Wrap(errs.UpstreamUnavailable, component, "extend", err)
	}
	return res == 1, nil
}

// Held reports whether any owner currently holds the lock.
func (m *Manager) Held(ctx context.Context, orgID, entityID string) (bool, error) {
	n, err := m.rdb.Exists(ctx, m.key(orgID, entityID)).Result()
	if err != nil {
		return false, errs.Wrap(errs.UpstreamUnavailable, component, "held", err)
	}
	return n > 0, nil
}

// WithLock runs fn while holding the lock, releasing it on every exit
// path. Acquisition blocks up to the configured wait budget.
func (m *Manager) WithLock(ctx context.Context, orgID, entityID string, fn func(ctx context.Context) error) error {
	token, err := m.AcquireWait(ctx, orgID, entityID)
	if err != nil {
		return err
	}
	defer func() {
		// Release on a fresh context so fn cancellation cannot leak
		// the lock until TTL expiry.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = m.Release(releaseCtx, orgID, entityID, token)
	}()

	return fn(ctx)
}
