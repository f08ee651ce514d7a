package lock

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/errs"
)

var (
	defaultMu      sync.Mutex
	defaultManager *Manager
	defaultClient  *redis.Client
)

// Initialize connects to Redis, verifies the connection, and installs
// the process-wide lock manager. Call at startup.
func Initialize(ctx context.Context, redisCfg config.RedisConfig, lockCfg config.LockConfig) (*Manager, error) {
	redisCfg.SetDefaults()

	client := redis.NewClient(&redis.Options{
		Addr:     redisCfg.Addr,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, "initialize", err)
	}

	m := NewManager(client, lockCfg)

	defaultMu.Lock()
	if defaultClient != nil {
		_ = defaultClient.Close()
	}
	defaultManager = m
	defaultClient = client
	defaultMu.Unlock()

	return m, nil
}

// Default returns the process-wide lock manager, or nil when
// Initialize has not run.
func Default() *Manager {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultManager
}

// Reset tears down the process-wide manager and closes its Redis
// connection. Tests call this between runs.
func Reset() {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultClient != nil {
		_ = defaultClient.Close()
		defaultClient = nil
	}
	defaultManager = nil
}
