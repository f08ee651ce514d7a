package config

import (
	"fmt"
	"time"
)

// GraphConfig configures the property-graph store adapter.
type GraphConfig struct {
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`

	// VectorDimension is the dimension of Entity.name_embedding and must
	// match the configured embedder.
	VectorDimension int `yaml:"vector_dimension"`

	// WriteSemaphoreWidth bounds concurrent writes from this process.
	WriteSemaphoreWidth int64 `yaml:"write_semaphore_width"`

	QueryTimeout        time.Duration `yaml:"query_timeout"`
	VectorSearchTimeout time.Duration `yaml:"vector_search_timeout"`

	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
}

func (c *GraphConfig) SetDefaults() {
	if c.URI == "" {
		c.URI = "neo4j://localhost:7687"
	}
	if c.Username == "" {
		c.Username = "neo4j"
	}
	if c.Database == "" {
		c.Database = "neo4j"
	}
	if c.VectorDimension == 0 {
		c.VectorDimension = 1536
	}
	if c.WriteSemaphoreWidth == 0 {
		c.WriteSemaphoreWidth = 20
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = 10 * time.Second
	}
	if c.VectorSearchTimeout == 0 {
		c.VectorSearchTimeout = 15 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = 250 * time.Millisecond
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = 5 * time.Second
	}
}

func (c *GraphConfig) Validate() error {
	if c.URI == "" {
		return fmt.Errorf("graph uri is required")
	}
	if c.VectorDimension <= 0 {
		return fmt.Errorf("vector_dimension must be positive, got %d", c.VectorDimension)
	}
	if c.WriteSemaphoreWidth <= 0 {
		return fmt.Errorf("write_semaphore_width must be positive, got %d", c.WriteSemaphoreWidth)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}
	return nil
}

// DocumentStoreConfig configures the relational document/chunk store.
type DocumentStoreConfig struct {
	// Driver selects the SQL dialect: postgres, sqlite, or mysql.
	Driver string `yaml:"driver"`

	// DSN is the driver-specific connection string. For sqlite this is
	// a file path.
	DSN string `yaml:"dsn"`

	// MinSimilarity is the cosine-similarity floor for chunk search.
	MinSimilarity float64 `yaml:"min_similarity"`

	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"`

	// EmbeddedIndexPath persists the chunk vector index used by the
	// sqlite and mysql dialects. Empty means in-memory.
	EmbeddedIndexPath string `yaml:"embedded_index_path"`
}

func (c *DocumentStoreConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "sqlite"
	}
	if c.DSN == "" && c.Driver == "sqlite" {
		c.DSN = ".sibyl/sibyl.db"
	}
	if c.MinSimilarity == 0 {
		c.MinSimilarity = 0.5
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnLifetime == 0 {
		c.ConnLifetime = time.Hour
	}
}

func (c *DocumentStoreConfig) Validate() error {
	switch c.Driver {
	case "postgres", "sqlite", "mysql":
	default:
		return fmt.Errorf("unsupported document store driver: %s (use postgres, sqlite, or mysql)", c.Driver)
	}
	if c.DSN == "" {
		return fmt.Errorf("document store dsn is required for driver %s", c.Driver)
	}
	if c.MinSimilarity < 0 || c.MinSimilarity > 1 {
		return fmt.Errorf("min_similarity must be in [0,1], got %v", c.MinSimilarity)
	}
	return nil
}

// RedisConfig configures the shared Redis connection used by locks, the
// job queue, and the event bus.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (c *RedisConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
}

func (c *RedisConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}
	if c.DB < 0 {
		return fmt.Errorf("redis db cannot be negative")
	}
	return nil
}

// LockConfig configures the distributed per-entity lock manager.
type LockConfig struct {
	// TTL is how long a held lock survives without extension.
	TTL time.Duration `yaml:"ttl"`

	// WaitTimeout bounds a blocking acquire.
	WaitTimeout time.Duration `yaml:"wait_timeout"`

	// PollInterval is the base delay between blocking-acquire attempts;
	// each attempt adds up to PollJitter of random extra delay.
	PollInterval time.Duration `yaml:"poll_interval"`
	PollJitter   time.Duration `yaml:"poll_jitter"`

	KeyPrefix string `yaml:"key_prefix"`
}

func (c *LockConfig) SetDefaults() {
	if c.TTL == 0 {
		c.TTL = 30 * time.Second
	}
	if c.WaitTimeout == 0 {
		c.WaitTimeout = 10 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.PollJitter == 0 {
		c.PollJitter = 50 * time.Millisecond
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "sibyl:lock:"
	}
}

func (c *LockConfig) Validate() error {
	if c.TTL <= 0 {
		return fmt.Errorf("lock ttl must be positive")
	}
	if c.WaitTimeout <= 0 {
		return fmt.Errorf("lock wait_timeout must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("lock poll_interval must be positive")
	}
	return nil
}

// CacheTierConfig sizes one LRU+TTL cache.
type CacheTierConfig struct {
	Size int           `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"`
}

func (c *CacheTierConfig) validateTier(name string) error {
	if c.Size <= 0 {
		return fmt.Errorf("%s cache size must be positive, got %d", name, c.Size)
	}
	if c.TTL <= 0 {
		return fmt.Errorf("%s cache ttl must be positive", name)
	}
	return nil
}

// CacheConfig sizes the three in-process caches.
type CacheConfig struct {
	Search    CacheTierConfig `yaml:"search"`
	Entity    CacheTierConfig `yaml:"entity"`
	Community CacheTierConfig `yaml:"community"`
}

func (c *CacheConfig) SetDefaults() {
	if c.Search.Size == 0 {
		c.Search.Size = 500
	}
	if c.Search.TTL == 0 {
		c.Search.TTL = 5 * time.Minute
	}
	if c.Entity.Size == 0 {
		c.Entity.Size = 2000
	}
	if c.Entity.TTL == 0 {
		c.Entity.TTL = 10 * time.Minute
	}
	if c.Community.Size == 0 {
		c.Community.Size = 100
	}
	if c.Community.TTL == 0 {
		c.Community.TTL = 30 * time.Minute
	}
}

func (c *CacheConfig) Validate() error {
	if err := c.Search.validateTier("search"); err != nil {
		return err
	}
	if err := c.Entity.validateTier("entity"); err != nil {
		return err
	}
	return c.Community.validateTier("community")
}

// JobsConfig configures the durable background job queue.
type JobsConfig struct {
	// PoolName names the shared worker pool in Redis.
	PoolName string `yaml:"pool_name"`

	// MaxAttempts bounds retries per job, including the first attempt.
	MaxAttempts int `yaml:"max_attempts"`

	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`

	// ProgressEvery is how many processed units may elapse between
	// progress callbacks from long-running jobs.
	ProgressEvery int `yaml:"progress_every"`

	// SyncAllInterval schedules the recurring sync_all_sources job.
	// Zero disables the schedule.
	SyncAllInterval time.Duration `yaml:"sync_all_interval"`

	// WorkerTTL is how long a worker may miss keepalives before its jobs
	// are requeued to other workers.
	WorkerTTL time.Duration `yaml:"worker_ttl"`
}

func (c *JobsConfig) SetDefaults() {
	if c.PoolName == "" {
		c.PoolName = "sibyl-jobs"
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.ProgressEvery == 0 {
		c.ProgressEvery = 10
	}
	if c.SyncAllInterval == 0 {
		c.SyncAllInterval = time.Hour
	}
	if c.WorkerTTL == 0 {
		c.WorkerTTL = 30 * time.Second
	}
}

func (c *JobsConfig) Validate() error {
	if c.PoolName == "" {
		return fmt.Errorf("jobs pool_name is required")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("jobs max_attempts must be positive")
	}
	if c.ProgressEvery <= 0 {
		return fmt.Errorf("jobs progress_every must be positive")
	}
	return nil
}

// EventsConfig configures the tenant-scoped event bus.
type EventsConfig struct {
	// StreamPrefix prefixes the per-tenant stream name.
	StreamPrefix string `yaml:"stream_prefix"`

	// MaxLen caps each tenant stream; older events are trimmed.
	MaxLen int `yaml:"max_len"`

	// BufferSize is the per-subscriber channel depth. A subscriber that
	// falls this far behind starts losing events rather than stalling
	// the producer.
	BufferSize int `yaml:"buffer_size"`
}

func (c *EventsConfig) SetDefaults() {
	if c.StreamPrefix == "" {
		c.StreamPrefix = "sibyl:events:"
	}
	if c.MaxLen == 0 {
		c.MaxLen = 1000
	}
	if c.BufferSize == 0 {
		c.BufferSize = 64
	}
}

func (c *EventsConfig) Validate() error {
	if c.MaxLen <= 0 {
		return fmt.Errorf("events max_len must be positive")
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("events buffer_size must be positive")
	}
	return nil
}
