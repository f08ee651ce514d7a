package config

import (
	"fmt"
	"time"
)

// ChunkStrategy selects how documents are split.
type ChunkStrategy string

const (
	// StrategySemantic splits on markdown headers, paragraph boundaries,
	// and fenced code blocks, tracking a heading breadcrumb.
	StrategySemantic ChunkStrategy = "semantic"
	// StrategySliding uses a fixed character window with overlap.
	StrategySliding ChunkStrategy = "sliding"
	// StrategyCode keeps fenced code blocks intact and falls back to
	// semantic splitting for prose.
	StrategyCode ChunkStrategy = "code"
)

// ChunkerConfig configures document chunking.
type ChunkerConfig struct {
	Strategy ChunkStrategy `yaml:"strategy"`

	// Size is the sliding-window width in characters.
	Size int `yaml:"size"`
	// Overlap is the sliding-window overlap in characters.
	Overlap int `yaml:"overlap"`
	// MinSize is the smallest chunk kept; smaller adjacent chunks of the
	// same type are merged.
	MinSize int `yaml:"min_size"`
	// MaxSize is the largest chunk emitted; oversize chunks are split.
	MaxSize int `yaml:"max_size"`

	// ContextualPrefix embeds each chunk together with a
	// "Document: ... | Section: ..." header for contextual retrieval.
	ContextualPrefix *bool `yaml:"contextual_prefix"`

	// TokenCounter selects token counting: "heuristic" (chars/4) or
	// "tiktoken" (exact BPE counts).
	TokenCounter     string `yaml:"token_counter"`
	TiktokenEncoding string `yaml:"tiktoken_encoding"`
}

func (c *ChunkerConfig) SetDefaults() {
	if c.Strategy == "" {
		c.Strategy = StrategySemantic
	}
	if c.Size == 0 {
		c.Size = 1000
	}
	if c.Overlap == 0 {
		c.Overlap = 200
	}
	if c.MinSize == 0 {
		c.MinSize = 100
	}
	if c.MaxSize == 0 {
		c.MaxSize = 2000
	}
	if c.ContextualPrefix == nil {
		t := true
		c.ContextualPrefix = &t
	}
	if c.TokenCounter == "" {
		c.TokenCounter = "heuristic"
	}
	if c.TiktokenEncoding == "" {
		c.TiktokenEncoding = "cl100k_base"
	}
}

func (c *ChunkerConfig) Validate() error {
	switch c.Strategy {
	case StrategySemantic, StrategySliding, StrategyCode:
	default:
		return fmt.Errorf("unknown chunk strategy: %s", c.Strategy)
	}
	if c.Size <= 0 {
		return fmt.Errorf("chunker size must be positive, got %d", c.Size)
	}
	if c.Overlap < 0 {
		return fmt.Errorf("chunker overlap cannot be negative, got %d", c.Overlap)
	}
	if c.Overlap >= c.Size {
		return fmt.Errorf("chunker overlap (%d) must be smaller than size (%d)", c.Overlap, c.Size)
	}
	if c.MinSize <= 0 || c.MaxSize <= 0 {
		return fmt.Errorf("chunker min_size and max_size must be positive")
	}
	if c.MinSize >= c.MaxSize {
		return fmt.Errorf("chunker min_size (%d) must be smaller than max_size (%d)", c.MinSize, c.MaxSize)
	}
	switch c.TokenCounter {
	case "heuristic", "tiktoken":
	default:
		return fmt.Errorf("unknown token_counter: %s (use heuristic or tiktoken)", c.TokenCounter)
	}
	return nil
}

// PrefixEnabled reports whether contextual prefixing is on.
func (c *ChunkerConfig) PrefixEnabled() bool {
	return c.ContextualPrefix == nil || *c.ContextualPrefix
}

// CrawlerConfig configures the web crawler and local file walker.
type CrawlerConfig struct {
	MaxPages    int           `yaml:"max_pages"`
	MaxDepth    int           `yaml:"max_depth"`
	PageTimeout time.Duration `yaml:"page_timeout"`
	UserAgent   string        `yaml:"user_agent"`

	// RequestsPerSecond paces fetches against a single host.
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// MaxFileSize bounds local files read by the directory walker.
	MaxFileSize int64 `yaml:"max_file_size"`

	// WatchLocal re-enqueues changed files under local sources.
	WatchLocal bool `yaml:"watch_local"`
}

func (c *CrawlerConfig) SetDefaults() {
	if c.MaxPages == 0 {
		c.MaxPages = 100
	}
	if c.MaxDepth == 0 {
		c.MaxDepth = 2
	}
	if c.PageTimeout == 0 {
		c.PageTimeout = 30 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "sibyl-crawler/0.1"
	}
	if c.RequestsPerSecond == 0 {
		c.RequestsPerSecond = 2
	}
	if c.MaxFileSize == 0 {
		c.MaxFileSize = 10 << 20 // 10 MB
	}
}

func (c *CrawlerConfig) Validate() error {
	if c.MaxPages <= 0 {
		return fmt.Errorf("crawler max_pages must be positive")
	}
	if c.MaxDepth <= 0 {
		return fmt.Errorf("crawler max_depth must be positive")
	}
	if c.RequestsPerSecond <= 0 {
		return fmt.Errorf("crawler requests_per_second must be positive")
	}
	return nil
}

// EmbeddingConfig configures the embedding stage of the pipeline.
type EmbeddingConfig struct {
	// Enabled toggles embedding; disabled pipelines still store chunks.
	Enabled *bool `yaml:"enabled"`

	// Embedder names the provider in the embedders map.
	Embedder string `yaml:"embedder"`

	// BatchSize is how many chunks are embedded per provider call.
	BatchSize int `yaml:"batch_size"`
}

func (c *EmbeddingConfig) SetDefaults() {
	if c.Enabled == nil {
		t := true
		c.Enabled = &t
	}
	if c.Embedder == "" {
		c.Embedder = "default"
	}
	if c.BatchSize == 0 {
		c.BatchSize = 50
	}
}

func (c *EmbeddingConfig) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("embedding batch_size must be positive")
	}
	return nil
}

// IsEnabled reports whether the embedding stage runs.
func (c *EmbeddingConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// IngestionConfig groups the pipeline stages.
type IngestionConfig struct {
	Crawler   CrawlerConfig   `yaml:"crawler"`
	Chunker   ChunkerConfig   `yaml:"chunker"`
	Embedding EmbeddingConfig `yaml:"embedding"`

	// LinkGraph writes DOCUMENTED_IN edges for extracted entity
	// references after storing chunks.
	LinkGraph bool `yaml:"link_graph"`
}

func (c *IngestionConfig) SetDefaults() {
	c.Crawler.SetDefaults()
	c.Chunker.SetDefaults()
	c.Embedding.SetDefaults()
}

func (c *IngestionConfig) Validate() error {
	if err := c.Crawler.Validate(); err != nil {
		return err
	}
	if err := c.Chunker.Validate(); err != nil {
		return err
	}
	return c.Embedding.Validate()
}
