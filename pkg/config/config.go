// Package config defines the Sibyl configuration tree.
//
// Every struct carries yaml tags and implements SetDefaults and Validate.
// Configuration flows through one pipeline: load raw bytes from a provider,
// expand environment variables, decode, apply defaults, validate.
package config

import (
	"fmt"
)

// Config is the root of the configuration tree.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`

	Graph         GraphConfig         `yaml:"graph"`
	DocumentStore DocumentStoreConfig `yaml:"document_store"`
	Redis         RedisConfig         `yaml:"redis"`
	Locks         LockConfig          `yaml:"locks"`
	Cache         CacheConfig         `yaml:"cache"`
	Jobs          JobsConfig          `yaml:"jobs"`
	Events        EventsConfig        `yaml:"events"`

	Ingestion IngestionConfig `yaml:"ingestion"`
	Search    SearchConfig    `yaml:"search"`
	Community CommunityConfig `yaml:"community"`
	Dedup     DedupConfig     `yaml:"dedup"`

	Worktrees WorktreeConfig `yaml:"worktrees"`
	Agents    AgentsConfig   `yaml:"agents"`
	Tools     ToolsConfig    `yaml:"tools"`

	LLMs      map[string]*LLMProviderConfig      `yaml:"llms"`
	Embedders map[string]*EmbedderProviderConfig `yaml:"embedders"`
}

// ProcessConfigPipeline applies defaults and validates, returning the
// config ready for use.
func ProcessConfigPipeline(cfg *Config) (*Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("ProcessConfigPipeline: config cannot be nil")
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ProcessConfigPipeline: validation failed: %w", err)
	}

	return cfg, nil
}

// SetDefaults fills every unset field with its documented default.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Auth.SetDefaults()
	c.Logging.SetDefaults()
	c.Observability.SetDefaults()
	c.Graph.SetDefaults()
	c.DocumentStore.SetDefaults()
	c.Redis.SetDefaults()
	c.Locks.SetDefaults()
	c.Cache.SetDefaults()
	c.Jobs.SetDefaults()
	c.Events.SetDefaults()
	c.Ingestion.SetDefaults()
	c.Search.SetDefaults()
	c.Community.SetDefaults()
	c.Dedup.SetDefaults()
	c.Worktrees.SetDefaults()
	c.Agents.SetDefaults()
	c.Tools.SetDefaults()

	if c.LLMs == nil {
		c.LLMs = make(map[string]*LLMProviderConfig)
	}
	if c.Embedders == nil {
		c.Embedders = make(map[string]*EmbedderProviderConfig)
	}
	if len(c.LLMs) == 0 {
		c.LLMs["default"] = &LLMProviderConfig{}
	}
	if len(c.Embedders) == 0 {
		c.Embedders["default"] = &EmbedderProviderConfig{}
	}
	for name := range c.LLMs {
		if c.LLMs[name] != nil {
			c.LLMs[name].SetDefaults()
		}
	}
	for name := range c.Embedders {
		if c.Embedders[name] != nil {
			c.Embedders[name].SetDefaults()
		}
	}
}

// Validate checks the whole tree, naming the failing section.
func (c *Config) Validate() error {
	sections := []struct {
		name     string
		validate func() error
	}{
		{"server", c.Server.Validate},
		{"auth", c.Auth.Validate},
		{"logging", c.Logging.Validate},
		{"observability", c.Observability.Validate},
		{"graph", c.Graph.Validate},
		{"document_store", c.DocumentStore.Validate},
		{"redis", c.Redis.Validate},
		{"locks", c.Locks.Validate},
		{"cache", c.Cache.Validate},
		{"jobs", c.Jobs.Validate},
		{"events", c.Events.Validate},
		{"ingestion", c.Ingestion.Validate},
		{"search", c.Search.Validate},
		{"community", c.Community.Validate},
		{"dedup", c.Dedup.Validate},
		{"worktrees", c.Worktrees.Validate},
		{"agents", c.Agents.Validate},
		{"tools", c.Tools.Validate},
	}
	for _, s := range sections {
		if err := s.validate(); err != nil {
			return fmt.Errorf("%s validation failed: %w", s.name, err)
		}
	}

	for name, llm := range c.LLMs {
		if llm != nil {
			if err := llm.Validate(); err != nil {
				return fmt.Errorf("llm '%s' validation failed: %w", name, err)
			}
		}
	}
	for name, emb := range c.Embedders {
		if emb != nil {
			if err := emb.Validate(); err != nil {
				return fmt.Errorf("embedder '%s' validation failed: %w", name, err)
			}
		}
	}

	// Cross-section invariants.
	if c.Graph.VectorDimension != 0 {
		for name, emb := range c.Embedders {
			if emb != nil && emb.Dimension != 0 && emb.Dimension != c.Graph.VectorDimension {
				return fmt.Errorf("embedder '%s' dimension %d does not match graph vector dimension %d",
					name, emb.Dimension, c.Graph.VectorDimension)
			}
		}
	}

	return nil
}

// LLM returns the named LLM provider config, falling back to "default".
func (c *Config) LLM(name string) (*LLMProviderConfig, bool) {
	if name == "" {
		name = "default"
	}
	llm, ok := c.LLMs[name]
	return llm, ok
}

// Embedder returns the named embedder config, falling back to "default".
func (c *Config) Embedder(name string) (*EmbedderProviderConfig, bool) {
	if name == "" {
		name = "default"
	}
	emb, ok := c.Embedders[name]
	return emb, ok
}
