package config

import (
	"fmt"
	"os"
	"time"
)

// LLMProvider identifies the LLM provider type.
type LLMProvider string

const (
	LLMProviderAnthropic LLMProvider = "anthropic"
	LLMProviderOpenAI    LLMProvider = "openai"
)

// LLMProviderConfig configures an LLM provider.
type LLMProviderConfig struct {
	// Type of provider (anthropic, openai).
	Type LLMProvider `yaml:"type,omitempty" json:"type,omitempty" jsonschema:"title=Type,description=LLM provider,enum=anthropic,enum=openai,default=anthropic"`

	// Model name (e.g., "claude-sonnet-4-20250514", "gpt-4o").
	Model string `yaml:"model,omitempty" json:"model,omitempty" jsonschema:"title=Model,description=Model identifier"`

	// APIKey for authentication. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty" jsonschema:"title=API Key,description=API key for authentication (use ${ENV_VAR})"`

	// BaseURL overrides the default API endpoint.
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty" jsonschema:"title=Base URL,description=Custom base URL for API endpoint"`

	// Temperature for generation.
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty" jsonschema:"title=Temperature,description=Sampling temperature,minimum=0,maximum=2,default=0.7"`

	// MaxTokens limits response length.
	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty" jsonschema:"title=Max Tokens,description=Maximum tokens to generate,minimum=1,default=8192"`

	// Timeout bounds a single completion call.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// MaxRetries for transient API failures.
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`

	// InputCostPer1M and OutputCostPer1M price tokens in USD for agent
	// cost accounting. Zero disables cost tracking for this provider.
	InputCostPer1M  float64 `yaml:"input_cost_per_1m,omitempty" json:"input_cost_per_1m,omitempty"`
	OutputCostPer1M float64 `yaml:"output_cost_per_1m,omitempty" json:"output_cost_per_1m,omitempty"`
}

// SetDefaults applies default values.
func (c *LLMProviderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = detectLLMProviderFromEnv()
	}

	if c.Model == "" {
		switch c.Type {
		case LLMProviderAnthropic:
			c.Model = "claude-sonnet-4-20250514"
		case LLMProviderOpenAI:
			c.Model = "gpt-4o"
		}
	}

	if c.APIKey == "" {
		c.APIKey = llmAPIKeyFromEnv(c.Type)
	}

	if c.Temperature == nil {
		temp := 0.7
		c.Temperature = &temp
	}

	if c.MaxTokens == 0 {
		c.MaxTokens = 8192
	}
	if c.Timeout == 0 {
		c.Timeout = 120 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

// Validate checks the LLM provider configuration.
func (c *LLMProviderConfig) Validate() error {
	switch c.Type {
	case LLMProviderAnthropic, LLMProviderOpenAI:
	default:
		return fmt.Errorf("invalid llm provider %q (valid: anthropic, openai)", c.Type)
	}

	if c.APIKey == "" {
		return fmt.Errorf("api_key is required for provider %q", c.Type)
	}

	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2")
	}

	return nil
}

// detectLLMProviderFromEnv picks a provider based on available API keys.
func detectLLMProviderFromEnv() LLMProvider {
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		return LLMProviderAnthropic
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		return LLMProviderOpenAI
	}
	return LLMProviderAnthropic
}

// llmAPIKeyFromEnv gets the API key for a provider from environment.
func llmAPIKeyFromEnv(provider LLMProvider) string {
	switch provider {
	case LLMProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	case LLMProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	default:
		return ""
	}
}

// EmbedderProvider identifies the embedding provider type.
type EmbedderProvider string

const (
	EmbedderProviderOpenAI EmbedderProvider = "openai"
	EmbedderProviderOllama EmbedderProvider = "ollama"
)

// EmbedderProviderConfig configures an embedding provider.
type EmbedderProviderConfig struct {
	// Type of provider (openai, ollama).
	Type EmbedderProvider `yaml:"type,omitempty" json:"type,omitempty" jsonschema:"title=Type,description=Embedding provider,enum=openai,enum=ollama,default=openai"`

	// Model name (e.g., "text-embedding-3-small", "nomic-embed-text").
	Model string `yaml:"model,omitempty" json:"model,omitempty" jsonschema:"title=Model,description=Embedding model identifier"`

	// APIKey for authentication. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty" jsonschema:"title=API Key,description=API key for authentication (use ${ENV_VAR})"`

	// Host overrides the default endpoint (Ollama server, proxy).
	Host string `yaml:"host,omitempty" json:"host,omitempty" jsonschema:"title=Host,description=Custom host for API endpoint"`

	// Dimension of produced vectors. Must match the graph vector index.
	Dimension int `yaml:"dimension,omitempty" json:"dimension,omitempty" jsonschema:"title=Dimension,description=Embedding vector dimension,default=1536"`

	// BatchSize caps how many inputs go into one provider call.
	BatchSize int `yaml:"batch_size,omitempty" json:"batch_size,omitempty" jsonschema:"title=Batch Size,description=Maximum inputs per embedding request,default=100"`

	// Timeout bounds a single embedding call.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// MaxRetries for transient API failures.
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
}

// SetDefaults applies default values.
func (c *EmbedderProviderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = EmbedderProviderOpenAI
	}

	if c.Model == "" {
		switch c.Type {
		case EmbedderProviderOpenAI:
			c.Model = "text-embedding-3-small"
		case EmbedderProviderOllama:
			c.Model = "nomic-embed-text"
		}
	}

	if c.APIKey == "" && c.Type == EmbedderProviderOpenAI {
		c.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	if c.Host == "" && c.Type == EmbedderProviderOllama {
		c.Host = "http://localhost:11434"
	}

	if c.Dimension == 0 {
		switch c.Type {
		case EmbedderProviderOllama:
			c.Dimension = 768
		default:
			c.Dimension = 1536
		}
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

// Validate checks the embedder configuration.
func (c *EmbedderProviderConfig) Validate() error {
	switch c.Type {
	case EmbedderProviderOpenAI, EmbedderProviderOllama:
	default:
		return fmt.Errorf("invalid embedder provider %q (valid: openai, ollama)", c.Type)
	}

	// Ollama doesn't require an API key
	if c.Type == EmbedderProviderOpenAI && c.APIKey == "" {
		return fmt.Errorf("api_key is required for embedder provider %q", c.Type)
	}

	if c.Dimension <= 0 {
		return fmt.Errorf("embedder dimension must be positive")
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("embedder batch_size cannot be negative")
	}

	return nil
}
