// Package llms provides chat completion providers behind a common
// streaming interface, a named registry, and the hook points the agent
// runner composes around a session.
package llms

import (
	"context"

	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/errs"
	"github.com/sibyldev/sibyl/pkg/registry"
)

const component = "llms"

// Provider is a chat completion backend.
type Provider interface {
	// Generate runs one blocking completion.
	Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (*Completion, error)

	// GenerateStreaming runs one streaming completion. The returned
	// channel ends with a done or error chunk and is then closed.
	// Canceling ctx stops the producer and releases the connection.
	GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error)

	// Model returns the configured model identifier.
	Model() string

	// Cost prices a usage total in USD at the configured per-million
	// token rates. Zero when pricing is not configured.
	Cost(u Usage) float64

	Close() error
}

// Completion is the result of a non-streaming Generate.
type Completion struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// Registry holds named providers.
type Registry struct {
	*registry.BaseRegistry[Provider]
}

func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Provider]()}
}

// FromConfig builds the provider the config describes and registers it
// under the given name.
func (r *Registry) FromConfig(name string, cfg *config.LLMProviderConfig) (Provider, error) {
	const op = "FromConfig"

	if name == "" {
		return nil, errs.New(errs.ValidationError, component, op, "llm name is required")
	}
	if cfg == nil {
		return nil, errs.New(errs.ValidationError, component, op, "llm config is required")
	}

	c := *cfg
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, errs.Wrap(errs.ValidationError, component, op, err)
	}

	var (
		provider Provider
		err      error
	)
	switch c.Type {
	case config.LLMProviderAnthropic:
		provider, err = NewAnthropic(c)
	case config.LLMProviderOpenAI:
		provider, err = NewOpenAI(c)
	default:
		return nil, errs.Newf(errs.ValidationError, component, op, "unsupported llm provider %q", c.Type)
	}
	if err != nil {
		return nil, err
	}

	if err := r.Register(name, provider); err != nil {
		return nil, errs.Wrap(errs.Conflict, component, op, err)
	}
	return provider, nil
}

// LLM returns the provider registered under name.
func (r *Registry) LLM(name string) (Provider, error) {
	const op = "LLM"

	provider, ok := r.Get(name)
	if !ok {
		return nil, errs.Newf(errs.NotFound, component, op, "llm provider %q not registered", name)
	}
	return provider, nil
}

// emit delivers a chunk unless the consumer's context is gone.
func emit(ctx context.Context, out chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
