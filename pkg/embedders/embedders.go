// Package embedders provides the embedding capability behind semantic
// search. Named providers turn entity names, document chunks, and
// queries into fixed-dimension vectors; the dimension must match the
// graph vector index and the document store's chunk index.
package embedders

import (
	"context"

	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/errs"
	"github.com/sibyldev/sibyl/pkg/registry"
)

const component = "embedders"

// Provider produces vector embeddings from text.
type Provider interface {
	// Embed converts one text to a vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts texts to vectors, one per input, in input
	// order. Cheaper than calling Embed in a loop for providers with a
	// batch API.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the vector width this provider is configured for.
	Dimension() int

	// Model returns the model identifier in use.
	Model() string

	// Close releases provider resources.
	Close() error
}

// Registry holds named embedding providers.
type Registry struct {
	*registry.BaseRegistry[Provider]
}

func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Provider]()}
}

// FromConfig builds the provider the config describes and registers it
// under the given name.
func (r *Registry) FromConfig(name string, cfg *config.EmbedderProviderConfig) (Provider, error) {
	const op = "FromConfig"

	if name == "" {
		return nil, errs.New(errs.ValidationError, component, op, "embedder name is required")
	}
	if cfg == nil {
		return nil, errs.New(errs.ValidationError, component, op, "embedder config is required")
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
	case config.EmbedderProviderOpenAI:
		provider, err = NewOpenAI(c)
	case config.EmbedderProviderOllama:
		provider, err = NewOllama(c)
	default:
		return nil, errs.Newf(errs.ValidationError, component, op, "unsupported embedder type %q", c.Type)
	}
	if err != nil {
		return nil, err
	}

	if err := r.Register(name, provider); err != nil {
		return nil, errs.Wrap(errs.Conflict, component, op, err)
	}
	return provider, nil
}

// Embedder returns the named provider.
func (r *Registry) Embedder(name string) (Provider, error) {
	const op = "Embedder"
	provider, ok := r.Get(name)
	if !ok {
		return nil, errs.Newf(errs.NotFound, component, op, "embedder %q is not registered", name)
	}
	return provider, nil
}
