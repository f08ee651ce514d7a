package embedders

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/errs"
	"github.com/sibyldev/sibyl/pkg/ollama"
)

// Ollama's llama runner aborts when it receives concurrent embedding
// requests, so every call in the process shares one lock.
var ollamaEmbedMu sync.Mutex

// Ollama embeds text through a local Ollama server.
type Ollama struct {
	cfg    config.EmbedderProviderConfig
	client *ollama.Client
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func NewOllama(cfg config.EmbedderProviderConfig) (*Ollama, error) {
	const op = "NewOllama"

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.ValidationError, component, op, err)
	}
	return &Ollama{
		cfg:    cfg,
		client: ollama.New(cfg.Host, cfg.Timeout),
	}, nil
}

func (e *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	const op = "Embed"

	ollamaEmbedMu.Lock()
	defer ollamaEmbedMu.Unlock()

	resp, err := e.client.Post(ctx, "/api/embeddings", ollamaEmbedRequest{
		Model:  e.cfg.Model,
		Prompt: text,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.Timeout, component, op, ctx.Err())
		}
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, errs.Newf(errs.UpstreamUnavailable, component, op,
			"ollama API returned status %d: %s", resp.StatusCode, string(body))
	}

	var response ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	if len(response.Embedding) == 0 {
		return nil, errs.New(errs.UpstreamUnavailable, component, op, "received empty embedding from ollama")
	}
	if len(response.Embedding) != e.cfg.Dimension {
		return nil, errs.Newf(errs.ValidationError, component, op,
			"model %s returned %d-dimensional vectors, configured dimension is %d",
			e.cfg.Model, len(response.Embedding), e.cfg.Dimension)
	}
	return response.Embedding, nil
}

// EmbedBatch embeds serially; the Ollama embeddings endpoint takes one
// prompt per call.
func (e *Ollama) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

func (e *Ollama) Dimension() int {
	return e.cfg.Dimension
}

func (e *Ollama) Model() string {
	return e.cfg.Model
}

func (e *Ollama) Close() error {
	return nil
}
