package embedders

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/sibyldev/sibyl/internal/httpclient"
	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/errs"
)

const openAIDefaultBaseURL = "https://api.openai.com/v1"

// OpenAI embeds text through the OpenAI embeddings API.
type OpenAI struct {
	cfg     config.EmbedderProviderConfig
	client  *httpclient.Client
	baseURL string
}

type openAIEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

type openAIErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// NewOpenAI builds the provider. The config must carry an API key.
func NewOpenAI(cfg config.EmbedderProviderConfig) (*OpenAI, error) {
	const op = "NewOpenAI"

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.ValidationError, component, op, err)
	}

	baseURL := cfg.Host
	if baseURL == "" {
		baseURL = openAIDefaultBaseURL
	}

	return &OpenAI{
		cfg:     cfg,
		baseURL: baseURL,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(time.Second),
		),
	}, nil
}

func (e *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := e.embedSlice(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (e *OpenAI) embedSlice(ctx context.Context, texts []string) ([][]float32, error) {
	const op = "embedSlice"

	payload, err := json.Marshal(openAIEmbedRequest{Model: e.cfg.Model, Input: texts})
	if err != nil {
		return nil, errs.Wrap(errs.Unknown, component, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, errs.Wrap(errs.Unknown, component, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)

	// Do reports non-2xx statuses as errors alongside the response; those
	// are classified from the status code below.
	resp, err := e.client.Do(req)
	if err != nil && resp == nil {
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.Timeout, component, op, ctx.Err())
		}
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, openAIError(op, resp.StatusCode, body)
	}

	var response openAIEmbedResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	if len(response.Data) != len(texts) {
		return nil, errs.Newf(errs.UpstreamUnavailable, component, op,
			"expected %d embeddings, got %d", len(texts), len(response.Data))
	}

	// The API may return items out of order; index maps back to input.
	vecs := make([][]float32, len(texts))
	for _, item := range response.Data {
		if item.Index < 0 || item.Index >= len(vecs) {
			return nil, errs.Newf(errs.UpstreamUnavailable, component, op, "embedding index %d out of range", item.Index)
		}
		if len(item.Embedding) != e.cfg.Dimension {
			return nil, errs.Newf(errs.ValidationError, component, op,
				"model %s returned %d-dimensional vectors, configured dimension is %d",
				e.cfg.Model, len(item.Embedding), e.cfg.Dimension)
		}
		vecs[item.Index] = item.Embedding
	}
	for i, vec := range vecs {
		if vec == nil {
			return nil, errs.Newf(errs.UpstreamUnavailable, component, op, "missing embedding for input %d", i)
		}
	}
	return vecs, nil
}

func openAIError(op string, status int, body []byte) error {
	kind := errs.UpstreamUnavailable
	switch status {
	case http.StatusBadRequest:
		kind = errs.ValidationError
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = errs.Unauthorized
	}

	var apiErr openAIErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return errs.Newf(kind, component, op, "openai embeddings API error: %s (type: %s, code: %s)",
			apiErr.Error.Message, apiErr.Error.Type, apiErr.Error.Code)
	}
	return errs.Newf(kind, component, op, "openai embeddings API returned status %d: %s", status, string(body))
}

func (e *OpenAI) Dimension() int {
	return e.cfg.Dimension
}

func (e *OpenAI) Model() string {
	return e.cfg.Model
}

func (e *OpenAI) Close() error {
	return nil
}
