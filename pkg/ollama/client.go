// Package ollama provides a shared HTTP client for talking to a local
// Ollama server.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sibyldev/sibyl/internal/httpclient"
)

const defaultBaseURL = "http://localhost:11434"

// Client posts JSON payloads to the Ollama API with retries.
type Client struct {
	baseURL    string
	httpClient *httpclient.Client
}

// New builds a client for the given server. An empty baseURL targets
// the local default.
func New(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
			httpclient.WithMaxRetries(3),
			httpclient.WithBaseDelay(2*time.Second),
		),
	}
}

// BaseURL returns the server this client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Post sends the payload as JSON to the endpoint and returns the raw
// response. The caller owns the body.
func (c *Client) Post(ctx context.Context, endpoint string, payload any) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	// Non-2xx statuses come back as a response plus an error; callers
	// classify from the status code.
	resp, err := c.httpClient.Do(req)
	if err != nil && resp == nil {
		return nil, err
	}
	return resp, nil
}
