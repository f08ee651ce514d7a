package graph

import (
	"context"
	"sync"

	"github.com/sibyldev/sibyl/pkg/config"
)

var (
	defaultMu     sync.Mutex
	defaultClient *Client
)

// Initialize connects the process-wide graph client, replacing any
// previous one.
func Initialize(ctx context.Context, cfg config.GraphConfig) (*Client, error) {
	client, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultClient != nil {
		_ = defaultClient.Close(ctx)
	}
	defaultClient = client
	return client, nil
}

// Default returns the process-wide graph client, or nil before
// Initialize.
func Default() *Client {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultClient
}

// Reset closes and clears the process-wide client. Tests call this
// between runs.
func Reset(ctx context.Context) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultClient != nil {
		_ = defaultClient.Close(ctx)
		defaultClient = nil
	}
}
