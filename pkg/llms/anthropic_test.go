package llms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/errs"
)

func anthropicTestConfig(baseURL string) config.LLMProviderConfig {
	return config.LLMProviderConfig{
		Type:    config.LLMProviderAnthropic,
		Model:   "claude-sonnet-4-20250514",
		APIKey:  "sk-ant-test",
		BaseURL: baseURL,
		Timeout: 5 * time.Second,
	}
}

func TestAnthropic_Generate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "sk-ant-test" {
			t.Errorf("unexpected api key header %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != anthropicVersion {
			t.Errorf("unexpected version header %q", got)
		}

		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		if req.System != "be brief" {
			t.Errorf("system prompt not lifted out: %q", req.System)
		}
		if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
			t.Errorf("unexpected messages %+v", req.Messages)
		}
		if len(req.Tools) != 1 || req.Tools[0].Name != "search" {
			t.Errorf("unexpected tools %+v", req.Tools)
		}

		_ = json.NewEncoder(w).Encode(anthropicResponse{
			Content: []anthropicContent{{Type: "text", Text: "hello back"}},
			Usage:   anthropicUsage{InputTokens: 11, OutputTokens: 4},
		})
	}))
	defer server.Close()

	provider, err := NewAnthropic(anthropicTestConfig(server.URL))
	if err != nil {
		t.Fatalf("NewAnthropic failed: %v", err)
	}

	out, err := provider.Generate(context.Background(),
		[]Message{SystemMessage("be brief"), UserMessage("hello")},
		[]ToolDefinition{{Name: "search", Description: "search the graph", Parameters: map[string]any{"type": "object"}}},
	)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if out.Text != "hello back" {
		t.Errorf("unexpected text %q", out.Text)
	}
	if out.Usage.Total() != 15 {
		t.Errorf("expected 15 total tokens, got %d", out.Usage.Total())
	}
}

func TestAnthropic_GenerateToolUse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(anthropicResponse{
			Content: []anthropicContent{
				{Type: "text", Text: "let me look"},
				{Type: "tool_use", ID: "toolu_1", Name: "search", Input: map[string]any{"query": "auth"}},
			},
			StopReason: "tool_use",
			Usage:      anthropicUsage{InputTokens: 30, OutputTokens: 12},
		})
	}))
	defer server.Close()

	provider, err := NewAnthropic(anthropicTestConfig(server.URL))
	if err != nil {
		t.Fatalf("NewAnthropic failed: %v", err)
	}

	out, err := provider.Generate(context.Background(), []Message{UserMessage("find auth docs")}, nil)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(out.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(out.ToolCalls))
	}
	tc := out.ToolCalls[0]
	if tc.ID != "toolu_1" || tc.Name != "search" || tc.Args["query"] != "auth" {
		t.Errorf("unexpected tool call %+v", tc)
	}
}

func TestAnthropic_GenerateStreaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		if !req.Stream {
			t.Error("expected stream=true")
		}

		events := []string{
			`data: {"type":"message_start","message":{"usage":{"input_tokens":12,"output_tokens":0}}}`,
			`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" there"}}`,
			`data: {"type":"content_block_stop","index":0}`,
			`data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_9","name":"explore"}}`,
			`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"entity_id\":"}}`,
			`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"task_abc\"}"}}`,
			`data: {"type":"content_block_stop","index":1}`,
			`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":9}}`,
			`data: {"type":"message_stop"}`,
		}
		for _, ev := range events {
			_, _ = w.Write([]byte(ev + "\n\n"))
		}
	}))
	defer server.Close()

	provider, err := NewAnthropic(anthropicTestConfig(server.URL))
	if err != nil {
		t.Fatalf("NewAnthropic failed: %v", err)
	}

	ch, err := provider.GenerateStreaming(context.Background(), []Message{UserMessage("hi")}, nil)
	if err != nil {
		t.Fatalf("GenerateStreaming failed: %v", err)
	}

	var chunks []StreamChunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
	}
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d: %+v", len(chunks), chunks)
	}

	if chunks[0].Type != ChunkText || chunks[0].Text != "Hello" {
		t.Errorf("chunk 0: %+v", chunks[0])
	}
	if chunks[1].Type != ChunkText || chunks[1].Text != " there" {
		t.Errorf("chunk 1: %+v", chunks[1])
	}
	if chunks[2].Type != ChunkToolCall {
		t.Fatalf("chunk 2: %+v", chunks[2])
	}
	tc := chunks[2].ToolCall
	if tc.ID != "toolu_9" || tc.Name != "explore" || tc.Args["entity_id"] != "task_abc" {
		t.Errorf("tool call args not reassembled: %+v", tc)
	}
	done := chunks[3]
	if done.Type != ChunkDone {
		t.Fatalf("chunk 3: %+v", done)
	}
	if done.Usage.InputTokens != 12 || done.Usage.OutputTokens != 9 {
		t.Errorf("usage not carried: %+v", done.Usage)
	}
}

func TestAnthropic_StreamingAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"max_tokens too large"}}`))
	}))
	defer server.Close()

	provider, err := NewAnthropic(anthropicTestConfig(server.URL))
	if err != nil {
		t.Fatalf("NewAnthropic failed: %v", err)
	}

	ch, err := provider.GenerateStreaming(context.Background(), []Message{UserMessage("hi")}, nil)
	if err != nil {
		t.Fatalf("GenerateStreaming failed: %v", err)
	}

	var last StreamChunk
	for chunk := range ch {
		last = chunk
	}
	if last.Type != ChunkError {
		t.Fatalf("expected a terminal error chunk, got %+v", last)
	}
	if !errs.IsKind(last.Err, errs.ValidationError) {
		t.Errorf("expected ValidationError, got %v", last.Err)
	}
}

func TestAnthropic_ErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   errs.Kind
	}{
		{"bad request", http.StatusBadRequest, errs.ValidationError},
		{"bad key", http.StatusUnauthorized, errs.Unauthorized},
		{"overloaded", http.StatusServiceUnavailable, errs.UpstreamUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"type":"api_error","message":"nope"}}`))
			}))
			defer server.Close()

			cfg := anthropicTestConfig(server.URL)
			cfg.MaxRetries = 1
			provider, err := NewAnthropic(cfg)
			if err != nil {
				t.Fatalf("NewAnthropic failed: %v", err)
			}
			if _, err := provider.Generate(context.Background(), []Message{UserMessage("hi")}, nil); !errs.IsKind(err, tt.kind) {
				t.Errorf("expected %v, got %v", tt.kind, err)
			}
		})
	}
}

func TestAnthropic_Cost(t *testing.T) {
	cfg := anthropicTestConfig("http://localhost")
	cfg.InputCostPer1M = 3
	cfg.OutputCostPer1M = 15
	provider, err := NewAnthropic(cfg)
	if err != nil {
		t.Fatalf("NewAnthropic failed: %v", err)
	}

	got := provider.Cost(Usage{InputTokens: 1_000_000, OutputTokens: 500_000})
	if got != 10.5 {
		t.Errorf("expected 10.5 USD, got %v", got)
	}
	if provider.Cost(Usage{}) != 0 {
		t.Error("zero usage must cost zero")
	}
}
