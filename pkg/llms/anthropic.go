package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sibyldev/sibyl/internal/httpclient"
	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/errs"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
)

// Anthropic talks to the Anthropic Messages API.
type Anthropic struct {
	cfg     config.LLMProviderConfig
	client  *httpclient.Client
	baseURL string
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	System      string             `json:"system,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
	Error      *anthropicAPIError `json:"error,omitempty"`
}

type anthropicAPIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicStreamEvent struct {
	Type         string             `json:"type"`
	Index        int                `json:"index,omitempty"`
	Delta        *anthropicDelta    `json:"delta,omitempty"`
	ContentBlock *anthropicContent  `json:"content_block,omitempty"`
	Message      *anthropicResponse `json:"message,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
	Error        *anthropicAPIError `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// NewAnthropic builds a Messages API provider from config.
func NewAnthropic(cfg config.LLMProviderConfig) (*Anthropic, error) {
	const op = "NewAnthropic"

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.ValidationError, component, op, err)
	}

	baseURL := anthropicDefaultBaseURL
	if cfg.BaseURL != "" {
		baseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}

	return &Anthropic{
		cfg: cfg,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(time.Second),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicRateLimitHeaders),
		),
		baseURL: baseURL,
	}, nil
}

func (p *Anthropic) Model() string { return p.cfg.Model }

func (p *Anthropic) Cost(u Usage) float64 {
	return u.Cost(p.cfg.InputCostPer1M, p.cfg.OutputCostPer1M)
}

func (p *Anthropic) Close() error { return nil }

// Generate runs one blocking completion.
func (p *Anthropic) Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (*Completion, error) {
	const op = "Generate"

	resp, err := p.send(ctx, op, p.buildRequest(messages, tools, false))
	if err != nil {
		return nil, err
	}

	out := &Completion{
		Usage: Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
	}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Text += block.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Args: block.Input})
		}
	}
	return out, nil
}

// GenerateStreaming runs one streaming completion.
func (p *Anthropic) GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	out := make(chan StreamChunk, 16)

	go func() {
		defer close(out)
		if err := p.stream(ctx, p.buildRequest(messages, tools, true), out); err != nil {
			emit(ctx, out, StreamChunk{Type: ChunkError, Err: err})
		}
	}()

	return out, nil
}

func (p *Anthropic) buildRequest(messages []Message, tools []ToolDefinition, stream bool) anthropicRequest {
	var systemParts []string
	converted := make([]anthropicMessage, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			if msg.Content != "" {
				systemParts = append(systemParts, msg.Content)
			}

		case RoleUser:
			converted = append(converted, anthropicMessage{
				Role:    "user",
				Content: []anthropicContent{{Type: "text", Text: msg.Content}},
			})

		case RoleAssistant:
			var blocks []anthropicContent
			if msg.Content != "" {
				blocks = append(blocks, anthropicContent{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Args
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropicContent{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: args})
			}
			if len(blocks) == 0 {
				continue
			}
			converted = append(converted, anthropicMessage{Role: "assistant", Content: blocks})

		case RoleTool:
			// Tool results go back as user turns in the Messages API.
			for _, tr := range msg.ToolResults {
				converted = append(converted, anthropicMessage{
					Role: "user",
					Content: []anthropicContent{{
						Type:      "tool_result",
						ToolUseID: tr.ToolCallID,
						Content:   tr.Content,
						IsError:   tr.IsError,
					}},
				})
			}
		}
	}

	request := anthropicRequest{
		Model:     p.cfg.Model,
		Messages:  converted,
		MaxTokens: p.cfg.MaxTokens,
		Stream:    stream,
		System:    strings.Join(systemParts, "\n\n"),
	}
	if p.cfg.Temperature != nil {
		request.Temperature = *p.cfg.Temperature
	}

	for _, tool := range tools {
		request.Tools = append(request.Tools, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Parameters,
		})
	}
	return request
}

func (p *Anthropic) post(ctx context.Context, op string, request anthropicRequest) (*http.Response, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, errs.Wrap(errs.ValidationError, component, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, errs.Wrap(errs.Unknown, component, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	// Do reports non-2xx statuses as errors alongside the response; the
	// caller classifies those from the status code.
	resp, err := p.client.Do(req)
	if err != nil && resp == nil {
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.Timeout, component, op, err)
		}
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	return resp, nil
}

func (p *Anthropic) send(ctx context.Context, op string, request anthropicRequest) (*anthropicResponse, error) {
	resp, err := p.post(ctx, op, request)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, anthropicError(op, resp.StatusCode, body)
	}

	var decoded anthropicResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	if decoded.Error != nil {
		return nil, errs.Newf(errs.UpstreamUnavailable, component, op, "anthropic: %s", decoded.Error.Message)
	}
	return &decoded, nil
}

func (p *Anthropic) stream(ctx context.Context, request anthropicRequest, out chan<- StreamChunk) error {
	const op = "GenerateStreaming"

	resp, err := p.post(ctx, op, request)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return anthropicError(op, resp.StatusCode, body)
	}

	var (
		usage   Usage
		pending = make(map[int]*ToolCall)
		argJSON = make(map[int]*strings.Builder)
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			return errs.Wrap(errs.UpstreamUnavailable, component, op, err)
		}

		switch event.Type {
		case "error":
			if event.Error != nil {
				return errs.Newf(errs.UpstreamUnavailable, component, op, "anthropic: %s", event.Error.Message)
			}

		case "message_start":
			if event.Message != nil {
				usage.InputTokens = event.Message.Usage.InputTokens
			}

		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				pending[event.Index] = &ToolCall{ID: event.ContentBlock.ID, Name: event.ContentBlock.Name}
				argJSON[event.Index] = &strings.Builder{}
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			if event.Delta.Text != "" {
				if !emit(ctx, out, StreamChunk{Type: ChunkText, Text: event.Delta.Text}) {
					return nil
				}
			}
			if event.Delta.Type == "input_json_delta" && event.Delta.PartialJSON != "" {
				if buf, ok := argJSON[event.Index]; ok {
					buf.WriteString(event.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			tc, ok := pending[event.Index]
			if !ok {
				continue
			}
			delete(pending, event.Index)
			if buf := argJSON[event.Index]; buf != nil && buf.Len() > 0 {
				var args map[string]any
				if err := json.Unmarshal([]byte(buf.String()), &args); err == nil {
					tc.Args = args
				}
			}
			delete(argJSON, event.Index)
			if !emit(ctx, out, StreamChunk{Type: ChunkToolCall, ToolCall: tc}) {
				return nil
			}

		case "message_delta":
			if event.Usage != nil {
				usage.OutputTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			emit(ctx, out, StreamChunk{Type: ChunkDone, Usage: usage})
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return errs.Wrap(errs.Timeout, component, op, ctx.Err())
		}
		return errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	return errs.New(errs.UpstreamUnavailable, component, op, "stream ended without message_stop")
}

func anthropicError(op string, status int, body []byte) error {
	var decoded struct {
		Error *anthropicAPIError `json:"error"`
	}
	message := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &decoded); err == nil && decoded.Error != nil {
		message = decoded.Error.Message
	}

	kind := errs.UpstreamUnavailable
	switch status {
	case http.StatusBadRequest:
		kind = errs.ValidationError
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = errs.Unauthorized
	}
	return errs.Newf(kind, component, op, "anthropic status %d: %s", status, message)
}
