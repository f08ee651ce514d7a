package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sibyldev/sibyl/internal/httpclient"
	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/errs"
)

const openAIChatDefaultBaseURL = "https://api.openai.com/v1"

// OpenAI talks to the OpenAI Chat Completions API.
type OpenAI struct {
	cfg     config.LLMProviderConfig
	client  *httpclient.Client
	baseURL string
}

type openAIChatRequest struct {
	Model               string              `json:"model"`
	Messages            []openAIChatMessage `json:"messages"`
	MaxTokens           int                 `json:"max_tokens,omitempty"`
	MaxCompletionTokens int                 `json:"max_completion_tokens,omitempty"`
	Temperature         *float64            `json:"temperature,omitempty"`
	Stream              bool                `json:"stream,omitempty"`
	StreamOptions       *openAIStreamOpts   `json:"stream_options,omitempty"`
	Tools               []openAIChatTool    `json:"tools,omitempty"`
	ToolChoice          string              `json:"tool_choice,omitempty"`
}

type openAIStreamOpts struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIChatMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIChatTool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type openAIToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type openAIChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message      openAIChatMessage `json:"message"`
		FinishReason string            `json:"finish_reason"`
	} `json:"choices"`
	Usage openAIChatUsage `json:"usage"`
}

type openAIChatStreamResponse struct {
	Choices []struct {
		Delta        openAIStreamDelta `json:"delta"`
		FinishReason string            `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIChatUsage `json:"usage,omitempty"`
}

type openAIStreamDelta struct {
	Content   string           `json:"content,omitempty"`
	ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
}

// NewOpenAI builds a Chat Completions provider from config.
func NewOpenAI(cfg config.LLMProviderConfig) (*OpenAI, error) {
	const op = "NewOpenAI"

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.ValidationError, component, op, err)
	}

	baseURL := openAIChatDefaultBaseURL
	if cfg.BaseURL != "" {
		baseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}

	return &OpenAI{
		cfg: cfg,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(time.Second),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIRateLimitHeaders),
		),
		baseURL: baseURL,
	}, nil
}

func (p *OpenAI) Model() string { return p.cfg.Model }

func (p *OpenAI) Cost(u Usage) float64 {
	return u.Cost(p.cfg.InputCostPer1M, p.cfg.OutputCostPer1M)
}

func (p *OpenAI) Close() error { return nil }

// Generate runs one blocking completion.
func (p *OpenAI) Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (*Completion, error) {
	const op = "Generate"

	resp, err := p.post(ctx, op, p.buildRequest(messages, tools, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, openAIChatError(op, resp.StatusCode, body)
	}

	var decoded openAIChatResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	if len(decoded.Choices) == 0 {
		return nil, errs.New(errs.UpstreamUnavailable, component, op, "response carried no choices")
	}

	choice := decoded.Choices[0]
	out := &Completion{
		Text: choice.Message.Content,
		Usage: Usage{
			InputTokens:  decoded.Usage.PromptTokens,
			OutputTokens: decoded.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		parsed, err := parseOpenAIToolCall(tc)
		if err != nil {
			return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
		}
		out.ToolCalls = append(out.ToolCalls, parsed)
	}
	return out, nil
}

// GenerateStreaming runs one streaming completion.
func (p *OpenAI) GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	out := make(chan StreamChunk, 16)

	go func() {
		defer close(out)
		if err := p.stream(ctx, p.buildRequest(messages, tools, true), out); err != nil {
			emit(ctx, out, StreamChunk{Type: ChunkError, Err: err})
		}
	}()

	return out, nil
}

func (p *OpenAI) buildRequest(messages []Message, tools []ToolDefinition, stream bool) openAIChatRequest {
	converted := make([]openAIChatMessage, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			converted = append(converted, openAIChatMessage{Role: "system", Content: msg.Content})

		case RoleUser:
			converted = append(converted, openAIChatMessage{Role: "user", Content: msg.Content})

		case RoleAssistant:
			m := openAIChatMessage{Role: "assistant", Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				args, _ := json.Marshal(tc.Args)
				m.ToolCalls = append(m.ToolCalls, openAIToolCall{
					ID:       tc.ID,
					Type:     "function",
					Function: openAIFunctionCall{Name: tc.Name, Arguments: string(args)},
				})
			}
			converted = append(converted, m)

		case RoleTool:
			for _, tr := range msg.ToolResults {
				converted = append(converted, openAIChatMessage{
					Role:       "tool",
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		}
	}

	request := openAIChatRequest{
		Model:    p.cfg.Model,
		Messages: converted,
		Stream:   stream,
	}
	if stream {
		request.StreamOptions = &openAIStreamOpts{IncludeUsage: true}
	}

	// Reasoning models take max_completion_tokens and only run at the
	// default temperature.
	if isOpenAIReasoningModel(p.cfg.Model) {
		request.MaxCompletionTokens = p.cfg.MaxTokens
	} else {
		request.MaxTokens = p.cfg.MaxTokens
		request.Temperature = p.cfg.Temperature
	}

	if len(tools) > 0 {
		for _, tool := range tools {
			request.Tools = append(request.Tools, openAIChatTool{
				Type:     "function",
				Function: openAIFunction{Name: tool.Name, Description: tool.Description, Parameters: tool.Parameters},
			})
		}
		request.ToolChoice = "auto"
	}
	return request
}

func isOpenAIReasoningModel(model string) bool {
	m := strings.ToLower(model)
	for _, family := range []string{"o1", "o3", "o4", "gpt-5"} {
		if m == family || strings.HasPrefix(m, family+"-") {
			return true
		}
	}
	return false
}

func (p *OpenAI) post(ctx context.Context, op string, request openAIChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, errs.Wrap(errs.ValidationError, component, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, errs.Wrap(errs.Unknown, component, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

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

func (p *OpenAI) stream(ctx context.Context, request openAIChatRequest, out chan<- StreamChunk) error {
	const op = "GenerateStreaming"

	resp, err := p.post(ctx, op, request)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return openAIChatError(op, resp.StatusCode, body)
	}

	var usage Usage
	calls := make(map[int]*openAIToolCall)

	// flush emits the accumulated tool calls in index order.
	flush := func() bool {
		if len(calls) == 0 {
			return true
		}
		keys := make([]int, 0, len(calls))
		for k := range calls {
			keys = append(keys, k)
		}
		sort.Ints(keys)
		for _, k := range keys {
			parsed, err := parseOpenAIToolCall(*calls[k])
			if err != nil {
				continue
			}
			if !emit(ctx, out, StreamChunk{Type: ChunkToolCall, ToolCall: &parsed}) {
				return false
			}
		}
		calls = make(map[int]*openAIToolCall)
		return true
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		if data == "[DONE]" {
			if !flush() {
				return nil
			}
			emit(ctx, out, StreamChunk{Type: ChunkDone, Usage: usage})
			return nil
		}

		var event openAIChatStreamResponse
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}

		if event.Usage != nil {
			usage.InputTokens = event.Usage.PromptTokens
			usage.OutputTokens = event.Usage.CompletionTokens
		}
		if len(event.Choices) == 0 {
			continue
		}
		choice := event.Choices[0]

		if choice.Delta.Content != "" {
			if !emit(ctx, out, StreamChunk{Type: ChunkText, Text: choice.Delta.Content}) {
				return nil
			}
		}

		for _, delta := range choice.Delta.ToolCalls {
			key := len(calls)
			switch {
			case delta.Index != nil:
				key = *delta.Index
			case delta.ID == "" && len(calls) > 0:
				key = len(calls) - 1
			}

			acc, ok := calls[key]
			if !ok {
				acc = &openAIToolCall{}
				calls[key] = acc
			}
			if delta.ID != "" {
				acc.ID = delta.ID
			}
			if delta.Function.Name != "" {
				acc.Function.Name = delta.Function.Name
			}
			acc.Function.Arguments += delta.Function.Arguments
		}

		// Tool calls are complete once the choice reports a finish
		// reason; usage may still follow in a trailing event.
		if choice.FinishReason != "" {
			if !flush() {
				return nil
			}
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return errs.Wrap(errs.Timeout, component, op, ctx.Err())
		}
		return errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	return errs.New(errs.UpstreamUnavailable, component, op, "stream ended without [DONE]")
}

func parseOpenAIToolCall(tc openAIToolCall) (ToolCall, error) {
	out := ToolCall{ID: tc.ID, Name: tc.Function.Name}
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &out.Args); err != nil {
			return ToolCall{}, err
		}
	}
	return out, nil
}

func openAIChatError(op string, status int, body []byte) error {
	var decoded struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	message := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &decoded); err == nil && decoded.Error.Message != "" {
		message = decoded.Error.Message
	}

	kind := errs.UpstreamUnavailable
	switch status {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		kind = errs.ValidationError
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = errs.Unauthorized
	}
	return errs.Newf(kind, component, op, "openai status %d: %s", status, message)
}
