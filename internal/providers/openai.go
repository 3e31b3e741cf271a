package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	openaiDefaultBase  = "https://api.openai.com/v1"
	openaiDefaultModel = "gpt-4o-mini"

	// Default deadline for non-streaming calls when the caller set none.
	chatTimeout = 2 * time.Minute
)

// OpenAIProvider speaks the OpenAI chat-completions API. It covers
// OpenAI itself and every compatible server (OpenRouter, vLLM, Ollama,
// LM Studio) via a custom base URL.
type OpenAIProvider struct {
	name    string
	apiKey  string
	baseURL string
	model   string
	headers map[string]string // static extra headers per request
	client  *http.Client
}

// NewOpenAIProvider creates a provider against an OpenAI-compatible
// endpoint. Empty baseURL and model fall back to OpenAI defaults.
func NewOpenAIProvider(name, apiKey, baseURL, model string) *OpenAIProvider {
	if name == "" {
		name = "openai"
	}
	if baseURL == "" {
		baseURL = openaiDefaultBase
	}
	if model == "" {
		model = openaiDefaultModel
	}
	return &OpenAIProvider{
		name:    name,
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		// No client timeout: streams run long, non-streaming calls get a
		// context deadline instead.
		client: &http.Client{},
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

// DefaultModel returns the model used when a request does not name one.
func (p *OpenAIProvider) DefaultModel() string { return p.model }

// SetHeader adds a static header sent with every request.
func (p *OpenAIProvider) SetHeader(key, value string) {
	if p.headers == nil {
		p.headers = make(map[string]string)
	}
	p.headers[key] = value
}

// --- Wire types ---

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON-encoded argument object
}

type wireRequest struct {
	Model       string           `json:"model"`
	Messages    []wireMessage    `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	TopP        *float64         `json:"top_p,omitempty"`
}

type wireResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role             string         `json:"role"`
			Content          string         `json:"content"`
			ReasoningContent string         `json:"reasoning_content,omitempty"`
			ToolCalls        []wireToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (p *OpenAIProvider) buildRequest(req ChatRequest, stream bool) wireRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}

	messages := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		wm := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Arguments)
			if err != nil {
				args = []byte("{}")
			}
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireFunction{
					Name:      tc.Name,
					Arguments: string(args),
				},
			})
		}
		messages = append(messages, wm)
	}

	wr := wireRequest{
		Model:    model,
		Messages: messages,
		Tools:    CleanToolSchemas(p.name, model, req.Tools),
		Stream:   stream,
	}
	for k, v := range req.Options {
		switch k {
		case "max_tokens":
			wr.MaxTokens = asInt(v)
		case "temperature":
			if f, ok := asFloat(v); ok {
				wr.Temperature = &f
			}
		case "top_p":
			if f, ok := asFloat(v); ok {
				wr.TopP = &f
			}
		}
	}
	return wr
}

func (p *OpenAIProvider) post(ctx context.Context, wr wireRequest) (*http.Response, error) {
	body, err := json.Marshal(wr)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 32*1024))
		return nil, fmt.Errorf("%s API error %d: %s", p.name, resp.StatusCode, strings.TrimSpace(string(errBody)))
	}
	return resp, nil
}

// Chat performs a non-streaming completion.
func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, chatTimeout)
		defer cancel()
	}

	resp, err := p.post(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wr wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, fmt.Errorf("parse %s response: %w", p.name, err)
	}
	if wr.Error != nil {
		return nil, fmt.Errorf("%s API error: %s", p.name, wr.Error.Message)
	}
	if len(wr.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices", p.name)
	}

	choice := wr.Choices[0]
	out := &ChatResponse{
		Content:      choice.Message.Content,
		Thinking:     choice.Message.ReasoningContent,
		FinishReason: choice.FinishReason,
		Model:        wr.Model,
		Usage:        wr.Usage,
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, parseToolCall(tc.ID, tc.Function.Name, tc.Function.Arguments))
	}
	return out, nil
}

// --- Streaming ---

type streamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content          string `json:"content,omitempty"`
			ReasoningContent string `json:"reasoning_content,omitempty"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id,omitempty"`
				Function struct {
					Name      string `json:"name,omitempty"`
					Arguments string `json:"arguments,omitempty"`
				} `json:"function"`
			} `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage,omitempty"`
}

// toolCallBuffer accumulates one streamed tool call; arguments arrive as
// string fragments across many chunks.
type toolCallBuffer struct {
	id   string
	name string
	args strings.Builder
}

// ChatStream performs a streaming completion, invoking onChunk for each
// delta and returning the assembled response after the stream ends.
func (p *OpenAIProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	resp, err := p.post(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out := &ChatResponse{}
	var content, thinking strings.Builder
	buffers := make(map[int]*toolCallBuffer)
	maxIndex := -1

	scanner := bufio.NewScanner(resp.Body)
	// Tool argument deltas can push SSE lines past the default 64KB cap.
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			slog.Debug("stream chunk parse failed", "provider", p.name, "error", err)
			continue
		}
		if chunk.Model != "" {
			out.Model = chunk.Model
		}
		if chunk.Usage != nil {
			out.Usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.ReasoningContent != "" {
			thinking.WriteString(choice.Delta.ReasoningContent)
			if onChunk != nil {
				onChunk(StreamChunk{Thinking: choice.Delta.ReasoningContent})
			}
		}
		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			if onChunk != nil {
				onChunk(StreamChunk{Content: choice.Delta.Content})
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			buf, ok := buffers[tc.Index]
			if !ok {
				buf = &toolCallBuffer{}
				buffers[tc.Index] = buf
				if tc.Index > maxIndex {
					maxIndex = tc.Index
				}
			}
			if tc.ID != "" {
				buf.id = tc.ID
			}
			if tc.Function.Name != "" {
				buf.name = tc.Function.Name
			}
			buf.args.WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason != "" {
			out.FinishReason = choice.FinishReason
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s stream read: %w", p.name, err)
	}

	// Assemble buffered tool calls preserving stream order.
	for i := 0; i <= maxIndex; i++ {
		buf, ok := buffers[i]
		if !ok {
			continue
		}
		out.ToolCalls = append(out.ToolCalls, parseToolCall(buf.id, buf.name, buf.args.String()))
	}

	out.Content = content.String()
	out.Thinking = thinking.String()

	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	return out, nil
}

// parseToolCall decodes the wire arguments string into a map. Malformed
// argument payloads become empty maps rather than failing the whole
// completion.
func parseToolCall(id, name, args string) ToolCall {
	tc := ToolCall{ID: id, Name: name, Arguments: map[string]interface{}{}}
	if strings.TrimSpace(args) == "" {
		return tc
	}
	if err := json.Unmarshal([]byte(args), &tc.Arguments); err != nil {
		slog.Warn("tool call arguments unparseable", "tool", name, "error", err)
		tc.Arguments = map[string]interface{}{}
	}
	return tc
}

func asInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
