package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nugget/supportdesk/internal/httpkit"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"

	// anthropicMaxTokens caps one support reply. Replies are a few
	// paragraphs at most; tool arguments are tiny.
	anthropicMaxTokens = 2048
)

// AnthropicClient talks to the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	pingModel  string
	maxTokens  int
	pacer      *rate.Limiter
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates an Anthropic client authenticated by apiKey.
func NewAnthropicClient(apiKey string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second
	pacer := rate.NewLimiter(rate.Inf, 1)

	return &AnthropicClient{
		apiKey:    apiKey,
		baseURL:   anthropicAPIURL,
		pingModel: "claude-3-5-haiku-latest",
		maxTokens: anthropicMaxTokens,
		logger:    logger.With("provider", "anthropic"),
		pacer:     pacer,
		httpClient: httpkit.NewClient(
			// Streams are bounded by ctx, not a client timeout.
			httpkit.Timeout(0),
			httpkit.Transport(t),
			httpkit.Pace(pacer),
		),
	}
}

// Pace limits outbound calls to perMinute requests, queueing the rest.
// Zero or less removes the limit.
func (c *AnthropicClient) Pace(perMinute int) {
	if perMinute <= 0 {
		c.pacer.SetLimit(rate.Inf)
		return
	}
	c.pacer.SetLimit(rate.Limit(float64(perMinute) / 60))
	c.pacer.SetBurst(max(1, perMinute/10))
}

type messagesRequest struct {
	Model     string           `json:"model"`
	System    string           `json:"system,omitempty"`
	Messages  []turn           `json:"messages"`
	Tools     []toolDefinition `json:"tools,omitempty"`
	MaxTokens int              `json:"max_tokens"`
	Stream    bool             `json:"stream,omitempty"`
}

// turn is one Messages API turn. Content is always a block list so
// tool results for the same assistant turn can share one user turn.
type turn struct {
	Role    string  `json:"role"`
	Content []block `json:"content"`
}

type block struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type toolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type messagesResponse struct {
	Model      string  `json:"model"`
	Content    []block `json:"content"`
	StopReason string  `json:"stop_reason"`
	Usage      usage   `json:"usage"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// streamEvent is the data payload of one server-sent event.
type streamEvent struct {
	Type         string            `json:"type"`
	ContentBlock *block            `json:"content_block,omitempty"`
	Delta        *streamDelta      `json:"delta,omitempty"`
	Message      *messagesResponse `json:"message,omitempty"`
	Usage        *usage            `json:"usage,omitempty"`
	Error        *apiError         `json:"error,omitempty"`
}

type streamDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Chat sends a non-streaming request.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream sends a request. When callback is non-nil the reply is
// streamed and text is forwarded as it arrives.
func (c *AnthropicClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	system, turns := toTurns(messages)
	req := messagesRequest{
		Model:     model,
		System:    system,
		Messages:  turns,
		Tools:     toToolDefinitions(tools),
		MaxTokens: c.maxTokens,
		Stream:    callback != nil,
	}

	c.logger.Debug("preparing request",
		"model", model,
		"turns", len(turns),
		"tools", len(req.Tools),
		"stream", req.Stream,
		"system_len", len(system),
	)

	body, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var resp *ChatResponse
	if req.Stream {
		resp, err = readStream(body, callback)
	} else {
		resp, err = readMessage(body)
	}
	if err != nil {
		return nil, err
	}

	c.logger.Debug("response received",
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"content_len", len(resp.Message.Content),
		"tool_calls", len(resp.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", resp.Message.Content)
	return resp, nil
}

// Ping verifies the API key with a one-token request; the API has no
// health endpoint.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	body, err := c.post(ctx, messagesRequest{
		Model:     c.pingModel,
		Messages:  []turn{{Role: RoleUser, Content: []block{{Type: "text", Text: "ping"}}}},
		MaxTokens: 1,
	})
	if err != nil {
		return err
	}
	httpkit.DrainAndClose(body, 4096)
	return nil
}

// post sends req and returns the body of a 200 response.
func (c *AnthropicClient) post(ctx context.Context, req messagesRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(payload))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic request: %w", err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp.Body, nil
	}

	errBody := httpkit.ReadErrorBody(resp.Body, 4096)
	c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, errors.New("anthropic: invalid API key")
	}
	return nil, fmt.Errorf("anthropic API error %d: %s", resp.StatusCode, errBody)
}

func readMessage(r io.Reader) (*ChatResponse, error) {
	var msg messagesResponse
	if err := json.NewDecoder(r).Decode(&msg); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := &ChatResponse{
		Model:        msg.Model,
		Message:      Message{Role: RoleAssistant},
		StopReason:   msg.StopReason,
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}
	var text strings.Builder
	for _, b := range msg.Content {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			args, _ := b.Input.(map[string]any)
			out.Message.ToolCalls = append(out.Message.ToolCalls, ToolCall{
				ID:       b.ID,
				Function: ToolFunction{Name: b.Name, Arguments: args},
			})
		}
	}
	out.Message.Content = text.String()
	return out, nil
}

// streamState accumulates a streamed reply.
type streamState struct {
	model    string
	stop     string
	usage    usage
	text     strings.Builder
	calls    []ToolCall
	tool     *block // open tool_use block
	toolJSON strings.Builder
}

func (s *streamState) apply(ev *streamEvent, callback StreamCallback) error {
	switch ev.Type {
	case "message_start":
		if ev.Message != nil {
			s.model = ev.Message.Model
			s.usage = ev.Message.Usage
		}

	case "content_block_start":
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
			s.tool = ev.ContentBlock
			s.toolJSON.Reset()
		}

	case "content_block_delta":
		if ev.Delta == nil {
			return nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			s.text.WriteString(ev.Delta.Text)
			callback(ev.Delta.Text)
		case "input_json_delta":
			s.toolJSON.WriteString(ev.Delta.PartialJSON)
		}

	case "content_block_stop":
		if s.tool == nil {
			return nil
		}
		args := map[string]any{}
		if s.toolJSON.Len() > 0 {
			if err := json.Unmarshal([]byte(s.toolJSON.String()), &args); err != nil {
				return fmt.Errorf("tool %s arguments: %w", s.tool.Name, err)
			}
		}
		s.calls = append(s.calls, ToolCall{
			ID:       s.tool.ID,
			Function: ToolFunction{Name: s.tool.Name, Arguments: args},
		})
		s.tool = nil

	case "message_delta":
		if ev.Usage != nil {
			s.usage.OutputTokens = ev.Usage.OutputTokens
		}
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			s.stop = ev.Delta.StopReason
		}

	case "error":
		if ev.Error != nil {
			return fmt.Errorf("anthropic stream error (%s): %s", ev.Error.Type, ev.Error.Message)
		}
		return errors.New("anthropic stream error")
	}
	return nil
}

func readStream(r io.Reader, callback StreamCallback) (*ChatResponse, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var s streamState
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue // event names and keep-alives
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		if err := s.apply(&ev, callback); err != nil {
			return nil, err
		}
		if ev.Type == "message_stop" {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	return &ChatResponse{
		Model: s.model,
		Message: Message{
			Role:      RoleAssistant,
			Content:   s.text.String(),
			ToolCalls: s.calls,
		},
		StopReason:   s.stop,
		InputTokens:  s.usage.InputTokens,
		OutputTokens: s.usage.OutputTokens,
	}, nil
}

// toTurns splits out the system prompt and maps the rest of the history
// to Messages API turns. Consecutive tool results are merged into one
// user turn, as the API expects all results for an assistant turn
// together.
func toTurns(messages []Message) (string, []turn) {
	var (
		system []string
		turns  []turn
	)
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)

		case RoleAssistant:
			var blocks []block
			if m.Content != "" {
				blocks = append(blocks, block{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				args := tc.Function.Arguments
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, block{Type: "tool_use", ID: tc.ID, Name: tc.Function.Name, Input: args})
			}
			if len(blocks) == 0 {
				continue
			}
			turns = append(turns, turn{Role: RoleAssistant, Content: blocks})

		case RoleTool:
			result := block{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content}
			if n := len(turns); n > 0 && turns[n-1].Role == RoleUser && turns[n-1].Content[0].Type == "tool_result" {
				turns[n-1].Content = append(turns[n-1].Content, result)
				continue
			}
			turns = append(turns, turn{Role: RoleUser, Content: []block{result}})

		case RoleUser:
			turns = append(turns, turn{Role: RoleUser, Content: []block{{Type: "text", Text: m.Content}}})
		}
	}
	return strings.Join(system, "\n\n"), turns
}

// toToolDefinitions maps registry tool definitions ({"type":"function",
// "function":{name, description, parameters}}) to Anthropic tools.
func toToolDefinitions(tools []map[string]any) []toolDefinition {
	if len(tools) == 0 {
		return nil
	}
	out := make([]toolDefinition, 0, len(tools))
	for _, t := range tools {
		fn, ok := t["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)
		params := fn["parameters"]
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, toolDefinition{Name: name, Description: desc, InputSchema: params})
	}
	return out
}
