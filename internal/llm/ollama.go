package llm

import (
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

	"github.com/nugget/supportdesk/internal/httpkit"
)

const (
	defaultOllamaURL = "http://localhost:11434"
	// ollamaKeepAlive holds a model in memory between turns of the same
	// conversation.
	ollamaKeepAlive = "10m"
)

// OllamaClient talks to a local Ollama server's chat API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a client for the server at baseURL, or the
// local default when empty.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("provider", "ollama")
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
		httpClient: httpkit.NewClient(
			httpkit.Timeout(0),
			// A local server that is restarting refuses connections
			// for a moment.
			httpkit.Retry(2, 500*time.Millisecond),
			httpkit.Logger(logger),
		),
	}
}

type chatRequest struct {
	Model     string           `json:"model"`
	Messages  []wireMessage    `json:"messages"`
	Tools     []map[string]any `json:"tools,omitempty"`
	Stream    bool             `json:"stream"`
	KeepAlive string           `json:"keep_alive,omitempty"`
}

type wireMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
	// ToolName labels a tool result; Ollama has no call IDs.
	ToolName string `json:"tool_name,omitempty"`
}

type wireToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

// chatChunk is one NDJSON line of a streamed reply, or the whole reply
// when not streaming.
type chatChunk struct {
	Model           string      `json:"model"`
	Message         wireMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason,omitempty"`
	PromptEvalCount int         `json:"prompt_eval_count,omitempty"`
	EvalCount       int         `json:"eval_count,omitempty"`
	Error           string      `json:"error,omitempty"`
}

// Chat sends a non-streaming chat request.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream sends a chat request, streaming tokens to callback when it
// is non-nil.
func (c *OllamaClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	body, err := c.post(ctx, "/api/chat", chatRequest{
		Model:     model,
		Messages:  toWireMessages(messages),
		Tools:     tools,
		Stream:    callback != nil,
		KeepAlive: ollamaKeepAlive,
	})
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var resp *ChatResponse
	if callback == nil {
		resp, err = readChunk(body)
	} else {
		resp, err = readChunks(body, callback)
	}
	if err != nil {
		return nil, err
	}
	c.logger.Debug("chat complete",
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(resp.Message.ToolCalls),
		"streamed", callback != nil,
	)
	return resp, nil
}

// Ping lists installed models; a reachable server with none installed
// cannot answer and counts as down.
func (c *OllamaClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama unreachable: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama API error %d", resp.StatusCode)
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return fmt.Errorf("decode model list: %w", err)
	}
	if len(tags.Models) == 0 {
		return errors.New("ollama has no models installed")
	}
	return nil
}

func (c *OllamaClient) post(ctx context.Context, path string, payload any) (io.ReadCloser, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "path", path, "json", string(data))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}
	return resp.Body, nil
}

func readChunk(r io.Reader) (*ChatResponse, error) {
	var chunk chatChunk
	if err := json.NewDecoder(r).Decode(&chunk); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if chunk.Error != "" {
		return nil, fmt.Errorf("ollama: %s", chunk.Error)
	}
	return chunk.response(chunk.Message.Content, chunk.Message.ToolCalls), nil
}

// readChunks consumes an NDJSON stream until the done chunk. Tool calls
// may arrive on any chunk and are accumulated.
func readChunks(r io.Reader, callback StreamCallback) (*ChatResponse, error) {
	var (
		text  strings.Builder
		calls []wireToolCall
		dec   = json.NewDecoder(r)
	)
	for {
		var chunk chatChunk
		err := dec.Decode(&chunk)
		if errors.Is(err, io.EOF) {
			return nil, errors.New("ollama: stream ended before done")
		}
		if err != nil {
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Error != "" {
			return nil, fmt.Errorf("ollama: %s", chunk.Error)
		}

		if tok := chunk.Message.Content; tok != "" {
			text.WriteString(tok)
			callback(tok)
		}
		calls = append(calls, chunk.Message.ToolCalls...)
		if chunk.Done {
			return chunk.response(text.String(), calls), nil
		}
	}
}

func (ch *chatChunk) response(text string, calls []wireToolCall) *ChatResponse {
	msg := Message{Role: RoleAssistant, Content: text}
	for _, tc := range calls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			Function: ToolFunction{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
		})
	}
	return &ChatResponse{
		Model:        ch.Model,
		Message:      msg,
		StopReason:   ch.DoneReason,
		InputTokens:  ch.PromptEvalCount,
		OutputTokens: ch.EvalCount,
	}
}

// toWireMessages converts messages, resolving each tool result's call ID
// to the action name the model asked for.
func toWireMessages(messages []Message) []wireMessage {
	names := make(map[string]string)
	out := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		wm := wireMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			var w wireToolCall
			w.Function.Name = tc.Function.Name
			w.Function.Arguments = tc.Function.Arguments
			wm.ToolCalls = append(wm.ToolCalls, w)
			if tc.ID != "" {
				names[tc.ID] = tc.Function.Name
			}
		}
		if m.Role == RoleTool {
			wm.ToolName = names[m.ToolCallID]
		}
		out = append(out, wm)
	}
	return out
}
