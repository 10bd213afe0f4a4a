// Package agent implements responders: one domain-specialised assistant
// driving a bounded tool loop against the text-generation capability.
//
// A responder produces an ordered, finite event sequence of tool_call,
// tool_result and text_delta events ending in exactly one done event.
// The loop makes at most MaxSteps model round-trips; if the model is
// still requesting actions after the last one, the run is truncated and
// done carries whatever text was produced.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/supportdesk/internal/actions"
	"github.com/nugget/supportdesk/internal/llm"
	"github.com/nugget/supportdesk/internal/router"
	"github.com/nugget/supportdesk/internal/stream"
)

// DefaultMaxSteps bounds model round-trips per run.
const DefaultMaxSteps = 5

// Config describes one responder.
type Config struct {
	Category     string
	Name         string
	Instructions string
	Actions      *actions.Registry
	Client       llm.Client

	// Router picks the model per run. When nil, Model is used.
	Router *router.Router
	Model  string

	MaxSteps int
	Runs     *RunStore // optional run audit
	Logger   *slog.Logger
}

// Input is the context a responder runs against.
type Input struct {
	ConversationID string
	UserID         string
	// History is the chronological conversation, ending with the latest
	// user message.
	History []llm.Message
}

// Emit receives events in order. A non-nil error aborts the run.
type Emit func(stream.Event) error

// Responder is safe for concurrent use; it holds no per-run state.
type Responder struct {
	cfg    Config
	tools  []map[string]any
	logger *slog.Logger
}

// New creates a responder.
func New(cfg Config) *Responder {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Actions == nil {
		cfg.Actions = actions.NewRegistry(cfg.Logger)
	}
	return &Responder{
		cfg:    cfg,
		tools:  cfg.Actions.List(),
		logger: cfg.Logger.With("category", cfg.Category),
	}
}

// Category returns the responder's category.
func (r *Responder) Category() string { return r.cfg.Category }

// Name returns the responder's display name.
func (r *Responder) Name() string { return r.cfg.Name }

// Run drives the tool loop, delivering every event to emit, and returns
// the done payload (which has also been emitted).
func (r *Responder) Run(ctx context.Context, in Input, emit Emit) (*stream.DoneData, error) {
	runID := uuid.Must(uuid.NewV7()).String()
	start := time.Now()
	ctx = actions.WithUserID(ctx, in.UserID)

	model, decision := r.selectModel(ctx, in)

	messages := make([]llm.Message, 0, len(in.History)+1+2*r.cfg.MaxSteps)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: r.cfg.Instructions})
	messages = append(messages, in.History...)

	rec := &RunRecord{
		ID:             runID,
		ConversationID: in.ConversationID,
		Category:       r.cfg.Category,
		Model:          model,
		MaxSteps:       r.cfg.MaxSteps,
		StartedAt:      start,
	}

	done, err := r.loop(ctx, runID, model, messages, emit, rec)
	if err != nil {
		rec.Error = err.Error()
	}
	r.finish(ctx, rec, decision, err == nil)
	if err != nil {
		return nil, err
	}

	if err := emit(stream.Done(*done)); err != nil {
		return nil, err
	}
	return done, nil
}

func (r *Responder) loop(ctx context.Context, runID, model string, messages []llm.Message, emit Emit, rec *RunRecord) (*stream.DoneData, error) {
	var (
		full        strings.Builder
		invocations []stream.ToolInvocation
		seenIDs     = make(map[string]bool)
	)

	for step := 1; step <= r.cfg.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec.Steps = step

		iterStart := time.Now()
		r.logger.Debug("responder llm call",
			"run_id", runID,
			"step", step,
			"model", model,
			"msgs", len(messages),
		)

		var (
			streamed strings.Builder
			emitErr  error
		)
		resp, err := r.cfg.Client.ChatStream(ctx, model, messages, r.tools, func(token string) {
			if emitErr != nil || token == "" {
				return
			}
			streamed.WriteString(token)
			emitErr = emit(stream.TextDelta(token))
		})
		if emitErr != nil {
			return nil, emitErr
		}
		if err != nil {
			return nil, fmt.Errorf("generate (step %d): %w", step, err)
		}

		// Providers that return content without streaming it still owe
		// the consumer a delta, so the deltas always sum to the text.
		if streamed.Len() == 0 && resp.Message.Content != "" {
			streamed.WriteString(resp.Message.Content)
			if err := emit(stream.TextDelta(resp.Message.Content)); err != nil {
				return nil, err
			}
		}
		full.WriteString(streamed.String())

		rec.InputTokens += resp.InputTokens
		rec.OutputTokens += resp.OutputTokens

		r.logger.Debug("responder llm response",
			"run_id", runID,
			"step", step,
			"input_tokens", resp.InputTokens,
			"output_tokens", resp.OutputTokens,
			"tool_calls", len(resp.Message.ToolCalls),
			"stop_reason", resp.StopReason,
			"elapsed", time.Since(iterStart).Round(time.Millisecond),
		)

		if len(resp.Message.ToolCalls) == 0 {
			return &stream.DoneData{FullText: full.String(), ToolInvocations: invocations}, nil
		}

		if step == r.cfg.MaxSteps {
			rec.Truncated = true
			r.logger.Warn("responder step limit reached",
				"run_id", runID,
				"max_steps", r.cfg.MaxSteps,
				"pending_tool_calls", len(resp.Message.ToolCalls),
			)
			break
		}

		assistant := llm.Message{Role: llm.RoleAssistant, Content: streamed.String()}
		for _, tc := range resp.Message.ToolCalls {
			// Each invocation gets exactly one result, keyed by a unique ID.
			if tc.ID == "" || seenIDs[tc.ID] {
				tc.ID = "call_" + uuid.Must(uuid.NewV7()).String()
			}
			seenIDs[tc.ID] = true
			assistant.ToolCalls = append(assistant.ToolCalls, tc)
		}
		messages = append(messages, assistant)

		for _, tc := range assistant.ToolCalls {
			inv, content, err := r.execute(ctx, runID, tc, emit)
			if err != nil {
				return nil, err
			}
			invocations = append(invocations, inv)
			rec.ToolsCalled = append(rec.ToolsCalled, inv.Name)
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    content,
				ToolCallID: tc.ID,
			})
		}
	}

	return &stream.DoneData{FullText: full.String(), ToolInvocations: invocations}, nil
}

// execute announces, runs and reports one tool call. It returns the
// invocation record and the JSON handed back to the model.
func (r *Responder) execute(ctx context.Context, runID string, tc llm.ToolCall, emit Emit) (stream.ToolInvocation, string, error) {
	name := tc.Function.Name
	args := tc.Function.Arguments
	if args == nil {
		args = map[string]any{}
	}

	if err := emit(stream.Event{Type: stream.TypeToolCall, Data: stream.ToolCallData{ID: tc.ID, Name: name, Args: args}}); err != nil {
		return stream.ToolInvocation{}, "", err
	}

	toolStart := time.Now()
	result, err := r.cfg.Actions.Execute(ctx, name, args)
	if err != nil {
		r.logger.Error("responder action failed",
			"run_id", runID,
			"action", name,
			"error", err,
		)
		return stream.ToolInvocation{}, "", err
	}

	content, err := json.Marshal(result)
	if err != nil {
		return stream.ToolInvocation{}, "", fmt.Errorf("encode %s result: %w", name, err)
	}
	r.logger.Debug("responder action done",
		"run_id", runID,
		"action", name,
		"result_len", len(content),
		"elapsed", time.Since(toolStart).Round(time.Millisecond),
	)

	if err := emit(stream.Event{Type: stream.TypeToolResult, Data: stream.ToolResultData{ID: tc.ID, Name: name, Result: result}}); err != nil {
		return stream.ToolInvocation{}, "", err
	}
	return stream.ToolInvocation{ID: tc.ID, Name: name, Args: args, Result: result}, string(content), nil
}

func (r *Responder) selectModel(ctx context.Context, in Input) (string, *router.Decision) {
	if r.cfg.Router == nil {
		return r.cfg.Model, nil
	}
	model, decision := r.cfg.Router.Route(ctx, router.Request{
		Purpose:    router.PurposeRespond,
		Category:   r.cfg.Category,
		Query:      LastUserMessage(in.History),
		HistoryLen: len(in.History),
		ToolCount:  len(r.tools),
	})
	if model == "" {
		return r.cfg.Model, decision
	}
	return model, decision
}

func (r *Responder) finish(ctx context.Context, rec *RunRecord, decision *router.Decision, ok bool) {
	rec.CompletedAt = time.Now()
	rec.DurationMs = rec.CompletedAt.Sub(rec.StartedAt).Milliseconds()

	r.logger.Info("responder completed",
		"run_id", rec.ID,
		"conversation_id", rec.ConversationID,
		"model", rec.Model,
		"steps", rec.Steps,
		"tools", len(rec.ToolsCalled),
		"input_tokens", rec.InputTokens,
		"output_tokens", rec.OutputTokens,
		"truncated", rec.Truncated,
		"ok", ok,
		"elapsed", time.Duration(rec.DurationMs)*time.Millisecond,
	)

	if decision != nil {
		r.cfg.Router.RecordOutcome(decision.RequestID, rec.DurationMs, rec.InputTokens+rec.OutputTokens, ok)
	}
	if r.cfg.Runs != nil {
		// A cancelled request still leaves an audit row.
		if err := r.cfg.Runs.Record(context.WithoutCancel(ctx), rec); err != nil {
			r.logger.Warn("failed to persist run record", "run_id", rec.ID, "error", err)
		}
	}
}

// Stream runs the responder on its own goroutine. The channel closes
// after a done or error event, or when ctx is cancelled.
func (r *Responder) Stream(ctx context.Context, in Input) <-chan stream.Event {
	ch := make(chan stream.Event)
	go func() {
		defer close(ch)
		emit := func(ev stream.Event) error { return stream.Send(ctx, ch, ev) }
		if _, err := r.Run(ctx, in, emit); err != nil && ctx.Err() == nil {
			_ = emit(stream.Error(err.Error()))
		}
	}()
	return ch
}

// Generate runs the same loop without publishing partial events.
func (r *Responder) Generate(ctx context.Context, in Input) (*stream.DoneData, error) {
	return r.Run(ctx, in, func(stream.Event) error { return nil })
}

// LastUserMessage returns the content of the most recent user message.
func LastUserMessage(history []llm.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == llm.RoleUser {
			return history[i].Content
		}
	}
	return ""
}
