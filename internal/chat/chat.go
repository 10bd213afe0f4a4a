// Package chat owns the lifecycle of one customer message: it resolves
// the conversation, persists the user's turn, hands the history to the
// delegator, relays its events, and persists the assistant's reply once
// the responder has finished.
//
// Requests on the same conversation are serialised. The final done
// event is emitted only after the assistant message is durable, so a
// client that sees done can immediately read the reply back.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/nugget/supportdesk/internal/agent"
	"github.com/nugget/supportdesk/internal/delegate"
	"github.com/nugget/supportdesk/internal/events"
	"github.com/nugget/supportdesk/internal/llm"
	"github.com/nugget/supportdesk/internal/store"
	"github.com/nugget/supportdesk/internal/stream"
)

// ErrConversationNotFound is returned for conversations that do not
// exist or belong to another user.
var ErrConversationNotFound = errors.New("conversation not found")

// RequestError is a request that ended in an error event. Message is
// safe to show to the customer.
type RequestError struct {
	Message string
}

func (e *RequestError) Error() string { return e.Message }

const (
	defaultMaxHistory = 50

	titleMaxRunes = 50
	titleKeep     = 47

	saveFailedMessage = "Your message was received but the reply could not be saved. Please try again."
)

// Processor is the classification and response stage.
type Processor interface {
	Process(ctx context.Context, req delegate.Request) <-chan stream.Event
}

// Config wires an Orchestrator.
type Config struct {
	Store      *store.Store
	Processor  Processor
	MaxHistory int
	Bus        *events.Bus
	Logger     *slog.Logger
}

// Orchestrator handles chat messages.
type Orchestrator struct {
	store      *store.Store
	processor  Processor
	maxHistory int
	bus        *events.Bus
	logger     *slog.Logger
	locks      *keyedMutex
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = defaultMaxHistory
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		store:      cfg.Store,
		processor:  cfg.Processor,
		maxHistory: cfg.MaxHistory,
		bus:        cfg.Bus,
		logger:     cfg.Logger.With("component", "chat"),
		locks:      newKeyedMutex(),
	}
}

// Request is one inbound customer message.
type Request struct {
	UserID         string
	ConversationID string // empty starts a new conversation
	Message        string
	RequestID      string // generated when empty
}

// Result is the outcome of a synchronous request.
type Result struct {
	ConversationID string   `json:"conversationId"`
	MessageID      string   `json:"messageId"`
	Category       string   `json:"category"`
	Response       string   `json:"response"`
	ToolsUsed      []string `json:"toolsUsed"`
}

// Stream handles req and returns its events. Conversation lookup
// happens before Stream returns; every later failure arrives as a
// terminal error event. The channel closes after done or error, or
// when ctx is cancelled.
func (o *Orchestrator) Stream(ctx context.Context, req Request) (<-chan stream.Event, error) {
	conv, created, err := o.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	ch := make(chan stream.Event)
	go func() {
		defer close(ch)
		emit := func(ev stream.Event) error { return stream.Send(ctx, ch, ev) }
		res, err := o.handle(ctx, conv, created, req, "stream", emit)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			_ = emit(stream.Error(errorMessage(err)))
			return
		}
		_ = emit(stream.Done(stream.DoneData{
			ConversationID: res.ConversationID,
			MessageID:      res.MessageID,
			Category:       res.Category,
			FullText:       res.Response,
		}))
	}()
	return ch, nil
}

// Send handles req to completion without publishing partial events.
func (o *Orchestrator) Send(ctx context.Context, req Request) (*Result, error) {
	conv, created, err := o.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	return o.handle(ctx, conv, created, req, "sync", func(stream.Event) error { return nil })
}

func (o *Orchestrator) resolve(ctx context.Context, req Request) (*store.Conversation, bool, error) {
	if req.ConversationID == "" {
		conv, err := o.store.CreateConversation(ctx, req.UserID, "")
		if err != nil {
			return nil, false, fmt.Errorf("create conversation: %w", err)
		}
		return conv, true, nil
	}
	conv, err := o.owned(ctx, req.UserID, req.ConversationID)
	if err != nil {
		return nil, false, err
	}
	return conv, false, nil
}

func (o *Orchestrator) owned(ctx context.Context, userID, id string) (*store.Conversation, error) {
	conv, err := o.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if conv.UserID != userID {
		return nil, ErrConversationNotFound
	}
	return conv, nil
}

// handle runs one request under the conversation lock. Events other
// than the delegator's terminal event are passed to emit.
func (o *Orchestrator) handle(ctx context.Context, conv *store.Conversation, created bool, req Request, mode string, emit agent.Emit) (*Result, error) {
	start := time.Now()
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.Must(uuid.NewV7()).String()
	}
	log := o.logger.With("request_id", requestID, "conversation_id", conv.ID)

	unlock, err := o.locks.Lock(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o.publish(events.KindRequestStart, map[string]any{
		"request_id":      requestID,
		"conversation_id": conv.ID,
		"user_id":         req.UserID,
		"mode":            mode,
	})

	res, err := o.exchange(ctx, conv, created, req, requestID, emit)
	elapsed := time.Since(start)
	if err != nil {
		log.Warn("chat request failed", "mode", mode, "error", err, "elapsed", elapsed.Round(time.Millisecond))
		o.publish(events.KindRequestFailed, map[string]any{
			"request_id":      requestID,
			"conversation_id": conv.ID,
			"error":           err.Error(),
			"elapsed_ms":      elapsed.Milliseconds(),
		})
		return nil, err
	}

	log.Info("chat request complete",
		"mode", mode,
		"category", res.Category,
		"message_id", res.MessageID,
		"tools", len(res.ToolsUsed),
		"response_len", len(res.Response),
		"elapsed", elapsed.Round(time.Millisecond),
	)
	o.publish(events.KindRequestComplete, map[string]any{
		"request_id":      requestID,
		"conversation_id": conv.ID,
		"message_id":      res.MessageID,
		"category":        res.Category,
		"tools":           res.ToolsUsed,
		"elapsed_ms":      elapsed.Milliseconds(),
	})
	return res, nil
}

func (o *Orchestrator) exchange(ctx context.Context, conv *store.Conversation, created bool, req Request, requestID string, emit agent.Emit) (*Result, error) {
	if created {
		if err := emit(stream.Thinking("Started conversation " + conv.ID)); err != nil {
			return nil, err
		}
	}

	if _, err := o.store.AppendMessage(ctx, conv.ID, store.NewMessage{
		Role:    store.RoleUser,
		Content: req.Message,
	}); err != nil {
		return nil, fmt.Errorf("save user message: %w", err)
	}

	stored, err := o.store.ListMessages(ctx, conv.ID, o.maxHistory, "")
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	history, turns := buildHistory(stored)

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		category string
		done     *stream.DoneData
	)
	for ev := range o.processor.Process(pctx, delegate.Request{
		Input: agent.Input{
			ConversationID: conv.ID,
			UserID:         req.UserID,
			History:        history,
		},
		RequestID:   requestID,
		RecentTurns: turns,
	}) {
		switch ev.Type {
		case stream.TypeDone:
			d := ev.Data.(stream.DoneData)
			done = &d
			continue
		case stream.TypeError:
			return nil, &RequestError{Message: ev.Data.(stream.ErrorData).Message}
		case stream.TypeRouting:
			category = ev.Data.(stream.RoutingData).Category
		case stream.TypeToolCall:
			o.publish(events.KindToolCall, map[string]any{
				"request_id": requestID,
				"tool":       ev.Data.(stream.ToolCallData).Name,
			})
		case stream.TypeToolResult:
			o.publish(events.KindToolDone, map[string]any{
				"request_id": requestID,
				"tool":       ev.Data.(stream.ToolResultData).Name,
			})
		}
		if err := emit(ev); err != nil {
			return nil, err
		}
	}
	if done == nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, errors.New("response ended without a result")
	}

	// The reply is complete; a client disconnect must not lose it.
	msg, err := o.persist(context.WithoutCancel(ctx), conv.ID, req.Message, category, done)
	if err != nil {
		return nil, err
	}

	return &Result{
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		Category:       category,
		Response:       done.FullText,
		ToolsUsed:      toolsUsed(done.ToolInvocations),
	}, nil
}

func (o *Orchestrator) persist(ctx context.Context, convID, userMessage, category string, done *stream.DoneData) (*store.Message, error) {
	prior, err := o.store.CountMessages(ctx, convID)
	if err != nil {
		return nil, &persistError{err: fmt.Errorf("count messages: %w", err)}
	}

	var invocations []store.ToolInvocation
	for _, inv := range done.ToolInvocations {
		invocations = append(invocations, store.ToolInvocation{
			ID:     inv.ID,
			Name:   inv.Name,
			Args:   inv.Args,
			Result: inv.Result,
		})
	}

	msg, err := o.store.AppendMessage(ctx, convID, store.NewMessage{
		Role:            store.RoleAssistant,
		Content:         done.FullText,
		Category:        category,
		ToolInvocations: invocations,
	})
	if err != nil {
		return nil, &persistError{err: fmt.Errorf("save assistant message: %w", err)}
	}

	if prior == 1 {
		if err := o.store.UpdateConversationTitle(ctx, convID, Title(userMessage)); err != nil {
			return nil, &persistError{err: fmt.Errorf("set title: %w", err)}
		}
	}
	return msg, nil
}

type persistError struct{ err error }

func (e *persistError) Error() string { return e.err.Error() }
func (e *persistError) Unwrap() error { return e.err }

func (o *Orchestrator) publish(kind string, data map[string]any) {
	o.bus.Emit(events.SourceChat, kind, data)
}

// buildHistory converts stored messages to model messages and collects
// the category and actions of each assistant reply.
func buildHistory(msgs []store.Message) ([]llm.Message, []delegate.Turn) {
	history := make([]llm.Message, 0, len(msgs))
	var turns []delegate.Turn
	for _, m := range msgs {
		switch m.Role {
		case store.RoleUser:
			history = append(history, llm.Message{Role: llm.RoleUser, Content: m.Content})
		case store.RoleAssistant:
			history = append(history, llm.Message{Role: llm.RoleAssistant, Content: m.Content})
			t := delegate.Turn{Category: m.Category}
			for _, inv := range m.ToolInvocations {
				t.Tools = append(t.Tools, inv.Name)
			}
			turns = append(turns, t)
		}
	}
	return history, turns
}

func toolsUsed(invs []stream.ToolInvocation) []string {
	seen := make(map[string]bool, len(invs))
	out := make([]string, 0, len(invs))
	for _, inv := range invs {
		if !seen[inv.Name] {
			seen[inv.Name] = true
			out = append(out, inv.Name)
		}
	}
	return out
}

// Title derives a conversation title from its first message.
func Title(message string) string {
	if utf8.RuneCountInString(message) <= titleMaxRunes {
		return message
	}
	return string([]rune(message)[:titleKeep]) + "..."
}

func errorMessage(err error) string {
	var reqErr *RequestError
	var pErr *persistError
	switch {
	case errors.As(err, &reqErr):
		return reqErr.Message
	case errors.As(err, &pErr):
		return saveFailedMessage
	default:
		return "Sorry, something went wrong while handling your request. Please try again."
	}
}
