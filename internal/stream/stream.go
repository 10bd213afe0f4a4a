// Package stream defines the ordered event records produced by the chat
// pipeline and consumed by transports.
//
// Every producer (responder, delegator, orchestrator) is a single
// goroutine writing to an unbuffered channel it owns and closes. Sends
// go through [Send] so a cancelled consumer stops the producer promptly.
package stream

import (
	"context"
)

// Type discriminates an [Event].
type Type string

const (
	TypeThinking   Type = "thinking"
	TypeRouting    Type = "routing"
	TypeToolCall   Type = "tool_call"
	TypeToolResult Type = "tool_result"
	TypeTextDelta  Type = "text_delta"
	TypeDone       Type = "done"
	TypeError      Type = "error"
)

// Terminal reports whether t ends a stream.
func (t Type) Terminal() bool {
	return t == TypeDone || t == TypeError
}

// Event is the wire record {type, data}. Data holds one of the *Data
// structs below, matching Type.
type Event struct {
	Type Type `json:"type"`
	Data any  `json:"data"`
}

// ThinkingData is a human-readable progress note.
type ThinkingData struct {
	Message string `json:"message"`
}

// RoutingData announces the responder chosen for a message.
type RoutingData struct {
	Category   string  `json:"category"`
	AgentName  string  `json:"agentName"`
	Reasoning  string  `json:"reasoning"`
	Confidence float64 `json:"confidence"`
}

// ToolCallData announces an action invocation before it runs.
type ToolCallData struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolResultData carries the outcome of a previously announced call.
type ToolResultData struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Result any    `json:"result"`
}

// TextDeltaData is one fragment of the reply text.
type TextDeltaData struct {
	Delta string `json:"delta"`
}

// ToolInvocation records one action call and its result.
type ToolInvocation struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Args   map[string]any `json:"args"`
	Result any            `json:"result"`
}

// DoneData terminates a successful stream. Responders fill FullText and
// ToolInvocations; the orchestrator replaces it with the persisted
// identities.
type DoneData struct {
	ConversationID  string           `json:"conversationId,omitempty"`
	MessageID       string           `json:"messageId,omitempty"`
	Category        string           `json:"category,omitempty"`
	FullText        string           `json:"fullText"`
	ToolInvocations []ToolInvocation `json:"toolInvocations,omitempty"`
}

// ErrorData terminates a failed stream.
type ErrorData struct {
	Message string `json:"message"`
}

// Thinking builds a thinking event.
func Thinking(msg string) Event { return Event{Type: TypeThinking, Data: ThinkingData{Message: msg}} }

// TextDelta builds a text_delta event.
func TextDelta(delta string) Event { return Event{Type: TypeTextDelta, Data: TextDeltaData{Delta: delta}} }

// Error builds an error event.
func Error(msg string) Event { return Event{Type: TypeError, Data: ErrorData{Message: msg}} }

// Done builds a done event.
func Done(d DoneData) Event { return Event{Type: TypeDone, Data: d} }

// Send delivers ev on ch unless ctx is cancelled first.
func Send(ctx context.Context, ch chan<- Event, ev Event) error {
	select {
	case ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Collect drains ch into a slice. Intended for sync callers and tests.
func Collect(ch <-chan Event) []Event {
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}
