// Package events carries operational events from the chat pipeline to
// observers such as the MQTT forwarder. The bus is nil-safe: publishing
// on a nil *Bus is a no-op, so components take it as an optional
// dependency without guard checks.
package events

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Sources.
const (
	SourceChat     = "chat"     // session orchestrator
	SourceDelegate = "delegate" // classification and routing
	SourceAPI      = "api"      // HTTP transport
)

// Kinds, with the Data keys each carries.
const (
	// request_id, conversation_id, user_id, mode
	KindRequestStart = "request_start"
	// request_id, category, confidence, fallback
	KindRouted = "routed"
	// request_id, tool
	KindToolCall = "tool_call"
	// request_id, tool
	KindToolDone = "tool_done"
	// request_id, conversation_id, message_id, category, tools, elapsed_ms
	KindRequestComplete = "request_complete"
	// request_id, conversation_id, error, elapsed_ms
	KindRequestFailed = "request_failed"
	// key, path
	KindRateLimited = "rate_limited"
)

// Event is one operational occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

type subscriber struct {
	ch    chan Event
	kinds []string // empty means every kind
}

func (s *subscriber) wants(kind string) bool {
	return len(s.kinds) == 0 || slices.Contains(s.kinds, kind)
}

// Bus broadcasts events without blocking the publisher. A subscriber
// whose buffer is full misses the event; misses are counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[<-chan Event]*subscriber
	dropped atomic.Int64
	now     func() time.Time
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[<-chan Event]*subscriber),
		now:  time.Now,
	}
}

// Publish delivers e to every interested subscriber, stamping the
// current time when e has none.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Kind) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit is shorthand for publishing a freshly stamped event.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel of published events, limited to kinds
// when any are given. Call Unsubscribe to release it.
func (b *Bus) Subscribe(bufSize int, kinds ...string) <-chan Event {
	s := &subscriber{ch: make(chan Event, bufSize), kinds: kinds}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[s.ch] = s
	return s.ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown or
// already removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(s.ch)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a
// subscriber was full.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
