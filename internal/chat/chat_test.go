package chat

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/supportdesk/internal/delegate"
	"github.com/nugget/supportdesk/internal/events"
	"github.com/nugget/supportdesk/internal/llm"
	"github.com/nugget/supportdesk/internal/store"
	"github.com/nugget/supportdesk/internal/stream"
)

// fakeProcessor replays a scripted event sequence per request.
type fakeProcessor struct {
	script func(delegate.Request) []stream.Event
	delay  time.Duration

	mu        sync.Mutex
	requests  []delegate.Request
	active    atomic.Int32
	maxActive atomic.Int32
}

func (f *fakeProcessor) Process(ctx context.Context, req delegate.Request) <-chan stream.Event {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	ch := make(chan stream.Event)
	go func() {
		defer close(ch)
		n := f.active.Add(1)
		defer f.active.Add(-1)
		for {
			m := f.maxActive.Load()
			if n <= m || f.maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		if f.delay > 0 {
			time.Sleep(f.delay)
		}
		for _, ev := range f.script(req) {
			if stream.Send(ctx, ch, ev) != nil {
				return
			}
		}
	}()
	return ch
}

func (f *fakeProcessor) lastRequest() delegate.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func answer(category, text string, invs ...stream.ToolInvocation) func(delegate.Request) []stream.Event {
	return func(delegate.Request) []stream.Event {
		evs := []stream.Event{
			stream.Thinking("Analyzing your request..."),
			{Type: stream.TypeRouting, Data: stream.RoutingData{Category: category, AgentName: "Specialist", Confidence: 0.9}},
		}
		for _, inv := range invs {
			evs = append(evs,
				stream.Event{Type: stream.TypeToolCall, Data: stream.ToolCallData{ID: inv.ID, Name: inv.Name, Args: inv.Args}},
				stream.Event{Type: stream.TypeToolResult, Data: stream.ToolResultData{ID: inv.ID, Name: inv.Name, Result: inv.Result}},
			)
		}
		evs = append(evs,
			stream.TextDelta(text),
			stream.Done(stream.DoneData{FullText: text, ToolInvocations: invs}),
		)
		return evs
	}
}

func failing(message string) func(delegate.Request) []stream.Event {
	return func(delegate.Request) []stream.Event {
		return []stream.Event{
			stream.Thinking("Analyzing your request..."),
			stream.Error(message),
		}
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := store.New(db)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return s
}

func newTestOrchestrator(t *testing.T, p Processor, bus *events.Bus) (*Orchestrator, *store.Store) {
	t.Helper()
	s := newTestStore(t)
	return New(Config{Store: s, Processor: p, Bus: bus, Logger: discardLogger()}), s
}

func collect(t *testing.T, o *Orchestrator, req Request) []stream.Event {
	t.Helper()
	ch, err := o.Stream(t.Context(), req)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	return stream.Collect(ch)
}

func TestStream_NewConversation(t *testing.T) {
	p := &fakeProcessor{script: answer("orders", "You have 4 orders.")}
	bus := events.New()
	sub := bus.Subscribe(16)
	o, s := newTestOrchestrator(t, p, bus)

	evs := collect(t, o, Request{UserID: "demo-user", Message: "What are my recent orders?"})

	var types []stream.Type
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	want := []stream.Type{
		stream.TypeThinking, // new conversation
		stream.TypeThinking, stream.TypeRouting, stream.TypeTextDelta,
		stream.TypeDone,
	}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event types = %v, want %v", types, want)
		}
	}

	done := evs[len(evs)-1].Data.(stream.DoneData)
	if done.ConversationID == "" || done.MessageID == "" {
		t.Fatalf("done missing identity: %+v", done)
	}
	if done.Category != "orders" || done.FullText != "You have 4 orders." {
		t.Errorf("done = %+v", done)
	}
	if msg := evs[0].Data.(stream.ThinkingData).Message; !strings.Contains(msg, done.ConversationID) {
		t.Errorf("first thinking %q does not name conversation %s", msg, done.ConversationID)
	}

	conv, msgs, err := s.GetConversationWithMessages(t.Context(), done.ConversationID)
	if err != nil {
		t.Fatalf("GetConversationWithMessages: %v", err)
	}
	if conv.Title != "What are my recent orders?" {
		t.Errorf("Title = %q", conv.Title)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].Role != store.RoleUser || msgs[1].Role != store.RoleAssistant {
		t.Errorf("roles = %s,%s", msgs[0].Role, msgs[1].Role)
	}
	if msgs[1].ID != done.MessageID || msgs[1].Category != "orders" {
		t.Errorf("assistant message = %+v", msgs[1])
	}
	if msgs[1].ToolInvocations != nil {
		t.Errorf("ToolInvocations = %v, want omitted", msgs[1].ToolInvocations)
	}

	var kinds []string
	for len(sub) > 0 {
		kinds = append(kinds, (<-sub).Kind)
	}
	if strings.Join(kinds, ",") != "request_start,request_complete" {
		t.Errorf("bus kinds = %v", kinds)
	}
}

func TestStream_ExistingConversation(t *testing.T) {
	p := &fakeProcessor{script: answer("general", "Hello again.")}
	o, s := newTestOrchestrator(t, p, nil)

	first, err := o.Send(t.Context(), Request{UserID: "u1", Message: "hi"})
	if err != nil {
		t.Fatalf("first Send: %v", err)
	}

	evs := collect(t, o, Request{UserID: "u1", ConversationID: first.ConversationID, Message: "second question"})
	if evs[0].Type == stream.TypeThinking && strings.Contains(evs[0].Data.(stream.ThinkingData).Message, "Started conversation") {
		t.Error("existing conversation announced as new")
	}

	conv, err := s.GetConversation(t.Context(), first.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if conv.Title != "hi" {
		t.Errorf("Title = %q, want first message", conv.Title)
	}
	n, _ := s.CountMessages(t.Context(), first.ConversationID)
	if n != 4 {
		t.Errorf("messages = %d, want 4", n)
	}
}

func TestStream_HistoryPassedToProcessor(t *testing.T) {
	invs := []stream.ToolInvocation{{ID: "t1", Name: "list_user_orders", Args: map[string]any{}, Result: map[string]any{"count": 4}}}
	p := &fakeProcessor{script: answer("orders", "Four orders.", invs...)}
	o, _ := newTestOrchestrator(t, p, nil)

	first, err := o.Send(t.Context(), Request{UserID: "u1", Message: "my orders?"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.Send(t.Context(), Request{UserID: "u1", ConversationID: first.ConversationID, Message: "thanks"}); err != nil {
		t.Fatal(err)
	}

	req := p.lastRequest()
	if req.UserID != "u1" || req.ConversationID != first.ConversationID || req.RequestID == "" {
		t.Errorf("request = %+v", req)
	}
	wantRoles := []string{llm.RoleUser, llm.RoleAssistant, llm.RoleUser}
	if len(req.History) != len(wantRoles) {
		t.Fatalf("history = %d messages, want %d", len(req.History), len(wantRoles))
	}
	for i, r := range wantRoles {
		if req.History[i].Role != r {
			t.Errorf("history[%d].Role = %s, want %s", i, req.History[i].Role, r)
		}
	}
	if req.History[2].Content != "thanks" {
		t.Errorf("latest message = %q", req.History[2].Content)
	}
	if len(req.RecentTurns) != 1 || req.RecentTurns[0].Category != "orders" || req.RecentTurns[0].Tools[0] != "list_user_orders" {
		t.Errorf("RecentTurns = %+v", req.RecentTurns)
	}
}

func TestSend_ToolsUsedDistinct(t *testing.T) {
	invs := []stream.ToolInvocation{
		{ID: "a", Name: "get_order_details", Args: map[string]any{"orderId": "ORD-1001"}, Result: map[string]any{"found": true}},
		{ID: "b", Name: "check_delivery_status", Args: map[string]any{"orderId": "ORD-1001"}, Result: map[string]any{"found": true}},
		{ID: "c", Name: "get_order_details", Args: map[string]any{"orderId": "ORD-1002"}, Result: map[string]any{"found": true}},
	}
	p := &fakeProcessor{script: answer("orders", "Both found.", invs...)}
	bus := events.New()
	sub := bus.Subscribe(32)
	o, s := newTestOrchestrator(t, p, bus)

	res, err := o.Send(t.Context(), Request{UserID: "u1", Message: "compare ORD-1001 and ORD-1002"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if strings.Join(res.ToolsUsed, ",") != "get_order_details,check_delivery_status" {
		t.Errorf("ToolsUsed = %v", res.ToolsUsed)
	}
	if res.Category != "orders" || res.Response != "Both found." {
		t.Errorf("result = %+v", res)
	}

	_, msgs, err := s.GetConversationWithMessages(t.Context(), res.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if n := len(msgs[1].ToolInvocations); n != 3 {
		t.Errorf("persisted invocations = %d, want 3", n)
	}

	toolEvents := 0
	for len(sub) > 0 {
		ev := <-sub
		if ev.Kind == events.KindToolCall || ev.Kind == events.KindToolDone {
			toolEvents++
		}
	}
	if toolEvents != 6 {
		t.Errorf("tool bus events = %d, want 6", toolEvents)
	}
}

func TestSend_ProcessorErrorKeepsUserTurn(t *testing.T) {
	p := &fakeProcessor{script: failing("Sorry, something went wrong.")}
	o, s := newTestOrchestrator(t, p, nil)

	conv, err := s.CreateConversation(t.Context(), "u1", "")
	if err != nil {
		t.Fatal(err)
	}

	_, err = o.Send(t.Context(), Request{UserID: "u1", ConversationID: conv.ID, Message: "refund me"})
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Message != "Sorry, something went wrong." {
		t.Fatalf("err = %v, want RequestError", err)
	}

	got, msgs, err := s.GetConversationWithMessages(t.Context(), conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Role != store.RoleUser {
		t.Errorf("messages = %+v, want only the user turn", msgs)
	}
	if got.Title != "" {
		t.Errorf("Title = %q, want empty", got.Title)
	}
}

func TestStream_ProcessorErrorIsTerminal(t *testing.T) {
	p := &fakeProcessor{script: failing("The request took too long to complete.")}
	o, _ := newTestOrchestrator(t, p, nil)

	evs := collect(t, o, Request{UserID: "u1", Message: "hello"})
	last := evs[len(evs)-1]
	if last.Type != stream.TypeError {
		t.Fatalf("last event = %s, want error", last.Type)
	}
	if msg := last.Data.(stream.ErrorData).Message; msg != "The request took too long to complete." {
		t.Errorf("error message = %q", msg)
	}
	for _, ev := range evs {
		if ev.Type == stream.TypeDone {
			t.Error("done emitted on failure")
		}
	}
}

func TestStream_NoTerminalEvent(t *testing.T) {
	p := &fakeProcessor{script: func(delegate.Request) []stream.Event {
		return []stream.Event{stream.Thinking("Analyzing your request...")}
	}}
	o, _ := newTestOrchestrator(t, p, nil)

	evs := collect(t, o, Request{UserID: "u1", Message: "hello"})
	if last := evs[len(evs)-1]; last.Type != stream.TypeError {
		t.Errorf("last event = %s, want error", last.Type)
	}
}

func TestConversationOwnership(t *testing.T) {
	p := &fakeProcessor{script: answer("general", "ok")}
	o, s := newTestOrchestrator(t, p, nil)

	conv, err := s.CreateConversation(t.Context(), "owner", "")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		userID string
		convID string
	}{
		{"other user", "intruder", conv.ID},
		{"missing", "owner", "0190d5b8-0000-7000-8000-000000000000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := o.Stream(t.Context(), Request{UserID: tt.userID, ConversationID: tt.convID, Message: "x"}); !errors.Is(err, ErrConversationNotFound) {
				t.Errorf("Stream err = %v, want ErrConversationNotFound", err)
			}
			if _, err := o.Send(t.Context(), Request{UserID: tt.userID, ConversationID: tt.convID, Message: "x"}); !errors.Is(err, ErrConversationNotFound) {
				t.Errorf("Send err = %v, want ErrConversationNotFound", err)
			}
			if _, _, err := o.Conversation(t.Context(), tt.userID, tt.convID); !errors.Is(err, ErrConversationNotFound) {
				t.Errorf("Conversation err = %v, want ErrConversationNotFound", err)
			}
			if err := o.DeleteConversation(t.Context(), tt.userID, tt.convID); !errors.Is(err, ErrConversationNotFound) {
				t.Errorf("DeleteConversation err = %v, want ErrConversationNotFound", err)
			}
		})
	}

	n, _ := s.CountMessages(t.Context(), conv.ID)
	if n != 0 {
		t.Errorf("foreign requests wrote %d messages", n)
	}
}

func TestSend_SerialisesPerConversation(t *testing.T) {
	p := &fakeProcessor{script: answer("general", "ok"), delay: 20 * time.Millisecond}
	o, s := newTestOrchestrator(t, p, nil)

	conv, err := s.CreateConversation(t.Context(), "u1", "")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Send(t.Context(), Request{UserID: "u1", ConversationID: conv.ID, Message: "ping"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Send: %v", err)
		}
	}

	if got := p.maxActive.Load(); got != 1 {
		t.Errorf("max concurrent exchanges = %d, want 1", got)
	}
	_, msgs, err := s.GetConversationWithMessages(t.Context(), conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 8 {
		t.Fatalf("messages = %d, want 8", len(msgs))
	}
	for i, m := range msgs {
		want := store.RoleUser
		if i%2 == 1 {
			want = store.RoleAssistant
		}
		if m.Role != want {
			t.Errorf("msgs[%d].Role = %s, want %s (turns interleaved)", i, m.Role, want)
		}
	}
	if o.locks.len() != 0 {
		t.Errorf("lock table holds %d entries after completion", o.locks.len())
	}
}

func TestTitle(t *testing.T) {
	fifty := strings.Repeat("a", 50)
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"short", "What are my recent orders?", "What are my recent orders?"},
		{"exactly fifty", fifty, fifty},
		{"fifty one", fifty + "b", strings.Repeat("a", 47) + "..."},
		{"multibyte", strings.Repeat("é", 60), strings.Repeat("é", 47) + "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Title(tt.in); got != tt.want {
				t.Errorf("Title() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKeyedMutex_CancelWhileWaiting(t *testing.T) {
	k := newKeyedMutex()
	unlock, err := k.Lock(t.Context(), "c1")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	if _, err := k.Lock(ctx, "c1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second Lock err = %v, want DeadlineExceeded", err)
	}

	other, err := k.Lock(t.Context(), "c2")
	if err != nil {
		t.Fatalf("independent key blocked: %v", err)
	}
	other()
	unlock()

	if k.len() != 0 {
		t.Errorf("entries = %d, want 0", k.len())
	}
}
