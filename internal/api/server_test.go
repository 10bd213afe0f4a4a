package api

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	_ "modernc.org/sqlite"

	"github.com/nugget/supportdesk/internal/agent"
	"github.com/nugget/supportdesk/internal/chat"
	"github.com/nugget/supportdesk/internal/delegate"
	"github.com/nugget/supportdesk/internal/events"
	"github.com/nugget/supportdesk/internal/ratelimit"
	"github.com/nugget/supportdesk/internal/store"
	"github.com/nugget/supportdesk/internal/stream"
)

// scriptedProcessor answers every request with the same routed reply.
type scriptedProcessor struct {
	category string
	reply    string
	fail     string
}

func (p *scriptedProcessor) Process(ctx context.Context, req delegate.Request) <-chan stream.Event {
	ch := make(chan stream.Event)
	go func() {
		defer close(ch)
		evs := []stream.Event{
			stream.Thinking("Analyzing your request..."),
			{Type: stream.TypeRouting, Data: stream.RoutingData{Category: p.category, AgentName: "Order Specialist", Confidence: 0.9}},
		}
		if p.fail != "" {
			evs = append(evs, stream.Error(p.fail))
		} else {
			inv := stream.ToolInvocation{ID: "call_1", Name: "get_recent_orders", Args: map[string]any{}, Result: []any{}}
			evs = append(evs,
				stream.Event{Type: stream.TypeToolCall, Data: stream.ToolCallData{ID: inv.ID, Name: inv.Name, Args: inv.Args}},
				stream.Event{Type: stream.TypeToolResult, Data: stream.ToolResultData{ID: inv.ID, Name: inv.Name, Result: inv.Result}},
				stream.TextDelta(p.reply),
				stream.Done(stream.DoneData{FullText: p.reply, ToolInvocations: []stream.ToolInvocation{inv}}),
			)
		}
		for _, ev := range evs {
			if stream.Send(ctx, ch, ev) != nil {
				return
			}
		}
	}()
	return ch
}

type staticDirectory struct{}

func (staticDirectory) ListAgents() []delegate.AgentInfo {
	return []delegate.AgentInfo{
		{Category: "general", Name: "General Support"},
		{Category: "orders", Name: "Order Specialist"},
		{Category: "billing", Name: "Billing Specialist"},
	}
}

func (staticDirectory) GetAgentCapabilities(category string) (*delegate.AgentCapabilities, error) {
	if category != "orders" {
		return nil, fmt.Errorf("%w: %q", delegate.ErrUnknownCategory, category)
	}
	return &delegate.AgentCapabilities{
		Category: "orders",
		Name:     "Order Specialist",
		Actions:  []delegate.ActionInfo{{Name: "get_recent_orders"}},
	}, nil
}

type testEnv struct {
	server *Server
	store  *store.Store
	runs   *agent.RunStore
	bus    *events.Bus
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, p chat.Processor, mutate func(*Deps)) *testEnv {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st, err := store.New(db)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	runs, err := agent.NewRunStore(db)
	if err != nil {
		t.Fatalf("NewRunStore: %v", err)
	}

	bus := events.New()
	deps := Deps{
		Chat:   chat.New(chat.Config{Store: st, Processor: p, Bus: bus, Logger: discardLogger()}),
		Agents: staticDirectory{},
		Runs:   runs,
		Health: st.Ping,
		Bus:    bus,
	}
	if mutate != nil {
		mutate(&deps)
	}
	return &testEnv{
		server: NewServer("", 0, deps, discardLogger()),
		store:  st,
		runs:   runs,
		bus:    bus,
	}
}

func (e *testEnv) do(t *testing.T, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if userID != "" {
		req.Header.Set(headerUserID, userID)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env errorEnvelope
	decodeBody(t, rec, &env)
	return env.Error.Code
}

func TestChat_Validation(t *testing.T) {
	env := newTestEnv(t, &scriptedProcessor{category: "orders", reply: "ok"}, nil)

	tests := []struct {
		name       string
		userID     string
		body       string
		wantStatus int
		wantCode   string
		wantField  string
	}{
		{name: "missing user", body: `{"message":"hi"}`, wantStatus: http.StatusUnauthorized, wantCode: codeUnauthorized},
		{name: "not json", userID: "u1", body: `hello`, wantStatus: http.StatusBadRequest, wantCode: codeValidation},
		{name: "missing message", userID: "u1", body: `{}`, wantStatus: http.StatusBadRequest, wantCode: codeValidation, wantField: "message"},
		{name: "empty message", userID: "u1", body: `{"message":""}`, wantStatus: http.StatusBadRequest, wantCode: codeValidation, wantField: "message"},
		{name: "blank message", userID: "u1", body: `{"message":"   "}`, wantStatus: http.StatusBadRequest, wantCode: codeValidation, wantField: "message"},
		{name: "too long", userID: "u1", body: `{"message":"` + strings.Repeat("a", 4001) + `"}`, wantStatus: http.StatusBadRequest, wantCode: codeValidation, wantField: "message"},
		{name: "bad conversation id", userID: "u1", body: `{"message":"hi","conversationId":"nope"}`, wantStatus: http.StatusBadRequest, wantCode: codeValidation, wantField: "conversationId"},
		{name: "user id too long", userID: strings.Repeat("u", maxUserIDLen+1), body: `{"message":"hi"}`, wantStatus: http.StatusBadRequest, wantCode: codeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/v1/chat", tt.userID, tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			var body errorEnvelope
			decodeBody(t, rec, &body)
			if body.Error.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Error.Code, tt.wantCode)
			}
			if tt.wantField == "" {
				return
			}
			found := false
			for _, d := range body.Error.Details {
				if d.Field == tt.wantField {
					found = true
				}
			}
			if !found {
				t.Errorf("details = %+v, want field %q", body.Error.Details, tt.wantField)
			}
		})
	}
}

func TestChat_MaxLengthCountsCharacters(t *testing.T) {
	env := newTestEnv(t, &scriptedProcessor{category: "orders", reply: "ok"}, nil)

	// 4000 three-byte runes is well over 4000 bytes but within the limit.
	body := `{"message":"` + strings.Repeat("日", 4000) + `"}`
	rec := env.do(t, http.MethodPost, "/v1/chat", "u1", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
}

func TestChat_Sync(t *testing.T) {
	env := newTestEnv(t, &scriptedProcessor{category: "orders", reply: "You have no recent orders."}, nil)

	rec := env.do(t, http.MethodPost, "/v1/chat", "demo-user", `{"message":"What are my recent orders?"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(headerRequestID) == "" {
		t.Error("missing X-Request-ID response header")
	}

	var res chat.Result
	decodeBody(t, rec, &res)
	if res.Category != "orders" {
		t.Errorf("category = %q, want orders", res.Category)
	}
	if res.Response != "You have no recent orders." {
		t.Errorf("response = %q", res.Response)
	}
	if len(res.ToolsUsed) != 1 || res.ToolsUsed[0] != "get_recent_orders" {
		t.Errorf("toolsUsed = %v", res.ToolsUsed)
	}

	msgs, err := env.store.ListMessages(t.Context(), res.ConversationID, 0, "")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[1].ID != res.MessageID {
		t.Errorf("persisted %d messages, want user + assistant %s", len(msgs), res.MessageID)
	}

	// Continue the same conversation.
	rec = env.do(t, http.MethodPost, "/v1/chat", "demo-user",
		fmt.Sprintf(`{"message":"thanks","conversationId":%q}`, res.ConversationID))
	if rec.Code != http.StatusOK {
		t.Fatalf("follow-up status = %d (%s)", rec.Code, rec.Body.String())
	}
	var next chat.Result
	decodeBody(t, rec, &next)
	if next.ConversationID != res.ConversationID {
		t.Errorf("follow-up conversation = %q, want %q", next.ConversationID, res.ConversationID)
	}
}

func TestChat_SyncErrors(t *testing.T) {
	env := newTestEnv(t, &scriptedProcessor{category: "general", fail: "The assistant is unavailable."}, nil)

	rec := env.do(t, http.MethodPost, "/v1/chat", "u1", `{"message":"hello"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var body errorEnvelope
	decodeBody(t, rec, &body)
	if body.Error.Message != "The assistant is unavailable." {
		t.Errorf("message = %q", body.Error.Message)
	}

	rec = env.do(t, http.MethodPost, "/v1/chat", "u1", `{"message":"hello","conversationId":"0190a3b2-1111-7222-8333-944445555666"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown conversation status = %d, want 404", rec.Code)
	}
}

func TestChat_OtherUsersConversation(t *testing.T) {
	env := newTestEnv(t, &scriptedProcessor{category: "orders", reply: "ok"}, nil)
	conv, err := env.store.CreateConversation(t.Context(), "alice", "")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/v1/chat", "mallory", fmt.Sprintf(`{"message":"hi","conversationId":%q}`, conv.ID))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

// readSSE returns the decoded data frames of an SSE response.
func readSSE(t *testing.T, body io.Reader) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decode frame %q: %v", line, err)
		}
		out = append(out, ev)
	}
	return out
}

func eventTypes(evs []map[string]any) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i], _ = ev["type"].(string)
	}
	return out
}

func TestChatStream_SSE(t *testing.T) {
	env := newTestEnv(t, &scriptedProcessor{category: "orders", reply: "Here you go."}, nil)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/chat/stream", strings.NewReader(`{"message":"Where is my order?"}`))
	req.Header.Set(headerUserID, "demo-user")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	evs := readSSE(t, resp.Body)
	got := strings.Join(eventTypes(evs), ",")
	want := "thinking,thinking,routing,tool_call,tool_result,text_delta,done"
	if got != want {
		t.Fatalf("events = %s, want %s", got, want)
	}

	done := evs[len(evs)-1]["data"].(map[string]any)
	if done["fullText"] != "Here you go." || done["category"] != "orders" {
		t.Errorf("done = %v", done)
	}
	convID, _ := done["conversationId"].(string)
	msgID, _ := done["messageId"].(string)

	// done implies the reply is already readable.
	_, msgs, err := env.store.GetConversationWithMessages(t.Context(), convID)
	if err != nil {
		t.Fatalf("GetConversationWithMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[1].ID != msgID {
		t.Errorf("messages = %d, want assistant %s persisted", len(msgs), msgID)
	}
}

func TestChatStream_ErrorEvent(t *testing.T) {
	env := newTestEnv(t, &scriptedProcessor{category: "billing", fail: "Something went wrong."}, nil)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/chat/stream", strings.NewReader(`{"message":"refund please"}`))
	req.Header.Set(headerUserID, "u1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	evs := readSSE(t, resp.Body)
	types := eventTypes(evs)
	if types[len(types)-1] != "error" {
		t.Fatalf("last event = %s, want error", types[len(types)-1])
	}
	for _, typ := range types {
		if typ == "done" {
			t.Error("error stream also carried done")
		}
	}
}

func TestChatWS(t *testing.T) {
	env := newTestEnv(t, &scriptedProcessor{category: "orders", reply: "Shipped yesterday."}, nil)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/chat/ws?userId=demo-user"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer resp.Body.Close()
	defer conn.Close()

	readUntilTerminal := func() []stream.Type {
		t.Helper()
		var types []stream.Type
		for {
			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			var ev struct {
				Type stream.Type     `json:"type"`
				Data json.RawMessage `json:"data"`
			}
			if err := conn.ReadJSON(&ev); err != nil {
				t.Fatalf("read: %v", err)
			}
			types = append(types, ev.Type)
			if ev.Type.Terminal() {
				return types
			}
		}
	}

	if err := conn.WriteJSON(map[string]string{"message": "Where is my order?"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	types := readUntilTerminal()
	if types[len(types)-1] != stream.TypeDone {
		t.Fatalf("first request ended with %s", types[len(types)-1])
	}

	// An invalid frame gets an error and the session stays open.
	if err := conn.WriteJSON(map[string]string{"message": " "}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if types := readUntilTerminal(); len(types) != 1 || types[0] != stream.TypeError {
		t.Errorf("invalid frame events = %v, want [error]", types)
	}

	if err := conn.WriteJSON(map[string]string{"message": "And the other one?"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if types := readUntilTerminal(); types[len(types)-1] != stream.TypeDone {
		t.Errorf("second request ended with %s", types[len(types)-1])
	}

	convs, total, err := env.store.ListConversations(t.Context(), "demo-user", 10, 0)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if total != 2 || len(convs) != 2 {
		t.Errorf("conversations = %d, want 2", total)
	}
}

func TestChatWS_RequiresUser(t *testing.T) {
	env := newTestEnv(t, &scriptedProcessor{category: "orders", reply: "ok"}, nil)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/chat/ws", nil)
	if err == nil {
		t.Fatal("dial succeeded without a user")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want 401", resp)
	}
}

func TestConversations_CRUD(t *testing.T) {
	env := newTestEnv(t, &scriptedProcessor{category: "orders", reply: "**Order** shipped."}, nil)

	rec := env.do(t, http.MethodPost, "/v1/chat", "demo-user", `{"message":"Where is order ORD-1001?"}`)
	var res chat.Result
	decodeBody(t, rec, &res)
	base := "/v1/conversations/" + res.ConversationID

	t.Run("list", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/v1/conversations?limit=5", "demo-user", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var body struct {
			Conversations []store.Conversation `json:"conversations"`
			Total         int                  `json:"total"`
			Limit         int                  `json:"limit"`
		}
		decodeBody(t, rec, &body)
		if body.Total != 1 || len(body.Conversations) != 1 || body.Limit != 5 {
			t.Errorf("body = %+v", body)
		}
		if body.Conversations[0].Title != "Where is order ORD-1001?" {
			t.Errorf("title = %q", body.Conversations[0].Title)
		}
	})

	t.Run("list other user is empty", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/v1/conversations", "someone-else", "")
		if !strings.Contains(rec.Body.String(), `"conversations":[]`) {
			t.Errorf("body = %s", rec.Body.String())
		}
	})

	t.Run("get", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, base, "demo-user", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var body struct {
			Conversation store.Conversation `json:"conversation"`
			Messages     []store.Message    `json:"messages"`
		}
		decodeBody(t, rec, &body)
		if len(body.Messages) != 2 || body.Messages[1].Category != "orders" {
			t.Errorf("messages = %+v", body.Messages)
		}
	})

	t.Run("get other user", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, base, "someone-else", "")
		if rec.Code != http.StatusNotFound || errorCode(t, rec) != codeNotFound {
			t.Errorf("status = %d, want 404 NOT_FOUND", rec.Code)
		}
	})

	t.Run("export markdown", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, base+"/export?format=markdown", "demo-user", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/markdown") {
			t.Errorf("Content-Type = %q", rec.Header().Get("Content-Type"))
		}
		if !strings.Contains(rec.Body.String(), "**Order** shipped.") {
			t.Errorf("body = %s", rec.Body.String())
		}
	})

	t.Run("export html", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, base+"/export?format=html", "demo-user", "")
		if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html") {
			t.Errorf("Content-Type = %q", rec.Header().Get("Content-Type"))
		}
		if !strings.Contains(rec.Body.String(), "<strong>Order</strong>") {
			t.Errorf("body = %s", rec.Body.String())
		}
	})

	t.Run("export unsupported", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, base+"/export?format=pdf", "demo-user", "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("runs", func(t *testing.T) {
		if err := env.runs.Record(t.Context(), &agent.RunRecord{
			ID:             "run-1",
			ConversationID: res.ConversationID,
			Category:       "orders",
			Model:          "test-model",
			Steps:          2,
			MaxSteps:       5,
			ToolsCalled:    []string{"get_order_details"},
			StartedAt:      time.Now(),
			CompletedAt:    time.Now(),
		}); err != nil {
			t.Fatalf("Record: %v", err)
		}
		rec := env.do(t, http.MethodGet, base+"/runs", "demo-user", "")
		var body struct {
			Count int                `json:"count"`
			Runs  []*agent.RunRecord `json:"runs"`
		}
		decodeBody(t, rec, &body)
		if body.Count != 1 || body.Runs[0].ID != "run-1" {
			t.Errorf("runs = %+v", body)
		}

		rec = env.do(t, http.MethodGet, base+"/runs", "someone-else", "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("other user status = %d, want 404", rec.Code)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if rec := env.do(t, http.MethodDelete, base, "someone-else", ""); rec.Code != http.StatusNotFound {
			t.Errorf("other user delete = %d, want 404", rec.Code)
		}
		if rec := env.do(t, http.MethodDelete, base, "demo-user", ""); rec.Code != http.StatusNoContent {
			t.Fatalf("delete = %d, want 204", rec.Code)
		}
		if rec := env.do(t, http.MethodGet, base, "demo-user", ""); rec.Code != http.StatusNotFound {
			t.Errorf("get after delete = %d, want 404", rec.Code)
		}
	})
}

func TestAgents(t *testing.T) {
	env := newTestEnv(t, &scriptedProcessor{}, nil)

	rec := env.do(t, http.MethodGet, "/v1/agents", "", "")
	var list struct {
		Agents []delegate.AgentInfo `json:"agents"`
	}
	decodeBody(t, rec, &list)
	if len(list.Agents) != 3 || list.Agents[1].Category != "orders" {
		t.Errorf("agents = %+v", list.Agents)
	}

	rec = env.do(t, http.MethodGet, "/v1/agents/orders", "", "")
	var caps delegate.AgentCapabilities
	decodeBody(t, rec, &caps)
	if caps.Name != "Order Specialist" || len(caps.Actions) != 1 {
		t.Errorf("capabilities = %+v", caps)
	}

	rec = env.do(t, http.MethodGet, "/v1/agents/router", "", "")
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != codeValidation {
		t.Errorf("unknown category = %d %s", rec.Code, rec.Body.String())
	}
}

func TestRunStats(t *testing.T) {
	env := newTestEnv(t, &scriptedProcessor{}, nil)
	now := time.Now()
	for _, id := range []string{"r1", "r2"} {
		if err := env.runs.Record(t.Context(), &agent.RunRecord{
			ID: id, ConversationID: "c", Category: "billing", Model: "m",
			Steps: 2, MaxSteps: 5, StartedAt: now, CompletedAt: now, DurationMs: 40,
		}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	rec := env.do(t, http.MethodGet, "/v1/runs/stats", "", "")
	var body struct {
		Categories []agent.CategoryStats `json:"categories"`
	}
	decodeBody(t, rec, &body)
	if len(body.Categories) != 1 || body.Categories[0].Category != "billing" || body.Categories[0].Runs != 2 {
		t.Errorf("categories = %+v", body.Categories)
	}
}

func TestRateLimit(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{RequestsPerMinute: 1, Burst: 1}, discardLogger())
	t.Cleanup(limiter.Close)

	env := newTestEnv(t, &scriptedProcessor{category: "orders", reply: "ok"}, func(d *Deps) {
		d.Limiter = limiter
	})
	sub := env.bus.Subscribe(8)

	if rec := env.do(t, http.MethodGet, "/v1/conversations", "u1", ""); rec.Code != http.StatusOK {
		t.Fatalf("first request = %d", rec.Code)
	}
	rec := env.do(t, http.MethodGet, "/v1/conversations", "u1", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", rec.Code)
	}
	if errorCode(t, rec) != codeRateLimited {
		t.Errorf("code = %s", rec.Body.String())
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}

	// Other callers have their own bucket.
	if rec := env.do(t, http.MethodGet, "/v1/conversations", "u2", ""); rec.Code != http.StatusOK {
		t.Errorf("other user = %d, want 200", rec.Code)
	}

	select {
	case ev := <-sub:
		if ev.Kind != events.KindRateLimited {
			t.Errorf("bus kind = %s", ev.Kind)
		}
	default:
		t.Error("no rate_limited event published")
	}
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, &scriptedProcessor{}, func(d *Deps) {
		d.AllowedOrigins = []string{"https://shop.example.com"}
	})

	tests := []struct {
		name       string
		origin     string
		wantAllow  string
		wantStatus int
	}{
		{name: "allowed", origin: "https://shop.example.com", wantAllow: "https://shop.example.com", wantStatus: http.StatusNoContent},
		{name: "other origin", origin: "https://evil.example.com", wantAllow: "", wantStatus: http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodOptions, "/v1/chat", nil)
			req.Header.Set("Origin", tt.origin)
			req.Header.Set("Access-Control-Request-Method", "POST")
			rec := httptest.NewRecorder()
			env.server.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("allow origin = %q, want %q", got, tt.wantAllow)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, &scriptedProcessor{}, nil)
	if rec := env.do(t, http.MethodGet, "/health", "", ""); rec.Code != http.StatusOK {
		t.Errorf("healthy status = %d", rec.Code)
	}

	down := newTestEnv(t, &scriptedProcessor{}, func(d *Deps) {
		d.Health = func(context.Context) error { return fmt.Errorf("database is locked") }
	})
	rec := down.do(t, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "unhealthy") {
		t.Errorf("body = %s", rec.Body.String())
	}

	degraded := newTestEnv(t, &scriptedProcessor{}, func(d *Deps) {
		d.Providers = providerStatus{"ollama": nil, "anthropic": fmt.Errorf("invalid API key")}
	})
	rec = degraded.do(t, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Errorf("degraded status = %d, want 200", rec.Code)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decodeBody(t, rec, &body)
	if body.Status != "degraded" {
		t.Errorf("status = %q, want degraded", body.Status)
	}
	if body.Checks["ollama"] != "ok" || body.Checks["storage"] != "ok" || body.Checks["anthropic"] != "invalid API key" {
		t.Errorf("checks = %v", body.Checks)
	}
}

type providerStatus map[string]error

func (p providerStatus) PingEach(context.Context) map[string]error { return p }

func TestRequestID(t *testing.T) {
	env := newTestEnv(t, &scriptedProcessor{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(headerRequestID, "trace-123")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get(headerRequestID); got != "trace-123" {
		t.Errorf("X-Request-ID = %q, want caller's", got)
	}
}

func TestRouterEndpoints_Unconfigured(t *testing.T) {
	env := newTestEnv(t, &scriptedProcessor{}, nil)
	for _, path := range []string{"/v1/router/stats", "/v1/router/audit", "/v1/router/explain/abc"} {
		if rec := env.do(t, http.MethodGet, path, "", ""); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s = %d, want 503", path, rec.Code)
		}
	}
}

// endlessProcessor streams text until its context is cancelled.
type endlessProcessor struct {
	stopped chan struct{}
}

func (p *endlessProcessor) Process(ctx context.Context, req delegate.Request) <-chan stream.Event {
	ch := make(chan stream.Event)
	go func() {
		defer close(p.stopped)
		defer close(ch)
		for stream.Send(ctx, ch, stream.TextDelta("more ")) == nil {
		}
	}()
	return ch
}

// brokenWriter accepts headers but fails every body write.
type brokenWriter struct {
	*httptest.ResponseRecorder
}

func (w brokenWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestChatStream_WriteFailureStopsPipeline(t *testing.T) {
	p := &endlessProcessor{stopped: make(chan struct{})}
	env := newTestEnv(t, p, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/stream", strings.NewReader(`{"message":"hello"}`))
	req.Header.Set(headerUserID, "u1")

	served := make(chan struct{})
	go func() {
		defer close(served)
		env.server.Handler().ServeHTTP(brokenWriter{httptest.NewRecorder()}, req)
	}()

	select {
	case <-p.stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("processor still running after the client write failed")
	}
	select {
	case <-served:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return")
	}
}
