package actions

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/supportdesk/internal/commerce"
)

func newTestCatalog(t *testing.T) *Registry {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	cs, err := commerce.NewStore(db)
	if err != nil {
		t.Fatalf("commerce store: %v", err)
	}
	if err := cs.Seed(t.Context(), time.Now()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	r, err := NewCatalog(cs, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return r
}

func demoCtx(t *testing.T) context.Context {
	return WithUserID(t.Context(), commerce.DemoUserID)
}

func exec(t *testing.T, r *Registry, ctx context.Context, name string, args map[string]any) map[string]any {
	t.Helper()
	res, err := r.Execute(ctx, name, args)
	if err != nil {
		t.Fatalf("Execute(%s): %v", name, err)
	}
	m, ok := res.(map[string]any)
	if !ok {
		t.Fatalf("Execute(%s) returned %T, want map", name, res)
	}
	return m
}

func TestCatalogNames(t *testing.T) {
	r := newTestCatalog(t)
	if got := len(r.Names()); got != 11 {
		t.Errorf("catalog has %d actions, want 11", got)
	}
	for _, def := range r.List() {
		fn := def["function"].(map[string]any)
		if fn["description"] == "" {
			t.Errorf("%v has no description", fn["name"])
		}
	}
}

func TestExecute_UnknownAndInvalid(t *testing.T) {
	r := newTestCatalog(t)
	ctx := demoCtx(t)

	if _, err := r.Execute(ctx, "drop_tables", nil); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("unknown: err = %v, want ErrUnknownAction", err)
	}

	tests := []struct {
		name   string
		action string
		args   map[string]any
		field  string
	}{
		{"missing required", GetOrderDetails, nil, "orderId"},
		{"wrong type", GetOrderDetails, map[string]any{"orderId": 1001.0}, "orderId"},
		{"bad enum", ListUserOrders, map[string]any{"status": "lost"}, "status"},
		{"limit too large", ListUserOrders, map[string]any{"limit": 500.0}, "limit"},
		{"refund without reason", RequestRefund, map[string]any{"invoiceNumber": "INV-1001"}, "reason"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Execute(ctx, tt.action, tt.args)
			if !errors.Is(err, ErrInvalidArguments) {
				t.Fatalf("err = %v, want ErrInvalidArguments", err)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err %T is not a *ValidationError", err)
			}
			if !strings.HasPrefix(ve.Error(), "invalid arguments for "+tt.action+": ") {
				t.Errorf("error = %q, want invalid arguments prefix", ve.Error())
			}
			if strings.Contains(ve.Error(), "(root)") {
				t.Errorf("error = %q names the schema root", ve.Error())
			}
			if len(ve.Fields) == 0 || ve.Fields[0].Field != tt.field {
				t.Errorf("fields = %+v, want first field %q", ve.Fields, tt.field)
			}
		})
	}
}

func TestExecute_RequiresCaller(t *testing.T) {
	r := newTestCatalog(t)
	_, err := r.Execute(t.Context(), GetUserProfile, nil)
	if !errors.Is(err, errNoCaller) {
		t.Errorf("err = %v, want errNoCaller", err)
	}
}

func TestFilteredCopy(t *testing.T) {
	r := newTestCatalog(t)
	f := r.FilteredCopy([]string{SearchFAQ, GetUserProfile, "nonexistent"})
	names := f.Names()
	if len(names) != 2 || names[0] != GetUserProfile || names[1] != SearchFAQ {
		t.Errorf("filtered names = %v", names)
	}
	if _, err := f.Execute(demoCtx(t), CancelOrder, map[string]any{"orderId": "ORD-1004"}); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("filtered registry should not run %s: %v", CancelOrder, err)
	}
}

func TestOrders(t *testing.T) {
	r := newTestCatalog(t)
	ctx := demoCtx(t)

	list := exec(t, r, ctx, ListUserOrders, map[string]any{})
	if list["count"] != 4 || list["found"] != true {
		t.Errorf("list = %v", list)
	}

	got := exec(t, r, ctx, GetOrderDetails, map[string]any{"orderId": "ORD-2001"})
	if got["found"] != false {
		t.Errorf("another user's order should be not found: %v", got)
	}

	delivery := exec(t, r, ctx, CheckDeliveryStatus, map[string]any{"orderId": "ORD-1002"})
	if delivery["status"] != commerce.OrderShipped || delivery["carrier"] != "FedEx" || delivery["estimatedDelivery"] == nil {
		t.Errorf("delivery = %v", delivery)
	}
}

func TestCancelOrder(t *testing.T) {
	r := newTestCatalog(t)
	ctx := demoCtx(t)

	tests := []struct {
		orderID     string
		wantSuccess bool
		wantFound   bool
	}{
		{"ORD-1004", true, true},  // pending
		{"ORD-1003", true, true},  // processing
		{"ORD-1002", false, true}, // shipped
		{"ORD-1001", false, true}, // delivered
		{"ORD-9999", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.orderID, func(t *testing.T) {
			res := exec(t, r, ctx, CancelOrder, map[string]any{"orderId": tt.orderID})
			if res["success"] != tt.wantSuccess || res["found"] != tt.wantFound {
				t.Errorf("cancel %s = %v", tt.orderID, res)
			}
			if msg, _ := res["message"].(string); tt.wantSuccess && !strings.Contains(msg, "would") {
				t.Errorf("message %q reads as committed", msg)
			}
		})
	}

	// Simulated: the order is untouched.
	again := exec(t, r, ctx, GetOrderDetails, map[string]any{"orderId": "ORD-1004"})
	if again["order"].(*commerce.Order).Status != commerce.OrderPending {
		t.Error("cancel_order must not change persisted status")
	}
}

func TestCheckRefundStatus(t *testing.T) {
	r := newTestCatalog(t)
	ctx := demoCtx(t)

	tests := []struct {
		invoice       string
		wantHasRefund bool
		wantRemaining *float64
	}{
		{"INV-1000", true, ptr(0)},     // fully refunded
		{"INV-1002", true, ptr(199.0)}, // partially refunded 50 of 249
		{"INV-1001", false, nil},       // completed
	}
	for _, tt := range tests {
		t.Run(tt.invoice, func(t *testing.T) {
			res, err := r.Execute(ctx, CheckRefundStatus, map[string]any{"invoiceNumber": tt.invoice})
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			rs, ok := res.(RefundStatus)
			if !ok {
				t.Fatalf("result %T, want RefundStatus", res)
			}
			if rs.HasRefund != tt.wantHasRefund {
				t.Errorf("hasRefund = %v, want %v", rs.HasRefund, tt.wantHasRefund)
			}
			switch {
			case tt.wantRemaining == nil && rs.RemainingBalance != nil:
				t.Errorf("remainingBalance = %v, want null", *rs.RemainingBalance)
			case tt.wantRemaining != nil && (rs.RemainingBalance == nil || *rs.RemainingBalance != *tt.wantRemaining):
				t.Errorf("remainingBalance = %v, want %v", rs.RemainingBalance, *tt.wantRemaining)
			}
		})
	}

	missing := exec(t, r, ctx, CheckRefundStatus, map[string]any{"invoiceNumber": "INV-2001"})
	if missing["found"] != false {
		t.Errorf("other user's invoice = %v", missing)
	}
}

func TestRequestRefund(t *testing.T) {
	r := newTestCatalog(t)
	ctx := demoCtx(t)

	tests := []struct {
		name        string
		args        map[string]any
		wantSuccess bool
		wantMsg     string
	}{
		{"full by default", map[string]any{"invoiceNumber": "INV-1001", "reason": "damaged"}, true, "$129.99"},
		{"partial", map[string]any{"invoiceNumber": "INV-1001", "amount": 20.0, "reason": "late"}, true, "$20.00"},
		{"exceeds amount", map[string]any{"invoiceNumber": "INV-1001", "amount": 500.0, "reason": "x"}, false, "exceeds"},
		{"sub-cent over payment", map[string]any{"invoiceNumber": "INV-1001", "amount": 129.994, "reason": "x"}, false, "whole cents"},
		{"sub-cent partial", map[string]any{"invoiceNumber": "INV-1001", "amount": 20.005, "reason": "x"}, false, "whole cents"},
		{"zero amount", map[string]any{"invoiceNumber": "INV-1001", "amount": 0.0, "reason": "x"}, false, "greater than zero"},
		{"already refunded", map[string]any{"invoiceNumber": "INV-1000", "reason": "x"}, false, "only completed"},
		{"pending payment", map[string]any{"invoiceNumber": "INV-1004", "reason": "x"}, false, "only completed"},
		{"not found", map[string]any{"invoiceNumber": "INV-9999", "reason": "x"}, false, "No invoice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := exec(t, r, ctx, RequestRefund, tt.args)
			if res["success"] != tt.wantSuccess {
				t.Errorf("success = %v, want %v (%v)", res["success"], tt.wantSuccess, res)
			}
			if msg, _ := res["message"].(string); !strings.Contains(msg, tt.wantMsg) {
				t.Errorf("message %q does not contain %q", msg, tt.wantMsg)
			}
			if tt.wantSuccess {
				if id, _ := res["refundId"].(string); !strings.HasPrefix(id, "RF-") {
					t.Errorf("refundId = %q", id)
				}
				if msg, _ := res["message"].(string); !strings.Contains(msg, "would") {
					t.Errorf("message %q reads as committed", msg)
				}
			}
		})
	}
}

func TestGeneralActions(t *testing.T) {
	r := newTestCatalog(t)
	ctx := demoCtx(t)

	faq := exec(t, r, ctx, SearchFAQ, map[string]any{"query": "return policy"})
	results := faq["results"].([]faqResult)
	if len(results) == 0 || results[0].Question != "What is the return policy?" {
		t.Fatalf("faq results = %+v", results)
	}
	if strings.Contains(results[0].Answer, "<") {
		t.Errorf("answer still contains markup: %q", results[0].Answer)
	}

	profile := exec(t, r, ctx, GetUserProfile, nil)
	if profile["orderCount"] != 4 || profile["tier"] != "premium" {
		t.Errorf("profile = %v", profile)
	}

	sub := exec(t, r, WithUserID(t.Context(), commerce.OtherUserID), GetSubscriptionDetails, nil)
	if sub["found"] != false {
		t.Errorf("subscription = %v, want not found", sub)
	}
}

func TestHTMLToText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"inline markup", `<p>Ships in <strong>3-5 days</strong>.</p>`, "Ships in 3-5 days."},
		{"list", `<p>Steps:</p><ul><li>One</li><li>Two</li></ul>`, "Steps:\n- One\n- Two"},
		{"script dropped", `<p>Visa</p><script>track()</script>`, "Visa"},
		{"entities", `<p>Account &gt; Subscription</p>`, "Account > Subscription"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := htmlToText(tt.in); got != tt.want {
				t.Errorf("htmlToText(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func ptr(f float64) *float64 { return &f }
