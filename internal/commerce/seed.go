package commerce

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DemoUserID owns the demo dataset installed by [Store.Seed].
const DemoUserID = "demo-user"

// OtherUserID owns a single order used to check per-user scoping.
const OtherUserID = "jordan-user"

// Seed installs the demo dataset relative to now. Rows that already
// exist are left alone, so seeding twice is harmless.
func (s *Store) Seed(ctx context.Context, now time.Time) error {
	now = now.UTC().Truncate(time.Second)
	days := func(n int) time.Time { return now.AddDate(0, 0, n) }

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	users := []User{
		{ID: DemoUserID, Name: "Alex Rivera", Email: "alex@example.com", Tier: "premium", CreatedAt: days(-400)},
		{ID: OtherUserID, Name: "Jordan Lee", Email: "jordan@example.com", Tier: "standard", CreatedAt: days(-90)},
	}
	for _, u := range users {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO users (id, name, email, tier, created_at) VALUES (?, ?, ?, ?, ?)`,
			u.ID, u.Name, u.Email, u.Tier, u.CreatedAt); err != nil {
			return fmt.Errorf("seed user %s: %w", u.ID, err)
		}
	}

	eta := days(2)
	delivered := days(-20)
	orders := []Order{
		{
			ID: "ORD-1001", UserID: DemoUserID, Status: OrderDelivered,
			Items:           []OrderItem{{SKU: "HP-200", Name: "Wireless Headphones", Quantity: 1, UnitPrice: 129.99}},
			Total:           129.99,
			ShippingAddress: "12 Harbor St, Portland, OR 97201",
			Carrier:         "UPS", TrackingNumber: "1Z999AA10123456784",
			DeliveredAt: &delivered, CreatedAt: days(-30),
		},
		{
			ID: "ORD-1002", UserID: DemoUserID, Status: OrderShipped,
			Items: []OrderItem{
				{SKU: "KB-310", Name: "Mechanical Keyboard", Quantity: 1, UnitPrice: 199.00},
				{SKU: "MS-110", Name: "Ergonomic Mouse", Quantity: 1, UnitPrice: 50.00},
			},
			Total:           249.00,
			ShippingAddress: "12 Harbor St, Portland, OR 97201",
			Carrier:         "FedEx", TrackingNumber: "794644790132",
			EstimatedDelivery: &eta, CreatedAt: days(-5),
		},
		{
			ID: "ORD-1003", UserID: DemoUserID, Status: OrderProcessing,
			Items:           []OrderItem{{SKU: "CB-USB", Name: "USB-C Cable (2m)", Quantity: 3, UnitPrice: 19.99}},
			Total:           59.97,
			ShippingAddress: "12 Harbor St, Portland, OR 97201",
			CreatedAt:       days(-2),
		},
		{
			ID: "ORD-1004", UserID: DemoUserID, Status: OrderPending,
			Items:           []OrderItem{{SKU: "ST-050", Name: "Laptop Stand", Quantity: 1, UnitPrice: 35.00}},
			Total:           35.00,
			ShippingAddress: "12 Harbor St, Portland, OR 97201",
			CreatedAt:       now.Add(-time.Hour),
		},
		{
			ID: "ORD-2001", UserID: OtherUserID, Status: OrderPending,
			Items:           []OrderItem{{SKU: "MUG-01", Name: "Coffee Mug", Quantity: 2, UnitPrice: 21.00}},
			Total:           42.00,
			ShippingAddress: "400 Pine Ave, Austin, TX 78701",
			CreatedAt:       days(-1),
		},
	}
	for _, o := range orders {
		items, err := json.Marshal(o.Items)
		if err != nil {
			return fmt.Errorf("encode items for %s: %w", o.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO orders (`+orderColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.ID, o.UserID, o.Status, string(items), o.Total, o.ShippingAddress, o.Carrier,
			o.TrackingNumber, o.EstimatedDelivery, o.DeliveredAt, o.CreatedAt); err != nil {
			return fmt.Errorf("seed order %s: %w", o.ID, err)
		}
	}

	payments := []Payment{
		{InvoiceNumber: "INV-1000", UserID: DemoUserID, Amount: 19.99, RefundedAmount: 19.99, Status: PaymentRefunded, Method: "visa-4242", CreatedAt: days(-45)},
		{InvoiceNumber: "INV-1001", UserID: DemoUserID, OrderID: "ORD-1001", Amount: 129.99, Status: PaymentCompleted, Method: "visa-4242", CreatedAt: days(-30)},
		{InvoiceNumber: "INV-1002", UserID: DemoUserID, OrderID: "ORD-1002", Amount: 249.00, RefundedAmount: 50.00, Status: PaymentPartiallyRefunded, Method: "visa-4242", CreatedAt: days(-5)},
		{InvoiceNumber: "INV-1003", UserID: DemoUserID, OrderID: "ORD-1003", Amount: 59.97, Status: PaymentCompleted, Method: "paypal", CreatedAt: days(-2)},
		{InvoiceNumber: "INV-1004", UserID: DemoUserID, OrderID: "ORD-1004", Amount: 35.00, Status: PaymentPending, Method: "visa-4242", CreatedAt: now.Add(-time.Hour)},
		{InvoiceNumber: "INV-2001", UserID: OtherUserID, OrderID: "ORD-2001", Amount: 42.00, Status: PaymentCompleted, Method: "mastercard-5100", CreatedAt: days(-1)},
	}
	for _, p := range payments {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO payments (`+paymentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.InvoiceNumber, p.UserID, p.OrderID, p.Amount, p.RefundedAmount, p.Status, p.Method, p.CreatedAt); err != nil {
			return fmt.Errorf("seed payment %s: %w", p.InvoiceNumber, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO subscriptions (id, user_id, plan, status, price, billing_cycle, current_period_end, cancel_at_end)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		"SUB-1001", DemoUserID, "Premium", "active", 19.99, "monthly", days(12), false); err != nil {
		return fmt.Errorf("seed subscription: %w", err)
	}

	for _, f := range demoFAQs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO faqs (category, question, answer_html) VALUES (?, ?, ?)`,
			f.Category, f.Question, f.AnswerHTML); err != nil {
			return fmt.Errorf("seed faq: %w", err)
		}
	}

	return tx.Commit()
}

var demoFAQs = []FAQ{
	{Category: "shipping", Question: "How long does shipping take?",
		AnswerHTML: `<p>Standard shipping takes <strong>3-5 business days</strong>. Express shipping arrives in 1-2 business days.</p><p>You will receive a tracking number by email once your order ships.</p>`},
	{Category: "shipping", Question: "Can I change my shipping address?",
		AnswerHTML: `<p>You can change the address while an order is <em>pending</em> or <em>processing</em>. Once shipped, contact the carrier with your tracking number.</p>`},
	{Category: "returns", Question: "What is the return policy?",
		AnswerHTML: `<p>Items can be returned within <strong>30 days</strong> of delivery in original condition.</p><ul><li>Start a return from your order page.</li><li>Print the prepaid label.</li><li>Drop off at any carrier location.</li></ul>`},
	{Category: "billing", Question: "How long do refunds take to process?",
		AnswerHTML: `<p>Refunds are issued to the original payment method within <strong>5-10 business days</strong> after approval.</p>`},
	{Category: "billing", Question: "Which payment methods are accepted?",
		AnswerHTML: `<p>We accept Visa, Mastercard, American Express and PayPal.</p><script>trackFaqView()</script>`},
	{Category: "orders", Question: "How do I cancel an order?",
		AnswerHTML: `<p>Orders can be cancelled while they are pending or processing. Shipped orders must be returned instead.</p>`},
	{Category: "account", Question: "How do I cancel my subscription?",
		AnswerHTML: `<p>Open <strong>Account &gt; Subscription</strong> and choose <em>Cancel at period end</em>. You keep access until the current period ends.</p>`},
	{Category: "account", Question: "How do I reset my password?",
		AnswerHTML: `<p>Use the <a href="/reset">Forgot password</a> link on the sign-in page. The reset email expires after one hour.</p>`},
}
