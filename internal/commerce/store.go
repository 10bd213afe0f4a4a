// Package commerce holds the customer data that support actions query:
// users, orders, payments, subscriptions and FAQ articles.
//
// Every lookup takes the calling user's ID and only returns rows owned by
// that user, so another customer's order is indistinguishable from a
// missing one.
package commerce

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a lookup matches no row for the user.
var ErrNotFound = errors.New("not found")

// Order statuses.
const (
	OrderPending    = "pending"
	OrderProcessing = "processing"
	OrderShipped    = "shipped"
	OrderDelivered  = "delivered"
	OrderCancelled  = "cancelled"
)

// Payment statuses.
const (
	PaymentPending           = "pending"
	PaymentCompleted         = "completed"
	PaymentFailed            = "failed"
	PaymentRefunded          = "refunded"
	PaymentPartiallyRefunded = "partially_refunded"
)

// User is a customer account.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Tier      string    `json:"tier"`
	CreatedAt time.Time `json:"createdAt"`
}

// OrderItem is one line of an order.
type OrderItem struct {
	SKU       string  `json:"sku"`
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unitPrice"`
}

// Order is a customer purchase.
type Order struct {
	ID                string      `json:"orderId"`
	UserID            string      `json:"-"`
	Status            string      `json:"status"`
	Items             []OrderItem `json:"items"`
	Total             float64     `json:"total"`
	ShippingAddress   string      `json:"shippingAddress"`
	Carrier           string      `json:"carrier,omitempty"`
	TrackingNumber    string      `json:"trackingNumber,omitempty"`
	EstimatedDelivery *time.Time  `json:"estimatedDelivery,omitempty"`
	DeliveredAt       *time.Time  `json:"deliveredAt,omitempty"`
	CreatedAt         time.Time   `json:"createdAt"`
}

// Payment is an invoice and its settlement state.
type Payment struct {
	InvoiceNumber  string    `json:"invoiceNumber"`
	UserID         string    `json:"-"`
	OrderID        string    `json:"orderId,omitempty"`
	Amount         float64   `json:"amount"`
	RefundedAmount float64   `json:"refundedAmount"`
	Status         string    `json:"status"`
	Method         string    `json:"method"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Subscription is a recurring plan.
type Subscription struct {
	ID               string    `json:"subscriptionId"`
	UserID           string    `json:"-"`
	Plan             string    `json:"plan"`
	Status           string    `json:"status"`
	Price            float64   `json:"price"`
	BillingCycle     string    `json:"billingCycle"`
	CurrentPeriodEnd time.Time `json:"currentPeriodEnd"`
	CancelAtEnd      bool      `json:"cancelAtPeriodEnd"`
}

// FAQ is a help-center article. Answer is stored as HTML.
type FAQ struct {
	ID         int64  `json:"id"`
	Category   string `json:"category"`
	Question   string `json:"question"`
	AnswerHTML string `json:"-"`
}

// Store provides read access to commerce data in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates a commerce store, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate commerce: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			email      TEXT NOT NULL,
			tier       TEXT NOT NULL DEFAULT 'standard',
			created_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS orders (
			id                 TEXT PRIMARY KEY,
			user_id            TEXT NOT NULL REFERENCES users(id),
			status             TEXT NOT NULL,
			items              TEXT NOT NULL,
			total              REAL NOT NULL,
			shipping_address   TEXT NOT NULL DEFAULT '',
			carrier            TEXT NOT NULL DEFAULT '',
			tracking_number    TEXT NOT NULL DEFAULT '',
			estimated_delivery TIMESTAMP,
			delivered_at       TIMESTAMP,
			created_at         TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id, created_at);

		CREATE TABLE IF NOT EXISTS payments (
			invoice_number  TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL REFERENCES users(id),
			order_id        TEXT NOT NULL DEFAULT '',
			amount          REAL NOT NULL,
			refunded_amount REAL NOT NULL DEFAULT 0,
			status          TEXT NOT NULL,
			method          TEXT NOT NULL,
			created_at      TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_payments_user ON payments(user_id, created_at);

		CREATE TABLE IF NOT EXISTS subscriptions (
			id                 TEXT PRIMARY KEY,
			user_id            TEXT NOT NULL REFERENCES users(id),
			plan               TEXT NOT NULL,
			status             TEXT NOT NULL,
			price              REAL NOT NULL,
			billing_cycle      TEXT NOT NULL,
			current_period_end TIMESTAMP NOT NULL,
			cancel_at_end      INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS faqs (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			category    TEXT NOT NULL,
			question    TEXT NOT NULL UNIQUE,
			answer_html TEXT NOT NULL
		);
	`)
	return err
}

// GetUser returns the user with the given ID.
func (s *Store) GetUser(ctx context.Context, userID string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, tier, created_at FROM users WHERE id = ?`, userID,
	).Scan(&u.ID, &u.Name, &u.Email, &u.Tier, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// CountOrders returns how many orders the user has placed.
func (s *Store) CountOrders(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}

const orderColumns = `id, user_id, status, items, total, shipping_address, carrier,
	tracking_number, estimated_delivery, delivered_at, created_at`

// GetOrder returns one of the user's orders.
func (s *Store) GetOrder(ctx context.Context, userID, orderID string) (*Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = ? AND user_id = ?`,
		strings.ToUpper(strings.TrimSpace(orderID)), userID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// ListOrders returns the user's orders, newest first. An empty status
// matches every order; limit <= 0 means no limit.
func (s *Store) ListOrders(ctx context.Context, userID, status string, limit int) ([]Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = ?`
	args := []any{userID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(sc scanner) (*Order, error) {
	var (
		o         Order
		items     string
		eta, done sql.NullTime
	)
	if err := sc.Scan(&o.ID, &o.UserID, &o.Status, &items, &o.Total, &o.ShippingAddress,
		&o.Carrier, &o.TrackingNumber, &eta, &done, &o.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(items), &o.Items); err != nil {
		return nil, fmt.Errorf("decode items for %s: %w", o.ID, err)
	}
	if eta.Valid {
		o.EstimatedDelivery = &eta.Time
	}
	if done.Valid {
		o.DeliveredAt = &done.Time
	}
	return &o, nil
}

const paymentColumns = `invoice_number, user_id, order_id, amount, refunded_amount, status, method, created_at`

// GetPayment returns one of the user's payments by invoice number.
func (s *Store) GetPayment(ctx context.Context, userID, invoiceNumber string) (*Payment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE invoice_number = ? AND user_id = ?`,
		strings.ToUpper(strings.TrimSpace(invoiceNumber)), userID)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

// ListPayments returns the user's payments, newest first.
func (s *Store) ListPayments(ctx context.Context, userID string, limit int) ([]Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE user_id = ? ORDER BY created_at DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var payments []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

func scanPayment(sc scanner) (*Payment, error) {
	var p Payment
	if err := sc.Scan(&p.InvoiceNumber, &p.UserID, &p.OrderID, &p.Amount, &p.RefundedAmount,
		&p.Status, &p.Method, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetSubscription returns the user's subscription.
func (s *Store) GetSubscription(ctx context.Context, userID string) (*Subscription, error) {
	var sub Subscription
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, plan, status, price, billing_cycle, current_period_end, cancel_at_end
		FROM subscriptions WHERE user_id = ?
		ORDER BY current_period_end DESC LIMIT 1`, userID,
	).Scan(&sub.ID, &sub.UserID, &sub.Plan, &sub.Status, &sub.Price, &sub.BillingCycle,
		&sub.CurrentPeriodEnd, &sub.CancelAtEnd)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return &sub, nil
}

// SearchFAQ returns articles matching any word of query, best match
// first. An empty category searches every category.
func (s *Store) SearchFAQ(ctx context.Context, query, category string, limit int) ([]FAQ, error) {
	terms := searchTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 3
	}

	// Score is the number of terms that appear in the question or answer.
	var (
		score []string
		args  []any
	)
	for _, t := range terms {
		score = append(score, `(CASE WHEN lower(question) LIKE ? OR lower(answer_html) LIKE ? THEN 1 ELSE 0 END)`)
		like := "%" + t + "%"
		args = append(args, like, like)
	}
	q := `SELECT id, category, question, answer_html, (` + strings.Join(score, " + ") + `) AS score FROM faqs`
	if category != "" {
		q += ` WHERE category = ?`
		args = append(args, strings.ToLower(category))
	}
	q = `SELECT id, category, question, answer_html FROM (` + q + `) WHERE score > 0 ORDER BY score DESC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search faq: %w", err)
	}
	defer rows.Close()

	var out []FAQ
	for rows.Next() {
		var f FAQ
		if err := rows.Scan(&f.ID, &f.Category, &f.Question, &f.AnswerHTML); err != nil {
			return nil, fmt.Errorf("scan faq: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "my": true, "i": true,
	"how": true, "do": true, "can": true, "what": true, "to": true, "of": true,
	"for": true, "and": true, "or": true, "in": true, "on": true, "it": true,
}

func searchTerms(query string) []string {
	var terms []string
	seen := make(map[string]bool)
	for _, f := range strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if len(f) < 2 || stopWords[f] || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
	}
	return terms
}
