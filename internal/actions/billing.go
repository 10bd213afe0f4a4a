package actions

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/nugget/supportdesk/internal/commerce"
)

func (c *Catalog) lookupPayment(ctx context.Context, args map[string]any) (*commerce.Payment, string, error) {
	userID, err := callerID(ctx)
	if err != nil {
		return nil, "", err
	}
	invoice := stringArg(args, "invoiceNumber")
	p, err := c.store.GetPayment(ctx, userID, invoice)
	if errors.Is(err, commerce.ErrNotFound) {
		return nil, invoice, nil
	}
	return p, invoice, err
}

func invoiceNotFound(invoice string) map[string]any {
	return map[string]any{
		"found":         false,
		"invoiceNumber": invoice,
		"message":       fmt.Sprintf("No invoice %s was found on this account.", invoice),
	}
}

func (c *Catalog) getPaymentDetails(ctx context.Context, args map[string]any) (any, error) {
	p, invoice, err := c.lookupPayment(ctx, args)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return invoiceNotFound(invoice), nil
	}
	return map[string]any{"found": true, "payment": p}, nil
}

func (c *Catalog) listUserPayments(ctx context.Context, args map[string]any) (any, error) {
	userID, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	payments, err := c.store.ListPayments(ctx, userID, intArg(args, "limit", 10))
	if err != nil {
		return nil, err
	}
	if payments == nil {
		payments = []commerce.Payment{}
	}
	return map[string]any{
		"found":    len(payments) > 0,
		"count":    len(payments),
		"payments": payments,
	}, nil
}

// RefundStatus is the result of check_refund_status for a found invoice.
type RefundStatus struct {
	Found          bool    `json:"found"`
	InvoiceNumber  string  `json:"invoiceNumber"`
	Status         string  `json:"status"`
	Amount         float64 `json:"amount"`
	HasRefund      bool    `json:"hasRefund"`
	RefundedAmount float64 `json:"refundedAmount"`
	// RemainingBalance is null unless the invoice was refunded; a full
	// refund leaves exactly 0.
	RemainingBalance *float64 `json:"remainingBalance"`
}

func refundStatusOf(p *commerce.Payment) RefundStatus {
	rs := RefundStatus{
		Found:          true,
		InvoiceNumber:  p.InvoiceNumber,
		Status:         p.Status,
		Amount:         p.Amount,
		RefundedAmount: p.RefundedAmount,
	}
	switch p.Status {
	case commerce.PaymentRefunded:
		rs.HasRefund = true
		zero := 0.0
		rs.RemainingBalance = &zero
	case commerce.PaymentPartiallyRefunded:
		rs.HasRefund = true
		rem := round2(p.Amount - p.RefundedAmount)
		rs.RemainingBalance = &rem
	}
	return rs
}

func (c *Catalog) checkRefundStatus(ctx context.Context, args map[string]any) (any, error) {
	p, invoice, err := c.lookupPayment(ctx, args)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return invoiceNotFound(invoice), nil
	}
	return refundStatusOf(p), nil
}

// requestRefund checks refund preconditions and reports the outcome a
// submission would have. Nothing is persisted.
func (c *Catalog) requestRefund(ctx context.Context, args map[string]any) (any, error) {
	p, invoice, err := c.lookupPayment(ctx, args)
	if err != nil {
		return nil, err
	}
	if p == nil {
		nf := invoiceNotFound(invoice)
		nf["success"] = false
		return nf, nil
	}

	fail := func(msg string) map[string]any {
		return map[string]any{
			"success": false, "found": true, "invoiceNumber": p.InvoiceNumber,
			"status": p.Status, "message": msg,
		}
	}

	if p.Status != commerce.PaymentCompleted {
		return fail(fmt.Sprintf("Invoice %s is %s; only completed payments can be refunded.",
			p.InvoiceNumber, strings.ReplaceAll(p.Status, "_", " "))), nil
	}

	amount, ok := floatArg(args, "amount")
	if !ok {
		amount = p.Amount
	}
	if amount <= 0 {
		return fail("The refund amount must be greater than zero."), nil
	}
	if math.Abs(amount-round2(amount)) > 1e-9 {
		return fail(fmt.Sprintf("The refund amount %v must be in whole cents.", amount)), nil
	}
	amount = round2(amount)
	if amount > p.Amount {
		return fail(fmt.Sprintf("The requested refund of $%.2f exceeds the original payment of $%.2f.", amount, p.Amount)), nil
	}

	return map[string]any{
		"success":       true,
		"found":         true,
		"refundId":      "RF-" + strings.ToUpper(uuid.Must(uuid.NewV7()).String()[24:]),
		"invoiceNumber": p.InvoiceNumber,
		"amount":        amount,
		"fullRefund":    amount == p.Amount,
		"reason":        stringArg(args, "reason"),
		"status":        "pending_review",
		"message":       fmt.Sprintf("A refund of $%.2f can be requested for invoice %s. It would be reviewed and processed within 5-10 business days.", amount, p.InvoiceNumber),
	}, nil
}

func (c *Catalog) getSubscriptionDetails(ctx context.Context, _ map[string]any) (any, error) {
	userID, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	sub, err := c.store.GetSubscription(ctx, userID)
	if errors.Is(err, commerce.ErrNotFound) {
		return map[string]any{"found": false, "message": "This account has no subscription."}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"found": true, "subscription": sub}, nil
}
