package actions

import (
	"log/slog"
	"math"

	"github.com/nugget/supportdesk/internal/commerce"
)

// Action names.
const (
	GetOrderDetails        = "get_order_details"
	ListUserOrders         = "list_user_orders"
	CheckDeliveryStatus    = "check_delivery_status"
	CancelOrder            = "cancel_order"
	GetPaymentDetails      = "get_payment_details"
	ListUserPayments       = "list_user_payments"
	CheckRefundStatus      = "check_refund_status"
	RequestRefund          = "request_refund"
	GetSubscriptionDetails = "get_subscription_details"
	SearchFAQ              = "search_faq"
	GetUserProfile         = "get_user_profile"
)

// Catalog implements the support actions over a commerce store.
type Catalog struct {
	store *commerce.Store
}

// NewCatalog builds a registry holding every support action.
func NewCatalog(store *commerce.Store, logger *slog.Logger) (*Registry, error) {
	c := &Catalog{store: store}
	r := NewRegistry(logger)
	for _, a := range c.actions() {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (c *Catalog) actions() []*Action {
	return []*Action{
		{
			Name:        GetOrderDetails,
			Description: "Get full details of one of the customer's orders: items, total, status, shipping address and tracking.",
			Parameters:  objectSchema(map[string]any{"orderId": orderIDProp}, "orderId"),
			Handler:     c.getOrderDetails,
		},
		{
			Name:        ListUserOrders,
			Description: "List the customer's orders, newest first. Optionally filter by status.",
			Parameters: objectSchema(map[string]any{
				"status": map[string]any{
					"type":        "string",
					"enum":        []string{commerce.OrderPending, commerce.OrderProcessing, commerce.OrderShipped, commerce.OrderDelivered, commerce.OrderCancelled},
					"description": "Only return orders in this status",
				},
				"limit": limitProp,
			}),
			Handler: c.listUserOrders,
		},
		{
			Name:        CheckDeliveryStatus,
			Description: "Check where an order is: carrier, tracking number, estimated or actual delivery date.",
			Parameters:  objectSchema(map[string]any{"orderId": orderIDProp}, "orderId"),
			Handler:     c.checkDeliveryStatus,
		},
		{
			Name:        CancelOrder,
			Description: "Cancel an order that has not shipped yet. Only pending or processing orders can be cancelled.",
			Parameters: objectSchema(map[string]any{
				"orderId": orderIDProp,
				"reason":  map[string]any{"type": "string", "description": "Why the customer wants to cancel"},
			}, "orderId"),
			Handler: c.cancelOrder,
		},
		{
			Name:        GetPaymentDetails,
			Description: "Get details of an invoice: amount, status, payment method and any refunded amount.",
			Parameters:  objectSchema(map[string]any{"invoiceNumber": invoiceProp}, "invoiceNumber"),
			Handler:     c.getPaymentDetails,
		},
		{
			Name:        ListUserPayments,
			Description: "List the customer's invoices and payments, newest first.",
			Parameters:  objectSchema(map[string]any{"limit": limitProp}),
			Handler:     c.listUserPayments,
		},
		{
			Name:        CheckRefundStatus,
			Description: "Check whether an invoice has been refunded, how much, and what balance remains.",
			Parameters:  objectSchema(map[string]any{"invoiceNumber": invoiceProp}, "invoiceNumber"),
			Handler:     c.checkRefundStatus,
		},
		{
			Name:        RequestRefund,
			Description: "Submit a refund request for a completed payment. Omit amount to refund the full payment.",
			Parameters: objectSchema(map[string]any{
				"invoiceNumber": invoiceProp,
				"amount":        map[string]any{"type": "number", "description": "Amount to refund in the payment currency"},
				"reason":        map[string]any{"type": "string", "minLength": 1, "description": "Why the customer wants a refund"},
			}, "invoiceNumber", "reason"),
			Handler: c.requestRefund,
		},
		{
			Name:        GetSubscriptionDetails,
			Description: "Get the customer's subscription plan, price, billing cycle and renewal date.",
			Parameters:  objectSchema(map[string]any{}),
			Handler:     c.getSubscriptionDetails,
		},
		{
			Name:        SearchFAQ,
			Description: "Search help-center articles about shipping, returns, billing, orders and accounts.",
			Parameters: objectSchema(map[string]any{
				"query":    map[string]any{"type": "string", "minLength": 1, "description": "What the customer is asking about"},
				"category": map[string]any{"type": "string", "description": "Optional article category (shipping, returns, billing, orders, account)"},
			}, "query"),
			Handler: c.searchFAQ,
		},
		{
			Name:        GetUserProfile,
			Description: "Get the customer's name, email, membership tier and order count.",
			Parameters:  objectSchema(map[string]any{}),
			Handler:     c.getUserProfile,
		},
	}
}

var (
	orderIDProp = map[string]any{"type": "string", "minLength": 1, "description": "Order number, e.g. ORD-1001"}
	invoiceProp = map[string]any{"type": "string", "minLength": 1, "description": "Invoice number, e.g. INV-1001"}
	limitProp   = map[string]any{"type": "integer", "minimum": 1, "maximum": 50, "description": "Maximum number of results (default 10)"}
)

func objectSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func floatArg(args map[string]any, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
