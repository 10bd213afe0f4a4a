// Package delegate classifies customer messages and routes them to the
// responder for the matching support category.
package delegate

import "github.com/nugget/supportdesk/internal/actions"

// Categories. CategoryRouter is the classifier itself and is never a
// routing target.
const (
	CategoryRouter  = "router"
	CategoryGeneral = "general"
	CategoryOrders  = "orders"
	CategoryBilling = "billing"

	// DefaultCategory receives every message classification cannot place.
	DefaultCategory = CategoryGeneral
)

// selectable lists routing targets in display order.
var selectable = []string{CategoryGeneral, CategoryOrders, CategoryBilling}

// Profile is the static configuration of one category.
type Profile struct {
	Category     string
	Name         string
	Description  string
	Capabilities []string
	Instructions string

	// Actions is the subset of the action catalog the responder may call.
	Actions []string
}

func builtinProfiles() map[string]*Profile {
	return map[string]*Profile{
		CategoryRouter: {
			Category:     CategoryRouter,
			Name:         "Router",
			Description:  "Classifies incoming messages and routes them to a specialist",
			Capabilities: []string{"Intent classification", "Specialist routing"},
			Instructions: routerInstructions,
		},
		CategoryGeneral: {
			Category:    CategoryGeneral,
			Name:        "General Support",
			Description: "Answers general questions, account questions and help-center topics",
			Capabilities: []string{
				"Search the help center",
				"Look up account profile",
				"Explain policies and procedures",
			},
			Instructions: generalInstructions,
			Actions:      []string{actions.SearchFAQ, actions.GetUserProfile},
		},
		CategoryOrders: {
			Category:    CategoryOrders,
			Name:        "Order Specialist",
			Description: "Handles order status, delivery tracking and cancellations",
			Capabilities: []string{
				"Look up order details",
				"List recent orders",
				"Track deliveries",
				"Cancel unshipped orders",
			},
			Instructions: ordersInstructions,
			Actions: []string{
				actions.GetOrderDetails,
				actions.ListUserOrders,
				actions.CheckDeliveryStatus,
				actions.CancelOrder,
			},
		},
		CategoryBilling: {
			Category:    CategoryBilling,
			Name:        "Billing Specialist",
			Description: "Handles payments, invoices, refunds and subscriptions",
			Capabilities: []string{
				"Look up payments and invoices",
				"Check refund status",
				"Submit refund requests",
				"Explain subscription details",
			},
			Instructions: billingInstructions,
			Actions: []string{
				actions.GetPaymentDetails,
				actions.ListUserPayments,
				actions.CheckRefundStatus,
				actions.RequestRefund,
				actions.GetSubscriptionDetails,
			},
		},
	}
}

const routerInstructions = `You are the front desk of a customer support team. Read the customer's latest message and decide which specialist should handle it.

Set confidence between 0 and 1. Use a low confidence when the message is ambiguous. Give a one-sentence reasoning.`

const generalInstructions = `You are a friendly general support agent for an online store. Help customers with account questions, store policies and anything that does not belong to orders or billing.

## Tool usage notes

- Search the help center with search_faq before answering policy questions. Quote the article's guidance rather than inventing policy.
- Use get_user_profile when the customer asks about their own account.
- If the customer needs help with a specific order or payment, tell them you can connect them with a specialist and ask for the order or invoice number.

Keep answers short and concrete.`

const ordersInstructions = `You are an order specialist for an online store. Help customers find orders, track deliveries and cancel orders.

## Tool usage notes

- Order numbers look like ORD-1001. Use get_order_details when the customer names an order, and list_user_orders when they do not.
- Use check_delivery_status for "where is my package" questions. Include the carrier, tracking number and estimated delivery when available.
- Only pending or processing orders can be cancelled. Confirm the order number with the customer before calling cancel_order.
- When a lookup reports that an order was not found, say so and ask the customer to double-check the number. Never guess order details.

Keep answers short and concrete.`

const billingInstructions = `You are a billing specialist for an online store. Help customers with payments, invoices, refunds and subscriptions.

## Tool usage notes

- Invoice numbers look like INV-1001. Use get_payment_details when the customer names an invoice, and list_user_payments when they do not.
- Use check_refund_status before discussing an existing refund. Report the refunded amount and any remaining balance.
- Only completed payments are refundable, and a refund cannot exceed the original amount. Ask for a reason before calling request_refund.
- Refund requests are reviewed by the billing team; tell the customer the request ID and that it is pending review.
- Use get_subscription_details for plan, price and renewal questions.

Keep answers short and concrete.`
