package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nugget/supportdesk/internal/commerce"
)

func (c *Catalog) lookupOrder(ctx context.Context, args map[string]any) (*commerce.Order, string, error) {
	userID, err := callerID(ctx)
	if err != nil {
		return nil, "", err
	}
	orderID := stringArg(args, "orderId")
	o, err := c.store.GetOrder(ctx, userID, orderID)
	if errors.Is(err, commerce.ErrNotFound) {
		return nil, orderID, nil
	}
	return o, orderID, err
}

func orderNotFound(orderID string) map[string]any {
	return map[string]any{
		"found":   false,
		"orderId": orderID,
		"message": fmt.Sprintf("No order %s was found on this account.", orderID),
	}
}

func (c *Catalog) getOrderDetails(ctx context.Context, args map[string]any) (any, error) {
	o, orderID, err := c.lookupOrder(ctx, args)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return orderNotFound(orderID), nil
	}
	return map[string]any{"found": true, "order": o}, nil
}

type orderSummary struct {
	OrderID   string    `json:"orderId"`
	Status    string    `json:"status"`
	Total     float64   `json:"total"`
	ItemCount int       `json:"itemCount"`
	CreatedAt time.Time `json:"createdAt"`
}

func (c *Catalog) listUserOrders(ctx context.Context, args map[string]any) (any, error) {
	userID, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	orders, err := c.store.ListOrders(ctx, userID, stringArg(args, "status"), intArg(args, "limit", 10))
	if err != nil {
		return nil, err
	}
	summaries := make([]orderSummary, 0, len(orders))
	for _, o := range orders {
		n := 0
		for _, it := range o.Items {
			n += it.Quantity
		}
		summaries = append(summaries, orderSummary{
			OrderID: o.ID, Status: o.Status, Total: o.Total, ItemCount: n, CreatedAt: o.CreatedAt,
		})
	}
	return map[string]any{
		"found":  len(summaries) > 0,
		"count":  len(summaries),
		"orders": summaries,
	}, nil
}

func (c *Catalog) checkDeliveryStatus(ctx context.Context, args map[string]any) (any, error) {
	o, orderID, err := c.lookupOrder(ctx, args)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return orderNotFound(orderID), nil
	}

	result := map[string]any{
		"found":   true,
		"orderId": o.ID,
		"status":  o.Status,
	}
	if o.Carrier != "" {
		result["carrier"] = o.Carrier
		result["trackingNumber"] = o.TrackingNumber
	}
	switch o.Status {
	case commerce.OrderPending, commerce.OrderProcessing:
		result["message"] = "The order has not shipped yet."
	case commerce.OrderShipped:
		if o.EstimatedDelivery != nil {
			result["estimatedDelivery"] = o.EstimatedDelivery.Format(time.DateOnly)
		}
		result["message"] = "The order is in transit."
	case commerce.OrderDelivered:
		if o.DeliveredAt != nil {
			result["deliveredAt"] = o.DeliveredAt.Format(time.DateOnly)
		}
		result["message"] = "The order was delivered."
	case commerce.OrderCancelled:
		result["message"] = "The order was cancelled and will not ship."
	}
	return result, nil
}

// cancelOrder reports what cancelling would do. No state is changed.
func (c *Catalog) cancelOrder(ctx context.Context, args map[string]any) (any, error) {
	o, orderID, err := c.lookupOrder(ctx, args)
	if err != nil {
		return nil, err
	}
	if o == nil {
		nf := orderNotFound(orderID)
		nf["success"] = false
		return nf, nil
	}

	switch o.Status {
	case commerce.OrderPending, commerce.OrderProcessing:
		result := map[string]any{
			"success":        true,
			"found":          true,
			"orderId":        o.ID,
			"previousStatus": o.Status,
			"newStatus":      commerce.OrderCancelled,
			"refundAmount":   o.Total,
			"message":        fmt.Sprintf("Order %s can be cancelled. Cancelling it would refund $%.2f to the original payment method.", o.ID, o.Total),
		}
		if reason := stringArg(args, "reason"); reason != "" {
			result["reason"] = reason
		}
		return result, nil
	case commerce.OrderCancelled:
		return map[string]any{
			"success": false, "found": true, "orderId": o.ID, "status": o.Status,
			"message": fmt.Sprintf("Order %s is already cancelled.", o.ID),
		}, nil
	default:
		state := "shipped"
		if o.Status == commerce.OrderDelivered {
			state = "been delivered"
		}
		return map[string]any{
			"success": false, "found": true, "orderId": o.ID, "status": o.Status,
			"message": fmt.Sprintf("Order %s has already %s and cannot be cancelled. It can be returned instead.", o.ID, state),
		}, nil
	}
}
