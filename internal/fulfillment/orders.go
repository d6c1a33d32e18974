package fulfillment

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"orderflow/backend/internal/domain"
	"orderflow/backend/internal/xid"
)

const CustomerRefundTimeline = "3-5 business days"

var orderTransitions = map[string][]string{
	domain.OrderStatusPending:        {domain.OrderStatusConfirmed, domain.OrderStatusProcessing, domain.OrderStatusCancelled},
	domain.OrderStatusConfirmed:      {domain.OrderStatusProcessing, domain.OrderStatusShipped, domain.OrderStatusCancelled},
	domain.OrderStatusProcessing:     {domain.OrderStatusShipped, domain.OrderStatusCancelled},
	domain.OrderStatusShipped:        {domain.OrderStatusOutForDelivery, domain.OrderStatusDelivered, domain.OrderStatusCancelled},
	domain.OrderStatusOutForDelivery: {domain.OrderStatusDelivered, domain.OrderStatusCancelled},
	domain.OrderStatusDelivered:      {domain.OrderStatusReturned},
	domain.OrderStatusCancelled:      {},
	domain.OrderStatusReturned:       {},
}

var orderStatusTitles = map[string]string{
	domain.OrderStatusPending:        "Order Placed",
	domain.OrderStatusConfirmed:      "Order Confirmed",
	domain.OrderStatusProcessing:     "Order Processing",
	domain.OrderStatusShipped:        "Order Shipped",
	domain.OrderStatusOutForDelivery: "Out for Delivery",
	domain.OrderStatusDelivered:      "Order Delivered",
	domain.OrderStatusCancelled:      "Order Cancelled",
	domain.OrderStatusReturned:       "Order Returned",
}

// Outcome is what a state change asks the caller to do after it is persisted.
type Outcome struct {
	Restock []domain.StockMovement
	Events  []domain.Event
}

func IsOrderStatus(status string) bool {
	_, ok := orderTransitions[status]
	return ok
}

func CanTransitionOrder(from string, to string) bool {
	next, ok := orderTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(next, to)
}

// NewOrder assembles a pending order from priced lines. Stock is reserved by the store.
func NewOrder(lines []domain.LineItem, totals Totals, req domain.CreateOrderRequest, owner string, applyTax bool, actor domain.Actor, now time.Time) domain.Order {
	now = now.UTC()
	customerName := strings.TrimSpace(req.ShippingAddress.Name)
	if customerName == "" && owner == actor.ID {
		customerName = actor.Name
	}
	return domain.Order{
		ID:              xid.New("ord"),
		OrderNumber:     xid.OrderNumber(now),
		UserID:          owner,
		CustomerName:    customerName,
		CustomerPhone:   strings.TrimSpace(req.CustomerPhone),
		Items:           lines,
		Subtotal:        totals.Subtotal,
		TaxApplied:      applyTax,
		TaxTotal:        totals.TaxTotal,
		DiscountAmount:  totals.Discount,
		GrandTotal:      totals.GrandTotal,
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   req.PaymentMethod,
		PaymentStatus:   domain.PaymentStatusPending,
		Status:          domain.OrderStatusPending,
		IsOffline:       req.IsOffline,
		TrackingHistory: []domain.TrackingEntry{{
			Status:    domain.OrderStatusPending,
			Timestamp: now,
			Note:      "Order placed",
			Actor:     actorLabel(actor),
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// OrderPlacedEvents notifies the owner (if any) and the dispatch desk.
func OrderPlacedEvents(order domain.Order) []domain.Event {
	events := make([]domain.Event, 0, 2)
	if order.UserID != "" {
		events = append(events, domain.Event{
			Type:    "order_tracking",
			Title:   orderStatusTitles[domain.OrderStatusPending],
			Message: fmt.Sprintf("Your order #%s has been placed successfully. We'll notify you when it's confirmed.", order.OrderNumber),
			UserID:  order.UserID,
			Data:    map[string]any{"order_id": order.ID, "status": domain.OrderStatusPending},
		})
	}

	customer := order.CustomerName
	if customer == "" {
		customer = "Customer"
	}
	events = append(events, domain.Event{
		Type:     "new_order",
		Title:    "Ready to Dispatch",
		Message:  fmt.Sprintf("Order #%s is ready to dispatch. Customer: %s - %s", order.OrderNumber, customer, formatMoney(order.GrandTotal)),
		ForAdmin: true,
		Data: map[string]any{
			"order_id":     order.ID,
			"order_number": order.OrderNumber,
			"user_id":      order.UserID,
			"amount":       order.GrandTotal.StringFixed(moneyScale),
		},
	})
	return events
}

// LowStockEvent warns staff that a reservation left a product at or below its threshold.
func LowStockEvent(product domain.Product) (domain.Event, bool) {
	if product.StockQty > product.LowStockThreshold {
		return domain.Event{}, false
	}
	title := "Low Stock"
	if product.StockQty == 0 {
		title = "Out of Stock"
	}
	return domain.Event{
		Type:     "low_stock",
		Title:    title,
		Message:  fmt.Sprintf("%s (%s) has %d units left (threshold %d).", product.Name, product.SKU, product.StockQty, product.LowStockThreshold),
		ForAdmin: true,
		Data: map[string]any{
			"product_id": product.ID,
			"sku":        product.SKU,
			"stock_qty":  product.StockQty,
		},
	}, true
}

// ApplyStatusUpdate moves an order along the transition table and records the change.
func ApplyStatusUpdate(order *domain.Order, req domain.StatusUpdateRequest, actor domain.Actor, now time.Time) ([]domain.Event, error) {
	if !actor.IsStaff() {
		return nil, fmt.Errorf("%w: staff role required", domain.ErrUnauthorized)
	}
	target := strings.TrimSpace(req.Status)
	if target == "" {
		return nil, domain.ValidationErrorf("status is required")
	}
	if !IsOrderStatus(target) {
		return nil, domain.ValidationErrorf("unknown order status %q", target)
	}
	if target == domain.OrderStatusCancelled {
		return nil, domain.TransitionErrorf("cancellation must go through the cancel operation")
	}
	// Re-sending the current status only edits tracking fields; there is no
	// status change to announce and delivered_at keeps its first stamp.
	sameStatus := target == order.Status
	if !sameStatus && !CanTransitionOrder(order.Status, target) {
		return nil, domain.TransitionErrorf("cannot move order from %s to %s", order.Status, target)
	}

	now = now.UTC()
	order.Status = target
	if tn := strings.TrimSpace(req.TrackingNumber); tn != "" {
		order.TrackingNumber = tn
	}
	if cp := strings.TrimSpace(req.CourierProvider); cp != "" {
		order.CourierProvider = cp
	}
	if target == domain.OrderStatusDelivered && !sameStatus {
		delivered := now
		order.DeliveredAt = &delivered
	}
	order.UpdatedAt = now
	order.TrackingHistory = append(order.TrackingHistory, domain.TrackingEntry{
		Status:    target,
		Timestamp: now,
		Note:      strings.TrimSpace(req.Notes),
		Actor:     actor.Name,
	})

	if order.UserID == "" || sameStatus {
		return nil, nil
	}
	return []domain.Event{{
		Type:    "order_status",
		Title:   orderStatusTitles[target],
		Message: StatusMessage(*order, target),
		UserID:  order.UserID,
		Data:    map[string]any{"order_id": order.ID, "status": target},
	}}, nil
}

// StatusMessage is the customer-facing text for a status change.
func StatusMessage(order domain.Order, status string) string {
	switch status {
	case domain.OrderStatusConfirmed:
		return fmt.Sprintf("Your order #%s has been confirmed!", order.OrderNumber)
	case domain.OrderStatusShipped:
		if order.TrackingNumber == "" {
			return fmt.Sprintf("Your order #%s has been shipped!", order.OrderNumber)
		}
		return fmt.Sprintf("Your order #%s has been shipped! Track it with ID: %s", order.OrderNumber, order.TrackingNumber)
	case domain.OrderStatusDelivered:
		return fmt.Sprintf("Your order #%s has been delivered successfully. Thank you for shopping with us!", order.OrderNumber)
	case domain.OrderStatusCancelled:
		return fmt.Sprintf("Your order #%s has been cancelled.", order.OrderNumber)
	case domain.OrderStatusReturned:
		return fmt.Sprintf("Return process initiated for order #%s.", order.OrderNumber)
	default:
		return fmt.Sprintf("Order status updated to %s", status)
	}
}

// CanAccessOrder reports whether the actor is staff or the order's owner.
func CanAccessOrder(order domain.Order, actor domain.Actor) bool {
	if actor.IsStaff() {
		return true
	}
	return order.UserID != "" && actor.ID == order.UserID
}

// Cancel cancels the order, asking the caller to restock every line.
func Cancel(order *domain.Order, req domain.CancelOrderRequest, actor domain.Actor, now time.Time) (Outcome, error) {
	if !CanAccessOrder(*order, actor) {
		return Outcome{}, fmt.Errorf("%w: not authorized to cancel this order", domain.ErrUnauthorized)
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return Outcome{}, domain.ValidationErrorf("reason is required")
	}
	if !CanTransitionOrder(order.Status, domain.OrderStatusCancelled) {
		return Outcome{}, domain.TransitionErrorf("cannot cancel order with status: %s", order.Status)
	}

	cancellationType := domain.CancellationTypeCustomer
	if actor.IsStaff() {
		cancellationType = domain.CancellationTypeAdmin
		switch req.CancellationType {
		case domain.CancellationTypeCustomer, domain.CancellationTypeSystem:
			cancellationType = req.CancellationType
		}
	}

	now = now.UTC()
	order.Status = domain.OrderStatusCancelled
	order.UpdatedAt = now
	order.TrackingHistory = append(order.TrackingHistory, domain.TrackingEntry{
		Status:    domain.OrderStatusCancelled,
		Timestamp: now,
		Note:      "Order cancelled: " + reason,
		Actor:     actorLabel(actor),
	})
	order.Cancellation = &domain.Cancellation{
		ID:               xid.New("cxl"),
		OrderID:          order.ID,
		UserID:           order.UserID,
		Reason:           reason,
		CancellationType: cancellationType,
		CancelledBy:      actor.Name,
		RefundAmount:     order.GrandTotal,
		RefundStatus:     domain.RefundStatusPending,
		CreatedAt:        now,
	}

	outcome := Outcome{
		Restock: ReservationPlan(order.Items, domain.MovementCancel, "order "+order.OrderNumber+" cancelled", actor.Name),
	}
	if order.UserID != "" {
		outcome.Events = append(outcome.Events, domain.Event{
			Type:    "order_tracking",
			Title:   orderStatusTitles[domain.OrderStatusCancelled],
			Message: fmt.Sprintf("Your order #%s has been cancelled. Reason: %s. Refund will be processed within %s.", order.OrderNumber, reason, CustomerRefundTimeline),
			UserID:  order.UserID,
			Data:    map[string]any{"order_id": order.ID, "status": domain.OrderStatusCancelled},
		})
	}
	outcome.Events = append(outcome.Events, domain.Event{
		Type:     "order_cancelled",
		Title:    "Order Cancelled",
		Message:  fmt.Sprintf("Order #%s cancelled by %s (%s). Reason: %s. Refund due: %s", order.OrderNumber, actor.Name, cancellationType, reason, formatMoney(order.GrandTotal)),
		ForAdmin: true,
		Data: map[string]any{
			"order_id":          order.ID,
			"order_number":      order.OrderNumber,
			"cancelled_by":      actor.Name,
			"cancellation_type": cancellationType,
			"reason":            reason,
			"refund_amount":     order.GrandTotal.StringFixed(moneyScale),
		},
	})
	return outcome, nil
}

// CancellationPolicy describes what cancelling the order now would mean.
func CancellationPolicy(order domain.Order) domain.CancellationEligibility {
	info := domain.CancellationEligibility{
		OrderStatus: order.Status,
		OrderNumber: order.OrderNumber,
	}
	info.CanCancel = CanTransitionOrder(order.Status, domain.OrderStatusCancelled)
	if !info.CanCancel {
		info.Reason = "Cannot cancel order with status: " + order.Status
		if order.Status == domain.OrderStatusDelivered {
			info.Alternative = "You can create a return request instead"
		}
		return info
	}

	info.RefundAmount = order.GrandTotal
	switch order.Status {
	case domain.OrderStatusPending, domain.OrderStatusConfirmed:
		info.CancellationType = "immediate"
		info.RefundTimeline = "Immediate refund"
		info.Implications = "Order will be cancelled immediately"
	case domain.OrderStatusProcessing:
		info.CancellationType = "processing"
		info.RefundTimeline = "1-2 business days"
		info.Implications = "Order preparation will be stopped"
	case domain.OrderStatusShipped, domain.OrderStatusOutForDelivery:
		info.CancellationType = "return"
		info.RefundTimeline = "3-7 business days after return"
		info.Implications = "Return pickup will be scheduled"
	}
	return info
}

func actorLabel(actor domain.Actor) string {
	if actor.IsStaff() {
		return actor.Name
	}
	return "Customer"
}
