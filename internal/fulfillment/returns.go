package fulfillment

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"orderflow/backend/internal/domain"
	"orderflow/backend/internal/xid"
)

const (
	MaxEvidenceFiles     = 5
	ReturnRefundTimeline = "5-7 business days after return verification"
	pickupLeadTime       = 24 * time.Hour
)

var returnTransitions = map[string][]string{
	domain.ReturnStatusPending:         {domain.ReturnStatusApproved, domain.ReturnStatusRejected},
	domain.ReturnStatusApproved:        {domain.ReturnStatusPickupScheduled, domain.ReturnStatusPickedUp},
	domain.ReturnStatusPickupScheduled: {domain.ReturnStatusPickedUp},
	domain.ReturnStatusPickedUp:        {domain.ReturnStatusReceived},
	domain.ReturnStatusReceived:        {domain.ReturnStatusCompleted},
	domain.ReturnStatusRejected:        {},
	domain.ReturnStatusCompleted:       {},
}

var returnTypes = []domain.ReturnTypeOption{
	{Value: domain.ReturnTypeDefective, Label: "Product is defective/damaged"},
	{Value: domain.ReturnTypeWrongItem, Label: "Wrong item received"},
	{Value: domain.ReturnTypeNotSatisfied, Label: "Not satisfied with product"},
	{Value: domain.ReturnTypeDamaged, Label: "Package was damaged"},
}

func IsReturnStatus(status string) bool {
	_, ok := returnTransitions[status]
	return ok
}

func CanTransitionReturn(from string, to string) bool {
	return slices.Contains(returnTransitions[from], to)
}

// IsOpenReturn reports whether the return still blocks a new request on the same order.
func IsOpenReturn(status string) bool {
	return status != domain.ReturnStatusRejected && status != domain.ReturnStatusCompleted
}

func isReturnType(value string) bool {
	for _, option := range returnTypes {
		if option.Value == value {
			return true
		}
	}
	return false
}

// deliveredAt falls back to the last update for orders delivered before the stamp existed.
func deliveredAt(order domain.Order) time.Time {
	if order.DeliveredAt != nil {
		return *order.DeliveredAt
	}
	return order.UpdatedAt
}

// ReturnEligibility reports whether a return can be requested right now.
func ReturnEligibility(order domain.Order, now time.Time, window time.Duration) domain.ReturnEligibility {
	info := domain.ReturnEligibility{
		OrderStatus: order.Status,
		OrderNumber: order.OrderNumber,
		WindowDays:  int(window / (24 * time.Hour)),
	}

	switch order.Status {
	case domain.OrderStatusDelivered:
	case domain.OrderStatusPending, domain.OrderStatusConfirmed, domain.OrderStatusProcessing,
		domain.OrderStatusShipped, domain.OrderStatusOutForDelivery:
		info.Reason = "Order not yet delivered"
		info.Alternative = "You can cancel the order instead"
		return info
	case domain.OrderStatusCancelled, domain.OrderStatusReturned:
		info.Reason = "Order already " + order.Status
		return info
	default:
		info.Reason = "Cannot return order with status: " + order.Status
		return info
	}

	remaining := window - now.Sub(deliveredAt(order))
	if remaining < 0 {
		info.Reason = fmt.Sprintf("Return window expired (%d days from delivery)", info.WindowDays)
		return info
	}

	info.CanReturn = true
	info.RemainingDays = int(math.Ceil(remaining.Hours() / 24))
	info.ReturnTypes = slices.Clone(returnTypes)
	info.EvidenceRequired = true
	info.RefundTimeline = ReturnRefundTimeline
	return info
}

// NewReturnRequest validates a return against the delivered order and prices the refund.
func NewReturnRequest(order domain.Order, req domain.CreateReturnRequest, actor domain.Actor, now time.Time, window time.Duration) (domain.ReturnRequest, []domain.Event, error) {
	if !CanAccessOrder(order, actor) {
		return domain.ReturnRequest{}, nil, fmt.Errorf("%w: not authorized to return this order", domain.ErrUnauthorized)
	}
	if order.Status != domain.OrderStatusDelivered {
		return domain.ReturnRequest{}, nil, domain.TransitionErrorf("cannot return order with status: %s. Order must be delivered to initiate return", order.Status)
	}
	if now.Sub(deliveredAt(order)) > window {
		return domain.ReturnRequest{}, nil, fmt.Errorf("%w: returns are only accepted within %d days of delivery", domain.ErrReturnWindowExpired, int(window/(24*time.Hour)))
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return domain.ReturnRequest{}, nil, domain.ValidationErrorf("reason is required")
	}
	returnType := strings.TrimSpace(req.ReturnType)
	if returnType == "" {
		returnType = domain.ReturnTypeDefective
	}
	if !isReturnType(returnType) {
		return domain.ReturnRequest{}, nil, domain.ValidationErrorf("unknown return_type %q", returnType)
	}
	refundMethod := strings.TrimSpace(req.RefundMethod)
	if refundMethod == "" {
		refundMethod = "original"
	}

	requested, err := NormalizeCart(req.Items)
	if err != nil {
		return domain.ReturnRequest{}, nil, err
	}

	ordered := make(map[string]domain.LineItem, len(order.Items))
	for _, line := range order.Items {
		ordered[line.ProductID] = line
	}

	lines := make([]domain.ReturnLine, 0, len(requested))
	refund := decimal.Zero
	for _, item := range requested {
		line, ok := ordered[item.ProductID]
		if !ok {
			return domain.ReturnRequest{}, nil, fmt.Errorf("%w: %s was not part of order #%s", domain.ErrItemNotInOrder, item.ProductID, order.OrderNumber)
		}
		if item.Quantity > line.Quantity {
			return domain.ReturnRequest{}, nil, fmt.Errorf("%w: cannot return %d of %s, ordered %d", domain.ErrQuantityExceedsOrder, item.Quantity, line.ProductName, line.Quantity)
		}
		lines = append(lines, domain.ReturnLine{
			ProductID:   line.ProductID,
			ProductName: line.ProductName,
			Quantity:    item.Quantity,
			UnitPrice:   line.UnitPrice,
		})
		refund = refund.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	if refund.GreaterThan(order.GrandTotal) {
		refund = order.GrandTotal
	}

	now = now.UTC()
	ret := domain.ReturnRequest{
		ID:             xid.New("ret"),
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		UserID:         order.UserID,
		Items:          lines,
		Reason:         reason,
		ReturnType:     returnType,
		RefundMethod:   refundMethod,
		RefundAmount:   refund.Round(moneyScale),
		Description:    strings.TrimSpace(req.Description),
		Status:         domain.ReturnStatusPending,
		EvidenceImages: nonEmpty(req.Images),
		EvidenceVideos: nonEmpty(req.Videos),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	events := make([]domain.Event, 0, 2)
	if ret.UserID != "" {
		events = append(events, domain.Event{
			Type:    "return_request",
			Title:   "Return Request Submitted",
			Message: fmt.Sprintf("Your return request for order #%s has been submitted. We'll review it within 24 hours.", order.OrderNumber),
			UserID:  ret.UserID,
			Data: map[string]any{
				"order_id":      order.ID,
				"return_id":     ret.ID,
				"return_type":   returnType,
				"refund_amount": ret.RefundAmount.StringFixed(moneyScale),
			},
		})
	}
	events = append(events, domain.Event{
		Type:     "return_request",
		Title:    "New Return Request",
		Message:  fmt.Sprintf("Return request submitted for order #%s. Reason: %s - %s", order.OrderNumber, returnType, reason),
		ForAdmin: true,
		Data: map[string]any{
			"order_id":        order.ID,
			"return_id":       ret.ID,
			"customer_name":   actor.Name,
			"return_type":     returnType,
			"reason":          reason,
			"refund_amount":   ret.RefundAmount.StringFixed(moneyScale),
			"evidence_images": len(ret.EvidenceImages),
			"evidence_videos": len(ret.EvidenceVideos),
		},
	})
	return ret, events, nil
}

// ApplyReturnUpdate applies a staff decision. Status side effects only fire on a
// status change, so repeating an update never restocks twice.
func ApplyReturnUpdate(ret *domain.ReturnRequest, order domain.Order, req domain.UpdateReturnRequest, actor domain.Actor, now time.Time) (Outcome, error) {
	if !actor.IsStaff() {
		return Outcome{}, fmt.Errorf("%w: staff role required", domain.ErrUnauthorized)
	}

	target := strings.TrimSpace(req.Status)
	if target == "" {
		target = ret.Status
	}
	if !IsReturnStatus(target) {
		return Outcome{}, domain.ValidationErrorf("unknown return status %q", target)
	}
	changed := target != ret.Status
	if changed && !CanTransitionReturn(ret.Status, target) {
		return Outcome{}, domain.TransitionErrorf("cannot move return from %s to %s", ret.Status, target)
	}
	if req.RefundAmount != nil {
		if req.RefundAmount.IsNegative() || req.RefundAmount.GreaterThan(order.GrandTotal) {
			return Outcome{}, domain.ValidationErrorf("refund_amount must be between 0 and %s", order.GrandTotal.StringFixed(moneyScale))
		}
		ret.RefundAmount = req.RefundAmount.Round(moneyScale)
	}

	now = now.UTC()
	if notes := strings.TrimSpace(req.AdminNotes); notes != "" {
		if ret.AdminNotes == "" {
			ret.AdminNotes = notes
		} else {
			ret.AdminNotes = ret.AdminNotes + "\n\n" + notes
		}
	}
	if awb := strings.TrimSpace(req.ReturnAWB); awb != "" {
		ret.ReturnAWB = awb
	}
	if cp := strings.TrimSpace(req.CourierProvider); cp != "" {
		ret.CourierProvider = cp
	}
	ret.ProcessedBy = actor.ID
	ret.UpdatedAt = now

	if !changed {
		return Outcome{}, nil
	}
	ret.Status = target

	var outcome Outcome
	switch target {
	case domain.ReturnStatusApproved:
		pickup := now.Add(pickupLeadTime)
		ret.PickupScheduledDate = &pickup
		outcome.Restock = make([]domain.StockMovement, 0, len(ret.Items))
		for _, line := range ret.Items {
			outcome.Restock = append(outcome.Restock, domain.StockMovement{
				ProductID: line.ProductID,
				Quantity:  line.Quantity,
				Type:      domain.MovementReturn,
				Note:      "return " + ret.ID + " approved",
				CreatedBy: actor.Name,
			})
		}
		outcome.Events = customerReturnEvent(*ret, order, "return_approved", "Return Request Approved",
			fmt.Sprintf("Your return request for order #%s has been approved.", order.OrderNumber))
	case domain.ReturnStatusRejected:
		outcome.Events = customerReturnEvent(*ret, order, "return_rejected", "Return Request Rejected",
			fmt.Sprintf("Your return request for order #%s has been rejected.", order.OrderNumber))
	case domain.ReturnStatusPickupScheduled:
		if ret.PickupScheduledDate == nil {
			pickup := now.Add(pickupLeadTime)
			ret.PickupScheduledDate = &pickup
		}
	case domain.ReturnStatusPickedUp:
		ret.PickupCompletedDate = &now
	case domain.ReturnStatusReceived:
		ret.ReceivedDate = &now
	case domain.ReturnStatusCompleted:
		outcome.Events = customerReturnEvent(*ret, order, "return_completed", "Return Completed",
			fmt.Sprintf("Your return for order #%s is complete. A refund of %s has been initiated.", order.OrderNumber, formatMoney(ret.RefundAmount)))
	}
	return outcome, nil
}

func customerReturnEvent(ret domain.ReturnRequest, order domain.Order, eventType string, title string, message string) []domain.Event {
	if ret.UserID == "" {
		return nil
	}
	return []domain.Event{{
		Type:    eventType,
		Title:   title,
		Message: message,
		UserID:  ret.UserID,
		Data:    map[string]any{"return_id": ret.ID, "order_id": order.ID, "status": ret.Status},
	}}
}

// ClassifyEvidence maps a content type to an evidence kind.
func ClassifyEvidence(contentType string) (string, bool) {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case strings.HasPrefix(ct, "image/"):
		return domain.EvidenceImage, true
	case strings.HasPrefix(ct, "video/"):
		return domain.EvidenceVideo, true
	default:
		return "", false
	}
}

// CanUploadEvidence allows staff and the customer who owns the return.
func CanUploadEvidence(ret domain.ReturnRequest, actor domain.Actor) bool {
	if actor.IsStaff() {
		return true
	}
	return ret.UserID != "" && ret.UserID == actor.ID
}

// AttachEvidence appends stored files to the return and notifies staff.
func AttachEvidence(ret *domain.ReturnRequest, files []domain.StoredEvidence, actor domain.Actor, now time.Time) []domain.Event {
	images, videos := 0, 0
	for _, file := range files {
		switch file.Type {
		case domain.EvidenceImage:
			ret.EvidenceImages = append(ret.EvidenceImages, file.URL)
			images++
		case domain.EvidenceVideo:
			ret.EvidenceVideos = append(ret.EvidenceVideos, file.URL)
			videos++
		}
	}
	if images+videos == 0 {
		return nil
	}
	ret.UpdatedAt = now.UTC()

	return []domain.Event{{
		Type:     "return_evidence",
		Title:    "New Return Evidence Uploaded",
		Message:  fmt.Sprintf("%s uploaded %s for return request %s", actor.Name, describeEvidence(images, videos), ret.ID),
		ForAdmin: true,
		Data: map[string]any{
			"return_id":     ret.ID,
			"images":        images,
			"videos":        videos,
			"file_count":    images + videos,
			"uploaded_by":   actor.Name,
			"customer_name": actor.Name,
		},
	}}
}

func describeEvidence(images int, videos int) string {
	parts := make([]string, 0, 2)
	if images > 0 {
		parts = append(parts, fmt.Sprintf("%d image(s)", images))
	}
	if videos > 0 {
		parts = append(parts, fmt.Sprintf("%d video(s)", videos))
	}
	return strings.Join(parts, " and ")
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
