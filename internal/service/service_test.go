package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"orderflow/backend/internal/cache"
	"orderflow/backend/internal/domain"
	"orderflow/backend/internal/evidence"
	"orderflow/backend/internal/notify"
	"orderflow/backend/internal/store/memory"
)

var (
	customer  = domain.Actor{ID: "user_customer", Name: "Priya Sharma", Role: domain.RoleCustomer}
	wholesale = domain.Actor{ID: "user_wholesale", Name: "Gupta Traders", Role: domain.RoleCustomer, IsWholesale: true}
	staff     = domain.Actor{ID: "user_staff", Name: "Dispatch Desk", Role: domain.RoleStaff}
	address   = domain.ShippingAddress{Name: "Priya Sharma", Phone: "9876543210", Line1: "12 MG Road", City: "Pune", State: "MH", Pincode: "411001"}
)

type fixture struct {
	svc   *Service
	repo  *memory.Store
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	disk, err := evidence.NewDiskStore(t.TempDir(), "http://localhost:8080/evidence")
	if err != nil {
		t.Fatalf("disk store: %v", err)
	}
	f := &fixture{repo: memory.NewSeeded(), clock: time.Now().UTC()}
	f.svc = New(f.repo, nil, nil, disk, Options{Now: func() time.Time { return f.clock }})
	return f
}

func as(actor domain.Actor) context.Context {
	return WithActor(context.Background(), actor)
}

func (f *fixture) stock(t *testing.T, productID string) int {
	t.Helper()
	p, err := f.repo.GetProduct(context.Background(), productID)
	if err != nil {
		t.Fatalf("get product %s: %v", productID, err)
	}
	return p.StockQty
}

func (f *fixture) placeOrder(t *testing.T, actor domain.Actor, items ...domain.CartItem) domain.Order {
	t.Helper()
	order, err := f.svc.CreateOrder(as(actor), domain.CreateOrderRequest{Items: items, ShippingAddress: address})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

func (f *fixture) deliver(t *testing.T, orderID string) {
	t.Helper()
	for _, status := range []string{domain.OrderStatusConfirmed, domain.OrderStatusShipped, domain.OrderStatusDelivered} {
		if _, err := f.svc.UpdateOrderStatus(as(staff), orderID, domain.StatusUpdateRequest{Status: status}); err != nil {
			t.Fatalf("move order to %s: %v", status, err)
		}
	}
}

func countType(items []domain.Notification, notificationType string) int {
	n := 0
	for _, item := range items {
		if item.Type == notificationType {
			n++
		}
	}
	return n
}

func TestCreateOrderReservesStockAndNotifies(t *testing.T) {
	f := newFixture(t)

	order := f.placeOrder(t, customer,
		domain.CartItem{ProductID: "prod_toor_dal_1kg", Quantity: 2},
		domain.CartItem{ProductID: "prod_cotton_towel", Quantity: 1},
	)

	if order.Status != domain.OrderStatusPending || order.UserID != customer.ID {
		t.Fatalf("unexpected order header: status=%s user=%s", order.Status, order.UserID)
	}
	if order.PaymentMethod != domain.PaymentMethodCOD || !order.TaxApplied {
		t.Fatalf("expected cod with tax by default, got %s tax=%v", order.PaymentMethod, order.TaxApplied)
	}
	// 2 x 189 @5% + 1 x 299 @12%
	if !order.Subtotal.Equal(decimal.RequireFromString("677")) || !order.TaxTotal.Equal(decimal.RequireFromString("54.78")) {
		t.Fatalf("unexpected totals: subtotal=%s tax=%s", order.Subtotal, order.TaxTotal)
	}
	if !order.GrandTotal.Equal(order.Subtotal.Add(order.TaxTotal).Sub(order.DiscountAmount)) {
		t.Fatalf("grand total %s does not add up", order.GrandTotal)
	}
	if got := f.stock(t, "prod_toor_dal_1kg"); got != 148 {
		t.Fatalf("expected dal stock 148, got %d", got)
	}
	if got := f.stock(t, "prod_cotton_towel"); got != 59 {
		t.Fatalf("expected towel stock 59, got %d", got)
	}

	mine, err := f.svc.ListNotifications(as(customer), false)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if mine.UnreadCount != 1 || countType(mine.Notifications, "order_tracking") != 1 {
		t.Fatalf("expected one order placed notification, got %+v", mine)
	}
	desk, err := f.svc.ListNotifications(as(staff), true)
	if err != nil {
		t.Fatalf("list staff notifications: %v", err)
	}
	if countType(desk.Notifications, "new_order") != 1 {
		t.Fatalf("expected ready to dispatch notification, got %+v", desk.Notifications)
	}
}

func TestCreateOrderIsAllOrNothing(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateOrder(as(customer), domain.CreateOrderRequest{
		ShippingAddress: address,
		Items: []domain.CartItem{
			{ProductID: "prod_basmati_5kg", Quantity: 3},
			{ProductID: "prod_electric_kettle", Quantity: 6},
		},
	})
	var stockErr *domain.InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if stockErr.ProductID != "prod_electric_kettle" || stockErr.Available != 5 {
		t.Fatalf("unexpected shortfall detail: %+v", stockErr)
	}
	if got := f.stock(t, "prod_basmati_5kg"); got != 120 {
		t.Fatalf("basmati stock must be untouched, got %d", got)
	}
	orders, _ := f.svc.ListMyOrders(as(customer))
	if len(orders) != 0 {
		t.Fatalf("expected no orders, got %d", len(orders))
	}
}

func TestCreateOrderValidation(t *testing.T) {
	f := newFixture(t)

	cases := map[string]domain.CreateOrderRequest{
		"empty cart":      {ShippingAddress: address},
		"zero quantity":   {ShippingAddress: address, Items: []domain.CartItem{{ProductID: "prod_led_bulb_9w"}}},
		"no address":      {Items: []domain.CartItem{{ProductID: "prod_led_bulb_9w", Quantity: 1}}},
		"unknown payment": {ShippingAddress: address, PaymentMethod: "cheque", Items: []domain.CartItem{{ProductID: "prod_led_bulb_9w", Quantity: 1}}},
	}
	for name, req := range cases {
		if _, err := f.svc.CreateOrder(as(customer), req); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}

	_, err := f.svc.CreateOrder(as(customer), domain.CreateOrderRequest{
		ShippingAddress: address,
		Items:           []domain.CartItem{{ProductID: "prod_missing", Quantity: 1}},
	})
	if !errors.Is(err, domain.ErrProductNotFound) {
		t.Fatalf("expected product not found, got %v", err)
	}

	if _, err := f.svc.CreateOrder(context.Background(), domain.CreateOrderRequest{}); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected anonymous caller to be rejected, got %v", err)
	}
}

func TestCreateOrderAppliesWholesalePrice(t *testing.T) {
	f := newFixture(t)
	noTax := false

	order, err := f.svc.CreateOrder(as(wholesale), domain.CreateOrderRequest{
		ShippingAddress: address,
		ApplyTax:        &noTax,
		Items:           []domain.CartItem{{ProductID: "prod_led_bulb_9w", Quantity: 20}},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if !order.Items[0].UnitPrice.Equal(decimal.NewFromInt(80)) {
		t.Fatalf("expected wholesale unit price 80, got %s", order.Items[0].UnitPrice)
	}
	if !order.GrandTotal.Equal(decimal.NewFromInt(1600)) || order.TaxApplied {
		t.Fatalf("expected 1600 without tax, got %s", order.GrandTotal)
	}
}

func TestStaffGuestOrderSkipsCustomerNotification(t *testing.T) {
	f := newFixture(t)

	order, err := f.svc.CreateOrder(as(staff), domain.CreateOrderRequest{
		IsOffline:      true,
		CustomerPhone:  "9000000000",
		PaymentMethod:  "online",
		DiscountAmount: decimal.NewFromInt(10),
		Items:          []domain.CartItem{{ProductID: "prod_masala_chai_250g", Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("create guest order: %v", err)
	}
	if order.UserID != "" || !order.IsOffline {
		t.Fatalf("expected an offline guest order, got user=%q offline=%v", order.UserID, order.IsOffline)
	}
	if !order.GrandTotal.Equal(decimal.RequireFromString("494")) {
		t.Fatalf("expected 480 + 24 tax - 10, got %s", order.GrandTotal)
	}
	if got := f.stock(t, "prod_masala_chai_250g"); got != 78 {
		t.Fatalf("expected chai stock 78, got %d", got)
	}

	desk, _ := f.svc.ListNotifications(as(staff), true)
	if countType(desk.Notifications, "new_order") != 1 {
		t.Fatalf("staff must still hear about guest orders")
	}
	mine, _ := f.svc.ListNotifications(as(customer), false)
	if len(mine.Notifications) != 0 {
		t.Fatalf("no customer should be notified, got %+v", mine.Notifications)
	}
}

func TestStaffOrderOnBehalfOfCustomer(t *testing.T) {
	f := newFixture(t)

	order, err := f.svc.CreateOrder(as(staff), domain.CreateOrderRequest{
		CustomerUserID:  "user_wholesale",
		ShippingAddress: domain.ShippingAddress{Line1: "Shop 4", City: "Indore", Pincode: "452001"},
		Items:           []domain.CartItem{{ProductID: "prod_steel_bottle_1l", Quantity: 6}},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if order.UserID != "user_wholesale" || order.CustomerName != "Gupta Traders" {
		t.Fatalf("unexpected owner: %s %q", order.UserID, order.CustomerName)
	}
	if !order.Items[0].UnitPrice.Equal(decimal.NewFromInt(420)) {
		t.Fatalf("expected the customer's wholesale price, got %s", order.Items[0].UnitPrice)
	}

	_, err = f.svc.CreateOrder(as(staff), domain.CreateOrderRequest{
		CustomerUserID:  "user_nobody",
		ShippingAddress: address,
		Items:           []domain.CartItem{{ProductID: "prod_steel_bottle_1l", Quantity: 1}},
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected unknown customer to be rejected, got %v", err)
	}
}

func TestCreateOrderRaisesLowStockAlertOnce(t *testing.T) {
	f := newFixture(t)

	f.placeOrder(t, customer, domain.CartItem{ProductID: "prod_electric_kettle", Quantity: 2})
	f.placeOrder(t, customer, domain.CartItem{ProductID: "prod_electric_kettle", Quantity: 1})

	desk, _ := f.svc.ListNotifications(as(staff), true)
	if got := countType(desk.Notifications, "low_stock"); got != 1 {
		t.Fatalf("expected a single low stock alert, got %d", got)
	}
}

func TestCancelRoundTripRestoresStock(t *testing.T) {
	f := newFixture(t)
	order := f.placeOrder(t, customer,
		domain.CartItem{ProductID: "prod_basmati_5kg", Quantity: 2},
		domain.CartItem{ProductID: "prod_sunflower_oil_1l", Quantity: 3},
	)

	resp, err := f.svc.CancelOrder(as(customer), order.ID, domain.CancelOrderRequest{Reason: "ordered by mistake"})
	if err != nil {
		t.Fatalf("cancel order: %v", err)
	}
	if resp.Status != domain.OrderStatusCancelled || !resp.RefundAmount.Equal(order.GrandTotal) || resp.RefundTimeline != "3-5 business days" {
		t.Fatalf("unexpected cancel response: %+v", resp)
	}
	if got := f.stock(t, "prod_basmati_5kg"); got != 120 {
		t.Fatalf("expected basmati back to 120, got %d", got)
	}
	if got := f.stock(t, "prod_sunflower_oil_1l"); got != 100 {
		t.Fatalf("expected oil back to 100, got %d", got)
	}

	stored, _ := f.svc.GetOrder(as(customer), order.ID)
	if stored.Cancellation == nil || stored.Cancellation.CancellationType != domain.CancellationTypeCustomer {
		t.Fatalf("expected a customer cancellation record, got %+v", stored.Cancellation)
	}
	last := stored.TrackingHistory[len(stored.TrackingHistory)-1]
	if last.Status != domain.OrderStatusCancelled || last.Actor != "Customer" {
		t.Fatalf("unexpected tracking entry: %+v", last)
	}

	if _, err := f.svc.CancelOrder(as(customer), order.ID, domain.CancelOrderRequest{Reason: "again"}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected second cancel to be rejected, got %v", err)
	}
	if got := f.stock(t, "prod_basmati_5kg"); got != 120 {
		t.Fatalf("second cancel must not restock, got %d", got)
	}
}

func TestCancelShippedOrder(t *testing.T) {
	f := newFixture(t)
	order := f.placeOrder(t, customer, domain.CartItem{ProductID: "prod_steel_bottle_1l", Quantity: 2})
	for _, status := range []string{domain.OrderStatusConfirmed, domain.OrderStatusShipped} {
		if _, err := f.svc.UpdateOrderStatus(as(staff), order.ID, domain.StatusUpdateRequest{Status: status, TrackingNumber: "AWB123"}); err != nil {
			t.Fatalf("move to %s: %v", status, err)
		}
	}

	policy, err := f.svc.CanCancel(as(customer), order.ID)
	if err != nil || !policy.CanCancel || policy.CancellationType != "return" {
		t.Fatalf("unexpected policy: %+v (%v)", policy, err)
	}
	if _, err := f.svc.CancelOrder(as(customer), order.ID, domain.CancelOrderRequest{Reason: "late"}); err != nil {
		t.Fatalf("cancel shipped order: %v", err)
	}
	if got := f.stock(t, "prod_steel_bottle_1l"); got != 40 {
		t.Fatalf("expected bottle stock back to 40, got %d", got)
	}
}

func TestCancelByStrangerIsRejected(t *testing.T) {
	f := newFixture(t)
	order := f.placeOrder(t, customer, domain.CartItem{ProductID: "prod_led_bulb_9w", Quantity: 1})

	if _, err := f.svc.CancelOrder(as(wholesale), order.ID, domain.CancelOrderRequest{Reason: "not mine"}); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := f.svc.GetOrder(as(wholesale), order.ID); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized read, got %v", err)
	}
	if got := f.stock(t, "prod_led_bulb_9w"); got != 199 {
		t.Fatalf("stock must stay reserved, got %d", got)
	}
}

func TestStaffStatusCancelRunsCancellation(t *testing.T) {
	f := newFixture(t)
	order := f.placeOrder(t, customer, domain.CartItem{ProductID: "prod_cotton_towel", Quantity: 4})

	updated, err := f.svc.UpdateOrderStatus(as(staff), order.ID, domain.StatusUpdateRequest{Status: domain.OrderStatusCancelled, Notes: "address unreachable"})
	if err != nil {
		t.Fatalf("staff cancel: %v", err)
	}
	if updated.Status != domain.OrderStatusCancelled || updated.Cancellation == nil {
		t.Fatalf("expected cancelled order with record, got %+v", updated)
	}
	if updated.Cancellation.CancellationType != domain.CancellationTypeAdmin || updated.Cancellation.Reason != "address unreachable" {
		t.Fatalf("unexpected cancellation record: %+v", updated.Cancellation)
	}
	if got := f.stock(t, "prod_cotton_towel"); got != 60 {
		t.Fatalf("expected towel stock back to 60, got %d", got)
	}
}

func TestUpdateOrderStatusRules(t *testing.T) {
	f := newFixture(t)
	order := f.placeOrder(t, customer, domain.CartItem{ProductID: "prod_led_bulb_9w", Quantity: 1})

	if _, err := f.svc.UpdateOrderStatus(as(customer), order.ID, domain.StatusUpdateRequest{Status: domain.OrderStatusConfirmed}); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected customers to be rejected, got %v", err)
	}
	if _, err := f.svc.UpdateOrderStatus(as(staff), order.ID, domain.StatusUpdateRequest{Status: domain.OrderStatusDelivered}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected pending -> delivered to be rejected, got %v", err)
	}

	f.deliver(t, order.ID)
	stored, _ := f.svc.GetOrder(as(customer), order.ID)
	if stored.DeliveredAt == nil || len(stored.TrackingHistory) != 4 {
		t.Fatalf("expected delivery stamp and 4 tracking entries, got %+v", stored.TrackingHistory)
	}
	mine, _ := f.svc.ListNotifications(as(customer), false)
	if got := countType(mine.Notifications, "order_status"); got != 3 {
		t.Fatalf("expected 3 status notifications, got %d", got)
	}
}

func TestUpdateOrderStatusAddsTrackingWithoutMoving(t *testing.T) {
	f := newFixture(t)
	order := f.placeOrder(t, customer, domain.CartItem{ProductID: "prod_led_bulb_9w", Quantity: 1})
	for _, status := range []string{domain.OrderStatusConfirmed, domain.OrderStatusShipped} {
		if _, err := f.svc.UpdateOrderStatus(as(staff), order.ID, domain.StatusUpdateRequest{Status: status}); err != nil {
			t.Fatalf("move order to %s: %v", status, err)
		}
	}

	updated, err := f.svc.UpdateOrderStatus(as(staff), order.ID, domain.StatusUpdateRequest{
		Status:          domain.OrderStatusShipped,
		TrackingNumber:  "BD0099812IN",
		CourierProvider: "India Post",
	})
	if err != nil {
		t.Fatalf("re-sending shipped with tracking: %v", err)
	}
	if updated.Status != domain.OrderStatusShipped || updated.TrackingNumber != "BD0099812IN" || updated.CourierProvider != "India Post" {
		t.Fatalf("unexpected order after tracking update: %+v", updated)
	}
	if len(updated.TrackingHistory) != 4 {
		t.Fatalf("expected a history entry for the tracking update, got %d entries", len(updated.TrackingHistory))
	}
	mine, _ := f.svc.ListNotifications(as(customer), false)
	if got := countType(mine.Notifications, "order_status"); got != 2 {
		t.Fatalf("expected only the 2 real status changes to notify, got %d", got)
	}

	if _, err := f.svc.CancelOrder(as(staff), order.ID, domain.CancelOrderRequest{Reason: "lost in transit"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := f.svc.UpdateOrderStatus(as(staff), order.ID, domain.StatusUpdateRequest{Status: domain.OrderStatusCancelled}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected cancelling twice to be rejected, got %v", err)
	}
}

func TestCreateReturnRequiresDeliveredOrder(t *testing.T) {
	f := newFixture(t)
	order := f.placeOrder(t, customer, domain.CartItem{ProductID: "prod_basmati_5kg", Quantity: 1})

	_, err := f.svc.CreateReturn(as(customer), order.ID, domain.CreateReturnRequest{
		Reason: "damaged",
		Items:  []domain.CartItem{{ProductID: "prod_basmati_5kg", Quantity: 1}},
	})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	returns, _ := f.svc.ListOrderReturns(as(customer), order.ID)
	if len(returns) != 0 {
		t.Fatalf("no return must be persisted, got %d", len(returns))
	}

	eligibility, _ := f.svc.CanReturn(as(customer), order.ID)
	if eligibility.CanReturn || eligibility.WindowDays != 7 {
		t.Fatalf("unexpected eligibility: %+v", eligibility)
	}
}

func TestCreateReturnRejectsExcessQuantity(t *testing.T) {
	f := newFixture(t)
	order := f.placeOrder(t, customer, domain.CartItem{ProductID: "prod_basmati_5kg", Quantity: 2})
	f.deliver(t, order.ID)

	_, err := f.svc.CreateReturn(as(customer), order.ID, domain.CreateReturnRequest{
		Reason: "too many",
		Items:  []domain.CartItem{{ProductID: "prod_basmati_5kg", Quantity: 3}},
	})
	if !errors.Is(err, domain.ErrQuantityExceedsOrder) {
		t.Fatalf("expected quantity exceeds order, got %v", err)
	}
	returns, _ := f.svc.ListMyReturns(as(customer))
	if len(returns) != 0 {
		t.Fatalf("no return must be persisted, got %d", len(returns))
	}
}

func TestCreateReturnHonoursWindow(t *testing.T) {
	f := newFixture(t)
	order := f.placeOrder(t, customer, domain.CartItem{ProductID: "prod_cotton_towel", Quantity: 1})
	f.deliver(t, order.ID)

	f.clock = f.clock.Add(8 * 24 * time.Hour)
	_, err := f.svc.CreateReturn(as(customer), order.ID, domain.CreateReturnRequest{
		Reason: "faded",
		Items:  []domain.CartItem{{ProductID: "prod_cotton_towel", Quantity: 1}},
	})
	if !errors.Is(err, domain.ErrReturnWindowExpired) {
		t.Fatalf("expected window expired, got %v", err)
	}
}

func TestApproveReturnTwiceRestocksOnce(t *testing.T) {
	f := newFixture(t)
	order := f.placeOrder(t, customer, domain.CartItem{ProductID: "prod_toor_dal_1kg", Quantity: 5})
	f.deliver(t, order.ID)

	ret, err := f.svc.CreateReturn(as(customer), order.ID, domain.CreateReturnRequest{
		Reason:     "weevils",
		ReturnType: domain.ReturnTypeDefective,
		Items:      []domain.CartItem{{ProductID: "prod_toor_dal_1kg", Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("create return: %v", err)
	}
	if !ret.RefundAmount.Equal(decimal.NewFromInt(378)) {
		t.Fatalf("expected refund 378, got %s", ret.RefundAmount)
	}

	if _, err := f.svc.CreateReturn(as(customer), order.ID, domain.CreateReturnRequest{
		Reason: "again",
		Items:  []domain.CartItem{{ProductID: "prod_toor_dal_1kg", Quantity: 1}},
	}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected second open return to be rejected, got %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := f.svc.UpdateReturn(as(staff), ret.ID, domain.UpdateReturnRequest{Status: domain.ReturnStatusApproved, AdminNotes: "ok"}); err != nil {
			t.Fatalf("approve #%d: %v", i+1, err)
		}
	}
	if got := f.stock(t, "prod_toor_dal_1kg"); got != 147 {
		t.Fatalf("expected 145 + 2 restocked once, got %d", got)
	}

	updated, _ := f.repo.GetReturn(context.Background(), ret.ID)
	if updated.AdminNotes != "ok\n\nok" || updated.ProcessedBy != staff.ID || updated.PickupScheduledDate == nil {
		t.Fatalf("unexpected return after approvals: %+v", updated)
	}

	if _, err := f.svc.UpdateReturn(as(customer), ret.ID, domain.UpdateReturnRequest{Status: domain.ReturnStatusRejected}); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected customers to be rejected, got %v", err)
	}
}

func TestUploadEvidenceSkipsUnsupportedFiles(t *testing.T) {
	f := newFixture(t)
	order := f.placeOrder(t, customer, domain.CartItem{ProductID: "prod_electric_kettle", Quantity: 1})
	f.deliver(t, order.ID)
	ret, err := f.svc.CreateReturn(as(customer), order.ID, domain.CreateReturnRequest{
		Reason: "does not heat",
		Items:  []domain.CartItem{{ProductID: "prod_electric_kettle", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("create return: %v", err)
	}

	resp, err := f.svc.UploadReturnEvidence(as(customer), ret.ID, []domain.EvidenceFile{
		textFile("front.jpg", "image/jpeg"),
		textFile("notes.txt", "text/plain"),
		textFile("back.png", "image/png"),
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if resp.Uploaded != 2 || resp.Skipped != 1 {
		t.Fatalf("expected 2 uploaded and 1 skipped, got %+v", resp)
	}

	stored, _ := f.repo.GetReturn(context.Background(), ret.ID)
	if len(stored.EvidenceImages) != 2 || len(stored.EvidenceVideos) != 0 {
		t.Fatalf("expected 2 evidence images, got %+v", stored.EvidenceImages)
	}
	if !strings.HasPrefix(stored.EvidenceImages[0], "http://localhost:8080/evidence/returns/"+ret.ID+"/") {
		t.Fatalf("unexpected evidence url %s", stored.EvidenceImages[0])
	}
	desk, _ := f.svc.ListNotifications(as(staff), true)
	if countType(desk.Notifications, "return_evidence") != 1 {
		t.Fatalf("expected one evidence notification")
	}
}

func TestUploadEvidenceKeepsSameNamedFiles(t *testing.T) {
	f := newFixture(t)
	order := f.placeOrder(t, customer, domain.CartItem{ProductID: "prod_steel_bottle_1l", Quantity: 1})
	f.deliver(t, order.ID)
	ret, err := f.svc.CreateReturn(as(customer), order.ID, domain.CreateReturnRequest{
		Reason: "dented lid",
		Items:  []domain.CartItem{{ProductID: "prod_steel_bottle_1l", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("create return: %v", err)
	}

	resp, err := f.svc.UploadReturnEvidence(as(customer), ret.ID, []domain.EvidenceFile{
		textFile("image.jpg", "image/jpeg"),
		textFile("image.jpg", "image/jpeg"),
		textFile("image.jpg", "image/jpeg"),
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if resp.Uploaded != 3 || resp.Skipped != 0 {
		t.Fatalf("expected all 3 same-named images uploaded, got %+v", resp)
	}

	stored, _ := f.repo.GetReturn(context.Background(), ret.ID)
	seen := make(map[string]bool)
	for _, url := range stored.EvidenceImages {
		seen[url] = true
	}
	if len(stored.EvidenceImages) != 3 || len(seen) != 3 {
		t.Fatalf("expected 3 distinct evidence urls, got %v", stored.EvidenceImages)
	}
}

type blockingTransport struct {
	mu        sync.Mutex
	deadlines int
}

func (b *blockingTransport) Publish(ctx context.Context, _ domain.Notification) error {
	if _, ok := ctx.Deadline(); ok {
		b.mu.Lock()
		b.deadlines++
		b.mu.Unlock()
	}
	<-ctx.Done()
	return ctx.Err()
}

func (b *blockingTransport) Close() error { return nil }

func TestStalledTransportDoesNotHoldRequests(t *testing.T) {
	repo := memory.NewSeeded()
	transport := &blockingTransport{}
	svc := New(repo, notify.NewDispatcher(repo, nil, transport, nil), nil, nil, Options{DispatchTimeout: 50 * time.Millisecond})

	started := time.Now()
	if _, err := svc.CreateOrder(as(customer), domain.CreateOrderRequest{
		Items:           []domain.CartItem{{ProductID: "prod_led_bulb_9w", Quantity: 1}},
		ShippingAddress: address,
	}); err != nil {
		t.Fatalf("create order: %v", err)
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("expected dispatch to be bounded, took %s", elapsed)
	}
	transport.mu.Lock()
	defer transport.mu.Unlock()
	if transport.deadlines == 0 {
		t.Fatalf("expected publishes to run under a deadline")
	}
}

func TestUploadEvidenceRules(t *testing.T) {
	f := newFixture(t)
	order := f.placeOrder(t, customer, domain.CartItem{ProductID: "prod_cotton_towel", Quantity: 1})
	f.deliver(t, order.ID)
	ret, err := f.svc.CreateReturn(as(customer), order.ID, domain.CreateReturnRequest{
		Reason: "torn",
		Items:  []domain.CartItem{{ProductID: "prod_cotton_towel", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("create return: %v", err)
	}

	if _, err := f.svc.UploadReturnEvidence(as(wholesale), ret.ID, []domain.EvidenceFile{textFile("a.jpg", "image/jpeg")}); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected stranger to be rejected, got %v", err)
	}
	if _, err := f.svc.UploadReturnEvidence(as(customer), ret.ID, nil); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected empty upload to be rejected, got %v", err)
	}
	six := make([]domain.EvidenceFile, 6)
	for i := range six {
		six[i] = textFile("p.jpg", "image/jpeg")
	}
	if _, err := f.svc.UploadReturnEvidence(as(customer), ret.ID, six); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected more than 5 files to be rejected, got %v", err)
	}

	resp, err := f.svc.UploadReturnEvidence(as(staff), ret.ID, []domain.EvidenceFile{textFile("a.pdf", "application/pdf")})
	if err != nil || resp.Uploaded != 0 || resp.Skipped != 1 {
		t.Fatalf("expected nothing uploaded, got %+v (%v)", resp, err)
	}
}

func TestNotificationFeeds(t *testing.T) {
	f := newFixture(t)
	f.placeOrder(t, customer, domain.CartItem{ProductID: "prod_led_bulb_9w", Quantity: 1})
	f.placeOrder(t, customer, domain.CartItem{ProductID: "prod_led_bulb_9w", Quantity: 1})

	if _, err := f.svc.ListNotifications(as(customer), true); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("customers must not read the staff feed, got %v", err)
	}

	n, err := f.svc.UnreadNotificationCount(as(customer), false)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 unread, got %d (%v)", n, err)
	}
	list, _ := f.svc.ListNotifications(as(customer), false)
	if err := f.svc.SetNotificationRead(as(customer), false, list.Notifications[0].ID, true); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if n, _ := f.svc.UnreadNotificationCount(as(customer), false); n != 1 {
		t.Fatalf("expected 1 unread, got %d", n)
	}
	if marked, _ := f.svc.MarkAllNotificationsRead(as(customer), false); marked != 1 {
		t.Fatalf("expected 1 marked, got %d", marked)
	}
	if err := f.svc.DeleteNotification(as(customer), false, list.Notifications[0].ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if cleared, _ := f.svc.ClearNotifications(as(staff), true); cleared != 2 {
		t.Fatalf("expected 2 staff notifications cleared, got %d", cleared)
	}
	if n, _ := f.svc.UnreadNotificationCount(as(staff), true); n != 0 {
		t.Fatalf("expected empty staff feed, got %d", n)
	}
}

// lateNotificationRepo delivers a notification right after the unread count
// has been read from the store, before the service caches it.
type lateNotificationRepo struct {
	*memory.Store
	afterCount func()
}

func (r *lateNotificationRepo) CountUnreadNotifications(ctx context.Context, scope domain.NotificationScope) (int64, error) {
	n, err := r.Store.CountUnreadNotifications(ctx, scope)
	if hook := r.afterCount; hook != nil {
		r.afterCount = nil
		hook()
	}
	return n, err
}

func TestUnreadCountNotCachedStaleAfterConcurrentNotification(t *testing.T) {
	repo := &lateNotificationRepo{Store: memory.NewSeeded()}
	unread := cache.NewMemoryUnreadCache()
	dispatcher := notify.NewDispatcher(repo, unread, nil, nil)
	svc := New(repo, dispatcher, unread, nil, Options{})

	repo.afterCount = func() {
		dispatcher.Dispatch(context.Background(), []domain.Event{{
			Type:    "order_status",
			Title:   "Order Shipped",
			Message: "Your order has been shipped!",
			UserID:  customer.ID,
		}})
	}
	before, err := svc.UnreadNotificationCount(as(customer), false)
	if err != nil {
		t.Fatalf("unread count: %v", err)
	}
	after, err := svc.UnreadNotificationCount(as(customer), false)
	if err != nil {
		t.Fatalf("unread count: %v", err)
	}
	if after != before+1 {
		t.Fatalf("expected the late notification to be counted, got %d then %d", before, after)
	}
	if again, _ := svc.UnreadNotificationCount(as(customer), false); again != after {
		t.Fatalf("expected cached count %d, got %d", after, again)
	}
}

func TestInventoryOverviewAndAdjust(t *testing.T) {
	f := newFixture(t)

	if _, err := f.svc.AdjustStock(as(customer), "prod_electric_kettle", domain.StockAdjustRequest{Delta: -5}); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected customers to be rejected, got %v", err)
	}
	if _, err := f.svc.AdjustStock(as(staff), "prod_electric_kettle", domain.StockAdjustRequest{Delta: -6}); !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected adjustment below zero to fail, got %v", err)
	}
	product, err := f.svc.AdjustStock(as(staff), "prod_electric_kettle", domain.StockAdjustRequest{Delta: -5, Note: "damaged in storage"})
	if err != nil || product.StockQty != 0 {
		t.Fatalf("expected kettle at 0, got %+v (%v)", product, err)
	}

	overview, err := f.svc.InventoryOverview(as(staff), false)
	if err != nil {
		t.Fatalf("overview: %v", err)
	}
	if overview.Stats.TotalProducts != 8 || overview.Stats.OutOfStock != 1 || overview.Stats.LowStockCount != 0 {
		t.Fatalf("unexpected stats: %+v", overview.Stats)
	}
	low, _ := f.svc.InventoryOverview(as(staff), true)
	if len(low.Products) != 1 || low.Products[0].ID != "prod_electric_kettle" {
		t.Fatalf("unexpected low stock listing: %+v", low.Products)
	}

	logs, err := f.svc.ListInventoryLogs(as(staff), "prod_electric_kettle", 10)
	if err != nil || len(logs) != 1 || logs[0].Quantity != -5 || logs[0].CreatedBy != staff.Name {
		t.Fatalf("unexpected logs: %+v (%v)", logs, err)
	}
	desk, _ := f.svc.ListNotifications(as(staff), true)
	if countType(desk.Notifications, "low_stock") != 1 {
		t.Fatalf("expected an out of stock alert")
	}
}

func TestPicklistListsConfirmedOrders(t *testing.T) {
	f := newFixture(t)
	confirmed := f.placeOrder(t, customer,
		domain.CartItem{ProductID: "prod_basmati_5kg", Quantity: 1},
		domain.CartItem{ProductID: "prod_toor_dal_1kg", Quantity: 3},
	)
	f.placeOrder(t, customer, domain.CartItem{ProductID: "prod_led_bulb_9w", Quantity: 2})
	if _, err := f.svc.UpdateOrderStatus(as(staff), confirmed.ID, domain.StatusUpdateRequest{Status: domain.OrderStatusConfirmed}); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	list, err := f.svc.Picklist(as(staff), "")
	if err != nil {
		t.Fatalf("picklist: %v", err)
	}
	if list.TotalOrders != 1 || list.TotalItems != 4 || len(list.Items) != 2 {
		t.Fatalf("unexpected picklist: %+v", list)
	}
	if list.Items[0].OrderNumber != confirmed.OrderNumber || list.Items[0].CustomerName != "Priya Sharma" {
		t.Fatalf("unexpected picklist line: %+v", list.Items[0])
	}

	if _, err := f.svc.Picklist(as(staff), "19-10-2026"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected bad date to be rejected, got %v", err)
	}
}

func textFile(name string, contentType string) domain.EvidenceFile {
	return domain.EvidenceFile{
		Filename:    name,
		ContentType: contentType,
		Size:        4,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader("data")), nil
		},
	}
}
