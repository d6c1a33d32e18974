package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"orderflow/backend/internal/domain"
	"orderflow/backend/internal/store"
)

func TestCreateOrderLastUnitConcurrently(t *testing.T) {
	ctx := context.Background()
	s := NewSeeded()

	kettle, err := s.GetProduct(ctx, "prod_electric_kettle")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if _, err := s.AdjustStock(ctx, kettle.ID, 1-kettle.StockQty, "leave one", "test"); err != nil {
		t.Fatalf("adjust stock: %v", err)
	}

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			order := domain.Order{
				ID:          fmt.Sprintf("ord_race_%d", n),
				OrderNumber: fmt.Sprintf("ORD260301000%d", n),
				Status:      domain.OrderStatusPending,
				CreatedAt:   time.Now().UTC(),
			}
			_, err := s.CreateOrder(ctx, order, []domain.StockMovement{{ProductID: kettle.ID, Quantity: 1, Type: domain.MovementSale}})
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	succeeded, failed := 0, 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, domain.ErrInsufficientStock):
			failed++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || failed != 1 {
		t.Fatalf("expected one winner and one loser, got %d/%d", succeeded, failed)
	}

	after, _ := s.GetProduct(ctx, kettle.ID)
	if after.StockQty != 0 {
		t.Fatalf("expected stock 0, got %d", after.StockQty)
	}
	if _, total, _ := s.ListOrders(ctx, domain.OrderFilter{}); total != 1 {
		t.Fatalf("expected only the winning order to be stored, got %d", total)
	}
}

func TestCreateOrderIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := NewSeeded()

	before, _ := s.GetProductsByIDs(ctx, []string{"prod_basmati_5kg", "prod_electric_kettle"})
	order := domain.Order{ID: "ord_test", OrderNumber: "ORD2603010001", Status: domain.OrderStatusPending, CreatedAt: time.Now().UTC()}
	_, err := s.CreateOrder(ctx, order, []domain.StockMovement{
		{ProductID: "prod_basmati_5kg", Quantity: 2, Type: domain.MovementSale},
		{ProductID: "prod_electric_kettle", Quantity: 99, Type: domain.MovementSale},
	})
	var stockErr *domain.InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected insufficient stock error, got %v", err)
	}
	if stockErr.ProductID != "prod_electric_kettle" || stockErr.Requested != 99 {
		t.Fatalf("unexpected error detail: %+v", stockErr)
	}

	after, _ := s.GetProductsByIDs(ctx, []string{"prod_basmati_5kg", "prod_electric_kettle"})
	for id, p := range before {
		if after[id].StockQty != p.StockQty {
			t.Fatalf("stock for %s changed from %d to %d", id, p.StockQty, after[id].StockQty)
		}
	}
	if _, err := s.GetOrder(ctx, order.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected order to be absent, got %v", err)
	}
}

func TestCreateOrderRejectsDuplicateNumber(t *testing.T) {
	ctx := context.Background()
	s := NewSeeded()
	plan := []domain.StockMovement{{ProductID: "prod_led_bulb_9w", Quantity: 1, Type: domain.MovementSale}}

	if _, err := s.CreateOrder(ctx, domain.Order{ID: "ord_a", OrderNumber: "ORD2603010042"}, plan); err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := s.CreateOrder(ctx, domain.Order{ID: "ord_b", OrderNumber: "ORD2603010042"}, plan); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	bulb, _ := s.GetProduct(ctx, "prod_led_bulb_9w")
	if bulb.StockQty != 199 {
		t.Fatalf("expected a single reservation, stock is %d", bulb.StockQty)
	}
}

func TestUpdateOrderRestocksAndLogs(t *testing.T) {
	ctx := context.Background()
	s := NewSeeded()
	plan := []domain.StockMovement{{ProductID: "prod_toor_dal_1kg", Quantity: 4, Type: domain.MovementSale, CreatedBy: "Priya Sharma"}}

	if _, err := s.CreateOrder(ctx, domain.Order{ID: "ord_dal", OrderNumber: "ORD2603010007", Status: domain.OrderStatusPending}, plan); err != nil {
		t.Fatalf("create order: %v", err)
	}

	updated, err := s.UpdateOrder(ctx, "ord_dal", func(order *domain.Order) ([]domain.StockMovement, error) {
		order.Status = domain.OrderStatusCancelled
		return []domain.StockMovement{{ProductID: "prod_toor_dal_1kg", Quantity: 4, Type: domain.MovementCancel}}, nil
	})
	if err != nil {
		t.Fatalf("update order: %v", err)
	}
	if updated.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled, got %s", updated.Status)
	}

	dal, _ := s.GetProduct(ctx, "prod_toor_dal_1kg")
	if dal.StockQty != 150 {
		t.Fatalf("expected stock back to 150, got %d", dal.StockQty)
	}

	logs, err := s.ListInventoryLogs(ctx, "prod_toor_dal_1kg", 10)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(logs))
	}
	if logs[0].Type != domain.MovementCancel || logs[0].Quantity != 4 || logs[0].NewQty != 150 {
		t.Fatalf("unexpected restock log: %+v", logs[0])
	}
	if logs[1].Type != domain.MovementSale || logs[1].Quantity != -4 || logs[1].PreviousQty != 150 {
		t.Fatalf("unexpected sale log: %+v", logs[1])
	}
}

func TestUpdateOrderMutationErrorLeavesOrderUntouched(t *testing.T) {
	ctx := context.Background()
	s := NewSeeded()
	if _, err := s.CreateOrder(ctx, domain.Order{ID: "ord_x", OrderNumber: "ORD2603010008", Status: domain.OrderStatusPending}, nil); err != nil {
		t.Fatalf("create order: %v", err)
	}

	_, err := s.UpdateOrder(ctx, "ord_x", func(order *domain.Order) ([]domain.StockMovement, error) {
		order.Status = domain.OrderStatusShipped
		return nil, domain.ErrInvalidTransition
	})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected mutation error, got %v", err)
	}
	order, _ := s.GetOrder(ctx, "ord_x")
	if order.Status != domain.OrderStatusPending {
		t.Fatalf("expected pending, got %s", order.Status)
	}
}

func TestCreateReturnRejectsSecondOpenReturn(t *testing.T) {
	ctx := context.Background()
	s := NewSeeded()
	if _, err := s.CreateOrder(ctx, domain.Order{ID: "ord_r", OrderNumber: "ORD2603010009", Status: domain.OrderStatusDelivered}, nil); err != nil {
		t.Fatalf("create order: %v", err)
	}

	if _, err := s.CreateReturn(ctx, domain.ReturnRequest{ID: "ret_1", OrderID: "ord_r", Status: domain.ReturnStatusPending}); err != nil {
		t.Fatalf("create return: %v", err)
	}
	if _, err := s.CreateReturn(ctx, domain.ReturnRequest{ID: "ret_2", OrderID: "ord_r", Status: domain.ReturnStatusPending}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	if _, err := s.UpdateReturn(ctx, "ret_1", func(ret *domain.ReturnRequest, _ domain.Order) ([]domain.StockMovement, error) {
		ret.Status = domain.ReturnStatusRejected
		return nil, nil
	}); err != nil {
		t.Fatalf("reject return: %v", err)
	}
	if _, err := s.CreateReturn(ctx, domain.ReturnRequest{ID: "ret_3", OrderID: "ord_r", Status: domain.ReturnStatusPending}); err != nil {
		t.Fatalf("expected a new return after rejection, got %v", err)
	}
}

func TestNotificationScopes(t *testing.T) {
	ctx := context.Background()
	s := NewSeeded()
	user := domain.NotificationScope{UserID: "user_customer"}
	admin := domain.NotificationScope{ForAdmin: true}

	mine, _ := s.CreateNotification(ctx, domain.Notification{Type: "order_tracking", UserID: "user_customer"})
	_, _ = s.CreateNotification(ctx, domain.Notification{Type: "order_tracking", UserID: "user_wholesale"})
	staffNote, _ := s.CreateNotification(ctx, domain.Notification{Type: "new_order", ForAdmin: true})

	if n, _ := s.CountUnreadNotifications(ctx, user); n != 1 {
		t.Fatalf("expected 1 unread for user, got %d", n)
	}
	if err := s.SetNotificationRead(ctx, user, staffNote.ID, true); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("user must not touch staff notifications, got %v", err)
	}
	if err := s.SetNotificationRead(ctx, user, mine.ID, true); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if n, _ := s.CountUnreadNotifications(ctx, user); n != 0 {
		t.Fatalf("expected 0 unread, got %d", n)
	}

	cleared, err := s.ClearNotifications(ctx, admin)
	if err != nil || cleared != 1 {
		t.Fatalf("expected 1 cleared, got %d (%v)", cleared, err)
	}
	list, _ := s.ListNotifications(ctx, user, 50)
	if len(list) != 1 || list[0].ID != mine.ID {
		t.Fatalf("unexpected user notifications: %+v", list)
	}
}
