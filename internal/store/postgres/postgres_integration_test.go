package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"orderflow/backend/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("ORDERFLOW_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set ORDERFLOW_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return s
}

func seedProduct(t *testing.T, s *Store, stock int) string {
	t.Helper()
	ctx := context.Background()
	id := fmt.Sprintf("prod-it-%d", time.Now().UnixNano())

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM inventory_logs WHERE product_id = $1`, id)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	})
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, sku, name, category, selling_price, cost_price, gst_rate, stock_qty, low_stock_threshold, active)
		VALUES ($1, $1, 'Integration Kettle', 'electrical', 1299, 940, 18, $2, 1, true)
	`, id, stock); err != nil {
		t.Fatalf("insert product: %v", err)
	}
	return id
}

func TestCreateOrderLastUnitRace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	productID := seedProduct(t, s, 1)

	stamp := time.Now().UnixNano()
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM orders WHERE id LIKE $1`, fmt.Sprintf("ord-it-race-%d-%%", stamp))
	})

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			now := time.Now().UTC()
			order := domain.Order{
				ID:             fmt.Sprintf("ord-it-race-%d-%d", stamp, n),
				OrderNumber:    fmt.Sprintf("ORDITR%d%d", stamp, n),
				Subtotal:       decimal.Zero,
				TaxTotal:       decimal.Zero,
				DiscountAmount: decimal.Zero,
				GrandTotal:     decimal.Zero,
				PaymentMethod:  domain.PaymentMethodCOD,
				PaymentStatus:  domain.PaymentStatusPending,
				Status:         domain.OrderStatusPending,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			_, err := s.CreateOrder(ctx, order, []domain.StockMovement{{ProductID: productID, Quantity: 1, Type: domain.MovementSale}})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	ok, short := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrInsufficientStock):
			short++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || short != 1 {
		t.Fatalf("expected exactly one reservation to win, got ok=%d short=%d", ok, short)
	}
}

func TestCreateThenCancelRestoresStock(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	productID := seedProduct(t, s, 10)

	stamp := time.Now().UnixNano()
	now := time.Now().UTC().Truncate(time.Microsecond)
	order := domain.Order{
		ID:          fmt.Sprintf("ord-it-%d", stamp),
		OrderNumber: fmt.Sprintf("ORDIT%d", stamp),
		Items: []domain.LineItem{{
			ProductID: productID, ProductName: "Integration Kettle", SKU: productID, Quantity: 3,
			UnitPrice: decimal.NewFromInt(1299), TaxAmount: decimal.Zero, LineTotal: decimal.NewFromInt(3897),
		}},
		Subtotal:        decimal.NewFromInt(3897),
		TaxTotal:        decimal.Zero,
		DiscountAmount:  decimal.Zero,
		GrandTotal:      decimal.NewFromInt(3897),
		PaymentMethod:   domain.PaymentMethodCOD,
		PaymentStatus:   domain.PaymentStatusPending,
		Status:          domain.OrderStatusShipped,
		TrackingHistory: []domain.TrackingEntry{{Status: domain.OrderStatusPending, Timestamp: now, Note: "Order placed", Actor: "Customer"}},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, order.ID)
	})

	plan := []domain.StockMovement{{ProductID: productID, Quantity: 3, Type: domain.MovementSale}}
	if _, err := s.CreateOrder(ctx, order, plan); err != nil {
		t.Fatalf("create order: %v", err)
	}

	updated, err := s.UpdateOrder(ctx, order.ID, func(o *domain.Order) ([]domain.StockMovement, error) {
		o.Status = domain.OrderStatusCancelled
		o.TrackingHistory = append(o.TrackingHistory, domain.TrackingEntry{Status: domain.OrderStatusCancelled, Timestamp: now, Note: "Order cancelled: test", Actor: "Customer"})
		return []domain.StockMovement{{ProductID: productID, Quantity: 3, Type: domain.MovementCancel}}, nil
	})
	if err != nil {
		t.Fatalf("cancel order: %v", err)
	}
	if len(updated.TrackingHistory) != 2 {
		t.Fatalf("expected 2 tracking entries, got %d", len(updated.TrackingHistory))
	}

	product, err := s.GetProduct(ctx, productID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.StockQty != 10 {
		t.Fatalf("expected stock 10 after cancel, got %d", product.StockQty)
	}

	reloaded, err := s.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("reload order: %v", err)
	}
	if reloaded.Status != domain.OrderStatusCancelled || len(reloaded.TrackingHistory) != 2 || len(reloaded.Items) != 1 {
		t.Fatalf("unexpected reloaded order: %+v", reloaded)
	}
}

func TestCreateOrderRollsBackOnShortfall(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	plenty := seedProduct(t, s, 50)
	scarce := seedProduct(t, s, 1)

	stamp := time.Now().UnixNano()
	order := domain.Order{
		ID:          fmt.Sprintf("ord-it-rb-%d", stamp),
		OrderNumber: fmt.Sprintf("ORDITRB%d", stamp),
		Status:      domain.OrderStatusPending,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	_, err := s.CreateOrder(ctx, order, []domain.StockMovement{
		{ProductID: plenty, Quantity: 5, Type: domain.MovementSale},
		{ProductID: scarce, Quantity: 2, Type: domain.MovementSale},
	})
	if !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	product, err := s.GetProduct(ctx, plenty)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.StockQty != 50 {
		t.Fatalf("expected earlier reservation to roll back, stock is %d", product.StockQty)
	}
}
