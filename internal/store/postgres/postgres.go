package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"orderflow/backend/internal/domain"
	"orderflow/backend/internal/store"
	"orderflow/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

const openReturnIndex = "return_requests_one_open"

type Store struct {
	db *sql.DB
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// EnsureSchema creates missing tables and indexes. It is safe to run on every start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ledger writes rely on row locks taken by conditional UPDATEs. READ COMMITTED
// re-evaluates the stock predicate after a competing writer commits, so the loser
// of a race sees insufficient stock instead of a serialization failure.
func (s *Store) beginLedgerTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
}

const productColumns = `id, sku, name, category, selling_price, wholesale_price, wholesale_min_qty,
	cost_price, gst_rate, stock_qty, low_stock_threshold, COALESCE(image_url, ''), active`

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	var wholesale decimal.NullDecimal
	if err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.Category, &p.SellingPrice, &wholesale, &p.WholesaleMinQty,
		&p.CostPrice, &p.GSTRate, &p.StockQty, &p.LowStockThreshold, &p.ImageURL, &p.Active); err != nil {
		return domain.Product{}, err
	}
	if wholesale.Valid {
		w := wholesale.Decimal
		p.WholesalePrice = &w
	}
	return p, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListProducts(ctx context.Context, lowStockOnly bool) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE active = true AND ($1 = false OR stock_qty <= low_stock_threshold)
		ORDER BY category, name
	`, lowStockOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) AdjustStock(ctx context.Context, productID string, delta int, note string, createdBy string) (*domain.Product, error) {
	pgTx, err := s.beginLedgerTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	product, err := scanProduct(pgTx.QueryRowContext(ctx, `
		UPDATE products
		SET stock_qty = stock_qty + $2, updated_at = now()
		WHERE id = $1 AND stock_qty + $2 >= 0
		RETURNING `+productColumns, productID, delta))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, explainShortfall(ctx, pgTx, productID, -delta)
		}
		return nil, err
	}
	err = insertInventoryLog(ctx, pgTx, product, domain.StockMovement{
		ProductID: productID,
		Quantity:  delta,
		Type:      domain.MovementAdjustment,
		Note:      note,
		CreatedBy: createdBy,
	}, delta, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &product, nil
}

func (s *Store) ListInventoryLogs(ctx context.Context, productID string, limit int) ([]domain.InventoryLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, sku, movement_type, quantity, previous_qty, new_qty,
			COALESCE(note, ''), COALESCE(created_by, ''), created_at
		FROM inventory_logs
		WHERE ($1 = '' OR product_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.InventoryLog, 0, limit)
	for rows.Next() {
		var entry domain.InventoryLog
		if err := rows.Scan(&entry.ID, &entry.ProductID, &entry.SKU, &entry.Type, &entry.Quantity, &entry.PreviousQty,
			&entry.NewQty, &entry.Note, &entry.CreatedBy, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func reserveTx(ctx context.Context, q queryer, movement domain.StockMovement, at time.Time) (domain.Product, error) {
	if movement.Quantity < 1 {
		return domain.Product{}, domain.ValidationErrorf("reservation quantity must be at least 1")
	}
	product, err := scanProduct(q.QueryRowContext(ctx, `
		UPDATE products
		SET stock_qty = stock_qty - $2, updated_at = now()
		WHERE id = $1 AND active = true AND stock_qty >= $2
		RETURNING `+productColumns, movement.ProductID, movement.Quantity))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, explainShortfall(ctx, q, movement.ProductID, movement.Quantity)
		}
		return domain.Product{}, err
	}
	if err := insertInventoryLog(ctx, q, product, movement, -movement.Quantity, at); err != nil {
		return domain.Product{}, err
	}
	return product, nil
}

func releaseTx(ctx context.Context, q queryer, movement domain.StockMovement, at time.Time) (domain.Product, error) {
	if movement.Quantity < 1 {
		return domain.Product{}, domain.ValidationErrorf("release quantity must be at least 1")
	}
	product, err := scanProduct(q.QueryRowContext(ctx, `
		UPDATE products
		SET stock_qty = stock_qty + $2, updated_at = now()
		WHERE id = $1
		RETURNING `+productColumns, movement.ProductID, movement.Quantity))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, fmt.Errorf("%w: %s", domain.ErrProductNotFound, movement.ProductID)
		}
		return domain.Product{}, err
	}
	if err := insertInventoryLog(ctx, q, product, movement, movement.Quantity, at); err != nil {
		return domain.Product{}, err
	}
	return product, nil
}

// explainShortfall tells a missing product apart from a stock shortfall after a conditional update matched nothing.
func explainShortfall(ctx context.Context, q queryer, productID string, requested int) error {
	var name string
	var stock int
	var active bool
	err := q.QueryRowContext(ctx, `SELECT name, stock_qty, active FROM products WHERE id = $1`, productID).Scan(&name, &stock, &active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", domain.ErrProductNotFound, productID)
		}
		return err
	}
	if !active {
		return fmt.Errorf("%w: %s", domain.ErrProductNotFound, productID)
	}
	return &domain.InsufficientStockError{ProductID: productID, ProductName: name, Requested: requested, Available: stock}
}

func insertInventoryLog(ctx context.Context, q queryer, product domain.Product, movement domain.StockMovement, delta int, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO inventory_logs (id, product_id, sku, movement_type, quantity, previous_qty, new_qty, note, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, xid.New("ilog"), product.ID, product.SKU, movement.Type, delta, product.StockQty-delta, product.StockQty,
		nullIfEmpty(movement.Note), nullIfEmpty(movement.CreatedBy), at)
	return err
}

func (s *Store) CreateOrder(ctx context.Context, order domain.Order, reservations []domain.StockMovement) (*domain.Order, error) {
	if order.ID == "" || order.OrderNumber == "" {
		return nil, domain.ValidationErrorf("order id and number are required")
	}

	pgTx, err := s.beginLedgerTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	at := order.CreatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	// Plans arrive sorted by product id, so concurrent orders lock rows in the same order.
	for _, movement := range reservations {
		if _, err := reserveTx(ctx, pgTx, movement, at); err != nil {
			return nil, err
		}
	}

	address, err := json.Marshal(order.ShippingAddress)
	if err != nil {
		return nil, err
	}
	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO orders (
			id, order_number, user_id, customer_name, customer_phone, subtotal, tax_applied, tax_total,
			discount_amount, grand_total, shipping_address, payment_method, payment_status, status,
			is_offline, tracking_number, courier_provider, delivered_at, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`, order.ID, order.OrderNumber, nullIfEmpty(order.UserID), nullIfEmpty(order.CustomerName), nullIfEmpty(order.CustomerPhone),
		order.Subtotal, order.TaxApplied, order.TaxTotal, order.DiscountAmount, order.GrandTotal, address,
		order.PaymentMethod, order.PaymentStatus, order.Status, order.IsOffline, nullIfEmpty(order.TrackingNumber),
		nullIfEmpty(order.CourierProvider), nullTime(order.DeliveredAt), order.CreatedAt, order.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	for i, line := range order.Items {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, line_no, product_id, product_name, sku, quantity, unit_price, tax_amount, line_total, image_url)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, order.ID, i+1, line.ProductID, line.ProductName, line.SKU, line.Quantity, line.UnitPrice, line.TaxAmount,
			line.LineTotal, nullIfEmpty(line.ImageURL))
		if err != nil {
			return nil, err
		}
	}
	if err := insertTrackingEntries(ctx, pgTx, order.ID, order.TrackingHistory); err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &order, nil
}

const orderColumns = `id, order_number, COALESCE(user_id, ''), COALESCE(customer_name, ''), COALESCE(customer_phone, ''),
	subtotal, tax_applied, tax_total, discount_amount, grand_total, shipping_address, payment_method, payment_status,
	status, is_offline, COALESCE(tracking_number, ''), COALESCE(courier_provider, ''), delivered_at, created_at, updated_at`

func scanOrder(row rowScanner) (domain.Order, error) {
	var o domain.Order
	var address []byte
	var delivered sql.NullTime
	if err := row.Scan(&o.ID, &o.OrderNumber, &o.UserID, &o.CustomerName, &o.CustomerPhone, &o.Subtotal, &o.TaxApplied,
		&o.TaxTotal, &o.DiscountAmount, &o.GrandTotal, &address, &o.PaymentMethod, &o.PaymentStatus, &o.Status,
		&o.IsOffline, &o.TrackingNumber, &o.CourierProvider, &delivered, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return domain.Order{}, err
	}
	if len(address) > 0 {
		if err := json.Unmarshal(address, &o.ShippingAddress); err != nil {
			return domain.Order{}, fmt.Errorf("decode shipping address for %s: %w", o.ID, err)
		}
	}
	if delivered.Valid {
		t := delivered.Time.UTC()
		o.DeliveredAt = &t
	}
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	order, err := getOrder(ctx, s.db, id, false)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func getOrder(ctx context.Context, q queryer, id string, forUpdate bool) (domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	order, err := scanOrder(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, store.ErrNotFound
		}
		return domain.Order{}, err
	}
	orders := []domain.Order{order}
	if err := loadOrderDetails(ctx, q, orders); err != nil {
		return domain.Order{}, err
	}
	return orders[0], nil
}

func (s *Store) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, int, error) {
	where := make([]string, 0, 2)
	args := make([]any, 0, 4)
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + orderColumns + ` FROM orders` + clause + ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	orders, err := queryOrders(ctx, s.db, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

func (s *Store) ListOrdersForPicklist(ctx context.Context, from time.Time, to time.Time, statuses []string) ([]domain.Order, error) {
	return queryOrders(ctx, s.db, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE created_at >= $1 AND created_at < $2 AND status = ANY($3)
		ORDER BY created_at ASC, id ASC
	`, from, to, statuses)
}

func queryOrders(ctx context.Context, q queryer, query string, args ...any) ([]domain.Order, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, 32)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if err := loadOrderDetails(ctx, q, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// loadOrderDetails fills line items, tracking history and cancellation records in three batched queries.
func loadOrderDetails(ctx context.Context, q queryer, orders []domain.Order) error {
	if len(orders) == 0 {
		return nil
	}
	index := make(map[string]int, len(orders))
	ids := make([]string, 0, len(orders))
	for i := range orders {
		index[orders[i].ID] = i
		ids = append(ids, orders[i].ID)
		orders[i].Items = make([]domain.LineItem, 0, 4)
		orders[i].TrackingHistory = make([]domain.TrackingEntry, 0, 4)
	}

	itemRows, err := q.QueryContext(ctx, `
		SELECT order_id, product_id, product_name, sku, quantity, unit_price, tax_amount, line_total, COALESCE(image_url, '')
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, line_no
	`, ids)
	if err != nil {
		return err
	}
	for itemRows.Next() {
		var orderID string
		var line domain.LineItem
		if err := itemRows.Scan(&orderID, &line.ProductID, &line.ProductName, &line.SKU, &line.Quantity, &line.UnitPrice,
			&line.TaxAmount, &line.LineTotal, &line.ImageURL); err != nil {
			_ = itemRows.Close()
			return err
		}
		i := index[orderID]
		orders[i].Items = append(orders[i].Items, line)
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return err
	}
	_ = itemRows.Close()

	trackingRows, err := q.QueryContext(ctx, `
		SELECT order_id, status, COALESCE(note, ''), COALESCE(actor, ''), created_at
		FROM order_tracking_events
		WHERE order_id = ANY($1)
		ORDER BY order_id, id
	`, ids)
	if err != nil {
		return err
	}
	for trackingRows.Next() {
		var orderID string
		var entry domain.TrackingEntry
		if err := trackingRows.Scan(&orderID, &entry.Status, &entry.Note, &entry.Actor, &entry.Timestamp); err != nil {
			_ = trackingRows.Close()
			return err
		}
		entry.Timestamp = entry.Timestamp.UTC()
		i := index[orderID]
		orders[i].TrackingHistory = append(orders[i].TrackingHistory, entry)
	}
	if err := trackingRows.Err(); err != nil {
		_ = trackingRows.Close()
		return err
	}
	_ = trackingRows.Close()

	cancelRows, err := q.QueryContext(ctx, `
		SELECT id, order_id, COALESCE(user_id, ''), reason, cancellation_type, cancelled_by, refund_amount, refund_status, created_at
		FROM order_cancellations
		WHERE order_id = ANY($1)
	`, ids)
	if err != nil {
		return err
	}
	defer cancelRows.Close()
	for cancelRows.Next() {
		var c domain.Cancellation
		if err := cancelRows.Scan(&c.ID, &c.OrderID, &c.UserID, &c.Reason, &c.CancellationType, &c.CancelledBy,
			&c.RefundAmount, &c.RefundStatus, &c.CreatedAt); err != nil {
			return err
		}
		c.CreatedAt = c.CreatedAt.UTC()
		orders[index[c.OrderID]].Cancellation = &c
	}
	return cancelRows.Err()
}

func (s *Store) UpdateOrder(ctx context.Context, id string, mutate store.OrderMutation) (*domain.Order, error) {
	pgTx, err := s.beginLedgerTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	order, err := getOrder(ctx, pgTx, id, true)
	if err != nil {
		return nil, err
	}
	recorded := len(order.TrackingHistory)
	hadCancellation := order.Cancellation != nil

	restock, err := mutate(&order)
	if err != nil {
		return nil, err
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, payment_status = $3, tracking_number = $4, courier_provider = $5,
			delivered_at = $6, updated_at = $7
		WHERE id = $1
	`, order.ID, order.Status, order.PaymentStatus, nullIfEmpty(order.TrackingNumber), nullIfEmpty(order.CourierProvider),
		nullTime(order.DeliveredAt), order.UpdatedAt)
	if err != nil {
		return nil, err
	}
	// Tracking history is append-only: only entries added by the mutation are written.
	if len(order.TrackingHistory) > recorded {
		if err := insertTrackingEntries(ctx, pgTx, order.ID, order.TrackingHistory[recorded:]); err != nil {
			return nil, err
		}
	}
	if order.Cancellation != nil && !hadCancellation {
		c := order.Cancellation
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO order_cancellations (id, order_id, user_id, reason, cancellation_type, cancelled_by, refund_amount, refund_status, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, c.ID, order.ID, nullIfEmpty(c.UserID), c.Reason, c.CancellationType, c.CancelledBy, c.RefundAmount, c.RefundStatus, c.CreatedAt)
		if err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	for _, movement := range restock {
		if _, err := releaseTx(ctx, pgTx, movement, now); err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &order, nil
}

func insertTrackingEntries(ctx context.Context, q queryer, orderID string, entries []domain.TrackingEntry) error {
	for _, entry := range entries {
		_, err := q.ExecContext(ctx, `
			INSERT INTO order_tracking_events (order_id, status, note, actor, created_at)
			VALUES ($1,$2,$3,$4,$5)
		`, orderID, entry.Status, nullIfEmpty(entry.Note), nullIfEmpty(entry.Actor), entry.Timestamp)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CreateReturn(ctx context.Context, ret domain.ReturnRequest) (*domain.ReturnRequest, error) {
	if ret.ID == "" {
		ret.ID = xid.New("ret")
	}
	items, images, videos, err := encodeReturnLists(ret)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO return_requests (
			id, order_id, order_number, user_id, items, reason, return_type, refund_method, refund_amount,
			description, status, evidence_images, evidence_videos, return_awb, courier_provider,
			pickup_scheduled_date, pickup_completed_date, received_date, admin_notes, processed_by, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
	`, ret.ID, ret.OrderID, nullIfEmpty(ret.OrderNumber), nullIfEmpty(ret.UserID), items, ret.Reason, ret.ReturnType,
		ret.RefundMethod, ret.RefundAmount, nullIfEmpty(ret.Description), ret.Status, images, videos,
		nullIfEmpty(ret.ReturnAWB), nullIfEmpty(ret.CourierProvider), nullTime(ret.PickupScheduledDate),
		nullTime(ret.PickupCompletedDate), nullTime(ret.ReceivedDate), nullIfEmpty(ret.AdminNotes),
		nullIfEmpty(ret.ProcessedBy), ret.CreatedAt, ret.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch {
			case pgErr.Code == "23505" && pgErr.ConstraintName == openReturnIndex:
				return nil, domain.TransitionErrorf("order %s already has an open return request", ret.OrderID)
			case pgErr.Code == "23503":
				return nil, store.ErrNotFound
			}
		}
		return nil, err
	}
	return &ret, nil
}

const returnColumns = `id, order_id, COALESCE(order_number, ''), COALESCE(user_id, ''), items, reason, return_type,
	refund_method, refund_amount, COALESCE(description, ''), status, evidence_images, evidence_videos,
	COALESCE(return_awb, ''), COALESCE(courier_provider, ''), pickup_scheduled_date, pickup_completed_date,
	received_date, COALESCE(admin_notes, ''), COALESCE(processed_by, ''), created_at, updated_at`

func scanReturn(row rowScanner) (domain.ReturnRequest, error) {
	var r domain.ReturnRequest
	var items, images, videos []byte
	var scheduled, completed, received sql.NullTime
	if err := row.Scan(&r.ID, &r.OrderID, &r.OrderNumber, &r.UserID, &items, &r.Reason, &r.ReturnType, &r.RefundMethod,
		&r.RefundAmount, &r.Description, &r.Status, &images, &videos, &r.ReturnAWB, &r.CourierProvider,
		&scheduled, &completed, &received, &r.AdminNotes, &r.ProcessedBy, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return domain.ReturnRequest{}, err
	}
	if err := json.Unmarshal(items, &r.Items); err != nil {
		return domain.ReturnRequest{}, fmt.Errorf("decode return items for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(images, &r.EvidenceImages); err != nil {
		return domain.ReturnRequest{}, fmt.Errorf("decode evidence images for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(videos, &r.EvidenceVideos); err != nil {
		return domain.ReturnRequest{}, fmt.Errorf("decode evidence videos for %s: %w", r.ID, err)
	}
	r.PickupScheduledDate = timePtr(scheduled)
	r.PickupCompletedDate = timePtr(completed)
	r.ReceivedDate = timePtr(received)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func (s *Store) GetReturn(ctx context.Context, id string) (*domain.ReturnRequest, error) {
	ret, err := scanReturn(s.db.QueryRowContext(ctx, `SELECT `+returnColumns+` FROM return_requests WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &ret, nil
}

func (s *Store) ListReturns(ctx context.Context, filter domain.ReturnFilter) ([]domain.ReturnRequest, int, error) {
	where := make([]string, 0, 3)
	args := make([]any, 0, 5)
	if filter.OrderID != "" {
		args = append(args, filter.OrderID)
		where = append(where, fmt.Sprintf("order_id = $%d", len(args)))
	}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM return_requests`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + returnColumns + ` FROM return_requests` + clause + ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	returns := make([]domain.ReturnRequest, 0, 16)
	for rows.Next() {
		ret, err := scanReturn(rows)
		if err != nil {
			return nil, 0, err
		}
		returns = append(returns, ret)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return returns, total, nil
}

func (s *Store) UpdateReturn(ctx context.Context, id string, mutate store.ReturnMutation) (*domain.ReturnRequest, error) {
	pgTx, err := s.beginLedgerTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	ret, err := scanReturn(pgTx.QueryRowContext(ctx, `SELECT `+returnColumns+` FROM return_requests WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	order, err := getOrder(ctx, pgTx, ret.OrderID, false)
	if err != nil {
		return nil, fmt.Errorf("load order %s for return %s: %w", ret.OrderID, id, err)
	}

	restock, err := mutate(&ret, order)
	if err != nil {
		return nil, err
	}

	items, images, videos, err := encodeReturnLists(ret)
	if err != nil {
		return nil, err
	}
	_, err = pgTx.ExecContext(ctx, `
		UPDATE return_requests
		SET items = $2, refund_amount = $3, status = $4, evidence_images = $5, evidence_videos = $6,
			return_awb = $7, courier_provider = $8, pickup_scheduled_date = $9, pickup_completed_date = $10,
			received_date = $11, admin_notes = $12, processed_by = $13, updated_at = $14
		WHERE id = $1
	`, ret.ID, items, ret.RefundAmount, ret.Status, images, videos, nullIfEmpty(ret.ReturnAWB),
		nullIfEmpty(ret.CourierProvider), nullTime(ret.PickupScheduledDate), nullTime(ret.PickupCompletedDate),
		nullTime(ret.ReceivedDate), nullIfEmpty(ret.AdminNotes), nullIfEmpty(ret.ProcessedBy), ret.UpdatedAt)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, movement := range restock {
		if _, err := releaseTx(ctx, pgTx, movement, now); err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &ret, nil
}

func encodeReturnLists(ret domain.ReturnRequest) ([]byte, []byte, []byte, error) {
	items, err := json.Marshal(nonNil(ret.Items))
	if err != nil {
		return nil, nil, nil, err
	}
	images, err := json.Marshal(nonNil(ret.EvidenceImages))
	if err != nil {
		return nil, nil, nil, err
	}
	videos, err := json.Marshal(nonNil(ret.EvidenceVideos))
	if err != nil {
		return nil, nil, nil, err
	}
	return items, images, videos, nil
}

func (s *Store) CreateNotification(ctx context.Context, notification domain.Notification) (*domain.Notification, error) {
	if notification.ID == "" {
		notification.ID = xid.New("ntf")
	}
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = time.Now().UTC()
	}
	if notification.Data == nil {
		notification.Data = map[string]any{}
	}
	data, err := json.Marshal(notification.Data)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, type, title, message, user_id, for_admin, data, read, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, notification.ID, notification.Type, notification.Title, notification.Message, nullIfEmpty(notification.UserID),
		notification.ForAdmin, data, notification.Read, notification.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &notification, nil
}

// scopeClause returns the predicate selecting one user's feed or the staff feed, with its first placeholder at $next.
func scopeClause(scope domain.NotificationScope, next int) (string, []any) {
	if scope.ForAdmin {
		return "for_admin = true", nil
	}
	return fmt.Sprintf("for_admin = false AND user_id = $%d", next), []any{scope.UserID}
}

func (s *Store) ListNotifications(ctx context.Context, scope domain.NotificationScope, limit int) ([]domain.Notification, error) {
	if limit < 1 {
		limit = 50
	}
	clause, args := scopeClause(scope, 1)
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, title, message, COALESCE(user_id, ''), for_admin, data, read, created_at
		FROM notifications
		WHERE `+clause+`
		ORDER BY created_at DESC, id DESC
		LIMIT $`+fmt.Sprint(len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Notification, 0, limit)
	for rows.Next() {
		var n domain.Notification
		var data []byte
		if err := rows.Scan(&n.ID, &n.Type, &n.Title, &n.Message, &n.UserID, &n.ForAdmin, &data, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &n.Data); err != nil {
				return nil, fmt.Errorf("decode notification data for %s: %w", n.ID, err)
			}
		}
		n.CreatedAt = n.CreatedAt.UTC()
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CountUnreadNotifications(ctx context.Context, scope domain.NotificationScope) (int64, error) {
	clause, args := scopeClause(scope, 1)
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE read = false AND `+clause, args...).Scan(&count)
	return count, err
}

func (s *Store) SetNotificationRead(ctx context.Context, scope domain.NotificationScope, id string, read bool) error {
	clause, args := scopeClause(scope, 3)
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET read = $2 WHERE id = $1 AND `+clause,
		append([]any{id, read}, args...)...)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (s *Store) MarkAllNotificationsRead(ctx context.Context, scope domain.NotificationScope) (int64, error) {
	clause, args := scopeClause(scope, 1)
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET read = true WHERE read = false AND `+clause, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) DeleteNotification(ctx context.Context, scope domain.NotificationScope, id string) error {
	clause, args := scopeClause(scope, 2)
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE id = $1 AND `+clause, append([]any{id}, args...)...)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (s *Store) ClearNotifications(ctx context.Context, scope domain.NotificationScope) (int64, error) {
	clause, args := scopeClause(scope, 1)
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE `+clause, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return domain.ValidationErrorf("username and password are required")
	}
	if user.ID == "" {
		user.ID = xid.New("user")
	}
	if user.Role == "" {
		user.Role = domain.RoleCustomer
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (id, username, name, password, role, is_wholesale, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
	`, user.ID, user.Username, user.Name, user.Password, user.Role, user.IsWholesale, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

const userColumns = `id, username, name, password, role, is_wholesale, active, created_at`

func scanUser(row rowScanner) (domain.UserAccount, error) {
	var user domain.UserAccount
	if err := row.Scan(&user.ID, &user.Username, &user.Name, &user.Password, &user.Role, &user.IsWholesale,
		&user.Active, &user.CreatedAt); err != nil {
		return domain.UserAccount{}, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM app_users ORDER BY username ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*domain.UserAccount, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM app_users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return domain.ValidationErrorf("username and password are required")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func expectAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func timePtr(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	t := val.Time.UTC()
	return &t
}

func nonNil[T any](values []T) []T {
	if values == nil {
		return []T{}
	}
	return values
}
