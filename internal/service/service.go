package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"orderflow/backend/internal/cache"
	"orderflow/backend/internal/domain"
	"orderflow/backend/internal/evidence"
	"orderflow/backend/internal/fulfillment"
	"orderflow/backend/internal/notify"
	"orderflow/backend/internal/store"
	"orderflow/backend/internal/xid"
)

const (
	defaultReturnWindow  = 7 * 24 * time.Hour
	defaultUnreadTTL     = 30 * time.Second
	defaultDispatchTTL   = 10 * time.Second
	orderNumberAttempts  = 3
	customerOrderLimit   = 100
	notificationPageSize = 50
	defaultPageSize      = 20
	maxPageSize          = 100
)

var tracer = otel.Tracer("orderflow/backend/internal/service")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	ReturnWindow    time.Duration
	UnreadTTL       time.Duration
	// DispatchTimeout caps the notification work done after a commit.
	DispatchTimeout time.Duration
	Logger          *zap.Logger
	Now             func() time.Time
}

type Service struct {
	repo         store.Repository
	dispatcher   *notify.Dispatcher
	unread       cache.UnreadCache
	evidence     evidence.Store
	logger       *zap.Logger
	returnWindow time.Duration
	unreadTTL    time.Duration
	dispatchTTL  time.Duration
	now          func() time.Time
}

func New(repo store.Repository, dispatcher *notify.Dispatcher, unread cache.UnreadCache, evidenceStore evidence.Store, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ReturnWindow <= 0 {
		opts.ReturnWindow = defaultReturnWindow
	}
	if opts.UnreadTTL <= 0 {
		opts.UnreadTTL = defaultUnreadTTL
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = defaultDispatchTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if unread == nil {
		unread = cache.NoopUnreadCache{}
	}
	if dispatcher == nil {
		dispatcher = notify.NewDispatcher(repo, unread, notify.NoopTransport{}, opts.Logger)
	}

	return &Service{
		repo:         repo,
		dispatcher:   dispatcher,
		unread:       unread,
		evidence:     evidenceStore,
		logger:       opts.Logger,
		returnWindow: opts.ReturnWindow,
		unreadTTL:    opts.UnreadTTL,
		dispatchTTL:  opts.DispatchTimeout,
		now:          opts.Now,
	}
}

func (s *Service) ReturnWindowDays() int {
	return int(s.returnWindow / (24 * time.Hour))
}

func (s *Service) CreateOrder(ctx context.Context, req domain.CreateOrderRequest) (_ domain.Order, err error) {
	ctx, span := tracer.Start(ctx, "service.CreateOrder")
	defer func() { endSpan(span, err) }()

	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Order{}, err
	}

	items, err := fulfillment.NormalizeCart(req.Items)
	if err != nil {
		return domain.Order{}, err
	}

	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if req.PaymentMethod == "" {
		req.PaymentMethod = domain.PaymentMethodCOD
	}
	if !isSupportedPaymentMethod(req.PaymentMethod) {
		return domain.Order{}, domain.ValidationErrorf("unsupported payment_method %q", req.PaymentMethod)
	}

	owner := actor.ID
	wholesale := actor.IsWholesale
	customerName := ""
	if actor.IsStaff() {
		owner = ""
		wholesale = false
		if id := strings.TrimSpace(req.CustomerUserID); id != "" {
			customer, err := s.repo.GetUserByID(ctx, id)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return domain.Order{}, domain.ValidationErrorf("customer %s does not exist", id)
				}
				return domain.Order{}, err
			}
			owner = customer.ID
			wholesale = customer.IsWholesale
			customerName = customer.Name
		}
	} else {
		req.IsOffline = false
	}
	if !req.IsOffline && req.ShippingAddress.IsZero() {
		return domain.Order{}, domain.ValidationErrorf("shipping_address is required")
	}

	applyTax := true
	if req.ApplyTax != nil {
		applyTax = *req.ApplyTax
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}
	products, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return domain.Order{}, err
	}

	lines, totals, err := fulfillment.PriceLines(products, items, fulfillment.Pricing{
		Wholesale: wholesale,
		ApplyTax:  applyTax,
		Discount:  req.DiscountAmount,
	})
	if err != nil {
		return domain.Order{}, err
	}

	now := s.now()
	order := fulfillment.NewOrder(lines, totals, req, owner, applyTax, actor, now)
	if order.CustomerName == "" {
		order.CustomerName = customerName
	}
	plan := fulfillment.ReservationPlan(lines, domain.MovementSale, "order "+order.OrderNumber, actor.Name)

	var created *domain.Order
	for attempt := 1; attempt <= orderNumberAttempts; attempt++ {
		created, err = s.repo.CreateOrder(ctx, order, plan)
		if !errors.Is(err, store.ErrConflict) {
			break
		}
		s.logger.Debug("order number collision", zap.String("order_number", order.OrderNumber), zap.Int("attempt", attempt))
		order.OrderNumber = xid.OrderNumber(now)
		for i := range plan {
			plan[i].Note = "order " + order.OrderNumber
		}
	}
	if err != nil {
		return domain.Order{}, err
	}
	span.SetAttributes(
		attribute.String("order.id", created.ID),
		attribute.String("order.number", created.OrderNumber),
		attribute.Int("order.lines", len(created.Items)),
	)

	events := fulfillment.OrderPlacedEvents(*created)
	events = append(events, s.lowStockEvents(ctx, products)...)
	s.dispatch(ctx, events)

	s.logger.Info("order created",
		zap.String("order_id", created.ID),
		zap.String("order_number", created.OrderNumber),
		zap.String("actor", actor.ID),
		zap.String("grand_total", created.GrandTotal.StringFixed(2)),
	)
	return *created, nil
}

// lowStockEvents reports products that the last reservation pushed to or below their threshold.
func (s *Service) lowStockEvents(ctx context.Context, before map[string]domain.Product) []domain.Event {
	ids := make([]string, 0, len(before))
	for id := range before {
		ids = append(ids, id)
	}
	after, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		s.logger.Warn("failed to reload products for low stock check", zap.Error(err))
		return nil
	}

	var events []domain.Event
	for id, product := range after {
		if prev, ok := before[id]; ok && prev.StockQty <= prev.LowStockThreshold {
			continue
		}
		if event, ok := fulfillment.LowStockEvent(product); ok {
			events = append(events, event)
		}
	}
	return events
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !fulfillment.CanAccessOrder(*order, actor) {
		return domain.Order{}, fmt.Errorf("%w: not authorized to view this order", domain.ErrUnauthorized)
	}
	return *order, nil
}

func (s *Service) ListMyOrders(ctx context.Context) ([]domain.Order, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	orders, _, err := s.repo.ListOrders(ctx, domain.OrderFilter{UserID: actor.ID, Limit: customerOrderLimit})
	return orders, err
}

func (s *Service) ListOrders(ctx context.Context, status string, page int, limit int) (domain.OrderListResponse, error) {
	if _, err := requireStaff(ctx); err != nil {
		return domain.OrderListResponse{}, err
	}
	status = strings.TrimSpace(status)
	if status != "" && !fulfillment.IsOrderStatus(status) {
		return domain.OrderListResponse{}, domain.ValidationErrorf("unknown order status %q", status)
	}
	page, limit = normalizePage(page, limit)

	orders, total, err := s.repo.ListOrders(ctx, domain.OrderFilter{
		Status: status,
		Offset: (page - 1) * limit,
		Limit:  limit,
	})
	if err != nil {
		return domain.OrderListResponse{}, err
	}
	return domain.OrderListResponse{Orders: orders, Total: total, Page: page, Limit: limit}, nil
}

func (s *Service) UpdateOrderStatus(ctx context.Context, orderID string, req domain.StatusUpdateRequest) (_ domain.Order, err error) {
	ctx, span := tracer.Start(ctx, "service.UpdateOrderStatus", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.target_status", req.Status),
	))
	defer func() { endSpan(span, err) }()

	actor, err := requireStaff(ctx)
	if err != nil {
		return domain.Order{}, err
	}

	if strings.TrimSpace(req.Status) == domain.OrderStatusCancelled {
		reason := strings.TrimSpace(req.Notes)
		if reason == "" {
			reason = "Cancelled by " + actor.Name
		}
		if _, err := s.CancelOrder(ctx, orderID, domain.CancelOrderRequest{
			Reason:           reason,
			CancellationType: domain.CancellationTypeAdmin,
		}); err != nil {
			return domain.Order{}, err
		}
		order, err := s.repo.GetOrder(ctx, orderID)
		if err != nil {
			return domain.Order{}, err
		}
		return *order, nil
	}

	var events []domain.Event
	updated, err := s.repo.UpdateOrder(ctx, orderID, func(order *domain.Order) ([]domain.StockMovement, error) {
		var applyErr error
		events, applyErr = fulfillment.ApplyStatusUpdate(order, req, actor, s.now())
		return nil, applyErr
	})
	if err != nil {
		return domain.Order{}, err
	}
	s.dispatch(ctx, events)

	s.logger.Info("order status updated",
		zap.String("order_id", updated.ID),
		zap.String("status", updated.Status),
		zap.String("actor", actor.ID),
	)
	return *updated, nil
}

func (s *Service) CancelOrder(ctx context.Context, orderID string, req domain.CancelOrderRequest) (_ domain.CancelOrderResponse, err error) {
	ctx, span := tracer.Start(ctx, "service.CancelOrder", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() { endSpan(span, err) }()

	actor, err := requireActor(ctx)
	if err != nil {
		return domain.CancelOrderResponse{}, err
	}

	var events []domain.Event
	updated, err := s.repo.UpdateOrder(ctx, orderID, func(order *domain.Order) ([]domain.StockMovement, error) {
		outcome, cancelErr := fulfillment.Cancel(order, req, actor, s.now())
		if cancelErr != nil {
			return nil, cancelErr
		}
		events = outcome.Events
		return outcome.Restock, nil
	})
	if err != nil {
		return domain.CancelOrderResponse{}, err
	}
	s.dispatch(ctx, events)

	s.logger.Info("order cancelled",
		zap.String("order_id", updated.ID),
		zap.String("order_number", updated.OrderNumber),
		zap.String("actor", actor.ID),
	)
	return domain.CancelOrderResponse{
		OrderID:        updated.ID,
		OrderNumber:    updated.OrderNumber,
		Status:         updated.Status,
		RefundAmount:   updated.GrandTotal,
		RefundTimeline: fulfillment.CustomerRefundTimeline,
	}, nil
}

func (s *Service) CanCancel(ctx context.Context, orderID string) (domain.CancellationEligibility, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return domain.CancellationEligibility{}, err
	}
	return fulfillment.CancellationPolicy(order), nil
}

func (s *Service) CanReturn(ctx context.Context, orderID string) (domain.ReturnEligibility, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return domain.ReturnEligibility{}, err
	}
	return fulfillment.ReturnEligibility(order, s.now(), s.returnWindow), nil
}

func (s *Service) CreateReturn(ctx context.Context, orderID string, req domain.CreateReturnRequest) (_ domain.ReturnRequest, err error) {
	ctx, span := tracer.Start(ctx, "service.CreateReturn", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() { endSpan(span, err) }()

	actor, err := requireActor(ctx)
	if err != nil {
		return domain.ReturnRequest{}, err
	}
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.ReturnRequest{}, err
	}

	ret, events, err := fulfillment.NewReturnRequest(*order, req, actor, s.now(), s.returnWindow)
	if err != nil {
		return domain.ReturnRequest{}, err
	}
	created, err := s.repo.CreateReturn(ctx, ret)
	if err != nil {
		return domain.ReturnRequest{}, err
	}
	s.dispatch(ctx, events)

	s.logger.Info("return requested",
		zap.String("return_id", created.ID),
		zap.String("order_id", created.OrderID),
		zap.String("refund_amount", created.RefundAmount.StringFixed(2)),
	)
	return *created, nil
}

func (s *Service) ListOrderReturns(ctx context.Context, orderID string) ([]domain.ReturnRequest, error) {
	if _, err := s.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	returns, _, err := s.repo.ListReturns(ctx, domain.ReturnFilter{OrderID: orderID, Limit: maxPageSize})
	return returns, err
}

func (s *Service) ListMyReturns(ctx context.Context) ([]domain.ReturnRequest, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	returns, _, err := s.repo.ListReturns(ctx, domain.ReturnFilter{UserID: actor.ID, Limit: maxPageSize})
	return returns, err
}

func (s *Service) ListReturns(ctx context.Context, status string, page int, limit int) (domain.ReturnListResponse, error) {
	if _, err := requireStaff(ctx); err != nil {
		return domain.ReturnListResponse{}, err
	}
	status = strings.TrimSpace(status)
	if status != "" && !fulfillment.IsReturnStatus(status) {
		return domain.ReturnListResponse{}, domain.ValidationErrorf("unknown return status %q", status)
	}
	page, limit = normalizePage(page, limit)

	returns, total, err := s.repo.ListReturns(ctx, domain.ReturnFilter{
		Status: status,
		Offset: (page - 1) * limit,
		Limit:  limit,
	})
	if err != nil {
		return domain.ReturnListResponse{}, err
	}
	return domain.ReturnListResponse{
		Returns: returns,
		Total:   total,
		Page:    page,
		Pages:   (total + limit - 1) / limit,
	}, nil
}

func (s *Service) UpdateReturn(ctx context.Context, returnID string, req domain.UpdateReturnRequest) (_ domain.ReturnRequest, err error) {
	ctx, span := tracer.Start(ctx, "service.UpdateReturn", trace.WithAttributes(
		attribute.String("return.id", returnID),
		attribute.String("return.target_status", req.Status),
	))
	defer func() { endSpan(span, err) }()

	actor, err := requireStaff(ctx)
	if err != nil {
		return domain.ReturnRequest{}, err
	}

	var events []domain.Event
	updated, err := s.repo.UpdateReturn(ctx, returnID, func(ret *domain.ReturnRequest, order domain.Order) ([]domain.StockMovement, error) {
		outcome, applyErr := fulfillment.ApplyReturnUpdate(ret, order, req, actor, s.now())
		if applyErr != nil {
			return nil, applyErr
		}
		events = outcome.Events
		return outcome.Restock, nil
	})
	if err != nil {
		return domain.ReturnRequest{}, err
	}
	s.dispatch(ctx, events)

	s.logger.Info("return updated",
		zap.String("return_id", updated.ID),
		zap.String("status", updated.Status),
		zap.String("actor", actor.ID),
	)
	return *updated, nil
}

// UploadReturnEvidence stores every acceptable file and appends it to the return.
// Files with an unsupported content type or a failed upload are skipped.
func (s *Service) UploadReturnEvidence(ctx context.Context, returnID string, files []domain.EvidenceFile) (_ domain.EvidenceUploadResponse, err error) {
	ctx, span := tracer.Start(ctx, "service.UploadReturnEvidence", trace.WithAttributes(
		attribute.String("return.id", returnID),
		attribute.Int("evidence.files", len(files)),
	))
	defer func() { endSpan(span, err) }()

	actor, err := requireActor(ctx)
	if err != nil {
		return domain.EvidenceUploadResponse{}, err
	}
	if len(files) == 0 {
		return domain.EvidenceUploadResponse{}, domain.ValidationErrorf("at least one file is required")
	}
	if len(files) > fulfillment.MaxEvidenceFiles {
		return domain.EvidenceUploadResponse{}, domain.ValidationErrorf("at most %d files can be uploaded at once", fulfillment.MaxEvidenceFiles)
	}
	if s.evidence == nil {
		return domain.EvidenceUploadResponse{}, errors.New("evidence storage is not configured")
	}

	ret, err := s.repo.GetReturn(ctx, returnID)
	if err != nil {
		return domain.EvidenceUploadResponse{}, err
	}
	if !fulfillment.CanUploadEvidence(*ret, actor) {
		return domain.EvidenceUploadResponse{}, fmt.Errorf("%w: not authorized to upload evidence for this return", domain.ErrUnauthorized)
	}

	resp := domain.EvidenceUploadResponse{ReturnID: ret.ID, Files: []domain.StoredEvidence{}}
	for _, file := range files {
		kind, ok := fulfillment.ClassifyEvidence(file.ContentType)
		if !ok {
			resp.Skipped++
			continue
		}
		url, saveErr := s.saveEvidence(ctx, ret.ID, file)
		if saveErr != nil {
			s.logger.Warn("failed to store evidence file",
				zap.String("return_id", ret.ID),
				zap.String("filename", file.Filename),
				zap.Error(saveErr),
			)
			resp.Skipped++
			continue
		}
		resp.Files = append(resp.Files, domain.StoredEvidence{URL: url, Filename: file.Filename, Type: kind})
	}
	if len(resp.Files) == 0 {
		return resp, nil
	}

	var events []domain.Event
	if _, err := s.repo.UpdateReturn(ctx, ret.ID, func(locked *domain.ReturnRequest, _ domain.Order) ([]domain.StockMovement, error) {
		events = fulfillment.AttachEvidence(locked, resp.Files, actor, s.now())
		return nil, nil
	}); err != nil {
		return domain.EvidenceUploadResponse{}, err
	}
	s.dispatch(ctx, events)

	resp.Uploaded = len(resp.Files)
	return resp, nil
}

func (s *Service) saveEvidence(ctx context.Context, returnID string, file domain.EvidenceFile) (string, error) {
	if file.Open == nil {
		return "", errors.New("file has no content")
	}
	r, err := file.Open()
	if err != nil {
		return "", err
	}
	defer r.Close()
	return s.evidence.Save(ctx, returnID, file.Filename, file.ContentType, r)
}

func (s *Service) ListNotifications(ctx context.Context, staffFeed bool) (domain.NotificationListResponse, error) {
	scope, err := notificationScope(ctx, staffFeed)
	if err != nil {
		return domain.NotificationListResponse{}, err
	}
	items, err := s.repo.ListNotifications(ctx, scope, notificationPageSize)
	if err != nil {
		return domain.NotificationListResponse{}, err
	}
	unread, err := s.unreadCount(ctx, scope)
	if err != nil {
		return domain.NotificationListResponse{}, err
	}
	return domain.NotificationListResponse{Notifications: items, UnreadCount: unread}, nil
}

func (s *Service) UnreadNotificationCount(ctx context.Context, staffFeed bool) (int64, error) {
	scope, err := notificationScope(ctx, staffFeed)
	if err != nil {
		return 0, err
	}
	return s.unreadCount(ctx, scope)
}

func (s *Service) SetNotificationRead(ctx context.Context, staffFeed bool, id string, read bool) error {
	scope, err := notificationScope(ctx, staffFeed)
	if err != nil {
		return err
	}
	if err := s.repo.SetNotificationRead(ctx, scope, id, read); err != nil {
		return err
	}
	s.invalidateUnread(ctx, scope)
	return nil
}

func (s *Service) MarkAllNotificationsRead(ctx context.Context, staffFeed bool) (int64, error) {
	scope, err := notificationScope(ctx, staffFeed)
	if err != nil {
		return 0, err
	}
	n, err := s.repo.MarkAllNotificationsRead(ctx, scope)
	if err != nil {
		return 0, err
	}
	s.invalidateUnread(ctx, scope)
	return n, nil
}

func (s *Service) DeleteNotification(ctx context.Context, staffFeed bool, id string) error {
	scope, err := notificationScope(ctx, staffFeed)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteNotification(ctx, scope, id); err != nil {
		return err
	}
	s.invalidateUnread(ctx, scope)
	return nil
}

func (s *Service) ClearNotifications(ctx context.Context, staffFeed bool) (int64, error) {
	scope, err := notificationScope(ctx, staffFeed)
	if err != nil {
		return 0, err
	}
	n, err := s.repo.ClearNotifications(ctx, scope)
	if err != nil {
		return 0, err
	}
	s.invalidateUnread(ctx, scope)
	return n, nil
}

func (s *Service) unreadCount(ctx context.Context, scope domain.NotificationScope) (int64, error) {
	n, gen, ok, err := s.unread.Get(ctx, scope)
	if err != nil {
		s.logger.Warn("unread cache read failed", zap.String("key", cache.UnreadKey(scope)), zap.Error(err))
		return s.repo.CountUnreadNotifications(ctx, scope)
	}
	if ok {
		return n, nil
	}

	n, err = s.repo.CountUnreadNotifications(ctx, scope)
	if err != nil {
		return 0, err
	}
	if err := s.unread.Set(ctx, scope, gen, n, s.unreadTTL); err != nil {
		s.logger.Warn("unread cache write failed", zap.String("key", cache.UnreadKey(scope)), zap.Error(err))
	}
	return n, nil
}

func (s *Service) invalidateUnread(ctx context.Context, scope domain.NotificationScope) {
	if err := s.unread.Invalidate(ctx, scope); err != nil {
		s.logger.Warn("unread cache invalidate failed", zap.String("key", cache.UnreadKey(scope)), zap.Error(err))
	}
}

func (s *Service) InventoryOverview(ctx context.Context, lowStockOnly bool) (domain.InventoryResponse, error) {
	if _, err := requireStaff(ctx); err != nil {
		return domain.InventoryResponse{}, err
	}
	all, err := s.repo.ListProducts(ctx, false)
	if err != nil {
		return domain.InventoryResponse{}, err
	}

	stats := domain.InventoryStats{TotalProducts: len(all)}
	products := make([]domain.Product, 0, len(all))
	for _, product := range all {
		stats.TotalInventoryValue = stats.TotalInventoryValue.Add(product.CostPrice.Mul(decimal.NewFromInt(int64(product.StockQty))))
		low := product.StockQty <= product.LowStockThreshold
		switch {
		case product.StockQty == 0:
			stats.OutOfStock++
		case low:
			stats.LowStockCount++
		}
		if !lowStockOnly || low {
			products = append(products, product)
		}
	}
	stats.TotalInventoryValue = stats.TotalInventoryValue.Round(2)
	return domain.InventoryResponse{Products: products, Stats: stats}, nil
}

func (s *Service) ListInventoryLogs(ctx context.Context, productID string, limit int) ([]domain.InventoryLog, error) {
	if _, err := requireStaff(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListInventoryLogs(ctx, strings.TrimSpace(productID), limit)
}

func (s *Service) AdjustStock(ctx context.Context, productID string, req domain.StockAdjustRequest) (_ domain.Product, err error) {
	ctx, span := tracer.Start(ctx, "service.AdjustStock", trace.WithAttributes(
		attribute.String("product.id", productID),
		attribute.Int("stock.delta", req.Delta),
	))
	defer func() { endSpan(span, err) }()

	actor, err := requireStaff(ctx)
	if err != nil {
		return domain.Product{}, err
	}
	if req.Delta == 0 {
		return domain.Product{}, domain.ValidationErrorf("delta must not be zero")
	}

	before, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	note := strings.TrimSpace(req.Note)
	if note == "" {
		note = "manual adjustment"
	}
	product, err := s.repo.AdjustStock(ctx, productID, req.Delta, note, actor.Name)
	if err != nil {
		return domain.Product{}, err
	}
	if before.StockQty > before.LowStockThreshold {
		if event, ok := fulfillment.LowStockEvent(*product); ok {
			s.dispatch(ctx, []domain.Event{event})
		}
	}

	s.logger.Info("stock adjusted",
		zap.String("product_id", product.ID),
		zap.Int("delta", req.Delta),
		zap.Int("stock_qty", product.StockQty),
		zap.String("actor", actor.ID),
	)
	return *product, nil
}

// Picklist lists the lines of confirmed and processing orders placed on date (YYYY-MM-DD, UTC).
func (s *Service) Picklist(ctx context.Context, date string) (domain.Picklist, error) {
	if _, err := requireStaff(ctx); err != nil {
		return domain.Picklist{}, err
	}

	date = strings.TrimSpace(date)
	var day time.Time
	if date == "" {
		now := s.now().UTC()
		day = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return domain.Picklist{}, domain.ValidationErrorf("date must be YYYY-MM-DD")
		}
		day = parsed
	}

	orders, err := s.repo.ListOrdersForPicklist(ctx, day, day.Add(24*time.Hour), []string{
		domain.OrderStatusConfirmed,
		domain.OrderStatusProcessing,
	})
	if err != nil {
		return domain.Picklist{}, err
	}

	list := domain.Picklist{
		Date:        day.Format("2006-01-02"),
		TotalOrders: len(orders),
		Items:       []domain.PicklistItem{},
	}
	for _, order := range orders {
		customer := order.CustomerName
		if customer == "" {
			customer = order.ShippingAddress.Name
		}
		for _, line := range order.Items {
			list.Items = append(list.Items, domain.PicklistItem{
				OrderNumber:     order.OrderNumber,
				CustomerName:    customer,
				ProductName:     line.ProductName,
				SKU:             line.SKU,
				Quantity:        line.Quantity,
				AWB:             order.TrackingNumber,
				ShippingAddress: order.ShippingAddress,
				PaymentMethod:   order.PaymentMethod,
				OrderTotal:      order.GrandTotal,
			})
			list.TotalItems += line.Quantity
		}
	}
	return list, nil
}

// dispatch runs after commit and must not be cut short by the caller going
// away. It is still bounded by dispatchTTL.
func (s *Service) dispatch(ctx context.Context, events []domain.Event) {
	if len(events) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.dispatchTTL)
	defer cancel()
	ctx, span := tracer.Start(ctx, "notify.Dispatch", trace.WithAttributes(attribute.Int("events", len(events))))
	defer span.End()
	if delivered := s.dispatcher.Dispatch(ctx, events); delivered < len(events) {
		span.SetAttributes(attribute.Int("events.dropped", len(events)-delivered))
	}
}

func requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.ID == "" {
		return domain.Actor{}, fmt.Errorf("%w: authentication required", domain.ErrUnauthorized)
	}
	return actor, nil
}

func requireStaff(ctx context.Context) (domain.Actor, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Actor{}, err
	}
	if !actor.IsStaff() {
		return domain.Actor{}, fmt.Errorf("%w: staff role required", domain.ErrUnauthorized)
	}
	return actor, nil
}

func notificationScope(ctx context.Context, staffFeed bool) (domain.NotificationScope, error) {
	if staffFeed {
		if _, err := requireStaff(ctx); err != nil {
			return domain.NotificationScope{}, err
		}
		return domain.NotificationScope{ForAdmin: true}, nil
	}
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.NotificationScope{}, err
	}
	return domain.NotificationScope{UserID: actor.ID}, nil
}

func normalizePage(page int, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return page, limit
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentMethodCOD, domain.PaymentMethodOnline:
		return true
	default:
		return false
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
