package memory

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"orderflow/backend/internal/domain"
	"orderflow/backend/internal/fulfillment"
	"orderflow/backend/internal/store"
	"orderflow/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	inventoryLogs   []domain.InventoryLog
	ordersByID      map[string]domain.Order
	orderNumbers    map[string]string
	returnsByID     map[string]domain.ReturnRequest
	notifications   []domain.Notification
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Passwords come from SEED_ADMIN_PASSWORD, SEED_STAFF_PASSWORD and
// SEED_CUSTOMER_PASSWORD; unset values fall back to dev defaults with a
// warning. The backend uses PostgreSQL when DATABASE_URL is set.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	staffPwd := envOr("SEED_STAFF_PASSWORD", "staff123")
	customerPwd := envOr("SEED_CUSTOMER_PASSWORD", "customer123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_STAFF_PASSWORD") == "" || os.Getenv("SEED_CUSTOMER_PASSWORD") == "" {
		zap.L().Warn("memory store is using default dev credentials; set SEED_ADMIN_PASSWORD, SEED_STAFF_PASSWORD and SEED_CUSTOMER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		id        string
		username  string
		name      string
		password  string
		role      string
		wholesale bool
	}{
		{"user_admin", "admin", "Store Admin", adminPwd, domain.RoleAdmin, false},
		{"user_staff", "staff", "Dispatch Desk", staffPwd, domain.RoleStaff, false},
		{"user_customer", "priya", "Priya Sharma", customerPwd, domain.RoleCustomer, false},
		{"user_wholesale", "gupta", "Gupta Traders", customerPwd, domain.RoleCustomer, true},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			zap.L().Fatal("failed to hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			ID:          u.id,
			Username:    u.username,
			Name:        u.name,
			Password:    string(hash),
			Role:        u.role,
			IsWholesale: u.wholesale,
			Active:      true,
			CreatedAt:   now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func price(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func wholesale(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func NewSeeded() *Store {
	products := []domain.Product{
		{ID: "prod_basmati_5kg", SKU: "RICE-BAS-5", Name: "Basmati Rice 5kg", Category: "grocery", SellingPrice: price("649"), WholesalePrice: wholesale("590"), WholesaleMinQty: 10, CostPrice: price("520"), GSTRate: price("5"), StockQty: 120, LowStockThreshold: 10, Active: true},
		{ID: "prod_toor_dal_1kg", SKU: "DAL-TOOR-1", Name: "Toor Dal 1kg", Category: "grocery", SellingPrice: price("189"), WholesalePrice: wholesale("172"), WholesaleMinQty: 12, CostPrice: price("150"), GSTRate: price("5"), StockQty: 150, LowStockThreshold: 15, Active: true},
		{ID: "prod_sunflower_oil_1l", SKU: "OIL-SUN-1", Name: "Sunflower Oil 1L", Category: "grocery", SellingPrice: price("165"), WholesalePrice: wholesale("150"), WholesaleMinQty: 12, CostPrice: price("132"), GSTRate: price("5"), StockQty: 100, LowStockThreshold: 12, Active: true},
		{ID: "prod_masala_chai_250g", SKU: "TEA-MAS-250", Name: "Masala Chai 250g", Category: "beverage", SellingPrice: price("240"), CostPrice: price("180"), GSTRate: price("5"), StockQty: 80, LowStockThreshold: 10, Active: true},
		{ID: "prod_steel_bottle_1l", SKU: "BTL-STL-1", Name: "Steel Bottle 1L", Category: "home", SellingPrice: price("499"), WholesalePrice: wholesale("420"), WholesaleMinQty: 6, CostPrice: price("300"), GSTRate: price("18"), StockQty: 40, LowStockThreshold: 5, Active: true},
		{ID: "prod_cotton_towel", SKU: "TWL-COT-1", Name: "Cotton Bath Towel", Category: "home", SellingPrice: price("299"), CostPrice: price("190"), GSTRate: price("12"), StockQty: 60, LowStockThreshold: 8, Active: true},
		{ID: "prod_led_bulb_9w", SKU: "BLB-LED-9", Name: "LED Bulb 9W", Category: "electrical", SellingPrice: price("99"), WholesalePrice: wholesale("80"), WholesaleMinQty: 20, CostPrice: price("55"), GSTRate: price("18"), StockQty: 200, LowStockThreshold: 25, Active: true},
		{ID: "prod_electric_kettle", SKU: "KTL-ELC-15", Name: "Electric Kettle 1.5L", Category: "electrical", SellingPrice: price("1299"), CostPrice: price("940"), GSTRate: price("18"), StockQty: 5, LowStockThreshold: 3, Active: true},
	}

	productMap := make(map[string]domain.Product, len(products))
	for _, p := range products {
		productMap[p.ID] = p
	}

	return &Store{
		products:        productMap,
		inventoryLogs:   make([]domain.InventoryLog, 0, 128),
		ordersByID:      make(map[string]domain.Order),
		orderNumbers:    make(map[string]string),
		returnsByID:     make(map[string]domain.ReturnRequest),
		notifications:   make([]domain.Notification, 0, 64),
		usersByUsername: seedUsers(),
	}
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (s *Store) ListProducts(_ context.Context, lowStockOnly bool) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		if lowStockOnly && p.StockQty > p.LowStockThreshold {
			continue
		}
		products = append(products, p)
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return strings.Compare(a.Name, b.Name)
		}
		return strings.Compare(a.Category, b.Category)
	})
	return products, nil
}

func (s *Store) AdjustStock(_ context.Context, productID string, delta int, note string, createdBy string) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, exists := s.products[productID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrProductNotFound, productID)
	}
	if product.StockQty+delta < 0 {
		return nil, &domain.InsufficientStockError{ProductID: product.ID, ProductName: product.Name, Requested: -delta, Available: product.StockQty}
	}
	updated := s.moveLocked(product, delta, domain.StockMovement{
		ProductID: productID,
		Quantity:  delta,
		Type:      domain.MovementAdjustment,
		Note:      note,
		CreatedBy: createdBy,
	}, time.Now().UTC())
	return &updated, nil
}

func (s *Store) ListInventoryLogs(_ context.Context, productID string, limit int) ([]domain.InventoryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	out := make([]domain.InventoryLog, 0, limit)
	for i := len(s.inventoryLogs) - 1; i >= 0 && len(out) < limit; i-- {
		entry := s.inventoryLogs[i]
		if productID != "" && entry.ProductID != productID {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *Store) CreateOrder(_ context.Context, order domain.Order, reservations []domain.StockMovement) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if order.ID == "" || order.OrderNumber == "" {
		return nil, domain.ValidationErrorf("order id and number are required")
	}
	if _, exists := s.orderNumbers[order.OrderNumber]; exists {
		return nil, store.ErrConflict
	}

	// Validate the whole plan before touching stock so a failing line leaves nothing behind.
	pending := make(map[string]int, len(reservations))
	for _, movement := range reservations {
		if _, err := s.checkReservation(movement, pending[movement.ProductID]); err != nil {
			return nil, err
		}
		pending[movement.ProductID] += movement.Quantity
	}

	now := order.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	for _, movement := range reservations {
		s.moveLocked(s.products[movement.ProductID], -movement.Quantity, movement, now)
	}

	stored := cloneOrder(order)
	s.ordersByID[order.ID] = stored
	s.orderNumbers[order.OrderNumber] = order.ID
	created := cloneOrder(stored)
	return &created, nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, exists := s.ordersByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	dup := cloneOrder(order)
	return &dup, nil
}

func (s *Store) ListOrders(_ context.Context, filter domain.OrderFilter) ([]domain.Order, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]domain.Order, 0, len(s.ordersByID))
	for _, order := range s.ordersByID {
		if filter.UserID != "" && order.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && order.Status != filter.Status {
			continue
		}
		matched = append(matched, order)
	}
	slices.SortFunc(matched, func(a, b domain.Order) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})

	page := paginate(matched, filter.Offset, filter.Limit)
	out := make([]domain.Order, 0, len(page))
	for _, order := range page {
		out = append(out, cloneOrder(order))
	}
	return out, len(matched), nil
}

func (s *Store) UpdateOrder(_ context.Context, id string, mutate store.OrderMutation) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.ordersByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	working := cloneOrder(current)
	restock, err := mutate(&working)
	if err != nil {
		return nil, err
	}
	for _, movement := range restock {
		if _, ok := s.products[movement.ProductID]; !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrProductNotFound, movement.ProductID)
		}
	}
	now := time.Now().UTC()
	for _, movement := range restock {
		if _, err := s.releaseLocked(movement, now); err != nil {
			return nil, err
		}
	}

	s.ordersByID[id] = working
	updated := cloneOrder(working)
	return &updated, nil
}

func (s *Store) ListOrdersForPicklist(_ context.Context, from time.Time, to time.Time, statuses []string) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Order, 0, 16)
	for _, order := range s.ordersByID {
		if order.CreatedAt.Before(from) || !order.CreatedAt.Before(to) {
			continue
		}
		if !slices.Contains(statuses, order.Status) {
			continue
		}
		out = append(out, cloneOrder(order))
	}
	slices.SortFunc(out, func(a, b domain.Order) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *Store) CreateReturn(_ context.Context, ret domain.ReturnRequest) (*domain.ReturnRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ordersByID[ret.OrderID]; !exists {
		return nil, store.ErrNotFound
	}
	for _, existing := range s.returnsByID {
		if existing.OrderID == ret.OrderID && fulfillment.IsOpenReturn(existing.Status) {
			return nil, domain.TransitionErrorf("order already has an open return request (%s)", existing.ID)
		}
	}
	if ret.ID == "" {
		ret.ID = xid.New("ret")
	}
	stored := cloneReturn(ret)
	s.returnsByID[ret.ID] = stored
	created := cloneReturn(stored)
	return &created, nil
}

func (s *Store) GetReturn(_ context.Context, id string) (*domain.ReturnRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ret, exists := s.returnsByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	dup := cloneReturn(ret)
	return &dup, nil
}

func (s *Store) ListReturns(_ context.Context, filter domain.ReturnFilter) ([]domain.ReturnRequest, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]domain.ReturnRequest, 0, len(s.returnsByID))
	for _, ret := range s.returnsByID {
		if filter.OrderID != "" && ret.OrderID != filter.OrderID {
			continue
		}
		if filter.UserID != "" && ret.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && ret.Status != filter.Status {
			continue
		}
		matched = append(matched, ret)
	}
	slices.SortFunc(matched, func(a, b domain.ReturnRequest) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})

	page := paginate(matched, filter.Offset, filter.Limit)
	out := make([]domain.ReturnRequest, 0, len(page))
	for _, ret := range page {
		out = append(out, cloneReturn(ret))
	}
	return out, len(matched), nil
}

func (s *Store) UpdateReturn(_ context.Context, id string, mutate store.ReturnMutation) (*domain.ReturnRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.returnsByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	order, exists := s.ordersByID[current.OrderID]
	if !exists {
		return nil, fmt.Errorf("return %s references missing order %s: %w", id, current.OrderID, store.ErrNotFound)
	}

	working := cloneReturn(current)
	restock, err := mutate(&working, cloneOrder(order))
	if err != nil {
		return nil, err
	}
	for _, movement := range restock {
		if _, ok := s.products[movement.ProductID]; !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrProductNotFound, movement.ProductID)
		}
	}
	now := time.Now().UTC()
	for _, movement := range restock {
		if _, err := s.releaseLocked(movement, now); err != nil {
			return nil, err
		}
	}

	s.returnsByID[id] = working
	updated := cloneReturn(working)
	return &updated, nil
}

func (s *Store) CreateNotification(_ context.Context, notification domain.Notification) (*domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if notification.ID == "" {
		notification.ID = xid.New("ntf")
	}
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = time.Now().UTC()
	}
	notification.Data = maps.Clone(notification.Data)
	s.notifications = append(s.notifications, notification)
	created := notification
	created.Data = maps.Clone(notification.Data)
	return &created, nil
}

func (s *Store) ListNotifications(_ context.Context, scope domain.NotificationScope, limit int) ([]domain.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 50
	}
	out := make([]domain.Notification, 0, limit)
	for i := len(s.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		n := s.notifications[i]
		if !inScope(n, scope) {
			continue
		}
		n.Data = maps.Clone(n.Data)
		out = append(out, n)
	}
	return out, nil
}

func (s *Store) CountUnreadNotifications(_ context.Context, scope domain.NotificationScope) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, n := range s.notifications {
		if inScope(n, scope) && !n.Read {
			count++
		}
	}
	return count, nil
}

func (s *Store) SetNotificationRead(_ context.Context, scope domain.NotificationScope, id string, read bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.notifications {
		if s.notifications[i].ID == id && inScope(s.notifications[i], scope) {
			s.notifications[i].Read = read
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *Store) MarkAllNotificationsRead(_ context.Context, scope domain.NotificationScope) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated int64
	for i := range s.notifications {
		if inScope(s.notifications[i], scope) && !s.notifications[i].Read {
			s.notifications[i].Read = true
			updated++
		}
	}
	return updated, nil
}

func (s *Store) DeleteNotification(_ context.Context, scope domain.NotificationScope, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.notifications {
		if s.notifications[i].ID == id && inScope(s.notifications[i], scope) {
			s.notifications = slices.Delete(s.notifications, i, i+1)
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *Store) ClearNotifications(_ context.Context, scope domain.NotificationScope) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := len(s.notifications)
	s.notifications = slices.DeleteFunc(s.notifications, func(n domain.Notification) bool {
		return inScope(n, scope)
	})
	return int64(before - len(s.notifications)), nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return domain.ValidationErrorf("username and password are required")
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.ID == "" {
		user.ID = xid.New("user")
	}
	if user.Role == "" {
		user.Role = domain.RoleCustomer
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) GetUserByID(_ context.Context, id string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, user := range s.usersByUsername {
		if user.ID == id {
			found := user
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return domain.ValidationErrorf("username and password are required")
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// checkReservation validates a reservation given quantity already claimed from the same product.
func (s *Store) checkReservation(movement domain.StockMovement, claimed int) (domain.Product, error) {
	if movement.Quantity < 1 {
		return domain.Product{}, domain.ValidationErrorf("reservation quantity must be at least 1")
	}
	product, exists := s.products[movement.ProductID]
	if !exists || !product.Active {
		return domain.Product{}, fmt.Errorf("%w: %s", domain.ErrProductNotFound, movement.ProductID)
	}
	available := product.StockQty - claimed
	if available < movement.Quantity {
		return domain.Product{}, &domain.InsufficientStockError{
			ProductID:   product.ID,
			ProductName: product.Name,
			Requested:   movement.Quantity,
			Available:   available,
		}
	}
	return product, nil
}

func (s *Store) releaseLocked(movement domain.StockMovement, at time.Time) (domain.Product, error) {
	if movement.Quantity < 1 {
		return domain.Product{}, domain.ValidationErrorf("release quantity must be at least 1")
	}
	product, exists := s.products[movement.ProductID]
	if !exists {
		return domain.Product{}, fmt.Errorf("%w: %s", domain.ErrProductNotFound, movement.ProductID)
	}
	return s.moveLocked(product, movement.Quantity, movement, at), nil
}

func (s *Store) moveLocked(product domain.Product, delta int, movement domain.StockMovement, at time.Time) domain.Product {
	previous := product.StockQty
	product.StockQty += delta
	s.products[product.ID] = product
	s.inventoryLogs = append(s.inventoryLogs, domain.InventoryLog{
		ID:          xid.New("ilog"),
		ProductID:   product.ID,
		SKU:         product.SKU,
		Type:        movement.Type,
		Quantity:    delta,
		PreviousQty: previous,
		NewQty:      product.StockQty,
		Note:        movement.Note,
		CreatedBy:   movement.CreatedBy,
		CreatedAt:   at,
	})
	return product
}

func inScope(n domain.Notification, scope domain.NotificationScope) bool {
	if scope.ForAdmin {
		return n.ForAdmin
	}
	return !n.ForAdmin && scope.UserID != "" && n.UserID == scope.UserID
}

func paginate[T any](items []T, offset int, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}

func cloneOrder(src domain.Order) domain.Order {
	dup := src
	dup.Items = slices.Clone(src.Items)
	dup.TrackingHistory = slices.Clone(src.TrackingHistory)
	if src.Cancellation != nil {
		cancellation := *src.Cancellation
		dup.Cancellation = &cancellation
	}
	if src.DeliveredAt != nil {
		delivered := *src.DeliveredAt
		dup.DeliveredAt = &delivered
	}
	return dup
}

func cloneReturn(src domain.ReturnRequest) domain.ReturnRequest {
	dup := src
	dup.Items = slices.Clone(src.Items)
	dup.EvidenceImages = slices.Clone(src.EvidenceImages)
	dup.EvidenceVideos = slices.Clone(src.EvidenceVideos)
	dup.PickupScheduledDate = cloneTime(src.PickupScheduledDate)
	dup.PickupCompletedDate = cloneTime(src.PickupCompletedDate)
	dup.ReceivedDate = cloneTime(src.ReceivedDate)
	return dup
}

func cloneTime(src *time.Time) *time.Time {
	if src == nil {
		return nil
	}
	dup := *src
	return &dup
}
