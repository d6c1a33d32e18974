package store

import (
	"context"
	"errors"
	"time"

	"orderflow/backend/internal/domain"
)

var (
	ErrNotFound = domain.ErrNotFound
	ErrConflict = errors.New("conflict")
)

// OrderMutation edits a locked order in place and returns the stock to put back.
// Returning an error aborts the whole update.
type OrderMutation func(order *domain.Order) ([]domain.StockMovement, error)

// ReturnMutation edits a locked return request; the owning order is read-only context.
type ReturnMutation func(ret *domain.ReturnRequest, order domain.Order) ([]domain.StockMovement, error)

type Repository interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	ListProducts(ctx context.Context, lowStockOnly bool) ([]domain.Product, error)

	// AdjustStock applies a signed delta and refuses to go below zero.
	AdjustStock(ctx context.Context, productID string, delta int, note string, createdBy string) (*domain.Product, error)
	ListInventoryLogs(ctx context.Context, productID string, limit int) ([]domain.InventoryLog, error)

	// CreateOrder reserves every movement and inserts the order in one unit; any failure leaves stock untouched.
	// A reservation decrements stock only when enough is available, atomically with the check.
	// A duplicate order number returns ErrConflict.
	CreateOrder(ctx context.Context, order domain.Order, reservations []domain.StockMovement) (*domain.Order, error)
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, int, error)
	UpdateOrder(ctx context.Context, id string, mutate OrderMutation) (*domain.Order, error)
	ListOrdersForPicklist(ctx context.Context, from time.Time, to time.Time, statuses []string) ([]domain.Order, error)

	// CreateReturn fails with domain.ErrInvalidTransition while another return on the order is still open.
	CreateReturn(ctx context.Context, ret domain.ReturnRequest) (*domain.ReturnRequest, error)
	GetReturn(ctx context.Context, id string) (*domain.ReturnRequest, error)
	ListReturns(ctx context.Context, filter domain.ReturnFilter) ([]domain.ReturnRequest, int, error)
	UpdateReturn(ctx context.Context, id string, mutate ReturnMutation) (*domain.ReturnRequest, error)

	CreateNotification(ctx context.Context, notification domain.Notification) (*domain.Notification, error)
	ListNotifications(ctx context.Context, scope domain.NotificationScope, limit int) ([]domain.Notification, error)
	CountUnreadNotifications(ctx context.Context, scope domain.NotificationScope) (int64, error)
	SetNotificationRead(ctx context.Context, scope domain.NotificationScope, id string, read bool) error
	MarkAllNotificationsRead(ctx context.Context, scope domain.NotificationScope) (int64, error)
	DeleteNotification(ctx context.Context, scope domain.NotificationScope, id string) error
	ClearNotifications(ctx context.Context, scope domain.NotificationScope) (int64, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	GetUserByID(ctx context.Context, id string) (*domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
