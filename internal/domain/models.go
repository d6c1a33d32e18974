package domain

import (
	"io"
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID                string           `json:"id"`
	SKU               string           `json:"sku"`
	Name              string           `json:"name"`
	Category          string           `json:"category"`
	SellingPrice      decimal.Decimal  `json:"selling_price"`
	WholesalePrice    *decimal.Decimal `json:"wholesale_price,omitempty"`
	WholesaleMinQty   int              `json:"wholesale_min_qty"`
	CostPrice         decimal.Decimal  `json:"cost_price"`
	GSTRate           decimal.Decimal  `json:"gst_rate"`
	StockQty          int              `json:"stock_qty"`
	LowStockThreshold int              `json:"low_stock_threshold"`
	ImageURL          string           `json:"image_url,omitempty"`
	Active            bool             `json:"active"`
}

type CartItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type ShippingAddress struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Line1   string `json:"line1"`
	Line2   string `json:"line2,omitempty"`
	City    string `json:"city"`
	State   string `json:"state"`
	Pincode string `json:"pincode"`
}

func (a ShippingAddress) IsZero() bool {
	return a == ShippingAddress{}
}

// LineItem is frozen at order creation and never re-derived from the product.
type LineItem struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	SKU         string          `json:"sku"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TaxAmount   decimal.Decimal `json:"tax_amount"`
	LineTotal   decimal.Decimal `json:"line_total"`
	ImageURL    string          `json:"image_url,omitempty"`
}

type TrackingEntry struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Note      string    `json:"note"`
	Actor     string    `json:"actor"`
}

type Order struct {
	ID              string          `json:"id"`
	OrderNumber     string          `json:"order_number"`
	UserID          string          `json:"user_id,omitempty"`
	CustomerName    string          `json:"customer_name,omitempty"`
	CustomerPhone   string          `json:"customer_phone,omitempty"`
	Items           []LineItem      `json:"items"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	TaxApplied      bool            `json:"tax_applied"`
	TaxTotal        decimal.Decimal `json:"tax_total"`
	DiscountAmount  decimal.Decimal `json:"discount_amount"`
	GrandTotal      decimal.Decimal `json:"grand_total"`
	ShippingAddress ShippingAddress `json:"shipping_address"`
	PaymentMethod   string          `json:"payment_method"`
	PaymentStatus   string          `json:"payment_status"`
	Status          string          `json:"status"`
	IsOffline       bool            `json:"is_offline"`
	TrackingNumber  string          `json:"tracking_number,omitempty"`
	CourierProvider string          `json:"courier_provider,omitempty"`
	TrackingHistory []TrackingEntry `json:"tracking_history"`
	Cancellation    *Cancellation   `json:"cancellation,omitempty"`
	DeliveredAt     *time.Time      `json:"delivered_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type Cancellation struct {
	ID               string          `json:"id"`
	OrderID          string          `json:"order_id"`
	UserID           string          `json:"user_id,omitempty"`
	Reason           string          `json:"reason"`
	CancellationType string          `json:"cancellation_type"`
	CancelledBy      string          `json:"cancelled_by"`
	RefundAmount     decimal.Decimal `json:"refund_amount"`
	RefundStatus     string          `json:"refund_status"`
	CreatedAt        time.Time       `json:"created_at"`
}

type CreateOrderRequest struct {
	Items           []CartItem      `json:"items"`
	ShippingAddress ShippingAddress `json:"shipping_address"`
	PaymentMethod   string          `json:"payment_method"`
	IsOffline       bool            `json:"is_offline"`
	CustomerPhone   string          `json:"customer_phone,omitempty"`
	CustomerUserID  string          `json:"customer_user_id,omitempty"`
	ApplyTax        *bool           `json:"apply_tax,omitempty"`
	DiscountAmount  decimal.Decimal `json:"discount_amount"`
}

type StatusUpdateRequest struct {
	Status          string `json:"status"`
	TrackingNumber  string `json:"tracking_number,omitempty"`
	CourierProvider string `json:"courier_provider,omitempty"`
	Notes           string `json:"notes,omitempty"`
}

type CancelOrderRequest struct {
	Reason           string `json:"reason"`
	CancellationType string `json:"cancellation_type,omitempty"`
}

type CancelOrderResponse struct {
	OrderID        string          `json:"order_id"`
	OrderNumber    string          `json:"order_number"`
	Status         string          `json:"status"`
	RefundAmount   decimal.Decimal `json:"refund_amount"`
	RefundTimeline string          `json:"refund_timeline"`
}

type CancellationEligibility struct {
	CanCancel        bool            `json:"can_cancel"`
	OrderStatus      string          `json:"order_status"`
	OrderNumber      string          `json:"order_number"`
	RefundAmount     decimal.Decimal `json:"refund_amount"`
	CancellationType string          `json:"cancellation_type,omitempty"`
	RefundTimeline   string          `json:"refund_timeline,omitempty"`
	Implications     string          `json:"implications,omitempty"`
	Reason           string          `json:"reason,omitempty"`
	Alternative      string          `json:"alternative,omitempty"`
}

type ReturnTypeOption struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

type ReturnEligibility struct {
	CanReturn        bool               `json:"can_return"`
	OrderStatus      string             `json:"order_status"`
	OrderNumber      string             `json:"order_number"`
	WindowDays       int                `json:"window_days"`
	RemainingDays    int                `json:"remaining_days,omitempty"`
	ReturnTypes      []ReturnTypeOption `json:"return_types,omitempty"`
	EvidenceRequired bool               `json:"evidence_required,omitempty"`
	RefundTimeline   string             `json:"refund_timeline,omitempty"`
	Reason           string             `json:"reason,omitempty"`
	Alternative      string             `json:"alternative,omitempty"`
}

type OrderListResponse struct {
	Orders []Order `json:"orders"`
	Total  int     `json:"total"`
	Page   int     `json:"page"`
	Limit  int     `json:"limit"`
}

type OrderFilter struct {
	UserID string
	Status string
	Offset int
	Limit  int
}

type ReturnLine struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name,omitempty"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

type ReturnRequest struct {
	ID                  string          `json:"id"`
	OrderID             string          `json:"order_id"`
	OrderNumber         string          `json:"order_number,omitempty"`
	UserID              string          `json:"user_id,omitempty"`
	Items               []ReturnLine    `json:"items"`
	Reason              string          `json:"reason"`
	ReturnType          string          `json:"return_type"`
	RefundMethod        string          `json:"refund_method"`
	RefundAmount        decimal.Decimal `json:"refund_amount"`
	Description         string          `json:"description,omitempty"`
	Status              string          `json:"status"`
	EvidenceImages      []string        `json:"evidence_images"`
	EvidenceVideos      []string        `json:"evidence_videos"`
	ReturnAWB           string          `json:"return_awb,omitempty"`
	CourierProvider     string          `json:"courier_provider,omitempty"`
	PickupScheduledDate *time.Time      `json:"pickup_scheduled_date,omitempty"`
	PickupCompletedDate *time.Time      `json:"pickup_completed_date,omitempty"`
	ReceivedDate        *time.Time      `json:"received_date,omitempty"`
	AdminNotes          string          `json:"admin_notes,omitempty"`
	ProcessedBy         string          `json:"processed_by,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

type CreateReturnRequest struct {
	Items        []CartItem `json:"items"`
	Reason       string     `json:"reason"`
	ReturnType   string     `json:"return_type"`
	RefundMethod string     `json:"refund_method"`
	Description  string     `json:"description,omitempty"`
	Images       []string   `json:"images,omitempty"`
	Videos       []string   `json:"videos,omitempty"`
}

type UpdateReturnRequest struct {
	Status          string           `json:"status"`
	AdminNotes      string           `json:"admin_notes,omitempty"`
	RefundAmount    *decimal.Decimal `json:"refund_amount,omitempty"`
	ReturnAWB       string           `json:"return_awb,omitempty"`
	CourierProvider string           `json:"courier_provider,omitempty"`
}

type ReturnListResponse struct {
	Returns []ReturnRequest `json:"returns"`
	Total   int             `json:"total"`
	Page    int             `json:"page"`
	Pages   int             `json:"pages"`
}

type ReturnFilter struct {
	OrderID string
	UserID  string
	Status  string
	Offset  int
	Limit   int
}

// EvidenceFile is an uploaded file before it is stored.
type EvidenceFile struct {
	Filename    string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

type StoredEvidence struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Type     string `json:"type"`
}

type EvidenceUploadResponse struct {
	ReturnID string           `json:"return_id"`
	Uploaded int              `json:"uploaded"`
	Skipped  int              `json:"skipped"`
	Files    []StoredEvidence `json:"files"`
}

type Notification struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	UserID    string         `json:"user_id,omitempty"`
	ForAdmin  bool           `json:"for_admin"`
	Data      map[string]any `json:"data"`
	Read      bool           `json:"read"`
	CreatedAt time.Time      `json:"created_at"`
}

// NotificationScope selects either one user's notifications or the staff feed.
type NotificationScope struct {
	UserID   string
	ForAdmin bool
}

type NotificationListResponse struct {
	Notifications []Notification `json:"notifications"`
	UnreadCount   int64          `json:"unread_count"`
}

// Event is a notification that a workflow step decided to emit.
type Event struct {
	Type     string
	Title    string
	Message  string
	UserID   string
	ForAdmin bool
	Data     map[string]any
}

type InventoryLog struct {
	ID          string    `json:"id"`
	ProductID   string    `json:"product_id"`
	SKU         string    `json:"sku"`
	Type        string    `json:"type"`
	Quantity    int       `json:"quantity"`
	PreviousQty int       `json:"previous_qty"`
	NewQty      int       `json:"new_qty"`
	Note        string    `json:"note,omitempty"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// StockMovement describes one ledger change together with its log context.
type StockMovement struct {
	ProductID string
	Quantity  int
	Type      string
	Note      string
	CreatedBy string
}

type InventoryStats struct {
	TotalProducts       int             `json:"total_products"`
	TotalInventoryValue decimal.Decimal `json:"total_inventory_value"`
	LowStockCount       int             `json:"low_stock_count"`
	OutOfStock          int             `json:"out_of_stock"`
}

type InventoryResponse struct {
	Products []Product      `json:"products"`
	Stats    InventoryStats `json:"stats"`
}

type StockAdjustRequest struct {
	Delta int    `json:"delta"`
	Note  string `json:"note,omitempty"`
}

type PicklistItem struct {
	OrderNumber     string          `json:"order_number"`
	CustomerName    string          `json:"customer_name"`
	ProductName     string          `json:"product_name"`
	SKU             string          `json:"sku"`
	Quantity        int             `json:"quantity"`
	AWB             string          `json:"awb"`
	ShippingAddress ShippingAddress `json:"shipping_address"`
	PaymentMethod   string          `json:"payment_method"`
	OrderTotal      decimal.Decimal `json:"order_total"`
}

type Picklist struct {
	Date        string         `json:"date"`
	TotalOrders int            `json:"total_orders"`
	TotalItems  int            `json:"total_items"`
	Items       []PicklistItem `json:"picklist"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	Name        string `json:"name"`
	Role        string `json:"role"`
	IsWholesale bool   `json:"is_wholesale"`
	ExpiresAt   string `json:"expires_at"`
}

// Actor is the resolved caller identity.
type Actor struct {
	ID          string
	Name        string
	Role        string
	IsWholesale bool
}

func (a Actor) IsStaff() bool {
	return a.Role == RoleAdmin || a.Role == RoleStaff
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	ID          string
	Username    string
	Name        string
	Password    string
	Role        string
	IsWholesale bool
	Active      bool
	CreatedAt   time.Time
}

const (
	RoleAdmin    = "admin"
	RoleStaff    = "staff"
	RoleCustomer = "customer"
)

const (
	OrderStatusPending        = "pending"
	OrderStatusConfirmed      = "confirmed"
	OrderStatusProcessing     = "processing"
	OrderStatusShipped        = "shipped"
	OrderStatusOutForDelivery = "out_for_delivery"
	OrderStatusDelivered      = "delivered"
	OrderStatusCancelled      = "cancelled"
	OrderStatusReturned       = "returned"
)

const (
	ReturnStatusPending         = "pending"
	ReturnStatusApproved        = "approved"
	ReturnStatusRejected        = "rejected"
	ReturnStatusPickupScheduled = "pickup_scheduled"
	ReturnStatusPickedUp        = "picked_up"
	ReturnStatusReceived        = "received"
	ReturnStatusCompleted       = "completed"
)

const (
	ReturnTypeDefective    = "defective"
	ReturnTypeWrongItem    = "wrong_item"
	ReturnTypeNotSatisfied = "not_satisfied"
	ReturnTypeDamaged      = "damaged"
)

const (
	PaymentMethodCOD     = "cod"
	PaymentMethodOnline  = "online"
	PaymentStatusPending = "pending"
)

const (
	CancellationTypeCustomer = "customer"
	CancellationTypeAdmin    = "admin"
	CancellationTypeSystem   = "system"
	RefundStatusPending      = "pending"
)

const (
	EvidenceImage = "image"
	EvidenceVideo = "video"
)

const (
	MovementSale       = "sale"
	MovementCancel     = "cancel"
	MovementReturn     = "return"
	MovementAdjustment = "adjustment"
)
