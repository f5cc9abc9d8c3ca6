package services

import (
	"context"
	"time"

	domain "github.com/orderline/api/internal/domain"
)

// Type aliases let handlers depend on the services package without importing domain directly.
type (
	// Pagination re-exports the shared pagination input.
	Pagination = domain.Pagination
	// DateRange re-exports the shared time range filter.
	DateRange = domain.RangeQuery[time.Time]
	// Product re-exports the catalog product aggregate.
	Product = domain.Product
	// Order re-exports the order aggregate.
	Order = domain.Order
	// OrderStatus re-exports the order lifecycle status.
	OrderStatus = domain.OrderStatus
	// OrderItem re-exports the priced order line.
	OrderItem = domain.OrderItem
	// OrderContact re-exports the notification contact attached to an order.
	OrderContact = domain.OrderContact
	// Address re-exports the postal address value object.
	Address = domain.Address
	// Discount re-exports the discount value object.
	Discount = domain.Discount
	// PaymentDetails re-exports the payment summary stored on an order.
	PaymentDetails = domain.PaymentDetails
	// StockEvent re-exports the inventory ledger event.
	StockEvent = domain.StockEvent
	// AuditLogEntry re-exports the immutable audit record.
	AuditLogEntry = domain.AuditLogEntry
	// SystemHealthReport re-exports the aggregated dependency health report.
	SystemHealthReport = domain.SystemHealthReport
	// OrderStatusNotification re-exports the payload sent to the mail worker.
	OrderStatusNotification = domain.OrderStatusNotification
)

// CheckoutItemInput identifies one cart line submitted to checkout.
type CheckoutItemInput struct {
	ProductID string
	Quantity  int
}

// CheckoutCommand carries everything required to place an order.
type CheckoutCommand struct {
	UserID          string
	Items           []CheckoutItemInput
	ShippingAddress Address
	PaymentMethod   string
	Discount        *Discount
	Contact         *OrderContact
	Metadata        map[string]string
	RequestID       string
}

// CheckoutResult is returned after an order has been placed and stock reserved.
type CheckoutResult struct {
	Order        Order
	ClientSecret string
	RedirectURL  string
}

// CheckoutService places orders: it validates the cart, prices it, reserves
// stock and persists the order atomically.
type CheckoutService interface {
	Checkout(ctx context.Context, cmd CheckoutCommand) (CheckoutResult, error)
}

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	UserID     string
	Status     []string
	DateRange  DateRange
	Pagination Pagination
}

// OrderStatusUpdateCommand advances an order along the lifecycle state machine.
type OrderStatusUpdateCommand struct {
	OrderID       string
	NextStatus    string
	PaymentStatus string
	Actor         string
	Reason        string
	RequestID     string
}

// CancelOrderCommand cancels an order and releases its reserved stock.
type CancelOrderCommand struct {
	OrderID   string
	Actor     string
	Reason    string
	RequestID string
}

// ShippingAddressPatch carries the fields a caller wants to change. Nil fields
// are left untouched.
type ShippingAddressPatch struct {
	Recipient  *string
	Line1      *string
	Line2      *string
	City       *string
	State      *string
	PostalCode *string
	Country    *string
	Phone      *string
}

// UpdateShippingAddressCommand rewrites the shipping address on a young order.
type UpdateShippingAddressCommand struct {
	OrderID   string
	Actor     string
	Patch     ShippingAddressPatch
	RequestID string
}

// DeleteOrderCommand removes an order record outright.
type DeleteOrderCommand struct {
	OrderID   string
	Actor     string
	RequestID string
}

// OrderService exposes order retrieval and lifecycle mutations.
type OrderService interface {
	GetOrder(ctx context.Context, userID, orderID string) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	UpdateStatus(ctx context.Context, cmd OrderStatusUpdateCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	UpdateShippingAddress(ctx context.Context, cmd UpdateShippingAddressCommand) (Order, error)
	Delete(ctx context.Context, cmd DeleteOrderCommand) error
}

// PaymentItemInput identifies one purchased line reported by the payment provider.
type PaymentItemInput struct {
	ProductID string
	Quantity  int
}

// PaymentSucceededCommand is the normalised payload of a successful payment
// webhook after signature verification.
type PaymentSucceededCommand struct {
	TransactionID   string
	UserID          string
	Items           []PaymentItemInput
	AmountPaid      int64
	Currency        string
	PaymentMethod   string
	ShippingAddress Address
	Contact         *OrderContact
	Metadata        map[string]string
	RequestID       string
	OccurredAt      time.Time
}

// PaymentReconcileResult reports the order that now records the transaction.
// Duplicate is true when the transaction had already been applied and no new
// order was created.
type PaymentReconcileResult struct {
	Order     Order
	Duplicate bool
}

// PaymentService reconciles provider payment notifications into orders
// exactly once per transaction.
type PaymentService interface {
	HandlePaymentSucceeded(ctx context.Context, cmd PaymentSucceededCommand) (PaymentReconcileResult, error)
}

// StockAdjustCommand applies a manual stock correction.
type StockAdjustCommand struct {
	ProductID string
	Delta     int
	Reason    string
	Actor     string
	RequestID string
}

// StockLevel reports the stock counter after a read or mutation.
type StockLevel struct {
	ProductID string
	Stock     int
}

// StockReserveCommand reserves or releases stock outside the order flow, for
// operational corrections tied to an external reference.
type StockReserveCommand struct {
	ProductID string
	Quantity  int
	OrderRef  string
	Actor     string
	RequestID string
}

// InventoryService exposes stock reads and administrative corrections.
type InventoryService interface {
	GetStock(ctx context.Context, productID string) (StockLevel, error)
	GetProduct(ctx context.Context, productID string) (Product, error)
	AdjustStock(ctx context.Context, cmd StockAdjustCommand) (StockLevel, error)
	Reserve(ctx context.Context, cmd StockReserveCommand) (StockLevel, error)
	Release(ctx context.Context, cmd StockReserveCommand) (StockLevel, error)
}

// AuditLogDiff captures the before and after values of a mutated field.
type AuditLogDiff struct {
	Before any
	After  any
}

// AuditLogRecord is the write-side input for the audit trail.
type AuditLogRecord struct {
	Actor                 string
	ActorType             string
	Action                string
	TargetRef             string
	Severity              string
	Metadata              map[string]any
	Diff                  map[string]AuditLogDiff
	SensitiveMetadataKeys []string
	SensitiveDiffKeys     []string
	IPAddress             string
	RequestID             string
	UserAgent             string
	OccurredAt            time.Time
}

// AuditLogFilter narrows audit log listings.
type AuditLogFilter struct {
	Actor      string
	ActorType  string
	Action     string
	TargetRef  string
	DateRange  DateRange
	Pagination Pagination
}

// AuditLogService records and lists audit trail entries. Record never fails
// the caller; persistence errors are logged and swallowed.
type AuditLogService interface {
	Record(ctx context.Context, record AuditLogRecord)
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error)
}

// NotificationPublisher hands order status notifications to the async mail
// pipeline. Implementations must not block order mutations on delivery.
type NotificationPublisher interface {
	PublishOrderNotification(ctx context.Context, msg OrderNotificationMessage) (string, error)
}

// OrderNotificationMessage is the queue payload consumed by the mail worker.
type OrderNotificationMessage struct {
	OrderID        string    `json:"orderId"`
	OrderNumber    string    `json:"orderNumber"`
	UserID         string    `json:"userId"`
	RecipientEmail string    `json:"recipientEmail,omitempty"`
	RecipientName  string    `json:"recipientName,omitempty"`
	Locale         string    `json:"locale,omitempty"`
	Event          string    `json:"event"`
	NewStatus      string    `json:"newStatus"`
	OccurredAt     time.Time `json:"occurredAt"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
}

// CounterGenerationOptions controls increment size and rendering of counter values.
type CounterGenerationOptions struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
	Prefix       string
	Suffix       string
	PadLength    int
	Formatter    func(now time.Time, value int64) string
}

// CounterValue is a generated sequence value with its display form.
type CounterValue struct {
	Value     int64
	Formatted string
}

// CounterService issues monotonically increasing sequence values.
type CounterService interface {
	Next(ctx context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error)
	NextOrderNumber(ctx context.Context) (string, error)
}

// CounterCommand requests the next value for an opaque scope:name counter id.
type CounterCommand struct {
	CounterID string
	Step      int64
}

// SystemService aggregates operational utilities behind the admin surface.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
	ListAuditLogs(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error)
	NextCounterValue(ctx context.Context, cmd CounterCommand) (int64, error)
}
