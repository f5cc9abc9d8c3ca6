package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// Product captures the catalog fields this service reads plus the stock
// counter it owns. Everything except Stock is maintained by the catalog
// subsystem and treated as read-only here.
type Product struct {
	ID          string
	Name        string
	Description string
	SKU         string
	UnitPrice   int64
	Currency    string
	Stock       int
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order has been placed but payment has not settled.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusProcessing indicates payment settled and fulfilment can begin.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order has been shipped.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the order has been delivered to the customer.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCanceled indicates the order has been canceled and its stock released.
	OrderStatusCanceled OrderStatus = "canceled"
)

// PaymentStatus enumerates settlement states tracked alongside the order status.
type PaymentStatus string

const (
	// PaymentStatusPending indicates payment has not been captured yet.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusPaid indicates payment was captured successfully.
	PaymentStatusPaid PaymentStatus = "paid"
	// PaymentStatusFailed indicates the payment attempt failed.
	PaymentStatusFailed PaymentStatus = "failed"
	// PaymentStatusRefunded indicates the captured payment was returned.
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// PaymentMethod identifies how the customer intends to pay.
type PaymentMethod string

const (
	// PaymentMethodCard routes the order through the PSP intent flow.
	PaymentMethodCard PaymentMethod = "card"
	// PaymentMethodCashOnDelivery settles at delivery time with no PSP involvement.
	PaymentMethodCashOnDelivery PaymentMethod = "cash_on_delivery"
)

// PaymentDetails stores the payment sub-state embedded in an order.
// TransactionID is set exactly when Status is PaymentStatusPaid.
type PaymentDetails struct {
	Method        PaymentMethod
	Status        PaymentStatus
	TransactionID *string
	IntentID      *string
	Amount        int64
	Currency      string
}

// OrderItem mirrors a product at the time of checkout. UnitPrice is the
// snapshot taken when the order was created and is never re-read.
type OrderItem struct {
	ProductID string
	Name      string
	SKU       string
	Quantity  int
	UnitPrice int64
	Total     int64
}

// OrderTotals holds rolled-up monetary fields in the smallest currency unit.
type OrderTotals struct {
	Subtotal int64
	Discount int64
	Total    int64
}

// DiscountType distinguishes percentage reductions from flat amounts.
type DiscountType string

const (
	// DiscountTypePercentage reduces the subtotal by a percentage in [0,100].
	DiscountTypePercentage DiscountType = "percentage"
	// DiscountTypeFlat reduces the subtotal by a fixed amount.
	DiscountTypeFlat DiscountType = "flat"
)

// Discount describes an optional reduction applied at checkout.
// Orders store a snapshot of the discount that was applied.
type Discount struct {
	Code       string
	Type       DiscountType
	Percentage float64
	Amount     int64
	StartDate  *time.Time
	EndDate    *time.Time
}

// Address represents postal address structures shared by checkout and orders.
type Address struct {
	Recipient  string
	Line1      string
	Line2      *string
	City       string
	State      *string
	PostalCode string
	Country    string
	Phone      *string
}

// Order is the durable order aggregate.
type Order struct {
	ID              string
	OrderNumber     string
	UserID          string
	Status          OrderStatus
	Items           []OrderItem
	ShippingAddress Address
	Payment         PaymentDetails
	Totals          OrderTotals
	Discount        *Discount
	Contact         *OrderContact
	IsCanceled      bool
	CanceledAt      *time.Time
	CancelReason    *string
	Metadata        map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OrderContact stores a contact snapshot for status notifications.
type OrderContact struct {
	Email  string
	Name   string
	Locale string
}

// StockAdjustment records an administrative change to a product's stock counter.
type StockAdjustment struct {
	ProductID string
	Delta     int
	Reason    string
	ActorID   string
}

// StockEvent captures stock mutations for downstream analytics and audit.
type StockEvent struct {
	Type       string
	ProductID  string
	OrderRef   string
	Delta      int
	StockAfter int
	OccurredAt time.Time
}

// AuditLogEntry stores normalized audit information for admin review.
type AuditLogEntry struct {
	ID        string
	Actor     string
	ActorType string
	Action    string
	TargetRef string
	Severity  string
	Metadata  map[string]any
	Diff      map[string]any
	IPHash    string
	RequestID string
	UserAgent string
	CreatedAt time.Time
}

// OrderStatusNotification is published after a status transition commits.
// Delivery is best effort; the transition never rolls back on publish failure.
type OrderStatusNotification struct {
	OrderID        string
	OrderNumber    string
	RecipientEmail string
	RecipientName  string
	Locale         string
	NewStatus      OrderStatus
	OccurredAt     time.Time
}

// HealthStatus summarises the outcome of a dependency probe.
type HealthStatus string

const (
	// HealthStatusOK indicates the dependency responded normally.
	HealthStatusOK HealthStatus = "ok"
	// HealthStatusDegraded indicates the dependency responded with errors.
	HealthStatusDegraded HealthStatus = "degraded"
	// HealthStatusError indicates the dependency did not respond in time.
	HealthStatusError HealthStatus = "error"
)

// SystemHealthCheck reports the probe outcome for a single dependency.
type SystemHealthCheck struct {
	Status    HealthStatus
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      HealthStatus
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}
