package repositories

import (
	"context"
	"time"

	domain "github.com/orderline/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Products() ProductRepository
	Inventory() InventoryRepository
	Orders() OrderRepository
	AuditLogs() AuditLogRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ProductRepository reads catalog products. The stock counter is the only
// field this subsystem writes, and only through InventoryRepository or the
// transactional order primitives.
type ProductRepository interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	// FindByIDs resolves every id or fails; results preserve input order.
	FindByIDs(ctx context.Context, productIDs []string) ([]domain.Product, error)
}

// ReservationLine names one product and the quantity to reserve or release.
type ReservationLine struct {
	ProductID string
	Quantity  int
}

// InventoryRepository mutates per-product stock counters. Every mutation is a
// conditional write executed inside a storage transaction, never a read
// followed by a blind write.
type InventoryRepository interface {
	// Reserve decrements stock for a single product when enough is available.
	Reserve(ctx context.Context, req StockReserveRequest) (StockMutationResult, error)
	// Release restores previously reserved stock.
	Release(ctx context.Context, req StockReleaseRequest) (StockMutationResult, error)
	// Adjust applies an administrative delta; the resulting stock must stay non-negative.
	Adjust(ctx context.Context, req StockAdjustRequest) (StockMutationResult, error)
	GetStock(ctx context.Context, productID string) (domain.Product, error)
}

// StockReserveRequest decrements one product's counter on behalf of an order.
type StockReserveRequest struct {
	Line     ReservationLine
	OrderRef string
	Now      time.Time
}

// StockReleaseRequest restores one product's counter on behalf of an order.
type StockReleaseRequest struct {
	Line     ReservationLine
	OrderRef string
	Now      time.Time
}

// StockAdjustRequest applies an administrative stock delta.
type StockAdjustRequest struct {
	Adjustment domain.StockAdjustment
	Now        time.Time
}

// StockMutationResult reports the counter value after a committed mutation.
type StockMutationResult struct {
	ProductID  string
	StockAfter int
	Event      domain.StockEvent
}

// OrderCreateRequest carries a fully priced order plus the stock lines that
// must be reserved atomically with its insertion.
type OrderCreateRequest struct {
	Order domain.Order
	Lines []ReservationLine
	Now   time.Time
}

// PaymentReconcileRequest describes the transactional work for a verified
// payment-succeeded event: decrement each line, recompute the total from the
// stored unit prices, verify it against ExpectedAmount and insert the order.
type PaymentReconcileRequest struct {
	Order          domain.Order
	Lines          []ReservationLine
	ExpectedAmount int64
	Now            time.Time
}

// OrderCancelRequest flips an order to canceled and releases its stock in one
// transaction. The repository re-checks the current status so concurrent
// cancels release stock at most once.
type OrderCancelRequest struct {
	OrderID   string
	Reason    string
	Forbidden []domain.OrderStatus
	Now       time.Time
}

// OrderUpdateRequest replaces an order document. ExpectedStatus carries the
// status the caller read before mutating; the write is refused when the
// stored status has moved since.
type OrderUpdateRequest struct {
	Order          domain.Order
	ExpectedStatus domain.OrderStatus
}

// OrderRepository persists order aggregates. The Create/Reconcile/Cancel
// primitives bundle the stock mutations that must commit with the order in a
// single transaction.
type OrderRepository interface {
	// CreateWithReservation reserves every line and inserts the order, all or nothing.
	CreateWithReservation(ctx context.Context, req OrderCreateRequest) (domain.Order, error)
	// ReconcilePayment performs the webhook critical section described on PaymentReconcileRequest.
	ReconcilePayment(ctx context.Context, req PaymentReconcileRequest) (domain.Order, error)
	// CancelWithRelease performs the compensating release plus the status flip.
	CancelWithRelease(ctx context.Context, req OrderCancelRequest) (domain.Order, error)
	// Update replaces the document after re-checking the stored status against
	// ExpectedStatus, so a write racing a cancel fails instead of overwriting it.
	Update(ctx context.Context, req OrderUpdateRequest) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// FindByTransactionID supports idempotent webhook processing.
	FindByTransactionID(ctx context.Context, transactionID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	// Delete removes the document without compensating stock.
	Delete(ctx context.Context, orderID string) error
}

// AuditLogRepository persists immutable audit trail entries.
type AuditLogRepository interface {
	Append(ctx context.Context, entry domain.AuditLogEntry) error
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// CounterConfig bounds a counter sequence.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

type OrderListFilter struct {
	UserID     string
	Status     []string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

type AuditLogFilter struct {
	Actor      string
	ActorType  string
	Action     string
	TargetRef  string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}
