package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/orderline/api/internal/domain"
	pfirestore "github.com/orderline/api/internal/platform/firestore"
	"github.com/orderline/api/internal/platform/pagination"
	"github.com/orderline/api/internal/repositories"
)

const (
	ordersCollection              = "orders"
	paymentTransactionsCollection = "paymentTransactions"
)

// OrderRepository persists order aggregates. The transactional primitives
// bundle the stock mutations that must commit together with the order
// document; Firestore transactions read everything first and write second, so
// each primitive runs a read phase followed by a write phase.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
	products *pfirestore.BaseRepository[productDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	orders := pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil)
	products := pfirestore.NewBaseRepository[productDocument](provider, productsCollection, nil, nil)
	return &OrderRepository{provider: provider, orders: orders, products: products}, nil
}

// CreateWithReservation reserves every line and inserts the order, all or
// nothing. A mid-batch shortfall aborts the transaction with no stock touched.
func (r *OrderRepository) CreateWithReservation(ctx context.Context, req repositories.OrderCreateRequest) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	order := req.Order
	if strings.TrimSpace(order.ID) == "" {
		return domain.Order{}, errors.New("order create: id is required")
	}
	if len(req.Lines) == 0 {
		return domain.Order{}, errors.New("order create: at least one line is required")
	}

	now := req.Now.UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		reads, err := r.readStockLines(ctx, tx, req.Lines)
		if err != nil {
			return err
		}
		if err := r.writeStockLines(tx, reads, now); err != nil {
			return err
		}

		orderRef, err := r.orders.DocumentRef(ctx, order.ID)
		if err != nil {
			return err
		}
		if err := tx.Create(orderRef, newOrderDocument(order)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return domain.Order{}, wrapOrderError("orders.createWithReservation", err)
	}
	return order, nil
}

// ReconcilePayment performs the webhook critical section: it claims the
// transaction id, decrements each line, recomputes the total from the stored
// unit prices, verifies it against the event amount and inserts the order.
func (r *OrderRepository) ReconcilePayment(ctx context.Context, req repositories.PaymentReconcileRequest) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	order := req.Order
	if strings.TrimSpace(order.ID) == "" {
		return domain.Order{}, errors.New("order reconcile: id is required")
	}
	if order.Payment.TransactionID == nil || strings.TrimSpace(*order.Payment.TransactionID) == "" {
		return domain.Order{}, errors.New("order reconcile: transaction id is required")
	}
	if len(req.Lines) == 0 {
		return domain.Order{}, errors.New("order reconcile: at least one line is required")
	}

	transactionID := strings.TrimSpace(*order.Payment.TransactionID)
	now := req.Now.UTC()
	// The event timestamp, when the caller supplies one, wins over the
	// reconciliation time.
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	var created domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		client, err := r.provider.Client(ctx)
		if err != nil {
			return err
		}
		markerRef := client.Collection(paymentTransactionsCollection).Doc(transactionID)
		if _, err := tx.Get(markerRef); err == nil {
			return repositories.NewOrderError(repositories.OrderErrorDuplicateTransaction, fmt.Sprintf("transaction %s already reconciled", transactionID), nil)
		} else if status.Code(err) != codes.NotFound {
			return err
		}

		reads, err := r.readStockLines(ctx, tx, req.Lines)
		if err != nil {
			return err
		}

		items := make([]domain.OrderItem, 0, len(reads))
		var total int64
		for _, read := range reads {
			items = append(items, domain.OrderItem{
				ProductID: read.productID,
				Name:      strings.TrimSpace(read.doc.Name),
				SKU:       strings.TrimSpace(read.doc.SKU),
				Quantity:  read.quantity,
				UnitPrice: read.doc.UnitPrice,
				Total:     read.doc.UnitPrice * int64(read.quantity),
			})
			total += read.doc.UnitPrice * int64(read.quantity)
		}
		if total != req.ExpectedAmount {
			return repositories.NewOrderError(repositories.OrderErrorAmountMismatch, fmt.Sprintf("computed total %d does not match paid amount %d", total, req.ExpectedAmount), nil)
		}

		if err := r.writeStockLines(tx, reads, now); err != nil {
			return err
		}

		order.Items = items
		order.Totals = domain.OrderTotals{Subtotal: total, Total: total}
		order.Payment.Amount = total

		orderRef, err := r.orders.DocumentRef(ctx, order.ID)
		if err != nil {
			return err
		}
		if err := tx.Create(orderRef, newOrderDocument(order)); err != nil {
			return err
		}
		if err := tx.Create(markerRef, paymentTransactionDocument{
			OrderRef:  order.ID,
			CreatedAt: now,
		}); err != nil {
			if status.Code(err) == codes.AlreadyExists {
				return repositories.NewOrderError(repositories.OrderErrorDuplicateTransaction, fmt.Sprintf("transaction %s already reconciled", transactionID), err)
			}
			return err
		}
		created = order
		return nil
	})
	if err != nil {
		return domain.Order{}, wrapOrderError("orders.reconcilePayment", err)
	}
	return created, nil
}

// CancelWithRelease re-checks the current status under the transaction,
// restores the stock for every line item and flips the order to canceled.
// Concurrent cancels therefore release stock at most once.
func (r *OrderRepository) CancelWithRelease(ctx context.Context, req repositories.OrderCancelRequest) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order cancel: id is required")
	}

	now := req.Now.UTC()
	var canceled domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(orderRef)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", orderID, err)
		}

		current := domain.OrderStatus(doc.Status)
		if current == domain.OrderStatusCanceled || doc.IsCanceled {
			return repositories.NewOrderError(repositories.OrderErrorAlreadyCanceled, fmt.Sprintf("order %s is already canceled", orderID), nil)
		}
		for _, forbidden := range req.Forbidden {
			if current == forbidden {
				return repositories.NewOrderError(repositories.OrderErrorStatusForbidden, fmt.Sprintf("order %s cannot be canceled in status %s", orderID, current), nil)
			}
		}

		lines := make([]repositories.ReservationLine, 0, len(doc.Items))
		for _, item := range doc.Items {
			lines = append(lines, repositories.ReservationLine{ProductID: item.ProductID, Quantity: item.Quantity})
		}
		reads, err := r.readStockLines(ctx, tx, negateLines(lines))
		if err != nil {
			return err
		}
		if err := r.writeStockLines(tx, reads, now); err != nil {
			return err
		}

		doc.Status = string(domain.OrderStatusCanceled)
		doc.IsCanceled = true
		doc.CanceledAt = &now
		if reason := strings.TrimSpace(req.Reason); reason != "" {
			doc.CancelReason = &reason
		}
		doc.UpdatedAt = now
		if err := tx.Set(orderRef, doc); err != nil {
			return err
		}
		canceled = doc.toDomain(orderID)
		return nil
	})
	if err != nil {
		return domain.Order{}, wrapOrderError("orders.cancelWithRelease", err)
	}
	return canceled, nil
}

// Update replaces the order document after re-reading it under a transaction.
// A canceled order is never overwritten, and when the caller states the status
// it read the write fails if the stored status moved in between.
func (r *OrderRepository) Update(ctx context.Context, req repositories.OrderUpdateRequest) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	order := req.Order
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order update: id is required")
	}
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.DocumentRef(ctx, order.ID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(orderRef)
		if err != nil {
			return err
		}
		var current orderDocument
		if err := snap.DataTo(&current); err != nil {
			return fmt.Errorf("decode order %s: %w", order.ID, err)
		}
		if current.IsCanceled || domain.OrderStatus(current.Status) == domain.OrderStatusCanceled {
			return repositories.NewOrderError(repositories.OrderErrorAlreadyCanceled, fmt.Sprintf("order %s is already canceled", order.ID), nil)
		}
		if req.ExpectedStatus != "" && domain.OrderStatus(current.Status) != req.ExpectedStatus {
			return repositories.NewOrderError(repositories.OrderErrorStatusConflict, fmt.Sprintf("order %s moved from %s to %s concurrently", order.ID, req.ExpectedStatus, current.Status), nil)
		}
		return tx.Set(orderRef, newOrderDocument(order))
	})
	if err != nil {
		return wrapOrderError("orders.update", err)
	}
	return nil
}

// FindByID loads a single order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, errors.New("order find: id is required")
	}
	doc, err := r.orders.Get(ctx, id)
	if err != nil {
		return domain.Order{}, wrapOrderError("orders.findById", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByTransactionID supports the webhook idempotency check.
func (r *OrderRepository) FindByTransactionID(ctx context.Context, transactionID string) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	txnID := strings.TrimSpace(transactionID)
	if txnID == "" {
		return domain.Order{}, errors.New("order find: transaction id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Order{}, wrapOrderError("orders.findByTransactionId", err)
	}

	iter := client.Collection(ordersCollection).
		Where("payment.transactionId", "==", txnID).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return domain.Order{}, pfirestore.WrapError("orders.findByTransactionId", status.Errorf(codes.NotFound, "order for transaction %s not found", txnID))
	}
	if err != nil {
		return domain.Order{}, wrapOrderError("orders.findByTransactionId", err)
	}
	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
	}
	return doc.toDomain(snap.Ref.ID), nil
}

// List returns orders matching the filter, newest first.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
	}

	query := client.Collection(ordersCollection).Query
	if userID := strings.TrimSpace(filter.UserID); userID != "" {
		query = query.Where("userId", "==", userID)
	}
	if len(filter.Status) > 0 {
		query = query.Where("status", "in", filter.Status)
	}
	if filter.DateRange.From != nil {
		query = query.Where("createdAt", ">=", filter.DateRange.From.UTC())
	}
	if filter.DateRange.To != nil {
		query = query.Where("createdAt", "<=", filter.DateRange.To.UTC())
	}
	query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Asc).Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		decoded, err := decodeOrderPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
		}
		query = query.StartAfter(decoded.CreatedAt, decoded.ID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		orders = append(orders, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(orders) > pageSize
	if hasMore {
		orders = orders[:pageSize]
	}
	var nextToken string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		encoded, err := encodeOrderPageToken(orderPageToken{ID: last.ID, CreatedAt: last.CreatedAt})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Order]{Items: orders, NextPageToken: nextToken}, nil
}

// Delete removes the order document without compensating stock. The payment
// transaction marker is kept so a redelivered webhook cannot resurrect the
// order.
func (r *OrderRepository) Delete(ctx context.Context, orderID string) error {
	if r == nil || r.orders == nil {
		return errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return errors.New("order delete: id is required")
	}
	ref, err := r.orders.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx, firestore.Exists); err != nil {
		return wrapOrderError("orders.delete", err)
	}
	return nil
}

// Transactional helpers -----------------------------------------------------

type stockLineRead struct {
	ref       *firestore.DocumentRef
	doc       productDocument
	productID string
	quantity  int
	next      int
}

// readStockLines performs the read half of a batch mutation: it loads every
// product and verifies the counter stays non-negative after the delta. A
// positive quantity reserves, a negative one releases.
func (r *OrderRepository) readStockLines(ctx context.Context, tx *firestore.Transaction, lines []repositories.ReservationLine) ([]stockLineRead, error) {
	reads := make([]stockLineRead, 0, len(lines))
	for _, line := range lines {
		productID := strings.TrimSpace(line.ProductID)
		if productID == "" {
			return nil, repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, "order: product id is required", nil)
		}
		if line.Quantity == 0 {
			return nil, repositories.NewInventoryError(repositories.InventoryErrorUnknown, fmt.Sprintf("order: quantity for %s must not be zero", productID), nil)
		}

		ref, err := r.products.DocumentRef(ctx, productID)
		if err != nil {
			return nil, err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return nil, repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, fmt.Sprintf("stock for %s not found", productID), err)
			}
			return nil, err
		}
		var doc productDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode product %s: %w", productID, err)
		}

		next := doc.Stock - line.Quantity
		if next < 0 {
			name := strings.TrimSpace(doc.Name)
			if name == "" {
				name = productID
			}
			return nil, repositories.NewInventoryError(repositories.InventoryErrorInsufficientStock, fmt.Sprintf("insufficient stock for %s", name), nil)
		}
		reads = append(reads, stockLineRead{
			ref:       ref,
			doc:       doc,
			productID: productID,
			quantity:  absQuantity(line.Quantity),
			next:      next,
		})
	}
	return reads, nil
}

// writeStockLines performs the write half of a batch mutation.
func (r *OrderRepository) writeStockLines(tx *firestore.Transaction, reads []stockLineRead, now time.Time) error {
	for _, read := range reads {
		if err := tx.Update(read.ref, []firestore.Update{
			{Path: "stock", Value: read.next},
			{Path: "updatedAt", Value: now},
		}); err != nil {
			return err
		}
	}
	return nil
}

func negateLines(lines []repositories.ReservationLine) []repositories.ReservationLine {
	negated := make([]repositories.ReservationLine, len(lines))
	for i, line := range lines {
		negated[i] = repositories.ReservationLine{ProductID: line.ProductID, Quantity: -line.Quantity}
	}
	return negated
}

func absQuantity(qty int) int {
	if qty < 0 {
		return -qty
	}
	return qty
}

// Document codecs -----------------------------------------------------------

type orderDocument struct {
	OrderNumber     string                 `firestore:"orderNumber"`
	UserID          string                 `firestore:"userId"`
	Status          string                 `firestore:"status"`
	Items           []orderItemDocument    `firestore:"items"`
	ShippingAddress addressDocument        `firestore:"shippingAddress"`
	Payment         paymentDocument        `firestore:"payment"`
	Totals          orderTotalsDocument    `firestore:"totals"`
	Discount        *discountDocument      `firestore:"discount,omitempty"`
	Contact         *orderContactDocument  `firestore:"contact,omitempty"`
	IsCanceled      bool                   `firestore:"isCanceled"`
	CanceledAt      *time.Time             `firestore:"canceledAt,omitempty"`
	CancelReason    *string                `firestore:"cancelReason,omitempty"`
	Metadata        map[string]any         `firestore:"metadata,omitempty"`
	CreatedAt       time.Time              `firestore:"createdAt"`
	UpdatedAt       time.Time              `firestore:"updatedAt"`
}

type orderItemDocument struct {
	ProductID string `firestore:"productId"`
	Name      string `firestore:"name"`
	SKU       string `firestore:"sku,omitempty"`
	Quantity  int    `firestore:"qty"`
	UnitPrice int64  `firestore:"unitPrice"`
	Total     int64  `firestore:"total"`
}

type addressDocument struct {
	Recipient  string  `firestore:"recipient"`
	Line1      string  `firestore:"line1"`
	Line2      *string `firestore:"line2,omitempty"`
	City       string  `firestore:"city"`
	State      *string `firestore:"state,omitempty"`
	PostalCode string  `firestore:"postalCode"`
	Country    string  `firestore:"country"`
	Phone      *string `firestore:"phone,omitempty"`
}

type paymentDocument struct {
	Method        string  `firestore:"method"`
	Status        string  `firestore:"status"`
	TransactionID *string `firestore:"transactionId,omitempty"`
	IntentID      *string `firestore:"intentId,omitempty"`
	Amount        int64   `firestore:"amount"`
	Currency      string  `firestore:"currency"`
}

type orderTotalsDocument struct {
	Subtotal int64 `firestore:"subtotal"`
	Discount int64 `firestore:"discount"`
	Total    int64 `firestore:"total"`
}

type discountDocument struct {
	Code       string     `firestore:"code,omitempty"`
	Type       string     `firestore:"type"`
	Percentage float64    `firestore:"percentage,omitempty"`
	Amount     int64      `firestore:"amount,omitempty"`
	StartDate  *time.Time `firestore:"startDate,omitempty"`
	EndDate    *time.Time `firestore:"endDate,omitempty"`
}

type orderContactDocument struct {
	Email  string `firestore:"email"`
	Name   string `firestore:"name,omitempty"`
	Locale string `firestore:"locale,omitempty"`
}

type paymentTransactionDocument struct {
	OrderRef  string    `firestore:"orderRef"`
	CreatedAt time.Time `firestore:"createdAt"`
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]orderItemDocument, len(order.Items))
	for i, item := range order.Items {
		items[i] = orderItemDocument{
			ProductID: strings.TrimSpace(item.ProductID),
			Name:      strings.TrimSpace(item.Name),
			SKU:       strings.TrimSpace(item.SKU),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Total:     item.Total,
		}
	}
	doc := orderDocument{
		OrderNumber: strings.TrimSpace(order.OrderNumber),
		UserID:      strings.TrimSpace(order.UserID),
		Status:      string(order.Status),
		Items:       items,
		ShippingAddress: addressDocument{
			Recipient:  order.ShippingAddress.Recipient,
			Line1:      order.ShippingAddress.Line1,
			Line2:      order.ShippingAddress.Line2,
			City:       order.ShippingAddress.City,
			State:      order.ShippingAddress.State,
			PostalCode: order.ShippingAddress.PostalCode,
			Country:    order.ShippingAddress.Country,
			Phone:      order.ShippingAddress.Phone,
		},
		Payment: paymentDocument{
			Method:        string(order.Payment.Method),
			Status:        string(order.Payment.Status),
			TransactionID: order.Payment.TransactionID,
			IntentID:      order.Payment.IntentID,
			Amount:        order.Payment.Amount,
			Currency:      strings.ToUpper(strings.TrimSpace(order.Payment.Currency)),
		},
		Totals: orderTotalsDocument{
			Subtotal: order.Totals.Subtotal,
			Discount: order.Totals.Discount,
			Total:    order.Totals.Total,
		},
		IsCanceled:   order.IsCanceled,
		CanceledAt:   order.CanceledAt,
		CancelReason: order.CancelReason,
		Metadata:     order.Metadata,
		CreatedAt:    order.CreatedAt.UTC(),
		UpdatedAt:    order.UpdatedAt.UTC(),
	}
	if order.Discount != nil {
		doc.Discount = &discountDocument{
			Code:       strings.TrimSpace(order.Discount.Code),
			Type:       string(order.Discount.Type),
			Percentage: order.Discount.Percentage,
			Amount:     order.Discount.Amount,
			StartDate:  order.Discount.StartDate,
			EndDate:    order.Discount.EndDate,
		}
	}
	if order.Contact != nil {
		doc.Contact = &orderContactDocument{
			Email:  strings.TrimSpace(order.Contact.Email),
			Name:   strings.TrimSpace(order.Contact.Name),
			Locale: strings.TrimSpace(order.Contact.Locale),
		}
	}
	return doc
}

func (d orderDocument) toDomain(id string) domain.Order {
	items := make([]domain.OrderItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.OrderItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			SKU:       item.SKU,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Total:     item.Total,
		}
	}
	order := domain.Order{
		ID:          id,
		OrderNumber: d.OrderNumber,
		UserID:      d.UserID,
		Status:      domain.OrderStatus(d.Status),
		Items:       items,
		ShippingAddress: domain.Address{
			Recipient:  d.ShippingAddress.Recipient,
			Line1:      d.ShippingAddress.Line1,
			Line2:      d.ShippingAddress.Line2,
			City:       d.ShippingAddress.City,
			State:      d.ShippingAddress.State,
			PostalCode: d.ShippingAddress.PostalCode,
			Country:    d.ShippingAddress.Country,
			Phone:      d.ShippingAddress.Phone,
		},
		Payment: domain.PaymentDetails{
			Method:        domain.PaymentMethod(d.Payment.Method),
			Status:        domain.PaymentStatus(d.Payment.Status),
			TransactionID: d.Payment.TransactionID,
			IntentID:      d.Payment.IntentID,
			Amount:        d.Payment.Amount,
			Currency:      d.Payment.Currency,
		},
		Totals: domain.OrderTotals{
			Subtotal: d.Totals.Subtotal,
			Discount: d.Totals.Discount,
			Total:    d.Totals.Total,
		},
		IsCanceled:   d.IsCanceled,
		CanceledAt:   d.CanceledAt,
		CancelReason: d.CancelReason,
		Metadata:     d.Metadata,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
	if d.Discount != nil {
		order.Discount = &domain.Discount{
			Code:       d.Discount.Code,
			Type:       domain.DiscountType(d.Discount.Type),
			Percentage: d.Discount.Percentage,
			Amount:     d.Discount.Amount,
			StartDate:  d.Discount.StartDate,
			EndDate:    d.Discount.EndDate,
		}
	}
	if d.Contact != nil {
		order.Contact = &domain.OrderContact{Email: d.Contact.Email, Name: d.Contact.Name, Locale: d.Contact.Locale}
	}
	return order
}

type orderPageToken struct {
	ID        string
	CreatedAt time.Time
}

func encodeOrderPageToken(token orderPageToken) (string, error) {
	return pagination.EncodeToken(pagination.Cursor{
		StartAfter: []any{token.CreatedAt.UTC().Format(time.RFC3339Nano), token.ID},
	})
}

func decodeOrderPageToken(encoded string) (*orderPageToken, error) {
	cursor, err := pagination.DecodeToken(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode order page token: %w", err)
	}
	if len(cursor.StartAfter) != 2 {
		return nil, fmt.Errorf("decode order page token: %w", pagination.ErrInvalidPageToken)
	}
	rawCreated, ok := cursor.StartAfter[0].(string)
	if !ok {
		return nil, fmt.Errorf("decode order page token: %w", pagination.ErrInvalidPageToken)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, rawCreated)
	if err != nil {
		return nil, fmt.Errorf("decode order page token: %w", pagination.ErrInvalidPageToken)
	}
	id, ok := cursor.StartAfter[1].(string)
	if !ok || strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("decode order page token: %w", pagination.ErrInvalidPageToken)
	}
	return &orderPageToken{ID: id, CreatedAt: createdAt}, nil
}

func wrapOrderError(op string, err error) error {
	if err == nil {
		return nil
	}
	var orderErr *repositories.OrderError
	if errors.As(err, &orderErr) {
		if orderErr.Op == "" {
			orderErr.Op = op
		}
		return orderErr
	}
	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		if invErr.Op == "" {
			invErr.Op = op
		}
		return invErr
	}
	return pfirestore.WrapError(op, err)
}
