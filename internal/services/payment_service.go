package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/orderline/api/internal/domain"
	"github.com/orderline/api/internal/repositories"
)

const (
	paymentAuditAction = "order.payment_reconciled"
	orderPaidEvent     = "order.paid"
)

var (
	// ErrPaymentInvalidPayload indicates the webhook payload failed schema validation.
	ErrPaymentInvalidPayload = errors.New("payment: invalid payload")
	// ErrPaymentAmountMismatch indicates the paid amount does not match the priced items.
	ErrPaymentAmountMismatch = errors.New("payment: amount mismatch")
	// ErrPaymentProductNotFound indicates a reported product does not exist.
	ErrPaymentProductNotFound = errors.New("payment: product not found")
	// ErrPaymentInsufficientStock indicates stock ran out between payment and reconciliation.
	ErrPaymentInsufficientStock = errors.New("payment: insufficient stock")
)

// PaymentLogger defines the logging contract for payment reconciliation.
type PaymentLogger func(ctx context.Context, event string, fields map[string]any)

// PaymentServiceDeps bundles collaborators required to construct the payment service.
type PaymentServiceDeps struct {
	Orders        repositories.OrderRepository
	Counters      CounterService
	Audit         AuditLogService
	Notifications NotificationPublisher
	Currency      string
	IDGenerator   func() string
	Clock         func() time.Time
	Logger        PaymentLogger
}

type paymentService struct {
	orders        repositories.OrderRepository
	counters      CounterService
	audit         AuditLogService
	notifications NotificationPublisher
	currency      string
	idGen         func() string
	clock         func() time.Time
	logger        PaymentLogger
}

// NewPaymentService wires webhook-driven payment reconciliation.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment service: order repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("payment service: counter service is required")
	}

	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultCheckoutCurrency
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return orderIDPrefix + ulid.Make().String()
		}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &paymentService{
		orders:        deps.Orders,
		counters:      deps.Counters,
		audit:         deps.Audit,
		notifications: deps.Notifications,
		currency:      currency,
		idGen:         idGen,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// HandlePaymentSucceeded turns a verified payment notification into an order
// exactly once. Replays of an already-applied transaction return the existing
// order with Duplicate set; stock is never decremented twice.
func (s *paymentService) HandlePaymentSucceeded(ctx context.Context, cmd PaymentSucceededCommand) (PaymentReconcileResult, error) {
	if s == nil || s.orders == nil {
		return PaymentReconcileResult{}, errors.New("payment service not initialised")
	}

	transactionID := strings.TrimSpace(cmd.TransactionID)
	lines, err := validatePaymentCommand(transactionID, cmd)
	if err != nil {
		return PaymentReconcileResult{}, err
	}

	// Cheap replay check before opening the transaction. The transactional
	// marker inside ReconcilePayment remains the authoritative guard.
	existing, err := s.orders.FindByTransactionID(ctx, transactionID)
	if err == nil {
		s.logger(ctx, "payment.webhook.duplicate", map[string]any{
			"transactionId": transactionID,
			"orderId":       existing.ID,
		})
		return PaymentReconcileResult{Order: existing, Duplicate: true}, nil
	}
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
		return PaymentReconcileResult{}, err
	}

	orderNumber, err := s.counters.NextOrderNumber(ctx)
	if err != nil {
		return PaymentReconcileResult{}, fmt.Errorf("payment: allocate order number: %w", err)
	}

	now := s.clock()
	createdAt := now
	if !cmd.OccurredAt.IsZero() {
		createdAt = cmd.OccurredAt.UTC()
	}

	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		currency = s.currency
	}

	method := domain.PaymentMethodCard
	if m := strings.ToLower(strings.TrimSpace(cmd.PaymentMethod)); m != "" {
		method = domain.PaymentMethod(m)
	}

	order := domain.Order{
		ID:              s.idGen(),
		OrderNumber:     orderNumber,
		UserID:          strings.TrimSpace(cmd.UserID),
		Status:          domain.OrderStatusProcessing,
		ShippingAddress: cmd.ShippingAddress,
		Payment: domain.PaymentDetails{
			Method:        method,
			Status:        domain.PaymentStatusPaid,
			TransactionID: valuePtr(transactionID),
			Amount:        cmd.AmountPaid,
			Currency:      currency,
		},
		Contact:   cloneContact(cmd.Contact),
		Metadata:  metadataFromStrings(cmd.Metadata),
		CreatedAt: createdAt,
		UpdatedAt: now,
	}

	created, err := s.orders.ReconcilePayment(ctx, repositories.PaymentReconcileRequest{
		Order:          order,
		Lines:          lines,
		ExpectedAmount: cmd.AmountPaid,
		Now:            now,
	})
	if err != nil {
		return s.translateReconcileError(ctx, transactionID, err)
	}

	s.logger(ctx, "payment.webhook.reconciled", map[string]any{
		"transactionId": transactionID,
		"orderId":       created.ID,
		"orderNumber":   created.OrderNumber,
		"amount":        created.Totals.Total,
	})

	s.recordPaymentAudit(ctx, cmd, created)
	s.publishOrderPaid(ctx, created, now)

	return PaymentReconcileResult{Order: created}, nil
}

// translateReconcileError maps the transactional failure modes. A duplicate
// transaction detected inside the critical section means another delivery of
// the same event won the race; it resolves to the order that delivery created.
func (s *paymentService) translateReconcileError(ctx context.Context, transactionID string, err error) (PaymentReconcileResult, error) {
	var orderErr *repositories.OrderError
	if errors.As(err, &orderErr) {
		switch orderErr.Code {
		case repositories.OrderErrorDuplicateTransaction:
			existing, lookupErr := s.orders.FindByTransactionID(ctx, transactionID)
			if lookupErr != nil {
				return PaymentReconcileResult{}, fmt.Errorf("payment: duplicate transaction %s: %w", transactionID, lookupErr)
			}
			s.logger(ctx, "payment.webhook.duplicate", map[string]any{
				"transactionId": transactionID,
				"orderId":       existing.ID,
			})
			return PaymentReconcileResult{Order: existing, Duplicate: true}, nil
		case repositories.OrderErrorAmountMismatch:
			return PaymentReconcileResult{}, fmt.Errorf("%w: %s", ErrPaymentAmountMismatch, orderErr.Message)
		}
	}

	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		switch invErr.Code {
		case repositories.InventoryErrorInsufficientStock:
			return PaymentReconcileResult{}, fmt.Errorf("%w: %s", ErrPaymentInsufficientStock, invErr.Message)
		case repositories.InventoryErrorStockNotFound:
			return PaymentReconcileResult{}, fmt.Errorf("%w: %s", ErrPaymentProductNotFound, invErr.Message)
		}
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return PaymentReconcileResult{}, fmt.Errorf("%w: %v", ErrPaymentProductNotFound, err)
	}
	return PaymentReconcileResult{}, err
}

func (s *paymentService) recordPaymentAudit(ctx context.Context, cmd PaymentSucceededCommand, order domain.Order) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, AuditLogRecord{
		Actor:     "webhook:payment",
		ActorType: "webhook",
		Action:    paymentAuditAction,
		TargetRef: "orders/" + order.ID,
		Metadata: map[string]any{
			"transactionId": strings.TrimSpace(cmd.TransactionID),
			"orderNumber":   order.OrderNumber,
			"amount":        order.Totals.Total,
		},
		RequestID:  cmd.RequestID,
		OccurredAt: order.CreatedAt,
	})
}

func (s *paymentService) publishOrderPaid(ctx context.Context, order domain.Order, now time.Time) {
	if s.notifications == nil || order.Contact == nil {
		return
	}
	msg := OrderNotificationMessage{
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		UserID:         order.UserID,
		RecipientEmail: order.Contact.Email,
		RecipientName:  order.Contact.Name,
		Locale:         normalizeNotificationLocale(order.Contact.Locale),
		Event:          orderPaidEvent,
		NewStatus:      string(order.Status),
		OccurredAt:     now,
		IdempotencyKey: order.ID + ":" + orderPaidEvent,
	}
	if _, err := s.notifications.PublishOrderNotification(ctx, msg); err != nil {
		s.logger(ctx, "payment.notification.publish_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}
}

func validatePaymentCommand(transactionID string, cmd PaymentSucceededCommand) ([]repositories.ReservationLine, error) {
	if transactionID == "" {
		return nil, fmt.Errorf("%w: transaction id is required", ErrPaymentInvalidPayload)
	}
	if strings.TrimSpace(cmd.UserID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrPaymentInvalidPayload)
	}
	if cmd.AmountPaid <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrPaymentInvalidPayload)
	}
	if len(cmd.Items) == 0 {
		return nil, fmt.Errorf("%w: items are required", ErrPaymentInvalidPayload)
	}
	if err := validateShippingAddress(cmd.ShippingAddress); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPaymentInvalidPayload, err)
	}

	index := make(map[string]int, len(cmd.Items))
	lines := make([]repositories.ReservationLine, 0, len(cmd.Items))
	for _, item := range cmd.Items {
		id := strings.TrimSpace(item.ProductID)
		if id == "" {
			return nil, fmt.Errorf("%w: product id is required", ErrPaymentInvalidPayload)
		}
		quantity := item.Quantity
		if quantity == 0 {
			// Providers that report bare product ids imply a single unit.
			quantity = 1
		}
		if quantity < 0 {
			return nil, fmt.Errorf("%w: quantity must be positive for %s", ErrPaymentInvalidPayload, id)
		}
		if pos, ok := index[id]; ok {
			lines[pos].Quantity += quantity
			continue
		}
		index[id] = len(lines)
		lines = append(lines, repositories.ReservationLine{ProductID: id, Quantity: quantity})
	}
	return lines, nil
}
