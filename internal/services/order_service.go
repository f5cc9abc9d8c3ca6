package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/orderline/api/internal/domain"
	"github.com/orderline/api/internal/repositories"
)

const (
	orderStatusAuditAction  = "order.status_update"
	orderCancelAuditAction  = "order.cancel"
	orderAddressAuditAction = "order.address_update"
	orderDeleteAuditAction  = "order.delete"

	orderStatusChangedEvent = "order.status_changed"
	orderCanceledEvent      = "order.canceled"

	// addressUpdateWindow bounds how long after placement the shipping
	// address may still be rewritten.
	addressUpdateWindow = 15 * time.Minute
)

var (
	// ErrOrderInvalidInput indicates malformed order mutation parameters.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order does not exist or is not visible to the caller.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidTransition indicates the requested status move is not a legal edge.
	ErrOrderInvalidTransition = errors.New("order: invalid status transition")
	// ErrOrderAlreadyCanceled indicates the order was canceled before this request.
	ErrOrderAlreadyCanceled = errors.New("order: already canceled")
	// ErrOrderCancelForbidden indicates the order has progressed past the point of cancellation.
	ErrOrderCancelForbidden = errors.New("order: cannot cancel after shipment")
	// ErrOrderAddressLocked indicates the order status no longer permits address changes.
	ErrOrderAddressLocked = errors.New("order: shipping address can no longer be changed")
	// ErrOrderAddressWindowExpired indicates the address change window has elapsed.
	ErrOrderAddressWindowExpired = errors.New("order: address change window has expired")
	// ErrOrderPaymentStateInvalid indicates the payment status update breaks payment bookkeeping.
	ErrOrderPaymentStateInvalid = errors.New("order: invalid payment status")
	// ErrOrderConcurrentUpdate indicates the order changed between read and write; the caller should retry.
	ErrOrderConcurrentUpdate = errors.New("order: modified concurrently")
)

// orderStateTransitions enumerates the legal lifecycle edges. Cancellation is
// intentionally absent: it must go through Cancel so stock release always
// rides the same transaction as the status flip.
var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:    {domain.OrderStatusProcessing},
	domain.OrderStatusProcessing: {domain.OrderStatusShipped},
	domain.OrderStatusShipped:    {domain.OrderStatusDelivered},
	domain.OrderStatusDelivered:  {},
	domain.OrderStatusCanceled:   {},
}

// cancelForbiddenStatuses lists states from which Cancel must be refused.
var cancelForbiddenStatuses = []domain.OrderStatus{
	domain.OrderStatusShipped,
	domain.OrderStatusDelivered,
}

// addressLockedStatuses lists states that freeze the shipping address.
var addressLockedStatuses = []domain.OrderStatus{
	domain.OrderStatusShipped,
	domain.OrderStatusDelivered,
	domain.OrderStatusCanceled,
}

var paymentStatusTransitions = map[domain.PaymentStatus][]domain.PaymentStatus{
	domain.PaymentStatusPending:  {domain.PaymentStatusPaid, domain.PaymentStatusFailed},
	domain.PaymentStatusPaid:     {domain.PaymentStatusRefunded},
	domain.PaymentStatusFailed:   {},
	domain.PaymentStatusRefunded: {},
}

func canTransition(from, to domain.OrderStatus) bool {
	for _, allowed := range orderStateTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func canTransitionPayment(from, to domain.PaymentStatus) bool {
	for _, allowed := range paymentStatusTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// OrderLogger defines the logging contract for order lifecycle operations.
type OrderLogger func(ctx context.Context, event string, fields map[string]any)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders        repositories.OrderRepository
	Audit         AuditLogService
	Notifications NotificationPublisher
	Clock         func() time.Time
	Logger        OrderLogger
}

type orderService struct {
	orders        repositories.OrderRepository
	audit         AuditLogService
	notifications NotificationPublisher
	clock         func() time.Time
	logger        OrderLogger
}

// NewOrderService wires order retrieval and lifecycle mutations.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:        deps.Orders,
		audit:         deps.Audit,
		notifications: deps.Notifications,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// GetOrder loads an order. A non-empty userID restricts visibility to the
// order's owner; mismatches surface as not found rather than forbidden.
func (s *orderService) GetOrder(ctx context.Context, userID, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}
	if userID = strings.TrimSpace(userID); userID != "" && order.UserID != userID {
		return Order{}, ErrOrderNotFound
	}
	return order, nil
}

// ListOrders returns a page of orders matching the filter, newest first.
func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	statuses := make([]string, 0, len(filter.Status))
	for _, status := range filter.Status {
		normalized := strings.ToLower(strings.TrimSpace(status))
		if normalized == "" {
			continue
		}
		if _, ok := orderStateTransitions[domain.OrderStatus(normalized)]; !ok {
			return domain.CursorPage[Order]{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, status)
		}
		statuses = append(statuses, normalized)
	}

	page, err := s.orders.List(ctx, repositories.OrderListFilter{
		UserID:     strings.TrimSpace(filter.UserID),
		Status:     statuses,
		DateRange:  filter.DateRange,
		Pagination: filter.Pagination,
	})
	if err != nil {
		return domain.CursorPage[Order]{}, mapOrderRepositoryError(err)
	}
	return page, nil
}

// UpdateStatus advances an order along the lifecycle state machine and
// optionally records a payment settlement change.
func (s *orderService) UpdateStatus(ctx context.Context, cmd OrderStatusUpdateCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	next, err := parseOrderStatus(cmd.NextStatus)
	if err != nil {
		return Order{}, err
	}
	if next == domain.OrderStatusCanceled {
		return Order{}, fmt.Errorf("%w: cancellation must go through the cancel operation", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}

	if !canTransition(order.Status, next) {
		return Order{}, fmt.Errorf("%w: %s -> %s", ErrOrderInvalidTransition, order.Status, next)
	}

	now := s.clock()
	previous := order.Status
	order.Status = next
	order.UpdatedAt = now

	if payment := strings.TrimSpace(cmd.PaymentStatus); payment != "" {
		if err := applyPaymentStatus(&order, domain.PaymentStatus(strings.ToLower(payment))); err != nil {
			return Order{}, err
		}
	}

	if err := s.orders.Update(ctx, repositories.OrderUpdateRequest{Order: order, ExpectedStatus: previous}); err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}

	s.logger(ctx, "order.status.updated", map[string]any{
		"orderId": order.ID,
		"from":    string(previous),
		"to":      string(next),
	})

	s.recordOrderAudit(ctx, cmd.Actor, orderStatusAuditAction, order, cmd.RequestID, map[string]AuditLogDiff{
		"status": {Before: string(previous), After: string(next)},
	}, map[string]any{
		"reason": strings.TrimSpace(cmd.Reason),
	})
	s.publishOrderEvent(ctx, order, orderStatusChangedEvent, now)

	return order, nil
}

// Cancel flips the order to canceled and releases its reserved stock. The
// repository performs both in one transaction and re-checks the current
// status, so a concurrent duplicate cancel surfaces as ErrOrderAlreadyCanceled
// instead of releasing stock twice.
func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	now := s.clock()
	order, err := s.orders.CancelWithRelease(ctx, repositories.OrderCancelRequest{
		OrderID:   orderID,
		Reason:    strings.TrimSpace(cmd.Reason),
		Forbidden: cancelForbiddenStatuses,
		Now:       now,
	})
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}

	s.logger(ctx, "order.canceled", map[string]any{
		"orderId": order.ID,
		"reason":  strings.TrimSpace(cmd.Reason),
	})

	s.recordOrderAudit(ctx, cmd.Actor, orderCancelAuditAction, order, cmd.RequestID, nil, map[string]any{
		"reason": strings.TrimSpace(cmd.Reason),
	})
	s.publishOrderEvent(ctx, order, orderCanceledEvent, now)

	return order, nil
}

// UpdateShippingAddress rewrites address fields on an order that has neither
// shipped nor aged past the update window.
func (s *orderService) UpdateShippingAddress(ctx context.Context, cmd UpdateShippingAddressCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}

	for _, locked := range addressLockedStatuses {
		if order.Status == locked {
			return Order{}, fmt.Errorf("%w: order is %s", ErrOrderAddressLocked, order.Status)
		}
	}

	now := s.clock()
	if now.Sub(order.CreatedAt) > addressUpdateWindow {
		return Order{}, ErrOrderAddressWindowExpired
	}

	before := order.ShippingAddress
	updated, changed := applyAddressPatch(order.ShippingAddress, cmd.Patch)
	if !changed {
		return Order{}, fmt.Errorf("%w: no address fields supplied", ErrOrderInvalidInput)
	}
	if err := validateShippingAddress(updated); err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}

	order.ShippingAddress = updated
	order.UpdatedAt = now

	if err := s.orders.Update(ctx, repositories.OrderUpdateRequest{Order: order, ExpectedStatus: order.Status}); err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}

	s.logger(ctx, "order.address.updated", map[string]any{
		"orderId": order.ID,
	})

	s.recordOrderAudit(ctx, cmd.Actor, orderAddressAuditAction, order, cmd.RequestID, map[string]AuditLogDiff{
		"shippingAddress": {Before: formatAddress(before), After: formatAddress(updated)},
	}, nil)

	return order, nil
}

// Delete removes the order record. Stock is not compensated and the payment
// transaction marker is kept so a redelivered webhook cannot recreate the order.
func (s *orderService) Delete(ctx context.Context, cmd DeleteOrderCommand) error {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	if err := s.orders.Delete(ctx, orderID); err != nil {
		return mapOrderRepositoryError(err)
	}

	s.logger(ctx, "order.deleted", map[string]any{
		"orderId": orderID,
	})

	if s.audit != nil {
		s.audit.Record(ctx, AuditLogRecord{
			Actor:     cmd.Actor,
			Action:    orderDeleteAuditAction,
			TargetRef: "orders/" + orderID,
			Severity:  "warn",
			RequestID: cmd.RequestID,
		})
	}
	return nil
}

func (s *orderService) recordOrderAudit(ctx context.Context, actor, action string, order domain.Order, requestID string, diff map[string]AuditLogDiff, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	record := AuditLogRecord{
		Actor:     actor,
		Action:    action,
		TargetRef: "orders/" + order.ID,
		Diff:      diff,
		Metadata:  metadata,
		RequestID: requestID,
	}
	s.audit.Record(ctx, record)
}

func (s *orderService) publishOrderEvent(ctx context.Context, order domain.Order, event string, now time.Time) {
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
		Event:          event,
		NewStatus:      string(order.Status),
		OccurredAt:     now,
		IdempotencyKey: order.ID + ":" + event + ":" + string(order.Status),
	}
	if _, err := s.notifications.PublishOrderNotification(ctx, msg); err != nil {
		s.logger(ctx, "order.notification.publish_failed", map[string]any{
			"orderId": order.ID,
			"event":   event,
			"error":   err.Error(),
		})
	}
}

func parseOrderStatus(status string) (domain.OrderStatus, error) {
	normalized := domain.OrderStatus(strings.ToLower(strings.TrimSpace(status)))
	if _, ok := orderStateTransitions[normalized]; !ok {
		return "", fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, status)
	}
	return normalized, nil
}

// applyPaymentStatus validates a payment settlement move and keeps the
// transaction id bookkeeping consistent: an order carries a transaction id
// exactly when it is paid or was paid before a refund.
func applyPaymentStatus(order *domain.Order, next domain.PaymentStatus) error {
	switch next {
	case domain.PaymentStatusPending, domain.PaymentStatusPaid, domain.PaymentStatusFailed, domain.PaymentStatusRefunded:
	default:
		return fmt.Errorf("%w: unknown payment status %q", ErrOrderInvalidInput, next)
	}
	if order.Payment.Status == next {
		return nil
	}
	if !canTransitionPayment(order.Payment.Status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrOrderPaymentStateInvalid, order.Payment.Status, next)
	}
	if next == domain.PaymentStatusPaid && order.Payment.TransactionID == nil {
		return fmt.Errorf("%w: paid requires a transaction id", ErrOrderPaymentStateInvalid)
	}
	order.Payment.Status = next
	return nil
}

func applyAddressPatch(addr domain.Address, patch ShippingAddressPatch) (domain.Address, bool) {
	changed := false
	if patch.Recipient != nil {
		addr.Recipient = strings.TrimSpace(*patch.Recipient)
		changed = true
	}
	if patch.Line1 != nil {
		addr.Line1 = strings.TrimSpace(*patch.Line1)
		changed = true
	}
	if patch.Line2 != nil {
		addr.Line2 = optionalString(*patch.Line2)
		changed = true
	}
	if patch.City != nil {
		addr.City = strings.TrimSpace(*patch.City)
		changed = true
	}
	if patch.State != nil {
		addr.State = optionalString(*patch.State)
		changed = true
	}
	if patch.PostalCode != nil {
		addr.PostalCode = strings.TrimSpace(*patch.PostalCode)
		changed = true
	}
	if patch.Country != nil {
		addr.Country = strings.TrimSpace(*patch.Country)
		changed = true
	}
	if patch.Phone != nil {
		addr.Phone = optionalString(*patch.Phone)
		changed = true
	}
	return addr, changed
}

func formatAddress(addr domain.Address) string {
	parts := []string{addr.Recipient, addr.Line1}
	if addr.Line2 != nil {
		parts = append(parts, *addr.Line2)
	}
	parts = append(parts, addr.City)
	if addr.State != nil {
		parts = append(parts, *addr.State)
	}
	parts = append(parts, addr.PostalCode, addr.Country)
	return strings.Join(parts, ", ")
}

func mapOrderRepositoryError(err error) error {
	var orderErr *repositories.OrderError
	if errors.As(err, &orderErr) {
		switch orderErr.Code {
		case repositories.OrderErrorAlreadyCanceled:
			return fmt.Errorf("%w: %s", ErrOrderAlreadyCanceled, orderErr.Message)
		case repositories.OrderErrorStatusForbidden:
			return fmt.Errorf("%w: %s", ErrOrderCancelForbidden, orderErr.Message)
		case repositories.OrderErrorStatusConflict:
			return fmt.Errorf("%w: %s", ErrOrderConcurrentUpdate, orderErr.Message)
		}
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return ErrOrderNotFound
	}
	return err
}

func valuePtr[T any](v T) *T {
	return &v
}

func optionalString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
