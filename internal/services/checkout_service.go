package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/orderline/api/internal/domain"
	"github.com/orderline/api/internal/payments"
	"github.com/orderline/api/internal/platform/textutil"
	"github.com/orderline/api/internal/repositories"
)

const (
	orderIDPrefix           = "ord_"
	defaultCheckoutCurrency = "JPY"

	checkoutAuditAction = "order.checkout"
	orderCreatedEvent   = "order.created"
)

var (
	// ErrCheckoutInvalidInput indicates malformed checkout parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutEmptyCart indicates the command contained no items.
	ErrCheckoutEmptyCart = errors.New("checkout: cart is empty")
	// ErrCheckoutMissingShippingAddress indicates required address fields are absent.
	ErrCheckoutMissingShippingAddress = errors.New("checkout: shipping address is incomplete")
	// ErrCheckoutMissingPaymentMethod indicates no payment method was supplied.
	ErrCheckoutMissingPaymentMethod = errors.New("checkout: payment method is required")
	// ErrCheckoutProductNotFound indicates a referenced product does not exist.
	ErrCheckoutProductNotFound = errors.New("checkout: product not found")
	// ErrCheckoutProductInactive indicates a referenced product is not purchasable.
	ErrCheckoutProductInactive = errors.New("checkout: product is unavailable")
	// ErrCheckoutInsufficientStock indicates a line exceeds the available stock.
	ErrCheckoutInsufficientStock = errors.New("checkout: insufficient stock")
	// ErrCheckoutInvalidDiscount indicates the supplied discount failed validation.
	ErrCheckoutInvalidDiscount = errors.New("checkout: invalid discount")
	// ErrCheckoutPaymentFailed indicates the PSP intent could not be created.
	ErrCheckoutPaymentFailed = errors.New("checkout: payment failed")
)

// checkoutPaymentManager abstracts payments.Manager for easier testing.
type checkoutPaymentManager interface {
	CreateIntent(ctx context.Context, paymentCtx payments.PaymentContext, req payments.IntentRequest) (payments.Intent, error)
}

// CheckoutLogger defines the logging contract for checkout operations.
type CheckoutLogger func(ctx context.Context, event string, fields map[string]any)

// CheckoutServiceDeps bundles collaborators required to construct the checkout service.
type CheckoutServiceDeps struct {
	Orders        repositories.OrderRepository
	Products      repositories.ProductRepository
	Counters      CounterService
	Payments      checkoutPaymentManager
	Audit         AuditLogService
	Notifications NotificationPublisher
	Currency      string
	IDGenerator   func() string
	Clock         func() time.Time
	Logger        CheckoutLogger
}

type checkoutService struct {
	orders        repositories.OrderRepository
	products      repositories.ProductRepository
	counters      CounterService
	payments      checkoutPaymentManager
	audit         AuditLogService
	notifications NotificationPublisher
	currency      string
	idGen         func() string
	clock         func() time.Time
	logger        CheckoutLogger
}

// NewCheckoutService wires the order placement flow.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("checkout service: product repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("checkout service: counter service is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("checkout service: payment manager is required")
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

	return &checkoutService{
		orders:        deps.Orders,
		products:      deps.Products,
		counters:      deps.Counters,
		payments:      deps.Payments,
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

// Checkout validates the cart, prices it, opens the payment intent when the
// method requires one and atomically reserves stock while inserting the order.
func (s *checkoutService) Checkout(ctx context.Context, cmd CheckoutCommand) (CheckoutResult, error) {
	if s == nil || s.orders == nil {
		return CheckoutResult{}, errors.New("checkout service not initialised")
	}

	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return CheckoutResult{}, fmt.Errorf("%w: user id is required", ErrCheckoutInvalidInput)
	}

	lines, err := normalizeCheckoutItems(cmd.Items)
	if err != nil {
		return CheckoutResult{}, err
	}

	if err := validateShippingAddress(cmd.ShippingAddress); err != nil {
		return CheckoutResult{}, err
	}

	method, err := normalizePaymentMethod(cmd.PaymentMethod)
	if err != nil {
		return CheckoutResult{}, err
	}

	now := s.clock()

	if cmd.Discount != nil {
		if err := cmd.Discount.Validate(now); err != nil {
			return CheckoutResult{}, fmt.Errorf("%w: %v", ErrCheckoutInvalidDiscount, err)
		}
	}

	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	products, err := s.products.FindByIDs(ctx, ids)
	if err != nil {
		return CheckoutResult{}, translateCheckoutLookupError(err)
	}

	items := make([]domain.OrderItem, 0, len(lines))
	currency := s.currency
	for i, line := range lines {
		product := products[i]
		if !product.Active {
			return CheckoutResult{}, fmt.Errorf("%w: %s", ErrCheckoutProductInactive, product.ID)
		}
		if product.Stock < line.Quantity {
			return CheckoutResult{}, fmt.Errorf("%w: %s", ErrCheckoutInsufficientStock, product.Name)
		}
		if c := strings.ToUpper(strings.TrimSpace(product.Currency)); c != "" {
			currency = c
		}
		items = append(items, domain.OrderItem{
			ProductID: product.ID,
			Name:      product.Name,
			SKU:       product.SKU,
			Quantity:  line.Quantity,
			UnitPrice: product.UnitPrice,
			Total:     product.UnitPrice * int64(line.Quantity),
		})
	}

	totals := domain.ComputeTotals(items, cmd.Discount)

	orderNumber, err := s.counters.NextOrderNumber(ctx)
	if err != nil {
		return CheckoutResult{}, fmt.Errorf("checkout: allocate order number: %w", err)
	}

	orderID := s.idGen()

	payment := domain.PaymentDetails{
		Method:   method,
		Status:   domain.PaymentStatusPending,
		Amount:   totals.Total,
		Currency: currency,
	}

	var intent payments.Intent
	if method == domain.PaymentMethodCard && totals.Total > 0 {
		intent, err = s.createPaymentIntent(ctx, cmd, orderID, orderNumber, totals.Total, currency)
		if err != nil {
			return CheckoutResult{}, err
		}
		payment.IntentID = valuePtr(intent.ID)
	}

	order := domain.Order{
		ID:              orderID,
		OrderNumber:     orderNumber,
		UserID:          userID,
		Status:          domain.OrderStatusPending,
		Items:           items,
		ShippingAddress: cmd.ShippingAddress,
		Payment:         payment,
		Totals:          totals,
		Discount:        cloneDiscount(cmd.Discount),
		Contact:         cloneContact(cmd.Contact),
		Metadata:        metadataFromStrings(cmd.Metadata),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	created, err := s.orders.CreateWithReservation(ctx, repositories.OrderCreateRequest{
		Order: order,
		Lines: lines,
		Now:   now,
	})
	if err != nil {
		return CheckoutResult{}, translateCheckoutCommitError(err)
	}

	s.logger(ctx, "checkout.order.created", map[string]any{
		"orderId":     created.ID,
		"orderNumber": created.OrderNumber,
		"userId":      created.UserID,
		"total":       created.Totals.Total,
	})

	s.recordCheckoutAudit(ctx, cmd, created)
	s.publishOrderCreated(ctx, created, now)

	return CheckoutResult{
		Order:        created,
		ClientSecret: intent.ClientSecret,
	}, nil
}

func (s *checkoutService) createPaymentIntent(ctx context.Context, cmd CheckoutCommand, orderID, orderNumber string, amount int64, currency string) (payments.Intent, error) {
	metadata := map[string]string{
		"orderId": orderID,
		"userId":  strings.TrimSpace(cmd.UserID),
	}
	for k, v := range cmd.Metadata {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		if _, exists := metadata[key]; exists {
			continue
		}
		metadata[key] = v
	}

	req := payments.IntentRequest{
		Amount:         amount,
		Currency:       currency,
		Description:    fmt.Sprintf("Order %s", orderNumber),
		OrderNumber:    orderNumber,
		Metadata:       metadata,
		IdempotencyKey: checkoutIdempotencyKey(cmd.UserID, orderNumber),
	}
	if cmd.Contact != nil {
		req.ReceiptEmail = strings.TrimSpace(cmd.Contact.Email)
	}

	intent, err := s.payments.CreateIntent(ctx, payments.PaymentContext{Currency: currency}, req)
	if err != nil {
		if errors.Is(err, payments.ErrUnsupportedProvider) {
			return payments.Intent{}, fmt.Errorf("%w: no provider for currency %s", ErrCheckoutInvalidInput, currency)
		}
		s.logger(ctx, "checkout.payment.intent_failed", map[string]any{
			"orderId": orderID,
			"error":   err.Error(),
		})
		return payments.Intent{}, ErrCheckoutPaymentFailed
	}
	return intent, nil
}

func (s *checkoutService) recordCheckoutAudit(ctx context.Context, cmd CheckoutCommand, order domain.Order) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, AuditLogRecord{
		Actor:     "user:" + order.UserID,
		ActorType: "user",
		Action:    checkoutAuditAction,
		TargetRef: "orders/" + order.ID,
		Metadata: map[string]any{
			"orderNumber": order.OrderNumber,
			"itemCount":   len(order.Items),
			"total":       order.Totals.Total,
			"method":      string(order.Payment.Method),
		},
		RequestID:  cmd.RequestID,
		OccurredAt: order.CreatedAt,
	})
}

func (s *checkoutService) publishOrderCreated(ctx context.Context, order domain.Order, now time.Time) {
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
		Event:          orderCreatedEvent,
		NewStatus:      string(order.Status),
		OccurredAt:     now,
		IdempotencyKey: order.ID + ":" + orderCreatedEvent,
	}
	if _, err := s.notifications.PublishOrderNotification(ctx, msg); err != nil {
		s.logger(ctx, "checkout.notification.publish_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}
}

func normalizeCheckoutItems(items []CheckoutItemInput) ([]repositories.ReservationLine, error) {
	if len(items) == 0 {
		return nil, ErrCheckoutEmptyCart
	}

	index := make(map[string]int, len(items))
	lines := make([]repositories.ReservationLine, 0, len(items))
	for _, item := range items {
		id := strings.TrimSpace(item.ProductID)
		if id == "" {
			return nil, fmt.Errorf("%w: product id is required", ErrCheckoutInvalidInput)
		}
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity must be positive for %s", ErrCheckoutInvalidInput, id)
		}
		if pos, ok := index[id]; ok {
			lines[pos].Quantity += item.Quantity
			continue
		}
		index[id] = len(lines)
		lines = append(lines, repositories.ReservationLine{ProductID: id, Quantity: item.Quantity})
	}
	return lines, nil
}

func validateShippingAddress(addr domain.Address) error {
	var missing []string
	if strings.TrimSpace(addr.Recipient) == "" {
		missing = append(missing, "recipient")
	}
	if strings.TrimSpace(addr.Line1) == "" {
		missing = append(missing, "line1")
	}
	if strings.TrimSpace(addr.City) == "" {
		missing = append(missing, "city")
	}
	if strings.TrimSpace(addr.PostalCode) == "" {
		missing = append(missing, "postalCode")
	}
	if strings.TrimSpace(addr.Country) == "" {
		missing = append(missing, "country")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrCheckoutMissingShippingAddress, strings.Join(missing, ", "))
	}
	return nil
}

func normalizePaymentMethod(method string) (domain.PaymentMethod, error) {
	normalized := strings.ToLower(strings.TrimSpace(method))
	switch normalized {
	case "":
		return "", ErrCheckoutMissingPaymentMethod
	case string(domain.PaymentMethodCard):
		return domain.PaymentMethodCard, nil
	case string(domain.PaymentMethodCashOnDelivery):
		return domain.PaymentMethodCashOnDelivery, nil
	default:
		return "", fmt.Errorf("%w: unsupported payment method %q", ErrCheckoutInvalidInput, method)
	}
}

func translateCheckoutLookupError(err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return fmt.Errorf("%w: %v", ErrCheckoutProductNotFound, err)
	}
	return err
}

func translateCheckoutCommitError(err error) error {
	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		switch invErr.Code {
		case repositories.InventoryErrorInsufficientStock:
			return fmt.Errorf("%w: %s", ErrCheckoutInsufficientStock, invErr.Message)
		case repositories.InventoryErrorStockNotFound:
			return fmt.Errorf("%w: %s", ErrCheckoutProductNotFound, invErr.Message)
		}
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return fmt.Errorf("%w: %v", ErrCheckoutProductNotFound, err)
	}
	return err
}

func checkoutIdempotencyKey(userID, orderNumber string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(userID) + "|" + strings.TrimSpace(orderNumber)))
	return "checkout_" + hex.EncodeToString(sum[:16])
}

func metadataFromStrings(metadata map[string]string) map[string]any {
	normalized := textutil.NormalizeStringMap(metadata)
	if len(normalized) == 0 {
		return nil
	}
	result := make(map[string]any, len(normalized))
	for k, v := range normalized {
		result[k] = v
	}
	return result
}

func cloneDiscount(discount *domain.Discount) *domain.Discount {
	if discount == nil {
		return nil
	}
	clone := *discount
	if discount.StartDate != nil {
		start := discount.StartDate.UTC()
		clone.StartDate = &start
	}
	if discount.EndDate != nil {
		end := discount.EndDate.UTC()
		clone.EndDate = &end
	}
	return &clone
}

func cloneContact(contact *domain.OrderContact) *domain.OrderContact {
	if contact == nil {
		return nil
	}
	clone := *contact
	clone.Email = strings.TrimSpace(clone.Email)
	clone.Name = strings.TrimSpace(clone.Name)
	clone.Locale = normalizeNotificationLocale(clone.Locale)
	return &clone
}
