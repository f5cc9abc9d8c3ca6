package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/orderline/api/internal/domain"
	"github.com/orderline/api/internal/payments"
	"github.com/orderline/api/internal/repositories"
)

type stubProductRepository struct {
	products map[string]domain.Product
}

func (s *stubProductRepository) FindByID(_ context.Context, productID string) (domain.Product, error) {
	product, ok := s.products[productID]
	if !ok {
		return domain.Product{}, &stubRepoError{notFound: true}
	}
	return product, nil
}

func (s *stubProductRepository) FindByIDs(_ context.Context, productIDs []string) ([]domain.Product, error) {
	result := make([]domain.Product, 0, len(productIDs))
	for _, id := range productIDs {
		product, ok := s.products[id]
		if !ok {
			return nil, &stubRepoError{notFound: true}
		}
		result = append(result, product)
	}
	return result, nil
}

type fakePaymentManager struct {
	lastCtx payments.PaymentContext
	lastReq payments.IntentRequest
	intent  payments.Intent
	err     error
	calls   int
}

func (f *fakePaymentManager) CreateIntent(_ context.Context, paymentCtx payments.PaymentContext, req payments.IntentRequest) (payments.Intent, error) {
	f.calls++
	f.lastCtx = paymentCtx
	f.lastReq = req
	if f.err != nil {
		return payments.Intent{}, f.err
	}
	return f.intent, nil
}

type fakeOrderNumberService struct {
	number string
	err    error
}

func (f *fakeOrderNumberService) Next(context.Context, string, string, CounterGenerationOptions) (CounterValue, error) {
	return CounterValue{}, errors.New("not implemented")
}

func (f *fakeOrderNumberService) NextOrderNumber(context.Context) (string, error) {
	return f.number, f.err
}

func testCheckoutProducts() map[string]domain.Product {
	return map[string]domain.Product{
		"prod-1": {ID: "prod-1", Name: "Washi Notebook", SKU: "WN-01", UnitPrice: 1200, Currency: "JPY", Stock: 10, Active: true},
		"prod-2": {ID: "prod-2", Name: "Brush Pen", SKU: "BP-02", UnitPrice: 400, Currency: "JPY", Stock: 2, Active: true},
	}
}

func testShippingAddress() domain.Address {
	return domain.Address{
		Recipient:  "Taro Yamada",
		Line1:      "1-2-3 Jingumae",
		City:       "Shibuya",
		PostalCode: "150-0001",
		Country:    "JP",
	}
}

func newTestCheckoutService(t *testing.T, repo *stubOrderRepository, products *stubProductRepository, manager *fakePaymentManager, audit AuditLogService, publisher NotificationPublisher, now time.Time) CheckoutService {
	t.Helper()
	svc, err := NewCheckoutService(CheckoutServiceDeps{
		Orders:        repo,
		Products:      products,
		Counters:      &fakeOrderNumberService{number: "OL-2025-000042"},
		Payments:      manager,
		Audit:         audit,
		Notifications: publisher,
		IDGenerator:   func() string { return "ord_test" },
		Clock:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}
	return svc
}

func TestCheckoutPlacesCardOrder(t *testing.T) {
	now := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	repo := &stubOrderRepository{}
	products := &stubProductRepository{products: testCheckoutProducts()}
	manager := &fakePaymentManager{intent: payments.Intent{ID: "pi_123", ClientSecret: "secret_123"}}
	audit := &recordingAuditService{}
	publisher := &stubNotificationPublisher{}
	svc := newTestCheckoutService(t, repo, products, manager, audit, publisher, now)

	result, err := svc.Checkout(context.Background(), CheckoutCommand{
		UserID: "user-1",
		Items: []CheckoutItemInput{
			{ProductID: "prod-1", Quantity: 2},
			{ProductID: "prod-2", Quantity: 1},
			{ProductID: "prod-1", Quantity: 1},
		},
		ShippingAddress: testShippingAddress(),
		PaymentMethod:   "card",
		Contact:         &OrderContact{Email: "taro@example.com", Name: "Taro", Locale: "ja-JP"},
	})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}

	order := result.Order
	if order.ID != "ord_test" || order.OrderNumber != "OL-2025-000042" {
		t.Fatalf("unexpected identifiers: %#v", order)
	}
	if order.Status != domain.OrderStatusPending {
		t.Fatalf("expected pending order, got %s", order.Status)
	}
	// 3x1200 + 1x400
	if order.Totals.Subtotal != 4000 || order.Totals.Total != 4000 {
		t.Fatalf("unexpected totals: %#v", order.Totals)
	}
	if len(order.Items) != 2 || order.Items[0].Quantity != 3 {
		t.Fatalf("expected aggregated items, got %#v", order.Items)
	}
	if order.Payment.Status != domain.PaymentStatusPending || order.Payment.TransactionID != nil {
		t.Fatalf("unexpected payment details: %#v", order.Payment)
	}
	if order.Payment.IntentID == nil || *order.Payment.IntentID != "pi_123" {
		t.Fatalf("expected intent id recorded, got %#v", order.Payment.IntentID)
	}
	if result.ClientSecret != "secret_123" {
		t.Fatalf("expected client secret, got %q", result.ClientSecret)
	}

	if len(repo.createReqs) != 1 {
		t.Fatalf("expected one create request, got %d", len(repo.createReqs))
	}
	lines := repo.createReqs[0].Lines
	if len(lines) != 2 || lines[0].ProductID != "prod-1" || lines[0].Quantity != 3 || lines[1].Quantity != 1 {
		t.Fatalf("unexpected reservation lines: %#v", lines)
	}

	if manager.calls != 1 || manager.lastReq.Amount != 4000 {
		t.Fatalf("unexpected intent request: %#v", manager.lastReq)
	}
	if manager.lastReq.IdempotencyKey == "" {
		t.Fatalf("expected idempotency key on intent request")
	}

	if len(audit.records) != 1 || audit.records[0].Action != checkoutAuditAction {
		t.Fatalf("expected checkout audit record, got %#v", audit.records)
	}
	if len(publisher.messages) != 1 || publisher.messages[0].Event != orderCreatedEvent {
		t.Fatalf("expected order created notification, got %#v", publisher.messages)
	}
	if publisher.messages[0].Locale != "ja" {
		t.Fatalf("expected normalised locale ja, got %q", publisher.messages[0].Locale)
	}
}

func TestCheckoutCashOnDeliverySkipsPSP(t *testing.T) {
	repo := &stubOrderRepository{}
	products := &stubProductRepository{products: testCheckoutProducts()}
	manager := &fakePaymentManager{}
	svc := newTestCheckoutService(t, repo, products, manager, nil, nil, time.Now())

	result, err := svc.Checkout(context.Background(), CheckoutCommand{
		UserID:          "user-1",
		Items:           []CheckoutItemInput{{ProductID: "prod-1", Quantity: 1}},
		ShippingAddress: testShippingAddress(),
		PaymentMethod:   "cash_on_delivery",
	})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if manager.calls != 0 {
		t.Fatalf("PSP must not be called for cash on delivery")
	}
	if result.ClientSecret != "" {
		t.Fatalf("expected no client secret, got %q", result.ClientSecret)
	}
	if result.Order.Payment.Method != domain.PaymentMethodCashOnDelivery {
		t.Fatalf("unexpected method %s", result.Order.Payment.Method)
	}
}

func TestCheckoutAppliesDiscount(t *testing.T) {
	repo := &stubOrderRepository{}
	products := &stubProductRepository{products: testCheckoutProducts()}
	manager := &fakePaymentManager{intent: payments.Intent{ID: "pi_1"}}
	svc := newTestCheckoutService(t, repo, products, manager, nil, nil, time.Now())

	result, err := svc.Checkout(context.Background(), CheckoutCommand{
		UserID:          "user-1",
		Items:           []CheckoutItemInput{{ProductID: "prod-1", Quantity: 2}},
		ShippingAddress: testShippingAddress(),
		PaymentMethod:   "card",
		Discount:        &domain.Discount{Code: "SPRING10", Type: domain.DiscountTypePercentage, Percentage: 10},
	})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if result.Order.Totals.Subtotal != 2400 || result.Order.Totals.Discount != 240 || result.Order.Totals.Total != 2160 {
		t.Fatalf("unexpected totals: %#v", result.Order.Totals)
	}
	if result.Order.Discount == nil || result.Order.Discount.Code != "SPRING10" {
		t.Fatalf("expected discount snapshot, got %#v", result.Order.Discount)
	}
	if manager.lastReq.Amount != 2160 {
		t.Fatalf("intent amount must match discounted total, got %d", manager.lastReq.Amount)
	}
}

func TestCheckoutValidationErrors(t *testing.T) {
	repo := &stubOrderRepository{}
	products := &stubProductRepository{products: testCheckoutProducts()}
	manager := &fakePaymentManager{}
	svc := newTestCheckoutService(t, repo, products, manager, nil, nil, time.Now())

	base := CheckoutCommand{
		UserID:          "user-1",
		Items:           []CheckoutItemInput{{ProductID: "prod-1", Quantity: 1}},
		ShippingAddress: testShippingAddress(),
		PaymentMethod:   "card",
	}

	cases := []struct {
		name   string
		mutate func(*CheckoutCommand)
		want   error
	}{
		{"empty cart", func(c *CheckoutCommand) { c.Items = nil }, ErrCheckoutEmptyCart},
		{"missing user", func(c *CheckoutCommand) { c.UserID = " " }, ErrCheckoutInvalidInput},
		{"zero quantity", func(c *CheckoutCommand) { c.Items = []CheckoutItemInput{{ProductID: "prod-1"}} }, ErrCheckoutInvalidInput},
		{"missing address", func(c *CheckoutCommand) { c.ShippingAddress = domain.Address{} }, ErrCheckoutMissingShippingAddress},
		{"missing method", func(c *CheckoutCommand) { c.PaymentMethod = "" }, ErrCheckoutMissingPaymentMethod},
		{"unknown method", func(c *CheckoutCommand) { c.PaymentMethod = "wire" }, ErrCheckoutInvalidInput},
		{"unknown product", func(c *CheckoutCommand) { c.Items = []CheckoutItemInput{{ProductID: "missing", Quantity: 1}} }, ErrCheckoutProductNotFound},
		{"excess quantity", func(c *CheckoutCommand) { c.Items = []CheckoutItemInput{{ProductID: "prod-2", Quantity: 5}} }, ErrCheckoutInsufficientStock},
		{"bad discount", func(c *CheckoutCommand) {
			c.Discount = &domain.Discount{Type: domain.DiscountTypePercentage, Percentage: 150}
		}, ErrCheckoutInvalidDiscount},
	}

	for _, tc := range cases {
		cmd := base
		tc.mutate(&cmd)
		if _, err := svc.Checkout(context.Background(), cmd); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if len(repo.createReqs) != 0 {
		t.Fatalf("no order must be created on validation failure")
	}
}

func TestCheckoutRejectsInactiveProduct(t *testing.T) {
	products := testCheckoutProducts()
	inactive := products["prod-1"]
	inactive.Active = false
	products["prod-1"] = inactive

	svc := newTestCheckoutService(t, &stubOrderRepository{}, &stubProductRepository{products: products}, &fakePaymentManager{}, nil, nil, time.Now())

	_, err := svc.Checkout(context.Background(), CheckoutCommand{
		UserID:          "user-1",
		Items:           []CheckoutItemInput{{ProductID: "prod-1", Quantity: 1}},
		ShippingAddress: testShippingAddress(),
		PaymentMethod:   "card",
	})
	if !errors.Is(err, ErrCheckoutProductInactive) {
		t.Fatalf("expected inactive product error, got %v", err)
	}
}

func TestCheckoutMapsCommitRaceToInsufficientStock(t *testing.T) {
	repo := &stubOrderRepository{
		createFn: func(context.Context, repositories.OrderCreateRequest) (domain.Order, error) {
			return domain.Order{}, repositories.NewInventoryError(repositories.InventoryErrorInsufficientStock, "insufficient stock for Brush Pen", nil)
		},
	}
	manager := &fakePaymentManager{intent: payments.Intent{ID: "pi_1"}}
	svc := newTestCheckoutService(t, repo, &stubProductRepository{products: testCheckoutProducts()}, manager, nil, nil, time.Now())

	_, err := svc.Checkout(context.Background(), CheckoutCommand{
		UserID:          "user-1",
		Items:           []CheckoutItemInput{{ProductID: "prod-2", Quantity: 2}},
		ShippingAddress: testShippingAddress(),
		PaymentMethod:   "card",
	})
	if !errors.Is(err, ErrCheckoutInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
}

func TestCheckoutPaymentFailure(t *testing.T) {
	manager := &fakePaymentManager{err: errors.New("stripe down")}
	repo := &stubOrderRepository{}
	svc := newTestCheckoutService(t, repo, &stubProductRepository{products: testCheckoutProducts()}, manager, nil, nil, time.Now())

	_, err := svc.Checkout(context.Background(), CheckoutCommand{
		UserID:          "user-1",
		Items:           []CheckoutItemInput{{ProductID: "prod-1", Quantity: 1}},
		ShippingAddress: testShippingAddress(),
		PaymentMethod:   "card",
	})
	if !errors.Is(err, ErrCheckoutPaymentFailed) {
		t.Fatalf("expected payment failed, got %v", err)
	}
	if len(repo.createReqs) != 0 {
		t.Fatalf("no order must be created when the intent fails")
	}
}
