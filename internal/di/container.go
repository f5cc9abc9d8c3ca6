package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/orderline/api/internal/payments"
	"github.com/orderline/api/internal/platform/config"
	"github.com/orderline/api/internal/repositories"
	"github.com/orderline/api/internal/services"
)

// defaultCurrency is the settlement currency applied to priced amounts until
// multi-currency checkout lands.
const defaultCurrency = "JPY"

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Checkout  services.CheckoutService
	Orders    services.OrderService
	Payments  services.PaymentService
	Inventory services.InventoryService
	Counters  services.CounterService
	System    services.SystemService
	Audit     services.AuditLogService
}

// Dependencies carries the infrastructure collaborators the service layer is
// built from. Registry is required; the rest degrade to safe defaults so tests
// can assemble a container from an in-memory registry alone. A nil Payments
// manager leaves the checkout service unset, which keeps webhook-only
// deployments possible.
type Dependencies struct {
	Registry      repositories.Registry
	Payments      *payments.Manager
	Notifications services.NotificationPublisher
	Build         services.BuildInfo
	Logger        *zap.Logger
	Clock         func() time.Time
	IDGenerator   func() string
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring provides
// Firestore-backed repositories, while tests can supply in-memory registries.
func NewContainer(cfg config.Config, deps Dependencies) (*Container, error) {
	if deps.Registry == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: deps.Registry,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(deps Dependencies) (Services, error) {
	reg := deps.Registry

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	var svc Services

	auditSvc, err := services.NewAuditLogService(services.AuditLogServiceDeps{
		Repository: reg.AuditLogs(),
		Clock:      clock,
		Logger:     logger.Named("audit").Sugar(),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build audit log service: %w", err)
	}
	svc.Audit = auditSvc

	counterSvc, err := services.NewCounterService(services.CounterServiceDeps{
		Repository: reg.Counters(),
		Clock:      clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build counter service: %w", err)
	}
	svc.Counters = counterSvc

	inventorySvc, err := services.NewInventoryService(services.InventoryServiceDeps{
		Inventory: reg.Inventory(),
		Products:  reg.Products(),
		Audit:     svc.Audit,
		Clock:     clock,
		Logger:    eventLogger(logger.Named("inventory")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build inventory service: %w", err)
	}
	svc.Inventory = inventorySvc

	systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: reg.Health(),
		Clock:            clock,
		Build:            deps.Build,
		Audit:            svc.Audit,
		Counters:         svc.Counters,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build system service: %w", err)
	}
	svc.System = systemSvc

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:        reg.Orders(),
		Audit:         svc.Audit,
		Notifications: deps.Notifications,
		Clock:         clock,
		Logger:        eventLogger(logger.Named("orders")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	if deps.Payments != nil {
		checkoutSvc, err := services.NewCheckoutService(services.CheckoutServiceDeps{
			Orders:        reg.Orders(),
			Products:      reg.Products(),
			Counters:      svc.Counters,
			Payments:      deps.Payments,
			Audit:         svc.Audit,
			Notifications: deps.Notifications,
			Currency:      defaultCurrency,
			IDGenerator:   deps.IDGenerator,
			Clock:         clock,
			Logger:        eventLogger(logger.Named("checkout")),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build checkout service: %w", err)
		}
		svc.Checkout = checkoutSvc
	}

	paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{
		Orders:        reg.Orders(),
		Counters:      svc.Counters,
		Audit:         svc.Audit,
		Notifications: deps.Notifications,
		Currency:      defaultCurrency,
		IDGenerator:   deps.IDGenerator,
		Clock:         clock,
		Logger:        eventLogger(logger.Named("payments")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build payment service: %w", err)
	}
	svc.Payments = paymentSvc

	return svc, nil
}

// eventLogger adapts a zap logger to the func-based logging contract the
// services accept.
func eventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug(event, zFields...)
	}
}
