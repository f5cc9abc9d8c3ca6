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
	stockAdjustAuditAction  = "inventory.adjust"
	stockReserveAuditAction = "inventory.reserve"
	stockReleaseAuditAction = "inventory.release"
)

var (
	// ErrInventoryInvalidInput indicates malformed inventory parameters.
	ErrInventoryInvalidInput = errors.New("inventory: invalid input")
	// ErrInventoryProductNotFound indicates the product has no stock record.
	ErrInventoryProductNotFound = errors.New("inventory: product not found")
	// ErrInventoryInsufficientStock indicates the mutation would drive stock negative.
	ErrInventoryInsufficientStock = errors.New("inventory: insufficient stock")
)

// InventoryLogger defines the logging contract for inventory operations.
type InventoryLogger func(ctx context.Context, event string, fields map[string]any)

// InventoryServiceDeps bundles collaborators required to construct the inventory service.
type InventoryServiceDeps struct {
	Inventory repositories.InventoryRepository
	Products  repositories.ProductRepository
	Audit     AuditLogService
	Clock     func() time.Time
	Logger    InventoryLogger
}

type inventoryService struct {
	inventory repositories.InventoryRepository
	products  repositories.ProductRepository
	audit     AuditLogService
	clock     func() time.Time
	logger    InventoryLogger
}

// NewInventoryService wires stock reads and administrative stock mutations.
func NewInventoryService(deps InventoryServiceDeps) (InventoryService, error) {
	if deps.Inventory == nil {
		return nil, errors.New("inventory service: inventory repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("inventory service: product repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &inventoryService{
		inventory: deps.Inventory,
		products:  deps.Products,
		audit:     deps.Audit,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// GetStock reports the current stock counter for a product.
func (s *inventoryService) GetStock(ctx context.Context, productID string) (StockLevel, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return StockLevel{}, fmt.Errorf("%w: product id is required", ErrInventoryInvalidInput)
	}
	product, err := s.inventory.GetStock(ctx, productID)
	if err != nil {
		return StockLevel{}, mapInventoryRepositoryError(err)
	}
	return StockLevel{ProductID: product.ID, Stock: product.Stock}, nil
}

// GetProduct loads the full product record.
func (s *inventoryService) GetProduct(ctx context.Context, productID string) (Product, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return Product{}, fmt.Errorf("%w: product id is required", ErrInventoryInvalidInput)
	}
	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		return Product{}, mapInventoryRepositoryError(err)
	}
	return product, nil
}

// AdjustStock applies an administrative delta to a product's stock counter.
// The repository rejects any delta that would leave the counter negative.
func (s *inventoryService) AdjustStock(ctx context.Context, cmd StockAdjustCommand) (StockLevel, error) {
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return StockLevel{}, fmt.Errorf("%w: product id is required", ErrInventoryInvalidInput)
	}
	if cmd.Delta == 0 {
		return StockLevel{}, fmt.Errorf("%w: delta must be non-zero", ErrInventoryInvalidInput)
	}
	if strings.TrimSpace(cmd.Reason) == "" {
		return StockLevel{}, fmt.Errorf("%w: reason is required", ErrInventoryInvalidInput)
	}

	now := s.clock()
	result, err := s.inventory.Adjust(ctx, repositories.StockAdjustRequest{
		Adjustment: domain.StockAdjustment{
			ProductID: productID,
			Delta:     cmd.Delta,
			Reason:    strings.TrimSpace(cmd.Reason),
			ActorID:   strings.TrimSpace(cmd.Actor),
		},
		Now: now,
	})
	if err != nil {
		return StockLevel{}, mapInventoryRepositoryError(err)
	}

	s.logger(ctx, "inventory.stock.adjusted", map[string]any{
		"productId":  result.ProductID,
		"delta":      cmd.Delta,
		"stockAfter": result.StockAfter,
	})
	s.recordStockAudit(ctx, cmd.Actor, stockAdjustAuditAction, result, cmd.RequestID, map[string]any{
		"delta":  cmd.Delta,
		"reason": strings.TrimSpace(cmd.Reason),
	})

	return StockLevel{ProductID: result.ProductID, Stock: result.StockAfter}, nil
}

// Reserve decrements stock against an external reference.
func (s *inventoryService) Reserve(ctx context.Context, cmd StockReserveCommand) (StockLevel, error) {
	line, err := validateReserveCommand(cmd)
	if err != nil {
		return StockLevel{}, err
	}

	result, err := s.inventory.Reserve(ctx, repositories.StockReserveRequest{
		Line:     line,
		OrderRef: strings.TrimSpace(cmd.OrderRef),
		Now:      s.clock(),
	})
	if err != nil {
		return StockLevel{}, mapInventoryRepositoryError(err)
	}

	s.logger(ctx, "inventory.stock.reserved", map[string]any{
		"productId":  result.ProductID,
		"quantity":   line.Quantity,
		"stockAfter": result.StockAfter,
	})
	s.recordStockAudit(ctx, cmd.Actor, stockReserveAuditAction, result, cmd.RequestID, map[string]any{
		"quantity": line.Quantity,
		"orderRef": strings.TrimSpace(cmd.OrderRef),
	})

	return StockLevel{ProductID: result.ProductID, Stock: result.StockAfter}, nil
}

// Release restores previously reserved stock against an external reference.
func (s *inventoryService) Release(ctx context.Context, cmd StockReserveCommand) (StockLevel, error) {
	line, err := validateReserveCommand(cmd)
	if err != nil {
		return StockLevel{}, err
	}

	result, err := s.inventory.Release(ctx, repositories.StockReleaseRequest{
		Line:     line,
		OrderRef: strings.TrimSpace(cmd.OrderRef),
		Now:      s.clock(),
	})
	if err != nil {
		return StockLevel{}, mapInventoryRepositoryError(err)
	}

	s.logger(ctx, "inventory.stock.released", map[string]any{
		"productId":  result.ProductID,
		"quantity":   line.Quantity,
		"stockAfter": result.StockAfter,
	})
	s.recordStockAudit(ctx, cmd.Actor, stockReleaseAuditAction, result, cmd.RequestID, map[string]any{
		"quantity": line.Quantity,
		"orderRef": strings.TrimSpace(cmd.OrderRef),
	})

	return StockLevel{ProductID: result.ProductID, Stock: result.StockAfter}, nil
}

func (s *inventoryService) recordStockAudit(ctx context.Context, actor, action string, result repositories.StockMutationResult, requestID string, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["stockAfter"] = result.StockAfter
	s.audit.Record(ctx, AuditLogRecord{
		Actor:     actor,
		Action:    action,
		TargetRef: "products/" + result.ProductID,
		Metadata:  metadata,
		RequestID: requestID,
	})
}

func validateReserveCommand(cmd StockReserveCommand) (repositories.ReservationLine, error) {
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return repositories.ReservationLine{}, fmt.Errorf("%w: product id is required", ErrInventoryInvalidInput)
	}
	if cmd.Quantity <= 0 {
		return repositories.ReservationLine{}, fmt.Errorf("%w: quantity must be positive", ErrInventoryInvalidInput)
	}
	return repositories.ReservationLine{ProductID: productID, Quantity: cmd.Quantity}, nil
}

func mapInventoryRepositoryError(err error) error {
	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		switch invErr.Code {
		case repositories.InventoryErrorInsufficientStock:
			return fmt.Errorf("%w: %s", ErrInventoryInsufficientStock, invErr.Message)
		case repositories.InventoryErrorStockNotFound:
			return fmt.Errorf("%w: %s", ErrInventoryProductNotFound, invErr.Message)
		}
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return ErrInventoryProductNotFound
	}
	return err
}
