package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/orderline/api/internal/domain"
	pfirestore "github.com/orderline/api/internal/platform/firestore"
	"github.com/orderline/api/internal/repositories"
)

const (
	stockEventReserved = "reserved"
	stockEventReleased = "released"
	stockEventAdjusted = "adjusted"
)

// InventoryRepository mutates the stock counter on product documents. Every
// mutation runs inside a Firestore transaction so the availability check and
// the decrement commit as one conditional write.
type InventoryRepository struct {
	provider *pfirestore.Provider
	products *pfirestore.BaseRepository[productDocument]
}

// NewInventoryRepository constructs a Firestore-backed inventory ledger.
func NewInventoryRepository(provider *pfirestore.Provider) (*InventoryRepository, error) {
	if provider == nil {
		return nil, errors.New("inventory repository requires firestore provider")
	}
	products := pfirestore.NewBaseRepository[productDocument](provider, productsCollection, nil, nil)
	return &InventoryRepository{provider: provider, products: products}, nil
}

// Reserve decrements stock for one product when enough is available.
func (r *InventoryRepository) Reserve(ctx context.Context, req repositories.StockReserveRequest) (repositories.StockMutationResult, error) {
	if r == nil || r.provider == nil {
		return repositories.StockMutationResult{}, errors.New("inventory repository not initialised")
	}
	if req.Line.Quantity <= 0 {
		return repositories.StockMutationResult{}, repositories.NewInventoryError(repositories.InventoryErrorUnknown, fmt.Sprintf("inventory reserve: quantity for %s must be > 0", req.Line.ProductID), nil)
	}

	result, err := r.mutate(ctx, stockMutation{
		productID: req.Line.ProductID,
		delta:     -req.Line.Quantity,
		orderRef:  req.OrderRef,
		eventType: stockEventReserved,
		now:       req.Now,
	})
	if err != nil {
		return repositories.StockMutationResult{}, wrapInventoryError("inventory.reserve", err)
	}
	return result, nil
}

// Release restores previously reserved stock.
func (r *InventoryRepository) Release(ctx context.Context, req repositories.StockReleaseRequest) (repositories.StockMutationResult, error) {
	if r == nil || r.provider == nil {
		return repositories.StockMutationResult{}, errors.New("inventory repository not initialised")
	}
	if req.Line.Quantity <= 0 {
		return repositories.StockMutationResult{}, repositories.NewInventoryError(repositories.InventoryErrorUnknown, fmt.Sprintf("inventory release: quantity for %s must be > 0", req.Line.ProductID), nil)
	}

	result, err := r.mutate(ctx, stockMutation{
		productID: req.Line.ProductID,
		delta:     req.Line.Quantity,
		orderRef:  req.OrderRef,
		eventType: stockEventReleased,
		now:       req.Now,
	})
	if err != nil {
		return repositories.StockMutationResult{}, wrapInventoryError("inventory.release", err)
	}
	return result, nil
}

// Adjust applies an administrative stock delta.
func (r *InventoryRepository) Adjust(ctx context.Context, req repositories.StockAdjustRequest) (repositories.StockMutationResult, error) {
	if r == nil || r.provider == nil {
		return repositories.StockMutationResult{}, errors.New("inventory repository not initialised")
	}
	if req.Adjustment.Delta == 0 {
		return repositories.StockMutationResult{}, repositories.NewInventoryError(repositories.InventoryErrorUnknown, "inventory adjust: delta must not be zero", nil)
	}

	result, err := r.mutate(ctx, stockMutation{
		productID: req.Adjustment.ProductID,
		delta:     req.Adjustment.Delta,
		eventType: stockEventAdjusted,
		now:       req.Now,
	})
	if err != nil {
		return repositories.StockMutationResult{}, wrapInventoryError("inventory.adjust", err)
	}
	return result, nil
}

// GetStock loads the product including its current counter.
func (r *InventoryRepository) GetStock(ctx context.Context, productID string) (domain.Product, error) {
	if r == nil || r.products == nil {
		return domain.Product{}, errors.New("inventory repository not initialised")
	}
	id := strings.TrimSpace(productID)
	if id == "" {
		return domain.Product{}, repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, "inventory get: product id is required", nil)
	}

	doc, err := r.products.Get(ctx, id)
	if err != nil {
		if repoErr, ok := err.(*pfirestore.Error); ok && repoErr.IsNotFound() {
			return domain.Product{}, repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, fmt.Sprintf("stock for %s not found", id), err)
		}
		return domain.Product{}, wrapInventoryError("inventory.getStock", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

// stockMutation is the transactional unit shared by reserve/release/adjust.
type stockMutation struct {
	productID string
	delta     int
	orderRef  string
	eventType string
	now       time.Time
}

func (r *InventoryRepository) mutate(ctx context.Context, m stockMutation) (repositories.StockMutationResult, error) {
	productID := strings.TrimSpace(m.productID)
	if productID == "" {
		return repositories.StockMutationResult{}, repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, "inventory: product id is required", nil)
	}
	now := m.now.UTC()
	if m.now.IsZero() {
		now = time.Now().UTC()
	}

	var result repositories.StockMutationResult
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		applied, err := applyStockDelta(ctx, tx, r.products, productID, m.delta, now)
		if err != nil {
			return err
		}
		result = repositories.StockMutationResult{
			ProductID:  productID,
			StockAfter: applied.Stock,
			Event: domain.StockEvent{
				Type:       m.eventType,
				ProductID:  productID,
				OrderRef:   m.orderRef,
				Delta:      m.delta,
				StockAfter: applied.Stock,
				OccurredAt: now,
			},
		}
		return nil
	})
	if err != nil {
		return repositories.StockMutationResult{}, err
	}
	return result, nil
}

// applyStockDelta reads the product within the transaction, verifies the
// counter stays non-negative and writes the new value. A negative delta with
// insufficient stock yields InventoryErrorInsufficientStock.
func applyStockDelta(ctx context.Context, tx *firestore.Transaction, products *pfirestore.BaseRepository[productDocument], productID string, delta int, now time.Time) (productDocument, error) {
	ref, err := products.DocumentRef(ctx, productID)
	if err != nil {
		return productDocument{}, err
	}
	snap, err := tx.Get(ref)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return productDocument{}, repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, fmt.Sprintf("stock for %s not found", productID), err)
		}
		return productDocument{}, err
	}
	var doc productDocument
	if err := snap.DataTo(&doc); err != nil {
		return productDocument{}, fmt.Errorf("decode product %s: %w", productID, err)
	}

	next := doc.Stock + delta
	if next < 0 {
		name := strings.TrimSpace(doc.Name)
		if name == "" {
			name = productID
		}
		return productDocument{}, repositories.NewInventoryError(repositories.InventoryErrorInsufficientStock, fmt.Sprintf("insufficient stock for %s", name), nil)
	}

	if err := tx.Update(ref, []firestore.Update{
		{Path: "stock", Value: next},
		{Path: "updatedAt", Value: now},
	}); err != nil {
		return productDocument{}, err
	}
	doc.Stock = next
	doc.UpdatedAt = now
	return doc, nil
}

func wrapInventoryError(op string, err error) error {
	if err == nil {
		return nil
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
