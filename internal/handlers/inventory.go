package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/orderline/api/internal/platform/auth"
	"github.com/orderline/api/internal/platform/httpx"
	"github.com/orderline/api/internal/services"
)

const maxInventoryMutationBody = 8 * 1024

// InventoryHandlers exposes stock reads and staff-only stock corrections.
type InventoryHandlers struct {
	authn     *auth.Authenticator
	inventory services.InventoryService
}

// NewInventoryHandlers constructs a new InventoryHandlers instance.
func NewInventoryHandlers(authn *auth.Authenticator, inventory services.InventoryService) *InventoryHandlers {
	return &InventoryHandlers{
		authn:     authn,
		inventory: inventory,
	}
}

// Routes registers the public product stock endpoints.
func (h *InventoryHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/{productID}", h.getProduct)
	r.Get("/{productID}/stock", h.getStock)
}

// AdminRoutes registers staff-only stock mutation endpoints.
func (h *InventoryHandlers) AdminRoutes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleStaff, auth.RoleAdmin))
	}
	r.Post("/inventory/{productID}:adjust", h.adjustStock)
	r.Post("/inventory/{productID}:reserve", h.reserveStock)
	r.Post("/inventory/{productID}:release", h.releaseStock)
}

type stockLevelResponse struct {
	ProductID string `json:"product_id"`
	Stock     int    `json:"stock"`
}

type productResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	SKU         string `json:"sku"`
	UnitPrice   int64  `json:"unit_price"`
	Currency    string `json:"currency"`
	Stock       int    `json:"stock"`
	Active      bool   `json:"active"`
	CreatedAt   string `json:"created_at,omitempty"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

func (h *InventoryHandlers) getProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		httpx.WriteError(ctx, w, httpx.NewError("inventory_unavailable", "inventory service unavailable", http.StatusServiceUnavailable))
		return
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	product, err := h.inventory.GetProduct(ctx, productID)
	if err != nil {
		writeInventoryError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, productResponse{
		ID:          product.ID,
		Name:        product.Name,
		Description: product.Description,
		SKU:         product.SKU,
		UnitPrice:   product.UnitPrice,
		Currency:    strings.ToUpper(strings.TrimSpace(product.Currency)),
		Stock:       product.Stock,
		Active:      product.Active,
		CreatedAt:   formatTime(product.CreatedAt),
		UpdatedAt:   formatTime(product.UpdatedAt),
	})
}

func (h *InventoryHandlers) getStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		httpx.WriteError(ctx, w, httpx.NewError("inventory_unavailable", "inventory service unavailable", http.StatusServiceUnavailable))
		return
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	level, err := h.inventory.GetStock(ctx, productID)
	if err != nil {
		writeInventoryError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, stockLevelResponse{ProductID: level.ProductID, Stock: level.Stock})
}

type adjustStockRequest struct {
	Delta  int    `json:"delta"`
	Reason string `json:"reason"`
}

func (h *InventoryHandlers) adjustStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireStaff(ctx, w)
	if !ok {
		return
	}

	var req adjustStockRequest
	if !h.decodeMutationBody(ctx, w, r, &req) {
		return
	}

	level, err := h.inventory.AdjustStock(ctx, services.StockAdjustCommand{
		ProductID: strings.TrimSpace(chi.URLParam(r, "productID")),
		Delta:     req.Delta,
		Reason:    strings.TrimSpace(req.Reason),
		Actor:     "staff:" + strings.TrimSpace(identity.UID),
		RequestID: middleware.GetReqID(ctx),
	})
	if err != nil {
		writeInventoryError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, stockLevelResponse{ProductID: level.ProductID, Stock: level.Stock})
}

type reserveStockRequest struct {
	Quantity int    `json:"quantity"`
	OrderRef string `json:"order_ref"`
}

func (h *InventoryHandlers) reserveStock(w http.ResponseWriter, r *http.Request) {
	h.mutateReservation(w, r, false)
}

func (h *InventoryHandlers) releaseStock(w http.ResponseWriter, r *http.Request) {
	h.mutateReservation(w, r, true)
}

func (h *InventoryHandlers) mutateReservation(w http.ResponseWriter, r *http.Request, release bool) {
	ctx := r.Context()
	identity, ok := h.requireStaff(ctx, w)
	if !ok {
		return
	}

	var req reserveStockRequest
	if !h.decodeMutationBody(ctx, w, r, &req) {
		return
	}

	op := h.inventory.Reserve
	if release {
		op = h.inventory.Release
	}

	level, err := op(ctx, services.StockReserveCommand{
		ProductID: strings.TrimSpace(chi.URLParam(r, "productID")),
		Quantity:  req.Quantity,
		OrderRef:  strings.TrimSpace(req.OrderRef),
		Actor:     "staff:" + strings.TrimSpace(identity.UID),
		RequestID: middleware.GetReqID(ctx),
	})
	if err != nil {
		writeInventoryError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, stockLevelResponse{ProductID: level.ProductID, Stock: level.Stock})
}

func (h *InventoryHandlers) requireStaff(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	if h.inventory == nil {
		httpx.WriteError(ctx, w, httpx.NewError("inventory_unavailable", "inventory service unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func (h *InventoryHandlers) decodeMutationBody(ctx context.Context, w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := readLimitedBody(r, maxInventoryMutationBody)
	if err != nil {
		writeBodyError(ctx, w, err)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

func writeInventoryError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrInventoryInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrInventoryProductNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", "product not found", http.StatusNotFound))
	case errors.Is(err, services.ErrInventoryInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", "insufficient stock", http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("inventory_error", "failed to process inventory request", http.StatusInternalServerError))
	}
}
