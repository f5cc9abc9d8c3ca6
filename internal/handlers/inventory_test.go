package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/orderline/api/internal/platform/auth"
	"github.com/orderline/api/internal/services"
)

type stubInventoryService struct {
	stockFunc   func(ctx context.Context, productID string) (services.StockLevel, error)
	productFunc func(ctx context.Context, productID string) (services.Product, error)
	adjustFunc  func(ctx context.Context, cmd services.StockAdjustCommand) (services.StockLevel, error)
	reserveFunc func(ctx context.Context, cmd services.StockReserveCommand) (services.StockLevel, error)
	releaseFunc func(ctx context.Context, cmd services.StockReserveCommand) (services.StockLevel, error)
}

func (s *stubInventoryService) GetStock(ctx context.Context, productID string) (services.StockLevel, error) {
	if s.stockFunc != nil {
		return s.stockFunc(ctx, productID)
	}
	return services.StockLevel{}, errors.New("not implemented")
}

func (s *stubInventoryService) GetProduct(ctx context.Context, productID string) (services.Product, error) {
	if s.productFunc != nil {
		return s.productFunc(ctx, productID)
	}
	return services.Product{}, errors.New("not implemented")
}

func (s *stubInventoryService) AdjustStock(ctx context.Context, cmd services.StockAdjustCommand) (services.StockLevel, error) {
	if s.adjustFunc != nil {
		return s.adjustFunc(ctx, cmd)
	}
	return services.StockLevel{}, errors.New("not implemented")
}

func (s *stubInventoryService) Reserve(ctx context.Context, cmd services.StockReserveCommand) (services.StockLevel, error) {
	if s.reserveFunc != nil {
		return s.reserveFunc(ctx, cmd)
	}
	return services.StockLevel{}, errors.New("not implemented")
}

func (s *stubInventoryService) Release(ctx context.Context, cmd services.StockReserveCommand) (services.StockLevel, error) {
	if s.releaseFunc != nil {
		return s.releaseFunc(ctx, cmd)
	}
	return services.StockLevel{}, errors.New("not implemented")
}

var _ services.InventoryService = (*stubInventoryService)(nil)

func newInventoryRouter(handler *InventoryHandlers) chi.Router {
	router := chi.NewRouter()
	router.Route("/products", handler.Routes)
	router.Route("/admin", handler.AdminRoutes)
	return router
}

func TestInventoryHandlersGetStock(t *testing.T) {
	service := &stubInventoryService{
		stockFunc: func(ctx context.Context, productID string) (services.StockLevel, error) {
			if productID != "prod-1" {
				t.Fatalf("unexpected product id %s", productID)
			}
			return services.StockLevel{ProductID: "prod-1", Stock: 7}, nil
		},
	}
	router := newInventoryRouter(NewInventoryHandlers(nil, service))

	req := httptest.NewRequest(http.MethodGet, "/products/prod-1/stock", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp stockLevelResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.ProductID != "prod-1" || resp.Stock != 7 {
		t.Fatalf("unexpected stock payload %#v", resp)
	}
}

func TestInventoryHandlersGetStockUnknownProduct(t *testing.T) {
	service := &stubInventoryService{
		stockFunc: func(context.Context, string) (services.StockLevel, error) {
			return services.StockLevel{}, services.ErrInventoryProductNotFound
		},
	}
	router := newInventoryRouter(NewInventoryHandlers(nil, service))

	req := httptest.NewRequest(http.MethodGet, "/products/prod-x/stock", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestInventoryHandlersGetProduct(t *testing.T) {
	service := &stubInventoryService{
		productFunc: func(ctx context.Context, productID string) (services.Product, error) {
			return services.Product{
				ID:        productID,
				Name:      "Washi Notebook",
				SKU:       "WN-01",
				UnitPrice: 1200,
				Currency:  "jpy",
				Stock:     10,
				Active:    true,
			}, nil
		},
	}
	router := newInventoryRouter(NewInventoryHandlers(nil, service))

	req := httptest.NewRequest(http.MethodGet, "/products/prod-1", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp productResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.ID != "prod-1" || resp.Name != "Washi Notebook" {
		t.Fatalf("unexpected product payload %#v", resp)
	}
	if resp.Currency != "JPY" {
		t.Fatalf("expected currency uppercased, got %s", resp.Currency)
	}
}

func TestInventoryHandlersAdjustStock(t *testing.T) {
	var captured services.StockAdjustCommand
	service := &stubInventoryService{
		adjustFunc: func(ctx context.Context, cmd services.StockAdjustCommand) (services.StockLevel, error) {
			captured = cmd
			return services.StockLevel{ProductID: cmd.ProductID, Stock: 12}, nil
		},
	}
	router := newInventoryRouter(NewInventoryHandlers(nil, service))

	req := httptest.NewRequest(http.MethodPost, "/admin/inventory/prod-1:adjust", bytes.NewBufferString(`{"delta":5,"reason":"restock"}`))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "staff-1", Roles: []string{auth.RoleStaff}}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.ProductID != "prod-1" || captured.Delta != 5 || captured.Reason != "restock" {
		t.Fatalf("unexpected adjust command %#v", captured)
	}
	if captured.Actor != "staff:staff-1" {
		t.Fatalf("unexpected actor %s", captured.Actor)
	}

	var resp stockLevelResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Stock != 12 {
		t.Fatalf("unexpected stock %d", resp.Stock)
	}
}

func TestInventoryHandlersAdjustStockUnauthenticated(t *testing.T) {
	router := newInventoryRouter(NewInventoryHandlers(nil, &stubInventoryService{}))

	req := httptest.NewRequest(http.MethodPost, "/admin/inventory/prod-1:adjust", bytes.NewBufferString(`{"delta":5}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestInventoryHandlersReserveAndRelease(t *testing.T) {
	var reserved, released []services.StockReserveCommand
	service := &stubInventoryService{
		reserveFunc: func(ctx context.Context, cmd services.StockReserveCommand) (services.StockLevel, error) {
			reserved = append(reserved, cmd)
			return services.StockLevel{ProductID: cmd.ProductID, Stock: 5}, nil
		},
		releaseFunc: func(ctx context.Context, cmd services.StockReserveCommand) (services.StockLevel, error) {
			released = append(released, cmd)
			return services.StockLevel{ProductID: cmd.ProductID, Stock: 8}, nil
		},
	}
	router := newInventoryRouter(NewInventoryHandlers(nil, service))

	send := func(action string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/admin/inventory/prod-1:"+action, bytes.NewBufferString(`{"quantity":3,"order_ref":"ord_1"}`))
		req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "staff-1", Roles: []string{auth.RoleStaff}}))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	if rr := send("reserve"); rr.Code != http.StatusOK {
		t.Fatalf("expected reserve status 200, got %d", rr.Code)
	}
	if rr := send("release"); rr.Code != http.StatusOK {
		t.Fatalf("expected release status 200, got %d", rr.Code)
	}

	if len(reserved) != 1 || reserved[0].Quantity != 3 || reserved[0].OrderRef != "ord_1" {
		t.Fatalf("unexpected reserve commands %#v", reserved)
	}
	if len(released) != 1 || released[0].ProductID != "prod-1" {
		t.Fatalf("unexpected release commands %#v", released)
	}
}

func TestInventoryHandlersReserveInsufficientStock(t *testing.T) {
	service := &stubInventoryService{
		reserveFunc: func(context.Context, services.StockReserveCommand) (services.StockLevel, error) {
			return services.StockLevel{}, services.ErrInventoryInsufficientStock
		},
	}
	router := newInventoryRouter(NewInventoryHandlers(nil, service))

	req := httptest.NewRequest(http.MethodPost, "/admin/inventory/prod-1:reserve", bytes.NewBufferString(`{"quantity":99}`))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "staff-1", Roles: []string{auth.RoleStaff}}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
	var errResp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	if errResp["error"] != "insufficient_stock" {
		t.Fatalf("expected error code insufficient_stock, got %#v", errResp["error"])
	}
}
