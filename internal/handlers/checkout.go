package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	domain "github.com/orderline/api/internal/domain"
	"github.com/orderline/api/internal/platform/auth"
	"github.com/orderline/api/internal/platform/httpx"
	"github.com/orderline/api/internal/services"
)

const (
	maxCheckoutRequestBody  = 16 * 1024
	checkoutRateLimit       = 10
	checkoutRateLimitWindow = time.Minute
)

// CheckoutHandlers exposes the order placement endpoint for authenticated users.
type CheckoutHandlers struct {
	authn    *auth.Authenticator
	checkout services.CheckoutService
	limiter  rateLimiter
}

// CheckoutOption customises the checkout handlers.
type CheckoutOption func(*CheckoutHandlers)

// WithCheckoutRateLimit overrides how many checkout attempts a user may make
// per minute. Zero or negative disables the limiter.
func WithCheckoutRateLimit(perMinute int) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.limiter = newSimpleRateLimiter(perMinute, checkoutRateLimitWindow, time.Now)
	}
}

// NewCheckoutHandlers constructs checkout handlers guarded by Firebase authentication.
func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService, opts ...CheckoutOption) *CheckoutHandlers {
	handlers := &CheckoutHandlers{
		authn:    authn,
		checkout: checkout,
		limiter:  newSimpleRateLimiter(checkoutRateLimit, checkoutRateLimitWindow, time.Now),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(handlers)
		}
	}
	return handlers
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth())
	}
	group.Post("/", h.placeOrder)
}

type checkoutItemRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type checkoutRequest struct {
	Items           []checkoutItemRequest   `json:"items"`
	ShippingAddress addressPayload          `json:"shipping_address"`
	PaymentMethod   string                  `json:"payment_method"`
	Discount        *checkoutDiscountInput  `json:"discount,omitempty"`
	Contact         *checkoutContactRequest `json:"contact,omitempty"`
	Metadata        map[string]string       `json:"metadata,omitempty"`
}

type checkoutDiscountInput struct {
	Code       string  `json:"code"`
	Type       string  `json:"type"`
	Percentage float64 `json:"percentage,omitempty"`
	Amount     int64   `json:"amount,omitempty"`
	StartDate  string  `json:"start_date,omitempty"`
	EndDate    string  `json:"end_date,omitempty"`
}

type checkoutContactRequest struct {
	Email  string `json:"email"`
	Name   string `json:"name,omitempty"`
	Locale string `json:"locale,omitempty"`
}

type checkoutResponse struct {
	Order        orderPayload `json:"order"`
	ClientSecret string       `json:"client_secret,omitempty"`
}

func (h *CheckoutHandlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	if h.limiter != nil && !h.limiter.Allow(identity.UID) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many checkout attempts, retry later", http.StatusTooManyRequests))
		return
	}

	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req checkoutRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	items := make([]services.CheckoutItemInput, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.CheckoutItemInput{
			ProductID: strings.TrimSpace(item.ProductID),
			Quantity:  item.Quantity,
		})
	}

	discount, err := parseCheckoutDiscount(req.Discount)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	cmd := services.CheckoutCommand{
		UserID:          identity.UID,
		Items:           items,
		ShippingAddress: addressFromPayload(req.ShippingAddress),
		PaymentMethod:   req.PaymentMethod,
		Discount:        discount,
		Metadata:        req.Metadata,
		RequestID:       middleware.GetReqID(ctx),
	}
	if req.Contact != nil {
		cmd.Contact = &services.OrderContact{
			Email:  strings.TrimSpace(req.Contact.Email),
			Name:   strings.TrimSpace(req.Contact.Name),
			Locale: strings.TrimSpace(req.Contact.Locale),
		}
	} else if email := strings.TrimSpace(identity.Email); email != "" {
		cmd.Contact = &services.OrderContact{Email: email, Locale: identity.Locale}
	}

	result, err := h.checkout.Checkout(ctx, cmd)
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, checkoutResponse{
		Order:        buildOrderPayload(result.Order),
		ClientSecret: result.ClientSecret,
	})
}

func parseCheckoutDiscount(input *checkoutDiscountInput) (*domain.Discount, error) {
	if input == nil {
		return nil, nil
	}
	discount := &domain.Discount{
		Code:       strings.ToUpper(strings.TrimSpace(input.Code)),
		Type:       domain.DiscountType(strings.ToLower(strings.TrimSpace(input.Type))),
		Percentage: input.Percentage,
		Amount:     input.Amount,
	}
	if raw := strings.TrimSpace(input.StartDate); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			return nil, errors.New("discount.start_date must be a valid RFC3339 timestamp")
		}
		discount.StartDate = &ts
	}
	if raw := strings.TrimSpace(input.EndDate); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			return nil, errors.New("discount.end_date must be a valid RFC3339 timestamp")
		}
		discount.EndDate = &ts
	}
	return discount, nil
}

func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCheckoutEmptyCart):
		httpx.WriteError(ctx, w, httpx.NewError("empty_cart", "at least one item is required", http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutMissingShippingAddress):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutMissingPaymentMethod):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutInvalidDiscount):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_discount", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutProductNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", "one or more products do not exist", http.StatusNotFound))
	case errors.Is(err, services.ErrCheckoutProductInactive):
		httpx.WriteError(ctx, w, httpx.NewError("product_unavailable", "one or more products are unavailable", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", "insufficient stock to reserve items", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutPaymentFailed):
		httpx.WriteError(ctx, w, httpx.NewError("payment_failed", "payment could not be initiated", http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "failed to process checkout request", http.StatusInternalServerError))
	}
}
