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
	stripe "github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/orderline/api/internal/platform/httpx"
	"github.com/orderline/api/internal/services"
)

const (
	maxWebhookBody        = 64 * 1024
	stripeSignatureHeader = "Stripe-Signature"

	eventPaymentIntentSucceeded = "payment_intent.succeeded"
)

// WebhookLogger defines the logging contract for webhook processing.
type WebhookLogger func(ctx context.Context, event string, fields map[string]any)

// WebhookHandlers receives payment gateway notifications. Signature
// verification happens before any payload field is read.
type WebhookHandlers struct {
	payments      services.PaymentService
	signingSecret string
	logger        WebhookLogger
}

// NewWebhookHandlers constructs webhook handlers bound to the shared signing secret.
func NewWebhookHandlers(payments services.PaymentService, signingSecret string, logger WebhookLogger) *WebhookHandlers {
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &WebhookHandlers{
		payments:      payments,
		signingSecret: strings.TrimSpace(signingSecret),
		logger:        logger,
	}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stripe", h.handleStripe)
}

type webhookAckResponse struct {
	Received  bool   `json:"received"`
	Duplicate bool   `json:"duplicate,omitempty"`
	OrderID   string `json:"orderId,omitempty"`
}

// stripeItemMetadata is the explicit schema expected inside the payment
// intent's "items" metadata entry. A missing quantity means one unit.
type stripeItemMetadata struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

func (h *WebhookHandlers) handleStripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil || h.signingSecret == "" {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "webhook processing unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxWebhookBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	// Stripe accounts pin their own API version; only the signature is checked here.
	event, err := webhook.ConstructEventWithOptions(body, r.Header.Get(stripeSignatureHeader), h.signingSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		h.logger(ctx, "webhook.stripe.signature_rejected", map[string]any{"error": err.Error()})
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
		return
	}

	if string(event.Type) != eventPaymentIntentSucceeded {
		// Unhandled event types are acknowledged so the gateway stops retrying.
		writeJSONResponse(w, http.StatusOK, webhookAckResponse{Received: true})
		return
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", "event payload is not a payment intent", http.StatusBadRequest))
		return
	}

	cmd, err := paymentCommandFromIntent(&intent)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", err.Error(), http.StatusBadRequest))
		return
	}
	cmd.RequestID = middleware.GetReqID(ctx)
	if event.Created > 0 {
		cmd.OccurredAt = time.Unix(event.Created, 0).UTC()
	}

	result, err := h.payments.HandlePaymentSucceeded(ctx, cmd)
	if err != nil {
		h.writePaymentError(ctx, w, cmd.TransactionID, err)
		return
	}

	h.logger(ctx, "webhook.stripe.processed", map[string]any{
		"transactionId": cmd.TransactionID,
		"orderId":       result.Order.ID,
		"duplicate":     result.Duplicate,
	})

	writeJSONResponse(w, http.StatusOK, webhookAckResponse{
		Received:  true,
		Duplicate: result.Duplicate,
		OrderID:   result.Order.ID,
	})
}

func paymentCommandFromIntent(intent *stripe.PaymentIntent) (services.PaymentSucceededCommand, error) {
	if intent == nil || strings.TrimSpace(intent.ID) == "" {
		return services.PaymentSucceededCommand{}, errors.New("payment intent id is missing")
	}

	metadata := intent.Metadata
	userID := strings.TrimSpace(metadata["userId"])
	if userID == "" {
		return services.PaymentSucceededCommand{}, errors.New("userId metadata is required")
	}

	items, err := parseIntentItems(metadata)
	if err != nil {
		return services.PaymentSucceededCommand{}, err
	}

	address, err := intentShippingAddress(intent)
	if err != nil {
		return services.PaymentSucceededCommand{}, err
	}

	cmd := services.PaymentSucceededCommand{
		TransactionID:   intent.ID,
		UserID:          userID,
		Items:           items,
		AmountPaid:      intent.Amount,
		Currency:        strings.ToUpper(string(intent.Currency)),
		PaymentMethod:   "card",
		ShippingAddress: address,
	}
	if intent.AmountReceived > 0 {
		cmd.AmountPaid = intent.AmountReceived
	}
	if email := strings.TrimSpace(intent.ReceiptEmail); email != "" {
		contact := &services.OrderContact{Email: email}
		if intent.Shipping != nil {
			contact.Name = strings.TrimSpace(intent.Shipping.Name)
		}
		contact.Locale = strings.TrimSpace(metadata["locale"])
		cmd.Contact = contact
	}
	return cmd, nil
}

// parseIntentItems accepts either a JSON "items" array or a legacy
// comma-separated "productIds" entry where each id means a single unit.
func parseIntentItems(metadata map[string]string) ([]services.PaymentItemInput, error) {
	if raw := strings.TrimSpace(metadata["items"]); raw != "" {
		var entries []stripeItemMetadata
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			return nil, errors.New("items metadata must be a JSON array")
		}
		items := make([]services.PaymentItemInput, 0, len(entries))
		for _, entry := range entries {
			items = append(items, services.PaymentItemInput{
				ProductID: strings.TrimSpace(entry.ProductID),
				Quantity:  entry.Quantity,
			})
		}
		return items, nil
	}

	if raw := strings.TrimSpace(metadata["productIds"]); raw != "" {
		parts := strings.Split(raw, ",")
		items := make([]services.PaymentItemInput, 0, len(parts))
		for _, part := range parts {
			id := strings.TrimSpace(part)
			if id == "" {
				continue
			}
			items = append(items, services.PaymentItemInput{ProductID: id, Quantity: 1})
		}
		return items, nil
	}

	return nil, errors.New("items metadata is required")
}

func intentShippingAddress(intent *stripe.PaymentIntent) (services.Address, error) {
	if intent.Shipping == nil || intent.Shipping.Address == nil {
		return services.Address{}, errors.New("shipping details are required")
	}
	src := intent.Shipping.Address
	addr := services.Address{
		Recipient:  strings.TrimSpace(intent.Shipping.Name),
		Line1:      strings.TrimSpace(src.Line1),
		City:       strings.TrimSpace(src.City),
		PostalCode: strings.TrimSpace(src.PostalCode),
		Country:    strings.ToUpper(strings.TrimSpace(src.Country)),
	}
	if line2 := strings.TrimSpace(src.Line2); line2 != "" {
		addr.Line2 = &line2
	}
	if state := strings.TrimSpace(src.State); state != "" {
		addr.State = &state
	}
	if phone := strings.TrimSpace(intent.Shipping.Phone); phone != "" {
		addr.Phone = &phone
	}
	return addr, nil
}

func (h *WebhookHandlers) writePaymentError(ctx context.Context, w http.ResponseWriter, transactionID string, err error) {
	h.logger(ctx, "webhook.stripe.failed", map[string]any{
		"transactionId": transactionID,
		"error":         err.Error(),
	})
	switch {
	case errors.Is(err, services.ErrPaymentInvalidPayload):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentAmountMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("amount_mismatch", "paid amount does not match order total", http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentProductNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", "referenced product does not exist", http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", "insufficient stock to fulfil payment", http.StatusBadRequest))
	default:
		// A 5xx keeps the delivery unacknowledged so the gateway retries.
		httpx.WriteError(ctx, w, httpx.NewError("webhook_error", "failed to process payment event", http.StatusInternalServerError))
	}
}
