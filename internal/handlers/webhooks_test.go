package handlers

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/orderline/api/internal/services"
)

const testSigningSecret = "whsec_test_secret"

type stubPaymentService struct {
	handleFunc func(ctx context.Context, cmd services.PaymentSucceededCommand) (services.PaymentReconcileResult, error)
	calls      int
}

func (s *stubPaymentService) HandlePaymentSucceeded(ctx context.Context, cmd services.PaymentSucceededCommand) (services.PaymentReconcileResult, error) {
	s.calls++
	if s.handleFunc != nil {
		return s.handleFunc(ctx, cmd)
	}
	return services.PaymentReconcileResult{}, errors.New("not implemented")
}

var _ services.PaymentService = (*stubPaymentService)(nil)

func newWebhookRouter(service services.PaymentService) chi.Router {
	router := chi.NewRouter()
	handler := NewWebhookHandlers(service, testSigningSecret, nil)
	router.Route("/webhooks", handler.Routes)
	return router
}

func signedStripeRequest(t *testing.T, payload string) *http.Request {
	t.Helper()
	now := time.Now()
	signature := webhook.ComputeSignature(now, []byte(payload), testSigningSecret)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewBufferString(payload))
	req.Header.Set(stripeSignatureHeader, fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(signature)))
	return req
}

func paymentIntentEvent(eventType string, intent map[string]any) string {
	event := map[string]any{
		"id":      "evt_1",
		"type":    eventType,
		"created": time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC).Unix(),
		"data":    map[string]any{"object": intent},
	}
	raw, _ := json.Marshal(event)
	return string(raw)
}

func succeededIntent() map[string]any {
	return map[string]any{
		"id":              "pi_123",
		"object":          "payment_intent",
		"amount":          2400,
		"amount_received": 2400,
		"currency":        "jpy",
		"receipt_email":   "hana@example.com",
		"metadata": map[string]any{
			"userId": "user-1",
			"items":  `[{"product_id":"prod-1","quantity":2},{"product_id":"prod-2"}]`,
			"locale": "ja-JP",
		},
		"shipping": map[string]any{
			"name":  "Hana Tanaka",
			"phone": "+81-3-0000-0000",
			"address": map[string]any{
				"line1":       "1-2-3 Ginza",
				"city":        "Tokyo",
				"postal_code": "104-0061",
				"country":     "jp",
			},
		},
	}
}

func TestWebhookHandlersStripeProcessesPayment(t *testing.T) {
	var captured services.PaymentSucceededCommand
	service := &stubPaymentService{
		handleFunc: func(ctx context.Context, cmd services.PaymentSucceededCommand) (services.PaymentReconcileResult, error) {
			captured = cmd
			return services.PaymentReconcileResult{
				Order: services.Order{ID: "ord_1", OrderNumber: "OL-2025-000042"},
			}, nil
		},
	}
	router := newWebhookRouter(service)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, signedStripeRequest(t, paymentIntentEvent("payment_intent.succeeded", succeededIntent())))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.TransactionID != "pi_123" {
		t.Fatalf("unexpected transaction id %s", captured.TransactionID)
	}
	if captured.UserID != "user-1" {
		t.Fatalf("unexpected user id %s", captured.UserID)
	}
	if len(captured.Items) != 2 {
		t.Fatalf("unexpected items %#v", captured.Items)
	}
	if captured.Items[0].ProductID != "prod-1" || captured.Items[0].Quantity != 2 {
		t.Fatalf("unexpected first item %#v", captured.Items[0])
	}
	if captured.Items[1].ProductID != "prod-2" || captured.Items[1].Quantity != 0 {
		t.Fatalf("expected missing quantity to pass through as zero, got %#v", captured.Items[1])
	}
	if captured.AmountPaid != 2400 {
		t.Fatalf("unexpected amount %d", captured.AmountPaid)
	}
	if captured.Currency != "JPY" {
		t.Fatalf("expected currency uppercased, got %s", captured.Currency)
	}
	if captured.ShippingAddress.City != "Tokyo" || captured.ShippingAddress.Country != "JP" {
		t.Fatalf("unexpected address %#v", captured.ShippingAddress)
	}
	if captured.Contact == nil || captured.Contact.Email != "hana@example.com" || captured.Contact.Locale != "ja-JP" {
		t.Fatalf("unexpected contact %#v", captured.Contact)
	}
	want := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	if !captured.OccurredAt.Equal(want) {
		t.Fatalf("expected occurred_at from event created time, got %s", captured.OccurredAt)
	}

	var ack webhookAckResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &ack); err != nil {
		t.Fatalf("failed to decode ack: %v", err)
	}
	if !ack.Received || ack.Duplicate {
		t.Fatalf("unexpected ack %#v", ack)
	}
	if ack.OrderID != "ord_1" {
		t.Fatalf("unexpected order id %s", ack.OrderID)
	}
}

func TestWebhookHandlersStripeAcksDuplicateDelivery(t *testing.T) {
	service := &stubPaymentService{
		handleFunc: func(context.Context, services.PaymentSucceededCommand) (services.PaymentReconcileResult, error) {
			return services.PaymentReconcileResult{
				Order:     services.Order{ID: "ord_existing"},
				Duplicate: true,
			}, nil
		},
	}
	router := newWebhookRouter(service)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, signedStripeRequest(t, paymentIntentEvent("payment_intent.succeeded", succeededIntent())))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 on replay, got %d", rr.Code)
	}
	var ack webhookAckResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &ack); err != nil {
		t.Fatalf("failed to decode ack: %v", err)
	}
	if !ack.Received || !ack.Duplicate {
		t.Fatalf("expected duplicate ack, got %#v", ack)
	}
}

func TestWebhookHandlersStripeRejectsBadSignature(t *testing.T) {
	service := &stubPaymentService{}
	router := newWebhookRouter(service)

	payload := paymentIntentEvent("payment_intent.succeeded", succeededIntent())
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewBufferString(payload))
	req.Header.Set(stripeSignatureHeader, "t=1,v1=deadbeef")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	var errResp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	if errResp["error"] != "invalid_signature" {
		t.Fatalf("expected error code invalid_signature, got %#v", errResp["error"])
	}
	if service.calls != 0 {
		t.Fatalf("expected no service calls on signature failure, got %d", service.calls)
	}
}

func TestWebhookHandlersStripeAcksUnhandledEventTypes(t *testing.T) {
	service := &stubPaymentService{}
	router := newWebhookRouter(service)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, signedStripeRequest(t, paymentIntentEvent("payment_intent.payment_failed", succeededIntent())))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if service.calls != 0 {
		t.Fatalf("expected unhandled event types to skip processing, got %d calls", service.calls)
	}
}

func TestWebhookHandlersStripeLegacyProductIDs(t *testing.T) {
	var captured services.PaymentSucceededCommand
	service := &stubPaymentService{
		handleFunc: func(ctx context.Context, cmd services.PaymentSucceededCommand) (services.PaymentReconcileResult, error) {
			captured = cmd
			return services.PaymentReconcileResult{Order: services.Order{ID: "ord_1"}}, nil
		},
	}
	router := newWebhookRouter(service)

	intent := succeededIntent()
	intent["metadata"] = map[string]any{
		"userId":     "user-1",
		"productIds": "prod-1, prod-2,,prod-3",
	}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, signedStripeRequest(t, paymentIntentEvent("payment_intent.succeeded", intent)))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(captured.Items) != 3 {
		t.Fatalf("unexpected items %#v", captured.Items)
	}
	for i, item := range captured.Items {
		if item.Quantity != 1 {
			t.Fatalf("expected each legacy id to mean one unit, item %d has %d", i, item.Quantity)
		}
	}
}

func TestWebhookHandlersStripeRejectsIncompletePayloads(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(intent map[string]any)
	}{
		{
			name:   "missing user",
			mutate: func(intent map[string]any) { intent["metadata"] = map[string]any{"items": `[]`} },
		},
		{
			name:   "missing items",
			mutate: func(intent map[string]any) { intent["metadata"] = map[string]any{"userId": "user-1"} },
		},
		{
			name: "malformed items",
			mutate: func(intent map[string]any) {
				intent["metadata"] = map[string]any{"userId": "user-1", "items": "prod-1"}
			},
		},
		{
			name:   "missing shipping",
			mutate: func(intent map[string]any) { delete(intent, "shipping") },
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			service := &stubPaymentService{}
			router := newWebhookRouter(service)

			intent := succeededIntent()
			tc.mutate(intent)

			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, signedStripeRequest(t, paymentIntentEvent("payment_intent.succeeded", intent)))

			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
			}
			if service.calls != 0 {
				t.Fatalf("expected no service calls, got %d", service.calls)
			}
		})
	}
}

func TestWebhookHandlersStripeMapsReconcileErrors(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "amount mismatch", err: services.ErrPaymentAmountMismatch, wantStatus: http.StatusBadRequest, wantCode: "amount_mismatch"},
		{name: "unknown product", err: services.ErrPaymentProductNotFound, wantStatus: http.StatusBadRequest, wantCode: "product_not_found"},
		{name: "stock exhausted", err: services.ErrPaymentInsufficientStock, wantStatus: http.StatusBadRequest, wantCode: "insufficient_stock"},
		{name: "storage down", err: errors.New("firestore unavailable"), wantStatus: http.StatusInternalServerError, wantCode: "webhook_error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newWebhookRouter(&stubPaymentService{
				handleFunc: func(context.Context, services.PaymentSucceededCommand) (services.PaymentReconcileResult, error) {
					return services.PaymentReconcileResult{}, tc.err
				},
			})

			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, signedStripeRequest(t, paymentIntentEvent("payment_intent.succeeded", succeededIntent())))

			if rr.Code != tc.wantStatus {
				t.Fatalf("expected status %d, got %d", tc.wantStatus, rr.Code)
			}
			var errResp map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &errResp); err != nil {
				t.Fatalf("failed to decode error response: %v", err)
			}
			if errResp["error"] != tc.wantCode {
				t.Fatalf("expected error code %s, got %#v", tc.wantCode, errResp["error"])
			}
		})
	}
}
