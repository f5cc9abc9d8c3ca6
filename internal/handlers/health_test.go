package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthHandlersHealthz(t *testing.T) {
	handler := NewHealthHandlers(nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	handler.Healthz(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("unexpected status %#v", resp["status"])
	}
}

func TestHealthHandlersReadyzAllProbesPass(t *testing.T) {
	handler := NewHealthHandlers(map[string]ReadinessProbe{
		"firestore": func(context.Context) error { return nil },
		"pubsub":    func(context.Context) error { return nil },
	})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	handler.Readyz(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	checks, _ := resp["checks"].(map[string]any)
	if checks["firestore"] != "ok" || checks["pubsub"] != "ok" {
		t.Fatalf("unexpected checks %#v", checks)
	}
}

func TestHealthHandlersReadyzFailingProbe(t *testing.T) {
	handler := NewHealthHandlers(map[string]ReadinessProbe{
		"firestore": func(context.Context) error { return nil },
		"pubsub":    func(context.Context) error { return errors.New("deadline exceeded") },
	})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	handler.Readyz(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["status"] != "unavailable" {
		t.Fatalf("unexpected status %#v", resp["status"])
	}
	checks, _ := resp["checks"].(map[string]any)
	if checks["pubsub"] != "deadline exceeded" {
		t.Fatalf("expected probe error surfaced, got %#v", checks)
	}
}
