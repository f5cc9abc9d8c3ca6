package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/orderline/api/internal/domain"
	"github.com/orderline/api/internal/services"
)

type stubSystemService struct {
	healthFunc  func(ctx context.Context) (services.SystemHealthReport, error)
	auditFunc   func(ctx context.Context, filter services.AuditLogFilter) (domain.CursorPage[services.AuditLogEntry], error)
	counterFunc func(ctx context.Context, cmd services.CounterCommand) (int64, error)
}

func (s *stubSystemService) HealthReport(ctx context.Context) (services.SystemHealthReport, error) {
	if s.healthFunc != nil {
		return s.healthFunc(ctx)
	}
	return services.SystemHealthReport{}, errors.New("not implemented")
}

func (s *stubSystemService) ListAuditLogs(ctx context.Context, filter services.AuditLogFilter) (domain.CursorPage[services.AuditLogEntry], error) {
	if s.auditFunc != nil {
		return s.auditFunc(ctx, filter)
	}
	return domain.CursorPage[services.AuditLogEntry]{}, errors.New("not implemented")
}

func (s *stubSystemService) NextCounterValue(ctx context.Context, cmd services.CounterCommand) (int64, error) {
	if s.counterFunc != nil {
		return s.counterFunc(ctx, cmd)
	}
	return 0, errors.New("not implemented")
}

var _ services.SystemService = (*stubSystemService)(nil)

func newSystemRouter(service services.SystemService) chi.Router {
	router := chi.NewRouter()
	router.Route("/internal", NewSystemHandlers(service).Routes)
	return router
}

func TestSystemHandlersHealthReport(t *testing.T) {
	service := &stubSystemService{
		healthFunc: func(ctx context.Context) (services.SystemHealthReport, error) {
			return services.SystemHealthReport{
				Status: domain.HealthStatusOK,
				Checks: map[string]domain.SystemHealthCheck{
					"firestore": {Status: domain.HealthStatusOK, Latency: 12 * time.Millisecond},
				},
				Version:     "1.4.0",
				Environment: "staging",
				GeneratedAt: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
			}, nil
		},
	}
	router := newSystemRouter(service)

	req := httptest.NewRequest(http.MethodGet, "/internal/system/health", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp healthReportResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ok" || resp.Version != "1.4.0" {
		t.Fatalf("unexpected report %#v", resp)
	}
	check, ok := resp.Checks["firestore"]
	if !ok || check.LatencyMS != 12 {
		t.Fatalf("unexpected firestore check %#v", resp.Checks)
	}
}

func TestSystemHandlersHealthReportDegradedDependency(t *testing.T) {
	service := &stubSystemService{
		healthFunc: func(ctx context.Context) (services.SystemHealthReport, error) {
			return services.SystemHealthReport{
				Status: domain.HealthStatusError,
				Checks: map[string]domain.SystemHealthCheck{
					"pubsub": {Status: domain.HealthStatusError, Error: "deadline exceeded"},
				},
			}, nil
		},
	}
	router := newSystemRouter(service)

	req := httptest.NewRequest(http.MethodGet, "/internal/system/health", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}

func TestSystemHandlersListAuditLogs(t *testing.T) {
	var captured services.AuditLogFilter
	service := &stubSystemService{
		auditFunc: func(ctx context.Context, filter services.AuditLogFilter) (domain.CursorPage[services.AuditLogEntry], error) {
			captured = filter
			return domain.CursorPage[services.AuditLogEntry]{
				Items: []services.AuditLogEntry{
					{
						ID:        "audit_1",
						Actor:     "staff:staff-1",
						ActorType: "staff",
						Action:    "order.status.update",
						TargetRef: "orders/ord_1",
						CreatedAt: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
					},
				},
				NextPageToken: "tok_2",
			}, nil
		},
	}
	router := newSystemRouter(service)

	req := httptest.NewRequest(http.MethodGet, "/internal/audit-logs?actor=staff:staff-1&action=order.status.update&page_size=1000&occurred_after=2025-06-01T00:00:00Z", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Actor != "staff:staff-1" || captured.Action != "order.status.update" {
		t.Fatalf("unexpected filter %#v", captured)
	}
	if captured.Pagination.PageSize != maxAuditPageSize {
		t.Fatalf("expected page size clamped to %d, got %d", maxAuditPageSize, captured.Pagination.PageSize)
	}
	if captured.DateRange.From == nil {
		t.Fatalf("expected occurred_after propagated")
	}

	var resp auditLogListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].ID != "audit_1" {
		t.Fatalf("unexpected items %#v", resp.Items)
	}
	if resp.NextPageToken != "tok_2" {
		t.Fatalf("unexpected next page token %s", resp.NextPageToken)
	}
}

func TestSystemHandlersNextCounterValue(t *testing.T) {
	var captured services.CounterCommand
	service := &stubSystemService{
		counterFunc: func(ctx context.Context, cmd services.CounterCommand) (int64, error) {
			captured = cmd
			return 42, nil
		},
	}
	router := newSystemRouter(service)

	req := httptest.NewRequest(http.MethodPost, "/internal/counters/orders/number:next?step=5", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.CounterID != "orders:number" || captured.Step != 5 {
		t.Fatalf("unexpected command %#v", captured)
	}

	var resp nextCounterResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Value != 42 {
		t.Fatalf("unexpected value %d", resp.Value)
	}
}

func TestSystemHandlersNextCounterValueRejectsBadStep(t *testing.T) {
	router := newSystemRouter(&stubSystemService{})

	req := httptest.NewRequest(http.MethodPost, "/internal/counters/orders/number:next?step=0", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestSystemHandlersNextCounterValueInvalidCounter(t *testing.T) {
	router := newSystemRouter(&stubSystemService{
		counterFunc: func(context.Context, services.CounterCommand) (int64, error) {
			return 0, services.ErrCounterInvalidInput
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/internal/counters/bogus/unknown:next", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}
