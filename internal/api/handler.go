package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gyaneshwarpardhi/tenantmeter/internal/auth"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/billing"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/ledger"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/service"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// BillingOps is the operator view of the billing consumer.
type BillingOps interface {
	Halted() []billing.HaltedTenant
	Resume(tenantID string) bool
	Utilization() float64
}

// Deps are the handler's collaborators. Billing, DB and Gatherer are
// optional; AdminToken empty disables the operator routes.
type Deps struct {
	Service         *service.Service
	Verifier        *auth.Verifier
	Billing         BillingOps
	DB              Pinger
	Gatherer        prometheus.Gatherer
	AdminToken      string
	MaxPayloadBytes int64
	Logger          *slog.Logger
}

// Handler holds all HTTP handler dependencies.
type Handler struct {
	Deps
	mux *http.ServeMux
}

// New creates an HTTP handler and registers all routes.
func New(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.MaxPayloadBytes <= 0 {
		d.MaxPayloadBytes = 1 << 20
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	h := &Handler{Deps: d, mux: http.NewServeMux()}

	authed := h.authenticate
	h.mux.Handle("GET /v1/tenants/{tenant_id}/items/{item_id}", authed(h.getItem))
	h.mux.Handle("PUT /v1/tenants/{tenant_id}/items/{item_id}", authed(h.putItem))
	h.mux.Handle("DELETE /v1/tenants/{tenant_id}/items/{item_id}", authed(h.deleteItem))
	h.mux.Handle("GET /v1/tenants/{tenant_id}/billing/{period}", authed(h.billingSummary))

	if d.AdminToken != "" {
		h.mux.Handle("POST /v1/admin/billing/periods/{tenant_id}/{period}/finalize", h.admin(h.finalizePeriod))
		if d.Billing != nil {
			h.mux.Handle("GET /v1/admin/billing/halted", h.admin(h.listHalted))
			h.mux.Handle("POST /v1/admin/billing/halted/{tenant_id}/resume", h.admin(h.resumeTenant))
		}
	}

	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))

	return loggingMiddleware(d.Logger, h.mux)
}

// GET /v1/tenants/{tenant_id}/items/{item_id}
func (h *Handler) getItem(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFrom(r.Context())
	item, err := h.Service.GetItem(r.Context(), claims, r.PathValue("tenant_id"), r.PathValue("item_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("ETag", etag(item.Version))
	writeJSON(w, http.StatusOK, item)
}

// PUT /v1/tenants/{tenant_id}/items/{item_id}: the raw body is the payload
// and If-Match, when present, the expected version.
func (h *Handler) putItem(w http.ResponseWriter, r *http.Request) {
	expected, err := parseIfMatch(r.Header.Get("If-Match"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.MaxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("payload exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	claims, _ := auth.ClaimsFrom(r.Context())
	tenantID, itemID := r.PathValue("tenant_id"), r.PathValue("item_id")
	version, err := h.Service.PutItem(r.Context(), claims, tenantID, itemID, payload, expected)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if version == 1 {
		status = http.StatusCreated
	}
	w.Header().Set("ETag", etag(version))
	writeJSON(w, status, map[string]interface{}{
		"tenant_id": tenantID,
		"item_id":   itemID,
		"version":   version,
	})
}

// DELETE /v1/tenants/{tenant_id}/items/{item_id}
func (h *Handler) deleteItem(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFrom(r.Context())
	if err := h.Service.DeleteItem(r.Context(), claims, r.PathValue("tenant_id"), r.PathValue("item_id")); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /v1/tenants/{tenant_id}/billing/{period}: period is YYYY-MM (or
// YYYY-MM-DD for daily billing) or "current".
func (h *Handler) billingSummary(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFrom(r.Context())
	sum, err := h.Service.GetBillingSummary(r.Context(), claims, r.PathValue("tenant_id"), r.PathValue("period"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// GET /v1/admin/billing/halted
func (h *Handler) listHalted(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"halted": h.Billing.Halted()})
}

// POST /v1/admin/billing/halted/{tenant_id}/resume
func (h *Handler) resumeTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant_id")
	if !h.Billing.Resume(tenantID) {
		writeError(w, http.StatusNotFound, "tenant is not halted")
		return
	}
	h.Logger.Info("tenant billing resumed by operator", "tenant_id", tenantID)
	writeJSON(w, http.StatusOK, map[string]interface{}{"tenant_id": tenantID, "resumed": true})
}

// POST /v1/admin/billing/periods/{tenant_id}/{period}/finalize
func (h *Handler) finalizePeriod(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant_id")
	state, err := h.Service.FinalizePeriod(r.Context(), tenantID, r.PathValue("period"))
	switch {
	case errors.Is(err, ledger.ErrEmpty):
		writeError(w, http.StatusNotFound, "no usage recorded for period")
	case errors.Is(err, ledger.ErrPeriodNotEnded):
		writeError(w, http.StatusConflict, "period has not ended")
	case err != nil:
		h.writeServiceError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"tenant_id": tenantID,
			"period":    r.PathValue("period"),
			"state":     state,
		})
	}
}

// GET /healthz: always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz: 503 if the database is unreachable or the billing lanes
// are more than 80% full.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	if h.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.DB.PingContext(ctx); err != nil {
			h.Logger.Warn("readiness: database unreachable", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "database unavailable"})
			return
		}
	}
	var util float64
	if h.Billing != nil {
		util = h.Billing.Utilization()
	}
	if util > 0.8 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":            "overloaded",
			"queue_utilization": util,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ready",
		"queue_utilization": util,
	})
}

func etag(version int64) string { return `"` + strconv.FormatInt(version, 10) + `"` }

// parseIfMatch reads an expected version from If-Match. Absent or "*"
// means unconditional.
func parseIfMatch(v string) (*int64, error) {
	v = strings.TrimSpace(v)
	if v == "" || v == "*" {
		return nil, nil
	}
	n, err := strconv.ParseInt(strings.Trim(strings.TrimPrefix(v, "W/"), `"`), 10, 64)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("If-Match must be a version number, got %q", v)
	}
	return &n, nil
}
