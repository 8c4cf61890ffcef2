package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gyaneshwarpardhi/tenantmeter/internal/service"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/store"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/tenant"
)

// retryAfterSeconds is advertised on 503 responses.
const retryAfterSeconds = "1"

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the standard error envelope.
type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeServiceError maps the error taxonomy to a status. Denials carry no
// detail so that a caller cannot tell whether the target item exists.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, tenant.ErrDenied):
		writeError(w, http.StatusForbidden, "access denied")
	case errors.Is(err, tenant.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, tenant.ErrConflict):
		writeError(w, http.StatusConflict, "version conflict")
	case errors.Is(err, store.ErrInvalidItemID), errors.Is(err, service.ErrInvalidPeriod):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, tenant.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		h.Logger.Warn("request failed: dependency unavailable", "path", r.URL.Path, "err", err)
		w.Header().Set("Retry-After", retryAfterSeconds)
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
	case errors.Is(err, context.Canceled):
		// Client went away; nobody reads the response.
		w.WriteHeader(499)
	default:
		h.Logger.Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
