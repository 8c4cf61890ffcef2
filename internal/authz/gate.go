// Package authz is the single control point that binds a request's target
// tenant to the tenant asserted by verified identity claims. The store only
// accepts a Scope, and only Gate.Authorize can produce a non-empty one.
package authz

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gyaneshwarpardhi/tenantmeter/internal/metrics"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/tenant"
)

// Reason explains a denial.
type Reason string

const (
	ExpiredCredential Reason = "expired_credential"
	TenantMismatch    Reason = "tenant_mismatch"
)

// Denial is returned for every rejected request. errors.Is(d, tenant.ErrDenied) holds.
type Denial struct {
	Reason Reason
}

func (d *Denial) Error() string { return fmt.Sprintf("access denied: %s", d.Reason) }

// Is makes Denial match tenant.ErrDenied.
func (d *Denial) Is(target error) bool { return target == tenant.ErrDenied }

// Scope is proof that a request passed the gate for exactly one tenant.
type Scope struct {
	tenantID string
	subject  string
}

// TenantID is the verified tenant every storage call must use.
func (s Scope) TenantID() string { return s.tenantID }

// Subject is the caller identity behind the scope.
func (s Scope) Subject() string { return s.subject }

// Valid reports whether the scope came from a successful Authorize.
func (s Scope) Valid() bool { return s.tenantID != "" }

// Gate evaluates claims against a target tenant.
type Gate struct {
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewGate builds a Gate. A nil logger falls back to slog.Default().
func NewGate(logger *slog.Logger, rec *metrics.Recorder) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{logger: logger, metrics: rec}
}

// Authorize checks claims for targetTenantID at now. op is only used to
// make audit entries readable.
func (g *Gate) Authorize(claims tenant.IdentityClaims, targetTenantID, op string, now time.Time) (Scope, error) {
	if !claims.Expiry.After(now) {
		return Scope{}, g.deny(claims, targetTenantID, op, ExpiredCredential)
	}
	if claims.TenantID == "" || claims.TenantID != targetTenantID {
		return Scope{}, g.deny(claims, targetTenantID, op, TenantMismatch)
	}
	return Scope{tenantID: claims.TenantID, subject: claims.Subject}, nil
}

func (g *Gate) deny(claims tenant.IdentityClaims, target, op string, reason Reason) error {
	g.metrics.Record(metrics.KindAuthzDenied, target, string(reason), 0)
	g.logger.Warn("tenant access denied",
		"reason", reason,
		"op", op,
		"subject", claims.Subject,
		"claims_tenant_id", claims.TenantID,
		"target_tenant_id", target,
		"expiry", claims.Expiry,
	)
	return &Denial{Reason: reason}
}
