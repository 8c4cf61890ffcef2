package authz_test

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/tenantmeter/internal/authz"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/metrics"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/tenant"
)

var now = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

func claimsFor(tenantID string, ttl time.Duration) tenant.IdentityClaims {
	return tenant.IdentityClaims{
		Subject:  "user-1",
		TenantID: tenantID,
		IssuedAt: now.Add(-time.Minute),
		Expiry:   now.Add(ttl),
	}
}

func TestAuthorize_Allows(t *testing.T) {
	g := authz.NewGate(nil, nil)
	scope, err := g.Authorize(claimsFor("tenant-a", time.Hour), "tenant-a", "get_item", now)
	require.NoError(t, err)
	assert.True(t, scope.Valid())
	assert.Equal(t, "tenant-a", scope.TenantID())
	assert.Equal(t, "user-1", scope.Subject())
}

func TestAuthorize_TenantMismatch(t *testing.T) {
	var logs bytes.Buffer
	reg := prometheus.NewRegistry()
	g := authz.NewGate(slog.New(slog.NewTextHandler(&logs, nil)), metrics.New(reg))

	scope, err := g.Authorize(claimsFor("tenant-b", time.Hour), "tenant-a", "get_item", now)
	require.Error(t, err)
	assert.False(t, scope.Valid())
	assert.True(t, errors.Is(err, tenant.ErrDenied))

	var d *authz.Denial
	require.True(t, errors.As(err, &d))
	assert.Equal(t, authz.TenantMismatch, d.Reason)

	assert.Contains(t, logs.String(), "tenant access denied")
	assert.Contains(t, logs.String(), "target_tenant_id=tenant-a")
	assert.Contains(t, logs.String(), "claims_tenant_id=tenant-b")

	n, err := testutil.GatherAndCount(reg, "tenantmeter_operations_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAuthorize_Expired(t *testing.T) {
	g := authz.NewGate(nil, nil)

	// Expiry equal to now is already expired.
	_, err := g.Authorize(claimsFor("tenant-a", 0), "tenant-a", "put_item", now)
	var d *authz.Denial
	require.True(t, errors.As(err, &d))
	assert.Equal(t, authz.ExpiredCredential, d.Reason)

	// Expiry is checked before tenant equality.
	_, err = g.Authorize(claimsFor("tenant-b", -time.Second), "tenant-a", "put_item", now)
	require.True(t, errors.As(err, &d))
	assert.Equal(t, authz.ExpiredCredential, d.Reason)
}

func TestAuthorize_EmptyTenantNeverMatches(t *testing.T) {
	g := authz.NewGate(nil, nil)
	_, err := g.Authorize(claimsFor("", time.Hour), "", "get_item", now)
	assert.ErrorIs(t, err, tenant.ErrDenied)
}

func TestZeroScopeIsInvalid(t *testing.T) {
	var s authz.Scope
	assert.False(t, s.Valid())
	assert.Empty(t, s.TenantID())
}
