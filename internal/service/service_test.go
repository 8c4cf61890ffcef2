package service_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/tenantmeter/internal/authz"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/billing"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/config"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/ledger"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/metrics"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/outbox"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/queue"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/service"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/storage"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/store"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/tenant"
)

type harness struct {
	svc    *service.Service
	relay  *outbox.Relay
	queue  *queue.Memory
	agg    *billing.Aggregator
	ledger *ledger.Ledger
	reg    *prometheus.Registry
}

func setup(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, storage.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)
	pol, err := billing.NewPolicy(config.BillingConf{
		SizeCategories: []config.SizeCategoryConf{{MaxBytes: 1024, Units: 1}, {MaxBytes: 0, Units: 8}},
		Currency:       "USD",
		Prices:         map[string]string{billing.MetricWrites: "0.50", billing.MetricStorageUnits: "0.10"},
	})
	require.NoError(t, err)
	policy := billing.NewPolicyHolder(pol)
	cal := billing.Calendar{Granularity: billing.Monthly}

	q := queue.NewMemory(time.Minute)
	l := ledger.New(db, ledger.Options{Grace: 48 * time.Hour, AppliedRetention: 30 * 24 * time.Hour})
	relay := outbox.New(db, q, outbox.Options{}, rec, quiet)
	h := &harness{
		relay:  relay,
		queue:  q,
		ledger: l,
		reg:    reg,
		agg:    billing.NewAggregator(l, policy, cal, billing.WithRecorder(rec), billing.WithLogger(quiet)),
	}
	h.svc = service.New(service.Deps{
		Gate:     authz.NewGate(quiet, rec),
		Store:    store.New(db, policy),
		Ledger:   l,
		Policy:   policy,
		Calendar: cal,
		Grace:    48 * time.Hour,
		Notifier: relay,
		Recorder: rec,
		Logger:   quiet,
	})
	return h
}

// pump publishes pending changes and applies every queued delivery,
// delivering each event twice to simulate redelivery.
func (h *harness) pump(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := h.relay.Flush(ctx)
	require.NoError(t, err)
	for {
		rctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		d, err := h.queue.Receive(rctx)
		cancel()
		if err != nil {
			return
		}
		for i := 0; i < 2; i++ {
			_, err := h.agg.Apply(ctx, d.Event)
			require.NoError(t, err)
		}
		require.NoError(t, d.Ack(ctx))
	}
}

func claimsFor(tenantID string) tenant.IdentityClaims {
	now := time.Now()
	return tenant.IdentityClaims{Subject: "user@" + tenantID, TenantID: tenantID, IssuedAt: now, Expiry: now.Add(time.Hour)}
}

func TestCrossTenantAccessDenied(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	_, err := h.svc.PutItem(ctx, claimsFor("A"), "A", "x", []byte("secret"), nil)
	require.NoError(t, err)

	b := claimsFor("B")
	// Existing and missing items are indistinguishable to another tenant.
	for _, itemID := range []string{"x", "does-not-exist"} {
		_, err = h.svc.GetItem(ctx, b, "A", itemID)
		assert.ErrorIs(t, err, tenant.ErrDenied)
		assert.ErrorIs(t, h.svc.DeleteItem(ctx, b, "A", itemID), tenant.ErrDenied)
		_, err = h.svc.PutItem(ctx, b, "A", itemID, []byte("overwrite"), nil)
		assert.ErrorIs(t, err, tenant.ErrDenied)
	}
	_, err = h.svc.GetBillingSummary(ctx, b, "A", billing.CurrentPeriod)
	assert.ErrorIs(t, err, tenant.ErrDenied)

	item, err := h.svc.GetItem(ctx, claimsFor("A"), "A", "x")
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), item.Payload)
	assert.Equal(t, int64(1), item.Version)

	// Denied writes produced no change events.
	pending, err := h.relay.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	assert.Equal(t, 7.0, counterValue(t, h.reg, "tenantmeter_operations_total", map[string]string{
		"kind": string(metrics.KindAuthzDenied), "tenant_id": "A", "outcome": string(authz.TenantMismatch),
	}))
	assert.Equal(t, 2.0, counterValue(t, h.reg, "tenantmeter_operations_total", map[string]string{
		"kind": string(metrics.KindItemGet), "tenant_id": "A", "outcome": metrics.OutcomeDenied,
	}))
}

func TestExpiredCredentialDenied(t *testing.T) {
	h := setup(t)
	c := claimsFor("A")
	c.Expiry = time.Now().Add(-time.Second)
	_, err := h.svc.GetItem(context.Background(), c, "A", "x")
	assert.ErrorIs(t, err, tenant.ErrDenied)
}

func TestReadYourWrite(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	a := claimsFor("A")

	v, err := h.svc.PutItem(ctx, a, "A", "x", []byte("one"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	v, err = h.svc.PutItem(ctx, a, "A", "x", []byte("two"), &v)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	item, err := h.svc.GetItem(ctx, a, "A", "x")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), item.Payload)

	stale := int64(1)
	_, err = h.svc.PutItem(ctx, a, "A", "x", []byte("three"), &stale)
	assert.ErrorIs(t, err, tenant.ErrConflict)

	require.NoError(t, h.svc.DeleteItem(ctx, a, "A", "x"))
	_, err = h.svc.GetItem(ctx, a, "A", "x")
	assert.ErrorIs(t, err, tenant.ErrNotFound)
	assert.ErrorIs(t, h.svc.DeleteItem(ctx, a, "A", "x"), tenant.ErrNotFound)
}

func TestTwoWritesBilledOnceEach(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	a := claimsFor("A")

	_, err := h.svc.PutItem(ctx, a, "A", "x", []byte("small"), nil)
	require.NoError(t, err)
	_, err = h.svc.PutItem(ctx, a, "A", "x", []byte("small again"), nil)
	require.NoError(t, err)
	h.pump(t)

	sum, err := h.svc.GetBillingSummary(ctx, a, "A", billing.CurrentPeriod)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.Counters[billing.MetricWrites])
	assert.Equal(t, int64(2), sum.Counters[billing.MetricStorageUnits])
	assert.Equal(t, 2, sum.AppliedEvents)
	assert.Equal(t, ledger.StateOpen, sum.State)
	assert.Equal(t, "USD", sum.Currency)
	assert.True(t, decimal.RequireFromString("1.20").Equal(sum.EstimatedCost), sum.EstimatedCost.String())
	assert.Empty(t, sum.Adjustments)
}

func TestBillingSummary_EmptyAndInvalidPeriods(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	a := claimsFor("A")

	sum, err := h.svc.GetBillingSummary(ctx, a, "A", "2020-01")
	require.NoError(t, err)
	assert.Equal(t, "2020-01", sum.Period)
	assert.Equal(t, ledger.StateClosed, sum.State)
	assert.Empty(t, sum.Counters)
	assert.True(t, sum.EstimatedCost.IsZero())

	_, err = h.svc.GetBillingSummary(ctx, a, "A", "last-month")
	assert.ErrorIs(t, err, service.ErrInvalidPeriod)
}

func TestBillingSummary_ReportsAdjustments(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	a := claimsFor("A")

	_, err := h.svc.PutItem(ctx, a, "A", "x", []byte("v1"), nil)
	require.NoError(t, err)
	h.pump(t)

	// Close the current period, then write again: the new event still
	// falls in the closed period and becomes an adjustment.
	cur := billing.Calendar{Granularity: billing.Monthly}.PeriodFor(time.Now())
	_, err = h.ledger.Advance(ctx, cur.End.Add(72*time.Hour))
	require.NoError(t, err)

	_, err = h.svc.PutItem(ctx, a, "A", "x", []byte("v2"), nil)
	require.NoError(t, err)
	h.pump(t)

	sum, err := h.svc.GetBillingSummary(ctx, a, "A", cur.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateClosed, sum.State)
	assert.Equal(t, int64(1), sum.Counters[billing.MetricWrites])
	require.Len(t, sum.Adjustments, 1)
	assert.True(t, decimal.RequireFromString("0.60").Equal(sum.AdjustedCost), sum.AdjustedCost.String())
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}
