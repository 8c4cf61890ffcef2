package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gyaneshwarpardhi/tenantmeter/internal/tenant"
)

// Kind names the stage being observed.
type Kind string

const (
	KindAuthzDenied       Kind = "authz_denied"
	KindItemGet           Kind = "item_get"
	KindItemPut           Kind = "item_put"
	KindItemDelete        Kind = "item_delete"
	KindBillingSummary    Kind = "billing_summary"
	KindEventPublished    Kind = "event_published"
	KindEventApplied      Kind = "event_applied"
	KindEventDuplicate    Kind = "event_duplicate"
	KindEventAdjusted     Kind = "event_adjusted"
	KindAggregationFailed Kind = "aggregation_failed"
	KindTenantHalted      Kind = "tenant_halted"
	KindPeriodFinalized   Kind = "period_finalized"
)

// Outcome labels.
const (
	OutcomeOK          = "ok"
	OutcomeNotFound    = "not_found"
	OutcomeDenied      = "denied"
	OutcomeConflict    = "conflict"
	OutcomeUnavailable = "unavailable"
	OutcomeError       = "error"
)

// OutcomeOf maps an operation error to its outcome label.
func OutcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, tenant.ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, tenant.ErrDenied):
		return OutcomeDenied
	case errors.Is(err, tenant.ErrConflict):
		return OutcomeConflict
	case errors.Is(err, tenant.ErrUnavailable):
		return OutcomeUnavailable
	}
	return OutcomeError
}

// Recorder is the observability side channel. All methods are safe on a
// nil receiver and never fail the caller.
type Recorder struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	queueDepth prometheus.Gauge
	halted     prometheus.Gauge
	dropped    prometheus.Counter
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tenantmeter_operations_total",
			Help: "Operations observed, labelled by kind, tenant and outcome.",
		}, []string{"kind", "tenant_id", "outcome"}),

		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tenantmeter_operation_duration_ms",
			Help:    "Operation latency in milliseconds, labelled by kind.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}, []string{"kind"}),

		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "tenantmeter_change_queue_depth",
			Help: "Change events waiting in the capture queue.",
		}),

		halted: f.NewGauge(prometheus.GaugeOpts{
			Name: "tenantmeter_halted_tenants",
			Help: "Tenants whose billing aggregation is halted on corruption.",
		}),

		dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "tenantmeter_metric_record_failures_total",
			Help: "Metric observations that failed and were discarded.",
		}),
	}
}

// Record counts one observation of kind. latency <= 0 skips the histogram.
func (r *Recorder) Record(kind Kind, tenantID, outcome string, latency time.Duration) {
	if r == nil {
		return
	}
	defer r.recoverDrop()
	r.operations.WithLabelValues(string(kind), tenantID, outcome).Inc()
	if latency > 0 {
		r.latency.WithLabelValues(string(kind)).Observe(float64(latency) / float64(time.Millisecond))
	}
}

// SetQueueDepth reports the current capture-queue backlog.
func (r *Recorder) SetQueueDepth(n int) {
	if r == nil {
		return
	}
	defer r.recoverDrop()
	r.queueDepth.Set(float64(n))
}

// SetHaltedTenants reports how many tenant partitions are halted.
func (r *Recorder) SetHaltedTenants(n int) {
	if r == nil {
		return
	}
	defer r.recoverDrop()
	r.halted.Set(float64(n))
}

func (r *Recorder) recoverDrop() {
	if p := recover(); p != nil {
		r.dropped.Inc()
	}
}
