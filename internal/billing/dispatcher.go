package billing

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gyaneshwarpardhi/tenantmeter/internal/metrics"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/queue"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/tenant"
)

// DispatcherOptions tune the consumer side of the change queue.
type DispatcherOptions struct {
	Workers     int
	LaneDepth   int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// DepthInterval is how often queue depth is reported. 0 disables it.
	DepthInterval time.Duration
}

// HaltedTenant describes a tenant whose aggregation stopped on corruption.
type HaltedTenant struct {
	TenantID string    `json:"tenant_id"`
	EventID  string    `json:"event_id"`
	Reason   string    `json:"reason"`
	Since    time.Time `json:"since"`
}

// Dispatcher receives change events and applies them through the
// Aggregator. A delivery is acked only after Apply succeeds. Corruption
// halts the offending tenant without affecting the others.
type Dispatcher struct {
	q      queue.Queue
	agg    *Aggregator
	opts   DispatcherOptions
	rec    *metrics.Recorder
	logger *slog.Logger

	mu     sync.Mutex
	halted map[string]HaltedTenant

	pool atomic.Pointer[lanePool[*queue.Delivery]]
}

// NewDispatcher creates a Dispatcher; call Run to start consuming.
func NewDispatcher(q queue.Queue, agg *Aggregator, opts DispatcherOptions, rec *metrics.Recorder, logger *slog.Logger) *Dispatcher {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.LaneDepth < 1 {
		opts.LaneDepth = 1
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 200 * time.Millisecond
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = opts.BackoffBase
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		q:      q,
		agg:    agg,
		opts:   opts,
		rec:    rec,
		logger: logger,
		halted: make(map[string]HaltedTenant),
	}
}

// Run consumes until ctx is cancelled or the queue is closed. Unacked
// deliveries at shutdown are redelivered by the queue.
func (d *Dispatcher) Run(ctx context.Context) error {
	pool := newLanePool(ctx, d.opts.Workers, d.opts.LaneDepth, d.handle)
	d.pool.Store(pool)
	defer pool.Drain()

	if d.opts.DepthInterval > 0 {
		go d.reportDepth(ctx)
	}

	d.logger.Info("billing dispatcher started", "workers", d.opts.Workers)
	for {
		del, err := d.q.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				d.logger.Info("billing dispatcher stopped")
				return nil
			}
			d.logger.Warn("change queue receive failed", "err", err)
			if !sleep(ctx, d.opts.BackoffBase) {
				return nil
			}
			continue
		}
		if !pool.Submit(ctx, del.Event.TenantID, del) {
			return nil
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, del *queue.Delivery) {
	ev := del.Event
	if d.isHalted(ev.TenantID) {
		// Left unacked: the queue redelivers it after the visibility
		// timeout, and it is processed once the tenant is resumed.
		return
	}
	if del.Err != nil {
		d.halt(ev.TenantID, ev.ID, del.Err)
		return
	}
	res, err := d.agg.Apply(ctx, ev)
	switch {
	case err == nil:
		d.logger.Debug("change event aggregated",
			"tenant_id", ev.TenantID, "event_id", ev.ID, "sequence", ev.Sequence, "result", res.String())
		if err := del.Ack(ctx); err != nil {
			// A stale ack means the event was redelivered meanwhile; the
			// redelivery will be recognised as a duplicate.
			d.logger.Warn("change event ack failed", "tenant_id", ev.TenantID, "event_id", ev.ID, "err", err)
		}
	case errors.Is(err, tenant.ErrCorrupt):
		d.halt(ev.TenantID, ev.ID, err)
	case ctx.Err() != nil:
	case tenant.Retryable(err):
		wait := d.backoff(del.Attempt)
		d.logger.Warn("change event aggregation failed, retrying",
			"tenant_id", ev.TenantID, "event_id", ev.ID, "attempt", del.Attempt, "retry_after", wait, "err", err)
		d.nack(ctx, del, wait)
	default:
		// Unclassified failures are retried at the slowest rate.
		d.logger.Error("change event aggregation failed",
			"tenant_id", ev.TenantID, "event_id", ev.ID, "attempt", del.Attempt, "retry_after", d.opts.BackoffMax, "err", err)
		d.nack(ctx, del, d.opts.BackoffMax)
	}
}

func (d *Dispatcher) nack(ctx context.Context, del *queue.Delivery, wait time.Duration) {
	if err := del.Nack(ctx, wait); err != nil {
		d.logger.Warn("change event nack failed", "tenant_id", del.Event.TenantID, "event_id", del.Event.ID, "err", err)
	}
}

// backoff doubles per attempt from BackoffBase up to BackoffMax.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	wait := d.opts.BackoffBase
	for i := 1; i < attempt && wait < d.opts.BackoffMax; i++ {
		wait *= 2
	}
	return min(wait, d.opts.BackoffMax)
}

func (d *Dispatcher) halt(tenantID, eventID string, err error) {
	d.mu.Lock()
	if _, ok := d.halted[tenantID]; !ok {
		d.halted[tenantID] = HaltedTenant{TenantID: tenantID, EventID: eventID, Reason: err.Error(), Since: time.Now().UTC()}
	}
	n := len(d.halted)
	d.mu.Unlock()

	d.logger.Error("tenant billing halted on corrupt event",
		"tenant_id", tenantID, "event_id", eventID, "err", err)
	d.rec.Record(metrics.KindTenantHalted, tenantID, metrics.OutcomeError, 0)
	d.rec.SetHaltedTenants(n)
}

func (d *Dispatcher) isHalted(tenantID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.halted[tenantID]
	return ok
}

// Resume clears a halt after an operator has repaired the tenant's data.
// It reports whether the tenant was halted.
func (d *Dispatcher) Resume(tenantID string) bool {
	d.mu.Lock()
	_, ok := d.halted[tenantID]
	delete(d.halted, tenantID)
	n := len(d.halted)
	d.mu.Unlock()
	if ok {
		d.logger.Info("tenant billing resumed", "tenant_id", tenantID)
		d.rec.SetHaltedTenants(n)
	}
	return ok
}

// Halted lists halted tenants ordered by tenant id.
func (d *Dispatcher) Halted() []HaltedTenant {
	d.mu.Lock()
	out := make([]HaltedTenant, 0, len(d.halted))
	for _, h := range d.halted {
		out = append(out, h)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

// Utilization returns lane occupancy in [0, 1]; 0 before Run starts.
func (d *Dispatcher) Utilization() float64 {
	p := d.pool.Load()
	if p == nil || p.QueueCap() == 0 {
		return 0
	}
	return float64(p.QueueLen()) / float64(p.QueueCap())
}

func (d *Dispatcher) reportDepth(ctx context.Context) {
	t := time.NewTicker(d.opts.DepthInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			n, err := d.q.Len(ctx)
			if err != nil {
				if ctx.Err() == nil {
					d.logger.Debug("change queue depth unavailable", "err", err)
				}
				continue
			}
			d.rec.SetQueueDepth(n)
		case <-ctx.Done():
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
