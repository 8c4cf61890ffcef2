// Package outbox relays committed change-log rows into the change queue.
// The store writes each mutation and its change-log row in one
// transaction; the relay publishes pending rows and marks them
// dispatched, so a crash between commit and publish only delays an event.
// A crash between publish and mark republishes it, which downstream
// deduplication absorbs. With a queue that does not survive restarts,
// Recover also reopens dispatched rows the ledger never saw.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gyaneshwarpardhi/tenantmeter/internal/event"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/metrics"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/queue"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/storage"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/tenant"
)

// Options tune the relay loop.
type Options struct {
	BatchSize    int
	PollInterval time.Duration
	// Retention is how long dispatched rows are kept. 0 keeps them forever.
	Retention       time.Duration
	CleanupInterval time.Duration
	// ReplayWindow makes Recover republish rows dispatched within the
	// window whose event is in neither the applied set nor the adjustment
	// ledger. Set it for queues that lose their contents on restart and
	// keep it no longer than the ledger's applied-set retention. 0 disables.
	ReplayWindow time.Duration
}

// DefaultOptions returns the relay defaults.
func DefaultOptions() Options {
	return Options{
		BatchSize:       500,
		PollInterval:    time.Second,
		Retention:       7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
	}
}

// Relay moves change-log rows into a queue.Queue.
type Relay struct {
	db     *sql.DB
	q      queue.Queue
	opts   Options
	rec    *metrics.Recorder
	logger *slog.Logger
	now    func() time.Time

	flushMu sync.Mutex
	wake    chan struct{}
}

// New creates a Relay over the shared database.
func New(db *sql.DB, q queue.Queue, opts Options, rec *metrics.Recorder, logger *slog.Logger) *Relay {
	def := DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = def.CleanupInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		db:     db,
		q:      q,
		opts:   opts,
		rec:    rec,
		logger: logger,
		now:    time.Now,
		wake:   make(chan struct{}, 1),
	}
}

// Notify asks a running relay to flush now instead of at the next poll.
func (r *Relay) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Recover publishes everything left pending by a previous process. Call it
// once on startup before serving traffic.
func (r *Relay) Recover(ctx context.Context) (int, error) {
	if r.opts.ReplayWindow > 0 {
		reopened, err := r.Reopen(ctx, r.now().Add(-r.opts.ReplayWindow))
		if err != nil {
			return 0, err
		}
		if reopened > 0 {
			r.logger.Warn("reopened dispatched change events missing from the ledger", "count", reopened)
		}
	}
	n, err := r.Flush(ctx)
	if n > 0 {
		r.logger.Info("replayed pending change events", "count", n)
	}
	return n, err
}

// Run flushes on every Notify and poll tick, and purges old dispatched
// rows, until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	poll := time.NewTicker(r.opts.PollInterval)
	defer poll.Stop()
	cleanup := time.NewTicker(r.opts.CleanupInterval)
	defer cleanup.Stop()

	r.logger.Info("change relay started",
		"batch_size", r.opts.BatchSize, "poll_interval", r.opts.PollInterval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("change relay stopped")
			return nil
		case <-r.wake:
		case <-poll.C:
		case <-cleanup.C:
			if r.opts.Retention > 0 {
				if _, err := r.Purge(ctx, r.now().Add(-r.opts.Retention)); err != nil && ctx.Err() == nil {
					r.logger.Warn("change log purge failed", "err", err)
				}
			}
			continue
		}
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("change relay flush incomplete", "err", err)
		}
	}
}

// Flush publishes pending rows in per-tenant sequence order until none are
// left. When a publish fails, the rest of that tenant's rows wait for the
// next flush so the tenant's order is kept; other tenants continue. The
// first publish error is returned along with the number published.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	var (
		total    int
		firstErr error
	)
	for {
		batch, err := r.pending(ctx)
		if err != nil {
			return total, err
		}
		blocked := make(map[string]bool)
		for _, ev := range batch {
			if blocked[ev.TenantID] {
				continue
			}
			start := time.Now()
			if err := r.q.Publish(ctx, ev); err != nil {
				blocked[ev.TenantID] = true
				r.rec.Record(metrics.KindEventPublished, ev.TenantID, metrics.OutcomeUnavailable, time.Since(start))
				r.logger.Warn("change event publish failed",
					"tenant_id", ev.TenantID, "event_id", ev.ID, "sequence", ev.Sequence, "err", err)
				if firstErr == nil {
					firstErr = fmt.Errorf("publish %s: %w: %w", ev.ID, tenant.ErrUnavailable, err)
				}
				continue
			}
			if err := r.markDispatched(ctx, ev); err != nil {
				return total, err
			}
			r.rec.Record(metrics.KindEventPublished, ev.TenantID, metrics.OutcomeOK, time.Since(start))
			total++
		}
		if len(batch) < r.opts.BatchSize || len(blocked) > 0 {
			return total, firstErr
		}
	}
}

// pending loads the next batch. Ordering by seq first interleaves tenants
// so one busy tenant cannot fill every batch.
func (r *Relay) pending(ctx context.Context) ([]event.ChangeEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT event_id, tenant_id, item_id, seq, operation, occurred_at, billable_units, payload_bytes
		 FROM change_log WHERE dispatched_at IS NULL
		 ORDER BY seq, tenant_id LIMIT ?`, r.opts.BatchSize)
	if err != nil {
		return nil, classify("load pending", err)
	}
	defer rows.Close()

	var out []event.ChangeEvent
	for rows.Next() {
		var (
			ev event.ChangeEvent
			op string
			at int64
		)
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.ItemID, &ev.Sequence, &op, &at,
			&ev.BillableUnits, &ev.PayloadBytes); err != nil {
			return nil, classify("scan pending", err)
		}
		ev.Operation = event.Operation(op)
		ev.OccurredAt = storage.NanoTime(at)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("load pending", err)
	}
	return out, nil
}

func (r *Relay) markDispatched(ctx context.Context, ev event.ChangeEvent) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE change_log SET dispatched_at = ? WHERE tenant_id = ? AND seq = ?`,
		r.now().UTC().UnixNano(), ev.TenantID, ev.Sequence,
	); err != nil {
		return classify("mark dispatched", err)
	}
	return nil
}

// Reopen marks rows dispatched at or after since as pending again when
// their event was never applied or adjusted. Only call it while no
// dispatcher is consuming, since in-flight events look unapplied.
func (r *Relay) Reopen(ctx context.Context, since time.Time) (int, error) {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	res, err := r.db.ExecContext(ctx,
		`UPDATE change_log SET dispatched_at = NULL
		 WHERE dispatched_at IS NOT NULL AND dispatched_at >= ?
		   AND NOT EXISTS (SELECT 1 FROM applied_events a
		                   WHERE a.tenant_id = change_log.tenant_id AND a.event_id = change_log.event_id)
		   AND NOT EXISTS (SELECT 1 FROM adjustments j
		                   WHERE j.tenant_id = change_log.tenant_id AND j.event_id = change_log.event_id)`,
		since.UTC().UnixNano())
	if err != nil {
		return 0, classify("reopen dispatched", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Pending counts rows not yet published.
func (r *Relay) Pending(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM change_log WHERE dispatched_at IS NULL`).Scan(&n); err != nil {
		return 0, classify("count pending", err)
	}
	return n, nil
}

// Purge deletes rows dispatched before cutoff. The newest row of every
// tenant is kept so sequence allocation stays monotonic.
func (r *Relay) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM change_log
		 WHERE dispatched_at IS NOT NULL AND dispatched_at < ?
		   AND seq < (SELECT MAX(c.seq) FROM change_log c WHERE c.tenant_id = change_log.tenant_id)`,
		cutoff.UTC().UnixNano())
	if err != nil {
		return 0, classify("purge", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.logger.Info("purged dispatched change events", "count", n)
	}
	return int(n), nil
}

func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("outbox %s: %w: %w", op, tenant.ErrUnavailable, err)
}
