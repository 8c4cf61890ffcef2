// Package billing turns change events into per-tenant usage: the policy
// that meters operations, the calendar that assigns periods, the
// aggregator that folds events into the ledger exactly once, the
// dispatcher that feeds it from the change queue, and the finalizer that
// closes ended periods.
package billing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/gyaneshwarpardhi/tenantmeter/internal/event"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/ledger"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/metrics"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/tenant"
)

// Result says what Apply did with an event.
type Result int

const (
	// Applied: counters of an open or closing period were incremented.
	Applied Result = iota
	// Duplicate: the event was already applied; nothing changed.
	Duplicate
	// Adjusted: the period was closed, so the event went to the
	// adjustment ledger.
	Adjusted
	// AdjustmentDuplicate: the event was already in the adjustment ledger.
	AdjustmentDuplicate
)

func (r Result) String() string {
	switch r {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Adjusted:
		return "adjusted"
	case AdjustmentDuplicate:
		return "adjustment_duplicate"
	}
	return fmt.Sprintf("result(%d)", int(r))
}

type seenEntry struct {
	fingerprint string
	adjusted    bool
}

// Aggregator applies change events to the usage ledger. Applying the same
// event any number of times has the effect of applying it once, and
// distinct events commute.
type Aggregator struct {
	ledger *ledger.Ledger
	policy *PolicyHolder
	cal    Calendar
	locks  keyedMutex
	seen   *expirable.LRU[string, seenEntry]
	rec    *metrics.Recorder
	logger *slog.Logger
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithDedupCache sizes the in-memory cache of recently applied events that
// lets redeliveries skip the ledger transaction. size 0 disables it.
func WithDedupCache(size int, ttl time.Duration) AggregatorOption {
	return func(a *Aggregator) {
		if size <= 0 {
			a.seen = nil
			return
		}
		a.seen = expirable.NewLRU[string, seenEntry](size, nil, ttl)
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(rec *metrics.Recorder) AggregatorOption {
	return func(a *Aggregator) { a.rec = rec }
}

// WithLogger replaces slog.Default.
func WithLogger(l *slog.Logger) AggregatorOption {
	return func(a *Aggregator) { a.logger = l }
}

// NewAggregator wires an Aggregator to its ledger and policy.
func NewAggregator(l *ledger.Ledger, policy *PolicyHolder, cal Calendar, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		ledger: l,
		policy: policy,
		cal:    cal,
		locks:  keyedMutex{m: make(map[string]*refMutex)},
		logger: slog.Default(),
	}
	WithDedupCache(10000, time.Hour)(a)
	for _, o := range opts {
		o(a)
	}
	return a
}

// Apply folds ev into its tenant's record for the period containing
// ev.OccurredAt. Work for one (tenant, period) is serialized; different
// tenants and periods proceed in parallel. An event id seen before with a
// different fingerprint yields tenant.ErrCorrupt.
func (a *Aggregator) Apply(ctx context.Context, ev event.ChangeEvent) (Result, error) {
	start := time.Now()
	if err := ev.Validate(); err != nil {
		return a.fail(ev, fmt.Errorf("%w: %v", tenant.ErrCorrupt, err), start)
	}
	period := a.cal.PeriodFor(ev.OccurredAt)
	fp := ev.Fingerprint()
	key := ev.TenantID + "/" + period.ID

	if res, ok, err := a.cached(key+"/"+ev.ID, fp); ok {
		if err != nil {
			return a.fail(ev, err, start)
		}
		a.rec.Record(metrics.KindEventDuplicate, ev.TenantID, metrics.OutcomeOK, time.Since(start))
		return res, nil
	}

	unlock := a.locks.Lock(key)
	defer unlock()

	counters := a.policy.Load().Counters(ev)
	var res Result
	err := a.ledger.Update(ctx, ledger.Key{TenantID: ev.TenantID, Period: period.ID, PeriodEnd: period.End},
		func(tx *ledger.Tx) error {
			prior, ok, err := tx.AppliedFingerprint(ev.ID)
			if err != nil {
				return err
			}
			if ok {
				res = Duplicate
				return checkFingerprint(ev.ID, prior, fp)
			}
			if tx.Record().State != ledger.StateClosed {
				res = Applied
				return tx.Apply(ev.ID, fp, counters)
			}
			prior, ok, err = tx.AdjustmentFingerprint(ev.ID)
			if err != nil {
				return err
			}
			if ok {
				res = AdjustmentDuplicate
				return checkFingerprint(ev.ID, prior, fp)
			}
			res = Adjusted
			return tx.Adjust(ev.ID, fp, string(ev.Operation), counters)
		})
	if err != nil {
		return a.fail(ev, err, start)
	}

	if a.seen != nil {
		a.seen.Add(key+"/"+ev.ID, seenEntry{fingerprint: fp, adjusted: res == Adjusted || res == AdjustmentDuplicate})
	}
	kind := metrics.KindEventApplied
	switch res {
	case Duplicate, AdjustmentDuplicate:
		kind = metrics.KindEventDuplicate
	case Adjusted:
		kind = metrics.KindEventAdjusted
		a.logger.Info("late event recorded as adjustment",
			"tenant_id", ev.TenantID, "period", period.ID, "event_id", ev.ID)
	}
	a.rec.Record(kind, ev.TenantID, metrics.OutcomeOK, time.Since(start))
	return res, nil
}

func (a *Aggregator) cached(key, fp string) (Result, bool, error) {
	if a.seen == nil {
		return 0, false, nil
	}
	e, ok := a.seen.Get(key)
	if !ok {
		return 0, false, nil
	}
	if e.fingerprint != fp {
		return 0, true, fmt.Errorf("event %s: %w: fingerprint mismatch", key, tenant.ErrCorrupt)
	}
	if e.adjusted {
		return AdjustmentDuplicate, true, nil
	}
	return Duplicate, true, nil
}

func (a *Aggregator) fail(ev event.ChangeEvent, err error, start time.Time) (Result, error) {
	a.rec.Record(metrics.KindAggregationFailed, ev.TenantID, metrics.OutcomeOf(err), time.Since(start))
	return 0, err
}

func checkFingerprint(eventID, prior, fp string) error {
	if prior != fp {
		return fmt.Errorf("event %s: %w: fingerprint mismatch", eventID, tenant.ErrCorrupt)
	}
	return nil
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu sync.Mutex
	m  map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.m[key]
	if !ok {
		l = &refMutex{}
		k.m[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}
