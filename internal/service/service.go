// Package service is the request surface: every operation authorizes the
// caller against the target tenant before touching storage.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gyaneshwarpardhi/tenantmeter/internal/authz"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/billing"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/ledger"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/metrics"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/store"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/tenant"
)

// ErrInvalidPeriod is returned for period ids the calendar cannot parse.
var ErrInvalidPeriod = errors.New("service: invalid billing period")

// Notifier is told after a write commits so the change relay can publish
// without waiting for its next poll.
type Notifier interface {
	Notify()
}

// Deps are the collaborators of a Service. Notifier, Recorder and Logger
// are optional.
type Deps struct {
	Gate     *authz.Gate
	Store    *store.Store
	Ledger   *ledger.Ledger
	Policy   *billing.PolicyHolder
	Calendar billing.Calendar
	Grace    time.Duration
	Notifier Notifier
	Recorder *metrics.Recorder
	Logger   *slog.Logger
}

// Service implements the item and billing operations.
type Service struct {
	Deps
	now func() time.Time
}

// New returns a Service.
func New(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Service{Deps: d, now: time.Now}
}

// Summary is a tenant's usage for one period.
type Summary struct {
	TenantID      string              `json:"tenant_id"`
	Period        string              `json:"period"`
	PeriodStart   time.Time           `json:"period_start"`
	PeriodEnd     time.Time           `json:"period_end"`
	State         ledger.State        `json:"state"`
	Counters      map[string]int64    `json:"counters"`
	AppliedEvents int                 `json:"applied_events"`
	Currency      string              `json:"currency"`
	LineItems     []billing.LineItem  `json:"line_items"`
	EstimatedCost decimal.Decimal     `json:"estimated_cost"`
	Adjustments   []ledger.Adjustment `json:"adjustments"`
	AdjustedCost  decimal.Decimal     `json:"adjusted_cost"`
	UpdatedAt     time.Time           `json:"updated_at,omitempty"`
}

func (s *Service) authorize(claims tenant.IdentityClaims, tenantID, op string) (authz.Scope, error) {
	return s.Gate.Authorize(claims, tenantID, op, s.now())
}

func (s *Service) observe(kind metrics.Kind, tenantID string, start time.Time, err error) {
	s.Recorder.Record(kind, tenantID, metrics.OutcomeOf(err), time.Since(start))
}

// GetItem returns an item of tenantID.
func (s *Service) GetItem(ctx context.Context, claims tenant.IdentityClaims, tenantID, itemID string) (item *tenant.Item, err error) {
	start := time.Now()
	defer func() { s.observe(metrics.KindItemGet, tenantID, start, err) }()

	scope, err := s.authorize(claims, tenantID, "get_item")
	if err != nil {
		return nil, err
	}
	return s.Store.Get(ctx, scope, itemID)
}

// PutItem creates or replaces an item and returns its new version. A
// non-nil expectedVersion makes the write conditional.
func (s *Service) PutItem(ctx context.Context, claims tenant.IdentityClaims, tenantID, itemID string, payload []byte, expectedVersion *int64) (version int64, err error) {
	start := time.Now()
	defer func() { s.observe(metrics.KindItemPut, tenantID, start, err) }()

	scope, err := s.authorize(claims, tenantID, "put_item")
	if err != nil {
		return 0, err
	}
	res, err := s.Store.Put(ctx, scope, itemID, payload, store.PutOptions{ExpectedVersion: expectedVersion})
	if err != nil {
		return 0, err
	}
	s.notify()
	s.Logger.Debug("item written",
		"tenant_id", tenantID, "item_id", itemID, "version", res.Item.Version, "event_id", res.Event.ID)
	return res.Item.Version, nil
}

// DeleteItem removes an item.
func (s *Service) DeleteItem(ctx context.Context, claims tenant.IdentityClaims, tenantID, itemID string) (err error) {
	start := time.Now()
	defer func() { s.observe(metrics.KindItemDelete, tenantID, start, err) }()

	scope, err := s.authorize(claims, tenantID, "delete_item")
	if err != nil {
		return err
	}
	ev, err := s.Store.Delete(ctx, scope, itemID)
	if err != nil {
		return err
	}
	s.notify()
	s.Logger.Debug("item deleted", "tenant_id", tenantID, "item_id", itemID, "event_id", ev.ID)
	return nil
}

// GetBillingSummary reports usage of tenantID in period, which is a period
// id or billing.CurrentPeriod. A period without usage yields zero counters.
func (s *Service) GetBillingSummary(ctx context.Context, claims tenant.IdentityClaims, tenantID, period string) (sum *Summary, err error) {
	start := time.Now()
	defer func() { s.observe(metrics.KindBillingSummary, tenantID, start, err) }()

	scope, err := s.authorize(claims, tenantID, "get_billing_summary")
	if err != nil {
		return nil, err
	}
	owner := scope.TenantID()
	now := s.now()
	p, err := s.Calendar.Parse(period, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeriod, err)
	}

	rec, err := s.Ledger.Read(ctx, owner, p.ID)
	switch {
	case errors.Is(err, ledger.ErrEmpty):
		rec = &ledger.UsageRecord{
			TenantID:  owner,
			Period:    p.ID,
			State:     s.stateAt(p, now),
			Counters:  map[string]int64{},
			PeriodEnd: p.End,
		}
	case err != nil:
		return nil, err
	}
	adjs, err := s.Ledger.Adjustments(ctx, owner, p.ID)
	if err != nil {
		return nil, err
	}
	if adjs == nil {
		adjs = []ledger.Adjustment{}
	}

	pol := s.Policy.Load()
	items, total := pol.Cost(rec.Counters)
	adjusted := make(map[string]int64)
	for _, a := range adjs {
		for k, v := range a.Counters {
			adjusted[k] += v
		}
	}
	_, adjustedCost := pol.Cost(adjusted)

	return &Summary{
		TenantID:      owner,
		Period:        p.ID,
		PeriodStart:   p.Start,
		PeriodEnd:     p.End,
		State:         rec.State,
		Counters:      rec.Counters,
		AppliedEvents: rec.AppliedCount,
		Currency:      pol.Currency,
		LineItems:     items,
		EstimatedCost: total,
		Adjustments:   adjs,
		AdjustedCost:  adjustedCost,
		UpdatedAt:     rec.UpdatedAt,
	}, nil
}

// FinalizePeriod moves one tenant's period as far toward closed as the
// clock allows. It is an operator action and takes no caller claims; the
// scheduled finalizer does the same for every record. Returns
// ledger.ErrEmpty when the period has no usage and ledger.ErrPeriodNotEnded
// while it is still running.
func (s *Service) FinalizePeriod(ctx context.Context, tenantID, period string) (state ledger.State, err error) {
	start := time.Now()
	defer func() { s.observe(metrics.KindPeriodFinalized, tenantID, start, err) }()

	now := s.now()
	p, err := s.Calendar.Parse(period, now)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPeriod, err)
	}
	state, err = s.Ledger.Finalize(ctx, tenantID, p.ID, now)
	if err != nil {
		return state, err
	}
	s.Logger.Info("billing period finalized by operator", "tenant_id", tenantID, "period", p.ID, "state", state)
	return state, nil
}

// stateAt is the state a record for p would have at now.
func (s *Service) stateAt(p billing.Period, now time.Time) ledger.State {
	switch {
	case now.Before(p.End):
		return ledger.StateOpen
	case now.Before(p.End.Add(s.Grace)):
		return ledger.StateClosing
	}
	return ledger.StateClosed
}

func (s *Service) notify() {
	if s.Notifier != nil {
		s.Notifier.Notify()
	}
}
