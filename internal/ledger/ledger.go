// Package ledger is the durable usage ledger: one UsageRecord per
// (tenant, billing period) with its applied-event set, plus an adjustment
// ledger for events that arrive after a period closed. Only the billing
// aggregator writes through Update; everyone else reads.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gyaneshwarpardhi/tenantmeter/internal/storage"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/tenant"
)

var (
	// ErrEmpty means no usage was ever recorded for the tenant and period.
	ErrEmpty = errors.New("ledger: no usage record")
	// ErrPeriodNotEnded is returned when finalizing a period still running.
	ErrPeriodNotEnded = errors.New("ledger: period has not ended")
	// ErrPeriodClosed guards closed totals against mutation.
	ErrPeriodClosed = errors.New("ledger: period is closed")
)

// State is the finalization state of a UsageRecord.
type State string

const (
	StateOpen    State = "open"
	StateClosing State = "closing"
	StateClosed  State = "closed"
)

// UsageRecord is the aggregated usage of one tenant in one period.
type UsageRecord struct {
	TenantID     string           `json:"tenant_id"`
	Period       string           `json:"period"`
	State        State            `json:"state"`
	Counters     map[string]int64 `json:"counters"`
	AppliedCount int              `json:"applied_events"`
	PeriodEnd    time.Time        `json:"period_end"`
	ClosingAt    time.Time        `json:"closing_at,omitempty"`
	ClosedAt     time.Time        `json:"closed_at,omitempty"`
	Compacted    bool             `json:"compacted"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Adjustment is a late event for a closed period, kept out of its totals.
type Adjustment struct {
	TenantID   string           `json:"tenant_id"`
	Period     string           `json:"period"`
	EventID    string           `json:"event_id"`
	Operation  string           `json:"operation"`
	Counters   map[string]int64 `json:"counters"`
	RecordedAt time.Time        `json:"recorded_at"`
}

// Key addresses a UsageRecord. PeriodEnd is stored when the record is first
// created and drives finalization.
type Key struct {
	TenantID  string
	Period    string
	PeriodEnd time.Time
}

// Options tune finalization.
type Options struct {
	// Grace is how long after period end late events still merge into totals.
	Grace time.Duration
	// AppliedRetention is how long after closing the applied-event set is
	// kept for deduplication before it is compacted away.
	AppliedRetention time.Duration
}

// Ledger is safe for concurrent use.
type Ledger struct {
	db   *sql.DB
	opts Options
	now  func() time.Time
}

// New returns a Ledger over an already migrated database.
func New(db *sql.DB, opts Options) *Ledger {
	return &Ledger{db: db, opts: opts, now: time.Now}
}

// Read returns the record for tenantID and period, or ErrEmpty.
func (l *Ledger) Read(ctx context.Context, tenantID, period string) (*UsageRecord, error) {
	rec, err := scanRecord(l.db.QueryRowContext(ctx, selectRecord, tenantID, period))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, classify("read", err)
	}
	if err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM applied_events WHERE tenant_id = ? AND period = ?`, tenantID, period,
	).Scan(&rec.AppliedCount); err != nil {
		return nil, classify("count applied", err)
	}
	return rec, nil
}

// Adjustments lists late events recorded against a closed period.
func (l *Ledger) Adjustments(ctx context.Context, tenantID, period string) ([]Adjustment, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT event_id, operation, counters, recorded_at FROM adjustments
		 WHERE tenant_id = ? AND period = ? ORDER BY recorded_at, event_id`, tenantID, period)
	if err != nil {
		return nil, classify("list adjustments", err)
	}
	defer rows.Close()
	var out []Adjustment
	for rows.Next() {
		var (
			adj      = Adjustment{TenantID: tenantID, Period: period}
			counters string
			at       int64
		)
		if err := rows.Scan(&adj.EventID, &adj.Operation, &counters, &at); err != nil {
			return nil, classify("scan adjustment", err)
		}
		if err := json.Unmarshal([]byte(counters), &adj.Counters); err != nil {
			return nil, fmt.Errorf("adjustment %s counters: %w: %v", adj.EventID, tenant.ErrCorrupt, err)
		}
		adj.RecordedAt = storage.NanoTime(at)
		out = append(out, adj)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list adjustments", err)
	}
	return out, nil
}

// Update runs fn against the record for key inside one transaction,
// creating an open record first if none exists. Counter changes made
// through tx are written back only if fn returns nil.
func (l *Ledger) Update(ctx context.Context, key Key, fn func(tx *Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := l.now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO usage_records (tenant_id, period, state, counters, period_end, updated_at)
		 VALUES (?, ?, ?, '{}', ?, ?)
		 ON CONFLICT (tenant_id, period) DO NOTHING`,
		key.TenantID, key.Period, string(StateOpen), key.PeriodEnd.UnixNano(), now.UnixNano(),
	); err != nil {
		return classify("create record", err)
	}
	rec, err := scanRecord(tx.QueryRowContext(ctx, selectRecord, key.TenantID, key.Period))
	if err != nil {
		return classify("load record", err)
	}

	t := &Tx{ctx: ctx, tx: tx, rec: rec, now: now}
	if err := fn(t); err != nil {
		return err
	}
	if t.dirty {
		counters, err := json.Marshal(rec.Counters)
		if err != nil {
			return fmt.Errorf("encode counters: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE usage_records SET counters = ?, updated_at = ? WHERE tenant_id = ? AND period = ?`,
			string(counters), now.UnixNano(), key.TenantID, key.Period,
		); err != nil {
			return classify("write counters", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return classify("commit", err)
	}
	return nil
}

// Tx is the view of one record inside Update.
type Tx struct {
	ctx   context.Context
	tx    *sql.Tx
	rec   *UsageRecord
	now   time.Time
	dirty bool
}

// Record is the record as loaded at the start of the transaction.
func (t *Tx) Record() UsageRecord {
	r := *t.rec
	r.Counters = make(map[string]int64, len(t.rec.Counters))
	for k, v := range t.rec.Counters {
		r.Counters[k] = v
	}
	return r
}

// AppliedFingerprint looks eventID up in the record's applied set.
func (t *Tx) AppliedFingerprint(eventID string) (string, bool, error) {
	return t.lookup(`SELECT fingerprint FROM applied_events
		WHERE tenant_id = ? AND period = ? AND event_id = ?`, t.rec.TenantID, t.rec.Period, eventID)
}

// Apply adds counters to the totals and records eventID as applied.
func (t *Tx) Apply(eventID, fingerprint string, counters map[string]int64) error {
	if t.rec.State == StateClosed {
		return ErrPeriodClosed
	}
	if _, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO applied_events (tenant_id, period, event_id, fingerprint, applied_at)
		 VALUES (?, ?, ?, ?, ?)`,
		t.rec.TenantID, t.rec.Period, eventID, fingerprint, t.now.UnixNano(),
	); err != nil {
		return classify("mark applied", err)
	}
	if t.rec.Counters == nil {
		t.rec.Counters = make(map[string]int64)
	}
	for k, v := range counters {
		t.rec.Counters[k] += v
	}
	t.dirty = true
	return nil
}

// AdjustmentFingerprint looks eventID up in the tenant's adjustment ledger.
func (t *Tx) AdjustmentFingerprint(eventID string) (string, bool, error) {
	return t.lookup(`SELECT fingerprint FROM adjustments WHERE tenant_id = ? AND event_id = ?`,
		t.rec.TenantID, eventID)
}

// Adjust records a late event against the record's period without
// touching its totals.
func (t *Tx) Adjust(eventID, fingerprint, operation string, counters map[string]int64) error {
	data, err := json.Marshal(counters)
	if err != nil {
		return fmt.Errorf("encode adjustment: %w", err)
	}
	if _, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO adjustments (tenant_id, event_id, period, operation, counters, fingerprint, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.rec.TenantID, eventID, t.rec.Period, operation, string(data), fingerprint, t.now.UnixNano(),
	); err != nil {
		return classify("record adjustment", err)
	}
	return nil
}

func (t *Tx) lookup(query string, args ...any) (string, bool, error) {
	var fp string
	err := t.tx.QueryRowContext(t.ctx, query, args...).Scan(&fp)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify("lookup", err)
	}
	return fp, true, nil
}

const selectRecord = `SELECT tenant_id, period, state, counters, period_end, closing_at, closed_at, compacted, updated_at
	FROM usage_records WHERE tenant_id = ? AND period = ?`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*UsageRecord, error) {
	var (
		rec       UsageRecord
		state     string
		counters  string
		end, upd  int64
		closingAt sql.NullInt64
		closedAt  sql.NullInt64
		compacted int
	)
	if err := row.Scan(&rec.TenantID, &rec.Period, &state, &counters, &end, &closingAt, &closedAt, &compacted, &upd); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(counters), &rec.Counters); err != nil {
		return nil, fmt.Errorf("record %s/%s counters: %w: %v", rec.TenantID, rec.Period, tenant.ErrCorrupt, err)
	}
	if rec.Counters == nil {
		rec.Counters = make(map[string]int64)
	}
	rec.State = State(state)
	rec.PeriodEnd = storage.NanoTime(end)
	rec.ClosingAt = storage.NullNanoTime(closingAt)
	rec.ClosedAt = storage.NullNanoTime(closedAt)
	rec.Compacted = compacted != 0
	rec.UpdatedAt = storage.NanoTime(upd)
	return &rec, nil
}

// classify maps driver failures to tenant.ErrUnavailable and leaves
// corruption, cancellation and ledger sentinels untouched.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, tenant.ErrCorrupt),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("ledger %s: %w: %w", op, tenant.ErrUnavailable, err)
}
