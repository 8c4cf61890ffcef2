package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AdvanceResult counts the transitions made by one Advance sweep.
type AdvanceResult struct {
	Closing   int
	Closed    int
	Compacted int
}

// Finalize moves one record through Open -> Closing -> Closed as far as now
// allows and returns the resulting state. Closing starts at period end;
// Closed is reached once the grace window after period end has passed.
func (l *Ledger) Finalize(ctx context.Context, tenantID, period string, now time.Time) (State, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", classify("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := scanRecord(tx.QueryRowContext(ctx, selectRecord, tenantID, period))
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrEmpty
	}
	if err != nil {
		return "", classify("load record", err)
	}
	if now.Before(rec.PeriodEnd) {
		return rec.State, ErrPeriodNotEnded
	}

	state := rec.State
	if state == StateOpen {
		state = StateClosing
		if _, err := tx.ExecContext(ctx,
			`UPDATE usage_records SET state = ?, closing_at = ?, updated_at = ? WHERE tenant_id = ? AND period = ?`,
			string(StateClosing), now.UnixNano(), now.UnixNano(), tenantID, period,
		); err != nil {
			return "", classify("mark closing", err)
		}
	}
	if state == StateClosing && !now.Before(rec.PeriodEnd.Add(l.opts.Grace)) {
		state = StateClosed
		if _, err := tx.ExecContext(ctx,
			`UPDATE usage_records SET state = ?, closed_at = ?, updated_at = ? WHERE tenant_id = ? AND period = ?`,
			string(StateClosed), now.UnixNano(), now.UnixNano(), tenantID, period,
		); err != nil {
			return "", classify("mark closed", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", classify("commit", err)
	}
	return state, nil
}

// Advance sweeps every record: ended periods start closing, periods past
// their grace window close, and closed periods past the applied-event
// retention have their applied sets compacted.
func (l *Ledger) Advance(ctx context.Context, now time.Time) (AdvanceResult, error) {
	var res AdvanceResult
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return res, classify("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	n := now.UnixNano()
	closing, err := tx.ExecContext(ctx,
		`UPDATE usage_records SET state = ?, closing_at = ?, updated_at = ?
		 WHERE state = ? AND period_end <= ?`,
		string(StateClosing), n, n, string(StateOpen), n)
	if err != nil {
		return res, classify("advance closing", err)
	}
	closed, err := tx.ExecContext(ctx,
		`UPDATE usage_records SET state = ?, closed_at = ?, updated_at = ?
		 WHERE state = ? AND period_end <= ?`,
		string(StateClosed), n, n, string(StateClosing), now.Add(-l.opts.Grace).UnixNano())
	if err != nil {
		return res, classify("advance closed", err)
	}
	compacted, err := l.compact(ctx, tx, now)
	if err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, classify("commit", err)
	}
	res.Closing = rowsAffected(closing)
	res.Closed = rowsAffected(closed)
	res.Compacted = compacted
	return res, nil
}

// compact drops applied-event sets of records closed longer than the
// retention. Late duplicates of those events are then treated as new and
// land in the adjustment ledger, never in closed totals.
func (l *Ledger) compact(ctx context.Context, tx *sql.Tx, now time.Time) (int, error) {
	cutoff := now.Add(-l.opts.AppliedRetention).UnixNano()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM applied_events WHERE EXISTS (
		   SELECT 1 FROM usage_records r
		   WHERE r.tenant_id = applied_events.tenant_id AND r.period = applied_events.period
		     AND r.state = ? AND r.compacted = 0 AND r.closed_at <= ?)`,
		string(StateClosed), cutoff,
	); err != nil {
		return 0, classify("compact applied", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE usage_records SET compacted = 1 WHERE state = ? AND compacted = 0 AND closed_at <= ?`,
		string(StateClosed), cutoff)
	if err != nil {
		return 0, classify("mark compacted", err)
	}
	return rowsAffected(res), nil
}

func rowsAffected(res sql.Result) int {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return int(n)
}

// String renders an AdvanceResult for logs.
func (r AdvanceResult) String() string {
	return fmt.Sprintf("closing=%d closed=%d compacted=%d", r.Closing, r.Closed, r.Compacted)
}
