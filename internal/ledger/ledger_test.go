package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/tenantmeter/internal/ledger"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/storage"
)

var (
	octEnd = time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	octKey = ledger.Key{TenantID: "tenant-a", Period: "2026-10", PeriodEnd: octEnd}
)

func setupLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	db, err := storage.Open(context.Background(), storage.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return ledger.New(db, ledger.Options{Grace: 48 * time.Hour, AppliedRetention: 30 * 24 * time.Hour})
}

func apply(t *testing.T, l *ledger.Ledger, key ledger.Key, eventID string, counters map[string]int64) {
	t.Helper()
	require.NoError(t, l.Update(context.Background(), key, func(tx *ledger.Tx) error {
		return tx.Apply(eventID, "fp-"+eventID, counters)
	}))
}

func TestRead_Empty(t *testing.T) {
	l := setupLedger(t)
	_, err := l.Read(context.Background(), "tenant-a", "2026-10")
	assert.ErrorIs(t, err, ledger.ErrEmpty)
}

func TestUpdate_AccumulatesAndTracksApplied(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()

	apply(t, l, octKey, "e1", map[string]int64{"writes": 1, "storage_units": 2})
	apply(t, l, octKey, "e2", map[string]int64{"writes": 1, "storage_units": 1})

	rec, err := l.Read(ctx, "tenant-a", "2026-10")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateOpen, rec.State)
	assert.Equal(t, map[string]int64{"writes": 2, "storage_units": 3}, rec.Counters)
	assert.Equal(t, 2, rec.AppliedCount)
	assert.True(t, octEnd.Equal(rec.PeriodEnd))

	require.NoError(t, l.Update(ctx, octKey, func(tx *ledger.Tx) error {
		fp, ok, err := tx.AppliedFingerprint("e1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "fp-e1", fp)

		_, ok, err = tx.AppliedFingerprint("nope")
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}

func TestUpdate_FailedCallbackLeavesTotals(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()
	apply(t, l, octKey, "e1", map[string]int64{"writes": 1})

	err := l.Update(ctx, octKey, func(tx *ledger.Tx) error {
		require.NoError(t, tx.Apply("e2", "fp", map[string]int64{"writes": 5}))
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	rec, err := l.Read(ctx, "tenant-a", "2026-10")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Counters["writes"])
	assert.Equal(t, 1, rec.AppliedCount)
}

func TestUpdate_RecordsAreIndependent(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()
	other := ledger.Key{TenantID: "tenant-b", Period: "2026-10", PeriodEnd: octEnd}

	apply(t, l, octKey, "e1", map[string]int64{"writes": 1})
	apply(t, l, other, "e1", map[string]int64{"writes": 7})

	a, err := l.Read(ctx, "tenant-a", "2026-10")
	require.NoError(t, err)
	b, err := l.Read(ctx, "tenant-b", "2026-10")
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.Counters["writes"])
	assert.Equal(t, int64(7), b.Counters["writes"])
}

func TestFinalize_StateMachine(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()
	apply(t, l, octKey, "e1", map[string]int64{"writes": 1})

	_, err := l.Finalize(ctx, "tenant-a", "2026-10", octEnd.Add(-time.Second))
	assert.ErrorIs(t, err, ledger.ErrPeriodNotEnded)

	state, err := l.Finalize(ctx, "tenant-a", "2026-10", octEnd.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, ledger.StateClosing, state)

	// Still inside the grace window: late events merge.
	apply(t, l, octKey, "e2", map[string]int64{"writes": 1})

	state, err = l.Finalize(ctx, "tenant-a", "2026-10", octEnd.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, ledger.StateClosed, state)

	err = l.Update(ctx, octKey, func(tx *ledger.Tx) error {
		return tx.Apply("e3", "fp", map[string]int64{"writes": 1})
	})
	assert.ErrorIs(t, err, ledger.ErrPeriodClosed)

	rec, err := l.Read(ctx, "tenant-a", "2026-10")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateClosed, rec.State)
	assert.Equal(t, int64(2), rec.Counters["writes"])
	assert.False(t, rec.ClosingAt.IsZero())
	assert.False(t, rec.ClosedAt.IsZero())

	_, err = l.Finalize(ctx, "tenant-z", "2026-10", octEnd)
	assert.ErrorIs(t, err, ledger.ErrEmpty)
}

func TestAdjustments(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()
	apply(t, l, octKey, "e1", map[string]int64{"writes": 1})

	require.NoError(t, l.Update(ctx, octKey, func(tx *ledger.Tx) error {
		_, ok, err := tx.AdjustmentFingerprint("late")
		require.NoError(t, err)
		assert.False(t, ok)
		return tx.Adjust("late", "fp-late", "create", map[string]int64{"writes": 1})
	}))

	adjs, err := l.Adjustments(ctx, "tenant-a", "2026-10")
	require.NoError(t, err)
	require.Len(t, adjs, 1)
	assert.Equal(t, "late", adjs[0].EventID)
	assert.Equal(t, map[string]int64{"writes": 1}, adjs[0].Counters)

	rec, err := l.Read(ctx, "tenant-a", "2026-10")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Counters["writes"], "adjustments never touch totals")
}

func TestAdvance_SweepsAndCompacts(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()
	dec := ledger.Key{TenantID: "tenant-a", Period: "2026-12", PeriodEnd: time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)}
	apply(t, l, octKey, "e1", map[string]int64{"writes": 1})
	apply(t, l, dec, "e2", map[string]int64{"writes": 1})

	res, err := l.Advance(ctx, octEnd.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, ledger.AdvanceResult{Closing: 1}, res)

	closedAt := octEnd.Add(49 * time.Hour)
	res, err = l.Advance(ctx, closedAt)
	require.NoError(t, err)
	assert.Equal(t, ledger.AdvanceResult{Closed: 1}, res)

	res, err = l.Advance(ctx, closedAt.Add(30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Compacted)

	rec, err := l.Read(ctx, "tenant-a", "2026-10")
	require.NoError(t, err)
	assert.True(t, rec.Compacted)
	assert.Zero(t, rec.AppliedCount)
	assert.Equal(t, int64(1), rec.Counters["writes"])

	rec, err = l.Read(ctx, "tenant-a", "2026-12")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateOpen, rec.State)
	assert.Equal(t, 1, rec.AppliedCount)
}
