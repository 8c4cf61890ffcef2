package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/tenantmeter/internal/ledger"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/storage"
)

func TestFinalizer_RunOnceAdvancesRecords(t *testing.T) {
	db, err := storage.Open(context.Background(), storage.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	l := ledger.New(db, ledger.Options{Grace: 48 * time.Hour, AppliedRetention: time.Hour})
	ctx := context.Background()

	key := ledger.Key{TenantID: "tenant-a", Period: "2026-10", PeriodEnd: time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, l.Update(ctx, key, func(tx *ledger.Tx) error {
		return tx.Apply("e1", "fp", map[string]int64{"writes": 1})
	}))

	f, err := NewFinalizer(l, "@every 1h", nil, nil)
	require.NoError(t, err)

	f.now = func() time.Time { return time.Date(2026, 11, 1, 6, 0, 0, 0, time.UTC) }
	res, err := f.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.AdvanceResult{Closing: 1}, res)

	f.now = func() time.Time { return time.Date(2026, 11, 3, 0, 0, 0, 0, time.UTC) }
	res, err = f.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Closed)

	f.now = func() time.Time { return time.Date(2026, 11, 4, 0, 0, 0, 0, time.UTC) }
	res, err = f.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Compacted)

	rec, err := l.Read(ctx, "tenant-a", "2026-10")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateClosed, rec.State)
	assert.True(t, rec.Compacted)
	assert.Zero(t, rec.AppliedCount)
}

func TestNewFinalizer_BadSchedule(t *testing.T) {
	_, err := NewFinalizer(nil, "every tuesday", nil, nil)
	assert.Error(t, err)
}

func TestFinalizer_RunStopsOnCancel(t *testing.T) {
	db, err := storage.Open(context.Background(), storage.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	f, err := NewFinalizer(ledger.New(db, ledger.Options{}), "@every 1s", nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("finalizer did not stop")
	}
}
