package billing_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/tenantmeter/internal/billing"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/event"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/ledger"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/queue"
)

func startDispatcher(t *testing.T, q queue.Queue, agg *billing.Aggregator) *billing.Dispatcher {
	t.Helper()
	d := billing.NewDispatcher(q, agg, billing.DispatcherOptions{
		Workers:       4,
		LaneDepth:     8,
		BackoffBase:   10 * time.Millisecond,
		BackoffMax:    50 * time.Millisecond,
		DepthInterval: 10 * time.Millisecond,
	}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("dispatcher did not stop")
		}
	})
	return d
}

func writesOf(l *ledger.Ledger, tenantID string) int64 {
	rec, err := l.Read(context.Background(), tenantID, "2026-10")
	if err != nil {
		return -1
	}
	return rec.Counters["writes"]
}

func TestDispatcher_AppliesAndAcks(t *testing.T) {
	agg, l := setupAggregator(t)
	q := queue.NewMemory(time.Minute)
	ctx := context.Background()
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, q.Publish(ctx, change("tenant-a", i, event.OpCreate, 1)))
		require.NoError(t, q.Publish(ctx, change("tenant-b", i, event.OpCreate, 1)))
	}
	startDispatcher(t, q, agg)

	require.Eventually(t, func() bool {
		n, _ := q.Len(ctx)
		return n == 0 && writesOf(l, "tenant-a") == 5 && writesOf(l, "tenant-b") == 5
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDispatcher_RedeliveredEventCountsOnce(t *testing.T) {
	agg, l := setupAggregator(t)
	q := queue.NewMemory(time.Minute)
	ctx := context.Background()

	// Two writes; the first one is delivered again as if its ack was lost.
	first := change("tenant-a", 1, event.OpCreate, 1)
	require.NoError(t, q.Publish(ctx, first))
	require.NoError(t, q.Publish(ctx, change("tenant-a", 2, event.OpUpdate, 1)))
	require.NoError(t, q.Publish(ctx, first))
	startDispatcher(t, q, agg)

	require.Eventually(t, func() bool {
		n, _ := q.Len(ctx)
		return n == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(2), writesOf(l, "tenant-a"))
}

func TestDispatcher_CorruptionHaltsOnlyThatTenant(t *testing.T) {
	agg, l := setupAggregator(t)
	q := queue.NewMemory(time.Minute)
	ctx := context.Background()

	good := change("tenant-a", 1, event.OpCreate, 1)
	tampered := good
	tampered.BillableUnits = 99
	require.NoError(t, q.Publish(ctx, good))
	require.NoError(t, q.Publish(ctx, tampered))
	require.NoError(t, q.Publish(ctx, change("tenant-a", 3, event.OpCreate, 1)))
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, q.Publish(ctx, change("tenant-b", i, event.OpCreate, 1)))
	}
	d := startDispatcher(t, q, agg)

	require.Eventually(t, func() bool {
		return len(d.Halted()) == 1 && writesOf(l, "tenant-b") == 3
	}, 5*time.Second, 10*time.Millisecond)

	halted := d.Halted()
	assert.Equal(t, "tenant-a", halted[0].TenantID)
	assert.Equal(t, good.ID, halted[0].EventID)
	assert.Equal(t, int64(1), writesOf(l, "tenant-a"))

	assert.True(t, d.Resume("tenant-a"))
	assert.False(t, d.Resume("tenant-a"))
	assert.Empty(t, d.Halted())
}

func TestDispatcher_UndecodableEntryHaltsOnlyThatTenant(t *testing.T) {
	agg, l := setupAggregator(t)
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	q := queue.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "meter", time.Minute, 5*time.Millisecond)
	t.Cleanup(func() { q.Close() })
	ctx := context.Background()

	_, err = mr.XAdd("meter:stream:tenant-a", "*", []string{"event", "{truncated"})
	require.NoError(t, err)
	_, err = mr.SAdd("meter:tenants", "tenant-a")
	require.NoError(t, err)
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, q.Publish(ctx, change("tenant-b", i, event.OpCreate, 1)))
	}
	d := startDispatcher(t, q, agg)

	require.Eventually(t, func() bool {
		return len(d.Halted()) == 1 && writesOf(l, "tenant-b") == 3
	}, 5*time.Second, 10*time.Millisecond)
	halted := d.Halted()
	assert.Equal(t, "tenant-a", halted[0].TenantID)
	assert.Contains(t, halted[0].Reason, "decode stream entry")
	assert.Equal(t, int64(-1), writesOf(l, "tenant-a"))
}

func TestDispatcher_StopsWhenQueueCloses(t *testing.T) {
	agg, _ := setupAggregator(t)
	q := queue.NewMemory(time.Minute)
	d := billing.NewDispatcher(q, agg, billing.DispatcherOptions{}, nil, nil)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	require.NoError(t, q.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop after queue close")
	}
}
