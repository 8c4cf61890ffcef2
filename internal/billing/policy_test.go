package billing_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/tenantmeter/internal/billing"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/config"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/event"
)

func TestPolicy_BillableUnits(t *testing.T) {
	p := billing.DefaultPolicy()
	cases := []struct {
		name  string
		op    event.Operation
		bytes int
		want  int64
	}{
		{"empty", event.OpCreate, 0, 1},
		{"small boundary", event.OpUpdate, 4 << 10, 1},
		{"medium", event.OpCreate, 4<<10 + 1, 4},
		{"large", event.OpCreate, 1 << 20, 16},
		{"delete", event.OpDelete, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, p.BillableUnits(tc.op, tc.bytes))
		})
	}
}

func TestPolicy_Counters(t *testing.T) {
	p := billing.DefaultPolicy()
	assert.Equal(t,
		map[string]int64{billing.MetricWrites: 1, billing.MetricStorageUnits: 4},
		p.Counters(event.ChangeEvent{Operation: event.OpUpdate, BillableUnits: 4}))
	assert.Equal(t,
		map[string]int64{billing.MetricDeletes: 1},
		p.Counters(event.ChangeEvent{Operation: event.OpDelete, BillableUnits: 9}))
}

func TestPolicy_Cost(t *testing.T) {
	p, err := billing.NewPolicy(config.BillingConf{
		Currency: "EUR",
		Prices:   map[string]string{"writes": "0.0005", "storage_units": "0.01"},
	})
	require.NoError(t, err)

	items, total := p.Cost(map[string]int64{"writes": 2000, "storage_units": 30, "deletes": 5})
	require.Len(t, items, 3)
	assert.Equal(t, "deletes", items[0].Metric)
	assert.True(t, items[0].Amount.IsZero())
	assert.True(t, decimal.RequireFromString("1.30").Equal(total), total.String())
}

func TestNewPolicy_BadPrice(t *testing.T) {
	_, err := billing.NewPolicy(config.BillingConf{Prices: map[string]string{"writes": "cheap"}})
	assert.Error(t, err)
}

func TestPolicyHolder_Swap(t *testing.T) {
	h := billing.NewPolicyHolder(billing.DefaultPolicy())
	assert.Equal(t, int64(16), h.BillableUnits(event.OpCreate, 1<<20))

	h.Swap(&billing.Policy{Categories: []billing.SizeCategory{{MaxBytes: 0, Units: 2}}})
	assert.Equal(t, int64(2), h.BillableUnits(event.OpCreate, 1<<20))
}
