package billing

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/gyaneshwarpardhi/tenantmeter/internal/config"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/event"
)

// Counter names kept in every UsageRecord.
const (
	MetricWrites       = "writes"
	MetricStorageUnits = "storage_units"
	MetricDeletes      = "deletes"
)

// SizeCategory bills payloads of at most MaxBytes as Units. MaxBytes 0
// matches any size.
type SizeCategory struct {
	MaxBytes int64
	Units    int64
}

// Policy decides how many units an operation is worth and what they cost.
type Policy struct {
	Categories  []SizeCategory
	DeleteUnits int64
	Currency    string
	Prices      map[string]decimal.Decimal
}

// DefaultPolicy matches the config defaults and carries no prices.
func DefaultPolicy() *Policy {
	p, _ := NewPolicy(config.BillingConf{
		SizeCategories: []config.SizeCategoryConf{
			{MaxBytes: 4 << 10, Units: 1},
			{MaxBytes: 256 << 10, Units: 4},
			{MaxBytes: 0, Units: 16},
		},
		Currency: "USD",
	})
	return p
}

// NewPolicy builds a Policy from validated config.
func NewPolicy(conf config.BillingConf) (*Policy, error) {
	p := &Policy{
		DeleteUnits: conf.DeleteUnits,
		Currency:    conf.Currency,
		Prices:      make(map[string]decimal.Decimal, len(conf.Prices)),
	}
	for _, c := range conf.SizeCategories {
		p.Categories = append(p.Categories, SizeCategory{MaxBytes: c.MaxBytes, Units: c.Units})
	}
	for metric, s := range conf.Prices {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("price for %s: %w", metric, err)
		}
		p.Prices[metric] = d
	}
	return p, nil
}

// BillableUnits implements store.Meter.
func (p *Policy) BillableUnits(op event.Operation, payloadBytes int) int64 {
	if op == event.OpDelete {
		return p.DeleteUnits
	}
	size := int64(payloadBytes)
	for _, c := range p.Categories {
		if c.MaxBytes == 0 || size <= c.MaxBytes {
			return c.Units
		}
	}
	return 0
}

// Counters is the contribution of one event to a UsageRecord. Storage is
// never decremented on delete.
func (p *Policy) Counters(ev event.ChangeEvent) map[string]int64 {
	if ev.Operation == event.OpDelete {
		return map[string]int64{MetricDeletes: 1}
	}
	return map[string]int64{
		MetricWrites:       1,
		MetricStorageUnits: ev.BillableUnits,
	}
}

// LineItem is one priced counter of a summary.
type LineItem struct {
	Metric    string          `json:"metric"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Amount    decimal.Decimal `json:"amount"`
}

// Cost prices counters. Metrics without a configured price are listed at
// zero.
func (p *Policy) Cost(counters map[string]int64) ([]LineItem, decimal.Decimal) {
	metrics := make([]string, 0, len(counters))
	for m := range counters {
		metrics = append(metrics, m)
	}
	sort.Strings(metrics)

	total := decimal.Zero
	items := make([]LineItem, 0, len(metrics))
	for _, m := range metrics {
		price := p.Prices[m]
		amount := price.Mul(decimal.NewFromInt(counters[m]))
		total = total.Add(amount)
		items = append(items, LineItem{Metric: m, Quantity: counters[m], UnitPrice: price, Amount: amount})
	}
	return items, total
}

// PolicyHolder lets the policy be swapped on config reload while writers
// and the aggregator keep reading it.
type PolicyHolder struct {
	p atomic.Pointer[Policy]
}

// NewPolicyHolder returns a holder initialised with p.
func NewPolicyHolder(p *Policy) *PolicyHolder {
	h := &PolicyHolder{}
	h.p.Store(p)
	return h
}

// Load returns the active policy.
func (h *PolicyHolder) Load() *Policy { return h.p.Load() }

// Swap installs p.
func (h *PolicyHolder) Swap(p *Policy) { h.p.Store(p) }

// BillableUnits implements store.Meter against the active policy.
func (h *PolicyHolder) BillableUnits(op event.Operation, payloadBytes int) int64 {
	return h.Load().BillableUnits(op, payloadBytes)
}
