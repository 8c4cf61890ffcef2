package event_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/tenantmeter/internal/event"
)

func makeEvent() event.ChangeEvent {
	return event.ChangeEvent{
		ID:            "evt-1",
		TenantID:      "tenant-a",
		ItemID:        "x",
		Sequence:      1,
		Operation:     event.OpCreate,
		OccurredAt:    time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
		BillableUnits: 1,
		PayloadBytes:  12,
	}
}

func TestValidate(t *testing.T) {
	ev := makeEvent()
	require.NoError(t, ev.Validate())

	bad := ev
	bad.Operation = "truncate"
	assert.Error(t, bad.Validate())

	bad = ev
	bad.TenantID = ""
	assert.Error(t, bad.Validate())

	bad = ev
	bad.BillableUnits = -1
	assert.Error(t, bad.Validate())
}

func TestFingerprint_IgnoresIdentityFields(t *testing.T) {
	a := makeEvent()
	b := a
	b.ID = "evt-2"
	b.Sequence = 9
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	// Same instant in another zone digests identically.
	b.OccurredAt = a.OccurredAt.In(time.FixedZone("x", 3600))
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestFingerprint_DetectsContentChange(t *testing.T) {
	a := makeEvent()
	b := a
	b.BillableUnits = 4
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())

	c := a
	c.Operation = event.OpUpdate
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}
