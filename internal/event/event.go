package event

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

// Operation is the kind of mutation a ChangeEvent records.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// ChangeEvent is the immutable record of one committed mutation.
// ID is assigned when the mutation commits and stays the same across
// redeliveries; it is the only deduplication key downstream.
type ChangeEvent struct {
	ID            string    `json:"event_id"`
	TenantID      string    `json:"tenant_id"`
	ItemID        string    `json:"item_id"`
	Sequence      int64     `json:"sequence"` // per tenant, strictly increasing
	Operation     Operation `json:"operation"`
	OccurredAt    time.Time `json:"occurred_at"`
	BillableUnits int64     `json:"billable_units"`
	PayloadBytes  int64     `json:"payload_bytes"`
}

// Validate checks the fields every consumer relies on.
func (e *ChangeEvent) Validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("event: id is required")
	case e.TenantID == "":
		return fmt.Errorf("event %s: tenant_id is required", e.ID)
	case e.ItemID == "":
		return fmt.Errorf("event %s: item_id is required", e.ID)
	case !e.Operation.Valid():
		return fmt.Errorf("event %s: unknown operation %q", e.ID, e.Operation)
	case e.OccurredAt.IsZero():
		return fmt.Errorf("event %s: occurred_at is required", e.ID)
	case e.BillableUnits < 0:
		return fmt.Errorf("event %s: billable_units must not be negative", e.ID)
	}
	return nil
}

// Fingerprint digests the event content. Two deliveries with the same ID
// must carry the same fingerprint; anything else is corruption.
func (e *ChangeEvent) Fingerprint() string {
	h := sha256.New()
	var buf [8]byte
	writeStr := func(s string) {
		binary.BigEndian.PutUint64(buf[:], uint64(len(s)))
		h.Write(buf[:])
		h.Write([]byte(s))
	}
	writeInt := func(n int64) {
		binary.BigEndian.PutUint64(buf[:], uint64(n))
		h.Write(buf[:])
	}
	writeStr(e.TenantID)
	writeStr(e.ItemID)
	writeStr(string(e.Operation))
	writeInt(e.OccurredAt.UTC().UnixNano())
	writeInt(e.BillableUnits)
	writeInt(e.PayloadBytes)
	return hex.EncodeToString(h.Sum(nil))
}
