// Package store is the tenant-partitioned item store. Every method takes an
// authz.Scope, so a lookup without a verified tenant cannot be expressed.
// Each mutation appends its ChangeEvent to the change log inside the same
// transaction; the outbox relay later moves it onto the capture queue.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/tenantmeter/internal/authz"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/event"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/storage"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/tenant"
)

// ErrInvalidItemID is returned for an empty item id.
var ErrInvalidItemID = errors.New("store: item id is required")

// Meter prices a mutation in billable units.
type Meter interface {
	BillableUnits(op event.Operation, payloadBytes int) int64
}

// MeterFunc adapts a function to Meter.
type MeterFunc func(op event.Operation, payloadBytes int) int64

func (f MeterFunc) BillableUnits(op event.Operation, payloadBytes int) int64 {
	return f(op, payloadBytes)
}

// PutOptions tunes a write.
type PutOptions struct {
	// ExpectedVersion, when set, makes the write conditional on the current
	// version. 0 means "must not exist yet".
	ExpectedVersion *int64
}

// PutResult is the committed item and the event recorded for it.
type PutResult struct {
	Item  tenant.Item
	Event event.ChangeEvent
}

// Store is safe for concurrent use.
type Store struct {
	db    *sql.DB
	meter Meter
	now   func() time.Time
	newID func() string
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithIDGenerator overrides event id generation.
func WithIDGenerator(fn func() string) Option { return func(s *Store) { s.newID = fn } }

// New returns a Store over an already migrated database.
func New(db *sql.DB, meter Meter, opts ...Option) *Store {
	s := &Store{
		db:    db,
		meter: meter,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the item or tenant.ErrNotFound.
func (s *Store) Get(ctx context.Context, scope authz.Scope, itemID string) (*tenant.Item, error) {
	if err := checkScope(scope, itemID); err != nil {
		return nil, err
	}
	var (
		payload   []byte
		version   int64
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, version, updated_at FROM items WHERE tenant_id = ? AND item_id = ?`,
		scope.TenantID(), itemID,
	).Scan(&payload, &version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tenant.ErrNotFound
	}
	if err != nil {
		return nil, classify("get", err)
	}
	return &tenant.Item{
		TenantID:  scope.TenantID(),
		ID:        itemID,
		Payload:   payload,
		Version:   version,
		UpdatedAt: storage.NanoTime(updatedAt),
	}, nil
}

// Put creates or replaces an item and records its change event atomically.
// Once the transaction commits the write stands, even if ctx is cancelled
// before the caller sees the result.
func (s *Store) Put(ctx context.Context, scope authz.Scope, itemID string, payload []byte, opts PutOptions) (*PutResult, error) {
	if err := checkScope(scope, itemID); err != nil {
		return nil, err
	}
	if payload == nil {
		payload = []byte{}
	}
	var res *PutResult
	err := s.inTx(ctx, "put", func(tx *sql.Tx) error {
		current, err := currentVersion(ctx, tx, scope.TenantID(), itemID)
		if err != nil {
			return err
		}
		if opts.ExpectedVersion != nil && *opts.ExpectedVersion != current {
			return fmt.Errorf("item %s at version %d, expected %d: %w",
				itemID, current, *opts.ExpectedVersion, tenant.ErrConflict)
		}
		op := event.OpCreate
		if current > 0 {
			op = event.OpUpdate
		}
		now := s.now().UTC()
		item := tenant.Item{
			TenantID:  scope.TenantID(),
			ID:        itemID,
			Payload:   payload,
			Version:   current + 1,
			UpdatedAt: now,
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO items (tenant_id, item_id, payload, version, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (tenant_id, item_id) DO UPDATE SET
			   payload = excluded.payload,
			   version = excluded.version,
			   updated_at = excluded.updated_at`,
			item.TenantID, item.ID, item.Payload, item.Version, now.UnixNano(),
		); err != nil {
			return classify("put item", err)
		}
		ev, err := s.appendEvent(ctx, tx, scope.TenantID(), itemID, op, len(payload), now)
		if err != nil {
			return err
		}
		res = &PutResult{Item: item, Event: ev}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Delete removes an item and records a delete event. A missing item yields
// tenant.ErrNotFound and no event.
func (s *Store) Delete(ctx context.Context, scope authz.Scope, itemID string) (*event.ChangeEvent, error) {
	if err := checkScope(scope, itemID); err != nil {
		return nil, err
	}
	var out *event.ChangeEvent
	err := s.inTx(ctx, "delete", func(tx *sql.Tx) error {
		current, err := currentVersion(ctx, tx, scope.TenantID(), itemID)
		if err != nil {
			return err
		}
		if current == 0 {
			return tenant.ErrNotFound
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM items WHERE tenant_id = ? AND item_id = ?`,
			scope.TenantID(), itemID,
		); err != nil {
			return classify("delete item", err)
		}
		ev, err := s.appendEvent(ctx, tx, scope.TenantID(), itemID, event.OpDelete, 0, s.now().UTC())
		if err != nil {
			return err
		}
		out = &ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// appendEvent writes the change-log row that makes the mutation durable
// as a pending capture-queue entry.
func (s *Store) appendEvent(ctx context.Context, tx *sql.Tx, tenantID, itemID string, op event.Operation, size int, at time.Time) (event.ChangeEvent, error) {
	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM change_log WHERE tenant_id = ?`, tenantID,
	).Scan(&seq); err != nil {
		return event.ChangeEvent{}, classify("next sequence", err)
	}
	ev := event.ChangeEvent{
		ID:            s.newID(),
		TenantID:      tenantID,
		ItemID:        itemID,
		Sequence:      seq,
		Operation:     op,
		OccurredAt:    at,
		BillableUnits: s.meter.BillableUnits(op, size),
		PayloadBytes:  int64(size),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO change_log
		   (tenant_id, seq, event_id, item_id, operation, occurred_at, billable_units, payload_bytes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.TenantID, ev.Sequence, ev.ID, ev.ItemID, string(ev.Operation),
		ev.OccurredAt.UnixNano(), ev.BillableUnits, ev.PayloadBytes,
	); err != nil {
		return event.ChangeEvent{}, classify("append change", err)
	}
	return ev, nil
}

// inTx runs fn in a transaction detached from ctx cancellation so that a
// cancelled caller cannot undo a commit; ctx still bounds each statement
// and is checked once more right before commit.
func (s *Store) inTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return classify(op+" begin", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(op+" commit", err)
	}
	return nil
}

func currentVersion(ctx context.Context, tx *sql.Tx, tenantID, itemID string) (int64, error) {
	var v int64
	err := tx.QueryRowContext(ctx,
		`SELECT version FROM items WHERE tenant_id = ? AND item_id = ?`, tenantID, itemID,
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, classify("read version", err)
	}
	return v, nil
}

func checkScope(scope authz.Scope, itemID string) error {
	if !scope.Valid() {
		return tenant.ErrDenied
	}
	if itemID == "" {
		return ErrInvalidItemID
	}
	return nil
}

// classify keeps caller cancellation as-is and maps every driver failure
// to tenant.ErrUnavailable.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("store %s: %w: %w", op, tenant.ErrUnavailable, err)
}
