// Package queue is the change-capture channel between the item store and
// billing. Delivery is at-least-once and FIFO per tenant: a tenant has at
// most one delivery in flight, and its next event is only handed out once
// that delivery is acked. Tenants are independent of each other.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/gyaneshwarpardhi/tenantmeter/internal/event"
)

var (
	// ErrClosed is returned once the queue has been closed.
	ErrClosed = errors.New("queue: closed")
	// ErrStaleDelivery is returned when acking or nacking a delivery that
	// already timed out and was handed out again.
	ErrStaleDelivery = errors.New("queue: stale delivery")
)

// Queue is implemented by Memory and Redis.
type Queue interface {
	Publish(ctx context.Context, ev event.ChangeEvent) error
	// Receive blocks until an event is available or ctx is done.
	Receive(ctx context.Context) (*Delivery, error)
	// Len is the number of events not yet acked.
	Len(ctx context.Context) (int, error)
	Close() error
}

// Delivery is one hand-out of an event. Attempt starts at 1 and grows on
// every redelivery of the same event.
type Delivery struct {
	Event   event.ChangeEvent
	Attempt int
	// Err is set when the stored entry could not be decoded. Event then
	// carries only TenantID, and Err wraps tenant.ErrCorrupt.
	Err error

	ack  func(ctx context.Context) error
	nack func(ctx context.Context, retryAfter time.Duration) error
}

// Ack removes the event from its partition and releases the next one.
func (d *Delivery) Ack(ctx context.Context) error { return d.ack(ctx) }

// Nack returns the event to the head of its partition; it becomes
// receivable again after retryAfter.
func (d *Delivery) Nack(ctx context.Context, retryAfter time.Duration) error {
	return d.nack(ctx, retryAfter)
}
