package queue

import (
	"context"
	"sync"
	"time"

	"github.com/gyaneshwarpardhi/tenantmeter/internal/event"
)

// maxIdleWait bounds how long Receive sleeps without a wake-up signal.
const maxIdleWait = 250 * time.Millisecond

type partition struct {
	events    []event.ChangeEvent
	inflight  bool
	token     uint64
	deadline  time.Time // visibility deadline of the in-flight delivery
	notBefore time.Time
	attempts  int
}

// Memory is an in-process Queue. Its contents do not survive a restart;
// the outbox relay replays undispatched change-log rows on startup.
type Memory struct {
	mu         sync.Mutex
	parts      map[string]*partition
	order      []string // round-robin over tenants with pending events
	next       int
	size       int
	token      uint64
	visibility time.Duration
	now        func() time.Time
	wake       chan struct{}
	closed     bool
}

// NewMemory returns an empty queue. A delivery not acked within
// visibility is handed out again.
func NewMemory(visibility time.Duration) *Memory {
	return &Memory{
		parts:      make(map[string]*partition),
		visibility: visibility,
		now:        time.Now,
		wake:       make(chan struct{}, 1),
	}
}

func (m *Memory) Publish(ctx context.Context, ev event.ChangeEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	p, ok := m.parts[ev.TenantID]
	if !ok {
		p = &partition{}
		m.parts[ev.TenantID] = p
		m.order = append(m.order, ev.TenantID)
	}
	p.events = append(p.events, ev)
	m.size++
	m.signal()
	return nil
}

func (m *Memory) Receive(ctx context.Context) (*Delivery, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		d, wait := m.take()
		m.mu.Unlock()
		if d != nil {
			return d, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-m.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// take hands out the head of the next ready partition, or reports how long
// to wait before one could become ready. Caller holds m.mu.
func (m *Memory) take() (*Delivery, time.Duration) {
	now := m.now()
	wait := maxIdleWait
	for i := 0; i < len(m.order); i++ {
		idx := (m.next + i) % len(m.order)
		tenantID := m.order[idx]
		p := m.parts[tenantID]

		if p.inflight {
			if now.Before(p.deadline) {
				wait = minWait(wait, p.deadline.Sub(now))
				continue
			}
			p.inflight = false // visibility expired: redeliver
		}
		if now.Before(p.notBefore) {
			wait = minWait(wait, p.notBefore.Sub(now))
			continue
		}

		m.token++
		p.inflight = true
		p.token = m.token
		p.deadline = now.Add(m.visibility)
		p.attempts++
		m.next = (idx + 1) % len(m.order)
		return m.delivery(tenantID, p.token, p.events[0], p.attempts), 0
	}
	return nil, wait
}

func (m *Memory) delivery(tenantID string, token uint64, ev event.ChangeEvent, attempt int) *Delivery {
	return &Delivery{
		Event:   ev,
		Attempt: attempt,
		ack: func(context.Context) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			p, ok := m.parts[tenantID]
			if !ok || !p.inflight || p.token != token {
				return ErrStaleDelivery
			}
			p.events = p.events[1:]
			p.inflight = false
			p.attempts = 0
			p.notBefore = time.Time{}
			m.size--
			if len(p.events) == 0 {
				m.drop(tenantID)
			}
			m.signal()
			return nil
		},
		nack: func(_ context.Context, retryAfter time.Duration) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			p, ok := m.parts[tenantID]
			if !ok || !p.inflight || p.token != token {
				return ErrStaleDelivery
			}
			p.inflight = false
			p.notBefore = m.now().Add(retryAfter)
			m.signal()
			return nil
		},
	}
}

// drop forgets an empty partition. Caller holds m.mu.
func (m *Memory) drop(tenantID string) {
	delete(m.parts, tenantID)
	for i, id := range m.order {
		if id == tenantID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			if m.next > i {
				m.next--
			}
			break
		}
	}
	if len(m.order) == 0 || m.next >= len(m.order) {
		m.next = 0
	}
}

func (m *Memory) Len(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.signal()
	return nil
}

// signal wakes one waiting receiver without blocking.
func (m *Memory) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func minWait(a, b time.Duration) time.Duration {
	if b < a {
		return b
	}
	return a
}
