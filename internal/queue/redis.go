package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/gyaneshwarpardhi/tenantmeter/internal/event"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/tenant"
)

// Redis is a Queue backed by one Redis stream per tenant. The last acked
// stream id of each tenant is kept in a hash, so unacked events survive a
// restart of this process and are delivered again.
//
// Keys (under prefix):
//
//	<prefix>:tenants          set of tenant ids that ever published
//	<prefix>:stream:<tenant>  stream of JSON-encoded change events
//	<prefix>:cursor           hash tenant id -> last acked stream id
type Redis struct {
	client     *redis.Client
	prefix     string
	visibility time.Duration
	poll       time.Duration
	now        func() time.Time

	recvMu sync.Mutex // serializes take
	mu     sync.Mutex
	state  map[string]*redisInflight
	token  uint64
	next   int
	closed bool
}

type redisInflight struct {
	streamID  string
	token     uint64
	inflight  bool
	deadline  time.Time
	notBefore time.Time
	attempts  int
}

// DialRedis parses url, applies connection timeouts and pings the server.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewRedis wraps client. The queue owns the client and closes it on Close.
func NewRedis(client *redis.Client, prefix string, visibility, poll time.Duration) *Redis {
	if prefix == "" {
		prefix = "tenantmeter:ccq"
	}
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	return &Redis{
		client:     client,
		prefix:     prefix,
		visibility: visibility,
		poll:       poll,
		now:        time.Now,
		state:      make(map[string]*redisInflight),
	}
}

func (r *Redis) tenantsKey() string              { return r.prefix + ":tenants" }
func (r *Redis) cursorKey() string               { return r.prefix + ":cursor" }
func (r *Redis) streamKey(tenantID string) string { return r.prefix + ":stream:" + tenantID }

func (r *Redis) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Redis) Publish(ctx context.Context, ev event.ChangeEvent) error {
	if r.isClosed() {
		return ErrClosed
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: r.streamKey(ev.TenantID),
			Values: map[string]interface{}{"event": string(data)},
		})
		pipe.SAdd(ctx, r.tenantsKey(), ev.TenantID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis publish %s: %w", ev.ID, err)
	}
	return nil
}

func (r *Redis) Receive(ctx context.Context) (*Delivery, error) {
	for {
		if r.isClosed() {
			return nil, ErrClosed
		}
		d, err := r.take(ctx)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
		timer := time.NewTimer(r.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *Redis) take(ctx context.Context) (*Delivery, error) {
	r.recvMu.Lock()
	defer r.recvMu.Unlock()

	tenants, err := r.client.SMembers(ctx, r.tenantsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list tenants: %w", err)
	}
	if len(tenants) == 0 {
		return nil, nil
	}
	sort.Strings(tenants)

	r.mu.Lock()
	start := r.next % len(tenants)
	r.mu.Unlock()

	// A tenant whose stream cannot be read is skipped so the others keep
	// flowing; the first such error is reported only if nobody was served.
	var firstErr error
	for i := range tenants {
		idx := (start + i) % len(tenants)
		tenantID := tenants[idx]
		if !r.ready(tenantID) {
			continue
		}

		msgs, err := r.head(ctx, tenantID)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		ev, decodeErr := decodeEntry(tenantID, msgs[0])

		r.mu.Lock()
		st := r.state[tenantID]
		if st == nil {
			st = &redisInflight{}
			r.state[tenantID] = st
		}
		if st.streamID != msgs[0].ID {
			st.streamID = msgs[0].ID
			st.attempts = 0
		}
		r.token++
		st.token = r.token
		st.inflight = true
		st.deadline = r.now().Add(r.visibility)
		st.attempts++
		attempt := st.attempts
		token := st.token
		r.next = idx + 1
		r.mu.Unlock()

		d := r.delivery(tenantID, msgs[0].ID, token, ev, attempt)
		d.Err = decodeErr
		return d, nil
	}
	return nil, firstErr
}

// head reads the first unacked entry of a tenant's stream.
func (r *Redis) head(ctx context.Context, tenantID string) ([]redis.XMessage, error) {
	cursor, err := r.client.HGet(ctx, r.cursorKey(), tenantID).Result()
	if errors.Is(err, redis.Nil) {
		cursor = "0-0"
	} else if err != nil {
		return nil, fmt.Errorf("redis cursor %s: %w", tenantID, err)
	}
	from, err := nextStreamID(cursor)
	if err != nil {
		return nil, fmt.Errorf("redis cursor %s: %w", tenantID, err)
	}
	msgs, err := r.client.XRangeN(ctx, r.streamKey(tenantID), from, "+", 1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis read %s: %w", tenantID, err)
	}
	return msgs, nil
}

// decodeEntry unpacks a stream entry. An undecodable entry, or one filed
// under the wrong tenant, yields an event carrying only tenantID and an
// error wrapping tenant.ErrCorrupt.
func decodeEntry(tenantID string, msg redis.XMessage) (event.ChangeEvent, error) {
	raw, _ := msg.Values["event"].(string)
	var ev event.ChangeEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return event.ChangeEvent{TenantID: tenantID},
			fmt.Errorf("decode stream entry %s/%s: %w: %w", tenantID, msg.ID, tenant.ErrCorrupt, err)
	}
	if ev.TenantID != tenantID {
		return event.ChangeEvent{TenantID: tenantID},
			fmt.Errorf("stream entry %s/%s belongs to tenant %q: %w", tenantID, msg.ID, ev.TenantID, tenant.ErrCorrupt)
	}
	return ev, nil
}

// ready reports whether tenantID may be handed a delivery now.
func (r *Redis) ready(tenantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.state[tenantID]
	if st == nil {
		return true
	}
	now := r.now()
	if st.inflight && now.Before(st.deadline) {
		return false
	}
	return !now.Before(st.notBefore)
}

func (r *Redis) delivery(tenantID, streamID string, token uint64, ev event.ChangeEvent, attempt int) *Delivery {
	return &Delivery{
		Event:   ev,
		Attempt: attempt,
		ack: func(ctx context.Context) error {
			if !r.owns(tenantID, token) {
				return ErrStaleDelivery
			}
			_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, r.cursorKey(), tenantID, streamID)
				pipe.XDel(ctx, r.streamKey(tenantID), streamID)
				return nil
			})
			if err != nil {
				return fmt.Errorf("redis ack %s: %w", ev.ID, err)
			}
			r.mu.Lock()
			if st := r.state[tenantID]; st != nil && st.token == token {
				delete(r.state, tenantID)
			}
			r.mu.Unlock()
			return nil
		},
		nack: func(_ context.Context, retryAfter time.Duration) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			st := r.state[tenantID]
			if st == nil || !st.inflight || st.token != token {
				return ErrStaleDelivery
			}
			st.inflight = false
			st.notBefore = r.now().Add(retryAfter)
			return nil
		},
	}
}

func (r *Redis) owns(tenantID string, token uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.state[tenantID]
	return st != nil && st.inflight && st.token == token
}

func (r *Redis) Len(ctx context.Context) (int, error) {
	tenants, err := r.client.SMembers(ctx, r.tenantsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis list tenants: %w", err)
	}
	total := 0
	for _, t := range tenants {
		n, err := r.client.XLen(ctx, r.streamKey(t)).Result()
		if err != nil {
			return 0, fmt.Errorf("redis len %s: %w", t, err)
		}
		total += int(n)
	}
	return total, nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	return r.client.Close()
}

// nextStreamID returns the smallest stream id greater than id.
func nextStreamID(id string) (string, error) {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return "", fmt.Errorf("malformed stream id %q", id)
	}
	m, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return "", fmt.Errorf("malformed stream id %q: %w", id, err)
	}
	s, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return "", fmt.Errorf("malformed stream id %q: %w", id, err)
	}
	return fmt.Sprintf("%d-%d", m, s+1), nil
}
