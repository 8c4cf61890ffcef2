package billing

import (
	"context"
	"hash/fnv"
	"sync"
)

// lanePool is a fixed set of goroutines, each draining its own bounded
// lane. Work is routed to a lane by key, so work for one key is handled by
// one goroutine in submission order.
type lanePool[T any] struct {
	lanes   []chan T
	process func(ctx context.Context, t T)
	wg      sync.WaitGroup
}

// newLanePool starts n workers, each with a lane of capacity depth.
func newLanePool[T any](ctx context.Context, n, depth int, fn func(context.Context, T)) *lanePool[T] {
	if n < 1 {
		n = 1
	}
	p := &lanePool[T]{lanes: make([]chan T, n), process: fn}
	for i := range p.lanes {
		lane := make(chan T, depth)
		p.lanes[i] = lane
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx, lane)
		}()
	}
	return p
}

func (p *lanePool[T]) run(ctx context.Context, lane <-chan T) {
	for {
		select {
		case t, ok := <-lane:
			if !ok {
				return
			}
			p.process(ctx, t)
		case <-ctx.Done():
			return
		}
	}
}

// Submit blocks until the key's lane accepts t or ctx is done.
func (p *lanePool[T]) Submit(ctx context.Context, key string, t T) bool {
	select {
	case p.lanes[laneFor(key, len(p.lanes))] <- t:
		return true
	case <-ctx.Done():
		return false
	}
}

// Drain closes every lane and waits for the workers to finish.
func (p *lanePool[T]) Drain() {
	for _, l := range p.lanes {
		close(l)
	}
	p.wg.Wait()
}

// QueueLen returns how many items are waiting across lanes.
func (p *lanePool[T]) QueueLen() int {
	n := 0
	for _, l := range p.lanes {
		n += len(l)
	}
	return n
}

// QueueCap returns the total lane capacity.
func (p *lanePool[T]) QueueCap() int {
	n := 0
	for _, l := range p.lanes {
		n += cap(l)
	}
	return n
}

func laneFor(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
