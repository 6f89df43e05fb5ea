package workflow

import (
	"context"
	"sync"
)

// pool is a fixed-size goroutine pool draining a bounded FIFO queue of
// instance ids.
type pool struct {
	queue   chan string
	process func(ctx context.Context, id string)
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// newPool starts n workers over a queue of capacity size.
func newPool(ctx context.Context, n, size int, fn func(context.Context, string)) *pool {
	p := &pool{
		queue:   make(chan string, size),
		process: fn,
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx)
		}()
	}
	return p
}

func (p *pool) run(ctx context.Context) {
	for {
		select {
		case id, ok := <-p.queue:
			if !ok {
				return
			}
			p.process(ctx, id)
		case <-ctx.Done():
			return
		}
	}
}

// submit enqueues id without blocking. It reports false when the queue is
// full or the pool is draining.
func (p *pool) submit(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- id:
		return true
	default:
		return false
	}
}

// drain closes the queue and waits for workers to finish what is queued.
func (p *pool) drain() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *pool) utilization() float64 {
	if cap(p.queue) == 0 {
		return 0
	}
	return float64(len(p.queue)) / float64(cap(p.queue))
}
