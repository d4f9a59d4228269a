package agent

import (
	"sync"
)

// workerPool runs inbound work on a fixed set of goroutines behind a bounded
// queue. When the queue is full, submission fails and the caller nacks the
// broker message so the broker redelivers it.
type workerPool struct {
	queue chan func()
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func newWorkerPool(size, queueDepth int) *workerPool {
	if size <= 0 {
		size = 1
	}
	if queueDepth <= 0 {
		queueDepth = size * 4
	}
	p := &workerPool{queue: make(chan func(), queueDepth)}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for fn := range p.queue {
				fn()
			}
		}()
	}
	return p
}

// TrySubmit enqueues fn without blocking. Returns false when the queue is
// full or the pool is stopped.
func (p *workerPool) TrySubmit(fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- fn:
		return true
	default:
		return false
	}
}

// Stop rejects new work and waits for queued work to finish.
func (p *workerPool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}
