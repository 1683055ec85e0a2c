package ingest

import (
	"sync"
	"sync/atomic"
)

// DefaultWorkers sizes the pool when mqtt.workers is unset.
const DefaultWorkers = 32

// Pool runs queued tasks on a fixed set of workers. Enqueue never blocks;
// the broker callback goroutine must stay responsive, so a full queue
// drops work instead of stalling the subscription.
type Pool struct {
	mu     sync.Mutex
	closed bool

	tasks chan func()
	wg    sync.WaitGroup

	pending atomic.Int64
	running atomic.Int64
}

// NewPool starts workers goroutines with a queue of 4x that depth.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	p := &Pool{tasks: make(chan func(), workers*4)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.running.Add(1)
		task()
		p.running.Add(-1)
		p.pending.Add(-1)
	}
}

// Enqueue submits a task. It reports false, dropping the task, when the
// queue is full or the pool is closed.
func (p *Pool) Enqueue(task func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.pending.Add(1)
	select {
	case p.tasks <- task:
		return true
	default:
		p.pending.Add(-1)
		return false
	}
}

// Close stops intake, then waits for queued work to drain.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
}

// Pending counts tasks accepted but not yet finished.
func (p *Pool) Pending() int { return int(p.pending.Load()) }

// Running counts tasks currently executing.
func (p *Pool) Running() int { return int(p.running.Load()) }

// Waiting counts tasks still queued: pending minus running.
func (p *Pool) Waiting() int { return p.Pending() - p.Running() }
