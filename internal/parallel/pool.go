// Package parallel runs CPU-side batch work across a fixed set of
// goroutines.
package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// WorkerPool is a fixed set of goroutines with one queue each. Idle workers
// steal from the other queues so that uneven batches still finish together.
//
// WorkerPool is safe for concurrent use.
type WorkerPool struct {
	workers int
	queues  []chan func()
	done    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewWorkerPool starts a pool. If workers is 0 or negative, GOMAXPROCS is
// used.
func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	queueSize := max(workers*4, 8)

	p := &WorkerPool{
		workers: workers,
		queues:  make([]chan func(), workers),
		done:    make(chan struct{}),
	}
	for i := range p.queues {
		p.queues[i] = make(chan func(), queueSize)
	}
	p.running.Store(true)

	p.wg.Add(workers)
	for i := range workers {
		go p.run(i)
	}
	return p
}

func (p *WorkerPool) run(id int) {
	defer p.wg.Done()
	own := p.queues[id]
	for {
		select {
		case fn := <-own:
			fn()
			continue
		default:
		}
		if fn := p.steal(id); fn != nil {
			fn()
			continue
		}
		select {
		case fn := <-own:
			fn()
		case <-p.done:
			p.drain(own)
			return
		}
	}
}

func (p *WorkerPool) steal(id int) func() {
	for i := 1; i < p.workers; i++ {
		select {
		case fn := <-p.queues[(id+i)%p.workers]:
			return fn
		default:
		}
	}
	return nil
}

func (p *WorkerPool) drain(q chan func()) {
	for {
		select {
		case fn := <-q:
			fn()
		default:
			return
		}
	}
}

// ExecuteAll runs every function and returns when all have finished. Work
// submitted to a closed pool runs on the calling goroutine.
func (p *WorkerPool) ExecuteAll(work []func()) {
	if len(work) == 0 {
		return
	}
	if !p.running.Load() {
		for _, fn := range work {
			fn()
		}
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(work))
	for i, fn := range work {
		task := func() {
			defer wg.Done()
			fn()
		}
		select {
		case p.queues[i%p.workers] <- task:
		case <-p.done:
			task()
		}
	}
	wg.Wait()
}

// ForRange splits [0, n) into chunks of at most grain elements and runs fn
// on each chunk in parallel.
func (p *WorkerPool) ForRange(n, grain int, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}
	if grain <= 0 {
		grain = (n + p.workers - 1) / p.workers
	}
	work := make([]func(), 0, (n+grain-1)/grain)
	for lo := 0; lo < n; lo += grain {
		hi := min(lo+grain, n)
		work = append(work, func() { fn(lo, hi) })
	}
	p.ExecuteAll(work)
}

// Close stops the pool after queued work completes. It is safe to call more
// than once but must not race with ExecuteAll.
func (p *WorkerPool) Close() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.done)
	p.wg.Wait()
}

// Workers returns the number of workers.
func (p *WorkerPool) Workers() int {
	return p.workers
}

// IsRunning reports whether the pool accepts work.
func (p *WorkerPool) IsRunning() bool {
	return p.running.Load()
}
