package rhi

import (
	"sync"

	"github.com/Carmen-Shannon/automation/tools/worker"
)

// WorkerPool runs batches of CPU work. ExecuteAll returns after every
// function has run.
type WorkerPool interface {
	ExecuteAll(work []func())
}

// dynamicPool adapts an automation worker pool. Each batch is tracked with
// its own WaitGroup because the pool's Wait blocks until workers idle out.
type dynamicPool struct {
	pool worker.DynamicWorkerPool

	mu     sync.Mutex
	nextID int
}

// FromDynamicWorkerPool lets a device share an application's automation
// worker pool for instance conversion.
func FromDynamicWorkerPool(p worker.DynamicWorkerPool) WorkerPool {
	return &dynamicPool{pool: p}
}

func (d *dynamicPool) ExecuteAll(work []func()) {
	if len(work) == 0 {
		return
	}
	d.mu.Lock()
	base := d.nextID
	d.nextID += len(work)
	d.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(work))
	for i, fn := range work {
		d.pool.SubmitTask(worker.Task{
			ID: base + i,
			Do: func() (any, error) {
				defer wg.Done()
				fn()
				return nil, nil
			},
		})
	}
	wg.Wait()
}
