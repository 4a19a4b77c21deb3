package runner

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/quantgraph/quantgraph/pkg/schema"
)

// PoolStats is a snapshot of worker pool activity.
type PoolStats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Panics    int64 `json:"panics"`
}

// Pool is a bounded worker pool. A panicking task is logged and counted
// but never takes a worker down.
type Pool struct {
	tasks  chan func()
	logger *slog.Logger
	wg     sync.WaitGroup

	closeOnce sync.Once
	closed    atomic.Bool

	submitted atomic.Int64
	completed atomic.Int64
	panics    atomic.Int64
}

// NewPool starts the given number of workers. The queue holds twice the
// worker count before Submit blocks.
func NewPool(workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		tasks:  make(chan func(), workers*2),
		logger: logger,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error("worker task panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
		p.completed.Add(1)
	}()
	task()
}

// Submit enqueues a task. Blocks when the queue is full; fails once the
// pool is closed.
func (p *Pool) Submit(task func()) error {
	if p.closed.Load() {
		return schema.NewError(schema.ErrCodeConflict, "worker pool is closed")
	}
	p.submitted.Add(1)
	p.tasks <- task
	return nil
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Panics:    p.panics.Load(),
	}
}

// Close stops accepting tasks and waits for in-flight ones. Idempotent.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.tasks)
	})
	p.wg.Wait()
}
