package accesscount

import (
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/liamcoop/storagerules/internal/logger"
)

// ErrPoolClosed is returned by Submit after Stop
var ErrPoolClosed = errors.New("worker pool is closed")

// WorkerPoolConfig sizes a WorkerPool
type WorkerPoolConfig struct {
	NumWorkers int
	QueueSize  int
}

// WorkerPool runs rollup jobs on a fixed set of goroutines.
// Submit blocks only while the queue is full.
type WorkerPool struct {
	completed atomic.Int64
	failed    atomic.Int64

	jobs   chan func()
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	log    *slog.Logger
}

// NewWorkerPool starts the workers
func NewWorkerPool(config WorkerPoolConfig) *WorkerPool {
	if config.NumWorkers <= 0 {
		config.NumWorkers = runtime.NumCPU()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}

	p := &WorkerPool{
		jobs: make(chan func(), config.QueueSize),
		log:  logger.Named("accesscount.pool"),
	}
	for i := 0; i < config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(id, job)
	}
}

func (p *WorkerPool) run(id int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			p.log.Error("worker job panicked", "worker", id, "panic", r)
			return
		}
		p.completed.Add(1)
	}()
	job()
}

// Submit queues a job
func (p *WorkerPool) Submit(job func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.jobs <- job
	return nil
}

// Stop rejects new jobs, lets queued ones finish and waits for the workers
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
}

// Completed returns the number of jobs that ran to completion
func (p *WorkerPool) Completed() int64 {
	return p.completed.Load()
}

// Failed returns the number of jobs that panicked
func (p *WorkerPool) Failed() int64 {
	return p.failed.Load()
}
