package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultPollInterval is how long a following worker waits between sweeps.
const DefaultPollInterval = 2 * time.Second

// PoolOptions configures a WorkerPool.
type PoolOptions struct {
	// Follow, when set, is consulted after each sweep. While it returns true
	// workers sleep PollInterval and sweep again instead of exiting, so they
	// pick up records a concurrently running lister is still adding.
	Follow       func() bool
	PollInterval time.Duration

	Logger  *zap.Logger
	Metrics *Metrics
}

// WorkerPool manages a dynamic set of transfer workers. Each worker sweeps
// the store until nothing eligible is left and then exits; Wait returns
// once every worker has exited.
type WorkerPool struct {
	newWorker func() *Worker
	opts      PoolOptions
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	workers     map[int]chan struct{}
	workerCount int
	nextID      int
	wg          sync.WaitGroup

	active  atomic.Int64
	errOnce sync.Once
	err     error
}

// NewWorkerPool creates a new dynamic worker pool. newWorker is called once
// for every worker started.
func NewWorkerPool(ctx context.Context, newWorker func() *Worker, opts PoolOptions) *WorkerPool {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		newWorker: newWorker,
		opts:      opts,
		logger:    logger.Named("pool"),
		ctx:       ctx,
		cancel:    cancel,
		workers:   make(map[int]chan struct{}),
	}
}

// SetWorkerCount scales the number of workers up or down gracefully.
// Removed workers finish their current record before exiting.
func (p *WorkerPool) SetWorkerCount(count int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx.Err() != nil {
		return
	}

	for p.workerCount < count {
		p.addWorker()
	}

	for p.workerCount > count {
		p.removeWorker()
	}
}

// WorkerCount returns the number of workers that have not been told to stop
// and have not drained yet.
func (p *WorkerPool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workerCount
}

// ActiveWorkers returns the number of worker goroutines still running.
func (p *WorkerPool) ActiveWorkers() int {
	return int(p.active.Load())
}

func (p *WorkerPool) addWorker() {
	quitChan := make(chan struct{})
	id := p.nextID
	p.nextID++
	p.workers[id] = quitChan
	p.workerCount++
	p.wg.Add(1)
	p.opts.Metrics.setActiveWorkers(int(p.active.Add(1)))

	w := p.newWorker()
	go func(id int, quit chan struct{}) {
		defer p.wg.Done()
		defer func() {
			p.opts.Metrics.setActiveWorkers(int(p.active.Add(-1)))
			p.mu.Lock()
			if _, ok := p.workers[id]; ok {
				delete(p.workers, id)
				p.workerCount--
			}
			p.mu.Unlock()
		}()

		logger := p.logger.With(zap.String("worker", w.ID()))
		logger.Debug("worker started")

		for {
			following := p.opts.Follow != nil && p.opts.Follow()

			if _, err := w.sweep(p.ctx, quit); err != nil {
				if p.ctx.Err() == nil {
					logger.Error("worker failed", zap.Error(err))
				}
				p.fail(err)
				return
			}
			if !following {
				logger.Debug("worker drained")
				return
			}

			select {
			case <-quit:
				return
			case <-p.ctx.Done():
				return
			case <-time.After(p.opts.PollInterval):
			}
		}
	}(id, quitChan)
}

func (p *WorkerPool) removeWorker() {
	// Find arbitrary worker to decommission
	for id, quit := range p.workers {
		close(quit) // Signal the worker to exit gracefully when it finishes current record
		delete(p.workers, id)
		p.workerCount--
		return // Remove only one
	}
}

// fail records the first worker error and stops the remaining workers.
func (p *WorkerPool) fail(err error) {
	p.errOnce.Do(func() {
		p.err = err
		p.cancel()
	})
}

// Wait blocks until every worker has exited and returns the first error
// that stopped a worker, if any. The pool cannot be scaled up afterwards.
func (p *WorkerPool) Wait() error {
	p.wg.Wait()
	p.cancel()
	return p.err
}

// Stop cancels all workers and waits for them to exit. A record being
// processed when Stop is called is abandoned and stays eligible.
func (p *WorkerPool) Stop() {
	p.cancel()
	p.wg.Wait()
}
