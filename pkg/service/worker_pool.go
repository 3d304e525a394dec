package service

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ignatij/dagflow/internal/telemetry"
	"github.com/ignatij/dagflow/pkg/models"
	"github.com/ignatij/dagflow/pkg/queue"
)

// Handler processes one dequeued attempt. ctx is the pool context, not the
// worker's: shrinking the pool never interrupts an attempt in flight.
type Handler func(ctx context.Context, item queue.Item)

type worker struct {
	id   int
	stop context.CancelFunc
}

// WorkerPool runs a resizable set of workers pulling from a shared queue.
type WorkerPool struct {
	queue   *queue.Queue
	handle  Handler
	logger  Logger
	ctx     context.Context
	workers map[int]*worker
	nextID  int
	size    int
	started bool
	busy    atomic.Int32
	mu      sync.Mutex
	wg      sync.WaitGroup
}

func NewWorkerPool(ctx context.Context, q *queue.Queue, handle Handler, logger Logger) *WorkerPool {
	return &WorkerPool{
		queue:   q,
		handle:  handle,
		logger:  logger,
		ctx:     ctx,
		workers: make(map[int]*worker),
	}
}

// Start begins the worker pool with the specified number of workers. When
// workers <= 0 it uses the size set before Start, or one per CPU.
func (wp *WorkerPool) Start(workers int) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.started {
		return
	}
	if workers <= 0 {
		workers = wp.size
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	wp.started = true
	wp.resize(workers)
	wp.logger.Infof("Worker pool started with %d workers", workers)
}

// SetSize grows or shrinks the pool. Removed workers finish the attempt they
// hold, then exit; queued attempts stay queued for the remaining workers.
func (wp *WorkerPool) SetSize(n int) error {
	if n < 1 {
		return &models.ValidationError{Field: "size", Msg: fmt.Sprintf("pool size must be at least 1, got %d", n)}
	}
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if !wp.started {
		wp.size = n
		telemetry.PoolSize.Set(float64(n))
		return nil
	}
	prev := wp.size
	wp.resize(n)
	wp.logger.Infof("Worker pool resized from %d to %d", prev, n)
	return nil
}

// resize must be called with mu held.
func (wp *WorkerPool) resize(n int) {
	for len(wp.workers) < n {
		wp.nextID++
		ctx, cancel := context.WithCancel(wp.ctx)
		w := &worker{id: wp.nextID, stop: cancel}
		wp.workers[w.id] = w
		wp.wg.Add(1)
		go wp.run(ctx, w)
	}
	if excess := len(wp.workers) - n; excess > 0 {
		ids := make([]int, 0, len(wp.workers))
		for id := range wp.workers {
			ids = append(ids, id)
		}
		sort.Sort(sort.Reverse(sort.IntSlice(ids)))
		for _, id := range ids[:excess] {
			wp.workers[id].stop()
			delete(wp.workers, id)
		}
	}
	wp.size = n
	telemetry.PoolSize.Set(float64(n))
}

func (wp *WorkerPool) run(ctx context.Context, w *worker) {
	defer wp.wg.Done()
	wp.logger.Debugf("Worker %d started", w.id)
	for {
		select {
		case <-ctx.Done():
			wp.logger.Debugf("Worker %d stopped", w.id)
			return
		default:
		}
		item, ok := wp.queue.Dequeue(ctx)
		if !ok {
			wp.logger.Debugf("Worker %d stopped", w.id)
			return
		}
		telemetry.QueueDepth.Set(float64(wp.queue.Size()))
		telemetry.BusyWorkers.Set(float64(wp.busy.Add(1)))
		wp.handle(wp.ctx, item)
		telemetry.BusyWorkers.Set(float64(wp.busy.Add(-1)))
	}
}

// Size returns the target number of workers.
func (wp *WorkerPool) Size() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.size
}

// Busy returns the number of workers currently handling an attempt.
func (wp *WorkerPool) Busy() int {
	return int(wp.busy.Load())
}

// Stop gracefully stops the worker pool: no worker dequeues again and Stop
// returns once every in-flight attempt has been handled.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	for id, w := range wp.workers {
		w.stop()
		delete(wp.workers, id)
	}
	wp.mu.Unlock()
	wp.wg.Wait()
	wp.logger.Infof("Worker pool stopped")
}
