// ============================================================================
// Docflow Worker Pool - bounded concurrent extraction
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: owns the extraction goroutines and bounds how many cases are in
// Processing at once
//
// Architecture:
//   ┌─────────────┐
//   │   Engine    │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │    Pool     │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// Backpressure:
//   inFlight counts tasks submitted but whose result has not been received.
//   The engine dispatches only while Available() > 0, so the number of
//   Processing cases never exceeds the worker count.
//
// Graceful shutdown:
//   1. mark stopped, close stopCh
//   2. close taskCh; workers finish the current task and exit
//   3. wait for all workers, then close resultCh
//
// ============================================================================

package worker

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/docflow/internal/logging"
	"github.com/ChuLiYu/docflow/internal/ocr"
)

var log = logging.For("worker")

// DefaultTimeout applies to tasks submitted without one.
const DefaultTimeout = 60 * time.Second

var (
	// ErrPoolClosed means the pool no longer accepts tasks
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted means Submit was called before Start
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolFull means every worker is busy
	ErrPoolFull = errors.New("worker pool at capacity")
)

// Pool is a fixed set of extraction workers.
type Pool struct {
	extractor ocr.Extractor
	workers   []*Worker
	taskCh    chan Task
	resultCh  chan Result
	stopCh    chan struct{}
	wg        sync.WaitGroup
	inFlight  atomic.Int64
	started   bool
	stopped   bool
	mu        sync.Mutex
}

// NewPool creates a pool whose workers call extractor.
// bufferSize sizes the task and result channels.
func NewPool(extractor ocr.Extractor, bufferSize int) *Pool {
	return &Pool{
		extractor: extractor,
		workers:   make([]*Worker, 0),
		taskCh:    make(chan Task, bufferSize),
		resultCh:  make(chan Result, bufferSize),
		stopCh:    make(chan struct{}),
	}
}

// Start launches workerCount workers.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if workerCount <= 0 {
		return errors.New("worker count must be positive")
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.extractor, p.taskCh, p.resultCh, p.stopCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	log.Info("worker pool started", "workers", workerCount)
	return nil
}

// Submit hands a task to the workers. It fails with ErrPoolFull instead of
// queueing beyond the worker count.
//
// Submit holds p.mu while sending so Stop cannot close taskCh underneath it;
// the send never blocks because inFlight <= workers <= buffer.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}
	if p.inFlight.Load() >= int64(len(p.workers)) {
		return ErrPoolFull
	}

	select {
	case p.taskCh <- task:
		p.inFlight.Add(1)
		return nil
	default:
		return ErrPoolFull
	}
}

// ReceiveResult blocks for the next result.
func (p *Pool) ReceiveResult() (Result, error) {
	select {
	case result, ok := <-p.resultCh:
		if !ok {
			return Result{}, ErrPoolClosed
		}
		p.inFlight.Add(-1)
		return result, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	}
}

// Stop shuts the pool down and waits for the workers.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()
	close(p.resultCh)
	log.Info("worker pool stopped")
}

// GetWorkerCount returns the number of workers.
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// InFlight is the number of submitted tasks whose result is not yet consumed.
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

// Available is the number of tasks Submit will currently accept.
func (p *Pool) Available() int {
	n := p.GetWorkerCount() - p.InFlight()
	if n < 0 {
		return 0
	}
	return n
}
