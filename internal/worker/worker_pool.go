// ============================================================================
// Titan Kernel Worker Pool - Shared Execution Substrate
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: Runs every kernel task (inbound dispatch, query execution,
//           forwarding retries) on one fixed set of goroutines
//
// Design:
//   Worker Pool pattern:
//   1. A fixed number of Worker goroutines run for the pool's lifetime
//   2. Tasks are queued in FIFO order and taken by whichever Worker is free
//   3. Delayed tasks are held by timers and queued when they fire
//
//   ┌─────────────┐  Submit()   ┌──────────────┐
//   │   Kernel    │ ──────────> │    queue     │ ──> Worker 1..N
//   └─────────────┘  Schedule() └──────────────┘
//          │                           ↑
//          └──> time.AfterFunc ────────┘
//
// Queue:
//   The queue is unbounded. Tasks running on the pool submit further tasks
//   (a query execution commits forwards, a dispatch replies), so a bounded
//   channel could block every Worker on its own submissions.
//
// Lifecycle:
//   1. NewPool() - create the pool
//   2. Start(n) - start n Worker goroutines
//   3. Submit(task) / Schedule(delay, task)
//   4. Shutdown(timeout) - refuse new tasks, cancel pending timers, let
//      queued tasks drain, wait up to timeout
//
// Errors:
//   - ErrPoolNotStarted: submit before Start
//   - ErrPoolClosed: submit after Shutdown
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrPoolClosed means the pool has been shut down
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted means Start has not been called yet
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted means Start was called twice
	ErrPoolStarted = errors.New("worker pool already started")
)

// Pool manages a fixed set of concurrent Workers
type Pool struct {
	workers   []*Worker
	queue     []Task
	scheduled map[*Scheduled]struct{}
	cond      *sync.Cond
	mu        sync.Mutex
	wg        sync.WaitGroup
	started   bool
	stopped   bool

	ctx    context.Context
	cancel context.CancelFunc
	hooks  Hooks
	logger *slog.Logger
}

// Scheduled is the handle of a delayed task.
type Scheduled struct {
	pool     *Pool
	task     Task
	timer    *time.Timer
	fired    bool
	canceled bool
}

// NewPool creates a pool. A nil logger falls back to slog.Default().
func NewPool(logger *slog.Logger, hooks Hooks) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		workers:   make([]*Worker, 0),
		scheduled: make(map[*Scheduled]struct{}),
		ctx:       ctx,
		cancel:    cancel,
		hooks:     hooks,
		logger:    logger.With("component", "worker_pool"),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start starts workerCount Workers
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if workerCount < 1 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	return nil
}

// Submit queues a task for immediate execution
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	p.queue = append(p.queue, task)
	p.cond.Signal()
	return nil
}

// Schedule queues task after delay. The returned handle cancels it.
func (p *Pool) Schedule(delay time.Duration, task Task) (*Scheduled, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return nil, ErrPoolNotStarted
	}
	if p.stopped {
		return nil, ErrPoolClosed
	}

	s := &Scheduled{pool: p, task: task}
	p.scheduled[s] = struct{}{}
	s.timer = time.AfterFunc(delay, func() { p.fire(s) })
	return s, nil
}

func (p *Pool) fire(s *Scheduled) {
	p.mu.Lock()
	if s.canceled {
		p.mu.Unlock()
		return
	}
	s.fired = true
	delete(p.scheduled, s)
	p.mu.Unlock()

	if err := p.Submit(s.task); err != nil {
		p.logger.Warn("dropping scheduled task", "task", s.task.Name, "error", err)
	}
}

// Cancel prevents the task from running. It reports false when the timer
// already fired and the task was handed to the queue.
func (s *Scheduled) Cancel() bool {
	p := s.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	if s.fired {
		return false
	}
	if !s.canceled {
		s.canceled = true
		delete(p.scheduled, s)
		s.timer.Stop()
	}
	return true
}

// next blocks until a task is available. It returns false once the pool is
// stopped and the queue is drained.
func (p *Pool) next() (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.queue) == 0 && !p.stopped {
		p.cond.Wait()
	}
	if len(p.queue) == 0 {
		return Task{}, false
	}
	task := p.queue[0]
	p.queue[0] = Task{}
	p.queue = p.queue[1:]
	return task, true
}

// Shutdown stops accepting tasks and waits up to timeout for the Workers to
// finish what is already queued. It reports whether they all exited in time;
// on false the task context is cancelled and some tasks may still be running.
func (p *Pool) Shutdown(timeout time.Duration) bool {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return true
	}
	if !p.stopped {
		p.stopped = true
		for s := range p.scheduled {
			s.canceled = true
			s.timer.Stop()
		}
		p.scheduled = make(map[*Scheduled]struct{})
		p.cond.Broadcast()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return true
	case <-time.After(timeout):
		p.cancel()
		return false
	}
}

// GetWorkerCount returns the number of Workers
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted reports whether Start has been called
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Pending returns the number of queued tasks and armed timers
func (p *Pool) Pending() (queued, scheduled int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue), len(p.scheduled)
}
