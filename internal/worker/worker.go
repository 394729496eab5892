// ============================================================================
// Titan Kernel Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that runs tasks; each Worker is one goroutine
//
// How it works:
//   Each Worker continuously executes the following loop:
//   1. Take the next task from the pool queue (blocking wait)
//   2. Run it inside the failure decorator
//   3. Repeat until the queue is closed and drained
//
// Failure decorator:
//   Every task runs through exactly one place that recovers panics and
//   inspects the returned error. Both are logged with the task name and
//   reported to the pool hooks, so nothing escapes silently and nothing
//   kills the worker goroutine.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Worker represents a work execution unit
type Worker struct {
	id     int    // Worker identifier, used for logging
	pool   *Pool  // Owning pool, source of tasks
	logger *slog.Logger
}

// newWorker creates a new Worker instance
func newWorker(id int, pool *Pool) *Worker {
	return &Worker{
		id:     id,
		pool:   pool,
		logger: pool.logger.With("worker", id),
	}
}

// Run is the main loop of Worker. It returns once the pool is stopped and
// the queue is empty.
func (w *Worker) Run() {
	for {
		task, ok := w.pool.next()
		if !ok {
			return
		}
		w.execute(w.pool.ctx, task)
	}
}

// execute runs a single task with panic recovery and error reporting
func (w *Worker) execute(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("task panicked",
				"task", task.Name,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
			if w.pool.hooks.OnPanic != nil {
				w.pool.hooks.OnPanic(task.Name, r)
			}
		}
	}()

	if err := task.Run(ctx); err != nil {
		w.logger.Error("task failed", "task", task.Name, "error", err)
		if w.pool.hooks.OnError != nil {
			w.pool.hooks.OnError(task.Name, err)
		}
	}
}
