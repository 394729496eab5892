package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify concurrent execution, scheduling, failure decoration,
// graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingTask(name string, counter *atomic.Int64) Task {
	return Task{Name: name, Run: func(ctx context.Context) error {
		counter.Add(1)
		return nil
	}}
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestNewPool tests creating Worker Pool
func TestNewPool(t *testing.T) {
	pool := NewPool(nil, Hooks{})
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

// TestPoolStart tests starting Worker Pool
func TestPoolStart(t *testing.T) {
	pool := NewPool(nil, Hooks{})

	err := pool.Start(8)
	require.NoError(t, err)
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	// Try to start again
	err = pool.Start(4)
	assert.ErrorIs(t, err, ErrPoolStarted)

	assert.True(t, pool.Shutdown(time.Second))
}

// TestWorkerExecution tests that every submitted task runs
func TestWorkerExecution(t *testing.T) {
	pool := NewPool(nil, Hooks{})
	require.NoError(t, pool.Start(1))

	var ran atomic.Int64
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(countingTask(fmt.Sprintf("task-%d", i), &ran)))
	}

	require.Eventually(t, func() bool { return ran.Load() == 10 }, time.Second, 5*time.Millisecond)
	assert.True(t, pool.Shutdown(time.Second))
}

// TestSubmitFromTask tests that tasks can submit tasks without deadlocking a single worker
func TestSubmitFromTask(t *testing.T) {
	pool := NewPool(nil, Hooks{})
	require.NoError(t, pool.Start(1))

	var ran atomic.Int64
	require.NoError(t, pool.Submit(Task{Name: "parent", Run: func(ctx context.Context) error {
		for i := 0; i < 100; i++ {
			if err := pool.Submit(countingTask("child", &ran)); err != nil {
				return err
			}
		}
		return nil
	}}))

	require.Eventually(t, func() bool { return ran.Load() == 100 }, time.Second, 5*time.Millisecond)
	assert.True(t, pool.Shutdown(time.Second))
}

// ============================================================================
// Failure Decoration Tests
// ============================================================================

// TestTaskErrorAndPanicReported tests that failures reach the hooks and workers survive
func TestTaskErrorAndPanicReported(t *testing.T) {
	var errs, panics atomic.Int64
	var lastName atomic.Value
	pool := NewPool(nil, Hooks{
		OnError: func(name string, err error) {
			lastName.Store(name)
			errs.Add(1)
		},
		OnPanic: func(name string, recovered any) { panics.Add(1) },
	})
	require.NoError(t, pool.Start(1))

	require.NoError(t, pool.Submit(Task{Name: "fails", Run: func(ctx context.Context) error {
		return errors.New("boom")
	}}))
	require.NoError(t, pool.Submit(Task{Name: "panics", Run: func(ctx context.Context) error {
		panic("kaboom")
	}}))

	var ran atomic.Int64
	require.NoError(t, pool.Submit(countingTask("after", &ran)))

	require.Eventually(t, func() bool { return ran.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), errs.Load())
	assert.Equal(t, int64(1), panics.Load())
	assert.Equal(t, "fails", lastName.Load())
	assert.True(t, pool.Shutdown(time.Second))
}

// ============================================================================
// Scheduling Tests
// ============================================================================

// TestScheduleRunsAfterDelay tests delayed execution
func TestScheduleRunsAfterDelay(t *testing.T) {
	pool := NewPool(nil, Hooks{})
	require.NoError(t, pool.Start(2))
	defer pool.Shutdown(time.Second)

	start := time.Now()
	done := make(chan time.Duration, 1)
	_, err := pool.Schedule(50*time.Millisecond, Task{Name: "delayed", Run: func(ctx context.Context) error {
		done <- time.Since(start)
		return nil
	}})
	require.NoError(t, err)

	select {
	case elapsed := <-done:
		assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled task did not run")
	}
}

// TestScheduleCancel tests that a cancelled task never runs
func TestScheduleCancel(t *testing.T) {
	pool := NewPool(nil, Hooks{})
	require.NoError(t, pool.Start(1))
	defer pool.Shutdown(time.Second)

	var ran atomic.Int64
	s, err := pool.Schedule(30*time.Millisecond, countingTask("cancelled", &ran))
	require.NoError(t, err)

	assert.True(t, s.Cancel())
	assert.True(t, s.Cancel(), "cancel is idempotent")

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int64(0), ran.Load())
	_, scheduled := pool.Pending()
	assert.Equal(t, 0, scheduled)
}

// TestCancelAfterFire tests that cancelling a fired task reports false
func TestCancelAfterFire(t *testing.T) {
	pool := NewPool(nil, Hooks{})
	require.NoError(t, pool.Start(1))
	defer pool.Shutdown(time.Second)

	var ran atomic.Int64
	s, err := pool.Schedule(time.Millisecond, countingTask("fires", &ran))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return ran.Load() == 1 }, time.Second, 2*time.Millisecond)
	assert.False(t, s.Cancel())
}

// ============================================================================
// Graceful Shutdown Tests
// ============================================================================

// TestShutdownDrainsQueue tests that queued tasks still run during shutdown
func TestShutdownDrainsQueue(t *testing.T) {
	pool := NewPool(nil, Hooks{})
	require.NoError(t, pool.Start(2))

	var ran atomic.Int64
	for i := 0; i < 50; i++ {
		require.NoError(t, pool.Submit(countingTask("drain", &ran)))
	}

	assert.True(t, pool.Shutdown(2*time.Second))
	assert.Equal(t, int64(50), ran.Load())
}

// TestShutdownTimeout tests that a stuck task makes shutdown report false
func TestShutdownTimeout(t *testing.T) {
	pool := NewPool(nil, Hooks{})
	require.NoError(t, pool.Start(1))

	release := make(chan struct{})
	var cancelled atomic.Bool
	require.NoError(t, pool.Submit(Task{Name: "stuck", Run: func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			cancelled.Store(true)
		case <-release:
		}
		return nil
	}}))

	assert.False(t, pool.Shutdown(50*time.Millisecond))
	require.Eventually(t, cancelled.Load, time.Second, 5*time.Millisecond)
	close(release)
}

// TestShutdownCancelsTimers tests that pending scheduled tasks are dropped
func TestShutdownCancelsTimers(t *testing.T) {
	pool := NewPool(nil, Hooks{})
	require.NoError(t, pool.Start(1))

	var ran atomic.Int64
	_, err := pool.Schedule(20*time.Millisecond, countingTask("late", &ran))
	require.NoError(t, err)

	assert.True(t, pool.Shutdown(time.Second))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), ran.Load())
}

// TestShutdownBeforeStart tests stopping before starting
func TestShutdownBeforeStart(t *testing.T) {
	pool := NewPool(nil, Hooks{})
	assert.NotPanics(t, func() {
		assert.True(t, pool.Shutdown(time.Second))
	})
}

// TestSubmitAfterShutdown tests submitting after shutdown
func TestSubmitAfterShutdown(t *testing.T) {
	pool := NewPool(nil, Hooks{})
	require.NoError(t, pool.Start(2))
	pool.Shutdown(time.Second)

	var ran atomic.Int64
	err := pool.Submit(countingTask("late", &ran))
	assert.Equal(t, ErrPoolClosed, err)

	_, err = pool.Schedule(time.Millisecond, countingTask("late", &ran))
	assert.Equal(t, ErrPoolClosed, err)
}

// TestSubmitBeforeStart tests submitting before starting
func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(nil, Hooks{})
	var ran atomic.Int64
	err := pool.Submit(countingTask("early", &ran))
	assert.Equal(t, ErrPoolNotStarted, err)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

// TestConcurrentSubmit tests concurrent task submission
func TestConcurrentSubmit(t *testing.T) {
	pool := NewPool(nil, Hooks{})
	require.NoError(t, pool.Start(4))

	taskCount := 50
	var ran atomic.Int64
	var wg sync.WaitGroup
	wg.Add(taskCount)
	for i := 0; i < taskCount; i++ {
		go func(index int) {
			defer wg.Done()
			assert.NoError(t, pool.Submit(countingTask(fmt.Sprintf("task-%d", index), &ran)))
		}(i)
	}
	wg.Wait()

	assert.True(t, pool.Shutdown(time.Second))
	assert.Equal(t, int64(taskCount), ran.Load())
}

// ============================================================================
// Benchmark Tests
// ============================================================================

// BenchmarkPoolSubmit tests task submission throughput
func BenchmarkPoolSubmit(b *testing.B) {
	pool := NewPool(nil, Hooks{})
	pool.Start(8)
	defer pool.Shutdown(time.Second)

	var ran atomic.Int64
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pool.Submit(countingTask("bench", &ran))
	}
}
