package kernel

import (
	"sync"
	"time"

	"github.com/thinkaurelius/titan-kernel/pkg/types"
)

// WorkState is the furthest lifecycle step a WorkLog has recorded.
type WorkState int

const (
	WorkUnset WorkState = iota
	WorkArrived
	WorkHeld
	WorkUnheld
	WorkRunqueued
	WorkStarted
	WorkFinished
)

func (s WorkState) String() string {
	switch s {
	case WorkArrived:
		return "arrived"
	case WorkHeld:
		return "held"
	case WorkUnheld:
		return "unheld"
	case WorkRunqueued:
		return "runqueued"
	case WorkStarted:
		return "started"
	case WorkFinished:
		return "finished"
	default:
		return "unset"
	}
}

// WorkLog records the lifecycle of one locally executing instance. Each
// timestamp is set at most once, and never earlier than the one before it.
type WorkLog struct {
	mu    sync.Mutex
	query *types.Query
	times [WorkFinished + 1]time.Time
	state WorkState
}

// WorkLogSnapshot is a point-in-time copy of a WorkLog.
type WorkLogSnapshot struct {
	Query    *types.Query
	State    WorkState
	Arrival  time.Time
	Hold     time.Time
	Unhold   time.Time
	Runqueue time.Time
	Start    time.Time
	Finish   time.Time
}

func newWorkLog(q *types.Query) *WorkLog {
	return &WorkLog{query: q}
}

// Query returns the instance's query message.
func (w *WorkLog) Query() *types.Query {
	return w.query
}

// State returns the furthest step recorded.
func (w *WorkLog) State() WorkState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// mark records step at t. It returns false if the step was already recorded.
func (w *WorkLog) mark(step WorkState, t time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.times[step].IsZero() {
		return false
	}
	for prev := step - 1; prev > WorkUnset; prev-- {
		if last := w.times[prev]; !last.IsZero() {
			if t.Before(last) {
				t = last
			}
			break
		}
	}
	w.times[step] = t
	if step > w.state {
		w.state = step
	}
	return true
}

func (w *WorkLog) Snapshot() WorkLogSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkLogSnapshot{
		Query:    w.query,
		State:    w.state,
		Arrival:  w.times[WorkArrived],
		Hold:     w.times[WorkHeld],
		Unhold:   w.times[WorkUnheld],
		Runqueue: w.times[WorkRunqueued],
		Start:    w.times[WorkStarted],
		Finish:   w.times[WorkFinished],
	}
}

// Arrival returns the arrival time, zero if unset.
func (w *WorkLog) Arrival() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.times[WorkArrived]
}

// Start returns the start time, zero if unset.
func (w *WorkLog) Start() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.times[WorkStarted]
}
