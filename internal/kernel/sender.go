package kernel

import (
	"context"
	"fmt"
	"sync"

	"github.com/thinkaurelius/titan-kernel/internal/worker"
	"github.com/thinkaurelius/titan-kernel/pkg/types"
)

// DestinationSender delivers one query instance to the first of its
// candidate hosts that accepts it. Each attempt schedules a retry against
// the next candidate; an Accept cancels the retry, a Busy reply to the
// current attempt or a failed transmission moves on at once. When the candidates run out the client
// receives a ForwardingExhausted fault.
type DestinationSender struct {
	k     *Kernel
	query *types.Query

	mu         sync.Mutex
	candidates []string
	tried      []string
	retry      *worker.Scheduled
	canceled   bool
	exhausted  bool
}

// NewDestinationSender creates a sender for q over candidates, in order.
func NewDestinationSender(k *Kernel, q *types.Query, candidates []string) *DestinationSender {
	return &DestinationSender{
		k:          k,
		query:      q,
		candidates: append([]string(nil), candidates...),
	}
}

// Query returns the query being delivered.
func (s *DestinationSender) Query() *types.Query { return s.query }

// Instance returns the key of the query being delivered.
func (s *DestinationSender) Instance() types.InstanceKey { return s.query.Instance }

// Tried returns the candidates attempted so far, in order.
func (s *DestinationSender) Tried() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tried...)
}

// Remaining returns the candidates not tried yet.
func (s *DestinationSender) Remaining() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.candidates...)
}

// LastDestination returns the most recently attempted candidate.
func (s *DestinationSender) LastDestination() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tried) == 0 {
		return ""
	}
	return s.tried[len(s.tried)-1]
}

// Exhausted reports whether every candidate was tried without acceptance.
func (s *DestinationSender) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exhausted
}

// CancelFuture stops the pending retry and any later attempt. It reports
// whether the retry was stopped before it fired; a retry that already fired
// finds the sender canceled and does nothing.
func (s *DestinationSender) CancelFuture() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.canceled = true
	if s.retry == nil {
		return true
	}
	ok := s.retry.Cancel()
	s.retry = nil
	return ok
}

func (s *DestinationSender) task() worker.Task {
	return worker.Task{
		Name: "forward " + s.query.Instance.String(),
		Run:  s.Run,
	}
}

// Run makes the next attempt. It is the body of every scheduled retry.
func (s *DestinationSender) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.canceled || s.exhausted {
		s.mu.Unlock()
		return nil
	}
	if len(s.candidates) == 0 {
		s.exhausted = true
		s.retry = nil
		s.mu.Unlock()
		s.k.forwardingExhausted(s)
		return nil
	}

	dest := s.candidates[0]
	s.candidates = s.candidates[1:]
	s.tried = append(s.tried, dest)
	attempt := len(s.tried)

	// The retry exists before the query leaves, so an Accept that beats
	// Send back still finds something to cancel.
	retry, err := s.k.schedule(s.k.forwardTimeout, s.task())
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("schedule retry for %s: %w", s.query.Instance, err)
	}
	s.retry = retry
	s.mu.Unlock()

	msg := *s.query
	msg.Attempt = int32(attempt)

	s.k.metrics.RecordAttempt()
	if _, err := s.k.Send(ctx, &msg, dest); err != nil {
		s.k.logger.Warn("forward attempt failed",
			"instance", s.query.Instance.String(),
			"destination", dest,
			"error", err)
		s.Advance(attempt)
	}
	return nil
}

// Attempt returns the number of the current attempt, 0 before the first.
func (s *DestinationSender) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tried)
}

// Advance abandons attempt and runs the next one now. It does nothing when
// attempt is no longer the current one, before the first attempt, or once
// the pending retry has already fired.
func (s *DestinationSender) Advance(attempt int) {
	s.mu.Lock()
	if s.canceled || s.exhausted || s.retry == nil || attempt != len(s.tried) {
		s.mu.Unlock()
		return
	}
	if !s.retry.Cancel() {
		s.mu.Unlock()
		return
	}
	s.retry = nil
	s.mu.Unlock()

	if err := s.k.submit(s.task()); err != nil {
		s.k.logger.Warn("could not advance forward",
			"instance", s.query.Instance.String(),
			"error", err)
	}
}
