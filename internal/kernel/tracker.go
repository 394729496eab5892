package kernel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/thinkaurelius/titan-kernel/pkg/types"
)

// TrackerStatus is the lifecycle of a SeedTracker. It only moves forward.
type TrackerStatus int

const (
	StatusCreated TrackerStatus = iota
	StatusExecuting
	StatusDone
)

func (s TrackerStatus) String() string {
	switch s {
	case StatusCreated:
		return "CREATED"
	case StatusExecuting:
		return "EXECUTING"
	case StatusDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// instanceProgress is what the tracker knows about one instance of the seed.
type instanceProgress struct {
	announced bool
	owner     string // first host that reported for the instance
	received  int
	expected  int // -1 until the instance's trace arrives
	finished  bool
	pending   []types.Message // arrived before the instance was announced
}

// SeedTracker follows one seed query on the client node. It counts the
// instances still working and completes when the last one reports back.
//
// Inbound results, traces and faults only count for announced instances:
// the seed, and the children named by a counted trace. Anything reported
// for an instance before its announcement is held until the announcement
// arrives. An instance is bound to the first host that reports for it, so
// a second execution of the same instance elsewhere is ignored together with
// everything it spawned.
type SeedTracker struct {
	query      *types.Query
	queryType  QueryType
	collector  ResultCollector
	serializer Serializer
	now        func() time.Time

	mu        sync.Mutex
	status    TrackerStatus
	workers   map[types.InstanceKey]string
	instances map[types.InstanceKey]*instanceProgress
	results   [][]byte
	traces    []*types.Trace
	faults    []*types.Fault
	done      chan struct{}
	doneAt    time.Time
}

func newSeedTracker(q *types.Query, qt QueryType, rc ResultCollector, s Serializer, now func() time.Time) *SeedTracker {
	if now == nil {
		now = time.Now
	}
	return &SeedTracker{
		query:      q,
		queryType:  qt,
		collector:  rc,
		serializer: s,
		now:        now,
		workers:    make(map[types.InstanceKey]string),
		instances:  make(map[types.InstanceKey]*instanceProgress),
		done:       make(chan struct{}),
	}
}

// Query returns the seed query.
func (t *SeedTracker) Query() *types.Query { return t.query }

// Seed returns the seed key.
func (t *SeedTracker) Seed() types.InstanceKey { return t.query.Seed }

// Status returns the current status.
func (t *SeedTracker) Status() TrackerStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Done is closed when the tracker reaches DONE.
func (t *SeedTracker) Done() <-chan struct{} { return t.done }

// WaitUntilDone blocks until the tracker reaches DONE.
func (t *SeedTracker) WaitUntilDone() {
	<-t.done
}

// Wait blocks until the tracker reaches DONE or ctx ends.
func (t *SeedTracker) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddWorker records that instance is executing on host. Instances that
// already finished, and any instance once the tracker is DONE, are ignored.
func (t *SeedTracker) AddWorker(instance types.InstanceKey, host string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addWorkerLocked(instance, host)
}

func (t *SeedTracker) addWorkerLocked(instance types.InstanceKey, host string) bool {
	if t.status == StatusDone {
		return false
	}
	p := t.progressLocked(instance)
	if p.finished {
		return false
	}
	if prev, ok := t.workers[instance]; ok && host == "" {
		host = prev
	}
	t.workers[instance] = host
	t.status = StatusExecuting
	p.announced = true
	return true
}

// RemoveWorker drops instance from the active set. Removing the last worker
// of an executing tracker moves it to DONE and wakes every waiter.
func (t *SeedTracker) RemoveWorker(instance types.InstanceKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeWorkerLocked(instance)
}

func (t *SeedTracker) removeWorkerLocked(instance types.InstanceKey) bool {
	if _, ok := t.workers[instance]; !ok {
		return false
	}
	delete(t.workers, instance)
	if len(t.workers) == 0 && t.status == StatusExecuting {
		t.status = StatusDone
		t.doneAt = t.now()
		close(t.done)
	}
	return true
}

// AddResult records one serialized result. A non-empty payload is decoded
// with the query type's result type and handed to the collector; an empty
// one is recorded but never decoded.
func (t *SeedTracker) AddResult(raw []byte) error {
	t.mu.Lock()
	t.results = append(t.results, raw)
	t.mu.Unlock()
	return t.collect(raw)
}

func (t *SeedTracker) collect(raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	v, err := t.queryType.DecodeResult(t.serializer, raw)
	if err != nil {
		return err
	}
	if t.collector != nil {
		t.collector.Add(v)
	}
	return nil
}

// AddTrace records a trace.
func (t *SeedTracker) AddTrace(tr *types.Trace) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.traces = append(t.traces, tr)
}

// AddFault records a fault.
func (t *SeedTracker) AddFault(f *types.Fault) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.faults = append(t.faults, f)
}

// Results returns the raw results received so far.
func (t *SeedTracker) Results() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.results))
	copy(out, t.results)
	return out
}

// Traces returns the traces received so far.
func (t *SeedTracker) Traces() []*types.Trace {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*types.Trace, len(t.traces))
	copy(out, t.traces)
	return out
}

// Faults returns the faults received so far.
func (t *SeedTracker) Faults() []*types.Fault {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*types.Fault, len(t.faults))
	copy(out, t.faults)
	return out
}

// Workers returns the active instances and the host each is known to run
// on. The host is empty when it has not been learned yet.
func (t *SeedTracker) Workers() map[types.InstanceKey]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[types.InstanceKey]string, len(t.workers))
	for k, v := range t.workers {
		out[k] = v
	}
	return out
}

// Hosts returns every distinct host known to have worked on the seed.
func (t *SeedTracker) Hosts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[string]struct{})
	var hosts []string
	add := func(h string) {
		if h == "" {
			return
		}
		if _, ok := seen[h]; ok {
			return
		}
		seen[h] = struct{}{}
		hosts = append(hosts, h)
	}
	for _, h := range t.workers {
		add(h)
	}
	for _, tr := range t.traces {
		add(tr.Host)
	}
	for _, f := range t.faults {
		add(f.Host)
	}
	return hosts
}

// DoneAt returns when the tracker reached DONE, zero before that.
func (t *SeedTracker) DoneAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doneAt
}

func (t *SeedTracker) progressLocked(instance types.InstanceKey) *instanceProgress {
	p, ok := t.instances[instance]
	if !ok {
		p = &instanceProgress{expected: -1}
		t.instances[instance] = p
	}
	return p
}

// retireLocked marks instance finished. The progress entry stays behind so
// a late duplicate does not revive the instance.
func (t *SeedTracker) retireLocked(instance types.InstanceKey) {
	t.progressLocked(instance).finished = true
	t.removeWorkerLocked(instance)
}

func (t *SeedTracker) maybeRetireLocked(instance types.InstanceKey) {
	p := t.progressLocked(instance)
	if !p.finished && p.expected >= 0 && p.received >= p.expected {
		t.retireLocked(instance)
	}
}

// claimLocked reports whether host may report for p, binding p to host on
// its first report. Messages without a host are not checked.
func claimLocked(p *instanceProgress, host string) bool {
	if host == "" {
		return true
	}
	if p.owner == "" {
		p.owner = host
	}
	return p.owner == host
}

// applyLocked counts msg for its instance, or holds it until the instance
// is announced. Result payloads to hand to the collector are appended to
// out. It reports whether msg was counted or held.
func (t *SeedTracker) applyLocked(msg types.Message, out *[][]byte) bool {
	if t.status == StatusDone {
		return false
	}
	var instance types.InstanceKey
	var host string
	switch m := msg.(type) {
	case *types.Result:
		instance, host = m.Instance, m.Host
	case *types.Trace:
		instance, host = m.Instance, m.Host
	case *types.Fault:
		instance, host = m.Instance, m.Host
	default:
		return false
	}

	p := t.progressLocked(instance)
	if !p.announced {
		p.pending = append(p.pending, msg)
		return true
	}
	if p.finished || !claimLocked(p, host) {
		return false
	}

	switch m := msg.(type) {
	case *types.Result:
		t.results = append(t.results, m.Payload)
		*out = append(*out, m.Payload)
		p.received++
		t.maybeRetireLocked(instance)
	case *types.Trace:
		t.traces = append(t.traces, m)
		// Children are announced before the parent is retired so the
		// active set never passes through empty.
		for _, child := range m.Spawned {
			t.announceLocked(child, out)
		}
		if _, ok := t.workers[instance]; ok {
			t.workers[instance] = m.Host
		}
		p.expected = int(m.ResultCount)
		t.maybeRetireLocked(instance)
	case *types.Fault:
		t.faults = append(t.faults, m)
		t.retireLocked(instance)
	}
	return true
}

// announceLocked adds instance as a worker and replays what it already
// reported.
func (t *SeedTracker) announceLocked(instance types.InstanceKey, out *[][]byte) {
	if !t.addWorkerLocked(instance, "") {
		return
	}
	p := t.progressLocked(instance)
	held := p.pending
	p.pending = nil
	for _, msg := range held {
		t.applyLocked(msg, out)
	}
}

// record applies an inbound message and delivers the results it released.
func (t *SeedTracker) record(msg types.Message) (bool, error) {
	var out [][]byte
	t.mu.Lock()
	ok := t.applyLocked(msg, &out)
	t.mu.Unlock()

	var errs []error
	for _, raw := range out {
		if err := t.collect(raw); err != nil {
			errs = append(errs, err)
		}
	}
	return ok, errors.Join(errs...)
}

// recordResult handles an inbound Result.
func (t *SeedTracker) recordResult(r *types.Result) (bool, error) {
	return t.record(r)
}

// recordTrace handles an inbound Trace.
func (t *SeedTracker) recordTrace(tr *types.Trace) (bool, error) {
	return t.record(tr)
}

// recordFault handles an inbound Fault. The instance is retired at once.
func (t *SeedTracker) recordFault(f *types.Fault) (bool, error) {
	return t.record(f)
}

// setHost records host for an active instance.
func (t *SeedTracker) setHost(instance types.InstanceKey, host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.workers[instance]; ok {
		t.workers[instance] = host
	}
}
