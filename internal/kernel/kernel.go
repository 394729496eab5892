// ============================================================================
// Titan Kernel - Query Distribution Runtime
// ============================================================================
//
// Package: internal/kernel
// File: kernel.go
// Function: Per-node runtime that answers query instances against the local
//           graph, forwards new instances to the nodes that own their
//           anchors, and tracks every seed a local client originated
//
// Registries (all keyed by InstanceKey):
//   1. worklogs   - instances executing here, arrival to finish
//   2. trackers   - seeds originated here, until evicted after DONE
//   3. forwards   - DestinationSenders waiting for an Accept
//   4. killed     - seeds refused on this node
//
// Flow of one instance:
//
//   sender kernel                         receiving kernel
//   ─────────────                         ────────────────
//   DestinationSender ── Query ─────────> handleQuery
//        ^    retry after timeout           │ admission check
//        │                                  ├─ Busy ──> sender advances
//        └──────────── Accept <─────────────┤
//                                           └─ QueryExecutor
//   client kernel                               │ tx, answer, commit
//   ─────────────                               │ forwards -> DestinationSenders
//   SeedTracker <── Result* ─────────────────────┤
//               <── Trace | Fault ───────────────┘
//
// The tracker completes once the trace of every announced instance has
// arrived together with all the results it counted.
//
// ============================================================================

package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/load"
	"golang.org/x/time/rate"

	"github.com/thinkaurelius/titan-kernel/internal/graph"
	"github.com/thinkaurelius/titan-kernel/internal/metrics"
	"github.com/thinkaurelius/titan-kernel/internal/transport"
	"github.com/thinkaurelius/titan-kernel/internal/wire"
	"github.com/thinkaurelius/titan-kernel/internal/worker"
	"github.com/thinkaurelius/titan-kernel/pkg/types"
)

const (
	DefaultForwardTimeout  = 10 * time.Second
	DefaultSendTimeout     = 2 * time.Second
	DefaultMaxQueryCount   = 2048
	DefaultMaxLoadPerCPU   = 5.0
	DefaultRetention       = 10 * time.Minute
	DefaultJanitorInterval = time.Minute
)

// NodeMapper locates graph nodes in the cluster.
type NodeMapper interface {
	// Addresses returns the replica addresses holding nodeID, in preference order.
	Addresses(nodeID int64) []string
	// IsLocal reports whether nodeID is stored on this kernel.
	IsLocal(nodeID int64) bool
}

// LoadFunc reports the one-minute load average of the host.
type LoadFunc func() (float64, error)

// SystemLoad reads the host load average.
func SystemLoad() (float64, error) {
	avg, err := load.Avg()
	if err != nil {
		return 0, err
	}
	return avg.Load1, nil
}

// Options configures a Kernel. Zero values take the defaults above.
type Options struct {
	ListenAddress string // address this kernel is reachable at; used as the client address of its seeds
	Transport     transport.Transport
	Nodes         NodeMapper
	Graph         graph.DB
	Serializer    Serializer
	Metrics       *metrics.Collector
	Logger        *slog.Logger

	Workers         int
	ForwardTimeout  time.Duration
	SendTimeout     time.Duration
	MaxQueryCount   int
	MaxLoadPerCPU   float64
	Load            LoadFunc
	AdmitAll        bool // accept every arrival regardless of capacity
	Retention       time.Duration
	JanitorInterval time.Duration
	Now             func() time.Time
}

// Kernel is the per-node query runtime.
type Kernel struct {
	listen     string
	replyPort  int32
	transport  transport.Transport
	nodes      NodeMapper
	graph      graph.DB
	serializer Serializer
	metrics    *metrics.Collector
	logger     *slog.Logger
	now        func() time.Time
	load       LoadFunc

	workers         int
	forwardTimeout  time.Duration
	sendTimeout     time.Duration
	maxQueryCount   int
	maxLoadPerCPU   float64
	admitAll        bool
	retention       time.Duration
	janitorInterval time.Duration

	lifecycle sync.Mutex
	started   bool
	pool      atomic.Pointer[worker.Pool]
	bootTime  atomic.Int64
	nextID    atomic.Uint64

	typesMu sync.RWMutex
	procs   []QueryType
	procIDs map[string]int32

	worklogsMu sync.Mutex
	worklogs   map[types.InstanceKey]*WorkLog

	trackersMu sync.Mutex
	trackers   map[types.InstanceKey]*SeedTracker

	forwardsMu sync.Mutex
	forwards   map[types.InstanceKey]*DestinationSender

	killedMu sync.RWMutex
	killed   map[types.InstanceKey]time.Time

	shedLog rate.Sometimes
}

// New creates a kernel. Transport, Nodes and Graph are required.
func New(opts Options) (*Kernel, error) {
	if opts.Transport == nil || opts.Nodes == nil || opts.Graph == nil {
		return nil, fmt.Errorf("kernel: transport, node mapper and graph are required")
	}
	port, err := replyPortOf(opts.ListenAddress)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	k := &Kernel{
		listen:          opts.ListenAddress,
		replyPort:       port,
		transport:       opts.Transport,
		nodes:           opts.Nodes,
		graph:           opts.Graph,
		serializer:      opts.Serializer,
		metrics:         opts.Metrics,
		logger:          logger.With("component", "kernel", "node", opts.ListenAddress),
		now:             opts.Now,
		load:            opts.Load,
		workers:         opts.Workers,
		forwardTimeout:  orDuration(opts.ForwardTimeout, DefaultForwardTimeout),
		sendTimeout:     orDuration(opts.SendTimeout, DefaultSendTimeout),
		maxQueryCount:   opts.MaxQueryCount,
		maxLoadPerCPU:   opts.MaxLoadPerCPU,
		admitAll:        opts.AdmitAll,
		retention:       orDuration(opts.Retention, DefaultRetention),
		janitorInterval: orDuration(opts.JanitorInterval, DefaultJanitorInterval),
		procIDs:         make(map[string]int32),
		worklogs:        make(map[types.InstanceKey]*WorkLog),
		trackers:        make(map[types.InstanceKey]*SeedTracker),
		forwards:        make(map[types.InstanceKey]*DestinationSender),
		killed:          make(map[types.InstanceKey]time.Time),
		shedLog:         rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
	if k.serializer == nil {
		k.serializer = JSONSerializer{}
	}
	if k.metrics == nil {
		k.metrics = metrics.NewCollector(prometheus.NewRegistry())
	}
	if k.now == nil {
		k.now = time.Now
	}
	if k.load == nil {
		k.load = SystemLoad
	}
	if k.workers <= 0 {
		k.workers = runtime.NumCPU()
	}
	if k.maxQueryCount <= 0 {
		k.maxQueryCount = DefaultMaxQueryCount
	}
	if k.maxLoadPerCPU <= 0 {
		k.maxLoadPerCPU = DefaultMaxLoadPerCPU
	}
	return k, nil
}

func replyPortOf(addr string) (int32, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("kernel: listen address %q: %w", addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("kernel: listen port %q: %w", portStr, err)
	}
	return int32(port), nil
}

func orDuration(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start records the boot time, starts the worker pool and begins accepting
// messages. It fails on a kernel that is already running.
func (k *Kernel) Start() error {
	k.lifecycle.Lock()
	defer k.lifecycle.Unlock()

	if k.started {
		return ErrAlreadyStarted
	}
	k.bootTime.Store(k.now().UnixMilli())

	pool := worker.NewPool(k.logger, worker.Hooks{
		OnError: func(string, error) { k.metrics.RecordTaskError() },
		OnPanic: func(string, any) { k.metrics.RecordTaskPanic() },
	})
	if err := pool.Start(k.workers); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	k.pool.Store(pool)

	if err := k.transport.Start(k.HandleInbound); err != nil {
		pool.Shutdown(0)
		k.pool.Store(nil)
		return fmt.Errorf("start transport: %w", err)
	}
	k.started = true

	if _, err := pool.Schedule(k.janitorInterval, k.janitorTask()); err != nil {
		k.logger.Warn("retention janitor not scheduled", "error", err)
	}

	k.logger.Info("kernel started",
		"workers", k.workers,
		"boot", k.bootTime.Load(),
		"forward_timeout", k.forwardTimeout)
	return nil
}

// Shutdown stops the transport, then the worker pool, within timeout. It
// reports whether every running task finished in time.
func (k *Kernel) Shutdown(timeout time.Duration) (bool, error) {
	k.lifecycle.Lock()
	defer k.lifecycle.Unlock()

	if !k.started {
		return false, ErrNotStarted
	}
	begin := k.now()
	k.transport.Shutdown()

	remaining := timeout - k.now().Sub(begin)
	if remaining < 0 {
		remaining = 0
	}
	ok := k.pool.Load().Shutdown(remaining)
	k.started = false

	k.logger.Info("kernel stopped", "clean", ok)
	return ok, nil
}

// IsStarted reports whether the kernel is running.
func (k *Kernel) IsStarted() bool {
	k.lifecycle.Lock()
	defer k.lifecycle.Unlock()
	return k.started
}

// ListenAddress returns the address this kernel is reachable at.
func (k *Kernel) ListenAddress() string { return k.listen }

// BootTime returns the boot time recorded by Start, in Unix milliseconds.
func (k *Kernel) BootTime() int64 { return k.bootTime.Load() }

// Metrics returns the kernel's metrics collector.
func (k *Kernel) Metrics() *metrics.Collector { return k.metrics }

// GenerateKey mints a process-unique instance key.
func (k *Kernel) GenerateKey() types.InstanceKey {
	return types.InstanceKey{
		Origin: k.listen,
		Boot:   k.bootTime.Load(),
		ID:     k.nextID.Add(1),
	}
}

// ============================================================================
// Query types
// ============================================================================

// RegisterQueryType adds qt to the registry. Ids are assigned densely in
// registration order starting at 0; every node must register the same types
// in the same order.
func (k *Kernel) RegisterQueryType(qt QueryType) (int32, error) {
	k.typesMu.Lock()
	defer k.typesMu.Unlock()

	if _, ok := k.procIDs[qt.Name()]; ok {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateQueryType, qt.Name())
	}
	id := int32(len(k.procs))
	k.procs = append(k.procs, qt)
	k.procIDs[qt.Name()] = id
	return id, nil
}

// Proc returns the query type registered under id.
func (k *Kernel) Proc(id int32) (QueryType, bool) {
	k.typesMu.RLock()
	defer k.typesMu.RUnlock()
	if id < 0 || int(id) >= len(k.procs) {
		return nil, false
	}
	return k.procs[id], true
}

// ProcID returns the id of the named query type.
func (k *Kernel) ProcID(name string) (int32, bool) {
	k.typesMu.RLock()
	defer k.typesMu.RUnlock()
	id, ok := k.procIDs[name]
	return id, ok
}

// ============================================================================
// Sending
// ============================================================================

// Send transmits msg to the kernel at to and returns the message as sent.
// Queries carry this kernel's reply port. Messages addressed to this kernel
// are dispatched locally without touching the transport.
func (k *Kernel) Send(ctx context.Context, msg types.Message, to string) (types.Message, error) {
	if to == "" {
		return nil, ErrNoDestination
	}
	if q, ok := msg.(*types.Query); ok {
		q.ReplyPort = k.replyPort
	}
	raw, err := wire.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	k.logger.Debug("sending message", "kind", msg.Kind().String(), "to", to, "bytes", len(raw))

	if to == k.listen {
		k.HandleInbound(hostOf(k.listen), raw)
		return msg, nil
	}

	ctx, cancel := context.WithTimeout(ctx, k.sendTimeout)
	defer cancel()
	if err := k.transport.Send(ctx, to, raw); err != nil {
		return nil, fmt.Errorf("send %s to %s: %w", msg.Kind(), to, err)
	}
	return msg, nil
}

func (k *Kernel) submit(task worker.Task) error {
	pool := k.pool.Load()
	if pool == nil {
		return ErrNotStarted
	}
	return pool.Submit(task)
}

func (k *Kernel) schedule(delay time.Duration, task worker.Task) (*worker.Scheduled, error) {
	pool := k.pool.Load()
	if pool == nil {
		return nil, ErrNotStarted
	}
	return pool.Schedule(delay, task)
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// CreateQuerySender returns a sender for local clients.
func (k *Kernel) CreateQuerySender() *ClientSender {
	return &ClientSender{k: k}
}

// SendQuery seeds a query of the named type anchored at nodeID and returns
// the tracker that follows it.
func (k *Kernel) SendQuery(nodeID int64, payload any, queryType string, collector ResultCollector) (*SeedTracker, error) {
	if !k.IsStarted() {
		return nil, ErrNotStarted
	}
	id, ok := k.ProcID(queryType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueryType, queryType)
	}
	qt, _ := k.Proc(id)

	data, err := k.serializer.Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", queryType, err)
	}
	seed := k.GenerateKey()
	q := &types.Query{
		Seed:       seed,
		Instance:   seed,
		QueryType:  id,
		TargetNode: nodeID,
		Payload:    data,
		ClientAddr: k.listen,
	}

	tracker := k.installTracker(q, qt, collector)
	tracker.AddWorker(seed, "")
	k.metrics.RecordSeed()

	if err := k.SendVia(NewDestinationSender(k, q, k.candidates(nodeID))); err != nil {
		k.removeTracker(seed)
		return nil, err
	}
	k.logger.Debug("seeded query", "seed", seed.String(), "type", queryType, "target", nodeID)
	return tracker, nil
}

// candidates returns the replica addresses of nodeID, this kernel first
// when it holds a replica itself.
func (k *Kernel) candidates(nodeID int64) []string {
	addrs := k.nodes.Addresses(nodeID)
	if !k.nodes.IsLocal(nodeID) {
		return addrs
	}
	out := make([]string, 0, len(addrs)+1)
	out = append(out, k.listen)
	for _, a := range addrs {
		if a != k.listen {
			out = append(out, a)
		}
	}
	return out
}

// SeedQuery installs a tracker for q, replacing and returning any tracker
// already registered under the same seed.
func (k *Kernel) SeedQuery(q *types.Query, collector ResultCollector, qt QueryType) *SeedTracker {
	t := newSeedTracker(q, qt, collector, k.serializer, k.now)
	k.trackersMu.Lock()
	prev := k.trackers[q.Seed]
	k.trackers[q.Seed] = t
	k.trackersMu.Unlock()
	k.updateGauges()
	return prev
}

func (k *Kernel) installTracker(q *types.Query, qt QueryType, collector ResultCollector) *SeedTracker {
	k.SeedQuery(q, collector, qt)
	return k.QueryTracker(q.Seed)
}

func (k *Kernel) removeTracker(seed types.InstanceKey) {
	k.trackersMu.Lock()
	delete(k.trackers, seed)
	k.trackersMu.Unlock()
	k.updateGauges()
}

// QueryTracker returns the tracker of a locally originated seed.
func (k *Kernel) QueryTracker(seed types.InstanceKey) *SeedTracker {
	k.trackersMu.Lock()
	defer k.trackersMu.Unlock()
	return k.trackers[seed]
}

// SendVia registers s as outstanding and starts its first attempt.
func (k *Kernel) SendVia(s *DestinationSender) error {
	k.forwardsMu.Lock()
	k.forwards[s.Instance()] = s
	k.forwardsMu.Unlock()

	if err := k.submit(s.task()); err != nil {
		k.removeForward(s)
		return fmt.Errorf("start forward of %s: %w", s.Instance(), err)
	}
	k.metrics.RecordForward()
	k.updateGauges()
	return nil
}

// CancelForwardingTimeout removes the outstanding sender of instance and
// stops its retries. It returns nil when no sender was outstanding.
func (k *Kernel) CancelForwardingTimeout(instance types.InstanceKey) *DestinationSender {
	k.forwardsMu.Lock()
	s, ok := k.forwards[instance]
	delete(k.forwards, instance)
	k.forwardsMu.Unlock()

	if !ok {
		return nil
	}
	s.CancelFuture()
	k.updateGauges()
	return s
}

// OutstandingForward returns the sender waiting for an Accept of instance.
func (k *Kernel) OutstandingForward(instance types.InstanceKey) *DestinationSender {
	k.forwardsMu.Lock()
	defer k.forwardsMu.Unlock()
	return k.forwards[instance]
}

// OutstandingForwards returns the number of senders waiting for an Accept.
func (k *Kernel) OutstandingForwards() int {
	k.forwardsMu.Lock()
	defer k.forwardsMu.Unlock()
	return len(k.forwards)
}

func (k *Kernel) removeForward(s *DestinationSender) {
	k.forwardsMu.Lock()
	if k.forwards[s.Instance()] == s {
		delete(k.forwards, s.Instance())
	}
	k.forwardsMu.Unlock()
	k.updateGauges()
}

// forwardingExhausted reports a sender that ran out of candidates.
func (k *Kernel) forwardingExhausted(s *DestinationSender) {
	k.removeForward(s)
	k.metrics.RecordExhausted()

	q := s.Query()
	tried := s.Tried()
	k.logger.Warn("no destination accepted query",
		"instance", q.Instance.String(),
		"target", q.TargetNode,
		"tried", len(tried))

	if q.ClientAddr == "" {
		return
	}
	fault := &types.Fault{
		Seed:     q.Seed,
		Instance: q.Instance,
		Host:     k.listen,
		Code:     types.FaultForwardingExhausted,
		Message:  fmt.Sprintf("node %d: no acceptance from %d candidates", q.TargetNode, len(tried)),
	}
	if _, err := k.Send(context.Background(), fault, q.ClientAddr); err != nil {
		k.logger.Warn("could not report exhausted forward", "instance", q.Instance.String(), "error", err)
	}
}

// ============================================================================
// Worklogs
// ============================================================================

// RegisterQuery records the arrival of q for local execution.
func (k *Kernel) RegisterQuery(q *types.Query) *WorkLog {
	wl := newWorkLog(q)
	wl.mark(WorkArrived, k.now())

	k.worklogsMu.Lock()
	k.worklogs[q.Instance] = wl
	k.worklogsMu.Unlock()
	k.updateGauges()
	return wl
}

func (k *Kernel) transition(instance types.InstanceKey, step WorkState) (*WorkLog, error) {
	k.worklogsMu.Lock()
	wl, ok := k.worklogs[instance]
	k.worklogsMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, instance)
	}
	wl.mark(step, k.now())
	return wl, nil
}

// HoldQuery parks an arrived instance.
func (k *Kernel) HoldQuery(instance types.InstanceKey) error {
	if _, err := k.transition(instance, WorkHeld); err != nil {
		return err
	}
	k.logger.Debug("query held", "instance", instance.String())
	return nil
}

// UnholdQuery releases a held instance and returns its query.
func (k *Kernel) UnholdQuery(instance types.InstanceKey) (*types.Query, error) {
	wl, err := k.transition(instance, WorkUnheld)
	if err != nil {
		return nil, err
	}
	k.logger.Debug("query unheld", "instance", instance.String())
	return wl.Query(), nil
}

// RunqueueQuery submits the instance for execution on the worker pool.
func (k *Kernel) RunqueueQuery(instance types.InstanceKey) error {
	wl, err := k.transition(instance, WorkRunqueued)
	if err != nil {
		return err
	}
	if err := k.submit(newQueryExecutor(k, wl.Query()).task()); err != nil {
		k.FinishQuery(instance)
		return fmt.Errorf("runqueue %s: %w", instance, err)
	}
	return nil
}

// StartQuery records that execution began.
func (k *Kernel) StartQuery(instance types.InstanceKey) error {
	_, err := k.transition(instance, WorkStarted)
	return err
}

// FinishQuery records the finish and removes the instance from the active
// registry. It reports whether the instance was active.
func (k *Kernel) FinishQuery(instance types.InstanceKey) bool {
	k.worklogsMu.Lock()
	wl, ok := k.worklogs[instance]
	delete(k.worklogs, instance)
	k.worklogsMu.Unlock()
	if !ok {
		return false
	}

	now := k.now()
	wl.mark(WorkFinished, now)
	if arrival := wl.Arrival(); !arrival.IsZero() {
		k.metrics.RecordFinished(now.Sub(arrival).Seconds())
	}
	k.updateGauges()
	return true
}

// Worklog returns the active worklog of instance, nil if none.
func (k *Kernel) Worklog(instance types.InstanceKey) *WorkLog {
	k.worklogsMu.Lock()
	defer k.worklogsMu.Unlock()
	return k.worklogs[instance]
}

// Worklogs returns snapshots of every active worklog.
func (k *Kernel) Worklogs() []WorkLogSnapshot {
	k.worklogsMu.Lock()
	logs := make([]*WorkLog, 0, len(k.worklogs))
	for _, wl := range k.worklogs {
		logs = append(logs, wl)
	}
	k.worklogsMu.Unlock()

	out := make([]WorkLogSnapshot, 0, len(logs))
	for _, wl := range logs {
		out = append(out, wl.Snapshot())
	}
	return out
}

// WorklogCount returns the number of active instances.
func (k *Kernel) WorklogCount() int {
	k.worklogsMu.Lock()
	defer k.worklogsMu.Unlock()
	return len(k.worklogs)
}

// ============================================================================
// Admission and kills
// ============================================================================

// IsQueryCapacityFree reports whether a new arrival may be accepted: the
// per-CPU load average is under its limit and fewer than the maximum number
// of instances are active. The count and the load are separate snapshots, not
// a reservation: concurrent arrivals may all see room for the last slot.
func (k *Kernel) IsQueryCapacityFree() bool {
	if k.WorklogCount() >= k.maxQueryCount {
		return false
	}
	avg, err := k.load()
	if err != nil {
		k.logger.Debug("load average unavailable", "error", err)
		return true
	}
	return avg/float64(runtime.NumCPU()) < k.maxLoadPerCPU
}

// KillSeed refuses further instances of seed on this node.
func (k *Kernel) KillSeed(seed types.InstanceKey) {
	k.killedMu.Lock()
	if _, ok := k.killed[seed]; !ok {
		k.killed[seed] = k.now()
	}
	k.killedMu.Unlock()
}

// IsSeedKilled reports whether seed was killed on this node.
func (k *Kernel) IsSeedKilled(seed types.InstanceKey) bool {
	k.killedMu.RLock()
	defer k.killedMu.RUnlock()
	_, ok := k.killed[seed]
	return ok
}

// KillQuery kills a locally originated seed here and on every host known
// to have worked on it. Instances already running finish normally.
func (k *Kernel) KillQuery(ctx context.Context, seed types.InstanceKey) error {
	k.KillSeed(seed)

	t := k.QueryTracker(seed)
	if t == nil {
		return nil
	}
	var errs []error
	for _, host := range t.Hosts() {
		if host == k.listen {
			continue
		}
		if _, err := k.Send(ctx, &types.Kill{Seed: seed}, host); err != nil {
			k.logger.Warn("could not propagate kill", "seed", seed.String(), "host", host, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (k *Kernel) updateGauges() {
	k.metrics.UpdateRegistrySizes(k.WorklogCount(), k.OutstandingForwards(), k.trackerCount())
}

func (k *Kernel) trackerCount() int {
	k.trackersMu.Lock()
	defer k.trackersMu.Unlock()
	return len(k.trackers)
}
