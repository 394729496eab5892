package kernel

import (
	"context"
	"net"
	"strconv"

	"github.com/thinkaurelius/titan-kernel/internal/wire"
	"github.com/thinkaurelius/titan-kernel/internal/worker"
	"github.com/thinkaurelius/titan-kernel/pkg/types"
)

// HandleInbound accepts a raw frame from host and dispatches it on the
// worker pool. It is the transport handler of the kernel.
func (k *Kernel) HandleInbound(from string, raw []byte) {
	task := worker.Task{
		Name: "dispatch",
		Run: func(ctx context.Context) error {
			msg, err := wire.Decode(raw)
			if err != nil {
				k.metrics.RecordDecodeFailure()
				k.logger.Error("dropping undecodable frame", "from", from, "bytes", len(raw), "error", err)
				return nil
			}
			k.dispatch(ctx, from, msg)
			return nil
		},
	}
	if err := k.submit(task); err != nil {
		k.logger.Debug("dropping inbound frame", "from", from, "error", err)
	}
}

// dispatch routes one decoded message by its kind.
func (k *Kernel) dispatch(ctx context.Context, from string, msg types.Message) {
	k.logger.Debug("received message", "kind", msg.Kind().String(), "from", from)
	switch msg.Kind() {
	case types.KindQuery:
		k.handleQuery(ctx, from, msg.(*types.Query))
	case types.KindAccept:
		k.handleAccept(msg.(*types.Accept))
	case types.KindBusy:
		k.handleBusy(msg.(*types.Busy))
	case types.KindResult:
		k.handleResult(msg.(*types.Result))
	case types.KindTrace:
		k.handleTrace(msg.(*types.Trace))
	case types.KindFault:
		k.handleFault(msg.(*types.Fault))
	case types.KindKill:
		seed := msg.(*types.Kill).Seed
		k.KillSeed(seed)
		k.logger.Info("seed killed", "seed", seed.String(), "from", from)
	default:
		k.logger.Warn("unhandled message kind", "kind", msg.Kind().String(), "from", from)
	}
}

func (k *Kernel) handleQuery(ctx context.Context, from string, q *types.Query) {
	replyTo := ""
	if q.ReplyPort > 0 {
		replyTo = net.JoinHostPort(from, strconv.Itoa(int(q.ReplyPort)))
	}

	if k.IsSeedKilled(q.Seed) {
		k.metrics.RecordKilledRefusal()
		k.reply(ctx, &types.Accept{Instance: q.Instance}, replyTo)
		k.refuseKilled(ctx, q)
		return
	}

	if k.Worklog(q.Instance) != nil {
		// A retry of an instance already running here; the first Accept was lost.
		k.reply(ctx, &types.Accept{Instance: q.Instance}, replyTo)
		return
	}

	if !k.admitAll && !k.IsQueryCapacityFree() {
		k.metrics.RecordShed()
		k.shedLog.Do(func() {
			k.logger.Warn("shedding query instances",
				"active", k.WorklogCount(),
				"max_query_count", k.maxQueryCount)
		})
		k.reply(ctx, &types.Busy{Instance: q.Instance, Attempt: q.Attempt}, replyTo)
		return
	}

	k.RegisterQuery(q)
	k.metrics.RecordArrival()
	k.reply(ctx, &types.Accept{Instance: q.Instance}, replyTo)
	if err := k.RunqueueQuery(q.Instance); err != nil {
		k.logger.Warn("could not runqueue query", "instance", q.Instance.String(), "error", err)
	}
}

func (k *Kernel) refuseKilled(ctx context.Context, q *types.Query) {
	if q.ClientAddr == "" {
		return
	}
	fault := &types.Fault{
		Seed:     q.Seed,
		Instance: q.Instance,
		Host:     k.listen,
		Code:     types.FaultKilled,
		Message:  "seed was killed",
	}
	if _, err := k.Send(ctx, fault, q.ClientAddr); err != nil {
		k.logger.Warn("could not report killed instance", "instance", q.Instance.String(), "error", err)
	}
}

func (k *Kernel) reply(ctx context.Context, msg types.Message, to string) {
	if to == "" {
		return
	}
	if _, err := k.Send(ctx, msg, to); err != nil {
		k.logger.Debug("reply failed", "kind", msg.Kind().String(), "to", to, "error", err)
	}
}

func (k *Kernel) handleAccept(a *types.Accept) {
	s := k.CancelForwardingTimeout(a.Instance)
	if s == nil {
		return
	}
	q := s.Query()
	if q.Seed != q.Instance {
		return
	}
	if t := k.QueryTracker(q.Seed); t != nil {
		t.setHost(q.Instance, s.LastDestination())
	}
}

func (k *Kernel) handleBusy(b *types.Busy) {
	if s := k.OutstandingForward(b.Instance); s != nil {
		s.Advance(int(b.Attempt))
	}
}

func (k *Kernel) handleResult(r *types.Result) {
	t := k.QueryTracker(r.Seed)
	if t == nil {
		k.logger.Debug("result for unknown seed", "seed", r.Seed.String())
		return
	}
	counted, err := t.recordResult(r)
	if err != nil {
		k.logger.Warn("could not decode result", "seed", r.Seed.String(), "instance", r.Instance.String(), "error", err)
	}
	if !counted {
		k.logger.Debug("ignoring duplicate result", "instance", r.Instance.String(), "host", r.Host)
		return
	}
	if len(r.Payload) > 0 {
		k.metrics.RecordResult()
	}
}

func (k *Kernel) handleTrace(tr *types.Trace) {
	// A trace proves some node took the instance, even if its Accept was lost.
	k.CancelForwardingTimeout(tr.Instance)

	t := k.QueryTracker(tr.Seed)
	if t == nil {
		k.logger.Debug("trace for unknown seed", "seed", tr.Seed.String())
		return
	}
	counted, err := t.recordTrace(tr)
	if err != nil {
		k.logger.Warn("could not decode result", "seed", tr.Seed.String(), "error", err)
	}
	if !counted {
		k.logger.Debug("ignoring duplicate trace", "instance", tr.Instance.String(), "host", tr.Host)
		return
	}
	k.logDone(t)
}

func (k *Kernel) handleFault(f *types.Fault) {
	k.CancelForwardingTimeout(f.Instance)
	k.metrics.RecordFault(f.Code.String())
	t := k.QueryTracker(f.Seed)
	if t == nil {
		k.logger.Debug("fault for unknown seed", "seed", f.Seed.String())
		return
	}
	counted, err := t.recordFault(f)
	if err != nil {
		k.logger.Warn("could not decode result", "seed", f.Seed.String(), "error", err)
	}
	if !counted {
		k.logger.Debug("ignoring duplicate fault", "instance", f.Instance.String(), "host", f.Host)
		return
	}
	k.logger.Warn("query instance faulted",
		"seed", f.Seed.String(),
		"instance", f.Instance.String(),
		"host", f.Host,
		"code", f.Code.String(),
		"message", f.Message)
	k.logDone(t)
}

func (k *Kernel) logDone(t *SeedTracker) {
	if t.Status() != StatusDone {
		return
	}
	k.logger.Debug("seed done",
		"seed", t.Seed().String(),
		"results", len(t.Results()),
		"traces", len(t.Traces()),
		"faults", len(t.Faults()))
}
