package kernel

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/thinkaurelius/titan-kernel/internal/graph"
	"github.com/thinkaurelius/titan-kernel/internal/worker"
	"github.com/thinkaurelius/titan-kernel/pkg/types"
)

// QueryExecutor runs one query instance against the local graph.
//
// Every execution ends with exactly one terminal message to the client: a
// Trace after the results on success, or a Fault otherwise. The instance
// always leaves the active worklog registry, whatever happens.
type QueryExecutor struct {
	k     *Kernel
	query *types.Query
}

func newQueryExecutor(k *Kernel, q *types.Query) *QueryExecutor {
	return &QueryExecutor{k: k, query: q}
}

func (e *QueryExecutor) task() worker.Task {
	return worker.Task{
		Name: "execute " + e.query.Instance.String(),
		Run:  e.Run,
	}
}

// Run executes the instance. A returned error has already been reported to
// the client as a Fault.
func (e *QueryExecutor) Run(ctx context.Context) error {
	k := e.k
	q := e.query
	defer k.FinishQuery(q.Instance)

	if err := k.StartQuery(q.Instance); err != nil {
		return err
	}

	if k.IsSeedKilled(q.Seed) {
		e.fault(ctx, types.FaultKilled, "seed was killed before execution")
		return nil
	}

	qt, ok := k.Proc(q.QueryType)
	if !ok {
		e.fault(ctx, types.FaultUnknownQueryType, fmt.Sprintf("query type %d is not registered", q.QueryType))
		return fmt.Errorf("%w: id %d", ErrUnknownQueryType, q.QueryType)
	}

	fwd := newForwardingSender(k, q)
	tx, err := k.graph.StartTransaction(graph.TxConfig{ReadOnly: true}, fwd)
	if err != nil {
		e.fault(ctx, types.FaultExecutionFailed, err.Error())
		return fmt.Errorf("start transaction for %s: %w", q.Instance, err)
	}
	defer func() {
		if tx.IsOpen() {
			tx.Abort()
		}
	}()

	anchor, ok := tx.Node(q.TargetNode)
	if !ok {
		fwd.Abort()
		e.fault(ctx, types.FaultAnchorNotFound, fmt.Sprintf("node %d is not stored here", q.TargetNode))
		return fmt.Errorf("%w: node %d", ErrAnchorNotFound, q.TargetNode)
	}

	input, err := qt.DecodeInput(k.serializer, q.Payload)
	if err != nil {
		fwd.Abort()
		e.fault(ctx, types.FaultDecodeFailed, err.Error())
		return err
	}

	var results []any
	if err := answer(ctx, qt, tx, anchor, input, ResultFunc(func(r any) { results = append(results, r) })); err != nil {
		fwd.Abort()
		tx.Abort()
		e.fault(ctx, types.FaultExecutionFailed, err.Error())
		return fmt.Errorf("%s on %s: %w", qt.Name(), q.Instance, err)
	}

	encoded := make([][]byte, 0, len(results))
	for _, r := range results {
		if r == nil {
			continue
		}
		raw, err := k.serializer.Encode(r)
		if err != nil {
			fwd.Abort()
			e.fault(ctx, types.FaultExecutionFailed, err.Error())
			return fmt.Errorf("encode %s result: %w", qt.Name(), err)
		}
		encoded = append(encoded, raw)
	}

	if tx.IsOpen() {
		if err := tx.Commit(); err != nil {
			fwd.Abort()
			e.fault(ctx, types.FaultExecutionFailed, err.Error())
			return fmt.Errorf("commit %s: %w", q.Instance, err)
		}
	}
	spawned := fwd.Commit()

	for _, raw := range encoded {
		e.send(ctx, &types.Result{Seed: q.Seed, Instance: q.Instance, Host: k.ListenAddress(), Payload: raw})
	}

	trace := &types.Trace{
		Seed:        q.Seed,
		Instance:    q.Instance,
		Host:        k.ListenAddress(),
		ResultCount: int32(len(encoded)),
		Spawned:     spawned,
		Finished:    k.now().UnixMilli(),
	}
	if wl := k.Worklog(q.Instance); wl != nil {
		snap := wl.Snapshot()
		trace.Arrived = unixMilli(snap.Arrival)
		trace.Started = unixMilli(snap.Start)
	}
	e.send(ctx, trace)
	return nil
}

// answer runs the procedure and turns a panic into an error so the client
// still gets its Fault.
func answer(ctx context.Context, qt QueryType, tx graph.Transaction, anchor graph.Node, input any, rc ResultCollector) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return qt.Answer(ctx, tx, anchor, input, rc)
}

func (e *QueryExecutor) fault(ctx context.Context, code types.FaultCode, msg string) {
	e.send(ctx, &types.Fault{
		Seed:     e.query.Seed,
		Instance: e.query.Instance,
		Host:     e.k.ListenAddress(),
		Code:     code,
		Message:  msg,
	})
}

func (e *QueryExecutor) send(ctx context.Context, msg types.Message) {
	if e.query.ClientAddr == "" {
		return
	}
	if _, err := e.k.Send(ctx, msg, e.query.ClientAddr); err != nil {
		e.k.logger.Warn("could not report to client",
			"kind", msg.Kind().String(),
			"instance", e.query.Instance.String(),
			"client", e.query.ClientAddr,
			"error", err)
	}
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
