package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/thinkaurelius/titan-kernel/internal/graph"
	"github.com/thinkaurelius/titan-kernel/internal/metrics"
	"github.com/thinkaurelius/titan-kernel/internal/nodemap"
	"github.com/thinkaurelius/titan-kernel/internal/transport"
)

type hop struct {
	Depth int `json:"depth"`
}

type visit struct {
	Node int64 `json:"node"`
}

// testProcs are registered on every test kernel in this order.
var testProcs = []QueryType{
	Define[string, string]("echo", func(ctx context.Context, tx graph.Transaction, anchor graph.Node, in string, emit func(string)) error {
		emit(fmt.Sprintf("%d:%s", anchor.ID(), in))
		return nil
	}),
	Define[hop, visit]("traverse", func(ctx context.Context, tx graph.Transaction, anchor graph.Node, in hop, emit func(visit)) error {
		emit(visit{Node: anchor.ID()})
		if in.Depth <= 0 {
			return nil
		}
		for _, n := range anchor.Neighbors() {
			if err := tx.Forwarder().ForwardQuery(n, hop{Depth: in.Depth - 1}); err != nil {
				return err
			}
		}
		return nil
	}),
	Define[string, string]("fail", func(ctx context.Context, tx graph.Transaction, anchor graph.Node, in string, emit func(string)) error {
		emit("partial")
		return errors.New("boom")
	}),
	Define[string, string]("panic", func(ctx context.Context, tx graph.Transaction, anchor graph.Node, in string, emit func(string)) error {
		panic("kaboom")
	}),
	Define[string, string]("silent", func(ctx context.Context, tx graph.Transaction, anchor graph.Node, in string, emit func(string)) error {
		return nil
	}),
	// slow waits for the duration named by its input before echoing.
	Define[string, string]("slow", func(ctx context.Context, tx graph.Transaction, anchor graph.Node, in string, emit func(string)) error {
		d, err := time.ParseDuration(in)
		if err != nil {
			return err
		}
		time.Sleep(d)
		emit(fmt.Sprintf("%d:%s", anchor.ID(), in))
		return nil
	}),
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func zeroLoad() (float64, error) { return 0, nil }

// clusterLayout describes a test cluster on an in-memory network.
type clusterLayout struct {
	addrs     []string
	placement map[int64][]string // node id -> replica addresses
	edges     map[int64][]int64
	ghosts    map[int64][]string // mapped to addresses that do not store them
	configure func(addr string, o *Options)
}

type testNode struct {
	k    *Kernel
	g    *graph.Memory
	reg  *prometheus.Registry
	addr string
}

type cluster struct {
	net   *transport.Network
	nodes map[string]*testNode
}

func (c *cluster) kernel(addr string) *Kernel { return c.nodes[addr].k }

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func newCluster(t *testing.T, layout clusterLayout) *cluster {
	t.Helper()
	c := &cluster{net: transport.NewNetwork(), nodes: make(map[string]*testNode)}

	for _, addr := range layout.addrs {
		g := graph.NewMemory()
		nm := nodemap.NewStatic(0)
		for id, hosts := range layout.placement {
			nm.Assign(id, hosts...)
			if contains(hosts, addr) {
				nm.SetLocal(id)
				g.AddVertex(id, "vertex", layout.edges[id]...)
			}
		}
		for id, hosts := range layout.ghosts {
			nm.Assign(id, hosts...)
		}

		reg := prometheus.NewRegistry()
		opts := Options{
			ListenAddress:  addr,
			Transport:      c.net.Endpoint(addr),
			Nodes:          nm,
			Graph:          g,
			Metrics:        metrics.NewCollector(reg),
			Logger:         discardLogger(),
			Workers:        4,
			ForwardTimeout: 100 * time.Millisecond,
			Load:           zeroLoad,
		}
		if layout.configure != nil {
			layout.configure(addr, &opts)
		}

		k, err := New(opts)
		require.NoError(t, err)
		for _, qt := range testProcs {
			_, err := k.RegisterQueryType(qt)
			require.NoError(t, err)
		}
		require.NoError(t, k.Start())
		t.Cleanup(func() { _, _ = k.Shutdown(2 * time.Second) })

		c.nodes[addr] = &testNode{k: k, g: g, reg: reg, addr: addr}
	}
	return c
}

// newSingle starts one kernel holding every node in placement locally.
func newSingle(t *testing.T, configure func(o *Options)) *Kernel {
	t.Helper()
	const addr = "10.0.0.1:7000"
	c := newCluster(t, clusterLayout{
		addrs:     []string{addr},
		placement: map[int64][]string{1: {addr}, 2: {addr}, 3: {addr}},
		edges:     map[int64][]int64{1: {2, 3}},
		configure: func(_ string, o *Options) {
			if configure != nil {
				configure(o)
			}
		},
	})
	return c.kernel(addr)
}

// collector is a concurrency-safe ResultCollector.
type collector struct {
	mu    sync.Mutex
	items []any
}

func (c *collector) Add(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, v)
}

func (c *collector) Items() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.items...)
}

// metricValue sums the samples of the named counter or gauge family.
func metricValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				sum += c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				sum += g.GetValue()
			}
		}
		return sum
	}
	return 0
}

func waitDone(t *testing.T, tracker *SeedTracker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tracker.Wait(ctx), "tracker did not reach DONE")
}
