package procs

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thinkaurelius/titan-kernel/internal/graph"
	"github.com/thinkaurelius/titan-kernel/internal/kernel"
	"github.com/thinkaurelius/titan-kernel/internal/nodemap"
	"github.com/thinkaurelius/titan-kernel/internal/transport"
)

type recordingForwarder struct {
	targets []int64
	inputs  []any
}

func (f *recordingForwarder) ForwardQuery(nodeID int64, payload any) error {
	f.targets = append(f.targets, nodeID)
	f.inputs = append(f.inputs, payload)
	return nil
}

func openTx(t *testing.T, g *graph.Memory, fwd graph.Forwarder) graph.Transaction {
	t.Helper()
	tx, err := g.StartTransaction(graph.TxConfig{ReadOnly: true}, fwd)
	require.NoError(t, err)
	return tx
}

func TestEcho(t *testing.T) {
	g := graph.NewMemory()
	g.AddVertex(4, "person")
	tx := openTx(t, g, &recordingForwarder{})
	anchor, _ := tx.Node(4)

	var got []any
	err := Echo().Answer(context.Background(), tx, anchor, "hello", kernel.ResultFunc(func(r any) { got = append(got, r) }))
	require.NoError(t, err)
	assert.Equal(t, []any{"4: hello"}, got)
}

func TestTraverse(t *testing.T) {
	g := graph.NewMemory()
	g.AddVertex(1, "person", 2, 3)

	testCases := []struct {
		name     string
		depth    int
		forwards []int64
	}{
		{"leaf", 0, nil},
		{"one level", 1, []int64{2, 3}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fwd := &recordingForwarder{}
			tx := openTx(t, g, fwd)
			anchor, _ := tx.Node(1)

			var got []any
			err := Traverse("10.0.0.1:7000").Answer(context.Background(), tx, anchor,
				TraverseInput{Depth: tc.depth}, kernel.ResultFunc(func(r any) { got = append(got, r) }))
			require.NoError(t, err)

			assert.Equal(t, []any{Visit{Node: 1, Label: "person", Host: "10.0.0.1:7000"}}, got)
			assert.Equal(t, tc.forwards, fwd.targets)
			for _, in := range fwd.inputs {
				assert.Equal(t, TraverseInput{Depth: tc.depth - 1}, in)
			}
		})
	}

	tx := openTx(t, g, &recordingForwarder{})
	anchor, _ := tx.Node(1)
	err := Traverse("h").Answer(context.Background(), tx, anchor, TraverseInput{Depth: -1}, kernel.ResultFunc(func(any) {}))
	assert.Error(t, err)
}

func TestDecodeRoundTrip(t *testing.T) {
	s := kernel.JSONSerializer{}
	raw, err := s.Encode(Visit{Node: 9, Host: "h"})
	require.NoError(t, err)

	v, err := Traverse("h").DecodeResult(s, raw)
	require.NoError(t, err)
	assert.Equal(t, Visit{Node: 9, Host: "h"}, v)

	in, err := Traverse("h").DecodeInput(s, []byte(`{"depth":3}`))
	require.NoError(t, err)
	assert.Equal(t, TraverseInput{Depth: 3}, in)
}

// TestRegisterOnKernel tests the built-ins end to end on one node
func TestRegisterOnKernel(t *testing.T) {
	const addr = "10.0.0.1:7000"
	g := graph.NewMemory()
	g.AddVertex(1, "person", 2)
	g.AddVertex(2, "person")
	nm := nodemap.NewStatic(0)
	nm.Assign(1, addr)
	nm.Assign(2, addr)
	nm.SetLocal(1, 2)

	k, err := kernel.New(kernel.Options{
		ListenAddress: addr,
		Transport:     transport.NewNetwork().Endpoint(addr),
		Nodes:         nm,
		Graph:         g,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Load:          func() (float64, error) { return 0, nil },
	})
	require.NoError(t, err)
	require.NoError(t, Register(k))
	assert.ErrorIs(t, Register(k), kernel.ErrDuplicateQueryType)

	id, ok := k.ProcID(TraverseName)
	require.True(t, ok)
	assert.Equal(t, int32(1), id)

	require.NoError(t, k.Start())
	defer k.Shutdown(time.Second)

	var mu sync.Mutex
	var visits []Visit
	tracker, err := k.SendQuery(1, TraverseInput{Depth: 1}, TraverseName, kernel.ResultFunc(func(r any) {
		mu.Lock()
		defer mu.Unlock()
		visits = append(visits, r.(Visit))
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tracker.Wait(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []Visit{
		{Node: 1, Label: "person", Host: addr},
		{Node: 2, Label: "person", Host: addr},
	}, visits)
}
