package kernel

import (
	"fmt"
	"sync"

	"github.com/thinkaurelius/titan-kernel/pkg/types"
)

// ForwardingSender buffers the forwards a procedure issues while it runs.
// Nothing leaves the node until Commit, so an aborted execution spawns no
// children.
type ForwardingSender struct {
	k      *Kernel
	parent *types.Query

	mu      sync.Mutex
	pending []*types.Query
	closed  bool
}

func newForwardingSender(k *Kernel, parent *types.Query) *ForwardingSender {
	return &ForwardingSender{k: k, parent: parent}
}

// ForwardQuery buffers a child instance of the running query anchored at
// nodeID with payload as its input.
func (f *ForwardingSender) ForwardQuery(nodeID int64, payload any) error {
	data, err := f.k.serializer.Encode(payload)
	if err != nil {
		return fmt.Errorf("encode forward to node %d: %w", nodeID, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("forward to node %d after commit or abort", nodeID)
	}
	f.pending = append(f.pending, f.parent.SpawnNextGeneration(f.k.GenerateKey(), nodeID, data))
	return nil
}

// Pending returns the number of buffered forwards.
func (f *ForwardingSender) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Commit starts a DestinationSender for every buffered forward and returns
// the keys of the instances that were sent. Forwards of a killed seed are
// dropped.
func (f *ForwardingSender) Commit() []types.InstanceKey {
	f.mu.Lock()
	pending := f.pending
	f.pending = nil
	f.closed = true
	f.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	if f.k.IsSeedKilled(f.parent.Seed) {
		f.k.logger.Debug("dropping forwards of killed seed",
			"seed", f.parent.Seed.String(),
			"count", len(pending))
		return nil
	}

	spawned := make([]types.InstanceKey, 0, len(pending))
	for _, child := range pending {
		s := NewDestinationSender(f.k, child, f.k.candidates(child.TargetNode))
		if err := f.k.SendVia(s); err != nil {
			f.k.logger.Warn("could not start forward",
				"instance", child.Instance.String(),
				"target", child.TargetNode,
				"error", err)
			continue
		}
		spawned = append(spawned, child.Instance)
	}
	return spawned
}

// Abort discards the buffered forwards.
func (f *ForwardingSender) Abort() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = nil
	f.closed = true
}

// ClientSender originates seed queries on behalf of a local client.
type ClientSender struct {
	k *Kernel
}

// SendQuery seeds a query of the named type anchored at nodeID. Decoded
// results go to collector, which may be nil.
func (c *ClientSender) SendQuery(nodeID int64, payload any, queryType string, collector ResultCollector) (*SeedTracker, error) {
	return c.k.SendQuery(nodeID, payload, queryType, collector)
}
