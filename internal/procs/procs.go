// Package procs holds the stored procedures every titan-kernel node registers.
package procs

import (
	"context"
	"fmt"

	"github.com/thinkaurelius/titan-kernel/internal/graph"
	"github.com/thinkaurelius/titan-kernel/internal/kernel"
)

const (
	EchoName     = "echo"
	TraverseName = "traverse"
)

// TraverseInput is the payload of a traverse hop.
type TraverseInput struct {
	Depth int `json:"depth"`
}

// Visit is one traverse result.
type Visit struct {
	Node  int64  `json:"node"`
	Label string `json:"label,omitempty"`
	Host  string `json:"host"`
}

// Echo answers with the input prefixed by the anchor id.
func Echo() kernel.QueryType {
	return kernel.Define[string, string](EchoName, func(ctx context.Context, tx graph.Transaction, anchor graph.Node, in string, emit func(string)) error {
		emit(fmt.Sprintf("%d: %s", anchor.ID(), in))
		return nil
	})
}

// Traverse reports the anchor as visited from host and forwards one level
// shallower to every neighbor while depth remains.
func Traverse(host string) kernel.QueryType {
	return kernel.Define[TraverseInput, Visit](TraverseName, func(ctx context.Context, tx graph.Transaction, anchor graph.Node, in TraverseInput, emit func(Visit)) error {
		if in.Depth < 0 {
			return fmt.Errorf("negative depth %d", in.Depth)
		}
		emit(Visit{Node: anchor.ID(), Label: anchor.Label(), Host: host})
		if in.Depth == 0 {
			return nil
		}
		fwd := tx.Forwarder()
		for _, n := range anchor.Neighbors() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fwd.ForwardQuery(n, TraverseInput{Depth: in.Depth - 1}); err != nil {
				return fmt.Errorf("forward to %d: %w", n, err)
			}
		}
		return nil
	})
}

// Builtins returns the built-in procedures in registration order. Every node
// of a cluster must register them in this same order.
func Builtins(host string) []kernel.QueryType {
	return []kernel.QueryType{Echo(), Traverse(host)}
}

// Register adds the built-ins to k.
func Register(k *kernel.Kernel) error {
	for _, qt := range Builtins(k.ListenAddress()) {
		if _, err := k.RegisterQueryType(qt); err != nil {
			return err
		}
	}
	return nil
}
