// Package graph defines what the kernel needs from the graph transaction
// engine, plus a small in-memory engine used by the CLI and tests.
package graph

import (
	"errors"
)

// ErrTxClosed is returned when committing a transaction that is no longer open.
var ErrTxClosed = errors.New("graph: transaction is not open")

// Node is one vertex visible inside a transaction.
type Node interface {
	ID() int64
	Label() string
	Neighbors() []int64
}

// Forwarder lets query logic ask for a node owned by another kernel to be
// consulted. Forwards are buffered and only leave when the execution commits.
type Forwarder interface {
	ForwardQuery(nodeID int64, payload any) error
}

// TxConfig configures a transaction.
type TxConfig struct {
	ReadOnly bool
}

// Transaction is a unit of work against the local graph.
type Transaction interface {
	// Node resolves a vertex, reporting false when it is not stored here.
	Node(id int64) (Node, bool)
	// Forwarder returns the forwarding sender the transaction was opened with.
	Forwarder() Forwarder
	Commit() error
	Abort()
	IsOpen() bool
}

// DB starts transactions.
type DB interface {
	StartTransaction(cfg TxConfig, fwd Forwarder) (Transaction, error)
}
