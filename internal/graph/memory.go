package graph

import (
	"sync"
	"sync/atomic"
)

// Vertex is a stored vertex of the in-memory engine.
type Vertex struct {
	id        int64
	label     string
	neighbors []int64
}

func (v *Vertex) ID() int64     { return v.id }
func (v *Vertex) Label() string { return v.label }

// Neighbors returns a copy of the adjacency list.
func (v *Vertex) Neighbors() []int64 {
	return append([]int64(nil), v.neighbors...)
}

// Memory is a map-backed graph holding the vertices owned by one kernel.
type Memory struct {
	mu       sync.RWMutex
	vertices map[int64]*Vertex

	opened    atomic.Int64
	committed atomic.Int64
	aborted   atomic.Int64
}

// NewMemory creates an empty graph
func NewMemory() *Memory {
	return &Memory{vertices: make(map[int64]*Vertex)}
}

// AddVertex stores or replaces a vertex.
func (m *Memory) AddVertex(id int64, label string, neighbors ...int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vertices[id] = &Vertex{id: id, label: label, neighbors: append([]int64(nil), neighbors...)}
}

// Len returns the number of stored vertices.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vertices)
}

// Stats returns how many transactions were opened, committed and aborted.
func (m *Memory) Stats() (opened, committed, aborted int64) {
	return m.opened.Load(), m.committed.Load(), m.aborted.Load()
}

// StartTransaction opens a transaction bound to fwd.
func (m *Memory) StartTransaction(cfg TxConfig, fwd Forwarder) (Transaction, error) {
	m.opened.Add(1)
	tx := &memoryTx{db: m, cfg: cfg, fwd: fwd}
	tx.open.Store(true)
	return tx, nil
}

type memoryTx struct {
	db   *Memory
	cfg  TxConfig
	fwd  Forwarder
	open atomic.Bool
}

func (t *memoryTx) Node(id int64) (Node, bool) {
	t.db.mu.RLock()
	defer t.db.mu.RUnlock()
	v, ok := t.db.vertices[id]
	if !ok {
		return nil, false
	}
	return v, true
}

func (t *memoryTx) Forwarder() Forwarder { return t.fwd }

func (t *memoryTx) Commit() error {
	if !t.open.CompareAndSwap(true, false) {
		return ErrTxClosed
	}
	t.db.committed.Add(1)
	return nil
}

func (t *memoryTx) Abort() {
	if t.open.CompareAndSwap(true, false) {
		t.db.aborted.Add(1)
	}
}

func (t *memoryTx) IsOpen() bool { return t.open.Load() }
