package transport

import (
	"context"
	"sync"
)

// Network is an in-process message fabric. Each Endpoint stands in for one
// node's listen address; delivery is asynchronous like a real network.
type Network struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	down      map[string]bool

	// Filter, when set, sees every frame and drops it by returning false.
	Filter func(from, to string, raw []byte) bool
}

// NewNetwork creates an empty network
func NewNetwork() *Network {
	return &Network{
		endpoints: make(map[string]*Endpoint),
		down:      make(map[string]bool),
	}
}

// Endpoint returns the endpoint for addr, creating it on first use
func (n *Network) Endpoint(addr string) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()

	if e, ok := n.endpoints[addr]; ok {
		return e
	}
	e := &Endpoint{network: n, addr: addr}
	n.endpoints[addr] = e
	return e
}

// SetDown makes addr silently drop everything sent to it
func (n *Network) SetDown(addr string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[addr] = down
}

func (n *Network) route(from, to string, raw []byte) (*Endpoint, bool, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.down[to] {
		return nil, false, nil
	}
	e, ok := n.endpoints[to]
	if !ok {
		return nil, false, ErrUnreachable
	}
	if n.Filter != nil && !n.Filter(from, to, raw) {
		return nil, false, nil
	}
	return e, true, nil
}

// Endpoint is one node's attachment to a Network
type Endpoint struct {
	network *Network
	addr    string

	mu      sync.RWMutex
	handler Handler
	wg      sync.WaitGroup
}

// Addr returns the endpoint address
func (e *Endpoint) Addr() string {
	return e.addr
}

// Start begins delivering inbound frames to h
func (e *Endpoint) Start(h Handler) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
	return nil
}

// Send copies raw and delivers it to the endpoint at to on a new goroutine
func (e *Endpoint) Send(ctx context.Context, to string, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, deliver, err := e.network.route(e.addr, to, raw)
	if err != nil || !deliver {
		return err
	}

	frame := make([]byte, len(raw))
	copy(frame, raw)
	from := hostOf(e.addr)

	target.mu.RLock()
	h := target.handler
	if h != nil {
		target.wg.Add(1)
	}
	target.mu.RUnlock()
	if h == nil {
		return ErrUnreachable
	}

	go func() {
		defer target.wg.Done()
		h(from, frame)
	}()
	return nil
}

// Shutdown stops inbound delivery and waits for in-progress handler calls
func (e *Endpoint) Shutdown() {
	e.mu.Lock()
	e.handler = nil
	e.mu.Unlock()
	e.wg.Wait()
}
