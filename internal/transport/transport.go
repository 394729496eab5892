// Package transport moves encoded kernel messages between nodes.
//
// Delivery is fire-and-forget: Send returns once the bytes are handed to the
// peer (or fails), and nothing is acknowledged at this layer. Acknowledgement
// and retry are the kernel's concern.
package transport

import (
	"context"
	"errors"
	"net"
)

// ErrUnreachable is returned when no peer listens on the destination address.
var ErrUnreachable = errors.New("transport: destination unreachable")

// Handler receives inbound frames. from is the sender's host (no port).
type Handler func(from string, raw []byte)

// Transport is what a kernel needs from the network.
type Transport interface {
	// Start begins delivering inbound frames to h.
	Start(h Handler) error
	// Send delivers raw to the node listening on to (host:port).
	Send(ctx context.Context, to string, raw []byte) error
	// Shutdown stops inbound delivery and releases connections.
	Shutdown()
}

// hostOf strips the port from addr, returning addr unchanged if it has none.
func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
