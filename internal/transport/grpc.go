package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/peer"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName   = "titan.kernel.v1.Messenger"
	deliverMethod = "/" + serviceName + "/Deliver"
)

// messengerServer is the server side of the Messenger service.
type messengerServer interface {
	Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

var messengerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*messengerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "titan/kernel/v1/messenger.proto",
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(messengerServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(messengerServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPC implements Transport with one unary RPC per message
type GRPC struct {
	lis    net.Listener
	server *grpc.Server
	logger *slog.Logger

	mu      sync.Mutex
	conns   map[string]*grpc.ClientConn // cached connections to peers
	handler Handler
	served  chan struct{}
}

// NewGRPC creates a transport serving on lis. The listener is owned by the
// transport from here on.
func NewGRPC(lis net.Listener, logger *slog.Logger) *GRPC {
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPC{
		lis:    lis,
		server: grpc.NewServer(),
		logger: logger.With("component", "grpc_transport", "listen", lis.Addr().String()),
		conns:  make(map[string]*grpc.ClientConn),
	}
}

// Addr returns the address the transport listens on
func (t *GRPC) Addr() string {
	return t.lis.Addr().String()
}

// Start registers the Messenger service and serves in the background
func (t *GRPC) Start(h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.handler != nil {
		return fmt.Errorf("grpc transport already started")
	}
	t.handler = h
	t.served = make(chan struct{})
	t.server.RegisterService(&messengerServiceDesc, &messenger{t: t})

	go func() {
		defer close(t.served)
		if err := t.server.Serve(t.lis); err != nil {
			t.logger.Error("grpc server stopped", "error", err)
		}
	}()
	return nil
}

type messenger struct {
	t *GRPC
}

// Deliver hands an inbound frame to the kernel handler
func (m *messenger) Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	from := ""
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		from = hostOf(p.Addr.String())
	}
	m.t.mu.Lock()
	h := m.t.handler
	m.t.mu.Unlock()
	if h != nil {
		h(from, in.GetValue())
	}
	return &emptypb.Empty{}, nil
}

// getConn returns a cached client connection for the given peer address
func (t *GRPC) getConn(to string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, ok := t.conns[to]; ok {
		return conn, nil
	}

	conn, err := grpc.NewClient(to, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to dial peer %s: %w", to, err)
	}
	t.conns[to] = conn
	return conn, nil
}

// Send delivers raw to the peer at to. A short default deadline applies when
// ctx has none.
func (t *GRPC) Send(ctx context.Context, to string, raw []byte) error {
	conn, err := t.getConn(to)
	if err != nil {
		return err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
	}

	if err := conn.Invoke(ctx, deliverMethod, wrapperspb.Bytes(raw), new(emptypb.Empty)); err != nil {
		return fmt.Errorf("deliver to %s: %w", to, err)
	}
	return nil
}

// Shutdown stops the server and closes every cached connection
func (t *GRPC) Shutdown() {
	t.server.Stop()

	t.mu.Lock()
	served := t.served
	for addr, conn := range t.conns {
		if err := conn.Close(); err != nil {
			t.logger.Debug("closing peer connection", "peer", addr, "error", err)
		}
		delete(t.conns, addr)
	}
	t.mu.Unlock()

	if served == nil {
		t.lis.Close()
		return
	}
	<-served
}
