package cli

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/thinkaurelius/titan-kernel/internal/config"
	"github.com/thinkaurelius/titan-kernel/internal/kernel"
	"github.com/thinkaurelius/titan-kernel/internal/metrics"
	"github.com/thinkaurelius/titan-kernel/internal/procs"
	"github.com/thinkaurelius/titan-kernel/internal/transport"
)

// node is one assembled kernel process.
type node struct {
	kernel    *kernel.Kernel
	transport *transport.GRPC
	registry  *prometheus.Registry
}

// buildNode wires a kernel listening on listen from cfg. A listen address
// with port 0 is resolved to the port actually bound.
func buildNode(cfg *config.Config, listen string, logger *slog.Logger) (*node, error) {
	lis, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", listen, err)
	}
	tr := transport.NewGRPC(lis, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	kc := cfg.Kernel
	k, err := kernel.New(kernel.Options{
		ListenAddress:   advertised(listen, tr.Addr()),
		Transport:       tr,
		Nodes:           cfg.NodeMap(),
		Graph:           cfg.BuildGraph(),
		Metrics:         metrics.NewCollector(reg),
		Logger:          logger,
		Workers:         kc.Workers,
		ForwardTimeout:  kc.ForwardTimeout,
		SendTimeout:     kc.SendTimeout,
		MaxQueryCount:   kc.MaxQueryCount,
		MaxLoadPerCPU:   kc.MaxLoadPerCPU,
		AdmitAll:        !kc.EnforceAdmission,
		Retention:       kc.Retention,
		JanitorInterval: kc.JanitorInterval,
	})
	if err != nil {
		tr.Shutdown()
		return nil, err
	}
	if err := procs.Register(k); err != nil {
		tr.Shutdown()
		return nil, err
	}
	return &node{kernel: k, transport: tr, registry: reg}, nil
}

// advertised keeps the configured host and takes the port from bound, so
// peers reply to the address the operator named.
func advertised(listen, bound string) string {
	host, _, err := net.SplitHostPort(listen)
	if err != nil || host == "" {
		return bound
	}
	_, port, err := net.SplitHostPort(bound)
	if err != nil {
		return listen
	}
	return net.JoinHostPort(host, port)
}

// close releases a node whose kernel never started.
func (n *node) close() {
	n.transport.Shutdown()
}
