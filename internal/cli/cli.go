// ============================================================================
// Titan Kernel CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running a node and querying a cluster
//
// Command Structure:
//   titan-kernel                   # Root command
//   ├── run                        # Start one kernel node
//   ├── query                      # Seed one query and print its results
//   │   ├── --node                # Anchor node id
//   │   ├── --proc                # Stored procedure name
//   │   ├── --payload             # JSON input of the procedure
//   │   ├── --timeout             # Give up waiting after this long
//   │   └── --listen              # Address of the ephemeral client kernel
//   ├── status                     # Print the effective configuration
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   ├── --version
//   └── --help
//
// run Command:
//   1. Load config file, configure logging
//   2. Build the node: gRPC transport, node map, in-memory graph, built-ins
//   3. Start the kernel and the metrics server (if enabled)
//   4. Wait for SIGINT / SIGTERM
//   5. Shut the kernel down within 5 seconds
//
//   Examples:
//     ./titan-kernel run
//     ./titan-kernel run -c node-a.yaml
//
// query Command:
//   Starts a client kernel of its own (it must be reachable by the cluster,
//   results come back to it), seeds one query and prints every result as
//   one JSON line, followed by any faults.
//
//   Examples:
//     ./titan-kernel query --node 1 --proc traverse --payload '{"depth":2}'
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/thinkaurelius/titan-kernel/internal/config"
	"github.com/thinkaurelius/titan-kernel/internal/kernel"
	"github.com/thinkaurelius/titan-kernel/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "titan-kernel",
		Short: "Titan Kernel: distributed query execution for a partitioned graph",
		Long: `Titan Kernel runs stored procedures next to the graph data they read:
- queries forward themselves to the nodes holding their anchors
- every hop is acknowledged, retried on replicas and reported to its client
- overloaded nodes refuse work instead of queueing it
- Prometheus metrics`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildQueryCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start a Titan Kernel node",
		Long:  "Start a kernel node serving the configured graph vertices until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, cfg, cmd.ErrOrStderr())
		},
	}
}

// runNode runs a node until ctx ends.
func runNode(ctx context.Context, cfg *config.Config, logOut io.Writer) error {
	logger := cfg.Logger(logOut)

	n, err := buildNode(cfg, cfg.Kernel.Listen, logger)
	if err != nil {
		return err
	}
	if err := n.kernel.Start(); err != nil {
		n.close()
		return fmt.Errorf("failed to start kernel: %w", err)
	}
	logger.Info("node running",
		"listen", n.kernel.ListenAddress(),
		"vertices", len(cfg.Graph.Vertices),
		"metrics", cfg.Metrics.Enabled)

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: n.metricsMux()}
		g.Go(func() error {
			logger.Info("starting metrics server", "listen", cfg.Metrics.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("received shutdown signal, stopping gracefully")
		clean, err := n.kernel.Shutdown(shutdownTimeout)
		if err != nil {
			return err
		}
		if !clean {
			logger.Warn("kernel tasks still running at shutdown deadline")
		}
		return nil
	})

	return g.Wait()
}

func buildQueryCommand() *cobra.Command {
	var (
		nodeID  int64
		proc    string
		payload string
		timeout time.Duration
		listen  string
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Seed a query and print its results",
		Long:  "Start a client kernel, seed one query against the cluster and print results as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if listen == "" {
				host, _, err := net.SplitHostPort(cfg.Kernel.Listen)
				if err != nil {
					return fmt.Errorf("invalid listen address: %w", err)
				}
				listen = net.JoinHostPort(host, "0")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runQuery(ctx, cfg, queryRequest{
				listen:  listen,
				nodeID:  nodeID,
				proc:    proc,
				payload: payload,
				timeout: timeout,
			}, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().Int64Var(&nodeID, "node", 0, "anchor node id")
	cmd.Flags().StringVar(&proc, "proc", "echo", "stored procedure name")
	cmd.Flags().StringVar(&payload, "payload", `""`, "procedure input as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the query to finish")
	cmd.Flags().StringVar(&listen, "listen", "", "client kernel address (default: configured host, ephemeral port)")
	cmd.MarkFlagRequired("node")

	return cmd
}

type queryRequest struct {
	listen  string
	nodeID  int64
	proc    string
	payload string
	timeout time.Duration
}

// runQuery seeds one query from an ephemeral kernel and prints the outcome.
func runQuery(ctx context.Context, cfg *config.Config, req queryRequest, out, logOut io.Writer) error {
	if !json.Valid([]byte(req.payload)) {
		return fmt.Errorf("payload is not valid JSON: %s", req.payload)
	}
	logger := cfg.Logger(logOut)

	n, err := buildNode(cfg, req.listen, logger)
	if err != nil {
		return err
	}
	if err := n.kernel.Start(); err != nil {
		n.close()
		return fmt.Errorf("failed to start kernel: %w", err)
	}
	defer n.kernel.Shutdown(shutdownTimeout)

	enc := json.NewEncoder(out)
	printer := kernel.ResultFunc(func(r any) {
		if err := enc.Encode(r); err != nil {
			logger.Warn("could not print result", "error", err)
		}
	})

	tracker, err := n.kernel.CreateQuerySender().SendQuery(req.nodeID, json.RawMessage(req.payload), req.proc, printer)
	if err != nil {
		return fmt.Errorf("failed to send query: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, req.timeout)
	defer cancel()
	if err := tracker.Wait(waitCtx); err != nil {
		return fmt.Errorf("query %s did not finish: %w", tracker.Seed(), err)
	}

	faults := tracker.Faults()
	for _, f := range faults {
		fmt.Fprintf(out, "fault: %s\n", f.Error())
	}
	fmt.Fprintf(out, "done: %d results, %d instances, %d faults\n",
		len(tracker.Results()), len(tracker.Traces())+len(faults), len(faults))
	return nil
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show node status",
		Long:  "Display the effective configuration of this node after defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return showStatus(cmd.OutOrStdout(), cfg)
		},
	}
}

func showStatus(out io.Writer, cfg *config.Config) error {
	fmt.Fprintln(out, "Titan Kernel node")
	fmt.Fprintf(out, "  config file:      %s\n", configFile)
	fmt.Fprintf(out, "  listen:           %s\n", cfg.Kernel.Listen)
	fmt.Fprintf(out, "  local vertices:   %d\n", len(cfg.Graph.Vertices))
	fmt.Fprintf(out, "  mapped nodes:     %d\n", len(cfg.Nodes))
	fmt.Fprintf(out, "  partitions:       %d\n", cfg.Partitions)
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  metrics:          http://%s/metrics\n", cfg.Metrics.Listen)
	} else {
		fmt.Fprintln(out, "  metrics:          disabled")
	}
	fmt.Fprintln(out)

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	_, err = out.Write(data)
	return err
}

func (n *node) metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(n.registry))
	return mux
}
