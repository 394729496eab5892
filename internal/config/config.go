// ============================================================================
// Titan Kernel Config - YAML Configuration Model
// ============================================================================
//
// Package: internal/config
// File: config.go
// Function: Loads one node's configuration, fills defaults and validates it
//
// Layout:
//
//   kernel:
//     listen: "10.0.0.1:7000"
//     workers: 0                 # 0 = one per CPU
//     forward_timeout: 10s
//     send_timeout: 2s
//     max_query_count: 2048
//     max_load_per_cpu: 5.0
//     retention: 10m
//     janitor_interval: 1m
//     enforce_admission: true
//   nodes:
//     - {id: 1, addresses: ["10.0.0.1:7000", "10.0.0.2:7000"]}
//   partitions: 16
//   partition_addresses: {0: ["10.0.0.1:7000"]}
//   local_nodes: [1]
//   local_partitions: [0]
//   graph:
//     vertices:
//       - {id: 1, label: "person", neighbors: [2, 3]}
//   metrics:
//     enabled: true
//     listen: ":9090"
//   log:
//     level: info                # debug | info | warn | error
//     format: text               # text | json
//
// Fields missing from the file keep the defaults of Default().
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thinkaurelius/titan-kernel/internal/graph"
	"github.com/thinkaurelius/titan-kernel/internal/nodemap"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the complete configuration of one node.
type Config struct {
	Kernel             KernelConfig     `yaml:"kernel"`
	Nodes              []NodeConfig     `yaml:"nodes"`
	Partitions         int              `yaml:"partitions"`
	PartitionAddresses map[int][]string `yaml:"partition_addresses"`
	LocalNodes         []int64          `yaml:"local_nodes"`
	LocalPartitions    []int            `yaml:"local_partitions"`
	Graph              GraphConfig      `yaml:"graph"`
	Metrics            MetricsConfig    `yaml:"metrics"`
	Log                LogConfig        `yaml:"log"`
}

// KernelConfig holds the runtime limits of the kernel.
type KernelConfig struct {
	Listen           string        `yaml:"listen"`
	Workers          int           `yaml:"workers"`
	ForwardTimeout   time.Duration `yaml:"forward_timeout"`
	SendTimeout      time.Duration `yaml:"send_timeout"`
	MaxQueryCount    int           `yaml:"max_query_count"`
	MaxLoadPerCPU    float64       `yaml:"max_load_per_cpu"`
	Retention        time.Duration `yaml:"retention"`
	JanitorInterval  time.Duration `yaml:"janitor_interval"`
	EnforceAdmission bool          `yaml:"enforce_admission"`
}

// NodeConfig places one graph node on its replicas.
type NodeConfig struct {
	ID        int64    `yaml:"id"`
	Addresses []string `yaml:"addresses"`
}

// GraphConfig lists the vertices stored by this node.
type GraphConfig struct {
	Vertices []VertexConfig `yaml:"vertices"`
}

type VertexConfig struct {
	ID        int64   `yaml:"id"`
	Label     string  `yaml:"label"`
	Neighbors []int64 `yaml:"neighbors"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used for every field a file omits.
func Default() *Config {
	return &Config{
		Kernel: KernelConfig{
			Listen:           "127.0.0.1:7000",
			ForwardTimeout:   10 * time.Second,
			SendTimeout:      2 * time.Second,
			MaxQueryCount:    2048,
			MaxLoadPerCPU:    5.0,
			Retention:        10 * time.Minute,
			JanitorInterval:  time.Minute,
			EnforceAdmission: true,
		},
		Metrics: MetricsConfig{Listen: ":9090"},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the kernel cannot run with.
func (c *Config) Validate() error {
	k := c.Kernel
	switch {
	case k.Listen == "":
		return fmt.Errorf("%w: kernel.listen is empty", ErrInvalid)
	case k.Workers < 0:
		return fmt.Errorf("%w: kernel.workers is negative", ErrInvalid)
	case k.ForwardTimeout < 0 || k.SendTimeout < 0:
		return fmt.Errorf("%w: kernel timeouts must not be negative", ErrInvalid)
	case k.MaxQueryCount < 0:
		return fmt.Errorf("%w: kernel.max_query_count is negative", ErrInvalid)
	case k.MaxLoadPerCPU < 0:
		return fmt.Errorf("%w: kernel.max_load_per_cpu is negative", ErrInvalid)
	case k.Retention < 0 || k.JanitorInterval < 0:
		return fmt.Errorf("%w: kernel retention settings must not be negative", ErrInvalid)
	case c.Partitions < 0:
		return fmt.Errorf("%w: partitions is negative", ErrInvalid)
	}

	for p := range c.PartitionAddresses {
		if p < 0 || p >= c.Partitions {
			return fmt.Errorf("%w: partition %d outside [0, %d)", ErrInvalid, p, c.Partitions)
		}
	}
	for _, p := range c.LocalPartitions {
		if p < 0 || p >= c.Partitions {
			return fmt.Errorf("%w: local partition %d outside [0, %d)", ErrInvalid, p, c.Partitions)
		}
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalid, c.Log.Format)
	}
	if err := c.NodeMap().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// NodeMap builds the node mapper described by the configuration.
func (c *Config) NodeMap() *nodemap.Static {
	nm := nodemap.NewStatic(c.Partitions)
	for _, n := range c.Nodes {
		nm.Assign(n.ID, n.Addresses...)
	}
	for p, addrs := range c.PartitionAddresses {
		// range checked by Validate
		_ = nm.AssignPartition(p, addrs...)
	}
	nm.SetLocal(c.LocalNodes...)
	for _, p := range c.LocalPartitions {
		_ = nm.SetLocalPartition(p)
	}
	for _, v := range c.Graph.Vertices {
		nm.SetLocal(v.ID)
	}
	return nm
}

// BuildGraph loads the configured vertices into an in-memory graph.
func (c *Config) BuildGraph() *graph.Memory {
	g := graph.NewMemory()
	for _, v := range c.Graph.Vertices {
		g.AddVertex(v.ID, v.Label, v.Neighbors...)
	}
	return g
}

// Logger builds a logger writing to w at the configured level and format.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("%w: unknown log level %q", ErrInvalid, s)
	}
	return level, nil
}
