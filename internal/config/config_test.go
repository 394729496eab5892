package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullConfig = `
kernel:
  listen: "10.0.0.1:7000"
  workers: 8
  forward_timeout: 3s
  send_timeout: 500ms
  max_query_count: 100
  max_load_per_cpu: 2.5
  retention: 30m
  janitor_interval: 10s
  enforce_admission: false
nodes:
  - {id: 1, addresses: ["10.0.0.1:7000", "10.0.0.2:7000"]}
  - {id: 2, addresses: ["10.0.0.2:7000"]}
partitions: 4
partition_addresses:
  0: ["10.0.0.3:7000"]
local_partitions: [0]
local_nodes: [7]
graph:
  vertices:
    - {id: 1, label: "person", neighbors: [2]}
metrics:
  enabled: true
  listen: ":9100"
log:
  level: debug
  format: json
`

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fullConfig), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.1:7000", cfg.Kernel.Listen)
	assert.Equal(t, 8, cfg.Kernel.Workers)
	assert.Equal(t, 3*time.Second, cfg.Kernel.ForwardTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Kernel.SendTimeout)
	assert.Equal(t, 100, cfg.Kernel.MaxQueryCount)
	assert.Equal(t, 2.5, cfg.Kernel.MaxLoadPerCPU)
	assert.Equal(t, 30*time.Minute, cfg.Kernel.Retention)
	assert.Equal(t, 10*time.Second, cfg.Kernel.JanitorInterval)
	assert.False(t, cfg.Kernel.EnforceAdmission)

	require.Len(t, cfg.Nodes, 2)
	assert.Equal(t, []string{"10.0.0.1:7000", "10.0.0.2:7000"}, cfg.Nodes[0].Addresses)
	assert.Equal(t, 4, cfg.Partitions)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9100", cfg.Metrics.Listen)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestParse_InvalidYAML(t *testing.T) {
	cfg, err := Parse([]byte("kernel:\n  workers: \"many\"\n  broken\n    indentation\n"))
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

func TestParse_EmptyKeepsDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.True(t, cfg.Kernel.EnforceAdmission)
	assert.Equal(t, 10*time.Second, cfg.Kernel.ForwardTimeout)
	assert.Equal(t, 2048, cfg.Kernel.MaxQueryCount)
}

func TestParse_PartialConfig(t *testing.T) {
	cfg, err := Parse([]byte("kernel:\n  workers: 2\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Kernel.Workers)
	assert.Equal(t, "127.0.0.1:7000", cfg.Kernel.Listen)
	assert.Equal(t, 5.0, cfg.Kernel.MaxLoadPerCPU)
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty listen", func(c *Config) { c.Kernel.Listen = "" }},
		{"negative workers", func(c *Config) { c.Kernel.Workers = -1 }},
		{"negative timeout", func(c *Config) { c.Kernel.ForwardTimeout = -time.Second }},
		{"negative query count", func(c *Config) { c.Kernel.MaxQueryCount = -1 }},
		{"negative load", func(c *Config) { c.Kernel.MaxLoadPerCPU = -1 }},
		{"negative retention", func(c *Config) { c.Kernel.Retention = -time.Minute }},
		{"partition out of range", func(c *Config) { c.PartitionAddresses = map[int][]string{3: {"x:1"}} }},
		{"local partition out of range", func(c *Config) { c.LocalPartitions = []int{0} }},
		{"unknown level", func(c *Config) { c.Log.Level = "loud" }},
		{"unknown format", func(c *Config) { c.Log.Format = "xml" }},
		{"blank address", func(c *Config) { c.Nodes = []NodeConfig{{ID: 1, Addresses: []string{""}}} }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestNodeMapAndGraph(t *testing.T) {
	cfg, err := Parse([]byte(fullConfig))
	require.NoError(t, err)

	nm := cfg.NodeMap()
	assert.Equal(t, []string{"10.0.0.1:7000", "10.0.0.2:7000"}, nm.Addresses(1))
	assert.True(t, nm.IsLocal(1), "stored vertices are local")
	assert.True(t, nm.IsLocal(7))
	assert.Equal(t, nm.Partition(2) == 0, nm.IsLocal(2), "partition 0 is local")

	g := cfg.BuildGraph()
	assert.Equal(t, 1, g.Len())
}

func TestLogger(t *testing.T) {
	cfg := Default()
	cfg.Log = LogConfig{Level: "warn", Format: "json"}

	var buf bytes.Buffer
	logger := cfg.Logger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "component", "test")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.HasPrefix(out, "{"), "json handler")
	assert.Contains(t, out, `"component":"test"`)
}

func TestShippedConfigs(t *testing.T) {
	for _, name := range []string{"default.yaml", "cluster-a.yaml"} {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load(filepath.Join("..", "..", "configs", name))
			require.NoError(t, err)
			nm := cfg.NodeMap()
			for _, v := range cfg.Graph.Vertices {
				assert.True(t, nm.IsLocal(v.ID), "vertex %d", v.ID)
				assert.NotEmpty(t, nm.Addresses(v.ID), "vertex %d", v.ID)
			}
		})
	}
}
