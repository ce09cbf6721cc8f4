package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
node:
  id: node-1
  listen: ":9001"
  storage_dir: /var/lib/torua
  workers: 4
cluster:
  replication_count: 2
  dead_check_interval: 5s
  partitions:
    node-1: http://127.0.0.1:9001
    node-2: http://127.0.0.1:9002
    node-3: http://127.0.0.1:9003
repartition:
  interval: 2m
  negative_glob: "tmp/**"
log:
  level: debug
  output: [stdout]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "torua.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "node-1", cfg.Node.ID)
	assert.Equal(t, ":9001", cfg.Node.Listen)
	assert.Equal(t, 4, cfg.Node.Workers)
	assert.Equal(t, 2, cfg.Cluster.ReplicationCount)
	assert.Equal(t, 5*time.Second, cfg.Cluster.DeadCheckInterval)
	assert.Equal(t, 10*time.Second, cfg.Cluster.RequestTimeout, "defaults survive")
	assert.Equal(t, []string{"node-1", "node-2", "node-3"}, cfg.PartitionIDs())
	assert.Equal(t, 2*time.Minute, cfg.Repartition.Interval)
	assert.Equal(t, "**", cfg.Repartition.Glob)
	assert.Equal(t, "tmp/**", cfg.Repartition.NegativeGlob)
	assert.True(t, cfg.Repartition.Enabled)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"stdout"}, cfg.Log.OutputPaths)

	require.NoError(t, cfg.ValidateNode())
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, "cluster:\n  replicas: 3\n"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("NODE_ID", "node-2")
	t.Setenv("CLUSTER_REPLICATION_COUNT", "3")
	t.Setenv("CLUSTER_DEAD_CHECK_INTERVAL", "1s")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, "node-2", cfg.Node.ID)
	assert.Equal(t, 3, cfg.Cluster.ReplicationCount)
	assert.Equal(t, time.Second, cfg.Cluster.DeadCheckInterval)
	assert.Equal(t, "warn", cfg.Log.Level)

	t.Setenv("CLUSTER_PARTITIONS", "a=http://a:1, b=http://b:2")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "http://a:1", "b": "http://b:2"}, cfg.Cluster.Partitions)

	t.Setenv("NODE_WORKERS", "many")
	_, err = Load("")
	assert.Error(t, err)
}

func TestParsePartitions(t *testing.T) {
	tests := []struct {
		input   string
		want    map[string]string
		wantErr bool
	}{
		{"", map[string]string{}, false},
		{"a=http://a", map[string]string{"a": "http://a"}, false},
		{"a=http://a,,b=http://b", map[string]string{"a": "http://a", "b": "http://b"}, false},
		{"a", nil, true},
		{"=http://a", nil, true},
		{"a=http://a,a=http://b", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParsePartitions(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Node.ID = "a"
		cfg.Cluster.Partitions = map[string]string{"a": "http://a", "b": "http://b"}
		return cfg
	}
	require.NoError(t, valid().ValidateNode())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no partitions", func(c *Config) { c.Cluster.Partitions = nil }},
		{"replication too high", func(c *Config) { c.Cluster.ReplicationCount = 3 }},
		{"replication zero", func(c *Config) { c.Cluster.ReplicationCount = 0 }},
		{"dead check interval", func(c *Config) { c.Cluster.DeadCheckInterval = 0 }},
		{"node not a partition", func(c *Config) { c.Node.ID = "c" }},
		{"missing node id", func(c *Config) { c.Node.ID = "" }},
		{"no workers", func(c *Config) { c.Node.Workers = 0 }},
		{"repartition interval", func(c *Config) { c.Repartition.Interval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.ValidateNode())
		})
	}
}
