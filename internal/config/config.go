// Package config loads the YAML configuration shared by nodes and the
// coordinator, with environment variables taking precedence over the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dreamware/torua/internal/logging"
)

// Config is the full configuration of a torua process.
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	Repartition RepartitionConfig `yaml:"repartition"`
	Log         logging.Config    `yaml:"log"`
}

// NodeConfig describes the local storage node.
type NodeConfig struct {
	ID         string `yaml:"id"`          // Partition id of this node
	Listen     string `yaml:"listen"`      // HTTP listen address
	StorageDir string `yaml:"storage_dir"` // Root directory of the local store
	Workers    int    `yaml:"workers"`     // Disk worker pool size
}

// ClusterConfig describes the partitions and replication policy.
type ClusterConfig struct {
	Partitions        map[string]string `yaml:"partitions"`          // Partition id -> base URL
	ReplicationCount  int               `yaml:"replication_count"`   // R
	DeadCheckInterval time.Duration     `yaml:"dead_check_interval"` // Dead partition probe period
	RequestTimeout    time.Duration     `yaml:"request_timeout"`     // Per-request timeout for non-streaming calls
}

// RepartitionConfig controls the background repartition controller.
type RepartitionConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Interval     time.Duration `yaml:"interval"`
	Glob         string        `yaml:"glob"`
	NegativeGlob string        `yaml:"negative_glob"`
}

// Default returns the configuration used when nothing else is specified.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Listen:     ":8081",
			StorageDir: "data",
			Workers:    8,
		},
		Cluster: ClusterConfig{
			Partitions:        map[string]string{},
			ReplicationCount:  1,
			DeadCheckInterval: 10 * time.Second,
			RequestTimeout:    10 * time.Second,
		},
		Repartition: RepartitionConfig{
			Enabled:  true,
			Interval: time.Minute,
			Glob:     "**",
		},
		Log: logging.Config{
			Level: "info",
		},
	}
}

// Load reads path (if not empty) over the defaults and applies environment
// overrides. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv overrides fields from NODE_*, CLUSTER_*, REPARTITION_* and LOG_* variables.
func (c *Config) applyEnv() error {
	c.Node.ID = getenv("NODE_ID", c.Node.ID)
	c.Node.Listen = getenv("NODE_LISTEN", c.Node.Listen)
	c.Node.StorageDir = getenv("NODE_STORAGE_DIR", c.Node.StorageDir)
	c.Repartition.Glob = getenv("REPARTITION_GLOB", c.Repartition.Glob)
	c.Repartition.NegativeGlob = getenv("REPARTITION_NEGATIVE_GLOB", c.Repartition.NegativeGlob)
	c.Log.Level = getenv("LOG_LEVEL", c.Log.Level)

	var err error
	if c.Node.Workers, err = getenvInt("NODE_WORKERS", c.Node.Workers); err != nil {
		return err
	}
	if c.Cluster.ReplicationCount, err = getenvInt("CLUSTER_REPLICATION_COUNT", c.Cluster.ReplicationCount); err != nil {
		return err
	}
	if c.Cluster.DeadCheckInterval, err = getenvDuration("CLUSTER_DEAD_CHECK_INTERVAL", c.Cluster.DeadCheckInterval); err != nil {
		return err
	}
	if c.Repartition.Interval, err = getenvDuration("REPARTITION_INTERVAL", c.Repartition.Interval); err != nil {
		return err
	}
	if v := os.Getenv("CLUSTER_PARTITIONS"); v != "" {
		partitions, err := ParsePartitions(v)
		if err != nil {
			return err
		}
		c.Cluster.Partitions = partitions
	}
	return nil
}

// ParsePartitions parses "id=url,id=url" into a partition map.
func ParsePartitions(s string) (map[string]string, error) {
	partitions := make(map[string]string)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, addr, ok := strings.Cut(entry, "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("invalid partition entry %q, want id=url", entry)
		}
		if _, dup := partitions[id]; dup {
			return nil, fmt.Errorf("duplicate partition id %q", id)
		}
		partitions[id] = addr
	}
	return partitions, nil
}

// PartitionIDs returns the configured partition ids in sorted order.
func (c *Config) PartitionIDs() []string {
	ids := make([]string, 0, len(c.Cluster.Partitions))
	for id := range c.Cluster.Partitions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks the cluster section.
func (c *Config) Validate() error {
	n := len(c.Cluster.Partitions)
	if n == 0 {
		return errors.New("cluster.partitions must not be empty")
	}
	for id, addr := range c.Cluster.Partitions {
		if id == "" || addr == "" {
			return fmt.Errorf("cluster.partitions: empty id or address for %q", id)
		}
	}
	if c.Cluster.ReplicationCount < 1 || c.Cluster.ReplicationCount > n {
		return fmt.Errorf("cluster.replication_count %d out of range [1, %d]", c.Cluster.ReplicationCount, n)
	}
	if c.Cluster.DeadCheckInterval <= 0 {
		return errors.New("cluster.dead_check_interval must be positive")
	}
	if c.Cluster.RequestTimeout <= 0 {
		return errors.New("cluster.request_timeout must be positive")
	}
	return nil
}

// ValidateNode checks everything a storage node needs on top of Validate.
func (c *Config) ValidateNode() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Node.ID == "" {
		return errors.New("node.id is required")
	}
	if _, ok := c.Cluster.Partitions[c.Node.ID]; !ok {
		return fmt.Errorf("node.id %q is not listed in cluster.partitions", c.Node.ID)
	}
	if c.Node.StorageDir == "" {
		return errors.New("node.storage_dir is required")
	}
	if c.Node.Workers < 1 {
		return fmt.Errorf("node.workers must be positive, got %d", c.Node.Workers)
	}
	if c.Repartition.Enabled && c.Repartition.Interval <= 0 {
		return errors.New("repartition.interval must be positive")
	}
	return nil
}

// getenv retrieves an environment variable with a default fallback value.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return n, nil
}

func getenvDuration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return d, nil
}
