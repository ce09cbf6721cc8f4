// Package main implements the torua storage node.
//
// A node stores one partition of the cluster on local disk and keeps a
// cluster client over every configured partition. It is responsible for:
//   - Serving its local files to peers and clients (/fs)
//   - Serving cluster-wide operations with replication (/cluster/fs)
//   - Probing dead peers periodically
//   - Repartitioning its files when the alive set changes
//
// Configuration comes from an optional YAML file, environment variables
// (NODE_ID, NODE_LISTEN, NODE_STORAGE_DIR, CLUSTER_PARTITIONS, ...) and flags,
// in increasing order of precedence.
//
// Example usage:
//
//	node --id node-1 --listen :8081 --storage-dir /var/lib/torua \
//	  --partitions node-1=http://10.0.0.1:8081,node-2=http://10.0.0.2:8081 \
//	  --replication 2
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/dreamware/torua/internal/config"
	"github.com/dreamware/torua/internal/logging"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "node:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "node",
		Usage: "run a torua storage node",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, EnvVars: []string{"TORUA_CONFIG"}, Usage: "YAML configuration file"},
			&cli.StringFlag{Name: "id", Usage: "partition id of this node"},
			&cli.StringFlag{Name: "listen", Usage: "HTTP listen address"},
			&cli.StringFlag{Name: "storage-dir", Usage: "root directory of the local store"},
			&cli.StringFlag{Name: "partitions", Usage: "partition map as id=url,id=url"},
			&cli.IntFlag{Name: "replication", Usage: "replication count"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
		},
		Action: run,
	}
}

// loadConfig reads the configuration and applies flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("id") {
		cfg.Node.ID = c.String("id")
	}
	if c.IsSet("listen") {
		cfg.Node.Listen = c.String("listen")
	}
	if c.IsSet("storage-dir") {
		cfg.Node.StorageDir = c.String("storage-dir")
	}
	if c.IsSet("partitions") {
		partitions, err := config.ParsePartitions(c.String("partitions"))
		if err != nil {
			return nil, err
		}
		cfg.Cluster.Partitions = partitions
	}
	if c.IsSet("replication") {
		cfg.Cluster.ReplicationCount = c.Int("replication")
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	return cfg, cfg.ValidateNode()
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	cfg.Log.ServiceName = "node"
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger = logger.With(zap.String("node_id", cfg.Node.ID))

	node, err := NewNode(cfg, logger)
	if err != nil {
		return err
	}

	// Configure HTTP server with security timeouts
	s := &http.Server{
		Addr:              cfg.Node.Listen,
		Handler:           node.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("node listening",
			zap.String("listen", cfg.Node.Listen),
			zap.String("storage_dir", cfg.Node.StorageDir),
			zap.Int("replication_count", cfg.Cluster.ReplicationCount))
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	node.checkPeers(c.Context)
	node.Start()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case <-stop:
	case err := <-serveErr:
		node.Stop()
		return fmt.Errorf("listen: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		logger.Warn("server shutdown error", zap.Error(err))
	}
	node.Stop()
	logger.Info("node stopped")
	return nil
}
