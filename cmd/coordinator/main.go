// Package main implements the torua coordinator: a stateless gateway that
// exposes the whole cluster as a single file store.
//
// The coordinator holds no files. It keeps a cluster client over every
// configured partition, probes dead partitions periodically and serves the
// cluster-wide command protocol on /fs, so clients need only one address.
//
// Example usage:
//
//	coordinator --listen :8080 --replication 2 \
//	  --partitions node-1=http://10.0.0.1:8081,node-2=http://10.0.0.2:8081,node-3=http://10.0.0.3:8081
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
		fmt.Fprintln(os.Stderr, "coordinator:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "coordinator",
		Usage: "serve the torua cluster behind one address",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, EnvVars: []string{"TORUA_CONFIG"}, Usage: "YAML configuration file"},
			&cli.StringFlag{Name: "listen", Value: ":8080", EnvVars: []string{"COORDINATOR_LISTEN"}, Usage: "HTTP listen address"},
			&cli.StringFlag{Name: "partitions", Usage: "partition map as id=url,id=url"},
			&cli.IntFlag{Name: "replication", Usage: "replication count"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
		},
		Action: run,
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
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
	return cfg, cfg.Validate()
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	cfg.Log.ServiceName = "coordinator"
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	srv, err := newServer(cfg, logger)
	if err != nil {
		return err
	}

	listen := c.String("listen")
	httpSrv := &http.Server{
		Addr:              listen,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("coordinator listening",
			zap.String("listen", listen),
			zap.Int("partitions", len(cfg.Cluster.Partitions)),
			zap.Int("replication_count", cfg.Cluster.ReplicationCount))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	srv.cluster.CheckAllPartitions(c.Context)
	srv.scheduler.Start()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case <-stop:
	case err := <-serveErr:
		srv.scheduler.Stop()
		return fmt.Errorf("listen: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	srv.scheduler.Stop()
	logger.Info("coordinator stopped")
	return nil
}
