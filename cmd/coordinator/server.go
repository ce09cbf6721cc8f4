package main

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dreamware/torua/internal/cluster"
	"github.com/dreamware/torua/internal/config"
	"github.com/dreamware/torua/internal/fs"
	"github.com/dreamware/torua/internal/remote"
	"github.com/dreamware/torua/internal/schedule"
)

type server struct {
	cluster   *cluster.Client
	scheduler *schedule.Scheduler
	logger    *zap.Logger
}

func newServer(cfg *config.Config, logger *zap.Logger) (*server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	options := remote.DefaultOptions()
	options.Timeout = cfg.Cluster.RequestTimeout

	clients := make(map[cluster.PartitionID]fs.Client, len(cfg.Cluster.Partitions))
	for id, addr := range cfg.Cluster.Partitions {
		clients[cluster.PartitionID(id)] = remote.NewClient(addr, options, logger)
	}
	client := cluster.NewClient(cluster.NewPartitions(clients, logger), logger)
	if err := client.SetReplicationCount(cfg.Cluster.ReplicationCount); err != nil {
		return nil, err
	}

	scheduler := schedule.New(logger)
	if err := scheduler.Add(schedule.Task{
		Name:     "dead-partition-check",
		Interval: cfg.Cluster.DeadCheckInterval,
		Run:      client.CheckDeadPartitions,
	}); err != nil {
		return nil, err
	}
	return &server{cluster: client, scheduler: scheduler, logger: logger}, nil
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/partitions", s.handlePartitions)
	mux.HandleFunc("/partitions/check", s.handleCheck)
	mux.Handle("/fs", remote.NewHandler(s.cluster, s.logger))
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// handlePartitions lists every partition with its alive flag.
func (s *server) handlePartitions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.cluster.Partitions().Status())
}

// handleCheck re-probes every partition and returns the resulting table.
func (s *server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	_ = s.cluster.CheckAllPartitions(r.Context())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.cluster.Partitions().Status())
}
