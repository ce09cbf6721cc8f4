package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dreamware/torua/internal/cluster"
	"github.com/dreamware/torua/internal/config"
	"github.com/dreamware/torua/internal/fs"
	"github.com/dreamware/torua/internal/remote"
	"github.com/dreamware/torua/internal/repartition"
	"github.com/dreamware/torua/internal/schedule"
	"github.com/dreamware/torua/internal/storage"
)

// Node is one storage partition plus the cluster view it uses to keep its
// files replicated.
//
// Components:
//   - store:       local directory-backed engine, served on /fs
//   - cluster:     cluster client over every configured partition, served on /cluster/fs
//   - controller:  repartition controller for the local partition
//   - scheduler:   runs dead-partition probes and repartition passes
type Node struct {
	id         cluster.PartitionID
	store      *storage.LocalStore
	cluster    *cluster.Client
	controller *repartition.Controller // nil when repartitioning is disabled
	scheduler  *schedule.Scheduler
	logger     *zap.Logger
}

// NewNode wires a node from a validated configuration. Peers are reached
// through remote clients; the local partition uses the store directly.
func NewNode(cfg *config.Config, logger *zap.Logger) (*Node, error) {
	if err := cfg.ValidateNode(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	id := cluster.PartitionID(cfg.Node.ID)

	store, err := storage.NewLocalStore(cfg.Node.StorageDir, cfg.Node.Workers, logger)
	if err != nil {
		return nil, err
	}

	options := remote.DefaultOptions()
	options.Timeout = cfg.Cluster.RequestTimeout
	clients := make(map[cluster.PartitionID]fs.Client, len(cfg.Cluster.Partitions))
	for peer, addr := range cfg.Cluster.Partitions {
		if cluster.PartitionID(peer) == id {
			clients[id] = store
			continue
		}
		clients[cluster.PartitionID(peer)] = remote.NewClient(addr, options, logger)
	}

	client := cluster.NewClient(cluster.NewPartitions(clients, logger), logger)
	if err := client.SetReplicationCount(cfg.Cluster.ReplicationCount); err != nil {
		return nil, err
	}

	n := &Node{
		id:        id,
		store:     store,
		cluster:   client,
		scheduler: schedule.New(logger),
		logger:    logger,
	}

	if err := n.scheduler.Add(schedule.Task{
		Name:     "dead-partition-check",
		Interval: cfg.Cluster.DeadCheckInterval,
		Run:      client.CheckDeadPartitions,
	}); err != nil {
		return nil, err
	}

	if cfg.Repartition.Enabled {
		n.controller, err = repartition.New(id, client, repartition.Options{
			Glob:         cfg.Repartition.Glob,
			NegativeGlob: cfg.Repartition.NegativeGlob,
		}, logger)
		if err != nil {
			return nil, err
		}
		if err := n.scheduler.Add(n.controller.Task(cfg.Repartition.Interval)); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// Start launches the background tasks.
func (n *Node) Start() {
	n.scheduler.Start()
}

// Stop waits for the background tasks to finish.
func (n *Node) Stop() {
	n.scheduler.Stop()
}

// Routes returns the node's HTTP API.
//
//	/health       liveness
//	/info         node id, replication count, repartition totals
//	/partitions   partition table status
//	/repartition  POST: run one repartition pass now
//	/fs           local partition commands
//	/cluster/fs   cluster-wide commands
//	/metrics      Prometheus metrics
func (n *Node) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/info", n.handleInfo)
	mux.HandleFunc("/partitions", n.handlePartitions)
	mux.HandleFunc("/repartition", n.handleRepartition)
	mux.Handle("/fs", remote.NewHandler(n.store, n.logger))
	mux.Handle("/cluster/fs", remote.NewHandler(n.cluster, n.logger))
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// InfoResponse is served on /info.
type InfoResponse struct {
	ID               cluster.PartitionID `json:"id"`
	Root             string              `json:"root"`
	ReplicationCount int                 `json:"replication_count"`
	Partitions       int                 `json:"partitions"`
	AlivePartitions  int                 `json:"alive_partitions"`
	Repartition      *repartition.Stats  `json:"repartition,omitempty"`
}

func (n *Node) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	table := n.cluster.Partitions()
	info := InfoResponse{
		ID:               n.id,
		Root:             n.store.Root(),
		ReplicationCount: n.cluster.ReplicationCount(),
		Partitions:       table.Len(),
		AlivePartitions:  len(table.AliveIDs()),
	}
	if n.controller != nil {
		totals := n.controller.Totals()
		info.Repartition = &totals
	}
	writeJSON(w, http.StatusOK, info)
}

func (n *Node) handlePartitions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, n.cluster.Partitions().Status())
}

func (n *Node) handleRepartition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if n.controller == nil {
		http.Error(w, "repartitioning is disabled", http.StatusConflict)
		return
	}
	stats, err := n.controller.Pass(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"stats": stats,
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// checkPeers pings every partition once at startup so the table starts out
// accurate instead of discovering dead peers on first use.
func (n *Node) checkPeers(ctx context.Context) {
	if err := n.cluster.CheckAllPartitions(ctx); err != nil {
		n.logger.Warn("initial partition check failed", zap.Error(err))
		return
	}
	table := n.cluster.Partitions()
	n.logger.Info("partition table ready",
		zap.Int("alive", len(table.AliveIDs())),
		zap.Int("total", table.Len()),
		zap.Any("dead", table.DeadIDs()))
}
