package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/torua/internal/async"
	"github.com/dreamware/torua/internal/fs"
	"github.com/dreamware/torua/internal/metrics"
)

// defaultProbeTimeout bounds a single liveness probe.
const defaultProbeTimeout = 2 * time.Second

// Partitions is the partition table of one cluster client: a fixed set of
// partitions with an alive flag each, plus the Selector used to rank them.
//
// Every partition starts alive. A partition is marked dead when an operation
// against it fails with fs.ErrUnreachable and comes back only through a
// successful probe (CheckDeadPartitions or CheckAllPartitions). Partitions
// are never added or removed after construction.
//
// Thread Safety:
// All methods are safe for concurrent use. Flag mutations are serialized by
// the table's mutex; readers receive snapshots.
type Partitions struct {
	partitions   map[PartitionID]*Partition // Partition by id
	ids          []PartitionID              // Every id, sorted
	selector     Selector                   // Ranking strategy
	logger       *zap.Logger                // Logs state transitions
	probeTimeout time.Duration              // Per-probe deadline
	mu           sync.RWMutex               // Protects alive flags and selector
}

// NewPartitions creates a table over clients with every partition alive and
// RendezvousHash as the selector. A nil logger disables logging.
//
// Example:
//
//	table := NewPartitions(map[PartitionID]fs.Client{
//		"node-1": storage.NewMemoryStore(),
//		"node-2": remote.NewClient("http://node-2:8081", remote.DefaultOptions(), logger),
//	}, logger)
func NewPartitions(clients map[PartitionID]fs.Client, logger *zap.Logger) *Partitions {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Partitions{
		partitions:   make(map[PartitionID]*Partition, len(clients)),
		ids:          make([]PartitionID, 0, len(clients)),
		selector:     RendezvousHash,
		logger:       logger,
		probeTimeout: defaultProbeTimeout,
	}
	for id, client := range clients {
		p.partitions[id] = &Partition{ID: id, Client: client, alive: true}
		p.ids = append(p.ids, id)
		metrics.PartitionAlive.WithLabelValues(string(id)).Set(1)
	}
	slices.Sort(p.ids)
	return p
}

// SetSelector replaces the ranking strategy. A nil selector restores RendezvousHash.
func (p *Partitions) SetSelector(selector Selector) {
	if selector == nil {
		selector = RendezvousHash
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.selector = selector
}

// SetProbeTimeout changes the deadline applied to each liveness probe.
func (p *Partitions) SetProbeTimeout(timeout time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probeTimeout = timeout
}

// Len returns the number of partitions, alive or not.
func (p *Partitions) Len() int {
	return len(p.ids)
}

// IDs returns every partition id in sorted order.
func (p *Partitions) IDs() []PartitionID {
	return slices.Clone(p.ids)
}

// AliveIDs returns the ids of alive partitions in sorted order.
func (p *Partitions) AliveIDs() []PartitionID {
	return p.filter(true)
}

// DeadIDs returns the ids of dead partitions in sorted order.
func (p *Partitions) DeadIDs() []PartitionID {
	return p.filter(false)
}

func (p *Partitions) filter(alive bool) []PartitionID {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]PartitionID, 0, len(p.ids))
	for _, id := range p.ids {
		if p.partitions[id].alive == alive {
			result = append(result, id)
		}
	}
	return result
}

// IsAlive reports whether id is known and alive.
func (p *Partitions) IsAlive(id PartitionID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	part, ok := p.partitions[id]
	return ok && part.alive
}

// Client returns the single-node client for id.
func (p *Partitions) Client(id PartitionID) (fs.Client, bool) {
	part, ok := p.partitions[id]
	if !ok {
		return nil, false
	}
	return part.Client, true
}

// Clients returns every partition's client keyed by id, dead ones included.
func (p *Partitions) Clients() map[PartitionID]fs.Client {
	result := make(map[PartitionID]fs.Client, len(p.partitions))
	for id, part := range p.partitions {
		result[id] = part.Client
	}
	return result
}

// Select ranks the alive partitions for name, most preferred first.
func (p *Partitions) Select(name string) []PartitionID {
	alive := p.AliveIDs()
	p.mu.RLock()
	selector := p.selector
	p.mu.RUnlock()
	return selector.Select(name, alive)
}

// Status returns a snapshot of every partition's state sorted by id.
func (p *Partitions) Status() []PartitionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]PartitionStatus, len(p.ids))
	for i, id := range p.ids {
		result[i] = PartitionStatus{ID: id, Alive: p.partitions[id].alive}
	}
	return result
}

// MarkDead flips id to dead. It is idempotent and reports whether the flag
// actually changed.
func (p *Partitions) MarkDead(id PartitionID, cause error) bool {
	if !p.set(id, false) {
		return false
	}
	p.logger.Warn("partition marked dead",
		zap.String("partition", string(id)),
		zap.Error(cause))
	return true
}

// MarkAlive flips id back to alive and reports whether the flag changed.
func (p *Partitions) MarkAlive(id PartitionID) bool {
	if !p.set(id, true) {
		return false
	}
	p.logger.Info("partition recovered", zap.String("partition", string(id)))
	return true
}

func (p *Partitions) set(id PartitionID, alive bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	part, ok := p.partitions[id]
	if !ok || part.alive == alive {
		return false
	}
	part.alive = alive

	value, to := 0.0, "dead"
	if alive {
		value, to = 1, "alive"
	}
	metrics.PartitionAlive.WithLabelValues(string(id)).Set(value)
	metrics.PartitionTransitions.WithLabelValues(string(id), to).Inc()
	return true
}

// CheckDeadPartitions pings every dead partition concurrently and marks the
// ones that answer as alive. Probe failures leave the partition dead and are
// never returned. It waits for all probes, each bounded by the probe timeout.
func (p *Partitions) CheckDeadPartitions(ctx context.Context) {
	for id, err := range p.probe(ctx, p.DeadIDs()) {
		if err == nil {
			p.MarkAlive(id)
		}
	}
}

// CheckAllPartitions pings every partition and sets each flag from the result.
func (p *Partitions) CheckAllPartitions(ctx context.Context) {
	for id, err := range p.probe(ctx, p.ids) {
		if err == nil {
			p.MarkAlive(id)
		} else {
			p.MarkDead(id, err)
		}
	}
}

// probe pings ids concurrently and returns each outcome.
func (p *Partitions) probe(ctx context.Context, ids []PartitionID) map[PartitionID]error {
	p.mu.RLock()
	timeout := p.probeTimeout
	p.mu.RUnlock()

	results := make(map[PartitionID]error, len(ids))
	probes := async.NewCollector(results)
	for _, id := range ids {
		id := id
		client := p.partitions[id].Client
		async.Run(probes, func() (error, error) {
			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := client.Ping(probeCtx); err != nil {
				return fmt.Errorf("probe %s: %w", id, err), nil
			}
			return nil, nil
		}, func(acc map[PartitionID]error, err error) error {
			acc[id] = err
			return nil
		})
	}
	outcome, _ := probes.Seal().Result()
	return outcome
}
