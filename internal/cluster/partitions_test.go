package cluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/torua/internal/fs"
	"github.com/dreamware/torua/internal/storage"
)

func TestNewPartitionsStartAlive(t *testing.T) {
	c, _ := testCluster(t, 3, 0)
	p := c.Partitions()

	assert.Equal(t, 3, p.Len())
	assert.Equal(t, partitionIDs(3), p.IDs())
	assert.Equal(t, partitionIDs(3), p.AliveIDs())
	assert.Empty(t, p.DeadIDs())
	assert.True(t, p.IsAlive("partition-01"))
	assert.False(t, p.IsAlive("unknown"))

	client, ok := p.Client("partition-02")
	require.True(t, ok)
	assert.NotNil(t, client)
	assert.Len(t, p.Clients(), 3)
}

func TestMarkDeadIsIdempotent(t *testing.T) {
	c, _ := testCluster(t, 3, 0)
	p := c.Partitions()
	cause := errors.New("connection refused")

	assert.True(t, p.MarkDead("partition-01", cause))
	assert.False(t, p.MarkDead("partition-01", cause))
	assert.False(t, p.MarkDead("unknown", cause))

	assert.Equal(t, []PartitionID{"partition-00", "partition-02"}, p.AliveIDs())
	assert.Equal(t, []PartitionID{"partition-01"}, p.DeadIDs())
	assert.NotContains(t, p.Select("any"), PartitionID("partition-01"))
	assert.Equal(t, []PartitionStatus{
		{ID: "partition-00", Alive: true},
		{ID: "partition-01", Alive: false},
		{ID: "partition-02", Alive: true},
	}, p.Status())

	// Dead partitions still have a handle.
	_, ok := p.Client("partition-01")
	assert.True(t, ok)
}

func TestCheckDeadPartitions(t *testing.T) {
	c, stores := testCluster(t, 2, 2)
	p := c.Partitions()
	for _, id := range p.IDs() {
		p.MarkDead(id, errors.New("gone"))
	}

	p.CheckDeadPartitions(context.Background())
	assert.Equal(t, []PartitionID{"partition-00", "partition-01"}, p.AliveIDs())

	// A failed probe leaves the partition dead until it answers.
	stores["partition-03"].down.Store(false)
	p.CheckDeadPartitions(context.Background())
	assert.Equal(t, []PartitionID{"partition-00", "partition-01", "partition-03"}, p.AliveIDs())
}

func TestCheckAllPartitions(t *testing.T) {
	c, stores := testCluster(t, 3, 0)
	p := c.Partitions()
	stores["partition-00"].down.Store(true)

	require.NoError(t, c.CheckAllPartitions(context.Background()))
	assert.Equal(t, []PartitionID{"partition-00"}, p.DeadIDs())

	stores["partition-00"].down.Store(false)
	require.NoError(t, c.CheckDeadPartitions(context.Background()))
	assert.Empty(t, p.DeadIDs())
}

// hanging never answers a ping before its context ends.
type hanging struct {
	*storage.MemoryStore
}

func (hanging) Ping(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestProbeTimeout(t *testing.T) {
	p := NewPartitions(map[PartitionID]fs.Client{
		"slow": hanging{storage.NewMemoryStore()},
	}, nil)
	p.SetProbeTimeout(20 * time.Millisecond)
	p.MarkDead("slow", errors.New("gone"))

	start := time.Now()
	p.CheckDeadPartitions(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, p.IsAlive("slow"))
}

func TestSetSelector(t *testing.T) {
	c, _ := testCluster(t, 3, 0)
	p := c.Partitions()

	reversed := SelectorFunc(func(_ string, ids []PartitionID) []PartitionID {
		out := make([]PartitionID, len(ids))
		for i, id := range ids {
			out[len(ids)-1-i] = id
		}
		return out
	})
	p.SetSelector(reversed)
	assert.Equal(t, []PartitionID{"partition-02", "partition-01", "partition-00"}, p.Select("x"))

	p.SetSelector(nil)
	assert.Equal(t, RendezvousHash.Select("x", partitionIDs(3)), p.Select("x"))
}
