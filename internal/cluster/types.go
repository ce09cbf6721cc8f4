package cluster

import "github.com/dreamware/torua/internal/fs"

// PartitionID identifies one storage partition. Ids are compared as plain
// strings when breaking ranking ties and when listing partitions.
type PartitionID string

// PartitionStatus is the externally visible state of one partition,
// served by the coordinator's /partitions endpoint.
type PartitionStatus struct {
	ID    PartitionID `json:"id"`
	Alive bool        `json:"alive"`
}

// Partition pairs a partition id with the single-node client used to reach it.
// The alive flag is owned by the Partitions table.
type Partition struct {
	ID     PartitionID
	Client fs.Client
	alive  bool
}
