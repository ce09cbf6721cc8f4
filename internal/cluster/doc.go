// Package cluster turns a set of independently addressable storage
// partitions into one replicated file store.
//
// # Overview
//
// A cluster Client exposes the same fs.Client surface as a single node. Each
// file name is ranked against the alive partitions by a Selector (rendezvous
// hashing by default) and the file is written to the top R partitions, R being
// the replication count. Reads walk the ranking until a partition has the
// file. Listing, metadata and delete queries fan out to every alive partition
// and are joined with an async.Collector, which merges outcomes in
// registration order.
//
//	           cluster.Client (R = 2)
//	                   |
//	      Selector: rank(name, alive ids)
//	                   |
//	   +---------------+---------------+
//	   |               |               |
//	partition-a     partition-b     partition-c
//	 (rank 1)        (rank 2)        (dead)
//
// # Partition liveness
//
// Partitions holds one alive flag per partition. An operation that fails with
// fs.ErrUnreachable marks the partition dead and moves on to the next
// candidate; raw connection errors never reach the caller. Dead partitions
// come back through CheckDeadPartitions, normally run periodically by the
// node's scheduler.
//
// # Consistency
//
// Replication is best effort. Batch copies and moves are atomic only in their
// existence check: a batch naming a missing source changes nothing, but
// replicas written before a later shortfall are not rolled back. Operations
// on the same name from one caller are not serialized.
package cluster
