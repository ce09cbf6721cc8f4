package cluster

import (
	"hash/fnv"
	"strings"

	"golang.org/x/exp/slices"
)

// Selector ranks partition ids for a file name. The returned slice is a
// permutation of ids, most preferred first, and must be deterministic for a
// fixed (name, ids) pair.
type Selector interface {
	Select(name string, ids []PartitionID) []PartitionID
}

// SelectorFunc adapts a plain function to the Selector interface.
type SelectorFunc func(name string, ids []PartitionID) []PartitionID

// Select calls f(name, ids).
func (f SelectorFunc) Select(name string, ids []PartitionID) []PartitionID {
	return f(name, ids)
}

// RendezvousHash is the default Selector. Each id is scored with
// hash(name, id) and ids are ordered by descending score, ties broken by id.
// Adding or removing one id only moves the keys that ranked it first,
// roughly 1/N of them.
var RendezvousHash Selector = SelectorFunc(rendezvous)

func rendezvous(name string, ids []PartitionID) []PartitionID {
	type scored struct {
		id    PartitionID
		score uint64
	}
	ranked := make([]scored, len(ids))
	for i, id := range ids {
		ranked[i] = scored{id: id, score: Score(name, id)}
	}
	slices.SortFunc(ranked, func(a, b scored) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		}
		return strings.Compare(string(a.id), string(b.id))
	})

	result := make([]PartitionID, len(ranked))
	for i, s := range ranked {
		result[i] = s.id
	}
	return result
}

// Score returns the rendezvous weight of id for name.
// FNV-1a alone mixes short suffixes poorly, so the sum goes through a
// 64-bit finalizer before use.
func Score(name string, id PartitionID) uint64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write([]byte(id))
	return mix64(h.Sum64())
}

func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}
