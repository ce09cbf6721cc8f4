// Package async implements the scatter/gather primitives every fan-out call in
// the cluster layer is built on.
//
// # Overview
//
// Two types live here:
//
// Future: a single-assignment result cell. It resolves exactly once, either
// with a value (Complete) or an error (Fail). Waiters use Result, Await(ctx)
// or the Done channel.
//
// Collector: joins N futures into one accumulated result with
// single-resolution semantics. It is an explicit state machine:
//
//	┌──────┐  Seal   ┌──────────────────┐  last merge  ┌──────────┐
//	│ Open │ ──────▶ │ Sealed(pending n)│ ───────────▶ │ Resolved │
//	└──┬───┘         └────────┬─────────┘              └──────────┘
//	   │     first failure    │                              ▲
//	   └──────────────────────┴──────────────────────────────┘
//
// # Ordering
//
// Merges are applied in registration order. A fast operation registered late
// waits in a buffer until every earlier operation has been merged, so the
// accumulator is built the same way regardless of network timing.
//
// # Failure Semantics
//
//   - The first failing operation or merge function resolves the collector.
//   - Sibling operations are not cancelled; their outcomes are dropped.
//   - Callers owning resources (open upload sinks) must release them
//     themselves once success is out of reach.
//
// # Usage Example
//
//	c := async.NewCollector(&count)
//	for _, p := range partitions {
//	    p := p
//	    async.Run(c, func() (bool, error) {
//	        return p.Ping(ctx) == nil, nil
//	    }, func(n *int, ok bool) error {
//	        if ok {
//	            *n++
//	        }
//	        return nil
//	    })
//	}
//	n, err := c.Seal().Await(ctx)
package async
