// Package storage provides the single-node storage engines behind the fs.Client
// contract: a directory-backed LocalStore used by storage nodes and an
// in-memory MemoryStore used by tests and ephemeral nodes.
//
// # Overview
//
// The cluster layer never touches disk itself. Each partition is one engine,
// reached either in-process or over the HTTP transport in package remote:
//
//	┌─────────────────────────────────────┐
//	│      cluster.Client / remote        │
//	└─────────────────────────────────────┘
//	                 │ fs.Client
//	        ┌────────┴────────┐
//	        ▼                 ▼
//	┌──────────────┐  ┌──────────────┐
//	│  LocalStore  │  │ MemoryStore  │
//	│  (directory) │  │  (map+mutex) │
//	└──────────────┘  └──────────────┘
//
// # LocalStore
//
//   - Files live at <root>/<name>; names use `/` separators on every platform
//   - Uploads and copies go to <root>/.upload/<uuid> and are renamed into place
//   - Every blocking filesystem call runs through a bounded worker pool
//   - CopyAll/MoveAll check that every source exists before touching anything
//
// # MemoryStore
//
//   - Thread-safe map guarded by sync.RWMutex
//   - Put/Get/Names helpers let tests seed and inspect partitions directly
//   - Batch copy/move is fully atomic under the store lock
//
// # Name Rules
//
// Both engines reject empty names, absolute paths, empty segments and any ".."
// segment with fs.ErrIllegalName. LocalStore also reserves its upload directory.
//
// # Range Reads
//
// Download(name, offset, limit) returns exactly min(limit, size-offset) bytes.
// Offsets at or past the end produce an empty stream, never an error.
package storage
