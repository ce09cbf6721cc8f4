// Package fs defines the single-node file storage contract shared by the local
// storage engines, the HTTP transport and the cluster client, together with the
// error taxonomy and byte-range rules every implementation follows.
package fs

import (
	"context"
	"io"
	"time"
)

// FileMetadata describes one stored file. It is computed on demand and never
// cached by the cluster layer.
type FileMetadata struct {
	Name    string    `json:"name"`     // `/`-delimited relative path, unique key
	Size    int64     `json:"size"`     // Size in bytes (>= 0)
	ModTime time.Time `json:"mod_time"` // Last modification time
}

// Sink receives the bytes of one upload.
//
// Close commits the upload and returns once the receiving side acknowledged
// it. Abort discards everything written so far; it is safe to call after a
// failed Write and is a no-op after Close.
type Sink interface {
	io.WriteCloser
	Abort(err error)
}

// Client is the operation surface of one storage node. The cluster client
// presents the same surface fanned out over many nodes.
//
// Implementations must be safe for concurrent use.
type Client interface {
	// Upload opens a sink for name. The file becomes visible on Close.
	Upload(ctx context.Context, name string) (Sink, error)

	// Download streams min(limit, size-offset) bytes of name starting at
	// offset. An offset at or past the end yields an empty stream.
	// Returns a FileNotFoundError if name does not exist.
	Download(ctx context.Context, name string, offset, limit int64) (io.ReadCloser, error)

	// Copy duplicates name to target.
	Copy(ctx context.Context, name, target string) error

	// CopyAll copies every source to its mapped target. If any source is
	// missing nothing is copied and a FilesNotFoundError is returned.
	CopyAll(ctx context.Context, sourceToTarget map[string]string) error

	// Move renames name to target.
	Move(ctx context.Context, name, target string) error

	// MoveAll moves every source to its mapped target, with the same
	// existence pre-check as CopyAll.
	MoveAll(ctx context.Context, sourceToTarget map[string]string) error

	// Delete removes name. Deleting a missing file is not an error.
	Delete(ctx context.Context, name string) error

	// DeleteAll removes every listed name.
	DeleteAll(ctx context.Context, names []string) error

	// List returns metadata of every file matching glob.
	// A malformed glob fails with ErrMalformedGlob.
	List(ctx context.Context, glob string) ([]FileMetadata, error)

	// Info returns the metadata of name, or nil if it does not exist.
	Info(ctx context.Context, name string) (*FileMetadata, error)

	// InfoAll returns one entry per requested name; absent files map to nil.
	InfoAll(ctx context.Context, names []string) (map[string]*FileMetadata, error)

	// Ping is a lightweight liveness call.
	Ping(ctx context.Context) error
}

// Unlimited is the limit value meaning "to the end of the file".
const Unlimited int64 = 1<<63 - 1
