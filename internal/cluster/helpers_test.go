package cluster

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/torua/internal/fs"
	"github.com/dreamware/torua/internal/storage"
)

// switchable is an in-memory partition whose connection can be cut.
type switchable struct {
	*storage.MemoryStore
	id   PartitionID
	down atomic.Bool
}

func (s *switchable) check() error {
	if s.down.Load() {
		return fmt.Errorf("dial %s: %w", s.id, fs.ErrUnreachable)
	}
	return nil
}

func (s *switchable) Upload(ctx context.Context, name string) (fs.Sink, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	sink, err := s.MemoryStore.Upload(ctx, name)
	if err != nil {
		return nil, err
	}
	return &switchableSink{Sink: sink, owner: s}, nil
}

func (s *switchable) Download(ctx context.Context, name string, offset, limit int64) (io.ReadCloser, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.MemoryStore.Download(ctx, name, offset, limit)
}

func (s *switchable) Copy(ctx context.Context, name, target string) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.MemoryStore.Copy(ctx, name, target)
}

func (s *switchable) CopyAll(ctx context.Context, sourceToTarget map[string]string) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.MemoryStore.CopyAll(ctx, sourceToTarget)
}

func (s *switchable) Move(ctx context.Context, name, target string) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.MemoryStore.Move(ctx, name, target)
}

func (s *switchable) MoveAll(ctx context.Context, sourceToTarget map[string]string) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.MemoryStore.MoveAll(ctx, sourceToTarget)
}

func (s *switchable) Delete(ctx context.Context, name string) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.MemoryStore.Delete(ctx, name)
}

func (s *switchable) DeleteAll(ctx context.Context, names []string) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.MemoryStore.DeleteAll(ctx, names)
}

func (s *switchable) List(ctx context.Context, glob string) ([]fs.FileMetadata, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.MemoryStore.List(ctx, glob)
}

func (s *switchable) Info(ctx context.Context, name string) (*fs.FileMetadata, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.MemoryStore.Info(ctx, name)
}

func (s *switchable) InfoAll(ctx context.Context, names []string) (map[string]*fs.FileMetadata, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.MemoryStore.InfoAll(ctx, names)
}

func (s *switchable) Ping(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.MemoryStore.Ping(ctx)
}

// switchableSink fails writes and commits once its partition goes down.
type switchableSink struct {
	fs.Sink
	owner *switchable
}

func (s *switchableSink) Write(p []byte) (int, error) {
	if err := s.owner.check(); err != nil {
		return 0, err
	}
	return s.Sink.Write(p)
}

func (s *switchableSink) Close() error {
	if err := s.owner.check(); err != nil {
		s.Sink.Abort(err)
		return err
	}
	return s.Sink.Close()
}

// testCluster builds a cluster client over live reachable partitions and
// unreachable ones that the table still believes alive.
func testCluster(t *testing.T, live, unreachable int) (*Client, map[PartitionID]*switchable) {
	t.Helper()
	stores := make(map[PartitionID]*switchable)
	clients := make(map[PartitionID]fs.Client)
	for i, id := range partitionIDs(live + unreachable) {
		s := &switchable{MemoryStore: storage.NewMemoryStore(), id: id}
		s.down.Store(i >= live)
		stores[id] = s
		clients[id] = s
	}
	return NewClient(NewPartitions(clients, nil), nil), stores
}

func put(t *testing.T, c fs.Client, name, content string) {
	t.Helper()
	sink, err := c.Upload(context.Background(), name)
	require.NoError(t, err)
	_, err = io.Copy(sink, strings.NewReader(content))
	require.NoError(t, err)
	require.NoError(t, sink.Close())
}

func get(t *testing.T, c fs.Client, name string, offset, limit int64) string {
	t.Helper()
	r, err := c.Download(context.Background(), name, offset, limit)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(data)
}

// holders returns the ids of partitions that store name, sorted.
func holders(stores map[PartitionID]*switchable, name string) []PartitionID {
	var ids []PartitionID
	for _, id := range partitionIDs(len(stores)) {
		if _, err := stores[id].Get(name); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
