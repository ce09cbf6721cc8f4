package integration

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/torua/internal/cluster"
	"github.com/dreamware/torua/internal/fs"
	"github.com/dreamware/torua/internal/remote"
	"github.com/dreamware/torua/internal/repartition"
	"github.com/dreamware/torua/internal/storage"
)

// TestSystem is a cluster of disk-backed nodes served over HTTP, plus
// addresses nobody listens on, driven through a gateway.
type TestSystem struct {
	t       *testing.T
	stores  map[cluster.PartitionID]*storage.LocalStore
	cluster *cluster.Client
	gateway *httptest.Server
}

// NewTestSystem starts live nodes and reserves dead addresses.
func NewTestSystem(t *testing.T, live, dead, replication int) *TestSystem {
	t.Helper()
	logger := zap.NewNop()
	ts := &TestSystem{t: t, stores: make(map[cluster.PartitionID]*storage.LocalStore)}

	clients := make(map[cluster.PartitionID]fs.Client)
	for i := 0; i < live; i++ {
		id := cluster.PartitionID(fmt.Sprintf("n%02d", i))
		store, err := storage.NewLocalStore(t.TempDir(), 4, logger)
		require.NoError(t, err)
		ts.stores[id] = store

		mux := http.NewServeMux()
		mux.Handle("/fs", remote.NewHandler(store, logger))
		srv := httptest.NewServer(mux)
		t.Cleanup(srv.Close)
		clients[id] = remote.NewClient(srv.URL, remote.DefaultOptions(), logger)
	}
	for i := 0; i < dead; i++ {
		id := cluster.PartitionID(fmt.Sprintf("d%02d", i))
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		clients[id] = remote.NewClient(srv.URL, remote.Options{Timeout: time.Second}, logger)
	}

	ts.cluster = cluster.NewClient(cluster.NewPartitions(clients, logger), logger)
	require.NoError(t, ts.cluster.SetReplicationCount(replication))

	mux := http.NewServeMux()
	mux.Handle("/fs", remote.NewHandler(ts.cluster, logger))
	ts.gateway = httptest.NewServer(mux)
	t.Cleanup(ts.gateway.Close)
	return ts
}

// Gateway returns a client speaking to the cluster over the wire.
func (ts *TestSystem) Gateway() fs.Client {
	return remote.NewClient(ts.gateway.URL, remote.Options{}, nil)
}

// Put uploads content through c.
func (ts *TestSystem) Put(c fs.Client, name, content string) error {
	sink, err := c.Upload(context.Background(), name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(sink, strings.NewReader(content)); err != nil {
		sink.Abort(err)
		return err
	}
	return sink.Close()
}

// Get downloads a range of name through c.
func (ts *TestSystem) Get(c fs.Client, name string, offset, limit int64) (string, error) {
	r, err := c.Download(context.Background(), name, offset, limit)
	if err != nil {
		return "", err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	return string(data), err
}

// Holders returns the ids of the nodes storing name.
func (ts *TestSystem) Holders(name string) []cluster.PartitionID {
	var ids []cluster.PartitionID
	for id, store := range ts.stores {
		meta, err := store.Info(context.Background(), name)
		require.NoError(ts.t, err)
		if meta != nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func TestDistributedStorage(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ts := NewTestSystem(t, 10, 3, 4)

	t.Run("UploadReachesReplicationCount", func(t *testing.T) {
		testUploadReplicas(t, ts)
	})
	t.Run("PartialDownloads", func(t *testing.T) {
		testPartialDownloads(t, ts)
	})
	t.Run("CopyAndMove", func(t *testing.T) {
		testCopyAndMove(t, ts)
	})
	t.Run("BatchTransfers", func(t *testing.T) {
		testBatchTransfers(t, ts)
	})
	t.Run("ListAndInfo", func(t *testing.T) {
		testListAndInfo(t, ts)
	})
	t.Run("Delete", func(t *testing.T) {
		testDelete(t, ts)
	})
	t.Run("ConcurrentUploads", func(t *testing.T) {
		testConcurrentUploads(t, ts)
	})
	t.Run("DeadPartitionsDetected", func(t *testing.T) {
		status := ts.cluster.Partitions().Status()
		require.Len(t, status, 13)
		for _, s := range status {
			assert.Equal(t, strings.HasPrefix(string(s.ID), "n"), s.Alive, "partition %s", s.ID)
		}
	})
}

func testUploadReplicas(t *testing.T, ts *TestSystem) {
	gateway := ts.Gateway()
	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("replicas/file-%d.txt", i)
		require.NoError(t, ts.Put(gateway, name, name))
		assert.Len(t, ts.Holders(name), 4, name)
	}
}

func testPartialDownloads(t *testing.T, ts *TestSystem) {
	gateway := ts.Gateway()
	const content = "test content of the file"
	require.NoError(t, ts.Put(gateway, "ranges.txt", content))

	tests := []struct {
		offset, limit int64
		want          string
	}{
		{0, fs.Unlimited, content},
		{0, 12, "test content"},
		{13, fs.Unlimited, "of the file"},
		{5, 10, "content of"},
		{13, 123, content[13:]},
		{123, 123, ""},
	}
	for _, tt := range tests {
		got, err := ts.Get(gateway, "ranges.txt", tt.offset, tt.limit)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "offset %d limit %d", tt.offset, tt.limit)
	}

	_, err := ts.Get(gateway, "ranges.txt", -1, 5)
	assert.ErrorIs(t, err, fs.ErrBadRange)

	_, err = ts.Get(gateway, "absent.txt", 0, fs.Unlimited)
	assert.ErrorIs(t, err, fs.ErrFileNotFound)
}

func testCopyAndMove(t *testing.T, ts *TestSystem) {
	ctx := context.Background()
	gateway := ts.Gateway()
	require.NoError(t, ts.Put(gateway, "orig.txt", "original"))

	require.NoError(t, gateway.Copy(ctx, "orig.txt", "copied.txt"))
	assert.Len(t, ts.Holders("orig.txt"), 4)
	assert.Len(t, ts.Holders("copied.txt"), 4)

	require.NoError(t, gateway.Move(ctx, "copied.txt", "moved.txt"))
	assert.Empty(t, ts.Holders("copied.txt"))
	assert.Len(t, ts.Holders("moved.txt"), 4)

	got, err := ts.Get(gateway, "moved.txt", 0, fs.Unlimited)
	require.NoError(t, err)
	assert.Equal(t, "original", got)

	err = gateway.Copy(ctx, "never.txt", "x.txt")
	assert.ErrorIs(t, err, fs.ErrFileNotFound)
	assert.Contains(t, err.Error(), "never.txt")
}

func testBatchTransfers(t *testing.T, ts *TestSystem) {
	ctx := context.Background()
	gateway := ts.Gateway()
	require.NoError(t, ts.Put(gateway, "batch/a.txt", "A"))
	require.NoError(t, ts.Put(gateway, "batch/b.txt", "B"))

	require.NoError(t, gateway.CopyAll(ctx, map[string]string{
		"batch/a.txt": "batch/a2.txt",
		"batch/b.txt": "batch/b2.txt",
	}))
	require.NoError(t, gateway.MoveAll(ctx, map[string]string{
		"batch/a2.txt": "batch/a3.txt",
		"batch/b2.txt": "batch/b3.txt",
	}))

	infos, err := gateway.InfoAll(ctx, []string{"batch/a.txt", "batch/a2.txt", "batch/a3.txt", "batch/b3.txt"})
	require.NoError(t, err)
	assert.Len(t, infos, 4)
	assert.NotNil(t, infos["batch/a.txt"])
	assert.Nil(t, infos["batch/a2.txt"])
	assert.NotNil(t, infos["batch/a3.txt"])
	assert.Equal(t, int64(1), infos["batch/b3.txt"].Size)

	err = gateway.MoveAll(ctx, map[string]string{
		"batch/a.txt": "batch/a4.txt",
		"batch/gone":  "batch/g4.txt",
	})
	require.ErrorIs(t, err, fs.ErrFilesNotFound)
	assert.Contains(t, err.Error(), "batch/gone")
	assert.Len(t, ts.Holders("batch/a.txt"), 4)
	assert.Empty(t, ts.Holders("batch/a4.txt"))
}

func testListAndInfo(t *testing.T, ts *TestSystem) {
	ctx := context.Background()
	gateway := ts.Gateway()
	for _, name := range []string{"list/x.log", "list/y.log", "list/deep/z.log", "list/skip.bin"} {
		require.NoError(t, ts.Put(gateway, name, name))
	}

	files, err := gateway.List(ctx, "list/**/*.log")
	require.NoError(t, err)
	var names []string
	for _, f := range files {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"list/deep/z.log", "list/x.log", "list/y.log"}, names)

	_, err = gateway.List(ctx, "list/[")
	assert.Same(t, fs.ErrMalformedGlob, err)

	meta, err := gateway.Info(ctx, "list/x.log")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, int64(len("list/x.log")), meta.Size)

	meta, err = gateway.Info(ctx, "list/none.log")
	require.NoError(t, err)
	assert.Nil(t, meta)

	assert.NoError(t, gateway.Ping(ctx))
}

func testDelete(t *testing.T, ts *TestSystem) {
	ctx := context.Background()
	gateway := ts.Gateway()
	require.NoError(t, ts.Put(gateway, "del/a.txt", "A"))
	require.NoError(t, ts.Put(gateway, "del/b.txt", "B"))

	require.NoError(t, gateway.Delete(ctx, "del/a.txt"))
	require.NoError(t, gateway.DeleteAll(ctx, []string{"del/b.txt", "del/never.txt"}))
	assert.Empty(t, ts.Holders("del/a.txt"))
	assert.Empty(t, ts.Holders("del/b.txt"))

	_, err := gateway.Upload(ctx, "../escape")
	assert.ErrorIs(t, err, fs.ErrIllegalName)
}

func testConcurrentUploads(t *testing.T, ts *TestSystem) {
	gateway := ts.Gateway()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("concurrent/%d.txt", i)
			if err := ts.Put(gateway, name, name); err != nil {
				t.Errorf("upload %s: %v", name, err)
			}
		}(i)
	}
	wg.Wait()

	files, err := gateway.List(context.Background(), "concurrent/*")
	require.NoError(t, err)
	assert.Len(t, files, 10)
	for _, f := range files {
		assert.Len(t, ts.Holders(f.Name), 4, f.Name)
	}
}

// TestReplicationAboveClusterSize verifies an upload needing more replicas
// than there are live nodes fails and leaves nothing behind.
func TestReplicationAboveClusterSize(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ts := NewTestSystem(t, 10, 3, 13)

	_, err := ts.cluster.Upload(context.Background(), "too-many.txt")
	require.ErrorIs(t, err, fs.ErrNotEnoughPartitions)

	err = ts.Put(ts.Gateway(), "too-many.txt", "content")
	require.ErrorIs(t, err, fs.ErrNotEnoughPartitions)
	assert.Empty(t, ts.Holders("too-many.txt"))
}

// TestRepartitionAfterGrowth moves replicas onto the nodes that rank
// highest once a node holding a file is no longer among them.
func TestRepartitionAfterGrowth(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	ts := NewTestSystem(t, 5, 0, 2)

	// Place a copy on every node so that each one has something to shed.
	for _, store := range ts.stores {
		require.NoError(t, ts.Put(store, "spread.txt", "spread"))
	}

	for id := range ts.stores {
		controller, err := repartition.New(id, ts.cluster, repartition.Options{}, zap.NewNop())
		require.NoError(t, err)
		_, err = controller.Pass(ctx)
		require.NoError(t, err, "pass on %s", id)
	}

	want := ts.cluster.Partitions().Select("spread.txt")[:2]
	assert.ElementsMatch(t, want, ts.Holders("spread.txt"))
}
