package cluster

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/torua/internal/fs"
)

const content = "test content of the file"

func TestSetReplicationCount(t *testing.T) {
	c, _ := testCluster(t, 3, 0)
	assert.Equal(t, 1, c.ReplicationCount())

	assert.Error(t, c.SetReplicationCount(0))
	assert.Error(t, c.SetReplicationCount(4))
	require.NoError(t, c.SetReplicationCount(3))
	assert.Equal(t, 3, c.ReplicationCount())
}

func TestUploadWritesTopRankedReplicas(t *testing.T) {
	c, stores := testCluster(t, 5, 0)
	require.NoError(t, c.SetReplicationCount(3))

	put(t, c, "the_file.txt", content)

	expected := c.Partitions().Select("the_file.txt")[:3]
	assert.ElementsMatch(t, expected, holders(stores, "the_file.txt"))
	for _, id := range expected {
		data, err := stores[id].Get("the_file.txt")
		require.NoError(t, err)
		assert.Equal(t, content, string(data))
	}
	assert.Equal(t, content, get(t, c, "the_file.txt", 0, fs.Unlimited))
}

// TestUploadSkipsUnreachablePartitions uses 13 partitions of which 3 refuse
// connections but are still believed alive.
func TestUploadSkipsUnreachablePartitions(t *testing.T) {
	c, stores := testCluster(t, 10, 3)
	require.NoError(t, c.SetReplicationCount(4))

	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("file-%d.txt", i)
		put(t, c, name, content)
		assert.Len(t, holders(stores, name), 4, name)
	}
	for _, id := range []PartitionID{"partition-10", "partition-11", "partition-12"} {
		assert.Empty(t, stores[id].Names())
	}
}

func TestUploadNotEnoughPartitions(t *testing.T) {
	c, stores := testCluster(t, 10, 3)
	require.NoError(t, c.SetReplicationCount(13))

	_, err := c.Upload(context.Background(), "the_file.txt")
	require.ErrorIs(t, err, fs.ErrNotEnoughPartitions)
	assert.Contains(t, err.Error(), "the_file.txt")
	assert.Contains(t, err.Error(), "need 13")
	assert.Empty(t, holders(stores, "the_file.txt"))
	assert.Len(t, c.Partitions().DeadIDs(), 3)
}

func TestUploadRejectsIllegalName(t *testing.T) {
	c, _ := testCluster(t, 3, 0)
	_, err := c.Upload(context.Background(), "../escape")
	assert.ErrorIs(t, err, fs.ErrIllegalName)
}

func TestUploadFailsWhenReplicasDropMidStream(t *testing.T) {
	c, stores := testCluster(t, 3, 0)
	require.NoError(t, c.SetReplicationCount(2))

	sink, err := c.Upload(context.Background(), "the_file.txt")
	require.NoError(t, err)
	_, err = sink.Write([]byte("first chunk"))
	require.NoError(t, err)

	victim := c.Partitions().Select("the_file.txt")[0]
	stores[victim].down.Store(true)

	_, err = sink.Write([]byte("second chunk"))
	require.ErrorIs(t, err, fs.ErrNotEnoughPartitions)
	assert.False(t, c.Partitions().IsAlive(victim))
	assert.Error(t, sink.Close())
	assert.Empty(t, holders(stores, "the_file.txt"))
}

func TestUploadAbort(t *testing.T) {
	c, stores := testCluster(t, 3, 0)
	require.NoError(t, c.SetReplicationCount(3))

	sink, err := c.Upload(context.Background(), "the_file.txt")
	require.NoError(t, err)
	_, err = sink.Write([]byte(content))
	require.NoError(t, err)
	sink.Abort(fmt.Errorf("caller gave up"))

	assert.Empty(t, holders(stores, "the_file.txt"))
	_, err = sink.Write([]byte("more"))
	assert.Error(t, err)
}

func TestDownloadFallsBackToLowerRanks(t *testing.T) {
	c, stores := testCluster(t, 4, 0)
	require.NoError(t, c.SetReplicationCount(2))
	put(t, c, "the_file.txt", content)

	ranked := c.Partitions().Select("the_file.txt")
	stores[ranked[0]].down.Store(true)

	assert.Equal(t, content, get(t, c, "the_file.txt", 0, fs.Unlimited))
	assert.False(t, c.Partitions().IsAlive(ranked[0]))

	stores[ranked[1]].down.Store(true)
	_, err := c.Download(context.Background(), "the_file.txt", 0, fs.Unlimited)
	require.ErrorIs(t, err, fs.ErrFileNotFound)
	assert.Contains(t, err.Error(), "the_file.txt")
}

func TestPartialDownloads(t *testing.T) {
	c, _ := testCluster(t, 3, 0)
	require.NoError(t, c.SetReplicationCount(2))
	put(t, c, "the_file.txt", content)

	tests := []struct {
		offset, limit int64
		want          string
	}{
		{0, 12, "test content"},
		{13, fs.Unlimited, "of the file"},
		{5, 10, "content of"},
		{13, 123, "of the file"},
		{123, 123, ""},
		{int64(len(content)), 1, ""},
		{0, 0, ""},
	}
	for _, tt := range tests {
		got := get(t, c, "the_file.txt", tt.offset, tt.limit)
		assert.Equal(t, tt.want, got, "offset=%d limit=%d", tt.offset, tt.limit)
	}

	_, err := c.Download(context.Background(), "the_file.txt", 0, -1)
	assert.ErrorIs(t, err, fs.ErrBadRange)
}

func TestCopy(t *testing.T) {
	ctx := context.Background()
	c, stores := testCluster(t, 5, 0)
	require.NoError(t, c.SetReplicationCount(2))
	put(t, c, "the_file.txt", content)

	require.NoError(t, c.Copy(ctx, "the_file.txt", "the_copy.txt"))
	assert.Len(t, holders(stores, "the_copy.txt"), 2)
	assert.Len(t, holders(stores, "the_file.txt"), 2)
	assert.Equal(t, content, get(t, c, "the_copy.txt", 0, fs.Unlimited))

	err := c.Copy(ctx, "missing.txt", "x.txt")
	require.ErrorIs(t, err, fs.ErrFileNotFound)
	assert.Contains(t, err.Error(), "missing.txt")

	err = c.Copy(ctx, "the_file.txt", "/absolute")
	assert.ErrorIs(t, err, fs.ErrIllegalName)
}

func TestCopyBelowReplicationCount(t *testing.T) {
	c, _ := testCluster(t, 5, 0)
	require.NoError(t, c.SetReplicationCount(2))
	put(t, c, "the_file.txt", content)
	require.NoError(t, c.SetReplicationCount(3))

	err := c.Copy(context.Background(), "the_file.txt", "the_copy.txt")
	require.ErrorIs(t, err, fs.ErrNotEnoughPartitions)
	assert.Equal(t, "could not copy files {the_file.txt} on enough partitions (got 2, need 3)", err.Error())
}

func TestMoveDeletesSourceAfterConfirmation(t *testing.T) {
	ctx := context.Background()
	c, stores := testCluster(t, 5, 0)
	require.NoError(t, c.SetReplicationCount(2))
	put(t, c, "a.txt", "A")

	require.NoError(t, c.Move(ctx, "a.txt", "b.txt"))
	assert.Empty(t, holders(stores, "a.txt"))
	assert.Len(t, holders(stores, "b.txt"), 2)

	// A move that cannot reach R copies keeps the source.
	require.NoError(t, c.SetReplicationCount(3))
	err := c.Move(ctx, "b.txt", "c.txt")
	require.ErrorIs(t, err, fs.ErrNotEnoughPartitions)
	assert.Contains(t, err.Error(), "could not move files {b.txt}")
	assert.Len(t, holders(stores, "b.txt"), 2)
}

func TestBatchWithMissingSourceChangesNothing(t *testing.T) {
	ctx := context.Background()
	c, stores := testCluster(t, 10, 3)
	require.NoError(t, c.SetReplicationCount(4))
	put(t, c, "a.txt", "A")
	put(t, c, "b.txt", "B")

	batch := map[string]string{"a.txt": "a2.txt", "b.txt": "b2.txt", "nonexistent": "n2.txt"}
	for name, op := range map[string]func(context.Context, map[string]string) error{
		"copy": c.CopyAll,
		"move": c.MoveAll,
	} {
		err := op(ctx, batch)
		require.ErrorIs(t, err, fs.ErrFilesNotFound, name)
		assert.Contains(t, err.Error(), "nonexistent")

		assert.Len(t, holders(stores, "a.txt"), 4)
		assert.Len(t, holders(stores, "b.txt"), 4)
		assert.Empty(t, holders(stores, "a2.txt"))
		assert.Empty(t, holders(stores, "b2.txt"))
	}
}

func TestCopyAllAndMoveAll(t *testing.T) {
	ctx := context.Background()
	c, stores := testCluster(t, 10, 3)
	require.NoError(t, c.SetReplicationCount(4))
	put(t, c, "a.txt", "A")
	put(t, c, "b.txt", "B")

	require.NoError(t, c.CopyAll(ctx, map[string]string{"a.txt": "a2.txt", "b.txt": "b2.txt"}))
	for _, name := range []string{"a.txt", "b.txt", "a2.txt", "b2.txt"} {
		assert.Len(t, holders(stores, name), 4, name)
	}

	require.NoError(t, c.MoveAll(ctx, map[string]string{"a2.txt": "a3.txt", "b2.txt": "b3.txt"}))
	assert.Empty(t, holders(stores, "a2.txt"))
	assert.Empty(t, holders(stores, "b2.txt"))
	assert.Len(t, holders(stores, "a3.txt"), 4)
	assert.Len(t, holders(stores, "b3.txt"), 4)
	assert.Equal(t, "B", get(t, c, "b3.txt", 0, fs.Unlimited))
}

func TestDeleteEverywhere(t *testing.T) {
	ctx := context.Background()
	c, stores := testCluster(t, 5, 0)
	require.NoError(t, c.SetReplicationCount(3))
	put(t, c, "a.txt", "A")
	require.NoError(t, stores["partition-00"].Put("a.txt", []byte("stray")))

	require.NoError(t, c.Delete(ctx, "a.txt"))
	assert.Empty(t, holders(stores, "a.txt"))
	require.NoError(t, c.DeleteAll(ctx, []string{"a.txt", "never.txt"}))

	for _, s := range stores {
		s.down.Store(true)
	}
	err := c.Delete(ctx, "a.txt")
	assert.ErrorIs(t, err, fs.ErrNotEnoughPartitions)
}

func TestListMergesByName(t *testing.T) {
	ctx := context.Background()
	c, stores := testCluster(t, 10, 3)
	require.NoError(t, c.SetReplicationCount(4))
	for _, name := range []string{"b.txt", "a.txt", "dir/c.txt", "d.bin"} {
		put(t, c, name, name)
	}

	files, err := c.List(ctx, "**")
	require.NoError(t, err)
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Name
	}
	assert.Equal(t, []string{"a.txt", "b.txt", "d.bin", "dir/c.txt"}, names)
	assert.Equal(t, int64(len("dir/c.txt")), files[3].Size)

	files, err = c.List(ctx, "*.txt")
	require.NoError(t, err)
	assert.Len(t, files, 2)

	// Unreachable partitions are skipped and marked dead.
	assert.Len(t, c.Partitions().DeadIDs(), 3)
	assert.Empty(t, stores["partition-12"].Names())
}

func TestListMalformedGlobIdentity(t *testing.T) {
	ctx := context.Background()
	for _, n := range []int{1, 10} {
		c, _ := testCluster(t, n, 0)
		_, err := c.List(ctx, "[")
		assert.Same(t, fs.ErrMalformedGlob, err, "%d partitions", n)
	}
}

func TestInfoAll(t *testing.T) {
	ctx := context.Background()
	c, _ := testCluster(t, 10, 3)
	require.NoError(t, c.SetReplicationCount(4))

	var names []string
	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("file-%d.txt", i)
		names = append(names, name)
		if i%2 == 0 {
			put(t, c, name, strings.Repeat("x", i))
		}
	}

	infos, err := c.InfoAll(ctx, names)
	require.NoError(t, err)
	assert.Len(t, infos, len(names))
	for i, name := range names {
		if i%2 == 0 {
			require.NotNil(t, infos[name], name)
			assert.Equal(t, name, infos[name].Name)
			assert.Equal(t, int64(i), infos[name].Size)
		} else {
			assert.Nil(t, infos[name], name)
		}
	}

	meta, err := c.Info(ctx, "file-2.txt")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "file-2.txt", meta.Name)

	meta, err = c.Info(ctx, "file-1.txt")
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestPing(t *testing.T) {
	c, stores := testCluster(t, 2, 1)
	require.NoError(t, c.Ping(context.Background()))

	for _, s := range stores {
		s.down.Store(true)
	}
	assert.ErrorIs(t, c.Ping(context.Background()), fs.ErrNotEnoughPartitions)
}
