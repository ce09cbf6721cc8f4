package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/torua/internal/async"
	"github.com/dreamware/torua/internal/fs"
	"github.com/dreamware/torua/internal/metrics"
)

// errSinkClosed is returned by writes to a cluster sink after Close or Abort.
var errSinkClosed = errors.New("cluster upload sink closed")

// Client presents the single-node fs.Client surface over a whole partition
// table. Writes are replicated to the replication count R of top-ranked alive
// partitions; reads try ranked partitions in order; queries fan out to every
// alive partition and are joined with an async.Collector.
//
// Connection failures against a partition mark it dead in the table and are
// never returned directly: they surface as fs.ErrNotEnoughPartitions or
// fs.ErrFileNotFound once no candidate is left.
type Client struct {
	partitions       *Partitions
	replicationCount int
	logger           *zap.Logger
}

var _ fs.Client = (*Client)(nil)

// NewClient creates a cluster client over partitions with a replication count of 1.
func NewClient(partitions *Partitions, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		partitions:       partitions,
		replicationCount: 1,
		logger:           logger,
	}
}

// SetReplicationCount sets R. It must be between 1 and the number of partitions.
// Not safe to call while operations are in flight.
func (c *Client) SetReplicationCount(n int) error {
	if n < 1 || n > c.partitions.Len() {
		return fmt.Errorf("replication count %d out of range [1, %d]", n, c.partitions.Len())
	}
	c.replicationCount = n
	return nil
}

// ReplicationCount returns R.
func (c *Client) ReplicationCount() int {
	return c.replicationCount
}

// Partitions returns the partition table backing c.
func (c *Client) Partitions() *Partitions {
	return c.partitions
}

// CheckDeadPartitions probes dead partitions and revives the ones that answer.
// Probe failures are never returned; the error result only fits schedule.Task.
func (c *Client) CheckDeadPartitions(ctx context.Context) error {
	c.partitions.CheckDeadPartitions(ctx)
	return nil
}

// CheckAllPartitions re-probes every partition. Like CheckDeadPartitions it
// always returns nil.
func (c *Client) CheckAllPartitions(ctx context.Context) error {
	c.partitions.CheckAllPartitions(ctx)
	return nil
}

// absorb marks id dead when err is a connection-level failure and reports whether it was one.
func (c *Client) absorb(id PartitionID, err error) bool {
	if !fs.IsUnreachable(err) {
		return false
	}
	c.partitions.MarkDead(id, err)
	return true
}

// outcome is the result of one sub-operation against one partition.
type outcome[T any] struct {
	id    PartitionID
	value T
	err   error
}

// fanOut issues call against every id concurrently and returns the outcomes in
// the order of ids. Sub-operation errors are carried in the outcomes, with
// unreachable partitions already marked dead. It waits for every call, so
// resources returned by late calls are never lost.
func fanOut[T any](ctx context.Context, c *Client, ids []PartitionID,
	call func(ctx context.Context, id PartitionID, client fs.Client) (T, error)) []outcome[T] {

	results := make([]outcome[T], 0, len(ids))
	join := async.NewCollector(&results)
	for _, id := range ids {
		id := id
		client, ok := c.partitions.Client(id)
		if !ok {
			continue
		}
		async.Run(join, func() (outcome[T], error) {
			value, err := call(ctx, id, client)
			if err != nil {
				c.absorb(id, err)
			}
			return outcome[T]{id: id, value: value, err: err}, nil
		}, func(acc *[]outcome[T], o outcome[T]) error {
			*acc = append(*acc, o)
			return nil
		})
	}
	joined, _ := join.Seal().Result()
	return *joined
}

// Upload opens sinks on the top-ranked alive partitions for name until R are
// open, then tees every write to all of them. Opening fails with
// fs.ErrNotEnoughPartitions when fewer than R candidates accept the upload.
func (c *Client) Upload(ctx context.Context, name string) (sink fs.Sink, err error) {
	defer func() {
		if err != nil {
			metrics.Observe("upload", err)
		}
	}()

	need := c.replicationCount
	candidates := c.partitions.Select(name)
	replicas := make([]*replica, 0, need)
	var rejected error

	for len(replicas) < need && len(candidates) > 0 {
		batch := candidates[:min(need-len(replicas), len(candidates))]
		candidates = candidates[len(batch):]

		opened := fanOut(ctx, c, batch, func(ctx context.Context, _ PartitionID, client fs.Client) (fs.Sink, error) {
			return client.Upload(ctx, name)
		})
		for _, o := range opened {
			if o.err != nil {
				if !fs.IsUnreachable(o.err) {
					rejected = o.err
				}
				c.logger.Debug("upload candidate rejected",
					zap.String("file", name),
					zap.String("partition", string(o.id)),
					zap.Error(o.err))
				continue
			}
			replicas = append(replicas, &replica{id: o.id, sink: o.value})
		}
	}

	if len(replicas) < need {
		err := &fs.NotEnoughPartitionsError{Op: "upload", Names: []string{name}, Got: len(replicas), Need: need}
		for _, r := range replicas {
			r.sink.Abort(err)
		}
		if rejected != nil && errors.Is(rejected, fs.ErrIllegalName) {
			return nil, rejected
		}
		return nil, err
	}
	return &clusterSink{client: c, name: name, need: need, replicas: replicas}, nil
}

// replica is one open sink of a cluster upload.
type replica struct {
	id     PartitionID
	sink   fs.Sink
	failed bool
}

// clusterSink tees an upload to every replica sink. A replica whose write
// fails is aborted and dropped; the upload fails as soon as fewer than need
// replicas remain.
type clusterSink struct {
	client   *Client
	name     string
	need     int
	mu       sync.Mutex
	replicas []*replica
	done     bool
}

func (s *clusterSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return 0, errSinkClosed
	}

	live := 0
	for _, r := range s.replicas {
		if r.failed {
			continue
		}
		if _, err := r.sink.Write(p); err != nil {
			s.drop(r, err)
			continue
		}
		live++
	}
	if live < s.need {
		err := &fs.NotEnoughPartitionsError{Op: "upload", Names: []string{s.name}, Got: live, Need: s.need}
		s.abortLocked(err)
		metrics.Observe("upload", err)
		return 0, err
	}
	return len(p), nil
}

// Close commits every live replica concurrently and succeeds when at least
// need of them commit. Replicas that did commit stay in place either way.
func (s *clusterSink) Close() error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return errSinkClosed
	}
	s.done = true
	live := make([]*replica, 0, len(s.replicas))
	for _, r := range s.replicas {
		if !r.failed {
			live = append(live, r)
		}
	}
	s.mu.Unlock()

	committed := 0
	join := async.NewCollector(&committed)
	for _, r := range live {
		r := r
		async.Run(join, func() (error, error) {
			return r.sink.Close(), nil
		}, func(count *int, err error) error {
			if err != nil {
				s.client.absorb(r.id, err)
				s.client.logger.Warn("replica commit failed",
					zap.String("file", s.name),
					zap.String("partition", string(r.id)),
					zap.Error(err))
				return nil
			}
			*count++
			return nil
		})
	}
	join.Seal().Result()

	metrics.ReplicasWritten.Add(float64(committed))
	if committed < s.need {
		err := &fs.NotEnoughPartitionsError{Op: "upload", Names: []string{s.name}, Got: committed, Need: s.need}
		metrics.Observe("upload", err)
		return err
	}
	metrics.Observe("upload", nil)
	return nil
}

// Abort aborts every replica still open.
func (s *clusterSink) Abort(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.abortLocked(err)
}

func (s *clusterSink) abortLocked(err error) {
	s.done = true
	for _, r := range s.replicas {
		if !r.failed {
			r.failed = true
			r.sink.Abort(err)
		}
	}
}

func (s *clusterSink) drop(r *replica, err error) {
	r.failed = true
	r.sink.Abort(err)
	s.client.absorb(r.id, err)
	s.client.logger.Warn("replica write failed",
		zap.String("file", s.name),
		zap.String("partition", string(r.id)),
		zap.Error(err))
}

// Download streams the byte range from the first ranked partition that has name.
func (c *Client) Download(ctx context.Context, name string, offset, limit int64) (io.ReadCloser, error) {
	for _, id := range c.partitions.Select(name) {
		client, _ := c.partitions.Client(id)
		r, err := client.Download(ctx, name, offset, limit)
		if err == nil {
			metrics.Observe("download", nil)
			return r, nil
		}
		if errors.Is(err, fs.ErrBadRange) || errors.Is(err, fs.ErrIllegalName) {
			metrics.Observe("download", err)
			return nil, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.absorb(id, err)
		c.logger.Debug("download candidate failed",
			zap.String("file", name),
			zap.String("partition", string(id)),
			zap.Error(err))
	}
	err := &fs.FileNotFoundError{Name: name}
	metrics.Observe("download", err)
	return nil, err
}

func (c *Client) Copy(ctx context.Context, name, target string) error {
	return single(name, c.transfer(ctx, "copy", map[string]string{name: target}, false))
}

func (c *Client) CopyAll(ctx context.Context, sourceToTarget map[string]string) error {
	return c.transfer(ctx, "copy", sourceToTarget, false)
}

func (c *Client) Move(ctx context.Context, name, target string) error {
	return single(name, c.transfer(ctx, "move", map[string]string{name: target}, true))
}

func (c *Client) MoveAll(ctx context.Context, sourceToTarget map[string]string) error {
	return c.transfer(ctx, "move", sourceToTarget, true)
}

// single narrows a batch not-found error for a one-file operation.
func single(name string, err error) error {
	if errors.Is(err, fs.ErrFilesNotFound) {
		return &fs.FileNotFoundError{Name: name}
	}
	return err
}

// transfer copies (or moves) a batch on the partitions already holding each
// source.
//
// Sources missing from every alive partition reject the batch before anything
// is touched. Otherwise each holder copies its subset locally and a source
// succeeds once R holders confirmed its target. For a move, sources are
// deleted everywhere only after their target reached R copies; sources that
// fell short are kept and reported in a NotEnoughPartitionsError. Targets that
// did get written before such a failure are not rolled back.
func (c *Client) transfer(ctx context.Context, op string, sourceToTarget map[string]string, move bool) (err error) {
	defer func() { metrics.Observe(op, err) }()

	need := c.replicationCount
	sources := sortedKeys(sourceToTarget)
	holders := c.locate(ctx, sources)

	var missing []string
	for _, source := range sources {
		if len(holders[source]) == 0 {
			missing = append(missing, source)
		}
	}
	if len(missing) > 0 {
		return fs.NewFilesNotFoundError(missing)
	}

	batches := make(map[PartitionID]map[string]string)
	for _, source := range sources {
		for _, id := range holders[source] {
			if batches[id] == nil {
				batches[id] = make(map[string]string)
			}
			batches[id][source] = sourceToTarget[source]
		}
	}
	ids := make([]PartitionID, 0, len(batches))
	for id := range batches {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	results := fanOut(ctx, c, ids, func(ctx context.Context, id PartitionID, client fs.Client) (struct{}, error) {
		return struct{}{}, client.CopyAll(ctx, batches[id])
	})
	if err := firstRejection(results); err != nil {
		return err
	}

	copies := make(map[string]int, len(sources))
	for _, o := range results {
		if o.err != nil {
			c.logger.Warn("partition copy failed",
				zap.String("partition", string(o.id)),
				zap.String("op", op),
				zap.Error(o.err))
			continue
		}
		for source := range batches[o.id] {
			copies[source]++
		}
	}

	var short, confirmed []string
	got := need
	for _, source := range sources {
		if copies[source] < need {
			short = append(short, source)
			got = min(got, copies[source])
			continue
		}
		if sourceToTarget[source] != source {
			confirmed = append(confirmed, source)
		}
	}

	if move && len(confirmed) > 0 {
		if err := c.DeleteAll(ctx, confirmed); err != nil {
			return err
		}
	}
	if len(short) > 0 {
		return &fs.NotEnoughPartitionsError{Op: op, Names: short, Got: got, Need: need}
	}
	return nil
}

// locate asks every alive partition which of names it holds and returns the
// holders per name in partition id order.
func (c *Client) locate(ctx context.Context, names []string) map[string][]PartitionID {
	results := fanOut(ctx, c, c.partitions.AliveIDs(), func(ctx context.Context, _ PartitionID, client fs.Client) (map[string]*fs.FileMetadata, error) {
		return client.InfoAll(ctx, names)
	})

	holders := make(map[string][]PartitionID, len(names))
	for _, o := range results {
		if o.err != nil {
			continue
		}
		for name, meta := range o.value {
			if meta != nil {
				holders[name] = append(holders[name], o.id)
			}
		}
	}
	return holders
}

// Delete removes name from every alive partition.
func (c *Client) Delete(ctx context.Context, name string) error {
	return c.DeleteAll(ctx, []string{name})
}

// DeleteAll removes names from every alive partition. Absence is not an error;
// it fails only when no partition acknowledged the delete.
func (c *Client) DeleteAll(ctx context.Context, names []string) (err error) {
	defer func() { metrics.Observe("delete", err) }()

	results := fanOut(ctx, c, c.partitions.AliveIDs(), func(ctx context.Context, _ PartitionID, client fs.Client) (struct{}, error) {
		return struct{}{}, client.DeleteAll(ctx, names)
	})

	acked := 0
	for _, o := range results {
		if o.err == nil {
			acked++
			continue
		}
		if errors.Is(o.err, fs.ErrIllegalName) {
			return o.err
		}
		c.logger.Warn("partition delete failed",
			zap.String("partition", string(o.id)),
			zap.Error(o.err))
	}
	if acked == 0 {
		return &fs.NotEnoughPartitionsError{Op: "delete", Names: sortedCopy(names), Got: 0, Need: 1}
	}
	return nil
}

// List merges the listings of every alive partition by name, keeping the
// metadata of the first partition in id order. A malformed glob fails with
// fs.ErrMalformedGlob itself however many partitions are consulted.
func (c *Client) List(ctx context.Context, glob string) (files []fs.FileMetadata, err error) {
	defer func() { metrics.Observe("list", err) }()

	if err := fs.ValidateGlob(glob); err != nil {
		return nil, fs.ErrMalformedGlob
	}

	byName := treemap.NewWithStringComparator()
	join := async.NewCollector(byName)
	for _, id := range c.partitions.AliveIDs() {
		id := id
		client, _ := c.partitions.Client(id)
		async.Run(join, func() ([]fs.FileMetadata, error) {
			files, err := client.List(ctx, glob)
			switch {
			case err == nil:
				return files, nil
			case errors.Is(err, fs.ErrMalformedGlob):
				return nil, fs.ErrMalformedGlob
			case c.absorb(id, err):
			default:
				c.logger.Warn("partition list failed",
					zap.String("partition", string(id)),
					zap.Error(err))
			}
			return nil, nil
		}, func(acc *treemap.Map, files []fs.FileMetadata) error {
			for _, f := range files {
				if _, found := acc.Get(f.Name); !found {
					acc.Put(f.Name, f)
				}
			}
			return nil
		})
	}

	merged, err := join.Seal().Await(ctx)
	if err != nil {
		return nil, err
	}
	files = make([]fs.FileMetadata, 0, merged.Size())
	it := merged.Iterator()
	for it.Next() {
		files = append(files, it.Value().(fs.FileMetadata))
	}
	return files, nil
}

// Info returns the metadata held by the highest-ranked partition that has
// name, or nil when no alive partition does.
func (c *Client) Info(ctx context.Context, name string) (*fs.FileMetadata, error) {
	results := fanOut(ctx, c, c.partitions.Select(name), func(ctx context.Context, _ PartitionID, client fs.Client) (*fs.FileMetadata, error) {
		return client.Info(ctx, name)
	})
	for _, o := range results {
		if o.err == nil && o.value != nil {
			return o.value, nil
		}
	}
	return nil, firstRejection(results)
}

// InfoAll returns one entry per requested name; names absent everywhere map to nil.
func (c *Client) InfoAll(ctx context.Context, names []string) (map[string]*fs.FileMetadata, error) {
	results := fanOut(ctx, c, c.partitions.AliveIDs(), func(ctx context.Context, _ PartitionID, client fs.Client) (map[string]*fs.FileMetadata, error) {
		return client.InfoAll(ctx, names)
	})

	infos := make(map[string]*fs.FileMetadata, len(names))
	for _, name := range names {
		infos[name] = nil
	}
	for _, o := range results {
		if o.err != nil {
			continue
		}
		for _, name := range names {
			if infos[name] == nil && o.value[name] != nil {
				infos[name] = o.value[name]
			}
		}
	}
	if err := firstRejection(results); err != nil {
		return nil, err
	}
	return infos, nil
}

// firstRejection returns the first validation error reported by a partition.
// Connection failures and other per-partition errors are not rejections.
func firstRejection[T any](results []outcome[T]) error {
	for _, o := range results {
		if o.err != nil && errors.Is(o.err, fs.ErrIllegalName) {
			return o.err
		}
	}
	return nil
}

// Ping succeeds when at least one alive partition answers.
func (c *Client) Ping(ctx context.Context) error {
	results := fanOut(ctx, c, c.partitions.AliveIDs(), func(ctx context.Context, _ PartitionID, client fs.Client) (struct{}, error) {
		return struct{}{}, client.Ping(ctx)
	})
	for _, o := range results {
		if o.err == nil {
			return nil
		}
	}
	return &fs.NotEnoughPartitionsError{Op: "ping", Got: 0, Need: 1}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func sortedCopy(names []string) []string {
	sorted := slices.Clone(names)
	slices.Sort(sorted)
	return sorted
}
