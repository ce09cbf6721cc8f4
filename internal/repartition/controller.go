// Package repartition restores the replication invariant for the files held
// by one local partition: every file should live on exactly the top R alive
// partitions of its ranking.
package repartition

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/torua/internal/async"
	"github.com/dreamware/torua/internal/cluster"
	"github.com/dreamware/torua/internal/fs"
	"github.com/dreamware/torua/internal/metrics"
	"github.com/dreamware/torua/internal/schedule"
)

// Options filters the local files a controller looks at.
type Options struct {
	Glob         string // Files to consider, "**" when empty
	NegativeGlob string // Files to skip even if Glob matches, none when empty
}

// Stats counts what one pass did. Totals accumulate across passes.
type Stats struct {
	Files    int `json:"files"`    // Local files examined
	Balanced int `json:"balanced"` // Files that needed no change
	Uploaded int `json:"uploaded"` // Replicas written to other partitions
	Deleted  int `json:"deleted"`  // Redundant local copies removed
	Failed   int `json:"failed"`   // Files left unbalanced by an error
}

func (s *Stats) add(o Stats) {
	s.Files += o.Files
	s.Balanced += o.Balanced
	s.Uploaded += o.Uploaded
	s.Deleted += o.Deleted
	s.Failed += o.Failed
}

// PassError lists the files a pass could not balance.
type PassError struct {
	Files []string
	Cause error // First error seen
}

func (e *PassError) Error() string {
	return fmt.Sprintf("repartition failed for %d files [%s]: %v", len(e.Files), strings.Join(e.Files, ", "), e.Cause)
}

func (e *PassError) Unwrap() error {
	return e.Cause
}

// Controller runs repartition passes for the local partition of a cluster client.
//
// For each local file a pass ranks the alive partitions. If the local
// partition is outside the top R, the file is uploaded to every top-R
// partition lacking it and the local copy is deleted once all R hold it. If
// the local partition is inside the top R, missing replicas are uploaded to
// close the gap. A balanced cluster only costs metadata queries.
//
// Passes never overlap; a pass that fails reports a *PassError and leaves
// the next pass unaffected.
type Controller struct {
	local   cluster.PartitionID
	client  *cluster.Client
	options Options
	logger  *zap.Logger

	pass   sync.Mutex // Serializes passes
	mu     sync.Mutex // Protects totals
	totals Stats
}

// New creates a controller for local, which must be a partition of client.
func New(local cluster.PartitionID, client *cluster.Client, options Options, logger *zap.Logger) (*Controller, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, ok := client.Partitions().Client(local); !ok {
		return nil, fmt.Errorf("local partition %s is not part of the cluster", local)
	}
	if options.Glob == "" {
		options.Glob = "**"
	}
	if err := fs.ValidateGlob(options.Glob); err != nil {
		return nil, fmt.Errorf("glob %q: %w", options.Glob, err)
	}
	if options.NegativeGlob != "" {
		if err := fs.ValidateGlob(options.NegativeGlob); err != nil {
			return nil, fmt.Errorf("negative glob %q: %w", options.NegativeGlob, err)
		}
	}
	return &Controller{
		local:   local,
		client:  client,
		options: options,
		logger:  logger.With(zap.String("partition", string(local))),
	}, nil
}

// Totals returns the statistics accumulated over every pass so far.
func (c *Controller) Totals() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totals
}

// Task wraps Pass as a periodic scheduler task.
func (c *Controller) Task(interval time.Duration) schedule.Task {
	return schedule.Task{
		Name:     "repartition",
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := c.Pass(ctx)
			return err
		},
	}
}

// Pass runs one repartition pass over the local files.
func (c *Controller) Pass(ctx context.Context) (Stats, error) {
	c.pass.Lock()
	defer c.pass.Unlock()

	start := time.Now()
	defer func() { metrics.RepartitionPassDuration.Observe(time.Since(start).Seconds()) }()

	local, _ := c.client.Partitions().Client(c.local)
	files, err := local.List(ctx, c.options.Glob)
	if err != nil {
		return Stats{}, fmt.Errorf("list local files: %w", err)
	}

	var stats Stats
	var failed []string
	var cause error
	for _, file := range files {
		if c.skip(file.Name) {
			continue
		}
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Files++

		result, err := c.balance(ctx, local, file.Name)
		stats.Uploaded += result.uploaded
		stats.Deleted += result.deleted
		switch {
		case err != nil:
			stats.Failed++
			failed = append(failed, file.Name)
			if cause == nil {
				cause = err
			}
			metrics.RepartitionFiles.WithLabelValues("failed").Inc()
			c.logger.Warn("repartition failed", zap.String("file", file.Name), zap.Error(err))
		case result.uploaded == 0 && result.deleted == 0:
			stats.Balanced++
			metrics.RepartitionFiles.WithLabelValues("balanced").Inc()
		default:
			metrics.RepartitionFiles.WithLabelValues("moved").Inc()
		}
	}

	c.mu.Lock()
	c.totals.add(stats)
	c.mu.Unlock()

	c.logger.Info("repartition pass finished",
		zap.Int("files", stats.Files),
		zap.Int("balanced", stats.Balanced),
		zap.Int("uploaded", stats.Uploaded),
		zap.Int("deleted", stats.Deleted),
		zap.Int("failed", stats.Failed),
		zap.Duration("took", time.Since(start)))

	if len(failed) > 0 {
		sort.Strings(failed)
		return stats, &PassError{Files: failed, Cause: cause}
	}
	return stats, nil
}

func (c *Controller) skip(name string) bool {
	if c.options.NegativeGlob == "" {
		return false
	}
	matched, _ := fs.MatchGlob(c.options.NegativeGlob, name)
	return matched
}

type balanceResult struct {
	uploaded int
	deleted  int
}

// balance brings one local file to its top R partitions.
func (c *Controller) balance(ctx context.Context, local fs.Client, name string) (balanceResult, error) {
	var result balanceResult
	partitions := c.client.Partitions()
	need := c.client.ReplicationCount()

	ranked := partitions.Select(name)
	top := ranked[:min(need, len(ranked))]
	inTop := slices.Contains(top, c.local)

	targets := make([]cluster.PartitionID, 0, len(top))
	for _, id := range top {
		if id != c.local {
			targets = append(targets, id)
		}
	}
	present, err := c.holders(ctx, name, targets)
	if err != nil {
		return result, err
	}

	replicas := len(present)
	if inTop {
		replicas++
	}
	var missing []cluster.PartitionID
	for _, id := range targets {
		if !present[id] {
			missing = append(missing, id)
		}
	}

	uploaded, err := c.replicate(ctx, local, name, missing)
	result.uploaded = uploaded
	replicas += uploaded
	if err != nil {
		return result, err
	}
	if replicas < need {
		return result, &fs.NotEnoughPartitionsError{Op: "replicate", Names: []string{name}, Got: replicas, Need: need}
	}

	if !inTop {
		if err := local.Delete(ctx, name); err != nil {
			return result, fmt.Errorf("delete redundant copy: %w", err)
		}
		result.deleted = 1
	}
	return result, nil
}

// holders reports which of ids already store name. Unreachable partitions
// are marked dead and reported as not holding it.
func (c *Controller) holders(ctx context.Context, name string, ids []cluster.PartitionID) (map[cluster.PartitionID]bool, error) {
	partitions := c.client.Partitions()
	present := make(map[cluster.PartitionID]bool, len(ids))
	join := async.NewCollector(present)
	for _, id := range ids {
		id := id
		client, _ := partitions.Client(id)
		async.Run(join, func() (bool, error) {
			meta, err := client.Info(ctx, name)
			if err != nil {
				if fs.IsUnreachable(err) {
					partitions.MarkDead(id, err)
					return false, nil
				}
				return false, fmt.Errorf("inspect %s on %s: %w", name, id, err)
			}
			return meta != nil, nil
		}, func(acc map[cluster.PartitionID]bool, held bool) error {
			if held {
				acc[id] = true
			}
			return nil
		})
	}
	return join.Seal().Await(ctx)
}

// replicate streams the local copy of name to every target concurrently and
// returns how many replicas were written.
func (c *Controller) replicate(ctx context.Context, local fs.Client, name string, targets []cluster.PartitionID) (int, error) {
	partitions := c.client.Partitions()
	written := 0
	var firstErr error
	join := async.NewCollector(&written)
	for _, id := range targets {
		id := id
		target, _ := partitions.Client(id)
		async.Run(join, func() (error, error) {
			err := stream(ctx, local, target, name)
			if err != nil && fs.IsUnreachable(err) {
				partitions.MarkDead(id, err)
			}
			return err, nil
		}, func(count *int, err error) error {
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("upload %s to %s: %w", name, id, err)
				}
				return nil
			}
			*count++
			return nil
		})
	}
	count, _ := join.Seal().Result()
	return *count, firstErr
}

// stream copies the full local content of name into a new upload on target.
func stream(ctx context.Context, from, to fs.Client, name string) error {
	src, err := from.Download(ctx, name, 0, fs.Unlimited)
	if err != nil {
		return err
	}
	defer src.Close()

	sink, err := to.Upload(ctx, name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(sink, src); err != nil {
		sink.Abort(err)
		return err
	}
	return sink.Close()
}
