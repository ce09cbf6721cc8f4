package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddValidates(t *testing.T) {
	s := New(nil)
	run := func(context.Context) error { return nil }

	assert.Error(t, s.Add(Task{Interval: time.Second, Run: run}))
	assert.Error(t, s.Add(Task{Name: "x", Interval: time.Second}))
	assert.Error(t, s.Add(Task{Name: "x", Run: run}))
	require.NoError(t, s.Add(Task{Name: "x", Interval: time.Second, Run: run}))
	assert.Error(t, s.Add(Task{Name: "x", Interval: time.Second, Run: run}))
}

func TestTaskRunsImmediatelyAndPeriodically(t *testing.T) {
	s := New(nil)
	var runs atomic.Int32
	require.NoError(t, s.Add(Task{
		Name:     "tick",
		Interval: 10 * time.Millisecond,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	s.Start()
	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	s.Stop()

	stats, ok := s.Stats("tick")
	require.True(t, ok)
	assert.GreaterOrEqual(t, stats.Runs, 3)
	assert.Zero(t, stats.Failures)
	assert.Empty(t, stats.LastError)

	// No runs after Stop returns.
	stopped := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, runs.Load())
}

// TestFailuresNeverStopTheTask checks that failing passes keep being retried
// and that a later success resets the failure streak.
func TestFailuresNeverStopTheTask(t *testing.T) {
	s := New(nil)
	var runs atomic.Int32
	require.NoError(t, s.Add(Task{
		Name:     "flaky",
		Interval: time.Hour,
		RetryMin: time.Millisecond,
		Run: func(context.Context) error {
			if runs.Add(1) <= 3 {
				return errors.New("target unreachable")
			}
			return nil
		},
	}))

	s.Start()
	defer s.Stop()

	// Retries happen long before the hourly interval.
	assert.Eventually(t, func() bool {
		stats, _ := s.Stats("flaky")
		return stats.Runs == 4
	}, 5*time.Second, time.Millisecond)

	stats, _ := s.Stats("flaky")
	assert.Equal(t, 3, stats.Failures)
	assert.Zero(t, stats.ConsecutiveFailures)
	assert.Empty(t, stats.LastError)
}

func TestStopCancelsRunningTask(t *testing.T) {
	s := New(nil)
	started := make(chan struct{})
	require.NoError(t, s.Add(Task{
		Name:     "blocking",
		Interval: time.Hour,
		Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	}))

	s.Start()
	<-started
	s.Stop()

	// A run interrupted by Stop is not counted as a failure.
	stats, _ := s.Stats("blocking")
	assert.Zero(t, stats.Failures)

	_, ok := s.Stats("unknown")
	assert.False(t, ok)
}
