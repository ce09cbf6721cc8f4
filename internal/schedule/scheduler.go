// Package schedule runs periodic background tasks such as dead-partition
// probes and repartition passes.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Task is one periodic job. Run is called once at start and then every
// Interval. A failing run is retried sooner, after an exponential backoff
// starting at RetryMin and capped at Interval; the first success restores
// the normal interval.
type Task struct {
	Name     string
	Interval time.Duration
	RetryMin time.Duration // Defaults to Interval/10
	Run      func(ctx context.Context) error
}

// TaskStats is a snapshot of a task's run history.
type TaskStats struct {
	LastRun             time.Time // Start time of the most recent run
	LastError           string    // Error of the most recent run, empty on success
	Runs                int       // Total runs
	Failures            int       // Total failed runs
	ConsecutiveFailures int       // Failed runs since the last success
}

// Scheduler runs every registered task in its own goroutine until stopped.
// A task's failure is logged and counted but never stops that task or any other.
//
// Thread Safety:
// Add must be called before Start. Stats is safe for concurrent use.
type Scheduler struct {
	tasks  []Task
	stats  map[string]*TaskStats // Run history per task name
	logger *zap.Logger
	ctx    context.Context    // Cancelled by Stop
	cancel context.CancelFunc // Cancel function for shutdown
	mu     sync.RWMutex       // Protects stats
	wg     sync.WaitGroup     // Wait group for graceful shutdown
}

// New creates an empty scheduler. A nil logger disables logging.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		stats:  make(map[string]*TaskStats),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers task. Task names must be unique.
func (s *Scheduler) Add(task Task) error {
	if task.Name == "" || task.Run == nil {
		return fmt.Errorf("task needs a name and a run function")
	}
	if task.Interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive, got %v", task.Name, task.Interval)
	}
	if _, exists := s.stats[task.Name]; exists {
		return fmt.Errorf("task %s already registered", task.Name)
	}
	if task.RetryMin <= 0 || task.RetryMin > task.Interval {
		task.RetryMin = task.Interval / 10
	}
	s.tasks = append(s.tasks, task)
	s.stats[task.Name] = &TaskStats{}
	return nil
}

// Start launches every registered task.
func (s *Scheduler) Start() {
	for _, task := range s.tasks {
		s.wg.Add(1)
		go s.loop(task)
	}
}

// Stop cancels every task and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Stats returns the run history of the named task.
func (s *Scheduler) Stats(name string) (TaskStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats, ok := s.stats[name]
	if !ok {
		return TaskStats{}, false
	}
	return *stats, true
}

func (s *Scheduler) loop(task Task) {
	defer s.wg.Done()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = task.RetryMin
	retry.MaxInterval = task.Interval
	retry.MaxElapsedTime = 0
	retry.Reset()

	s.logger.Info("task started",
		zap.String("task", task.Name),
		zap.Duration("interval", task.Interval))

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		}

		next := task.Interval
		if err := s.runOnce(task); err != nil {
			next = retry.NextBackOff()
		} else {
			retry.Reset()
		}
		timer.Reset(next)
	}
}

func (s *Scheduler) runOnce(task Task) error {
	start := time.Now()
	err := task.Run(s.ctx)
	if s.ctx.Err() != nil {
		return nil
	}

	s.mu.Lock()
	stats := s.stats[task.Name]
	stats.LastRun = start
	stats.Runs++
	if err != nil {
		stats.Failures++
		stats.ConsecutiveFailures++
		stats.LastError = err.Error()
	} else {
		stats.ConsecutiveFailures = 0
		stats.LastError = ""
	}
	consecutive := stats.ConsecutiveFailures
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("task failed",
			zap.String("task", task.Name),
			zap.Int("consecutive_failures", consecutive),
			zap.Error(err))
		return err
	}
	s.logger.Debug("task finished",
		zap.String("task", task.Name),
		zap.Duration("took", time.Since(start)))
	return nil
}
