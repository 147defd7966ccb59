// Package scheduler runs the correlate service's periodic maintenance jobs.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/telhawk-systems/chainhawk/common/logging"
)

// Task is one periodic job. A non-positive Interval disables it.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs each task on its own ticker.
type Scheduler struct {
	tasks   []Task
	logger  *logging.Logger
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewScheduler creates a new maintenance scheduler.
func NewScheduler(logger *logging.Logger, tasks ...Task) *Scheduler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Scheduler{
		tasks:   tasks,
		logger:  logger,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start runs the tasks until Stop is called or ctx is cancelled. This should be called in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	defer close(s.stopped)

	var wg sync.WaitGroup
	for _, task := range s.tasks {
		if task.Interval <= 0 || task.Run == nil {
			s.logger.Info("maintenance task disabled", "task", task.Name)
			continue
		}
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			s.loop(ctx, task)
		}(task)
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, task Task) {
	s.logger.Info("maintenance task started", "task", task.Name, "interval", task.Interval.String())

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runOnce(ctx, task)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, task Task) {
	start := time.Now()
	if err := task.Run(ctx); err != nil {
		s.logger.Warn("maintenance task failed", "task", task.Name, logging.Error(err))
		return
	}
	s.logger.Debug("maintenance task finished", "task", task.Name, logging.Duration(time.Since(start)))
}

// Stop signals the scheduler to stop and waits for running tasks to finish.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
	<-s.stopped
}
