// Package scheduler runs periodic background jobs such as the zombie reaper.
//
// Each registered job gets its own goroutine and ticker. A run that is still
// in progress when the next tick arrives delays that tick rather than
// overlapping with itself. Errors are logged and the job keeps its schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/teemow/inboxsync/internal/logging"
)

// Job is a periodic background task.
type Job interface {
	// Name identifies the job in logs.
	Name() string
	// Interval is the time between runs.
	Interval() time.Duration
	// Run executes one run. It must return when ctx is done.
	Run(ctx context.Context) error
}

var (
	ErrAlreadyStarted = errors.New("scheduler already started")
	ErrNotStarted     = errors.New("scheduler not started")
)

// Scheduler owns the goroutines of its jobs.
type Scheduler struct {
	logger logging.Logger

	mu      sync.Mutex
	jobs    []Job
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	// RunOnStart makes every job run immediately instead of after its first
	// interval.
	RunOnStart bool
}

// New returns an empty scheduler.
func New(logger logging.Logger) *Scheduler {
	return &Scheduler{logger: logging.OrDefault(logger)}
}

// Register adds a job. Jobs must be registered before Start.
func (s *Scheduler) Register(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyStarted
	}
	if job.Interval() <= 0 {
		return fmt.Errorf("job %s: interval must be positive", job.Name())
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Start launches all registered jobs. They run until ctx is done or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyStarted
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, job)
	}
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop cancels all jobs and waits for in-flight runs to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()

	if s.RunOnStart {
		s.run(ctx, job)
	}

	ticker := time.NewTicker(job.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(ctx, job)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, job Job) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled job panicked", "job", job.Name(), "panic", fmt.Sprint(r))
		}
	}()

	if err := job.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("scheduled job failed", "job", job.Name(), logging.KeyError, err.Error(),
			logging.KeyDuration, time.Since(start).String())
		return
	}
	s.logger.Debug("scheduled job finished", "job", job.Name(), logging.KeyDuration, time.Since(start).String())
}
