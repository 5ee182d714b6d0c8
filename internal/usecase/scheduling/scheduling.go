// Package scheduling runs the hub's periodic maintenance jobs.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job identifies a maintenance job.
type Job string

const (
	JobCacheSweep Job = "cache_sweep"
	JobUsagePrune Job = "usage_prune"
)

// Task binds a job to its schedule.
type Task struct {
	Job      Job
	Schedule string // cron expression ("@hourly", "*/5 * * * *") or duration ("1m")
}

// jobTimeout bounds a single run.
const jobTimeout = time.Minute

// Scheduler runs registered jobs on cron or fixed-interval schedules.
type Scheduler struct {
	cron    *cron.Cron
	jobs    map[Job]func(ctx context.Context) error
	entries map[Job]cron.EntryID
	logger  *slog.Logger
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a stopped scheduler.
func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		jobs:    make(map[Job]func(ctx context.Context) error),
		entries: make(map[Job]cron.EntryID),
		logger:  logger,
	}
}

// Register installs the function run for job.
func (s *Scheduler) Register(job Job, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job] = fn
}

// Schedule adds a task. Each job may be scheduled once.
func (s *Scheduler) Schedule(task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn, ok := s.jobs[task.Job]
	if !ok {
		return fmt.Errorf("scheduler: unknown job %q", task.Job)
	}
	if _, dup := s.entries[task.Job]; dup {
		return fmt.Errorf("scheduler: job %q already scheduled", task.Job)
	}
	sched, err := ParseSchedule(task.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: job %q: %w", task.Job, err)
	}

	job := task.Job
	s.entries[job] = s.cron.Schedule(sched, cron.FuncJob(func() { s.run(job, fn) }))
	s.logger.Debug("maintenance job scheduled", "job", job, "schedule", task.Schedule)
	return nil
}

func (s *Scheduler) run(job Job, fn func(ctx context.Context) error) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	start := time.Now()
	if err := fn(jobCtx); err != nil {
		s.logger.Warn("maintenance job failed", "job", job, "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Debug("maintenance job completed", "job", job, "duration", time.Since(start))
}

// Next returns the next run time of job, or the zero time if it is not
// scheduled or the scheduler has not started.
func (s *Scheduler) Next(job Job) time.Time {
	s.mu.Lock()
	id, ok := s.entries[job]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// Start begins running jobs. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.ctx == nil {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.ctx, s.cancel = nil, nil
	s.mu.Unlock()

	<-s.cron.Stop().Done()
}

// ParseSchedule accepts a cron expression (five fields or a descriptor such
// as "@hourly") or a positive Go duration.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}
	d, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a cron expression or duration: %q", schedule)
	}
	if d <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return every(d), nil
}

// every fires at a fixed interval; unlike cron.Every it keeps sub-second
// precision.
type every time.Duration

func (e every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }
