// Package schedule runs named jobs on cron expressions. Each job runs
// serially with itself; a tick that fires while the previous run is
// still in flight is skipped. Distinct jobs run in parallel.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is the work a schedule invokes.
type Job func(ctx context.Context) error

// JobStatus is a point-in-time snapshot of one registered job.
type JobStatus struct {
	Name     string    `json:"name"`
	Cron     string    `json:"cron"`
	Started  bool      `json:"started"`
	InFlight bool      `json:"in_flight"`
	LastRun  time.Time `json:"last_run,omitempty"`
	LastErr  string    `json:"last_error,omitempty"`
	NextRun  time.Time `json:"next_scheduled_run,omitempty"`
	RunCount int64     `json:"run_count"`
}

type scheduledJob struct {
	name     string
	spec     string
	schedule cron.Schedule
	job      Job

	mu       sync.Mutex
	started  bool
	inFlight bool
	lastRun  time.Time
	lastErr  error
	nextRun  time.Time
	runCount int64

	cancel context.CancelFunc
	done   chan struct{}
}

// Runner owns a set of named cron jobs.
type Runner struct {
	mu     sync.RWMutex
	jobs   map[string]*scheduledJob
	logger *zap.Logger
}

// NewRunner creates an empty runner.
func NewRunner(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		jobs:   make(map[string]*scheduledJob),
		logger: logger,
	}
}

// Register parses the cron expression and records the job without
// starting it. Standard five-field expressions and descriptors such as
// "@hourly" and "@every 30m" are accepted.
func (r *Runner) Register(name, cronExpr string, job Job) error {
	if name == "" {
		return fmt.Errorf("schedule: job name is required")
	}
	if job == nil {
		return fmt.Errorf("schedule: job %q has no work", name)
	}
	sched, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return fmt.Errorf("schedule: invalid cron %q for job %q: %w", cronExpr, name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[name]; exists {
		return fmt.Errorf("schedule: job %q already registered", name)
	}
	r.jobs[name] = &scheduledJob{
		name:     name,
		spec:     cronExpr,
		schedule: sched,
		job:      job,
	}
	r.logger.Info("job registered", zap.String("job", name), zap.String("cron", cronExpr))
	return nil
}

// Start launches the job's timer loop. Starting an already-started job
// is a no-op.
func (r *Runner) Start(name string) error {
	r.mu.Lock()
	j, ok := r.jobs[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("schedule: unknown job %q", name)
	}

	j.mu.Lock()
	if j.started {
		j.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	j.started = true
	j.cancel = cancel
	j.done = make(chan struct{})
	j.nextRun = j.schedule.Next(time.Now())
	j.mu.Unlock()

	go r.runLoop(ctx, j)
	r.logger.Info("job started", zap.String("job", name), zap.Time("next_run", j.nextRun))
	return nil
}

// Stop cancels the job's loop and waits for it to exit. The job stays
// registered and can be started again.
func (r *Runner) Stop(name string) error {
	r.mu.RLock()
	j, ok := r.jobs[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("schedule: unknown job %q", name)
	}

	j.mu.Lock()
	if !j.started {
		j.mu.Unlock()
		return nil
	}
	cancel := j.cancel
	done := j.done
	j.mu.Unlock()

	cancel()
	<-done

	j.mu.Lock()
	j.started = false
	j.nextRun = time.Time{}
	j.mu.Unlock()

	r.logger.Info("job stopped", zap.String("job", name))
	return nil
}

// Remove stops the job if needed and forgets it.
func (r *Runner) Remove(name string) error {
	if err := r.Stop(name); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.jobs, name)
	r.mu.Unlock()
	r.logger.Info("job removed", zap.String("job", name))
	return nil
}

// StopAll stops every started job. Used on shutdown.
func (r *Runner) StopAll() {
	r.mu.RLock()
	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	r.mu.RUnlock()
	for _, name := range names {
		_ = r.Stop(name)
	}
}

// JobStatus returns the snapshot for one job.
func (r *Runner) JobStatus(name string) (JobStatus, error) {
	r.mu.RLock()
	j, ok := r.jobs[name]
	r.mu.RUnlock()
	if !ok {
		return JobStatus{}, fmt.Errorf("schedule: unknown job %q", name)
	}
	return j.snapshot(), nil
}

// Status returns snapshots for all registered jobs.
func (r *Runner) Status() []JobStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]JobStatus, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.snapshot())
	}
	return out
}

// ActiveSchedules lists the names of started jobs.
func (r *Runner) ActiveSchedules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, j := range r.jobs {
		j.mu.Lock()
		started := j.started
		j.mu.Unlock()
		if started {
			names = append(names, name)
		}
	}
	return names
}

func (j *scheduledJob) snapshot() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := JobStatus{
		Name:     j.name,
		Cron:     j.spec,
		Started:  j.started,
		InFlight: j.inFlight,
		LastRun:  j.lastRun,
		NextRun:  j.nextRun,
		RunCount: j.runCount,
	}
	if j.lastErr != nil {
		s.LastErr = j.lastErr.Error()
	}
	return s
}

// runLoop sleeps until each scheduled tick and executes the job. The
// next tick is computed after the run finishes, so a slow run defers
// rather than overlaps itself.
func (r *Runner) runLoop(ctx context.Context, j *scheduledJob) {
	defer close(j.done)

	for {
		j.mu.Lock()
		next := j.schedule.Next(time.Now())
		j.nextRun = next
		j.mu.Unlock()

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		j.mu.Lock()
		j.inFlight = true
		j.lastRun = time.Now()
		j.mu.Unlock()

		err := j.job(ctx)

		j.mu.Lock()
		j.inFlight = false
		j.lastErr = err
		j.runCount++
		j.mu.Unlock()

		if err != nil && ctx.Err() == nil {
			r.logger.Warn("scheduled job failed",
				zap.String("job", j.name),
				zap.Error(err))
		}
	}
}
