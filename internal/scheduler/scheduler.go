package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// TickFunc is invoked on every interval with the tick's bucket time.
type TickFunc func(ctx context.Context, bucket time.Time) error

// Job is one named periodic task.
type Job struct {
	Name         string
	Interval     time.Duration
	AlignToStart bool
	// RunAtStart fires once immediately after the startup delay.
	RunAtStart bool
	Tick       TickFunc
}

// Options tune scheduler behaviour.
type Options struct {
	StartupDelay time.Duration
}

// Scheduler drives several periodic jobs, each on its own goroutine.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	jobs   []Job
	now    func() time.Time
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger(), now: time.Now}
}

// Add registers a job. Jobs with a non-positive interval are rejected.
func (s *Scheduler) Add(job Job) error {
	if job.Interval <= 0 {
		return fmt.Errorf("job %q: interval must be positive", job.Name)
	}
	if job.Tick == nil {
		return fmt.Errorf("job %q: tick func is required", job.Name)
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Jobs returns the registered job names.
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for _, j := range s.jobs {
		names = append(names, j.Name)
	}
	return names
}

// Run blocks until ctx is cancelled. Tick errors are logged and never stop
// the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.jobs) == 0 {
		return errors.New("scheduler has no jobs")
	}
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, job := range s.jobs {
		job := job
		g.Go(func() error { return s.runJob(ctx, job) })
	}
	return g.Wait()
}

func (s *Scheduler) runJob(ctx context.Context, job Job) error {
	logger := s.logger.With().Str("job", job.Name).Logger()

	if job.RunAtStart {
		s.execute(ctx, logger, job, s.now().UTC())
	}

	next := nextTick(s.now().UTC(), job)
	for {
		delay := next.Sub(s.now())
		if delay < 0 {
			next = nextTick(s.now().UTC(), job)
			delay = next.Sub(s.now())
		}

		timer := time.NewTimer(delay)
		logger.Debug().Time("next_tick", next).Msg("waiting for next tick")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		s.execute(ctx, logger, job, bucketStart(next, job))
		next = next.Add(job.Interval)
	}
}

func (s *Scheduler) execute(ctx context.Context, logger zerolog.Logger, job Job, bucket time.Time) {
	started := s.now()
	if err := job.Tick(ctx, bucket); err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Error().Err(err).Time("bucket", bucket).Msg("tick execution failed")
		return
	}
	logger.Debug().Time("bucket", bucket).Dur("took", s.now().Sub(started)).Msg("tick executed")
}

func nextTick(now time.Time, job Job) time.Time {
	if !job.AlignToStart {
		return now.Add(job.Interval)
	}
	bucket := now.Truncate(job.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(job.Interval)
	}
	return bucket
}

func bucketStart(t time.Time, job Job) time.Time {
	if !job.AlignToStart {
		return t
	}
	return t.Truncate(job.Interval)
}
