// Package schedule triggers unattended collection runs. A Schedule computes
// trigger times; the Runner sleeps until each trigger and executes the job
// inline, so runs never overlap and triggers missed during a long run are
// skipped rather than queued.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/valuescan/fundcollect/pkg/logging"
)

// Schedule computes the next trigger after a given time.
type Schedule interface {
	Next(from time.Time) time.Time
}

// everySchedule triggers at fixed intervals.
type everySchedule struct {
	interval time.Duration
}

// Every returns a schedule that triggers at fixed intervals.
func Every(d time.Duration) Schedule {
	return &everySchedule{interval: d}
}

func (s *everySchedule) Next(from time.Time) time.Time {
	return from.Add(s.interval)
}

// dailySchedule triggers at a fixed UTC wall-clock time each day.
type dailySchedule struct {
	hour   int
	minute int
}

// Daily returns a schedule that triggers once a day at the given UTC time.
func Daily(hour, minute int) Schedule {
	return &dailySchedule{hour: hour, minute: minute}
}

func (s *dailySchedule) Next(from time.Time) time.Time {
	from = from.UTC()
	next := time.Date(from.Year(), from.Month(), from.Day(), s.hour, s.minute, 0, 0, time.UTC)
	if !next.After(from) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// cronSchedule wraps a parsed cron expression.
type cronSchedule struct {
	schedule cron.Schedule
}

// Cron parses a five-field cron expression (minute hour dom month dow) into
// a schedule.
func Cron(expr string) (Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	parsed, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return &cronSchedule{schedule: parsed}, nil
}

func (s *cronSchedule) Next(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// Job is one scheduled piece of work. Errors are logged, never fatal: a
// failed run must not take the watch loop down with it.
type Job func(ctx context.Context) error

// Runner executes a job on a schedule until its context is cancelled.
type Runner struct {
	sched  Schedule
	job    Job
	logger zerolog.Logger
}

// NewRunner creates a runner for the given schedule and job.
func NewRunner(sched Schedule, job Job) *Runner {
	return &Runner{
		sched:  sched,
		job:    job,
		logger: logging.NewLogger("schedule"),
	}
}

// Run blocks, executing the job at every trigger, and returns the context
// error on cancellation.
func (r *Runner) Run(ctx context.Context) error {
	for {
		next := r.sched.Next(time.Now())
		r.logger.Info().Time("next_run", next).Msg("Waiting for next scheduled run")

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		r.runOnce(ctx, next)
	}
}

func (r *Runner) runOnce(ctx context.Context, scheduled time.Time) {
	start := time.Now()
	if err := r.job(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.Error().Err(err).Msg("Scheduled run failed")
	}

	// The next loop iteration computes the trigger from now, so anything
	// due while the job was running is dropped, not replayed.
	if overdue := r.sched.Next(scheduled); overdue.Before(time.Now()) {
		r.logger.Warn().
			Dur("elapsed", time.Since(start)).
			Msg("Run overran its schedule, skipping missed triggers")
	}
}
