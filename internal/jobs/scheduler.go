// Package jobs runs the background maintenance the chat pipeline depends
// on: session retention cleanup and sleep-state eviction of idle personas.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Scheduler wraps gocron with the wiring the maintenance jobs need.
type Scheduler struct {
	inner gocron.Scheduler
	log   *slog.Logger
}

func NewScheduler(log *slog.Logger) (*Scheduler, error) {
	inner, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Scheduler{inner: inner, log: log.With("component", "jobs")}, nil
}

// RegisterDaily schedules a job at the given hour (local time) every day.
func (s *Scheduler) RegisterDaily(name string, hour int, run func(context.Context) error) error {
	_, err := s.inner.NewJob(
		gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(uint(hour), 0, 0))),
		gocron.NewTask(s.wrap(name, run)),
		gocron.WithName(name),
	)
	return err
}

// RegisterEvery schedules a job on a fixed interval.
func (s *Scheduler) RegisterEvery(name string, interval time.Duration, run func(context.Context) error) error {
	_, err := s.inner.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(s.wrap(name, run)),
		gocron.WithName(name),
	)
	return err
}

func (s *Scheduler) wrap(name string, run func(context.Context) error) func() {
	return func() {
		start := time.Now()
		if err := run(context.Background()); err != nil {
			s.log.Error("job failed", "job", name, "error", err)
			return
		}
		s.log.Info("job completed", "job", name, "duration", time.Since(start))
	}
}

// Start begins executing registered jobs.
func (s *Scheduler) Start() {
	s.inner.Start()
	s.log.Info("scheduler started", "jobs", len(s.inner.Jobs()))
}

// Stop shuts the scheduler down, waiting for running jobs.
func (s *Scheduler) Stop() {
	if err := s.inner.Shutdown(); err != nil {
		s.log.Warn("scheduler shutdown", "error", err)
	}
}
