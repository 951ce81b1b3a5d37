// Package scheduler runs CallIntake's periodic maintenance jobs, such as sweeping idle call
// sessions and requeueing stuck outbox messages, on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates a scheduler using standard 5-field expressions. Jobs that panic are
// recovered and logged; a job still running when its next tick fires is skipped.
func NewScheduler() *Scheduler {
	logger := slogLogger{}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	return &Scheduler{cron: c}
}

// AddJob schedules task under name using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(name, expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, func() {
		start := time.Now()
		task()
		slog.Debug("Scheduler.AddJob: job finished", "job", name, "elapsed", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", expr, name, err)
	}
	slog.Debug("Scheduler.AddJob: job scheduled", "job", name, "schedule", expr)
	return nil
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Run starts the scheduler and blocks until ctx is cancelled, then waits for running jobs.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("Scheduler.Run: starting", "jobs", s.Len())
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	slog.Info("Scheduler.Run: stopped")
}

// slogLogger routes cron's internal logging to slog.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
