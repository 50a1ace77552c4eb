package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one scheduled monitoring run.
type Job func(ctx context.Context) error

// Scheduler triggers a Job on a cron schedule, never overlapping runs.
type Scheduler struct {
	cron *cron.Cron
	job  Job
	ctx  context.Context
}

// NewScheduler registers job under spec, evaluated in loc.
func NewScheduler(spec string, loc *time.Location, job Job) (*Scheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	logger := cronLogger{}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	s := &Scheduler{
		cron: c,
		job:  job,
		ctx:  context.Background(),
	}
	if _, err := c.AddFunc(spec, s.runJob); err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return s, nil
}

// Run starts the schedule and blocks until ctx is done, then waits for a
// job in flight to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	s.cron.Start()
	for _, e := range s.cron.Entries() {
		slog.Info("scheduler started", slog.Time("next_run", e.Next))
	}

	<-ctx.Done()
	slog.Info("scheduler stopping")
	<-s.cron.Stop().Done()
	return nil
}

// Entries returns the registered cron entries for inspection.
func (s *Scheduler) Entries() []cron.Entry {
	return s.cron.Entries()
}

func (s *Scheduler) runJob() {
	slog.Info("scheduled run starting")
	if err := s.job(s.ctx); err != nil {
		slog.Error("scheduled run failed", slog.Any("error", err))
	}
}

// cronLogger routes cron's own messages to slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append([]any{slog.Any("error", err)}, keysAndValues...)...)
}
