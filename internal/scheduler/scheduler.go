package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"jobapply-engine/internal/logging"
)

type Task func(ctx context.Context) error

// Every runs task immediately and then on every tick until ctx ends. Runs
// never overlap.
func Every(ctx context.Context, interval time.Duration, name string, log *slog.Logger, task Task) {
	if log == nil {
		log = logging.Discard()
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		if err := task(ctx); err != nil && ctx.Err() == nil {
			log.Error("task failed", "task", name, "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ log *slog.Logger }

func (l cronLogger) Info(msg string, kv ...any) { l.log.Debug(msg, kv...) }
func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, append(kv, "err", err)...)
}

// Scheduler wraps robfig/cron. A job still running when its next tick fires
// is skipped rather than stacked.
type Scheduler struct {
	cron    *cron.Cron
	log     *slog.Logger
	initial []cron.Job
}

func New(log *slog.Logger) *Scheduler {
	if log == nil {
		log = logging.Discard()
	}
	log = log.With("component", "scheduler")
	cl := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		log:  log,
	}
}

// Add registers task under a standard cron spec or descriptor such as
// "@every 6h". When runNow is set the task also runs once as soon as the
// scheduler starts.
func (s *Scheduler) Add(ctx context.Context, name, spec string, runNow bool, task Task) error {
	job := cron.FuncJob(func() {
		start := time.Now()
		if err := task(ctx); err != nil {
			s.log.Error("job failed", "job", name, "err", err)
			return
		}
		s.log.Info("job done", "job", name, "took", time.Since(start).Round(time.Millisecond))
	})
	wrapped := cron.NewChain(cron.SkipIfStillRunning(cronLogger{log: s.log})).Then(job)
	if _, err := s.cron.AddJob(spec, wrapped); err != nil {
		return fmt.Errorf("cron.AddJob(%s, %q): %w", name, spec, err)
	}
	if runNow {
		s.initial = append(s.initial, wrapped)
	}
	s.log.Info("job registered", "job", name, "spec", spec)
	return nil
}

// Start begins the cron loop and kicks off the jobs registered with runNow.
func (s *Scheduler) Start() {
	s.cron.Start()
	for _, j := range s.initial {
		go j.Run()
	}
	s.initial = nil
}

// Entries reports how many jobs are registered.
func (s *Scheduler) Entries() int { return len(s.cron.Entries()) }

// Stop prevents new runs and waits for running jobs until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out with jobs still running")
	}
}
