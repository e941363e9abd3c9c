// internal/scheduler/cron_scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TaskFunc is one periodic run. Its error is logged; the schedule continues.
type TaskFunc func(ctx context.Context) error

// CronScheduler triggers named tasks on cron schedules.
type CronScheduler struct {
	cron   *cron.Cron
	mu     sync.Mutex
	tasks  map[string]cron.EntryID
	logger *slog.Logger
	tracer trace.Tracer

	// base is the parent context of every run; it is cancelled on stop.
	base   context.Context
	cancel context.CancelFunc
}

// NewCronScheduler creates a scheduler accepting six-field expressions
// (with seconds) and descriptors such as "@every 1m".
func NewCronScheduler(logger *slog.Logger) *CronScheduler {
	logger = logger.With("component", "cron-scheduler")
	base, cancel := context.WithCancel(context.Background())
	return &CronScheduler{
		cron:   cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cronLogger{logger}))),
		tasks:  make(map[string]cron.EntryID),
		logger: logger,
		tracer: otel.Tracer("ci-control-plane-scheduler"),
		base:   base,
		cancel: cancel,
	}
}

// Start runs the scheduler until ctx is done, then waits for running tasks.
func (s *CronScheduler) Start(ctx context.Context) error {
	s.logger.Info("cron scheduler started")
	s.cron.Start()
	<-ctx.Done()
	s.logger.Info("cron scheduler stopping...")
	s.cancel()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("cron scheduler stopped")
	return ctx.Err()
}

// AddTask registers fn under name, replacing any task of the same name.
func (s *CronScheduler) AddTask(name, schedule string, fn TaskFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.tasks[name]; ok {
		s.cron.Remove(entryID)
	}

	wrapper := &cronTaskWrapper{
		name:   name,
		fn:     fn,
		base:   s.base,
		logger: s.logger.With("task", name),
		tracer: s.tracer,
	}
	entryID, err := s.cron.AddJob(schedule, wrapper)
	if err != nil {
		return fmt.Errorf("failed to schedule task %s with %q: %w", name, schedule, err)
	}

	s.tasks[name] = entryID
	s.logger.Info("added task to scheduler", "task", name, "schedule", schedule)
	return nil
}

// RemoveTask unregisters a task.
func (s *CronScheduler) RemoveTask(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.tasks[name]; ok {
		s.cron.Remove(entryID)
		delete(s.tasks, name)
		s.logger.Info("removed task from scheduler", "task", name)
	}
}

type cronTaskWrapper struct {
	name   string
	fn     TaskFunc
	base   context.Context
	logger *slog.Logger
	tracer trace.Tracer
}

// Run is called by the cron library.
func (w *cronTaskWrapper) Run() {
	ctx, span := w.tracer.Start(w.base, "scheduler.Run",
		trace.WithAttributes(attribute.String("task.name", w.name)))
	defer span.End()

	if err := w.fn(ctx); err != nil {
		w.logger.Error("scheduled task failed", "error", err)
		span.RecordError(err)
	}
}

// cronLogger adapts slog to the cron library's logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
