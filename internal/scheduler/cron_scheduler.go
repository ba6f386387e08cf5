// internal/scheduler/cron_scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"single-thread-dispatcher/internal/domain"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Dispatcher is the part of a single-thread dispatcher the cron trigger needs.
type Dispatcher interface {
	domain.Delay
	Name() string
	ExecuteAndWait(ctx context.Context, task domain.Task) error
}

// parser accepts an optional leading seconds field and descriptors such as @every 1m.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// CronTrigger fires tasks on cron schedules using its dispatcher's timer queue.
// Each activation arms a single timer for the next one, so every run happens
// on the dispatcher thread and nothing fires after the dispatcher closes.
//
// entries is only touched on the dispatcher thread.
type CronTrigger struct {
	dispatcher Dispatcher
	entries    map[string]*entry
	now        func() time.Time
	logger     *slog.Logger
	tracer     trace.Tracer
}

type entry struct {
	name     string
	expr     string
	schedule cron.Schedule
	task     domain.Task
	ctx      context.Context
	handle   domain.DisposableHandle
	next     time.Time
}

// NewCronTrigger creates a trigger bound to d.
func NewCronTrigger(d Dispatcher, logger *slog.Logger) *CronTrigger {
	return &CronTrigger{
		dispatcher: d,
		entries:    make(map[string]*entry),
		now:        time.Now,
		logger:     logger.With("component", "cron-trigger", "dispatcher", d.Name()),
		tracer:     otel.Tracer("single-thread-dispatcher-scheduler"),
	}
}

// Add schedules task under name, replacing an earlier entry with the same name.
// The task runs under a context detached from ctx's cancellation.
func (s *CronTrigger) Add(ctx context.Context, name, expr string, task domain.Task) error {
	sched, err := ParseSchedule(expr)
	if err != nil {
		s.logger.Error("failed to add task to cron", "task_name", name, "error", err)
		return err
	}

	e := &entry{
		name:     name,
		expr:     expr,
		schedule: sched,
		task:     task,
		ctx:      context.WithoutCancel(ctx),
	}
	return s.dispatcher.ExecuteAndWait(ctx, func(context.Context) {
		if old, ok := s.entries[name]; ok {
			old.handle.Dispose()
		}
		s.entries[name] = e
		s.arm(e)
		s.logger.Info("added task to cron trigger", "task_name", name, "schedule", expr, "next", e.next)
	})
}

// Remove cancels the entry called name. It reports whether one existed.
func (s *CronTrigger) Remove(ctx context.Context, name string) (bool, error) {
	var found bool
	err := s.dispatcher.ExecuteAndWait(ctx, func(context.Context) {
		e, ok := s.entries[name]
		if !ok {
			return
		}
		e.handle.Dispose()
		delete(s.entries, name)
		found = true
		s.logger.Info("removed task from cron trigger", "task_name", name)
	})
	return found, err
}

// Next returns the next activation time of the entry called name.
func (s *CronTrigger) Next(ctx context.Context, name string) (time.Time, bool, error) {
	var next time.Time
	var found bool
	err := s.dispatcher.ExecuteAndWait(ctx, func(context.Context) {
		if e, ok := s.entries[name]; ok {
			next, found = e.next, true
		}
	})
	return next, found, err
}

func (s *CronTrigger) arm(e *entry) {
	now := s.now()
	e.next = e.schedule.Next(now)
	if e.next.IsZero() {
		s.logger.Warn("cron schedule has no further activations", "task_name", e.name, "schedule", e.expr)
		delete(s.entries, e.name)
		return
	}
	e.handle = s.dispatcher.InvokeOnTimeout(e.next.Sub(now), func(context.Context) {
		s.fire(e)
	})
}

func (s *CronTrigger) fire(e *entry) {
	if s.entries[e.name] != e {
		return
	}
	s.arm(e)

	ctx, span := s.tracer.Start(e.ctx, "scheduler.Fire",
		trace.WithAttributes(
			attribute.String("task.name", e.name),
			attribute.String("dispatcher.name", s.dispatcher.Name()),
		))
	defer span.End()

	s.logger.Debug("cron activation", "task_name", e.name)
	e.task(ctx)
}
