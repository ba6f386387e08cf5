// Package dispatcher implements a single-thread task dispatcher: one dedicated
// thread running a cooperative loop over a mailbox and a timer queue.
//
// Dispatch, InvokeOnTimeout and ScheduleResumeAfterDelay may only be called on
// the dispatcher's own thread and panic with *domain.AffinityViolationError
// otherwise. Other goroutines hand work over with Execute.
//
// Close does not drain: tasks and timers still queued when the loop observes
// the closed flag are abandoned (logged and counted). A task that panics is
// recovered, logged and counted; the loop keeps running.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"single-thread-dispatcher/internal/domain"
	"single-thread-dispatcher/internal/eventloop"
	"single-thread-dispatcher/internal/metrics"
	"single-thread-dispatcher/internal/worker"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// State is the run loop's lifecycle state.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Dispatcher owns exactly one worker thread for its whole life.
type Dispatcher struct {
	name   string
	worker *worker.Worker
	loop   *eventloop.EventLoop
	next   func(*eventloop.EventLoop) (time.Duration, error)
	closed atomic.Bool
	state  atomic.Int32
	done   chan struct{}
	err    error
	logger *slog.Logger
	tracer trace.Tracer
}

var _ domain.SingleThreadDispatcher = (*Dispatcher)(nil)

// Start creates a dispatcher and its thread. It fails with an error wrapping
// domain.ErrThreadCreation when the thread cannot be created.
func Start(name string, opts ...Option) (*Dispatcher, error) {
	o := options{
		logger:   slog.Default(),
		registry: worker.DefaultRegistry,
		tracer:   otel.Tracer("single-thread-dispatcher"),
	}
	for _, opt := range opts {
		opt(&o)
	}

	d := &Dispatcher{
		name:   name,
		done:   make(chan struct{}),
		logger: o.logger.With("component", "dispatcher", "dispatcher", name),
		tracer: o.tracer,
		next:   o.next,
	}
	if d.next == nil {
		d.next = (*eventloop.EventLoop).ProcessNextEvent
	}

	w, err := worker.Start(name, d.run,
		worker.WithRegistry(o.registry),
		worker.WithLogger(o.logger),
		worker.WithPanicHandler(d.recovered),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start dispatcher %s: %w", name, err)
	}
	d.worker = w

	d.logger.Info("dispatcher started", "worker_id", w.ID())
	return d, nil
}

func (d *Dispatcher) run(w *worker.Worker) {
	defer close(d.done)

	loop, release := eventloop.Acquire()
	d.loop = loop
	defer func() {
		if abandoned := loop.Pending() + w.Discard(); abandoned > 0 {
			d.logger.Warn("dispatcher closed with pending work", "abandoned", abandoned)
			metrics.AbandonedTasks.WithLabelValues(d.name).Add(float64(abandoned))
		}
		release()
		d.state.Store(int32(StateTerminated))
		d.logger.Info("dispatcher terminated")
	}()

	d.state.Store(int32(StateRunning))
	for {
		w.ProcessQueue()
		park, err := d.next(loop)
		metrics.LoopIterations.WithLabelValues(d.name).Inc()
		if err != nil {
			d.err = fmt.Errorf("dispatcher %s: %w", d.name, err)
			d.logger.Error("run loop stopped on fatal error", "error", err)
			d.closed.Store(true)
			w.RequestTermination()
			return
		}
		if d.closed.Load() {
			d.state.Store(int32(StateDraining))
			return
		}
		w.Park(park)
	}
}

// Name returns the name the dispatcher was started with.
func (d *Dispatcher) Name() string { return d.name }

// Worker returns the dispatcher's thread handle.
func (d *Dispatcher) Worker() *worker.Worker { return d.worker }

// State returns the current lifecycle state of the run loop.
func (d *Dispatcher) State() State { return State(d.state.Load()) }

// Done is closed once the run loop has terminated.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Err returns the error that stopped the run loop, if any. It is only
// meaningful after Done is closed.
func (d *Dispatcher) Err() error {
	select {
	case <-d.done:
		return d.err
	default:
		return nil
	}
}

// Execute hands a task to the dispatcher thread from any goroutine. It fails
// with domain.ErrWorkerTerminated once the dispatcher is closing.
func (d *Dispatcher) Execute(ctx context.Context, task domain.Task) error {
	return d.worker.Execute(ctx, d.guard("execute", task))
}

// ExecuteAndWait runs task on the dispatcher thread and waits for it to
// return. Called on the dispatcher thread it runs task inline.
func (d *Dispatcher) ExecuteAndWait(ctx context.Context, task domain.Task) error {
	if d.worker.IsCurrent() {
		d.guard("execute", task)(ctx)
		return nil
	}

	finished := make(chan struct{})
	if err := d.Execute(ctx, func(ctx context.Context) {
		defer close(finished)
		task(ctx)
	}); err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		select {
		case <-finished:
			return nil
		default:
			return domain.ErrWorkerTerminated
		}
	}
}

// Dispatch queues task on the dispatcher's thread-local event loop.
// Dispatcher thread only.
func (d *Dispatcher) Dispatch(ctx context.Context, task domain.Task) {
	d.worker.CheckCurrent("Dispatch")
	d.loop.Dispatch(ctx, d.guard("dispatch", task))
}

// InvokeOnTimeout runs task on the dispatcher thread once d has elapsed.
// Dispatcher thread only.
func (d *Dispatcher) InvokeOnTimeout(delay time.Duration, task domain.Task) domain.DisposableHandle {
	d.worker.CheckCurrent("InvokeOnTimeout")
	return d.schedule(delay, d.guard("timeout", task))
}

// ScheduleResumeAfterDelay resumes cont on the dispatcher thread once d has
// elapsed. Dispatcher thread only.
func (d *Dispatcher) ScheduleResumeAfterDelay(delay time.Duration, cont domain.Continuation) domain.DisposableHandle {
	d.worker.CheckCurrent("ScheduleResumeAfterDelay")
	return d.schedule(delay, d.guard("resume", func(context.Context) { cont.Resume() }))
}

func (d *Dispatcher) schedule(delay time.Duration, task domain.Task) domain.DisposableHandle {
	h := d.loop.Schedule(context.Background(), delay, task)
	metrics.TimersScheduled.WithLabelValues(d.name).Inc()
	return &timerHandle{h: h, dispatcher: d.name}
}

// Close requests termination and returns immediately. Calls after the first
// have no effect. Wait on Done for the loop to exit.
func (d *Dispatcher) Close() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	d.logger.Info("closing dispatcher")
	d.worker.RequestTermination()
}

// guard wraps a task with the per-task span, metrics and panic recovery.
func (d *Dispatcher) guard(kind string, task domain.Task) domain.Task {
	return func(ctx context.Context) {
		if ctx == nil {
			ctx = context.Background()
		}
		ctx, span := d.tracer.Start(ctx, "dispatcher.task", trace.WithAttributes(
			attribute.String("dispatcher.name", d.name),
			attribute.String("task.kind", kind),
		))
		defer span.End()
		defer func() {
			if r := recover(); r != nil {
				d.recovered(r)
				span.RecordError(fmt.Errorf("panic in %s task: %v", kind, r))
				span.SetStatus(codes.Error, "task panicked")
			}
		}()

		metrics.TasksExecuted.WithLabelValues(d.name, kind).Inc()
		task(ctx)
	}
}

func (d *Dispatcher) recovered(r any) {
	d.logger.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
	metrics.TaskPanics.WithLabelValues(d.name).Inc()
}

type timerHandle struct {
	h          *eventloop.TimerHandle
	dispatcher string
}

func (t *timerHandle) Dispose() {
	if t.h.Cancel() {
		metrics.TimersCancelled.WithLabelValues(t.dispatcher).Inc()
	}
}
