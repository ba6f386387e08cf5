// internal/worker/worker.go
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"single-thread-dispatcher/internal/domain"
	"single-thread-dispatcher/internal/goid"

	"github.com/google/uuid"
)

// Body is the entire life of a worker thread. It must return once the worker
// has been asked to terminate.
type Body func(w *Worker)

type queuedTask struct {
	ctx  context.Context
	task domain.Task
}

// Worker is a goroutine locked to its own OS thread for its whole life,
// with a mailbox other goroutines can post tasks to.
type Worker struct {
	id       string
	name     string
	thread   uint64
	registry *Registry
	logger   *slog.Logger
	onPanic  func(r any)

	mu          sync.Mutex
	queue       []queuedTask
	terminating bool

	wake    chan struct{}
	started chan struct{}
	done    chan struct{}
	exited  atomic.Bool
}

// Option configures a Worker.
type Option func(*Worker)

// WithRegistry sets the registry the worker is accounted in.
func WithRegistry(r *Registry) Option {
	return func(w *Worker) { w.registry = r }
}

// WithLogger sets the worker's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithPanicHandler replaces the default handler for panics raised by mailbox tasks.
func WithPanicHandler(fn func(r any)) Option {
	return func(w *Worker) { w.onPanic = fn }
}

// Start creates the worker thread and runs body on it. A nil body processes
// the mailbox until termination is requested. Start returns once the thread
// is running and its identity is known; on failure no thread is left behind.
func Start(name string, body Body, opts ...Option) (*Worker, error) {
	w := &Worker{
		id:       uuid.NewString(),
		name:     name,
		registry: DefaultRegistry,
		logger:   slog.Default(),
		wake:     make(chan struct{}, 1),
		started:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "worker", "worker_name", name, "worker_id", w.id)
	if w.onPanic == nil {
		w.onPanic = w.logPanic
	}
	if body == nil {
		body = serve
	}

	if err := w.registry.reserve(w); err != nil {
		return nil, fmt.Errorf("failed to start worker %s: %w", name, err)
	}

	go w.main(body)
	<-w.started
	return w, nil
}

func (w *Worker) main(body Body) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	w.thread = goid.ID()
	close(w.started)
	w.registry.started(w)

	defer func() {
		if abandoned := w.Discard(); abandoned > 0 {
			w.logger.Warn("worker exited with queued tasks", "abandoned", abandoned)
		}
		w.exited.Store(true)
		w.registry.leave(w)
		close(w.done)
	}()

	w.logger.Debug("worker thread started", "thread", w.thread)
	body(w)
}

// serve is the default body: run mailbox tasks until asked to terminate.
func serve(w *Worker) {
	for {
		w.ProcessQueue()
		if w.TerminationRequested() {
			return
		}
		w.Park(domain.Indefinite)
	}
}

// ID returns the worker's unique identifier.
func (w *Worker) ID() string { return w.id }

// Name returns the name the worker was started with.
func (w *Worker) Name() string { return w.name }

// Thread returns the identity of the owned thread.
func (w *Worker) Thread() uint64 { return w.thread }

// Done is closed after the worker thread has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Execute posts a task to the worker's mailbox and wakes the thread. It is safe
// to call from any goroutine and never blocks on the worker.
func (w *Worker) Execute(ctx context.Context, task domain.Task) error {
	w.mu.Lock()
	if w.terminating {
		w.mu.Unlock()
		return domain.ErrWorkerTerminated
	}
	w.queue = append(w.queue, queuedTask{ctx: ctx, task: task})
	w.mu.Unlock()

	w.signal()
	return nil
}

// ProcessQueue runs every task that was in the mailbox when it was called, in
// FIFO order, and returns how many ran. Owner thread only.
func (w *Worker) ProcessQueue() int {
	w.mu.Lock()
	batch := w.queue
	w.queue = nil
	w.mu.Unlock()

	for _, q := range batch {
		w.run(q)
	}
	return len(batch)
}

func (w *Worker) run(q queuedTask) {
	defer func() {
		if r := recover(); r != nil {
			w.onPanic(r)
		}
	}()
	q.task(q.ctx)
}

func (w *Worker) logPanic(r any) {
	w.logger.Error("worker task panicked", "panic", r, "stack", string(debug.Stack()))
}

// Park blocks the owner thread for at most d, returning early when a task is
// posted or termination is requested. domain.Indefinite parks until woken.
func (w *Worker) Park(d time.Duration) {
	if d <= 0 {
		return
	}
	if d == domain.Indefinite {
		<-w.wake
		return
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-w.wake:
	case <-timer.C:
	}
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Discard refuses new tasks and drops those still in the mailbox, returning
// how many were dropped. Owner thread only.
func (w *Worker) Discard() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.terminating = true
	n := len(w.queue)
	w.queue = nil
	return n
}

// RequestTermination asks the thread to finish cooperatively. New tasks are
// refused from now on. It does not wait for the thread to exit.
func (w *Worker) RequestTermination() {
	w.mu.Lock()
	already := w.terminating
	w.terminating = true
	w.mu.Unlock()

	if !already {
		w.logger.Debug("worker termination requested")
	}
	w.signal()
}

// TerminationRequested reports whether RequestTermination has been called.
func (w *Worker) TerminationRequested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.terminating
}

// IsCurrent reports whether the caller runs on this worker's thread.
func (w *Worker) IsCurrent() bool {
	return !w.exited.Load() && goid.ID() == w.thread
}

// CheckCurrent panics with a *domain.AffinityViolationError unless the caller
// runs on this worker's thread.
func (w *Worker) CheckCurrent(op string) {
	current := goid.ID()
	if current == w.thread && !w.exited.Load() {
		return
	}
	panic(&domain.AffinityViolationError{Op: op, Owner: w.thread, Current: current})
}
