// internal/worker/registry.go
package worker

import (
	"fmt"
	"log/slog"
	"sync"

	"single-thread-dispatcher/internal/domain"
	"single-thread-dispatcher/internal/metrics"
)

// Observer is told about worker threads entering and leaving a registry.
// Callbacks run on the worker's own thread and must not block.
type Observer interface {
	WorkerStarted(w *Worker)
	WorkerExited(w *Worker)
}

// Registry tracks the live worker threads of the process.
//
// Its bookkeeping is created when the first worker is reserved and torn down
// when the last live worker exits, so an idle process holds no registry state.
// A non-zero limit caps the number of live workers; Start fails with
// domain.ErrThreadCreation when the cap is reached.
type Registry struct {
	mu        sync.Mutex
	limit     int
	workers   map[string]*Worker // nil while no worker is live
	observers []Observer
	logger    *slog.Logger
}

// DefaultRegistry is the process-wide registry used when no other is given.
var DefaultRegistry = NewRegistry(0, nil)

// NewRegistry creates a registry allowing at most limit live workers (0 = unlimited).
func NewRegistry(limit int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		limit:  limit,
		logger: logger.With("component", "worker-registry"),
	}
}

// SetLimit changes the cap on live workers. Running workers are not affected.
func (r *Registry) SetLimit(limit int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limit = limit
}

// AddObserver registers o for future worker events.
func (r *Registry) AddObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Active reports whether the registry currently holds live workers.
func (r *Registry) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workers != nil
}

// Len returns the number of live workers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// Workers returns a snapshot of the live workers.
func (r *Registry) Workers() []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	workers := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	return workers
}

func (r *Registry) reserve(w *Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.limit > 0 && len(r.workers) >= r.limit {
		return fmt.Errorf("%w: worker limit of %d threads reached", domain.ErrThreadCreation, r.limit)
	}
	if r.workers == nil {
		r.workers = make(map[string]*Worker)
		r.logger.Info("worker registry initialized")
	}
	r.workers[w.id] = w
	metrics.WorkerThreads.Inc()
	return nil
}

func (r *Registry) started(w *Worker) {
	for _, o := range r.snapshotObservers() {
		o.WorkerStarted(w)
	}
}

func (r *Registry) leave(w *Worker) {
	r.mu.Lock()
	delete(r.workers, w.id)
	drained := len(r.workers) == 0
	if drained {
		r.workers = nil
	}
	observers := append([]Observer(nil), r.observers...)
	r.mu.Unlock()

	metrics.WorkerThreads.Dec()
	for _, o := range observers {
		o.WorkerExited(w)
	}
	if drained {
		r.logger.Info("worker registry drained")
	}
}

func (r *Registry) snapshotObservers() []Observer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Observer(nil), r.observers...)
}
