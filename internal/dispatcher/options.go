package dispatcher

import (
	"log/slog"
	"time"

	"single-thread-dispatcher/internal/eventloop"
	"single-thread-dispatcher/internal/worker"

	"go.opentelemetry.io/otel/trace"
)

type options struct {
	logger   *slog.Logger
	registry *worker.Registry
	tracer   trace.Tracer
	next     func(*eventloop.EventLoop) (time.Duration, error)
}

// Option configures a Dispatcher.
type Option func(*options)

// WithLogger sets the logger used by the dispatcher and its worker.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegistry sets the worker registry the dispatcher thread is accounted in.
func WithRegistry(r *worker.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithTracer sets the tracer used for per-task spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// withEventSource replaces the loop step, letting tests stall or fail it.
func withEventSource(next func(*eventloop.EventLoop) (time.Duration, error)) Option {
	return func(o *options) { o.next = next }
}
