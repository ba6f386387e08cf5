// internal/domain/dispatcher.go
package domain

import (
	"context"
	"math"
	"time"
)

// Indefinite is the park interval reported when no timer is pending.
const Indefinite time.Duration = math.MaxInt64

// Task is a unit of work run exactly once under the context it was dispatched with.
type Task func(ctx context.Context)

// Continuation is an opaque suspended computation. Dispatchers only store it
// and resume it once.
type Continuation interface {
	Resume()
}

// ResumeFunc adapts a plain function to a Continuation.
type ResumeFunc func()

func (f ResumeFunc) Resume() { f() }

// DisposableHandle cancels a pending timed task. Disposing after the task has
// fired is a no-op.
type DisposableHandle interface {
	Dispose()
}

// TaskDispatcher is the generic task scheduling abstraction dispatchers plug into.
type TaskDispatcher interface {
	Dispatch(ctx context.Context, task Task)
}

// Delay is implemented by dispatchers that support timed work.
type Delay interface {
	ScheduleResumeAfterDelay(d time.Duration, cont Continuation) DisposableHandle
	InvokeOnTimeout(d time.Duration, task Task) DisposableHandle
}

// Executor hands a task to another thread. Execute must be safe to call from
// any goroutine and must not block.
type Executor interface {
	Execute(ctx context.Context, task Task) error
}

// SingleThreadDispatcher binds one dedicated thread to a run loop.
type SingleThreadDispatcher interface {
	TaskDispatcher
	Delay
	Executor

	Name() string
	// Close requests termination and returns without waiting for it.
	Close()
	Done() <-chan struct{}
}
