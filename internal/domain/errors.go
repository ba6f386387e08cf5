// internal/domain/errors.go
package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrThreadCreation is returned when a dispatcher thread cannot be created.
	ErrThreadCreation = errors.New("thread creation failed")

	// ErrAffinityViolation marks a call made from a thread that does not own the dispatcher.
	ErrAffinityViolation = errors.New("thread affinity violation")

	// ErrTimerQueueCorruption is returned when the timer queue is found in an inconsistent state.
	ErrTimerQueueCorruption = errors.New("timer queue corrupted")

	// ErrWorkerTerminated is returned when work is submitted to a thread that has exited
	// or has been asked to terminate.
	ErrWorkerTerminated = errors.New("worker terminated")

	// ErrDispatcherNotFound is returned when no dispatcher is registered under a name.
	ErrDispatcherNotFound = errors.New("dispatcher not found")

	// ErrInvalidTaskSpec is returned when a submitted task spec fails validation.
	ErrInvalidTaskSpec = errors.New("invalid task spec")
)

// AffinityViolationError is the panic value raised when an affinity-checked
// operation runs on the wrong thread.
type AffinityViolationError struct {
	Op      string
	Owner   uint64
	Current uint64
}

func (e *AffinityViolationError) Error() string {
	return fmt.Sprintf("%s: this dispatcher can be used only from thread %d, but now in %d", e.Op, e.Owner, e.Current)
}

func (e *AffinityViolationError) Unwrap() error { return ErrAffinityViolation }
