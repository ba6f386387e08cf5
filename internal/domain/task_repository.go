package domain

import (
	"context"
	"errors"
)

// ErrTaskNotFound is a sentinel error returned when a task spec is not found.
var ErrTaskNotFound = errors.New("task not found")

// TaskRepository persists recurring task specs so they can be re-armed after a restart.
type TaskRepository interface {
	Save(ctx context.Context, spec *TaskSpec) error
	Delete(ctx context.Context, dispatcher, name string) error
	Get(ctx context.Context, dispatcher, name string) (*TaskSpec, error)
	List(ctx context.Context) ([]*TaskSpec, error)
}
