package domain

import "context"

// ActionExecutor performs a single attempt of a task's action.
type ActionExecutor interface {
	Execute(ctx context.Context, spec *TaskSpec) (output string, err error)
}
