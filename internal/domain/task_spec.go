package domain

import (
	"fmt"
	"time"
)

// ExecutorType defines the type of the task executor.
type ExecutorType string

const (
	ExecutorTypeHTTP  ExecutorType = "http"
	ExecutorTypeShell ExecutorType = "shell"
)

// ActionSpec represents the action performed when a task fires.
type ActionSpec struct {
	URL     string `json:"url,omitempty"`     // For HTTP executor
	Method  string `json:"method,omitempty"`  // For HTTP executor
	Command string `json:"command,omitempty"` // For Shell executor
}

// RetryPolicy defines how a failed run is re-armed on the dispatcher timer queue.
type RetryPolicy struct {
	MaxRetries int           `json:"max_retries"`
	Backoff    time.Duration `json:"backoff"`
}

// TaskSpec describes a task submitted to a named dispatcher. A spec with a
// CronExpr is re-armed after every activation; otherwise it fires once after Delay.
type TaskSpec struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Dispatcher   string        `json:"dispatcher"`
	Delay        time.Duration `json:"delay"`
	CronExpr     string        `json:"cron_expr,omitempty"`
	ExecutorType ExecutorType  `json:"executor_type"`
	Action       ActionSpec    `json:"action"`
	RetryPolicy  *RetryPolicy  `json:"retry_policy,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Recurring reports whether the task is driven by a cron schedule.
func (s *TaskSpec) Recurring() bool {
	return s.CronExpr != ""
}

// Validate checks if the task spec is valid and fills defaults.
func (s *TaskSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: task name cannot be empty", ErrInvalidTaskSpec)
	}
	if s.Dispatcher == "" {
		return fmt.Errorf("%w: dispatcher name cannot be empty", ErrInvalidTaskSpec)
	}
	if s.Delay < 0 {
		return fmt.Errorf("%w: task delay cannot be negative", ErrInvalidTaskSpec)
	}
	switch s.ExecutorType {
	case ExecutorTypeHTTP:
		if s.Action.URL == "" {
			return fmt.Errorf("%w: action URL cannot be empty for http task", ErrInvalidTaskSpec)
		}
		if s.Action.Method == "" {
			s.Action.Method = "GET"
		}
	case ExecutorTypeShell:
		if s.Action.Command == "" {
			return fmt.Errorf("%w: action command cannot be empty for shell task", ErrInvalidTaskSpec)
		}
	default:
		return fmt.Errorf("%w: invalid executor type: %s", ErrInvalidTaskSpec, s.ExecutorType)
	}
	if s.RetryPolicy != nil && s.RetryPolicy.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries cannot be negative", ErrInvalidTaskSpec)
	}
	return nil
}
