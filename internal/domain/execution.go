// internal/domain/execution.go
package domain

import (
	"context"
	"fmt"
	"time"
)

// ExecutionStatus defines the status of a task execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning ExecutionStatus = "running"
	ExecutionStatusSuccess ExecutionStatus = "success"
	ExecutionStatusFailed  ExecutionStatus = "failed"
)

// ExecutionRecord represents one run of a task on a dispatcher thread.
type ExecutionRecord struct {
	ID         string          `json:"id"`
	TaskName   string          `json:"task_name"`
	Dispatcher string          `json:"dispatcher"`
	WorkerID   string          `json:"worker_id,omitempty"` // Worker thread that ran the task
	StartTime  time.Time       `json:"start_time"`
	EndTime    time.Time       `json:"end_time"`
	Status     ExecutionStatus `json:"status"`
	Output     string          `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	Attempt    int             `json:"attempt"` // 0 for the first attempt
}

// Validate checks if the execution record is valid.
func (r *ExecutionRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("execution record ID cannot be empty")
	}
	if r.TaskName == "" {
		return fmt.Errorf("execution record task name cannot be empty")
	}
	if r.StartTime.IsZero() {
		return fmt.Errorf("execution record start time cannot be zero")
	}
	if r.Status == "" {
		return fmt.Errorf("execution record status cannot be empty")
	}
	return nil
}

// ExecutionRepository defines the interface for persisting and retrieving execution records.
type ExecutionRepository interface {
	// Save persists a single execution record, replacing an earlier version with the same ID.
	Save(ctx context.Context, record *ExecutionRecord) error
	// ListByTask returns records for a task, newest first, with pagination.
	ListByTask(ctx context.Context, dispatcher, taskName string, page, pageSize int) ([]*ExecutionRecord, error)
}

// PageBounds returns the [start, end) slice bounds of a 1-based page over total
// items. Out-of-range pages yield an empty range.
func PageBounds(total, page, pageSize int) (start, end int) {
	if page < 1 || pageSize < 1 {
		return 0, 0
	}
	if total < 1 || page-1 > (total-1)/pageSize {
		return total, total
	}
	start = (page - 1) * pageSize
	if pageSize >= total-start {
		return start, total
	}
	return start, start + pageSize
}
