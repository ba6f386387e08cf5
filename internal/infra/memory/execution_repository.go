// internal/infra/memory/execution_repository.go
package memory

import (
	"context"
	"sync"

	"single-thread-dispatcher/internal/domain"
)

type executionKey struct {
	dispatcher string
	task       string
}

type executionRepository struct {
	mu      sync.RWMutex
	limit   int
	history map[executionKey][]*domain.ExecutionRecord // oldest first
}

// NewExecutionRepository keeps at most limit records per task (0 = unbounded).
func NewExecutionRepository(limit int) domain.ExecutionRepository {
	return &executionRepository{
		limit:   limit,
		history: make(map[executionKey][]*domain.ExecutionRecord),
	}
}

// Save stores a copy of record, replacing an earlier version with the same ID.
func (r *executionRepository) Save(_ context.Context, record *domain.ExecutionRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	cp := *record

	r.mu.Lock()
	defer r.mu.Unlock()

	key := executionKey{dispatcher: record.Dispatcher, task: record.TaskName}
	records := r.history[key]
	for i, existing := range records {
		if existing.ID == cp.ID {
			records[i] = &cp
			return nil
		}
	}
	records = append(records, &cp)
	if r.limit > 0 && len(records) > r.limit {
		records = append(records[:0:0], records[len(records)-r.limit:]...)
	}
	r.history[key] = records
	return nil
}

// ListByTask returns copies of the task's records, newest first.
func (r *executionRepository) ListByTask(_ context.Context, dispatcher, taskName string, page, pageSize int) ([]*domain.ExecutionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := r.history[executionKey{dispatcher: dispatcher, task: taskName}]
	start, end := domain.PageBounds(len(records), page, pageSize)
	out := make([]*domain.ExecutionRecord, 0, end-start)
	for i := start; i < end; i++ {
		cp := *records[len(records)-1-i]
		out = append(out, &cp)
	}
	return out, nil
}
