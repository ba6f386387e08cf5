// internal/infra/memory/task_repository.go
package memory

import (
	"context"
	"sort"
	"sync"

	"single-thread-dispatcher/internal/domain"
)

type taskRepository struct {
	mu    sync.RWMutex
	specs map[string]*domain.TaskSpec // key: dispatcher/name
}

// NewTaskRepository returns a process-local task repository.
func NewTaskRepository() domain.TaskRepository {
	return &taskRepository{specs: make(map[string]*domain.TaskSpec)}
}

func taskKey(dispatcher, name string) string {
	return dispatcher + "/" + name
}

func (r *taskRepository) Save(_ context.Context, spec *domain.TaskSpec) error {
	cp := *spec
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[taskKey(spec.Dispatcher, spec.Name)] = &cp
	return nil
}

func (r *taskRepository) Delete(_ context.Context, dispatcher, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := taskKey(dispatcher, name)
	if _, ok := r.specs[key]; !ok {
		return domain.ErrTaskNotFound
	}
	delete(r.specs, key)
	return nil
}

func (r *taskRepository) Get(_ context.Context, dispatcher, name string) (*domain.TaskSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[taskKey(dispatcher, name)]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	cp := *spec
	return &cp, nil
}

// List returns the specs sorted by dispatcher and name.
func (r *taskRepository) List(_ context.Context) ([]*domain.TaskSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]*domain.TaskSpec, 0, len(r.specs))
	for _, spec := range r.specs {
		cp := *spec
		specs = append(specs, &cp)
	}
	sort.Slice(specs, func(i, j int) bool {
		if specs[i].Dispatcher != specs[j].Dispatcher {
			return specs[i].Dispatcher < specs[j].Dispatcher
		}
		return specs[i].Name < specs[j].Name
	})
	return specs, nil
}
