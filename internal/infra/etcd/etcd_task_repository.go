// internal/infra/etcd/etcd_task_repository.go
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"

	"single-thread-dispatcher/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	TaskSaveDir = "/dispatchers/tasks/"
)

type etcdTaskRepository struct {
	client *clientv3.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// NewEtcdTaskRepository creates a new repository for task specs backed by etcd.
func NewEtcdTaskRepository(client *clientv3.Client, logger *slog.Logger) domain.TaskRepository {
	return &etcdTaskRepository{
		client: client,
		logger: logger,
		tracer: otel.Tracer("single-thread-dispatcher-etcd-repo"),
	}
}

// TaskKey returns the etcd key of a task spec: /dispatchers/tasks/{dispatcher}/{name}.
func TaskKey(dispatcher, name string) string {
	return path.Join(TaskSaveDir, dispatcher, name)
}

// Save persists the task spec to etcd.
func (r *etcdTaskRepository) Save(ctx context.Context, spec *domain.TaskSpec) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.Save")
	defer span.End()

	specJSON, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("failed to marshal task to JSON: %w", err)
	}

	key := TaskKey(spec.Dispatcher, spec.Name)
	span.SetAttributes(
		attribute.String("task.name", spec.Name),
		attribute.String("dispatcher.name", spec.Dispatcher),
		attribute.String("etcd.key", key),
	)

	if _, err := r.client.Put(ctx, key, string(specJSON)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put task to etcd")
		return fmt.Errorf("failed to save task %s to etcd: %w", spec.Name, err)
	}
	return nil
}

// Delete removes a task spec from etcd.
func (r *etcdTaskRepository) Delete(ctx context.Context, dispatcher, name string) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("task.name", name), attribute.String("dispatcher.name", dispatcher))

	resp, err := r.client.Delete(ctx, TaskKey(dispatcher, name))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete task from etcd")
		return fmt.Errorf("failed to delete task %s from etcd: %w", name, err)
	}
	if resp.Deleted == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

// Get retrieves a task spec from etcd.
func (r *etcdTaskRepository) Get(ctx context.Context, dispatcher, name string) (*domain.TaskSpec, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.Get")
	defer span.End()
	span.SetAttributes(attribute.String("task.name", name), attribute.String("dispatcher.name", dispatcher))

	resp, err := r.client.Get(ctx, TaskKey(dispatcher, name))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get task from etcd")
		return nil, fmt.Errorf("failed to get task %s from etcd: %w", name, err)
	}

	if len(resp.Kvs) == 0 {
		return nil, domain.ErrTaskNotFound
	}

	var spec domain.TaskSpec
	if err := json.Unmarshal(resp.Kvs[0].Value, &spec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task %s from JSON: %w", name, err)
	}
	return &spec, nil
}

// List retrieves all task specs from etcd.
func (r *etcdTaskRepository) List(ctx context.Context) ([]*domain.TaskSpec, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.List")
	defer span.End()

	resp, err := r.client.Get(ctx, TaskSaveDir, clientv3.WithPrefix())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list tasks from etcd")
		return nil, fmt.Errorf("failed to list tasks from etcd: %w", err)
	}
	span.SetAttributes(attribute.Int("etcd.kv_count", len(resp.Kvs)))

	specs := make([]*domain.TaskSpec, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var spec domain.TaskSpec
		if err := json.Unmarshal(kv.Value, &spec); err != nil {
			r.logger.Warn("failed to unmarshal task from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		specs = append(specs, &spec)
	}
	return specs, nil
}
