// internal/infra/etcd/etcd_execution_repository.go
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
	ExecutionHistoryDir = "/dispatchers/history/"
)

type etcdExecutionRepository struct {
	client *clientv3.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// NewEtcdExecutionRepository creates a new repository for execution records backed by etcd.
func NewEtcdExecutionRepository(client *clientv3.Client, logger *slog.Logger) domain.ExecutionRepository {
	return &etcdExecutionRepository{
		client: client,
		logger: logger,
		tracer: otel.Tracer("single-thread-dispatcher-etcd-execution-repo"),
	}
}

// Save persists a single execution record to etcd.
// The key is structured as /dispatchers/history/{dispatcher}/{taskName}/{executionID}.
func (r *etcdExecutionRepository) Save(ctx context.Context, record *domain.ExecutionRecord) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.SaveExecution")
	defer span.End()

	recordJSON, err := json.Marshal(record)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal execution record")
		return fmt.Errorf("failed to marshal execution record %s to JSON: %w", record.ID, err)
	}

	key := path.Join(ExecutionHistoryDir, record.Dispatcher, record.TaskName, record.ID)
	span.SetAttributes(
		attribute.String("execution.id", record.ID),
		attribute.String("task.name", record.TaskName),
		attribute.String("dispatcher.name", record.Dispatcher),
		attribute.String("etcd.key", key),
	)

	_, err = r.client.Put(ctx, key, string(recordJSON))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put execution record to etcd")
		return fmt.Errorf("failed to save execution record %s to etcd: %w", record.ID, err)
	}
	return nil
}

// ListByTask retrieves historical execution records for a task, with pagination.
// Records are returned newest first.
func (r *etcdExecutionRepository) ListByTask(ctx context.Context, dispatcher, taskName string, page, pageSize int) ([]*domain.ExecutionRecord, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.ListExecutions")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.name", taskName),
		attribute.String("dispatcher.name", dispatcher),
		attribute.Int("page", page),
		attribute.Int("page_size", pageSize),
	)

	prefix := path.Join(ExecutionHistoryDir, dispatcher, taskName) + "/"
	resp, err := r.client.Get(ctx, prefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortDescend), // Newest first
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list execution records from etcd")
		return nil, fmt.Errorf("failed to list execution records for task %s from etcd: %w", taskName, err)
	}

	start, end := domain.PageBounds(len(resp.Kvs), page, pageSize)
	records := make([]*domain.ExecutionRecord, 0, end-start)
	for _, kv := range resp.Kvs[start:end] {
		var record domain.ExecutionRecord
		if err := json.Unmarshal(kv.Value, &record); err != nil {
			r.logger.Warn("failed to unmarshal execution record from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		records = append(records, &record)
	}
	span.SetAttributes(attribute.Int("records_returned", len(records)))
	return records, nil
}
