package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"single-thread-dispatcher/internal/dispatcher"
	"single-thread-dispatcher/internal/domain"
	"single-thread-dispatcher/internal/metrics"
	"single-thread-dispatcher/internal/scheduler"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DispatcherInfo summarizes a managed dispatcher.
type DispatcherInfo struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	WorkerID string `json:"worker_id"`
}

type managed struct {
	dispatcher *dispatcher.Dispatcher
	trigger    *scheduler.CronTrigger
	pending    map[string]domain.DisposableHandle // dispatcher thread only
}

// TaskService runs task specs on a pool of named single-thread dispatchers.
type TaskService struct {
	mu        sync.RWMutex
	pool      map[string]*managed
	repo      domain.TaskRepository
	execRepo  domain.ExecutionRepository
	executors map[domain.ExecutorType]domain.ActionExecutor
	opts      []dispatcher.Option
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewTaskService creates a new TaskService instance. opts are applied to every
// dispatcher it starts.
func NewTaskService(repo domain.TaskRepository, execRepo domain.ExecutionRepository, executors map[domain.ExecutorType]domain.ActionExecutor, logger *slog.Logger, opts ...dispatcher.Option) *TaskService {
	return &TaskService{
		pool:      make(map[string]*managed),
		repo:      repo,
		execRepo:  execRepo,
		executors: executors,
		opts:      opts,
		logger:    logger.With("component", "task-service"),
		tracer:    otel.Tracer("single-thread-dispatcher-usecase"),
	}
}

// StartDispatcher starts a dispatcher called name and adds it to the pool.
// A terminated dispatcher of the same name is replaced.
func (s *TaskService) StartDispatcher(name string) (*dispatcher.Dispatcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.pool[name]; ok && m.dispatcher.State() != dispatcher.StateTerminated {
		return nil, fmt.Errorf("dispatcher %s is already running", name)
	}

	d, err := dispatcher.Start(name, s.opts...)
	if err != nil {
		return nil, err
	}
	s.pool[name] = &managed{
		dispatcher: d,
		trigger:    scheduler.NewCronTrigger(d, s.logger),
		pending:    make(map[string]domain.DisposableHandle),
	}
	return d, nil
}

// Get returns the dispatcher called name.
func (s *TaskService) Get(name string) (*dispatcher.Dispatcher, error) {
	m, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	return m.dispatcher, nil
}

func (s *TaskService) lookup(name string) (*managed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.pool[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrDispatcherNotFound, name)
	}
	return m, nil
}

// List returns the managed dispatchers sorted by name.
func (s *TaskService) List() []DispatcherInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]DispatcherInfo, 0, len(s.pool))
	for name, m := range s.pool {
		infos = append(infos, DispatcherInfo{
			Name:     name,
			State:    m.dispatcher.State().String(),
			WorkerID: m.dispatcher.Worker().ID(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Submit validates spec and arms it on its dispatcher. One-shot specs fire
// once after spec.Delay; cron specs are persisted and re-armed after each run.
func (s *TaskService) Submit(ctx context.Context, spec *domain.TaskSpec) error {
	ctx, span := s.tracer.Start(ctx, "service.Submit")
	defer span.End()

	if err := spec.Validate(); err != nil {
		return err
	}
	if _, ok := s.executors[spec.ExecutorType]; !ok {
		return fmt.Errorf("%w: no executor registered for type %s", domain.ErrInvalidTaskSpec, spec.ExecutorType)
	}
	m, err := s.lookup(spec.Dispatcher)
	if err != nil {
		return err
	}

	if spec.ID == "" {
		spec.ID = uuid.New().String()
		spec.CreatedAt = time.Now()
	}
	span.SetAttributes(
		attribute.String("task.id", spec.ID),
		attribute.String("task.name", spec.Name),
		attribute.String("dispatcher.name", spec.Dispatcher),
	)

	if spec.Recurring() {
		if _, err := scheduler.ParseSchedule(spec.CronExpr); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidTaskSpec, err)
		}
		if err := s.repo.Save(ctx, spec); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to save task to repository")
			return err
		}
		return s.arm(ctx, m, spec)
	}

	taskCtx := context.WithoutCancel(ctx)
	err = m.dispatcher.ExecuteAndWait(ctx, func(context.Context) {
		if old, ok := m.pending[spec.Name]; ok {
			old.Dispose()
		}
		s.schedule(taskCtx, m, spec, spec.Delay, 0)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to hand task to dispatcher")
	}
	return err
}

func (s *TaskService) arm(ctx context.Context, m *managed, spec *domain.TaskSpec) error {
	err := m.trigger.Add(ctx, spec.Name, spec.CronExpr, func(ctx context.Context) {
		s.attempt(ctx, m, spec, 0)
	})
	if err != nil {
		s.logger.Error("failed to arm cron task", "task_name", spec.Name, "dispatcher", spec.Dispatcher, "error", err)
	}
	return err
}

// schedule arms one attempt of spec. Dispatcher thread only.
func (s *TaskService) schedule(ctx context.Context, m *managed, spec *domain.TaskSpec, delay time.Duration, attempt int) {
	var handle domain.DisposableHandle
	handle = m.dispatcher.InvokeOnTimeout(delay, func(context.Context) {
		if m.pending[spec.Name] == handle {
			delete(m.pending, spec.Name)
		}
		s.attempt(ctx, m, spec, attempt)
	})
	m.pending[spec.Name] = handle
}

// attempt runs spec once and re-arms a retry on failure. Dispatcher thread only.
func (s *TaskService) attempt(ctx context.Context, m *managed, spec *domain.TaskSpec, attempt int) {
	ctx, span := s.tracer.Start(ctx, "service.Attempt",
		trace.WithAttributes(
			attribute.String("task.name", spec.Name),
			attribute.String("dispatcher.name", spec.Dispatcher),
			attribute.Int("task.attempt", attempt),
		))
	defer span.End()

	logger := s.logger.With("task_name", spec.Name, "dispatcher", spec.Dispatcher, "attempt", attempt)
	record := &domain.ExecutionRecord{
		ID:         uuid.New().String(),
		TaskName:   spec.Name,
		Dispatcher: spec.Dispatcher,
		WorkerID:   m.dispatcher.Worker().ID(),
		StartTime:  time.Now(),
		Status:     domain.ExecutionStatusRunning,
		Attempt:    attempt,
	}
	s.saveRecord(ctx, record)

	output, err := s.executors[spec.ExecutorType].Execute(ctx, spec)
	record.EndTime = time.Now()
	record.Output = output
	if err != nil {
		record.Status = domain.ExecutionStatusFailed
		record.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "task execution failed")
		logger.Warn("task execution failed", "error", err)
	} else {
		record.Status = domain.ExecutionStatusSuccess
		logger.Info("task executed", "duration", record.EndTime.Sub(record.StartTime))
	}
	s.saveRecord(ctx, record)
	metrics.TaskExecutionTotal.WithLabelValues(spec.Dispatcher, spec.Name, string(record.Status)).Inc()

	if err != nil && spec.RetryPolicy != nil && attempt < spec.RetryPolicy.MaxRetries {
		logger.Info("scheduling retry", "backoff", spec.RetryPolicy.Backoff)
		s.schedule(ctx, m, spec, spec.RetryPolicy.Backoff, attempt+1)
	}
}

func (s *TaskService) saveRecord(ctx context.Context, record *domain.ExecutionRecord) {
	if err := s.execRepo.Save(ctx, record); err != nil {
		s.logger.Error("failed to save execution record", "execution_id", record.ID, "error", err)
	}
}

// Cancel disposes a pending run or retry of the task and removes its cron entry
// and persisted spec. It returns domain.ErrTaskNotFound when nothing matched.
func (s *TaskService) Cancel(ctx context.Context, dispatcherName, taskName string) error {
	ctx, span := s.tracer.Start(ctx, "service.Cancel")
	defer span.End()
	span.SetAttributes(attribute.String("task.name", taskName), attribute.String("dispatcher.name", dispatcherName))

	m, err := s.lookup(dispatcherName)
	if err != nil {
		return err
	}

	var disposed bool
	if err := m.dispatcher.ExecuteAndWait(ctx, func(context.Context) {
		if h, ok := m.pending[taskName]; ok {
			h.Dispose()
			delete(m.pending, taskName)
			disposed = true
		}
	}); err != nil {
		return err
	}

	removed, err := m.trigger.Remove(ctx, taskName)
	if err != nil {
		return err
	}

	if err := s.repo.Delete(ctx, dispatcherName, taskName); err != nil && !errors.Is(err, domain.ErrTaskNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete task from repository")
		return err
	}

	if !disposed && !removed {
		return domain.ErrTaskNotFound
	}
	s.logger.Info("task cancelled", "task_name", taskName, "dispatcher", dispatcherName)
	return nil
}

// ListHistory lists the execution history for a task.
func (s *TaskService) ListHistory(ctx context.Context, dispatcherName, taskName string, page, pageSize int) ([]*domain.ExecutionRecord, error) {
	ctx, span := s.tracer.Start(ctx, "service.ListHistory")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.name", taskName),
		attribute.String("dispatcher.name", dispatcherName),
		attribute.Int("page", page),
		attribute.Int("page_size", pageSize),
	)

	records, err := s.execRepo.ListByTask(ctx, dispatcherName, taskName, page, pageSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list task history from repository")
	}
	return records, err
}

// Restore re-arms every persisted cron spec whose dispatcher is in the pool.
func (s *TaskService) Restore(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "service.Restore")
	defer span.End()

	specs, err := s.repo.List(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list tasks from repository")
		return fmt.Errorf("failed to load tasks: %w", err)
	}

	var restored int
	for _, spec := range specs {
		m, err := s.lookup(spec.Dispatcher)
		if err != nil {
			s.logger.Warn("skipping task for unknown dispatcher", "task_name", spec.Name, "dispatcher", spec.Dispatcher)
			continue
		}
		if err := s.arm(ctx, m, spec); err != nil {
			continue
		}
		restored++
	}
	s.logger.Info("restored cron tasks", "count", restored)
	return nil
}

// CloseAll closes every dispatcher and waits for their loops to exit or ctx to end.
func (s *TaskService) CloseAll(ctx context.Context) error {
	s.mu.RLock()
	dispatchers := make([]*dispatcher.Dispatcher, 0, len(s.pool))
	for _, m := range s.pool {
		dispatchers = append(dispatchers, m.dispatcher)
	}
	s.mu.RUnlock()

	for _, d := range dispatchers {
		d.Close()
	}
	for _, d := range dispatchers {
		select {
		case <-d.Done():
		case <-ctx.Done():
			return fmt.Errorf("waiting for dispatcher %s: %w", d.Name(), ctx.Err())
		}
	}
	return nil
}
