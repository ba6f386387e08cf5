package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"single-thread-dispatcher/internal/dispatcher"
	"single-thread-dispatcher/internal/domain"
	"single-thread-dispatcher/internal/infra/memory"
	"single-thread-dispatcher/internal/worker"
)

// fakeExecutor fails the first failures calls and records every call.
type fakeExecutor struct {
	mu       sync.Mutex
	failures int
	calls    []time.Time
	ran      chan struct{}
}

func newFakeExecutor(failures int) *fakeExecutor {
	return &fakeExecutor{failures: failures, ran: make(chan struct{}, 16)}
}

func (f *fakeExecutor) Execute(_ context.Context, spec *domain.TaskSpec) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, time.Now())
	n := len(f.calls)
	f.mu.Unlock()
	defer func() { f.ran <- struct{}{} }()

	if n <= f.failures {
		return "", fmt.Errorf("attempt %d failed", n)
	}
	return "ok:" + spec.Name, nil
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestService(t *testing.T, exec domain.ActionExecutor) (*TaskService, domain.TaskRepository) {
	t.Helper()
	repo := memory.NewTaskRepository()
	svc := NewTaskService(repo, memory.NewExecutionRepository(0),
		map[domain.ExecutorType]domain.ActionExecutor{domain.ExecutorTypeShell: exec},
		slog.Default(),
		dispatcher.WithRegistry(worker.NewRegistry(0, nil)),
	)
	if _, err := svc.StartDispatcher("main"); err != nil {
		t.Fatalf("StartDispatcher: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := svc.CloseAll(ctx); err != nil {
			t.Errorf("CloseAll: %v", err)
		}
	})
	return svc, repo
}

func shellSpec(name string, delay time.Duration) *domain.TaskSpec {
	return &domain.TaskSpec{
		Name:         name,
		Dispatcher:   "main",
		Delay:        delay,
		ExecutorType: domain.ExecutorTypeShell,
		Action:       domain.ActionSpec{Command: "true"},
	}
}

func waitRuns(t *testing.T, f *fakeExecutor, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.ran:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for run %d, got %d", i+1, f.count())
		}
	}
}

func TestSubmit_OneShotAfterDelay(t *testing.T) {
	exec := newFakeExecutor(0)
	svc, _ := newTestService(t, exec)

	submitted := time.Now()
	spec := shellSpec("once", 30*time.Millisecond)
	if err := svc.Submit(context.Background(), spec); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if spec.ID == "" {
		t.Fatal("Submit should assign an ID")
	}

	waitRuns(t, exec, 1)
	exec.mu.Lock()
	first := exec.calls[0]
	exec.mu.Unlock()
	if elapsed := first.Sub(submitted); elapsed < 30*time.Millisecond {
		t.Fatalf("task ran after %v, before its delay", elapsed)
	}

	// History is written after the executor returns.
	deadline := time.Now().Add(time.Second)
	for {
		records, err := svc.ListHistory(context.Background(), "main", "once", 1, 10)
		if err != nil {
			t.Fatalf("ListHistory: %v", err)
		}
		if len(records) == 1 && records[0].Status == domain.ExecutionStatusSuccess {
			if records[0].Output != "ok:once" || records[0].WorkerID == "" {
				t.Fatalf("unexpected record %+v", records[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected one successful record, got %+v", records)
		}
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(50 * time.Millisecond)
	if exec.count() != 1 {
		t.Fatalf("one-shot task ran %d times", exec.count())
	}
}

func TestSubmit_RetriesWithBackoff(t *testing.T) {
	exec := newFakeExecutor(2)
	svc, _ := newTestService(t, exec)

	spec := shellSpec("flaky", 0)
	spec.RetryPolicy = &domain.RetryPolicy{MaxRetries: 3, Backoff: 20 * time.Millisecond}
	if err := svc.Submit(context.Background(), spec); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitRuns(t, exec, 3)
	exec.mu.Lock()
	gap := exec.calls[1].Sub(exec.calls[0])
	exec.mu.Unlock()
	if gap < 20*time.Millisecond {
		t.Fatalf("retry ran %v after the failure, before the backoff", gap)
	}

	time.Sleep(80 * time.Millisecond)
	if exec.count() != 3 {
		t.Fatalf("expected success on the third attempt and no more runs, got %d", exec.count())
	}
}

func TestCancel_PendingTaskNeverRuns(t *testing.T) {
	exec := newFakeExecutor(0)
	svc, _ := newTestService(t, exec)

	if err := svc.Submit(context.Background(), shellSpec("later", 100*time.Millisecond)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := svc.Cancel(context.Background(), "main", "later"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if exec.count() != 0 {
		t.Fatalf("cancelled task ran %d times", exec.count())
	}

	if err := svc.Cancel(context.Background(), "main", "later"); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if err := svc.Cancel(context.Background(), "nope", "later"); !errors.Is(err, domain.ErrDispatcherNotFound) {
		t.Fatalf("expected ErrDispatcherNotFound, got %v", err)
	}
}

func TestSubmit_CronPersistedAndCancelled(t *testing.T) {
	exec := newFakeExecutor(0)
	svc, repo := newTestService(t, exec)

	spec := shellSpec("hourly", 0)
	spec.CronExpr = "@hourly"
	if err := svc.Submit(context.Background(), spec); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := repo.Get(context.Background(), "main", "hourly"); err != nil {
		t.Fatalf("cron spec not persisted: %v", err)
	}

	if err := svc.Cancel(context.Background(), "main", "hourly"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := repo.Get(context.Background(), "main", "hourly"); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Fatalf("spec should be deleted, got %v", err)
	}

	bad := shellSpec("bad", 0)
	bad.CronExpr = "every day"
	if err := svc.Submit(context.Background(), bad); err == nil {
		t.Fatal("expected an invalid cron expression error")
	}
}

func TestRestore_RearmsPersistedCronSpecs(t *testing.T) {
	exec := newFakeExecutor(0)
	svc, repo := newTestService(t, exec)

	persisted := shellSpec("nightly", 0)
	persisted.CronExpr = "0 0 3 * * *"
	orphan := shellSpec("orphan", 0)
	orphan.Dispatcher = "gone"
	orphan.CronExpr = "@daily"
	_ = repo.Save(context.Background(), persisted)
	_ = repo.Save(context.Background(), orphan)

	if err := svc.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	m, _ := svc.lookup("main")
	next, ok, err := m.trigger.Next(context.Background(), "nightly")
	if err != nil || !ok {
		t.Fatalf("nightly not armed: %v %v", ok, err)
	}
	if next.Hour() != 3 || next.Minute() != 0 {
		t.Fatalf("unexpected next activation %v", next)
	}
}

func TestPool_StartListAndClose(t *testing.T) {
	svc, _ := newTestService(t, newFakeExecutor(0))

	if _, err := svc.StartDispatcher("main"); err == nil {
		t.Fatal("expected an error starting a running dispatcher twice")
	}
	if _, err := svc.StartDispatcher("aux"); err != nil {
		t.Fatalf("StartDispatcher aux: %v", err)
	}

	infos := svc.List()
	if len(infos) != 2 || infos[0].Name != "aux" || infos[1].Name != "main" {
		t.Fatalf("unexpected list %+v", infos)
	}
	for _, info := range infos {
		if info.State == "terminated" || info.WorkerID == "" {
			t.Errorf("unexpected info %+v", info)
		}
	}

	if _, err := svc.Get("missing"); !errors.Is(err, domain.ErrDispatcherNotFound) {
		t.Fatalf("expected ErrDispatcherNotFound, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := svc.CloseAll(ctx); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	d, _ := svc.Get("aux")
	if d.State() != dispatcher.StateTerminated {
		t.Fatalf("aux state = %v", d.State())
	}

	if _, err := svc.StartDispatcher("aux"); err != nil {
		t.Fatalf("a terminated dispatcher should be replaceable: %v", err)
	}
}
