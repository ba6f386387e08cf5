package dispatcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"single-thread-dispatcher/internal/domain"
	"single-thread-dispatcher/internal/eventloop"
	"single-thread-dispatcher/internal/metrics"
	"single-thread-dispatcher/internal/worker"

	"github.com/prometheus/client_golang/prometheus/testutil"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func startTestDispatcher(t *testing.T, opts ...Option) *Dispatcher {
	t.Helper()
	opts = append([]Option{WithRegistry(worker.NewRegistry(0, nil))}, opts...)
	d, err := Start(t.Name(), opts...)
	if err != nil {
		t.Fatalf("start dispatcher: %v", err)
	}
	t.Cleanup(func() {
		d.Close()
		<-d.Done()
	})
	return d
}

// onThread runs fn on the dispatcher thread and waits for it to return.
func onThread(t *testing.T, d *Dispatcher, fn func()) {
	t.Helper()
	ran := make(chan struct{})
	if err := d.Execute(context.Background(), func(context.Context) {
		defer close(ran)
		fn()
	}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	waitFor(t, ran, "task on dispatcher thread")
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func expectAffinityViolation(t *testing.T, op string, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, domain.ErrAffinityViolation) {
			t.Errorf("%s: expected affinity violation panic, got %v", op, r)
		}
	}()
	fn()
}

func TestDispatch_FIFOWithLaterIterationForNestedTask(t *testing.T) {
	d := startTestDispatcher(t)

	var order []string // confined to the dispatcher thread
	iterations := func() float64 {
		return testutil.ToFloat64(metrics.LoopIterations.WithLabelValues(d.Name()))
	}
	var iterA, iterD float64
	done := make(chan struct{})

	onThread(t, d, func() {
		ctx := context.Background()
		d.Dispatch(ctx, func(context.Context) {
			order = append(order, "A")
			iterA = iterations()
			d.Dispatch(ctx, func(context.Context) {
				order = append(order, "D")
				iterD = iterations()
				close(done)
			})
		})
		d.Dispatch(ctx, func(context.Context) { order = append(order, "B") })
		d.Dispatch(ctx, func(context.Context) { order = append(order, "C") })
	})
	waitFor(t, done, "nested task")

	var got []string
	onThread(t, d, func() { got = append(got, order...) })
	want := []string{"A", "B", "C", "D"}
	if len(got) != len(want) {
		t.Fatalf("run order %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("run order %v, want %v", got, want)
		}
	}
	if iterD <= iterA {
		t.Fatalf("task dispatched during iteration %v ran in iteration %v", iterA, iterD)
	}
}

func TestInvokeOnTimeout_NotBeforeDelayAndOnce(t *testing.T) {
	d := startTestDispatcher(t)

	const delay = 50 * time.Millisecond
	var runs atomic.Int32
	fired := make(chan time.Duration, 1)

	onThread(t, d, func() {
		scheduled := time.Now()
		d.InvokeOnTimeout(delay, func(context.Context) {
			if !d.Worker().IsCurrent() {
				t.Error("timed task ran off the dispatcher thread")
			}
			runs.Add(1)
			fired <- time.Since(scheduled)
		})
	})

	select {
	case elapsed := <-fired:
		if elapsed < delay {
			t.Fatalf("timed task fired after %v, before its %v delay", elapsed, delay)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed task never fired")
	}

	time.Sleep(2 * delay)
	if n := runs.Load(); n != 1 {
		t.Fatalf("expected exactly one run, got %d", n)
	}
}

func TestDispose_BeforeAndAfterFiring(t *testing.T) {
	d := startTestDispatcher(t)
	cancelledBefore := testutil.ToFloat64(metrics.TimersCancelled.WithLabelValues(d.Name()))

	var cancelledRan, firedRuns atomic.Int32
	var fireHandle domain.DisposableHandle
	fired := make(chan struct{})

	onThread(t, d, func() {
		h := d.InvokeOnTimeout(20*time.Millisecond, func(context.Context) { cancelledRan.Add(1) })
		h.Dispose()

		fireHandle = d.InvokeOnTimeout(time.Millisecond, func(context.Context) {
			firedRuns.Add(1)
			close(fired)
		})
	})
	waitFor(t, fired, "uncancelled timer")

	// Disposing after firing is a no-op, from any goroutine.
	fireHandle.Dispose()
	fireHandle.Dispose()

	time.Sleep(60 * time.Millisecond)
	if cancelledRan.Load() != 0 {
		t.Fatal("disposed timer ran")
	}
	if firedRuns.Load() != 1 {
		t.Fatalf("expected one run of the fired timer, got %d", firedRuns.Load())
	}
	if n := testutil.ToFloat64(metrics.TimersCancelled.WithLabelValues(d.Name())) - cancelledBefore; n != 1 {
		t.Fatalf("expected one cancelled timer in metrics, got %v", n)
	}
}

func TestDispose_FromAnotherGoroutine(t *testing.T) {
	d := startTestDispatcher(t)

	var ran atomic.Bool
	var h domain.DisposableHandle
	onThread(t, d, func() {
		h = d.InvokeOnTimeout(30*time.Millisecond, func(context.Context) { ran.Store(true) })
	})
	h.Dispose()

	time.Sleep(80 * time.Millisecond)
	if ran.Load() {
		t.Fatal("timer disposed off-thread still ran")
	}
}

func TestScheduleResumeAfterDelay_ResumesOnThread(t *testing.T) {
	d := startTestDispatcher(t)

	resumed := make(chan bool, 1)
	onThread(t, d, func() {
		d.ScheduleResumeAfterDelay(5*time.Millisecond, domain.ResumeFunc(func() {
			resumed <- d.Worker().IsCurrent()
		}))
	})

	select {
	case onOwner := <-resumed:
		if !onOwner {
			t.Fatal("continuation resumed off the dispatcher thread")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("continuation never resumed")
	}
}

func TestAffinity_OffThreadCallsPanic(t *testing.T) {
	d := startTestDispatcher(t)
	noop := func(context.Context) {}

	expectAffinityViolation(t, "Dispatch", func() {
		d.Dispatch(context.Background(), noop)
	})
	expectAffinityViolation(t, "InvokeOnTimeout", func() {
		d.InvokeOnTimeout(time.Millisecond, noop)
	})
	expectAffinityViolation(t, "ScheduleResumeAfterDelay", func() {
		d.ScheduleResumeAfterDelay(time.Millisecond, domain.ResumeFunc(func() {}))
	})

	other := startTestDispatcher(t, WithRegistry(worker.NewRegistry(0, nil)))
	onThread(t, other, func() {
		expectAffinityViolation(t, "Dispatch from another dispatcher", func() {
			d.Dispatch(context.Background(), noop)
		})
	})
}

func TestClose_IdempotentAndNonBlocking(t *testing.T) {
	d, err := Start("close-idempotent", WithRegistry(worker.NewRegistry(0, nil)))
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 3; i++ {
		d.Close()
	}
	waitFor(t, d.Done(), "dispatcher termination")
	d.Close()

	if s := d.State(); s != StateTerminated {
		t.Fatalf("expected terminated state, got %s", s)
	}
	if err := d.Err(); err != nil {
		t.Fatalf("unexpected loop error: %v", err)
	}
	if err := d.Execute(context.Background(), func(context.Context) {}); !errors.Is(err, domain.ErrWorkerTerminated) {
		t.Fatalf("expected ErrWorkerTerminated after close, got %v", err)
	}
	waitFor(t, d.Worker().Done(), "worker exit")
}

func TestClose_WaitsForInFlightTask(t *testing.T) {
	d, err := Start("close-in-flight", WithRegistry(worker.NewRegistry(0, nil)))
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	started := make(chan struct{})
	var finished atomic.Bool
	_ = d.Execute(context.Background(), func(context.Context) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
	})
	waitFor(t, started, "in-flight task")

	closeReturned := time.Now()
	d.Close()
	if time.Since(closeReturned) > 20*time.Millisecond {
		t.Fatal("Close blocked on the in-flight task")
	}

	waitFor(t, d.Done(), "dispatcher termination")
	if !finished.Load() {
		t.Fatal("loop terminated before the in-flight task completed")
	}
}

func TestClose_AbandonsPendingTimer(t *testing.T) {
	abandonedBefore := testutil.ToFloat64(metrics.AbandonedTasks.WithLabelValues("close-no-drain"))
	d, err := Start("close-no-drain", WithRegistry(worker.NewRegistry(0, nil)))
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	var fired atomic.Bool
	onThread(t, d, func() {
		d.InvokeOnTimeout(50*time.Millisecond, func(context.Context) { fired.Store(true) })
		d.Close()
	})

	waitFor(t, d.Done(), "dispatcher termination")
	time.Sleep(100 * time.Millisecond)
	if fired.Load() {
		t.Fatal("pending timer ran after close")
	}
	if n := testutil.ToFloat64(metrics.AbandonedTasks.WithLabelValues("close-no-drain")) - abandonedBefore; n != 1 {
		t.Fatalf("expected one abandoned timer, got %v", n)
	}
}

func TestFatalLoopError_AbandonsMailboxAndRefusesWork(t *testing.T) {
	entered := make(chan struct{})
	fail := make(chan struct{})
	var calls atomic.Int32
	d := startTestDispatcher(t, withEventSource(func(l *eventloop.EventLoop) (time.Duration, error) {
		if calls.Add(1) == 1 {
			close(entered)
			<-fail
		}
		return 0, domain.ErrTimerQueueCorruption
	}))
	abandonedBefore := testutil.ToFloat64(metrics.AbandonedTasks.WithLabelValues(d.Name()))

	waitFor(t, entered, "loop step")
	var ran atomic.Int32
	for i := 0; i < 2; i++ {
		if err := d.Execute(context.Background(), func(context.Context) { ran.Add(1) }); err != nil {
			t.Fatalf("execute before failure: %v", err)
		}
	}
	close(fail)

	waitFor(t, d.Done(), "dispatcher termination")
	if !errors.Is(d.Err(), domain.ErrTimerQueueCorruption) {
		t.Fatalf("expected ErrTimerQueueCorruption, got %v", d.Err())
	}
	if err := d.Execute(context.Background(), func(context.Context) { ran.Add(1) }); !errors.Is(err, domain.ErrWorkerTerminated) {
		t.Fatalf("expected ErrWorkerTerminated after fatal error, got %v", err)
	}
	if n := testutil.ToFloat64(metrics.AbandonedTasks.WithLabelValues(d.Name())) - abandonedBefore; n != 2 {
		t.Fatalf("expected two abandoned mailbox tasks, got %v", n)
	}
	if ran.Load() != 0 {
		t.Fatalf("abandoned tasks ran %d times", ran.Load())
	}
}

func TestTaskPanic_RecoveredAndLoopContinues(t *testing.T) {
	d := startTestDispatcher(t)
	panicsBefore := testutil.ToFloat64(metrics.TaskPanics.WithLabelValues(d.Name()))

	after := make(chan struct{})
	_ = d.Execute(context.Background(), func(context.Context) { panic("executed boom") })
	onThread(t, d, func() {
		d.Dispatch(context.Background(), func(context.Context) { panic("dispatched boom") })
		d.InvokeOnTimeout(0, func(context.Context) { panic("timer boom") })
		d.InvokeOnTimeout(time.Millisecond, func(context.Context) { close(after) })
	})

	waitFor(t, after, "task after panics")
	if n := testutil.ToFloat64(metrics.TaskPanics.WithLabelValues(d.Name())) - panicsBefore; n != 3 {
		t.Fatalf("expected three recovered panics, got %v", n)
	}
	if d.State() != StateRunning {
		t.Fatalf("expected dispatcher to keep running, got %s", d.State())
	}
}

func TestStart_ThreadCreationFailure(t *testing.T) {
	reg := worker.NewRegistry(1, nil)
	first := startTestDispatcher(t, WithRegistry(reg))

	second, err := Start("over-limit", WithRegistry(reg))
	if !errors.Is(err, domain.ErrThreadCreation) {
		t.Fatalf("expected ErrThreadCreation, got %v", err)
	}
	if second != nil {
		t.Fatal("failed start must not return a dispatcher")
	}
	if first.State() == StateTerminated {
		t.Fatal("existing dispatcher affected by failed start")
	}
}

func TestTracing_SpanPerTask(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	d := startTestDispatcher(t, WithTracer(tp.Tracer("test")))

	onThread(t, d, func() {})

	// The span ends just after the task body returns.
	deadline := time.Now().Add(2 * time.Second)
	spans := sr.Ended()
	for len(spans) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
		spans = sr.Ended()
	}
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "dispatcher.task" {
		t.Errorf("expected span name %q, got %q", "dispatcher.task", spans[0].Name())
	}
	found := false
	for _, kv := range spans[0].Attributes() {
		if kv.Key == "dispatcher.name" && kv.Value.AsString() == d.Name() {
			found = true
		}
	}
	if !found {
		t.Errorf("span is missing the dispatcher.name attribute")
	}
}

func TestExecuteAndWait(t *testing.T) {
	d := startTestDispatcher(t)

	var onOwnThread bool
	if err := d.ExecuteAndWait(context.Background(), func(context.Context) {
		onOwnThread = d.Worker().IsCurrent()
		// Inline on the dispatcher thread.
		if err := d.ExecuteAndWait(context.Background(), func(context.Context) {}); err != nil {
			t.Errorf("nested ExecuteAndWait: %v", err)
		}
	}); err != nil {
		t.Fatalf("ExecuteAndWait: %v", err)
	}
	if !onOwnThread {
		t.Fatal("task did not run on the dispatcher thread")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	release := make(chan struct{})
	err := d.ExecuteAndWait(ctx, func(context.Context) { <-release })
	close(release)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	d.Close()
	<-d.Done()
	if err := d.ExecuteAndWait(context.Background(), func(context.Context) {}); !errors.Is(err, domain.ErrWorkerTerminated) {
		t.Fatalf("expected ErrWorkerTerminated after close, got %v", err)
	}
}
