// Package eventloop provides the per-thread event and timer facility that
// dispatchers run on. Each goroutine owns at most one EventLoop, found by
// goroutine id and kept alive by a use count while a dispatcher runs on it.
//
// An EventLoop is confined to its owning goroutine. Only TimerHandle.Cancel may
// be called from elsewhere. Tasks run without a recover guard; callers that
// need one wrap their tasks before handing them in.
package eventloop

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"single-thread-dispatcher/internal/domain"
	"single-thread-dispatcher/internal/goid"
)

type queuedTask struct {
	ctx  context.Context
	task domain.Task
}

// EventLoop holds the ready queue and timer queue of one thread.
type EventLoop struct {
	owner     uint64
	useCount  int
	ready     []queuedTask
	timers    timerQueue
	seq       uint64
	corrupted error
	now       func() time.Time
}

var (
	loopsMu sync.Mutex
	loops   = make(map[uint64]*EventLoop)
)

// Current returns the calling goroutine's event loop, creating it on first use.
// A created loop stays registered until its use count drops back to zero, so a
// caller that may create one must pair it with IncrementUseCount and
// DecrementUseCount, or use Acquire.
func Current() *EventLoop {
	id := goid.ID()

	loopsMu.Lock()
	defer loopsMu.Unlock()
	l, ok := loops[id]
	if !ok {
		l = &EventLoop{owner: id, now: time.Now}
		loops[id] = l
	}
	return l
}

// Acquire takes a reference on the calling goroutine's event loop. The
// returned release func must run on the same goroutine.
func Acquire() (*EventLoop, func()) {
	l := Current()
	l.IncrementUseCount()
	return l, l.DecrementUseCount
}

func (l *EventLoop) isOwner() bool {
	return goid.ID() == l.owner
}

// IncrementUseCount keeps the loop attached to its thread.
func (l *EventLoop) IncrementUseCount() {
	l.useCount++
}

// DecrementUseCount drops a reference. Dropping the last one discards all
// pending work and detaches the loop from its thread.
func (l *EventLoop) DecrementUseCount() {
	l.useCount--
	if l.useCount > 0 {
		return
	}
	l.useCount = 0

	l.ready = nil
	for _, t := range l.timers {
		t.state.CompareAndSwap(timerPending, timerCancelled)
		t.index = -1
	}
	l.timers = nil

	loopsMu.Lock()
	if loops[l.owner] == l {
		delete(loops, l.owner)
	}
	loopsMu.Unlock()
}

// Pending returns the number of ready tasks plus timers that may still fire.
func (l *EventLoop) Pending() int {
	n := len(l.ready)
	for _, t := range l.timers {
		if t.state.Load() == timerPending {
			n++
		}
	}
	return n
}

// Dispatch queues a task to run on the next ProcessNextEvent call.
func (l *EventLoop) Dispatch(ctx context.Context, task domain.Task) {
	l.ready = append(l.ready, queuedTask{ctx: ctx, task: task})
}

// Schedule queues a task to run once d has elapsed. Negative delays count as zero.
func (l *EventLoop) Schedule(ctx context.Context, d time.Duration, task domain.Task) *TimerHandle {
	if d < 0 {
		d = 0
	}
	l.seq++
	t := &timedTask{
		due:  l.now().Add(d),
		seq:  l.seq,
		ctx:  ctx,
		task: task,
		loop: l,
	}
	heap.Push(&l.timers, t)
	return &TimerHandle{t: t}
}

// InvokeOnTimeout implements domain.Delay.
func (l *EventLoop) InvokeOnTimeout(d time.Duration, task domain.Task) domain.DisposableHandle {
	return l.Schedule(context.Background(), d, task)
}

// ScheduleResumeAfterDelay implements domain.Delay.
func (l *EventLoop) ScheduleResumeAfterDelay(d time.Duration, cont domain.Continuation) domain.DisposableHandle {
	return l.Schedule(context.Background(), d, func(context.Context) { cont.Resume() })
}

// ProcessNextEvent runs the tasks that were ready when it was called, in FIFO
// order, then every timer due at that moment in due-time order. It returns
// how long the thread may park: zero if work is already waiting, the time to
// the nearest timer, or domain.Indefinite if nothing is pending.
func (l *EventLoop) ProcessNextEvent() (time.Duration, error) {
	if l.corrupted != nil {
		return 0, l.corrupted
	}

	batch := l.ready
	l.ready = nil
	for i := range batch {
		batch[i].task(batch[i].ctx)
		batch[i] = queuedTask{}
	}

	now := l.now()
	for {
		t, err := l.nextLive()
		if err != nil {
			return 0, err
		}
		if t == nil || t.due.After(now) {
			break
		}
		heap.Pop(&l.timers)
		if t.fire() {
			t.task(t.ctx)
		}
		if l.corrupted != nil {
			return 0, l.corrupted
		}
	}

	if len(l.ready) > 0 {
		return 0, nil
	}
	t, err := l.nextLive()
	if err != nil {
		return 0, err
	}
	if t == nil {
		return domain.Indefinite, nil
	}
	if wait := t.due.Sub(l.now()); wait > 0 {
		return wait, nil
	}
	return 0, nil
}

// nextLive drops cancelled entries from the head and returns the earliest live timer.
func (l *EventLoop) nextLive() (*timedTask, error) {
	for {
		t, err := l.timers.peek()
		if err != nil {
			l.corrupted = err
			return nil, err
		}
		if t == nil || t.state.Load() == timerPending {
			return t, nil
		}
		heap.Pop(&l.timers)
	}
}
