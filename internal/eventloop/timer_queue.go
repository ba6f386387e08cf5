package eventloop

import (
	"container/heap"
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"single-thread-dispatcher/internal/domain"
)

const (
	timerPending int32 = iota
	timerFired
	timerCancelled
)

// timedTask is a task waiting in the timer queue. Everything except state is
// confined to the owning thread.
type timedTask struct {
	due   time.Time
	seq   uint64
	index int // heap position, -1 once popped or removed
	ctx   context.Context
	task  domain.Task
	state atomic.Int32
	loop  *EventLoop
}

// fire claims the task for execution. It fails if the task was cancelled.
func (t *timedTask) fire() bool {
	return t.state.CompareAndSwap(timerPending, timerFired)
}

// timerQueue is a min-heap ordered by due time, ties broken by insertion order.
type timerQueue []*timedTask

func (q timerQueue) Len() int { return len(q) }

func (q timerQueue) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		return q[i].seq < q[j].seq
	}
	return q[i].due.Before(q[j].due)
}

func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *timerQueue) Push(x any) {
	t := x.(*timedTask)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

// peek returns the earliest entry without removing it.
func (q timerQueue) peek() (*timedTask, error) {
	if len(q) == 0 {
		return nil, nil
	}
	if t := q[0]; t.index != 0 {
		return nil, fmt.Errorf("%w: head entry seq %d reports index %d", domain.ErrTimerQueueCorruption, t.seq, t.index)
	}
	return q[0], nil
}

func (q *timerQueue) remove(t *timedTask) error {
	if t.index < 0 {
		return nil
	}
	if t.index >= len(*q) || (*q)[t.index] != t {
		return fmt.Errorf("%w: entry seq %d not at index %d", domain.ErrTimerQueueCorruption, t.seq, t.index)
	}
	heap.Remove(q, t.index)
	return nil
}

// TimerHandle cancels a timed task. It is safe to use from any goroutine; when
// used on the owning thread the entry is also removed from the queue right away.
type TimerHandle struct {
	t *timedTask
}

// Cancel reports whether the task was still pending and is now guaranteed not to run.
func (h *TimerHandle) Cancel() bool {
	if h == nil || h.t == nil {
		return false
	}
	t := h.t
	if !t.state.CompareAndSwap(timerPending, timerCancelled) {
		return false
	}
	if t.loop.isOwner() {
		if err := t.loop.timers.remove(t); err != nil {
			t.loop.corrupted = err
		}
	}
	return true
}

// Dispose implements domain.DisposableHandle.
func (h *TimerHandle) Dispose() {
	h.Cancel()
}
