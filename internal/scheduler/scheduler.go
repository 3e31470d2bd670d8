// Package scheduler orders tasks in software before the engine publishes them
// to hardware.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/seantiz/accelrt/internal/model"
)

// Scheduler is the software queue between submitting goroutines and the
// goroutine that publishes to hardware.
type Scheduler interface {
	// Push enqueues a task and wakes one waiting consumer. It never blocks.
	Push(t *model.Task)

	// Pop blocks until a task is available or ctx is done.
	Pop(ctx context.Context) (*model.Task, error)

	// OnCompleted is called once for every reclaimed task.
	OnCompleted(t *model.Task)

	// Len returns the number of queued tasks.
	Len() int
}

// Fifo releases tasks in strict arrival order with no priorities.
//
// The queue is unbounded; back-pressure comes from each stream's slot ring,
// which limits how many tasks a stream can have bound at once.
type Fifo struct {
	mu     sync.Mutex
	tasks  []*model.Task
	signal chan struct{} // buffered, size 1

	completed atomic.Uint64
}

// Compile-time interface satisfaction check.
var _ Scheduler = (*Fifo)(nil)

// NewFifo creates an empty FIFO scheduler.
func NewFifo() *Fifo {
	return &Fifo{
		tasks:  make([]*model.Task, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Push appends t to the back of the queue.
func (f *Fifo) Push(t *model.Task) {
	f.mu.Lock()
	f.tasks = append(f.tasks, t)
	f.mu.Unlock()
	f.wake()
}

// wake signals one consumer; a pending signal already covers it.
func (f *Fifo) wake() {
	select {
	case f.signal <- struct{}{}:
	default:
	}
}

// TryPop removes and returns the front task without blocking.
func (f *Fifo) TryPop() (*model.Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.tasks) == 0 {
		return nil, false
	}
	t := f.tasks[0]
	f.tasks[0] = nil
	if len(f.tasks) == 1 {
		f.tasks = f.tasks[:0]
	} else {
		f.tasks = f.tasks[1:]
	}
	return t, true
}

// Pop removes and returns the front task, waiting for one if the queue is
// empty. It returns ctx.Err() once ctx is done.
func (f *Fifo) Pop(ctx context.Context) (*model.Task, error) {
	for {
		if t, ok := f.TryPop(); ok {
			// Pass the wakeup on if more work is queued, since signals coalesce.
			if f.Len() > 0 {
				f.wake()
			}
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.signal:
		}
	}
}

// OnCompleted counts reclaimed tasks.
func (f *Fifo) OnCompleted(*model.Task) {
	f.completed.Add(1)
}

// Completed returns the number of tasks reported through OnCompleted.
func (f *Fifo) Completed() uint64 {
	return f.completed.Load()
}

// Len returns the current queue length.
func (f *Fifo) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}
