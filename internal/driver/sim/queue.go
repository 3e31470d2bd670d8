package sim

import (
	"sync"
	"sync/atomic"

	"github.com/seantiz/accelrt/internal/driver"
)

// queue is one simulated SQ/CQ pair. Positions are free-running 32-bit
// counters; slot index is position modulo depth.
type queue struct {
	id      int
	depth   uint32
	reports bool

	mu       sync.Mutex
	cond     *sync.Cond
	slots    [][]byte
	ready    []bool
	head     uint32 // next slot the device consumes
	tail     uint32 // end of the contiguous published run
	reserved uint32 // end of reserved slots

	fullInjections int
	published      uint64

	cq       []driver.Report
	cqSignal chan struct{}

	closed bool
	done   chan struct{}
}

func newQueue(id, depth int, reports bool) *queue {
	q := &queue{
		id:       id,
		depth:    uint32(depth),
		reports:  reports,
		slots:    make([][]byte, depth),
		ready:    make([]bool, depth),
		cqSignal: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) occupy(n int) (driver.Reservation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return driver.Reservation{}, driver.ErrQueueFull
	}
	if q.fullInjections > 0 {
		q.fullInjections--
		return driver.Reservation{}, driver.ErrQueueFull
	}
	if n <= 0 || q.reserved-q.head+uint32(n) > q.depth {
		return driver.Reservation{}, driver.ErrQueueFull
	}
	res := driver.Reservation{SQ: q.id, Start: q.reserved, N: n}
	q.reserved += uint32(n)
	return res, nil
}

// publish fills reserved slots and advances tail over every contiguous
// ready slot, so reservations may be completed out of order.
func (q *queue) publish(res driver.Reservation, descs [][]byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, desc := range descs {
		idx := (res.Start + uint32(i)) % q.depth
		q.slots[idx] = desc
		q.ready[idx] = true
	}
	q.published += uint64(len(descs))
	for q.tail != q.reserved && q.ready[q.tail%q.depth] {
		q.tail++
	}
	q.cond.Broadcast()
}

// next blocks until a descriptor is available at head and the device is
// not hung. It returns false once the queue is closed.
func (q *queue) next(hung *atomic.Bool) ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for (q.head == q.tail || hung.Load()) && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil, false
	}
	return q.slots[q.head%q.depth], true
}

// consume retires the descriptor at head and posts rep if reports are on.
func (q *queue) consume(rep *driver.Report) {
	q.mu.Lock()
	idx := q.head % q.depth
	q.slots[idx] = nil
	q.ready[idx] = false
	q.head++
	if rep != nil && q.reports {
		q.cq = append(q.cq, *rep)
	}
	q.mu.Unlock()

	select {
	case q.cqSignal <- struct{}{}:
	default:
	}
}

// take removes up to max reports from the CQ; max <= 0 takes all.
func (q *queue) take(max int) []driver.Report {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.cq)
	if n == 0 {
		return nil
	}
	if max > 0 && max < n {
		n = max
	}
	out := make([]driver.Report, n)
	copy(out, q.cq[:n])
	q.cq = q.cq[n:]
	if len(q.cq) == 0 {
		q.cq = nil
	}
	return out
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
	q.cond.Broadcast()
}
