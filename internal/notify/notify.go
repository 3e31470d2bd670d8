// Package notify provides a re-armable broadcast used to wake every goroutine
// waiting on a condition without holding a lock across the wait.
package notify

import "sync"

// Broadcaster hands out a channel that is closed on the next Broadcast.
// Waiters select on the channel alongside their own stop and timeout
// conditions, then re-check state after waking.
type Broadcaster struct {
	mu sync.Mutex
	ch chan struct{}
}

// Wait returns a channel that is closed at the next Broadcast.
func (b *Broadcaster) Wait() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch == nil {
		b.ch = make(chan struct{})
	}
	return b.ch
}

// Broadcast wakes every current waiter and re-arms for the next round.
func (b *Broadcaster) Broadcast() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch != nil {
		close(b.ch)
		b.ch = nil
	}
}
