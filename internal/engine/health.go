package engine

import (
	"sync"
	"sync/atomic"

	"github.com/seantiz/accelrt/internal/model"
)

// Health tracks a device's running state. It is owned by the device and
// shared with its engine. Leaving Normal closes the Done channel so every
// blocked waiter observes the change.
type Health struct {
	state atomic.Int32

	mu   sync.Mutex
	done chan struct{}
}

// NewHealth returns a Health in the Normal state.
func NewHealth() *Health {
	return &Health{done: make(chan struct{})}
}

// State returns the current running state.
func (h *Health) State() model.RunningState {
	return model.RunningState(h.state.Load())
}

// Err returns the error callers observe in the current state, or nil.
func (h *Health) Err() error {
	switch h.State() {
	case model.RunningDown:
		return model.ErrLostHeartbeat
	case model.RunningAborted:
		return model.ErrDeviceAbort
	}
	return nil
}

// Done returns a channel closed when the device leaves Normal.
func (h *Health) Done() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

// MarkDown flips the device to Down. It reports whether this call changed
// the state.
func (h *Health) MarkDown() bool {
	return h.leave(model.RunningDown)
}

// MarkAborted flips the device to Aborted. It reports whether this call
// changed the state.
func (h *Health) MarkAborted() bool {
	return h.leave(model.RunningAborted)
}

func (h *Health) leave(to model.RunningState) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.state.CompareAndSwap(int32(model.RunningNormal), int32(to)) {
		return false
	}
	close(h.done)
	return true
}

// Reset returns an aborted device to Normal. A device that lost its
// heartbeat stays Down. Reset reports whether the state changed.
func (h *Health) Reset() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.state.CompareAndSwap(int32(model.RunningAborted), int32(model.RunningNormal)) {
		return false
	}
	h.done = make(chan struct{})
	return true
}
