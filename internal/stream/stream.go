// Package stream implements the ordered execution lane tasks are submitted on.
// A Stream owns a ring of outstanding task slots and the three positions that
// describe it: alloc (last id bound), tail (last id published to hardware) and
// head (last id reclaimed). head <= tail <= alloc always holds modulo the id
// space.
package stream

import (
	"fmt"
	"sync"

	"github.com/seantiz/accelrt/internal/model"
	"github.com/seantiz/accelrt/internal/notify"
)

// Capacity limits.
const (
	DefaultCapacity = 1024
	MaxCapacity     = model.MaxWindow / 2
)

// Options configures a stream at creation.
type Options struct {
	Label       string
	Capacity    int
	FailureMode model.FailureMode

	// Decoupled streams are reclaimed by the engine's recycle goroutine so a
	// slow consumer cannot stall the receive path.
	Decoupled bool
}

// outcome is the result recorded for a reclaimed id.
type outcome struct {
	id      model.TaskID
	code    uint32
	aborted bool
	valid   bool
}

// Stream is an ordered ring of outstanding tasks. It knows its device by id
// only; the device owns the stream.
type Stream struct {
	id       int
	deviceID string
	opts     Options
	mask     model.TaskID

	// submitMu keeps bind and hand-off to the sender in one order per stream.
	submitMu sync.Mutex

	mu          sync.Mutex
	slots       []*model.Task
	outcomes    []outcome
	head        model.TaskID
	tail        model.TaskID
	alloc       model.TaskID
	abort       model.AbortStatus
	stopped     bool
	lastFailure outcome

	advanced notify.Broadcaster
}

// New creates a stream. Capacity must be a power of two no larger than
// MaxCapacity; zero selects DefaultCapacity.
func New(id int, deviceID string, opts Options) (*Stream, error) {
	if opts.Capacity == 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Capacity < 0 || opts.Capacity > MaxCapacity || opts.Capacity&(opts.Capacity-1) != 0 {
		return nil, fmt.Errorf("stream capacity %d must be a power of two in [1, %d]", opts.Capacity, MaxCapacity)
	}
	return &Stream{
		id:       id,
		deviceID: deviceID,
		opts:     opts,
		mask:     model.TaskID(opts.Capacity - 1),
		slots:    make([]*model.Task, opts.Capacity),
		outcomes: make([]outcome, opts.Capacity),
	}, nil
}

// ID returns the stream id, unique within its device.
func (s *Stream) ID() int { return s.id }

// DeviceID returns the id of the device the stream belongs to.
func (s *Stream) DeviceID() string { return s.deviceID }

// Label returns the caller-provided label.
func (s *Stream) Label() string { return s.opts.Label }

// FailureMode returns the stream's failure policy.
func (s *Stream) FailureMode() model.FailureMode { return s.opts.FailureMode }

// Decoupled reports whether the stream is reclaimed by the recycle goroutine.
func (s *Stream) Decoupled() bool { return s.opts.Decoupled }

// Capacity returns the number of task slots.
func (s *Stream) Capacity() int { return len(s.slots) }

// Serialize runs fn while holding the stream's submission lock so that tasks
// are bound and handed to the sender in the same order.
func (s *Stream) Serialize(fn func() error) error {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()
	return fn()
}

// Usable returns the error a new submission on this stream would fail with,
// or nil.
func (s *Stream) Usable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.abortErrLocked(); err != nil {
		return err
	}
	if s.stopped {
		return fmt.Errorf("stream %d: %w", s.id, model.ErrStreamStopped)
	}
	return nil
}

// Sendable returns the abort error that forbids publishing on this stream,
// or nil. A stopped stream still publishes what was bound before it stopped.
func (s *Stream) Sendable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortErrLocked()
}

func (s *Stream) abortErrLocked() error {
	switch s.abort {
	case model.AbortStream:
		return fmt.Errorf("stream %d: %w", s.id, model.ErrStreamAbort)
	case model.AbortDevice:
		return fmt.Errorf("stream %d: %w", s.id, model.ErrDeviceAbort)
	}
	return nil
}

// Bind assigns the next id to t and places it in the ring.
func (s *Stream) Bind(t *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.abortErrLocked(); err != nil {
		return err
	}
	if s.stopped {
		return fmt.Errorf("stream %d: %w", s.id, model.ErrStreamStopped)
	}
	if s.alloc.Diff(s.head) >= len(s.slots) {
		return fmt.Errorf("stream %d: %w", s.id, model.ErrSlotsExhausted)
	}

	id := s.alloc.Next()
	t.ID = id
	t.StreamID = s.id
	if err := t.Transition(model.StateBound); err != nil {
		return err
	}
	s.slots[id&s.mask] = t
	s.alloc = id
	return nil
}

// Publish records that t is about to be written to hardware. Tasks must be
// published in bind order. Publishing fails if the stream has been aborted,
// in which case the task never reaches Sent.
func (s *Stream) Publish(t *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.abortErrLocked(); err != nil {
		return err
	}
	want := s.tail.Next()
	if t.ID != want || s.slots[t.ID&s.mask] != t {
		return fmt.Errorf("stream %d: publish task %d out of order (next %d)", s.id, t.ID, want)
	}
	if err := t.Transition(model.StateSent); err != nil {
		return err
	}
	s.tail = t.ID
	return nil
}

// Advance moves head forward to id, finalizing every task in (head, id].
// Tasks before id complete successfully; the task at id carries code. The
// advance is clamped to tail and is a no-op for ids already reclaimed.
// It returns the reclaimed tasks and whether this advance tripped the
// stream's failure mode.
func (s *Stream) Advance(id model.TaskID, code uint32) ([]*model.Task, bool) {
	s.mu.Lock()

	if id.LEQ(s.head) {
		s.mu.Unlock()
		return nil, false
	}
	if id.GT(s.tail) {
		id = s.tail
		code = 0
		if id.LEQ(s.head) {
			s.mu.Unlock()
			return nil, false
		}
	}

	reclaimed := make([]*model.Task, 0, id.Diff(s.head))
	for pos := s.head.Next(); ; pos = pos.Next() {
		c := uint32(0)
		if pos == id {
			c = code
		}
		idx := pos & s.mask
		if s.voidLocked(pos) {
			if pos == id {
				break
			}
			continue
		}
		if t := s.slots[idx]; t != nil {
			s.slots[idx] = nil
			if c != 0 {
				t.SetErrorCode(c)
				_ = t.Transition(model.StateFailed)
			} else {
				_ = t.Transition(model.StateCompleted)
			}
			_ = t.Transition(model.StateReclaimed)
			reclaimed = append(reclaimed, t)
		}
		s.outcomes[idx] = outcome{id: pos, code: c, valid: true}
		if pos == id {
			break
		}
	}
	s.head = id
	s.skipVoidLocked()

	tripped := false
	if code != 0 {
		s.lastFailure = outcome{id: id, code: code, valid: true}
		switch s.opts.FailureMode {
		case model.FailureStop:
			tripped = !s.stopped
			s.stopped = true
		case model.FailureAbort:
			if s.abort == model.AbortNone {
				s.abort = model.AbortStream
				tripped = true
			}
		}
	}
	s.mu.Unlock()

	s.advanced.Broadcast()
	return reclaimed, tripped
}

// MarkDeviceAbort flags the stream unusable because its device aborted.
func (s *Stream) MarkDeviceAbort() {
	s.mu.Lock()
	if s.abort == model.AbortNone {
		s.abort = model.AbortDevice
	}
	s.mu.Unlock()
	s.advanced.Broadcast()
}

// Abort flags the stream aborted regardless of its failure mode. The engine
// uses it when a bound task can no longer be published.
func (s *Stream) Abort() {
	s.mu.Lock()
	if s.abort == model.AbortNone {
		s.abort = model.AbortStream
	}
	s.mu.Unlock()
	s.advanced.Broadcast()
}

// Wake releases goroutines waiting on Advanced so they re-check state.
func (s *Stream) Wake() {
	s.advanced.Broadcast()
}

// Recover clears a stop or abort and drops every bound task that was never
// published. The ids of dropped tasks are not handed out again: they are
// recorded as aborted and head passes over them once everything published
// before them is reclaimed. It returns the tasks this call aborted.
func (s *Stream) Recover() []*model.Task {
	s.mu.Lock()
	var dropped []*model.Task
	for pos := s.tail.Next(); pos.LEQ(s.alloc); pos = pos.Next() {
		idx := pos & s.mask
		t := s.slots[idx]
		s.slots[idx] = nil
		s.outcomes[idx] = outcome{id: pos, aborted: true, valid: true}
		if t != nil && t.Transition(model.StateAborted) == nil {
			dropped = append(dropped, t)
		}
	}
	s.tail = s.alloc
	s.skipVoidLocked()
	s.abort = model.AbortNone
	s.stopped = false
	s.mu.Unlock()

	s.advanced.Broadcast()
	return dropped
}

// voidLocked reports whether pos is an id dropped by Recover that was never
// published.
func (s *Stream) voidLocked(pos model.TaskID) bool {
	idx := pos & s.mask
	o := s.outcomes[idx]
	return s.slots[idx] == nil && o.valid && o.aborted && o.id == pos && pos.GT(s.head)
}

// skipVoidLocked moves head over dropped ids directly after it.
func (s *Stream) skipVoidLocked() {
	for s.head != s.tail && s.voidLocked(s.head.Next()) {
		s.head = s.head.Next()
	}
}

// Advanced returns a channel closed the next time head moves or the stream's
// status changes.
func (s *Stream) Advanced() <-chan struct{} {
	return s.advanced.Wait()
}

// Reclaimed reports whether id has been reclaimed.
func (s *Stream) Reclaimed(id model.TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return id.LEQ(s.head)
}

// Issued reports whether id has been bound on this stream and is either
// still outstanding or has a recorded outcome.
func (s *Stream) Issued(id model.TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !id.LEQ(s.alloc) {
		return false
	}
	if id.GT(s.head) {
		return true
	}
	o := s.outcomes[id&s.mask]
	return o.valid && o.id == id
}

// Outcome returns the error code recorded for a reclaimed id and whether the
// task was dropped by Recover before reaching hardware. ok is false if the
// record has been overwritten by a later id in the same slot.
func (s *Stream) Outcome(id model.TaskID) (code uint32, aborted, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.outcomes[id&s.mask]
	if !o.valid || o.id != id {
		return 0, false, false
	}
	return o.code, o.aborted, true
}

// AbortedIn returns the most recent id in (from, to] that Recover dropped.
// Only ids still covered by the outcome ring are considered.
func (s *Stream) AbortedIn(from, to model.TaskID) (model.TaskID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := min(to.Diff(from), len(s.outcomes))
	for pos, i := to, 0; i < n; pos, i = pos-1, i+1 {
		o := s.outcomes[pos&s.mask]
		if o.valid && o.aborted && o.id == pos {
			return pos, true
		}
	}
	return 0, false
}

// AbortStatus returns why the stream is unusable, if it is.
func (s *Stream) AbortStatus() model.AbortStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abort
}

// FailureIn returns the most recent failure whose id lies in (from, to].
func (s *Stream) FailureIn(from, to model.TaskID) (model.TaskID, uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.lastFailure
	if !f.valid || !f.id.Between(from, to) {
		return 0, 0, false
	}
	return f.id, f.code, true
}

// Positions returns head, tail and alloc.
func (s *Stream) Positions() (head, tail, alloc model.TaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head, s.tail, s.alloc
}

// Pending returns the number of published tasks not yet reclaimed.
func (s *Stream) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tail.Diff(s.head)
}

// Outstanding returns the number of bound tasks not yet reclaimed.
func (s *Stream) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alloc.Diff(s.head)
}

// Unsent returns the number of bound tasks still waiting to be published.
// Tasks the sender already aborted are not counted.
func (s *Stream) Unsent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for pos := s.tail.Next(); pos.LEQ(s.alloc); pos = pos.Next() {
		if t := s.slots[pos&s.mask]; t != nil && t.State() == model.StateBound {
			n++
		}
	}
	return n
}

// Info is a point-in-time view of a stream.
type Info struct {
	ID          int    `json:"id"`
	Label       string `json:"label,omitempty"`
	Capacity    int    `json:"capacity"`
	Head        uint16 `json:"head"`
	Tail        uint16 `json:"tail"`
	Alloc       uint16 `json:"alloc"`
	Pending     int    `json:"pending"`
	Outstanding int    `json:"outstanding"`
	FailureMode string `json:"failure_mode"`
	Abort       string `json:"abort"`
	Stopped     bool   `json:"stopped"`
	Decoupled   bool   `json:"decoupled"`
}

// Snapshot returns the stream's current Info.
func (s *Stream) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:          s.id,
		Label:       s.opts.Label,
		Capacity:    len(s.slots),
		Head:        uint16(s.head),
		Tail:        uint16(s.tail),
		Alloc:       uint16(s.alloc),
		Pending:     s.tail.Diff(s.head),
		Outstanding: s.alloc.Diff(s.head),
		FailureMode: s.opts.FailureMode.String(),
		Abort:       s.abort.String(),
		Stopped:     s.stopped,
		Decoupled:   s.opts.Decoupled,
	}
}
