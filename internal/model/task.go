package model

import (
	"fmt"
	"sync/atomic"
	"time"
)

// TaskType names the kind of work a task carries.
type TaskType string

// Task type constants.
const (
	TaskKernel      TaskType = "kernel"
	TaskCopy        TaskType = "copy"
	TaskEventRecord TaskType = "event_record"
	TaskEventWait   TaskType = "event_wait"
	TaskControl     TaskType = "control"
)

// TaskState is a position in the task lifecycle.
type TaskState int32

// Task lifecycle states.
const (
	StateCreated TaskState = iota
	StateBound
	StateSent
	StateCompleted
	StateFailed
	StateAborted
	StateReclaimed
)

var stateNames = [...]string{
	StateCreated:   "created",
	StateBound:     "bound",
	StateSent:      "sent",
	StateCompleted: "completed",
	StateFailed:    "failed",
	StateAborted:   "aborted",
	StateReclaimed: "reclaimed",
}

func (s TaskState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int32(s))
	}
	return stateNames[s]
}

// Terminal reports whether the state ends hardware involvement.
func (s TaskState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateAborted || s == StateReclaimed
}

// validTransitions maps each state to the set of states it may move to.
// Abort is the only transition that skips ahead and nothing but Reclaimed
// may follow it.
var validTransitions = map[TaskState]map[TaskState]bool{
	StateCreated: {
		StateBound:   true,
		StateAborted: true,
	},
	StateBound: {
		StateSent:    true,
		StateAborted: true,
	},
	StateSent: {
		StateCompleted: true,
		StateFailed:    true,
		StateAborted:   true,
	},
	StateCompleted: {StateReclaimed: true},
	StateFailed:    {StateReclaimed: true},
	StateAborted:   {StateReclaimed: true},
}

// ValidTransition reports whether moving from one state to another is allowed.
func ValidTransition(from, to TaskState) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Task is one unit of submitted work. StreamID is a non-owning reference to
// the stream the task was bound to; the stream owns the slot.
type Task struct {
	ID       TaskID
	Type     TaskType
	StreamID int
	Payload  []byte
	Deadline time.Time

	SubmittedAt time.Time

	state     atomic.Int32
	errorCode atomic.Uint32
	retries   atomic.Int32

	auxID   uint32
	auxHeld atomic.Bool
}

// NewTask creates a task in the Created state.
func NewTask(typ TaskType, payload []byte) *Task {
	return &Task{Type: typ, Payload: payload}
}

// State returns the current lifecycle state.
func (t *Task) State() TaskState {
	return TaskState(t.state.Load())
}

// ErrorCode returns the hardware error code reported for the task, if any.
func (t *Task) ErrorCode() uint32 {
	return t.errorCode.Load()
}

// SetErrorCode records the hardware error code for the task.
func (t *Task) SetErrorCode(code uint32) {
	t.errorCode.Store(code)
}

// RetryCount returns how many times the hardware queue was full while
// sending the task. The sending goroutine may still be updating it.
func (t *Task) RetryCount() int {
	return int(t.retries.Load())
}

// AddRetry records one more queue-full attempt.
func (t *Task) AddRetry() {
	t.retries.Add(1)
}

// SetAuxID attaches an auxiliary hardware id. It must be called before the
// task is handed to another goroutine.
func (t *Task) SetAuxID(id uint32) {
	t.auxID = id
	t.auxHeld.Store(true)
}

// AuxID returns the attached auxiliary id, if the task still holds one.
func (t *Task) AuxID() (uint32, bool) {
	return t.auxID, t.auxHeld.Load()
}

// TakeAuxID detaches the auxiliary id. Only the first caller gets ok.
func (t *Task) TakeAuxID() (uint32, bool) {
	if !t.auxHeld.CompareAndSwap(true, false) {
		return 0, false
	}
	return t.auxID, true
}

// NeedsAuxID reports whether tasks of this type carry an auxiliary id.
func (typ TaskType) NeedsAuxID() bool {
	return typ == TaskEventRecord || typ == TaskEventWait
}

// Transition moves the task to the given state. It fails without side effects
// if the move is not allowed from the state the task is in at that moment, so
// two goroutines racing on the same task see exactly one winner.
func (t *Task) Transition(to TaskState) error {
	for {
		from := t.State()
		if !ValidTransition(from, to) {
			return fmt.Errorf("%w: task %d %s -> %s", ErrInvalidTransition, t.ID, from, to)
		}
		if t.state.CompareAndSwap(int32(from), int32(to)) {
			return nil
		}
	}
}
