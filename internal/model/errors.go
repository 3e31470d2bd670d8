package model

import (
	"errors"
	"fmt"
)

// Transient errors, handled inside the engine unless a retry bound is exceeded.
var (
	// ErrQueueFull is returned when the hardware submission queue has no room.
	ErrQueueFull = errors.New("hardware queue full")
)

// Wait failures: the operation itself did not complete.
var (
	ErrTimeout       = errors.New("wait timed out")
	ErrStreamAbort   = errors.New("stream aborted")
	ErrTaskAborted   = errors.New("task aborted before it reached hardware")
	ErrStreamStopped = errors.New("stream stopped after task failure")
	ErrDeviceAbort   = errors.New("device aborted")
	ErrLostHeartbeat = errors.New("device lost heartbeat")
)

// Resource exhaustion.
var (
	ErrSlotsExhausted  = errors.New("no free task slot on stream")
	ErrAuxIDsExhausted = errors.New("no free auxiliary hardware id")
)

// Programming and lookup errors.
var (
	ErrInvalidTransition = errors.New("invalid task state transition")
	ErrUnknownStream     = errors.New("unknown stream")
	ErrInvalidTaskID     = errors.New("task id not issued on stream")
	ErrStreamBusy        = errors.New("stream has pending tasks")
	ErrClosed            = errors.New("closed")
)

// TaskFailedError reports that an awaited task completed with a hardware error.
// It is distinct from wait failures such as ErrTimeout.
type TaskFailedError struct {
	StreamID int
	ID       TaskID
	Code     uint32
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("task %d on stream %d failed with code %#x", e.ID, e.StreamID, e.Code)
}

// IsWaitFailure reports whether err means the wait itself failed, as opposed
// to the awaited task failing.
func IsWaitFailure(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrStreamAbort) ||
		errors.Is(err, ErrTaskAborted) ||
		errors.Is(err, ErrDeviceAbort) ||
		errors.Is(err, ErrLostHeartbeat)
}
