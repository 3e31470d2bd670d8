package model

import (
	"fmt"
	"strings"
)

// FailureMode governs what happens to a stream after one of its tasks fails.
type FailureMode int

const (
	// FailureContinue keeps accepting submissions.
	FailureContinue FailureMode = iota
	// FailureStop rejects new submissions but keeps state for inspection.
	FailureStop
	// FailureAbort marks the stream unusable until explicit recovery.
	FailureAbort
)

func (m FailureMode) String() string {
	switch m {
	case FailureContinue:
		return "continue"
	case FailureStop:
		return "stop"
	case FailureAbort:
		return "abort"
	default:
		return fmt.Sprintf("failure_mode(%d)", int(m))
	}
}

// ParseFailureMode parses the textual form produced by String.
func ParseFailureMode(s string) (FailureMode, error) {
	switch strings.ToLower(s) {
	case "continue", "":
		return FailureContinue, nil
	case "stop":
		return FailureStop, nil
	case "abort":
		return FailureAbort, nil
	default:
		return FailureContinue, fmt.Errorf("unknown failure mode %q", s)
	}
}

// AbortStatus records why a stream became unusable.
type AbortStatus int

// Abort status values.
const (
	AbortNone AbortStatus = iota
	AbortStream
	AbortDevice
)

func (a AbortStatus) String() string {
	switch a {
	case AbortNone:
		return "none"
	case AbortStream:
		return "stream"
	case AbortDevice:
		return "device"
	default:
		return fmt.Sprintf("abort(%d)", int(a))
	}
}

// RunningState is the device-wide health state.
type RunningState int32

// Running state values.
const (
	RunningNormal RunningState = iota
	RunningDown
	RunningAborted
)

func (r RunningState) String() string {
	switch r {
	case RunningNormal:
		return "normal"
	case RunningDown:
		return "down"
	case RunningAborted:
		return "aborted"
	default:
		return fmt.Sprintf("running(%d)", int32(r))
	}
}
