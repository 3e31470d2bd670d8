// Package driver defines the narrow capability the engine consumes from the
// vendor driver binding. Descriptor layout is the driver's concern; the
// engine hands over Commands and receives Reports.
package driver

import (
	"context"
	"time"

	"github.com/seantiz/accelrt/internal/model"
)

// ErrQueueFull is returned by CommandOccupy when the submission queue has no
// room for the requested slots. It is transient.
var ErrQueueFull = model.ErrQueueFull

// QueueOptions configures a submission/completion queue pair.
type QueueOptions struct {
	// Depth is the number of SQ slots. Zero selects the driver default.
	Depth int

	// Reports enables per-command completion reports on the CQ. Queues
	// opened without reports are tracked by polling the SQ head.
	Reports bool
}

// QueuePair identifies a submission queue and its completion queue.
type QueuePair struct {
	SQ    int
	CQ    int
	Depth int
}

// Reservation is a run of SQ slots obtained from CommandOccupy and not yet
// published.
type Reservation struct {
	SQ    int
	Start uint32
	N     int
}

// Command is one unit of work to encode into an SQ slot.
type Command struct {
	Stream  int            `cbor:"1,keyasint"`
	Task    model.TaskID   `cbor:"2,keyasint"`
	Type    model.TaskType `cbor:"3,keyasint"`
	Payload []byte         `cbor:"4,keyasint,omitempty"`

	// Nop fills a reserved slot that ended up unused. The device consumes it
	// without producing a report.
	Nop bool `cbor:"5,keyasint,omitempty"`

	// Aux is the auxiliary hardware id of event tasks.
	Aux uint32 `cbor:"6,keyasint,omitempty"`
}

// Report is a completion record read from a CQ.
type Report struct {
	SQ      int
	Stream  int
	Task    model.TaskID
	ErrCode uint32

	// Fatal marks an error that leaves the whole device unusable.
	Fatal bool
}

// Driver is the hardware capability consumed by the engine.
type Driver interface {
	// OpenQueue allocates a queue pair owned by the caller.
	OpenQueue(opts QueueOptions) (QueuePair, error)
	// CloseQueue releases a queue pair.
	CloseQueue(q QueuePair) error

	// CommandOccupy reserves n consecutive SQ slots.
	CommandOccupy(sq, n int) (Reservation, error)
	// CommandSend encodes cmds into a reservation and publishes it.
	CommandSend(res Reservation, cmds []Command) error

	// PollCompletions waits up to timeout for at least one report and returns
	// at most max of them. A zero timeout polls without blocking.
	PollCompletions(ctx context.Context, cq int, timeout time.Duration, max int) ([]Report, error)

	// AllocAuxID allocates an auxiliary hardware id (event, notification).
	AllocAuxID() (uint32, error)
	// FreeAuxID returns an auxiliary id to the pool.
	FreeAuxID(id uint32)

	// QueueHead returns the raw hardware consumer position of an SQ.
	QueueHead(sq int) (uint32, error)
	// QueueTail returns the raw published position of an SQ.
	QueueTail(sq int) (uint32, error)

	// Heartbeat returns the device liveness counter. A counter that stops
	// advancing means the device is gone.
	Heartbeat() (uint64, error)

	Close() error
}
