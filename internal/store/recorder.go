package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/accelrt/internal/engine"
	"github.com/seantiz/accelrt/internal/model"
)

// Recorder defaults.
const (
	DefaultRecorderBuffer = 4096
	recorderBatch         = 256
	recorderFlush         = 100 * time.Millisecond
	recorderWriteTimeout  = 5 * time.Second
)

// Compile-time interface satisfaction check.
var _ engine.Observer = (*Recorder)(nil)

// Recorder is an engine observer that journals finished tasks. Observe never
// blocks the engine: events are buffered and dropped when the buffer is full.
type Recorder struct {
	journal Journal
	logger  *slog.Logger

	events  chan engine.Event
	dropped atomic.Uint64
	written atomic.Uint64

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRecorder starts a recorder writing to j. A non-positive buffer uses
// DefaultRecorderBuffer.
func NewRecorder(j Journal, buffer int, logger *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = DefaultRecorderBuffer
	}
	r := &Recorder{
		journal: j,
		logger:  logger.With("component", "recorder"),
		events:  make(chan engine.Event, buffer),
		stop:    make(chan struct{}),
	}
	r.wg.Go(r.run)
	return r
}

// Observe enqueues finish events.
func (r *Recorder) Observe(ev engine.Event) {
	if ev.Kind != engine.EventFinish {
		return
	}
	select {
	case r.events <- ev:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Written returns how many task records were committed.
func (r *Recorder) Written() uint64 { return r.written.Load() }

// Close flushes buffered events and stops the writer.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.stop)
		r.wg.Wait()
	})
}

func (r *Recorder) run() {
	ticker := time.NewTicker(recorderFlush)
	defer ticker.Stop()

	batch := make([]engine.Event, 0, recorderBatch)
	for {
		select {
		case ev := <-r.events:
			batch = append(batch, ev)
			if len(batch) >= recorderBatch {
				batch = r.flush(batch)
			}
		case <-ticker.C:
			batch = r.flush(batch)
		case <-r.stop:
			for {
				select {
				case ev := <-r.events:
					batch = append(batch, ev)
				default:
					r.flush(batch)
					return
				}
			}
		}
	}
}

func (r *Recorder) flush(batch []engine.Event) []engine.Event {
	if len(batch) == 0 {
		return batch
	}
	ctx, cancel := context.WithTimeout(context.Background(), recorderWriteTimeout)
	defer cancel()

	records := make([]TaskRecord, len(batch))
	for i, ev := range batch {
		records[i] = TaskRecord{
			DeviceID:    ev.DeviceID,
			StreamID:    ev.StreamID,
			TaskID:      uint16(ev.TaskID),
			Type:        string(ev.Type),
			State:       ev.State.String(),
			ErrorCode:   ev.ErrorCode,
			RetryCount:  ev.RetryCount,
			SubmittedAt: ev.SubmittedAt,
			FinishedAt:  ev.At,
			LatencyUS:   latencyUS(ev.SubmittedAt, ev.At),
		}
	}
	if err := r.journal.RecordTasks(ctx, records); err != nil {
		r.logger.Error("write task records", "count", len(records), "error", err)
	} else {
		r.written.Add(uint64(len(records)))
	}

	for _, ev := range batch {
		kind := ""
		switch ev.State {
		case model.StateFailed:
			kind = EventTaskFailed
		case model.StateAborted:
			kind = EventTaskAborted
		default:
			continue
		}
		if err := r.journal.RecordStreamEvent(ctx, StreamEvent{
			DeviceID:  ev.DeviceID,
			StreamID:  ev.StreamID,
			Kind:      kind,
			TaskID:    uint16(ev.TaskID),
			ErrorCode: ev.ErrorCode,
			At:        ev.At,
		}); err != nil {
			r.logger.Error("write stream event", "stream", ev.StreamID, "error", err)
		}
	}
	return batch[:0]
}
