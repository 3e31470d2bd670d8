package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/seantiz/accelrt/internal/driver"
	"github.com/seantiz/accelrt/internal/engine"
	"github.com/seantiz/accelrt/internal/model"
	"github.com/seantiz/accelrt/internal/scheduler"
	"github.com/seantiz/accelrt/internal/stream"
)

// MaxStreams bounds the number of live streams on one device.
const MaxStreams = 1024

// Options configures a device.
type Options struct {
	Engine engine.Config

	// StreamDefaults fills zero fields of the options passed to CreateStream.
	StreamDefaults stream.Options

	// Scheduler overrides the engine's default Fifo.
	Scheduler scheduler.Scheduler
}

// Device is one opened accelerator.
type Device struct {
	id        string
	index     int
	createdAt time.Time
	drv       driver.Driver
	engine    *engine.Engine
	health    *engine.Health
	defaults  stream.Options
	logger    *slog.Logger

	mu         sync.RWMutex
	streams    map[int]*stream.Stream
	streamNext int
	closed     bool
}

// Open builds and starts a device over drv. The device takes ownership of
// drv and closes it on Close.
func Open(index int, drv driver.Driver, reg *engine.Registry, opts Options, logger *slog.Logger) (*Device, error) {
	d := &Device{
		id:         model.NewID(),
		index:      index,
		createdAt:  time.Now().UTC(),
		drv:        drv,
		health:     engine.NewHealth(),
		defaults:   opts.StreamDefaults,
		streams:    make(map[int]*stream.Stream),
		streamNext: 1,
	}
	d.logger = logger.With("component", "device", "device", index, "session", d.id)

	eng, err := engine.New(opts.Engine, engine.Deps{
		Driver:    drv,
		Streams:   d,
		Health:    d.health,
		Registry:  reg,
		Scheduler: opts.Scheduler,
		DeviceID:  d.id,
		Logger:    d.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("device %d: %w", index, err)
	}
	if err := eng.Start(); err != nil {
		eng.Stop()
		return nil, fmt.Errorf("device %d: %w", index, err)
	}
	d.engine = eng

	d.logger.Info("device opened", "strategy", eng.Strategy())
	return d, nil
}

func (d *Device) ID() string { return d.id }

func (d *Device) Index() int { return d.index }

// Engine returns the device's engine.
func (d *Device) Engine() *engine.Engine { return d.engine }

// RunningState returns NORMAL, DOWN or ABORTED.
func (d *Device) RunningState() model.RunningState { return d.health.State() }

// CreateStream creates a stream with the next free id.
func (d *Device) CreateStream(opts stream.Options) (*stream.Stream, error) {
	if err := d.health.Err(); err != nil {
		return nil, err
	}
	if opts.Capacity == 0 {
		opts.Capacity = d.defaults.Capacity
	}
	if opts.Label == "" {
		opts.Label = d.defaults.Label
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("device %d: %w", d.index, model.ErrClosed)
	}

	id, err := d.allocateStreamID()
	if err != nil {
		return nil, err
	}
	s, err := stream.New(id, d.id, opts)
	if err != nil {
		return nil, err
	}
	d.streams[id] = s

	d.logger.Debug("stream created",
		"stream", id,
		"capacity", s.Capacity(),
		"mode", s.FailureMode().String(),
		"decoupled", s.Decoupled(),
	)
	return s, nil
}

// StreamDefaults returns the options new streams start from. Callers
// override individual fields before passing them to CreateStream.
func (d *Device) StreamDefaults() stream.Options { return d.defaults }

// allocateStreamID returns the next unused stream id, scanning forward from
// the last one handed out. Caller holds mu.
func (d *Device) allocateStreamID() (int, error) {
	for i := range MaxStreams {
		candidate := (d.streamNext-1+i)%MaxStreams + 1
		if _, used := d.streams[candidate]; !used {
			d.streamNext = candidate%MaxStreams + 1
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("device %d: all %d streams in use", d.index, MaxStreams)
}

// Stream returns the live stream with the given id.
func (d *Device) Stream(id int) (*stream.Stream, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.streams[id]
	return s, ok
}

// Each calls fn for every live stream. fn runs without the device lock held.
func (d *Device) Each(fn func(*stream.Stream)) {
	for _, s := range d.Streams() {
		fn(s)
	}
}

// Streams returns the live streams ordered by id.
func (d *Device) Streams() []*stream.Stream {
	d.mu.RLock()
	list := make([]*stream.Stream, 0, len(d.streams))
	for _, s := range d.streams {
		list = append(list, s)
	}
	d.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].ID() < list[j].ID() })
	return list
}

func (d *Device) stream(id int) (*stream.Stream, error) {
	s, ok := d.Stream(id)
	if !ok {
		return nil, fmt.Errorf("device %d stream %d: %w", d.index, id, model.ErrUnknownStream)
	}
	return s, nil
}

// DestroyStream removes a stream. A stream with tasks in flight or waiting
// to be sent is refused unless force is set, in which case it is first
// drained for up to timeout. Tasks an aborted stream can no longer send are
// released rather than waited for.
func (d *Device) DestroyStream(id int, force bool, timeout time.Duration) error {
	s, err := d.stream(id)
	if err != nil {
		return err
	}

	if s.Pending() > 0 || s.Unsent() > 0 {
		if !force {
			return fmt.Errorf("destroy stream %d: %w", id, model.ErrStreamBusy)
		}
		if err := d.drainStream(s, timeout); err != nil {
			return fmt.Errorf("destroy stream %d: %w", id, err)
		}
	}

	d.mu.Lock()
	delete(d.streams, id)
	d.mu.Unlock()

	d.logger.Debug("stream destroyed", "stream", id)
	return nil
}

func (d *Device) drainStream(s *stream.Stream, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return model.ErrTimeout
		}
		err := d.engine.Sync(s, 0, true, remaining)
		if errors.Is(err, model.ErrStreamAbort) {
			d.engine.Recover(s)
			continue
		}
		// A failed or dropped task still leaves the stream drained.
		if model.IsWaitFailure(err) && !errors.Is(err, model.ErrTaskAborted) {
			return err
		}
		return nil
	}
}

// Submit enqueues t on the given stream.
func (d *Device) Submit(streamID int, t *model.Task, timeout time.Duration) error {
	s, err := d.stream(streamID)
	if err != nil {
		return err
	}
	return d.engine.Submit(s, t, timeout)
}

// Sync waits for task id on the given stream, or for the whole stream.
func (d *Device) Sync(streamID int, id model.TaskID, streamWide bool, timeout time.Duration) error {
	s, err := d.stream(streamID)
	if err != nil {
		return err
	}
	return d.engine.Sync(s, id, streamWide, timeout)
}

// WaitForDrain waits until every task submitted to the device has finished.
func (d *Device) WaitForDrain(ctx context.Context) error {
	return d.engine.WaitForDrain(ctx)
}

// RecoverStream clears a stopped or aborted stream.
func (d *Device) RecoverStream(id int) (int, error) {
	s, err := d.stream(id)
	if err != nil {
		return 0, err
	}
	return d.engine.Recover(s), nil
}

// ResetAbort returns an aborted device to NORMAL and recovers the streams the
// device abort left unusable. Streams aborted by their own task failure stay
// aborted until RecoverStream. A device that lost its heartbeat cannot be
// reset.
func (d *Device) ResetAbort() error {
	if !d.health.Reset() {
		return d.health.Err()
	}
	for _, s := range d.Streams() {
		if s.AbortStatus() == model.AbortDevice {
			d.engine.Recover(s)
		}
	}
	d.logger.Warn("device abort cleared")
	return nil
}

// AddObserver registers o with the device's engine.
func (d *Device) AddObserver(o engine.Observer) error {
	return d.engine.AddObserver(o)
}

// Close drains the device for up to ctx, then stops its engine and driver.
func (d *Device) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	var drainErr error
	if err := d.engine.WaitForDrain(ctx); err != nil && !model.IsWaitFailure(err) {
		drainErr = fmt.Errorf("drain device %d: %w", d.index, err)
	}
	err := errors.Join(drainErr, d.engine.Stop(), d.drv.Close())

	d.logger.Info("device closed", "pending", d.engine.Pending())
	return err
}

// Info is a point-in-time view of a device.
type Info struct {
	Index        int       `json:"index"`
	ID           string    `json:"id"`
	Strategy     string    `json:"strategy"`
	RunningState string    `json:"running_state"`
	Streams      int       `json:"streams"`
	Pending      int64     `json:"pending"`
	Queued       int       `json:"queued"`
	SQ           int       `json:"sq"`
	Depth        int       `json:"depth"`
	CreatedAt    time.Time `json:"created_at"`
}

// Snapshot returns the device's current Info.
func (d *Device) Snapshot() Info {
	d.mu.RLock()
	n := len(d.streams)
	d.mu.RUnlock()

	qp := d.engine.Queue()
	return Info{
		Index:        d.index,
		ID:           d.id,
		Strategy:     d.engine.Strategy(),
		RunningState: d.health.State().String(),
		Streams:      n,
		Pending:      d.engine.Pending(),
		Queued:       d.engine.Queued(),
		SQ:           qp.SQ,
		Depth:        qp.Depth,
		CreatedAt:    d.createdAt,
	}
}
