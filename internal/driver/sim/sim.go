// Package sim implements driver.Driver with an in-process simulated
// accelerator. Each queue pair is served by its own device goroutine that
// consumes descriptors in order and writes completion reports. Faults can be
// injected to exercise back-pressure, task failure and device loss.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/seantiz/accelrt/internal/driver"
	"github.com/seantiz/accelrt/internal/model"
)

// Defaults.
const (
	DefaultQueues            = 4
	DefaultDepth             = 64
	DefaultAuxIDs            = 1024
	DefaultHeartbeatInterval = 5 * time.Millisecond
)

// Config configures the simulated device.
type Config struct {
	Queues            int
	Depth             int
	AuxIDs            int
	Latency           time.Duration
	HeartbeatInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Queues <= 0 {
		c.Queues = DefaultQueues
	}
	if c.Depth <= 0 {
		c.Depth = DefaultDepth
	}
	if c.AuxIDs <= 0 {
		c.AuxIDs = DefaultAuxIDs
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
}

type taskKey struct {
	stream int
	id     model.TaskID
}

type fault struct {
	code  uint32
	fatal bool
}

// Compile-time interface satisfaction check.
var _ driver.Driver = (*Driver)(nil)

// Driver is a simulated accelerator.
type Driver struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	queues    map[int]*queue
	nextQueue int
	faults    map[taskKey]fault
	latency   time.Duration

	heartbeat atomic.Uint64
	hung      atomic.Bool

	auxMu    sync.Mutex
	auxNext  uint32
	auxInUse map[uint32]bool

	stop   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New starts a simulated device.
func New(cfg Config, logger *slog.Logger) *Driver {
	cfg.applyDefaults()
	d := &Driver{
		cfg:      cfg,
		logger:   logger.With("component", "sim"),
		queues:   make(map[int]*queue),
		faults:   make(map[taskKey]fault),
		latency:  cfg.Latency,
		auxInUse: make(map[uint32]bool),
		stop:     make(chan struct{}),
	}
	d.wg.Go(d.beat)
	return d
}

// beat advances the heartbeat counter until the device hangs or closes.
func (d *Driver) beat() {
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			if !d.hung.Load() {
				d.heartbeat.Add(1)
			}
		}
	}
}

// OpenQueue allocates a queue pair and starts its device goroutine.
func (d *Driver) OpenQueue(opts driver.QueueOptions) (driver.QueuePair, error) {
	if d.closed.Load() {
		return driver.QueuePair{}, model.ErrClosed
	}
	depth := opts.Depth
	if depth <= 0 {
		depth = d.cfg.Depth
	}

	d.mu.Lock()
	if len(d.queues) >= d.cfg.Queues {
		d.mu.Unlock()
		return driver.QueuePair{}, fmt.Errorf("all %d hardware queues in use", d.cfg.Queues)
	}
	id := d.nextQueue
	d.nextQueue++
	q := newQueue(id, depth, opts.Reports)
	d.queues[id] = q
	d.mu.Unlock()

	d.wg.Go(func() { d.serve(q) })
	d.logger.Debug("queue opened", "sq", id, "depth", depth, "reports", opts.Reports)
	return driver.QueuePair{SQ: id, CQ: id, Depth: depth}, nil
}

// CloseQueue stops the queue's device goroutine and forgets the queue.
func (d *Driver) CloseQueue(qp driver.QueuePair) error {
	d.mu.Lock()
	q, ok := d.queues[qp.SQ]
	delete(d.queues, qp.SQ)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("queue %d not open", qp.SQ)
	}
	q.close()
	return nil
}

func (d *Driver) queue(id int) (*queue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[id]
	if !ok {
		return nil, fmt.Errorf("queue %d not open", id)
	}
	return q, nil
}

// CommandOccupy reserves n slots on sq.
func (d *Driver) CommandOccupy(sq, n int) (driver.Reservation, error) {
	q, err := d.queue(sq)
	if err != nil {
		return driver.Reservation{}, err
	}
	return q.occupy(n)
}

// CommandSend encodes cmds into the reservation and publishes it.
func (d *Driver) CommandSend(res driver.Reservation, cmds []driver.Command) error {
	if len(cmds) != res.N {
		return fmt.Errorf("reservation holds %d slots, got %d commands", res.N, len(cmds))
	}
	q, err := d.queue(res.SQ)
	if err != nil {
		return err
	}
	descs := make([][]byte, len(cmds))
	for i := range cmds {
		b, err := cbor.Marshal(&cmds[i])
		if err != nil {
			return fmt.Errorf("encode descriptor: %w", err)
		}
		descs[i] = b
	}
	q.publish(res, descs)
	return nil
}

// PollCompletions returns up to max reports from cq, waiting up to timeout
// for the first one.
func (d *Driver) PollCompletions(ctx context.Context, cq int, timeout time.Duration, max int) ([]driver.Report, error) {
	q, err := d.queue(cq)
	if err != nil {
		return nil, err
	}

	var timer *time.Timer
	for {
		if reports := q.take(max); len(reports) > 0 {
			if timer != nil {
				timer.Stop()
			}
			return reports, nil
		}
		if timeout <= 0 {
			return nil, nil
		}
		if timer == nil {
			timer = time.NewTimer(timeout)
			defer timer.Stop()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-d.stop:
			return nil, model.ErrClosed
		case <-timer.C:
			return q.take(max), nil
		case <-q.cqSignal:
		}
	}
}

// AllocAuxID returns the next free auxiliary id.
func (d *Driver) AllocAuxID() (uint32, error) {
	d.auxMu.Lock()
	defer d.auxMu.Unlock()

	size := uint32(d.cfg.AuxIDs)
	for i := range size {
		candidate := (d.auxNext + i) % size
		if !d.auxInUse[candidate] {
			d.auxInUse[candidate] = true
			d.auxNext = candidate + 1
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("all %d aux ids in use: %w", size, model.ErrAuxIDsExhausted)
}

// FreeAuxID returns id to the pool.
func (d *Driver) FreeAuxID(id uint32) {
	d.auxMu.Lock()
	defer d.auxMu.Unlock()
	delete(d.auxInUse, id)
}

// QueueHead returns the device's consumer position on sq.
func (d *Driver) QueueHead(sq int) (uint32, error) {
	q, err := d.queue(sq)
	if err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.head, nil
}

// QueueTail returns the published position on sq.
func (d *Driver) QueueTail(sq int) (uint32, error) {
	q, err := d.queue(sq)
	if err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tail, nil
}

// Heartbeat returns the liveness counter.
func (d *Driver) Heartbeat() (uint64, error) {
	if d.closed.Load() {
		return 0, model.ErrClosed
	}
	return d.heartbeat.Load(), nil
}

// Close stops every device goroutine.
func (d *Driver) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(d.stop)
	d.mu.Lock()
	for id, q := range d.queues {
		q.close()
		delete(d.queues, id)
	}
	d.mu.Unlock()
	d.wg.Wait()
	return nil
}

// InjectQueueFull makes the next n CommandOccupy calls on sq report a full
// queue regardless of free space.
func (d *Driver) InjectQueueFull(sq, n int) error {
	q, err := d.queue(sq)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.fullInjections += n
	q.mu.Unlock()
	return nil
}

// FailTask makes the device report code for the given task the next time it
// executes it. A fatal failure aborts the device.
func (d *Driver) FailTask(stream int, id model.TaskID, code uint32, fatal bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[taskKey{stream: stream, id: id}] = fault{code: code, fatal: fatal}
}

// SetLatency changes the simulated execution time per command.
func (d *Driver) SetLatency(latency time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.latency = latency
}

// StopHeartbeat simulates losing the device: the heartbeat freezes and the
// device stops consuming descriptors.
func (d *Driver) StopHeartbeat() {
	d.hung.Store(true)
	d.logger.Warn("device heartbeat stopped")
}

// Published returns the number of commands published on sq.
func (d *Driver) Published(sq int) uint64 {
	q, err := d.queue(sq)
	if err != nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.published
}

// serve is the device side of one queue pair.
func (d *Driver) serve(q *queue) {
	for {
		desc, ok := q.next(&d.hung)
		if !ok {
			return
		}

		var cmd driver.Command
		if err := cbor.Unmarshal(desc, &cmd); err != nil {
			d.logger.Error("decode descriptor", "sq", q.id, "error", err)
			q.consume(nil)
			continue
		}

		d.mu.Lock()
		latency := d.latency
		f, failed := d.faults[taskKey{stream: cmd.Stream, id: cmd.Task}]
		if failed {
			delete(d.faults, taskKey{stream: cmd.Stream, id: cmd.Task})
		}
		d.mu.Unlock()

		if latency > 0 && !cmd.Nop {
			select {
			case <-time.After(latency):
			case <-q.done:
				return
			}
		}

		if cmd.Nop {
			q.consume(nil)
			continue
		}
		rep := &driver.Report{SQ: q.id, Stream: cmd.Stream, Task: cmd.Task}
		if failed {
			rep.ErrCode = f.code
			rep.Fatal = f.fatal
		}
		q.consume(rep)
	}
}
