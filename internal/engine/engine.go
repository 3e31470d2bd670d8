package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/accelrt/internal/driver"
	"github.com/seantiz/accelrt/internal/model"
	"github.com/seantiz/accelrt/internal/notify"
	"github.com/seantiz/accelrt/internal/scheduler"
	"github.com/seantiz/accelrt/internal/stream"
)

// Config holds engine tuning. Zero fields take the defaults below.
type Config struct {
	// Strategy names the hardware generation strategy to resolve.
	Strategy string
	// QueueDepth is the requested SQ depth.
	QueueDepth int
	// Inline sends on the submitting goroutine instead of a sender goroutine.
	Inline bool
	// Recycle reclaims decoupled streams on a dedicated goroutine.
	Recycle bool

	PollInterval      time.Duration
	ReclaimBatch      int
	SendRetries       int
	RetryBackoff      time.Duration
	MaxRetryBackoff   time.Duration
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
}

const (
	DefaultQueueDepth        = 64
	DefaultPollInterval      = time.Millisecond
	DefaultReclaimBatch      = 256
	DefaultSendRetries       = 10000
	DefaultRetryBackoff      = 10 * time.Microsecond
	DefaultMaxRetryBackoff   = time.Millisecond
	DefaultHeartbeatInterval = 50 * time.Millisecond
	DefaultHeartbeatMisses   = 3
)

func (c Config) withDefaults() Config {
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ReclaimBatch <= 0 {
		c.ReclaimBatch = DefaultReclaimBatch
	}
	if c.SendRetries <= 0 {
		c.SendRetries = DefaultSendRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.MaxRetryBackoff < c.RetryBackoff {
		c.MaxRetryBackoff = max(DefaultMaxRetryBackoff, c.RetryBackoff)
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatMisses <= 0 {
		c.HeartbeatMisses = DefaultHeartbeatMisses
	}
	return c
}

// Streams resolves the streams an engine serves. The owning device
// implements it.
type Streams interface {
	Stream(id int) (*stream.Stream, bool)
	Each(fn func(*stream.Stream))
}

// Deps are the collaborators an engine is built from.
type Deps struct {
	Driver  driver.Driver
	Streams Streams
	Health  *Health

	// Strategy overrides resolving Config.Strategy from Registry.
	Strategy Strategy
	Registry *Registry

	// Scheduler defaults to a Fifo.
	Scheduler scheduler.Scheduler

	DeviceID string
	Logger   *slog.Logger
}

// Engine drives one queue pair of one device.
type Engine struct {
	cfg      Config
	drv      driver.Driver
	strategy Strategy
	queue    driver.QueuePair
	sched    scheduler.Scheduler
	streams  Streams
	health   *Health
	deviceID string
	logger   *slog.Logger

	pending   atomic.Int64
	drained   notify.Broadcaster
	observers observerSet

	// reclaimMu serializes harvesting the CQ and applying its reports.
	reclaimMu sync.Mutex
	recycleCh chan recycleBatch

	// owned by the receive goroutine
	lastBeat uint64
	misses   int

	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	started  atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

// New builds an engine and opens its queue pair.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Driver == nil || deps.Streams == nil || deps.Health == nil {
		return nil, errors.New("engine requires a driver, streams and health")
	}
	cfg = cfg.withDefaults()

	strat := deps.Strategy
	if strat == nil {
		reg := deps.Registry
		if reg == nil {
			reg = BuiltinRegistry()
		}
		var err error
		if strat, err = reg.Resolve(cfg.Strategy); err != nil {
			return nil, err
		}
	}

	qp, err := strat.Open(deps.Driver, cfg.QueueDepth)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}

	sched := deps.Scheduler
	if sched == nil {
		sched = scheduler.NewFifo()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:      cfg,
		drv:      deps.Driver,
		strategy: strat,
		queue:    qp,
		sched:    sched,
		streams:  deps.Streams,
		health:   deps.Health,
		deviceID: deps.DeviceID,
		logger:   logger.With("component", "engine", "strategy", strat.Name(), "sq", qp.SQ),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.Recycle {
		e.recycleCh = make(chan recycleBatch, 64)
	}
	return e, nil
}

// Start launches the background goroutines. It may be called once.
func (e *Engine) Start() error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine already started")
	}
	e.lastBeat, _ = e.drv.Heartbeat()

	g, ctx := errgroup.WithContext(e.ctx)
	e.group = g
	g.Go(func() error { return e.receiveLoop(ctx) })
	if !e.cfg.Inline {
		g.Go(func() error { return e.sendLoop(ctx) })
	}
	if e.recycleCh != nil {
		g.Go(func() error { return e.recycleLoop(ctx) })
	}

	e.logger.Info("engine started",
		"depth", e.queue.Depth,
		"inline", e.cfg.Inline,
		"recycle", e.cfg.Recycle,
	)
	return nil
}

// Stop cancels the background goroutines, waits for them, and releases the
// queue pair. Tasks still queued in the scheduler are left unsent.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() {
		e.cancel()
		var err error
		if e.group != nil {
			err = e.group.Wait()
		}
		e.stopErr = errors.Join(err, e.strategy.Close(e.drv, e.queue))
		pendingTasks.DeleteLabelValues(e.deviceID)
		e.logger.Info("engine stopped", "pending", e.pending.Load())
	})
	return e.stopErr
}

// Strategy returns the name of the strategy in use.
func (e *Engine) Strategy() string { return e.strategy.Name() }

// Queue returns the queue pair owned by the engine.
func (e *Engine) Queue() driver.QueuePair { return e.queue }

// Pending returns the number of submitted tasks not yet finished.
func (e *Engine) Pending() int64 { return e.pending.Load() }

// Queued returns the number of tasks waiting in the scheduler.
func (e *Engine) Queued() int { return e.sched.Len() }

// AddObserver registers o for task lifecycle events.
func (e *Engine) AddObserver(o Observer) error {
	return e.observers.add(o)
}

// Submit binds t to s and hands it to the sender. A zero timeout fails
// immediately when the stream has no free slot; a negative timeout waits
// until a slot frees or the stream or device becomes unusable. Event tasks
// get an auxiliary hardware id first and fail at once when none is free.
func (e *Engine) Submit(s *stream.Stream, t *model.Task, timeout time.Duration) error {
	if err := e.usable(s); err != nil {
		submitsRejected.WithLabelValues(rejectReason(err)).Inc()
		return err
	}
	if err := e.allocAux(t); err != nil {
		submitsRejected.WithLabelValues(rejectReason(err)).Inc()
		return fmt.Errorf("stream %d: %w", s.ID(), err)
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	err := s.Serialize(func() error {
		if err := e.bind(s, t, timeout, deadline); err != nil {
			return err
		}
		t.SubmittedAt = time.Now()
		if t.Deadline.IsZero() {
			t.Deadline = deadline
		}
		e.addPending(1)
		tasksSubmitted.WithLabelValues(string(t.Type)).Inc()
		e.event(EventSubmit, t, model.StateBound)

		if e.cfg.Inline {
			return e.Send(t)
		}
		e.sched.Push(t)
		return nil
	})
	if err != nil {
		submitsRejected.WithLabelValues(rejectReason(err)).Inc()
		if t.State() == model.StateCreated {
			e.releaseAux(t)
		}
	}
	return err
}

func (e *Engine) allocAux(t *model.Task) error {
	if !t.Type.NeedsAuxID() {
		return nil
	}
	if _, held := t.AuxID(); held {
		return nil
	}
	id, err := e.drv.AllocAuxID()
	if err != nil {
		if !errors.Is(err, model.ErrAuxIDsExhausted) {
			err = fmt.Errorf("%w: %w", model.ErrAuxIDsExhausted, err)
		}
		return err
	}
	t.SetAuxID(id)
	return nil
}

// releaseAux returns the task's auxiliary id to the driver once.
func (e *Engine) releaseAux(t *model.Task) {
	if id, ok := t.TakeAuxID(); ok {
		e.drv.FreeAuxID(id)
	}
}

func (e *Engine) bind(s *stream.Stream, t *model.Task, timeout time.Duration, deadline time.Time) error {
	var timer <-chan time.Time
	if timeout > 0 {
		tm := time.NewTimer(time.Until(deadline))
		defer tm.Stop()
		timer = tm.C
	}

	for {
		wake := s.Advanced()
		err := s.Bind(t)
		if err == nil || !errors.Is(err, model.ErrSlotsExhausted) {
			return err
		}
		if e.reclaimOpportunistic() {
			continue
		}
		if timeout == 0 {
			return err
		}

		select {
		case <-wake:
		case <-e.health.Done():
		case <-time.After(e.cfg.PollInterval):
		case <-timer:
			return err
		}
		if err := e.usable(s); err != nil {
			return err
		}
	}
}

// Send publishes a bound task to hardware. Tasks dropped by recovery are
// skipped. When the task cannot be published it is aborted and the error
// returned.
func (e *Engine) Send(t *model.Task) error {
	if t.State() != model.StateBound {
		return nil
	}
	s, ok := e.streams.Stream(t.StreamID)
	if !ok {
		e.drop(t)
		return fmt.Errorf("send task %d: stream %d: %w", t.ID, t.StreamID, model.ErrUnknownStream)
	}

	res, err := e.reserve(s, t)
	if err != nil {
		e.drop(t)
		return err
	}

	if err := s.Publish(t); err != nil {
		// The stream aborted after the slot was reserved.
		if nopErr := e.strategy.Commit(e.drv, res, driver.Command{Stream: s.ID(), Nop: true}); nopErr != nil {
			e.logger.Error("fill reservation with nop", "error", nopErr)
		}
		e.drop(t)
		return err
	}

	cmd := driver.Command{Stream: s.ID(), Task: t.ID, Type: t.Type, Payload: t.Payload}
	cmd.Aux, _ = t.AuxID()
	if err := e.strategy.Commit(e.drv, res, cmd); err != nil {
		// A published task the hardware never saw cannot complete.
		e.abortDevice(fmt.Errorf("commit stream %d task %d: %w", s.ID(), t.ID, err))
		return err
	}

	tasksSent.Inc()
	e.event(EventLaunch, t, model.StateSent)
	return nil
}

// reserve obtains an SQ slot for t, backing off while the queue is full.
// Abort and device state are checked before every attempt.
func (e *Engine) reserve(s *stream.Stream, t *model.Task) (driver.Reservation, error) {
	backoff := e.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		if err := e.sendable(s); err != nil {
			return driver.Reservation{}, err
		}
		if t.State() != model.StateBound {
			// Recover dropped the task while it waited for room.
			return driver.Reservation{}, fmt.Errorf("send stream %d task %d: %w", s.ID(), t.ID, model.ErrTaskAborted)
		}

		res, err := e.strategy.Reserve(e.drv, e.queue)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, driver.ErrQueueFull) {
			s.Abort()
			return res, fmt.Errorf("reserve stream %d task %d: %w", s.ID(), t.ID, err)
		}
		if attempt >= e.cfg.SendRetries {
			// Later tasks cannot overtake this one, so the stream is unusable.
			s.Abort()
			e.logger.Error("submission queue stayed full",
				"stream", s.ID(),
				"task", t.ID,
				"attempts", attempt+1,
			)
			return res, fmt.Errorf("send stream %d task %d after %d attempts: %w", s.ID(), t.ID, attempt+1, err)
		}

		t.AddRetry()
		sendRetries.Inc()

		timer := time.NewTimer(backoff)
		select {
		case <-e.ctx.Done():
			timer.Stop()
			return res, fmt.Errorf("send stream %d task %d: %w", s.ID(), t.ID, model.ErrClosed)
		case <-e.health.Done():
			timer.Stop()
		case <-timer.C:
		}
		backoff = min(backoff*2, e.cfg.MaxRetryBackoff)
	}
}

// drop aborts a task that will never be published.
func (e *Engine) drop(t *model.Task) {
	if t.Transition(model.StateAborted) != nil {
		return
	}
	e.releaseAux(t)
	tasksReclaimed.WithLabelValues("aborted").Inc()
	e.event(EventFinish, t, model.StateAborted)
	e.addPending(-1)
}

func (e *Engine) sendLoop(ctx context.Context) error {
	for {
		t, err := e.sched.Pop(ctx)
		if err != nil {
			return nil
		}
		if err := e.Send(t); err != nil {
			e.logger.Debug("send failed", "stream", t.StreamID, "task", t.ID, "error", err)
		}
	}
}

// Sync blocks until id (or, when streamWide, every task bound on s so far)
// has been reclaimed. It returns a *model.TaskFailedError when the awaited
// task failed and a wait failure when the wait itself could not finish. A
// timeout of zero or less waits without a bound.
func (e *Engine) Sync(s *stream.Stream, id model.TaskID, streamWide bool, timeout time.Duration) error {
	start := time.Now()
	defer func() { syncDuration.Observe(time.Since(start).Seconds()) }()

	from, _, alloc := s.Positions()
	target := id
	if streamWide {
		target = alloc
	} else if !s.Issued(id) {
		return fmt.Errorf("sync stream %d task %d: %w", s.ID(), id, model.ErrInvalidTaskID)
	}

	var timer <-chan time.Time
	if timeout > 0 {
		tm := time.NewTimer(timeout)
		defer tm.Stop()
		timer = tm.C
	}
	tick := time.NewTicker(e.cfg.PollInterval)
	defer tick.Stop()

	for {
		wake := s.Advanced()
		if s.Reclaimed(target) {
			return e.outcome(s, from, target, streamWide)
		}
		if err := e.health.Err(); err != nil {
			return fmt.Errorf("sync stream %d task %d: %w", s.ID(), target, err)
		}
		if err := s.Sendable(); err != nil {
			return err
		}
		if e.cfg.Inline {
			e.reclaimOpportunistic()
		}

		select {
		case <-wake:
		case <-e.health.Done():
		case <-tick.C:
		case <-timer:
			return fmt.Errorf("sync stream %d task %d: %w", s.ID(), target, model.ErrTimeout)
		}
	}
}

func (e *Engine) outcome(s *stream.Stream, from, target model.TaskID, streamWide bool) error {
	if streamWide {
		if id, code, ok := s.FailureIn(from, target); ok {
			return &model.TaskFailedError{StreamID: s.ID(), ID: id, Code: code}
		}
		if id, ok := s.AbortedIn(from, target); ok {
			return fmt.Errorf("sync stream %d task %d: %w", s.ID(), id, model.ErrTaskAborted)
		}
		return nil
	}
	code, aborted, ok := s.Outcome(target)
	switch {
	case ok && aborted:
		return fmt.Errorf("sync stream %d task %d: %w", s.ID(), target, model.ErrTaskAborted)
	case ok && code != 0:
		return &model.TaskFailedError{StreamID: s.ID(), ID: target, Code: code}
	}
	return nil
}

// WaitForDrain blocks until every submitted task has finished, the device
// leaves Normal, or ctx is done.
func (e *Engine) WaitForDrain(ctx context.Context) error {
	tick := time.NewTicker(e.cfg.PollInterval)
	defer tick.Stop()

	for {
		wake := e.drained.Wait()
		if e.pending.Load() == 0 {
			return nil
		}
		if err := e.health.Err(); err != nil {
			return fmt.Errorf("wait for drain: %w", err)
		}
		if e.cfg.Inline {
			e.reclaimOpportunistic()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		case <-e.health.Done():
		case <-tick.C:
		}
	}
}

// Recover clears a stopped or aborted stream and aborts its unpublished
// tasks. It returns how many tasks were aborted.
func (e *Engine) Recover(s *stream.Stream) int {
	var dropped []*model.Task
	_ = s.Serialize(func() error {
		dropped = s.Recover()
		return nil
	})
	for _, t := range dropped {
		e.releaseAux(t)
		tasksReclaimed.WithLabelValues("aborted").Inc()
		e.event(EventFinish, t, model.StateAborted)
	}
	if len(dropped) > 0 {
		e.addPending(-int64(len(dropped)))
	}
	e.logger.Info("stream recovered", "stream", s.ID(), "aborted", len(dropped))
	return len(dropped)
}

func (e *Engine) usable(s *stream.Stream) error {
	if err := e.health.Err(); err != nil {
		return fmt.Errorf("stream %d: %w", s.ID(), err)
	}
	return s.Usable()
}

func (e *Engine) sendable(s *stream.Stream) error {
	if err := e.health.Err(); err != nil {
		return fmt.Errorf("stream %d: %w", s.ID(), err)
	}
	return s.Sendable()
}

func (e *Engine) addPending(n int64) {
	v := e.pending.Add(n)
	pendingTasks.WithLabelValues(e.deviceID).Set(float64(v))
	if v == 0 {
		e.drained.Broadcast()
	}
}
