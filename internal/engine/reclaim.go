package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/seantiz/accelrt/internal/driver"
	"github.com/seantiz/accelrt/internal/model"
	"github.com/seantiz/accelrt/internal/stream"
)

type recycleBatch struct {
	stream  *stream.Stream
	reports []driver.Report
}

// Reclaim drains completion reports and applies them, then returns the
// head position of the given stream. A limited reclaim applies at most one
// batch of reports.
func (e *Engine) Reclaim(streamID int, limited bool) (model.TaskID, error) {
	s, ok := e.streams.Stream(streamID)
	if !ok {
		return 0, fmt.Errorf("reclaim stream %d: %w", streamID, model.ErrUnknownStream)
	}

	e.reclaimMu.Lock()
	for {
		reports, err := e.strategy.Harvest(e.ctx, e.drv, e.queue, 0, e.cfg.ReclaimBatch)
		if err != nil {
			e.reclaimMu.Unlock()
			return 0, fmt.Errorf("reclaim stream %d: %w", streamID, err)
		}
		e.apply(reports)
		if limited || len(reports) < e.cfg.ReclaimBatch {
			break
		}
	}
	e.reclaimMu.Unlock()

	head, _, _ := s.Positions()
	return head, nil
}

// reclaimOpportunistic applies one batch of reports unless another
// goroutine is already reclaiming. It reports whether anything was applied.
func (e *Engine) reclaimOpportunistic() bool {
	if !e.reclaimMu.TryLock() {
		return false
	}
	defer e.reclaimMu.Unlock()

	reports, err := e.strategy.Harvest(e.ctx, e.drv, e.queue, 0, e.cfg.ReclaimBatch)
	if err != nil {
		return false
	}
	e.apply(reports)
	return len(reports) > 0
}

// apply groups reports by stream, keeping their arrival order within each
// stream. Caller holds reclaimMu.
func (e *Engine) apply(reports []driver.Report) {
	if len(reports) == 0 {
		return
	}

	var (
		order    []int
		byStream = make(map[int][]driver.Report)
		fatal    *driver.Report
	)
	for i := range reports {
		r := reports[i]
		if _, ok := byStream[r.Stream]; !ok {
			order = append(order, r.Stream)
		}
		byStream[r.Stream] = append(byStream[r.Stream], r)
		if r.Fatal && fatal == nil {
			fatal = &reports[i]
		}
	}

	for _, id := range order {
		s, ok := e.streams.Stream(id)
		if !ok {
			e.logger.Warn("reports for unknown stream", "stream", id, "count", len(byStream[id]))
			continue
		}
		if s.Decoupled() && e.recycleCh != nil {
			select {
			case e.recycleCh <- recycleBatch{stream: s, reports: byStream[id]}:
				continue
			case <-e.ctx.Done():
			}
		}
		e.reclaimStream(s, byStream[id])
	}

	if fatal != nil {
		e.abortDevice(fmt.Errorf("fatal error %#x on stream %d task %d", fatal.ErrCode, fatal.Stream, fatal.Task))
	}
}

// reclaimStream advances one stream over its reports. Consecutive successes
// collapse into a single head advance; each error is applied on its own so
// the failing task keeps its code. A report behind one already seen is not
// merged across.
func (e *Engine) reclaimStream(s *stream.Stream, reports []driver.Report) {
	var (
		last    model.TaskID
		have    bool
		highest model.TaskID
		seen    bool
	)
	flush := func() {
		if !have {
			return
		}
		tasks, tripped := s.Advance(last, 0)
		e.finish(s, tasks, tripped)
		have = false
	}

	for _, r := range reports {
		if seen && r.Task.LT(highest) {
			reportsOutOfOrder.Inc()
			e.logger.Warn("out of order completion report",
				"stream", s.ID(),
				"task", r.Task,
				"after", highest,
				"code", r.ErrCode,
			)
			flush()
		}
		if !seen || r.Task.GT(highest) {
			highest = r.Task
			seen = true
		}

		if r.ErrCode != 0 {
			flush()
			tasks, tripped := s.Advance(r.Task, r.ErrCode)
			e.finish(s, tasks, tripped)
			continue
		}
		if !have || r.Task.GT(last) {
			last = r.Task
		}
		have = true
	}
	flush()
}

func (e *Engine) finish(s *stream.Stream, tasks []*model.Task, tripped bool) {
	if len(tasks) == 0 {
		return
	}
	for _, t := range tasks {
		e.releaseAux(t)
		e.sched.OnCompleted(t)
		state := model.StateCompleted
		if t.ErrorCode() != 0 {
			state = model.StateFailed
		}
		tasksReclaimed.WithLabelValues(state.String()).Inc()
		e.event(EventFinish, t, state)
	}
	if tripped {
		streamTrips.WithLabelValues(s.FailureMode().String()).Inc()
		last := tasks[len(tasks)-1]
		e.logger.Warn("task failure tripped stream",
			"stream", s.ID(),
			"task", last.ID,
			"code", fmt.Sprintf("%#x", last.ErrorCode()),
			"mode", s.FailureMode().String(),
		)
	}
	e.addPending(-int64(len(tasks)))
}

// abortDevice marks the device aborted and every stream with it.
func (e *Engine) abortDevice(cause error) {
	if !e.health.MarkAborted() {
		return
	}
	deviceAborts.Inc()
	e.logger.Error("device aborted", "error", cause)
	e.streams.Each(func(s *stream.Stream) { s.MarkDeviceAbort() })
	e.drained.Broadcast()
}

func (e *Engine) receiveLoop(ctx context.Context) error {
	beat := time.NewTicker(e.cfg.HeartbeatInterval)
	defer beat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-beat.C:
			e.checkHeartbeat()
		default:
		}

		e.reclaimMu.Lock()
		reports, err := e.strategy.Harvest(ctx, e.drv, e.queue, e.cfg.PollInterval, e.cfg.ReclaimBatch)
		if err == nil {
			e.apply(reports)
		}
		e.reclaimMu.Unlock()

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.logger.Error("harvest completions", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(e.cfg.PollInterval):
			}
		}
	}
}

// checkHeartbeat counts samples without progress and flips the device down
// once HeartbeatMisses is reached.
func (e *Engine) checkHeartbeat() {
	if e.health.State() == model.RunningDown {
		return
	}
	beat, err := e.drv.Heartbeat()
	if err == nil && beat != e.lastBeat {
		e.lastBeat = beat
		e.misses = 0
		return
	}
	e.misses++
	if e.misses < e.cfg.HeartbeatMisses || !e.health.MarkDown() {
		return
	}

	heartbeatLost.Inc()
	e.logger.Error("device lost heartbeat",
		"misses", e.misses,
		"last", e.lastBeat,
		"pending", e.pending.Load(),
	)
	e.streams.Each(func(s *stream.Stream) { s.Wake() })
	e.drained.Broadcast()
}

func (e *Engine) recycleLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case b := <-e.recycleCh:
			e.reclaimStream(b.stream, b.reports)
		}
	}
}
