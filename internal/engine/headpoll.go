package engine

import (
	"context"
	"sync"
	"time"

	"github.com/seantiz/accelrt/internal/driver"
	"github.com/seantiz/accelrt/internal/model"
)

// StrategyHeadPoll is the strategy for devices without completion reports.
// Completion is inferred from the SQ hardware head: every command the device
// has consumed is complete. Such devices cannot report per-task errors.
const StrategyHeadPoll = "head-poll"

// headPollIdle bounds how long Harvest sleeps between head reads.
const headPollIdle = 200 * time.Microsecond

type slotRecord struct {
	stream int
	task   model.TaskID
	nop    bool
}

type headPoll struct {
	mu       sync.Mutex
	depth    uint32
	records  []slotRecord
	reserved uint32 // slots reserved so far
	last     uint32 // slots harvested so far
}

func (h *headPoll) Name() string { return StrategyHeadPoll }

func (h *headPoll) Open(drv driver.Driver, depth int) (driver.QueuePair, error) {
	qp, err := drv.OpenQueue(driver.QueueOptions{Depth: depth})
	if err != nil {
		return qp, err
	}
	h.depth = uint32(qp.Depth)
	h.records = make([]slotRecord, qp.Depth)
	return qp, nil
}

// Reserve refuses to lap records that have not been harvested yet, even if
// the device has already consumed them.
func (h *headPoll) Reserve(drv driver.Driver, qp driver.QueuePair) (driver.Reservation, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reserved-h.last >= h.depth {
		return driver.Reservation{}, driver.ErrQueueFull
	}
	res, err := drv.CommandOccupy(qp.SQ, 1)
	if err != nil {
		return res, err
	}
	h.reserved++
	return res, nil
}

func (h *headPoll) Commit(drv driver.Driver, res driver.Reservation, cmd driver.Command) error {
	h.mu.Lock()
	h.records[res.Start%h.depth] = slotRecord{stream: cmd.Stream, task: cmd.Task, nop: cmd.Nop}
	h.mu.Unlock()
	return drv.CommandSend(res, []driver.Command{cmd})
}

func (h *headPoll) Harvest(ctx context.Context, drv driver.Driver, qp driver.QueuePair, timeout time.Duration, max int) ([]driver.Report, error) {
	deadline := time.Now().Add(timeout)
	for {
		head, err := drv.QueueHead(qp.SQ)
		if err != nil {
			return nil, err
		}
		tail, err := drv.QueueTail(qp.SQ)
		if err != nil {
			return nil, err
		}
		if reports := h.collect(qp.SQ, head, tail, max); len(reports) > 0 || timeout <= 0 || !time.Now().Before(deadline) {
			return reports, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(min(headPollIdle, time.Until(deadline))):
		}
	}
}

// collect turns slots consumed since the last call into reports. Only slots
// below the published tail carry committed records, so a head read beyond
// tail (or beyond what was reserved) is clamped.
func (h *headPoll) collect(sq int, head, tail uint32, max int) []driver.Report {
	h.mu.Lock()
	defer h.mu.Unlock()

	if tail-h.last < head-h.last {
		head = tail
	}
	if h.reserved-h.last < head-h.last {
		head = h.reserved
	}

	var reports []driver.Report
	for h.last != head {
		if max > 0 && len(reports) >= max {
			break
		}
		rec := h.records[h.last%h.depth]
		h.last++
		if rec.nop {
			continue
		}
		reports = append(reports, driver.Report{SQ: sq, Stream: rec.stream, Task: rec.task})
	}
	return reports
}

func (h *headPoll) Close(drv driver.Driver, qp driver.QueuePair) error {
	return drv.CloseQueue(qp)
}
