package engine

import (
	"context"
	"time"

	"github.com/seantiz/accelrt/internal/driver"
)

// StrategyCQReport is the strategy for devices that post one completion
// report, with an error code, per command.
const StrategyCQReport = "cq-report"

type cqReport struct{}

func (c *cqReport) Name() string { return StrategyCQReport }

func (c *cqReport) Open(drv driver.Driver, depth int) (driver.QueuePair, error) {
	return drv.OpenQueue(driver.QueueOptions{Depth: depth, Reports: true})
}

func (c *cqReport) Reserve(drv driver.Driver, qp driver.QueuePair) (driver.Reservation, error) {
	return drv.CommandOccupy(qp.SQ, 1)
}

func (c *cqReport) Commit(drv driver.Driver, res driver.Reservation, cmd driver.Command) error {
	return drv.CommandSend(res, []driver.Command{cmd})
}

func (c *cqReport) Harvest(ctx context.Context, drv driver.Driver, qp driver.QueuePair, timeout time.Duration, max int) ([]driver.Report, error) {
	return drv.PollCompletions(ctx, qp.CQ, timeout, max)
}

func (c *cqReport) Close(drv driver.Driver, qp driver.QueuePair) error {
	return drv.CloseQueue(qp)
}
