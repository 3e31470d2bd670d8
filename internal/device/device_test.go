package device

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/accelrt/internal/driver/sim"
	"github.com/seantiz/accelrt/internal/engine"
	"github.com/seantiz/accelrt/internal/model"
	"github.com/seantiz/accelrt/internal/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt := NewRuntime(engine.BuiltinRegistry(), testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.Close(ctx)
	})
	return rt
}

func openSim(t *testing.T, rt *Runtime, index int, simCfg sim.Config, opts Options) (*Device, *sim.Driver) {
	t.Helper()
	drv := sim.New(simCfg, testLogger())
	d, err := rt.Open(index, drv, opts)
	require.NoError(t, err)
	return d, drv
}

func TestRuntimeOpenAndLookup(t *testing.T) {
	rt := newTestRuntime(t)
	d0, _ := openSim(t, rt, 0, sim.Config{}, Options{})
	d1, _ := openSim(t, rt, 1, sim.Config{}, Options{Engine: engine.Config{Strategy: engine.StrategyHeadPoll}})

	_, err := rt.Open(0, sim.New(sim.Config{}, testLogger()), Options{})
	assert.Error(t, err, "index already open")

	got, ok := rt.Device(1)
	require.True(t, ok)
	assert.Same(t, d1, got)
	assert.Equal(t, engine.StrategyHeadPoll, got.Engine().Strategy())

	devices := rt.Devices()
	require.Len(t, devices, 2)
	assert.Same(t, d0, devices[0])
	assert.Len(t, d0.ID(), 26)
	assert.NotEqual(t, d0.ID(), d1.ID())
	assert.Len(t, rt.Strategies(), 2)
}

func TestRuntimeUnknownStrategy(t *testing.T) {
	rt := newTestRuntime(t)
	drv := sim.New(sim.Config{}, testLogger())
	defer drv.Close()

	_, err := rt.Open(0, drv, Options{Engine: engine.Config{Strategy: "gen9"}})
	assert.Error(t, err)
	_, ok := rt.Device(0)
	assert.False(t, ok)
}

func TestDeviceSubmitAndSync(t *testing.T) {
	rt := newTestRuntime(t)
	d, _ := openSim(t, rt, 0, sim.Config{}, Options{})

	s, err := d.CreateStream(stream.Options{Label: "compute"})
	require.NoError(t, err)

	var last *model.Task
	for range 50 {
		last = model.NewTask(model.TaskKernel, nil)
		require.NoError(t, d.Submit(s.ID(), last, time.Second))
	}
	require.NoError(t, d.Sync(s.ID(), last.ID, false, 5*time.Second))
	require.NoError(t, d.WaitForDrain(context.Background()))

	info := d.Snapshot()
	assert.Equal(t, "normal", info.RunningState)
	assert.Equal(t, 1, info.Streams)
	assert.Equal(t, int64(0), info.Pending)

	assert.ErrorIs(t, d.Submit(99, model.NewTask(model.TaskKernel, nil), 0), model.ErrUnknownStream)
}

func TestStreamIDsScanForward(t *testing.T) {
	rt := newTestRuntime(t)
	d, _ := openSim(t, rt, 0, sim.Config{}, Options{StreamDefaults: stream.Options{Capacity: 16}})

	a, err := d.CreateStream(stream.Options{})
	require.NoError(t, err)
	b, err := d.CreateStream(stream.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, a.ID())
	assert.Equal(t, 2, b.ID())
	assert.Equal(t, 16, a.Capacity())

	require.NoError(t, d.DestroyStream(a.ID(), false, 0))
	_, ok := d.Stream(a.ID())
	assert.False(t, ok)

	c, err := d.CreateStream(stream.Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, c.ID())
	require.Len(t, d.Streams(), 2)
}

func TestDestroyStreamWithPendingTasks(t *testing.T) {
	rt := newTestRuntime(t)
	d, _ := openSim(t, rt, 0, sim.Config{Latency: 10 * time.Millisecond}, Options{})

	s, err := d.CreateStream(stream.Options{})
	require.NoError(t, err)
	for range 3 {
		require.NoError(t, d.Submit(s.ID(), model.NewTask(model.TaskCopy, nil), time.Second))
	}

	err = d.DestroyStream(s.ID(), false, 0)
	require.ErrorIs(t, err, model.ErrStreamBusy)

	require.NoError(t, d.DestroyStream(s.ID(), true, 5*time.Second))
	assert.Empty(t, d.Streams())
}

// submitUntilRejected submits up to n kernels and stops at the first error.
func submitUntilRejected(t *testing.T, d *Device, streamID, n int) {
	t.Helper()
	for range n {
		if err := d.Submit(streamID, model.NewTask(model.TaskKernel, nil), time.Second); err != nil {
			require.ErrorIs(t, err, model.ErrStreamAbort)
			return
		}
	}
}

func TestDestroyAbortedStream(t *testing.T) {
	rt := newTestRuntime(t)
	d, drv := openSim(t, rt, 0, sim.Config{Latency: 5 * time.Millisecond}, Options{Engine: engine.Config{QueueDepth: 1}})

	s, err := d.CreateStream(stream.Options{FailureMode: model.FailureAbort})
	require.NoError(t, err)
	drv.FailTask(s.ID(), 1, 0x9, false)
	submitUntilRejected(t, d, s.ID(), 4)

	var failed *model.TaskFailedError
	require.ErrorAs(t, d.Sync(s.ID(), 1, false, 5*time.Second), &failed)

	// Tasks the abort kept off the device do not hold the stream open.
	require.Eventually(t, func() bool {
		return s.Pending() == 0 && s.Unsent() == 0
	}, 5*time.Second, time.Millisecond)
	assert.ErrorIs(t, s.Usable(), model.ErrStreamAbort)

	require.NoError(t, d.DestroyStream(s.ID(), false, 0))
	_, ok := d.Stream(s.ID())
	assert.False(t, ok)
	require.NoError(t, d.WaitForDrain(context.Background()))
}

func TestForceDestroyWhileStreamAborts(t *testing.T) {
	rt := newTestRuntime(t)
	d, drv := openSim(t, rt, 0, sim.Config{Latency: 20 * time.Millisecond}, Options{Engine: engine.Config{QueueDepth: 1}})

	s, err := d.CreateStream(stream.Options{FailureMode: model.FailureAbort})
	require.NoError(t, err)
	drv.FailTask(s.ID(), 1, 0x9, false)
	submitUntilRejected(t, d, s.ID(), 4)

	require.NoError(t, d.DestroyStream(s.ID(), true, 5*time.Second))
	assert.Empty(t, d.Streams())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.WaitForDrain(ctx))
	assert.Equal(t, int64(0), d.Engine().Pending())
}

func TestResetAbortKeepsStreamAborts(t *testing.T) {
	rt := newTestRuntime(t)
	d, drv := openSim(t, rt, 0, sim.Config{}, Options{})

	own, err := d.CreateStream(stream.Options{FailureMode: model.FailureAbort})
	require.NoError(t, err)
	other, err := d.CreateStream(stream.Options{})
	require.NoError(t, err)

	drv.FailTask(own.ID(), 1, 0x3, false)
	require.NoError(t, d.Submit(own.ID(), model.NewTask(model.TaskKernel, nil), time.Second))
	var failed *model.TaskFailedError
	require.ErrorAs(t, d.Sync(own.ID(), 1, false, 5*time.Second), &failed)
	require.Equal(t, model.AbortStream, own.AbortStatus())

	drv.FailTask(other.ID(), 1, 0xbad, true)
	require.NoError(t, d.Submit(other.ID(), model.NewTask(model.TaskKernel, nil), time.Second))
	require.Eventually(t, func() bool {
		return d.RunningState() == model.RunningAborted
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, model.AbortDevice, other.AbortStatus())

	require.NoError(t, d.ResetAbort())
	assert.NoError(t, other.Usable())
	assert.ErrorIs(t, own.Usable(), model.ErrStreamAbort)

	_, err = d.RecoverStream(own.ID())
	require.NoError(t, err)
	assert.NoError(t, own.Usable())
}

func TestDeviceAbortAndReset(t *testing.T) {
	rt := newTestRuntime(t)
	d, drv := openSim(t, rt, 0, sim.Config{}, Options{})

	s, err := d.CreateStream(stream.Options{})
	require.NoError(t, err)
	drv.FailTask(s.ID(), 1, 0xbad, true)

	task := model.NewTask(model.TaskKernel, nil)
	require.NoError(t, d.Submit(s.ID(), task, time.Second))
	require.Eventually(t, func() bool {
		return d.RunningState() == model.RunningAborted
	}, 5*time.Second, time.Millisecond)

	_, err = d.CreateStream(stream.Options{})
	assert.ErrorIs(t, err, model.ErrDeviceAbort)

	require.NoError(t, d.ResetAbort())
	assert.Equal(t, model.RunningNormal, d.RunningState())

	next := model.NewTask(model.TaskKernel, nil)
	require.NoError(t, d.Submit(s.ID(), next, time.Second))
	require.NoError(t, d.Sync(s.ID(), next.ID, false, 5*time.Second))
}

func TestRecoverStream(t *testing.T) {
	rt := newTestRuntime(t)
	d, drv := openSim(t, rt, 0, sim.Config{}, Options{})

	s, err := d.CreateStream(stream.Options{FailureMode: model.FailureAbort})
	require.NoError(t, err)
	drv.FailTask(s.ID(), 1, 0x3, false)

	require.NoError(t, d.Submit(s.ID(), model.NewTask(model.TaskKernel, nil), time.Second))
	var failed *model.TaskFailedError
	require.ErrorAs(t, d.Sync(s.ID(), 1, false, 5*time.Second), &failed)

	_, err = d.RecoverStream(s.ID())
	require.NoError(t, err)
	assert.NoError(t, s.Usable())

	_, err = d.RecoverStream(42)
	assert.ErrorIs(t, err, model.ErrUnknownStream)
}

func TestRuntimeCloseRejectsOpen(t *testing.T) {
	rt := NewRuntime(nil, testLogger())
	openSim(t, rt, 0, sim.Config{}, Options{})

	require.NoError(t, rt.Close(context.Background()))
	require.NoError(t, rt.Close(context.Background()))

	drv := sim.New(sim.Config{}, testLogger())
	defer drv.Close()
	_, err := rt.Open(1, drv, Options{})
	assert.ErrorIs(t, err, model.ErrClosed)
}
