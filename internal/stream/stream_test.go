package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/accelrt/internal/model"
)

func newTestStream(t *testing.T, opts Options) *Stream {
	t.Helper()
	s, err := New(1, "dev", opts)
	require.NoError(t, err)
	return s
}

// bindAndPublish binds n tasks and publishes them in order.
func bindAndPublish(t *testing.T, s *Stream, n int) []*model.Task {
	t.Helper()
	tasks := make([]*model.Task, n)
	for i := range tasks {
		tasks[i] = model.NewTask(model.TaskKernel, nil)
		require.NoError(t, s.Bind(tasks[i]))
	}
	for _, task := range tasks {
		require.NoError(t, s.Publish(task))
	}
	return tasks
}

func TestNew_RejectsBadCapacity(t *testing.T) {
	for _, c := range []int{3, -1, MaxCapacity * 2} {
		_, err := New(1, "dev", Options{Capacity: c})
		assert.Error(t, err, "capacity %d", c)
	}

	s, err := New(1, "dev", Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultCapacity, s.Capacity())
}

func TestBind_AssignsSequentialIDs(t *testing.T) {
	s := newTestStream(t, Options{Capacity: 8})

	for want := model.TaskID(1); want <= 5; want++ {
		task := model.NewTask(model.TaskCopy, nil)
		require.NoError(t, s.Bind(task))
		assert.Equal(t, want, task.ID)
		assert.Equal(t, 1, task.StreamID)
		assert.Equal(t, model.StateBound, task.State())
	}
	assert.Equal(t, 5, s.Outstanding())
	assert.Equal(t, 0, s.Pending())
}

func TestBind_SlotsExhausted(t *testing.T) {
	s := newTestStream(t, Options{Capacity: 4})
	bindAndPublish(t, s, 4)

	err := s.Bind(model.NewTask(model.TaskKernel, nil))
	require.ErrorIs(t, err, model.ErrSlotsExhausted)

	// Reclaiming one frees one slot.
	s.Advance(1, 0)
	require.NoError(t, s.Bind(model.NewTask(model.TaskKernel, nil)))
}

func TestPublish_RequiresBindOrder(t *testing.T) {
	s := newTestStream(t, Options{Capacity: 8})
	a := model.NewTask(model.TaskKernel, nil)
	b := model.NewTask(model.TaskKernel, nil)
	require.NoError(t, s.Bind(a))
	require.NoError(t, s.Bind(b))

	require.Error(t, s.Publish(b))
	assert.Equal(t, model.StateBound, b.State())

	require.NoError(t, s.Publish(a))
	require.NoError(t, s.Publish(b))
	assert.Equal(t, 2, s.Pending())
}

func TestAdvance_ReclaimsInOrderAndIsIdempotent(t *testing.T) {
	s := newTestStream(t, Options{Capacity: 16})
	tasks := bindAndPublish(t, s, 5)

	got, tripped := s.Advance(3, 0)
	assert.False(t, tripped)
	require.Len(t, got, 3)
	for i, task := range got {
		assert.Equal(t, model.TaskID(i+1), task.ID)
		assert.Equal(t, model.StateReclaimed, task.State())
	}

	// Re-reclaiming is a no-op, never an error.
	again, _ := s.Advance(3, 0)
	assert.Empty(t, again)
	again, _ = s.Advance(2, 0)
	assert.Empty(t, again)

	rest, _ := s.Advance(5, 0)
	require.Len(t, rest, 2)
	assert.Same(t, tasks[4], rest[1])
	assert.Equal(t, 0, s.Pending())
}

func TestAdvance_ClampsToTail(t *testing.T) {
	s := newTestStream(t, Options{Capacity: 16})
	bindAndPublish(t, s, 2)
	require.NoError(t, s.Bind(model.NewTask(model.TaskKernel, nil))) // bound, unpublished

	got, _ := s.Advance(9, 0)
	assert.Len(t, got, 2)
	head, tail, alloc := s.Positions()
	assert.Equal(t, model.TaskID(2), head)
	assert.Equal(t, model.TaskID(2), tail)
	assert.Equal(t, model.TaskID(3), alloc)
}

func TestAdvance_WrapsAroundIDSpace(t *testing.T) {
	s := newTestStream(t, Options{Capacity: 64})

	total := 70000
	var last model.TaskID
	for i := 0; i < total; i++ {
		task := model.NewTask(model.TaskKernel, nil)
		require.NoError(t, s.Bind(task))
		require.NoError(t, s.Publish(task))
		got, _ := s.Advance(task.ID, 0)
		require.Len(t, got, 1)
		if i > 0 {
			require.True(t, task.ID.GT(last), "id %d should follow %d", task.ID, last)
		}
		last = task.ID
	}
	assert.Equal(t, model.TaskID(total%65536), last)
}

func TestAdvance_FailureRecordsOutcome(t *testing.T) {
	s := newTestStream(t, Options{Capacity: 16})
	tasks := bindAndPublish(t, s, 3)

	s.Advance(2, 0x42)
	assert.Equal(t, model.StateReclaimed, tasks[1].State())
	assert.Equal(t, uint32(0x42), tasks[1].ErrorCode())
	assert.Equal(t, uint32(0), tasks[0].ErrorCode())

	code, aborted, ok := s.Outcome(2)
	require.True(t, ok)
	assert.False(t, aborted)
	assert.Equal(t, uint32(0x42), code)

	code, _, ok = s.Outcome(1)
	require.True(t, ok)
	assert.Zero(t, code)

	id, code, ok := s.FailureIn(0, 3)
	require.True(t, ok)
	assert.Equal(t, model.TaskID(2), id)
	assert.Equal(t, uint32(0x42), code)

	_, _, ok = s.FailureIn(2, 3)
	assert.False(t, ok)
}

func TestFailureModes(t *testing.T) {
	tests := []struct {
		mode    model.FailureMode
		usable  error
		tripped bool
	}{
		{model.FailureContinue, nil, false},
		{model.FailureStop, model.ErrStreamStopped, true},
		{model.FailureAbort, model.ErrStreamAbort, true},
	}

	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			s := newTestStream(t, Options{Capacity: 8, FailureMode: tt.mode})
			bindAndPublish(t, s, 1)

			_, tripped := s.Advance(1, 7)
			assert.Equal(t, tt.tripped, tripped)

			err := s.Usable()
			if tt.usable == nil {
				assert.NoError(t, err)
				assert.NoError(t, s.Bind(model.NewTask(model.TaskKernel, nil)))
				return
			}
			assert.ErrorIs(t, err, tt.usable)
			assert.ErrorIs(t, s.Bind(model.NewTask(model.TaskKernel, nil)), tt.usable)
		})
	}
}

func TestStop_StillPublishesBoundTasks(t *testing.T) {
	s := newTestStream(t, Options{Capacity: 8, FailureMode: model.FailureStop})
	first := model.NewTask(model.TaskKernel, nil)
	second := model.NewTask(model.TaskKernel, nil)
	require.NoError(t, s.Bind(first))
	require.NoError(t, s.Bind(second))
	require.NoError(t, s.Publish(first))

	s.Advance(1, 9)
	assert.NoError(t, s.Sendable())
	assert.NoError(t, s.Publish(second))
}

func TestAbort_BlocksPublishAndRecoverDropsUnsent(t *testing.T) {
	s := newTestStream(t, Options{Capacity: 8, FailureMode: model.FailureAbort})
	bindAndPublish(t, s, 1)
	unsent := model.NewTask(model.TaskKernel, nil)
	require.NoError(t, s.Bind(unsent))

	s.Advance(1, 1)
	require.ErrorIs(t, s.Publish(unsent), model.ErrStreamAbort)
	assert.Equal(t, model.StateBound, unsent.State())

	dropped := s.Recover()
	require.Len(t, dropped, 1)
	assert.Same(t, unsent, dropped[0])
	assert.Equal(t, model.StateAborted, unsent.State())
	assert.NoError(t, s.Usable())

	// Nothing was in flight, so head passes the dropped id at once.
	head, tail, alloc := s.Positions()
	assert.Equal(t, model.TaskID(2), head)
	assert.Equal(t, model.TaskID(2), tail)
	assert.Equal(t, model.TaskID(2), alloc)
	_, aborted, ok := s.Outcome(2)
	require.True(t, ok)
	assert.True(t, aborted)

	// The dropped id is never handed out again.
	next := model.NewTask(model.TaskKernel, nil)
	require.NoError(t, s.Bind(next))
	assert.Equal(t, model.TaskID(3), next.ID)
	require.NoError(t, s.Publish(next))
}

func TestRecover_DroppedIDsWaitBehindInFlight(t *testing.T) {
	s := newTestStream(t, Options{Capacity: 16, FailureMode: model.FailureAbort})
	inFlight := bindAndPublish(t, s, 2)
	for range 3 {
		require.NoError(t, s.Bind(model.NewTask(model.TaskKernel, nil)))
	}

	s.Advance(1, 0x5)
	require.Len(t, s.Recover(), 3)

	head, tail, _ := s.Positions()
	assert.Equal(t, model.TaskID(1), head)
	assert.Equal(t, model.TaskID(5), tail)
	assert.False(t, s.Reclaimed(3))

	next := model.NewTask(model.TaskKernel, nil)
	require.NoError(t, s.Bind(next))
	assert.Equal(t, model.TaskID(6), next.ID)
	require.NoError(t, s.Publish(next))

	// Reclaiming the last in-flight task carries head over the dropped ids.
	reclaimed, _ := s.Advance(2, 0)
	assert.Equal(t, []*model.Task{inFlight[1]}, reclaimed)
	head, _, _ = s.Positions()
	assert.Equal(t, model.TaskID(5), head)

	id, ok := s.AbortedIn(0, 6)
	require.True(t, ok)
	assert.Equal(t, model.TaskID(5), id)

	// A later coalesced advance leaves the dropped records alone.
	reclaimed, _ = s.Advance(6, 0)
	assert.Equal(t, []*model.Task{next}, reclaimed)
	_, aborted, ok := s.Outcome(4)
	require.True(t, ok)
	assert.True(t, aborted)
	assert.Zero(t, s.Pending())
}

func TestIssued_RejectsIDsNeverBound(t *testing.T) {
	s := newTestStream(t, Options{Capacity: 8})
	assert.False(t, s.Issued(0))
	assert.False(t, s.Issued(65000))
	assert.False(t, s.Issued(3))

	bindAndPublish(t, s, 3)
	assert.True(t, s.Issued(3))
	s.Advance(3, 0)
	assert.True(t, s.Issued(2))
	assert.False(t, s.Issued(65000))
	assert.False(t, s.Issued(4))
}

func TestAbortStatus(t *testing.T) {
	s := newTestStream(t, Options{})
	assert.Equal(t, model.AbortNone, s.AbortStatus())
	s.Abort()
	assert.Equal(t, model.AbortStream, s.AbortStatus())
	s.MarkDeviceAbort()
	assert.Equal(t, model.AbortStream, s.AbortStatus())
	s.Recover()
	s.MarkDeviceAbort()
	assert.Equal(t, model.AbortDevice, s.AbortStatus())
}

func TestMarkDeviceAbort(t *testing.T) {
	s := newTestStream(t, Options{})
	wake := s.Advanced()

	s.MarkDeviceAbort()

	<-wake
	assert.ErrorIs(t, s.Usable(), model.ErrDeviceAbort)
	assert.Equal(t, "device", s.Snapshot().Abort)
}

func TestSnapshot(t *testing.T) {
	s := newTestStream(t, Options{Label: "copy-lane", Capacity: 8, Decoupled: true})
	bindAndPublish(t, s, 3)
	s.Advance(1, 0)

	info := s.Snapshot()
	assert.Equal(t, "copy-lane", info.Label)
	assert.Equal(t, uint16(1), info.Head)
	assert.Equal(t, uint16(3), info.Tail)
	assert.Equal(t, 2, info.Pending)
	assert.True(t, info.Decoupled)
	assert.Equal(t, "continue", info.FailureMode)
}
