package gearman

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTask(pt PacketType) *Task {
	return &Task{Type: pt, state: TaskNew}
}

func TestTaskJobCreatedTransitionsToWorking(t *testing.T) {
	task := newTestTask(PtSubmitJob)
	pkt := NewPacket(PtJobCreated)
	require.NoError(t, pkt.SetHandle("H:1"))

	require.NoError(t, task.apply(pkt, false, false))
	assert.Equal(t, TaskWorking, task.State())
	assert.Equal(t, "H:1", task.Handle)
	assert.False(t, task.SendInUse())
}

func TestTaskBackgroundJobCreatedTerminatesAtCreated(t *testing.T) {
	task := newTestTask(PtSubmitJobBg)
	pkt := NewPacket(PtJobCreated)
	require.NoError(t, pkt.SetHandle("H:2"))

	require.NoError(t, task.apply(pkt, false, false))
	assert.Equal(t, TaskCreated, task.State())
	assert.True(t, task.IsTerminal())
}

func TestTaskWorkCompleteAccumulatesResult(t *testing.T) {
	task := newTestTask(PtSubmitJob)
	task.state = TaskWorking

	complete := NewPacket(PtWorkComplete)
	require.NoError(t, complete.SetHandle("H:3"))
	require.NoError(t, complete.SetData([]byte("olleh")))

	require.NoError(t, task.apply(complete, false, false))
	assert.Equal(t, TaskComplete, task.State())
	assert.Equal(t, []byte("olleh"), task.Result())
}

func TestTaskApplyIsNoOpOnceTerminal(t *testing.T) {
	task := newTestTask(PtSubmitJob)
	task.state = TaskComplete
	task.result.WriteString("final")

	pkt := NewPacket(PtWorkData)
	require.NoError(t, pkt.SetHandle("H:4"))
	require.NoError(t, pkt.SetData([]byte("more")))

	require.NoError(t, task.apply(pkt, false, false))
	assert.Equal(t, TaskComplete, task.State())
	assert.Equal(t, []byte("final"), task.Result())
}

func TestTaskExceptionGatedByExceptionsEnabled(t *testing.T) {
	task := newTestTask(PtSubmitJob)
	task.state = TaskWorking

	pkt := NewPacket(PtWorkException)
	require.NoError(t, pkt.SetHandle("H:5"))
	require.NoError(t, pkt.SetData([]byte("boom")))

	require.NoError(t, task.apply(pkt, false, false))
	assert.Equal(t, TaskWorking, task.State())
	assert.Equal(t, []byte("boom"), task.Result())
}

func TestTaskExceptionEnabledTerminatesAsException(t *testing.T) {
	task := newTestTask(PtSubmitJob)
	task.state = TaskWorking

	pkt := NewPacket(PtWorkException)
	require.NoError(t, pkt.SetHandle("H:6"))
	require.NoError(t, pkt.SetData([]byte("boom")))

	require.NoError(t, task.apply(pkt, true, false))
	assert.Equal(t, TaskException, task.State())
	assert.Equal(t, []byte("boom"), task.Exception())
}

func TestTaskUnbufferedResultDiscardsData(t *testing.T) {
	task := newTestTask(PtSubmitJob)
	task.state = TaskWorking
	var delivered []byte
	task.callbacks.OnData = func(tk *Task, pkt *Packet) error {
		delivered, _ = pkt.GetData()
		return nil
	}

	pkt := NewPacket(PtWorkData)
	require.NoError(t, pkt.SetHandle("H:7"))
	require.NoError(t, pkt.SetData([]byte("chunk")))

	require.NoError(t, task.apply(pkt, false, true))
	assert.Equal(t, []byte("chunk"), delivered)
	assert.Empty(t, task.Result())
}

func TestTaskFailTransitionsDirectlyAndIsTerminal(t *testing.T) {
	task := newTestTask(PtSubmitJob)
	task.state = TaskWorking
	var gotNilPacket bool
	task.callbacks.OnFail = func(tk *Task, pkt *Packet) error {
		gotNilPacket = pkt == nil
		return nil
	}

	task.fail(ErrLostConnection)
	assert.Equal(t, TaskFail, task.State())
	assert.True(t, task.IsTerminal())
	assert.True(t, gotNilPacket)
	assert.ErrorIs(t, task.Err(), ErrLostConnection)

	task.fail(ErrServerError)
	assert.ErrorIs(t, task.Err(), ErrLostConnection, "fail must be a no-op once terminal")
}

func TestBuildRequestNamespaceAppliedAtBuildTime(t *testing.T) {
	task := newTestTask(PtSubmitJob)
	task.UniqueId = "u"
	task.Workload = []byte("f")

	pkt, err := task.buildRequest("X-f", "")
	require.NoError(t, err)

	fn, err := pkt.GetFuncName()
	require.NoError(t, err)
	assert.Equal(t, "X-f", fn)
}
