package gearman

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionEnqueueWritesToSocket(t *testing.T) {
	serverEnd, clientEnd := net.Pipe()
	defer serverEnd.Close()

	events := make(chan connEvent, 8)
	conn := NewConnection("fake:1", events)
	conn.dialer = func(ctx context.Context, addr string) (net.Conn, error) { return clientEnd, nil }
	conn.connect(context.Background())

	ev := <-events
	require.Equal(t, eventConnected, ev.kind)
	require.Equal(t, StateConnected, conn.State())

	pkt := NewPacket(PtSubmitJob)
	require.NoError(t, pkt.SetFuncName("f"))
	require.NoError(t, pkt.SetUniqueId("u"))
	require.NoError(t, pkt.SetWorkload([]byte("ping")))
	require.NoError(t, conn.enqueue(&Task{}, pkt))

	buf := make([]byte, 64)
	require.NoError(t, serverEnd.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := serverEnd.Read(buf)
	require.NoError(t, err)

	got, consumed, err := Decode(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, n, consumed)
	assert.Equal(t, PtSubmitJob, got.Type)
	wl, _ := got.GetWorkload()
	assert.Equal(t, []byte("ping"), wl)
}

func TestConnectionMarkFailedAppliesBackoffAndEmitsEvent(t *testing.T) {
	events := make(chan connEvent, 8)
	conn := NewConnection("fake:1", events)

	conn.markFailed(errors.New("boom"))
	assert.Equal(t, StateFailed, conn.State())
	assert.False(t, conn.readyToRetry())

	ev := <-events
	assert.Equal(t, eventFailed, ev.kind)
	assert.Error(t, ev.err)
}

func TestConnectionFailureSetsPartitionsSentVsUnsent(t *testing.T) {
	events := make(chan connEvent, 8)
	conn := NewConnection("fake:1", events)

	sentTask := &Task{}
	unsentTask := &Task{}
	conn.submitOrder = []*Task{sentTask, unsentTask}
	conn.sent[sentTask] = true

	lost, unsent := conn.failureSets()
	assert.ElementsMatch(t, []*Task{sentTask}, lost)
	assert.ElementsMatch(t, []*Task{unsentTask}, unsent)
}

func TestConnectionFailureSetsIncludesHandleBoundTasks(t *testing.T) {
	events := make(chan connEvent, 8)
	conn := NewConnection("fake:1", events)

	bound := &Task{}
	conn.handleTasks["H:1"] = bound

	lost, unsent := conn.failureSets()
	assert.Empty(t, unsent)
	assert.ElementsMatch(t, []*Task{bound}, lost)
}

func TestConnectionResolveSubmitTaskIsFIFO(t *testing.T) {
	events := make(chan connEvent, 8)
	conn := NewConnection("fake:1", events)

	first := &Task{}
	second := &Task{}
	conn.submitOrder = []*Task{first, second}

	assert.Same(t, first, conn.resolveSubmitTask())
	assert.Same(t, second, conn.resolveSubmitTask())
	assert.Nil(t, conn.resolveSubmitTask())
}
