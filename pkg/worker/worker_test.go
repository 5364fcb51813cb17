package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/abelits/isoman/pkg/kernel"
	"github.com/abelits/isoman/pkg/ring"
	"github.com/abelits/isoman/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// harness wires a worker Runtime to a manager-side pair of ring ends so
// tests can drive the protocol from both sides without a real manager.
type harness struct {
	w          *Runtime
	mgrRecv    *ring.Reader // manager reads what the worker sent
	mgrSend    *ring.Writer // manager writes what the worker will read
	isolation  int32
	adapter    *kernel.FakeAdapter
}

func newHarness(t *testing.T, mode Mode) *harness {
	t.Helper()
	toWorker, err := ring.NewRegion(4096)
	require.NoError(t, err)
	toManager, err := ring.NewRegion(4096)
	require.NoError(t, err)

	h := &harness{
		mgrRecv: ring.NewReader(toManager),
		mgrSend: ring.NewWriter(toWorker),
		adapter: kernel.NewFakeAdapter(),
	}
	h.w = New(0, 2, ring.NewReader(toWorker), ring.NewWriter(toManager), &h.isolation, h.adapter, mode)
	return h
}

func (h *harness) recvFromWorker(t *testing.T) (types.RequestType, []byte) {
	t.Helper()
	require.Eventually(t, func() bool { return h.mgrRecv.HasData() }, time.Second, time.Millisecond)
	typ, payload, err := h.mgrRecv.Read(nil)
	require.NoError(t, err)
	return types.RequestType(typ), payload
}

func TestWorkerInitAnnouncesStartedThenReady(t *testing.T) {
	h := newHarness(t, MasterMonitor)
	require.NoError(t, h.w.Init())

	typ, _ := h.recvFromWorker(t)
	assert.Equal(t, types.ReqInit, typ)
	typ, _ = h.recvFromWorker(t)
	assert.Equal(t, types.ReqStartReady, typ)
}

func TestWorkerEntersIsolationOnStartLaunch(t *testing.T) {
	h := newHarness(t, MasterMonitor)

	require.NoError(t, h.mgrSend.Write(byte(types.ReqStartLaunch), nil))
	h.w.SuspensionCheck()

	typ, _ := h.recvFromWorker(t)
	assert.Equal(t, types.ReqStartLaunchDone, typ)
	assert.EqualValues(t, types.IsolationRunning, atomic.LoadInt32(&h.isolation))
}

func TestWorkerLaunchFailurePropagates(t *testing.T) {
	h := newHarness(t, MasterMonitor)
	h.adapter.FailEnter[2] = true

	require.NoError(t, h.mgrSend.Write(byte(types.ReqStartLaunch), nil))
	h.w.SuspensionCheck()

	typ, _ := h.recvFromWorker(t)
	assert.Equal(t, types.ReqStartLaunchFailure, typ)
	assert.EqualValues(t, types.IsolationLost, atomic.LoadInt32(&h.isolation))
}

func TestWorkerEnterUnblocksOnStartConfirmed(t *testing.T) {
	h := newHarness(t, MasterMonitor)
	done := make(chan error, 1)
	go func() { done <- h.w.Enter(context.Background()) }()

	require.NoError(t, h.mgrSend.Write(byte(types.ReqStartConfirmed), nil))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Enter did not return after START_CONFIRMED")
	}
}

func TestWorkerExitProtocol(t *testing.T) {
	h := newHarness(t, MasterMonitor)
	done := make(chan error, 1)
	go func() { done <- h.w.Exit() }()

	typ, _ := h.recvFromWorker(t)
	assert.Equal(t, types.ReqLeaveIsolation, typ)

	require.NoError(t, h.mgrSend.Write(byte(types.ReqOKLeaveIsolation), nil))

	typ, _ = h.recvFromWorker(t)
	assert.Equal(t, types.ReqExiting, typ)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Exit did not complete")
	}
}

func TestWorkerTerminateClearsContinueFlag(t *testing.T) {
	h := newHarness(t, MasterMonitor)
	require.NoError(t, h.mgrSend.Write(byte(types.ReqTerminate), nil))
	h.w.SuspensionCheck()
	assert.EqualValues(t, 0, atomic.LoadInt32(&h.w.continueFlag))
}

func TestWorkerPrintf(t *testing.T) {
	h := newHarness(t, MasterMonitor)
	require.NoError(t, h.w.Printf("hello, %s", "isolated world"))

	typ, payload := h.recvFromWorker(t)
	assert.Equal(t, types.ReqPrint, typ)
	assert.Equal(t, "hello, isolated world", string(payload))
}

func TestSlaveMonitorDetectsIsolationLoss(t *testing.T) {
	h := newHarness(t, SlaveMonitor)

	require.NoError(t, h.mgrSend.Write(byte(types.ReqStartLaunch), nil))
	h.w.SuspensionCheck()
	h.recvFromWorker(t) // START_LAUNCH_DONE

	h.adapter.ViolateAll()
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&h.w.signalFlag) == 1
	}, time.Second, time.Millisecond)

	h.w.SuspensionCheck()
	typ, _ := h.recvFromWorker(t)
	assert.Equal(t, types.ReqStartLaunchFailure, typ)
	assert.EqualValues(t, types.IsolationTransitional, atomic.LoadInt32(&h.isolation))
}
