package manager

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/abelits/isoman/pkg/kernel"
	"github.com/abelits/isoman/pkg/ring"
	"github.com/abelits/isoman/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, cpus ...int) (*Manager, *kernel.FakeAdapter, map[int][2]*ring.Region) {
	t.Helper()
	channels := make(map[int][2]*ring.Region, len(cpus))
	for _, cpu := range cpus {
		out, err := ring.NewRegion(256)
		require.NoError(t, err)
		in, err := ring.NewRegion(256)
		require.NoError(t, err)
		channels[cpu] = [2]*ring.Region{out, in}
	}
	adapter := kernel.NewFakeAdapter()
	cfg := DefaultConfig()
	cfg.IdlePoll = 5 * time.Millisecond
	cfg.RestartDelay = 20 * time.Millisecond
	cfg.StartupTimeout = time.Hour
	m := New(cfg, adapter, channels)
	return m, adapter, channels
}

// workerSide builds the reader/writer pair on the worker's end of cpu's
// channel, the mirror image of the slot's own recv/send.
func workerSide(channels map[int][2]*ring.Region, cpu int) (*ring.Reader, *ring.Writer) {
	regions := channels[cpu]
	return ring.NewReader(regions[0]), ring.NewWriter(regions[1])
}

func runManager(t *testing.T, m *Manager) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestClaimSlotBindsAndRejectsDoubleClaim(t *testing.T) {
	m, _, _ := newTestManager(t, 2)
	stop := runManager(t, m)
	defer stop()

	status, err := m.ClaimSlot(2, types.TID{PID: 100, TID: 101})
	require.NoError(t, err)
	require.Equal(t, 2, status.CPU)
	require.Equal(t, types.StateOff, status.State)

	_, err = m.ClaimSlot(2, types.TID{PID: 100, TID: 101})
	require.ErrorIs(t, err, ErrAlreadyClaimed)
}

func TestClaimSlotUnknownCPU(t *testing.T) {
	m, _, _ := newTestManager(t, 2)
	stop := runManager(t, m)
	defer stop()

	_, err := m.ClaimSlot(9, types.TID{PID: 1, TID: 1})
	require.ErrorIs(t, err, ErrNoSuchCPU)
}

// TestLifecycleReachesRunning drives a single slot through the full
// INIT -> START_READY -> START_LAUNCH -> START_LAUNCH_DONE -> RUNNING
// sequence of spec §4.3/§8's baseline scenario, confirming RUNNING is
// reached only once the observer reports every reserved CPU timer-free.
func TestLifecycleReachesRunning(t *testing.T) {
	m, _, channels := newTestManager(t, 3)
	recv, send := workerSide(channels, 3)
	stop := runManager(t, m)
	defer stop()

	_, err := m.ClaimSlot(3, types.TID{PID: 10, TID: 11})
	require.NoError(t, err)

	require.NoError(t, send.Write(byte(types.ReqInit), nil))
	require.NoError(t, send.Write(byte(types.ReqStartReady), nil))

	requireRecv(t, recv, types.ReqStartLaunch)

	status := onlyStatus(t, m, 3)
	require.Equal(t, types.StateLaunching, status.State)

	// A real worker.Runtime sets this to Running right after its
	// EnterIsolation succeeds, before replying START_LAUNCH_DONE; these
	// tests write the ring protocol directly, so they reproduce that
	// ordering by hand.
	atomic.StoreInt32(m.IsolationFlagPtr(3), int32(types.IsolationRunning))
	require.NoError(t, send.Write(byte(types.ReqStartLaunchDone), nil))

	requireRecv(t, recv, types.ReqStartConfirmed)

	status = onlyStatus(t, m, 3)
	require.Equal(t, types.StateRunning, status.State)
}

// TestLaunchWaitsForEveryReservedCPU exercises the "all reserved CPUs,
// not only this slot's" tie-break: a slot must not reach RUNNING while
// a sibling reserved CPU is still contaminated.
func TestLaunchWaitsForEveryReservedCPU(t *testing.T) {
	m, adapter, channels := newTestManager(t, 3, 4)
	recv3, send3 := workerSide(channels, 3)
	_, send4 := workerSide(channels, 4)
	stop := runManager(t, m)
	defer stop()

	_, err := m.ClaimSlot(3, types.TID{PID: 1, TID: 1})
	require.NoError(t, err)
	_, err = m.ClaimSlot(4, types.TID{PID: 2, TID: 2})
	require.NoError(t, err)

	require.NoError(t, send3.Write(byte(types.ReqInit), nil))
	require.NoError(t, send3.Write(byte(types.ReqStartReady), nil))
	require.NoError(t, send4.Write(byte(types.ReqInit), nil))
	require.NoError(t, send4.Write(byte(types.ReqStartReady), nil))

	requireRecv(t, recv3, types.ReqStartLaunch)
	atomic.StoreInt32(m.IsolationFlagPtr(3), int32(types.IsolationRunning))
	require.NoError(t, send3.Write(byte(types.ReqStartLaunchDone), nil))

	adapter.SetObservation(&types.Observation{
		TimersCPUs: map[int]struct{}{4: {}},
		Threads:    map[types.TID]*types.ThreadInfo{},
	})
	time.Sleep(30 * time.Millisecond)

	status := onlyStatus(t, m, 3)
	require.Equal(t, types.StateLaunched, status.State, "slot 3 must not confirm RUNNING while CPU 4 is contaminated")

	adapter.SetObservation(&types.Observation{
		TimersCPUs: map[int]struct{}{},
		Threads:    map[types.TID]*types.ThreadInfo{},
	})
	time.Sleep(30 * time.Millisecond)

	status = onlyStatus(t, m, 3)
	require.Equal(t, types.StateRunning, status.State)
}

// TestLaunchFailureEntersLostIsolationThenRetries covers the
// LAUNCHING -> LOST_ISOLATION -> (restart delay) -> LAUNCHING cycle.
func TestLaunchFailureEntersLostIsolationThenRetries(t *testing.T) {
	m, _, channels := newTestManager(t, 5)
	recv, send := workerSide(channels, 5)
	stop := runManager(t, m)
	defer stop()

	_, err := m.ClaimSlot(5, types.TID{PID: 1, TID: 1})
	require.NoError(t, err)
	require.NoError(t, send.Write(byte(types.ReqInit), nil))
	require.NoError(t, send.Write(byte(types.ReqStartReady), nil))
	requireRecv(t, recv, types.ReqStartLaunch)

	require.NoError(t, send.Write(byte(types.ReqStartLaunchFailure), nil))

	// The failure is drained on the manager's next poll pass, so wait for
	// it rather than reading the state straight away.
	require.Eventually(t, func() bool {
		status, ok := findStatus(m, 5)
		return ok && status.State == types.StateLostIsolation
	}, time.Second, 2*time.Millisecond)

	requireRecv(t, recv, types.ReqStartLaunch)

	status := onlyStatus(t, m, 5)
	require.Equal(t, types.StateLaunching, status.State)
}

// TestIsolationLossWhileRunningRecovers exercises master-monitor mode's
// poll-driven detection of isolation loss (spec §4.5): the manager must
// notice isolationFlag going to IsolationLost while RUNNING and drive
// LOST_ISOLATION -> LAUNCHING after the restart delay.
func TestIsolationLossWhileRunningRecovers(t *testing.T) {
	m, _, channels := newTestManager(t, 6)
	recv, send := workerSide(channels, 6)
	stop := runManager(t, m)
	defer stop()

	_, err := m.ClaimSlot(6, types.TID{PID: 1, TID: 1})
	require.NoError(t, err)
	require.NoError(t, send.Write(byte(types.ReqInit), nil))
	require.NoError(t, send.Write(byte(types.ReqStartReady), nil))
	requireRecv(t, recv, types.ReqStartLaunch)
	flag := m.IsolationFlagPtr(6)
	atomic.StoreInt32(flag, int32(types.IsolationRunning))
	require.NoError(t, send.Write(byte(types.ReqStartLaunchDone), nil))
	requireRecv(t, recv, types.ReqStartConfirmed)

	atomic.StoreInt32(flag, int32(types.IsolationLost))

	require.Eventually(t, func() bool {
		status, ok := findStatus(m, 6)
		return ok && status.State == types.StateLostIsolation
	}, time.Second, 5*time.Millisecond)

	requireRecv(t, recv, types.ReqStartLaunch)
}

// TestExitingAlwaysReturnsToOffAndUnclaims covers the "any -> EXITING ->
// OFF" row, checking the slot's claim count drops back to zero.
func TestExitingAlwaysReturnsToOffAndUnclaims(t *testing.T) {
	m, _, channels := newTestManager(t, 7)
	_, send := workerSide(channels, 7)
	stop := runManager(t, m)
	defer stop()

	status, err := m.ClaimSlot(7, types.TID{PID: 1, TID: 1})
	require.NoError(t, err)
	require.Equal(t, 1, status.ClaimCount)

	require.NoError(t, send.Write(byte(types.ReqInit), nil))

	require.NoError(t, send.Write(byte(types.ReqExiting), nil))

	require.Eventually(t, func() bool {
		status, ok := findStatus(m, 7)
		return ok && status.State == types.StateOff && status.ClaimCount == 0
	}, time.Second, 5*time.Millisecond)

	// A fresh claim must now succeed, confirming unclaim() really ran.
	_, err = m.ClaimSlot(7, types.TID{PID: 2, TID: 2})
	require.NoError(t, err)
}

// TestTerminateSendsTerminateToClaimedSlotsOnly checks Terminate only
// notifies claimed slots and flips the manager's own exit-requested bit.
func TestTerminateSendsTerminateToClaimedSlotsOnly(t *testing.T) {
	m, _, channels := newTestManager(t, 8, 9)
	recv8, _ := workerSide(channels, 8)
	recv9, _ := workerSide(channels, 9)
	stop := runManager(t, m)
	defer stop()

	_, err := m.ClaimSlot(8, types.TID{PID: 1, TID: 1})
	require.NoError(t, err)

	exited, err := m.ExitRequested()
	require.NoError(t, err)
	require.False(t, exited)

	require.NoError(t, m.Terminate())

	requireRecv(t, recv8, types.ReqTerminate)

	_, _, err = recv9.Read(nil)
	require.ErrorIs(t, err, ring.ErrEmpty, "unclaimed slot 9 must not be sent TERMINATE")

	exited, err = m.ExitRequested()
	require.NoError(t, err)
	require.True(t, exited)
}

// TestTaskIsolFailRequiresBoundSlot mirrors the control socket's
// taskisolfail command rejecting an unbound session.
func TestTaskIsolFailRequiresBoundSlot(t *testing.T) {
	m, _, _ := newTestManager(t, 10)
	stop := runManager(t, m)
	defer stop()

	err := m.TaskIsolFail(10)
	require.ErrorIs(t, err, ErrNoSlotBound)
}

func TestTaskIsolFailDrivesLaunchFailure(t *testing.T) {
	m, _, channels := newTestManager(t, 11)
	recv, send := workerSide(channels, 11)
	stop := runManager(t, m)
	defer stop()

	_, err := m.ClaimSlot(11, types.TID{PID: 1, TID: 1})
	require.NoError(t, err)
	require.NoError(t, send.Write(byte(types.ReqInit), nil))
	require.NoError(t, send.Write(byte(types.ReqStartReady), nil))
	requireRecv(t, recv, types.ReqStartLaunch)

	require.NoError(t, m.TaskIsolFail(11))

	status := onlyStatus(t, m, 11)
	require.Equal(t, types.StateLostIsolation, status.State)
}

func TestPushAwayExemptsOwnProcessAndSingleCPUThreads(t *testing.T) {
	m, adapter, _ := newTestManager(t, 12)
	stop := runManager(t, m)
	defer stop()

	ownPID := os.Getpid()
	foreign := types.TID{PID: ownPID + 1000, TID: ownPID + 1000}
	solo := types.TID{PID: ownPID + 1001, TID: ownPID + 1001}
	self := types.TID{PID: ownPID, TID: ownPID}

	adapter.SetObservation(&types.Observation{
		TimersCPUs: map[int]struct{}{},
		Threads: map[types.TID]*types.ThreadInfo{
			foreign: {TID: foreign, Allowed: map[int]struct{}{12: {}, 13: {}}},
			solo:    {TID: solo, Allowed: map[int]struct{}{12: {}}},
			self:    {TID: self, Allowed: map[int]struct{}{12: {}, 13: {}}},
		},
	})

	var complement map[int]struct{}
	require.Eventually(t, func() bool {
		cpus, ok := adapter.AffinityOf(foreign)
		if !ok {
			return false
		}
		complement = cpus
		return true
	}, time.Second, 5*time.Millisecond)

	_, soloTouched := adapter.AffinityOf(solo)
	_, selfTouched := adapter.AffinityOf(self)
	require.False(t, soloTouched, "a thread allowed on only one CPU must be left alone")
	require.False(t, selfTouched, "the manager's own process must be exempt")

	_, stillHasReserved := complement[12]
	require.False(t, stillHasReserved, "push-away must narrow away from the reserved CPU")
	require.Contains(t, complement, 13)
}

// requireRecv polls recv until a message arrives, then asserts its type.
// The comparison happens after Eventually returns rather than inside its
// condition closure, since a failed require there would only kill the
// polling goroutine and hang until the timeout instead of failing fast.
func requireRecv(t *testing.T, recv *ring.Reader, want types.RequestType) {
	t.Helper()
	var got types.RequestType
	require.Eventually(t, func() bool {
		reqType, _, err := recv.Read(nil)
		if err != nil {
			return false
		}
		got = types.RequestType(reqType)
		return true
	}, time.Second, 5*time.Millisecond, "expected to receive %s", want)
	require.Equal(t, want, got)
}

func onlyStatus(t *testing.T, m *Manager, cpu int) types.SlotStatus {
	t.Helper()
	status, ok := findStatus(m, cpu)
	if !ok {
		t.Fatalf("no slot for cpu %d", cpu)
	}
	return status
}

// findStatus is the non-failing counterpart of onlyStatus, safe to call
// from inside a require.Eventually condition closure.
func findStatus(m *Manager, cpu int) (types.SlotStatus, bool) {
	statuses, err := m.Status()
	if err != nil {
		return types.SlotStatus{}, false
	}
	for _, s := range statuses {
		if s.CPU == cpu {
			return s, true
		}
	}
	return types.SlotStatus{}, false
}
