// Package worker implements the worker-side runtime of spec §4.2: the
// thread-local state and the single permitted suspension point a worker
// uses to exchange requests with the manager over its ring channel pair
// while running on an isolated CPU.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/abelits/isoman/pkg/kernel"
	"github.com/abelits/isoman/pkg/ring"
	"github.com/abelits/isoman/pkg/types"
)

// Mode selects how isolation loss is noticed, per spec §4.5.
type Mode int

const (
	// MasterMonitor: the manager polls the shared isolation-flag. Default.
	MasterMonitor Mode = iota
	// SlaveMonitor: the worker additionally polls its own signal-flag at
	// every suspension check and drives its own relaunch request.
	SlaveMonitor
)

// reemitThreshold is the spec's "approximately one million unsuccessful
// drain iterations" before LEAVE_ISOLATION is re-emitted.
const reemitThreshold = 1_000_000

var (
	// ErrTerminated is returned by Enter/Exit when the continue flag was
	// cleared (a TERMINATE request arrived) before the operation completed.
	ErrTerminated = errors.New("worker: terminated")
)

// Runtime is the per-thread handle described in spec §4.2 and §9
// ("Implementations should encapsulate these in a thread-local handle
// initialised at worker registration"). One Runtime is owned by exactly
// one goroutine/thread; nothing here is safe for concurrent use except
// the fields explicitly published to the manager (isolationFlag).
type Runtime struct {
	SlotIndex int
	CPU       int
	Mode      Mode

	recv *ring.Reader // reads the manager->worker channel
	send *ring.Writer // writes the worker->manager channel

	adapter kernel.Adapter
	handle  *kernel.Handle

	// isolationFlag is shared memory: the manager's slot table holds the
	// same pointer and reads it without locking, matching the real
	// system's shared isolation-flag word (spec §3).
	isolationFlag *int32

	signalFlag      int32 // slave-monitor only; set by the violation watcher
	continueFlag    int32 // 1 = keep running, cleared on TERMINATE
	launchConfirmed int32
	okToLeave       int32
}

// New constructs a worker Runtime bound to one CPU slot. isolationFlag
// must be the same memory the manager's slot table observes.
func New(slotIndex, cpu int, recv *ring.Reader, send *ring.Writer, isolationFlag *int32, adapter kernel.Adapter, mode Mode) *Runtime {
	atomic.StoreInt32(isolationFlag, int32(types.IsolationLost))
	return &Runtime{
		SlotIndex:     slotIndex,
		CPU:           cpu,
		Mode:          mode,
		recv:          recv,
		send:          send,
		adapter:       adapter,
		isolationFlag: isolationFlag,
		continueFlag:  1,
	}
}

// Init announces the worker to the manager: INIT moves the slot OFF to
// STARTED, START_READY moves it on to READY (spec §4.3's transition
// table accepts START_READY from either STARTED or OFF).
func (w *Runtime) Init() error {
	if err := w.emitSpin(types.ReqInit, nil); err != nil {
		return err
	}
	return w.emitSpin(types.ReqStartReady, nil)
}

// Enter blocks, servicing the suspension check, until the manager has
// confirmed launch (START_CONFIRMED received) or the worker is told to
// stop. This is the point at which the calling thread is actually
// running isolated, since isolation entry itself happens inside the
// START_LAUNCH handler below, driven by the manager.
func (w *Runtime) Enter(ctx context.Context) error {
	for {
		if atomic.LoadInt32(&w.launchConfirmed) == 1 {
			return nil
		}
		if atomic.LoadInt32(&w.continueFlag) == 0 {
			return ErrTerminated
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		w.SuspensionCheck()
		if atomic.LoadInt32(&w.launchConfirmed) == 0 {
			time.Sleep(time.Millisecond) // test/harness friendliness only
		}
	}
}

// SuspensionCheck is the only permitted suspension point in the worker's
// hot loop (spec §4.2). Its fast path is cheap: check the signal flag
// (slave mode only) and whether the reader has anything pending; only
// when one of those is true does it do any real work.
func (w *Runtime) SuspensionCheck() {
	if w.Mode == SlaveMonitor && atomic.LoadInt32(&w.signalFlag) != 0 {
		w.handleIsolationLost()
	}
	if !w.recv.HasData() {
		return
	}
	w.drain()
}

func (w *Runtime) drain() {
	for w.recv.HasData() {
		reqType, payload, err := w.recv.Read(nil)
		if err != nil {
			return
		}
		w.handle1(types.RequestType(reqType), payload)
	}
}

func (w *Runtime) handle1(t types.RequestType, payload []byte) {
	switch t {
	case types.ReqStartLaunch:
		w.onStartLaunch()
	case types.ReqStartConfirmed:
		atomic.StoreInt32(&w.launchConfirmed, 1)
	case types.ReqTerminate:
		atomic.StoreInt32(&w.continueFlag, 0)
	case types.ReqExitIsolation:
		if w.handle != nil {
			_ = w.adapter.ExitIsolation(w.handle)
			w.handle = nil
		}
	case types.ReqOKLeaveIsolation:
		atomic.StoreInt32(&w.okToLeave, 1)
	default:
		// PRINT, PING, PONG, CMD, NONE, INIT, START_READY, LEAVE_ISOLATION,
		// EXITING, START_LAUNCH_DONE, START_LAUNCH_FAILURE: ignored at the
		// worker side per spec §4.2.
	}
}

func (w *Runtime) onStartLaunch() {
	atomic.StoreInt32(w.isolationFlag, int32(types.IsolationTransitional))
	atomic.StoreInt32(&w.signalFlag, 0)

	h, err := w.adapter.EnterIsolation(w.CPU)
	if err != nil {
		atomic.StoreInt32(w.isolationFlag, int32(types.IsolationLost))
		_ = w.emitSpin(types.ReqStartLaunchFailure, nil)
		return
	}
	w.handle = h
	atomic.StoreInt32(w.isolationFlag, int32(types.IsolationRunning))
	go w.watchViolation(h)
	_ = w.emitSpin(types.ReqStartLaunchDone, nil)
}

// watchViolation stands in for the kernel's async-signal-safe handler
// (spec §4.5, §9): it performs exactly the atomic store the real handler
// would, plus the slave-monitor signal-flag write.
func (w *Runtime) watchViolation(h *kernel.Handle) {
	<-h.ViolationCh
	atomic.StoreInt32(w.isolationFlag, int32(types.IsolationLost))
	if w.Mode == SlaveMonitor {
		atomic.StoreInt32(&w.signalFlag, 1)
	}
}

func (w *Runtime) handleIsolationLost() {
	atomic.StoreInt32(&w.signalFlag, 0)
	atomic.StoreInt32(&w.launchConfirmed, 0)
	atomic.StoreInt32(w.isolationFlag, int32(types.IsolationTransitional))
	_ = w.emitSpin(types.ReqStartLaunchFailure, nil)
}

// Printf emits a PRINT request. Unlike protocol replies, this does not
// spin: if the channel is full the call returns a transient error and
// the caller may retry (spec §4.2).
func (w *Runtime) Printf(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	err := w.send.Write(byte(types.ReqPrint), []byte(msg))
	if errors.Is(err, ring.ErrWouldBlock) {
		return fmt.Errorf("worker: print channel full: %w", err)
	}
	return err
}

// Exit runs the worker-initiated leave-isolation protocol (spec §4.2):
// emit LEAVE_ISOLATION, drain until OK_LEAVE_ISOLATION or TERMINATE,
// re-emitting LEAVE_ISOLATION roughly every reemitThreshold iterations to
// defend against a lost request, then perform the isolation-exit syscall
// and announce EXITING.
func (w *Runtime) Exit() error {
	if err := w.emitSpin(types.ReqLeaveIsolation, nil); err != nil {
		return err
	}

	iterations := 0
	for atomic.LoadInt32(&w.okToLeave) == 0 {
		if atomic.LoadInt32(&w.continueFlag) == 0 {
			return ErrTerminated
		}
		w.SuspensionCheck()
		iterations++
		if iterations%reemitThreshold == 0 {
			_ = w.emitSpin(types.ReqLeaveIsolation, nil)
		}
	}

	if w.handle != nil {
		_ = w.adapter.ExitIsolation(w.handle)
		w.handle = nil
	}
	return w.emitSpin(types.ReqExiting, nil)
}

// emitSpin sends a protocol message, spinning on WouldBlock. This is the
// "while add_req fails {}" discipline spec §7 requires of workers, since
// they must never take an uncontrolled kernel path to wait.
func (w *Runtime) emitSpin(t types.RequestType, payload []byte) error {
	for {
		err := w.send.Write(byte(t), payload)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ring.ErrWouldBlock) {
			return err
		}
	}
}
