//go:build linux

package kernel

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/abelits/isoman/pkg/observer"
	"github.com/abelits/isoman/pkg/types"
	"golang.org/x/sys/unix"
)

// prTaskIsolation is PR_SET_TASK_ISOLATION from the task-isolation kernel
// patch series this system targets. It is not yet part of
// golang.org/x/sys/unix, so it is defined locally as the teacher defines
// its own constants for APIs upstream packages don't expose yet.
const prTaskIsolation = 48

// taskIsolationEnable requests full isolation with a SIGUSR1 callback on
// violation.
const taskIsolationEnable = 1
const taskIsolationSigUsr1 = 1 << 4

// LinuxAdapter implements Adapter using prctl(2), sched_setaffinity(2),
// mlockall(2) and the /proc text views, per spec §6.
type LinuxAdapter struct {
	scanner *observer.Scanner

	mu       sync.Mutex
	handles  map[int]*Handle // keyed by tid
	violated chan struct{}   // broadcast: closed and replaced on every SIGUSR1
}

// NewLinuxAdapter constructs an adapter reading the kernel's procfs views
// from procRoot (normally "/proc").
func NewLinuxAdapter(procRoot string) *LinuxAdapter {
	return &LinuxAdapter{
		scanner: observer.NewScanner(procRoot),
		handles: make(map[int]*Handle),
	}
}

// EnterIsolation pins the calling goroutine's OS thread to cpu, locks its
// memory, and arms task isolation. The caller must have already called
// runtime.LockOSThread.
//
// Go delivers POSIX signals process-wide rather than to a specific OS
// thread the way the original C handler (installed per pthread) does;
// there is no portable way from a normal Go goroutine to learn which
// kernel tid a SIGUSR1 landed on. EnterIsolation therefore hands back a
// channel that fires on *any* SIGUSR1 the process receives while one or
// more handles are active — a deliberate, documented simplification of
// spec §4.5's per-thread signal handler (see DESIGN.md).
func (a *LinuxAdapter) EnterIsolation(cpu int) (*Handle, error) {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(unix.Gettid(), &set); err != nil {
		return nil, fmt.Errorf("kernel: sched_setaffinity cpu %d: %w", cpu, err)
	}

	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		return nil, fmt.Errorf("kernel: mlockall: %w", err)
	}

	if _, _, errno := unix.Syscall(unix.SYS_PRCTL, prTaskIsolation,
		uintptr(taskIsolationEnable|taskIsolationSigUsr1), 0); errno != 0 {
		return nil, fmt.Errorf("kernel: prctl(PR_SET_TASK_ISOLATION) cpu %d: %w", cpu, errno)
	}

	tid := unix.Gettid()
	a.mu.Lock()
	if a.violated == nil {
		a.violated = make(chan struct{})
		a.installSignalWatcher()
	}
	ch := a.violated
	h := &Handle{CPU: cpu, ViolationCh: ch}
	a.handles[tid] = h
	a.mu.Unlock()

	return h, nil
}

// ExitIsolation disables isolation mode and restores the default CPU
// affinity (all online CPUs) for the calling thread.
func (a *LinuxAdapter) ExitIsolation(h *Handle) error {
	if _, _, errno := unix.Syscall(unix.SYS_PRCTL, prTaskIsolation, 0, 0); errno != 0 {
		return fmt.Errorf("kernel: prctl(PR_SET_TASK_ISOLATION, off): %w", errno)
	}

	nCPU := runtime.NumCPU()
	var set unix.CPUSet
	set.Zero()
	for cpu := 0; cpu < nCPU; cpu++ {
		set.Set(cpu)
	}
	if err := unix.SchedSetaffinity(unix.Gettid(), &set); err != nil {
		return fmt.Errorf("kernel: restore affinity: %w", err)
	}

	a.mu.Lock()
	delete(a.handles, unix.Gettid())
	a.mu.Unlock()
	return nil
}

// Observe delegates to the kernel-interference observer.
func (a *LinuxAdapter) Observe(ctx context.Context) (*types.Observation, error) {
	return a.scanner.Scan()
}

// SetAffinity narrows tid's allowed CPU set; used by the manager's
// push-away operation.
func (a *LinuxAdapter) SetAffinity(tid types.TID, cpus map[int]struct{}) error {
	var set unix.CPUSet
	set.Zero()
	for cpu := range cpus {
		set.Set(cpu)
	}
	return unix.SchedSetaffinity(tid.TID, &set)
}
