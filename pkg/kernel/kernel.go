// Package kernel defines the narrow adapters the core consumes for the
// three kernel-side primitives named in spec §6: entering isolation mode
// on a CPU, leaving it, and reading the kernel's timer and thread tables.
// Concrete Linux syscalls live in linux_adapter.go; everything else in
// this module talks only to the Adapter interface.
package kernel

import (
	"context"
	"errors"

	"github.com/abelits/isoman/pkg/types"
)

// ErrUnsupported is returned by adapter methods on platforms without a
// real implementation. Portability beyond Linux is an explicit non-goal;
// the stub exists only so the module has something to link on a
// non-Linux GOOS, mirroring the teacher's per-platform file convention.
var ErrUnsupported = errors.New("kernel: task isolation is not supported on this platform")

// Handle represents one CPU successfully placed into isolation mode.
// ViolationCh fires (closes) when the kernel signals that isolation was
// lost; see LinuxAdapter.EnterIsolation for why this is a best-effort, not
// per-thread-targeted, notification in a Go process.
type Handle struct {
	CPU         int
	ViolationCh <-chan struct{}
}

// Adapter is the kernel-facing primitive set consumed by pkg/worker and
// pkg/manager. Implementations must not allocate or block the caller's
// hot path beyond the syscalls themselves.
type Adapter interface {
	// EnterIsolation pins the calling thread's affinity to cpu, locks its
	// memory, and enables the kernel's task-isolation mode, arming
	// SIGUSR1 delivery on violation.
	EnterIsolation(cpu int) (*Handle, error)
	// ExitIsolation disables isolation mode and widens the calling
	// thread's CPU affinity again. LinuxAdapter restores every online
	// CPU, reserved ones included; it does not limit the thread to the
	// non-isolation set.
	ExitIsolation(h *Handle) error
	// Observe returns one pass of the kernel-interference observer's
	// output (spec §4.4), reading /proc/timer_list and /proc/*/task/*.
	Observe(ctx context.Context) (*types.Observation, error)
	// SetAffinity narrows tid's allowed CPU set, used by the manager's
	// push-away operation (spec §4.3).
	SetAffinity(tid types.TID, cpus map[int]struct{}) error
}
