//go:build linux

package kernel

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// installSignalWatcher starts the goroutine that stands in for the
// async-signal-safe handler of spec §4.5. The real handler's only
// permitted work is an atomic store and a thread-local byte write;
// os/signal.Notify's channel delivery is the Go runtime's equivalent of
// that discipline — the actual OS signal is caught by the Go runtime's
// own async-signal-safe handler, which just enqueues it; nothing here
// runs inside a signal frame. Must be called with a.mu held.
func (a *LinuxAdapter) installSignalWatcher() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGUSR1)
	go func() {
		for range ch {
			a.mu.Lock()
			close(a.violated)
			a.violated = make(chan struct{})
			for tid, h := range a.handles {
				h.ViolationCh = a.violated
				a.handles[tid] = h
			}
			a.mu.Unlock()
		}
	}()
}
