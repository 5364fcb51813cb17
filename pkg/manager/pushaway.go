package manager

import (
	"os"
	"runtime"

	"github.com/abelits/isoman/pkg/metrics"
	"github.com/abelits/isoman/pkg/types"
)

// linkThreads maintains the bidirectional (pid,tid)-to-slot linkage of
// spec §4.4: a thread entry matching a claimed slot's recorded foreignTID
// is marked as managed, so pushAway can exclude it. Links are rederived
// every pass rather than carried forward, since a slot's claim can change
// between passes.
func (m *Manager) linkThreads(obs *types.Observation) {
	for _, info := range obs.Threads {
		info.LinkedSlot = -1
	}
	for _, s := range m.slots {
		if !s.isClaimed() {
			continue
		}
		if info, ok := obs.Threads[s.foreignTID]; ok {
			info.LinkedSlot = s.index
		}
	}
}

// pushAway narrows the allowed CPU set of any foreign thread that can run
// on a reserved CPU, per spec §4.3. Threads with exactly one allowed CPU
// are left alone even when that CPU is reserved.
func (m *Manager) pushAway(obs *types.Observation) {
	ownPID := os.Getpid()
	nonIsolation := m.nonIsolationSet()

	for _, info := range obs.Threads {
		if info.TID.PID == ownPID {
			continue // the manager's own process is exempt in full
		}
		if info.LinkedSlot != -1 {
			continue // a managed worker thread, not a foreign one
		}
		if len(info.Allowed) <= 1 {
			continue
		}
		if !m.intersectsReserved(info.Allowed) {
			continue
		}

		complement := m.complementReserved(info.Allowed)
		if len(complement) == 0 {
			complement = nonIsolation
		}
		if len(complement) == 0 {
			continue // nothing sane to assign; leave the thread alone
		}

		if err := m.adapter.SetAffinity(info.TID, complement); err != nil {
			m.log.Warn().Err(err).Int("pid", info.TID.PID).Int("tid", info.TID.TID).Msg("push-away failed")
			continue
		}
		metrics.PushAwayTotal.Inc()
	}
}

func (m *Manager) intersectsReserved(allowed map[int]struct{}) bool {
	for cpu := range allowed {
		if _, ok := m.reserved[cpu]; ok {
			return true
		}
	}
	return false
}

func (m *Manager) complementReserved(allowed map[int]struct{}) map[int]struct{} {
	out := make(map[int]struct{})
	for cpu := range allowed {
		if _, reserved := m.reserved[cpu]; !reserved {
			out[cpu] = struct{}{}
		}
	}
	return out
}

func (m *Manager) nonIsolationSet() map[int]struct{} {
	out := make(map[int]struct{})
	for cpu := 0; cpu < runtime.NumCPU(); cpu++ {
		if _, reserved := m.reserved[cpu]; !reserved {
			out[cpu] = struct{}{}
		}
	}
	return out
}
