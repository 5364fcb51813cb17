package manager

import (
	"fmt"
	"time"

	"github.com/abelits/isoman/pkg/metrics"
	"github.com/abelits/isoman/pkg/types"
)

// handleMessage applies one inbound message to a slot's state machine
// per the transition table in spec §4.3.
func (m *Manager) handleMessage(s *slot, t types.RequestType, _ []byte) {
	switch t {
	case types.ReqExiting:
		m.toOff(s)
		return
	}

	switch s.state {
	case types.StateOff:
		if t == types.ReqInit {
			s.transition(types.StateStarted)
		}
	case types.StateStarted:
		if t == types.ReqStartReady {
			s.transition(types.StateReady)
		}
	case types.StateLaunching:
		switch t {
		case types.ReqStartLaunchDone:
			s.transition(types.StateLaunched)
			if !s.launchStartedAt.IsZero() {
				metrics.LaunchLatency.Observe(time.Since(s.launchStartedAt).Seconds())
			}
		case types.ReqStartLaunchFailure:
			s.transition(types.StateLostIsolation)
			s.lostAt = time.Now()
			metrics.IsolationLossTotal.WithLabelValues(fmt.Sprintf("%d", s.cpu)).Inc()
		}
	case types.StateRunning:
		if t == types.ReqLeaveIsolation {
			s.transition(types.StateExitingIsolation)
			_ = s.send.Write(byte(types.ReqOKLeaveIsolation), nil)
		}
	}

	// START_READY is also accepted directly from OFF per the transition
	// table's "STARTED, OFF" row, covering a START_READY that arrives
	// while the slot is OFF (no INIT handled before it).
	if s.state == types.StateOff && t == types.ReqStartReady {
		s.transition(types.StateReady)
	}
}

// evaluate re-checks a slot against the latest observation, driving the
// READY/LAUNCHING/LAUNCHED/TMP_EXITING_ISOLATION/LOST_ISOLATION rows of
// the transition table that are triggered by observer output rather than
// an inbound message.
func (m *Manager) evaluate(s *slot, obs *types.Observation) {
	m.checkIsolationLoss(s)

	switch s.state {
	case types.StateReady:
		if m.reservedFree(obs) {
			m.startLaunch(s, false)
		} else if time.Since(m.startedAt) >= m.cfg.StartupTimeout {
			// Startup timeout bounds the total wait; proceed anyway with
			// whatever subset is ready.
			m.startLaunch(s, false)
		}

	case types.StateLostIsolation:
		if time.Since(s.lostAt) >= m.cfg.RestartDelay {
			m.startLaunch(s, true)
		}

	case types.StateTmpExitingIsolation:
		if time.Since(s.lostAt) >= m.cfg.RestartDelay {
			m.startLaunch(s, true)
		}

	case types.StateLaunched:
		if _, busy := obs.TimersCPUs[s.cpu]; busy {
			s.transition(types.StateTmpExitingIsolation)
			s.lostAt = time.Now()
			_ = s.send.Write(byte(types.ReqExitIsolation), nil)
		} else if m.reservedFree(obs) {
			s.transition(types.StateRunning)
			s.isolationEnteredAt = time.Now()
			_ = s.send.Write(byte(types.ReqStartConfirmed), nil)
		}
	}
}

// startLaunch sends START_LAUNCH and stamps the slot's launch clock.
// relaunch marks a restart after LOST_ISOLATION/TMP_EXITING_ISOLATION.
func (m *Manager) startLaunch(s *slot, relaunch bool) {
	s.transition(types.StateLaunching)
	s.launchStartedAt = time.Now()
	if relaunch {
		metrics.RelaunchLatency.Observe(time.Since(s.lostAt).Seconds())
	}
	_ = s.send.Write(byte(types.ReqStartLaunch), nil)
}

// reservedFree reports whether no reserved CPU — not only s's own — has
// a pending timer, per spec §4.3's "all reserved CPUs, not only this
// slot's" tie-break.
func (m *Manager) reservedFree(obs *types.Observation) bool {
	for cpu := range m.reserved {
		if _, busy := obs.TimersCPUs[cpu]; busy {
			return false
		}
	}
	return true
}

// checkIsolationLoss polls the shared isolation-flag in master-monitor
// mode (spec §4.5). It is also safe to call when running in slave-monitor
// mode: the worker's own signal-flag path races harmlessly with this
// poll, both converging on the same LOST_ISOLATION state.
func (m *Manager) checkIsolationLoss(s *slot) {
	if s.state == types.StateTmpExitingIsolation || s.state == types.StateExitingIsolation || s.state == types.StateOff {
		return
	}
	flag := types.IsolationFlag(loadIsolation(s))
	if flag != types.IsolationLost {
		return
	}
	if s.state != types.StateLaunching && s.state != types.StateReady && s.state != types.StateStarted && s.state != types.StateLostIsolation {
		s.transition(types.StateLostIsolation)
		s.lostAt = time.Now()
		metrics.IsolationLossTotal.WithLabelValues(fmt.Sprintf("%d", s.cpu)).Inc()
	}
}

func (m *Manager) toOff(s *slot) {
	s.transition(types.StateOff)
	s.exitRequested = false
	s.unclaim()
}
