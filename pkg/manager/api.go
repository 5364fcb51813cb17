package manager

import (
	"fmt"

	"github.com/abelits/isoman/pkg/types"
)

// ErrNoSuchCPU is returned when a caller names a CPU outside the
// reserved set.
var ErrNoSuchCPU = fmt.Errorf("manager: no such reserved CPU")

// ErrAlreadyClaimed is returned by ClaimSlot when the slot is bound.
var ErrAlreadyClaimed = fmt.Errorf("manager: slot already claimed")

// ErrNoSlotBound is returned by TaskIsolFail/TaskIsolFinish for a session
// with no bound slot.
var ErrNoSlotBound = fmt.Errorf("manager: no slot bound to this session")

// ClaimSlot binds cpu's slot to the calling process, corresponding to the
// control socket's `newtask <cpu>,<pid>/<tid>` command (spec §6).
func (m *Manager) ClaimSlot(cpu int, tid types.TID) (types.SlotStatus, error) {
	v, err := m.call(func(m *Manager) (any, error) {
		s, ok := m.byCPU[cpu]
		if !ok {
			return nil, ErrNoSuchCPU
		}
		if !s.claim(tid) {
			return nil, ErrAlreadyClaimed
		}
		return s.status(), nil
	})
	if err != nil {
		return types.SlotStatus{}, err
	}
	return v.(types.SlotStatus), nil
}

// TaskIsolFail is equivalent to the bound slot receiving
// START_LAUNCH_FAILURE, for the `taskisolfail` control command.
func (m *Manager) TaskIsolFail(cpu int) error {
	_, err := m.call(func(m *Manager) (any, error) {
		s, ok := m.byCPU[cpu]
		if !ok || !s.isClaimed() {
			return nil, ErrNoSlotBound
		}
		m.handleMessage(s, types.ReqStartLaunchFailure, nil)
		return nil, nil
	})
	return err
}

// TaskIsolFinish is equivalent to the bound slot receiving EXITING, for
// the `taskisolfinish` control command.
func (m *Manager) TaskIsolFinish(cpu int) error {
	_, err := m.call(func(m *Manager) (any, error) {
		s, ok := m.byCPU[cpu]
		if !ok || !s.isClaimed() {
			return nil, ErrNoSlotBound
		}
		m.handleMessage(s, types.ReqExiting, nil)
		return nil, nil
	})
	return err
}

// Terminate requests termination of all workers: TERMINATE is sent to
// every claimed slot and the manager's own exit-requested flag is set
// (spec §4.3's "external TERMINATE request" row applies to every slot).
func (m *Manager) Terminate() error {
	_, err := m.call(func(m *Manager) (any, error) {
		m.exitRequested = true
		for _, s := range m.slots {
			if s.isClaimed() {
				s.exitRequested = true
				_ = s.send.Write(byte(types.ReqTerminate), nil)
			}
		}
		return nil, nil
	})
	return err
}

// Status returns a snapshot of every slot.
func (m *Manager) Status() ([]types.SlotStatus, error) {
	v, err := m.call(func(m *Manager) (any, error) {
		out := make([]types.SlotStatus, len(m.slots))
		for i, s := range m.slots {
			out[i] = s.status()
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.SlotStatus), nil
}

// ExitRequested reports whether Terminate has been called, for the
// bootstrap binary to decide when to unwind.
func (m *Manager) ExitRequested() (bool, error) {
	v, err := m.call(func(m *Manager) (any, error) {
		return m.exitRequested, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}
