package manager

import (
	"sync/atomic"
	"time"

	"github.com/abelits/isoman/pkg/ring"
	"github.com/abelits/isoman/pkg/types"
)

// slot is the manager's private view of a CPU slot (spec §3). The
// isolation flag is the one field the worker's Runtime also writes; it is
// read here with a plain atomic load, never a lock, matching the "shared
// resources" model of spec §5.
type slot struct {
	index int
	cpu   int

	state              types.WorkerState
	isolationFlag      int32 // shared with worker.Runtime
	isolationEnteredAt time.Time
	exitRequested      bool
	claimed            int32 // 0 or 1, set once via claim()
	foreignTID         types.TID
	lastTimer          int64
	lastTransition     time.Time
	lostAt             time.Time
	launchStartedAt    time.Time

	recv *ring.Reader // manager reads the worker->manager channel
	send *ring.Writer // manager writes the manager->worker channel
}

func newSlot(index, cpu int, recv *ring.Reader, send *ring.Writer) *slot {
	return &slot{
		index:          index,
		cpu:            cpu,
		state:          types.StateOff,
		recv:           recv,
		send:           send,
		lastTimer:      int64(1<<63 - 1),
		lastTransition: time.Now(),
	}
}

// claim atomically transitions the claim counter 0->1, returning false if
// the slot was already claimed (spec §3 invariant).
func (s *slot) claim(tid types.TID) bool {
	if !atomic.CompareAndSwapInt32(&s.claimed, 0, 1) {
		return false
	}
	s.foreignTID = tid
	return true
}

func (s *slot) unclaim() {
	atomic.StoreInt32(&s.claimed, 0)
	s.foreignTID = types.TID{}
}

func (s *slot) isClaimed() bool {
	return atomic.LoadInt32(&s.claimed) == 1
}

func (s *slot) transition(to types.WorkerState) {
	s.state = to
	s.lastTransition = time.Now()
}

func loadIsolation(s *slot) int32 {
	return atomic.LoadInt32(&s.isolationFlag)
}

func (s *slot) status() types.SlotStatus {
	return types.SlotStatus{
		Index:              s.index,
		CPU:                s.cpu,
		State:              s.state,
		IsolationEnteredAt: s.isolationEnteredAt,
		ExitRequested:      s.exitRequested,
		Isolation:          types.IsolationFlag(atomic.LoadInt32(&s.isolationFlag)),
		ClaimCount:         int(atomic.LoadInt32(&s.claimed)),
		ForeignTID:         s.foreignTID,
		LastTimer:          s.lastTimer,
		LastTransition:     s.lastTransition,
	}
}
