// Package manager implements the per-CPU worker lifecycle state machine
// of spec §4.3: it pairs workers to reserved CPUs, drives each through
// launch/confirm/exit against the kernel observer's output, and pushes
// foreign threads away from isolation CPUs.
package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/abelits/isoman/pkg/kernel"
	"github.com/abelits/isoman/pkg/log"
	"github.com/abelits/isoman/pkg/metrics"
	"github.com/abelits/isoman/pkg/ring"
	"github.com/abelits/isoman/pkg/types"
	"github.com/rs/zerolog"
)

// Config holds the manager's tunable timeouts, all defaulted per spec §5.
type Config struct {
	StartupTimeout  time.Duration
	RestartDelay    time.Duration
	IdlePoll        time.Duration
	PushAwayCadence time.Duration
}

// DefaultConfig returns the spec's literal defaults.
func DefaultConfig() Config {
	return Config{
		StartupTimeout:  20 * time.Second,
		RestartDelay:    3 * time.Second,
		IdlePoll:        200 * time.Millisecond,
		PushAwayCadence: 3 * time.Second,
	}
}

// Manager is the single-threaded state machine owner. All slot mutation
// happens inside Run's goroutine; every other method funnels its work
// through the command channel so the "the manager serialises its own
// actions because it is single-threaded" invariant of spec §5 holds even
// though Go callers (the control-socket adapter) invoke Manager from
// their own goroutines.
type Manager struct {
	cfg      Config
	adapter  kernel.Adapter
	log      zerolog.Logger
	reserved map[int]struct{}

	slots   []*slot
	byCPU   map[int]*slot
	cmdCh   chan command
	stopCh  chan struct{}
	doneCh  chan struct{}

	startedAt     time.Time
	lastPushAway  time.Time
	exitRequested bool
}

type command struct {
	run   func(m *Manager) (any, error)
	reply chan result
}

type result struct {
	val any
	err error
}

// New constructs a Manager over the given reserved CPUs, each already
// paired with a bootstrap-allocated channel region pair.
func New(cfg Config, adapter kernel.Adapter, channels map[int][2]*ring.Region) *Manager {
	m := &Manager{
		cfg:      cfg,
		adapter:  adapter,
		log:      log.WithComponent("manager"),
		reserved: make(map[int]struct{}, len(channels)),
		byCPU:    make(map[int]*slot, len(channels)),
		cmdCh:    make(chan command),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		startedAt: time.Now(),
	}

	idx := 0
	for cpu, regions := range channels {
		m.reserved[cpu] = struct{}{}
		// regions[0] is manager->worker (outbound from the manager's
		// perspective), regions[1] is worker->manager (inbound).
		s := newSlot(idx, cpu, ring.NewReader(regions[1]), ring.NewWriter(regions[0]))
		m.slots = append(m.slots, s)
		m.byCPU[cpu] = s
		idx++
	}
	metrics.SlotsReservedTotal.Set(float64(len(m.slots)))
	return m
}

// IsolationFlagPtr returns the shared isolation-flag word for cpu's slot,
// for bootstrap to hand to the matching worker.Runtime.
func (m *Manager) IsolationFlagPtr(cpu int) *int32 {
	return &m.byCPU[cpu].isolationFlag
}

// Run is the manager's single poll loop (spec §4.3): each pass drains one
// inbound message per slot, then re-evaluates every slot against the
// latest kernel observation.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.cfg.IdlePoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stopCh:
			return nil
		case cmd := <-m.cmdCh:
			val, err := cmd.run(m)
			cmd.reply <- result{val, err}
		case <-ticker.C:
			m.pass(ctx)
		}
	}
}

// Stop asks Run to return after its current pass.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

// call marshals a command onto the manager's single goroutine and waits
// for its result, generalizing the teacher's Command{Op,Data} dispatch
// (pkg/manager/fsm.go in cuemby-warren) into a direct closure dispatch
// instead of a string-keyed switch, since there is no log to replay here.
func (m *Manager) call(fn func(m *Manager) (any, error)) (any, error) {
	reply := make(chan result, 1)
	select {
	case m.cmdCh <- command{run: fn, reply: reply}:
	case <-m.doneCh:
		return nil, fmt.Errorf("manager: stopped")
	}
	r := <-reply
	return r.val, r.err
}

func (m *Manager) pass(ctx context.Context) {
	for _, s := range m.slots {
		m.drainOne(s)
	}

	timer := metrics.NewTimer()
	obs, err := m.adapter.Observe(ctx)
	timer.ObserveDuration(metrics.ObserverPassDuration)
	if err != nil {
		m.log.Error().Err(err).Msg("observer pass failed")
		return
	}

	contaminated := false
	running := 0
	for _, s := range m.slots {
		m.evaluate(s, obs)
		if _, busy := obs.TimersCPUs[s.cpu]; busy {
			contaminated = true
			metrics.TimerContaminationTotal.WithLabelValues(fmt.Sprintf("%d", s.cpu)).Inc()
		}
		if s.state == types.StateRunning {
			running++
		}
	}

	m.linkThreads(obs)

	if time.Since(m.lastPushAway) >= m.cfg.PushAwayCadence || contaminated {
		m.pushAway(obs)
		m.lastPushAway = time.Now()
	}

	metrics.SlotState.Reset()
	for _, s := range m.slots {
		metrics.SlotState.WithLabelValues(fmt.Sprintf("%d", s.cpu), string(s.state)).Set(1)
	}
	metrics.SlotsRunning.Set(float64(running))
}

func (m *Manager) drainOne(s *slot) {
	if s.state == types.StateOff && !s.isClaimed() {
		return
	}
	reqType, payload, err := s.recv.Read(nil)
	if err != nil {
		return
	}
	m.handleMessage(s, types.RequestType(reqType), payload)
}
