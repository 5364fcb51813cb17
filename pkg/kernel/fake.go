package kernel

import (
	"context"
	"sync"

	"github.com/abelits/isoman/pkg/types"
)

var _ Adapter = (*FakeAdapter)(nil)

// FakeAdapter is an in-memory Adapter used by pkg/worker and pkg/manager
// tests so they can exercise the isolation lifecycle without a real
// kernel. It is part of the package's public surface (not a _test.go
// file) because both pkg/worker's and pkg/manager's test suites need it.
type FakeAdapter struct {
	mu          sync.Mutex
	entered     map[int]chan struct{}
	FailEnter   map[int]bool
	Observation *types.Observation
	Affinities  map[types.TID]map[int]struct{}
}

// NewFakeAdapter constructs an empty FakeAdapter.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		entered:    make(map[int]chan struct{}),
		FailEnter:  make(map[int]bool),
		Affinities: make(map[types.TID]map[int]struct{}),
	}
}

func (f *FakeAdapter) EnterIsolation(cpu int) (*Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailEnter[cpu] {
		return nil, ErrUnsupported
	}
	ch := make(chan struct{})
	f.entered[cpu] = ch
	return &Handle{CPU: cpu, ViolationCh: ch}, nil
}

func (f *FakeAdapter) ExitIsolation(h *Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entered, h.CPU)
	return nil
}

func (f *FakeAdapter) Observe(ctx context.Context) (*types.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Observation == nil {
		return &types.Observation{
			TimersCPUs: make(map[int]struct{}),
			Threads:    make(map[types.TID]*types.ThreadInfo),
		}, nil
	}
	return f.Observation, nil
}

func (f *FakeAdapter) SetAffinity(tid types.TID, cpus map[int]struct{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make(map[int]struct{}, len(cpus))
	for c := range cpus {
		cp[c] = struct{}{}
	}
	f.Affinities[tid] = cp
	return nil
}

// ViolateAll forces SIGUSR1-style isolation loss for every currently
// entered handle, for tests of the manager's master-monitor path.
func (f *FakeAdapter) ViolateAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for cpu, ch := range f.entered {
		close(ch)
		delete(f.entered, cpu)
	}
}

// SetObservation replaces the Observation a concurrently-running Observe
// call will see next, under the same lock Observe itself takes.
func (f *FakeAdapter) SetObservation(obs *types.Observation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Observation = obs
}

// AffinityOf returns the CPU set last passed to SetAffinity for tid, and
// whether SetAffinity was ever called for it.
func (f *FakeAdapter) AffinityOf(tid types.TID) (map[int]struct{}, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cpus, ok := f.Affinities[tid]
	return cpus, ok
}
