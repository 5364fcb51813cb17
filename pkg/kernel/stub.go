//go:build !linux

package kernel

import (
	"context"

	"github.com/abelits/isoman/pkg/types"
)

// StubAdapter exists only so this module links on a non-Linux GOOS.
// Portability beyond Linux is an explicit non-goal (spec §1); every
// method returns ErrUnsupported.
type StubAdapter struct{}

// NewLinuxAdapter mirrors the Linux constructor's signature so callers
// need not branch on GOOS themselves.
func NewLinuxAdapter(procRoot string) *StubAdapter { return &StubAdapter{} }

func (StubAdapter) EnterIsolation(cpu int) (*Handle, error) { return nil, ErrUnsupported }
func (StubAdapter) ExitIsolation(h *Handle) error            { return ErrUnsupported }
func (StubAdapter) Observe(ctx context.Context) (*types.Observation, error) {
	return nil, ErrUnsupported
}
func (StubAdapter) SetAffinity(tid types.TID, cpus map[int]struct{}) error { return ErrUnsupported }
