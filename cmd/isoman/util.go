package main

import (
	"os"

	"github.com/abelits/isoman/pkg/bootstrap"
	"github.com/abelits/isoman/pkg/types"
)

const bootstrapRegionSize = bootstrap.DefaultRegionSize

// pidTID identifies the calling process for the worker harness's
// self-claim. The harness runs its worker as a goroutine rather than a
// distinct OS thread, so there is no separate kernel tid to report; the
// pid is reused for both fields.
func pidTID() types.TID {
	pid := os.Getpid()
	return types.TID{PID: pid, TID: pid}
}
