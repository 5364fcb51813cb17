package main

import (
	"context"
	"fmt"
	"time"

	"github.com/abelits/isoman/pkg/kernel"
	"github.com/abelits/isoman/pkg/log"
	"github.com/abelits/isoman/pkg/manager"
	"github.com/abelits/isoman/pkg/ring"
	"github.com/abelits/isoman/pkg/worker"
	"github.com/spf13/cobra"
)

// workerCmd is the test harness named in SPEC_FULL's supplemented
// features: it pairs one manager and one worker.Runtime in-process over a
// single CPU slot and drives the thr_init/thr_enter/printf/thr_exit
// sequence of spec §4.2, so the end-to-end scenarios of §8 can be
// exercised outside of unit tests. A worker here is always a goroutine in
// the same process as its manager: the ring channel regions are ordinary
// Go memory, not POSIX shared memory, so there is no separate-process
// wire format to connect two isoman binaries over (see DESIGN.md).
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a single worker against an in-process manager (test harness)",
	RunE:  runWorker,
}

func init() {
	workerCmd.Flags().Int("cpu", 0, "CPU to reserve and isolate")
	workerCmd.Flags().Bool("fake", true, "Use the in-memory kernel adapter instead of real syscalls")
	workerCmd.Flags().Duration("hold", 2*time.Second, "How long to stay in RUNNING before leaving isolation")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cpu, _ := cmd.Flags().GetInt("cpu")
	fake, _ := cmd.Flags().GetBool("fake")
	hold, _ := cmd.Flags().GetDuration("hold")

	l := log.WithCPU(cpu)

	toWorker, err := ring.NewRegion(bootstrapRegionSize)
	if err != nil {
		return fmt.Errorf("worker: allocate manager->worker region: %w", err)
	}
	toManager, err := ring.NewRegion(bootstrapRegionSize)
	if err != nil {
		return fmt.Errorf("worker: allocate worker->manager region: %w", err)
	}

	var adapter kernel.Adapter
	if fake {
		adapter = kernel.NewFakeAdapter()
	} else {
		adapter = kernel.NewLinuxAdapter("/proc")
	}

	mgrCfg := manager.DefaultConfig()
	mgr := manager.New(mgrCfg, adapter, map[int][2]*ring.Region{
		cpu: {toWorker, toManager},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = mgr.Run(ctx) }()
	defer mgr.Stop()

	rt := worker.New(0, cpu, ring.NewReader(toWorker), ring.NewWriter(toManager), mgr.IsolationFlagPtr(cpu), adapter, worker.MasterMonitor)

	if _, err := mgr.ClaimSlot(cpu, pidTID()); err != nil {
		return fmt.Errorf("worker: claim slot: %w", err)
	}

	if err := rt.Init(); err != nil {
		return fmt.Errorf("worker: init: %w", err)
	}
	l.Info().Msg("sent INIT/START_READY, waiting for launch")

	enterCtx, enterCancel := context.WithTimeout(ctx, mgrCfg.StartupTimeout)
	defer enterCancel()
	if err := rt.Enter(enterCtx); err != nil {
		return fmt.Errorf("worker: enter: %w", err)
	}
	l.Info().Msg("isolation confirmed, running")

	deadline := time.After(hold)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-deadline:
			break loop
		case <-ticker.C:
			rt.SuspensionCheck()
		}
	}

	if err := rt.Printf("worker on cpu %d finishing its hold period", cpu); err != nil {
		l.Warn().Err(err).Msg("print failed")
	}

	if err := rt.Exit(); err != nil {
		return fmt.Errorf("worker: exit: %w", err)
	}
	l.Info().Msg("left isolation cleanly")
	return nil
}
