package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/abelits/isoman/pkg/bootstrap"
	"github.com/abelits/isoman/pkg/control"
	"github.com/abelits/isoman/pkg/log"
	"github.com/abelits/isoman/pkg/metrics"
	"github.com/spf13/cobra"
)

var managerCmd = &cobra.Command{
	Use:   "manager",
	Short: "Run the isolation manager daemon",
	Long: `Resolve the reserved CPU set (CPU_SUBSET_ID/CPU_SUBSET or every CPU
the kernel reports), allocate one worker channel pair per CPU, and serve
the control socket until asked to terminate.`,
	RunE: runManager,
}

func init() {
	managerCmd.Flags().String("subset-file", bootstrap.DefaultSubsetFile, "YAML file mapping CPU_SUBSET_ID to a CPU list")
	managerCmd.Flags().String("subset-id", "", "CPU subset identifier, used to name the control socket")
	managerCmd.Flags().String("socket", "", "Control socket path (default derived from --subset-id)")
	managerCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Prometheus metrics / health listen address")
	managerCmd.Flags().Int("region-size", bootstrap.DefaultRegionSize, "Per-direction ring channel size in bytes")
}

func runManager(cmd *cobra.Command, args []string) error {
	subsetFile, _ := cmd.Flags().GetString("subset-file")
	subsetID, _ := cmd.Flags().GetString("subset-id")
	socketPath, _ := cmd.Flags().GetString("socket")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	regionSize, _ := cmd.Flags().GetInt("region-size")

	if socketPath == "" {
		socketPath = bootstrap.SocketPath(subsetID)
	}

	l := log.WithComponent("cmd.manager")

	mgr, err := bootstrap.Bootstrap(bootstrap.Config{
		SubsetFile: subsetFile,
		RegionSize: regionSize,
	})
	if err != nil {
		metrics.RegisterComponent("kernel", false, err.Error())
		return fmt.Errorf("fatal setup: %w", err)
	}
	metrics.RegisterComponent("kernel", true, "bootstrapped")

	ln, err := bootstrap.Listen(socketPath)
	if err != nil {
		metrics.RegisterComponent("control", false, err.Error())
		return fmt.Errorf("fatal setup: %w", err)
	}
	metrics.RegisterComponent("control", true, "listening on "+socketPath)
	l.Info().Str("socket", socketPath).Msg("control socket ready")

	srv := control.NewServer(ln, mgr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		if err := mgr.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("manager: %w", err)
		}
	}()
	go func() {
		if err := srv.Serve(); err != nil {
			errCh <- fmt.Errorf("control: %w", err)
		}
	}()

	metrics.RegisterComponent("observer", true, "polling")
	go func() {
		http.Handle("/metrics", metrics.Handler())
		http.Handle("/health", metrics.HealthHandler())
		http.Handle("/ready", metrics.ReadyHandler())
		http.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(metricsAddr, nil); err != nil {
			l.Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	l.Info().Str("addr", metricsAddr).Msg("metrics endpoint ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		l.Info().Msg("shutdown requested")
	case err := <-errCh:
		l.Error().Err(err).Msg("unrecoverable error")
		cancel()
		srv.Stop()
		return err
	}

	_ = mgr.Terminate()
	deadline := time.After(5 * time.Second)
drain:
	for {
		done, _ := mgr.ExitRequested()
		if done {
			break drain
		}
		select {
		case <-deadline:
			break drain
		case <-time.After(50 * time.Millisecond):
		}
	}

	srv.Stop()
	cancel()
	mgr.Stop()

	l.Info().Msg("shutdown complete")
	return nil
}
