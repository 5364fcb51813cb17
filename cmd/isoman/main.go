// Command isoman is the CPU isolation task manager's single binary: the
// manager daemon, a worker test harness, the verb-first control-socket
// client, and the irqcount diagnostic, following cuemby-warren's
// single-binary, cobra-rooted layout.
package main

import (
	"fmt"
	"os"

	"github.com/abelits/isoman/pkg/log"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "isoman",
	Short: "CPU isolation task manager",
	Long: `isoman reserves a subset of CPUs, pins one worker thread to each,
and drives it through the kernel's task-isolation lifecycle: entering
isolation mode, confirming the kernel stays quiet, and recovering when a
reserved CPU is contaminated by a foreign timer or thread.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("isoman version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(managerCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(irqcountCmd)
	for _, c := range clientCommands() {
		rootCmd.AddCommand(c)
	}
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
