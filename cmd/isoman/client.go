package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// clientCommands builds the verb-first CLI client named in spec §6:
// boot|start, halt|kill|shut, del|rm|unplug|remove, add|plug, info|show,
// interactive. Cobra's prefix matching on registered Use names and
// aliases, switched on here, accepts any unambiguous prefix of a verb, as
// long as every verb's aliases are distinct from every other verb's.
func clientCommands() []*cobra.Command {
	cobra.EnablePrefixMatching = true
	cmds := []*cobra.Command{bootCmd, haltCmd, delCmd, addCmd, infoCmd, interactiveCmd}
	for _, c := range cmds {
		c.Flags().String("socket", "/isol_server", "Control socket path")
	}
	addCmd.Flags().Int("cpu", 0, "CPU to claim a slot for")
	addCmd.Flags().Int("pid", os.Getpid(), "PID to report in newtask")
	addCmd.Flags().Int("tid", os.Getpid(), "TID to report in newtask")
	bootCmd.Flags().String("console", "", "Console path to reopen stdio onto after detaching")
	return cmds
}

var bootCmd = &cobra.Command{
	Use:     "boot",
	Aliases: []string{"start"},
	Short:   "Detach, exec the manager, and wait for the control socket",
	Args:    cobra.ArbitraryArgs,
	RunE:    runBoot,
}

var haltCmd = &cobra.Command{
	Use:     "halt",
	Aliases: []string{"kill", "shut"},
	Short:   "Request termination of all workers",
	RunE:    runHalt,
}

var delCmd = &cobra.Command{
	Use:     "del",
	Aliases: []string{"rm", "unplug", "remove"},
	Short:   "End the current control session",
	RunE:    runDel,
}

var addCmd = &cobra.Command{
	Use:     "add",
	Aliases: []string{"plug"},
	Short:   "Claim a CPU slot via newtask",
	RunE:    runAdd,
}

var infoCmd = &cobra.Command{
	Use:     "info",
	Aliases: []string{"show"},
	Short:   "Print the banner and exit",
	RunE:    runInfo,
}

var interactiveCmd = &cobra.Command{
	Use:   "interactive",
	Short: "Open an interactive control-socket session on stdin/stdout",
	RunE:  runInteractive,
}

// bootPollTimeout and bootPollInterval are the 10s/200ms cadence of
// spec §6's boot verb.
const (
	bootPollTimeout  = 10 * time.Second
	bootPollInterval = 200 * time.Millisecond
)

// runBoot starts the given program once, as a child in a new session
// (setsid) so it has no controlling terminal, then polls the control
// socket until it answers or the timeout elapses. There is no second
// fork and no closing of other inherited file descriptors.
func runBoot(cmd *cobra.Command, args []string) error {
	socket, _ := cmd.Flags().GetString("socket")
	console, _ := cmd.Flags().GetString("console")
	if len(args) == 0 {
		return fmt.Errorf("boot: no program given to exec")
	}

	child := exec.Command(args[0], args[1:]...)
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if console != "" {
		f, err := os.OpenFile(console, os.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("boot: open console %s: %w", console, err)
		}
		defer f.Close()
		child.Stdin, child.Stdout, child.Stderr = f, f, f
	} else {
		child.Stdin, child.Stdout, child.Stderr = nil, nil, nil
	}

	if err := child.Start(); err != nil {
		return fmt.Errorf("boot: start: %w", err)
	}
	// Release frees the process handle without waiting on it. The child
	// stays a child of this process, and keeps running after this
	// process exits.
	if err := child.Process.Release(); err != nil {
		return fmt.Errorf("boot: release: %w", err)
	}

	deadline := time.Now().Add(bootPollTimeout)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", socket); err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(bootPollInterval)
	}
	return fmt.Errorf("boot: server did not come up on %s within %s", socket, bootPollTimeout)
}

func runHalt(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(conn net.Conn, r *bufio.Reader) error {
		return sendAndPrint(conn, r, "terminate")
	})
}

func runDel(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(conn net.Conn, r *bufio.Reader) error {
		return sendAndPrint(conn, r, "quit")
	})
}

func runAdd(cmd *cobra.Command, args []string) error {
	cpu, _ := cmd.Flags().GetInt("cpu")
	pid, _ := cmd.Flags().GetInt("pid")
	tid, _ := cmd.Flags().GetInt("tid")
	return withSession(cmd, func(conn net.Conn, r *bufio.Reader) error {
		return sendAndPrint(conn, r, fmt.Sprintf("newtask %d,%d/%d", cpu, pid, tid))
	})
}

func runInfo(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(conn net.Conn, r *bufio.Reader) error {
		return nil
	})
}

func runInteractive(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(conn net.Conn, r *bufio.Reader) error {
		in := bufio.NewScanner(os.Stdin)
		for in.Scan() {
			line := in.Text()
			if line == "" {
				continue
			}
			if err := sendAndPrint(conn, r, line); err != nil {
				return err
			}
			if strings.HasPrefix(line, "quit") || strings.HasPrefix(line, "terminate") || strings.HasPrefix(line, "taskisolfinish") {
				return nil
			}
		}
		return in.Err()
	})
}

// withSession dials socket, reads the two-line banner, runs fn, and
// translates the spec §6 "CLI exits 0 on any 2xx terminal code, 1
// otherwise" rule by returning a non-nil error whenever fn or the dial
// itself failed.
func withSession(cmd *cobra.Command, fn func(conn net.Conn, r *bufio.Reader) error) error {
	socket, _ := cmd.Flags().GetString("socket")
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return fmt.Errorf("connect %s: %w", socket, err)
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	for i := 0; i < 2; i++ {
		line, err := r.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read banner: %w", err)
		}
		fmt.Print(line)
	}
	return fn(conn, r)
}

// sendAndPrint writes one command line and prints every response line up
// to and including the first line with a space separator (the final
// line), returning an error if the final code is not 2xx.
func sendAndPrint(conn net.Conn, r *bufio.Reader, line string) error {
	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		return err
	}
	for {
		resp, err := r.ReadString('\n')
		if err != nil {
			return err
		}
		fmt.Print(resp)
		if len(resp) > 3 && resp[3] == ' ' {
			code := resp[:3]
			if code[0] != '2' {
				return fmt.Errorf("server returned %s", code)
			}
			return nil
		}
	}
}
