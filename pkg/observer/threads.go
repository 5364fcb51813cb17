package observer

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/abelits/isoman/pkg/types"
)

// parseThreads walks /proc/<pid>/task/<tid>/{status,stat} for every
// numeric pid and tid under the scanner's procRoot, updating the
// scanner's persistent (pid,tid) table in place. Entries not seen this
// pass are left in s.threads with UpdatedThisPass=false (cleared by the
// caller before this runs) rather than removed, per spec §4.4's
// never-shrinking table rule; the manager decides what to do with a
// thread that has gone stale.
func (s *Scanner) parseThreads(obs *types.Observation) error {
	entries, err := os.ReadDir(s.ProcRoot)
	if err != nil {
		return err
	}

	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || !e.IsDir() {
			continue
		}
		taskDir := filepath.Join(s.ProcRoot, e.Name(), "task")
		tasks, err := os.ReadDir(taskDir)
		if err != nil {
			continue
		}
		for _, te := range tasks {
			tid, err := strconv.Atoi(te.Name())
			if err != nil {
				continue
			}
			info, err := parseOneThread(taskDir, pid, tid)
			if err != nil {
				continue
			}
			info.UpdatedThisPass = true
			if existing, ok := s.threads[info.TID]; ok {
				info.LinkedSlot = existing.LinkedSlot
			}
			s.threads[info.TID] = info
		}
	}
	return nil
}

func parseOneThread(taskDir string, pid, tid int) (*types.ThreadInfo, error) {
	info := &types.ThreadInfo{
		TID:        types.TID{PID: pid, TID: tid},
		Allowed:    make(map[int]struct{}),
		LinkedSlot: -1,
	}

	statusPath := filepath.Join(taskDir, strconv.Itoa(tid), "status")
	f, err := os.Open(statusPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "Cpus_allowed:"):
			mask := strings.TrimSpace(strings.TrimPrefix(line, "Cpus_allowed:"))
			parseCPUMask(mask, info.Allowed)
		case strings.HasPrefix(line, "voluntary_ctxt_switches:"):
			v := strings.TrimSpace(strings.TrimPrefix(line, "voluntary_ctxt_switches:"))
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				info.VoluntaryCtxt = n
			}
		case strings.HasPrefix(line, "nonvoluntary_ctxt_switches:"):
			v := strings.TrimSpace(strings.TrimPrefix(line, "nonvoluntary_ctxt_switches:"))
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				info.InvoluntaryCtxt = n
			}
		}
	}

	statPath := filepath.Join(taskDir, strconv.Itoa(tid), "stat")
	if statBytes, err := os.ReadFile(statPath); err == nil {
		fields := strings.Fields(string(statBytes))
		// field 39 (1-indexed) is processor (last-run CPU) in /proc/*/stat;
		// tolerate short lines from odd kernel formats.
		const processorField = 39
		if len(fields) >= processorField {
			if cpu, err := strconv.Atoi(fields[processorField-1]); err == nil {
				info.CurrentCPU = cpu
			}
		}
	}

	return info, nil
}

// parseCPUMask decodes a comma-separated sequence of hex 32-bit groups
// (most-significant group first, as /proc prints it) into a CPU set.
// Each group's bits are little-endian within the group, per spec §4.4.
func parseCPUMask(mask string, into map[int]struct{}) {
	groups := strings.Split(mask, ",")
	// groups[0] is the most significant 32 bits; the last group covers
	// CPUs 0-31.
	for gi := 0; gi < len(groups); gi++ {
		group := strings.TrimSpace(groups[len(groups)-1-gi])
		v, err := strconv.ParseUint(group, 16, 32)
		if err != nil {
			continue
		}
		base := gi * 32
		for bit := 0; bit < 32; bit++ {
			if v&(1<<uint(bit)) != 0 {
				into[base+bit] = struct{}{}
			}
		}
	}
}
