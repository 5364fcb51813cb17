// Package observer parses the kernel's timer and per-thread text views
// into the Observation the manager core polls (spec §4.4). Kernel text
// formats are unstable across versions; parsing here is best-effort line
// by line — an unrecognised line or a value that fails to parse aborts
// only the current record, never the whole pass (spec §9).
package observer

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/abelits/isoman/pkg/types"
)

// maxExpiration is the sentinel meaning "no timer pending" (KTIME_MAX in
// the kernel's own terms).
const maxExpiration = int64(1<<63 - 1)

// Scanner reads the two kernel-exported views under procRoot (normally
// "/proc") and produces Observations. It is not safe for concurrent use;
// the manager core calls it from its single poll thread.
type Scanner struct {
	ProcRoot string

	// lastTimer accumulates the per-CPU "max expiration seen" state
	// across passes (spec §4.3's timer accumulator rule).
	lastTimer map[int]int64

	// threads is the growable, never-shrinking (pid,tid) table of spec
	// §4.4: it survives across Scan calls, so an entry not seen on a
	// pass stays put with UpdatedThisPass cleared rather than vanishing.
	threads map[types.TID]*types.ThreadInfo
}

// NewScanner constructs a Scanner rooted at procRoot ("/proc" in
// production; a fixture directory in tests).
func NewScanner(procRoot string) *Scanner {
	return &Scanner{
		ProcRoot:  procRoot,
		lastTimer: make(map[int]int64),
		threads:   make(map[types.TID]*types.ThreadInfo),
	}
}

// Scan performs one pass: parse /proc/timer_list, then walk
// /proc/<pid>/task/<tid>/{status,stat} for every numeric pid and tid.
func (s *Scanner) Scan() (*types.Observation, error) {
	obs := &types.Observation{
		TimersCPUs: make(map[int]struct{}),
		Threads:    s.threads,
	}

	f, err := os.Open(filepath.Join(s.ProcRoot, "timer_list"))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := s.parseTimerList(f, obs); err != nil {
		return nil, err
	}
	for cpu, v := range s.lastTimer {
		if v < obs.Now {
			delete(s.lastTimer, cpu)
		}
	}

	for _, info := range s.threads {
		info.UpdatedThisPass = false
	}
	if err := s.parseThreads(obs); err != nil {
		return nil, err
	}

	return obs, nil
}

// LastTimer returns the per-slot accumulator value for cpu, or the
// sentinel maximum if no timer has been observed (or it has expired).
func (s *Scanner) LastTimer(cpu int) int64 {
	if v, ok := s.lastTimer[cpu]; ok {
		return v
	}
	return maxExpiration
}

func (s *Scanner) parseTimerList(r io.Reader, obs *types.Observation) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	currentCPU := -1
	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(trimmed, "now at"):
			fields := strings.Fields(trimmed)
			if len(fields) >= 3 {
				if v, err := strconv.ParseInt(strings.TrimSuffix(fields[2], "nsecs"), 10, 64); err == nil {
					obs.Now = v
				}
			}

		case strings.HasPrefix(trimmed, "cpu:"):
			fields := strings.Fields(trimmed)
			if len(fields) >= 2 {
				if cpu, err := strconv.Atoi(fields[1]); err == nil {
					currentCPU = cpu
				}
			}

		case strings.HasPrefix(trimmed, "#"):
			// "#0: <struct hrtimer *>, fn, S:<state>" style entry; its
			// state marker alone decides whether it counts. A separate
			// "# expires at" line also lands here, carries no state
			// marker and is skipped, so a timer's expiration is not
			// checked.
			s.parseTimerEntryLine(trimmed, currentCPU, obs)

		case strings.Contains(trimmed, "expires at") || strings.Contains(trimmed, "expires_next"):
			s.parseExpiresLine(trimmed, currentCPU, obs)

		case strings.HasPrefix(trimmed, "Tick Device:"), strings.HasPrefix(trimmed, "tick_broadcast_device"):
			// tick-device record header. The mode and next_event lines
			// that follow are not parsed, so a tick device never marks
			// a CPU as having a pending timer.
		}
	}
	return sc.Err()
}

// parseTimerEntryLine looks for an inline state marker ("S:01" etc.) and,
// if the timer is enqueued (bit 0 set), records its CPU as having a
// pending timer. The timer's expiration is not looked at.
func (s *Scanner) parseTimerEntryLine(line string, cpu int, obs *types.Observation) {
	idx := strings.Index(line, "S:")
	if idx < 0 || cpu < 0 {
		return
	}
	stateStr := strings.Fields(line[idx+2:])
	if len(stateStr) == 0 {
		return
	}
	state, err := strconv.ParseInt(stateStr[0], 16, 64)
	if err != nil || state&1 == 0 {
		return // not enqueued
	}
	obs.TimersCPUs[cpu] = struct{}{}
}

// parseExpiresLine extracts a nanosecond expiration value from an
// "... expires at <n> nsecs ..." or "expires_next: <n>" style line.
func (s *Scanner) parseExpiresLine(line string, cpu int, obs *types.Observation) {
	if cpu < 0 {
		return
	}
	fields := strings.Fields(line)
	for i, f := range fields {
		v, err := strconv.ParseInt(strings.TrimSuffix(f, "nsecs"), 10, 64)
		if err != nil {
			continue
		}
		if v == maxExpiration {
			break
		}
		if i > 0 && v > obs.Now {
			obs.TimersCPUs[cpu] = struct{}{}
			cur := s.lastTimer[cpu]
			if cur == 0 || cur < obs.Now {
				cur = 0
			}
			if v > cur {
				s.lastTimer[cpu] = v
			}
		}
		break
	}
}
