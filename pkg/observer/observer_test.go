package observer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/abelits/isoman/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestParseTimerListFindsContaminatedCPU(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "timer_list"), `Timer List Version: v0.9
now at 1000000000 nsecs

cpu: 0
 clock 0:
  .base:       0
  .now:        1000000000
  active timers:
 #0: <ffff0>, tick_sched_timer, S:01
 # expires at 1000500000-1000500000 nsecs [in 500000 nsecs]
  .expires_next   : 9223372036854775807
  .max_expiry_interval : 400000000
cpu: 1
 clock 0:
 #0: <ffff1>, hrtimer_wakeup, S:00
 # expires at 1999999999 nsecs [in 999999999 nsecs]
`)

	s := NewScanner(root)
	obs, err := s.Scan()
	require.NoError(t, err)

	assert.EqualValues(t, 1000000000, obs.Now)
	_, cpu0Busy := obs.TimersCPUs[0]
	assert.True(t, cpu0Busy, "cpu 0 has an enqueued timer and should be contaminated")
	_, cpu1Busy := obs.TimersCPUs[1]
	assert.False(t, cpu1Busy, "cpu 1's only timer is not enqueued (S:00)")
}

func TestParseThreadsDecodesAffinityMask(t *testing.T) {
	root := t.TempDir()
	taskDir := filepath.Join(root, "123", "task", "123")
	writeFile(t, filepath.Join(taskDir, "status"), `Name:	worker
State:	R (running)
Cpus_allowed:	0000000f
voluntary_ctxt_switches:	10
nonvoluntary_ctxt_switches:	2
`)
	writeFile(t, filepath.Join(root, "timer_list"), "now at 0 nsecs\n")
	fields := make([]string, 52)
	for i := range fields {
		fields[i] = "0"
	}
	fields[1] = "(worker)"
	fields[38] = "2" // processor field (1-indexed 39)
	writeFile(t, filepath.Join(taskDir, "stat"), joinFields(fields))

	s := NewScanner(root)
	obs, err := s.Scan()
	require.NoError(t, err)

	info, ok := obs.Threads[types.TID{PID: 123, TID: 123}]
	require.True(t, ok)
	assert.Equal(t, 2, info.CurrentCPU)
	for _, cpu := range []int{0, 1, 2, 3} {
		_, allowed := info.Allowed[cpu]
		assert.True(t, allowed, "cpu %d should be in the allowed set", cpu)
	}
	assert.Equal(t, int64(10), info.VoluntaryCtxt)
	assert.Equal(t, int64(2), info.InvoluntaryCtxt)
}

func joinFields(fields []string) string {
	out := ""
	for i, f := range fields {
		if i > 0 {
			out += " "
		}
		out += f
	}
	return out + "\n"
}
