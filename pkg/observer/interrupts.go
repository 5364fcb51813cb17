package observer

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// InterruptCounts parses a /proc/interrupts snapshot for the named vector
// line (e.g. "LOC" for the local APIC timer, or a numeric IRQ number) and
// returns its per-CPU count column. This backs the irqcount diagnostic
// named in spec §1 as an out-of-scope external collaborator specified
// only at the interface level: a narrow, independent confirmation that a
// reserved CPU's interrupt counters have actually stopped moving.
func InterruptCounts(r io.Reader, vector string) ([]int64, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	if !sc.Scan() {
		return nil, fmt.Errorf("observer: empty /proc/interrupts")
	}
	nCPU := len(strings.Fields(sc.Text()))

	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		label := strings.TrimSuffix(fields[0], ":")
		if !strings.EqualFold(label, vector) {
			continue
		}
		counts := make([]int64, 0, nCPU)
		for _, f := range fields[1:] {
			v, err := strconv.ParseInt(f, 10, 64)
			if err != nil {
				break // first non-numeric field ends the per-CPU columns
			}
			counts = append(counts, v)
		}
		return counts, nil
	}
	return nil, fmt.Errorf("observer: vector %q not found", vector)
}
