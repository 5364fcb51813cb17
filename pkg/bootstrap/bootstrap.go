// Package bootstrap wires together the pieces spec §6 leaves to "the
// implementation": CPU enumeration and environment resolution, per-CPU
// ring channel allocation, the control socket's filesystem conventions,
// and constructing a Manager ready for Run.
package bootstrap

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/abelits/isoman/pkg/kernel"
	"github.com/abelits/isoman/pkg/log"
	"github.com/abelits/isoman/pkg/manager"
	"github.com/abelits/isoman/pkg/ring"
	"gopkg.in/yaml.v3"
)

// DefaultSubsetFile is the path spec §6 names for CPU_SUBSET_ID lookups.
const DefaultSubsetFile = "/etc/cpu_subsets"

// DefaultRegionSize is the per-direction shared-channel size used when a
// caller does not override it. Large enough for several in-flight
// protocol messages plus a PRINT line without the writer ever observing
// ErrWouldBlock in normal operation.
const DefaultRegionSize = 4096

// Config holds everything needed to construct a running Manager.
type Config struct {
	// SubsetFile is the YAML file CPU_SUBSET_ID is resolved against.
	// Empty means DefaultSubsetFile.
	SubsetFile string
	// RegionSize is the per-direction ring channel size. Zero means
	// DefaultRegionSize.
	RegionSize int
	// ProcRoot is passed to kernel.NewLinuxAdapter; empty means "/proc".
	ProcRoot string
	// ManagerConfig overrides the manager's timeouts; the zero value
	// means manager.DefaultConfig().
	ManagerConfig *manager.Config
}

// Bootstrap resolves the reserved CPU set from the environment, allocates
// a ring channel pair per CPU, and constructs a Manager over them. It
// does not start Run or the control socket; callers (cmd/isoman manager)
// own that lifecycle so they can wire shutdown signals around it.
func Bootstrap(cfg Config) (*manager.Manager, error) {
	subsetFile := cfg.SubsetFile
	if subsetFile == "" {
		subsetFile = DefaultSubsetFile
	}
	regionSize := cfg.RegionSize
	if regionSize == 0 {
		regionSize = DefaultRegionSize
	}
	procRoot := cfg.ProcRoot
	if procRoot == "" {
		procRoot = "/proc"
	}

	cpus, err := ResolveCPUSet(os.Getenv, subsetFile)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: resolve cpu set: %w", err)
	}
	if len(cpus) == 0 {
		return nil, fmt.Errorf("bootstrap: resolved an empty CPU set")
	}
	log.WithComponent("bootstrap").Info().Ints("cpus", cpus).Msg("reserved CPU set resolved")

	channels, err := AllocateChannels(cpus, regionSize)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: allocate channels: %w", err)
	}

	adapter := kernel.NewLinuxAdapter(procRoot)

	mgrCfg := manager.DefaultConfig()
	if cfg.ManagerConfig != nil {
		mgrCfg = *cfg.ManagerConfig
	}
	mgr := manager.New(mgrCfg, adapter, channels)

	return mgr, nil
}

// ResolveCPUSet applies spec §6's environment rules: CPU_SUBSET overrides
// inline, else CPU_SUBSET_ID names a row in subsetFile, else every
// isolation-capable CPU the kernel reports is used.
func ResolveCPUSet(getenv func(string) string, subsetFile string) ([]int, error) {
	if inline := getenv("CPU_SUBSET"); inline != "" {
		cpus, err := parseCPUList(inline)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: CPU_SUBSET: %w", err)
		}
		return cpus, nil
	}

	if id := getenv("CPU_SUBSET_ID"); id != "" {
		subsets, err := loadSubsetFile(subsetFile)
		if err != nil {
			return nil, err
		}
		cpus, ok := subsets[id]
		if !ok {
			return nil, fmt.Errorf("bootstrap: CPU_SUBSET_ID %q not found in %s", id, subsetFile)
		}
		return cpus, nil
	}

	return AllIsolationCapableCPUs(), nil
}

// AllIsolationCapableCPUs reports every CPU runtime.NumCPU sees. Spec §1
// calls out that not every CPU a kernel reports can necessarily enter
// isolation mode (e.g. CPU 0 on many configurations); distinguishing that
// requires reading boot-time isolcpus/nohz_full state this module has no
// portable way to parse, so the full online set is used and a CPU that
// genuinely cannot isolate simply reports START_LAUNCH_FAILURE at launch
// time, which the manager already treats as a normal, retried condition.
func AllIsolationCapableCPUs() []int {
	n := runtime.NumCPU()
	cpus := make([]int, n)
	for i := range cpus {
		cpus[i] = i
	}
	return cpus
}

func loadSubsetFile(path string) (map[string][]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: read %s: %w", path, err)
	}
	var subsets map[string][]int
	if err := yaml.Unmarshal(data, &subsets); err != nil {
		return nil, fmt.Errorf("bootstrap: parse %s: %w", path, err)
	}
	return subsets, nil
}

// parseCPUList parses a comma-separated list of CPU numbers and
// "lo-hi" ranges, e.g. "2,4-6,9".
func parseCPUList(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if dash := strings.IndexByte(part, '-'); dash >= 0 {
			lo, err := strconv.Atoi(part[:dash])
			if err != nil {
				return nil, fmt.Errorf("bad range %q: %w", part, err)
			}
			hi, err := strconv.Atoi(part[dash+1:])
			if err != nil {
				return nil, fmt.Errorf("bad range %q: %w", part, err)
			}
			if hi < lo {
				return nil, fmt.Errorf("bad range %q: end before start", part)
			}
			for c := lo; c <= hi; c++ {
				out = append(out, c)
			}
			continue
		}
		c, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("bad entry %q: %w", part, err)
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty CPU list")
	}
	return out, nil
}

// AllocateChannels builds the manager<->worker ring channel pair for each
// reserved CPU, named in spec §6 as a "/isol_server_CPU<n>" shared-memory
// segment. These regions are plain in-process byte slices rather than
// POSIX shared memory: spec §9's "pointer-graph channel descriptors" are
// simplified to ordinary Go pointers because a worker here is a goroutine
// in the same process, not a separate process mapping the same segment
// (see DESIGN.md).
func AllocateChannels(cpus []int, regionSize int) (map[int][2]*ring.Region, error) {
	out := make(map[int][2]*ring.Region, len(cpus))
	for _, cpu := range cpus {
		toWorker, err := ring.NewRegion(regionSize)
		if err != nil {
			return nil, fmt.Errorf("allocate manager->worker region for cpu %d: %w", cpu, err)
		}
		toManager, err := ring.NewRegion(regionSize)
		if err != nil {
			return nil, fmt.Errorf("allocate worker->manager region for cpu %d: %w", cpu, err)
		}
		out[cpu] = [2]*ring.Region{toWorker, toManager}
	}
	return out, nil
}
