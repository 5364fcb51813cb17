package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SlotState is 1 for the (cpu, state) pair currently occupied by a
	// slot. A GaugeVec keeps every label pair ever set, so the manager
	// resets the vector each pass before setting the current pairs; a
	// state a slot has left is no longer exported.
	SlotState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "isoman_slot_state",
			Help: "Current worker-lifecycle state by reserved CPU (1 = current state)",
		},
		[]string{"cpu", "state"},
	)

	SlotsReservedTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "isoman_slots_reserved_total",
			Help: "Total number of CPU slots under manager control",
		},
	)

	SlotsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "isoman_slots_running",
			Help: "Number of slots currently in the RUNNING state",
		},
	)

	TimerContaminationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "isoman_timer_contamination_total",
			Help: "Total number of observer passes finding a pending timer on a reserved CPU",
		},
		[]string{"cpu"},
	)

	IsolationLossTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "isoman_isolation_loss_total",
			Help: "Total number of times a slot transitioned to LOST_ISOLATION",
		},
		[]string{"cpu"},
	)

	LaunchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "isoman_launch_latency_seconds",
			Help:    "Time from START_LAUNCH to START_LAUNCH_DONE",
			Buckets: prometheus.DefBuckets,
		},
	)

	RelaunchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "isoman_relaunch_latency_seconds",
			Help:    "Time from LOST_ISOLATION to the next START_LAUNCH",
			Buckets: prometheus.DefBuckets,
		},
	)

	PushAwayTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "isoman_push_away_total",
			Help: "Total number of foreign threads whose affinity was narrowed away from reserved CPUs",
		},
	)

	ObserverPassDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "isoman_observer_pass_duration_seconds",
			Help:    "Time taken to scan timer_list and /proc/*/task/*/{status,stat} for one pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	ControlCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "isoman_control_commands_total",
			Help: "Total number of control-socket commands handled, by verb and outcome",
		},
		[]string{"command", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(SlotState)
	prometheus.MustRegister(SlotsReservedTotal)
	prometheus.MustRegister(SlotsRunning)
	prometheus.MustRegister(TimerContaminationTotal)
	prometheus.MustRegister(IsolationLossTotal)
	prometheus.MustRegister(LaunchLatency)
	prometheus.MustRegister(RelaunchLatency)
	prometheus.MustRegister(PushAwayTotal)
	prometheus.MustRegister(ObserverPassDuration)
	prometheus.MustRegister(ControlCommandsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
