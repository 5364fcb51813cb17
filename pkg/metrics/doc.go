/*
Package metrics provides Prometheus metrics collection and exposition for
the CPU isolation manager.

The metrics package defines and registers all manager metrics using the
Prometheus client library, giving observability into slot state, timer
contamination, and push-away activity. Metrics are exposed via an HTTP
endpoint for scraping by a Prometheus server.

# Metrics Catalog

isoman_slot_state{cpu, state}:
  - Type: Gauge
  - Description: 1 for the state a slot currently occupies
  - Labels: cpu, state

isoman_slots_reserved_total:
  - Type: Gauge
  - Description: Total number of CPU slots under manager control

isoman_slots_running:
  - Type: Gauge
  - Description: Number of slots currently in the RUNNING state

isoman_timer_contamination_total{cpu}:
  - Type: Counter
  - Description: Observer passes finding a pending timer on a reserved CPU

isoman_isolation_loss_total{cpu}:
  - Type: Counter
  - Description: Transitions into LOST_ISOLATION

isoman_launch_latency_seconds:
  - Type: Histogram
  - Description: Time from START_LAUNCH to START_LAUNCH_DONE

isoman_relaunch_latency_seconds:
  - Type: Histogram
  - Description: Time from LOST_ISOLATION to the next START_LAUNCH

isoman_push_away_total:
  - Type: Counter
  - Description: Foreign threads whose affinity was narrowed away from reserved CPUs

isoman_observer_pass_duration_seconds:
  - Type: Histogram
  - Description: Time taken to scan timer_list and /proc/<pid>/task/<tid>/{status,stat}

isoman_control_commands_total{command, outcome}:
  - Type: Counter
  - Description: Control-socket commands handled, by verb and outcome

# Usage

	timer := metrics.NewTimer()
	obs, err := adapter.Observe(ctx)
	timer.ObserveDuration(metrics.ObserverPassDuration)

	metrics.SlotState.WithLabelValues("3", "RUNNING").Set(1)

	http.Handle("/metrics", metrics.Handler())

# See Also

  - Prometheus client library: https://github.com/prometheus/client_golang
*/
package metrics
