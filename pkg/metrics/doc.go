/*
Package metrics exposes rackpatch's Prometheus metrics and the component
health registry behind the /health and /ready endpoints.

# Metrics

	rackpatch_lock_acquire_total{lock,result}     synclock / fabric, acquired / contended
	rackpatch_lock_release_total{lock,result}
	rackpatch_store_retries_total{class}          failed statement groups by error class
	rackpatch_store_reconnects_total
	rackpatch_requests_total{status}
	rackpatch_step_progress_percent{request}
	rackpatch_dispatch_latency_seconds
	rackpatch_janitor_cycle_duration_seconds
	rackpatch_janitor_rows_total{action}
	rackpatch_events_dropped
	rackpatch_component_up{component}

Store metrics are updated directly by the executor. Lock and request
metrics are derived from broker events by a Collector, so the lock and
orchestration packages do not depend on Prometheus.

	broker := events.NewBroker()
	broker.Start()
	collector := metrics.NewCollector(broker)
	collector.Start()
	defer collector.Stop()

Timer measures an operation and records it in a histogram:

	timer := metrics.NewTimer()
	runCycle()
	timer.ObserveDuration(metrics.JanitorCycleDuration)

# Readiness

Components report their state with RegisterComponent and UpdateComponent,
which also set rackpatch_component_up{component} to 1 or 0. GetReadiness
is not_ready until every critical component (the store) is registered and
healthy. A Registry with its own critical set can be built with
NewRegistry for tests or embedding.
*/
package metrics
