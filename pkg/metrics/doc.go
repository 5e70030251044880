/*
Package metrics provides Prometheus metrics collection and exposition for
Patchbay.

All collectors are package-level variables registered against the default
registry at init, so any package can instrument its hot path with a plain
function call and the /metrics endpoint picks the series up automatically.

# Metric Categories

  - API surface: request counts and latency by method and status
  - Routing: route decisions, proxied calls, retries, proxy latency
  - Registry: template and instance gauges by lifecycle state
  - Health: probe counts, probe latency, healthy instance gauge
  - Breaker: transition counts and currently open breakers
  - Events: published/dropped event counts, SSE subscriber gauge
  - Auth: rejected authentications and rate-limited requests

# Usage

	timer := metrics.NewTimer()
	reply, err := adapter.SendAndReceive(ctx, msg)
	timer.ObserveDurationVec(metrics.ProxyDuration, string(kind))

	metrics.ProxyRequestsTotal.WithLabelValues(string(kind), outcome).Inc()

Gauges that mirror registry population (templates, instances by state,
healthy instances, open breakers) are refreshed by a Collector polling a
StatsSource every 15 seconds:

	collector := metrics.NewCollector(registry)
	collector.Start()
	defer collector.Stop()

# Exposition

	mux.Handle("GET /metrics", metrics.Handler())

The handler is promhttp.Handler() and includes Go runtime metrics.
*/
package metrics
