/*
Package health tracks per-instance liveness for the gateway.

The Monitor runs one probe goroutine per keep-alive instance, firing an
immediate first probe and then ticking at the template's configured
interval. Managed instances are tracked passively: an external
supervisor reports heartbeats and no probe loop is started. The monitor
owns no transport: probes go through a ProbeFunc installed by the
service registry, which keeps the dependency one-way.

An instance starts healthy. Consecutive failures reaching the template's
failure threshold flip it unhealthy; a single success flips it back.
Flips fire the OnChange callback (the registry maps them to the
running⇄degraded state transition) and every failed check fires
OnProbeFailed.

# Rolling Statistics

Each instance keeps the last 64 check outcomes. StatsOf derives the
window error rate and p95/p99 latency (nearest-rank); Aggregates rolls
the whole monitor up for /health and the registry stats endpoint.

# Usage

	monitor := health.NewMonitor()
	monitor.SetProbeFunc(probeViaAdapter)
	monitor.OnChange(func(id string, healthy bool, msg string) {
		// flip running⇄degraded, publish serviceHealthChanged
	})

	monitor.Watch(inst.ID, tpl.ProbeSpec(), inst.Mode)
	defer monitor.Unwatch(inst.ID)

At most one probe is in flight per instance: CheckNow and the loop
serialize on a per-record mutex.
*/
package health
