/*
Package balancer selects service instances within a group and tracks
per-instance outcome metrics.

Five strategies are supported: round-robin (per-group cursor),
least-connections (fewest in-flight, ties to the smallest ID), weighted
(proportional to the instance weight metadata), least-latency (lowest
EWMA round-trip, unmeasured instances rank at +inf), and failover
(first eligible in creation order).

Before a strategy runs, candidates are filtered for eligibility: the
instance must be running, its breaker closed, its last known health not
bad, and its balancer cooldown expired. When the filter removes every
candidate the raw set is used instead, so a browned-out group keeps
serving rather than failing hard and idle instances stay reachable for
first use to start them.

# Outcome Tracking

	b := balancer.New(balancer.Config{})

	b.Acquire(inst.ID)
	reply, err := adapter.SendAndReceive(ctx, msg)
	b.Release(inst.ID)
	b.ReportOutcome(inst.ID, time.Since(start), err != nil)

ReportOutcome folds successful-call latency into an EWMA with
α = 2/(window+1), window 10. A run of consecutive failures reaching the
threshold (default 3) marks the instance unhealthy and sidelines it for
the cooldown period (default 30s); MarkHealthy ends the cooldown early
when a probe sees the backend recover.
*/
package balancer
