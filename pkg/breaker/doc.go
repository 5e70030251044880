/*
Package breaker implements per-instance circuit breaking for proxied
tool calls.

Every service instance gets its own circuit, created lazily in the
closed state. Call outcomes feed a time-bounded rolling window; when the
window holds enough samples and the error rate crosses the threshold,
the circuit opens and rejects traffic until a sleep window elapses. The
first call after the sleep window moves the circuit to half-open, where
probe calls are admitted: a run of consecutive successes closes it, any
failure reopens it and restarts the sleep window.

# State Machine

	          error rate ≥ threshold
	closed ───────────────────────────► open
	  ▲                                   │
	  │ successes ≥ SuccessThreshold      │ sleep window elapses
	  │                                   ▼
	  └──────────────────────────── half-open
	                 │
	                 └── any failure ──► open

Defaults: 10-call volume threshold, 50% error rate, 30s sleep window,
3 probe successes to close, 10s rolling window.

# Usage

	breakers := breaker.New(breaker.DefaultSettings())
	breakers.OnTransition(func(id string, from, to breaker.State) {
		// publish breakerStateChanged, bump metrics
	})

	if err := breakers.Allow(inst.ID); err != nil {
		return err // errdefs.CodeBreakerOpen, maps to 503
	}
	reply, err := adapter.SendAndReceive(ctx, msg)
	if err != nil {
		breakers.RecordFailure(inst.ID)
	} else {
		breakers.RecordSuccess(inst.ID)
	}

Half-open admits concurrent probes rather than serializing them; the
first failure among them reopens the circuit.
*/
package breaker
