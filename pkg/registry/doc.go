// Package registry is the control plane of the gateway: it owns the
// template catalog and every live service instance, and wires health
// monitoring, circuit breaking, and load balancing around them.
//
// Templates enter through Register, which normalizes, validates, and runs
// them past the sandbox policy before persisting; untrusted stdio
// templates come out the other side rewritten to container transport.
// CreateInstance freezes a template into a ServiceInstance with its env
// references resolved once at creation, assigns the instance ID, and
// starts health monitoring.
//
// The registry also owns the adapter pool. EnsureConnected returns the
// instance's connected transport adapter, building and connecting one on
// first use; concurrent callers for the same instance share a single
// connect attempt. The initialize exchange is retried with exponential
// backoff up to the template's retry budget, and an instance that never
// got past starting moves to error when the budget runs out. Established
// instances keep their state on later transport failures: DropAdapter
// evicts the broken adapter and the next EnsureConnected starts fresh.
//
// Health results flow back in through callbacks. A probe flip moves the
// instance between running and degraded and republishes to the event bus;
// a recovery also clears the balancer's cooldown so traffic returns.
// Breaker transitions surface the same way. Nothing else in the process
// needs to poll for these; subscribing to the bus is enough.
package registry
