// Package router selects backend instances for incoming calls and
// proxies protocol envelopes to them.
//
// Route runs the registered rules over the request in priority order
// (highest first, insertion order on ties). A rule that matches applies
// exactly one action: Rewrite mutates the request before selection,
// Filter prunes the candidate set, and Pin short-circuits selection
// with a specific instance. Whatever survives the rule pass goes to the
// balancer, which picks one instance under the requested strategy.
//
// Proxy forwards one envelope to one instance and returns the backend's
// reply verbatim: a JSON-RPC error reply is a successful proxy call,
// not a gateway error. An open circuit breaker rejects the call before
// any transport work. Idempotent read-only methods are retried within
// the template's retry budget when the failure class is recoverable;
// everything else gets exactly one attempt.
//
// Proxy is also the single place call outcomes are reported from, so
// the breaker, balancer, and health monitor each see every call exactly
// once. Cancellations and gateway-side bookkeeping errors never count
// against the backend.
package router
