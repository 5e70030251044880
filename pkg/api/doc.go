/*
Package api implements the gateway's HTTP surface.

One server carries four concerns: the admin API for templates, services,
and gateway config; the routing endpoints that answer placement questions
and relay JSON-RPC envelopes to backends; the server-sent-events stream of
gateway lifecycle events; and the health and Prometheus metrics endpoints.

# Request path

Every request passes the same middleware stack: access logging with
request metrics, panic recovery, CORS, the credential gate (token auth
mode only), and the concurrency ceiling. The routing endpoints
additionally run the pipeline stages from pkg/middleware, so chain
middlewares such as authentication, rate limiting, the security guard,
and the balancer apply to tool traffic:

	POST /api/route   beforeAgent … beforeTool, then answer the decision
	POST /api/proxy   beforeAgent … beforeTool, dispatch, afterTool …

Errors anywhere on the path render the standard envelope

	{"code": "...", "message": "...", "meta": {...}, "recoverable": true}

with the HTTP status derived from the code: 400 validation, 401
unauthenticated, 403 forbidden, 404 missing, 409 conflict, 429 rate
limited, 503 for no-service/breaker-open/overloaded/transport failures,
500 otherwise.

# Event stream

GET /api/events streams the process-wide event bus. A subscriber names
the event classes it wants with ?types=a,b and receives one SSE frame
per event, id field included when the event carries one. Slow consumers
lose events rather than slowing the gateway; a terminal close event ends
every stream on shutdown.

# Pairing handshake

Browser clients without configured credentials pair through
POST /api/auth/handshake/start and …/complete: the client proves
knowledge of the rotating code printed to the gateway log without
sending it, and receives a ten-minute LocalMCP token bound to its
origin. The handshake endpoints stay outside the credential gate.
*/
package api
