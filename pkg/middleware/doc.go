/*
Package middleware runs requests through a fixed six-stage pipeline:

	beforeAgent -> beforeModel -> afterModel -> beforeTool -> afterTool -> afterAgent

Each middleware implements any subset of the stages; within a stage,
hooks run in registration order. State carries the request envelope, the
authenticated principal, and a values map shared across stages
(last-writer-wins). A hook error is wrapped with the middleware name and
stage, marks the state aborted, and skips everything after it. Stage and
per-hook timeouts are configured on the Chain.

# Built-in Middlewares

  - Authentication resolves bearer tokens, API keys, or handshake
    tokens into a Principal (beforeAgent).
  - RateLimit enforces a per-principal token bucket (beforeAgent,
    register after Authentication).
  - SecurityGuard blocks destructive arguments and out-of-root paths
    before the tool stage, and masks credentials in results after it.
  - LoadBalancer asks the router for an instance and records the pick
    in state; the proxy path owns outcome accounting.

The HTTP layer builds one Chain at startup and threads a fresh State
through it per request; routing handlers run the stages up to
beforeTool, dispatch the tool call, then finish with afterTool and
afterAgent.
*/
package middleware
