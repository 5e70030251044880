/*
Package transport adapts JSON-RPC envelopes onto the wires backends
actually speak.

# Adapters

Four adapter kinds exist, one per template transport:

  - stdio: the backend is a child process speaking newline-delimited JSON
    on its pipes. One request is outstanding at a time.
  - http: one POST per envelope against the template URL. Calls multiplex
    freely; streamable backends may answer with an inline event stream.
  - sse: POST to submit, a long-lived GET event stream for replies and
    server pushes. Replies correlate by id.
  - container: stdio semantics with the child running in a Docker
    container, attached over the daemon's hijacked stream.

All adapters run the same handshake in Connect: an initialize request that
must produce a result within ConnectTimeout, followed by the initialized
notification. Disconnect is idempotent; process-backed transports escalate
SIGTERM to SIGKILL after StopGracePeriod.

# Replies and Errors

SendAndReceive returns the peer's reply verbatim, error envelopes
included; deciding what a peer error means is the caller's job. Transport
problems surface as coded errors: Timeout and Canceled from the caller's
context, TransportFailure for broken pipes, unexpected exits, and HTTP
failures.

# Events

Adapters publish to the shared event bus with the instance id in every
payload: sent envelopes, received notifications and server-initiated
requests, captured stderr lines, and unexpected exits. Subscribers filter
by event type.

# Output Capture

Process-backed adapters keep the most recent DefaultLogLines lines of
backend output in a ring, retrievable through Logs for diagnostics.
*/
package transport
