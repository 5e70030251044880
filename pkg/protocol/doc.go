/*
Package protocol implements the JSON-RPC 2.0 envelopes of the tool protocol.

The gateway relays client envelopes to backends verbatim, so this package
keeps ids, params, and results as raw JSON instead of decoding them into
typed structures. Only the envelope frame itself (jsonrpc, id, method,
result, error) is interpreted.

# Envelope Flavors

	{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}   request
	{"jsonrpc":"2.0","method":"notifications/initialized"}       notification
	{"jsonrpc":"2.0","id":1,"result":{...}}                      response
	{"jsonrpc":"2.0","id":1,"error":{"code":-32601,...}}         error response

Use Message.IsRequest, IsNotification, and IsResponse after Parse to
dispatch.

# ID Correlation

JSON-RPC ids may be strings or numbers. IDKey normalizes both into distinct
keyspaces so the number 1 and the string "1" never collide, and IDEqual is
the single comparison every adapter uses to match replies to requests.
IDGenerator produces the gateway's own ids (initialize, probes) as a
per-adapter atomic counter.

# Handshake

NewInitializeRequest, NewInitializedNotification, and ParseInitializeResult
implement the connect-time negotiation: the gateway sends initialize at the
template's protocol version, requires a result or error within the connect
deadline, then emits notifications/initialized.
*/
package protocol
