// Package client is the Go client for the gateway's HTTP API, used by the
// patchbay CLI and usable by any program that manages a gateway.
//
// A Client is cheap to construct and safe for concurrent use:
//
//	c := client.NewClient("127.0.0.1:8586", client.WithAPIKey(key))
//	tpl, created, err := c.RegisterTemplate(&types.ServiceTemplate{...})
//
// Methods mirror the API one to one: templates (list, register, remove,
// scale, diagnose), services (list, create, get, remove, logs), gateway
// config, and health. Credentials are attached per request; pass
// WithBearerToken or WithAPIKey when the gateway runs in token auth mode.
//
// Error responses come back as coded errors, so a caller can distinguish
// a 404 from a validation failure:
//
//	if errdefs.CodeOf(err) == errdefs.CodeNotFound { ... }
//
// Transport-level failures (gateway not running, connection refused) are
// TransportFailure; responses that are not the gateway's error envelope
// are BackendError.
package client
