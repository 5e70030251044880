/*
Package errdefs defines the error taxonomy shared across Patchbay.

Every failure the gateway can surface carries one of a fixed set of codes
(Validation, Unauthorized, Forbidden, NotFound, Conflict, RateLimited,
Timeout, Canceled, BackendError, TransportFailure, BreakerOpen,
NoServiceAvailable, Overloaded, Internal). The code string is stable: it is
what API clients switch on and what tests assert against.

# Usage

Creating and wrapping:

	return errdefs.Newf(errdefs.CodeNotFound, "template %q not found", name)

	if err != nil {
		return errdefs.Wrapf(err, errdefs.CodeTransportFailure,
			"instance %s (%s) connect failed", id, transport)
	}

Classifying:

	if errdefs.IsCode(err, errdefs.CodeBreakerOpen) {
		// short-circuit retries
	}
	status := errdefs.HTTPStatus(err)

Wraps preserve the cause, so errors.Is and errors.As keep working through
coded layers. FromError normalizes foreign errors: context deadline and
cancellation map to Timeout and Canceled, anything else to Internal.

Recoverable marks classes a caller may retry (Timeout, RateLimited,
TransportFailure, Overloaded); the flag is serialized in API error
envelopes.
*/
package errdefs
