/*
Package auth validates gateway credentials and runs the local pairing
handshake.

Three credential kinds are accepted, in precedence order: static bearer
tokens (Authorization: Bearer), static API keys (X-API-Key), and
short-lived handshake tokens (Authorization: LocalMCP). Supplying both
a bearer token and an API key on one request is ambiguous and rejected.
Static credentials come from the gateway config; handshake tokens are
minted by the pairing flow below and expire after ten minutes.

# Pairing Handshake

A local client pairs without pre-shared config by proving it can read
the gateway log:

 1. The gateway rotates a 6-hex-digit pairing code every five minutes
    and prints it to its log.
 2. The client POSTs its origin to handshake/start and receives
    {handshakeId, salt, expiresAt}; the handshake is valid for one
    minute and bound to the origin.
 3. The client derives key = PBKDF2(code, salt) and sends
    proof = hex(HMAC-SHA256(key, origin ‖ handshakeId)).
 4. A valid proof mints a LocalMCP token for that origin.

The code active when a handshake begins is the one it verifies against,
so a rotation mid-handshake never invalidates it. Handshakes are
single-use.

Principals carry a fingerprint-based ID (never the raw secret), which
doubles as the rate limiter's bucket key.
*/
package auth
