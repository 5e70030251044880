package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/pbkdf2"

	"github.com/patchbay-dev/patchbay/pkg/errdefs"
	"github.com/patchbay-dev/patchbay/pkg/log"
	"github.com/patchbay-dev/patchbay/pkg/metrics"
)

// Handshake lifecycle tuning
const (
	// HandshakeTTL bounds how long a started handshake may be completed
	HandshakeTTL = time.Minute
	// TokenTTL is the lifetime of tokens minted by a completed handshake
	TokenTTL = 10 * time.Minute
	// CodeRotationInterval is how often the pairing code rotates and is
	// printed to the gateway log
	CodeRotationInterval = 5 * time.Minute

	pbkdf2Iterations = 4096
	saltLength       = 16
)

// Handshake is a pending pairing attempt bound to an origin
type Handshake struct {
	ID        string
	Origin    string
	Salt      []byte
	code      string // pairing code captured when the handshake started
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Handshakes runs the local pairing flow: a client reads the rotating
// code from the gateway log, starts a handshake to obtain a salt, and
// proves knowledge of the code without sending it.
type Handshakes struct {
	mu      sync.Mutex
	pending map[string]*Handshake
	code    string
	store   *Store
	logger  zerolog.Logger
}

// NewHandshakes creates the handshake manager and generates the first
// pairing code.
func NewHandshakes(store *Store) *Handshakes {
	h := &Handshakes{
		pending: make(map[string]*Handshake),
		store:   store,
		logger:  log.WithComponent("auth"),
	}
	h.rotate()
	return h
}

// Run rotates the pairing code every interval and sweeps expired state
// until the context is canceled.
func (h *Handshakes) Run(ctx context.Context) {
	ticker := time.NewTicker(CodeRotationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.rotate()
			h.sweep()
			h.store.CleanupExpired()
		case <-ctx.Done():
			return
		}
	}
}

// CurrentCode returns the active pairing code
func (h *Handshakes) CurrentCode() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.code
}

// Begin starts a handshake for an origin and returns the challenge salt
func (h *Handshakes) Begin(origin string) (*Handshake, error) {
	if origin == "" {
		return nil, errdefs.New(errdefs.CodeValidation, "origin is required")
	}

	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, errdefs.Wrap(err, errdefs.CodeInternal, "failed to generate salt")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	hs := &Handshake{
		ID:        uuid.NewString(),
		Origin:    origin,
		Salt:      salt,
		code:      h.code,
		CreatedAt: now,
		ExpiresAt: now.Add(HandshakeTTL),
	}
	h.pending[hs.ID] = hs
	return hs, nil
}

// Complete verifies the proof and mints a token. The proof must be
// computed against the code that was active when the handshake began.
func (h *Handshakes) Complete(id, origin, proof string) (*IssuedToken, error) {
	h.mu.Lock()
	hs, ok := h.pending[id]
	if ok {
		delete(h.pending, id)
	}
	h.mu.Unlock()

	if !ok {
		metrics.AuthFailuresTotal.Inc()
		return nil, errdefs.New(errdefs.CodeUnauthorized, "unknown handshake")
	}
	if time.Now().After(hs.ExpiresAt) {
		metrics.AuthFailuresTotal.Inc()
		return nil, errdefs.New(errdefs.CodeUnauthorized, "handshake expired")
	}
	if origin != hs.Origin {
		metrics.AuthFailuresTotal.Inc()
		return nil, errdefs.New(errdefs.CodeUnauthorized, "origin mismatch")
	}

	expected := ComputeProof(hs.code, hs.Salt, origin, id)
	if !hmac.Equal([]byte(proof), []byte(expected)) {
		metrics.AuthFailuresTotal.Inc()
		return nil, errdefs.New(errdefs.CodeUnauthorized, "invalid proof")
	}

	token, err := h.store.Issue(origin, TokenTTL)
	if err != nil {
		return nil, err
	}
	h.logger.Info().
		Str("origin", origin).
		Time("expires_at", token.ExpiresAt).
		Msg("Pairing handshake completed")
	return token, nil
}

// ComputeProof derives the handshake proof: hex HMAC-SHA256 over
// origin || handshakeID keyed by PBKDF2(code, salt). Exported so clients
// and tests share one implementation.
func ComputeProof(code string, salt []byte, origin, handshakeID string) string {
	key := pbkdf2.Key([]byte(code), salt, pbkdf2Iterations, 32, sha256.New)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(origin))
	mac.Write([]byte(handshakeID))
	return hex.EncodeToString(mac.Sum(nil))
}

// rotate generates a fresh pairing code and prints it to the log
func (h *Handshakes) rotate() {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		h.logger.Error().Err(err).Msg("Failed to rotate pairing code")
		return
	}
	code := hex.EncodeToString(buf)

	h.mu.Lock()
	h.code = code
	h.mu.Unlock()

	h.logger.Info().
		Str("code", code).
		Msg("Pairing code rotated")
}

// sweep drops expired pending handshakes
func (h *Handshakes) sweep() {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	for id, hs := range h.pending {
		if now.After(hs.ExpiresAt) {
			delete(h.pending, id)
		}
	}
}
