package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/patchbay-dev/patchbay/pkg/errdefs"
	"github.com/patchbay-dev/patchbay/pkg/metrics"
)

// Authentication methods recorded on the principal
const (
	MethodBearer    = "bearer"
	MethodAPIKey    = "apikey"
	MethodHandshake = "handshake"
	MethodAnonymous = "anonymous"
)

// Principal identifies an authenticated caller
type Principal struct {
	ID          string   `json:"id"`
	Method      string   `json:"method"`
	Permissions []string `json:"permissions,omitempty"`
}

// Anonymous is the principal attached when auth mode is "none"
var Anonymous = &Principal{ID: "anonymous", Method: MethodAnonymous}

// IssuedToken is a short-lived token minted by the pairing handshake
type IssuedToken struct {
	Token     string    `json:"token"`
	Origin    string    `json:"origin"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Store validates static credentials from the gateway config and tracks
// tokens issued through the pairing handshake.
type Store struct {
	mu      sync.RWMutex
	apiKeys map[string]bool
	bearer  map[string]bool
	issued  map[string]*IssuedToken
}

// NewStore creates a credential store seeded with the configured static
// API keys and bearer tokens.
func NewStore(apiKeys, bearerTokens []string) *Store {
	s := &Store{issued: make(map[string]*IssuedToken)}
	s.SetCredentials(apiKeys, bearerTokens)
	return s
}

// SetCredentials replaces the static credential sets. Issued handshake
// tokens survive a credential reload.
func (s *Store) SetCredentials(apiKeys, bearerTokens []string) {
	keys := make(map[string]bool, len(apiKeys))
	for _, k := range apiKeys {
		if k != "" {
			keys[k] = true
		}
	}
	tokens := make(map[string]bool, len(bearerTokens))
	for _, t := range bearerTokens {
		if t != "" {
			tokens[t] = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKeys = keys
	s.bearer = tokens
}

// Authenticate resolves request credentials to a principal. Precedence
// is Bearer, then X-API-Key, then LocalMCP handshake tokens. Supplying
// both a bearer token and an API key is rejected outright.
func (s *Store) Authenticate(authorization, apiKey string) (*Principal, error) {
	authorization = strings.TrimSpace(authorization)
	bearer, hasBearer := strings.CutPrefix(authorization, "Bearer ")
	local, hasLocal := strings.CutPrefix(authorization, "LocalMCP ")

	if hasBearer && apiKey != "" {
		metrics.AuthFailuresTotal.Inc()
		return nil, errdefs.New(errdefs.CodeValidation, "both bearer token and API key supplied")
	}

	var (
		p   *Principal
		err error
	)
	switch {
	case hasBearer:
		p, err = s.ValidateBearer(strings.TrimSpace(bearer))
	case apiKey != "":
		p, err = s.ValidateAPIKey(apiKey)
	case hasLocal:
		p, err = s.ValidateIssued(strings.TrimSpace(local))
	default:
		err = errdefs.New(errdefs.CodeUnauthorized, "missing credentials")
	}
	if err != nil {
		metrics.AuthFailuresTotal.Inc()
		return nil, err
	}
	return p, nil
}

// ValidateBearer checks a static bearer token
func (s *Store) ValidateBearer(token string) (*Principal, error) {
	s.mu.RLock()
	ok := s.bearer[token]
	s.mu.RUnlock()
	if !ok {
		return nil, errdefs.New(errdefs.CodeUnauthorized, "invalid bearer token")
	}
	return &Principal{ID: "bearer-" + Fingerprint(token), Method: MethodBearer}, nil
}

// ValidateAPIKey checks a static API key
func (s *Store) ValidateAPIKey(key string) (*Principal, error) {
	s.mu.RLock()
	ok := s.apiKeys[key]
	s.mu.RUnlock()
	if !ok {
		return nil, errdefs.New(errdefs.CodeUnauthorized, "invalid API key")
	}
	return &Principal{ID: "key-" + Fingerprint(key), Method: MethodAPIKey}, nil
}

// ValidateIssued checks a handshake-minted token
func (s *Store) ValidateIssued(token string) (*Principal, error) {
	s.mu.RLock()
	it, exists := s.issued[token]
	s.mu.RUnlock()

	if !exists {
		return nil, errdefs.New(errdefs.CodeUnauthorized, "invalid token")
	}
	if time.Now().After(it.ExpiresAt) {
		return nil, errdefs.New(errdefs.CodeUnauthorized, "token expired")
	}
	return &Principal{ID: it.Origin, Method: MethodHandshake}, nil
}

// Issue mints a random token bound to an origin
func (s *Store) Issue(origin string, ttl time.Duration) (*IssuedToken, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, errdefs.Wrap(err, errdefs.CodeInternal, "failed to generate token")
	}

	it := &IssuedToken{
		Token:     hex.EncodeToString(buf),
		Origin:    origin,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(ttl),
	}

	s.mu.Lock()
	s.issued[it.Token] = it
	s.mu.Unlock()
	return it, nil
}

// Revoke discards an issued token
func (s *Store) Revoke(token string) {
	s.mu.Lock()
	delete(s.issued, token)
	s.mu.Unlock()
}

// CleanupExpired removes expired issued tokens
func (s *Store) CleanupExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for token, it := range s.issued {
		if now.After(it.ExpiresAt) {
			delete(s.issued, token)
		}
	}
}

// IssuedCount returns the number of live issued tokens
func (s *Store) IssuedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.issued)
}

// Fingerprint returns a short non-reversible identifier for a secret,
// safe to use in logs and rate-limit buckets.
func Fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:4])
}
