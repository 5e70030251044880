package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/patchbay-dev/patchbay/pkg/errdefs"
	"github.com/patchbay-dev/patchbay/pkg/sandbox"
)

// Auth modes accepted by the gateway.
const (
	AuthModeNone  = "none"
	AuthModeToken = "token"
)

// Defaults applied by DefaultConfig.
const (
	DefaultHost           = "127.0.0.1"
	DefaultPort           = 8586
	DefaultStrategy       = "round-robin"
	DefaultRateRPS        = 50
	DefaultRateBurst      = 100
	DefaultRequestCeiling = 256
	DefaultLogLevel       = "info"
)

// RateLimitConfig bounds per-principal request rates.
type RateLimitConfig struct {
	RPS   float64 `json:"rps"`
	Burst int     `json:"burst"`
}

// CORSConfig controls cross-origin access to the HTTP surface.
type CORSConfig struct {
	Enabled bool     `json:"enabled"`
	Origins []string `json:"origins,omitempty"`
}

// AuthConfig lists statically configured credentials. Handshake-issued
// tokens live in memory only and are never persisted here.
type AuthConfig struct {
	APIKeys      []string `json:"apiKeys,omitempty"`
	BearerTokens []string `json:"bearerTokens,omitempty"`
}

// GatewayConfig is the persisted gateway configuration.
type GatewayConfig struct {
	Host     string     `json:"host"`
	Port     int        `json:"port"`
	AuthMode string     `json:"authMode"`
	Auth     AuthConfig `json:"auth"`

	RoutingStrategy string          `json:"routingStrategy"`
	RateLimit       RateLimitConfig `json:"rateLimit"`
	CORS            CORSConfig      `json:"cors"`

	Sandbox sandbox.PolicyConfig `json:"sandbox"`

	// RequestCeiling caps concurrently handled API requests. Zero means
	// the default; negative disables the ceiling.
	RequestCeiling int `json:"requestCeiling"`

	LogLevel string `json:"logLevel"`
	LogJSON  bool   `json:"logJson"`
}

// DefaultConfig returns the configuration used when no file exists yet.
func DefaultConfig() *GatewayConfig {
	return &GatewayConfig{
		Host:            DefaultHost,
		Port:            DefaultPort,
		AuthMode:        AuthModeNone,
		RoutingStrategy: DefaultStrategy,
		RateLimit:       RateLimitConfig{RPS: DefaultRateRPS, Burst: DefaultRateBurst},
		CORS:            CORSConfig{Enabled: false},
		RequestCeiling:  DefaultRequestCeiling,
		LogLevel:        DefaultLogLevel,
	}
}

// Normalize fills zero values with defaults. It never overrides an explicit
// setting.
func (c *GatewayConfig) Normalize() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.AuthMode == "" {
		c.AuthMode = AuthModeNone
	}
	if c.RoutingStrategy == "" {
		c.RoutingStrategy = DefaultStrategy
	}
	if c.RateLimit.RPS == 0 {
		c.RateLimit.RPS = DefaultRateRPS
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = DefaultRateBurst
	}
	if c.RequestCeiling == 0 {
		c.RequestCeiling = DefaultRequestCeiling
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}

// Validate checks the configuration, returning a Validation error naming
// the offending field.
func (c *GatewayConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return errdefs.Newf(errdefs.CodeValidation, "port %d out of range", c.Port)
	}
	if c.AuthMode != AuthModeNone && c.AuthMode != AuthModeToken {
		return errdefs.Newf(errdefs.CodeValidation, "unknown auth mode %q", c.AuthMode)
	}
	if c.RateLimit.RPS < 0 {
		return errdefs.Newf(errdefs.CodeValidation, "rateLimit.rps must not be negative")
	}
	if c.RateLimit.Burst < 0 {
		return errdefs.Newf(errdefs.CodeValidation, "rateLimit.burst must not be negative")
	}
	switch c.RoutingStrategy {
	case "round-robin", "least-connections", "weighted", "least-latency", "failover":
	default:
		return errdefs.Newf(errdefs.CodeValidation, "unknown routing strategy %q", c.RoutingStrategy)
	}
	return nil
}

// Addr returns the host:port the HTTP server binds.
func (c *GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ApplyEnvOverrides layers PATCHBAY_* environment variables over the file
// configuration. Invalid values are reported, not silently dropped.
func (c *GatewayConfig) ApplyEnvOverrides() error {
	if host := os.Getenv("PATCHBAY_HOST"); host != "" {
		c.Host = host
	}
	if port := os.Getenv("PATCHBAY_PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return errdefs.Newf(errdefs.CodeValidation, "PATCHBAY_PORT %q is not a number", port)
		}
		c.Port = n
	}
	if mode := os.Getenv("PATCHBAY_AUTH_MODE"); mode != "" {
		c.AuthMode = strings.ToLower(mode)
	}
	if level := os.Getenv("PATCHBAY_LOG_LEVEL"); level != "" {
		c.LogLevel = strings.ToLower(level)
	}
	return nil
}
