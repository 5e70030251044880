package types

import (
	"time"
)

// Transport identifies how the gateway speaks the tool protocol to a backend.
type Transport string

const (
	TransportStdio     Transport = "stdio"
	TransportHTTP      Transport = "http"
	TransportSSE       Transport = "sse"
	TransportContainer Transport = "container"
)

// TrustLevel classifies how much a template's code is trusted.
type TrustLevel string

const (
	TrustTrusted   TrustLevel = "trusted"
	TrustPartner   TrustLevel = "partner"
	TrustUntrusted TrustLevel = "untrusted"
)

// NetworkPolicy controls network access for sandboxed backends.
type NetworkPolicy string

const (
	NetworkInherit   NetworkPolicy = "inherit"
	NetworkBlocked   NetworkPolicy = "blocked"
	NetworkLocalOnly NetworkPolicy = "local-only"
	NetworkFull      NetworkPolicy = "full"
)

// DefaultProtocolVersion is negotiated during the initialize exchange when a
// template does not pin one.
const DefaultProtocolVersion = "2025-03-26"

// Default template values applied by Normalize.
const (
	DefaultTimeoutMs        = 30000
	DefaultProbeIntervalMs  = 30000
	DefaultProbeTimeoutMs   = 5000
	DefaultFailureThreshold = 3
	DefaultProbeMethod      = "tools/list"
)

// ServiceTemplate is a reusable recipe for spawning a backend server.
// Templates are immutable once stored; replacing one is a whole-body swap.
type ServiceTemplate struct {
	Name            string    `json:"name"`
	ProtocolVersion string    `json:"protocolVersion,omitempty"`
	Transport       Transport `json:"transport"`

	// Launch specification (stdio and container transports)
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	WorkingDir string            `json:"workingDir,omitempty"`

	// Endpoint specification (http and sse transports)
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	Timeout int `json:"timeout,omitempty"` // Per-call deadline in milliseconds
	Retries int `json:"retries,omitempty"` // Idempotent-call retry budget

	HealthCheck *HealthCheckSpec `json:"healthCheck,omitempty"`
	Container   *ContainerSpec   `json:"container,omitempty"`
	Security    *SecuritySpec    `json:"security,omitempty"`
}

// HealthCheckSpec configures the periodic liveness probe for instances of a
// template.
type HealthCheckSpec struct {
	Method           string `json:"method,omitempty"`   // Probe envelope method (default "tools/list")
	Interval         int    `json:"interval,omitempty"` // Milliseconds between probes
	Timeout          int    `json:"timeout,omitempty"`  // Per-probe deadline in milliseconds
	FailureThreshold int    `json:"failureThreshold,omitempty"`
}

// ContainerSpec describes how a containerized backend is launched.
type ContainerSpec struct {
	Image          string        `json:"image"`
	Volumes        []VolumeMount `json:"volumes,omitempty"`
	Ports          []PortMapping `json:"ports,omitempty"`
	Network        NetworkPolicy `json:"network,omitempty"`
	ReadOnlyRootfs bool          `json:"readOnlyRootfs,omitempty"`
	CPULimit       float64       `json:"cpuLimit,omitempty"` // Cores (0.5 = half a core)
	MemoryLimitMB  int64         `json:"memoryLimitMb,omitempty"`
}

// PortMapping publishes a container port on the host loopback. Backends
// that expose an inspector or debug endpoint alongside the tool protocol
// use this to make it reachable.
type PortMapping struct {
	HostPort      int `json:"hostPort"`
	ContainerPort int `json:"containerPort"`
}

// VolumeMount maps a host path into a container backend.
type VolumeMount struct {
	HostPath      string `json:"hostPath"`
	ContainerPath string `json:"containerPath"`
	ReadOnly      bool   `json:"readOnly,omitempty"`
}

// SecuritySpec carries the trust and confinement settings of a template.
type SecuritySpec struct {
	TrustLevel        TrustLevel    `json:"trustLevel,omitempty"`
	RequireContainer  bool          `json:"requireContainer,omitempty"`
	Network           NetworkPolicy `json:"network,omitempty"`
	AllowPlaintextEnv bool          `json:"allowPlaintextEnv,omitempty"`
}

// InstanceState represents the lifecycle state of a service instance.
type InstanceState string

const (
	StateIdle     InstanceState = "idle"
	StateStarting InstanceState = "starting"
	StateRunning  InstanceState = "running"
	StateDegraded InstanceState = "degraded"
	StateStopping InstanceState = "stopping"
	StateStopped  InstanceState = "stopped"
	StateError    InstanceState = "error"
)

// InstanceMode selects who owns an instance's lifecycle.
type InstanceMode string

const (
	// ModeKeepAlive means the gateway probes the instance and keeps it up.
	ModeKeepAlive InstanceMode = "keep-alive"

	// ModeManaged means an external system owns the lifecycle; the gateway
	// only forwards traffic and accepts heartbeats.
	ModeManaged InstanceMode = "managed"
)

// Metadata keys maintained on instances.
const (
	MetaMode           = "mode"
	MetaLastProbeError = "lastProbeError"
	MetaWeight         = "weight"

	// MetaTransitionPrefix prefixes per-state transition timestamps, e.g.
	// "transition:running" → RFC 3339 time the instance last entered running.
	MetaTransitionPrefix = "transition:"
)

// ServiceInstance is a running (or pending) realization of a template.
// The embedded template is a frozen copy with env references resolved at
// creation time.
type ServiceInstance struct {
	ID         string            `json:"id"`
	Template   ServiceTemplate   `json:"template"`
	State      InstanceState     `json:"state"`
	Mode       InstanceMode      `json:"mode"`
	CreatedAt  time.Time         `json:"createdAt"`
	StartedAt  time.Time         `json:"startedAt,omitzero"`
	ErrorCount int               `json:"errorCount"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Event is a gateway lifecycle event fanned out to subscribers. ID is
// optional; when set it participates in publish-side deduplication.
type Event struct {
	Type      string         `json:"type"`
	ID        string         `json:"id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Event types published by the gateway.
const (
	EventServiceCreated       = "serviceCreated"
	EventServiceStopped       = "serviceStopped"
	EventServiceHealthChanged = "serviceHealthChanged"
	EventProbeFailed          = "probeFailed"
	EventBreakerStateChanged  = "breakerStateChanged"
	EventStderr               = "stderr"
	EventSent                 = "sent"
	EventMessage              = "message"
	EventError                = "error"
	EventClose                = "close"
	EventConfigReloaded       = "configReloaded"
)
