/*
Package types defines the core data structures used throughout Patchbay.

This package contains the fundamental types that represent the gateway's
domain model: service templates, service instances, lifecycle states, and
events. These types are used by all other packages for state management,
API serialization, and routing logic.

# Core Types

Templates and launch configuration:
  - ServiceTemplate: Immutable recipe for launching a backend
  - Transport: stdio, http, sse, or container
  - HealthCheckSpec: Probe method, interval, timeout, failure threshold
  - ContainerSpec: Image, volume mounts, network policy, resource caps
  - SecuritySpec: Trust level, container requirement, network policy

Instances and lifecycle:
  - ServiceInstance: A running realization of a template
  - InstanceState: idle, starting, running, degraded, stopping, stopped, error
  - InstanceMode: keep-alive (gateway-probed) or managed (external heartbeats)

Events:
  - Event: Typed lifecycle notification with optional dedup ID

# State Machine

Instance states follow a fixed transition table:

	idle ──────► starting ──────► running ◄─────► degraded
	  │              │               │                │
	  │              ▼               │                │
	  │            error             │                │
	  │                              ▼                │
	  └──────────► stopping ◄────────┴────────────────┘
	                  │
	                  ▼
	               stopped

stopped and error are terminal; IDs of removed instances are never reused.
Use InstanceState.CanTransitionTo to validate a transition before applying
it.

# Design Notes

All types are plain data with JSON tags; the gateway persists templates and
its own configuration as JSON files, and the HTTP API serves these shapes
directly. Deep-copy helpers (Clone) exist so owners can hand out defensive
copies. Normalize is deterministic, which makes template saves idempotent.
*/
package types
