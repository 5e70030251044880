package balancer

import (
	"github.com/patchbay-dev/patchbay/pkg/errdefs"
)

// Strategy selects which instance of a group receives the next call
type Strategy string

const (
	// RoundRobin cycles through the group with a per-group cursor
	RoundRobin Strategy = "round-robin"
	// LeastConn picks the instance with the fewest in-flight calls
	LeastConn Strategy = "least-connections"
	// Weighted picks proportionally to the instance weight metadata
	Weighted Strategy = "weighted"
	// LeastLatency picks the lowest EWMA round-trip latency
	LeastLatency Strategy = "least-latency"
	// Failover always picks the first eligible instance in order
	Failover Strategy = "failover"
)

// Strategies lists every supported strategy
var Strategies = []Strategy{RoundRobin, LeastConn, Weighted, LeastLatency, Failover}

// ParseStrategy validates a strategy name from config or a request.
// The empty string selects RoundRobin.
func ParseStrategy(name string) (Strategy, error) {
	if name == "" {
		return RoundRobin, nil
	}
	for _, s := range Strategies {
		if string(s) == name {
			return s, nil
		}
	}
	return "", errdefs.Newf(errdefs.CodeValidation, "unknown balancing strategy: %s", name)
}

// Valid reports whether the strategy is one of the supported set
func (s Strategy) Valid() bool {
	for _, known := range Strategies {
		if s == known {
			return true
		}
	}
	return false
}
