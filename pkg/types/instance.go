package types

import "strconv"

// allowedTransitions encodes the instance state machine. Terminal states
// have no outgoing edges.
var allowedTransitions = map[InstanceState][]InstanceState{
	StateIdle:     {StateStarting, StateStopping},
	StateStarting: {StateRunning, StateError, StateStopping},
	StateRunning:  {StateDegraded, StateStopping},
	StateDegraded: {StateRunning, StateStopping},
	StateStopping: {StateStopped},
	StateStopped:  {},
	StateError:    {},
}

// Terminal reports whether a state has no outgoing transitions.
func (s InstanceState) Terminal() bool {
	return s == StateStopped || s == StateError
}

// CanTransitionTo reports whether the state machine permits moving from s to
// next.
func (s InstanceState) CanTransitionTo(next InstanceState) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known instance state.
func (s InstanceState) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// Clone returns a deep copy of the instance. The instance manager hands out
// clones so callers can never mutate managed state directly.
func (i *ServiceInstance) Clone() *ServiceInstance {
	out := *i
	out.Template = i.Template.Clone()
	out.Metadata = cloneStringMap(i.Metadata)
	return &out
}

// Weight returns the balancer weight from metadata, defaulting to 1.
func (i *ServiceInstance) Weight() float64 {
	if i.Metadata == nil {
		return 1
	}
	raw, ok := i.Metadata[MetaWeight]
	if !ok {
		return 1
	}
	w, err := strconv.ParseFloat(raw, 64)
	if err != nil || w <= 0 {
		return 1
	}
	return w
}

// Routable reports whether the instance can receive traffic in its current
// state. Idle instances are routable because first use starts them.
func (i *ServiceInstance) Routable() bool {
	switch i.State {
	case StateIdle, StateStarting, StateRunning, StateDegraded:
		return true
	default:
		return false
	}
}
