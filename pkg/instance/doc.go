// Package instance owns live service instances and their state machine.
// All mutations flow through the Manager; every read hands out a deep copy
// so callers can never touch managed state.
package instance
