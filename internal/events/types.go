// Package events provides the in-process event bus for allocation activity.
package events

import "time"

// EventType represents different event types
type EventType string

const (
	SignalsReceived          EventType = "SIGNALS_RECEIVED"
	UniverseChanged          EventType = "UNIVERSE_CHANGED"
	SecurityExcluded         EventType = "SECURITY_EXCLUDED"
	RebalanceSkipped         EventType = "REBALANCE_SKIPPED"
	OptimizationFailed       EventType = "OPTIMIZATION_FAILED"
	AllocationTargetsEmitted EventType = "ALLOCATION_TARGETS_EMITTED"
	CycleCompleted           EventType = "CYCLE_COMPLETED"
	ErrorOccurred            EventType = "ERROR_OCCURRED"
)

// AllEventTypes lists every type the bus can carry
var AllEventTypes = []EventType{
	SignalsReceived,
	UniverseChanged,
	SecurityExcluded,
	RebalanceSkipped,
	OptimizationFailed,
	AllocationTargetsEmitted,
	CycleCompleted,
	ErrorOccurred,
}

// Event represents a system event
type Event struct {
	Type      EventType `json:"type" msgpack:"type"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
	Module    string    `json:"module" msgpack:"module"`
	Data      EventData `json:"data" msgpack:"data"`
}

// EventData is the interface that all event data types must implement
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}
