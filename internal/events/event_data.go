package events

import "github.com/billmoling/allocator/internal/domain"

// SignalsReceivedData contains data for SignalsReceived events
type SignalsReceivedData struct {
	Source string `json:"source"`
	Count  int    `json:"count"`
}

// EventType returns the event type for SignalsReceivedData
func (d *SignalsReceivedData) EventType() EventType {
	return SignalsReceived
}

// UniverseChangedData contains data for UniverseChanged events
type UniverseChangedData struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

// EventType returns the event type for UniverseChangedData
func (d *UniverseChangedData) EventType() EventType {
	return UniverseChanged
}

// SecurityExcludedData contains data for SecurityExcluded events
type SecurityExcludedData struct {
	CycleID string `json:"cycle_id"`
	Symbol  string `json:"symbol"`
	Reason  string `json:"reason"`
}

// EventType returns the event type for SecurityExcludedData
func (d *SecurityExcludedData) EventType() EventType {
	return SecurityExcluded
}

// RebalanceSkippedData contains data for RebalanceSkipped events
type RebalanceSkippedData struct {
	CycleID string `json:"cycle_id"`
	Reason  string `json:"reason"`
}

// EventType returns the event type for RebalanceSkippedData
func (d *RebalanceSkippedData) EventType() EventType {
	return RebalanceSkipped
}

// OptimizationFailedData contains data for OptimizationFailed events
type OptimizationFailedData struct {
	CycleID   string `json:"cycle_id"`
	Objective string `json:"objective"`
	Error     string `json:"error"`
}

// EventType returns the event type for OptimizationFailedData
func (d *OptimizationFailedData) EventType() EventType {
	return OptimizationFailed
}

// AllocationTargetsEmittedData contains data for AllocationTargetsEmitted events
type AllocationTargetsEmittedData struct {
	CycleID string                    `json:"cycle_id"`
	Count   int                       `json:"count"`
	Targets []domain.AllocationTarget `json:"targets"`
}

// EventType returns the event type for AllocationTargetsEmittedData
func (d *AllocationTargetsEmittedData) EventType() EventType {
	return AllocationTargetsEmitted
}

// CycleCompletedData contains data for CycleCompleted events
type CycleCompletedData struct {
	CycleID    string `json:"cycle_id"`
	State      string `json:"state"`
	Rebalanced bool   `json:"rebalanced"`
	Targets    int    `json:"targets"`
	DurationMs int64  `json:"duration_ms"`
}

// EventType returns the event type for CycleCompletedData
func (d *CycleCompletedData) EventType() EventType {
	return CycleCompleted
}

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}
