// Package domain provides core domain models and types.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Direction is the predicted move of a security over a signal's lifetime.
type Direction int

const (
	DirectionDown Direction = -1
	DirectionFlat Direction = 0
	DirectionUp   Direction = 1
)

// String returns the lowercase name used in logs and JSON
func (d Direction) String() string {
	switch d {
	case DirectionUp:
		return "up"
	case DirectionDown:
		return "down"
	case DirectionFlat:
		return "flat"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Sign returns +1, 0 or -1 as a float for weight arithmetic.
func (d Direction) Sign() float64 {
	return float64(d)
}

// ParseDirection parses "up", "flat" or "down" (case-insensitive).
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "up":
		return DirectionUp, nil
	case "flat":
		return DirectionFlat, nil
	case "down":
		return DirectionDown, nil
	default:
		return DirectionFlat, fmt.Errorf("unknown direction %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler
func (d Direction) MarshalText() ([]byte, error) {
	if d < DirectionDown || d > DirectionUp {
		return nil, fmt.Errorf("invalid direction %d", int(d))
	}
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Direction) UnmarshalText(text []byte) error {
	parsed, err := ParseDirection(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Signal is a time-bounded directional prediction for one security.
// Signals are immutable once created; a newer signal for the same symbol supersedes an older one.
type Signal struct {
	ID          uuid.UUID `json:"id"`
	Symbol      string    `json:"symbol"`
	Direction   Direction `json:"direction"`
	GeneratedAt time.Time `json:"generated_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Source      string    `json:"source,omitempty"`
}

// NewSignal creates a signal valid for ttl from generatedAt.
func NewSignal(symbol string, direction Direction, generatedAt time.Time, ttl time.Duration, source string) Signal {
	return Signal{
		ID:          uuid.New(),
		Symbol:      symbol,
		Direction:   direction,
		GeneratedAt: generatedAt,
		ExpiresAt:   generatedAt.Add(ttl),
		Source:      source,
	}
}

// IsExpired reports whether the signal's expiry is at or before asOf.
func (s Signal) IsExpired(asOf time.Time) bool {
	return !s.ExpiresAt.After(asOf)
}

// Validate checks the fields a signal must carry before it can enter a ledger.
func (s Signal) Validate() error {
	if strings.TrimSpace(s.Symbol) == "" {
		return fmt.Errorf("signal symbol is required")
	}
	if s.Direction < DirectionDown || s.Direction > DirectionUp {
		return fmt.Errorf("signal %s: invalid direction %d", s.Symbol, int(s.Direction))
	}
	if s.GeneratedAt.IsZero() {
		return fmt.Errorf("signal %s: generated_at is required", s.Symbol)
	}
	if !s.ExpiresAt.After(s.GeneratedAt) {
		return fmt.Errorf("signal %s: expires_at must be after generated_at", s.Symbol)
	}
	return nil
}

// TargetReason explains why an allocation target was produced
type TargetReason string

const (
	ReasonOptimized           TargetReason = "optimized"
	ReasonRemovedFromUniverse TargetReason = "removed_from_universe"
	ReasonSignalExpired       TargetReason = "signal_expired"
)

// AllocationTarget is the desired fraction of portfolio value for one security.
// A zero weight means "flatten the position".
type AllocationTarget struct {
	Symbol string       `json:"symbol"`
	Weight float64      `json:"weight"`
	Reason TargetReason `json:"reason"`
}

// FlattenTarget returns a zero-weight target for symbol.
func FlattenTarget(symbol string, reason TargetReason) AllocationTarget {
	return AllocationTarget{Symbol: symbol, Weight: 0, Reason: reason}
}

// Holding is the current position in one security.
type Holding struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	AvgPrice float64 `json:"avg_price"`
}

// Invested reports whether any quantity is held
func (h Holding) Invested() bool {
	return h.Quantity != 0
}

// IsLong reports a positive quantity
func (h Holding) IsLong() bool {
	return h.Quantity > 0
}

// IsShort reports a negative quantity
func (h Holding) IsShort() bool {
	return h.Quantity < 0
}

// UniverseChanges lists the securities that entered or left the universe since the last poll.
type UniverseChanges struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

// Empty reports whether nothing changed
func (c UniverseChanges) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0
}
