// Package allocation turns directional signals into portfolio allocation targets, one cycle at a time.
package allocation

import (
	"fmt"
	"time"

	"github.com/billmoling/allocator/internal/modules/optimization"
)

// Config holds the allocation settings of a Builder.
type Config struct {
	Objective optimization.Objective
	// RebalancePeriod is the interval between scheduled rebalances; zero disables the schedule.
	RebalancePeriod time.Duration
	MinWeight       float64
	MaxWeight       float64
	// LookbackPeriods is the number of daily closes fetched per security.
	LookbackPeriods int
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Objective:       optimization.ObjectiveStd,
		RebalancePeriod: 30 * 24 * time.Hour,
		MinWeight:       0,
		MaxWeight:       1,
		LookbackPeriods: optimization.DefaultLookbackPeriods,
	}
}

// Validate rejects contradictory settings
func (c Config) Validate() error {
	opts := optimization.Options{Objective: c.Objective, MinWeight: c.MinWeight, MaxWeight: c.MaxWeight}
	if err := opts.Validate(); err != nil {
		return err
	}
	if c.RebalancePeriod < 0 {
		return fmt.Errorf("rebalance period must not be negative, got %s", c.RebalancePeriod)
	}
	if c.LookbackPeriods != 0 && c.LookbackPeriods < 3 {
		return fmt.Errorf("lookback periods must be at least 3, got %d", c.LookbackPeriods)
	}
	return nil
}

// Warnings lists settings that are valid but will alter how some signals are honoured.
func (c Config) Warnings() []string {
	var warnings []string
	if c.Objective == optimization.ObjectiveEqual && c.MinWeight >= 0 {
		warnings = append(warnings, fmt.Sprintf(
			"equal objective with min weight %.2f cannot hold shorts: Down signals will be clamped to zero", c.MinWeight))
	}
	if c.Objective == optimization.ObjectiveEqual && c.MaxWeight < 1 {
		warnings = append(warnings, fmt.Sprintf(
			"equal objective with max weight %.2f: weights above the cap are clamped and the remainder stays in cash", c.MaxWeight))
	}
	return warnings
}

// ScheduleEnabled reports whether periodic rebalancing is on
func (c Config) ScheduleEnabled() bool {
	return c.RebalancePeriod > 0
}
