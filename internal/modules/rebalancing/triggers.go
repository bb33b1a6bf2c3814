// Package rebalancing decides whether an allocation cycle should recompute target weights.
package rebalancing

import (
	"fmt"
	"sort"
	"time"

	"github.com/billmoling/allocator/internal/domain"
	"github.com/rs/zerolog"
)

// TriggerResult represents the result of a rebalancing trigger check
type TriggerResult struct {
	ShouldRebalance bool   `json:"should_rebalance"`
	Reason          string `json:"reason"`
	// Symbol is the security that fired a signal-driven trigger, empty otherwise.
	Symbol string `json:"symbol,omitempty"`
}

// TriggerInput is everything the checker needs for one cycle.
type TriggerInput struct {
	Now                    time.Time
	ScheduleEnabled        bool
	NextScheduledRebalance time.Time
	// CurrentWeights is the last successfully computed weight baseline.
	CurrentWeights map[string]float64
	ActiveSignals  map[string]domain.Signal
	// Holdings has an entry for every invested security.
	Holdings map[string]domain.Holding
}

// TriggerChecker checks whether schedule or signal state warrants a rebalance
type TriggerChecker struct {
	log zerolog.Logger
}

// NewTriggerChecker creates a new trigger checker
func NewTriggerChecker(log zerolog.Logger) *TriggerChecker {
	return &TriggerChecker{
		log: log.With().Str("component", "rebalancing_triggers").Logger(),
	}
}

// ShouldRebalance returns true when any of the following holds:
//  1. The schedule is enabled and Now is at or past the next scheduled rebalance.
//  2. An uninvested security with no baseline weight has an active non-Flat signal.
//  3. A long position's active signal is not Up.
//  4. A short position's active signal is not Down.
//
// Securities are examined in symbol order so the reported reason is deterministic.
func (tc *TriggerChecker) ShouldRebalance(in TriggerInput) *TriggerResult {
	if in.ScheduleEnabled && !in.Now.Before(in.NextScheduledRebalance) {
		result := &TriggerResult{
			ShouldRebalance: true,
			Reason:          "scheduled rebalance due",
		}
		if !in.NextScheduledRebalance.IsZero() {
			result.Reason = fmt.Sprintf("scheduled rebalance due since %s", in.NextScheduledRebalance.Format(time.RFC3339))
		}
		tc.log.Info().Str("reason", result.Reason).Msg("Rebalance triggered")
		return result
	}

	symbols := make([]string, 0, len(in.ActiveSignals))
	for symbol := range in.ActiveSignals {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		signal := in.ActiveSignals[symbol]
		holding, invested := in.Holdings[symbol]
		invested = invested && holding.Invested()

		var reason string
		switch {
		case !invested && signal.Direction != domain.DirectionFlat:
			if _, known := in.CurrentWeights[symbol]; !known {
				reason = fmt.Sprintf("new %s signal for uninvested %s", signal.Direction, symbol)
			}
		case invested && holding.IsLong() && signal.Direction != domain.DirectionUp:
			reason = fmt.Sprintf("long position in %s now signalled %s", symbol, signal.Direction)
		case invested && holding.IsShort() && signal.Direction != domain.DirectionDown:
			reason = fmt.Sprintf("short position in %s now signalled %s", symbol, signal.Direction)
		}

		if reason != "" {
			tc.log.Info().
				Str("symbol", symbol).
				Str("reason", reason).
				Msg("Rebalance triggered")
			return &TriggerResult{ShouldRebalance: true, Reason: reason, Symbol: symbol}
		}
	}

	reason := "no trigger conditions met"
	if in.ScheduleEnabled {
		reason = fmt.Sprintf("no trigger conditions met, next scheduled rebalance %s", in.NextScheduledRebalance.Format(time.RFC3339))
	}
	return &TriggerResult{ShouldRebalance: false, Reason: reason}
}
