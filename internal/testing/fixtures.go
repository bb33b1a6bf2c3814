package testing

import (
	"math"
	"time"

	"github.com/billmoling/allocator/internal/domain"
)

// FixtureStart is the first trading day used by price fixtures
var FixtureStart = time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)

// SyntheticCloses returns n deterministic daily closes starting at 100.
// phase decorrelates the idiosyncratic part between securities.
func SyntheticCloses(n int, drift, vol, phase float64) []float64 {
	closes := make([]float64, n)
	if n == 0 {
		return closes
	}
	closes[0] = 100
	for i := 1; i < n; i++ {
		common := math.Sin(float64(i) * 0.37)
		idio := math.Sin(float64(i)*(0.91+0.53*phase) + phase)
		closes[i] = closes[i-1] * math.Exp(drift+vol*(0.5*common+idio))
	}
	return closes
}

// TradingDays returns n consecutive weekdays starting at from
func TradingDays(from time.Time, n int) []time.Time {
	days := make([]time.Time, 0, n)
	for d := from; len(days) < n; d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		days = append(days, d)
	}
	return days
}

// NewSignalFixtures returns one active signal per direction, generated at now
func NewSignalFixtures(now time.Time) []domain.Signal {
	return []domain.Signal{
		domain.NewSignal("AAPL", domain.DirectionUp, now, 36*time.Hour, "fixture"),
		domain.NewSignal("MSFT", domain.DirectionDown, now, 36*time.Hour, "fixture"),
		domain.NewSignal("META", domain.DirectionFlat, now, 36*time.Hour, "fixture"),
	}
}

// NewHoldingFixtures returns a long and a short position
func NewHoldingFixtures() map[string]domain.Holding {
	return map[string]domain.Holding{
		"AAPL": {Symbol: "AAPL", Quantity: 10, AvgPrice: 150},
		"MSFT": {Symbol: "MSFT", Quantity: -5, AvgPrice: 300},
	}
}
