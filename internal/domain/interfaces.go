package domain

import (
	"context"
	"time"
)

// SignalSource produces new directional signals for a cycle.
type SignalSource interface {
	Signals(ctx context.Context, now time.Time) ([]Signal, error)
}

// UniverseChangeFeed reports securities added to or removed from the tradable universe.
// Each change is reported once.
type UniverseChangeFeed interface {
	Changes(ctx context.Context, now time.Time) (UniverseChanges, error)
}

// HoldingsProvider reports current positions. Symbols without a position are absent from the result.
type HoldingsProvider interface {
	Holdings(ctx context.Context, symbols []string) (map[string]Holding, error)
}

// PriceHistoryProvider returns up to lookback daily closes per symbol ending at or before asOf,
// oldest first. Symbols with no history are absent from the result; missing bars are NaN.
type PriceHistoryProvider interface {
	History(ctx context.Context, symbols []string, lookback int, asOf time.Time) (map[string][]float64, error)
}

// TargetSink consumes the allocation targets produced by a cycle.
type TargetSink interface {
	Submit(ctx context.Context, now time.Time, targets []AllocationTarget) error
}

// Clock abstracts the current time so cycles can be replayed
type Clock interface {
	Now() time.Time
}
