// Package insights keeps the collection of directional signals across allocation cycles.
package insights

import (
	"sort"
	"time"

	"github.com/billmoling/allocator/internal/domain"
)

// Ledger holds every signal received and not yet drained or invalidated.
//
// Stored signals are never mutated. Queries group by symbol and resolve each
// group to its most recently generated signal; ties on GeneratedAt go to the
// signal added last. A Ledger is owned by a single allocation builder and is
// not safe for concurrent use.
type Ledger struct {
	signals []domain.Signal
}

// NewLedger creates an empty ledger
func NewLedger() *Ledger {
	return &Ledger{}
}

// Add appends signals to the ledger
func (l *Ledger) Add(signals ...domain.Signal) {
	l.signals = append(l.signals, signals...)
}

// ActiveSignals returns, per symbol, the latest-generated signal that has not
// expired as of asOf.
func (l *Ledger) ActiveSignals(asOf time.Time) map[string]domain.Signal {
	active := make([]domain.Signal, 0, len(l.signals))
	for _, s := range l.signals {
		if !s.IsExpired(asOf) {
			active = append(active, s)
		}
	}
	sortByGeneration(active)

	result := make(map[string]domain.Signal, len(active))
	for _, s := range active {
		result[s.Symbol] = s
	}
	return result
}

// HasActive reports whether symbol has any unexpired signal as of asOf.
func (l *Ledger) HasActive(symbol string, asOf time.Time) bool {
	for _, s := range l.signals {
		if s.Symbol == symbol && !s.IsExpired(asOf) {
			return true
		}
	}
	return false
}

// DrainExpired removes and returns every signal expired as of asOf, ordered by
// symbol then generation time. Each expired signal is returned exactly once.
func (l *Ledger) DrainExpired(asOf time.Time) []domain.Signal {
	var expired []domain.Signal
	kept := l.signals[:0]
	for _, s := range l.signals {
		if s.IsExpired(asOf) {
			expired = append(expired, s)
		} else {
			kept = append(kept, s)
		}
	}
	clearTail(l.signals, len(kept))
	l.signals = kept

	sortByGeneration(expired)
	return expired
}

// Invalidate purges every signal for the given symbols. Unknown symbols are ignored.
func (l *Ledger) Invalidate(symbols ...string) int {
	if len(symbols) == 0 {
		return 0
	}
	drop := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		drop[s] = struct{}{}
	}

	kept := l.signals[:0]
	for _, s := range l.signals {
		if _, ok := drop[s.Symbol]; !ok {
			kept = append(kept, s)
		}
	}
	removed := len(l.signals) - len(kept)
	clearTail(l.signals, len(kept))
	l.signals = kept
	return removed
}

// NextExpiry returns the earliest expiry across held signals.
// The boolean is false when the ledger is empty.
func (l *Ledger) NextExpiry() (time.Time, bool) {
	if len(l.signals) == 0 {
		return time.Time{}, false
	}
	next := l.signals[0].ExpiresAt
	for _, s := range l.signals[1:] {
		if s.ExpiresAt.Before(next) {
			next = s.ExpiresAt
		}
	}
	return next, true
}

// Len returns the number of held signals, expired ones included until drained
func (l *Ledger) Len() int {
	return len(l.signals)
}

// Snapshot returns a copy of every held signal in insertion order
func (l *Ledger) Snapshot() []domain.Signal {
	out := make([]domain.Signal, len(l.signals))
	copy(out, l.signals)
	return out
}

func sortByGeneration(signals []domain.Signal) {
	sort.SliceStable(signals, func(i, j int) bool {
		if signals[i].Symbol != signals[j].Symbol {
			return signals[i].Symbol < signals[j].Symbol
		}
		return signals[i].GeneratedAt.Before(signals[j].GeneratedAt)
	})
}

// clearTail zeroes the slots past n so the backing array releases them.
func clearTail(signals []domain.Signal, n int) {
	for i := n; i < len(signals); i++ {
		signals[i] = domain.Signal{}
	}
}
