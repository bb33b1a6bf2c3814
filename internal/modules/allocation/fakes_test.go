package allocation

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/billmoling/allocator/internal/domain"
	"github.com/billmoling/allocator/internal/modules/optimization"
)

var t0 = time.Date(2024, 3, 1, 16, 0, 0, 0, time.UTC)

type stubHistory struct {
	mu     sync.Mutex
	closes map[string][]float64
	err    error
	calls  [][]string
}

func (s *stubHistory) History(_ context.Context, symbols []string, lookback int, _ time.Time) (map[string][]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, append([]string(nil), symbols...))
	if s.err != nil {
		return nil, s.err
	}
	out := map[string][]float64{}
	for _, sym := range symbols {
		closes, ok := s.closes[sym]
		if !ok {
			continue
		}
		if len(closes) > lookback {
			closes = closes[len(closes)-lookback:]
		}
		out[sym] = closes
	}
	return out, nil
}

func (s *stubHistory) set(symbol string, closes []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closes == nil {
		s.closes = map[string][]float64{}
	}
	s.closes[symbol] = closes
}

type stubHoldings struct {
	positions map[string]domain.Holding
	err       error
}

func (s *stubHoldings) Holdings(_ context.Context, symbols []string) (map[string]domain.Holding, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := map[string]domain.Holding{}
	for _, sym := range symbols {
		if h, ok := s.positions[sym]; ok {
			out[sym] = h
		}
	}
	return out, nil
}

type failingMinimizer struct{}

func (failingMinimizer) Minimize(optimization.ConstrainedProblem, []float64) (*optimization.MinimizeResult, error) {
	return nil, errors.New("iteration limit reached")
}

// syntheticCloses builds n daily closes from a deterministic return path.
func syntheticCloses(n int, mean, vol float64, phase float64) []float64 {
	closes := make([]float64, n)
	closes[0] = 100
	for i := 1; i < n; i++ {
		common := math.Sin(float64(i) * 0.37)
		idio := math.Sin(float64(i)*(0.91+0.53*phase) + phase)
		closes[i] = closes[i-1] * math.Exp(mean+vol*(0.5*common+idio))
	}
	return closes
}

func constantCloses(n int, price float64) []float64 {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = price
	}
	return closes
}

func up(symbol string, at time.Time, ttl time.Duration) domain.Signal {
	return domain.NewSignal(symbol, domain.DirectionUp, at, ttl, "test")
}

func down(symbol string, at time.Time, ttl time.Duration) domain.Signal {
	return domain.NewSignal(symbol, domain.DirectionDown, at, ttl, "test")
}

func flat(symbol string, at time.Time, ttl time.Duration) domain.Signal {
	return domain.NewSignal(symbol, domain.DirectionFlat, at, ttl, "test")
}

func targetsBySymbol(targets []domain.AllocationTarget) map[string]domain.AllocationTarget {
	out := make(map[string]domain.AllocationTarget, len(targets))
	for _, t := range targets {
		out[t.Symbol] = t
	}
	return out
}

type recordingSink struct {
	mu      sync.Mutex
	batches [][]domain.AllocationTarget
	err     error
}

func (s *recordingSink) Submit(_ context.Context, _ time.Time, targets []domain.AllocationTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, targets)
	return s.err
}

type staticSource struct {
	name    string
	signals []domain.Signal
	err     error
}

func (s *staticSource) Name() string { return s.name }

func (s *staticSource) Signals(context.Context, time.Time) ([]domain.Signal, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := s.signals
	s.signals = nil
	return out, nil
}

type staticUniverse struct {
	changes []domain.UniverseChanges
}

func (u *staticUniverse) Changes(context.Context, time.Time) (domain.UniverseChanges, error) {
	if len(u.changes) == 0 {
		return domain.UniverseChanges{}, nil
	}
	next := u.changes[0]
	u.changes = u.changes[1:]
	return next, nil
}
