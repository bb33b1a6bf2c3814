// Package alpha generates directional signals from price history.
package alpha

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/billmoling/allocator/internal/domain"
	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
)

// SourceName identifies signals produced by MomentumSource
const SourceName = "momentum"

// UniverseLister returns the symbols currently eligible for signals
type UniverseLister interface {
	Symbols(ctx context.Context) ([]string, error)
}

// MomentumConfig controls ranking and signal lifetime
type MomentumConfig struct {
	// Period is the MOM lookback in trading days
	Period int
	// TopK is how many of the strongest symbols receive Up signals
	TopK int
	// TTL must outlast the cycle interval so held winners are re-signalled before they expire
	TTL time.Duration
}

// DefaultMomentumConfig returns the standard daily momentum settings
func DefaultMomentumConfig() MomentumConfig {
	return MomentumConfig{Period: 126, TopK: 5, TTL: 36 * time.Hour}
}

// Score is one symbol's momentum at the ranking date
type Score struct {
	Symbol   string  `json:"symbol"`
	Momentum float64 `json:"momentum"`
}

// MomentumSource ranks the universe by price momentum. Each run it signals Up
// for the top K and Flat for invested symbols that dropped out of the top K.
type MomentumSource struct {
	cfg      MomentumConfig
	universe UniverseLister
	history  domain.PriceHistoryProvider
	holdings domain.HoldingsProvider
	log      zerolog.Logger
}

// NewMomentumSource creates a momentum signal source
func NewMomentumSource(cfg MomentumConfig, universe UniverseLister, history domain.PriceHistoryProvider, holdings domain.HoldingsProvider, log zerolog.Logger) *MomentumSource {
	defaults := DefaultMomentumConfig()
	if cfg.Period <= 0 {
		cfg.Period = defaults.Period
	}
	if cfg.TopK <= 0 {
		cfg.TopK = defaults.TopK
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaults.TTL
	}
	return &MomentumSource{
		cfg:      cfg,
		universe: universe,
		history:  history,
		holdings: holdings,
		log:      log.With().Str("component", "momentum_alpha").Logger(),
	}
}

// Name implements allocation.NamedSource
func (m *MomentumSource) Name() string {
	return SourceName
}

// Config returns the effective configuration
func (m *MomentumSource) Config() MomentumConfig {
	return m.cfg
}

// Rank returns every symbol with enough history, strongest first.
func (m *MomentumSource) Rank(ctx context.Context, now time.Time) ([]Score, error) {
	symbols, err := m.universe.Symbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("list universe: %w", err)
	}
	if len(symbols) == 0 {
		return nil, nil
	}

	history, err := m.history.History(ctx, symbols, m.cfg.Period+1, now)
	if err != nil {
		return nil, fmt.Errorf("fetch price history: %w", err)
	}

	scores := make([]Score, 0, len(symbols))
	for _, symbol := range symbols {
		mom, ok := Momentum(history[symbol], m.cfg.Period)
		if !ok {
			m.log.Debug().Str("symbol", symbol).Int("bars", len(history[symbol])).Msg("Not enough history for momentum")
			continue
		}
		scores = append(scores, Score{Symbol: symbol, Momentum: mom})
	}

	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Momentum != scores[j].Momentum {
			return scores[i].Momentum > scores[j].Momentum
		}
		return scores[i].Symbol < scores[j].Symbol
	})
	return scores, nil
}

// Signals implements domain.SignalSource
func (m *MomentumSource) Signals(ctx context.Context, now time.Time) ([]domain.Signal, error) {
	ranked, err := m.Rank(ctx, now)
	if err != nil {
		return nil, err
	}

	top := ranked
	if len(top) > m.cfg.TopK {
		top = top[:m.cfg.TopK]
	}
	inTop := make(map[string]bool, len(top))
	signals := make([]domain.Signal, 0, len(top))
	for _, s := range top {
		inTop[s.Symbol] = true
		signals = append(signals, domain.NewSignal(s.Symbol, domain.DirectionUp, now, m.cfg.TTL, SourceName))
	}

	symbols, err := m.universe.Symbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("list universe: %w", err)
	}
	holdings, err := m.holdings.Holdings(ctx, symbols)
	if err != nil {
		return nil, fmt.Errorf("load holdings: %w", err)
	}

	flat := 0
	for _, symbol := range symbols {
		if inTop[symbol] || !holdings[symbol].Invested() {
			continue
		}
		signals = append(signals, domain.NewSignal(symbol, domain.DirectionFlat, now, m.cfg.TTL, SourceName))
		flat++
	}

	m.log.Info().
		Int("ranked", len(ranked)).
		Int("up", len(top)).
		Int("flat", flat).
		Msg("Momentum signals generated")
	return signals, nil
}

// Momentum returns the MOM(period) value at the last bar: the last close minus
// the close period bars earlier. It is false when either close is missing.
func Momentum(closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) < period+1 {
		return 0, false
	}
	window := closes[len(closes)-period-1:]
	if isMissing(window[0]) || isMissing(window[period]) {
		return 0, false
	}

	// interior gaps are forward-filled
	filled := make([]float64, len(window))
	copy(filled, window)
	for i := 1; i < len(filled); i++ {
		if isMissing(filled[i]) {
			filled[i] = filled[i-1]
		}
	}

	mom := talib.Mom(filled, period)
	return mom[len(mom)-1], true
}

func isMissing(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0)
}
