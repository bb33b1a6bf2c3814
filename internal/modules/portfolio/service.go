package portfolio

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// PriceSource returns the latest close at or before asOf
type PriceSource interface {
	LastClose(ctx context.Context, symbol string, asOf time.Time) (float64, time.Time, error)
}

// PositionValue is a position marked to market
type PositionValue struct {
	Position
	Price       float64 `json:"price"`
	PriceDate   string  `json:"price_date,omitempty"`
	MarketValue float64 `json:"market_value"`
	Weight      float64 `json:"weight"`
	// Stale is true when no close was available and the average price was used instead.
	Stale bool `json:"stale,omitempty"`
}

// Summary is the portfolio valued at one instant
type Summary struct {
	AsOf      time.Time       `json:"as_of"`
	Currency  string          `json:"currency"`
	Cash      float64         `json:"cash"`
	Invested  float64         `json:"invested"`
	Equity    float64         `json:"equity"`
	Positions []PositionValue `json:"positions"`
}

// Service values the portfolio
type Service struct {
	repo     *PositionRepository
	prices   PriceSource
	currency string
	log      zerolog.Logger
}

// NewService creates a new portfolio service
func NewService(repo *PositionRepository, prices PriceSource, currency string, log zerolog.Logger) *Service {
	if currency == "" {
		currency = DefaultCurrency
	}
	return &Service{
		repo:     repo,
		prices:   prices,
		currency: currency,
		log:      log.With().Str("service", "portfolio").Logger(),
	}
}

// Currency returns the cash currency
func (s *Service) Currency() string {
	return s.currency
}

// Repository returns the underlying position repository
func (s *Service) Repository() *PositionRepository {
	return s.repo
}

// Summary marks every position to the latest close at or before asOf.
// Weights are market value over equity; shorts carry negative value and weight.
func (s *Service) Summary(ctx context.Context, asOf time.Time) (*Summary, error) {
	positions, err := s.repo.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	cash, err := s.repo.Cash(ctx, s.currency)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		AsOf:      asOf,
		Currency:  s.currency,
		Cash:      cash,
		Positions: make([]PositionValue, 0, len(positions)),
	}

	for _, p := range positions {
		value := PositionValue{Position: p, Price: p.AvgPrice}
		price, at, err := s.prices.LastClose(ctx, p.Symbol, asOf)
		if err != nil {
			s.log.Warn().Err(err).Str("symbol", p.Symbol).Msg("No close for position, using average price")
			value.Stale = true
		} else {
			value.Price = price
			value.PriceDate = at.Format("2006-01-02")
		}
		value.MarketValue = p.Quantity * value.Price
		summary.Invested += value.MarketValue
		summary.Positions = append(summary.Positions, value)
	}

	summary.Equity = summary.Cash + summary.Invested
	if summary.Equity > 0 {
		for i := range summary.Positions {
			summary.Positions[i].Weight = summary.Positions[i].MarketValue / summary.Equity
		}
	}

	return summary, nil
}

// Equity returns cash plus the market value of all positions
func (s *Service) Equity(ctx context.Context, asOf time.Time) (float64, error) {
	summary, err := s.Summary(ctx, asOf)
	if err != nil {
		return 0, fmt.Errorf("value portfolio: %w", err)
	}
	return summary.Equity, nil
}
