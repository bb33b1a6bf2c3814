package optimization

import (
	"errors"
	"fmt"
)

var (
	// ErrDataQuality marks price history unusable for a security.
	ErrDataQuality = errors.New("data quality")
	// ErrDegenerateVariance is returned by the sharpe objective when portfolio volatility is exactly zero.
	ErrDegenerateVariance = errors.New("degenerate portfolio variance")
	// ErrInvalidObjective is returned for an objective name outside equal, return, std, sharpe.
	ErrInvalidObjective = errors.New("invalid objective")
	// ErrNonConvergence is returned when the solver fails or produces an invalid weight vector.
	ErrNonConvergence = errors.New("optimizer did not converge")
	// ErrInfeasibleBounds is returned when no weight vector can satisfy both the budget and the box.
	ErrInfeasibleBounds = errors.New("infeasible weight bounds")
)

// DataQualityError describes why one security's history was rejected.
type DataQualityError struct {
	Symbol string
	Reason string
}

func (e *DataQualityError) Error() string {
	return fmt.Sprintf("data quality: %s: %s", e.Symbol, e.Reason)
}

// Unwrap lets errors.Is match ErrDataQuality
func (e *DataQualityError) Unwrap() error {
	return ErrDataQuality
}

func dataQualityf(symbol, format string, args ...interface{}) error {
	return &DataQualityError{Symbol: symbol, Reason: fmt.Sprintf(format, args...)}
}
