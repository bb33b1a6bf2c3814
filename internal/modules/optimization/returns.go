package optimization

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// DefaultLookbackPeriods is the number of daily closes fetched per security (one year of returns plus one).
const DefaultLookbackPeriods = 253

// SecurityReturnData is the log-return series of one security for the current cycle.
type SecurityReturnData struct {
	Symbol     string
	LogReturns []float64
}

// ReturnSeriesCalculator turns close-price history into log-return series.
type ReturnSeriesCalculator struct {
	lookback int
}

// NewReturnSeriesCalculator creates a calculator requiring lookback closes per security.
func NewReturnSeriesCalculator(lookback int) *ReturnSeriesCalculator {
	if lookback < 3 {
		lookback = DefaultLookbackPeriods
	}
	return &ReturnSeriesCalculator{lookback: lookback}
}

// Lookback returns the number of closes required per security
func (c *ReturnSeriesCalculator) Lookback() int {
	return c.lookback
}

// Calculate computes r_t = ln(p_t / p_{t-1}) over the most recent lookback closes.
//
// The history is rejected with a *DataQualityError when it is absent, shorter than
// the lookback, contains NaN or Inf, or contains a non-positive price.
func (c *ReturnSeriesCalculator) Calculate(symbol string, closes []float64) (SecurityReturnData, error) {
	if len(closes) == 0 {
		return SecurityReturnData{}, dataQualityf(symbol, "no historical data")
	}
	if len(closes) < c.lookback {
		return SecurityReturnData{}, dataQualityf(symbol, "insufficient history: %d closes, need %d", len(closes), c.lookback)
	}

	window := closes[len(closes)-c.lookback:]
	for i, p := range window {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return SecurityReturnData{}, dataQualityf(symbol, "missing close at position %d", i)
		}
		if p <= 0 {
			return SecurityReturnData{}, dataQualityf(symbol, "non-positive close %.6f at position %d", p, i)
		}
	}

	returns := make([]float64, len(window)-1)
	for i := 1; i < len(window); i++ {
		returns[i-1] = math.Log(window[i] / window[i-1])
	}

	return SecurityReturnData{Symbol: symbol, LogReturns: returns}, nil
}

// CalculateAll runs Calculate for every symbol in order. Failures are isolated per
// security: they are reported in the second result and never abort the others.
func (c *ReturnSeriesCalculator) CalculateAll(history map[string][]float64, symbols []string) ([]SecurityReturnData, map[string]error) {
	series := make([]SecurityReturnData, 0, len(symbols))
	failures := make(map[string]error)

	for _, symbol := range symbols {
		data, err := c.Calculate(symbol, history[symbol])
		if err != nil {
			failures[symbol] = err
			continue
		}
		series = append(series, data)
	}

	return series, failures
}

// BuildReturnMatrix stacks return series as columns of a T×K matrix, in input order.
// Series of unequal length are aligned on their most recent observations.
func BuildReturnMatrix(series []SecurityReturnData) (*mat.Dense, []string, error) {
	if len(series) == 0 {
		return nil, nil, fmt.Errorf("%w: no return series", ErrDataQuality)
	}

	rows := len(series[0].LogReturns)
	for _, s := range series[1:] {
		if len(s.LogReturns) < rows {
			rows = len(s.LogReturns)
		}
	}
	if rows < 2 {
		return nil, nil, fmt.Errorf("%w: need at least 2 return observations, have %d", ErrDataQuality, rows)
	}

	symbols := make([]string, len(series))
	m := mat.NewDense(rows, len(series), nil)
	for j, s := range series {
		symbols[j] = s.Symbol
		offset := len(s.LogReturns) - rows
		for i := 0; i < rows; i++ {
			m.Set(i, j, s.LogReturns[offset+i])
		}
	}

	return m, symbols, nil
}
