package optimization

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// SampleCovariance returns the K×K sample covariance (n-1 denominator) of a T×K return matrix.
func SampleCovariance(returns *mat.Dense) (*mat.SymDense, error) {
	rows, cols := returns.Dims()
	if rows < 2 {
		return nil, fmt.Errorf("%w: covariance needs at least 2 observations, have %d", ErrDataQuality, rows)
	}

	cov := mat.NewSymDense(cols, nil)
	stat.CovarianceMatrix(cov, returns, nil)

	for i := 0; i < cols; i++ {
		for j := i; j < cols; j++ {
			if v := cov.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: covariance entry (%d,%d) is not finite", ErrDataQuality, i, j)
			}
		}
	}

	return cov, nil
}

// MeanReturns returns the per-column mean of a return matrix.
func MeanReturns(returns *mat.Dense) []float64 {
	_, cols := returns.Dims()
	means := make([]float64, cols)
	for j := 0; j < cols; j++ {
		means[j] = stat.Mean(mat.Col(nil, j, returns), nil)
	}
	return means
}

// PortfolioStats are the annualized characteristics of a weight vector.
type PortfolioStats struct {
	AnnualReturn     float64 `json:"annual_return"`
	AnnualVolatility float64 `json:"annual_volatility"`
	Sharpe           float64 `json:"sharpe"`
}

// ComputeStats evaluates weights against daily mean returns and covariance.
// Sharpe is zero when volatility is zero.
func ComputeStats(weights, means []float64, cov *mat.SymDense) PortfolioStats {
	w := mat.NewVecDense(len(weights), weights)
	ret := AnnualizationFactor * mat.Dot(w, mat.NewVecDense(len(means), means))
	variance := AnnualizationFactor * mat.Inner(w, cov, w)
	vol := math.Sqrt(math.Max(variance, 0))

	stats := PortfolioStats{AnnualReturn: ret, AnnualVolatility: vol}
	if vol > 0 {
		stats.Sharpe = ret / vol
	}
	return stats
}
