package optimization

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
)

// NegligibleWeight is the magnitude at or below which a solved weight is treated as exactly zero.
const NegligibleWeight = 1e-10

// budgetTolerance is the allowed deviation of sum(weights) from 1.
const budgetTolerance = 1e-6

// Options configures a PortfolioOptimizer.
type Options struct {
	Objective Objective
	MinWeight float64
	MaxWeight float64
}

// Validate checks the objective and the weight box
func (o Options) Validate() error {
	if _, err := ParseObjective(string(o.Objective)); err != nil {
		return err
	}
	if o.MinWeight < -1 || o.MaxWeight > 1 {
		return fmt.Errorf("weight bounds [%.4f, %.4f] must lie within [-1, 1]", o.MinWeight, o.MaxWeight)
	}
	if o.MinWeight > o.MaxWeight {
		return fmt.Errorf("min weight %.4f above max weight %.4f", o.MinWeight, o.MaxWeight)
	}
	return nil
}

// PortfolioOptimizer computes the weight vector minimizing the configured
// objective subject to sum(w) = 1 and MinWeight <= w_i <= MaxWeight.
type PortfolioOptimizer struct {
	opts      Options
	minimizer Minimizer
	log       zerolog.Logger
}

// NewPortfolioOptimizer creates an optimizer. A nil minimizer selects ProjectedGradient.
func NewPortfolioOptimizer(opts Options, minimizer Minimizer, log zerolog.Logger) (*PortfolioOptimizer, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if minimizer == nil {
		minimizer = NewProjectedGradient()
	}
	return &PortfolioOptimizer{
		opts:      opts,
		minimizer: minimizer,
		log:       log.With().Str("component", "portfolio_optimizer").Logger(),
	}, nil
}

// Objective returns the configured objective
func (po *PortfolioOptimizer) Objective() Objective {
	return po.opts.Objective
}

// Optimize solves for weights aligned with the columns of returns (T×K daily log-returns).
// cov may be nil, in which case the sample covariance of returns is used.
func (po *PortfolioOptimizer) Optimize(returns *mat.Dense, cov *mat.SymDense) ([]float64, error) {
	if !po.opts.Objective.UsesSolver() {
		return nil, fmt.Errorf("%w: %s weights are derived from signals, not returns", ErrInvalidObjective, po.opts.Objective)
	}
	if returns == nil {
		return []float64{}, nil
	}
	rows, k := returns.Dims()
	if k == 0 {
		return []float64{}, nil
	}
	if rows < 2 {
		return nil, fmt.Errorf("%w: need at least 2 return observations, have %d", ErrDataQuality, rows)
	}
	if !matrixFinite(returns) {
		return nil, fmt.Errorf("%w: return matrix contains NaN or Inf", ErrDataQuality)
	}

	if cov == nil {
		var err error
		if cov, err = SampleCovariance(returns); err != nil {
			return nil, err
		}
	} else if n := cov.SymmetricDim(); n != k {
		return nil, fmt.Errorf("covariance is %dx%d, returns have %d columns", n, n, k)
	}

	means := MeanReturns(returns)
	obj := newObjectiveFunc(po.opts.Objective, means, cov)

	lower := make([]float64, k)
	upper := make([]float64, k)
	x0 := make([]float64, k)
	for i := range x0 {
		lower[i] = po.opts.MinWeight
		upper[i] = po.opts.MaxWeight
		x0[i] = 1.0 / float64(k)
	}

	start := time.Now()
	result, err := po.minimizer.Minimize(ConstrainedProblem{
		Func:  obj.value,
		Grad:  obj.gradient,
		Lower: lower,
		Upper: upper,
	}, x0)
	if obj.degenerate {
		return nil, fmt.Errorf("%w: annualized volatility is zero", ErrDegenerateVariance)
	}
	if err != nil {
		if errors.Is(err, ErrInfeasibleBounds) || errors.Is(err, ErrNonConvergence) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrNonConvergence, err)
	}

	weights := make([]float64, k)
	copy(weights, result.X)
	if err := po.checkSolution(weights); err != nil {
		return nil, err
	}
	CleanWeights(weights)

	stats := ComputeStats(weights, means, cov)
	po.log.Debug().
		Str("objective", string(po.opts.Objective)).
		Str("status", result.Status).
		Int("securities", k).
		Int("iterations", result.Iterations).
		Int("evaluations", result.Evaluations).
		Float64("annual_return", stats.AnnualReturn).
		Float64("annual_volatility", stats.AnnualVolatility).
		Dur("elapsed", time.Since(start)).
		Msg("Portfolio optimization converged")

	return weights, nil
}

func (po *PortfolioOptimizer) checkSolution(weights []float64) error {
	if !allFinite(weights) {
		return fmt.Errorf("%w: solution contains NaN or Inf", ErrNonConvergence)
	}
	var sum float64
	for i, w := range weights {
		if w < po.opts.MinWeight-budgetTolerance || w > po.opts.MaxWeight+budgetTolerance {
			return fmt.Errorf("%w: weight %.8f at %d outside [%.4f, %.4f]", ErrNonConvergence, w, i, po.opts.MinWeight, po.opts.MaxWeight)
		}
		sum += w
	}
	if math.Abs(sum-1) > budgetTolerance {
		return fmt.Errorf("%w: weights sum to %.8f", ErrNonConvergence, sum)
	}
	return nil
}

func matrixFinite(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if v := m.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// CleanWeights sets weights with magnitude at or below NegligibleWeight to exactly zero, in place.
func CleanWeights(weights []float64) []float64 {
	for i, w := range weights {
		if math.Abs(w) <= NegligibleWeight {
			weights[i] = 0
		}
	}
	return weights
}

// objectiveFunc evaluates one annualized objective and its gradient.
// degenerate latches when the sharpe objective meets zero volatility.
type objectiveFunc struct {
	objective  Objective
	means      []float64
	cov        *mat.SymDense
	degenerate bool

	cw *mat.VecDense
}

func newObjectiveFunc(objective Objective, means []float64, cov *mat.SymDense) *objectiveFunc {
	return &objectiveFunc{
		objective: objective,
		means:     means,
		cov:       cov,
		cw:        mat.NewVecDense(len(means), nil),
	}
}

// moments returns annualized return, variance and the product C·w.
func (f *objectiveFunc) moments(x []float64) (ret, variance float64) {
	w := mat.NewVecDense(len(x), x)
	ret = AnnualizationFactor * mat.Dot(w, mat.NewVecDense(len(f.means), f.means))
	f.cw.MulVec(f.cov, w)
	variance = AnnualizationFactor * mat.Dot(w, f.cw)
	if variance < 0 {
		variance = 0
	}
	return ret, variance
}

func (f *objectiveFunc) value(x []float64) float64 {
	ret, variance := f.moments(x)
	std := math.Sqrt(variance)

	switch f.objective {
	case ObjectiveReturn:
		return -ret
	case ObjectiveStd:
		return std
	case ObjectiveSharpe:
		if std == 0 {
			f.degenerate = true
			return math.NaN()
		}
		return -ret / std
	default:
		return math.NaN()
	}
}

func (f *objectiveFunc) gradient(grad, x []float64) {
	ret, variance := f.moments(x)
	std := math.Sqrt(variance)

	switch f.objective {
	case ObjectiveReturn:
		for i := range grad {
			grad[i] = -AnnualizationFactor * f.means[i]
		}
	case ObjectiveStd:
		if std == 0 {
			for i := range grad {
				grad[i] = 0
			}
			return
		}
		for i := range grad {
			grad[i] = AnnualizationFactor * f.cw.AtVec(i) / std
		}
	case ObjectiveSharpe:
		if std == 0 {
			f.degenerate = true
			for i := range grad {
				grad[i] = math.NaN()
			}
			return
		}
		// d(-ret/std) = -(ret'/std) + ret*std'/std², with std' = 252·C·w/std.
		for i := range grad {
			dRet := AnnualizationFactor * f.means[i]
			dStd := AnnualizationFactor * f.cw.AtVec(i) / std
			grad[i] = -dRet/std + ret*dStd/variance
		}
	default:
		for i := range grad {
			grad[i] = math.NaN()
		}
	}
}

// CleanWeightMap applies CleanWeights to a symbol-keyed weight map, in place.
func CleanWeightMap(weights map[string]float64) map[string]float64 {
	for symbol, w := range weights {
		if math.Abs(w) <= NegligibleWeight {
			weights[symbol] = 0
		}
	}
	return weights
}
