package optimization

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

// ConstrainedProblem is a minimization over weight vectors subject to
// sum(x) = 1 and Lower[i] <= x[i] <= Upper[i].
type ConstrainedProblem struct {
	Func func(x []float64) float64
	// Grad writes the gradient of Func at x into grad. Nil for derivative-free backends.
	Grad  func(grad, x []float64)
	Lower []float64
	Upper []float64
}

// Dim returns the problem dimension
func (p ConstrainedProblem) Dim() int {
	return len(p.Lower)
}

// MinimizeResult is a feasible point returned by a Minimizer.
type MinimizeResult struct {
	X           []float64
	F           float64
	Iterations  int
	Evaluations int
	Status      string
}

// Minimizer solves budget- and box-constrained problems. Implementations must
// return points that satisfy the constraints and be deterministic for identical input.
type Minimizer interface {
	Minimize(p ConstrainedProblem, x0 []float64) (*MinimizeResult, error)
}

// Solver names a Minimizer backend
type Solver string

const (
	SolverProjectedGradient Solver = "projected_gradient"
	SolverNelderMead        Solver = "nelder_mead"
)

// NewMinimizer returns the backend for solver. Empty selects ProjectedGradient.
func NewMinimizer(solver Solver) (Minimizer, error) {
	switch solver {
	case "", SolverProjectedGradient:
		return NewProjectedGradient(), nil
	case SolverNelderMead:
		return NewNelderMead(), nil
	default:
		return nil, fmt.Errorf("unknown solver %q", solver)
	}
}

// CheckFeasible verifies that sum(x) = 1 can be met inside the box.
func CheckFeasible(lower, upper []float64) error {
	if len(lower) != len(upper) {
		return fmt.Errorf("%w: %d lower bounds, %d upper bounds", ErrInfeasibleBounds, len(lower), len(upper))
	}
	if len(lower) == 0 {
		return fmt.Errorf("%w: empty problem", ErrInfeasibleBounds)
	}
	for i := range lower {
		if lower[i] > upper[i] {
			return fmt.Errorf("%w: lower bound %.4f above upper bound %.4f at %d", ErrInfeasibleBounds, lower[i], upper[i], i)
		}
	}
	if lo := floats.Sum(lower); lo > 1+1e-12 {
		return fmt.Errorf("%w: lower bounds sum to %.4f", ErrInfeasibleBounds, lo)
	}
	if hi := floats.Sum(upper); hi < 1-1e-12 {
		return fmt.Errorf("%w: upper bounds sum to %.4f", ErrInfeasibleBounds, hi)
	}
	return nil
}

// ProjectCappedSimplex writes into dst the Euclidean projection of y onto
// {x : sum(x) = 1, lower <= x <= upper}. The bounds must be feasible.
//
// The projection has the form x_i = clip(y_i - tau, lower_i, upper_i); tau is
// found by bisection since the clipped sum is non-increasing in tau.
func ProjectCappedSimplex(dst, y, lower, upper []float64) {
	tauLo, tauHi := math.Inf(1), math.Inf(-1)
	for i := range y {
		tauLo = math.Min(tauLo, y[i]-upper[i])
		tauHi = math.Max(tauHi, y[i]-lower[i])
	}

	clippedSum := func(tau float64) float64 {
		var s float64
		for i := range y {
			s += clip(y[i]-tau, lower[i], upper[i])
		}
		return s
	}

	for iter := 0; iter < 200; iter++ {
		mid := 0.5 * (tauLo + tauHi)
		if mid <= tauLo || mid >= tauHi {
			break
		}
		if clippedSum(mid) > 1 {
			tauLo = mid
		} else {
			tauHi = mid
		}
	}

	tau := 0.5 * (tauLo + tauHi)
	for i := range y {
		dst[i] = clip(y[i]-tau, lower[i], upper[i])
	}

	// Spread the bisection residue over coordinates with room to move.
	residual := 1 - floats.Sum(dst)
	for pass := 0; pass < 3 && math.Abs(residual) > 1e-15; pass++ {
		free := 0
		for i := range dst {
			if (residual > 0 && dst[i] < upper[i]) || (residual < 0 && dst[i] > lower[i]) {
				free++
			}
		}
		if free == 0 {
			return
		}
		share := residual / float64(free)
		for i := range dst {
			if (residual > 0 && dst[i] < upper[i]) || (residual < 0 && dst[i] > lower[i]) {
				dst[i] = clip(dst[i]+share, lower[i], upper[i])
			}
		}
		residual = 1 - floats.Sum(dst)
	}
}

func clip(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func allFinite(xs []float64) bool {
	for _, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// ProjectedGradient minimizes with gradient steps projected back onto the
// feasible set, Barzilai-Borwein trial steps and Armijo backtracking.
// Every iterate is feasible.
type ProjectedGradient struct {
	MaxIterations int
	// StationarityTol bounds the norm of the projected gradient step at a solution.
	StationarityTol float64
	// FunctionTol stops after repeated iterations that improve the objective by less than this (relative).
	FunctionTol float64
}

// NewProjectedGradient returns a ProjectedGradient with default tolerances
func NewProjectedGradient() *ProjectedGradient {
	return &ProjectedGradient{
		MaxIterations:   20000,
		StationarityTol: 1e-10,
		FunctionTol:     1e-15,
	}
}

const (
	armijoC        = 1e-4
	maxBacktracks  = 80
	minStep        = 1e-12
	maxStep        = 1e12
	stallThreshold = 10
)

// Minimize implements Minimizer
func (pg *ProjectedGradient) Minimize(p ConstrainedProblem, x0 []float64) (*MinimizeResult, error) {
	if p.Grad == nil {
		return nil, fmt.Errorf("projected gradient requires a gradient")
	}
	if err := CheckFeasible(p.Lower, p.Upper); err != nil {
		return nil, err
	}
	n := p.Dim()
	if len(x0) != n {
		return nil, fmt.Errorf("initial point has %d entries, problem has %d", len(x0), n)
	}

	x := make([]float64, n)
	ProjectCappedSimplex(x, x0, p.Lower, p.Upper)

	res := &MinimizeResult{}
	fx := p.Func(x)
	res.Evaluations++
	if math.IsNaN(fx) || math.IsInf(fx, 0) {
		return nil, fmt.Errorf("%w: objective not finite at initial point", ErrNonConvergence)
	}

	g := make([]float64, n)
	p.Grad(g, x)

	trial := make([]float64, n)
	y := make([]float64, n)
	d := make([]float64, n)
	gNew := make([]float64, n)
	step := 1.0
	stalled := 0

	for res.Iterations = 0; res.Iterations < pg.MaxIterations; res.Iterations++ {
		if !allFinite(g) {
			return nil, fmt.Errorf("%w: gradient not finite after %d iterations", ErrNonConvergence, res.Iterations)
		}

		// Stationarity: a unit projected step does not move.
		floats.SubTo(trial, x, g)
		ProjectCappedSimplex(y, trial, p.Lower, p.Upper)
		floats.SubTo(d, y, x)
		if floats.Norm(d, 2) <= pg.StationarityTol {
			res.Status = "stationary"
			break
		}

		var fy float64
		accepted := false
		for bt := 0; bt < maxBacktracks; bt++ {
			floats.AddScaledTo(trial, x, -step, g)
			ProjectCappedSimplex(y, trial, p.Lower, p.Upper)
			floats.SubTo(d, y, x)
			if floats.Norm(d, 2) <= pg.StationarityTol*1e-3 {
				break
			}
			fy = p.Func(y)
			res.Evaluations++
			if !math.IsNaN(fy) && fy <= fx+armijoC*floats.Dot(g, d) {
				accepted = true
				break
			}
			step *= 0.5
		}
		if !accepted {
			res.Status = "line search exhausted"
			break
		}

		p.Grad(gNew, y)

		// Barzilai-Borwein step for the next trial: s·s / s·(g_new - g).
		var ss, sy float64
		for i := range y {
			s := y[i] - x[i]
			ss += s * s
			sy += s * (gNew[i] - g[i])
		}
		if sy > 0 {
			step = clip(ss/sy, minStep, maxStep)
		} else {
			step = clip(step*2, minStep, maxStep)
		}

		improvement := fx - fy
		copy(x, y)
		copy(g, gNew)
		fx = fy

		if improvement <= pg.FunctionTol*(1+math.Abs(fx)) {
			stalled++
			if stalled >= stallThreshold {
				res.Status = "function converged"
				break
			}
		} else {
			stalled = 0
		}
	}

	if res.Status == "" {
		return nil, fmt.Errorf("%w: iteration limit %d reached", ErrNonConvergence, pg.MaxIterations)
	}

	res.X = x
	res.F = fx
	return res, nil
}

// NelderMead runs gonum's derivative-free simplex method over the projection
// of its unconstrained iterates onto the feasible set. The projected objective
// has kinks wherever a bound becomes active, so gonum's line-search methods
// (BFGS, LBFGS) are not used here.
type NelderMead struct {
	MaxEvaluations int
}

// NewNelderMead returns a NelderMead backend with a default evaluation budget
func NewNelderMead() *NelderMead {
	return &NelderMead{MaxEvaluations: 50000}
}

// Minimize implements Minimizer
func (nm *NelderMead) Minimize(p ConstrainedProblem, x0 []float64) (*MinimizeResult, error) {
	if err := CheckFeasible(p.Lower, p.Upper); err != nil {
		return nil, err
	}
	n := p.Dim()
	if len(x0) != n {
		return nil, fmt.Errorf("initial point has %d entries, problem has %d", len(x0), n)
	}

	problem := optimize.Problem{
		Func: func(z []float64) float64 {
			x := make([]float64, n)
			ProjectCappedSimplex(x, z, p.Lower, p.Upper)
			// Quadratic pull toward the feasible set keeps the simplex from drifting.
			var drift float64
			for i := range z {
				drift += (z[i] - x[i]) * (z[i] - x[i])
			}
			return p.Func(x) + drift
		},
	}

	settings := &optimize.Settings{
		FuncEvaluations: nm.MaxEvaluations,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-14,
			Iterations: 200,
		},
	}

	result, err := optimize.Minimize(problem, x0, settings, &optimize.NelderMead{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNonConvergence, err)
	}

	switch result.Status {
	case optimize.Success, optimize.GradientThreshold, optimize.FunctionConvergence, optimize.MethodConverge:
	default:
		return nil, fmt.Errorf("%w: status=%v", ErrNonConvergence, result.Status)
	}

	x := make([]float64, n)
	ProjectCappedSimplex(x, result.X, p.Lower, p.Upper)

	return &MinimizeResult{
		X:           x,
		F:           p.Func(x),
		Iterations:  result.Stats.MajorIterations,
		Evaluations: result.Stats.FuncEvaluations,
		Status:      result.Status.String(),
	}, nil
}
