package optimization

import (
	"math"
	"testing"

	"github.com/billmoling/allocator/internal/domain"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
)

func TestOptimize_BudgetAndBounds_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	returns := syntheticReturns(252,
		[]float64{0.0003, -0.0001, 0.0008, 0.0005},
		[]float64{0.01, 0.015, 0.02, 0.009},
	)
	objectives := []Objective{ObjectiveReturn, ObjectiveStd, ObjectiveSharpe}

	properties.Property("solutions sum to one and stay inside the box", prop.ForAll(
		func(objIdx int, minW, maxW float64) bool {
			po, err := NewPortfolioOptimizer(Options{
				Objective: objectives[objIdx],
				MinWeight: minW,
				MaxWeight: maxW,
			}, nil, zerolog.Nop())
			if err != nil {
				return false
			}

			weights, err := po.Optimize(returns, nil)
			if err != nil {
				return false
			}
			if math.Abs(floats.Sum(weights)-1) > 1e-6 {
				return false
			}
			for _, w := range weights {
				if w < minW-1e-9 || w > maxW+1e-9 {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, len(objectives)-1),
		gen.Float64Range(-0.5, 0.2),
		gen.Float64Range(0.4, 1.0),
	))

	properties.TestingRun(t)
}

func TestEqualWeights_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("each directional signal gets sign/N, flat signals get zero", prop.ForAll(
		func(directions []int) bool {
			signals := make(map[string]domain.Signal, len(directions))
			nonFlat := 0
			for i, d := range directions {
				dir := domain.Direction(d)
				symbol := string(rune('A'+i%26)) + string(rune('a'+i/26))
				signals[symbol] = domain.Signal{Symbol: symbol, Direction: dir}
				if dir != domain.DirectionFlat {
					nonFlat++
				}
			}

			weights := EqualWeights(signals)
			if len(weights) != len(signals) {
				return false
			}

			var absSum float64
			for symbol, s := range signals {
				w := weights[symbol]
				if nonFlat == 0 || s.Direction == domain.DirectionFlat {
					if w != 0 {
						return false
					}
					continue
				}
				if math.Abs(w-s.Direction.Sign()/float64(nonFlat)) > 1e-15 {
					return false
				}
				absSum += math.Abs(w)
			}
			return nonFlat == 0 || math.Abs(absSum-1) < 1e-9
		},
		gen.SliceOfN(20, gen.IntRange(-1, 1)),
	))

	properties.TestingRun(t)
}
