package optimization

import (
	"fmt"
	"strings"
)

// AnnualizationFactor converts daily return statistics to annual ones.
const AnnualizationFactor = 252.0

// Objective selects what the optimizer minimizes.
type Objective string

const (
	// ObjectiveEqual splits capital evenly across directional signals without running the solver.
	ObjectiveEqual Objective = "equal"
	// ObjectiveReturn maximizes annualized mean return.
	ObjectiveReturn Objective = "return"
	// ObjectiveStd minimizes annualized volatility.
	ObjectiveStd Objective = "std"
	// ObjectiveSharpe maximizes annualized return over annualized volatility (zero risk-free rate).
	ObjectiveSharpe Objective = "sharpe"
)

// ParseObjective validates an objective name.
func ParseObjective(name string) (Objective, error) {
	switch o := Objective(strings.ToLower(strings.TrimSpace(name))); o {
	case ObjectiveEqual, ObjectiveReturn, ObjectiveStd, ObjectiveSharpe:
		return o, nil
	default:
		return "", fmt.Errorf("%w: %q (want equal, return, std or sharpe)", ErrInvalidObjective, name)
	}
}

// UsesSolver reports whether weights come from the numeric solver.
func (o Objective) UsesSolver() bool {
	return o != ObjectiveEqual
}

func (o Objective) String() string {
	return string(o)
}
