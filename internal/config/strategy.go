package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/billmoling/allocator/internal/modules/allocation"
	"github.com/billmoling/allocator/internal/modules/optimization"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Strategy is the YAML strategy file: what to trade and how to allocate
type Strategy struct {
	Name        string             `yaml:"name" default:"momentum-min-variance"`
	Currency    string             `yaml:"currency" default:"USD" validate:"len=3"`
	InitialCash float64            `yaml:"initial_cash" default:"100000" validate:"gte=0"`
	Universe    []string           `yaml:"universe" validate:"dive,required,max=32"`
	Allocation  AllocationSettings `yaml:"allocation"`
	Momentum    MomentumSettings   `yaml:"momentum"`
	Execution   ExecutionSettings  `yaml:"execution"`
}

// AllocationSettings maps onto allocation.Config
type AllocationSettings struct {
	Objective       string  `yaml:"objective" default:"std" validate:"oneof=equal return std sharpe"`
	RebalanceDays   int     `yaml:"rebalance_days" default:"30" validate:"gte=0"`
	MinWeight       float64 `yaml:"min_weight" validate:"gte=-1,lte=1"`
	MaxWeight       float64 `yaml:"max_weight" default:"1" validate:"gte=-1,lte=1,gtefield=MinWeight"`
	LookbackPeriods int     `yaml:"lookback_periods" default:"253" validate:"gte=3"`
	Solver          string  `yaml:"solver" default:"projected_gradient" validate:"omitempty,oneof=projected_gradient nelder_mead"`
}

// MomentumSettings configures the momentum signal source
type MomentumSettings struct {
	Enabled bool          `yaml:"enabled" default:"true"`
	Period  int           `yaml:"period" default:"126" validate:"gte=1"`
	TopK    int           `yaml:"top_k" default:"5" validate:"gte=1"`
	TTL     time.Duration `yaml:"ttl" default:"36h" validate:"gt=0"`
}

// ExecutionSettings configures paper execution
type ExecutionSettings struct {
	Fractional bool `yaml:"fractional"`
}

// DefaultStrategy returns a strategy with every default applied and an empty universe
func DefaultStrategy() *Strategy {
	s := &Strategy{}
	if err := defaults.Set(s); err != nil {
		panic(fmt.Sprintf("strategy defaults: %v", err))
	}
	return s
}

// LoadStrategy reads a strategy file over the defaults. An empty path yields the defaults.
func LoadStrategy(path string) (*Strategy, error) {
	s := DefaultStrategy()
	if path == "" {
		return s, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategy: %w", err)
	}
	if err := ParseStrategy(b, s); err != nil {
		return nil, err
	}
	return s, nil
}

// ParseStrategy decodes YAML into s, keeping the values of absent keys, then normalizes and validates.
func ParseStrategy(b []byte, s *Strategy) error {
	if err := yaml.Unmarshal(b, s); err != nil {
		return fmt.Errorf("parse strategy: %w", err)
	}
	s.normalize()
	if err := s.Validate(); err != nil {
		return fmt.Errorf("validate strategy: %w", err)
	}
	return nil
}

func (s *Strategy) normalize() {
	s.Currency = strings.ToUpper(strings.TrimSpace(s.Currency))
	s.Allocation.Objective = strings.ToLower(strings.TrimSpace(s.Allocation.Objective))

	seen := make(map[string]bool, len(s.Universe))
	universe := make([]string, 0, len(s.Universe))
	for _, symbol := range s.Universe {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if symbol == "" || seen[symbol] {
			continue
		}
		seen[symbol] = true
		universe = append(universe, symbol)
	}
	s.Universe = universe
}

// Validate checks field rules and the allocation settings as a whole
func (s *Strategy) Validate() error {
	if err := validate.Struct(s); err != nil {
		return formatValidationError(err)
	}
	return s.AllocationConfig().Validate()
}

// AllocationConfig converts the allocation settings for the builder
func (s *Strategy) AllocationConfig() allocation.Config {
	return allocation.Config{
		Objective:       optimization.Objective(s.Allocation.Objective),
		RebalancePeriod: time.Duration(s.Allocation.RebalanceDays) * 24 * time.Hour,
		MinWeight:       s.Allocation.MinWeight,
		MaxWeight:       s.Allocation.MaxWeight,
		LookbackPeriods: s.Allocation.LookbackPeriods,
	}
}

// Minimizer returns the solver backend named by the allocation settings
func (s *Strategy) Minimizer() (optimization.Minimizer, error) {
	return optimization.NewMinimizer(optimization.Solver(s.Allocation.Solver))
}

// ValidateSchedule checks a cron expression with a leading seconds field
func ValidateSchedule(spec string) error {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cycle schedule %q: %w", spec, err)
	}
	return nil
}

func formatValidationError(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}

	msgs := make([]string, 0, len(validationErrors))
	for _, fe := range validationErrors {
		field := fe.Namespace()
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", field))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", ")))
		case "gtefield":
			msgs = append(msgs, fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param()))
		case "gte":
			msgs = append(msgs, fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param()))
		case "lte":
			msgs = append(msgs, fmt.Sprintf("%s must be less than or equal to %s", field, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed validation: %s", field, fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
