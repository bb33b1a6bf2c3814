package allocation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/billmoling/allocator/internal/domain"
	"github.com/billmoling/allocator/internal/events"
	"github.com/billmoling/allocator/internal/modules/insights"
	"github.com/billmoling/allocator/internal/modules/optimization"
	"github.com/billmoling/allocator/internal/modules/rebalancing"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const moduleName = "allocation"

// State is the position of a cycle in the allocation state machine.
type State string

const (
	StateIdle               State = "idle"
	StateSignalsIngested    State = "signals_ingested"
	StateRebalanceSkipped   State = "rebalance_skipped"
	StateRebalanceComputing State = "rebalance_computing"
	StateTargetsEmitted     State = "targets_emitted"
)

// MetricsRecorder receives cycle measurements
type MetricsRecorder interface {
	RecordCycle(state string)
	RecordRebalanceCheck(triggered bool)
	RecordExclusion(reason string)
	RecordOptimizationFailure(kind string)
	RecordTargets(reason string, n int)
	RecordSolveDuration(objective string, seconds float64)
	RecordWeight(symbol string, weight float64)
	ForgetWeight(symbol string)
}

// Dependencies are the collaborators of a Builder. Events and Metrics are optional.
type Dependencies struct {
	History   domain.PriceHistoryProvider
	Holdings  domain.HoldingsProvider
	Minimizer optimization.Minimizer
	Events    *events.Bus
	Metrics   MetricsRecorder
}

// CycleInput is what arrived since the previous cycle.
type CycleInput struct {
	Now     time.Time
	Signals []domain.Signal
	// Removed lists securities that left the universe.
	Removed []string
}

// Exclusion records a security left out of the optimization
type Exclusion struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

// CycleResult describes one completed cycle.
type CycleResult struct {
	ID                string                    `json:"id"`
	At                time.Time                 `json:"at"`
	State             State                     `json:"state"`
	Rebalanced        bool                      `json:"rebalanced"`
	TriggerReason     string                    `json:"trigger_reason,omitempty"`
	Targets           []domain.AllocationTarget `json:"targets"`
	Exclusions        []Exclusion               `json:"exclusions,omitempty"`
	OptimizationError string                    `json:"optimization_error,omitempty"`
	// Weights is the baseline after the cycle.
	Weights  map[string]float64 `json:"weights"`
	Duration time.Duration      `json:"duration_ns"`
}

// Builder runs allocation cycles: it ingests signals, decides whether to
// rebalance, computes weights and produces allocation targets.
//
// The weight baseline is replaced only by a successful computation. A Builder
// is not safe for concurrent use; callers serialize cycles.
type Builder struct {
	cfg       Config
	ledger    *insights.Ledger
	trigger   *rebalancing.TriggerChecker
	returns   *optimization.ReturnSeriesCalculator
	optimizer *optimization.PortfolioOptimizer
	history   domain.PriceHistoryProvider
	holdings  domain.HoldingsProvider
	events    *events.Bus
	metrics   MetricsRecorder
	log       zerolog.Logger

	state          State
	currentWeights map[string]float64
	nextRebalance  time.Time
	nextExpiry     time.Time
	hasNextExpiry  bool
}

// NewBuilder creates a builder. An invalid objective fails here, before any cycle runs.
func NewBuilder(cfg Config, deps Dependencies, log zerolog.Logger) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Objective, _ = optimization.ParseObjective(string(cfg.Objective))
	if deps.Holdings == nil {
		return nil, fmt.Errorf("allocation builder requires a holdings provider")
	}
	if cfg.Objective.UsesSolver() && deps.History == nil {
		return nil, fmt.Errorf("objective %s requires a price history provider", cfg.Objective)
	}
	if cfg.LookbackPeriods == 0 {
		cfg.LookbackPeriods = optimization.DefaultLookbackPeriods
	}

	b := &Builder{
		cfg:            cfg,
		ledger:         insights.NewLedger(),
		trigger:        rebalancing.NewTriggerChecker(log),
		returns:        optimization.NewReturnSeriesCalculator(cfg.LookbackPeriods),
		history:        deps.History,
		holdings:       deps.Holdings,
		events:         deps.Events,
		metrics:        deps.Metrics,
		log:            log.With().Str("component", "allocation_builder").Logger(),
		state:          StateIdle,
		currentWeights: map[string]float64{},
	}
	if b.metrics == nil {
		b.metrics = nopMetrics{}
	}

	if cfg.Objective.UsesSolver() {
		optimizer, err := optimization.NewPortfolioOptimizer(optimization.Options{
			Objective: cfg.Objective,
			MinWeight: cfg.MinWeight,
			MaxWeight: cfg.MaxWeight,
		}, deps.Minimizer, log)
		if err != nil {
			return nil, err
		}
		b.optimizer = optimizer
	}

	for _, w := range cfg.Warnings() {
		b.log.Warn().Msg(w)
	}

	return b, nil
}

// RunCycle executes one allocation cycle.
//
// The returned result is non-nil whenever the context was live. A degenerate
// variance failure is returned as an error alongside the result; the result
// still carries the removal and expiry targets produced in the same cycle.
func (b *Builder) RunCycle(ctx context.Context, in CycleInput) (*CycleResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	result := &CycleResult{ID: uuid.NewString(), At: in.Now}
	log := b.log.With().Str("cycle_id", result.ID).Logger()

	signals := b.validSignals(log, in.Signals)
	removed := uniqueSymbols(in.Removed)
	scheduleDue := b.cfg.ScheduleEnabled() && !in.Now.Before(b.nextRebalance)
	expiryDue := b.hasNextExpiry && !in.Now.Before(b.nextExpiry)

	if len(signals) == 0 && len(removed) == 0 && !scheduleDue && !expiryDue {
		b.state = StateIdle
		return b.finish(log, result, start), nil
	}

	b.ledger.Add(signals...)
	b.state = StateSignalsIngested

	for _, symbol := range removed {
		result.Targets = append(result.Targets, domain.FlattenTarget(symbol, domain.ReasonRemovedFromUniverse))
	}
	if n := b.ledger.Invalidate(removed...); n > 0 {
		log.Info().Strs("symbols", removed).Int("signals", n).Msg("Purged signals of securities removed from universe")
	}

	active := b.ledger.ActiveSignals(in.Now)
	failed := map[string]struct{}{}
	var cycleErr error

	holdings, err := b.holdings.Holdings(ctx, sortedKeys(active))
	if err != nil {
		result.TriggerReason = "holdings unavailable"
		log.Error().Err(err).Msg("Failed to load holdings, skipping rebalance check")
		b.state = StateRebalanceSkipped
	} else {
		trig := b.trigger.ShouldRebalance(rebalancing.TriggerInput{
			Now:                    in.Now,
			ScheduleEnabled:        b.cfg.ScheduleEnabled(),
			NextScheduledRebalance: b.nextRebalance,
			CurrentWeights:         b.currentWeights,
			ActiveSignals:          active,
			Holdings:               holdings,
		})
		result.TriggerReason = trig.Reason
		b.metrics.RecordRebalanceCheck(trig.ShouldRebalance)

		if trig.ShouldRebalance {
			b.state = StateRebalanceComputing
			cycleErr = b.rebalance(ctx, log, in.Now, active, result, failed)
			if b.cfg.ScheduleEnabled() {
				b.nextRebalance = in.Now.Add(b.cfg.RebalancePeriod)
			}
		} else {
			b.state = StateRebalanceSkipped
			log.Debug().Str("reason", trig.Reason).Msg("Rebalance skipped")
			b.emit(&events.RebalanceSkippedData{CycleID: result.ID, Reason: trig.Reason})
		}
	}

	emitted := map[string]struct{}{}
	for _, s := range b.ledger.DrainExpired(in.Now) {
		if b.ledger.HasActive(s.Symbol, in.Now) {
			continue
		}
		if _, ok := failed[s.Symbol]; ok {
			continue
		}
		if _, ok := emitted[s.Symbol]; ok {
			continue
		}
		emitted[s.Symbol] = struct{}{}
		result.Targets = append(result.Targets, domain.FlattenTarget(s.Symbol, domain.ReasonSignalExpired))
		log.Info().Str("symbol", s.Symbol).Msg("Signal expired, flattening")
	}

	b.nextExpiry, b.hasNextExpiry = b.ledger.NextExpiry()

	if len(result.Targets) > 0 {
		b.state = StateTargetsEmitted
		b.recordTargets(result)
		b.emit(&events.AllocationTargetsEmittedData{
			CycleID: result.ID,
			Count:   len(result.Targets),
			Targets: result.Targets,
		})
	} else if b.state != StateRebalanceSkipped {
		b.state = StateRebalanceSkipped
	}

	return b.finish(log, result, start), cycleErr
}

// rebalance computes new weights and appends the optimized targets. Only a
// degenerate-variance failure is returned; other failures are logged and
// recorded on the result.
func (b *Builder) rebalance(
	ctx context.Context,
	log zerolog.Logger,
	now time.Time,
	active map[string]domain.Signal,
	result *CycleResult,
	failed map[string]struct{},
) error {
	solveStart := time.Now()
	weights, err := b.computeWeights(ctx, log, now, active, result)
	b.metrics.RecordSolveDuration(string(b.cfg.Objective), time.Since(solveStart).Seconds())

	if err != nil {
		kind := failureKind(err)
		result.OptimizationError = err.Error()
		b.metrics.RecordOptimizationFailure(kind)
		b.emit(&events.OptimizationFailedData{
			CycleID:   result.ID,
			Objective: string(b.cfg.Objective),
			Error:     err.Error(),
		})

		if errors.Is(err, optimization.ErrDegenerateVariance) {
			log.Error().Err(err).Msg("Optimization failed, keeping previous weights")
			return fmt.Errorf("allocation cycle %s: %w", result.ID, err)
		}
		log.Warn().Err(err).Str("kind", kind).Msg("Optimization failed, keeping previous weights")
		return nil
	}

	symbols := sortedKeys(weights)
	for _, symbol := range symbols {
		w := weights[symbol]
		if math.IsNaN(w) || math.IsInf(w, 0) || math.Abs(w) > 1+1e-9 {
			failed[symbol] = struct{}{}
			log.Warn().Str("symbol", symbol).Float64("weight", w).Msg("Unusable target weight, skipping")
			continue
		}
		result.Targets = append(result.Targets, domain.AllocationTarget{
			Symbol: symbol,
			Weight: w,
			Reason: domain.ReasonOptimized,
		})
	}

	for symbol := range b.currentWeights {
		if _, ok := weights[symbol]; !ok {
			b.metrics.ForgetWeight(symbol)
		}
	}
	b.currentWeights = weights
	result.Rebalanced = true

	event := log.Info().Str("objective", string(b.cfg.Objective)).Int("securities", len(weights))
	for _, symbol := range symbols {
		event = event.Float64(symbol, weights[symbol])
		b.metrics.RecordWeight(symbol, weights[symbol])
	}
	event.Msg("Target weights computed")

	return nil
}

// computeWeights returns the new baseline for the active signals.
func (b *Builder) computeWeights(
	ctx context.Context,
	log zerolog.Logger,
	now time.Time,
	active map[string]domain.Signal,
	result *CycleResult,
) (map[string]float64, error) {
	if !b.cfg.Objective.UsesSolver() {
		return b.equalWeights(log, active), nil
	}

	weights := make(map[string]float64, len(active))
	var directional []string
	for _, symbol := range sortedKeys(active) {
		if active[symbol].Direction == domain.DirectionFlat {
			weights[symbol] = 0
			continue
		}
		directional = append(directional, symbol)
	}
	if len(directional) == 0 {
		return weights, nil
	}

	history, err := b.history.History(ctx, directional, b.returns.Lookback(), now)
	if err != nil {
		return nil, fmt.Errorf("fetch price history: %w", err)
	}

	series, failures := b.returns.CalculateAll(history, directional)
	for _, symbol := range sortedKeys(failures) {
		reason := failures[symbol].Error()
		result.Exclusions = append(result.Exclusions, Exclusion{Symbol: symbol, Reason: reason})
		b.metrics.RecordExclusion("data_quality")
		b.emit(&events.SecurityExcludedData{CycleID: result.ID, Symbol: symbol, Reason: reason})
		log.Warn().Str("symbol", symbol).Err(failures[symbol]).Msg("Excluding security from optimization")
	}
	if len(series) == 0 {
		log.Warn().Int("requested", len(directional)).Msg("No security has usable history")
		return weights, nil
	}

	returns, symbols, err := optimization.BuildReturnMatrix(series)
	if err != nil {
		return nil, err
	}

	solved, err := b.optimizer.Optimize(returns, nil)
	if err != nil {
		return nil, err
	}
	for i, symbol := range symbols {
		weights[symbol] = solved[i]
	}
	return weights, nil
}

// equalWeights applies the equal objective and clamps non-zero weights into the box.
func (b *Builder) equalWeights(log zerolog.Logger, active map[string]domain.Signal) map[string]float64 {
	weights := optimization.EqualWeights(active)
	for symbol, w := range weights {
		if w == 0 {
			continue
		}
		clamped := math.Max(b.cfg.MinWeight, math.Min(b.cfg.MaxWeight, w))
		if clamped != w {
			log.Warn().
				Str("symbol", symbol).
				Float64("weight", w).
				Float64("clamped", clamped).
				Msg("Equal weight outside bounds, clamped")
			weights[symbol] = clamped
		}
	}
	return optimization.CleanWeightMap(weights)
}

func (b *Builder) validSignals(log zerolog.Logger, signals []domain.Signal) []domain.Signal {
	valid := make([]domain.Signal, 0, len(signals))
	for _, s := range signals {
		if err := s.Validate(); err != nil {
			log.Warn().Err(err).Msg("Dropping invalid signal")
			continue
		}
		valid = append(valid, s)
	}
	return valid
}

func (b *Builder) finish(log zerolog.Logger, result *CycleResult, start time.Time) *CycleResult {
	result.State = b.state
	result.Weights = copyWeights(b.currentWeights)
	result.Duration = time.Since(start)
	if result.Targets == nil {
		result.Targets = []domain.AllocationTarget{}
	}

	b.metrics.RecordCycle(string(result.State))
	if result.State != StateIdle {
		b.emit(&events.CycleCompletedData{
			CycleID:    result.ID,
			State:      string(result.State),
			Rebalanced: result.Rebalanced,
			Targets:    len(result.Targets),
			DurationMs: result.Duration.Milliseconds(),
		})
		log.Info().
			Str("state", string(result.State)).
			Bool("rebalanced", result.Rebalanced).
			Int("targets", len(result.Targets)).
			Int("exclusions", len(result.Exclusions)).
			Msg("Allocation cycle completed")
	}
	return result
}

func (b *Builder) recordTargets(result *CycleResult) {
	counts := map[domain.TargetReason]int{}
	for _, t := range result.Targets {
		counts[t.Reason]++
	}
	for reason, n := range counts {
		b.metrics.RecordTargets(string(reason), n)
	}
}

func (b *Builder) emit(data events.EventData) {
	if b.events != nil {
		b.events.Emit(moduleName, data)
	}
}

// State returns the state the last cycle ended in
func (b *Builder) State() State {
	return b.state
}

// CurrentWeights returns a copy of the weight baseline
func (b *Builder) CurrentWeights() map[string]float64 {
	return copyWeights(b.currentWeights)
}

// ActiveSignals returns the active signal per symbol as of asOf
func (b *Builder) ActiveSignals(asOf time.Time) map[string]domain.Signal {
	return b.ledger.ActiveSignals(asOf)
}

// Signals returns every signal held by the ledger
func (b *Builder) Signals() []domain.Signal {
	return b.ledger.Snapshot()
}

// NextScheduledRebalance returns the next scheduled rebalance; zero until the first rebalance
func (b *Builder) NextScheduledRebalance() time.Time {
	return b.nextRebalance
}

// NextExpiry returns the earliest pending signal expiry
func (b *Builder) NextExpiry() (time.Time, bool) {
	return b.nextExpiry, b.hasNextExpiry
}

// Config returns the builder's settings
func (b *Builder) Config() Config {
	return b.cfg
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, optimization.ErrDegenerateVariance):
		return "degenerate_variance"
	case errors.Is(err, optimization.ErrInfeasibleBounds):
		return "infeasible_bounds"
	case errors.Is(err, optimization.ErrNonConvergence):
		return "non_convergence"
	case errors.Is(err, optimization.ErrDataQuality):
		return "data_quality"
	default:
		return "other"
	}
}

func uniqueSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyWeights(weights map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(weights))
	for k, v := range weights {
		out[k] = v
	}
	return out
}

type nopMetrics struct{}

func (nopMetrics) RecordCycle(string)                  {}
func (nopMetrics) RecordRebalanceCheck(bool)           {}
func (nopMetrics) RecordExclusion(string)              {}
func (nopMetrics) RecordOptimizationFailure(string)    {}
func (nopMetrics) RecordTargets(string, int)           {}
func (nopMetrics) RecordSolveDuration(string, float64) {}
func (nopMetrics) RecordWeight(string, float64)        {}
func (nopMetrics) ForgetWeight(string)                 {}
