package allocation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/billmoling/allocator/internal/domain"
	"github.com/billmoling/allocator/internal/events"
	"github.com/billmoling/allocator/internal/modules/optimization"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBuilder(t *testing.T, cfg Config, deps Dependencies) *Builder {
	t.Helper()
	if deps.Holdings == nil {
		deps.Holdings = &stubHoldings{}
	}
	if deps.History == nil {
		deps.History = &stubHistory{}
	}
	b, err := NewBuilder(cfg, deps, zerolog.New(nil).Level(zerolog.Disabled))
	require.NoError(t, err)
	return b
}

func equalConfig() Config {
	return Config{Objective: optimization.ObjectiveEqual, MinWeight: 0, MaxWeight: 1}
}

func TestNewBuilder_RejectsInvalidObjective(t *testing.T) {
	_, err := NewBuilder(Config{Objective: "kelly", MaxWeight: 1}, Dependencies{Holdings: &stubHoldings{}}, zerolog.Nop())
	require.Error(t, err)
	assert.True(t, errors.Is(err, optimization.ErrInvalidObjective))
}

func TestNewBuilder_RequiresHistoryForSolverObjectives(t *testing.T) {
	_, err := NewBuilder(Config{Objective: optimization.ObjectiveStd, MaxWeight: 1}, Dependencies{Holdings: &stubHoldings{}}, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewBuilder(equalConfig(), Dependencies{Holdings: &stubHoldings{}}, zerolog.Nop())
	assert.NoError(t, err)
}

func TestNewBuilder_NormalizesObjectiveCase(t *testing.T) {
	b := newTestBuilder(t, Config{Objective: "STD", MaxWeight: 1}, Dependencies{})
	assert.Equal(t, optimization.ObjectiveStd, b.Config().Objective)
}

func TestRunCycle_IdleWithoutInput(t *testing.T) {
	b := newTestBuilder(t, equalConfig(), Dependencies{})

	result, err := b.RunCycle(context.Background(), CycleInput{Now: t0})
	require.NoError(t, err)
	assert.Equal(t, StateIdle, result.State)
	assert.Empty(t, result.Targets)
	assert.False(t, result.Rebalanced)
}

func TestRunCycle_CancelledContext(t *testing.T) {
	b := newTestBuilder(t, equalConfig(), Dependencies{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := b.RunCycle(ctx, CycleInput{Now: t0, Signals: []domain.Signal{up("X", t0, time.Hour)}})
	assert.Nil(t, result)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunCycle_SingleUpSignalEqualWeight(t *testing.T) {
	b := newTestBuilder(t, equalConfig(), Dependencies{})

	result, err := b.RunCycle(context.Background(), CycleInput{
		Now:     t0,
		Signals: []domain.Signal{up("X", t0, 24*time.Hour)},
	})
	require.NoError(t, err)

	require.Len(t, result.Targets, 1)
	assert.Equal(t, "X", result.Targets[0].Symbol)
	assert.Equal(t, 1.0, result.Targets[0].Weight)
	assert.Equal(t, domain.ReasonOptimized, result.Targets[0].Reason)
	assert.Equal(t, StateTargetsEmitted, result.State)
	assert.True(t, result.Rebalanced)
	assert.Equal(t, map[string]float64{"X": 1.0}, b.CurrentWeights())
}

func TestRunCycle_EqualWeightsSplitAcrossSignals(t *testing.T) {
	b := newTestBuilder(t, equalConfig(), Dependencies{})

	result, err := b.RunCycle(context.Background(), CycleInput{
		Now: t0,
		Signals: []domain.Signal{
			up("A", t0, 24*time.Hour),
			up("B", t0, 24*time.Hour),
			up("C", t0, 24*time.Hour),
		},
	})
	require.NoError(t, err)

	require.Len(t, result.Targets, 3)
	sum := 0.0
	for _, target := range result.Targets {
		assert.InDelta(t, 1.0/3.0, target.Weight, 1e-12)
		sum += target.Weight
	}
	assert.InDelta(t, 1.0, sum, 1e-12)
}

func TestRunCycle_EqualDownSignalClampedWithoutShorting(t *testing.T) {
	cfg := equalConfig()
	require.NotEmpty(t, cfg.Warnings())
	b := newTestBuilder(t, cfg, Dependencies{})

	result, err := b.RunCycle(context.Background(), CycleInput{
		Now:     t0,
		Signals: []domain.Signal{up("A", t0, 24*time.Hour), down("B", t0, 24*time.Hour)},
	})
	require.NoError(t, err)

	targets := targetsBySymbol(result.Targets)
	assert.Equal(t, 0.5, targets["A"].Weight)
	assert.Equal(t, 0.0, targets["B"].Weight)
}

func TestRunCycle_RemovedSecurityFlattenedOnce(t *testing.T) {
	b := newTestBuilder(t, equalConfig(), Dependencies{})
	ctx := context.Background()

	_, err := b.RunCycle(ctx, CycleInput{
		Now:     t0,
		Signals: []domain.Signal{up("A", t0, 48*time.Hour), up("B", t0, 48*time.Hour)},
	})
	require.NoError(t, err)

	result, err := b.RunCycle(ctx, CycleInput{Now: t0.Add(time.Hour), Removed: []string{"B", "B"}})
	require.NoError(t, err)

	require.Len(t, result.Targets, 1)
	assert.Equal(t, domain.FlattenTarget("B", domain.ReasonRemovedFromUniverse), result.Targets[0])
	assert.Equal(t, StateTargetsEmitted, result.State)
	assert.NotContains(t, b.ActiveSignals(t0.Add(time.Hour)), "B")
	assert.Contains(t, b.ActiveSignals(t0.Add(time.Hour)), "A")

	later, err := b.RunCycle(ctx, CycleInput{Now: t0.Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, StateIdle, later.State)
	assert.Empty(t, later.Targets)
	assert.NotContains(t, b.ActiveSignals(t0.Add(2*time.Hour)), "B")
}

func TestRunCycle_RemovedSecurityWithoutSignals(t *testing.T) {
	b := newTestBuilder(t, equalConfig(), Dependencies{})

	result, err := b.RunCycle(context.Background(), CycleInput{Now: t0, Removed: []string{"Z"}})
	require.NoError(t, err)
	require.Len(t, result.Targets, 1)
	assert.Equal(t, "Z", result.Targets[0].Symbol)
	assert.Equal(t, 0.0, result.Targets[0].Weight)
}

func TestRunCycle_UnchangedSignalSkipsRebalance(t *testing.T) {
	b := newTestBuilder(t, equalConfig(), Dependencies{})
	ctx := context.Background()

	_, err := b.RunCycle(ctx, CycleInput{Now: t0, Signals: []domain.Signal{up("X", t0, 48*time.Hour)}})
	require.NoError(t, err)

	at := t0.Add(time.Hour)
	result, err := b.RunCycle(ctx, CycleInput{Now: at, Signals: []domain.Signal{up("X", at, 48*time.Hour)}})
	require.NoError(t, err)

	assert.Equal(t, StateRebalanceSkipped, result.State)
	assert.False(t, result.Rebalanced)
	assert.Empty(t, result.Targets)
	assert.Contains(t, result.TriggerReason, "no trigger")
}

func TestRunCycle_LongPositionReversal(t *testing.T) {
	holdings := &stubHoldings{}
	b := newTestBuilder(t, Config{Objective: optimization.ObjectiveEqual, MinWeight: -1, MaxWeight: 1}, Dependencies{Holdings: holdings})
	ctx := context.Background()

	_, err := b.RunCycle(ctx, CycleInput{Now: t0, Signals: []domain.Signal{up("X", t0, 48*time.Hour)}})
	require.NoError(t, err)

	holdings.positions = map[string]domain.Holding{"X": {Symbol: "X", Quantity: 10, AvgPrice: 50}}
	at := t0.Add(time.Hour)
	result, err := b.RunCycle(ctx, CycleInput{Now: at, Signals: []domain.Signal{down("X", at, 48*time.Hour)}})
	require.NoError(t, err)

	require.Len(t, result.Targets, 1)
	assert.Equal(t, -1.0, result.Targets[0].Weight)
	assert.Equal(t, "X", result.Targets[0].Symbol)
}

func TestRunCycle_HoldingsFailureSkipsRebalance(t *testing.T) {
	b := newTestBuilder(t, equalConfig(), Dependencies{Holdings: &stubHoldings{err: errors.New("broker offline")}})

	result, err := b.RunCycle(context.Background(), CycleInput{
		Now:     t0,
		Signals: []domain.Signal{up("X", t0, time.Hour)},
	})
	require.NoError(t, err)
	assert.Equal(t, StateRebalanceSkipped, result.State)
	assert.Equal(t, "holdings unavailable", result.TriggerReason)
	assert.Empty(t, b.CurrentWeights())
}

func TestRunCycle_ExpiredSignalFlattened(t *testing.T) {
	b := newTestBuilder(t, equalConfig(), Dependencies{})
	ctx := context.Background()

	_, err := b.RunCycle(ctx, CycleInput{Now: t0, Signals: []domain.Signal{up("X", t0, time.Hour)}})
	require.NoError(t, err)

	next, ok := b.NextExpiry()
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Hour), next)

	result, err := b.RunCycle(ctx, CycleInput{Now: t0.Add(2 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, result.Targets, 1)
	assert.Equal(t, domain.FlattenTarget("X", domain.ReasonSignalExpired), result.Targets[0])

	_, ok = b.NextExpiry()
	assert.False(t, ok)

	again, err := b.RunCycle(ctx, CycleInput{Now: t0.Add(3 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, StateIdle, again.State)
	assert.Empty(t, again.Targets)
}

func TestRunCycle_ExpiredButSupersededNotFlattened(t *testing.T) {
	b := newTestBuilder(t, equalConfig(), Dependencies{})
	ctx := context.Background()

	_, err := b.RunCycle(ctx, CycleInput{Now: t0, Signals: []domain.Signal{up("X", t0, time.Hour)}})
	require.NoError(t, err)

	refreshed := t0.Add(30 * time.Minute)
	result, err := b.RunCycle(ctx, CycleInput{Now: t0.Add(2 * time.Hour), Signals: []domain.Signal{up("X", refreshed, 10*time.Hour)}})
	require.NoError(t, err)

	for _, target := range result.Targets {
		assert.NotEqual(t, domain.ReasonSignalExpired, target.Reason)
	}
	assert.Equal(t, 1, len(b.Signals()))
}

func TestRunCycle_ExpiredSignalsSameSymbolFlattenedOnce(t *testing.T) {
	b := newTestBuilder(t, equalConfig(), Dependencies{})
	ctx := context.Background()

	_, err := b.RunCycle(ctx, CycleInput{Now: t0, Signals: []domain.Signal{
		up("X", t0, time.Hour),
		up("X", t0.Add(time.Minute), time.Hour),
	}})
	require.NoError(t, err)

	result, err := b.RunCycle(ctx, CycleInput{Now: t0.Add(3 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, result.Targets, 1)
	assert.Equal(t, domain.ReasonSignalExpired, result.Targets[0].Reason)
}

func TestRunCycle_StdExcludesMissingHistory(t *testing.T) {
	history := &stubHistory{}
	history.set("A", syntheticCloses(300, 0.0004, 0.01, 0))
	history.set("B", syntheticCloses(300, 0.0008, 0.02, 1))

	bus := events.NewBus(zerolog.Nop())
	seen := map[events.EventType]int{}
	bus.SubscribeAll(func(e *events.Event) { seen[e.Type]++ })

	b := newTestBuilder(t, Config{Objective: optimization.ObjectiveStd, MinWeight: 0, MaxWeight: 1},
		Dependencies{History: history, Events: bus})

	result, err := b.RunCycle(context.Background(), CycleInput{Now: t0, Signals: []domain.Signal{
		up("A", t0, 48*time.Hour),
		up("B", t0, 48*time.Hour),
		up("C", t0, 48*time.Hour),
	}})
	require.NoError(t, err)

	require.Len(t, history.calls, 1)
	assert.Equal(t, []string{"A", "B", "C"}, history.calls[0])

	require.Len(t, result.Exclusions, 1)
	assert.Equal(t, "C", result.Exclusions[0].Symbol)

	targets := targetsBySymbol(result.Targets)
	require.Len(t, targets, 2)
	assert.NotContains(t, targets, "C")
	sum := targets["A"].Weight + targets["B"].Weight
	assert.InDelta(t, 1.0, sum, 1e-6)
	for _, target := range result.Targets {
		assert.GreaterOrEqual(t, target.Weight, 0.0)
		assert.LessOrEqual(t, target.Weight, 1.0)
	}
	assert.Greater(t, targets["A"].Weight, targets["B"].Weight, "lower volatility security should carry more weight")

	assert.Equal(t, 1, seen[events.SecurityExcluded])
	assert.Equal(t, 1, seen[events.AllocationTargetsEmitted])
	assert.Equal(t, 1, seen[events.CycleCompleted])
}

func TestRunCycle_FlatSignalGetsZeroWithoutSolving(t *testing.T) {
	history := &stubHistory{}
	history.set("A", syntheticCloses(300, 0.0004, 0.01, 0))
	history.set("B", syntheticCloses(300, 0.0008, 0.02, 1))

	b := newTestBuilder(t, Config{Objective: optimization.ObjectiveStd, MinWeight: 0, MaxWeight: 1}, Dependencies{History: history})

	result, err := b.RunCycle(context.Background(), CycleInput{Now: t0, Signals: []domain.Signal{
		up("A", t0, 48*time.Hour),
		up("B", t0, 48*time.Hour),
		flat("F", t0, 48*time.Hour),
	}})
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B"}, history.calls[0])
	targets := targetsBySymbol(result.Targets)
	require.Contains(t, targets, "F")
	assert.Equal(t, 0.0, targets["F"].Weight)
	assert.InDelta(t, 1.0, targets["A"].Weight+targets["B"].Weight, 1e-6)
}

func TestRunCycle_SharpeDegenerateVarianceKeepsBaseline(t *testing.T) {
	history := &stubHistory{}
	history.set("A", syntheticCloses(300, 0.0004, 0.01, 0))
	history.set("B", syntheticCloses(300, 0.0008, 0.02, 1))

	b := newTestBuilder(t, Config{
		Objective:       optimization.ObjectiveSharpe,
		RebalancePeriod: 24 * time.Hour,
		MinWeight:       0,
		MaxWeight:       1,
	}, Dependencies{History: history})
	ctx := context.Background()

	first, err := b.RunCycle(ctx, CycleInput{Now: t0, Signals: []domain.Signal{
		up("A", t0, 30*24*time.Hour),
		up("B", t0, 30*24*time.Hour),
	}})
	require.NoError(t, err)
	require.True(t, first.Rebalanced)
	baseline := b.CurrentWeights()
	require.Len(t, baseline, 2)

	history.set("A", constantCloses(300, 100))
	history.set("B", constantCloses(300, 40))

	at := t0.Add(25 * time.Hour)
	result, err := b.RunCycle(ctx, CycleInput{Now: at})
	require.Error(t, err)
	assert.True(t, errors.Is(err, optimization.ErrDegenerateVariance))

	require.NotNil(t, result)
	assert.Empty(t, result.Targets)
	assert.False(t, result.Rebalanced)
	assert.NotEmpty(t, result.OptimizationError)
	assert.Equal(t, baseline, b.CurrentWeights())
	assert.Equal(t, at.Add(24*time.Hour), b.NextScheduledRebalance())
}

func TestRunCycle_NonConvergenceRetainsBaseline(t *testing.T) {
	history := &stubHistory{}
	history.set("A", syntheticCloses(300, 0.0004, 0.01, 0))
	history.set("B", syntheticCloses(300, 0.0008, 0.02, 1))

	b := newTestBuilder(t, Config{Objective: optimization.ObjectiveStd, MinWeight: 0, MaxWeight: 1},
		Dependencies{History: history, Minimizer: failingMinimizer{}})

	result, err := b.RunCycle(context.Background(), CycleInput{Now: t0, Signals: []domain.Signal{
		up("A", t0, 48*time.Hour),
		up("B", t0, 48*time.Hour),
	}})
	require.NoError(t, err)
	assert.Empty(t, result.Targets)
	assert.Contains(t, result.OptimizationError, "iteration limit")
	assert.Equal(t, StateRebalanceSkipped, result.State)
	assert.Empty(t, b.CurrentWeights())
}

func TestRunCycle_HistoryErrorRetainsBaseline(t *testing.T) {
	history := &stubHistory{err: errors.New("database locked")}
	b := newTestBuilder(t, Config{Objective: optimization.ObjectiveStd, MinWeight: 0, MaxWeight: 1}, Dependencies{History: history})

	result, err := b.RunCycle(context.Background(), CycleInput{Now: t0, Signals: []domain.Signal{up("A", t0, time.Hour)}})
	require.NoError(t, err)
	assert.Contains(t, result.OptimizationError, "database locked")
	assert.Empty(t, result.Targets)
}

func TestRunCycle_ScheduleDueRebalancesWithoutNewSignals(t *testing.T) {
	b := newTestBuilder(t, Config{
		Objective:       optimization.ObjectiveEqual,
		RebalancePeriod: 24 * time.Hour,
		MaxWeight:       1,
	}, Dependencies{})
	ctx := context.Background()

	_, err := b.RunCycle(ctx, CycleInput{Now: t0, Signals: []domain.Signal{up("X", t0, 30*24*time.Hour)}})
	require.NoError(t, err)
	assert.Equal(t, t0.Add(24*time.Hour), b.NextScheduledRebalance())

	quiet, err := b.RunCycle(ctx, CycleInput{Now: t0.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, StateIdle, quiet.State)

	due, err := b.RunCycle(ctx, CycleInput{Now: t0.Add(24 * time.Hour)})
	require.NoError(t, err)
	assert.True(t, due.Rebalanced)
	assert.Contains(t, due.TriggerReason, "scheduled")
	require.Len(t, due.Targets, 1)
	assert.Equal(t, 1.0, due.Targets[0].Weight)
}

func TestRunCycle_InvalidSignalsDropped(t *testing.T) {
	b := newTestBuilder(t, equalConfig(), Dependencies{})

	result, err := b.RunCycle(context.Background(), CycleInput{Now: t0, Signals: []domain.Signal{
		{Symbol: "", Direction: domain.DirectionUp, GeneratedAt: t0, ExpiresAt: t0.Add(time.Hour)},
	}})
	require.NoError(t, err)
	assert.Equal(t, StateIdle, result.State)
	assert.Empty(t, b.Signals())
}
