package trading

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/billmoling/allocator/internal/domain"
	"github.com/billmoling/allocator/internal/modules/portfolio"
	testingpkg "github.com/billmoling/allocator/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPrices map[string]float64

func (s stubPrices) LastClose(_ context.Context, symbol string, asOf time.Time) (float64, time.Time, error) {
	p, ok := s[symbol]
	if !ok {
		return 0, time.Time{}, fmt.Errorf("no close for %s", symbol)
	}
	return p, asOf, nil
}

type executorFixture struct {
	executor  *PaperExecutor
	positions *portfolio.PositionRepository
	targets   *TargetRepository
	prices    stubPrices
}

func setupExecutor(t *testing.T) executorFixture {
	t.Helper()
	log := zerolog.New(nil).Level(zerolog.Disabled)

	portfolioDB, cleanupPortfolio := testingpkg.NewTestDB(t, "portfolio")
	t.Cleanup(cleanupPortfolio)
	ledgerDB, cleanupLedger := testingpkg.NewTestDB(t, "ledger")
	t.Cleanup(cleanupLedger)

	prices := stubPrices{}
	positions := portfolio.NewPositionRepository(portfolioDB.Conn(), log)
	targets := NewTargetRepository(ledgerDB.Conn(), log)
	svc := portfolio.NewService(positions, prices, "USD", log)

	return executorFixture{
		executor:  NewPaperExecutor(svc, prices, targets, log),
		positions: positions,
		targets:   targets,
		prices:    prices,
	}
}

func TestClassifyTransition(t *testing.T) {
	tests := []struct {
		before, delta float64
		want          Transition
	}{
		{0, 10, TransitionOpenLong},
		{0, -10, TransitionOpenShort},
		{10, 5, TransitionAddLong},
		{10, -4, TransitionReduceLong},
		{10, -10, TransitionCloseLong},
		{10, -15, TransitionReverseToShort},
		{-10, -5, TransitionAddShort},
		{-10, 4, TransitionReduceShort},
		{-10, 10, TransitionCloseShort},
		{-10, 15, TransitionReverseToLong},
		{10, 0, TransitionNone},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v%+v", tt.before, tt.delta), func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyTransition(tt.before, tt.delta))
		})
	}
}

func TestPaperExecutor_OpensClosesAndReverses(t *testing.T) {
	f := setupExecutor(t)
	ctx := context.Background()
	day1 := time.Date(2024, 3, 1, 21, 0, 0, 0, time.UTC)

	require.NoError(t, f.positions.SetCash(ctx, "USD", 10000))
	f.prices["AAA"] = 100
	f.prices["BBB"] = 50

	report, err := f.executor.Execute(ctx, day1, []domain.AllocationTarget{
		{Symbol: "AAA", Weight: 0.5, Reason: domain.ReasonOptimized},
		{Symbol: "BBB", Weight: 0.25, Reason: domain.ReasonOptimized},
	})
	require.NoError(t, err)
	assert.Equal(t, 10000.0, report.Equity)
	require.Len(t, report.Executions, 2)
	assert.Equal(t, TransitionOpenLong, report.Executions[0].Transition)
	assert.Equal(t, 50.0, report.Executions[0].After)
	assert.Equal(t, 50.0, report.Executions[1].After)
	require.Len(t, report.Recorded, 2)
	assert.Nil(t, report.Recorded[0].PreviousWeight)

	cash, err := f.positions.Cash(ctx, "USD")
	require.NoError(t, err)
	assert.Equal(t, 2500.0, cash)

	// AAA gains 10%; its signal expires while BBB turns short
	f.prices["AAA"] = 110
	report, err = f.executor.Execute(ctx, day1.Add(24*time.Hour), []domain.AllocationTarget{
		{Symbol: "BBB", Weight: -0.25, Reason: domain.ReasonOptimized},
		domain.FlattenTarget("AAA", domain.ReasonSignalExpired),
	})
	require.NoError(t, err)
	assert.Equal(t, 10500.0, report.Equity)
	require.Len(t, report.Executions, 2)

	closeLong := report.Executions[0]
	assert.Equal(t, "AAA", closeLong.Symbol)
	assert.Equal(t, TransitionCloseLong, closeLong.Transition)
	assert.Equal(t, -50.0, closeLong.Quantity)
	assert.InDelta(t, 500.0, closeLong.RealizedPnL, 1e-9)
	assert.InDelta(t, 10.0, closeLong.ProfitPercent, 1e-9)

	reverse := report.Executions[1]
	assert.Equal(t, TransitionReverseToShort, reverse.Transition)
	assert.Equal(t, -102.0, reverse.Quantity)
	assert.Equal(t, -52.0, reverse.After)
	assert.InDelta(t, 500.0, report.RealizedPnL(), 1e-9)

	aaa, err := f.positions.GetBySymbol(ctx, "AAA")
	require.NoError(t, err)
	assert.Nil(t, aaa)

	cash, err = f.positions.Cash(ctx, "USD")
	require.NoError(t, err)
	assert.Equal(t, 13100.0, cash)

	require.Len(t, report.Recorded, 2)
	require.NotNil(t, report.Recorded[0].PreviousWeight)
	assert.Equal(t, 0.25, *report.Recorded[0].PreviousWeight)
	assert.True(t, report.Recorded[0].Changed())
}

func TestPaperExecutor_SkipsUnpricedAndUnchanged(t *testing.T) {
	f := setupExecutor(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 21, 0, 0, 0, time.UTC)

	require.NoError(t, f.positions.SetCash(ctx, "USD", 1000))
	f.prices["AAA"] = 10

	_, err := f.executor.Execute(ctx, now, []domain.AllocationTarget{{Symbol: "AAA", Weight: 1, Reason: domain.ReasonOptimized}})
	require.NoError(t, err)

	report, err := f.executor.Execute(ctx, now.Add(time.Hour), []domain.AllocationTarget{
		{Symbol: "aaa", Weight: 1, Reason: domain.ReasonOptimized},
		{Symbol: "ZZZ", Weight: 0.5, Reason: domain.ReasonOptimized},
	})
	require.NoError(t, err)
	assert.Empty(t, report.Executions)
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, "ZZZ", report.Skipped[0].Symbol)
	assert.Same(t, report, f.executor.LastReport())

	weights, err := f.targets.LastWeights(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"AAA": 1, "ZZZ": 0.5}, weights)
}

func TestPaperExecutor_SubmitEmptyIsNoop(t *testing.T) {
	f := setupExecutor(t)
	require.NoError(t, f.executor.Submit(context.Background(), time.Now(), nil))

	recent, err := f.targets.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, recent)
	require.NotNil(t, f.executor.LastReport())
}

func TestPaperExecutor_FractionalShares(t *testing.T) {
	f := setupExecutor(t)
	ctx := context.Background()
	require.NoError(t, f.positions.SetCash(ctx, "USD", 1000))
	f.prices["AAA"] = 300
	f.executor.SetFractional(true)

	report, err := f.executor.Execute(ctx, time.Now(), []domain.AllocationTarget{{Symbol: "AAA", Weight: 0.5, Reason: domain.ReasonOptimized}})
	require.NoError(t, err)
	require.Len(t, report.Executions, 1)
	assert.InDelta(t, 500.0/300.0, report.Executions[0].After, 1e-9)
}
