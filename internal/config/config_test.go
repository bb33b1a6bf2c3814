package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/billmoling/allocator/internal/modules/optimization"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeStrategy(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strategy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultStrategy(t *testing.T) {
	s := DefaultStrategy()
	assert.Equal(t, "USD", s.Currency)
	assert.Equal(t, 100000.0, s.InitialCash)
	assert.Equal(t, "std", s.Allocation.Objective)
	assert.Equal(t, 30, s.Allocation.RebalanceDays)
	assert.Equal(t, 1.0, s.Allocation.MaxWeight)
	assert.Equal(t, 253, s.Allocation.LookbackPeriods)
	assert.True(t, s.Momentum.Enabled)
	assert.Equal(t, 126, s.Momentum.Period)
	assert.Equal(t, 5, s.Momentum.TopK)
	assert.Equal(t, 36*time.Hour, s.Momentum.TTL)
	require.NoError(t, s.Validate())

	cfg := s.AllocationConfig()
	assert.Equal(t, optimization.ObjectiveStd, cfg.Objective)
	assert.Equal(t, 30*24*time.Hour, cfg.RebalancePeriod)
}

func TestLoadStrategy_OverridesOnlyPresentKeys(t *testing.T) {
	path := writeStrategy(t, `
name: tsx-momentum
currency: cad
universe: [ry.to, td.to, " ry.to ", enb.to]
allocation:
  objective: Sharpe
  rebalance_days: 0
  min_weight: -0.2
momentum:
  enabled: false
  ttl: 48h
execution:
  fractional: true
`)

	s, err := LoadStrategy(path)
	require.NoError(t, err)
	assert.Equal(t, "tsx-momentum", s.Name)
	assert.Equal(t, "CAD", s.Currency)
	assert.Equal(t, []string{"RY.TO", "TD.TO", "ENB.TO"}, s.Universe)
	assert.Equal(t, "sharpe", s.Allocation.Objective)
	assert.Equal(t, 0, s.Allocation.RebalanceDays)
	assert.Equal(t, -0.2, s.Allocation.MinWeight)
	assert.Equal(t, 1.0, s.Allocation.MaxWeight, "absent key keeps its default")
	assert.False(t, s.Momentum.Enabled)
	assert.Equal(t, 48*time.Hour, s.Momentum.TTL)
	assert.Equal(t, 5, s.Momentum.TopK)
	assert.True(t, s.Execution.Fractional)
	assert.False(t, s.AllocationConfig().ScheduleEnabled())
}

func TestLoadStrategy_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errPart string
	}{
		{"unknown objective", "allocation:\n  objective: kelly\n", "Objective must be one of"},
		{"min above max", "allocation:\n  min_weight: 0.6\n  max_weight: 0.4\n", "MaxWeight"},
		{"weight out of range", "allocation:\n  max_weight: 2\n", "MaxWeight"},
		{"short lookback", "allocation:\n  lookback_periods: 2\n", "LookbackPeriods"},
		{"bad currency", "currency: dollars\n", "Currency"},
		{"unknown solver", "allocation:\n  solver: slsqp\n", "Solver must be one of"},
		{"bad yaml", "allocation: [\n", "parse strategy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadStrategy(writeStrategy(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errPart)
		})
	}

	_, err := LoadStrategy(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestStrategy_Minimizer(t *testing.T) {
	s := DefaultStrategy()
	m, err := s.Minimizer()
	require.NoError(t, err)
	assert.IsType(t, &optimization.ProjectedGradient{}, m)

	s, err = LoadStrategy(writeStrategy(t, "allocation:\n  solver: nelder_mead\n"))
	require.NoError(t, err)
	m, err = s.Minimizer()
	require.NoError(t, err)
	assert.IsType(t, &optimization.NelderMead{}, m)
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule(DefaultCycleSchedule))
	assert.NoError(t, ValidateSchedule("@daily"))
	assert.Error(t, ValidateSchedule("0 21 * * MON-FRI"), "five fields lack seconds")
	assert.Error(t, ValidateSchedule("not a schedule"))
}

func TestLoad_FromEnvironment(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "data")
	strategy := writeStrategy(t, "universe: [AAA, BBB]\nallocation:\n  objective: return\n")

	t.Setenv("ALLOCATOR_DATA_DIR", dataDir)
	t.Setenv("STRATEGY_FILE", strategy)
	t.Setenv("PORT", "9090")
	t.Setenv("DEV_MODE", "true")
	t.Setenv("ALLOCATOR_OBJECTIVE", "EQUAL")
	t.Setenv("ALLOCATOR_REBALANCE_DAYS", "7")
	t.Setenv("SHUTDOWN_TIMEOUT", "3s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, dataDir, cfg.DataDir)
	assert.DirExists(t, dataDir)
	assert.Equal(t, 9090, cfg.Port)
	assert.True(t, cfg.DevMode)
	assert.Equal(t, DefaultCycleSchedule, cfg.CycleSchedule)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, []string{"AAA", "BBB"}, cfg.Strategy.Universe)
	assert.Equal(t, "equal", cfg.Strategy.Allocation.Objective)
	assert.Equal(t, 7, cfg.Strategy.Allocation.RebalanceDays)
	assert.Equal(t, filepath.Join(dataDir, "history.db"), cfg.DatabasePath("history"))
}

func TestLoad_Errors(t *testing.T) {
	t.Setenv("ALLOCATOR_DATA_DIR", t.TempDir())

	t.Run("missing explicit strategy file", func(t *testing.T) {
		t.Setenv("STRATEGY_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("bad schedule", func(t *testing.T) {
		t.Setenv("CYCLE_SCHEDULE", "every day")
		_, err := Load()
		assert.ErrorContains(t, err, "invalid cycle schedule")
	})

	t.Run("bad rebalance days", func(t *testing.T) {
		t.Setenv("ALLOCATOR_REBALANCE_DAYS", "weekly")
		_, err := Load()
		assert.ErrorContains(t, err, "ALLOCATOR_REBALANCE_DAYS")
	})

	t.Run("bad objective override", func(t *testing.T) {
		t.Setenv("ALLOCATOR_OBJECTIVE", "kelly")
		_, err := Load()
		assert.Error(t, err)
	})
}
