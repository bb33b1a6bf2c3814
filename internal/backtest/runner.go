// Package backtest replays stored trading days through the allocation cycle
// against a scratch paper portfolio.
package backtest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/billmoling/allocator/internal/config"
	"github.com/billmoling/allocator/internal/database"
	"github.com/billmoling/allocator/internal/domain"
	"github.com/billmoling/allocator/internal/events"
	"github.com/billmoling/allocator/internal/modules/allocation"
	"github.com/billmoling/allocator/internal/modules/alpha"
	"github.com/billmoling/allocator/internal/modules/historical"
	"github.com/billmoling/allocator/internal/modules/portfolio"
	"github.com/billmoling/allocator/internal/modules/trading"
	"github.com/billmoling/allocator/internal/modules/universe"
)

// DefaultCycleHour is the UTC hour each replayed cycle runs at, after the close
const DefaultCycleHour = 21

// Config controls a replay
type Config struct {
	From     time.Time
	To       time.Time
	Strategy *config.Strategy
	// CycleHour is the UTC hour of day the cycle runs; zero means DefaultCycleHour
	CycleHour int
	// WorkDir holds the scratch databases. Empty uses a temporary directory
	// that is removed when the replay ends.
	WorkDir string
}

// DayResult is one replayed cycle
type DayResult struct {
	Date       string           `json:"date"`
	State      allocation.State `json:"state"`
	Rebalanced bool             `json:"rebalanced"`
	Targets    int              `json:"targets"`
	Exclusions int              `json:"exclusions,omitempty"`
	Equity     float64          `json:"equity"`
	Error      string           `json:"error,omitempty"`
}

// Summary is the outcome of a replay
type Summary struct {
	From           string               `json:"from"`
	To             string               `json:"to"`
	Cycles         int                  `json:"cycles"`
	Rebalances     int                  `json:"rebalances"`
	TargetsEmitted int                  `json:"targets_emitted"`
	Executions     int                  `json:"executions"`
	Failures       int                  `json:"failures"`
	InitialEquity  float64              `json:"initial_equity"`
	FinalEquity    float64              `json:"final_equity"`
	ReturnPercent  float64              `json:"return_percent"`
	RealizedPnL    float64              `json:"realized_pnl"`
	FinalWeights   map[string]float64   `json:"final_weights"`
	Positions      []portfolio.Position `json:"positions"`
	Days           []DayResult          `json:"days"`
}

// Runner replays history through a fresh allocation service per run
type Runner struct {
	history *historical.Repository
	cfg     Config
	log     zerolog.Logger
}

// NewRunner creates a replay runner over the history repository
func NewRunner(history *historical.Repository, cfg Config, log zerolog.Logger) *Runner {
	if cfg.Strategy == nil {
		cfg.Strategy = config.DefaultStrategy()
	}
	if cfg.CycleHour <= 0 || cfg.CycleHour > 23 {
		cfg.CycleHour = DefaultCycleHour
	}
	return &Runner{
		history: history,
		cfg:     cfg,
		log:     log.With().Str("component", "backtest").Logger(),
	}
}

// executionSink executes targets on the paper portfolio and accumulates totals
type executionSink struct {
	executor   *trading.PaperExecutor
	realized   float64
	executions int
}

func (s *executionSink) Submit(ctx context.Context, now time.Time, targets []domain.AllocationTarget) error {
	report, err := s.executor.Execute(ctx, now, targets)
	if report != nil {
		s.realized += report.RealizedPnL()
		s.executions += len(report.Executions)
	}
	return err
}

// Run replays every stored trading day in [From, To].
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	if r.cfg.To.Before(r.cfg.From) {
		return nil, fmt.Errorf("backtest range ends before it starts")
	}
	days, err := r.history.TradingDays(ctx, r.cfg.From, r.cfg.To)
	if err != nil {
		return nil, err
	}
	if len(days) == 0 {
		return nil, fmt.Errorf("no trading days between %s and %s",
			r.cfg.From.Format(historical.DateLayout), r.cfg.To.Format(historical.DateLayout))
	}

	workDir := r.cfg.WorkDir
	if workDir == "" {
		workDir, err = os.MkdirTemp("", "allocator-backtest-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create work directory: %w", err)
		}
		defer os.RemoveAll(workDir)
	}

	dbs, err := openScratchDatabases(workDir)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, db := range dbs {
			db.Close()
		}
	}()

	strategy := r.cfg.Strategy
	clock := domain.NewManualClock(r.cycleTime(days[0]))
	bus := events.NewBus(r.log)
	bus.SetClock(clock.Now)

	positions := portfolio.NewPositionRepository(dbs["portfolio"].Conn(), r.log)
	if err := positions.SetCash(ctx, strategy.Currency, strategy.InitialCash); err != nil {
		return nil, err
	}
	portfolioService := portfolio.NewService(positions, r.history, strategy.Currency, r.log)

	securities := universe.NewSecurityRepository(dbs["universe"].Conn(), r.log)
	symbols := strategy.Universe
	if len(symbols) == 0 {
		if symbols, err = r.history.Symbols(ctx); err != nil {
			return nil, err
		}
	}
	if _, err := securities.Sync(ctx, symbols, clock.Now()); err != nil {
		return nil, err
	}

	executor := trading.NewPaperExecutor(
		portfolioService,
		r.history,
		trading.NewTargetRepository(dbs["ledger"].Conn(), r.log),
		r.log,
	)
	executor.SetFractional(strategy.Execution.Fractional)
	sink := &executionSink{executor: executor}

	minimizer, err := strategy.Minimizer()
	if err != nil {
		return nil, err
	}
	builder, err := allocation.NewBuilder(strategy.AllocationConfig(), allocation.Dependencies{
		History:   r.history,
		Holdings:  positions,
		Minimizer: minimizer,
		Events:    bus,
	}, r.log)
	if err != nil {
		return nil, err
	}

	var sources []domain.SignalSource
	if strategy.Momentum.Enabled {
		sources = append(sources, alpha.NewMomentumSource(alpha.MomentumConfig{
			Period: strategy.Momentum.Period,
			TopK:   strategy.Momentum.TopK,
			TTL:    strategy.Momentum.TTL,
		}, securities, r.history, positions, r.log))
	}

	service := allocation.NewService(allocation.ServiceDeps{
		Builder:  builder,
		Sources:  sources,
		Universe: securities,
		Sink:     sink,
		Clock:    clock,
		Events:   bus,
	}, r.log)

	summary := &Summary{
		From:          days[0].Format(historical.DateLayout),
		To:            days[len(days)-1].Format(historical.DateLayout),
		InitialEquity: strategy.InitialCash,
		Days:          make([]DayResult, 0, len(days)),
	}

	r.log.Info().
		Str("from", summary.From).
		Str("to", summary.To).
		Int("days", len(days)).
		Int("universe", len(symbols)).
		Str("objective", strategy.Allocation.Objective).
		Msg("Starting backtest")

	for _, day := range days {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		clock.Set(r.cycleTime(day))

		result, cycleErr := service.RunCycle(ctx)
		if result == nil {
			return nil, cycleErr
		}

		dayResult := DayResult{
			Date:       day.Format(historical.DateLayout),
			State:      result.State,
			Rebalanced: result.Rebalanced,
			Targets:    len(result.Targets),
			Exclusions: len(result.Exclusions),
		}
		if cycleErr != nil {
			dayResult.Error = cycleErr.Error()
			summary.Failures++
			r.log.Warn().Err(cycleErr).Str("date", dayResult.Date).Msg("Cycle failed")
		}

		equity, err := portfolioService.Equity(ctx, clock.Now())
		if err != nil {
			return nil, fmt.Errorf("equity on %s: %w", dayResult.Date, err)
		}
		dayResult.Equity = equity

		summary.Cycles++
		if result.Rebalanced {
			summary.Rebalances++
		}
		summary.TargetsEmitted += len(result.Targets)
		summary.Days = append(summary.Days, dayResult)
	}

	summary.FinalEquity = summary.Days[len(summary.Days)-1].Equity
	if summary.InitialEquity > 0 {
		summary.ReturnPercent = (summary.FinalEquity/summary.InitialEquity - 1) * 100
	}
	summary.RealizedPnL = sink.realized
	summary.Executions = sink.executions
	summary.FinalWeights = service.CurrentWeights()
	if summary.Positions, err = positions.GetAll(ctx); err != nil {
		return nil, err
	}

	r.log.Info().
		Int("cycles", summary.Cycles).
		Int("rebalances", summary.Rebalances).
		Float64("final_equity", summary.FinalEquity).
		Float64("return_percent", summary.ReturnPercent).
		Msg("Backtest finished")

	return summary, nil
}

func (r *Runner) cycleTime(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, r.cfg.CycleHour, 0, 0, 0, time.UTC)
}

// openScratchDatabases opens the mutable databases under dir. Existing files are replaced.
func openScratchDatabases(dir string) (map[string]*database.DB, error) {
	specs := []struct {
		name    string
		profile database.DatabaseProfile
	}{
		{"portfolio", database.ProfileStandard},
		{"ledger", database.ProfileLedger},
		{"universe", database.ProfileStandard},
	}

	dbs := make(map[string]*database.DB, len(specs))
	closeAll := func() {
		for _, db := range dbs {
			db.Close()
		}
	}

	for _, spec := range specs {
		path := filepath.Join(dir, "backtest_"+spec.name+".db")
		for _, suffix := range []string{"", "-wal", "-shm"} {
			if err := os.Remove(path + suffix); err != nil && !os.IsNotExist(err) {
				closeAll()
				return nil, fmt.Errorf("failed to reset %s: %w", spec.name, err)
			}
		}

		db, err := database.New(database.Config{Path: path, Profile: spec.profile, Name: spec.name})
		if err != nil {
			closeAll()
			return nil, err
		}
		dbs[spec.name] = db
		if err := db.Migrate(); err != nil {
			closeAll()
			return nil, err
		}
	}
	return dbs, nil
}
