package di

import (
	"context"
	"fmt"

	"github.com/billmoling/allocator/internal/config"
	"github.com/billmoling/allocator/internal/domain"
	"github.com/billmoling/allocator/internal/events"
	"github.com/billmoling/allocator/internal/metrics"
	"github.com/billmoling/allocator/internal/modules/allocation"
	"github.com/billmoling/allocator/internal/modules/alpha"
	"github.com/billmoling/allocator/internal/modules/portfolio"
	"github.com/billmoling/allocator/internal/modules/trading"
	"github.com/rs/zerolog"
)

// InitializeServices creates the services, seeds the paper account and syncs
// the universe from the strategy file.
func InitializeServices(container *Container, cfg *config.Config, log zerolog.Logger) error {
	if container == nil {
		return fmt.Errorf("container cannot be nil")
	}
	strategy := cfg.Strategy
	if strategy == nil {
		strategy = config.DefaultStrategy()
	}
	if container.Clock == nil {
		container.Clock = domain.SystemClock{}
	}
	ctx := context.Background()

	container.EventBus = events.NewBus(log)
	container.Metrics = metrics.New()

	container.PortfolioService = portfolio.NewService(
		container.PositionRepo,
		container.HistoryRepo,
		strategy.Currency,
		log,
	)
	if err := seedCash(ctx, container.PositionRepo, strategy, log); err != nil {
		return err
	}

	container.PaperExecutor = trading.NewPaperExecutor(
		container.PortfolioService,
		container.HistoryRepo,
		container.TargetRepo,
		log,
	)
	container.PaperExecutor.SetFractional(strategy.Execution.Fractional)

	// An empty universe list leaves API-managed securities alone
	if len(strategy.Universe) > 0 {
		if _, err := container.SecurityRepo.Sync(ctx, strategy.Universe, container.Clock.Now()); err != nil {
			return fmt.Errorf("failed to sync universe: %w", err)
		}
	}

	minimizer, err := strategy.Minimizer()
	if err != nil {
		return err
	}
	builder, err := allocation.NewBuilder(strategy.AllocationConfig(), allocation.Dependencies{
		History:   container.HistoryRepo,
		Holdings:  container.PositionRepo,
		Minimizer: minimizer,
		Events:    container.EventBus,
		Metrics:   container.Metrics,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create allocation builder: %w", err)
	}
	container.AllocationBuilder = builder

	var sources []domain.SignalSource
	if strategy.Momentum.Enabled {
		container.MomentumSource = alpha.NewMomentumSource(alpha.MomentumConfig{
			Period: strategy.Momentum.Period,
			TopK:   strategy.Momentum.TopK,
			TTL:    strategy.Momentum.TTL,
		}, container.SecurityRepo, container.HistoryRepo, container.PositionRepo, log)
		sources = append(sources, container.MomentumSource)
	}

	container.AllocationService = allocation.NewService(allocation.ServiceDeps{
		Builder:  builder,
		Sources:  sources,
		Universe: container.SecurityRepo,
		Sink:     container.PaperExecutor,
		Clock:    container.Clock,
		Events:   container.EventBus,
		Metrics:  container.Metrics,
	}, log)

	log.Info().
		Str("strategy", strategy.Name).
		Str("objective", strategy.Allocation.Objective).
		Int("universe", len(strategy.Universe)).
		Bool("momentum", strategy.Momentum.Enabled).
		Msg("Services initialized")
	return nil
}

// seedCash funds an empty paper account with the strategy's initial cash
func seedCash(ctx context.Context, repo *portfolio.PositionRepository, strategy *config.Strategy, log zerolog.Logger) error {
	if strategy.InitialCash <= 0 {
		return nil
	}
	positions, err := repo.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to read positions: %w", err)
	}
	cash, err := repo.Cash(ctx, strategy.Currency)
	if err != nil {
		return err
	}
	if len(positions) > 0 || cash != 0 {
		return nil
	}

	if err := repo.SetCash(ctx, strategy.Currency, strategy.InitialCash); err != nil {
		return fmt.Errorf("failed to seed cash: %w", err)
	}
	log.Info().
		Str("currency", strategy.Currency).
		Float64("amount", strategy.InitialCash).
		Msg("Seeded paper account")
	return nil
}
