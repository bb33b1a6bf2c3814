package di

import (
	"fmt"

	"github.com/billmoling/allocator/internal/modules/historical"
	"github.com/billmoling/allocator/internal/modules/portfolio"
	"github.com/billmoling/allocator/internal/modules/trading"
	"github.com/billmoling/allocator/internal/modules/universe"
	"github.com/rs/zerolog"
)

// InitializeRepositories creates the repositories over the opened databases
func InitializeRepositories(container *Container, log zerolog.Logger) error {
	if container == nil {
		return fmt.Errorf("container cannot be nil")
	}

	container.HistoryRepo = historical.NewRepository(container.HistoryDB.Conn(), log)
	container.PositionRepo = portfolio.NewPositionRepository(container.PortfolioDB.Conn(), log)
	container.SecurityRepo = universe.NewSecurityRepository(container.UniverseDB.Conn(), log)
	container.TargetRepo = trading.NewTargetRepository(container.LedgerDB.Conn(), log)

	log.Info().Msg("Repositories initialized")
	return nil
}
