package di

import (
	"fmt"

	"github.com/billmoling/allocator/internal/config"
	"github.com/billmoling/allocator/internal/database"
	"github.com/rs/zerolog"
)

// databaseSpecs lists the databases in opening order with their profiles
var databaseSpecs = []struct {
	name    string
	profile database.DatabaseProfile
}{
	{"history", database.ProfileCache},
	{"portfolio", database.ProfileStandard},
	{"ledger", database.ProfileLedger},
	{"universe", database.ProfileStandard},
}

// InitializeDatabases opens all databases under the data directory and applies schemas
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}
	opened := make(map[string]*database.DB, len(databaseSpecs))

	for _, spec := range databaseSpecs {
		db, err := database.New(database.Config{
			Path:    cfg.DatabasePath(spec.name),
			Profile: spec.profile,
			Name:    spec.name,
		})
		if err == nil {
			err = db.Migrate()
			if err != nil {
				db.Close()
			}
		}
		if err != nil {
			for _, open := range opened {
				open.Close()
			}
			return nil, fmt.Errorf("failed to initialize %s database: %w", spec.name, err)
		}
		opened[spec.name] = db

		log.Debug().
			Str("database", spec.name).
			Str("profile", string(spec.profile)).
			Str("path", db.Path()).
			Msg("Database ready")
	}

	container.HistoryDB = opened["history"]
	container.PortfolioDB = opened["portfolio"]
	container.LedgerDB = opened["ledger"]
	container.UniverseDB = opened["universe"]

	log.Info().Int("databases", len(opened)).Msg("Databases initialized")
	return container, nil
}
