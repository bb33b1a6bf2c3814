// Package di wires the allocator's databases, repositories, services and jobs.
//
// Container is the single source of truth for service instances. It is
// created by Wire and handed to the HTTP server and the command entry points.
package di

import (
	"github.com/billmoling/allocator/internal/database"
	"github.com/billmoling/allocator/internal/domain"
	"github.com/billmoling/allocator/internal/events"
	"github.com/billmoling/allocator/internal/metrics"
	"github.com/billmoling/allocator/internal/modules/allocation"
	"github.com/billmoling/allocator/internal/modules/alpha"
	"github.com/billmoling/allocator/internal/modules/historical"
	"github.com/billmoling/allocator/internal/modules/portfolio"
	"github.com/billmoling/allocator/internal/modules/trading"
	"github.com/billmoling/allocator/internal/modules/universe"
	"github.com/billmoling/allocator/internal/scheduler"
)

// Container holds all dependencies for the application.
//
// Databases:
//   - history.db: daily price bars (cache profile, can be re-imported)
//   - portfolio.db: paper positions and cash
//   - ledger.db: append-only audit trail of allocation targets (ledger profile)
//   - universe.db: curated securities and pending membership changes
type Container struct {
	HistoryDB   *database.DB
	PortfolioDB *database.DB
	LedgerDB    *database.DB
	UniverseDB  *database.DB

	Clock    domain.Clock
	EventBus *events.Bus
	Metrics  *metrics.Recorder

	// Repositories
	HistoryRepo  *historical.Repository
	PositionRepo *portfolio.PositionRepository
	SecurityRepo *universe.SecurityRepository
	TargetRepo   *trading.TargetRepository

	// Services
	PortfolioService  *portfolio.Service
	PaperExecutor     *trading.PaperExecutor
	MomentumSource    *alpha.MomentumSource // nil when momentum is disabled
	AllocationBuilder *allocation.Builder
	AllocationService *allocation.Service

	Scheduler *scheduler.Scheduler
}

// JobInstances holds the registered jobs for manual triggering via API
type JobInstances struct {
	AllocationCycle *scheduler.AllocationCycleJob
	CheckDatabases  *scheduler.CheckDatabasesJob
	WALCheckpoint   *scheduler.WALCheckpointJob
}

// All returns the jobs keyed by name
func (j *JobInstances) All() map[string]scheduler.Job {
	if j == nil {
		return nil
	}
	jobs := make(map[string]scheduler.Job, 3)
	if j.AllocationCycle != nil {
		jobs[j.AllocationCycle.Name()] = j.AllocationCycle
	}
	if j.CheckDatabases != nil {
		jobs[j.CheckDatabases.Name()] = j.CheckDatabases
	}
	if j.WALCheckpoint != nil {
		jobs[j.WALCheckpoint.Name()] = j.WALCheckpoint
	}
	return jobs
}

// Databases returns the open databases in a fixed order
func (c *Container) Databases() []*database.DB {
	var dbs []*database.DB
	for _, db := range []*database.DB{c.HistoryDB, c.PortfolioDB, c.LedgerDB, c.UniverseDB} {
		if db != nil {
			dbs = append(dbs, db)
		}
	}
	return dbs
}

// Close closes every open database. The first error is returned.
func (c *Container) Close() error {
	var first error
	for _, db := range c.Databases() {
		if err := db.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
