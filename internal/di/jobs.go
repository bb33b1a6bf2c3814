package di

import (
	"fmt"
	"time"

	"github.com/billmoling/allocator/internal/config"
	"github.com/billmoling/allocator/internal/scheduler"
	"github.com/rs/zerolog"
)

const (
	cycleTimeout           = 5 * time.Minute
	checkDatabasesSchedule = "0 30 3 * * *"
	walCheckpointSchedule  = "0 */30 * * * *"
)

// RegisterJobs creates the scheduler and registers the background jobs.
// Returns JobInstances for manual triggering via API.
func RegisterJobs(container *Container, cfg *config.Config, log zerolog.Logger) (*JobInstances, error) {
	if container == nil {
		return nil, fmt.Errorf("container cannot be nil")
	}
	schedule := cfg.CycleSchedule
	if schedule == "" {
		schedule = config.DefaultCycleSchedule
	}

	container.Scheduler = scheduler.New(log)
	instances := &JobInstances{}

	instances.AllocationCycle = scheduler.NewAllocationCycleJob(container.AllocationService, cycleTimeout)
	instances.AllocationCycle.SetLogger(log)
	if err := container.Scheduler.AddJob(schedule, instances.AllocationCycle); err != nil {
		return nil, fmt.Errorf("failed to register allocation cycle: %w", err)
	}

	instances.CheckDatabases = scheduler.NewCheckDatabasesJob(container.Databases()...)
	instances.CheckDatabases.SetLogger(log)
	if err := container.Scheduler.AddJob(checkDatabasesSchedule, instances.CheckDatabases); err != nil {
		return nil, fmt.Errorf("failed to register database check: %w", err)
	}

	instances.WALCheckpoint = scheduler.NewWALCheckpointJob("PASSIVE", container.Databases()...)
	instances.WALCheckpoint.SetLogger(log)
	if err := container.Scheduler.AddJob(walCheckpointSchedule, instances.WALCheckpoint); err != nil {
		return nil, fmt.Errorf("failed to register WAL checkpoint: %w", err)
	}

	log.Info().Int("jobs", len(instances.All())).Msg("Jobs registered")
	return instances, nil
}
