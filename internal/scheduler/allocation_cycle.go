package scheduler

import (
	"context"
	"time"

	"github.com/billmoling/allocator/internal/modules/allocation"
	"github.com/rs/zerolog"
)

// CycleRunner runs one allocation cycle
type CycleRunner interface {
	RunCycle(ctx context.Context) (*allocation.CycleResult, error)
}

// AllocationCycleJob runs the allocation cycle on schedule
type AllocationCycleJob struct {
	runner  CycleRunner
	timeout time.Duration
	log     zerolog.Logger
}

// NewAllocationCycleJob creates a new AllocationCycleJob. A non-positive timeout means no deadline.
func NewAllocationCycleJob(runner CycleRunner, timeout time.Duration) *AllocationCycleJob {
	return &AllocationCycleJob{
		runner:  runner,
		timeout: timeout,
		log:     zerolog.Nop(),
	}
}

// SetLogger sets the logger for the job
func (j *AllocationCycleJob) SetLogger(log zerolog.Logger) {
	j.log = log.With().Str("job", j.Name()).Logger()
}

// Name returns the job name
func (j *AllocationCycleJob) Name() string {
	return "allocation_cycle"
}

// Run executes one allocation cycle
func (j *AllocationCycleJob) Run() error {
	ctx := context.Background()
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	result, err := j.runner.RunCycle(ctx)
	if result != nil {
		j.log.Info().
			Str("cycle_id", result.ID).
			Str("state", string(result.State)).
			Bool("rebalanced", result.Rebalanced).
			Int("targets", len(result.Targets)).
			Int("exclusions", len(result.Exclusions)).
			Msg("Allocation cycle finished")
	}
	return err
}
