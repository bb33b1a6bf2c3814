package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/billmoling/allocator/internal/database"
	"github.com/rs/zerolog"
)

// CheckDatabasesJob verifies integrity of the SQLite databases
type CheckDatabasesJob struct {
	log       zerolog.Logger
	databases []*database.DB
}

// NewCheckDatabasesJob creates a new CheckDatabasesJob. Nil databases are skipped.
func NewCheckDatabasesJob(databases ...*database.DB) *CheckDatabasesJob {
	return &CheckDatabasesJob{
		log:       zerolog.Nop(),
		databases: databases,
	}
}

// SetLogger sets the logger for the job
func (j *CheckDatabasesJob) SetLogger(log zerolog.Logger) {
	j.log = log
}

// Name returns the job name
func (j *CheckDatabasesJob) Name() string {
	return "check_databases"
}

// Run executes the integrity check. Corruption cannot be recovered automatically.
func (j *CheckDatabasesJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	checked := 0
	for _, db := range j.databases {
		if db == nil {
			continue
		}
		if err := db.HealthCheck(ctx); err != nil {
			j.log.Error().
				Err(err).
				Str("database", db.Name()).
				Msg("Database integrity check failed")
			return fmt.Errorf("database %s is corrupted: %w", db.Name(), err)
		}
		j.log.Debug().Str("database", db.Name()).Msg("Database integrity OK")
		checked++
	}

	j.log.Info().Int("checked", checked).Msg("Database integrity check passed")
	return nil
}

// WALCheckpointJob checkpoints the WAL of each database
type WALCheckpointJob struct {
	log       zerolog.Logger
	mode      string
	databases []*database.DB
}

// NewWALCheckpointJob creates a new WALCheckpointJob. mode is PASSIVE, FULL, RESTART or TRUNCATE.
func NewWALCheckpointJob(mode string, databases ...*database.DB) *WALCheckpointJob {
	return &WALCheckpointJob{
		log:       zerolog.Nop(),
		mode:      mode,
		databases: databases,
	}
}

// SetLogger sets the logger for the job
func (j *WALCheckpointJob) SetLogger(log zerolog.Logger) {
	j.log = log
}

// Name returns the job name
func (j *WALCheckpointJob) Name() string {
	return "wal_checkpoint"
}

// Run checkpoints every database; failures are logged and counted
func (j *WALCheckpointJob) Run() error {
	failed := 0
	for _, db := range j.databases {
		if db == nil {
			continue
		}
		if err := db.WALCheckpoint(j.mode); err != nil {
			j.log.Warn().Err(err).Str("database", db.Name()).Msg("WAL checkpoint failed")
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d WAL checkpoints failed", failed)
	}
	j.log.Debug().Int("databases", len(j.databases)).Msg("WAL checkpoint completed")
	return nil
}
