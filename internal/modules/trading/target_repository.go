package trading

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/billmoling/allocator/internal/database"
	"github.com/billmoling/allocator/internal/domain"
	"github.com/rs/zerolog"
)

// TargetRecord is one allocation target as written to the ledger
type TargetRecord struct {
	ID             int64               `json:"id"`
	CycleAt        time.Time           `json:"cycle_at"`
	Symbol         string              `json:"symbol"`
	Weight         float64             `json:"weight"`
	PreviousWeight *float64            `json:"previous_weight"`
	Reason         domain.TargetReason `json:"reason"`
	CreatedAt      time.Time           `json:"created_at"`
}

// Changed reports whether the target differs from the last one recorded for the symbol
func (r TargetRecord) Changed() bool {
	return r.PreviousWeight == nil || *r.PreviousWeight != r.Weight
}

const targetColumns = `id, cycle_at, symbol, weight, previous_weight, reason, created_at`

// TargetRepository is the append-only audit trail of allocation targets (ledger.db)
type TargetRepository struct {
	ledgerDB *sql.DB
	log      zerolog.Logger
}

// NewTargetRepository creates a new target repository
func NewTargetRepository(ledgerDB *sql.DB, log zerolog.Logger) *TargetRepository {
	return &TargetRepository{
		ledgerDB: ledgerDB,
		log:      log.With().Str("repo", "allocation_target").Logger(),
	}
}

// Record appends the targets of one cycle. Each record carries the weight last
// recorded for its symbol, read inside the same transaction.
func (r *TargetRepository) Record(ctx context.Context, cycleAt time.Time, targets []domain.AllocationTarget) ([]TargetRecord, error) {
	if len(targets) == 0 {
		return nil, nil
	}

	now := time.Now()
	records := make([]TargetRecord, 0, len(targets))

	err := database.WithTransaction(r.ledgerDB, func(tx *sql.Tx) error {
		for _, t := range targets {
			symbol := strings.ToUpper(strings.TrimSpace(t.Symbol))
			if symbol == "" {
				return fmt.Errorf("target symbol is required")
			}

			var prev sql.NullFloat64
			err := tx.QueryRowContext(ctx, `
				SELECT weight FROM allocation_targets WHERE symbol = ? ORDER BY id DESC LIMIT 1
			`, symbol).Scan(&prev)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("failed to read previous target for %s: %w", symbol, err)
			}

			var prevArg interface{}
			rec := TargetRecord{
				CycleAt:   cycleAt.UTC().Truncate(time.Second),
				Symbol:    symbol,
				Weight:    t.Weight,
				Reason:    t.Reason,
				CreatedAt: now.UTC().Truncate(time.Second),
			}
			if prev.Valid {
				w := prev.Float64
				rec.PreviousWeight = &w
				prevArg = w
			}

			res, err := tx.ExecContext(ctx, `
				INSERT INTO allocation_targets (cycle_at, symbol, weight, previous_weight, reason, created_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, cycleAt.Unix(), symbol, t.Weight, prevArg, string(t.Reason), now.Unix())
			if err != nil {
				return fmt.Errorf("failed to insert target for %s: %w", symbol, err)
			}
			if rec.ID, err = res.LastInsertId(); err != nil {
				return fmt.Errorf("failed to read target id: %w", err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.log.Debug().Int("targets", len(records)).Time("cycle_at", cycleAt).Msg("Allocation targets recorded")
	return records, nil
}

// Recent returns the most recent records, newest first
func (r *TargetRepository) Recent(ctx context.Context, limit int) ([]TargetRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.ledgerDB.QueryContext(ctx,
		"SELECT "+targetColumns+" FROM allocation_targets ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query targets: %w", err)
	}
	defer rows.Close()
	return scanTargets(rows)
}

// BySymbol returns the records for one symbol, newest first
func (r *TargetRepository) BySymbol(ctx context.Context, symbol string, limit int) ([]TargetRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.ledgerDB.QueryContext(ctx,
		"SELECT "+targetColumns+" FROM allocation_targets WHERE symbol = ? ORDER BY id DESC LIMIT ?",
		strings.ToUpper(strings.TrimSpace(symbol)), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query targets for %s: %w", symbol, err)
	}
	defer rows.Close()
	return scanTargets(rows)
}

// LastWeights returns the most recently recorded weight per symbol, omitting zero weights
func (r *TargetRepository) LastWeights(ctx context.Context) (map[string]float64, error) {
	rows, err := r.ledgerDB.QueryContext(ctx, `
		SELECT t.symbol, t.weight FROM allocation_targets t
		JOIN (SELECT symbol, MAX(id) AS id FROM allocation_targets GROUP BY symbol) last
		  ON last.id = t.id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query last weights: %w", err)
	}
	defer rows.Close()

	weights := make(map[string]float64)
	for rows.Next() {
		var symbol string
		var weight float64
		if err := rows.Scan(&symbol, &weight); err != nil {
			return nil, fmt.Errorf("failed to scan weight: %w", err)
		}
		if weight != 0 {
			weights[symbol] = weight
		}
	}
	return weights, rows.Err()
}

func scanTargets(rows *sql.Rows) ([]TargetRecord, error) {
	records := []TargetRecord{}
	for rows.Next() {
		var rec TargetRecord
		var cycleAt, createdAt int64
		var prev sql.NullFloat64
		var reason string
		if err := rows.Scan(&rec.ID, &cycleAt, &rec.Symbol, &rec.Weight, &prev, &reason, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan target: %w", err)
		}
		rec.CycleAt = time.Unix(cycleAt, 0).UTC()
		rec.CreatedAt = time.Unix(createdAt, 0).UTC()
		rec.Reason = domain.TargetReason(reason)
		if prev.Valid {
			w := prev.Float64
			rec.PreviousWeight = &w
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating targets: %w", err)
	}
	return records, nil
}
