// Package portfolio stores positions and cash and values them against the latest closes.
package portfolio

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/billmoling/allocator/internal/database"
	"github.com/billmoling/allocator/internal/domain"
	"github.com/rs/zerolog"
)

// DefaultCurrency is the cash currency used when none is configured
const DefaultCurrency = "USD"

// quantityEpsilon is the magnitude below which a position is considered closed
const quantityEpsilon = 1e-9

// Position is a stored holding
type Position struct {
	Symbol    string  `json:"symbol"`
	Quantity  float64 `json:"quantity"`
	AvgPrice  float64 `json:"avg_price"`
	UpdatedAt int64   `json:"updated_at"`
}

// Holding converts the stored position to the domain type
func (p Position) Holding() domain.Holding {
	return domain.Holding{Symbol: p.Symbol, Quantity: p.Quantity, AvgPrice: p.AvgPrice}
}

// Fill is an executed change in quantity at a price. Quantity is signed: positive buys.
type Fill struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
}

// PositionRepository handles position and cash database operations
type PositionRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPositionRepository creates a new position repository
func NewPositionRepository(db *sql.DB, log zerolog.Logger) *PositionRepository {
	return &PositionRepository{
		db:  db,
		log: log.With().Str("repo", "position").Logger(),
	}
}

// GetAll returns all positions ordered by symbol
func (r *PositionRepository) GetAll(ctx context.Context) ([]Position, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT symbol, quantity, avg_price, updated_at FROM positions ORDER BY symbol
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	positions := []Position{}
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.Symbol, &p.Quantity, &p.AvgPrice, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}
	return positions, nil
}

// GetBySymbol returns the position for symbol, or nil when none is held
func (r *PositionRepository) GetBySymbol(ctx context.Context, symbol string) (*Position, error) {
	var p Position
	err := r.db.QueryRowContext(ctx, `
		SELECT symbol, quantity, avg_price, updated_at FROM positions WHERE symbol = ?
	`, normalize(symbol)).Scan(&p.Symbol, &p.Quantity, &p.AvgPrice, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query position: %w", err)
	}
	return &p, nil
}

// Holdings implements domain.HoldingsProvider. Symbols without a position are absent.
func (r *PositionRepository) Holdings(ctx context.Context, symbols []string) (map[string]domain.Holding, error) {
	out := make(map[string]domain.Holding, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}

	args := make([]interface{}, len(symbols))
	for i, s := range symbols {
		args[i] = normalize(s)
	}

	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT symbol, quantity, avg_price, updated_at FROM positions WHERE symbol IN (%s)
	`, strings.TrimSuffix(strings.Repeat("?,", len(symbols)), ",")), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query holdings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.Symbol, &p.Quantity, &p.AvgPrice, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		out[p.Symbol] = p.Holding()
	}
	return out, rows.Err()
}

// Upsert inserts or replaces a position. A zero quantity deletes it.
func (r *PositionRepository) Upsert(ctx context.Context, position Position) error {
	position.Symbol = normalize(position.Symbol)
	if position.Symbol == "" {
		return fmt.Errorf("symbol is required for position upsert")
	}

	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		return upsertTx(ctx, tx, position, time.Now().Unix())
	})
	if err != nil {
		return err
	}

	r.log.Info().Str("symbol", position.Symbol).Float64("quantity", position.Quantity).Msg("Position upserted")
	return nil
}

// Delete deletes the position for symbol
func (r *PositionRepository) Delete(ctx context.Context, symbol string) error {
	symbol = normalize(symbol)
	result, err := r.db.ExecContext(ctx, "DELETE FROM positions WHERE symbol = ?", symbol)
	if err != nil {
		return fmt.Errorf("failed to delete position: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	r.log.Info().Str("symbol", symbol).Int64("rows_affected", rowsAffected).Msg("Position deleted")
	return nil
}

// DeleteAll deletes all positions and cash balances
func (r *PositionRepository) DeleteAll(ctx context.Context) error {
	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM positions"); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM cash_balances")
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to reset portfolio: %w", err)
	}

	r.log.Warn().Msg("All positions and cash deleted")
	return nil
}

// Cash returns the balance for currency; zero when none is stored
func (r *PositionRepository) Cash(ctx context.Context, currency string) (float64, error) {
	var amount float64
	err := r.db.QueryRowContext(ctx,
		"SELECT amount FROM cash_balances WHERE currency = ?", normalize(currency),
	).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query cash: %w", err)
	}
	return amount, nil
}

// SetCash sets the balance for currency
func (r *PositionRepository) SetCash(ctx context.Context, currency string, amount float64) error {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return fmt.Errorf("cash amount must be finite")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cash_balances (currency, amount, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(currency) DO UPDATE SET amount = excluded.amount, updated_at = excluded.updated_at
	`, normalize(currency), amount, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set cash: %w", err)
	}
	return nil
}

// ApplyFills books fills against positions and cash in one transaction and returns
// the resulting positions for the filled symbols.
//
// Adding to a position moves the average price to the weighted average; reducing
// keeps it; crossing through zero restarts it at the fill price.
func (r *PositionRepository) ApplyFills(ctx context.Context, currency string, fills []Fill) (map[string]Position, error) {
	result := make(map[string]Position, len(fills))
	if len(fills) == 0 {
		return result, nil
	}
	currency = normalize(currency)
	now := time.Now().Unix()

	sorted := append([]Fill(nil), fills...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Symbol < sorted[j].Symbol })

	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		cashDelta := 0.0
		for _, f := range sorted {
			f.Symbol = normalize(f.Symbol)
			if f.Price <= 0 || math.IsNaN(f.Price) || math.IsInf(f.Price, 0) {
				return fmt.Errorf("fill for %s has invalid price %v", f.Symbol, f.Price)
			}

			var current Position
			err := tx.QueryRowContext(ctx,
				"SELECT symbol, quantity, avg_price, updated_at FROM positions WHERE symbol = ?", f.Symbol,
			).Scan(&current.Symbol, &current.Quantity, &current.AvgPrice, &current.UpdatedAt)
			if errors.Is(err, sql.ErrNoRows) {
				current = Position{Symbol: f.Symbol}
			} else if err != nil {
				return fmt.Errorf("failed to load position %s: %w", f.Symbol, err)
			}

			next := applyFill(current, f)
			if err := upsertTx(ctx, tx, next, now); err != nil {
				return err
			}
			cashDelta -= f.Quantity * f.Price
			result[f.Symbol] = next
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO cash_balances (currency, amount, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(currency) DO UPDATE SET amount = amount + excluded.amount, updated_at = excluded.updated_at
		`, currency, cashDelta, now)
		if err != nil {
			return fmt.Errorf("failed to book cash: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.log.Debug().Int("fills", len(fills)).Msg("Fills applied")
	return result, nil
}

func applyFill(current Position, f Fill) Position {
	next := current
	next.Symbol = f.Symbol
	qty := current.Quantity + f.Quantity

	switch {
	case math.Abs(qty) < quantityEpsilon:
		next.Quantity = 0
		next.AvgPrice = 0
	case current.Quantity == 0 || math.Signbit(current.Quantity) != math.Signbit(qty):
		next.Quantity = qty
		next.AvgPrice = f.Price
	case math.Abs(qty) > math.Abs(current.Quantity):
		next.Quantity = qty
		next.AvgPrice = (current.Quantity*current.AvgPrice + f.Quantity*f.Price) / qty
	default:
		next.Quantity = qty
	}
	return next
}

func upsertTx(ctx context.Context, tx *sql.Tx, p Position, now int64) error {
	if math.Abs(p.Quantity) < quantityEpsilon {
		if _, err := tx.ExecContext(ctx, "DELETE FROM positions WHERE symbol = ?", p.Symbol); err != nil {
			return fmt.Errorf("failed to delete position %s: %w", p.Symbol, err)
		}
		return nil
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO positions (symbol, quantity, avg_price, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			quantity = excluded.quantity,
			avg_price = excluded.avg_price,
			updated_at = excluded.updated_at
	`, p.Symbol, p.Quantity, p.AvgPrice, now)
	if err != nil {
		return fmt.Errorf("failed to upsert position %s: %w", p.Symbol, err)
	}
	return nil
}

func normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
