// Package universe keeps the manually curated list of tradable securities and
// reports membership changes to the allocation cycle.
package universe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/billmoling/allocator/internal/database"
	"github.com/billmoling/allocator/internal/domain"
	"github.com/rs/zerolog"
)

// Change kinds recorded in universe_changes
const (
	ChangeAdded   = "added"
	ChangeRemoved = "removed"
)

// Security is a member (current or former) of the universe
type Security struct {
	Symbol    string     `json:"symbol"`
	Name      string     `json:"name,omitempty"`
	Active    bool       `json:"active"`
	AddedAt   time.Time  `json:"added_at"`
	RemovedAt *time.Time `json:"removed_at,omitempty"`
}

const securitiesColumns = `symbol, name, active, added_at, removed_at`

// SecurityRepository handles security database operations (universe.db)
type SecurityRepository struct {
	universeDB *sql.DB
	log        zerolog.Logger
}

// NewSecurityRepository creates a new security repository
func NewSecurityRepository(universeDB *sql.DB, log zerolog.Logger) *SecurityRepository {
	return &SecurityRepository{
		universeDB: universeDB,
		log:        log.With().Str("repo", "security").Logger(),
	}
}

// GetAll returns securities ordered by symbol; inactive ones only when includeInactive is set
func (r *SecurityRepository) GetAll(ctx context.Context, includeInactive bool) ([]Security, error) {
	query := "SELECT " + securitiesColumns + " FROM securities"
	if !includeInactive {
		query += " WHERE active = 1"
	}
	query += " ORDER BY symbol"

	rows, err := r.universeDB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query securities: %w", err)
	}
	defer rows.Close()

	securities := []Security{}
	for rows.Next() {
		s, err := scanSecurity(rows)
		if err != nil {
			return nil, err
		}
		securities = append(securities, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating securities: %w", err)
	}
	return securities, nil
}

// GetBySymbol returns a security by symbol, or nil when unknown
func (r *SecurityRepository) GetBySymbol(ctx context.Context, symbol string) (*Security, error) {
	rows, err := r.universeDB.QueryContext(ctx,
		"SELECT "+securitiesColumns+" FROM securities WHERE symbol = ?", normalize(symbol))
	if err != nil {
		return nil, fmt.Errorf("failed to query security by symbol: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	s, err := scanSecurity(rows)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Symbols returns the active symbols in order
func (r *SecurityRepository) Symbols(ctx context.Context) ([]string, error) {
	rows, err := r.universeDB.QueryContext(ctx, "SELECT symbol FROM securities WHERE active = 1 ORDER BY symbol")
	if err != nil {
		return nil, fmt.Errorf("failed to query symbols: %w", err)
	}
	defer rows.Close()

	symbols := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		symbols = append(symbols, s)
	}
	return symbols, rows.Err()
}

// Add activates symbol, recording an "added" change when it was not already active.
// It reports whether anything changed.
func (r *SecurityRepository) Add(ctx context.Context, symbol, name string, at time.Time) (bool, error) {
	symbol = normalize(symbol)
	if symbol == "" {
		return false, fmt.Errorf("symbol is required")
	}

	var added bool
	err := database.WithTransaction(r.universeDB, func(tx *sql.Tx) error {
		var err error
		added, err = addTx(ctx, tx, symbol, name, at)
		return err
	})
	if err != nil {
		return false, err
	}

	if added {
		r.log.Info().Str("symbol", symbol).Msg("Security added to universe")
	}
	return added, nil
}

// Remove deactivates symbol, recording a "removed" change. It reports whether the symbol was active.
func (r *SecurityRepository) Remove(ctx context.Context, symbol string, at time.Time) (bool, error) {
	symbol = normalize(symbol)

	var removed bool
	err := database.WithTransaction(r.universeDB, func(tx *sql.Tx) error {
		var err error
		removed, err = removeTx(ctx, tx, symbol, at)
		return err
	})
	if err != nil {
		return false, err
	}

	if removed {
		r.log.Info().Str("symbol", symbol).Msg("Security removed from universe")
	}
	return removed, nil
}

// Sync makes symbols the exact active set, adding and removing as needed.
func (r *SecurityRepository) Sync(ctx context.Context, symbols []string, at time.Time) (domain.UniverseChanges, error) {
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		if s = normalize(s); s != "" {
			want[s] = true
		}
	}

	var changes domain.UniverseChanges
	err := database.WithTransaction(r.universeDB, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, "SELECT symbol FROM securities WHERE active = 1")
		if err != nil {
			return fmt.Errorf("failed to query active securities: %w", err)
		}
		active := make(map[string]bool)
		for rows.Next() {
			var s string
			if err := rows.Scan(&s); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan symbol: %w", err)
			}
			active[s] = true
		}
		rows.Close()

		for _, s := range sortedKeys(want) {
			if active[s] {
				continue
			}
			if _, err := addTx(ctx, tx, s, "", at); err != nil {
				return err
			}
			changes.Added = append(changes.Added, s)
		}
		for _, s := range sortedKeys(active) {
			if want[s] {
				continue
			}
			if _, err := removeTx(ctx, tx, s, at); err != nil {
				return err
			}
			changes.Removed = append(changes.Removed, s)
		}
		return nil
	})
	if err != nil {
		return domain.UniverseChanges{}, err
	}

	if !changes.Empty() {
		r.log.Info().
			Strs("added", changes.Added).
			Strs("removed", changes.Removed).
			Msg("Universe synced")
	}
	return changes, nil
}

// Changes implements domain.UniverseChangeFeed. It drains the pending changes,
// reporting each symbol once with its latest membership state.
func (r *SecurityRepository) Changes(ctx context.Context, now time.Time) (domain.UniverseChanges, error) {
	latest := make(map[string]string)

	err := database.WithTransaction(r.universeDB, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT symbol, change FROM universe_changes
			WHERE reported = 0 AND changed_at <= ?
			ORDER BY id
		`, now.Unix())
		if err != nil {
			return fmt.Errorf("failed to query universe changes: %w", err)
		}
		for rows.Next() {
			var symbol, change string
			if err := rows.Scan(&symbol, &change); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan universe change: %w", err)
			}
			latest[symbol] = change
		}
		if err := rows.Close(); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE universe_changes SET reported = 1 WHERE reported = 0 AND changed_at <= ?", now.Unix())
		if err != nil {
			return fmt.Errorf("failed to mark universe changes reported: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.UniverseChanges{}, err
	}

	var changes domain.UniverseChanges
	for _, symbol := range sortedKeys(latest) {
		if latest[symbol] == ChangeAdded {
			changes.Added = append(changes.Added, symbol)
		} else {
			changes.Removed = append(changes.Removed, symbol)
		}
	}
	return changes, nil
}

func addTx(ctx context.Context, tx *sql.Tx, symbol, name string, at time.Time) (bool, error) {
	var active int
	err := tx.QueryRowContext(ctx, "SELECT active FROM securities WHERE symbol = ?", symbol).Scan(&active)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO securities (symbol, name, active, added_at) VALUES (?, ?, 1, ?)
		`, symbol, name, at.Unix())
	case err != nil:
		return false, fmt.Errorf("failed to query security %s: %w", symbol, err)
	case active == 1:
		if name != "" {
			_, err = tx.ExecContext(ctx, "UPDATE securities SET name = ? WHERE symbol = ?", name, symbol)
		}
		return false, err
	default:
		_, err = tx.ExecContext(ctx, `
			UPDATE securities SET active = 1, added_at = ?, removed_at = NULL,
				name = CASE WHEN ? = '' THEN name ELSE ? END
			WHERE symbol = ?
		`, at.Unix(), name, name, symbol)
	}
	if err != nil {
		return false, fmt.Errorf("failed to add security %s: %w", symbol, err)
	}

	if err := recordChange(ctx, tx, symbol, ChangeAdded, at); err != nil {
		return false, err
	}
	return true, nil
}

func removeTx(ctx context.Context, tx *sql.Tx, symbol string, at time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE securities SET active = 0, removed_at = ? WHERE symbol = ? AND active = 1
	`, at.Unix(), symbol)
	if err != nil {
		return false, fmt.Errorf("failed to remove security %s: %w", symbol, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if err := recordChange(ctx, tx, symbol, ChangeRemoved, at); err != nil {
		return false, err
	}
	return true, nil
}

func recordChange(ctx context.Context, tx *sql.Tx, symbol, change string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO universe_changes (symbol, change, changed_at) VALUES (?, ?, ?)
	`, symbol, change, at.Unix())
	if err != nil {
		return fmt.Errorf("failed to record universe change for %s: %w", symbol, err)
	}
	return nil
}

func scanSecurity(rows *sql.Rows) (Security, error) {
	var s Security
	var active int
	var addedAt int64
	var removedAt sql.NullInt64
	if err := rows.Scan(&s.Symbol, &s.Name, &active, &addedAt, &removedAt); err != nil {
		return Security{}, fmt.Errorf("failed to scan security: %w", err)
	}
	s.Active = active == 1
	s.AddedAt = time.Unix(addedAt, 0).UTC()
	if removedAt.Valid {
		t := time.Unix(removedAt.Int64, 0).UTC()
		s.RemovedAt = &t
	}
	return s, nil
}

func normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
