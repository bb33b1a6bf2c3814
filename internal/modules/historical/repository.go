// Package historical stores daily price bars and serves aligned close series to the optimizer.
package historical

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/billmoling/allocator/internal/database"
	"github.com/rs/zerolog"
)

// DateLayout is the storage format of bar dates
const DateLayout = "2006-01-02"

// ErrNoPrice is returned when a symbol has no usable close at or before the requested date
var ErrNoPrice = errors.New("no price available")

// DailyPrice is one daily OHLCV bar. Close is nil when the bar is known but its close is missing.
type DailyPrice struct {
	Symbol string   `json:"symbol"`
	Date   string   `json:"date"`
	Open   float64  `json:"open"`
	High   float64  `json:"high"`
	Low    float64  `json:"low"`
	Close  *float64 `json:"close"`
	Volume *int64   `json:"volume,omitempty"`
}

// Repository provides access to the history database
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new history repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "history").Logger(),
	}
}

// UpsertDailyPrices inserts or replaces bars in a single transaction
func (r *Repository) UpsertDailyPrices(ctx context.Context, source string, prices []DailyPrice) (int, error) {
	if len(prices) == 0 {
		return 0, nil
	}
	now := time.Now().Unix()

	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO daily_prices (symbol, date, open, high, low, close, volume, source, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(symbol, date) DO UPDATE SET
				open = excluded.open,
				high = excluded.high,
				low = excluded.low,
				close = excluded.close,
				volume = excluded.volume,
				source = excluded.source,
				updated_at = excluded.updated_at
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, p := range prices {
			if _, err := time.Parse(DateLayout, p.Date); err != nil {
				return fmt.Errorf("invalid date %q for %s: %w", p.Date, p.Symbol, err)
			}

			closeValue := sql.NullFloat64{}
			if p.Close != nil && !math.IsNaN(*p.Close) {
				closeValue = sql.NullFloat64{Float64: *p.Close, Valid: true}
			}
			volume := sql.NullInt64{}
			if p.Volume != nil {
				volume = sql.NullInt64{Int64: *p.Volume, Valid: true}
			}

			if _, err := stmt.ExecContext(ctx,
				p.Symbol, p.Date, p.Open, p.High, p.Low, closeValue, volume, source, now,
			); err != nil {
				return fmt.Errorf("failed to upsert %s %s: %w", p.Symbol, p.Date, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	r.log.Debug().Int("count", len(prices)).Str("source", source).Msg("Upserted daily prices")
	return len(prices), nil
}

// GetDailyPrices returns the most recent bars for symbol, newest first
func (r *Repository) GetDailyPrices(ctx context.Context, symbol string, limit int) ([]DailyPrice, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT symbol, date, open, high, low, close, volume
		FROM daily_prices
		WHERE symbol = ?
		ORDER BY date DESC
		LIMIT ?
	`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily prices: %w", err)
	}
	defer rows.Close()

	prices := []DailyPrice{}
	for rows.Next() {
		var p DailyPrice
		var closeValue sql.NullFloat64
		var volume sql.NullInt64
		var open, high, low sql.NullFloat64

		if err := rows.Scan(&p.Symbol, &p.Date, &open, &high, &low, &closeValue, &volume); err != nil {
			return nil, fmt.Errorf("failed to scan daily price: %w", err)
		}
		p.Open, p.High, p.Low = open.Float64, high.Float64, low.Float64
		if closeValue.Valid {
			c := closeValue.Float64
			p.Close = &c
		}
		if volume.Valid {
			v := volume.Int64
			p.Volume = &v
		}
		prices = append(prices, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating daily prices: %w", err)
	}
	return prices, nil
}

// Symbols lists every symbol with at least one bar
func (r *Repository) Symbols(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT DISTINCT symbol FROM daily_prices ORDER BY symbol")
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

// TradingDays returns the distinct bar dates within [from, to], oldest first
func (r *Repository) TradingDays(ctx context.Context, from, to time.Time) ([]time.Time, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT date FROM daily_prices
		WHERE date >= ? AND date <= ?
		ORDER BY date
	`, from.Format(DateLayout), to.Format(DateLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to query trading days: %w", err)
	}
	defer rows.Close()

	days := []time.Time{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan trading day: %w", err)
		}
		d, err := time.Parse(DateLayout, s)
		if err != nil {
			return nil, fmt.Errorf("invalid stored date %q: %w", s, err)
		}
		days = append(days, d)
	}
	return days, rows.Err()
}

// LastClose returns the latest non-null close for symbol dated at or before asOf
func (r *Repository) LastClose(ctx context.Context, symbol string, asOf time.Time) (float64, time.Time, error) {
	var closeValue float64
	var date string
	err := r.db.QueryRowContext(ctx, `
		SELECT close, date FROM daily_prices
		WHERE symbol = ? AND date <= ? AND close IS NOT NULL
		ORDER BY date DESC
		LIMIT 1
	`, symbol, asOf.Format(DateLayout)).Scan(&closeValue, &date)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, time.Time{}, fmt.Errorf("%s as of %s: %w", symbol, asOf.Format(DateLayout), ErrNoPrice)
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to query last close: %w", err)
	}

	d, err := time.Parse(DateLayout, date)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("invalid stored date %q: %w", date, err)
	}
	return closeValue, d, nil
}

// History returns, for each symbol, closes on the last lookback trading dates at or
// before asOf, oldest first. Trading dates are the distinct dates present in the store,
// so every returned series has the same length. A missing bar or null close is NaN.
// Symbols without any bar in the window are omitted.
func (r *Repository) History(ctx context.Context, symbols []string, lookback int, asOf time.Time) (map[string][]float64, error) {
	out := make(map[string][]float64, len(symbols))
	if len(symbols) == 0 || lookback <= 0 {
		return out, nil
	}

	dates, err := r.windowDates(ctx, lookback, asOf)
	if err != nil {
		return nil, err
	}
	if len(dates) == 0 {
		return out, nil
	}

	index := make(map[string]int, len(dates))
	for i, d := range dates {
		index[d] = i
	}

	args := make([]interface{}, 0, len(symbols)+2)
	for _, s := range symbols {
		args = append(args, s)
	}
	args = append(args, dates[0], dates[len(dates)-1])

	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT symbol, date, close FROM daily_prices
		WHERE symbol IN (%s) AND date >= ? AND date <= ?
	`, placeholders(len(symbols))), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query price history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var symbol, date string
		var closeValue sql.NullFloat64
		if err := rows.Scan(&symbol, &date, &closeValue); err != nil {
			return nil, fmt.Errorf("failed to scan price history: %w", err)
		}

		series, ok := out[symbol]
		if !ok {
			series = make([]float64, len(dates))
			for i := range series {
				series[i] = math.NaN()
			}
			out[symbol] = series
		}
		if closeValue.Valid {
			series[index[date]] = closeValue.Float64
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating price history: %w", err)
	}

	r.log.Debug().
		Int("requested", len(symbols)).
		Int("returned", len(out)).
		Int("periods", len(dates)).
		Str("as_of", asOf.Format(DateLayout)).
		Msg("Loaded price history")

	return out, nil
}

// windowDates returns the last n distinct dates at or before asOf, oldest first
func (r *Repository) windowDates(ctx context.Context, n int, asOf time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT date FROM daily_prices
		WHERE date <= ?
		ORDER BY date DESC
		LIMIT ?
	`, asOf.Format(DateLayout), n)
	if err != nil {
		return nil, fmt.Errorf("failed to query history window: %w", err)
	}
	defer rows.Close()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan history window: %w", err)
		}
		dates = append(dates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(dates)-1; i < j; i, j = i+1, j-1 {
		dates[i], dates[j] = dates[j], dates[i]
	}
	return dates, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
