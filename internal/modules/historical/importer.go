package historical

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// ImportCSV reads Yahoo-style daily bars (Date,Open,High,Low,Close,Adj Close,Volume)
// for symbol and upserts them. Cells reading "null" are treated as missing; a missing
// or non-positive close is stored as NULL. Column order is taken from the header.
func (r *Repository) ImportCSV(ctx context.Context, symbol string, src io.Reader) (int, error) {
	prices, err := ParseCSV(symbol, src)
	if err != nil {
		return 0, err
	}

	n, err := r.UpsertDailyPrices(ctx, "csv", prices)
	if err != nil {
		return 0, err
	}

	missing := 0
	for _, p := range prices {
		if p.Close == nil {
			missing++
		}
	}
	r.log.Info().
		Str("symbol", symbol).
		Int("bars", n).
		Int("missing_close", missing).
		Msg("Imported daily prices")

	return n, nil
}

// ParseCSV parses Yahoo-style daily bars without touching the database
func ParseCSV(symbol string, src io.Reader) ([]DailyPrice, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}

	reader := csv.NewReader(src)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("empty csv")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"date", "close"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("csv header missing %q column", required)
		}
	}

	var prices []DailyPrice
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		rawDate := cell(record, cols, "date")
		date, err := time.Parse(DateLayout, rawDate)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid date %q", line, rawDate)
		}

		p := DailyPrice{Symbol: symbol, Date: date.Format(DateLayout)}
		if p.Open, err = parseOptional(cell(record, cols, "open")); err != nil {
			return nil, fmt.Errorf("line %d open: %w", line, err)
		}
		if p.High, err = parseOptional(cell(record, cols, "high")); err != nil {
			return nil, fmt.Errorf("line %d high: %w", line, err)
		}
		if p.Low, err = parseOptional(cell(record, cols, "low")); err != nil {
			return nil, fmt.Errorf("line %d low: %w", line, err)
		}

		rawClose := cell(record, cols, "close")
		if !isNull(rawClose) {
			c, err := strconv.ParseFloat(rawClose, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d close: %w", line, err)
			}
			if c > 0 {
				p.Close = &c
			}
		}

		if rawVolume := cell(record, cols, "volume"); !isNull(rawVolume) {
			v, err := strconv.ParseInt(rawVolume, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d volume: %w", line, err)
			}
			p.Volume = &v
		}

		prices = append(prices, p)
	}

	return prices, nil
}

func cell(record []string, cols map[string]int, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

func isNull(s string) bool {
	return s == "" || strings.EqualFold(s, "null") || strings.EqualFold(s, "nan")
}

func parseOptional(s string) (float64, error) {
	if isNull(s) {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}
