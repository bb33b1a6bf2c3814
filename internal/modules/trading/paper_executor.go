// Package trading executes allocation targets against the paper portfolio and
// keeps the audit trail of every target handed to execution.
package trading

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/billmoling/allocator/internal/domain"
	"github.com/billmoling/allocator/internal/modules/portfolio"
	"github.com/rs/zerolog"
)

const quantityEpsilon = 1e-9

// Transition classifies how an order changes a position
type Transition string

const (
	TransitionOpenLong       Transition = "open_long"
	TransitionAddLong        Transition = "add_long"
	TransitionReduceLong     Transition = "reduce_long"
	TransitionCloseLong      Transition = "close_long"
	TransitionReverseToShort Transition = "reverse_to_short"
	TransitionOpenShort      Transition = "open_short"
	TransitionAddShort       Transition = "add_short"
	TransitionReduceShort    Transition = "reduce_short"
	TransitionCloseShort     Transition = "close_short"
	TransitionReverseToLong  Transition = "reverse_to_long"
	TransitionNone           Transition = "none"
)

// Realizes reports whether the transition closes some existing quantity
func (t Transition) Realizes() bool {
	switch t {
	case TransitionReduceLong, TransitionCloseLong, TransitionReverseToShort,
		TransitionReduceShort, TransitionCloseShort, TransitionReverseToLong:
		return true
	}
	return false
}

// ClassifyTransition returns the transition produced by trading delta shares
// against a position of before shares.
func ClassifyTransition(before, delta float64) Transition {
	after := before + delta
	flatAfter := math.Abs(after) < quantityEpsilon

	switch {
	case math.Abs(delta) < quantityEpsilon:
		return TransitionNone
	case math.Abs(before) < quantityEpsilon:
		if delta > 0 {
			return TransitionOpenLong
		}
		return TransitionOpenShort
	case before > 0:
		switch {
		case delta > 0:
			return TransitionAddLong
		case flatAfter:
			return TransitionCloseLong
		case after > 0:
			return TransitionReduceLong
		default:
			return TransitionReverseToShort
		}
	default:
		switch {
		case delta < 0:
			return TransitionAddShort
		case flatAfter:
			return TransitionCloseShort
		case after < 0:
			return TransitionReduceShort
		default:
			return TransitionReverseToLong
		}
	}
}

var transitionMessages = map[Transition]string{
	TransitionOpenLong:       "Going long",
	TransitionAddLong:        "Adding to long position",
	TransitionReduceLong:     "Selling part of long position",
	TransitionCloseLong:      "Closing entire long position",
	TransitionReverseToShort: "Closing entire long position and going short",
	TransitionOpenShort:      "Going short",
	TransitionAddShort:       "Adding to short position",
	TransitionReduceShort:    "Buying back part of short position",
	TransitionCloseShort:     "Closing entire short position",
	TransitionReverseToLong:  "Closing entire short position and going long",
}

// Execution is one simulated fill
type Execution struct {
	Symbol       string     `json:"symbol"`
	Transition   Transition `json:"transition"`
	TargetWeight float64    `json:"target_weight"`
	Quantity     float64    `json:"quantity"`
	Before       float64    `json:"before"`
	After        float64    `json:"after"`
	Price        float64    `json:"price"`
	AvgPrice     float64    `json:"avg_price"`
	// RealizedPnL and ProfitPercent are set when the fill closes existing quantity.
	RealizedPnL   float64 `json:"realized_pnl,omitempty"`
	ProfitPercent float64 `json:"profit_percent,omitempty"`
}

// SkippedTarget is a target that produced no fill
type SkippedTarget struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

// ExecutionReport summarizes one Submit call
type ExecutionReport struct {
	At         time.Time       `json:"at"`
	Equity     float64         `json:"equity"`
	Executions []Execution     `json:"executions"`
	Skipped    []SkippedTarget `json:"skipped,omitempty"`
	Recorded   []TargetRecord  `json:"recorded,omitempty"`
}

// RealizedPnL sums realized profit across executions
func (r *ExecutionReport) RealizedPnL() float64 {
	total := 0.0
	for _, e := range r.Executions {
		total += e.RealizedPnL
	}
	return total
}

// PaperExecutor implements domain.TargetSink by filling every target at the
// latest close and booking the fills in the portfolio store.
type PaperExecutor struct {
	portfolio  *portfolio.Service
	prices     portfolio.PriceSource
	targets    *TargetRepository
	fractional bool

	mu   sync.Mutex
	last *ExecutionReport
	log  zerolog.Logger
}

// NewPaperExecutor creates a paper executor. targets may be nil to skip the audit trail.
func NewPaperExecutor(portfolioService *portfolio.Service, prices portfolio.PriceSource, targets *TargetRepository, log zerolog.Logger) *PaperExecutor {
	return &PaperExecutor{
		portfolio: portfolioService,
		prices:    prices,
		targets:   targets,
		log:       log.With().Str("service", "paper_execution").Logger(),
	}
}

// SetFractional allows fractional share quantities. Whole shares are used by default.
func (e *PaperExecutor) SetFractional(fractional bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fractional = fractional
}

// Submit implements domain.TargetSink
func (e *PaperExecutor) Submit(ctx context.Context, now time.Time, targets []domain.AllocationTarget) error {
	_, err := e.Execute(ctx, now, targets)
	return err
}

// LastReport returns the report of the most recent Execute call, or nil
func (e *PaperExecutor) LastReport() *ExecutionReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

type order struct {
	target domain.AllocationTarget
	before domain.Holding
	delta  float64
	price  float64
}

// Execute sizes each target as equity × weight / last close, trades the
// difference to the current position and books all fills in one transaction.
// Orders that reduce exposure are booked first.
func (e *PaperExecutor) Execute(ctx context.Context, now time.Time, targets []domain.AllocationTarget) (*ExecutionReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	report := &ExecutionReport{At: now, Executions: []Execution{}}
	targets = latestPerSymbol(targets)
	if len(targets) == 0 {
		e.last = report
		return report, nil
	}

	if e.targets != nil {
		recorded, err := e.targets.Record(ctx, now, targets)
		if err != nil {
			return nil, fmt.Errorf("record targets: %w", err)
		}
		report.Recorded = recorded
	}

	equity, err := e.portfolio.Equity(ctx, now)
	if err != nil {
		return nil, err
	}
	report.Equity = equity

	symbols := make([]string, len(targets))
	for i, t := range targets {
		symbols[i] = t.Symbol
	}
	holdings, err := e.portfolio.Repository().Holdings(ctx, symbols)
	if err != nil {
		return nil, fmt.Errorf("load holdings: %w", err)
	}

	orders := make([]order, 0, len(targets))
	for _, t := range targets {
		before := holdings[t.Symbol]
		before.Symbol = t.Symbol

		price, _, err := e.prices.LastClose(ctx, t.Symbol, now)
		if err != nil || price <= 0 {
			reason := "no price"
			if err != nil {
				reason = err.Error()
			}
			e.log.Warn().Str("symbol", t.Symbol).Str("reason", reason).Msg("Skipping target without a price")
			report.Skipped = append(report.Skipped, SkippedTarget{Symbol: t.Symbol, Reason: reason})
			continue
		}
		if t.Weight != 0 && equity <= 0 {
			e.log.Warn().Str("symbol", t.Symbol).Float64("equity", equity).Msg("Skipping target, no equity to allocate")
			report.Skipped = append(report.Skipped, SkippedTarget{Symbol: t.Symbol, Reason: "no equity"})
			continue
		}

		desired := 0.0
		if t.Weight != 0 {
			desired = equity * t.Weight / price
			if !e.fractional {
				desired = math.Trunc(desired)
			}
		}
		delta := desired - before.Quantity
		if math.Abs(delta) < quantityEpsilon {
			continue
		}
		orders = append(orders, order{target: t, before: before, delta: delta, price: price})
	}

	sort.SliceStable(orders, func(i, j int) bool {
		ri, rj := reducesExposure(orders[i]), reducesExposure(orders[j])
		if ri != rj {
			return ri
		}
		return orders[i].target.Symbol < orders[j].target.Symbol
	})

	fills := make([]portfolio.Fill, len(orders))
	for i, o := range orders {
		fills[i] = portfolio.Fill{Symbol: o.target.Symbol, Quantity: o.delta, Price: o.price}
	}
	after, err := e.portfolio.Repository().ApplyFills(ctx, e.portfolio.Currency(), fills)
	if err != nil {
		return nil, fmt.Errorf("apply fills: %w", err)
	}

	for _, o := range orders {
		exec := newExecution(o, after[o.target.Symbol])
		report.Executions = append(report.Executions, exec)
		e.logExecution(exec)
	}

	e.log.Info().
		Time("at", now).
		Float64("equity", equity).
		Int("fills", len(report.Executions)).
		Int("skipped", len(report.Skipped)).
		Float64("realized_pnl", report.RealizedPnL()).
		Msg("Allocation targets executed")

	e.last = report
	return report, nil
}

func newExecution(o order, after portfolio.Position) Execution {
	exec := Execution{
		Symbol:       o.target.Symbol,
		Transition:   ClassifyTransition(o.before.Quantity, o.delta),
		TargetWeight: o.target.Weight,
		Quantity:     o.delta,
		Before:       o.before.Quantity,
		After:        after.Quantity,
		Price:        o.price,
		AvgPrice:     after.AvgPrice,
	}

	if exec.Transition.Realizes() && o.before.AvgPrice != 0 {
		sign := math.Copysign(1, o.before.Quantity)
		closed := math.Min(math.Abs(o.delta), math.Abs(o.before.Quantity)) * sign
		exec.RealizedPnL = (o.price - o.before.AvgPrice) * closed
		exec.ProfitPercent = (o.price/o.before.AvgPrice - 1) * sign * 100
	}
	return exec
}

func (e *PaperExecutor) logExecution(exec Execution) {
	event := e.log.Info().
		Str("symbol", exec.Symbol).
		Str("transition", string(exec.Transition)).
		Float64("shares", exec.Quantity).
		Float64("holdings", exec.After).
		Float64("price", exec.Price).
		Float64("target_weight", exec.TargetWeight)

	if exec.Transition.Realizes() {
		event = event.
			Float64("profit_percent", exec.ProfitPercent).
			Float64("dollar_profit", exec.RealizedPnL)
	}
	if exec.After != 0 {
		event = event.
			Float64("avg_price", exec.AvgPrice).
			Float64("holdings_cost", exec.After*exec.AvgPrice)
	}
	event.Msg(transitionMessages[exec.Transition])
}

// reducesExposure is true for orders that shrink the absolute position
func reducesExposure(o order) bool {
	return math.Abs(o.before.Quantity+o.delta) < math.Abs(o.before.Quantity)
}

// latestPerSymbol keeps the last target for each symbol, in first-seen order
func latestPerSymbol(targets []domain.AllocationTarget) []domain.AllocationTarget {
	index := make(map[string]int, len(targets))
	out := make([]domain.AllocationTarget, 0, len(targets))
	for _, t := range targets {
		t.Symbol = strings.ToUpper(strings.TrimSpace(t.Symbol))
		if t.Symbol == "" {
			continue
		}
		if i, ok := index[t.Symbol]; ok {
			out[i] = t
			continue
		}
		index[t.Symbol] = len(out)
		out = append(out, t)
	}
	return out
}
