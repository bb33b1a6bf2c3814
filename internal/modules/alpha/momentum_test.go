package alpha

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/billmoling/allocator/internal/domain"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 3, 1, 21, 0, 0, 0, time.UTC)

type staticUniverse []string

func (u staticUniverse) Symbols(context.Context) ([]string, error) { return u, nil }

type mapHistory struct {
	closes map[string][]float64
	err    error
}

func (h mapHistory) History(_ context.Context, symbols []string, lookback int, _ time.Time) (map[string][]float64, error) {
	if h.err != nil {
		return nil, h.err
	}
	out := map[string][]float64{}
	for _, s := range symbols {
		c, ok := h.closes[s]
		if !ok {
			continue
		}
		if len(c) > lookback {
			c = c[len(c)-lookback:]
		}
		out[s] = c
	}
	return out, nil
}

type mapHoldings map[string]domain.Holding

func (m mapHoldings) Holdings(_ context.Context, symbols []string) (map[string]domain.Holding, error) {
	out := map[string]domain.Holding{}
	for _, s := range symbols {
		if h, ok := m[s]; ok {
			out[s] = h
		}
	}
	return out, nil
}

// linear returns n closes rising by step per bar from 100
func linear(n int, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 100 + step*float64(i)
	}
	return out
}

func newSource(cfg MomentumConfig, universe staticUniverse, history mapHistory, holdings mapHoldings) *MomentumSource {
	return NewMomentumSource(cfg, universe, history, holdings, zerolog.New(nil).Level(zerolog.Disabled))
}

func TestMomentum(t *testing.T) {
	mom, ok := Momentum(linear(10, 2), 5)
	require.True(t, ok)
	assert.InDelta(t, 10.0, mom, 1e-9)

	_, ok = Momentum(linear(5, 2), 5)
	assert.False(t, ok, "needs period+1 closes")

	gappy := linear(10, 1)
	gappy[7] = math.NaN()
	mom, ok = Momentum(gappy, 5)
	require.True(t, ok)
	assert.InDelta(t, 5.0, mom, 1e-9)

	gappy[9] = math.NaN()
	_, ok = Momentum(gappy, 5)
	assert.False(t, ok, "missing last close")
}

func TestMomentum_EndpointDifference_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("MOM equals last close minus the close period bars back", prop.ForAll(
		func(closes []float64, period int) bool {
			if len(closes) < period+1 {
				_, ok := Momentum(closes, period)
				return !ok
			}
			mom, ok := Momentum(closes, period)
			want := closes[len(closes)-1] - closes[len(closes)-1-period]
			return ok && math.Abs(mom-want) < 1e-9
		},
		gen.SliceOf(gen.Float64Range(1, 500)),
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}

func TestMomentumSource_TopKUpAndFlatForDropouts(t *testing.T) {
	history := mapHistory{closes: map[string][]float64{
		"AAA": linear(30, 3),
		"BBB": linear(30, 2),
		"CCC": linear(30, 1),
		"DDD": linear(30, -1),
		"EEE": linear(3, 5), // too short to rank
	}}
	holdings := mapHoldings{
		"DDD": {Symbol: "DDD", Quantity: 10, AvgPrice: 100},
		"BBB": {Symbol: "BBB", Quantity: 5, AvgPrice: 100},
	}
	source := newSource(MomentumConfig{Period: 20, TopK: 2, TTL: 36 * time.Hour},
		staticUniverse{"AAA", "BBB", "CCC", "DDD", "EEE"}, history, holdings)

	ranked, err := source.Rank(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, ranked, 4)
	assert.Equal(t, "AAA", ranked[0].Symbol)
	assert.InDelta(t, 60.0, ranked[0].Momentum, 1e-9)
	assert.Equal(t, "DDD", ranked[3].Symbol)

	signals, err := source.Signals(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, signals, 3)

	bySymbol := map[string]domain.Signal{}
	for _, s := range signals {
		bySymbol[s.Symbol] = s
		assert.Equal(t, SourceName, s.Source)
		assert.Equal(t, now.Add(36*time.Hour), s.ExpiresAt)
		require.NoError(t, s.Validate())
	}
	assert.Equal(t, domain.DirectionUp, bySymbol["AAA"].Direction)
	assert.Equal(t, domain.DirectionUp, bySymbol["BBB"].Direction, "held winners are re-signalled")
	assert.Equal(t, domain.DirectionFlat, bySymbol["DDD"].Direction)
	assert.NotContains(t, bySymbol, "CCC")
}

func TestMomentumSource_Defaults(t *testing.T) {
	source := newSource(MomentumConfig{}, nil, mapHistory{}, mapHoldings{})
	assert.Equal(t, DefaultMomentumConfig(), source.Config())
	assert.Equal(t, "momentum", source.Name())

	signals, err := source.Signals(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, signals)
}

func TestMomentumSource_HistoryError(t *testing.T) {
	source := newSource(DefaultMomentumConfig(), staticUniverse{"AAA"}, mapHistory{err: errors.New("db closed")}, mapHoldings{})
	_, err := source.Signals(context.Background(), now)
	assert.ErrorContains(t, err, "db closed")
}
