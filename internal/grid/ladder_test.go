package grid

import (
	"testing"

	"gridtrader/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func arithmeticConfig() *core.SessionConfig {
	return &core.SessionConfig{
		UserID:       "u1",
		Instrument:   "PERP_BTC_USDC",
		Direction:    core.DirectionBoth,
		GridType:     core.GridArithmetic,
		GridLevels:   6,
		TotalMargin:  decimal.NewFromInt(120),
		LowerBound:   decimal.NewFromInt(40000),
		UpperBound:   decimal.NewFromInt(45000),
		CurrentPrice: decimal.NewFromInt(42500),
		PriceTick:    decimal.RequireFromString("0.01"),
	}
}

func TestBuildLadder_Arithmetic(t *testing.T) {
	ladder := BuildLadder(arithmeticConfig())

	require.Len(t, ladder.Levels, 4, "level at current price and band endpoints are omitted")
	assert.Equal(t, "833.33", ladder.Step.String())

	expect := []struct {
		price string
		side  core.Side
		qty   string
	}{
		{"40833.33", core.SideBuy, "0.00049"},
		{"41666.67", core.SideBuy, "0.00048"},
		{"43333.33", core.SideSell, "0.000462"},
		{"44166.67", core.SideSell, "0.000453"},
	}
	for i, want := range expect {
		lvl := ladder.Levels[i]
		assert.Equal(t, want.price, lvl.Price.String(), "level %d price", i)
		assert.Equal(t, want.side, lvl.Side, "level %d side", i)
		assert.Equal(t, want.qty, lvl.Quantity.Round(6).String(), "level %d quantity", i)
	}
}

func TestBuildLadder_LongOnlyBuys(t *testing.T) {
	cfg := arithmeticConfig()
	cfg.Direction = core.DirectionLong
	ladder := BuildLadder(cfg)

	require.Len(t, ladder.Levels, 2)
	for _, lvl := range ladder.Levels {
		assert.Equal(t, core.SideBuy, lvl.Side)
	}
}

func TestBuildLadder_ShortOnlySells(t *testing.T) {
	cfg := arithmeticConfig()
	cfg.Direction = core.DirectionShort
	ladder := BuildLadder(cfg)

	require.Len(t, ladder.Levels, 2)
	for _, lvl := range ladder.Levels {
		assert.Equal(t, core.SideSell, lvl.Side)
	}
}

func TestBuildLadder_Geometric(t *testing.T) {
	cfg := &core.SessionConfig{
		UserID:       "u1",
		Instrument:   "PERP_ETH_USDC",
		Direction:    core.DirectionBoth,
		GridType:     core.GridGeometric,
		GridRatio:    decimal.RequireFromString("0.9"),
		GridLevels:   5,
		TotalMargin:  decimal.NewFromInt(100),
		LowerBound:   decimal.NewFromInt(100),
		UpperBound:   decimal.NewFromInt(140),
		CurrentPrice: decimal.NewFromInt(120),
		PriceTick:    decimal.RequireFromString("0.01"),
	}
	ladder := BuildLadder(cfg)

	require.Len(t, ladder.Levels, 3, "levels at or beyond the upper bound are discarded")
	assert.Equal(t, "111.11", ladder.Levels[0].Price.String())
	assert.Equal(t, "123.46", ladder.Levels[1].Price.String())
	assert.Equal(t, "137.18", ladder.Levels[2].Price.String())

	// Adjacent prices keep a constant ratio of 1/grid_ratio
	for i := 0; i < len(ladder.Levels)-1; i++ {
		ratio := ladder.Levels[i+1].Price.Div(ladder.Levels[i].Price)
		assert.Equal(t, "1.11", ratio.Round(2).String())
	}

	assert.Equal(t, core.SideBuy, ladder.Levels[0].Side)
	assert.Equal(t, core.SideSell, ladder.Levels[1].Side)
	assert.Equal(t, core.SideSell, ladder.Levels[2].Side)
}

func TestCounterPrice_Arithmetic(t *testing.T) {
	cfg := arithmeticConfig()
	ladder := BuildLadder(cfg)

	counter, ok := ladder.CounterPrice(cfg, decimal.RequireFromString("41666.67"), core.SideBuy)
	require.True(t, ok)
	assert.Equal(t, "42500", counter.String())

	counter, ok = ladder.CounterPrice(cfg, decimal.RequireFromString("43333.33"), core.SideSell)
	require.True(t, ok)
	assert.Equal(t, "42500", counter.String())
}

func TestCounterPrice_OutsideBandRetires(t *testing.T) {
	cfg := arithmeticConfig()
	ladder := BuildLadder(cfg)

	// A BUY fill one step below the upper bound counters inside the band;
	// at the bound it would leave it
	_, ok := ladder.CounterPrice(cfg, decimal.RequireFromString("44166.67"), core.SideBuy)
	assert.True(t, ok)
	_, ok = ladder.CounterPrice(cfg, decimal.NewFromInt(45000), core.SideBuy)
	assert.False(t, ok)

	_, ok = ladder.CounterPrice(cfg, decimal.NewFromInt(40000), core.SideSell)
	assert.False(t, ok)
}

func TestCounterPrice_Geometric(t *testing.T) {
	cfg := &core.SessionConfig{
		Direction:    core.DirectionBoth,
		GridType:     core.GridGeometric,
		GridRatio:    decimal.RequireFromString("0.9"),
		GridLevels:   5,
		TotalMargin:  decimal.NewFromInt(100),
		LowerBound:   decimal.NewFromInt(100),
		UpperBound:   decimal.NewFromInt(140),
		CurrentPrice: decimal.NewFromInt(120),
		PriceTick:    decimal.RequireFromString("0.01"),
	}
	ladder := BuildLadder(cfg)

	counter, ok := ladder.CounterPrice(cfg, decimal.RequireFromString("111.11"), core.SideBuy)
	require.True(t, ok)
	assert.Equal(t, "123.46", counter.String())

	counter, ok = ladder.CounterPrice(cfg, decimal.RequireFromString("123.46"), core.SideSell)
	require.True(t, ok)
	assert.Equal(t, "111.11", counter.Round(2).String())
}

func TestLevelAt_TickTolerance(t *testing.T) {
	cfg := arithmeticConfig()
	ladder := BuildLadder(cfg)

	// One tick away still matches
	lvl := ladder.LevelAt(decimal.RequireFromString("41666.66"), cfg.PriceTick)
	require.NotNil(t, lvl)
	assert.Equal(t, "41666.67", lvl.Price.String())

	assert.Nil(t, ladder.LevelAt(decimal.RequireFromString("41600.00"), cfg.PriceTick))
}
