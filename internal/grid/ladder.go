// Package grid implements the grid trading engine: ladder construction,
// fill reaction, stop triggers and order restoration.
package grid

import (
	"github.com/shopspring/decimal"

	"gridtrader/internal/core"
)

// Ladder is the fixed set of price levels for one session plus the
// spacing parameters needed to derive counter-prices.
type Ladder struct {
	Levels []*core.GridLevel
	// Step is the arithmetic spacing; zero for geometric grids
	Step decimal.Decimal
	// Ratio is the downward step factor for geometric grids: the price one
	// step below p is p*Ratio, one step above is p/Ratio
	Ratio decimal.Decimal
}

// BuildLadder computes the level set from the session config. Prices are
// fixed for the session's lifetime. The level equal to current_price and
// the band endpoints themselves carry no initial order.
func BuildLadder(cfg *core.SessionConfig) *Ladder {
	switch cfg.GridType {
	case core.GridGeometric:
		return buildGeometric(cfg)
	default:
		return buildArithmetic(cfg)
	}
}

func buildArithmetic(cfg *core.SessionConfig) *Ladder {
	n := decimal.NewFromInt(int64(cfg.GridLevels))
	rawStep := cfg.UpperBound.Sub(cfg.LowerBound).Div(n)

	// Prices derive from the exact step so rounding error does not
	// accumulate up the ladder; the stored step is tick-aligned
	ladder := &Ladder{Step: roundToTick(rawStep, cfg.PriceTick)}
	for i := 1; i < cfg.GridLevels; i++ {
		price := roundToTick(cfg.LowerBound.Add(rawStep.Mul(decimal.NewFromInt(int64(i)))), cfg.PriceTick)
		if price.GreaterThanOrEqual(cfg.UpperBound) {
			break
		}
		appendLevel(ladder, cfg, price)
	}
	return ladder
}

// buildGeometric anchors the ladder at the lower bound with a constant
// price ratio between adjacent levels. grid_ratio is the downward factor,
// so climbing the ladder multiplies by its inverse.
func buildGeometric(cfg *core.SessionConfig) *Ladder {
	ladder := &Ladder{Ratio: cfg.GridRatio}

	price := cfg.LowerBound
	for i := 1; i < cfg.GridLevels; i++ {
		price = roundToTick(price.Div(cfg.GridRatio), cfg.PriceTick)
		if price.GreaterThanOrEqual(cfg.UpperBound) {
			break
		}
		appendLevel(ladder, cfg, price)
	}
	return ladder
}

func appendLevel(ladder *Ladder, cfg *core.SessionConfig, price decimal.Decimal) {
	tol := tickTolerance(cfg.PriceTick)
	if price.Sub(cfg.CurrentPrice).Abs().LessThanOrEqual(tol) {
		// The level at the market is left empty; it fills in as its
		// neighbours trade through it
		return
	}

	side := core.SideBuy
	if price.GreaterThan(cfg.CurrentPrice) {
		side = core.SideSell
	}
	switch cfg.Direction {
	case core.DirectionLong:
		if side != core.SideBuy {
			return
		}
	case core.DirectionShort:
		if side != core.SideSell {
			return
		}
	}

	ladder.Levels = append(ladder.Levels, &core.GridLevel{
		Price:    price,
		Side:     side,
		Quantity: levelQuantity(cfg, price),
	})
}

// levelQuantity is the nominal size at a price: total_margin / N / price
func levelQuantity(cfg *core.SessionConfig, price decimal.Decimal) decimal.Decimal {
	return cfg.TotalMargin.
		Div(decimal.NewFromInt(int64(cfg.GridLevels))).
		Div(price)
}

// CounterPrice derives the resting price one step on the other side of a
// fill. ok is false when the counter-price leaves the band and the level
// must be retired instead.
func (l *Ladder) CounterPrice(cfg *core.SessionConfig, fillPrice decimal.Decimal, fillSide core.Side) (decimal.Decimal, bool) {
	var counter decimal.Decimal
	if !l.Step.IsZero() {
		if fillSide == core.SideBuy {
			counter = fillPrice.Add(l.Step)
		} else {
			counter = fillPrice.Sub(l.Step)
		}
	} else {
		if fillSide == core.SideBuy {
			counter = fillPrice.Div(l.Ratio)
		} else {
			counter = fillPrice.Mul(l.Ratio)
		}
	}
	counter = roundToTick(counter, cfg.PriceTick)

	if fillSide == core.SideBuy && counter.GreaterThan(cfg.UpperBound) {
		return decimal.Decimal{}, false
	}
	if fillSide == core.SideSell && counter.LessThan(cfg.LowerBound) {
		return decimal.Decimal{}, false
	}
	return counter, true
}

// LevelAt returns the ladder level whose price matches within one tick
func (l *Ladder) LevelAt(price, tick decimal.Decimal) *core.GridLevel {
	tol := tickTolerance(tick)
	for _, lvl := range l.Levels {
		if lvl.Price.Sub(price).Abs().LessThanOrEqual(tol) {
			return lvl
		}
	}
	return nil
}

func roundToTick(p, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return p
	}
	return p.Div(tick).Round(0).Mul(tick)
}

// tickTolerance is the comparison tolerance for price equality
func tickTolerance(tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return decimal.New(1, -8)
	}
	return tick
}
