package tracker

import (
	"testing"

	"gridtrader/internal/core"
	"gridtrader/internal/mock"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openOrder(id string, price string) core.Order {
	p := decimal.RequireFromString(price)
	return core.Order{
		ID:         id,
		Instrument: "PERP_ETH_USDC",
		Side:       core.SideBuy,
		Price:      p,
		Quantity:   decimal.RequireFromString("0.001"),
		LevelPrice: p,
	}
}

func TestRegisterNew_RejectsSecondOrderOnLevel(t *testing.T) {
	tr := New(mock.NopLogger{})
	require.NoError(t, tr.RegisterNew(openOrder("a", "41000")))

	err := tr.RegisterNew(openOrder("b", "41000"))
	require.Error(t, err)
	assert.Equal(t, 1, tr.OpenCount())
}

func TestMarkFilled_Lifecycle(t *testing.T) {
	tr := New(mock.NopLogger{})
	require.NoError(t, tr.RegisterNew(openOrder("a", "41000")))

	fill := core.Fill{
		OrderID:    "a",
		Price:      decimal.RequireFromString("41000"),
		Quantity:   decimal.RequireFromString("0.001"),
		Side:       core.SideBuy,
		ExchangeTs: 1700000000123,
	}

	order, outcome := tr.MarkFilled(fill)
	assert.Equal(t, FillApplied, outcome)
	assert.Equal(t, core.OrderFilled, order.Status)
	assert.Equal(t, 0, tr.OpenCount())
	assert.Equal(t, int64(1), tr.FilledCount())

	// The level is free again
	require.NoError(t, tr.RegisterNew(openOrder("b", "41000")))
}

func TestMarkFilled_Redelivery(t *testing.T) {
	tr := New(mock.NopLogger{})
	require.NoError(t, tr.RegisterNew(openOrder("a", "41000")))

	fill := core.Fill{
		OrderID:    "a",
		Price:      decimal.RequireFromString("41000"),
		Quantity:   decimal.RequireFromString("0.001"),
		ExchangeTs: 1700000000123,
	}

	_, outcome := tr.MarkFilled(fill)
	require.Equal(t, FillApplied, outcome)

	_, outcome = tr.MarkFilled(fill)
	assert.Equal(t, FillDuplicate, outcome)
	assert.Equal(t, int64(1), tr.FilledCount())
}

func TestMarkFilled_RedeliveryAfterLateRegistration(t *testing.T) {
	tr := New(mock.NopLogger{})

	fill := core.Fill{
		OrderID:    "a",
		Price:      decimal.RequireFromString("41000"),
		Quantity:   decimal.RequireFromString("0.001"),
		ExchangeTs: 1700000000123,
	}

	// Fill pushed before placement finished registering the order
	_, outcome := tr.MarkFilled(fill)
	require.Equal(t, FillUnknownOrder, outcome)

	require.NoError(t, tr.RegisterNew(openOrder("a", "41000")))

	// The exchange redelivers the same fill; it must apply, not dedup
	_, outcome = tr.MarkFilled(fill)
	assert.Equal(t, FillApplied, outcome)
	assert.Equal(t, int64(1), tr.FilledCount())

	_, outcome = tr.MarkFilled(fill)
	assert.Equal(t, FillDuplicate, outcome)
}

func TestMarkFilled_SamePriceDifferentTimestampIsDistinct(t *testing.T) {
	tr := New(mock.NopLogger{})
	require.NoError(t, tr.RegisterNew(openOrder("a", "41000")))

	first := core.Fill{OrderID: "a", Quantity: decimal.RequireFromString("0.001"), ExchangeTs: 1}
	second := core.Fill{OrderID: "a", Quantity: decimal.RequireFromString("0.001"), ExchangeTs: 2}

	_, outcome := tr.MarkFilled(first)
	require.Equal(t, FillApplied, outcome)

	// Order already consumed, but the dedup key differs so it is reported
	// as unknown, not duplicate
	_, outcome = tr.MarkFilled(second)
	assert.Equal(t, FillUnknownOrder, outcome)
}

func TestMarkFilled_UnknownOrder(t *testing.T) {
	tr := New(mock.NopLogger{})
	_, outcome := tr.MarkFilled(core.Fill{OrderID: "ghost", Quantity: decimal.NewFromInt(1), ExchangeTs: 1})
	assert.Equal(t, FillUnknownOrder, outcome)
}

func TestMarkCancelled_LocalRequest(t *testing.T) {
	tr := New(mock.NopLogger{})
	require.NoError(t, tr.RegisterNew(openOrder("a", "41000")))

	tr.RequestCancel("a")
	order, outcome := tr.MarkCancelled("a")
	assert.Equal(t, CancelRequested, outcome)
	assert.Equal(t, core.OrderCancelled, order.Status)
	assert.Equal(t, 0, tr.OpenCount())
}

func TestMarkCancelled_ExternalDetection(t *testing.T) {
	tr := New(mock.NopLogger{})
	require.NoError(t, tr.RegisterNew(openOrder("a", "41000")))

	// No local cancel request on file
	_, outcome := tr.MarkCancelled("a")
	assert.Equal(t, CancelExternal, outcome)
}

func TestMarkCancelled_UnknownOrder(t *testing.T) {
	tr := New(mock.NopLogger{})
	_, outcome := tr.MarkCancelled("ghost")
	assert.Equal(t, CancelUnknownOrder, outcome)
}

func TestLookup(t *testing.T) {
	tr := New(mock.NopLogger{})
	require.NoError(t, tr.RegisterNew(openOrder("a", "41000")))

	byID, ok := tr.LookupByID("a")
	require.True(t, ok)
	assert.Equal(t, core.OrderOpen, byID.Status)

	byLevel, ok := tr.LookupByLevel(decimal.RequireFromString("41000"))
	require.True(t, ok)
	assert.Equal(t, "a", byLevel.ID)

	_, ok = tr.LookupByLevel(decimal.RequireFromString("42000"))
	assert.False(t, ok)
}
