package store

import (
	"path/filepath"
	"testing"

	"gridtrader/internal/core"
	"gridtrader/internal/mock"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHistory(t *testing.T) *HistoryStore {
	t.Helper()
	s, err := OpenHistory(filepath.Join(t.TempDir(), "history.db"), mock.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHistory_RecordAndSummarize(t *testing.T) {
	s := newTestHistory(t)

	buy := core.Fill{
		OrderID:    "a",
		Instrument: "PERP_ETH_USDC",
		Side:       core.SideBuy,
		Price:      decimal.RequireFromString("41666.67"),
		Quantity:   decimal.RequireFromString("0.00048"),
		ExchangeTs: 1,
	}
	sell := core.Fill{
		OrderID:    "b",
		Instrument: "PERP_ETH_USDC",
		Side:       core.SideSell,
		Price:      decimal.RequireFromString("42500"),
		Quantity:   decimal.RequireFromString("0.00048"),
		ExchangeTs: 2,
	}

	require.NoError(t, s.RecordFill("u1_PERP_ETH_USDC", buy, decimal.Zero))
	realized := decimal.RequireFromString("0.3999984")
	require.NoError(t, s.RecordFill("u1_PERP_ETH_USDC", sell, realized))

	report, err := s.ProfitSummary("u1_PERP_ETH_USDC")
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.RoundTrips)
	assert.True(t, report.RealizedPnL.Equal(realized))
	assert.False(t, report.FirstTradeAt.IsZero())
	assert.False(t, report.LastTradeAt.Before(report.FirstTradeAt))
}

func TestHistory_RecentFillsNewestFirst(t *testing.T) {
	s := newTestHistory(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordFill("sess", core.Fill{
			OrderID:    string(rune('a' + i)),
			Instrument: "PERP_ETH_USDC",
			Side:       core.SideBuy,
			Price:      decimal.NewFromInt(int64(41000 + i)),
			Quantity:   decimal.RequireFromString("0.001"),
			ExchangeTs: int64(i),
		}, decimal.Zero))
	}

	fills, err := s.RecentFills("sess", 2)
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.GreaterOrEqual(t, fills[0].ExchangeTs, fills[1].ExchangeTs)
}

func TestHistory_SessionsIsolated(t *testing.T) {
	s := newTestHistory(t)

	require.NoError(t, s.RecordFill("s1", core.Fill{
		OrderID: "a", Instrument: "PERP_ETH_USDC", Side: core.SideBuy,
		Price: decimal.NewFromInt(41000), Quantity: decimal.RequireFromString("0.001"),
	}, decimal.Zero))

	fills, err := s.RecentFills("s2", 10)
	require.NoError(t, err)
	assert.Empty(t, fills)

	require.NoError(t, s.PruneSession("s1"))
	fills, err = s.RecentFills("s1", 10)
	require.NoError(t, err)
	assert.Empty(t, fills)
}
