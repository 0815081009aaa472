package grid

import (
	"context"
	"testing"
	"time"

	"gridtrader/internal/core"
	"gridtrader/internal/mock"
	"gridtrader/internal/tracker"
	"gridtrader/pkg/apperrors"
	"gridtrader/pkg/retry"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, cfg *core.SessionConfig, ex *mock.Exchange) *Engine {
	t.Helper()
	tr := tracker.New(mock.NopLogger{})
	ecfg := EngineConfig{
		Retry: retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
	}
	return NewEngine(cfg, ecfg, ex, tr, mock.NopLogger{})
}

func startedEngine(t *testing.T, cfg *core.SessionConfig, ex *mock.Exchange) *Engine {
	t.Helper()
	e := newTestEngine(t, cfg, ex)
	require.NoError(t, e.Start(context.Background()))
	return e
}

func fillFor(ex *mock.Exchange, price string, ts int64) (core.Fill, bool) {
	for _, o := range ex.CreatedSnapshot() {
		if o.Price.String() == price {
			return core.Fill{
				OrderID:    o.ID,
				Price:      o.Price,
				Quantity:   o.Quantity,
				Side:       o.Side,
				ExchangeTs: ts,
				Instrument: o.Instrument,
			}, true
		}
	}
	return core.Fill{}, false
}

func TestStart_PlacesInitialLadder(t *testing.T) {
	ex := mock.NewExchange()
	e := startedEngine(t, arithmeticConfig(), ex)

	assert.Equal(t, 4, ex.CreatedCount())
	assert.Equal(t, 4, e.tracker.OpenCount())

	// Every ladder level carries its active order id
	for _, lvl := range e.Ladder().Levels {
		assert.NotEmpty(t, lvl.ActiveOrderID)
	}
}

func TestStart_TransientFailuresRetried(t *testing.T) {
	ex := mock.NewExchange()
	ex.FailFirstN = 2
	e := startedEngine(t, arithmeticConfig(), ex)

	assert.Equal(t, 4, e.tracker.OpenCount())
	for _, lvl := range e.Ladder().Levels {
		assert.False(t, lvl.AwaitingRestore)
	}
}

func TestStart_MarginRejectionRetiresLevel(t *testing.T) {
	ex := mock.NewExchange()
	ex.CreateErr = apperrors.ErrInsufficientMargin
	e := newTestEngine(t, arithmeticConfig(), ex)
	require.NoError(t, e.Start(context.Background()))

	assert.Equal(t, 0, e.tracker.OpenCount())
	for _, lvl := range e.Ladder().Levels {
		assert.True(t, lvl.Retired)
	}
}

func TestOnFill_CounterOrderPlaced(t *testing.T) {
	ex := mock.NewExchange()
	e := startedEngine(t, arithmeticConfig(), ex)

	fill, ok := fillFor(ex, "41666.67", 1700000000100)
	require.True(t, ok)
	e.OnFill(context.Background(), fill)

	// Exactly one SELL appears at 42500 with the filled quantity
	last, ok := ex.LastCreated()
	require.True(t, ok)
	assert.Equal(t, core.SideSell, last.Side)
	assert.Equal(t, "42500", last.Price.String())
	assert.Equal(t, "0.00048", last.Quantity.Round(6).String())
	assert.Equal(t, 5, ex.CreatedCount())

	// The BUY level at 41666.67 is vacated
	lvl := e.Ladder().LevelAt(decimal.RequireFromString("41666.67"), decimal.RequireFromString("0.01"))
	require.NotNil(t, lvl)
	assert.Empty(t, lvl.ActiveOrderID)
}

func TestOnFill_DuplicateDeliveryNoSecondCounter(t *testing.T) {
	ex := mock.NewExchange()
	e := startedEngine(t, arithmeticConfig(), ex)

	fill, ok := fillFor(ex, "41666.67", 1700000000100)
	require.True(t, ok)

	e.OnFill(context.Background(), fill)
	count := ex.CreatedCount()
	e.OnFill(context.Background(), fill)
	assert.Equal(t, count, ex.CreatedCount(), "re-delivered fill must not place a second counter-order")
}

func TestOnFill_TieSuppression(t *testing.T) {
	ex := mock.NewExchange()
	e := startedEngine(t, arithmeticConfig(), ex)

	// A SELL already rests where the counter would land
	require.NoError(t, e.tracker.RegisterNew(core.Order{
		ID:         "pre-existing",
		Instrument: "PERP_BTC_USDC",
		Side:       core.SideSell,
		Price:      decimal.NewFromInt(42500),
		Quantity:   decimal.RequireFromString("0.00048"),
		LevelPrice: decimal.NewFromInt(42500),
		CreatedAt:  time.Now(),
	}))

	fill, ok := fillFor(ex, "41666.67", 1700000000100)
	require.True(t, ok)
	count := ex.CreatedCount()
	e.OnFill(context.Background(), fill)

	assert.Equal(t, count, ex.CreatedCount(), "counter-order is suppressed when the level is already quoted")
}

func TestOnFill_OppositeSideAtCounterLevelSuppresses(t *testing.T) {
	ex := mock.NewExchange()
	e := startedEngine(t, arithmeticConfig(), ex)

	buy, ok := fillFor(ex, "41666.67", 1)
	require.True(t, ok)
	e.OnFill(context.Background(), buy)

	parked, ok := ex.LastCreated()
	require.True(t, ok)
	require.Equal(t, core.SideSell, parked.Side)
	require.Equal(t, "42500", parked.Price.String())

	// The ladder SELL one step above counters back into the parked level
	// with a BUY. The level is taken; nothing new may go out.
	sell, ok := fillFor(ex, "43333.33", 2)
	require.True(t, ok)
	count := ex.CreatedCount()
	e.OnFill(context.Background(), sell)

	assert.Equal(t, count, ex.CreatedCount(), "counter into an occupied level must be suppressed")
	assert.Empty(t, ex.Cancelled)

	// The parked order is still tracked; nothing rests upstream untracked
	_, tracked := e.tracker.LookupByID(parked.ID)
	assert.True(t, tracked)
}

func TestPlaceCounter_RegistrationRaceCancelsUpstream(t *testing.T) {
	ex := mock.NewExchange()
	e := startedEngine(t, arithmeticConfig(), ex)

	// A rival order claims the counter level after the occupancy check
	// but before registration
	price := decimal.NewFromInt(42500)
	require.NoError(t, e.tracker.RegisterNew(core.Order{
		ID:         "rival",
		Instrument: "PERP_BTC_USDC",
		Side:       core.SideSell,
		Price:      price,
		Quantity:   decimal.RequireFromString("0.00048"),
		LevelPrice: price,
		CreatedAt:  time.Now(),
	}))

	filled := core.Order{
		ID:         "filled-buy",
		Instrument: "PERP_BTC_USDC",
		Side:       core.SideBuy,
		Price:      decimal.RequireFromString("41666.67"),
		Quantity:   decimal.RequireFromString("0.00048"),
		LevelPrice: decimal.RequireFromString("41666.67"),
	}
	e.placeCounter(context.Background(), filled, core.Fill{}, price, core.SideSell, nil)

	last, ok := ex.LastCreated()
	require.True(t, ok)
	assert.Equal(t, []string{last.ID}, ex.Cancelled, "orphaned counter must be cancelled upstream")
	_, tracked := e.tracker.LookupByID(last.ID)
	assert.False(t, tracked)
}

func TestOnFill_CounterOutsideBandNotPlaced(t *testing.T) {
	cfg := arithmeticConfig()
	ex := mock.NewExchange()
	e := startedEngine(t, cfg, ex)

	// A SELL resting just above the lower bound counters below L
	low := decimal.RequireFromString("40400")
	require.NoError(t, e.tracker.RegisterNew(core.Order{
		ID:         "sell-low",
		Instrument: cfg.Instrument,
		Side:       core.SideSell,
		Price:      low,
		Quantity:   decimal.RequireFromString("0.0005"),
		LevelPrice: low,
		CreatedAt:  time.Now(),
	}))

	count := ex.CreatedCount()
	e.OnFill(context.Background(), core.Fill{
		OrderID:    "sell-low",
		Price:      low,
		Quantity:   decimal.RequireFromString("0.0005"),
		Side:       core.SideSell,
		ExchangeTs: 2,
	})
	assert.Equal(t, count, ex.CreatedCount(), "counter below the lower bound must not be placed")

	// At the bound itself the counter still rests inside the band
	counter, ok := e.Ladder().CounterPrice(cfg, decimal.RequireFromString("40833.33"), core.SideSell)
	require.True(t, ok)
	assert.Equal(t, "40000", counter.String())
}

func TestRoundTrip_RealizesProfit(t *testing.T) {
	ex := mock.NewExchange()
	e := startedEngine(t, arithmeticConfig(), ex)

	buyFill, ok := fillFor(ex, "41666.67", 1)
	require.True(t, ok)
	e.OnFill(context.Background(), buyFill)

	counter, ok := ex.LastCreated()
	require.True(t, ok)
	require.Equal(t, core.SideSell, counter.Side)

	e.OnFill(context.Background(), core.Fill{
		OrderID:    counter.ID,
		Price:      counter.Price,
		Quantity:   counter.Quantity,
		Side:       counter.Side,
		ExchangeTs: 2,
	})

	report := e.ProfitReport()
	assert.Equal(t, int64(1), report.RoundTrips)
	// (42500 - 41666.67) * qty
	want := decimal.RequireFromString("833.33").Mul(counter.Quantity)
	assert.True(t, report.RealizedPnL.Equal(want),
		"want %s got %s", want, report.RealizedPnL)
}

func TestOnMarkPrice_StopTopTrigger(t *testing.T) {
	cfg := arithmeticConfig()
	cfg.StopTopPrice = decimal.NewFromInt(47000)
	ex := mock.NewExchange()
	e := startedEngine(t, cfg, ex)

	var stopReason string
	e.SetOnStop(func(reason string) { stopReason = reason })

	e.OnMarkPrice(context.Background(), decimal.RequireFromString("46999.99"))
	assert.False(t, e.Stopped())

	e.OnMarkPrice(context.Background(), decimal.RequireFromString("47000.01"))
	assert.True(t, e.Stopped())
	assert.Equal(t, "stop_top_triggered", stopReason)
	assert.Equal(t, []string{"PERP_BTC_USDC"}, ex.CancelAllCalls)

	// Idempotent: a second crossing does not cancel again
	e.OnMarkPrice(context.Background(), decimal.NewFromInt(48000))
	assert.Len(t, ex.CancelAllCalls, 1)
}

func TestOnMarkPrice_StopBotTrigger(t *testing.T) {
	cfg := arithmeticConfig()
	cfg.StopBotPrice = decimal.NewFromInt(38000)
	ex := mock.NewExchange()
	e := startedEngine(t, cfg, ex)

	e.OnMarkPrice(context.Background(), decimal.RequireFromString("37999.99"))
	assert.True(t, e.Stopped())
}

func TestOnCancelled_SmartPolicyRestores(t *testing.T) {
	ex := mock.NewExchange()
	e := startedEngine(t, arithmeticConfig(), ex)

	victim, ok := fillFor(ex, "41666.67", 0)
	require.True(t, ok)

	count := ex.CreatedCount()
	// Cancellation push with no local cancel request and no stated reason
	e.OnCancelled(context.Background(), victim.OrderID, "")

	require.Equal(t, count+1, ex.CreatedCount(), "smart policy restores an externally detected cancel")
	last, _ := ex.LastCreated()
	assert.Equal(t, "41666.67", last.Price.String())
	assert.Equal(t, core.SideBuy, last.Side)
}

func TestOnCancelled_LocalRequestNotRestored(t *testing.T) {
	ex := mock.NewExchange()
	e := startedEngine(t, arithmeticConfig(), ex)

	victim, ok := fillFor(ex, "41666.67", 0)
	require.True(t, ok)

	e.tracker.RequestCancel(victim.OrderID)
	count := ex.CreatedCount()
	e.OnCancelled(context.Background(), victim.OrderID, "USER_CANCELLED")
	assert.Equal(t, count, ex.CreatedCount())
}

func TestOnCancelled_NeverPolicy(t *testing.T) {
	ex := mock.NewExchange()
	tr := tracker.New(mock.NopLogger{})
	e := NewEngine(arithmeticConfig(), EngineConfig{
		RestorePolicy: RestoreNever,
		Retry:         retry.Policy{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	}, ex, tr, mock.NopLogger{})
	require.NoError(t, e.Start(context.Background()))

	victim, ok := fillFor(ex, "41666.67", 0)
	require.True(t, ok)

	count := ex.CreatedCount()
	e.OnCancelled(context.Background(), victim.OrderID, "")
	assert.Equal(t, count, ex.CreatedCount())
}

func TestOnCancelled_HourlyBudget(t *testing.T) {
	ex := mock.NewExchange()
	tr := tracker.New(mock.NopLogger{})
	e := NewEngine(arithmeticConfig(), EngineConfig{
		MaxRestorationsPerHour: 1,
		Retry:                  retry.Policy{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	}, ex, tr, mock.NopLogger{})
	require.NoError(t, e.Start(context.Background()))

	first, ok := fillFor(ex, "41666.67", 0)
	require.True(t, ok)
	second, ok := fillFor(ex, "40833.33", 0)
	require.True(t, ok)

	e.OnCancelled(context.Background(), first.OrderID, "")
	count := ex.CreatedCount()
	e.OnCancelled(context.Background(), second.OrderID, "")
	assert.Equal(t, count, ex.CreatedCount(), "second restoration within the hour is rejected")
}

func TestOnCancelled_RestoreWindowExpired(t *testing.T) {
	ex := mock.NewExchange()
	e := startedEngine(t, arithmeticConfig(), ex)

	victim, ok := fillFor(ex, "41666.67", 0)
	require.True(t, ok)

	// Age the order past the restore window
	e.nowFn = func() time.Time { return time.Now().Add(301 * time.Second) }

	count := ex.CreatedCount()
	e.OnCancelled(context.Background(), victim.OrderID, "")
	assert.Equal(t, count, ex.CreatedCount())
}

func TestOnCancelled_PriceDeviationGuard(t *testing.T) {
	ex := mock.NewExchange()
	e := startedEngine(t, arithmeticConfig(), ex)

	// A fill at the top of the band moves the observed mark >2% away from
	// the lowest level
	top, ok := fillFor(ex, "44166.67", 1)
	require.True(t, ok)
	e.OnFill(context.Background(), top)

	victim, ok := fillFor(ex, "40833.33", 0)
	require.True(t, ok)

	count := ex.CreatedCount()
	e.OnCancelled(context.Background(), victim.OrderID, "")
	assert.Equal(t, count, ex.CreatedCount(), "restoration rejected when mark price deviates beyond the guard")
}

func TestErrorSink_ReceivesPersistentFailures(t *testing.T) {
	ex := mock.NewExchange()
	ex.CreateErr = apperrors.New(apperrors.CategoryUpstream, "create_order_failed",
		context.DeadlineExceeded)

	tr := tracker.New(mock.NopLogger{})
	sink := &captureSink{}
	e := NewEngine(arithmeticConfig(), EngineConfig{
		Retry: retry.Policy{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	}, ex, tr, mock.NopLogger{})
	e.SetErrorSink(sink)
	require.NoError(t, e.Start(context.Background()))

	require.Len(t, sink.events, 1)
	assert.Equal(t, core.SeverityHigh, sink.events[0].severity, "all levels failing escalates severity")
	assert.Equal(t, "grid_engine", sink.events[0].component)
}

type sinkEvent struct {
	err       error
	component string
	sessionID string
	severity  core.Severity
}

type captureSink struct {
	events []sinkEvent
}

func (s *captureSink) HandleError(ctx context.Context, err error, component, sessionID string, severity core.Severity) {
	s.events = append(s.events, sinkEvent{err: err, component: component, sessionID: sessionID, severity: severity})
}
