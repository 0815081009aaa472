package grid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gridtrader/internal/core"
	"gridtrader/internal/tracker"
	"gridtrader/pkg/apperrors"
	"gridtrader/pkg/concurrency"
	"gridtrader/pkg/retry"
	"gridtrader/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// EngineConfig tunes one engine instance
type EngineConfig struct {
	RestorePolicy            RestorePolicy
	MaxRestorationsPerHour   int
	MaxPriceDeviationPercent decimal.Decimal
	MaxRestoreWindow         time.Duration
	PlacementWorkers         int
	Retry                    retry.Policy
	ReasonMapping            map[string]CancelReason
}

func (c *EngineConfig) withDefaults() EngineConfig {
	out := *c
	if out.RestorePolicy == "" {
		out.RestorePolicy = RestoreSmart
	}
	if out.MaxRestorationsPerHour <= 0 {
		out.MaxRestorationsPerHour = 10
	}
	if out.MaxPriceDeviationPercent.IsZero() {
		out.MaxPriceDeviationPercent = decimal.NewFromInt(2)
	}
	if out.MaxRestoreWindow <= 0 {
		out.MaxRestoreWindow = 300 * time.Second
	}
	if out.PlacementWorkers <= 0 {
		out.PlacementWorkers = 4
	}
	if out.Retry.MaxAttempts == 0 {
		out.Retry = retry.DefaultPolicy
	}
	return out
}

// FillRecorder persists applied fills for profit history
type FillRecorder interface {
	RecordFill(sessionID string, fill core.Fill, realized decimal.Decimal) error
}

// Engine drives one session's ladder: initial placement, fill reaction,
// stop triggers and restoration of externally cancelled orders.
type Engine struct {
	cfg    *core.SessionConfig
	ecfg   EngineConfig
	ladder *Ladder

	exchange   core.IExchange
	tracker    *tracker.Tracker
	normalizer *ReasonNormalizer
	limiter    *restoreLimiter
	logger     core.ILogger

	errSink  core.IErrorSink
	recorder FillRecorder
	onStop   func(reason string)

	mu            sync.Mutex
	running       bool
	stopped       bool
	entryPrice    map[string]decimal.Decimal
	realizedPnL   decimal.Decimal
	roundTrips    int64
	totalVolume   decimal.Decimal
	firstTradeAt  time.Time
	lastTradeAt   time.Time
	lastMarkPrice decimal.Decimal

	nowFn func() time.Time
}

// NewEngine builds an engine. The ladder is computed immediately from the
// config; nothing is placed until Start.
func NewEngine(cfg *core.SessionConfig, ecfg EngineConfig, exchange core.IExchange, tr *tracker.Tracker, logger core.ILogger) *Engine {
	ecfg = ecfg.withDefaults()
	return &Engine{
		cfg:        cfg,
		ecfg:       ecfg,
		ladder:     BuildLadder(cfg),
		exchange:   exchange,
		tracker:    tr,
		normalizer: NewReasonNormalizer(ecfg.ReasonMapping),
		limiter:    newRestoreLimiter(ecfg.MaxRestorationsPerHour),
		logger:     logger.WithFields(map[string]interface{}{"component": "grid_engine", "session_id": cfg.SessionID()}),
		entryPrice: make(map[string]decimal.Decimal),
		nowFn:      time.Now,
	}
}

// SetErrorSink wires the recovery supervisor
func (e *Engine) SetErrorSink(sink core.IErrorSink) { e.errSink = sink }

// SetFillRecorder wires the profit history store
func (e *Engine) SetFillRecorder(r FillRecorder) { e.recorder = r }

// SetOnStop registers the callback fired when a stop price triggers
func (e *Engine) SetOnStop(fn func(reason string)) { e.onStop = fn }

// Ladder exposes the computed level set
func (e *Engine) Ladder() *Ladder { return e.ladder }

// Start places the initial order set. Levels whose placement ultimately
// fails are marked awaiting restoration; the session keeps running.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.running = true
	e.mu.Unlock()

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:       "ladder_" + e.cfg.SessionID(),
		MaxWorkers: e.ecfg.PlacementWorkers,
	}, e.logger)

	var failedMu sync.Mutex
	failed := 0
	for _, lvl := range e.ladder.Levels {
		lvl := lvl
		pool.Submit(func() {
			if err := e.placeLevel(ctx, lvl); err != nil {
				failedMu.Lock()
				failed++
				failedMu.Unlock()
			}
		})
	}
	pool.Stop()

	if failed > 0 {
		severity := core.SeverityMedium
		if failed >= len(e.ladder.Levels) {
			severity = core.SeverityHigh
		}
		e.logger.Warn("Initial placement incomplete",
			"failed_levels", failed, "total_levels", len(e.ladder.Levels))
		e.emitError(ctx, fmt.Errorf("initial placement failed for %d of %d levels", failed, len(e.ladder.Levels)), severity)
	}

	e.logger.Info("Grid started",
		"levels", len(e.ladder.Levels), "failed", failed,
		"lower", e.cfg.LowerBound, "upper", e.cfg.UpperBound)
	return nil
}

// placeLevel places one resting order with retries. Margin rejections are
// terminal for the level; transient failures leave it awaiting restoration.
func (e *Engine) placeLevel(ctx context.Context, lvl *core.GridLevel) error {
	var orderID string
	err := retry.Do(ctx, e.ecfg.Retry, apperrors.IsTransient, func() error {
		var placeErr error
		orderID, placeErr = e.exchange.CreateLimitOrder(ctx, e.cfg.Instrument, lvl.Side, lvl.Price, lvl.Quantity)
		return placeErr
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrInsufficientMargin) {
			e.logger.Error("Level rejected for margin, retiring", "price", lvl.Price, "error", err)
			lvl.Retired = true
			return err
		}
		e.logger.Warn("Level placement failed, awaiting restoration", "price", lvl.Price, "error", err)
		lvl.AwaitingRestore = true
		return err
	}

	lvl.ActiveOrderID = orderID
	lvl.AwaitingRestore = false
	return e.tracker.RegisterNew(core.Order{
		ID:         orderID,
		Instrument: e.cfg.Instrument,
		Side:       lvl.Side,
		Price:      lvl.Price,
		Quantity:   lvl.Quantity,
		LevelPrice: lvl.Price,
		CreatedAt:  e.nowFn(),
	})
}

// OnFill applies one fill event: book the trade, vacate the level and
// place the counter-order one step away on the opposite side.
func (e *Engine) OnFill(ctx context.Context, fill core.Fill) {
	order, outcome := e.tracker.MarkFilled(fill)
	if outcome != tracker.FillApplied {
		if outcome == tracker.FillUnknownOrder {
			e.logger.Debug("Fill for untracked order ignored", "order_id", fill.OrderID)
		}
		return
	}

	telemetry.GetGlobalMetrics().AddOrderFilled(ctx, string(order.Side))
	e.bookFill(order, fill)

	lvl := e.ladder.LevelAt(order.LevelPrice, e.cfg.PriceTick)
	if lvl != nil {
		lvl.ActiveOrderID = ""
	}

	counter, ok := e.ladder.CounterPrice(e.cfg, order.LevelPrice, order.Side)
	if !ok {
		if lvl != nil {
			lvl.Retired = true
		}
		e.logger.Info("Counter-price outside band, level retired",
			"fill_price", order.LevelPrice, "side", order.Side)
		return
	}

	// Snap to the existing ladder level so repeated oscillation does not
	// drift by rounding
	counterSide := order.Side.Opposite()
	target := e.ladder.LevelAt(counter, e.cfg.PriceTick)
	if target != nil {
		counter = target.Price
	}

	// One open order per level: any resting order at the counter price
	// suppresses placement, whichever side it quotes
	if resting, held := e.tracker.LookupByLevel(counter); held {
		e.logger.Debug("Counter-order suppressed, level already quoted",
			"price", counter, "resting_side", resting.Side, "counter_side", counterSide)
		return
	}

	e.placeCounter(ctx, order, fill, counter, counterSide, target)
}

func (e *Engine) placeCounter(ctx context.Context, filled core.Order, fill core.Fill, price decimal.Decimal, side core.Side, target *core.GridLevel) {
	var orderID string
	err := retry.Do(ctx, e.ecfg.Retry, apperrors.IsTransient, func() error {
		var placeErr error
		orderID, placeErr = e.exchange.CreateLimitOrder(ctx, e.cfg.Instrument, side, price, filled.Quantity)
		return placeErr
	})
	if err != nil {
		e.logger.Error("Counter-order placement failed",
			"price", price, "side", side, "error", err)
		if target != nil {
			target.AwaitingRestore = true
		}
		e.emitError(ctx, err, core.SeverityMedium)
		return
	}

	if regErr := e.tracker.RegisterNew(core.Order{
		ID:         orderID,
		Instrument: e.cfg.Instrument,
		Side:       side,
		Price:      price,
		Quantity:   filled.Quantity,
		LevelPrice: price,
		CreatedAt:  e.nowFn(),
	}); regErr != nil {
		// Another order won the level between lookup and registration. The
		// one just placed is live upstream; pull it back before it trades.
		e.logger.Error("Counter-order registration failed, cancelling upstream",
			"order_id", orderID, "error", regErr)
		if cancelErr := e.exchange.CancelOrder(ctx, e.cfg.Instrument, orderID); cancelErr != nil {
			e.logger.Error("Orphaned counter-order cancel failed", "order_id", orderID, "error", cancelErr)
			e.emitError(ctx, cancelErr, core.SeverityHigh)
		}
		return
	}

	e.mu.Lock()
	e.entryPrice[orderID] = filled.LevelPrice
	e.mu.Unlock()

	if target != nil {
		target.Side = side
		target.ActiveOrderID = orderID
	}
	telemetry.GetGlobalMetrics().AddCounterOrder(ctx)
	e.logger.Info("Counter-order placed",
		"fill_price", filled.LevelPrice, "counter_price", price, "side", side, "quantity", filled.Quantity)
}

// bookFill updates the profit ledger. A fill on an order that was itself
// a counter-order closes a round trip.
func (e *Engine) bookFill(order core.Order, fill core.Fill) {
	e.mu.Lock()

	now := e.nowFn()
	if e.firstTradeAt.IsZero() {
		e.firstTradeAt = now
	}
	e.lastTradeAt = now
	e.lastMarkPrice = fill.Price
	e.totalVolume = e.totalVolume.Add(fill.Price.Mul(fill.Quantity))

	var realized decimal.Decimal
	if entry, ok := e.entryPrice[order.ID]; ok {
		delete(e.entryPrice, order.ID)
		if order.Side == core.SideSell {
			realized = fill.Price.Sub(entry).Mul(fill.Quantity)
		} else {
			realized = entry.Sub(fill.Price).Mul(fill.Quantity)
		}
		e.realizedPnL = e.realizedPnL.Add(realized)
		e.roundTrips++
	}
	e.mu.Unlock()

	if !realized.IsZero() {
		pnl, _ := realized.Float64()
		if m := telemetry.GetGlobalMetrics(); m.RealizedPnL != nil {
			m.RealizedPnL.Add(context.Background(), pnl)
		}
	}
	if e.recorder != nil {
		if err := e.recorder.RecordFill(e.cfg.SessionID(), fill, realized); err != nil {
			e.logger.Warn("Fill history write failed", "error", err)
		}
	}
}

// OnCancelled reacts to an order leaving the book without a fill. Raw
// reason may be empty when the upstream push carries none; an external
// cancellation with no stated reason gets the detector's own tag.
func (e *Engine) OnCancelled(ctx context.Context, orderID, rawReason string) {
	order, outcome := e.tracker.MarkCancelled(orderID)
	if outcome == tracker.CancelUnknownOrder {
		return
	}

	lvl := e.ladder.LevelAt(order.LevelPrice, e.cfg.PriceTick)
	if lvl != nil && lvl.ActiveOrderID == orderID {
		lvl.ActiveOrderID = ""
	}

	if outcome == tracker.CancelRequested {
		return
	}

	reason := e.normalizer.Normalize(rawReason)
	if reason == ReasonUnknown && rawReason == "" {
		reason = ReasonExternalCancelDetected
	}

	if !ShouldRestore(e.ecfg.RestorePolicy, reason) {
		e.logger.Info("External cancellation not restored by policy",
			"order_id", orderID, "reason", reason, "policy", e.ecfg.RestorePolicy)
		return
	}
	e.restoreOrder(ctx, order, reason)
}

// restoreOrder recreates an externally cancelled order, subject to the
// hourly cap, the restore window and the price-deviation guard.
func (e *Engine) restoreOrder(ctx context.Context, order core.Order, reason CancelReason) {
	if !e.limiter.Allow() {
		e.logger.Warn("Restoration budget exhausted for this hour", "order_id", order.ID)
		return
	}
	if age := e.nowFn().Sub(order.CreatedAt); age > e.ecfg.MaxRestoreWindow {
		e.logger.Info("Restoration skipped, outside window",
			"order_id", order.ID, "age", age, "window", e.ecfg.MaxRestoreWindow)
		return
	}

	e.mu.Lock()
	mark := e.lastMarkPrice
	e.mu.Unlock()
	if !mark.IsZero() {
		deviation := mark.Sub(order.Price).Abs().
			Div(order.Price).
			Mul(decimal.NewFromInt(100))
		if deviation.GreaterThan(e.ecfg.MaxPriceDeviationPercent) {
			e.logger.Info("Restoration skipped, price moved too far",
				"order_id", order.ID, "deviation_pct", deviation)
			return
		}
	}

	var orderID string
	err := retry.Do(ctx, e.ecfg.Retry, apperrors.IsTransient, func() error {
		var placeErr error
		orderID, placeErr = e.exchange.CreateLimitOrder(ctx, e.cfg.Instrument, order.Side, order.Price, order.Quantity)
		return placeErr
	})
	if err != nil {
		e.logger.Error("Restoration failed", "order_id", order.ID, "error", err)
		e.emitError(ctx, err, core.SeverityMedium)
		return
	}

	if regErr := e.tracker.RegisterNew(core.Order{
		ID:         orderID,
		Instrument: order.Instrument,
		Side:       order.Side,
		Price:      order.Price,
		Quantity:   order.Quantity,
		LevelPrice: order.LevelPrice,
		CreatedAt:  e.nowFn(),
	}); regErr != nil {
		e.logger.Error("Restored order registration failed, cancelling upstream",
			"order_id", orderID, "error", regErr)
		if cancelErr := e.exchange.CancelOrder(ctx, e.cfg.Instrument, orderID); cancelErr != nil {
			e.logger.Error("Orphaned restored-order cancel failed", "order_id", orderID, "error", cancelErr)
			e.emitError(ctx, cancelErr, core.SeverityHigh)
		}
		return
	}

	if lvl := e.ladder.LevelAt(order.LevelPrice, e.cfg.PriceTick); lvl != nil {
		lvl.ActiveOrderID = orderID
		lvl.AwaitingRestore = false
	}
	if m := telemetry.GetGlobalMetrics(); m.RestorationsTotal != nil {
		m.RestorationsTotal.Add(ctx, 1)
	}
	e.logger.Info("Order restored", "old_order_id", order.ID, "new_order_id", orderID, "reason", reason)
}

// OnMarkPrice checks the stop prices against an observed mark price
func (e *Engine) OnMarkPrice(ctx context.Context, price decimal.Decimal) {
	e.mu.Lock()
	e.lastMarkPrice = price
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		return
	}

	if !e.cfg.StopTopPrice.IsZero() && price.GreaterThan(e.cfg.StopTopPrice) {
		e.logger.Warn("Stop-top price crossed", "mark", price, "stop_top", e.cfg.StopTopPrice)
		e.StopAll(ctx, "stop_top_triggered")
		return
	}
	if !e.cfg.StopBotPrice.IsZero() && price.LessThan(e.cfg.StopBotPrice) {
		e.logger.Warn("Stop-bot price crossed", "mark", price, "stop_bot", e.cfg.StopBotPrice)
		e.StopAll(ctx, "stop_bot_triggered")
	}
}

// StopAll cancels every resting order and fires the stop callback once
func (e *Engine) StopAll(ctx context.Context, reason string) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	for _, order := range e.tracker.OpenOrders() {
		e.tracker.RequestCancel(order.ID)
	}
	if err := e.exchange.CancelAllOrders(ctx, e.cfg.Instrument); err != nil {
		e.logger.Error("Cancel-all failed during stop", "error", err)
		e.emitError(ctx, err, core.SeverityHigh)
	}

	e.logger.Info("Grid stopped", "reason", reason)
	if e.onStop != nil {
		e.onStop(reason)
	}
}

// Stopped reports whether a stop trigger or StopAll has fired
func (e *Engine) Stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// ProfitReport summarizes realized results so far
func (e *Engine) ProfitReport() core.ProfitReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return core.ProfitReport{
		SessionID:    e.cfg.SessionID(),
		RoundTrips:   e.roundTrips,
		RealizedPnL:  e.realizedPnL,
		TotalVolume:  e.totalVolume,
		FirstTradeAt: e.firstTradeAt,
		LastTradeAt:  e.lastTradeAt,
	}
}

// RealizedPnL returns the realized profit so far
func (e *Engine) RealizedPnL() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.realizedPnL
}

func (e *Engine) emitError(ctx context.Context, err error, severity core.Severity) {
	if e.errSink != nil {
		e.errSink.HandleError(ctx, err, "grid_engine", e.cfg.SessionID(), severity)
	}
}
