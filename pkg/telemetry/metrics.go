package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricSessionsActive       = "gridtrader_sessions_active"
	MetricSessionsCreatedTotal = "gridtrader_sessions_created_total"
	MetricSessionsFailedTotal  = "gridtrader_sessions_failed_total"
	MetricOrdersPlacedTotal    = "gridtrader_orders_placed_total"
	MetricOrdersFilledTotal    = "gridtrader_orders_filled_total"
	MetricCounterOrdersTotal   = "gridtrader_counter_orders_total"
	MetricRestorationsTotal    = "gridtrader_order_restorations_total"
	MetricWSConnectionsActive  = "gridtrader_ws_connections_active"
	MetricWSReconnectsTotal    = "gridtrader_ws_reconnects_total"
	MetricRateLimitBackoff     = "gridtrader_rate_limit_backoff_active"
	MetricRateLimitCurrentRPM  = "gridtrader_rate_limit_current_rpm"
	MetricNonceFallbackActive  = "gridtrader_nonce_store_fallback_active"
	MetricRecoveryActionsTotal = "gridtrader_recovery_actions_total"
	MetricRealizedPnL          = "gridtrader_realized_pnl_total"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	SessionsCreatedTotal metric.Int64Counter
	SessionsFailedTotal  metric.Int64Counter
	OrdersPlacedTotal    metric.Int64Counter
	OrdersFilledTotal    metric.Int64Counter
	CounterOrdersTotal   metric.Int64Counter
	RestorationsTotal    metric.Int64Counter
	WSReconnectsTotal    metric.Int64Counter
	RecoveryActionsTotal metric.Int64Counter
	RealizedPnL          metric.Float64Counter

	SessionsActive      metric.Int64ObservableGauge
	WSConnectionsActive metric.Int64ObservableGauge
	RateLimitBackoff    metric.Int64ObservableGauge
	RateLimitCurrentRPM metric.Float64ObservableGauge
	NonceFallbackActive metric.Int64ObservableGauge

	// State for observable gauges
	mu             sync.RWMutex
	sessionsActive int64
	wsActive       int64
	backoffActive  int64
	currentRPM     float64
	nonceFallback  int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	if m.SessionsCreatedTotal, err = meter.Int64Counter(MetricSessionsCreatedTotal, metric.WithDescription("Total grid sessions created")); err != nil {
		return err
	}
	if m.SessionsFailedTotal, err = meter.Int64Counter(MetricSessionsFailedTotal, metric.WithDescription("Total grid session creation failures")); err != nil {
		return err
	}
	if m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total grid orders placed")); err != nil {
		return err
	}
	if m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total grid order fills applied")); err != nil {
		return err
	}
	if m.CounterOrdersTotal, err = meter.Int64Counter(MetricCounterOrdersTotal, metric.WithDescription("Total counter-orders emitted")); err != nil {
		return err
	}
	if m.RestorationsTotal, err = meter.Int64Counter(MetricRestorationsTotal, metric.WithDescription("Total order restorations attempted")); err != nil {
		return err
	}
	if m.WSReconnectsTotal, err = meter.Int64Counter(MetricWSReconnectsTotal, metric.WithDescription("Total WebSocket reconnect attempts")); err != nil {
		return err
	}
	if m.RecoveryActionsTotal, err = meter.Int64Counter(MetricRecoveryActionsTotal, metric.WithDescription("Total recovery actions executed")); err != nil {
		return err
	}
	if m.RealizedPnL, err = meter.Float64Counter(MetricRealizedPnL, metric.WithDescription("Cumulative realized profit/loss")); err != nil {
		return err
	}

	m.SessionsActive, err = meter.Int64ObservableGauge(MetricSessionsActive, metric.WithDescription("Currently running grid sessions"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.sessionsActive)
			return nil
		}))
	if err != nil {
		return err
	}

	m.WSConnectionsActive, err = meter.Int64ObservableGauge(MetricWSConnectionsActive, metric.WithDescription("Currently open private-stream connections"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.wsActive)
			return nil
		}))
	if err != nil {
		return err
	}

	m.RateLimitBackoff, err = meter.Int64ObservableGauge(MetricRateLimitBackoff, metric.WithDescription("1 while the rate-limit guard is in a backoff window"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.backoffActive)
			return nil
		}))
	if err != nil {
		return err
	}

	m.RateLimitCurrentRPM, err = meter.Float64ObservableGauge(MetricRateLimitCurrentRPM, metric.WithDescription("Effective requests-per-minute budget after adaptive throttling"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.currentRPM)
			return nil
		}))
	if err != nil {
		return err
	}

	m.NonceFallbackActive, err = meter.Int64ObservableGauge(MetricNonceFallbackActive, metric.WithDescription("1 while the nonce store runs on the in-process fallback"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.nonceFallback)
			return nil
		}))
	return err
}

// SetSessionsActive records the current session count
func (m *MetricsHolder) SetSessionsActive(n int64) {
	m.mu.Lock()
	m.sessionsActive = n
	m.mu.Unlock()
}

// SetWSConnectionsActive records the current private-stream connection count
func (m *MetricsHolder) SetWSConnectionsActive(n int64) {
	m.mu.Lock()
	m.wsActive = n
	m.mu.Unlock()
}

// SetRateLimitBackoff flags whether the guard is inside a backoff window
func (m *MetricsHolder) SetRateLimitBackoff(active bool) {
	m.mu.Lock()
	if active {
		m.backoffActive = 1
	} else {
		m.backoffActive = 0
	}
	m.mu.Unlock()
}

// SetRateLimitCurrentRPM records the adaptive rpm budget
func (m *MetricsHolder) SetRateLimitCurrentRPM(rpm float64) {
	m.mu.Lock()
	m.currentRPM = rpm
	m.mu.Unlock()
}

// SetNonceFallback flags the degraded nonce-store mode
func (m *MetricsHolder) SetNonceFallback(active bool) {
	m.mu.Lock()
	if active {
		m.nonceFallback = 1
	} else {
		m.nonceFallback = 0
	}
	m.mu.Unlock()
}

// AddOrderPlaced increments the placed-order counter with side attribute
func (m *MetricsHolder) AddOrderPlaced(ctx context.Context, side string) {
	if m.OrdersPlacedTotal != nil {
		m.OrdersPlacedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("side", side)))
	}
}

// AddOrderFilled increments the fill counter with side attribute
func (m *MetricsHolder) AddOrderFilled(ctx context.Context, side string) {
	if m.OrdersFilledTotal != nil {
		m.OrdersFilledTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("side", side)))
	}
}

// SessionsFailedInc increments the failed-creation counter with a reason
func (m *MetricsHolder) SessionsFailedInc(ctx context.Context, reason string) {
	if m.SessionsFailedTotal != nil {
		m.SessionsFailedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// AddCounterOrder increments the counter-order counter
func (m *MetricsHolder) AddCounterOrder(ctx context.Context) {
	if m.CounterOrdersTotal != nil {
		m.CounterOrdersTotal.Add(ctx, 1)
	}
}

// AddWSReconnect increments the reconnect-attempt counter
func (m *MetricsHolder) AddWSReconnect(ctx context.Context) {
	if m.WSReconnectsTotal != nil {
		m.WSReconnectsTotal.Add(ctx, 1)
	}
}

// AddRecoveryAction increments the recovery counter with action attribute
func (m *MetricsHolder) AddRecoveryAction(ctx context.Context, action string, success bool) {
	if m.RecoveryActionsTotal != nil {
		m.RecoveryActionsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", action),
			attribute.Bool("success", success),
		))
	}
}
