// Package core defines the domain types shared across the grid trading system
package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Direction describes which side(s) of the book a session quotes
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
	DirectionBoth  Direction = "BOTH"
)

// GridType selects the ladder spacing model
type GridType string

const (
	GridArithmetic GridType = "ARITHMETIC"
	GridGeometric  GridType = "GEOMETRIC"
)

// SessionState is the lifecycle state of a grid session
type SessionState string

const (
	StateCreating SessionState = "Creating"
	StateRunning  SessionState = "Running"
	StateStopping SessionState = "Stopping"
	StateStopped  SessionState = "Stopped"
	StateFailed   SessionState = "Failed"
)

// Side is an order side
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus tracks the exchange-visible state of a grid order
type OrderStatus string

const (
	OrderPending   OrderStatus = "Pending"
	OrderOpen      OrderStatus = "Open"
	OrderFilled    OrderStatus = "Filled"
	OrderCancelled OrderStatus = "Cancelled"
	OrderUnknown   OrderStatus = "Unknown"
)

// Credentials are the per-user exchange API keypair. They never cross
// session boundaries.
type Credentials struct {
	APIKey    string
	APISecret string
}

// User is the persisted user record the core reads
type User struct {
	UserID        string      `bson:"user_id"`
	WalletAddress string      `bson:"wallet_address"`
	APIKey        string      `bson:"api_key"`
	APISecret     string      `bson:"api_secret"`
	CreatedAt     time.Time   `bson:"created_at"`
	Credentials   Credentials `bson:"-"`
}

// SessionConfig is the full configuration for one (user, instrument) session.
// StopTopPrice and StopBotPrice are optional; a zero decimal means unset.
type SessionConfig struct {
	UserID       string
	Instrument   string
	Direction    Direction
	GridType     GridType
	GridRatio    decimal.Decimal
	GridLevels   int
	TotalMargin  decimal.Decimal
	LowerBound   decimal.Decimal
	UpperBound   decimal.Decimal
	CurrentPrice decimal.Decimal
	StopBotPrice decimal.Decimal
	StopTopPrice decimal.Decimal
	PriceTick    decimal.Decimal
	Credentials  Credentials
}

// SessionID derives the canonical session identifier
func (c *SessionConfig) SessionID() string {
	return c.UserID + "_" + c.Instrument
}

// Validate checks the structural invariants of the configuration
func (c *SessionConfig) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if c.Instrument == "" {
		return fmt.Errorf("instrument is required")
	}
	switch c.Direction {
	case DirectionLong, DirectionShort, DirectionBoth:
	default:
		return fmt.Errorf("invalid direction: %s", c.Direction)
	}
	switch c.GridType {
	case GridArithmetic:
	case GridGeometric:
		one := decimal.NewFromInt(1)
		if c.GridRatio.LessThanOrEqual(decimal.Zero) || c.GridRatio.GreaterThanOrEqual(one) {
			return fmt.Errorf("grid_ratio must be in (0,1) for geometric grids, got %s", c.GridRatio)
		}
	default:
		return fmt.Errorf("invalid grid_type: %s", c.GridType)
	}
	if c.GridLevels < 2 {
		return fmt.Errorf("grid_levels must be >= 2, got %d", c.GridLevels)
	}
	if c.TotalMargin.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("total_margin must be positive, got %s", c.TotalMargin)
	}
	if c.LowerBound.LessThanOrEqual(decimal.Zero) || c.UpperBound.LessThanOrEqual(c.LowerBound) {
		return fmt.Errorf("price band requires 0 < lower_bound < upper_bound")
	}
	if c.CurrentPrice.LessThan(c.LowerBound) || c.CurrentPrice.GreaterThan(c.UpperBound) {
		return fmt.Errorf("current_price %s outside band [%s, %s]", c.CurrentPrice, c.LowerBound, c.UpperBound)
	}
	if !c.StopBotPrice.IsZero() && c.StopBotPrice.GreaterThanOrEqual(c.LowerBound) {
		return fmt.Errorf("stop_bot_price must be below lower_bound")
	}
	if !c.StopTopPrice.IsZero() && c.StopTopPrice.LessThanOrEqual(c.UpperBound) {
		return fmt.Errorf("stop_top_price must be above upper_bound")
	}
	return nil
}

// GridLevel is one fixed price point in a session's ladder. Prices never
// change for the session's lifetime; the side oscillates as fills occur.
type GridLevel struct {
	Price           decimal.Decimal
	Side            Side
	Quantity        decimal.Decimal
	ActiveOrderID   string
	AwaitingRestore bool
	Retired         bool
}

// Order is a resting grid order as the tracker sees it
type Order struct {
	ID         string
	Instrument string
	Side       Side
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	Status     OrderStatus
	LevelPrice decimal.Decimal
	CreatedAt  time.Time
}

// Fill is one execution event delivered over the private stream
type Fill struct {
	OrderID     string
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	Side        Side
	ExchangeTs  int64
	Instrument  string
}

// DedupKey identifies a fill for at-most-once application
func (f *Fill) DedupKey() string {
	return fmt.Sprintf("%s:%d:%s", f.OrderID, f.ExchangeTs, f.Quantity.String())
}

// AccountInfo is the subset of account state the engine consumes
type AccountInfo struct {
	TotalEquity      decimal.Decimal
	AvailableBalance decimal.Decimal
	MarginRatio      decimal.Decimal
}

// Position is an open perpetual position
type Position struct {
	Instrument string
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	MarkPrice  decimal.Decimal
}

// SessionStatus is the point-in-time snapshot returned by the control plane
type SessionStatus struct {
	SessionID     string          `json:"session_id"`
	UserID        string          `json:"user_id"`
	Instrument    string          `json:"instrument"`
	State         SessionState    `json:"state"`
	Direction     Direction       `json:"direction"`
	LowerBound    decimal.Decimal `json:"lower_bound"`
	UpperBound    decimal.Decimal `json:"upper_bound"`
	GridLevels    int             `json:"grid_levels"`
	OpenOrders    int             `json:"open_orders"`
	FilledCount   int64           `json:"filled_count"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	CreatedAt     time.Time       `json:"created_at"`
	LastFillAt    time.Time       `json:"last_fill_at,omitempty"`
	Warnings      []string        `json:"warnings,omitempty"`
}

// ProfitReport summarizes a session's trading results
type ProfitReport struct {
	SessionID     string          `json:"session_id"`
	RoundTrips    int64           `json:"round_trips"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	TotalVolume   decimal.Decimal `json:"total_volume"`
	FirstTradeAt  time.Time       `json:"first_trade_at,omitempty"`
	LastTradeAt   time.Time       `json:"last_trade_at,omitempty"`
}
