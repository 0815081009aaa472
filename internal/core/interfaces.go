// Package core defines the interfaces shared across the grid trading system
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IExchange defines the authenticated REST surface the engine drives
type IExchange interface {
	CreateLimitOrder(ctx context.Context, instrument string, side Side, price, quantity decimal.Decimal) (string, error)
	CancelOrder(ctx context.Context, instrument, orderID string) error
	CancelAllOrders(ctx context.Context, instrument string) error
	GetAccountInfo(ctx context.Context) (*AccountInfo, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetOrders(ctx context.Context, instrument string, status OrderStatus) ([]Order, error)
}

// INonceStore is the durable, unique-keyed set of used login nonces
type INonceStore interface {
	Insert(ctx context.Context, nonce string, issued, expiresAt time.Time) error
	Sweep(ctx context.Context, now time.Time) (int64, error)
}

// IUserStore resolves persisted user records
type IUserStore interface {
	GetUser(ctx context.Context, userID string) (*User, error)
}

// SessionRecord is the persisted projection of a running session
type SessionRecord struct {
	SessionID  string       `bson:"session_id"`
	UserID     string       `bson:"user_id"`
	Instrument string       `bson:"instrument"`
	Status     SessionState `bson:"status"`
	CreatedAt  time.Time    `bson:"created_at"`
}

// ISessionStore persists session uniqueness across processes. InsertRunning
// must fail for a second Running (user_id, instrument) pair.
type ISessionStore interface {
	InsertRunning(ctx context.Context, rec SessionRecord) error
	Remove(ctx context.Context, sessionID string) error
	ListRunning(ctx context.Context) ([]SessionRecord, error)
}

// IErrorSink receives classified failures from components for recovery
type IErrorSink interface {
	HandleError(ctx context.Context, err error, component, sessionID string, severity Severity)
}

// Severity grades an error event for the recovery supervisor
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the string representation of a severity
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}
