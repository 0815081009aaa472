package mock

import (
	"context"
	"fmt"
	"sync"

	"gridtrader/internal/core"

	"github.com/shopspring/decimal"
)

// CreatedOrder records one CreateLimitOrder call
type CreatedOrder struct {
	ID         string
	Instrument string
	Side       core.Side
	Price      decimal.Decimal
	Quantity   decimal.Decimal
}

// Exchange is an in-memory core.IExchange for tests
type Exchange struct {
	mu     sync.Mutex
	nextID int

	Created        []CreatedOrder
	Cancelled      []string
	CancelAllCalls []string

	// CreateErr fails every create; FailFirstN fails only the first N
	CreateErr    error
	FailFirstN   int
	CancelAllErr error

	Account   core.AccountInfo
	Positions []core.Position
	Orders    []core.Order
}

// NewExchange creates an empty mock exchange
func NewExchange() *Exchange {
	return &Exchange{}
}

func (e *Exchange) CreateLimitOrder(ctx context.Context, instrument string, side core.Side, price, quantity decimal.Decimal) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.FailFirstN > 0 {
		e.FailFirstN--
		return "", fmt.Errorf("connection refused")
	}
	if e.CreateErr != nil {
		return "", e.CreateErr
	}

	e.nextID++
	id := fmt.Sprintf("ord-%d", e.nextID)
	e.Created = append(e.Created, CreatedOrder{
		ID:         id,
		Instrument: instrument,
		Side:       side,
		Price:      price,
		Quantity:   quantity,
	})
	return id, nil
}

func (e *Exchange) CancelOrder(ctx context.Context, instrument, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Cancelled = append(e.Cancelled, orderID)
	return nil
}

func (e *Exchange) CancelAllOrders(ctx context.Context, instrument string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.CancelAllErr != nil {
		return e.CancelAllErr
	}
	e.CancelAllCalls = append(e.CancelAllCalls, instrument)
	return nil
}

func (e *Exchange) GetAccountInfo(ctx context.Context) (*core.AccountInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	account := e.Account
	return &account, nil
}

func (e *Exchange) GetPositions(ctx context.Context) ([]core.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]core.Position(nil), e.Positions...), nil
}

func (e *Exchange) GetOrders(ctx context.Context, instrument string, status core.OrderStatus) ([]core.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]core.Order(nil), e.Orders...), nil
}

// CreatedCount returns how many orders were placed
func (e *Exchange) CreatedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Created)
}

// LastCreated returns the most recent placement
func (e *Exchange) LastCreated() (CreatedOrder, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.Created) == 0 {
		return CreatedOrder{}, false
	}
	return e.Created[len(e.Created)-1], true
}

// CreatedSnapshot returns a copy of all placements
func (e *Exchange) CreatedSnapshot() []CreatedOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]CreatedOrder(nil), e.Created...)
}
