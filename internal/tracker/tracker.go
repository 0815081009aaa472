// Package tracker maintains one session's view of its resting orders and
// applies fills at most once.
package tracker

import (
	"fmt"
	"sync"
	"time"

	"gridtrader/internal/core"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"
)

// fillDedupSize bounds the remembered fill keys per session
const fillDedupSize = 2048

// FillOutcome says what applying a fill did
type FillOutcome int

const (
	FillApplied FillOutcome = iota
	FillDuplicate
	FillUnknownOrder
)

// CancelOutcome says how a cancellation was interpreted
type CancelOutcome int

const (
	CancelRequested CancelOutcome = iota
	CancelExternal
	CancelUnknownOrder
)

// Tracker is the per-session order book shadow. All mutations are
// serialized; the engine calls it from the fill path and the placement
// path concurrently.
type Tracker struct {
	mu            sync.Mutex
	open          map[string]core.Order
	byPrice       map[string]string
	pendingCancel map[string]struct{}
	seenFills     *lru.Cache[string, struct{}]
	logger        core.ILogger

	filledCount int64
	lastFillAt  time.Time
}

// New creates an empty tracker
func New(logger core.ILogger) *Tracker {
	cache, _ := lru.New[string, struct{}](fillDedupSize)
	return &Tracker{
		open:          make(map[string]core.Order),
		byPrice:       make(map[string]string),
		pendingCancel: make(map[string]struct{}),
		seenFills:     cache,
		logger:        logger.WithField("component", "order_tracker"),
	}
}

func priceKey(p decimal.Decimal) string {
	return p.String()
}

// RegisterNew records a freshly placed order. Two open orders never share
// a grid level; a second registration at the same level price fails.
func (t *Tracker) RegisterNew(order core.Order) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := priceKey(order.LevelPrice)
	if existing, ok := t.byPrice[key]; ok {
		return fmt.Errorf("grid level %s already has open order %s", key, existing)
	}
	order.Status = core.OrderOpen
	t.open[order.ID] = order
	t.byPrice[key] = order.ID
	return nil
}

// RequestCancel records local intent to cancel, so the eventual
// cancellation push is not mistaken for an external one
func (t *Tracker) RequestCancel(orderID string) {
	t.mu.Lock()
	t.pendingCancel[orderID] = struct{}{}
	t.mu.Unlock()
}

// MarkFilled applies a fill event. Re-delivery of the same fill is a
// no-op; fills for orders the tracker does not hold are reported as such.
func (t *Tracker) MarkFilled(fill core.Fill) (core.Order, FillOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := fill.DedupKey()
	if _, seen := t.seenFills.Get(key); seen {
		t.logger.Debug("Duplicate fill dropped", "order_id", fill.OrderID, "dedup_key", key)
		return core.Order{}, FillDuplicate
	}

	order, ok := t.open[fill.OrderID]
	if !ok {
		// Not marked seen: the order may still be mid-registration and the
		// exchange will redeliver the fill.
		return core.Order{}, FillUnknownOrder
	}
	t.seenFills.Add(key, struct{}{})

	delete(t.open, fill.OrderID)
	delete(t.byPrice, priceKey(order.LevelPrice))
	delete(t.pendingCancel, fill.OrderID)

	t.filledCount++
	t.lastFillAt = time.Now()
	order.Status = core.OrderFilled
	return order, FillApplied
}

// MarkCancelled removes a cancelled order. A cancellation with no local
// cancel request on file means something outside the engine cancelled it.
func (t *Tracker) MarkCancelled(orderID string) (core.Order, CancelOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	order, ok := t.open[orderID]
	if !ok {
		delete(t.pendingCancel, orderID)
		return core.Order{}, CancelUnknownOrder
	}

	_, requested := t.pendingCancel[orderID]
	delete(t.pendingCancel, orderID)
	delete(t.open, orderID)
	delete(t.byPrice, priceKey(order.LevelPrice))

	order.Status = core.OrderCancelled
	if requested {
		return order, CancelRequested
	}
	t.logger.Warn("External cancellation detected", "order_id", orderID, "price", order.Price)
	return order, CancelExternal
}

// LookupByID returns the open order with the given id
func (t *Tracker) LookupByID(orderID string) (core.Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	order, ok := t.open[orderID]
	return order, ok
}

// LookupByLevel returns the open order resting at a level price
func (t *Tracker) LookupByLevel(levelPrice decimal.Decimal) (core.Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byPrice[priceKey(levelPrice)]
	if !ok {
		return core.Order{}, false
	}
	order, ok := t.open[id]
	return order, ok
}

// OpenOrders returns a snapshot of all open orders
func (t *Tracker) OpenOrders() []core.Order {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]core.Order, 0, len(t.open))
	for _, o := range t.open {
		out = append(out, o)
	}
	return out
}

// OpenCount returns the number of open orders
func (t *Tracker) OpenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}

// FilledCount returns how many fills have been applied
func (t *Tracker) FilledCount() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.filledCount
}

// LastFillAt returns when the most recent fill was applied
func (t *Tracker) LastFillAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastFillAt
}
