// Package exchange implements the authenticated REST client for the
// perpetual exchange. Every call passes through the rate-limit guard and
// surfaces failures tagged with an upstream kind.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"

	"gridtrader/internal/core"
	"gridtrader/internal/ratelimit"
	"gridtrader/pkg/apperrors"
	"gridtrader/pkg/httpx"
	"gridtrader/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Request weights mirror the upstream's published cost table: order
// mutations are heavier than reads, cancel-all is the heaviest.
const (
	weightRead      = 1
	weightOrder     = 2
	weightCancelAll = 5
)

type httpDoer interface {
	Get(ctx context.Context, path string, params map[string]string) ([]byte, error)
	Post(ctx context.Context, path string, body interface{}) ([]byte, error)
	Delete(ctx context.Context, path string, params map[string]string) ([]byte, error)
}

// Client is the per-user REST client. It implements core.IExchange.
type Client struct {
	http   httpDoer
	guard  *ratelimit.Guard
	logger core.ILogger
}

// NewClient builds a REST client bound to one user's credentials. The
// guard is shared process-wide so all sessions draw from one budget.
func NewClient(baseURL string, creds core.Credentials, guard *ratelimit.Guard, logger core.ILogger) *Client {
	return &Client{
		http:   httpx.NewClient(baseURL, NewHmacSigner(creds)),
		guard:  guard,
		logger: logger.WithField("component", "exchange_client"),
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decodeEnvelope(raw []byte, out interface{}) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if !env.Success {
		return fmt.Errorf("exchange rejected request: code=%s message=%s", env.Code, env.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}

// classify tags a transport error with its upstream kind so the engine
// and the recovery supervisor can branch on it
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := apperrors.ClassifyUpstream(err)
	c := apperrors.New(apperrors.CategoryUpstream, op+"_failed", err)
	c.Kind = kind
	return c
}

type createOrderRequest struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	OrderType     string `json:"order_type"`
	Price         string `json:"order_price"`
	Quantity      string `json:"order_quantity"`
	ClientOrderID string `json:"client_order_id"`
}

type createOrderResponse struct {
	OrderID string `json:"order_id"`
}

// CreateLimitOrder places a post-only limit order and returns the
// exchange-assigned order id
func (c *Client) CreateLimitOrder(ctx context.Context, instrument string, side core.Side, price, quantity decimal.Decimal) (string, error) {
	// One client id across guard retries keeps replacement idempotent
	// upstream
	clientID := uuid.New().String()

	var resp createOrderResponse
	err := c.guard.Execute(ctx, weightOrder, func() error {
		raw, err := c.http.Post(ctx, "/v1/order", createOrderRequest{
			Symbol:        instrument,
			Side:          string(side),
			OrderType:     "LIMIT",
			Price:         price.String(),
			Quantity:      quantity.String(),
			ClientOrderID: clientID,
		})
		if err != nil {
			return err
		}
		return decodeEnvelope(raw, &resp)
	})
	if err != nil {
		c.logger.Error("Order placement failed",
			"instrument", instrument, "side", side, "price", price, "error", err)
		return "", classify("create_order", err)
	}
	telemetry.GetGlobalMetrics().AddOrderPlaced(ctx, string(side))
	c.logger.Debug("Order placed",
		"instrument", instrument, "side", side, "price", price, "order_id", resp.OrderID)
	return resp.OrderID, nil
}

// CancelOrder cancels one resting order
func (c *Client) CancelOrder(ctx context.Context, instrument, orderID string) error {
	err := c.guard.Execute(ctx, weightOrder, func() error {
		raw, err := c.http.Delete(ctx, "/v1/order", map[string]string{
			"symbol":   instrument,
			"order_id": orderID,
		})
		if err != nil {
			return err
		}
		return decodeEnvelope(raw, nil)
	})
	if err != nil {
		return classify("cancel_order", err)
	}
	return nil
}

// CancelAllOrders cancels every resting order on the instrument
func (c *Client) CancelAllOrders(ctx context.Context, instrument string) error {
	err := c.guard.Execute(ctx, weightCancelAll, func() error {
		raw, err := c.http.Delete(ctx, "/v1/orders", map[string]string{
			"symbol": instrument,
		})
		if err != nil {
			return err
		}
		return decodeEnvelope(raw, nil)
	})
	if err != nil {
		return classify("cancel_all_orders", err)
	}
	c.logger.Info("Cancelled all resting orders", "instrument", instrument)
	return nil
}

type accountInfoResponse struct {
	TotalEquity      string `json:"total_equity"`
	AvailableBalance string `json:"available_balance"`
	MarginRatio      string `json:"margin_ratio"`
}

// GetAccountInfo fetches equity and available balance
func (c *Client) GetAccountInfo(ctx context.Context) (*core.AccountInfo, error) {
	var resp accountInfoResponse
	err := c.guard.Execute(ctx, weightRead, func() error {
		raw, err := c.http.Get(ctx, "/v1/client/info", nil)
		if err != nil {
			return err
		}
		return decodeEnvelope(raw, &resp)
	})
	if err != nil {
		return nil, classify("get_account_info", err)
	}

	info := &core.AccountInfo{}
	var perr error
	if info.TotalEquity, perr = decimal.NewFromString(resp.TotalEquity); perr != nil {
		return nil, classify("get_account_info", fmt.Errorf("bad total_equity %q: %w", resp.TotalEquity, perr))
	}
	if info.AvailableBalance, perr = decimal.NewFromString(resp.AvailableBalance); perr != nil {
		return nil, classify("get_account_info", fmt.Errorf("bad available_balance %q: %w", resp.AvailableBalance, perr))
	}
	if resp.MarginRatio != "" {
		if info.MarginRatio, perr = decimal.NewFromString(resp.MarginRatio); perr != nil {
			return nil, classify("get_account_info", fmt.Errorf("bad margin_ratio %q: %w", resp.MarginRatio, perr))
		}
	}
	return info, nil
}

type positionRow struct {
	Symbol     string `json:"symbol"`
	Quantity   string `json:"position_qty"`
	EntryPrice string `json:"average_open_price"`
	MarkPrice  string `json:"mark_price"`
}

type positionsResponse struct {
	Rows []positionRow `json:"rows"`
}

// GetPositions fetches all open perpetual positions
func (c *Client) GetPositions(ctx context.Context) ([]core.Position, error) {
	var resp positionsResponse
	err := c.guard.Execute(ctx, weightRead, func() error {
		raw, err := c.http.Get(ctx, "/v1/positions", nil)
		if err != nil {
			return err
		}
		return decodeEnvelope(raw, &resp)
	})
	if err != nil {
		return nil, classify("get_positions", err)
	}

	positions := make([]core.Position, 0, len(resp.Rows))
	for _, row := range resp.Rows {
		p := core.Position{Instrument: row.Symbol}
		var perr error
		if p.Quantity, perr = decimal.NewFromString(row.Quantity); perr != nil {
			continue
		}
		if p.EntryPrice, perr = decimal.NewFromString(row.EntryPrice); perr != nil {
			continue
		}
		if row.MarkPrice != "" {
			p.MarkPrice, _ = decimal.NewFromString(row.MarkPrice)
		}
		positions = append(positions, p)
	}
	return positions, nil
}

type orderRow struct {
	OrderID  string `json:"order_id"`
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
	Status   string `json:"status"`
}

type ordersResponse struct {
	Rows []orderRow `json:"rows"`
}

// GetOrders lists orders on the instrument, optionally filtered by status
func (c *Client) GetOrders(ctx context.Context, instrument string, status core.OrderStatus) ([]core.Order, error) {
	params := map[string]string{"symbol": instrument}
	if status != "" {
		params["status"] = mapStatusOut(status)
	}

	var resp ordersResponse
	err := c.guard.Execute(ctx, weightRead, func() error {
		raw, err := c.http.Get(ctx, "/v1/orders", params)
		if err != nil {
			return err
		}
		return decodeEnvelope(raw, &resp)
	})
	if err != nil {
		return nil, classify("get_orders", err)
	}

	orders := make([]core.Order, 0, len(resp.Rows))
	for _, row := range resp.Rows {
		o := core.Order{
			ID:         row.OrderID,
			Instrument: row.Symbol,
			Side:       core.Side(row.Side),
			Status:     mapStatusIn(row.Status),
		}
		var perr error
		if o.Price, perr = decimal.NewFromString(row.Price); perr != nil {
			continue
		}
		if o.Quantity, perr = decimal.NewFromString(row.Quantity); perr != nil {
			continue
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// mapStatusOut translates the tracker's status enum into the upstream's
func mapStatusOut(s core.OrderStatus) string {
	switch s {
	case core.OrderOpen:
		return "NEW"
	case core.OrderFilled:
		return "FILLED"
	case core.OrderCancelled:
		return "CANCELLED"
	default:
		return "INCOMPLETE"
	}
}

func mapStatusIn(s string) core.OrderStatus {
	switch s {
	case "NEW", "PARTIAL_FILLED":
		return core.OrderOpen
	case "FILLED":
		return core.OrderFilled
	case "CANCELLED":
		return core.OrderCancelled
	default:
		return core.OrderUnknown
	}
}
