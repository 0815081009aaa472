// Package notify maintains the authenticated private-stream WebSocket
// connections that deliver fill events to running sessions.
package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"gridtrader/internal/core"
	"gridtrader/pkg/telemetry"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// ConnState is the connection lifecycle state
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// FillHandler receives parsed fill events
type FillHandler func(core.Fill)

// ClientConfig tunes one private-stream connection
type ClientConfig struct {
	URL                  string
	MaxReconnectAttempts int
	MaxBackoff           time.Duration
	PingInterval         time.Duration
	WriteTimeout         time.Duration
}

func (c *ClientConfig) withDefaults() ClientConfig {
	out := *c
	if out.MaxReconnectAttempts <= 0 {
		out.MaxReconnectAttempts = 5
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = 30 * time.Second
	}
	if out.PingInterval <= 0 {
		out.PingInterval = 15 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 5 * time.Second
	}
	return out
}

type dialFunc func(ctx context.Context, url string, header http.Header) (wsConn, error)

// wsConn abstracts the gorilla connection for tests
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

func gorillaDial(ctx context.Context, url string, header http.Header) (wsConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	return conn, err
}

// Client is one session's private-stream subscription
type Client struct {
	cfg       ClientConfig
	sessionID string
	creds     core.Credentials
	handler   FillHandler
	logger    core.ILogger
	dial      dialFunc

	mu    sync.Mutex
	conn  wsConn
	state atomic.Int32

	lastActivity atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// onDown fires once when the client gives up reconnecting
	onDown func(sessionID string)
}

// NewClient creates a private-stream client for one session
func NewClient(cfg ClientConfig, sessionID string, creds core.Credentials, handler FillHandler, logger core.ILogger) *Client {
	c := &Client{
		cfg:       cfg.withDefaults(),
		sessionID: sessionID,
		creds:     creds,
		handler:   handler,
		logger:    logger.WithFields(map[string]interface{}{"component": "ws_client", "session_id": sessionID}),
		dial:      gorillaDial,
	}
	c.state.Store(int32(StateDisconnected))
	c.touch()
	return c
}

// SetOnDown registers the callback invoked when reconnection is exhausted
func (c *Client) SetOnDown(fn func(sessionID string)) { c.onDown = fn }

// State returns the current connection state
func (c *Client) State() ConnState { return ConnState(c.state.Load()) }

// LastActivity returns the time of the last inbound message
func (c *Client) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Client) touch() { c.lastActivity.Store(time.Now().UnixNano()) }

// Start connects and begins dispatching messages. It returns after the
// initial handshake; reconnection is handled internally.
func (c *Client) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.connect(c.ctx); err != nil {
		c.state.Store(int32(StateFailed))
		return err
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()
	return nil
}

// Stop closes the connection and waits for the loops to drain
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
	c.state.Store(int32(StateDisconnected))
}

func (c *Client) connect(ctx context.Context) error {
	c.state.Store(int32(StateConnecting))

	conn, err := c.dial(ctx, c.cfg.URL, c.authHeader())
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	sub, _ := json.Marshal(map[string]interface{}{
		"event": "subscribe",
		"topic": "notifications",
	})
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.state.Store(int32(StateConnected))
	c.touch()
	c.logger.Info("Private stream connected")
	return nil
}

// authHeader signs the handshake the same way REST requests are signed
func (c *Client) authHeader() http.Header {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(c.creds.APISecret))
	mac.Write([]byte(ts + "GET/ws/private"))

	h := http.Header{}
	h.Set("X-Api-Key", c.creds.APIKey)
	h.Set("X-Api-Timestamp", ts)
	h.Set("X-Api-Signature", hex.EncodeToString(mac.Sum(nil)))
	return h
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.ctx.Done():
				return
			default:
			}
			c.logger.Warn("Private stream read failed, reconnecting", "error", err)
			if !c.reconnect() {
				return
			}
			continue
		}

		c.touch()
		c.dispatch(raw)
	}
}

func (c *Client) pingLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil || c.State() != StateConnected {
				continue
			}
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("Ping failed", "error", err)
			}
		}
	}
}

// reconnect runs the Fibonacci backoff ladder. Returns false once the
// attempt budget is spent or the context is cancelled.
func (c *Client) reconnect() bool {
	c.state.Store(int32(StateReconnecting))

	prev, cur := time.Second, time.Second
	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(cur):
		}

		telemetry.GetGlobalMetrics().AddWSReconnect(c.ctx)
		c.logger.Info("Reconnecting private stream",
			"attempt", attempt, "max_attempts", c.cfg.MaxReconnectAttempts)

		err := c.connect(c.ctx)
		if err == nil {
			return true
		}
		c.logger.Warn("Reconnect attempt failed", "attempt", attempt, "error", err)

		prev, cur = cur, prev+cur
		if cur > c.cfg.MaxBackoff {
			cur = c.cfg.MaxBackoff
		}
	}

	c.state.Store(int32(StateFailed))
	c.logger.Error("Private stream reconnection exhausted, giving up")
	if c.onDown != nil {
		c.onDown(c.sessionID)
	}
	return false
}

type wsMessage struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

type notificationPayload struct {
	MessageType      string `json:"messageType"`
	OrderID          string `json:"orderId"`
	Symbol           string `json:"symbol"`
	Side             string `json:"side"`
	ExecutedPrice    string `json:"executedPrice"`
	ExecutedQuantity string `json:"executedQuantity"`
	Timestamp        int64  `json:"timestamp"`
}

// dispatch parses an inbound frame and forwards fill events. Frames that
// are not fills are ignored.
func (c *Client) dispatch(raw []byte) {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.logger.Debug("Dropping unparseable frame", "error", err)
		return
	}
	if msg.Topic != "notifications" {
		return
	}

	payload, err := decodePayload(msg.Data)
	if err != nil {
		c.logger.Warn("Dropping malformed notification payload", "error", err)
		return
	}

	switch payload.MessageType {
	case "ORDER_FILLED", "ORDER_FILLED_PUSH":
	default:
		return
	}

	price, err := decimal.NewFromString(payload.ExecutedPrice)
	if err != nil {
		c.logger.Warn("Fill with bad price dropped", "order_id", payload.OrderID, "price", payload.ExecutedPrice)
		return
	}
	qty, err := decimal.NewFromString(payload.ExecutedQuantity)
	if err != nil {
		c.logger.Warn("Fill with bad quantity dropped", "order_id", payload.OrderID, "quantity", payload.ExecutedQuantity)
		return
	}

	c.handler(core.Fill{
		OrderID:    payload.OrderID,
		Price:      price,
		Quantity:   qty,
		Side:       core.Side(payload.Side),
		ExchangeTs: payload.Timestamp,
		Instrument: payload.Symbol,
	})
}

// decodePayload tolerates the payload body arriving either as an object
// or as a JSON-encoded string containing the object
func decodePayload(data json.RawMessage) (*notificationPayload, error) {
	var payload notificationPayload
	if err := json.Unmarshal(data, &payload); err == nil && payload.MessageType != "" {
		return &payload, nil
	}

	var encoded string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return nil, fmt.Errorf("payload is neither object nor string")
	}
	if err := json.Unmarshal([]byte(encoded), &payload); err != nil {
		return nil, fmt.Errorf("string payload does not contain a notification: %w", err)
	}
	return &payload, nil
}
