package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"gridtrader/internal/core"
	"gridtrader/internal/mock"
	"gridtrader/pkg/apperrors"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedConn feeds canned frames to the read loop
type scriptedConn struct {
	mu     sync.Mutex
	frames chan []byte
	closed bool
	wrote  [][]byte
}

func newScriptedConn(frames ...[]byte) *scriptedConn {
	c := &scriptedConn{frames: make(chan []byte, len(frames)+1)}
	for _, f := range frames {
		c.frames <- f
	}
	return c
}

func (c *scriptedConn) ReadMessage() (int, []byte, error) {
	f, ok := <-c.frames
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return websocket.TextMessage, f, nil
}

func (c *scriptedConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wrote = append(c.wrote, data)
	return nil
}

func (c *scriptedConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return nil
}

func (c *scriptedConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.frames)
	}
	return nil
}

func newTestClient(t *testing.T, conn wsConn, handler FillHandler) *Client {
	t.Helper()
	c := NewClient(ClientConfig{MaxReconnectAttempts: 1, MaxBackoff: time.Millisecond},
		"u1_PERP_ETH_USDC", core.Credentials{APIKey: "k", APISecret: "s"}, handler, mock.NopLogger{})
	c.dial = func(ctx context.Context, url string, header http.Header) (wsConn, error) {
		return conn, nil
	}
	return c
}

func fillFrame(t *testing.T, payload interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{"topic": "notifications", "data": payload})
	require.NoError(t, err)
	return raw
}

func TestClient_DispatchesObjectPayload(t *testing.T) {
	frame := fillFrame(t, map[string]interface{}{
		"messageType":      "ORDER_FILLED",
		"orderId":          "ord-1",
		"symbol":           "PERP_ETH_USDC",
		"side":             "BUY",
		"executedPrice":    "41666.67",
		"executedQuantity": "0.00048",
		"timestamp":        int64(1700000000123),
	})

	fills := make(chan core.Fill, 1)
	conn := newScriptedConn(frame)
	c := newTestClient(t, conn, func(f core.Fill) { fills <- f })

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	select {
	case f := <-fills:
		assert.Equal(t, "ord-1", f.OrderID)
		assert.Equal(t, core.SideBuy, f.Side)
		assert.Equal(t, "41666.67", f.Price.String())
		assert.Equal(t, int64(1700000000123), f.ExchangeTs)
	case <-time.After(2 * time.Second):
		t.Fatal("fill was not dispatched")
	}
}

func TestClient_DispatchesStringEncodedPayload(t *testing.T) {
	inner, err := json.Marshal(map[string]interface{}{
		"messageType":      "ORDER_FILLED_PUSH",
		"orderId":          "ord-2",
		"symbol":           "PERP_BTC_USDC",
		"side":             "SELL",
		"executedPrice":    "42500",
		"executedQuantity": "0.00048",
		"timestamp":        int64(1700000001000),
	})
	require.NoError(t, err)
	frame := fillFrame(t, string(inner))

	fills := make(chan core.Fill, 1)
	conn := newScriptedConn(frame)
	c := newTestClient(t, conn, func(f core.Fill) { fills <- f })

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	select {
	case f := <-fills:
		assert.Equal(t, "ord-2", f.OrderID)
		assert.Equal(t, core.SideSell, f.Side)
	case <-time.After(2 * time.Second):
		t.Fatal("string-encoded fill was not dispatched")
	}
}

func TestClient_IgnoresOtherTopicsAndTypes(t *testing.T) {
	frames := [][]byte{
		[]byte(`{"topic":"tickers","data":{"messageType":"ORDER_FILLED"}}`),
		fillFrame(t, map[string]interface{}{"messageType": "ACCOUNT_UPDATE"}),
		[]byte(`not json`),
	}

	var calls int
	var mu sync.Mutex
	conn := newScriptedConn(frames...)
	c := newTestClient(t, conn, func(core.Fill) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	require.NoError(t, c.Start(context.Background()))
	time.Sleep(100 * time.Millisecond)
	c.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, calls)
}

func TestClient_FailsAfterMaxReconnectAttempts(t *testing.T) {
	conn := newScriptedConn()
	c := newTestClient(t, conn, func(core.Fill) {})

	var downMu sync.Mutex
	downCalled := false
	c.SetOnDown(func(string) {
		downMu.Lock()
		downCalled = true
		downMu.Unlock()
	})

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, StateConnected, c.State())

	// Exhaust the read channel, then make every redial fail
	dialErr := errors.New("dial refused")
	c.dial = func(ctx context.Context, url string, header http.Header) (wsConn, error) {
		return nil, dialErr
	}
	conn.Close()

	require.Eventually(t, func() bool { return c.State() == StateFailed },
		5*time.Second, 10*time.Millisecond)
	downMu.Lock()
	defer downMu.Unlock()
	assert.True(t, downCalled)
}

func TestClient_ActivityTimestampRefreshes(t *testing.T) {
	frame := []byte(`{"topic":"heartbeat","data":{}}`)
	conn := newScriptedConn(frame)
	c := newTestClient(t, conn, func(core.Fill) {})

	before := c.LastActivity()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	require.Eventually(t, func() bool { return c.LastActivity().After(before) },
		2*time.Second, 5*time.Millisecond)
}

func TestManager_ConnectionCap(t *testing.T) {
	m := NewManager(ManagerConfig{MaxConnections: 2}, mock.NopLogger{})
	m.dialFn = func(ctx context.Context, url string, header http.Header) (wsConn, error) {
		return newScriptedConn(), nil
	}
	creds := core.Credentials{APIKey: "k", APISecret: "s"}
	noop := func(core.Fill) {}

	_, err := m.Open(context.Background(), "s1", creds, noop)
	require.NoError(t, err)
	_, err = m.Open(context.Background(), "s2", creds, noop)
	require.NoError(t, err)

	_, err = m.Open(context.Background(), "s3", creds, noop)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConnectionLimit))
	assert.Equal(t, 2, m.Count())

	// Closing one frees capacity
	m.Close("s1")
	_, err = m.Open(context.Background(), "s3", creds, noop)
	require.NoError(t, err)
	m.Close("s2")
	m.Close("s3")
}

func TestManager_ReconnectRebuildsClient(t *testing.T) {
	m := NewManager(ManagerConfig{}, mock.NopLogger{})
	dials := 0
	m.dialFn = func(ctx context.Context, url string, header http.Header) (wsConn, error) {
		dials++
		return newScriptedConn(), nil
	}
	creds := core.Credentials{APIKey: "k", APISecret: "s"}

	first, err := m.Open(context.Background(), "s1", creds, func(core.Fill) {})
	require.NoError(t, err)

	require.NoError(t, m.Reconnect(context.Background(), "s1"))
	assert.Equal(t, 2, dials)
	assert.Equal(t, 1, m.Count())

	fresh, ok := m.Get("s1")
	require.True(t, ok)
	assert.NotSame(t, first, fresh)
	assert.Equal(t, StateConnected, fresh.State())
	m.Close("s1")

	err = m.Reconnect(context.Background(), "missing")
	assert.True(t, errors.Is(err, apperrors.ErrSessionNotFound))
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	m := NewManager(ManagerConfig{}, mock.NopLogger{})
	m.Close("missing")
	assert.Equal(t, 0, m.Count())
}
