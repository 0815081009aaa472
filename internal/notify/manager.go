package notify

import (
	"context"
	"sync"
	"time"

	"gridtrader/internal/core"
	"gridtrader/pkg/apperrors"
	"gridtrader/pkg/telemetry"
)

// ManagerConfig tunes the connection manager
type ManagerConfig struct {
	MaxConnections int
	IdleTimeout    time.Duration
	ReapInterval   time.Duration
	Client         ClientConfig
}

func (c *ManagerConfig) withDefaults() ManagerConfig {
	out := *c
	if out.MaxConnections <= 0 {
		out.MaxConnections = 50
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = 300 * time.Second
	}
	if out.ReapInterval <= 0 {
		out.ReapInterval = 30 * time.Second
	}
	return out
}

// Manager owns all private-stream connections, enforces the global cap
// and reaps idle ones.
type Manager struct {
	cfg    ManagerConfig
	logger core.ILogger

	mu      sync.Mutex
	clients map[string]*Client
	dialFn  dialFunc
}

// NewManager creates a connection manager
func NewManager(cfg ManagerConfig, logger core.ILogger) *Manager {
	return &Manager{
		cfg:     cfg.withDefaults(),
		logger:  logger.WithField("component", "ws_manager"),
		clients: make(map[string]*Client),
		dialFn:  gorillaDial,
	}
}

// Open creates and starts a connection for one session. Creation beyond
// the global cap fails with a distinct error.
func (m *Manager) Open(ctx context.Context, sessionID string, creds core.Credentials, handler FillHandler) (*Client, error) {
	m.mu.Lock()
	if _, exists := m.clients[sessionID]; exists {
		m.mu.Unlock()
		return nil, apperrors.New(apperrors.CategorySession, "ws_already_open", apperrors.ErrSessionExists)
	}
	if len(m.clients) >= m.cfg.MaxConnections {
		m.mu.Unlock()
		m.logger.Warn("WebSocket connection cap reached", "cap", m.cfg.MaxConnections)
		return nil, apperrors.New(apperrors.CategorySession, "ws_connection_limit", apperrors.ErrConnectionLimit).
			WithUser("Too many concurrent sessions, try again later")
	}

	client := NewClient(m.cfg.Client, sessionID, creds, handler, m.logger)
	client.dial = m.dialFn
	m.clients[sessionID] = client
	count := len(m.clients)
	m.mu.Unlock()

	if err := client.Start(ctx); err != nil {
		m.remove(sessionID)
		return nil, err
	}

	telemetry.GetGlobalMetrics().SetWSConnectionsActive(int64(count))
	return client, nil
}

// Close stops and removes one session's connection
func (m *Manager) Close(sessionID string) {
	m.mu.Lock()
	client, ok := m.clients[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	client.Stop()
	m.remove(sessionID)
}

func (m *Manager) remove(sessionID string) {
	m.mu.Lock()
	delete(m.clients, sessionID)
	count := len(m.clients)
	m.mu.Unlock()
	telemetry.GetGlobalMetrics().SetWSConnectionsActive(int64(count))
}

// Reconnect tears a session's connection down and dials a fresh one with
// the same credentials and handler. Used by the recovery supervisor when
// a stream is wedged.
func (m *Manager) Reconnect(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	old, ok := m.clients[sessionID]
	m.mu.Unlock()
	if !ok {
		return apperrors.New(apperrors.CategorySession, "ws_not_found", apperrors.ErrSessionNotFound)
	}

	old.Stop()
	fresh := NewClient(m.cfg.Client, sessionID, old.creds, old.handler, m.logger)
	fresh.dial = m.dialFn
	fresh.onDown = old.onDown
	if err := fresh.Start(ctx); err != nil {
		m.remove(sessionID)
		return err
	}

	m.mu.Lock()
	m.clients[sessionID] = fresh
	m.mu.Unlock()
	m.logger.Info("Private stream rebuilt", "session_id", sessionID)
	return nil
}

// Count returns the number of open connections
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Get returns the client for a session, if any
func (m *Manager) Get(sessionID string) (*Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[sessionID]
	return c, ok
}

// StartReaper closes connections idle longer than the idle timeout
func (m *Manager) StartReaper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.cfg.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.reapIdle()
			}
		}
	}()
}

func (m *Manager) reapIdle() {
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	var idle []string
	for id, client := range m.clients {
		if client.LastActivity().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	for _, id := range idle {
		m.logger.Warn("Closing idle private stream", "session_id", id, "idle_timeout", m.cfg.IdleTimeout)
		m.Close(id)
	}
}
