// Package alert fans operational notifications out to configured channels.
package alert

import (
	"context"
	"sync"
	"time"

	"gridtrader/internal/core"
	"gridtrader/internal/health"
)

type Level string

const (
	Info     Level = "INFO"
	Warning  Level = "WARNING"
	Error    Level = "ERROR"
	Critical Level = "CRITICAL"
)

// Payload is one notification
type Payload struct {
	Level     Level
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel delivers a payload to one destination
type Channel interface {
	Send(ctx context.Context, p Payload) error
	Name() string
}

// Manager dispatches payloads to every channel concurrently. Delivery is
// asynchronous so alerting never blocks the trading path.
type Manager struct {
	mu       sync.RWMutex
	channels []Channel
	logger   core.ILogger
	wg       sync.WaitGroup

	// suppression window per title, keeps repeated threshold crossings
	// from flooding the channels
	suppressFor time.Duration
	lastSent    map[string]time.Time
	nowFn       func() time.Time
}

func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		logger:      logger.WithField("component", "alert_manager"),
		suppressFor: 5 * time.Minute,
		lastSent:    make(map[string]time.Time),
		nowFn:       time.Now,
	}
}

func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Added alert channel", "name", ch.Name())
}

// Alert dispatches to all channels and returns immediately
func (m *Manager) Alert(ctx context.Context, title, message string, level Level, fields map[string]string) {
	if !m.admit(title) {
		return
	}

	p := Payload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: m.nowFn(),
		Fields:    fields,
	}
	m.logger.Info("Triggering alert", "title", title, "level", level)

	m.mu.RLock()
	channels := append([]Channel(nil), m.channels...)
	m.mu.RUnlock()

	for _, ch := range channels {
		m.wg.Add(1)
		go func(c Channel) {
			defer m.wg.Done()
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := c.Send(sendCtx, p); err != nil {
				m.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}

// admit applies the per-title suppression window
func (m *Manager) admit(title string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFn()
	if last, ok := m.lastSent[title]; ok && now.Sub(last) < m.suppressFor {
		return false
	}
	m.lastSent[title] = now
	return true
}

// Drain waits for in-flight deliveries, for shutdown
func (m *Manager) Drain() {
	m.wg.Wait()
}

// HealthHook adapts the manager to the health monitor's callback
func (m *Manager) HealthHook() health.AlertFunc {
	return func(level health.AlertLevel, metricName, message string) {
		lvl := Warning
		if level == health.AlertCritical {
			lvl = Critical
		}
		m.Alert(context.Background(), "health:"+metricName, message, lvl,
			map[string]string{"metric": metricName})
	}
}
