package recovery

import (
	"context"
	"errors"
	"runtime"
	"time"

	"gridtrader/internal/core"
)

const defaultCooldown = 60 * time.Second

// SessionRestartAction force-cleans the failed session so the slot can be
// recreated. Only fires on high-severity events carrying a session id.
type SessionRestartAction struct {
	Cleanup func(ctx context.Context, sessionID string) error
}

func (a *SessionRestartAction) Name() string                     { return "session_restart" }
func (a *SessionRestartAction) SeverityThreshold() core.Severity { return core.SeverityHigh }
func (a *SessionRestartAction) Cooldown() time.Duration          { return defaultCooldown }

func (a *SessionRestartAction) Execute(ctx context.Context, ev ErrorEvent) error {
	if ev.SessionID == "" {
		return errors.New("no session to restart")
	}
	return a.Cleanup(ctx, ev.SessionID)
}

// WebSocketReconnectAction asks the notification layer to rebuild the
// session's private stream
type WebSocketReconnectAction struct {
	Reconnect func(ctx context.Context, sessionID string) error
}

func (a *WebSocketReconnectAction) Name() string                     { return "websocket_reconnect" }
func (a *WebSocketReconnectAction) SeverityThreshold() core.Severity { return core.SeverityMedium }
func (a *WebSocketReconnectAction) Cooldown() time.Duration          { return defaultCooldown }

func (a *WebSocketReconnectAction) Execute(ctx context.Context, ev ErrorEvent) error {
	if ev.SessionID == "" {
		return errors.New("no session stream to reconnect")
	}
	return a.Reconnect(ctx, ev.SessionID)
}

// MemoryCleanupAction forces a GC cycle. It reports success only when the
// cycle actually released heap memory, so the supervisor can fall through
// to a stronger action when it did not.
type MemoryCleanupAction struct{}

func (MemoryCleanupAction) Name() string                     { return "memory_cleanup" }
func (MemoryCleanupAction) SeverityThreshold() core.Severity { return core.SeverityMedium }
func (MemoryCleanupAction) Cooldown() time.Duration          { return defaultCooldown }

func (MemoryCleanupAction) Execute(ctx context.Context, ev ErrorEvent) error {
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	runtime.GC()
	runtime.ReadMemStats(&after)
	if after.HeapAlloc >= before.HeapAlloc {
		return errors.New("gc cycle released no memory")
	}
	return nil
}
