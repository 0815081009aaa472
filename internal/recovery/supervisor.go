// Package recovery routes error events to ordered recovery actions with
// severity thresholds and cooldowns.
package recovery

import (
	"context"
	"sync"
	"time"

	"gridtrader/internal/core"
	"gridtrader/pkg/telemetry"
)

// ErrorEvent is one recorded failure
type ErrorEvent struct {
	At        time.Time     `json:"at"`
	Err       string        `json:"error"`
	Component string        `json:"component"`
	SessionID string        `json:"session_id,omitempty"`
	Severity  core.Severity `json:"-"`
	Handled   bool          `json:"handled"`
	ActionRun string        `json:"action,omitempty"`
}

// Action is one recovery strategy. Actions are consulted in registration
// order; the first eligible one runs.
type Action interface {
	Name() string
	SeverityThreshold() core.Severity
	Cooldown() time.Duration
	Execute(ctx context.Context, ev ErrorEvent) error
}

// Stats aggregates the recorded history
type Stats struct {
	Total       int64            `json:"total"`
	ByComponent map[string]int64 `json:"by_component"`
	BySeverity  map[string]int64 `json:"by_severity"`
	Recovered   int64            `json:"recovered"`
}

const defaultHistorySize = 200

// Supervisor implements core.IErrorSink
type Supervisor struct {
	logger core.ILogger

	mu          sync.Mutex
	actions     []Action
	lastRun     map[string]time.Time
	history     []ErrorEvent
	historySize int
	stats       Stats

	nowFn func() time.Time
}

// NewSupervisor creates an empty supervisor; register actions in the
// order they should be tried
func NewSupervisor(logger core.ILogger) *Supervisor {
	return &Supervisor{
		logger:      logger.WithField("component", "recovery_supervisor"),
		lastRun:     make(map[string]time.Time),
		historySize: defaultHistorySize,
		stats: Stats{
			ByComponent: make(map[string]int64),
			BySeverity:  make(map[string]int64),
		},
		nowFn: time.Now,
	}
}

// Register appends an action to the consultation order
func (s *Supervisor) Register(a Action) {
	s.mu.Lock()
	s.actions = append(s.actions, a)
	s.mu.Unlock()
}

// HandleError records the event and runs the first eligible action.
// Recovery success short-circuits; failure falls through to the next.
func (s *Supervisor) HandleError(ctx context.Context, err error, component, sessionID string, severity core.Severity) {
	ev := ErrorEvent{
		At:        s.nowFn(),
		Err:       err.Error(),
		Component: component,
		SessionID: sessionID,
		Severity:  severity,
	}

	s.mu.Lock()
	actions := append([]Action(nil), s.actions...)
	s.mu.Unlock()

	for _, action := range actions {
		if severity < action.SeverityThreshold() {
			continue
		}
		if !s.claimCooldown(action) {
			continue
		}

		runErr := action.Execute(ctx, ev)
		telemetry.GetGlobalMetrics().AddRecoveryAction(ctx, action.Name(), runErr == nil)
		if runErr == nil {
			ev.Handled = true
			ev.ActionRun = action.Name()
			s.logger.Info("Recovery action succeeded",
				"action", action.Name(), "component", component, "session_id", sessionID)
			break
		}
		s.logger.Warn("Recovery action failed, trying next",
			"action", action.Name(), "error", runErr)
	}

	if !ev.Handled {
		s.logger.Error("Error event not recovered",
			"component", component, "session_id", sessionID, "severity", severity, "error", err)
	}
	s.record(ev)
}

// claimCooldown consumes an action's cooldown slot if it is available
func (s *Supervisor) claimCooldown(a Action) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	if last, ok := s.lastRun[a.Name()]; ok && now.Sub(last) < a.Cooldown() {
		return false
	}
	s.lastRun[a.Name()] = now
	return true
}

func (s *Supervisor) record(ev ErrorEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, ev)
	if len(s.history) > s.historySize {
		s.history = s.history[len(s.history)-s.historySize:]
	}
	s.stats.Total++
	s.stats.ByComponent[ev.Component]++
	s.stats.BySeverity[ev.Severity.String()]++
	if ev.Handled {
		s.stats.Recovered++
	}
}

// History returns the recorded events, oldest first
func (s *Supervisor) History() []ErrorEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ErrorEvent(nil), s.history...)
}

// StatsSnapshot returns a copy of the aggregates
func (s *Supervisor) StatsSnapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Stats{
		Total:       s.stats.Total,
		Recovered:   s.stats.Recovered,
		ByComponent: make(map[string]int64, len(s.stats.ByComponent)),
		BySeverity:  make(map[string]int64, len(s.stats.BySeverity)),
	}
	for k, v := range s.stats.ByComponent {
		out.ByComponent[k] = v
	}
	for k, v := range s.stats.BySeverity {
		out.BySeverity[k] = v
	}
	return out
}

// autoRecover retries a failed action once before giving up
type autoRecover struct {
	Action
}

// AutoRecover wraps an action with a single retry
func AutoRecover(a Action) Action {
	return &autoRecover{Action: a}
}

func (a *autoRecover) Execute(ctx context.Context, ev ErrorEvent) error {
	if err := a.Action.Execute(ctx, ev); err == nil {
		return nil
	}
	return a.Action.Execute(ctx, ev)
}
