// Package session binds one (user, instrument) pair to a grid engine and
// its I/O channels, and manages the fleet of such bindings.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gridtrader/internal/core"
	"gridtrader/internal/grid"
	"gridtrader/internal/notify"
	"gridtrader/internal/tracker"
)

// Deps are the shared services a session is built from
type Deps struct {
	Exchange  core.IExchange
	WSManager *notify.Manager
	History   grid.FillRecorder
	ErrSink   core.IErrorSink
	Logger    core.ILogger
	Engine    grid.EngineConfig
}

// Session owns one engine, one tracker, one REST handle and one private
// stream. All of them live and die with the session.
type Session struct {
	cfg       *core.SessionConfig
	engine    *grid.Engine
	tracker   *tracker.Tracker
	wsManager *notify.Manager
	logger    core.ILogger

	mu        sync.Mutex
	state     core.SessionState
	warnings  []string
	createdAt time.Time

	cancel   context.CancelFunc
	stopOnce sync.Once

	// deregister detaches the session from its manager; a function
	// reference rather than the manager itself, to avoid a cycle
	deregister func(sessionID string)
}

// New assembles a session. Nothing is placed or connected until Start.
func New(cfg *core.SessionConfig, deps Deps) *Session {
	tr := tracker.New(deps.Logger)
	engine := grid.NewEngine(cfg, deps.Engine, deps.Exchange, tr, deps.Logger)
	if deps.ErrSink != nil {
		engine.SetErrorSink(deps.ErrSink)
	}
	if deps.History != nil {
		engine.SetFillRecorder(deps.History)
	}

	s := &Session{
		cfg:       cfg,
		engine:    engine,
		tracker:   tr,
		wsManager: deps.WSManager,
		logger:    deps.Logger.WithField("session_id", cfg.SessionID()),
		state:     core.StateCreating,
		createdAt: time.Now(),
	}
	engine.SetOnStop(func(reason string) {
		s.addWarning("engine stopped: " + reason)
		go s.Stop(context.Background())
	})
	return s
}

// ID returns the session identifier
func (s *Session) ID() string { return s.cfg.SessionID() }

// Config returns the session configuration
func (s *Session) Config() *core.SessionConfig { return s.cfg }

// SetDeregister installs the manager's detach hook
func (s *Session) SetDeregister(fn func(sessionID string)) { s.deregister = fn }

// State returns the lifecycle state
func (s *Session) State() core.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st core.SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) addWarning(w string) {
	s.mu.Lock()
	s.warnings = append(s.warnings, w)
	s.mu.Unlock()
}

// Start opens the private stream and places the initial ladder. On any
// failure everything opened so far is torn down.
func (s *Session) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if s.wsManager != nil {
		client, err := s.wsManager.Open(runCtx, s.ID(), s.cfg.Credentials, s.handleFill)
		if err != nil {
			cancel()
			s.setState(core.StateFailed)
			return fmt.Errorf("failed to open private stream: %w", err)
		}
		client.SetOnDown(s.handleStreamDown)
	}

	if err := s.engine.Start(ctx); err != nil {
		if s.wsManager != nil {
			s.wsManager.Close(s.ID())
		}
		cancel()
		s.setState(core.StateFailed)
		return fmt.Errorf("failed to start grid engine: %w", err)
	}

	s.setState(core.StateRunning)
	s.logger.Info("Session running", "instrument", s.cfg.Instrument, "direction", s.cfg.Direction)
	return nil
}

// handleFill is the private-stream dispatch path. Fills double as the
// mark-price feed for the stop triggers.
func (s *Session) handleFill(fill core.Fill) {
	ctx := context.Background()
	s.engine.OnFill(ctx, fill)
	s.engine.OnMarkPrice(ctx, fill.Price)
}

func (s *Session) handleStreamDown(sessionID string) {
	s.addWarning("private stream reconnection exhausted")
	s.logger.Error("Private stream is down, stream-dependent features degraded")
}

// Stop winds the session down: cancel resting orders best-effort, close
// the stream, stop background work. It always completes; upstream
// failures become warnings, not errors.
func (s *Session) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		s.setState(core.StateStopping)
		s.logger.Info("Stopping session")

		s.engine.StopAll(ctx, "session_stop")

		if s.wsManager != nil {
			s.wsManager.Close(s.ID())
		}
		if s.cancel != nil {
			s.cancel()
		}

		s.setState(core.StateStopped)
		if s.deregister != nil {
			s.deregister(s.ID())
		}
		s.logger.Info("Session stopped", "warnings", len(s.Warnings()))
	})
}

// Warnings returns accumulated non-fatal problems
func (s *Session) Warnings() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.warnings...)
}

// Status returns a point-in-time snapshot
func (s *Session) Status() core.SessionStatus {
	report := s.engine.ProfitReport()
	return core.SessionStatus{
		SessionID:   s.ID(),
		UserID:      s.cfg.UserID,
		Instrument:  s.cfg.Instrument,
		State:       s.State(),
		Direction:   s.cfg.Direction,
		LowerBound:  s.cfg.LowerBound,
		UpperBound:  s.cfg.UpperBound,
		GridLevels:  s.cfg.GridLevels,
		OpenOrders:  s.tracker.OpenCount(),
		FilledCount: s.tracker.FilledCount(),
		RealizedPnL: report.RealizedPnL,
		CreatedAt:   s.createdAt,
		LastFillAt:  s.tracker.LastFillAt(),
		Warnings:    s.Warnings(),
	}
}

// ProfitReport summarizes realized trading results
func (s *Session) ProfitReport() core.ProfitReport {
	return s.engine.ProfitReport()
}
