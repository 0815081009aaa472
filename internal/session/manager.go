package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"gridtrader/internal/core"
	"gridtrader/pkg/apperrors"
	"gridtrader/pkg/telemetry"

	"golang.org/x/sync/semaphore"
)

// ExchangeFactory builds a REST client bound to one user's credentials
type ExchangeFactory func(creds core.Credentials) core.IExchange

// ManagerConfig tunes admission and cleanup
type ManagerConfig struct {
	MaxConcurrentCreating int
	MaxCreationsPerSecond int
	BatchConcurrency      int
	ForceCleanupTimeout   time.Duration
}

func (c *ManagerConfig) withDefaults() ManagerConfig {
	out := *c
	if out.MaxConcurrentCreating <= 0 {
		out.MaxConcurrentCreating = 5
	}
	if out.MaxCreationsPerSecond <= 0 {
		out.MaxCreationsPerSecond = 10
	}
	if out.BatchConcurrency <= 0 {
		out.BatchConcurrency = 3
	}
	if out.ForceCleanupTimeout <= 0 {
		out.ForceCleanupTimeout = 10 * time.Second
	}
	return out
}

// Manager owns the process-wide session index and the admission gates.
// Uniqueness across processes is delegated to the persistent store; the
// in-memory index is an optimisation.
type Manager struct {
	cfg      ManagerConfig
	users    core.IUserStore
	store    core.ISessionStore
	exchange ExchangeFactory
	deps     Deps
	logger   core.ILogger

	mu        sync.Mutex
	sessions  map[string]*Session
	creating  map[string]struct{}
	admission []time.Time

	nowFn func() time.Time
}

// NewManager creates the session manager
func NewManager(cfg ManagerConfig, users core.IUserStore, store core.ISessionStore, exchange ExchangeFactory, deps Deps, logger core.ILogger) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		users:    users,
		store:    store,
		exchange: exchange,
		deps:     deps,
		logger:   logger.WithField("component", "session_manager"),
		sessions: make(map[string]*Session),
		creating: make(map[string]struct{}),
		nowFn:    time.Now,
	}
}

// admit reserves a creation slot under the lock, or explains why not.
// Every exit path after a successful admit must call release.
func (m *Manager) admit(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	cutoff := now.Add(-time.Second)
	kept := m.admission[:0]
	for _, at := range m.admission {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	m.admission = kept

	if len(m.admission) >= m.cfg.MaxCreationsPerSecond {
		return apperrors.New(apperrors.CategorySession, "creation_rate_limited", apperrors.ErrCreationRateLimited).
			WithUser("Too many session creations, retry shortly")
	}
	if len(m.creating) >= m.cfg.MaxConcurrentCreating {
		return apperrors.New(apperrors.CategorySession, "creation_rate_limited", apperrors.ErrCreationRateLimited).
			WithUser("Too many sessions being created, retry shortly")
	}
	if _, exists := m.sessions[sessionID]; exists {
		return apperrors.New(apperrors.CategorySession, "session_exists", apperrors.ErrSessionExists).
			WithUser("A session for this instrument is already running")
	}
	if _, exists := m.creating[sessionID]; exists {
		return apperrors.New(apperrors.CategorySession, "session_exists", apperrors.ErrSessionExists).
			WithUser("This session is already being created")
	}

	m.creating[sessionID] = struct{}{}
	m.admission = append(m.admission, now)
	return nil
}

func (m *Manager) release(sessionID string) {
	m.mu.Lock()
	delete(m.creating, sessionID)
	m.mu.Unlock()
}

// Create admits, uniqueness-checks and starts a session. The slow work
// runs outside the lock; the creating set keeps concurrent duplicates out.
func (m *Manager) Create(ctx context.Context, cfg *core.SessionConfig) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, apperrors.New(apperrors.CategoryClient, "invalid_parameter", err).
			WithUser(err.Error())
	}
	sessionID := cfg.SessionID()

	if err := m.admit(sessionID); err != nil {
		telemetry.GetGlobalMetrics().SessionsFailedInc(ctx, "admission")
		return nil, err
	}
	defer m.release(sessionID)

	// Resolve credentials from the user record unless supplied inline
	if cfg.Credentials.APIKey == "" {
		user, err := m.users.GetUser(ctx, cfg.UserID)
		if err != nil {
			telemetry.GetGlobalMetrics().SessionsFailedInc(ctx, "user_lookup")
			if errors.Is(err, apperrors.ErrUserNotFound) {
				return nil, apperrors.New(apperrors.CategoryAuth, "user_not_found", err).
					WithUser("Unknown user, complete wallet login first")
			}
			return nil, err
		}
		cfg.Credentials = user.Credentials
	}

	// The persistent unique index decides races across processes
	inserted := false
	if m.store != nil {
		err := m.store.InsertRunning(ctx, core.SessionRecord{
			SessionID:  sessionID,
			UserID:     cfg.UserID,
			Instrument: cfg.Instrument,
		})
		if err != nil {
			telemetry.GetGlobalMetrics().SessionsFailedInc(ctx, "uniqueness")
			if errors.Is(err, apperrors.ErrDuplicateGridSession) {
				return nil, apperrors.New(apperrors.CategorySession, "duplicate_grid_session", err).
					WithUser("A running session already exists for this user and instrument")
			}
			return nil, err
		}
		inserted = true
	}

	deps := m.deps
	deps.Exchange = m.exchange(cfg.Credentials)
	s := New(cfg, deps)
	s.SetDeregister(m.remove)

	if err := s.Start(ctx); err != nil {
		if inserted {
			if remErr := m.store.Remove(context.Background(), sessionID); remErr != nil {
				m.logger.Error("Failed to roll back session record", "session_id", sessionID, "error", remErr)
			}
		}
		telemetry.GetGlobalMetrics().SessionsFailedInc(ctx, "start")
		return nil, err
	}

	m.mu.Lock()
	m.sessions[sessionID] = s
	count := len(m.sessions)
	m.mu.Unlock()

	telemetry.GetGlobalMetrics().SetSessionsActive(int64(count))
	if c := telemetry.GetGlobalMetrics().SessionsCreatedTotal; c != nil {
		c.Add(ctx, 1)
	}
	m.logger.Info("Session created", "session_id", sessionID, "active_sessions", count)
	return s, nil
}

// Stop stops and removes a session
func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return apperrors.New(apperrors.CategorySession, "session_not_found", apperrors.ErrSessionNotFound).
			WithUser("No running session with this id")
	}
	s.Stop(ctx)
	return nil
}

// remove detaches a session from the index and the persistent store.
// Called by sessions on self-stop and by Stop/ForceCleanup.
func (m *Manager) remove(sessionID string) {
	m.mu.Lock()
	_, present := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	count := len(m.sessions)
	m.mu.Unlock()
	if !present {
		return
	}

	if m.store != nil {
		if err := m.store.Remove(context.Background(), sessionID); err != nil {
			m.logger.Error("Failed to remove session record", "session_id", sessionID, "error", err)
		}
	}
	telemetry.GetGlobalMetrics().SetSessionsActive(int64(count))
}

// Get returns a session by id
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// List returns all live sessions
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// ListByUser returns the sessions owned by one user
func (m *Manager) ListByUser(userID string) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.cfg.UserID == userID {
			out = append(out, s)
		}
	}
	return out
}

// Count returns the number of live sessions
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// BatchResult is one entry's outcome from CreateBatch
type BatchResult struct {
	SessionID string
	Err       error
}

// CreateBatch creates sessions with bounded concurrency; partial failures
// are reported per entry.
func (m *Manager) CreateBatch(ctx context.Context, configs []*core.SessionConfig) []BatchResult {
	results := make([]BatchResult, len(configs))
	sem := semaphore.NewWeighted(int64(m.cfg.BatchConcurrency))
	var wg sync.WaitGroup

	for i, cfg := range configs {
		i, cfg := i, cfg
		results[i].SessionID = cfg.SessionID()
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i].Err = err
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			_, err := m.Create(ctx, cfg)
			results[i].Err = err
		}()
	}
	wg.Wait()
	return results
}

// ForceCleanup stops a session bounded by a timeout and evicts it from
// the index unconditionally. The escape hatch for wedged sessions.
func (m *Manager) ForceCleanup(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return apperrors.New(apperrors.CategorySession, "session_not_found", apperrors.ErrSessionNotFound)
	}

	done := make(chan struct{})
	stopCtx, cancel := context.WithTimeout(ctx, m.cfg.ForceCleanupTimeout)
	defer cancel()
	go func() {
		s.Stop(stopCtx)
		close(done)
	}()

	select {
	case <-done:
	case <-stopCtx.Done():
		m.logger.Error("Force cleanup timed out, evicting session unconditionally", "session_id", sessionID)
		m.remove(sessionID)
	}
	return nil
}

// StopAll winds down every session, used at shutdown
func (m *Manager) StopAll(ctx context.Context) {
	for _, s := range m.List() {
		s.Stop(ctx)
	}
}
