package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"gridtrader/internal/core"
	"gridtrader/internal/mock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedAction struct {
	name      string
	threshold core.Severity
	cooldown  time.Duration
	err       error
	calls     int
}

func (a *scriptedAction) Name() string                     { return a.name }
func (a *scriptedAction) SeverityThreshold() core.Severity { return a.threshold }
func (a *scriptedAction) Cooldown() time.Duration          { return a.cooldown }

func (a *scriptedAction) Execute(ctx context.Context, ev ErrorEvent) error {
	a.calls++
	return a.err
}

func newTestSupervisor() *Supervisor {
	return NewSupervisor(mock.NopLogger{})
}

func TestHandleError_FirstEligibleActionRuns(t *testing.T) {
	s := newTestSupervisor()
	high := &scriptedAction{name: "high", threshold: core.SeverityHigh, cooldown: time.Minute}
	medium := &scriptedAction{name: "medium", threshold: core.SeverityMedium, cooldown: time.Minute}
	s.Register(high)
	s.Register(medium)

	s.HandleError(context.Background(), errors.New("stream gone"), "notify", "s1", core.SeverityMedium)

	assert.Equal(t, 0, high.calls, "below high threshold")
	assert.Equal(t, 1, medium.calls)

	hist := s.History()
	require.Len(t, hist, 1)
	assert.True(t, hist[0].Handled)
	assert.Equal(t, "medium", hist[0].ActionRun)
}

func TestHandleError_FailureFallsThrough(t *testing.T) {
	s := newTestSupervisor()
	first := &scriptedAction{name: "first", threshold: core.SeverityMedium, cooldown: time.Minute, err: errors.New("nope")}
	second := &scriptedAction{name: "second", threshold: core.SeverityMedium, cooldown: time.Minute}
	s.Register(first)
	s.Register(second)

	s.HandleError(context.Background(), errors.New("boom"), "engine", "s1", core.SeverityHigh)

	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
	hist := s.History()
	assert.Equal(t, "second", hist[0].ActionRun)
}

func TestHandleError_SuccessShortCircuits(t *testing.T) {
	s := newTestSupervisor()
	first := &scriptedAction{name: "first", threshold: core.SeverityMedium, cooldown: time.Minute}
	second := &scriptedAction{name: "second", threshold: core.SeverityMedium, cooldown: time.Minute}
	s.Register(first)
	s.Register(second)

	s.HandleError(context.Background(), errors.New("boom"), "engine", "s1", core.SeverityHigh)

	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 0, second.calls)
}

func TestHandleError_CooldownSkipsAction(t *testing.T) {
	s := newTestSupervisor()
	now := time.Now()
	s.nowFn = func() time.Time { return now }

	a := &scriptedAction{name: "only", threshold: core.SeverityMedium, cooldown: time.Minute}
	s.Register(a)

	s.HandleError(context.Background(), errors.New("one"), "engine", "s1", core.SeverityHigh)
	s.HandleError(context.Background(), errors.New("two"), "engine", "s1", core.SeverityHigh)
	assert.Equal(t, 1, a.calls, "second event inside the cooldown window")

	now = now.Add(61 * time.Second)
	s.HandleError(context.Background(), errors.New("three"), "engine", "s1", core.SeverityHigh)
	assert.Equal(t, 2, a.calls)
}

func TestHandleError_NoEligibleActionStillRecorded(t *testing.T) {
	s := newTestSupervisor()
	a := &scriptedAction{name: "high-only", threshold: core.SeverityHigh, cooldown: time.Minute}
	s.Register(a)

	s.HandleError(context.Background(), errors.New("minor"), "tracker", "", core.SeverityLow)

	assert.Equal(t, 0, a.calls)
	hist := s.History()
	require.Len(t, hist, 1)
	assert.False(t, hist[0].Handled)
}

func TestStats_Aggregates(t *testing.T) {
	s := newTestSupervisor()
	s.Register(&scriptedAction{name: "only", threshold: core.SeverityHigh, cooldown: 0})

	s.HandleError(context.Background(), errors.New("a"), "engine", "s1", core.SeverityHigh)
	s.HandleError(context.Background(), errors.New("b"), "engine", "s2", core.SeverityLow)
	s.HandleError(context.Background(), errors.New("c"), "notify", "s3", core.SeverityHigh)

	stats := s.StatsSnapshot()
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.ByComponent["engine"])
	assert.Equal(t, int64(1), stats.ByComponent["notify"])
	assert.Equal(t, int64(2), stats.BySeverity[core.SeverityHigh.String()])
	assert.Equal(t, int64(2), stats.Recovered)
}

func TestHistory_Bounded(t *testing.T) {
	s := newTestSupervisor()
	s.historySize = 5

	for i := 0; i < 9; i++ {
		s.HandleError(context.Background(), errors.New("x"), "engine", "", core.SeverityLow)
	}
	assert.Len(t, s.History(), 5)
}

func TestSessionRestartAction(t *testing.T) {
	var cleaned []string
	a := &SessionRestartAction{Cleanup: func(ctx context.Context, sessionID string) error {
		cleaned = append(cleaned, sessionID)
		return nil
	}}

	require.NoError(t, a.Execute(context.Background(), ErrorEvent{SessionID: "s1"}))
	assert.Equal(t, []string{"s1"}, cleaned)

	assert.Error(t, a.Execute(context.Background(), ErrorEvent{}), "no session id")
	assert.Equal(t, core.SeverityHigh, a.SeverityThreshold())
}

func TestWebSocketReconnectAction(t *testing.T) {
	var reconnected []string
	a := &WebSocketReconnectAction{Reconnect: func(ctx context.Context, sessionID string) error {
		reconnected = append(reconnected, sessionID)
		return nil
	}}

	require.NoError(t, a.Execute(context.Background(), ErrorEvent{SessionID: "s2"}))
	assert.Equal(t, []string{"s2"}, reconnected)
	assert.Equal(t, core.SeverityMedium, a.SeverityThreshold())
}

func TestAutoRecover_RetriesOnce(t *testing.T) {
	a := &flakyAction{failures: 1}
	wrapped := AutoRecover(a)

	assert.NoError(t, wrapped.Execute(context.Background(), ErrorEvent{}))
	assert.Equal(t, 2, a.calls)

	b := &flakyAction{failures: 2}
	assert.Error(t, AutoRecover(b).Execute(context.Background(), ErrorEvent{}))
	assert.Equal(t, 2, b.calls)
}

type flakyAction struct {
	failures int
	calls    int
}

func (a *flakyAction) Name() string                     { return "flaky" }
func (a *flakyAction) SeverityThreshold() core.Severity { return core.SeverityLow }
func (a *flakyAction) Cooldown() time.Duration          { return 0 }

func (a *flakyAction) Execute(ctx context.Context, ev ErrorEvent) error {
	a.calls++
	if a.calls <= a.failures {
		return errors.New("flaky failure")
	}
	return nil
}
