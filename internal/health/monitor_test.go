package health

import (
	"sync"
	"testing"
	"time"

	"gridtrader/internal/mock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSample_PopulatesVitals(t *testing.T) {
	m := NewMonitor(Config{}, func() int { return 3 }, func() int { return 2 }, nil, mock.NopLogger{})

	s := m.Sample()
	assert.Equal(t, 3, s.ActiveSessions)
	assert.Equal(t, 2, s.ActiveStreams)
	assert.Greater(t, s.Goroutines, 0)
	assert.Greater(t, s.HeapAllocMB, 0.0)
	assert.GreaterOrEqual(t, s.SchedulerLag, time.Duration(0))
	assert.False(t, s.At.IsZero())
}

func TestHistory_Bounded(t *testing.T) {
	m := NewMonitor(Config{HistorySize: 5}, nil, nil, nil, mock.NopLogger{})

	for i := 0; i < 8; i++ {
		m.Sample()
	}
	history := m.History()
	assert.Len(t, history, 5)

	latest, ok := m.Latest()
	require.True(t, ok)
	assert.Equal(t, history[len(history)-1].At, latest.At)
}

func TestSessionCapacityAlert(t *testing.T) {
	var mu sync.Mutex
	var alerts []string
	alertFn := func(level AlertLevel, metricName, message string) {
		mu.Lock()
		alerts = append(alerts, string(level)+":"+metricName)
		mu.Unlock()
	}

	m := NewMonitor(Config{
		Thresholds: Thresholds{MaxSessions: 2},
	}, func() int { return 2 }, nil, alertFn, mock.NopLogger{})

	m.Sample()

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, alerts, "critical:sessions")
}

func TestThresholdLevels(t *testing.T) {
	var alerts []string
	m := NewMonitor(Config{}, nil, nil, func(level AlertLevel, metricName, message string) {
		alerts = append(alerts, string(level)+":"+metricName)
	}, mock.NopLogger{})

	m.check("cpu", 75, 70, 80)
	m.check("cpu", 85, 70, 80)
	m.check("cpu", 50, 70, 80)

	assert.Equal(t, []string{"warning:cpu", "critical:cpu"}, alerts)
}

func TestLatest_EmptyHistory(t *testing.T) {
	m := NewMonitor(Config{}, nil, nil, nil, mock.NopLogger{})
	_, ok := m.Latest()
	assert.False(t, ok)
}
