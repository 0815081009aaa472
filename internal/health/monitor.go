// Package health samples process and host vitals on a fixed interval and
// raises alerts when thresholds are crossed.
package health

import (
	"context"
	"runtime"
	"sync"
	"time"

	"gridtrader/internal/core"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// AlertLevel grades a threshold crossing
type AlertLevel string

const (
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// AlertFunc receives threshold-crossing notifications
type AlertFunc func(level AlertLevel, metricName, message string)

// Thresholds are the warn/critical boundaries per metric, in percent
type Thresholds struct {
	CPUWarn      float64
	CPUCritical  float64
	MemWarn      float64
	MemCritical  float64
	DiskWarn     float64
	DiskCritical float64
	MaxSessions  int
}

// DefaultThresholds returns the production boundaries
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUWarn: 70, CPUCritical: 80,
		MemWarn: 80, MemCritical: 85,
		DiskWarn: 85, DiskCritical: 90,
		MaxSessions: 100,
	}
}

// Config tunes the monitor
type Config struct {
	Interval    time.Duration
	HistorySize int
	DiskPath    string
	Thresholds  Thresholds
	// ForceGCAboveMemPct triggers a GC cycle when memory usage exceeds it
	ForceGCAboveMemPct float64
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Interval <= 0 {
		out.Interval = 30 * time.Second
	}
	if out.HistorySize <= 0 {
		out.HistorySize = 100
	}
	if out.DiskPath == "" {
		out.DiskPath = "/"
	}
	if out.Thresholds == (Thresholds{}) {
		out.Thresholds = DefaultThresholds()
	}
	if out.ForceGCAboveMemPct <= 0 {
		out.ForceGCAboveMemPct = 80
	}
	return out
}

// Sample is one point-in-time snapshot
type Sample struct {
	At             time.Time     `json:"at"`
	CPUPercent     float64       `json:"cpu_percent"`
	MemPercent     float64       `json:"mem_percent"`
	DiskPercent    float64       `json:"disk_percent"`
	HeapAllocMB    float64       `json:"heap_alloc_mb"`
	Goroutines     int           `json:"goroutines"`
	ActiveSessions int           `json:"active_sessions"`
	ActiveStreams  int           `json:"active_streams"`
	SchedulerLag   time.Duration `json:"scheduler_lag_ns"`
	ForcedGC       bool          `json:"forced_gc"`
}

// Monitor runs the sampling loop
type Monitor struct {
	cfg     Config
	logger  core.ILogger
	alertFn AlertFunc

	sessionCount func() int
	streamCount  func() int

	fs      procfs.FS
	fsOK    bool
	prevCPU procfs.CPUStat
	hasPrev bool

	mu      sync.Mutex
	history []Sample
}

// NewMonitor creates a health monitor. Counting callbacks may be nil.
func NewMonitor(cfg Config, sessionCount, streamCount func() int, alertFn AlertFunc, logger core.ILogger) *Monitor {
	m := &Monitor{
		cfg:          cfg.withDefaults(),
		logger:       logger.WithField("component", "health_monitor"),
		alertFn:      alertFn,
		sessionCount: sessionCount,
		streamCount:  streamCount,
	}
	if fs, err := procfs.NewFS("/proc"); err == nil {
		m.fs = fs
		m.fsOK = true
	} else {
		m.logger.Warn("procfs unavailable, CPU and memory sampling degraded", "error", err)
	}
	return m
}

// Start runs the sampling loop until the context is cancelled
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sample()
			}
		}
	}()
}

// Sample takes one snapshot, records it and evaluates thresholds
func (m *Monitor) Sample() Sample {
	s := Sample{At: time.Now()}

	s.CPUPercent = m.cpuPercent()
	s.MemPercent = m.memPercent()
	s.DiskPercent = m.diskPercent()
	s.SchedulerLag = schedulerLag()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	s.HeapAllocMB = float64(mem.HeapAlloc) / (1 << 20)
	s.Goroutines = runtime.NumGoroutine()

	if m.sessionCount != nil {
		s.ActiveSessions = m.sessionCount()
	}
	if m.streamCount != nil {
		s.ActiveStreams = m.streamCount()
	}

	if s.MemPercent > m.cfg.ForceGCAboveMemPct {
		m.logger.Warn("Memory pressure, forcing GC", "mem_percent", s.MemPercent)
		runtime.GC()
		s.ForcedGC = true
	}

	m.evaluate(s)

	m.mu.Lock()
	m.history = append(m.history, s)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}
	m.mu.Unlock()
	return s
}

func (m *Monitor) evaluate(s Sample) {
	t := m.cfg.Thresholds
	m.check("cpu", s.CPUPercent, t.CPUWarn, t.CPUCritical)
	m.check("memory", s.MemPercent, t.MemWarn, t.MemCritical)
	m.check("disk", s.DiskPercent, t.DiskWarn, t.DiskCritical)

	if t.MaxSessions > 0 && s.ActiveSessions >= t.MaxSessions {
		m.alert(AlertCritical, "sessions", "active session count at capacity")
	}
}

func (m *Monitor) check(name string, value, warn, critical float64) {
	switch {
	case critical > 0 && value >= critical:
		m.alert(AlertCritical, name, name+" usage critical")
	case warn > 0 && value >= warn:
		m.alert(AlertWarning, name, name+" usage elevated")
	}
}

func (m *Monitor) alert(level AlertLevel, metricName, message string) {
	m.logger.Warn("Health threshold crossed", "level", level, "metric", metricName)
	if m.alertFn != nil {
		m.alertFn(level, metricName, message)
	}
}

// History returns the recorded samples, oldest first
func (m *Monitor) History() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sample(nil), m.history...)
}

// Latest returns the newest sample, if any
func (m *Monitor) Latest() (Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return Sample{}, false
	}
	return m.history[len(m.history)-1], true
}

// cpuPercent computes busy time over the delta since the previous sample
func (m *Monitor) cpuPercent() float64 {
	if !m.fsOK {
		return 0
	}
	stat, err := m.fs.Stat()
	if err != nil {
		return 0
	}
	cur := stat.CPUTotal
	defer func() {
		m.prevCPU = cur
		m.hasPrev = true
	}()
	if !m.hasPrev {
		return 0
	}

	prev := m.prevCPU
	idle := (cur.Idle + cur.Iowait) - (prev.Idle + prev.Iowait)
	total := (cur.User + cur.Nice + cur.System + cur.Idle + cur.Iowait + cur.IRQ + cur.SoftIRQ + cur.Steal) -
		(prev.User + prev.Nice + prev.System + prev.Idle + prev.Iowait + prev.IRQ + prev.SoftIRQ + prev.Steal)
	if total <= 0 {
		return 0
	}
	return (total - idle) / total * 100
}

func (m *Monitor) memPercent() float64 {
	if !m.fsOK {
		return 0
	}
	info, err := m.fs.Meminfo()
	if err != nil || info.MemTotal == nil || info.MemAvailable == nil || *info.MemTotal == 0 {
		return 0
	}
	return (1 - float64(*info.MemAvailable)/float64(*info.MemTotal)) * 100
}

func (m *Monitor) diskPercent() float64 {
	var st unix.Statfs_t
	if err := unix.Statfs(m.cfg.DiskPath, &st); err != nil || st.Blocks == 0 {
		return 0
	}
	return (1 - float64(st.Bavail)/float64(st.Blocks)) * 100
}

// schedulerLag measures how late a short timer fires, a proxy for
// scheduler responsiveness
func schedulerLag() time.Duration {
	const probe = 10 * time.Millisecond
	start := time.Now()
	timer := time.NewTimer(probe)
	<-timer.C
	lag := time.Since(start) - probe
	if lag < 0 {
		lag = 0
	}
	return lag
}
