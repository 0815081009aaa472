// Package ratelimit bounds outgoing REST traffic ahead of the exchange's
// own limits and backs off adaptively when the upstream pushes back.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"gridtrader/internal/core"
	"gridtrader/pkg/apperrors"
	"gridtrader/pkg/telemetry"

	"golang.org/x/time/rate"
)

// Config holds the guard's tunables
type Config struct {
	RPM            int
	RPS            int
	SafetyMargin   float64
	AlertThreshold float64
	BackoffWindow  time.Duration
	MaxBackoff     time.Duration
	MaxRetries     int
	AcquireWait    time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		RPM:            1200,
		RPS:            20,
		SafetyMargin:   0.8,
		AlertThreshold: 0.7,
		BackoffWindow:  60 * time.Second,
		MaxBackoff:     300 * time.Second,
		MaxRetries:     3,
		AcquireWait:    100 * time.Millisecond,
	}
}

func (c *Config) withDefaults() Config {
	out := *c
	d := DefaultConfig()
	if out.SafetyMargin <= 0 || out.SafetyMargin > 1 {
		out.SafetyMargin = d.SafetyMargin
	}
	if out.AlertThreshold <= 0 {
		out.AlertThreshold = d.AlertThreshold
	}
	if out.BackoffWindow <= 0 {
		out.BackoffWindow = d.BackoffWindow
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = d.MaxBackoff
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = d.MaxRetries
	}
	if out.AcquireWait <= 0 {
		out.AcquireWait = d.AcquireWait
	}
	if out.RPM <= 0 {
		out.RPM = d.RPM
	}
	if out.RPS <= 0 {
		out.RPS = d.RPS
	}
	return out
}

type windowEntry struct {
	at     time.Time
	weight int
}

// Guard is a token/window hybrid limiter: a rolling 60 s deque bounds the
// per-minute budget while a token bucket bounds the per-second burst.
type Guard struct {
	cfg Config

	mu           sync.Mutex
	currentRPM   float64
	violations   int
	backoffUntil time.Time
	window       []windowEntry
	windowSum    int
	secBucket    *rate.Limiter

	logger core.ILogger
	nowFn  func() time.Time
}

// NewGuard creates a rate-limit guard
func NewGuard(cfg Config, logger core.ILogger) *Guard {
	cfg = cfg.withDefaults()
	g := &Guard{
		cfg:        cfg,
		currentRPM: float64(cfg.RPM),
		secBucket: rate.NewLimiter(
			rate.Limit(float64(cfg.RPS)*cfg.SafetyMargin),
			int(math.Floor(float64(cfg.RPS)*cfg.SafetyMargin)),
		),
		logger: logger.WithField("component", "rate_limit_guard"),
		nowFn:  time.Now,
	}
	telemetry.GetGlobalMetrics().SetRateLimitCurrentRPM(g.currentRPM)
	return g
}

// TryAcquire admits a request of the given weight, or rejects it without
// waiting. Rejection includes the whole backoff window after an upstream
// rate-limit error.
func (g *Guard) TryAcquire(weight int) bool {
	if weight <= 0 {
		weight = 1
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.nowFn()
	if now.Before(g.backoffUntil) {
		return false
	}

	g.pruneLocked(now)
	g.adaptLocked()

	windowLimit := int(math.Floor(g.currentRPM * g.cfg.SafetyMargin))
	if g.windowSum+weight > windowLimit {
		return false
	}
	if !g.secBucket.AllowN(now, weight) {
		return false
	}

	g.window = append(g.window, windowEntry{at: now, weight: weight})
	g.windowSum += weight
	return true
}

// Acquire waits up to the configured per-call wait for admission
func (g *Guard) Acquire(ctx context.Context, weight int) bool {
	deadline := g.nowFn().Add(g.cfg.AcquireWait)
	for {
		if g.TryAcquire(weight) {
			return true
		}
		if g.nowFn().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// OnRateLimitError registers an upstream 429: the guard enters a backoff
// window and halves the budget per accumulated violation, floored at
// a quarter of the configured rpm.
func (g *Guard) OnRateLimitError() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.violations++
	g.backoffUntil = g.nowFn().Add(g.cfg.BackoffWindow)

	floor := float64(g.cfg.RPM) / 4
	reduced := float64(g.cfg.RPM) * math.Pow(0.5, float64(g.violations))
	if reduced < floor {
		reduced = floor
	}
	g.currentRPM = reduced

	g.logger.Warn("Upstream rate limit hit, entering backoff window",
		"violations", g.violations,
		"current_rpm", g.currentRPM,
		"backoff_until", g.backoffUntil)
	telemetry.GetGlobalMetrics().SetRateLimitBackoff(true)
	telemetry.GetGlobalMetrics().SetRateLimitCurrentRPM(g.currentRPM)
}

// InBackoff reports whether the guard is inside a backoff window
func (g *Guard) InBackoff() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	in := g.nowFn().Before(g.backoffUntil)
	if !in {
		telemetry.GetGlobalMetrics().SetRateLimitBackoff(false)
	}
	return in
}

// CurrentRPM returns the effective per-minute budget after throttling
func (g *Guard) CurrentRPM() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.currentRPM
}

// Execute admits and runs fn, retrying up to MaxRetries times on upstream
// rate-limit errors with exponential backoff bounded by MaxBackoff.
// Any other error propagates immediately.
func (g *Guard) Execute(ctx context.Context, weight int, fn func() error) error {
	backoff := time.Second
	for attempt := 0; ; attempt++ {
		if !g.Acquire(ctx, weight) {
			if attempt >= g.cfg.MaxRetries {
				return apperrors.ErrRateLimitExceeded
			}
		} else {
			err := fn()
			if err == nil {
				return nil
			}
			if !apperrors.IsRateLimited(err) {
				return err
			}
			g.OnRateLimitError()
			if attempt >= g.cfg.MaxRetries {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > g.cfg.MaxBackoff {
			backoff = g.cfg.MaxBackoff
		}
	}
}

// pruneLocked drops window entries older than one minute
func (g *Guard) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for ; i < len(g.window); i++ {
		if g.window[i].at.After(cutoff) {
			break
		}
		g.windowSum -= g.window[i].weight
	}
	if i > 0 {
		g.window = g.window[i:]
	}
}

// adaptLocked decays the budget when sustained usage crosses the alert
// threshold. The factor is non-increasing under overload; the floor is
// half the configured rpm.
func (g *Guard) adaptLocked() {
	if g.currentRPM <= 0 {
		return
	}
	usage := float64(g.windowSum) / g.currentRPM
	if usage <= g.cfg.AlertThreshold {
		return
	}
	floor := float64(g.cfg.RPM) / 2
	reduced := g.currentRPM * 0.9
	if reduced < floor {
		reduced = floor
	}
	if reduced < g.currentRPM {
		g.currentRPM = reduced
		telemetry.GetGlobalMetrics().SetRateLimitCurrentRPM(g.currentRPM)
	}
}
