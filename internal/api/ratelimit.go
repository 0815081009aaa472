package api

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimits are per-IP request budgets, in requests per minute
type RateLimits struct {
	Global      int
	Auth        int
	Trading     int
	GridControl int
	StatusCheck int
}

// DefaultRateLimits returns the production budgets
func DefaultRateLimits() RateLimits {
	return RateLimits{
		Global:      1000,
		Auth:        120,
		Trading:     60,
		GridControl: 30,
		StatusCheck: 300,
	}
}

func (r *RateLimits) withDefaults() RateLimits {
	def := DefaultRateLimits()
	out := *r
	if out.Global <= 0 {
		out.Global = def.Global
	}
	if out.Auth <= 0 {
		out.Auth = def.Auth
	}
	if out.Trading <= 0 {
		out.Trading = def.Trading
	}
	if out.GridControl <= 0 {
		out.GridControl = def.GridControl
	}
	if out.StatusCheck <= 0 {
		out.StatusCheck = def.StatusCheck
	}
	return out
}

// ipLimiter keeps one token bucket per client IP
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perMin   int
}

func newIPLimiter(perMinute int) *ipLimiter {
	return &ipLimiter{
		limiters: make(map[string]*rate.Limiter),
		perMin:   perMinute,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[ip]
	if !ok {
		// The bucket refills continuously; the burst equals the
		// minute budget so idle clients are never penalized
		lim = rate.NewLimiter(rate.Limit(float64(l.perMin)/60.0), l.perMin)
		l.limiters[ip] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// limitBy is middleware applying one named budget per client IP
func limitBy(l *ipLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.allow(clientIP(r)) {
				writeJSON(w, http.StatusTooManyRequests, envelope{
					Success:     false,
					ErrorCode:   "rate_limited",
					Message:     "request rate limit exceeded",
					UserMessage: "Too many requests, slow down",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
