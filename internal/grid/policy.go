package grid

import (
	"strings"
	"sync"
	"time"
)

// RestorePolicy selects which externally cancelled orders get recreated
type RestorePolicy string

const (
	RestoreNever    RestorePolicy = "NEVER"
	RestoreUserOnly RestorePolicy = "USER_ONLY"
	RestoreAll      RestorePolicy = "ALL"
	RestoreSmart    RestorePolicy = "SMART"
)

// CancelReason is the normalized cancellation cause
type CancelReason string

const (
	ReasonUserCancelled          CancelReason = "UserCancelled"
	ReasonAdminCancelled         CancelReason = "AdminCancelled"
	ReasonExchangeCancelled      CancelReason = "ExchangeCancelled"
	ReasonExternalCancelDetected CancelReason = "ExternalCancelDetected"
	ReasonUnknown                CancelReason = "Unknown"
)

// defaultReasonMapping covers the strings the upstream is known to emit
var defaultReasonMapping = map[string]CancelReason{
	"USER_CANCELLED":     ReasonUserCancelled,
	"CANCELLED_BY_USER":  ReasonUserCancelled,
	"USER":               ReasonUserCancelled,
	"ADMIN_CANCELLED":    ReasonAdminCancelled,
	"CANCELLED_BY_ADMIN": ReasonAdminCancelled,
	"LIQUIDATION":        ReasonExchangeCancelled,
	"POST_ONLY_REJECT":   ReasonExchangeCancelled,
	"REDUCE_ONLY_REJECT": ReasonExchangeCancelled,
	"SELF_TRADE":         ReasonExchangeCancelled,
}

// ReasonNormalizer maps raw upstream cancel-reason strings onto the
// normalized enum: exact uppercase match first, then case-insensitive
// substring match.
type ReasonNormalizer struct {
	mapping map[string]CancelReason
}

// NewReasonNormalizer builds a normalizer; extra entries override the
// built-in mapping
func NewReasonNormalizer(extra map[string]CancelReason) *ReasonNormalizer {
	mapping := make(map[string]CancelReason, len(defaultReasonMapping)+len(extra))
	for k, v := range defaultReasonMapping {
		mapping[strings.ToUpper(k)] = v
	}
	for k, v := range extra {
		mapping[strings.ToUpper(k)] = v
	}
	return &ReasonNormalizer{mapping: mapping}
}

// Normalize maps a raw reason string to the enum
func (n *ReasonNormalizer) Normalize(raw string) CancelReason {
	if raw == "" {
		return ReasonUnknown
	}
	upper := strings.ToUpper(strings.TrimSpace(raw))
	if reason, ok := n.mapping[upper]; ok {
		return reason
	}
	for key, reason := range n.mapping {
		if strings.Contains(upper, key) {
			return reason
		}
	}
	return ReasonUnknown
}

// ShouldRestore applies the policy table to a normalized reason
func ShouldRestore(policy RestorePolicy, reason CancelReason) bool {
	switch policy {
	case RestoreNever:
		return false
	case RestoreUserOnly:
		return reason == ReasonUserCancelled
	case RestoreAll:
		return reason != ReasonUnknown
	case RestoreSmart:
		return reason == ReasonUserCancelled || reason == ReasonExternalCancelDetected
	default:
		return false
	}
}

// restoreLimiter caps restoration attempts per rolling hour
type restoreLimiter struct {
	mu       sync.Mutex
	attempts []time.Time
	max      int
	nowFn    func() time.Time
}

func newRestoreLimiter(maxPerHour int) *restoreLimiter {
	if maxPerHour <= 0 {
		maxPerHour = 10
	}
	return &restoreLimiter{max: maxPerHour, nowFn: time.Now}
}

// Allow consumes one attempt if the hourly budget permits
func (l *restoreLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	cutoff := now.Add(-time.Hour)
	kept := l.attempts[:0]
	for _, at := range l.attempts {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	l.attempts = kept

	if len(l.attempts) >= l.max {
		return false
	}
	l.attempts = append(l.attempts, now)
	return true
}
