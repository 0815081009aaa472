package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"gridtrader/internal/core"
	"gridtrader/pkg/apperrors"
	"gridtrader/pkg/telemetry"
)

// MemoryNonceStore is an in-process nonce set with the same TTL and
// unique-insert semantics as the durable store
type MemoryNonceStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

// NewMemoryNonceStore creates an empty in-process nonce store
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{entries: make(map[string]time.Time)}
}

// Insert records a nonce, failing on duplicates that have not expired
func (s *MemoryNonceStore) Insert(ctx context.Context, nonce string, issued, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[nonce]; ok && existing.After(time.Now()) {
		return apperrors.ErrDuplicateNonce
	}
	s.entries[nonce] = expiresAt
	return nil
}

// Sweep removes records that expired before now
func (s *MemoryNonceStore) Sweep(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for nonce, expiresAt := range s.entries {
		if expiresAt.Before(now) {
			delete(s.entries, nonce)
			removed++
		}
	}
	return removed, nil
}

// FallbackNonceStore prefers a durable store and degrades to an
// in-process set when it is unreachable. Degradation weakens the
// system-wide replay guarantee to per-process, so it is logged as a
// security warning and exposed as a metric.
type FallbackNonceStore struct {
	primary  core.INonceStore
	fallback *MemoryNonceStore
	degraded atomic.Bool
	logger   core.ILogger
}

// NewFallbackNonceStore wraps the primary store with the degradation path
func NewFallbackNonceStore(primary core.INonceStore, logger core.ILogger) *FallbackNonceStore {
	return &FallbackNonceStore{
		primary:  primary,
		fallback: NewMemoryNonceStore(),
		logger:   logger.WithField("component", "nonce_store"),
	}
}

// Insert tries the durable store first. A duplicate answer is
// authoritative; any other failure routes the insert to the in-process set.
func (s *FallbackNonceStore) Insert(ctx context.Context, nonce string, issued, expiresAt time.Time) error {
	if s.primary != nil {
		err := s.primary.Insert(ctx, nonce, issued, expiresAt)
		if err == nil {
			if s.degraded.CompareAndSwap(true, false) {
				s.logger.Info("Durable nonce store recovered")
				telemetry.GetGlobalMetrics().SetNonceFallback(false)
			}
			return nil
		}
		if errors.Is(err, apperrors.ErrDuplicateNonce) {
			return err
		}
		if s.degraded.CompareAndSwap(false, true) {
			s.logger.Warn("SECURITY: durable nonce store unavailable, degrading to in-process replay protection",
				"error", err)
			telemetry.GetGlobalMetrics().SetNonceFallback(true)
		}
	}
	return s.fallback.Insert(ctx, nonce, issued, expiresAt)
}

// Sweep sweeps both stores
func (s *FallbackNonceStore) Sweep(ctx context.Context, now time.Time) (int64, error) {
	removed, _ := s.fallback.Sweep(ctx, now)
	if s.primary != nil {
		n, err := s.primary.Sweep(ctx, now)
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, nil
}

// Degraded reports whether the fallback path is active
func (s *FallbackNonceStore) Degraded() bool {
	return s.degraded.Load()
}

// StartSweeper runs a periodic sweep until the context is cancelled
func (s *FallbackNonceStore) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := s.Sweep(ctx, time.Now()); err != nil {
					s.logger.Warn("Nonce sweep failed", "error", err)
				} else if n > 0 {
					s.logger.Debug("Swept expired nonces", "removed", n)
				}
			}
		}
	}()
}
