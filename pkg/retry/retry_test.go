package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alwaysTransient(error) bool { return true }

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}, alwaysTransient, func() error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_NonTransientFailsFast(t *testing.T) {
	terminal := errors.New("insufficient margin")
	calls := 0
	err := Do(context.Background(), DefaultPolicy, func(error) bool { return false }, func() error {
		calls++
		return terminal
	})
	assert.ErrorIs(t, err, terminal)
	assert.Equal(t, 1, calls)
}

func TestDo_SubNanosecondBackoffDoesNotPanic(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{
		MaxAttempts:    3,
		InitialBackoff: 1,
		MaxBackoff:     2,
	}, alwaysTransient, func() error {
		calls++
		return errors.New("still failing")
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	err := Do(ctx, Policy{
		MaxAttempts:    5,
		InitialBackoff: time.Hour,
		MaxBackoff:     time.Hour,
	}, alwaysTransient, func() error {
		cancel()
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
