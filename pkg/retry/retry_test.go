package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestBackoff_ReconnectLadder(t *testing.T) {
	base := 5 * time.Second
	max := 60 * time.Second

	expected := []time.Duration{
		5 * time.Second,
		7500 * time.Millisecond,
		11250 * time.Millisecond,
		16875 * time.Millisecond,
		25312500 * time.Microsecond,
		37968750 * time.Microsecond,
		56953125 * time.Microsecond,
		60 * time.Second,
		60 * time.Second,
	}

	prev := time.Duration(0)
	for attempt, want := range expected {
		got := Backoff(base, 1.5, max, attempt)
		assert.Equal(t, want, got, "attempt %d", attempt)
		assert.GreaterOrEqual(t, got, prev, "ladder must be non-decreasing")
		assert.LessOrEqual(t, got, max)
		prev = got
	}
}

func TestBackoff_EdgeCases(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(time.Second, 2, 0, -3), "negative attempt clamps to zero")
	assert.Equal(t, time.Second, Backoff(time.Second, 0.5, 0, 4), "factor below one never shrinks")
	assert.Equal(t, time.Minute, Backoff(time.Second, 1000, time.Minute, 400), "overflow is capped")
}

func TestConfig_Delay(t *testing.T) {
	cfg := Config{InitialDelay: 5 * time.Second, MaxDelay: time.Minute, Multiplier: 2}
	assert.Equal(t, 5*time.Second, cfg.Delay(0))
	assert.Equal(t, 10*time.Second, cfg.Delay(1))
	assert.Equal(t, 20*time.Second, cfg.Delay(2))
	assert.Equal(t, time.Minute, cfg.Delay(10))
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient error")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_AllAttemptsFail(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		attempts++
		return errors.New("persistent error")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Equal(t, 3, attempts)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	cause := errors.New("bad input")
	attempts := 0
	err := Do(context.Background(), fastConfig(5), func() error {
		attempts++
		return NonRetryable(cause)
	})

	assert.Equal(t, 1, attempts)
	assert.True(t, IsNonRetryable(err))
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, NonRetryable(nil))
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 1}

	attempts := 0
	err := Do(ctx, cfg, func() error {
		attempts++
		cancel()
		return errors.New("error")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.Equal(t, 1, attempts)
}

func TestDo_InvalidConfig(t *testing.T) {
	err := Do(context.Background(), Config{InitialDelay: -1}, func() error { return nil })
	assert.Error(t, err)

	err = Do(context.Background(), Config{InitialDelay: time.Second, MaxDelay: time.Millisecond}, func() error { return nil })
	assert.Error(t, err)
}

func TestPresets(t *testing.T) {
	assert.Equal(t, 3, DefaultConfig().MaxAttempts)
	assert.Equal(t, 10, Quick().MaxAttempts)
	assert.Equal(t, 30, Persistent().MaxAttempts)
	assert.LessOrEqual(t, Quick().InitialDelay, Quick().MaxDelay)
}
