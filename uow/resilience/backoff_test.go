//go:build unit

package resilience

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponential(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		base     time.Duration
		attempt  int
		expected time.Duration
	}{
		{
			name:     "attempt 0 returns base",
			base:     100 * time.Millisecond,
			attempt:  0,
			expected: 100 * time.Millisecond,
		},
		{
			name:     "attempt 1 doubles",
			base:     100 * time.Millisecond,
			attempt:  1,
			expected: 200 * time.Millisecond,
		},
		{
			name:     "attempt 3 is eightfold",
			base:     50 * time.Millisecond,
			attempt:  3,
			expected: 400 * time.Millisecond,
		},
		{
			name:     "negative attempt treated as zero",
			base:     time.Second,
			attempt:  -5,
			expected: time.Second,
		},
		{
			name:     "zero base returns zero",
			base:     0,
			attempt:  10,
			expected: 0,
		},
		{
			name:     "overflow is capped",
			base:     time.Hour,
			attempt:  62,
			expected: time.Duration(math.MaxInt64),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, Exponential(tt.base, tt.attempt))
		})
	}
}

func TestFullJitter(t *testing.T) {
	t.Parallel()

	t.Run("zero delay returns zero", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, time.Duration(0), FullJitter(0))
		assert.Equal(t, time.Duration(0), FullJitter(-time.Second))
	})

	t.Run("stays within the half-open range", func(t *testing.T) {
		t.Parallel()

		delay := 100 * time.Millisecond

		for range 64 {
			jittered := FullJitter(delay)
			assert.GreaterOrEqual(t, jittered, time.Duration(0))
			assert.Less(t, jittered, delay)
		}
	})
}

func TestExponentialWithJitter(t *testing.T) {
	t.Parallel()

	base := 10 * time.Millisecond
	bound := Exponential(base, 4)

	for range 64 {
		assert.Less(t, ExponentialWithJitter(base, 4), bound)
	}
}

func TestSleepWithContext(t *testing.T) {
	t.Parallel()

	t.Run("non-positive duration returns immediately", func(t *testing.T) {
		t.Parallel()

		assert.NoError(t, SleepWithContext(context.Background(), 0))
		assert.NoError(t, SleepWithContext(context.Background(), -time.Second))
	})

	t.Run("completes the sleep", func(t *testing.T) {
		t.Parallel()

		start := time.Now()
		require.NoError(t, SleepWithContext(context.Background(), 5*time.Millisecond))
		assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
	})

	t.Run("cancellation aborts the sleep", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := SleepWithContext(ctx, time.Minute)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
