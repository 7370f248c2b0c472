package export

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryDelaysDouble(t *testing.T) {
	rp := NewRetryPolicy(3, time.Second)

	assert.Equal(t, time.Second, rp.GetDelay(0))
	assert.Equal(t, 2*time.Second, rp.GetDelay(1))
	assert.Equal(t, 4*time.Second, rp.GetDelay(2))
}

func TestRetryDelayCappedAtMax(t *testing.T) {
	rp := NewRetryPolicy(10, time.Second)

	assert.Equal(t, rp.MaxDelay, rp.GetDelay(20))
}

func TestExecuteSucceedsAfterTransientFailures(t *testing.T) {
	rp := NewRetryPolicy(3, time.Millisecond)

	attempts := 0
	err := rp.ExecuteWithCondition(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	}, Transient)

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestExecuteStopsOnNonRetryable(t *testing.T) {
	rp := NewRetryPolicy(3, time.Millisecond)

	attempts := 0
	err := rp.ExecuteWithCondition(context.Background(), func() error {
		attempts++
		return errors.New("ERROR: division by zero")
	}, Transient)

	require.Error(t, err)
	assert.Equal(t, 1, attempts, "non-retryable failure must not consume the retry budget")
}

func TestExecuteExhaustsAttempts(t *testing.T) {
	rp := NewRetryPolicy(3, time.Millisecond)

	attempts := 0
	err := rp.ExecuteWithCondition(context.Background(), func() error {
		attempts++
		return errors.New("network unreachable")
	}, Transient)

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "all 3 attempts failed")
}

func TestExecuteHonorsContextCancellation(t *testing.T) {
	rp := NewRetryPolicy(5, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := rp.ExecuteWithCondition(ctx, func() error {
		return errors.New("connection refused")
	}, Transient)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
