package dbpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quarrydata/quarry/pkg/config"
)

func newTestBreaker() *CircuitBreaker {
	return NewCircuitBreaker(config.BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		CoolDown:         50 * time.Millisecond,
		HalfOpenLimit:    3,
	}, zap.NewNop())
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	cb := newTestBreaker()

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
		assert.Equal(t, StateClosed, cb.State(), "failure %d must not open the circuit", i+1)
	}

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow(), "open circuit must reject acquisitions")
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	cb := newTestBreaker()

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	cb.RecordSuccess()
	cb.RecordFailure()

	assert.Equal(t, StateClosed, cb.State(), "consecutive counter must reset on success")
}

func TestBreakerHalfOpenAfterCoolDown(t *testing.T) {
	cb := newTestBreaker()

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(60 * time.Millisecond)

	assert.True(t, cb.Allow(), "cooled-down circuit must allow a trial")
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestBreakerClosesAfterSuccessThreshold(t *testing.T) {
	cb := newTestBreaker()

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)
	require.True(t, cb.Allow())

	cb.RecordSuccess()
	assert.Equal(t, StateHalfOpen, cb.State(), "one success is not enough")

	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := newTestBreaker()

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)
	require.True(t, cb.Allow())
	require.Equal(t, StateHalfOpen, cb.State())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestBreakerHalfOpenLimitsTrials(t *testing.T) {
	cb := newTestBreaker()

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)

	allowed := 0
	for i := 0; i < 10; i++ {
		if cb.Allow() {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed, "half-open trials are capped")
}

func TestBreakerStateSnapshot(t *testing.T) {
	cb := newTestBreaker()

	cb.Allow()
	cb.RecordFailure()

	snap := cb.GetState()
	assert.Equal(t, "closed", snap.State)
	assert.Equal(t, int64(1), snap.TotalRequests)
	assert.Equal(t, int64(1), snap.FailedRequests)
	assert.Equal(t, int32(1), snap.ConsecutiveFailures)
}

func TestBreakerStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
}
