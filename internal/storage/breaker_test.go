package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker(5, 2, 5*time.Second)

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
		assert.Equal(t, BreakerClosed, cb.State(), "failure %d should not open the breaker", i+1)
	}

	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(3, 2, 5*time.Second)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	assert.Equal(t, BreakerClosed, cb.State())
}

func TestBreakerHalfOpenCycle(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(1, 2, 5*time.Second)
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State())
	assert.False(t, cb.Allow())

	// Cooldown elapses: trial calls allowed
	now = now.Add(6 * time.Second)
	assert.True(t, cb.Allow())
	assert.Equal(t, BreakerHalfOpen, cb.State())

	t.Run("trial failure reopens", func(t *testing.T) {
		cb.RecordFailure()
		assert.Equal(t, BreakerOpen, cb.State())
		assert.False(t, cb.Allow())
	})

	t.Run("enough trial successes close", func(t *testing.T) {
		now = now.Add(6 * time.Second)
		assert.True(t, cb.Allow())

		cb.RecordSuccess()
		assert.Equal(t, BreakerHalfOpen, cb.State())
		cb.RecordSuccess()
		assert.Equal(t, BreakerClosed, cb.State())
		assert.True(t, cb.Allow())
	})
}
