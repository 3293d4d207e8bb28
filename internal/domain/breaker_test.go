package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker_CooldownAfterFailures(t *testing.T) {
	cb := &CircuitBreaker{MaxFailures: 2, CooldownDuration: time.Minute}
	cb.RecordFailure()
	assert.True(t, cb.IsOpen())
	cb.RecordFailure()
	assert.False(t, cb.IsOpen())
	assert.Zero(t, cb.ConsecutiveFailures)
}

func TestCircuitBreaker_SuccessResets(t *testing.T) {
	cb := &CircuitBreaker{MaxFailures: 2, CooldownDuration: time.Minute}
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	assert.True(t, cb.IsOpen())
}

func TestCircuitBreaker_Drawdown(t *testing.T) {
	cb := &CircuitBreaker{MaxDrawdown: -10}
	cb.RecordPnL(-6)
	assert.True(t, cb.IsOpen())
	cb.RecordPnL(-5)
	assert.False(t, cb.IsOpen())
	assert.Equal(t, "max drawdown exceeded", cb.TriggeredReason)
}
