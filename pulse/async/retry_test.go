package async

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFixedDelay(t *testing.T) {
	assert.Equal(t, DefaultRetryDelay, NewFixedDelay(0).Interval)

	policy := NewFixedDelay(time.Minute)
	for retry := 1; retry <= 5; retry++ {
		assert.Equal(t, time.Minute, policy.Delay(retry, false))
		assert.Equal(t, time.Minute, policy.Delay(retry, true), "fixed delay ignores failure type")
	}
}

func TestExponentialBackoffGrows(t *testing.T) {
	policy := ExponentialBackoff{
		Initial:    time.Minute,
		Max:        time.Hour,
		Multiplier: 2,
	}

	assert.Equal(t, time.Minute, policy.Delay(1, false))
	assert.Equal(t, 2*time.Minute, policy.Delay(2, false))
	assert.Equal(t, 4*time.Minute, policy.Delay(3, false))
	assert.Equal(t, 2*time.Minute, policy.Delay(1, true), "wholesale failure advances one step")
	assert.Equal(t, time.Hour, policy.Delay(20, false))
}

func TestExponentialBackoffJitterStaysInBounds(t *testing.T) {
	policy := ExponentialBackoff{
		Initial:    time.Minute,
		Max:        time.Hour,
		Multiplier: 2,
		Jitter:     0.5,
	}

	for i := 0; i < 50; i++ {
		d := policy.Delay(2, false)
		assert.GreaterOrEqual(t, d, time.Minute)
		assert.LessOrEqual(t, d, 3*time.Minute)
	}
}

func TestExponentialBackoffDefaults(t *testing.T) {
	policy := ExponentialBackoff{Multiplier: 2}
	assert.Equal(t, DefaultRetryDelay, policy.Delay(1, false))

	capped := ExponentialBackoff{Initial: time.Second, Max: time.Millisecond, Multiplier: 2}
	assert.Equal(t, 64*time.Second, capped.Delay(30, false))
}
