package async

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultRetryDelay is the fixed wait between attempts
const DefaultRetryDelay = 5 * time.Minute

// DefaultMaxRetries bounds the total number of attempts per job
const DefaultMaxRetries = 3

// RetryPolicy computes how long a job waits before its next attempt.
// retryCount is the retry about to be scheduled (1 for the first retry);
// wholesale is true when the previous attempt failed as a whole.
type RetryPolicy interface {
	Delay(retryCount int, wholesale bool) time.Duration
}

// FixedDelay waits the same duration before every retry
type FixedDelay struct {
	Interval time.Duration
}

// NewFixedDelay returns a FixedDelay; d <= 0 uses DefaultRetryDelay
func NewFixedDelay(d time.Duration) FixedDelay {
	if d <= 0 {
		d = DefaultRetryDelay
	}
	return FixedDelay{Interval: d}
}

// Delay implements RetryPolicy
func (f FixedDelay) Delay(int, bool) time.Duration {
	return f.Interval
}

// ExponentialBackoff grows the delay by Multiplier per retry up to Max, with
// Jitter as the randomization factor. A Max below Initial caps the delay at
// 64 times Initial. A wholesale failure advances the curve one extra step.
type ExponentialBackoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// Delay implements RetryPolicy
func (e ExponentialBackoff) Delay(retryCount int, wholesale bool) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.Initial
	if b.InitialInterval <= 0 {
		b.InitialInterval = DefaultRetryDelay
	}
	b.MaxInterval = e.Max
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval * 64
	}
	if e.Multiplier >= 1 {
		b.Multiplier = e.Multiplier
	}
	b.RandomizationFactor = e.Jitter

	steps := max(retryCount, 1)
	if wholesale {
		steps++
	}

	var d time.Duration
	for range steps {
		d = b.NextBackOff()
	}
	return d
}
