package outbox

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultInitialInterval = 30 * time.Second
	defaultMultiplier      = 2.0
	defaultMaxInterval     = 30 * time.Minute
	defaultMaxRetries      = 3
)

// RetryPolicy computes when a failed delivery should be attempted again.
// Delays grow exponentially up to MaxInterval; a record that fails more
// than MaxRetries times is dead-lettered instead of retried forever.
type RetryPolicy struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	Jitter          float64 // randomization factor, 0 disables jitter
	MaxRetries      int
}

// NextRetryAt returns the moment of the next delivery attempt for a record
// that has already failed retryCount times (the current failure included).
func (p RetryPolicy) NextRetryAt(now time.Time, retryCount int) time.Time {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	bo.Multiplier = p.Multiplier
	bo.MaxInterval = p.MaxInterval
	bo.RandomizationFactor = p.Jitter
	bo.MaxElapsedTime = 0
	bo.Reset()

	var delay time.Duration
	for i := 0; i < retryCount; i++ {
		delay = bo.NextBackOff()
	}
	if delay <= 0 {
		delay = p.InitialInterval
	}
	return now.Add(delay)
}

func validateRetryPolicy(p *RetryPolicy) {
	if p.InitialInterval <= 0 {
		p.InitialInterval = defaultInitialInterval
	}
	if p.Multiplier <= 1 {
		p.Multiplier = defaultMultiplier
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = defaultMaxInterval
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = defaultMaxRetries
	}
}
