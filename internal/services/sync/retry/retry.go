// Package retry decides what happens to a failed sync attempt: reschedule
// with backoff, or dead-letter.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coursebridge/coursebridge/internal/services/sync/domain"
)

// Disposition is the fate of a failed attempt.
type Disposition int

const (
	// DispositionRetry reschedules the operation in its own tier.
	DispositionRetry Disposition = iota
	// DispositionDead moves the operation to the failed tier.
	DispositionDead
)

// Policy bounds the retry schedule.
type Policy struct {
	// Base is the first retry delay.
	Base time.Duration
	// Cap is the longest delay between attempts.
	Cap time.Duration
	// MaxAttempts is the attempt count at which a transient failure is
	// dead-lettered instead of rescheduled.
	MaxAttempts int
}

// DefaultPolicy matches the worker defaults: 1s base doubling to a 5m cap,
// dead-letter after 5 attempts.
func DefaultPolicy() Policy {
	return Policy{
		Base:        time.Second,
		Cap:         5 * time.Minute,
		MaxAttempts: 5,
	}
}

func (p Policy) withDefaults() Policy {
	defaults := DefaultPolicy()
	if p.Base <= 0 {
		p.Base = defaults.Base
	}
	if p.Cap <= 0 {
		p.Cap = defaults.Cap
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	return p
}

// Classify returns the disposition for one failed attempt. attemptCount is
// the number of attempts already made, including the one that just failed.
func (p Policy) Classify(err error, attemptCount int) Disposition {
	if domain.IsPermanent(err) {
		return DispositionDead
	}
	if attemptCount >= p.withDefaults().MaxAttempts {
		return DispositionDead
	}
	return DispositionRetry
}

// NextDelay returns the backoff delay before the given attempt number
// (0-based: attempt 0 failed, delay before attempt 1).
func (p Policy) NextDelay(attempt int) time.Duration {
	p = p.withDefaults()
	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = p.Base
	schedule.RandomizationFactor = 0
	schedule.Multiplier = 2
	schedule.MaxInterval = p.Cap

	delay := schedule.NextBackOff()
	for i := 0; i < attempt; i++ {
		delay = schedule.NextBackOff()
	}
	if delay > p.Cap {
		delay = p.Cap
	}
	return delay
}
