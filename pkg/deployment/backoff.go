package deployment

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// pollBackoff returns the poll-interval policy described in spec.md §4.4:
// start at 5s, exponential growth, capped at 30s.
func pollBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Second
	b.MaxInterval = 30 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	return b
}

// stageRetryBackoff returns the within-stage transient-failure retry policy
// described in spec.md §4.4's retry policy: exponential backoff capped at
// 5 attempts, bounded by the stage deadline by the caller's context.
func stageRetryBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	return b
}

const maxStageRetries = 5
