package recovery

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy computes retry delays from the attempt count. Delay is
// deterministic so the schedule is testable; NextRetryAt adds jitter on top
// to spread recovery load.
type BackoffPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the capped exponential delay for the given attempt count.
// Attempt 1 waits Initial, each further attempt doubles.
func (b BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return b.Initial
	}
	exp := float64(b.Initial) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > b.Max || wait <= 0 {
		wait = b.Max
	}
	return wait
}

// NextRetryAt returns the earliest moment the attempt may be retried,
// jittered up to +50% of the base delay.
func (b BackoffPolicy) NextRetryAt(now time.Time, attempt int) time.Time {
	wait := b.Delay(attempt)
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return now.Add(wait + jitter)
}
