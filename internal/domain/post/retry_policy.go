package post

import (
	"errors"
	"time"
)

// RetryPolicy computes the backoff before a failed post may be claimed again.
// Delays double per attempt starting at Base and never exceed Max.
type RetryPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: 30 * time.Second, Max: 10 * time.Minute}
}

// Backoff returns the delay after the given attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.Base <= 0 || attempt < 1 {
		return 0
	}
	limit := p.Max
	if limit <= 0 {
		limit = p.Base
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return min(d, limit)
}

// RetryDecision is the bookkeeping applied to a post after a failed publish.
type RetryDecision struct {
	// Finalize moves the post to failed instead of back to pending.
	Finalize bool
	// RetryAt is the earliest time the post may be claimed again.
	RetryAt time.Time
}

// Decide applies the retry cap and backoff to a post that has just failed.
// retryCount is the count before this failure.
func (p RetryPolicy) Decide(now time.Time, retryCount, maxRetries int, permanent bool) RetryDecision {
	attempt := retryCount + 1
	if permanent || attempt >= maxRetries {
		return RetryDecision{Finalize: true}
	}
	return RetryDecision{RetryAt: now.Add(p.Backoff(attempt))}
}

// permanent is implemented by publish errors that know whether a retry can help.
type permanent interface {
	Permanent() bool
}

// IsPermanent reports whether err, or an error it wraps, is marked permanent.
// Unclassified errors are transient.
func IsPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p) && p.Permanent()
}
