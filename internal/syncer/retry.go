package syncer

import "time"

// RetryPolicy decides how long a failed action waits before the next
// drain pass may send it again, and when to give up.
type RetryPolicy struct {
	// MaxAttempts is the number of failed sends after which an action is
	// no longer retried automatically. Zero means unlimited.
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// JitterFn, when set, returns extra delay added to the computed backoff.
	JitterFn func(time.Duration) time.Duration
}

// DefaultRetryPolicy gives up after 20 attempts, which with a 5s base and
// a 10m cap is a little under three hours of trying.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 20,
		BaseBackoff: 5 * time.Second,
		MaxBackoff:  10 * time.Minute,
	}
}

// Exhausted reports whether an action that has failed attempts times
// should be left alone by the automatic drain.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// Backoff returns the delay after the given number of failed attempts.
// The delay doubles with every attempt and never exceeds MaxBackoff.
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	if attempts < 1 || p.BaseBackoff <= 0 {
		return 0
	}
	delay := p.BaseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if p.MaxBackoff > 0 && delay >= p.MaxBackoff {
			delay = p.MaxBackoff
			break
		}
	}
	if p.JitterFn != nil {
		delay += p.JitterFn(delay)
	}
	if p.MaxBackoff > 0 && delay > p.MaxBackoff {
		delay = p.MaxBackoff
	}
	return delay
}
