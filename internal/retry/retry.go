// Package retry decides whether and when a failed remote call is retried.
//
// Policy.Decide is pure: it maps an attempt number and an error class to a
// decision, with no clock and no randomness. Callers that want jitter apply
// it to the returned delay themselves.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"time"
)

// Class partitions errors for retry purposes.
type Class int

const (
	// Transient errors may succeed on retry: timeouts, rate limits, 5xx.
	Transient Class = iota
	// Permanent errors never succeed on retry.
	Permanent
)

func (c Class) String() string {
	if c == Transient {
		return "transient"
	}
	return "permanent"
}

// Policy is an exponential backoff policy.
type Policy struct {
	// BaseDelay is the wait before the second attempt.
	BaseDelay time.Duration
	// MaxDelay caps any single wait.
	MaxDelay time.Duration
	// MaxAttempts bounds the total number of attempts, including the first.
	MaxAttempts int
	// Jitter is the fraction of each delay that may be randomized, 0..1.
	Jitter float64
}

// DefaultPolicy returns the default backoff: 100ms doubling to 5s, 5 attempts.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		MaxAttempts: 5,
	}
}

// Decision is the outcome of Decide.
type Decision struct {
	Retry bool
	After time.Duration
}

// Decide reports whether attempt (1-based, the attempt that just failed)
// should be followed by another, and after how long.
func (p Policy) Decide(attempt int, class Class) Decision {
	if class != Transient || attempt >= p.MaxAttempts {
		return Decision{}
	}
	return Decision{Retry: true, After: p.Delay(attempt)}
}

// Delay is the wait after the given failed attempt: BaseDelay doubled for
// every earlier attempt, capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Jittered randomizes up to p.Jitter of d using r, a value in [0, 1).
func (p Policy) Jittered(d time.Duration, r float64) time.Duration {
	if p.Jitter <= 0 {
		return d
	}
	j := p.Jitter
	if j > 1 {
		j = 1
	}
	return d - time.Duration(float64(d)*j*r)
}

// Classify maps an error to a Class.
//
// Errors implementing Transient() bool decide for themselves. Deadline
// expiry and network timeouts are transient. Cancellation and everything
// else are permanent.
func Classify(err error) Class {
	if err == nil {
		return Permanent
	}
	var t interface{ Transient() bool }
	if errors.As(err, &t) {
		if t.Transient() {
			return Transient
		}
		return Permanent
	}
	if errors.Is(err, context.Canceled) {
		return Permanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Transient
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return Transient
	}
	return Permanent
}

// RetryAfterHint returns the server-suggested wait carried by err, if any.
func RetryAfterHint(err error) time.Duration {
	var h interface{ RetryAfter() time.Duration }
	if errors.As(err, &h) {
		return h.RetryAfter()
	}
	return 0
}

// Do runs op until it succeeds, returns a permanent error, or the attempts
// are exhausted. It sleeps between attempts and honors ctx and server hints.
// The returned int is the number of attempts made.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) (int, error) {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}
		err := op(ctx)
		if err == nil {
			return attempt, nil
		}
		d := p.Decide(attempt, Classify(err))
		if !d.Retry {
			return attempt, err
		}
		wait := p.Jittered(d.After, rand.Float64())
		if hint := RetryAfterHint(err); hint > wait {
			wait = hint
			if p.MaxDelay > 0 && wait > p.MaxDelay {
				wait = p.MaxDelay
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
}
