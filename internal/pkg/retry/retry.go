package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// Policy bounds how an operation is retried
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the fraction of each delay that is randomized, between 0 and 1
	Jitter float64
}

// DefaultPolicy is used when a zero Policy is supplied
var DefaultPolicy = Policy{
	MaxAttempts: 4,
	BaseDelay:   time.Second,
	MaxDelay:    30 * time.Second,
	Jitter:      0.2,
}

// Validate checks the policy bounds
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return errors.New("delays must not be negative")
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay {
		return errors.New("max delay must not be below base delay")
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("jitter must be between 0 and 1, got %v", p.Jitter)
	}
	return nil
}

// Delay returns the un-jittered wait before the given retry (1-based)
func (p Policy) Delay(retry int) time.Duration {
	if retry < 1 {
		return 0
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(retry-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// JitteredDelay is Delay with the policy's jitter applied
func (p Policy) JitteredDelay(retry int) time.Duration {
	d := p.Delay(retry)
	pct := uint64(p.Jitter * 100)
	if d <= 0 || pct == 0 {
		return d
	}
	next, _ := goretry.WithJitterPercent(pct, goretry.NewConstant(d)).Next()
	return next
}

// Backoff builds the go-retry backoff for this policy
func (p Policy) Backoff() goretry.Backoff {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Millisecond
	}
	b := goretry.NewExponential(base)
	if p.MaxDelay > 0 {
		b = goretry.WithCappedDuration(p.MaxDelay, b)
	}
	if p.Jitter > 0 {
		b = goretry.WithJitterPercent(uint64(p.Jitter*100), b)
	}
	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return goretry.WithMaxRetries(uint64(retries), b)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Func is one attempt; attempt starts at 1
type Func func(ctx context.Context, attempt int) error

// Do runs fn until it succeeds, returns a permanent error, the policy runs
// out of attempts or ctx is done. The last error is returned.
func Do(ctx context.Context, policy Policy, fn Func) error {
	if policy.MaxAttempts == 0 {
		policy = DefaultPolicy
	}
	if err := policy.Validate(); err != nil {
		return err
	}

	attempt := 0
	return goretry.Do(ctx, policy.Backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return err
		}
		return goretry.RetryableError(err)
	})
}
