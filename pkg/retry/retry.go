// Package retry runs an operation with bounded attempts and exponential
// backoff. Only errors marked retryable by their producer are retried.
package retry

import (
	"context"
	"errors"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/vmware/remote-patcher/pkg/failure"
)

// DefaultFactor multiplies the delay after every failed attempt.
const DefaultFactor = 2.0

// Policy bounds a retry loop.
type Policy struct {
	// Attempts is the total number of tries, at least 1.
	Attempts int
	// Backoff is the delay before the second attempt.
	Backoff time.Duration
	// Factor defaults to DefaultFactor.
	Factor float64
}

// Func is one attempt. attempt starts at 1.
type Func func(ctx context.Context, attempt int) error

// Do calls fn until it succeeds, returns a non-retryable error, the
// attempts are used up or ctx ends. It returns the number of attempts made
// and the last error. An exhausted retryable error is returned as fatal.
func Do(ctx context.Context, p Policy, fn Func) (int, error) {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.Factor == 0 {
		p.Factor = DefaultFactor
	}

	var (
		attempts int
		lastErr  error
	)
	// No Cap: wait.Backoff truncates Steps once the cap is reached.
	backoff := wait.Backoff{Duration: p.Backoff, Factor: p.Factor, Steps: p.Attempts}
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		attempts++
		lastErr = fn(ctx, attempts)
		switch {
		case lastErr == nil:
			return true, nil
		case failure.IsRetryable(lastErr) && attempts < p.Attempts:
			return false, nil
		default:
			return false, lastErr
		}
	})

	switch {
	case err == nil:
		return attempts, nil
	case lastErr != nil && errors.Is(err, lastErr):
		return attempts, fatal(lastErr)
	case ctx.Err() != nil:
		if lastErr != nil {
			return attempts, failure.Wrap(failure.KindOf(ctx.Err()), lastErr, "gave up after %d attempts", attempts)
		}
		return attempts, failure.Wrap(failure.KindOf(ctx.Err()), ctx.Err(), "no attempt made")
	case lastErr != nil:
		return attempts, fatal(lastErr)
	default:
		return attempts, err
	}
}

// fatal clears the retryable mark so callers further up never retry again.
func fatal(err error) error {
	var fe *failure.Error
	if errors.As(err, &fe) && fe.Retryable {
		cp := *fe
		cp.Retryable = false
		return &cp
	}
	return err
}
