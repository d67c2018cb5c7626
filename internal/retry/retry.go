// Package retry holds the one retry/backoff policy shared by the probe, the
// export-job poller and the chunk sender, plus the bounded polling loop.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/dbsmedya/importguard/internal/config"
	"github.com/dbsmedya/importguard/internal/failure"
)

// Policy bounds how often and how patiently a transient failure is retried.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Multiplier     int
	MaxBackoff     time.Duration
}

// DefaultPolicy returns three attempts with a fixed two second delay.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Second,
		Multiplier:     1,
		MaxBackoff:     30 * time.Second,
	}
}

// FromConfig builds a Policy from the retry config section.
func FromConfig(rc config.RetryConfig) Policy {
	return Policy{
		MaxAttempts:    rc.MaxAttempts,
		InitialBackoff: rc.Delay(),
		Multiplier:     rc.Multiplier,
		MaxBackoff:     rc.MaxDelay(),
	}
}

// Verify checks the policy is usable.
func (p Policy) Verify() error {
	if p.MaxAttempts < 1 {
		return errors.Newf("max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.InitialBackoff < 0 {
		return errors.Newf("initial backoff must be >= 0, got %s", p.InitialBackoff)
	}
	if p.Multiplier < 1 {
		return errors.Newf("multiplier must be >= 1, got %d", p.Multiplier)
	}
	if p.MaxBackoff > 0 && p.InitialBackoff > p.MaxBackoff {
		return errors.Newf("initial backoff (%s) must be less than max backoff (%s)", p.InitialBackoff, p.MaxBackoff)
	}
	return nil
}

// Backoff returns the wait after the given failed attempt (1-based).
// With Multiplier 1 the delay is fixed.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.InitialBackoff * time.Duration(math.Pow(float64(p.Multiplier), float64(attempt-1)))
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// NotifyFunc is told about each failed attempt that will be retried.
type NotifyFunc func(attempt int, err error, wait time.Duration)

// Do runs fn until it succeeds, fails with a non-transient error, or the
// attempt budget is spent. It returns the number of attempts made.
// Exhausting the budget keeps the transient mark on the returned error.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error, notify NotifyFunc) (int, error) {
	if err := p.Verify(); err != nil {
		return 0, failure.Preconditionf("invalid retry policy: %v", err)
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt, nil
		}
		if !failure.IsTransient(lastErr) {
			return attempt, lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		wait := p.Backoff(attempt)
		if notify != nil {
			notify(attempt, lastErr, wait)
		}
		if err := Sleep(ctx, wait); err != nil {
			return attempt, err
		}
	}

	return p.MaxAttempts, fmt.Errorf("failed after %d attempts: %w", p.MaxAttempts, lastErr)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
