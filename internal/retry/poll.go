package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/dbsmedya/importguard/internal/config"
	"github.com/dbsmedya/importguard/internal/failure"
)

// ErrPollTimeout is returned when a job does not reach a terminal state
// within the attempt bound. It is marked transient.
var ErrPollTimeout = failure.Transient(errors.New("remote job did not finish in time"))

// PollPolicy is a bounded attempt count times a fixed interval.
type PollPolicy struct {
	Attempts int
	Interval time.Duration
}

// PollFromConfig builds a PollPolicy from the polling config section.
func PollFromConfig(pc config.PollingConfig) PollPolicy {
	return PollPolicy{
		Attempts: pc.MaxAttempts,
		Interval: pc.Interval(),
	}
}

// CheckFunc reports whether the job is done. A non-nil error stops polling.
type CheckFunc func(ctx context.Context, attempt int) (bool, error)

// Poll calls check until it reports done, returns an error, or the attempt
// bound is reached. It sleeps Interval between checks, never after the last.
func Poll(ctx context.Context, pp PollPolicy, check CheckFunc) error {
	if pp.Attempts < 1 {
		return failure.Preconditionf("poll attempts must be >= 1, got %d", pp.Attempts)
	}

	for attempt := 1; attempt <= pp.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		done, err := check(ctx, attempt)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if attempt < pp.Attempts {
			if err := Sleep(ctx, pp.Interval); err != nil {
				return err
			}
		}
	}

	return fmt.Errorf("%d checks at %s: %w", pp.Attempts, pp.Interval, ErrPollTimeout)
}
