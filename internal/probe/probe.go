// Package probe resolves the true upper bound of a destination table's row id
// sequence by an expanding-stride search around a stored estimate.
package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/dbsmedya/importguard/internal/failure"
	"github.com/dbsmedya/importguard/internal/logger"
	"github.com/dbsmedya/importguard/internal/metrics"
	"github.com/dbsmedya/importguard/internal/retry"
)

// RowChecker is the remote point lookup the probe is built on.
type RowChecker interface {
	RowExists(ctx context.Context, table string, rowID int64) (bool, error)
}

// Result is the outcome of one probe.
type Result struct {
	Estimate        int64
	ResolvedRowID   int64 // zero unless WithinTolerance
	WithinTolerance bool
	Checks          int
}

// Prober searches for the row id boundary, never further than tolerance ids
// from the estimate.
type Prober struct {
	checker   RowChecker
	tolerance int64
	policy    retry.Policy
	metrics   *metrics.Recorder
	logger    *logger.Logger
}

// NewProber creates a prober. Existence checks are retried under policy.
func NewProber(checker RowChecker, tolerance int64, policy retry.Policy, rec *metrics.Recorder, log *logger.Logger) (*Prober, error) {
	if checker == nil {
		return nil, fmt.Errorf("row checker is nil")
	}
	if tolerance <= 0 {
		return nil, fmt.Errorf("tolerance must be positive, got %d", tolerance)
	}
	if err := policy.Verify(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	if log == nil {
		log = logger.NewDefault()
	}

	return &Prober{
		checker:   checker,
		tolerance: tolerance,
		policy:    policy,
		metrics:   rec,
		logger:    log,
	}, nil
}

// Tolerance returns the configured search bound.
func (p *Prober) Tolerance() int64 {
	return p.tolerance
}

type search struct {
	p      *Prober
	table  string
	floor  int64
	checks int
}

// exists checks one row id. Ids up to the floor are known to have been
// issued and count as present without a lookup; with a zero floor, id 0
// stands for "before the first row", so an empty table resolves to 0.
func (s *search) exists(ctx context.Context, rowID int64) (bool, error) {
	if rowID <= s.floor {
		return true, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.checks++
	var found bool
	_, err := s.p.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		found, err = s.p.checker.RowExists(ctx, s.table, rowID)
		return err
	}, func(attempt int, err error, wait time.Duration) {
		s.p.logger.Warnf("Row %d existence check on %s failed (attempt %d): %v, retrying in %s", rowID, s.table, attempt, err, wait)
	})
	if err != nil {
		return false, fmt.Errorf("existence check for row %d failed: %w", rowID, err)
	}
	return found, nil
}

// Probe resolves the highest present row id given an estimate of it.
// If the boundary lies more than tolerance ids from the estimate the result
// reports WithinTolerance=false and no resolved id; the caller must resync
// manually rather than trust a guess.
func (p *Prober) Probe(ctx context.Context, table string, estimate int64) (*Result, error) {
	return p.ProbeAbove(ctx, table, estimate, 0)
}

// ProbeAbove is Probe for a table whose row ids up to floor are known to
// have been issued. Row ids are never reused, so those ids count as present
// even after their rows were deleted, and a hole left by a rollback is not
// taken for the end of the table. The search starts no lower than floor.
func (p *Prober) ProbeAbove(ctx context.Context, table string, estimate, floor int64) (*Result, error) {
	if estimate < 0 {
		return nil, failure.Preconditionf("probe estimate must be >= 0, got %d", estimate)
	}
	if floor < 0 {
		return nil, failure.Preconditionf("probe floor must be >= 0, got %d", floor)
	}

	s := &search{p: p, table: table, floor: floor}
	res := &Result{Estimate: estimate}
	log := p.logger.WithTable(table)
	if estimate < floor {
		log.Debugf("Raising probe estimate %d to the issued floor %d", estimate, floor)
		estimate = floor
	}

	defer func() {
		res.Checks = s.checks
		p.metrics.ProbeChecks(table, s.checks)
	}()

	present, err := s.exists(ctx, estimate)
	if err != nil {
		return nil, err
	}

	var lo, hi int64
	var ok bool
	if present {
		lo, hi, ok, err = s.stepUp(ctx, estimate)
	} else {
		lo, hi, ok, err = s.stepDown(ctx, estimate)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Warnf("Row id boundary is more than %d ids from estimate %d", p.tolerance, estimate)
		return res, nil
	}

	boundary, err := s.bisect(ctx, lo, hi)
	if err != nil {
		return nil, err
	}

	res.ResolvedRowID = boundary
	res.WithinTolerance = true
	log.Debugf("Resolved row id boundary %d from estimate %d in %d checks", boundary, estimate, s.checks)
	return res, nil
}

// stepUp starts from a present estimate and doubles the stride until it
// finds an absent id. The stride is capped at tolerance+1; a present id
// there means the boundary is out of reach.
func (s *search) stepUp(ctx context.Context, estimate int64) (lo, hi int64, ok bool, err error) {
	limit := s.p.tolerance + 1
	lo = estimate

	for offset := int64(1); ; offset = nextStride(offset, limit) {
		found, err := s.exists(ctx, estimate+offset)
		if err != nil {
			return 0, 0, false, err
		}
		if !found {
			return lo, estimate + offset, true, nil
		}
		if offset == limit {
			return 0, 0, false, nil
		}
		lo = estimate + offset
	}
}

// stepDown starts from an absent estimate and doubles the stride downward
// until it finds a present id, capped at tolerance.
func (s *search) stepDown(ctx context.Context, estimate int64) (lo, hi int64, ok bool, err error) {
	limit := s.p.tolerance
	hi = estimate

	for offset := int64(1); ; offset = nextStride(offset, limit) {
		found, err := s.exists(ctx, estimate-offset)
		if err != nil {
			return 0, 0, false, err
		}
		if found {
			return max64(estimate-offset, s.floor), hi, true, nil
		}
		if offset == limit {
			return 0, 0, false, nil
		}
		hi = estimate - offset
	}
}

// bisect narrows lo (present) and hi (absent) to adjacent ids.
func (s *search) bisect(ctx context.Context, lo, hi int64) (int64, error) {
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		found, err := s.exists(ctx, mid)
		if err != nil {
			return 0, err
		}
		if found {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo, nil
}

func nextStride(offset, limit int64) int64 {
	next := offset * 2
	if next > limit {
		return limit
	}
	return next
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
