// Package cursor persists, per destination table, the last known upper bound
// of the destination's row id sequence.
package cursor

import (
	"context"
	"time"

	"github.com/dbsmedya/importguard/internal/failure"
)

// UnknownRowID is returned by EstimateStart when the table has no cursor yet.
const UnknownRowID int64 = -1

// Confidence describes how the stored boundary was obtained.
type Confidence string

const (
	ConfidenceStale     Confidence = "stale"
	ConfidenceEstimated Confidence = "estimated"
	ConfidenceProbed    Confidence = "probed"
	ConfidenceExact     Confidence = "exact"
)

func (c Confidence) rank() int {
	switch c {
	case ConfidenceEstimated:
		return 1
	case ConfidenceProbed:
		return 2
	case ConfidenceExact:
		return 3
	default:
		return 0
	}
}

// Valid reports whether c is one of the known levels.
func (c Confidence) Valid() bool {
	switch c {
	case ConfidenceStale, ConfidenceEstimated, ConfidenceProbed, ConfidenceExact:
		return true
	}
	return false
}

// Downgrade returns the next lower level. Stale stays stale.
func (c Confidence) Downgrade() Confidence {
	switch c {
	case ConfidenceExact:
		return ConfidenceProbed
	case ConfidenceProbed:
		return ConfidenceEstimated
	default:
		return ConfidenceStale
	}
}

// Less reports whether c is weaker than other.
func (c Confidence) Less(other Confidence) bool {
	return c.rank() < other.rank()
}

// TableRowCursor is the persisted boundary for one destination table.
type TableRowCursor struct {
	TableID           string
	EstimatedMaxRowID int64
	LastVerifiedAt    time.Time
	Confidence        Confidence
}

// NextStart returns the first row id expected for the next insert.
func (c *TableRowCursor) NextStart() int64 {
	return c.EstimatedMaxRowID + 1
}

// IssuedFloor returns the highest row id known to have been issued: the
// stored boundary when it was probed or set exactly, else 0. Row ids are not
// reused, so the floor holds even after rows below it were deleted.
func (c *TableRowCursor) IssuedFloor() int64 {
	if c == nil || c.Confidence.Less(ConfidenceProbed) {
		return 0
	}
	return c.EstimatedMaxRowID
}

// Store reads and writes table cursors. Writes are last-write-wins.
type Store interface {
	// Get returns the cursor for tableID, or nil when none was recorded.
	Get(ctx context.Context, tableID string) (*TableRowCursor, error)
	// EstimateStart returns the stored boundary plus one, or UnknownRowID.
	EstimateStart(ctx context.Context, tableID string) (int64, error)
	// RecordAfterImport upserts the boundary after a successful import.
	RecordAfterImport(ctx context.Context, tableID string, newMaxRowID int64, confidence Confidence) (*TableRowCursor, error)
	// ManualResync overwrites the boundary with an operator-supplied value.
	ManualResync(ctx context.Context, tableID string, rowID int64) (*TableRowCursor, error)
}

// merge computes the record to store. Probed and exact writes are taken at
// face value; an estimated write can only lower confidence, one step per
// write, so repeated estimation without a probe decays toward stale.
func merge(prev *TableRowCursor, tableID string, newMaxRowID int64, requested Confidence, now time.Time) (*TableRowCursor, error) {
	if tableID == "" {
		return nil, failure.Preconditionf("table id is required")
	}
	if newMaxRowID < 0 {
		return nil, failure.Preconditionf("row id must be >= 0, got %d", newMaxRowID)
	}
	if !requested.Valid() {
		return nil, failure.Preconditionf("unknown cursor confidence %q", requested)
	}

	next := &TableRowCursor{
		TableID:           tableID,
		EstimatedMaxRowID: newMaxRowID,
		Confidence:        requested,
	}

	switch requested {
	case ConfidenceProbed, ConfidenceExact:
		next.LastVerifiedAt = now
	default:
		if prev != nil {
			next.LastVerifiedAt = prev.LastVerifiedAt
			if decayed := prev.Confidence.Downgrade(); decayed.Less(requested) {
				next.Confidence = decayed
			}
		}
	}

	return next, nil
}

func estimateStart(c *TableRowCursor) int64 {
	if c == nil {
		return UnknownRowID
	}
	return c.NextStart()
}
