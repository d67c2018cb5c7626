// Package remote defines the capabilities importguard needs from a
// destination analytics store. Filters are restricted to a single
// "column IN (values)" predicate, optionally bounded by row id.
package remote

import (
	"context"
	"fmt"

	"github.com/dbsmedya/importguard/internal/failure"
	"github.com/dbsmedya/importguard/internal/matching"
	"github.com/dbsmedya/importguard/internal/sqlutil"
	"github.com/dbsmedya/importguard/internal/types"
)

// Mode is the write mode of an import call.
type Mode string

const (
	ModeInsert Mode = "insert"
	ModeUpsert Mode = "upsert"
)

// ParseMode maps a configured mode name, defaulting to insert.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeInsert:
		return ModeInsert, nil
	case ModeUpsert:
		return ModeUpsert, nil
	default:
		return "", failure.Preconditionf("unknown import mode %q", s)
	}
}

// Status is the destination's verdict on an import call.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusPartial  Status = "partial"
	StatusRejected Status = "rejected"
)

// ImportOutcome is the result of one import call.
type ImportOutcome struct {
	Status        Status   `json:"status"`
	ImportedCount int      `json:"importedCount"`
	Errors        []string `json:"errors,omitempty"`
}

// NoRowBound disables the row id bound of a filter.
const NoRowBound int64 = -1

// Filter selects rows whose Column value is one of Values and, when
// AfterRowID >= 0, whose row id is greater than AfterRowID.
type Filter struct {
	Column     string   `json:"column"`
	Values     []string `json:"values"`
	AfterRowID int64    `json:"afterRowId"`
}

// In builds an unbounded filter.
func In(column string, values []string) Filter {
	return Filter{Column: column, Values: values, AfterRowID: NoRowBound}
}

// Validate rejects filters that would match nothing or everything.
func (f Filter) Validate() error {
	if f.Column == "" {
		return failure.Preconditionf("filter column is empty")
	}
	if len(f.Values) == 0 {
		return failure.Preconditionf("filter on %s has no values", f.Column)
	}
	return nil
}

// Bounded reports whether the filter carries a row id bound.
func (f Filter) Bounded() bool {
	return f.AfterRowID >= 0
}

// String renders the filter with escaped literals, for logs and for remotes
// that accept a textual expression.
func (f Filter) String() string {
	expr := fmt.Sprintf("%s IN %s", sqlutil.QuoteIdentifier(f.Column), sqlutil.InList(f.Values))
	if f.Bounded() {
		expr += fmt.Sprintf(" AND row_id > %d", f.AfterRowID)
	}
	return expr
}

// Destination is a remote analytics store.
type Destination interface {
	// ImportRows writes rows in a single call.
	ImportRows(ctx context.Context, table string, rows []*types.Row, mode Mode, matchingColumns []string) (*ImportOutcome, error)
	// FetchRows reads back rows matching the filter.
	FetchRows(ctx context.Context, table string, f Filter) ([]types.ReceivedRow, error)
	// DeleteRows removes rows matching the filter and reports how many were deleted.
	DeleteRows(ctx context.Context, table string, f Filter) (int64, error)
	// RowExists is a point lookup by row id.
	RowExists(ctx context.Context, table string, rowID int64) (bool, error)
	// DescribeColumns lists the table's columns.
	DescribeColumns(ctx context.Context, table string) ([]matching.ColumnMeta, error)
	Close() error
}

// CheckOutcome turns a non-success outcome into a remote-rejected error.
// expected is the number of rows sent.
func CheckOutcome(out *ImportOutcome, expected int) error {
	if out == nil {
		return failure.Rejected(fmt.Errorf("destination returned no import outcome"))
	}
	if out.Status == StatusRejected {
		return failure.Rejected(fmt.Errorf("destination rejected chunk: %v", out.Errors))
	}
	if out.ImportedCount < expected {
		return failure.Rejected(fmt.Errorf("destination imported %d of %d rows: %v", out.ImportedCount, expected, out.Errors))
	}
	return nil
}
