package importer

import (
	"context"
	"fmt"
	"time"

	"github.com/dbsmedya/importguard/internal/failure"
	"github.com/dbsmedya/importguard/internal/logger"
	"github.com/dbsmedya/importguard/internal/matching"
	"github.com/dbsmedya/importguard/internal/metrics"
	"github.com/dbsmedya/importguard/internal/remote"
)

// RollbackResult reports a rollback. RemainingValues lists matching values
// that could not be confirmed deleted and need manual cleanup. Unkeyed lists
// file positions of rows without a matching value, which no delete can reach.
type RollbackResult struct {
	Success         bool          `json:"success"`
	DeletedRows     int64         `json:"deletedRows"`
	Duration        time.Duration `json:"duration"`
	ErrorMessage    string        `json:"errorMessage,omitempty"`
	RemainingValues []string      `json:"remainingValues,omitempty"`
	Unkeyed         []int         `json:"unkeyed,omitempty"`
}

// RollbackExecutor deletes previously imported rows by matching value.
type RollbackExecutor struct {
	dest    remote.Destination
	metrics *metrics.Recorder
	logger  *logger.Logger
}

// NewRollbackExecutor creates a rollback executor for dest.
func NewRollbackExecutor(dest remote.Destination, rec *metrics.Recorder, log *logger.Logger) (*RollbackExecutor, error) {
	if dest == nil {
		return nil, fmt.Errorf("destination is nil")
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &RollbackExecutor{dest: dest, metrics: rec, logger: log}, nil
}

// Rollback deletes rows of table whose column value is in values, with one
// delete call. afterRowID bounds the delete to rows written after that id;
// pass remote.NoRowBound to match the whole table.
//
// The delete is never retried. If it fails, every value is reported as
// remaining. If the destination reports fewer deletions than there are
// distinct values, a read-back lists the values still present.
func (e *RollbackExecutor) Rollback(ctx context.Context, table, column string, values []string, afterRowID int64) (*RollbackResult, error) {
	if column == "" {
		return nil, failure.Preconditionf("rollback needs a matching column")
	}
	distinct := distinctValues(values)
	if len(distinct) == 0 {
		return nil, failure.Preconditionf("rollback needs at least one matching value")
	}

	start := time.Now()
	log := e.logger.WithTable(table)
	filter := remote.Filter{Column: column, Values: distinct, AfterRowID: afterRowID}
	result := &RollbackResult{}

	log.Infof("Rolling back %d values: %s", len(distinct), filter.String())

	deleted, err := e.dest.DeleteRows(ctx, table, filter)
	if err != nil {
		result.Duration = time.Since(start)
		result.RemainingValues = append([]string(nil), distinct...)
		result.ErrorMessage = err.Error()
		e.metrics.Rollback(table, false)
		log.Errorf("Rollback delete failed, %d values need manual cleanup: %v", len(distinct), err)
		return result, fmt.Errorf("failed to delete rows from %s: %w", table, err)
	}
	result.DeletedRows = deleted

	if deleted < int64(len(distinct)) {
		log.Warnf("Destination deleted %d rows for %d values, confirming", deleted, len(distinct))
		remaining, err := e.stillPresent(ctx, table, filter)
		if err != nil {
			result.Duration = time.Since(start)
			result.RemainingValues = append([]string(nil), distinct...)
			result.ErrorMessage = err.Error()
			e.metrics.Rollback(table, false)
			return result, failure.Ambiguousf("deleted %d rows from %s but could not confirm the rest: %v", deleted, table, err)
		}
		result.RemainingValues = remaining
	}

	result.Duration = time.Since(start)
	if len(result.RemainingValues) > 0 {
		result.ErrorMessage = fmt.Sprintf("%d values still present after delete", len(result.RemainingValues))
		e.metrics.Rollback(table, false)
		log.Errorf("Rollback incomplete: %s", result.ErrorMessage)
		return result, failure.Rejected(fmt.Errorf("rollback of %s incomplete: %s", table, result.ErrorMessage))
	}

	result.Success = true
	e.metrics.Rollback(table, true)
	log.Infof("Rollback complete: %d rows deleted, duration: %s", deleted, result.Duration)
	return result, nil
}

func (e *RollbackExecutor) stillPresent(ctx context.Context, table string, f remote.Filter) ([]string, error) {
	rows, err := e.dest.FetchRows(ctx, table, f)
	if err != nil {
		return nil, err
	}

	present := make(map[string]bool, len(rows))
	for _, rr := range rows {
		v, _ := rr.Row.Lookup(f.Column)
		present[matching.Key(v)] = true
	}

	var remaining []string
	for _, v := range f.Values {
		if present[v] {
			remaining = append(remaining, v)
		}
	}
	return remaining, nil
}

func distinctValues(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
