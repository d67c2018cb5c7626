// Package sqldest implements remote.Destination on a MySQL table whose
// AUTO_INCREMENT column serves as the row id.
package sqldest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/dbsmedya/importguard/internal/failure"
	"github.com/dbsmedya/importguard/internal/logger"
	"github.com/dbsmedya/importguard/internal/matching"
	"github.com/dbsmedya/importguard/internal/remote"
	"github.com/dbsmedya/importguard/internal/sqlutil"
	"github.com/dbsmedya/importguard/internal/types"
)

const describeColumnsSQL = `
SELECT COLUMN_NAME, DATA_TYPE
FROM INFORMATION_SCHEMA.COLUMNS
WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?
ORDER BY ORDINAL_POSITION`

// Destination writes to and reads from MySQL tables.
type Destination struct {
	db          *sql.DB
	rowIDColumn string
	logger      *logger.Logger
}

var _ remote.Destination = (*Destination)(nil)

// New creates a MySQL destination. rowIDColumn names the AUTO_INCREMENT
// column present on every destination table.
func New(db *sql.DB, rowIDColumn string, log *logger.Logger) (*Destination, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}
	if !sqlutil.IsValidIdentifier(rowIDColumn) {
		return nil, fmt.Errorf("invalid row id column %q", rowIDColumn)
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Destination{db: db, rowIDColumn: rowIDColumn, logger: log}, nil
}

func quoteTable(table string) (string, error) {
	q, err := sqlutil.QuoteIdentifierSafe(table)
	if err != nil {
		return "", failure.Preconditionf("destination table: %v", err)
	}
	return q, nil
}

// ImportRows inserts all rows in one transaction with a multi-row INSERT.
// In upsert mode existing rows, found by unique key, have their non-matching
// columns updated. Server-side rejections are reported in the outcome;
// transport failures are returned as errors.
func (d *Destination) ImportRows(ctx context.Context, table string, rows []*types.Row, mode remote.Mode, matchingColumns []string) (*remote.ImportOutcome, error) {
	if len(rows) == 0 {
		return nil, failure.Preconditionf("import chunk is empty")
	}
	qt, err := quoteTable(table)
	if err != nil {
		return nil, err
	}

	columns := rows[0].Columns()
	query := buildInsertQuery(qt, columns, len(rows), mode, matchingColumns)

	args := make([]interface{}, 0, len(rows)*len(columns))
	for i, row := range rows {
		if row.Len() != len(columns) {
			return nil, failure.Preconditionf("row %d has %d columns, expected %d", i+1, row.Len(), len(columns))
		}
		for _, col := range columns {
			v, _ := row.Get(col)
			args = append(args, types.ToDriver(v))
		}
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin destination transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				d.logger.Errorf("Failed to rollback import transaction: %v", rbErr)
			}
		}
	}()

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		if failure.IsTransient(err) {
			return nil, fmt.Errorf("failed to insert %d rows into %s: %w", len(rows), table, err)
		}
		d.logger.Warnf("Destination rejected %d rows for %s: %v", len(rows), table, err)
		return &remote.ImportOutcome{Status: remote.StatusRejected, Errors: []string{err.Error()}}, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit import into %s: %w", table, err)
	}
	tx = nil

	return &remote.ImportOutcome{Status: remote.StatusSuccess, ImportedCount: len(rows)}, nil
}

func buildInsertQuery(quotedTable string, columns []string, rowCount int, mode remote.Mode, matchingColumns []string) string {
	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = sqlutil.QuoteIdentifier(col)
	}

	tuple := "(" + sqlutil.Placeholders(len(columns)) + ")"
	tuples := make([]string, rowCount)
	for i := range tuples {
		tuples[i] = tuple
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		quotedTable, strings.Join(quoted, ", "), strings.Join(tuples, ", "))

	if mode != remote.ModeUpsert {
		return query
	}

	keys := make(map[string]bool, len(matchingColumns))
	for _, c := range matchingColumns {
		keys[strings.ToLower(c)] = true
	}
	var updates []string
	for _, col := range columns {
		if keys[strings.ToLower(col)] {
			continue
		}
		q := sqlutil.QuoteIdentifier(col)
		updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", q, q))
	}
	if len(updates) == 0 {
		// Nothing to update; keep the existing row.
		first := sqlutil.QuoteIdentifier(columns[0])
		updates = append(updates, fmt.Sprintf("%s = %s", first, first))
	}
	return query + " ON DUPLICATE KEY UPDATE " + strings.Join(updates, ", ")
}

func (d *Destination) where(f remote.Filter) (string, []interface{}) {
	args := make([]interface{}, 0, len(f.Values)+1)
	for _, v := range f.Values {
		args = append(args, v)
	}
	clause := fmt.Sprintf("%s IN (%s)", sqlutil.QuoteIdentifier(f.Column), sqlutil.Placeholders(len(f.Values)))
	if f.Bounded() {
		clause += fmt.Sprintf(" AND %s > ?", sqlutil.QuoteIdentifier(d.rowIDColumn))
		args = append(args, f.AfterRowID)
	}
	return clause, args
}

// FetchRows reads rows matching f in row id order. The row id column is
// moved out of the row into ReceivedRow.RowID.
func (d *Destination) FetchRows(ctx context.Context, table string, f remote.Filter) ([]types.ReceivedRow, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	qt, err := quoteTable(table)
	if err != nil {
		return nil, err
	}

	clause, args := d.where(f)
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s ORDER BY %s", qt, clause, sqlutil.QuoteIdentifier(d.rowIDColumn))

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch rows from %s: %w", table, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}

	var out []types.ReceivedRow
	for rows.Next() {
		raw := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row from %s: %w", table, err)
		}

		rr := types.ReceivedRow{Row: types.NewRow()}
		for i, col := range columns {
			if strings.EqualFold(col, d.rowIDColumn) {
				rr.RowID = types.ToInt64(raw[i])
				continue
			}
			rr.Row.Set(col, types.FromDriver(raw[i]))
		}
		out = append(out, rr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows of %s: %w", table, err)
	}

	d.logger.Debugf("Fetched %d rows from %s for %d keys", len(out), table, len(f.Values))
	return out, nil
}

// DeleteRows deletes rows matching f in one statement.
func (d *Destination) DeleteRows(ctx context.Context, table string, f remote.Filter) (int64, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}
	qt, err := quoteTable(table)
	if err != nil {
		return 0, err
	}

	clause, args := d.where(f)
	result, err := d.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", qt, clause), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete rows from %s: %w", table, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, failure.Ambiguousf("delete on %s ran but the affected row count is unknown: %v", table, err)
	}
	return n, nil
}

// RowExists looks up a single row id.
func (d *Destination) RowExists(ctx context.Context, table string, rowID int64) (bool, error) {
	qt, err := quoteTable(table)
	if err != nil {
		return false, err
	}

	query := fmt.Sprintf("SELECT 1 FROM %s WHERE %s = ? LIMIT 1", qt, sqlutil.QuoteIdentifier(d.rowIDColumn))
	var one int
	err = d.db.QueryRowContext(ctx, query, rowID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up row %d in %s: %w", rowID, table, err)
	}
	return true, nil
}

// DescribeColumns lists the table's columns from INFORMATION_SCHEMA.
func (d *Destination) DescribeColumns(ctx context.Context, table string) ([]matching.ColumnMeta, error) {
	rows, err := d.db.QueryContext(ctx, describeColumnsSQL, table)
	if err != nil {
		return nil, fmt.Errorf("failed to describe %s: %w", table, err)
	}
	defer rows.Close()

	var cols []matching.ColumnMeta
	for rows.Next() {
		var c matching.ColumnMeta
		if err := rows.Scan(&c.Name, &c.DataType); err != nil {
			return nil, fmt.Errorf("failed to scan column of %s: %w", table, err)
		}
		c.IsRowID = strings.EqualFold(c.Name, d.rowIDColumn)
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns of %s: %w", table, err)
	}
	if len(cols) == 0 {
		return nil, failure.Rejected(fmt.Errorf("destination table %s not found", table))
	}
	return cols, nil
}

// Close is a no-op; the connection pool belongs to the caller.
func (d *Destination) Close() error {
	return nil
}
