package sqldest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/dbsmedya/importguard/internal/logger"
)

// PreflightError represents a preflight check failure.
type PreflightError struct {
	Check   string
	Message string
	Tables  []string
}

func (e *PreflightError) Error() string {
	if len(e.Tables) > 0 {
		return fmt.Sprintf("%s: %s (tables: %v)", e.Check, e.Message, e.Tables)
	}
	return fmt.Sprintf("%s: %s", e.Check, e.Message)
}

// TriggerCheckResult holds trigger detection results.
type TriggerCheckResult struct {
	Table   string
	Trigger string
	Event   string
}

// PreflightChecker checks that a MySQL table can take a verified import:
// transactional engine, AUTO_INCREMENT row id, and rollback-safe deletes.
type PreflightChecker struct {
	db          *sql.DB
	rowIDColumn string
	logger      *logger.Logger
}

// NewPreflightChecker creates a new preflight checker.
func NewPreflightChecker(db *sql.DB, rowIDColumn string, log *logger.Logger) (*PreflightChecker, error) {
	if db == nil {
		return nil, fmt.Errorf("database is nil")
	}
	if rowIDColumn == "" {
		return nil, fmt.Errorf("row id column is required")
	}
	if log == nil {
		log = logger.NewDefault()
	}

	return &PreflightChecker{
		db:          db,
		rowIDColumn: rowIDColumn,
		logger:      log,
	}, nil
}

// RunAllChecks runs every check against table. matchingColumn may be empty.
// With forceTriggers, DELETE triggers are logged instead of failing.
func (p *PreflightChecker) RunAllChecks(ctx context.Context, table, matchingColumn string, forceTriggers bool) error {
	p.logger.Infof("Running preflight checks on %s...", table)

	if err := p.ValidateStorageEngine(ctx, table); err != nil {
		return err
	}

	if err := p.ValidateRowIDColumn(ctx, table); err != nil {
		return err
	}

	if err := p.ValidateTriggers(ctx, table, forceTriggers); err != nil {
		return err
	}

	if err := p.WarnCascadeRules(ctx, table); err != nil {
		return err
	}

	if matchingColumn != "" {
		if err := p.WarnUnindexedColumn(ctx, table, matchingColumn); err != nil {
			return err
		}
	}

	p.logger.Info("All preflight checks PASSED")
	return nil
}

// ValidateStorageEngine checks that the table exists and uses InnoDB. A
// chunk is one multi-row INSERT; only a transactional engine makes it atomic.
func (p *PreflightChecker) ValidateStorageEngine(ctx context.Context, table string) error {
	p.logger.Debug("Checking storage engine...")

	const query = `
		SELECT ENGINE
		FROM information_schema.TABLES
		WHERE TABLE_SCHEMA = DATABASE()
		AND TABLE_NAME = ?`

	var engine sql.NullString
	err := p.db.QueryRowContext(ctx, query, table).Scan(&engine)
	if errors.Is(err, sql.ErrNoRows) {
		return &PreflightError{
			Check:   "TABLE_EXISTENCE_CHECK",
			Message: "Table not found in destination database",
			Tables:  []string{table},
		}
	}
	if err != nil {
		return fmt.Errorf("failed to query storage engine: %w", err)
	}

	if engine.String != "InnoDB" {
		return &PreflightError{
			Check:   "STORAGE_ENGINE_CHECK",
			Message: "Only InnoDB tables are supported. Use ALTER TABLE to convert",
			Tables:  []string{fmt.Sprintf("%s(%s)", table, engine.String)},
		}
	}

	p.logger.Debugf("Storage engine check PASSED")
	return nil
}

// ValidateRowIDColumn checks that the row id column exists and is
// AUTO_INCREMENT, so ids grow with insertion order.
func (p *PreflightChecker) ValidateRowIDColumn(ctx context.Context, table string) error {
	p.logger.Debug("Checking row id column...")

	const query = `
		SELECT EXTRA
		FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = DATABASE()
		AND TABLE_NAME = ?
		AND COLUMN_NAME = ?`

	var extra string
	err := p.db.QueryRowContext(ctx, query, table, p.rowIDColumn).Scan(&extra)
	if errors.Is(err, sql.ErrNoRows) {
		return &PreflightError{
			Check:   "ROW_ID_COLUMN_CHECK",
			Message: fmt.Sprintf("Row id column %q not found", p.rowIDColumn),
			Tables:  []string{table},
		}
	}
	if err != nil {
		return fmt.Errorf("failed to query row id column: %w", err)
	}

	if !strings.Contains(strings.ToLower(extra), "auto_increment") {
		return &PreflightError{
			Check:   "ROW_ID_COLUMN_CHECK",
			Message: fmt.Sprintf("Row id column %q must be AUTO_INCREMENT", p.rowIDColumn),
			Tables:  []string{table},
		}
	}

	p.logger.Debugf("Row id column check PASSED (%s)", p.rowIDColumn)
	return nil
}

// ValidateTriggers checks for INSERT and DELETE triggers. Triggers can write
// rows the import never sent, or fire during a rollback.
func (p *PreflightChecker) ValidateTriggers(ctx context.Context, table string, forceTriggers bool) error {
	p.logger.Debug("Checking for triggers...")

	triggers, err := p.CheckTriggers(ctx, table)
	if err != nil {
		return err
	}

	if len(triggers) == 0 {
		p.logger.Debug("Trigger check PASSED (no triggers found)")
		return nil
	}

	var list []string
	for _, t := range triggers {
		list = append(list, fmt.Sprintf("%s(%s %s)", t.Table, t.Event, t.Trigger))
	}

	msg := "INSERT/DELETE triggers detected"
	if forceTriggers {
		p.logger.Warnf("%s (proceeding due to --force): %v", msg, list)
		return nil
	}

	return &PreflightError{
		Check:   "TRIGGER_CHECK",
		Message: fmt.Sprintf("%s. Use --force to override (triggers will fire during import and rollback)", msg),
		Tables:  list,
	}
}

// CheckTriggers lists INSERT and DELETE triggers on table.
func (p *PreflightChecker) CheckTriggers(ctx context.Context, table string) ([]TriggerCheckResult, error) {
	const query = `
		SELECT EVENT_OBJECT_TABLE, TRIGGER_NAME, EVENT_MANIPULATION
		FROM information_schema.TRIGGERS
		WHERE EVENT_OBJECT_SCHEMA = DATABASE()
		AND EVENT_OBJECT_TABLE = ?
		AND EVENT_MANIPULATION IN ('INSERT', 'DELETE')`

	rows, err := p.db.QueryContext(ctx, query, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query triggers: %w", err)
	}
	defer rows.Close()

	var results []TriggerCheckResult
	for rows.Next() {
		var r TriggerCheckResult
		if err := rows.Scan(&r.Table, &r.Trigger, &r.Event); err != nil {
			return nil, err
		}
		results = append(results, r)
	}

	return results, rows.Err()
}

// WarnCascadeRules warns about ON DELETE CASCADE foreign keys referencing
// table: a rollback would delete dependent rows too.
func (p *PreflightChecker) WarnCascadeRules(ctx context.Context, table string) error {
	p.logger.Debug("Checking for CASCADE rules...")

	const query = `
		SELECT kcu.TABLE_NAME, kcu.COLUMN_NAME
		FROM information_schema.KEY_COLUMN_USAGE kcu
		JOIN information_schema.REFERENTIAL_CONSTRAINTS rc
			ON kcu.CONSTRAINT_NAME = rc.CONSTRAINT_NAME
			AND kcu.CONSTRAINT_SCHEMA = rc.CONSTRAINT_SCHEMA
		WHERE kcu.TABLE_SCHEMA = DATABASE()
		AND kcu.REFERENCED_TABLE_NAME = ?
		AND rc.DELETE_RULE = 'CASCADE'`

	rows, err := p.db.QueryContext(ctx, query, table)
	if err != nil {
		return fmt.Errorf("failed to query foreign keys: %w", err)
	}
	defer rows.Close()

	var cascades []string
	for rows.Next() {
		var child, column string
		if err := rows.Scan(&child, &column); err != nil {
			return err
		}
		cascades = append(cascades, fmt.Sprintf("%s.%s->%s", child, column, table))
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if len(cascades) > 0 {
		p.logger.Warnf("ON DELETE CASCADE rules detected (%d): %v", len(cascades), cascades)
		p.logger.Warn("A rollback will also delete the dependent rows.")
	} else {
		p.logger.Debug("CASCADE rule check complete (no CASCADE rules found)")
	}

	return nil
}

// WarnUnindexedColumn warns when the matching column has no index, which
// makes verification reads and rollback deletes scan the table.
func (p *PreflightChecker) WarnUnindexedColumn(ctx context.Context, table, column string) error {
	indexed, err := p.isColumnIndexed(ctx, table, column)
	if err != nil {
		return fmt.Errorf("failed to check index for %s.%s: %w", table, column, err)
	}
	if !indexed {
		p.logger.Warnf("Matching column %s.%s has no index; verification and rollback will scan the table", table, column)
	}
	return nil
}

func (p *PreflightChecker) isColumnIndexed(ctx context.Context, table, column string) (bool, error) {
	const query = `
		SELECT COUNT(*)
		FROM information_schema.STATISTICS
		WHERE TABLE_SCHEMA = DATABASE()
		AND TABLE_NAME = ?
		AND COLUMN_NAME = ?`

	var count int
	if err := p.db.QueryRowContext(ctx, query, table, column).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}
