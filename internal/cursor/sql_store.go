package cursor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dbsmedya/importguard/internal/logger"
)

const createCursorTableSQL = `
CREATE TABLE IF NOT EXISTS importguard_table_cursor (
	table_id VARCHAR(255) PRIMARY KEY,
	estimated_max_row_id BIGINT NOT NULL DEFAULT 0,
	confidence VARCHAR(16) NOT NULL DEFAULT 'estimated',
	last_verified_at DATETIME(6) NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
	INDEX idx_updated (updated_at)
) ENGINE=InnoDB;
`

const selectCursorSQL = "SELECT table_id, estimated_max_row_id, confidence, last_verified_at FROM importguard_table_cursor WHERE table_id = ?"

const upsertCursorSQL = `INSERT INTO importguard_table_cursor (table_id, estimated_max_row_id, confidence, last_verified_at)
VALUES (?, ?, ?, ?)
ON DUPLICATE KEY UPDATE estimated_max_row_id = VALUES(estimated_max_row_id), confidence = VALUES(confidence), last_verified_at = VALUES(last_verified_at)`

// SQLStore keeps cursors in a MySQL table.
type SQLStore struct {
	db     *sql.DB
	logger *logger.Logger
	now    func() time.Time
}

// NewSQLStore creates a MySQL-backed cursor store.
func NewSQLStore(db *sql.DB, log *logger.Logger) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}
	if log == nil {
		log = logger.NewDefault()
	}

	return &SQLStore{
		db:     db,
		logger: log,
		now:    time.Now,
	}, nil
}

// InitializeTables creates the cursor table if it does not exist.
// Safe to call on every startup.
func (s *SQLStore) InitializeTables(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createCursorTableSQL); err != nil {
		return fmt.Errorf("failed to create importguard_table_cursor table: %w", err)
	}
	s.logger.Debug("Cursor table initialized")
	return nil
}

// Get returns the cursor for tableID, or nil when absent.
func (s *SQLStore) Get(ctx context.Context, tableID string) (*TableRowCursor, error) {
	var (
		c          TableRowCursor
		confidence string
		verifiedAt sql.NullTime
	)

	err := s.db.QueryRowContext(ctx, selectCursorSQL, tableID).
		Scan(&c.TableID, &c.EstimatedMaxRowID, &confidence, &verifiedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor for %q: %w", tableID, err)
	}

	c.Confidence = Confidence(confidence)
	if !c.Confidence.Valid() {
		s.logger.Warnf("Cursor for %q has unknown confidence %q, treating as stale", tableID, confidence)
		c.Confidence = ConfidenceStale
	}
	if verifiedAt.Valid {
		c.LastVerifiedAt = verifiedAt.Time
	}
	return &c, nil
}

// EstimateStart returns the stored boundary plus one, or UnknownRowID.
func (s *SQLStore) EstimateStart(ctx context.Context, tableID string) (int64, error) {
	c, err := s.Get(ctx, tableID)
	if err != nil {
		return UnknownRowID, err
	}
	return estimateStart(c), nil
}

// RecordAfterImport upserts the boundary.
func (s *SQLStore) RecordAfterImport(ctx context.Context, tableID string, newMaxRowID int64, confidence Confidence) (*TableRowCursor, error) {
	prev, err := s.Get(ctx, tableID)
	if err != nil {
		return nil, err
	}

	next, err := merge(prev, tableID, newMaxRowID, confidence, s.now())
	if err != nil {
		return nil, err
	}

	if err := s.write(ctx, next); err != nil {
		return nil, err
	}

	s.logger.Debugf("Cursor for %q set to %d (%s)", tableID, next.EstimatedMaxRowID, next.Confidence)
	return next, nil
}

// ManualResync overwrites the boundary with confidence exact.
func (s *SQLStore) ManualResync(ctx context.Context, tableID string, rowID int64) (*TableRowCursor, error) {
	next, err := merge(nil, tableID, rowID, ConfidenceExact, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.write(ctx, next); err != nil {
		return nil, err
	}

	s.logger.Infof("Cursor for %q manually resynced to %d", tableID, rowID)
	return next, nil
}

func (s *SQLStore) write(ctx context.Context, c *TableRowCursor) error {
	var verifiedAt interface{}
	if !c.LastVerifiedAt.IsZero() {
		verifiedAt = c.LastVerifiedAt
	}

	_, err := s.db.ExecContext(ctx, upsertCursorSQL, c.TableID, c.EstimatedMaxRowID, string(c.Confidence), verifiedAt)
	if err != nil {
		return fmt.Errorf("failed to write cursor for %q: %w", c.TableID, err)
	}
	return nil
}
