// Package lock provides the per-table lease a session holds while it owns a
// destination table's row cursor.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// ErrLeaseHeld is returned when another session holds the table's lease.
var ErrLeaseHeld = errors.New("table lease is held by another session")

// MySQL limits user lock names to 64 characters.
const maxLockNameLength = 64

// Common timeout values for lease acquisition (in seconds).
const (
	// TimeoutImmediate returns immediately if the lease cannot be acquired.
	TimeoutImmediate = 0

	// TimeoutShort is suitable for fast-failing duplicate session detection.
	TimeoutShort = 1

	// TimeoutMedium queues briefly behind a session that is finishing up.
	TimeoutMedium = 10
)

// Lease is an acquire/release token guarding one destination table.
type Lease interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
	Name() string
}

// AdvisoryLease is a Lease backed by MySQL GET_LOCK on a dedicated connection.
// MySQL named locks belong to the connection that took them, so the
// connection is pinned from Acquire until Release.
type AdvisoryLease struct {
	db             *sql.DB
	conn           *sql.Conn
	lockName       string
	timeoutSeconds int
}

// NewAdvisoryLease creates a lease for tableID. Nothing is acquired yet.
func NewAdvisoryLease(db *sql.DB, tableID string, timeoutSeconds int) *AdvisoryLease {
	return &AdvisoryLease{
		db:             db,
		lockName:       TableLockName(tableID),
		timeoutSeconds: timeoutSeconds,
	}
}

// Name returns the MySQL lock name.
func (a *AdvisoryLease) Name() string {
	return a.lockName
}

// IsHeld reports whether this lease currently holds the lock.
func (a *AdvisoryLease) IsHeld() bool {
	return a.conn != nil
}

// Acquire takes the lock, waiting up to the configured timeout.
//
// MySQL GET_LOCK() return values:
//   - 1: Lock was obtained successfully
//   - 0: Timeout was reached without obtaining the lock
//   - NULL: An error occurred (e.g., out of memory, thread killed)
func (a *AdvisoryLease) Acquire(ctx context.Context) error {
	if a.conn != nil {
		return nil
	}

	conn, err := a.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to reserve connection for lease %q: %w", a.lockName, err)
	}

	var result sql.NullInt64
	err = conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", a.lockName, a.timeoutSeconds).Scan(&result)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to execute GET_LOCK: %w", err)
	}

	if !result.Valid {
		_ = conn.Close()
		return fmt.Errorf("GET_LOCK returned NULL for lease %q (possible database error)", a.lockName)
	}

	switch result.Int64 {
	case 1:
		a.conn = conn
		return nil
	case 0:
		_ = conn.Close()
		return fmt.Errorf("%w: %q", ErrLeaseHeld, a.lockName)
	default:
		_ = conn.Close()
		return fmt.Errorf("unexpected GET_LOCK return value: %d", result.Int64)
	}
}

// Release frees the lock and returns the pinned connection to the pool.
// Releasing a lease that is not held is a no-op.
//
// MySQL RELEASE_LOCK() return values:
//   - 1: Lock was released successfully
//   - 0: Lock was not established by this thread (not held)
//   - NULL: Named lock did not exist
func (a *AdvisoryLease) Release(ctx context.Context) error {
	if a.conn == nil {
		return nil
	}
	conn := a.conn
	a.conn = nil
	defer func() { _ = conn.Close() }()

	var result sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", a.lockName).Scan(&result); err != nil {
		return fmt.Errorf("failed to execute RELEASE_LOCK: %w", err)
	}

	if !result.Valid {
		return fmt.Errorf("RELEASE_LOCK returned NULL for lease %q (lock did not exist)", a.lockName)
	}
	if result.Int64 != 1 {
		return fmt.Errorf("lease %q was not held by this connection", a.lockName)
	}
	return nil
}

// TableLockName creates a consistent lock name for a destination table.
// Names follow the format "importguard:table:{tableID}"; characters outside
// [A-Za-z0-9_.-] become underscores and overlong ids are shortened with a hash
// suffix to fit MySQL's limit.
func TableLockName(tableID string) string {
	sanitized := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.' {
			return r
		}
		return '_'
	}, tableID)

	name := "importguard:table:" + sanitized
	if len(name) <= maxLockNameLength {
		return name
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(tableID))
	suffix := fmt.Sprintf("~%08x", h.Sum32())
	return name[:maxLockNameLength-len(suffix)] + suffix
}

// WithLease runs fn while holding lease, releasing it even if fn panics.
// Release uses a fresh context so a canceled session still frees the table.
func WithLease(ctx context.Context, lease Lease, fn func() error) (err error) {
	if err := lease.Acquire(ctx); err != nil {
		return err
	}

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if releaseErr := lease.Release(releaseCtx); releaseErr != nil && err == nil {
			err = fmt.Errorf("failed to release lease %q: %w", lease.Name(), releaseErr)
		}
	}()

	return fn()
}
