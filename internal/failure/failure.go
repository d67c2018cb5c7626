// Package failure classifies errors from remote calls into the four outcomes
// the import pipeline acts on: retry, abort, escalate, or reject up front.
package failure

import (
	"context"
	"database/sql/driver"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/go-sql-driver/mysql"
)

// Marks. Attach with the helpers below, test with errors.Is.
var (
	ErrTransient    = errors.New("transient remote failure")
	ErrRejected     = errors.New("rejected by remote")
	ErrAmbiguous    = errors.New("ambiguous remote state")
	ErrPrecondition = errors.New("local precondition failed")
)

// Kind is the classification of an error.
type Kind int

const (
	KindNone Kind = iota
	KindTransient
	KindRejected
	KindAmbiguous
	KindPrecondition
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransient:
		return "transient-remote"
	case KindRejected:
		return "remote-rejected"
	case KindAmbiguous:
		return "ambiguous-state"
	case KindPrecondition:
		return "local-precondition"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// MySQL server error numbers that are worth retrying.
const (
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
	mysqlTooManyConns    = 1040
	mysqlServerShutdown  = 1053
)

// StatusError is returned by HTTP destinations for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("remote returned HTTP %d: %s", e.StatusCode, e.Body)
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrTransient)
}

// Rejected marks err as a non-retryable remote rejection.
func Rejected(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrRejected)
}

// Ambiguousf creates an ambiguous-state error.
func Ambiguousf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrAmbiguous)
}

// Preconditionf creates a local-precondition error.
func Preconditionf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrPrecondition)
}

// KindOf classifies err. Explicit marks win; otherwise transport-level
// failures are transient and everything else is treated as a rejection so
// that unknown errors are never retried blindly.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}

	switch {
	case errors.Is(err, ErrPrecondition):
		return KindPrecondition
	case errors.Is(err, ErrAmbiguous):
		return KindAmbiguous
	case errors.Is(err, ErrRejected):
		return KindRejected
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}

	if isTransientCause(err) {
		return KindTransient
	}
	return KindRejected
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

func isTransientCause(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case mysqlLockWaitTimeout, mysqlDeadlock, mysqlTooManyConns, mysqlServerShutdown:
			return true
		}
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == 429 || statusErr.StatusCode >= 500
	}

	return false
}
