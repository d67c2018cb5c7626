package failure

import (
	"context"
	"database/sql/driver"
	"fmt"
	"net"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: KindNone},
		{name: "marked transient", err: Transient(errors.New("busy")), want: KindTransient},
		{name: "marked rejected", err: Rejected(errors.New("bad column")), want: KindRejected},
		{name: "ambiguous", err: Ambiguousf("probe exceeded tolerance of %d", 10), want: KindAmbiguous},
		{name: "precondition", err: Preconditionf("chunk size must be positive"), want: KindPrecondition},
		{name: "wrapped mark survives fmt", err: fmt.Errorf("chunk 3: %w", Transient(errors.New("x"))), want: KindTransient},
		{name: "canceled", err: context.Canceled, want: KindCanceled},
		{name: "deadline", err: fmt.Errorf("call: %w", context.DeadlineExceeded), want: KindTransient},
		{name: "bad conn", err: driver.ErrBadConn, want: KindTransient},
		{name: "invalid conn", err: mysql.ErrInvalidConn, want: KindTransient},
		{name: "net error", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, want: KindTransient},
		{name: "mysql deadlock", err: &mysql.MySQLError{Number: 1213, Message: "Deadlock found"}, want: KindTransient},
		{name: "mysql lock wait", err: &mysql.MySQLError{Number: 1205}, want: KindTransient},
		{name: "mysql unknown column", err: &mysql.MySQLError{Number: 1054, Message: "Unknown column"}, want: KindRejected},
		{name: "http 429", err: &StatusError{StatusCode: 429}, want: KindTransient},
		{name: "http 503", err: &StatusError{StatusCode: 503}, want: KindTransient},
		{name: "http 400", err: &StatusError{StatusCode: 400, Body: "invalid"}, want: KindRejected},
		{name: "unknown", err: errors.New("something odd"), want: KindRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestMarkHelpersNil(t *testing.T) {
	assert.NoError(t, Transient(nil))
	assert.NoError(t, Rejected(nil))
}

func TestRejectedOverridesTransientCause(t *testing.T) {
	err := Rejected(&StatusError{StatusCode: 503})
	assert.Equal(t, KindRejected, KindOf(err))
	assert.False(t, IsTransient(err))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "transient-remote", KindTransient.String())
	assert.Equal(t, "remote-rejected", KindRejected.String())
	assert.Equal(t, "ambiguous-state", KindAmbiguous.String())
	assert.Equal(t, "local-precondition", KindPrecondition.String())
}

func TestStatusErrorMessage(t *testing.T) {
	assert.Equal(t, "remote returned HTTP 500", (&StatusError{StatusCode: 500}).Error())
	assert.Equal(t, "remote returned HTTP 400: nope", (&StatusError{StatusCode: 400, Body: "nope"}).Error())
}
