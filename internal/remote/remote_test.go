package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/importguard/internal/failure"
)

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeInsert, m)

	m, err = ParseMode("upsert")
	require.NoError(t, err)
	assert.Equal(t, ModeUpsert, m)

	_, err = ParseMode("replace")
	assert.Equal(t, failure.KindPrecondition, failure.KindOf(err))
}

func TestFilter(t *testing.T) {
	f := In("Email", []string{"a@x.io", "o'hara@x.io"})
	require.NoError(t, f.Validate())
	assert.False(t, f.Bounded())
	assert.Equal(t, "`Email` IN ('a@x.io', 'o\\'hara@x.io')", f.String())

	f.AfterRowID = 41
	assert.True(t, f.Bounded())
	assert.Equal(t, "`Email` IN ('a@x.io', 'o\\'hara@x.io') AND row_id > 41", f.String())

	f.AfterRowID = 0
	assert.True(t, f.Bounded(), "zero is a real bound")

	assert.Equal(t, failure.KindPrecondition, failure.KindOf(In("", []string{"x"}).Validate()))
	assert.Equal(t, failure.KindPrecondition, failure.KindOf(In("Email", nil).Validate()))
}

func TestCheckOutcome(t *testing.T) {
	assert.NoError(t, CheckOutcome(&ImportOutcome{Status: StatusSuccess, ImportedCount: 3}, 3))

	tests := []struct {
		name string
		out  *ImportOutcome
	}{
		{name: "nil outcome", out: nil},
		{name: "rejected", out: &ImportOutcome{Status: StatusRejected, Errors: []string{"bad date in row 2"}}},
		{name: "short count", out: &ImportOutcome{Status: StatusPartial, ImportedCount: 2}},
		{name: "success with short count", out: &ImportOutcome{Status: StatusSuccess, ImportedCount: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckOutcome(tt.out, 3)
			require.Error(t, err)
			assert.Equal(t, failure.KindRejected, failure.KindOf(err))
		})
	}
}
