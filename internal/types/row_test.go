package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValue_Variants(t *testing.T) {
	var zero Value
	assert.True(t, zero.IsNull())
	assert.Equal(t, "null", zero.Kind().String())

	n, ok := Number(2.50).AsNumber()
	assert.True(t, ok)
	assert.Equal(t, 2.5, n)
	assert.Equal(t, "2.5", Number(2.50).String())

	_, ok = Text("2.5").AsNumber()
	assert.False(t, ok)

	b, ok := Bool(true).AsBool()
	assert.True(t, ok)
	assert.True(t, b)
	assert.Equal(t, "text", Text("").Kind().String())
}

func TestRow_PreservesOrder(t *testing.T) {
	r := NewRow()
	r.Set("ID", Text("1"))
	r.Set("Name", Text("Ada"))
	r.Set("Age", Number(36))
	r.Set("ID", Text("2"))

	assert.Equal(t, []string{"ID", "Name", "Age"}, r.Columns())
	assert.Equal(t, 3, r.Len())

	v, ok := r.Get("ID")
	require.True(t, ok)
	assert.Equal(t, "2", v.String())

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRow_Lookup(t *testing.T) {
	r := NewRow()
	r.Set("Email", Text("a@b.c"))

	v, ok := r.Lookup("email")
	require.True(t, ok)
	assert.Equal(t, "a@b.c", v.String())

	_, ok = r.Lookup("phone")
	assert.False(t, ok)
}

func TestRow_NilSafe(t *testing.T) {
	var r *Row
	assert.Equal(t, 0, r.Len())
	assert.Nil(t, r.Columns())
	_, ok := r.Get("x")
	assert.False(t, ok)
}

func TestRowFromStrings(t *testing.T) {
	r := RowFromStrings([]string{"a", "b", "c"}, []string{"1", "2"})
	assert.Equal(t, []string{"a", "b", "c"}, r.Columns())

	c, ok := r.Get("c")
	require.True(t, ok)
	assert.True(t, c.IsNull())
	assert.Len(t, r.Values(), 3)
}

func TestRow_MarshalJSON(t *testing.T) {
	r := NewRow()
	r.Set("z", Text("last"))
	r.Set("a", Number(1))
	r.Set("flag", Bool(true))
	r.Set("empty", Null())

	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Equal(t, `{"z":"last","a":1,"flag":true,"empty":null}`, string(data))
}

func TestRows(t *testing.T) {
	a, b := NewRow(), NewRow()
	rows := Rows([]SentRow{{Row: a, Position: 1}, {Row: b, Position: 2}})
	require.Len(t, rows, 2)
	assert.Same(t, a, rows[0])
	assert.Same(t, b, rows[1])
}
