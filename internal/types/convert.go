package types

import (
	"encoding/json"
	"strconv"
)

// ToInt64 converts an interface{} to int64.
// Supports the signed and unsigned integer kinds, float32/float64, and the
// []byte/string forms returned by text-protocol drivers.
func ToInt64(v interface{}) int64 {
	switch i := v.(type) {
	case int64:
		return i
	case int:
		return int64(i)
	case int32:
		return int64(i)
	case int16:
		return int64(i)
	case int8:
		return int64(i)
	case uint:
		return int64(i)
	case uint64:
		return int64(i)
	case uint32:
		return int64(i)
	case uint16:
		return int64(i)
	case uint8:
		return int64(i)
	case float64:
		return int64(i)
	case float32:
		return int64(i)
	case []byte:
		n, _ := strconv.ParseInt(string(i), 10, 64)
		return n
	case string:
		n, _ := strconv.ParseInt(i, 10, 64)
		return n
	case json.Number:
		n, _ := i.Int64()
		return n
	default:
		return 0
	}
}

// FromDriver converts a database/sql scan value or a decoded JSON scalar to a Value.
// Byte slices are treated as text since MySQL's text protocol returns most
// column types that way.
func FromDriver(v interface{}) Value {
	switch x := v.(type) {
	case nil:
		return Null()
	case []byte:
		return Text(string(x))
	case string:
		return Text(x)
	case bool:
		return Bool(x)
	case float64:
		return Number(x)
	case float32:
		return Number(float64(x))
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Text(x.String())
		}
		return Number(f)
	case int64, int, int32, int16, int8, uint, uint64, uint32, uint16, uint8:
		return Number(float64(ToInt64(x)))
	default:
		if s, ok := v.(interface{ String() string }); ok {
			return Text(s.String())
		}
		return Null()
	}
}

// ToDriver converts a Value to an argument accepted by database/sql.
func ToDriver(v Value) interface{} {
	switch v.kind {
	case KindText:
		return v.text
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	default:
		return nil
	}
}
