package schema

import (
	"fmt"
	"strconv"
	"time"
)

// Value is a single cell of a canonical row. Absence is carried in the tag,
// not in a magic in-band value.
type Value struct {
	typ    Type
	absent bool
	str    string
	num    int64
	flt    float64
	ts     time.Time
}

// Absent returns the absent-value sentinel for the given type.
func Absent(t Type) Value {
	return Value{typ: t, absent: true}
}

// StringValue wraps a string cell.
func StringValue(s string) Value {
	return Value{typ: TypeString, str: s}
}

// IntValue wraps an integer cell.
func IntValue(i int64) Value {
	return Value{typ: TypeInt, num: i}
}

// FloatValue wraps a float cell.
func FloatValue(f float64) Value {
	return Value{typ: TypeFloat, flt: f}
}

// DateValue wraps a date cell (time truncated to day).
func DateValue(t time.Time) Value {
	return Value{typ: TypeDate, ts: t.UTC().Truncate(24 * time.Hour)}
}

// TimestampValue wraps a timestamp cell.
func TimestampValue(t time.Time) Value {
	return Value{typ: TypeTimestamp, ts: t.UTC()}
}

// Type returns the semantic type of the value.
func (v Value) Type() Type { return v.typ }

// IsAbsent reports whether the value is the absent sentinel.
func (v Value) IsAbsent() bool { return v.absent }

// String returns the string payload. Zero value for non-string types.
func (v Value) String() string { return v.str }

// Int returns the integer payload.
func (v Value) Int() int64 { return v.num }

// Float returns the float payload. Int values are widened so numeric
// columns can be compared uniformly.
func (v Value) Float() float64 {
	if v.typ == TypeInt {
		return float64(v.num)
	}
	return v.flt
}

// Time returns the date/timestamp payload.
func (v Value) Time() time.Time { return v.ts }

// IsNumeric reports whether the value carries a numeric payload.
func (v Value) IsNumeric() bool {
	return v.typ == TypeInt || v.typ == TypeFloat
}

// Render formats the value for keys, logs, and comparisons. Absent renders
// as the empty string.
func (v Value) Render() string {
	if v.absent {
		return ""
	}
	switch v.typ {
	case TypeString:
		return v.str
	case TypeInt:
		return strconv.FormatInt(v.num, 10)
	case TypeFloat:
		return strconv.FormatFloat(v.flt, 'g', -1, 64)
	case TypeDate:
		return v.ts.Format("2006-01-02")
	case TypeTimestamp:
		return v.ts.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Compare orders two values of the same type: -1, 0, or 1. Absent sorts
// before any present value.
func (v Value) Compare(other Value) int {
	switch {
	case v.absent && other.absent:
		return 0
	case v.absent:
		return -1
	case other.absent:
		return 1
	}
	switch v.typ {
	case TypeInt:
		switch {
		case v.num < other.num:
			return -1
		case v.num > other.num:
			return 1
		}
		return 0
	case TypeFloat:
		switch {
		case v.flt < other.flt:
			return -1
		case v.flt > other.flt:
			return 1
		}
		return 0
	case TypeDate, TypeTimestamp:
		switch {
		case v.ts.Before(other.ts):
			return -1
		case v.ts.After(other.ts):
			return 1
		}
		return 0
	default:
		switch {
		case v.str < other.str:
			return -1
		case v.str > other.str:
			return 1
		}
		return 0
	}
}

// Row is an ordered sequence of values conforming to a canonical schema.
type Row []Value

// Conforms checks the row against the schema: same column count and types.
func (r Row) Conforms(s *Schema) error {
	if len(r) != len(s.Columns) {
		return fmt.Errorf("row has %d columns, schema has %d", len(r), len(s.Columns))
	}
	for i, v := range r {
		if v.typ != s.Columns[i].Type {
			return fmt.Errorf("column %q: value type %s, schema type %s",
				s.Columns[i].Name, v.typ, s.Columns[i].Type)
		}
	}
	return nil
}

// Clone returns an independent copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	copy(out, r)
	return out
}
