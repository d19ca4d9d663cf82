// Package value defines the scalar and row values stored by cowdb, their
// total ordering and their binary encoding.
//
// Value is a closed sum type: the only implementations are the types declared
// in this package. Code switching over Kind panics on kinds it does not know,
// so adding a kind requires visiting every switch.
package value

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindNumeric
	KindString
	KindDate
	KindTimespan
	KindRow

	kindCount
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindNumeric:
		return "numeric"
	case KindString:
		return "string"
	case KindDate:
		return "date"
	case KindTimespan:
		return "timespan"
	case KindRow:
		return "row"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k Kind) Valid() bool {
	return k < kindCount
}

type Value interface {
	Kind() Kind
	String() string
	isValue()
}

type (
	Null     struct{}
	Bool     bool
	Int      int64
	Numeric  float64
	String   string
	Date     int32 // days since 1970-01-01 UTC
	Timespan time.Duration
)

func (Null) Kind() Kind     { return KindNull }
func (Bool) Kind() Kind     { return KindBool }
func (Int) Kind() Kind      { return KindInt }
func (Numeric) Kind() Kind  { return KindNumeric }
func (String) Kind() Kind   { return KindString }
func (Date) Kind() Kind     { return KindDate }
func (Timespan) Kind() Kind { return KindTimespan }

func (Null) isValue()     {}
func (Bool) isValue()     {}
func (Int) isValue()      {}
func (Numeric) isValue()  {}
func (String) isValue()   {}
func (Date) isValue()     {}
func (Timespan) isValue() {}

func (Null) String() string       { return "null" }
func (v Bool) String() string     { return strconv.FormatBool(bool(v)) }
func (v Int) String() string      { return strconv.FormatInt(int64(v), 10) }
func (v Numeric) String() string  { return strconv.FormatFloat(float64(v), 'g', -1, 64) }
func (v String) String() string   { return string(v) }
func (v Date) String() string     { return v.Time().Format(time.DateOnly) }
func (v Timespan) String() string { return time.Duration(v).String() }

const secondsPerDay = 24 * 60 * 60

func DateOf(t time.Time) Date {
	secs := t.UTC().Unix()
	return Date(int32(math.Floor(float64(secs) / secondsPerDay)))
}

func (v Date) Time() time.Time {
	return time.Unix(int64(v)*secondsPerDay, 0).UTC()
}

// IsNull reports whether v is absent or the null value.
func IsNull(v Value) bool {
	return v == nil || v.Kind() == KindNull
}

// Truthy reports whether v is the boolean true; null and every other kind are
// false.
func Truthy(v Value) bool {
	b, ok := v.(Bool)
	return ok && bool(b)
}

// Of converts a Go value into a Value. It panics on unsupported types.
func Of(x any) Value {
	switch x := x.(type) {
	case nil:
		return Null{}
	case Value:
		return x
	case bool:
		return Bool(x)
	case int:
		return Int(x)
	case int32:
		return Int(x)
	case int64:
		return Int(x)
	case uint32:
		return Int(x)
	case float64:
		return Numeric(x)
	case float32:
		return Numeric(x)
	case string:
		return String(x)
	case time.Time:
		return DateOf(x)
	case time.Duration:
		return Timespan(x)
	default:
		panic(fmt.Errorf("value.Of: unsupported type %T", x))
	}
}

// Tuple formats a list of values as (a, b, c), mainly for error messages and dumps.
func Tuple(vals []Value) string {
	var buf strings.Builder
	buf.WriteByte('(')
	for i, v := range vals {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(Quote(v))
	}
	buf.WriteByte(')')
	return buf.String()
}

// Quote formats v so that strings are distinguishable from other kinds.
func Quote(v Value) string {
	if v == nil {
		return "null"
	}
	if s, ok := v.(String); ok {
		return strconv.Quote(string(s))
	}
	return v.String()
}
