package value

import (
	"cmp"
	"fmt"
	"math"
)

// rank orders kinds relative to each other. Int and Numeric share a rank so
// that they compare numerically.
func rank(k Kind) int {
	switch k {
	case KindNull:
		return 0
	case KindBool:
		return 1
	case KindInt, KindNumeric:
		return 2
	case KindString:
		return 3
	case KindDate:
		return 4
	case KindTimespan:
		return 5
	case KindRow:
		return 6
	default:
		panic(fmt.Errorf("value: invalid kind %v", k))
	}
}

// Compare defines the total order used by indexes and sorting. Nulls sort
// first; Int and Numeric compare by numeric value; otherwise values of
// different kinds order by kind.
func Compare(a, b Value) int {
	if a == nil {
		a = Null{}
	}
	if b == nil {
		b = Null{}
	}
	ka, kb := a.Kind(), b.Kind()
	if ra, rb := rank(ka), rank(kb); ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch a := a.(type) {
	case Null:
		return 0
	case Bool:
		b := b.(Bool)
		if a == b {
			return 0
		} else if !a {
			return -1
		}
		return 1
	case Int:
		if b, ok := b.(Int); ok {
			return cmp.Compare(a, b)
		}
		return compareIntFloat(int64(a), float64(b.(Numeric)))
	case Numeric:
		if b, ok := b.(Numeric); ok {
			return compareFloat(float64(a), float64(b))
		}
		return -compareIntFloat(int64(b.(Int)), float64(a))
	case String:
		return cmp.Compare(a, b.(String))
	case Date:
		return cmp.Compare(a, b.(Date))
	case Timespan:
		return cmp.Compare(a, b.(Timespan))
	case Row:
		return CompareRows(a, b.(Row))
	default:
		panic(fmt.Errorf("value: unhandled %T", a))
	}
}

// compareFloat orders NaN before every other number so that the order stays total.
func compareFloat(a, b float64) int {
	an, bn := math.IsNaN(a), math.IsNaN(b)
	switch {
	case an && bn:
		return 0
	case an:
		return -1
	case bn:
		return 1
	}
	return cmp.Compare(a, b)
}

// compareIntFloat compares exactly, without rounding i to a float64.
func compareIntFloat(i int64, f float64) int {
	switch {
	case math.IsNaN(f):
		return 1
	case f >= math.MaxInt64: // 2^63 after conversion
		return -1
	case f < math.MinInt64:
		return 1
	}
	t := math.Trunc(f)
	if c := cmp.Compare(i, int64(t)); c != 0 {
		return c
	}
	return cmp.Compare(t, f)
}

// CompareRows compares field values positionally, then by length. Names are
// not compared.
func CompareRows(a, b Row) int {
	n := min(len(a.vals), len(b.vals))
	for i := 0; i < n; i++ {
		if c := Compare(a.vals[i], b.vals[i]); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(a.vals), len(b.vals))
}

// CompareTuples compares two key tuples lexicographically; a shorter tuple
// that is a prefix of a longer one sorts first.
func CompareTuples(a, b []Value) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(a), len(b))
}

func Equal(a, b Value) bool {
	return Compare(a, b) == 0
}
