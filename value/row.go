package value

import (
	"fmt"
	"strings"
)

// Row is an ordered list of named values. Rows are immutable; the With and
// Concat methods return new rows.
type Row struct {
	names []string
	vals  []Value
}

func (Row) Kind() Kind { return KindRow }
func (Row) isValue()   {}

func NewRow(names []string, vals []Value) Row {
	if len(names) != len(vals) {
		panic(fmt.Errorf("value.NewRow: %d names, %d values", len(names), len(vals)))
	}
	return Row{names: names, vals: vals}
}

// RowOf builds a row from alternating name/value arguments.
func RowOf(pairs ...any) Row {
	if len(pairs)%2 != 0 {
		panic("value.RowOf: odd number of arguments")
	}
	n := len(pairs) / 2
	names := make([]string, n)
	vals := make([]Value, n)
	for i := 0; i < n; i++ {
		names[i] = pairs[2*i].(string)
		vals[i] = Of(pairs[2*i+1])
	}
	return Row{names, vals}
}

func (r Row) Len() int           { return len(r.vals) }
func (r Row) Name(i int) string  { return r.names[i] }
func (r Row) At(i int) Value     { return r.vals[i] }
func (r Row) IsZero() bool       { return r.names == nil && r.vals == nil }
func (r Row) Names() []string    { return r.names }
func (r Row) Values() []Value    { return r.vals }
func (r Row) IndexOf(name string) int {
	for i, n := range r.names {
		if n == name {
			return i
		}
	}
	return -1
}

func (r Row) Get(name string) (Value, bool) {
	i := r.IndexOf(name)
	if i < 0 {
		return Null{}, false
	}
	return r.vals[i], true
}

// With returns a copy of r with the named field set, appending it if absent.
func (r Row) With(name string, v Value) Row {
	i := r.IndexOf(name)
	names := r.names
	vals := make([]Value, len(r.vals), len(r.vals)+1)
	copy(vals, r.vals)
	if i < 0 {
		names = append(names[:len(names):len(names)], name)
		vals = append(vals, v)
	} else {
		vals[i] = v
	}
	return Row{names, vals}
}

// Concat returns the fields of r followed by the fields of o.
func (r Row) Concat(o Row) Row {
	names := make([]string, 0, len(r.names)+len(o.names))
	names = append(names, r.names...)
	names = append(names, o.names...)
	vals := make([]Value, 0, len(r.vals)+len(o.vals))
	vals = append(vals, r.vals...)
	vals = append(vals, o.vals...)
	return Row{names, vals}
}

// AllNull reports whether every field of r is null. An empty row is all-null.
func (r Row) AllNull() bool {
	for _, v := range r.vals {
		if !IsNull(v) {
			return false
		}
	}
	return true
}

func (r Row) String() string {
	var buf strings.Builder
	buf.WriteByte('{')
	for i, v := range r.vals {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(r.names[i])
		buf.WriteString(": ")
		buf.WriteString(Quote(v))
	}
	buf.WriteByte('}')
	return buf.String()
}

// NullRow returns a row with the given names and all values null.
func NullRow(names []string) Row {
	vals := make([]Value, len(names))
	for i := range vals {
		vals[i] = Null{}
	}
	return Row{names, vals}
}
