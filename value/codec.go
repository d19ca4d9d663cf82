package value

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
)

// ErrMalformed is returned when decoding bytes that do not hold a valid encoding.
var ErrMalformed = errors.New("malformed value encoding")

// Encoding: a one-byte Kind tag followed by the payload. Integers are
// fixed-width big-endian; strings are a 4-byte length followed by UTF-8 bytes;
// a row is a 4-byte field count followed by (name, value) pairs.

func AppendUint8(buf []byte, v uint8) []byte   { return append(buf, v) }
func AppendUint32(buf []byte, v uint32) []byte { return binary.BigEndian.AppendUint32(buf, v) }
func AppendUint64(buf []byte, v uint64) []byte { return binary.BigEndian.AppendUint64(buf, v) }

func AppendString(buf []byte, s string) []byte {
	buf = AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func AppendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

// Append appends the tagged encoding of v to buf.
func Append(buf []byte, v Value) []byte {
	if v == nil {
		v = Null{}
	}
	buf = append(buf, byte(v.Kind()))
	switch v := v.(type) {
	case Null:
		return buf
	case Bool:
		return AppendBool(buf, bool(v))
	case Int:
		return AppendUint64(buf, uint64(v))
	case Numeric:
		return AppendUint64(buf, math.Float64bits(float64(v)))
	case String:
		return AppendString(buf, string(v))
	case Date:
		return AppendUint32(buf, uint32(v))
	case Timespan:
		return AppendUint64(buf, uint64(v))
	case Row:
		buf = AppendUint32(buf, uint32(len(v.vals)))
		for i, fv := range v.vals {
			buf = AppendString(buf, v.names[i])
			buf = Append(buf, fv)
		}
		return buf
	default:
		panic(fmt.Errorf("value: cannot encode %T", v))
	}
}

func AppendAll(buf []byte, vals []Value) []byte {
	buf = AppendUint32(buf, uint32(len(vals)))
	for _, v := range vals {
		buf = Append(buf, v)
	}
	return buf
}

// Decode decodes one value from the start of data and returns it along with
// the number of bytes consumed.
func Decode(data []byte) (Value, int, error) {
	r := Reader{Data: data}
	v := r.Value()
	if r.Err != nil {
		return nil, 0, r.Err
	}
	return v, r.Off, nil
}

// Reader decodes primitives sequentially. The first error sticks: later calls
// return zero values and Err keeps the original failure.
type Reader struct {
	Data []byte
	Off  int
	Err  error
}

func (r *Reader) fail(format string, args ...any) {
	if r.Err == nil {
		r.Err = fmt.Errorf("%w at offset %d: %s", ErrMalformed, r.Off, fmt.Sprintf(format, args...))
	}
}

func (r *Reader) take(n int) []byte {
	if r.Err != nil {
		return nil
	}
	if n < 0 || r.Off+n > len(r.Data) {
		r.fail("need %d bytes, have %d", n, len(r.Data)-r.Off)
		return nil
	}
	b := r.Data[r.Off : r.Off+n]
	r.Off += n
	return b
}

func (r *Reader) Remaining() int {
	return len(r.Data) - r.Off
}

func (r *Reader) Uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *Reader) Uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *Reader) Bool() bool {
	switch r.Uint8() {
	case 0:
		return false
	case 1:
		return true
	default:
		r.fail("invalid bool")
		return false
	}
}

func (r *Reader) String() string {
	n := r.Uint32()
	b := r.take(int(n))
	if b == nil {
		return ""
	}
	if !utf8.Valid(b) {
		r.fail("invalid UTF-8 string")
		return ""
	}
	return string(b)
}

func (r *Reader) Value() Value {
	k := Kind(r.Uint8())
	if r.Err != nil {
		return nil
	}
	switch k {
	case KindNull:
		return Null{}
	case KindBool:
		return Bool(r.Bool())
	case KindInt:
		return Int(r.Uint64())
	case KindNumeric:
		return Numeric(math.Float64frombits(r.Uint64()))
	case KindString:
		return String(r.String())
	case KindDate:
		return Date(int32(r.Uint32()))
	case KindTimespan:
		return Timespan(r.Uint64())
	case KindRow:
		n := r.Uint32()
		if int(n) > r.Remaining() {
			r.fail("row field count %d exceeds data", n)
			return nil
		}
		names := make([]string, n)
		vals := make([]Value, n)
		for i := range vals {
			names[i] = r.String()
			vals[i] = r.Value()
		}
		if r.Err != nil {
			return nil
		}
		return Row{names, vals}
	default:
		r.Off--
		r.fail("invalid kind tag 0x%02x", uint8(k))
		return nil
	}
}

func (r *Reader) Values() []Value {
	n := r.Uint32()
	if int(n) > r.Remaining() {
		r.fail("value count %d exceeds data", n)
		return nil
	}
	vals := make([]Value, n)
	for i := range vals {
		vals[i] = r.Value()
	}
	if r.Err != nil {
		return nil
	}
	return vals
}

// Hash returns a hash consistent with Equal: values that compare equal hash
// equally (integral Numeric values hash as Int).
func Hash(v Value) uint64 {
	var buf [64]byte
	return xxhash.Sum64(appendHashable(buf[:0], v))
}

func appendHashable(buf []byte, v Value) []byte {
	switch v := v.(type) {
	case Numeric:
		f := float64(v)
		if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
			return Append(buf, Int(int64(f)))
		}
		return Append(buf, v)
	case Row:
		buf = append(buf, byte(KindRow))
		buf = AppendUint32(buf, uint32(len(v.vals)))
		for _, fv := range v.vals {
			buf = appendHashable(buf, fv)
		}
		return buf
	default:
		return Append(buf, v)
	}
}
