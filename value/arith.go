package value

import (
	"errors"
	"fmt"
)

var ErrType = errors.New("incompatible value types")

// Add sums two values of compatible kinds. Null propagates.
func Add(a, b Value) (Value, error) {
	if IsNull(a) || IsNull(b) {
		return Null{}, nil
	}
	switch a := a.(type) {
	case Int:
		switch b := b.(type) {
		case Int:
			return a + b, nil
		case Numeric:
			return Numeric(a) + b, nil
		}
	case Numeric:
		switch b := b.(type) {
		case Int:
			return a + Numeric(b), nil
		case Numeric:
			return a + b, nil
		}
	case Timespan:
		if b, ok := b.(Timespan); ok {
			return a + b, nil
		}
	case Date:
		if b, ok := b.(Int); ok {
			return a + Date(b), nil
		}
	}
	return nil, fmt.Errorf("%w: %v + %v", ErrType, a.Kind(), b.Kind())
}

// Div divides a numeric or timespan value by a count, for averages.
func Div(a Value, n int) (Value, error) {
	if IsNull(a) || n == 0 {
		return Null{}, nil
	}
	switch a := a.(type) {
	case Int:
		return Numeric(float64(a) / float64(n)), nil
	case Numeric:
		return a / Numeric(n), nil
	case Timespan:
		return a / Timespan(n), nil
	}
	return nil, fmt.Errorf("%w: cannot average %v", ErrType, a.Kind())
}
