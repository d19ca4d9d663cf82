package rowset

import (
	"fmt"
	"strings"

	"github.com/andreyvit/cowdb"
	"github.com/andreyvit/cowdb/value"
)

// Expr is a scalar expression evaluated against one row. Comparisons and
// logical operators follow three-valued logic: a null operand yields null
// unless the other operand decides the result.
type Expr interface {
	Eval(row value.Row) (value.Value, error)
	String() string
}

// Col refers to a table column by uid, or to a field of a derived row (a
// projection or group output) by name. New binds uids to the qualified
// "table.column" names that table row sets emit.
type Col struct {
	UID  uint64
	Name string
}

func (c Col) Eval(row value.Row) (value.Value, error) {
	v, found := row.Get(c.Name)
	if !found {
		return nil, fmt.Errorf("%w: no field %q in %v", ErrUnknownField, c.Name, row.Names())
	}
	return v, nil
}

func (c Col) String() string {
	if c.Name == "" {
		return fmt.Sprintf("#%d", c.UID)
	}
	return c.Name
}

type Const struct {
	Value value.Value
}

func (c Const) Eval(value.Row) (value.Value, error) { return c.Value, nil }
func (c Const) String() string                      { return value.Quote(c.Value) }

type CmpOp uint8

const (
	Eq CmpOp = iota
	Ne
	Lt
	Le
	Gt
	Ge
)

var cmpOpNames = [...]string{Eq: "=", Ne: "<>", Lt: "<", Le: "<=", Gt: ">", Ge: ">="}

func (op CmpOp) String() string {
	if int(op) < len(cmpOpNames) {
		return cmpOpNames[op]
	}
	return fmt.Sprintf("cmp(%d)", uint8(op))
}

func (op CmpOp) holds(c int) bool {
	switch op {
	case Eq:
		return c == 0
	case Ne:
		return c != 0
	case Lt:
		return c < 0
	case Le:
		return c <= 0
	case Gt:
		return c > 0
	case Ge:
		return c >= 0
	default:
		panic(fmt.Errorf("invalid %v", op))
	}
}

type Cmp struct {
	Op          CmpOp
	Left, Right Expr
}

func (e Cmp) Eval(row value.Row) (value.Value, error) {
	a, err := e.Left.Eval(row)
	if err != nil {
		return nil, err
	}
	b, err := e.Right.Eval(row)
	if err != nil {
		return nil, err
	}
	if value.IsNull(a) || value.IsNull(b) {
		return value.Null{}, nil
	}
	return value.Bool(e.Op.holds(value.Compare(a, b))), nil
}

func (e Cmp) String() string {
	return fmt.Sprintf("%v %v %v", e.Left, e.Op, e.Right)
}

// And is true when every term is true, false when any is false, null
// otherwise. An empty And is true.
type And []Expr

func (e And) Eval(row value.Row) (value.Value, error) {
	var result value.Value = value.Bool(true)
	for _, term := range e {
		v, err := term.Eval(row)
		if err != nil {
			return nil, err
		}
		switch {
		case value.IsNull(v):
			result = value.Null{}
		case !value.Truthy(v):
			return value.Bool(false), nil
		}
	}
	return result, nil
}

func (e And) String() string { return joinExprs(e, " AND ") }

// Or is true when any term is true, false when every term is false, null
// otherwise. An empty Or is false.
type Or []Expr

func (e Or) Eval(row value.Row) (value.Value, error) {
	var result value.Value = value.Bool(false)
	for _, term := range e {
		v, err := term.Eval(row)
		if err != nil {
			return nil, err
		}
		switch {
		case value.IsNull(v):
			result = value.Null{}
		case value.Truthy(v):
			return value.Bool(true), nil
		}
	}
	return result, nil
}

func (e Or) String() string { return joinExprs(e, " OR ") }

type Not struct {
	Expr Expr
}

func (e Not) Eval(row value.Row) (value.Value, error) {
	v, err := e.Expr.Eval(row)
	if err != nil || value.IsNull(v) {
		return v, err
	}
	return value.Bool(!value.Truthy(v)), nil
}

func (e Not) String() string { return fmt.Sprintf("NOT (%v)", e.Expr) }

type IsNull struct {
	Expr Expr
}

func (e IsNull) Eval(row value.Row) (value.Value, error) {
	v, err := e.Expr.Eval(row)
	if err != nil {
		return nil, err
	}
	return value.Bool(value.IsNull(v)), nil
}

func (e IsNull) String() string { return fmt.Sprintf("%v IS NULL", e.Expr) }

// Agg is an aggregate call. It may only appear as a GroupBy aggregate or in a
// Project made entirely of aggregates. A nil Arg counts rows.
type Agg struct {
	Func string
	Arg  Expr
}

func (e Agg) Eval(value.Row) (value.Value, error) {
	return nil, fmt.Errorf("%w: %v", ErrMisplacedAggregate, e)
}

func (e Agg) String() string {
	if e.Arg == nil {
		return e.Func + "(*)"
	}
	return fmt.Sprintf("%s(%v)", e.Func, e.Arg)
}

// Named is an expression with an output field name. An empty Name defaults
// to the expression's text.
type Named struct {
	Name string
	Expr Expr
}

func (n Named) name() string {
	if n.Name != "" {
		return n.Name
	}
	return n.Expr.String()
}

func joinExprs(exprs []Expr, sep string) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = "(" + e.String() + ")"
	}
	return strings.Join(parts, sep)
}

// matches evaluates a predicate; only a true result selects the row.
func matches(where Expr, row value.Row) (bool, error) {
	if where == nil {
		return true, nil
	}
	v, err := where.Eval(row)
	if err != nil {
		return false, err
	}
	return value.Truthy(v), nil
}

func evalAll(exprs []Expr, row value.Row) ([]value.Value, error) {
	result := make([]value.Value, len(exprs))
	for i, e := range exprs {
		v, err := e.Eval(row)
		if err != nil {
			return nil, err
		}
		result[i] = v
	}
	return result, nil
}

// bind resolves column uids to the names rows carry in s.
func bind(s *cowdb.Snapshot, e Expr) (Expr, error) {
	switch e := e.(type) {
	case nil:
		return nil, nil
	case Col:
		if e.UID == 0 {
			return e, nil
		}
		if _, err := s.Column(e.UID); err != nil {
			return nil, err
		}
		return Col{UID: e.UID, Name: s.Name(e.UID)}, nil
	case Const:
		return e, nil
	case Cmp:
		l, err := bind(s, e.Left)
		if err != nil {
			return nil, err
		}
		r, err := bind(s, e.Right)
		if err != nil {
			return nil, err
		}
		return Cmp{e.Op, l, r}, nil
	case And:
		terms, err := bindAll(s, e)
		return And(terms), err
	case Or:
		terms, err := bindAll(s, e)
		return Or(terms), err
	case Not:
		inner, err := bind(s, e.Expr)
		return Not{inner}, err
	case IsNull:
		inner, err := bind(s, e.Expr)
		return IsNull{inner}, err
	case Agg:
		arg, err := bind(s, e.Arg)
		return Agg{e.Func, arg}, err
	default:
		return e, nil
	}
}

func bindAll(s *cowdb.Snapshot, exprs []Expr) ([]Expr, error) {
	result := make([]Expr, len(exprs))
	for i, e := range exprs {
		b, err := bind(s, e)
		if err != nil {
			return nil, err
		}
		result[i] = b
	}
	return result, nil
}

func bindNamed(s *cowdb.Snapshot, named []Named) ([]Named, error) {
	result := make([]Named, len(named))
	for i, n := range named {
		e, err := bind(s, n.Expr)
		if err != nil {
			return nil, err
		}
		b := Named{Name: n.Name, Expr: e}
		b.Name = b.name()
		result[i] = b
	}
	return result, nil
}
