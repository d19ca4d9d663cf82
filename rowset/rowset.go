// Package rowset evaluates queries over a cowdb snapshot as lazy, pull-based
// row sets.
//
// A query is a tree of nodes (Scan, IndexScan, Filter, Project, Distinct,
// OrderBy, GroupBy, Join) whose table and column references are uids already
// resolved against the snapshot. New turns the tree into a RowSet; First
// starts a fresh pull and returns a RowCursor positioned at the first row.
//
// Cursors are immutable: Next returns a new cursor and leaves the receiver
// valid, so a consumer can remember a position and resume from it later.
// Cursors must not be shared between goroutines while they are being
// advanced.
//
// Rows coming out of table scans name their fields "table.column". Derived
// rows (projections, groups) use the names given in the query.
package rowset

import (
	"errors"
	"fmt"
	"iter"

	"github.com/andreyvit/cowdb"
	"github.com/andreyvit/cowdb/value"
)

var (
	ErrReadOnly           = errors.New("row set is not updatable")
	ErrUnknownField       = errors.New("unknown field")
	ErrUnknownAggregate   = errors.New("unknown aggregate")
	ErrMisplacedAggregate = errors.New("misplaced aggregate")
)

// Source supplies the snapshot to query. Both *cowdb.Snapshot and *cowdb.Tx
// qualify; when the source is a transaction, unique key lookups made by a
// search are recorded as reads for conflict detection.
type Source interface {
	Snapshot() *cowdb.Snapshot
}

type RowSet interface {
	// Columns returns the field names of every row this set yields.
	Columns() []string
	// First starts a new pull. It returns nil if the set is empty.
	First() (RowCursor, error)
}

type RowCursor interface {
	Row() value.Row
	// Pos returns the zero-based position of the row within the set.
	Pos() int
	// Next returns the cursor at the following row, or nil at the end.
	Next() (RowCursor, error)
	// Update and Delete modify the table row this cursor's row came from.
	// The cursor itself keeps reflecting the snapshot it was created from.
	Update(tx *cowdb.Tx, changes value.Row) error
	Delete(tx *cowdb.Tx) error
}

// Node is a query tree node.
type Node interface {
	node()
}

type (
	Scan struct {
		Table uint64
	}

	// IndexScan walks an index, optionally only the entries whose key
	// starts with Prefix, keeping the rows that satisfy Where.
	IndexScan struct {
		Index  uint64
		Prefix []value.Value
		Where  Expr
	}

	// Filter keeps the rows that satisfy Where. Over a Scan it becomes a
	// search that may use an index of the table.
	Filter struct {
		Source Node
		Where  Expr
	}

	// Project evaluates Exprs per row and drops rows where every field is
	// null. If every expression is an aggregate call, the whole source is
	// folded into a single row instead.
	Project struct {
		Source Node
		Exprs  []Named
	}

	Distinct struct {
		Source Node
	}

	OrderBy struct {
		Source Node
		Keys   []OrderKey
	}

	// GroupBy yields one row per distinct key tuple, in key order: the keys
	// followed by the aggregates. Every Aggs expression must be an Agg.
	GroupBy struct {
		Source Node
		Keys   []Named
		Aggs   []Named
	}

	// Join combines rows of Left and Right whose On expressions are
	// pairwise equal. Null keys never match. Cross joins ignore On.
	Join struct {
		Left, Right Node
		Type        JoinType
		On          []JoinOn
	}
)

func (Scan) node()      {}
func (IndexScan) node() {}
func (Filter) node()    {}
func (Project) node()   {}
func (Distinct) node()  {}
func (OrderBy) node()   {}
func (GroupBy) node()   {}
func (Join) node()      {}

type OrderKey struct {
	Expr Expr
	Desc bool
}

type JoinOn struct {
	Left, Right Expr
}

type JoinType uint8

const (
	Inner JoinType = iota
	LeftOuter
	RightOuter
	FullOuter
	Cross
)

func (t JoinType) String() string {
	switch t {
	case Inner:
		return "INNER"
	case LeftOuter:
		return "LEFT"
	case RightOuter:
		return "RIGHT"
	case FullOuter:
		return "FULL"
	case Cross:
		return "CROSS"
	default:
		return fmt.Sprintf("join(%d)", uint8(t))
	}
}

// New builds a row set for node over src's snapshot. Aggregate calls are
// resolved in aggs; a nil aggs means DefaultAggregates.
func New(src Source, node Node, aggs AggregateSet) (RowSet, error) {
	if aggs == nil {
		aggs = DefaultAggregates
	}
	b := &builder{src: src, snap: src.Snapshot(), aggs: aggs}
	return b.build(node)
}

type builder struct {
	src  Source
	snap *cowdb.Snapshot
	aggs AggregateSet
}

func (b *builder) build(node Node) (RowSet, error) {
	switch n := node.(type) {
	case Scan:
		return newTableRowSet(b.snap, n.Table)
	case IndexScan:
		where, err := bind(b.snap, n.Where)
		if err != nil {
			return nil, err
		}
		return newIndexRowSet(b.snap, n.Index, n.Prefix, where)
	case Filter:
		where, err := bind(b.snap, n.Where)
		if err != nil {
			return nil, err
		}
		if scan, ok := n.Source.(Scan); ok {
			return newSearchRowSet(b.src, b.snap, scan.Table, where)
		}
		source, err := b.build(n.Source)
		if err != nil {
			return nil, err
		}
		return &filterRowSet{source: source, where: where}, nil
	case Project:
		source, err := b.build(n.Source)
		if err != nil {
			return nil, err
		}
		exprs, err := bindNamed(b.snap, n.Exprs)
		if err != nil {
			return nil, err
		}
		if allAggregates(exprs) {
			calls, err := resolveAggs(exprs, b.aggs)
			if err != nil {
				return nil, err
			}
			return &EvalRowSet{source: source, aggs: calls}, nil
		}
		return newSelectRowSet(source, exprs), nil
	case Distinct:
		source, err := b.build(n.Source)
		if err != nil {
			return nil, err
		}
		return &DistinctRowSet{source: source}, nil
	case OrderBy:
		source, err := b.build(n.Source)
		if err != nil {
			return nil, err
		}
		keys := make([]OrderKey, len(n.Keys))
		for i, k := range n.Keys {
			e, err := bind(b.snap, k.Expr)
			if err != nil {
				return nil, err
			}
			keys[i] = OrderKey{Expr: e, Desc: k.Desc}
		}
		return newOrderedRowSet(source, keys), nil
	case GroupBy:
		source, err := b.build(n.Source)
		if err != nil {
			return nil, err
		}
		keys, err := bindNamed(b.snap, n.Keys)
		if err != nil {
			return nil, err
		}
		named, err := bindNamed(b.snap, n.Aggs)
		if err != nil {
			return nil, err
		}
		calls, err := resolveAggs(named, b.aggs)
		if err != nil {
			return nil, err
		}
		if len(keys) == 0 {
			return &EvalRowSet{source: source, aggs: calls}, nil
		}
		return &GroupRowSet{source: source, keys: keys, aggs: calls}, nil
	case Join:
		left, err := b.build(n.Left)
		if err != nil {
			return nil, err
		}
		right, err := b.build(n.Right)
		if err != nil {
			return nil, err
		}
		on := make([]JoinOn, len(n.On))
		for i, o := range n.On {
			l, err := bind(b.snap, o.Left)
			if err != nil {
				return nil, err
			}
			r, err := bind(b.snap, o.Right)
			if err != nil {
				return nil, err
			}
			on[i] = JoinOn{Left: l, Right: r}
		}
		return newJoinRowSet(left, right, n.Type, on)
	default:
		panic(fmt.Errorf("rowset: unknown node %T", node))
	}
}

func allAggregates(exprs []Named) bool {
	if len(exprs) == 0 {
		return false
	}
	for _, n := range exprs {
		if _, ok := n.Expr.(Agg); !ok {
			return false
		}
	}
	return true
}

// All iterates over the rows of rs from a fresh pull. A failure is yielded
// once as the error of the last pair.
func All(rs RowSet) iter.Seq2[value.Row, error] {
	return func(yield func(value.Row, error) bool) {
		c, err := rs.First()
		for c != nil && err == nil {
			if !yield(c.Row(), nil) {
				return
			}
			c, err = c.Next()
		}
		if err != nil {
			yield(value.Row{}, err)
		}
	}
}

// Collect returns every row of rs.
func Collect(rs RowSet) ([]value.Row, error) {
	var rows []value.Row
	for row, err := range All(rs) {
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// readOnly is embedded by cursors over derived rows.
type readOnly struct{}

func (readOnly) Update(*cowdb.Tx, value.Row) error { return ErrReadOnly }
func (readOnly) Delete(*cowdb.Tx) error            { return ErrReadOnly }

// delegate forwards mutation to the cursor a derived row came from.
type delegate struct {
	origin RowCursor
}

func (d delegate) Update(tx *cowdb.Tx, changes value.Row) error { return d.origin.Update(tx, changes) }
func (d delegate) Delete(tx *cowdb.Tx) error                    { return d.origin.Delete(tx) }
