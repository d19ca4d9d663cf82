package rowset

import (
	"github.com/andreyvit/cowdb/value"
)

// filterRowSet keeps the source rows that satisfy a predicate.
type filterRowSet struct {
	source RowSet
	where  Expr
}

func (rs *filterRowSet) Columns() []string { return rs.source.Columns() }

func (rs *filterRowSet) First() (RowCursor, error) {
	c, err := rs.source.First()
	if err != nil {
		return nil, err
	}
	return rs.settle(c, 0)
}

func (rs *filterRowSet) settle(c RowCursor, pos int) (RowCursor, error) {
	for c != nil {
		ok, err := matches(rs.where, c.Row())
		if err != nil {
			return nil, err
		}
		if ok {
			return &filterCursor{delegate{c}, rs, pos}, nil
		}
		c, err = c.Next()
		if err != nil {
			return nil, err
		}
	}
	return nil, nil
}

type filterCursor struct {
	delegate
	rs  *filterRowSet
	pos int
}

func (c *filterCursor) Row() value.Row { return c.origin.Row() }
func (c *filterCursor) Pos() int       { return c.pos }

func (c *filterCursor) Next() (RowCursor, error) {
	next, err := c.origin.Next()
	if err != nil {
		return nil, err
	}
	return c.rs.settle(next, c.pos+1)
}

// SelectRowSet evaluates a list of named expressions per source row. Rows
// whose every output field is null are dropped.
type SelectRowSet struct {
	source RowSet
	exprs  []Expr
	names  []string
}

func newSelectRowSet(source RowSet, named []Named) *SelectRowSet {
	rs := &SelectRowSet{source: source}
	for _, n := range named {
		rs.exprs = append(rs.exprs, n.Expr)
		rs.names = append(rs.names, n.Name)
	}
	return rs
}

func (rs *SelectRowSet) Columns() []string { return rs.names }

func (rs *SelectRowSet) First() (RowCursor, error) {
	c, err := rs.source.First()
	if err != nil {
		return nil, err
	}
	return rs.settle(c, 0)
}

func (rs *SelectRowSet) settle(c RowCursor, pos int) (RowCursor, error) {
	for c != nil {
		vals, err := evalAll(rs.exprs, c.Row())
		if err != nil {
			return nil, err
		}
		row := value.NewRow(rs.names, vals)
		if !row.AllNull() {
			return &selectCursor{delegate{c}, rs, pos, row}, nil
		}
		c, err = c.Next()
		if err != nil {
			return nil, err
		}
	}
	return nil, nil
}

type selectCursor struct {
	delegate
	rs  *SelectRowSet
	pos int
	row value.Row
}

func (c *selectCursor) Row() value.Row { return c.row }
func (c *selectCursor) Pos() int       { return c.pos }

func (c *selectCursor) Next() (RowCursor, error) {
	next, err := c.origin.Next()
	if err != nil {
		return nil, err
	}
	return c.rs.settle(next, c.pos+1)
}

// EvalRowSet folds the whole source into one set of aggregates and yields
// exactly one row, even when the source is empty.
type EvalRowSet struct {
	source RowSet
	aggs   []boundAgg
}

func (rs *EvalRowSet) Columns() []string { return aggNames(rs.aggs) }

func (rs *EvalRowSet) First() (RowCursor, error) {
	states := startAll(rs.aggs)
	for row, err := range All(rs.source) {
		if err != nil {
			return nil, err
		}
		if err := updateAll(rs.aggs, states, row); err != nil {
			return nil, err
		}
	}
	vals, err := finalAll(rs.aggs, states)
	if err != nil {
		return nil, err
	}
	return &rowCursor{row: value.NewRow(aggNames(rs.aggs), vals)}, nil
}

// rowCursor is a cursor at a single derived row.
type rowCursor struct {
	readOnly
	row value.Row
}

func (c *rowCursor) Row() value.Row           { return c.row }
func (c *rowCursor) Pos() int                 { return 0 }
func (c *rowCursor) Next() (RowCursor, error) { return nil, nil }
