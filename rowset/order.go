package rowset

import (
	"github.com/andreyvit/cowdb/mkindex"
	"github.com/andreyvit/cowdb/pdict"
	"github.com/andreyvit/cowdb/value"
)

// OrderedRowSet yields the source rows sorted by key expressions. Rows with
// equal keys keep their source order. Nulls sort first in ascending order.
//
// First materializes the source into a fresh index keyed on the evaluated
// keys, with a side table from sequence number to source cursor; the cursors
// then walk the index.
type OrderedRowSet struct {
	source RowSet
	keys   []Expr
	layout []mkindex.Component
}

func newOrderedRowSet(source RowSet, keys []OrderKey) *OrderedRowSet {
	rs := &OrderedRowSet{source: source}
	for _, k := range keys {
		rs.keys = append(rs.keys, k.Expr)
		rs.layout = append(rs.layout, mkindex.Component{Desc: k.Desc, OnDuplicate: mkindex.Allow, OnNullKey: mkindex.Allow})
	}
	return rs
}

func (rs *OrderedRowSet) Columns() []string { return rs.source.Columns() }

func (rs *OrderedRowSet) First() (RowCursor, error) {
	if len(rs.keys) == 0 {
		return rs.source.First()
	}
	c, err := rs.sorted()
	return cursorOrNil(c), err
}

func (rs *OrderedRowSet) sorted() (*orderedCursor, error) {
	idx := mkindex.New(rs.layout, pdict.Options{})
	side := pdict.Ordered[uint64, RowCursor]()
	var seq uint64
	c, err := rs.source.First()
	for c != nil && err == nil {
		var key []value.Value
		key, err = evalAll(rs.keys, c.Row())
		if err != nil {
			break
		}
		seq++
		idx, err = idx.Add(key, seq)
		if err != nil {
			break
		}
		side = side.Put(seq, c)
		c, err = c.Next()
	}
	if err != nil {
		return nil, err
	}
	return rs.orderedAt(idx.First(), side, 0), nil
}

func (rs *OrderedRowSet) orderedAt(b *mkindex.Bookmark, side pdict.Dict[uint64, RowCursor], pos int) *orderedCursor {
	if !b.Valid() {
		return nil
	}
	origin, _ := side.Get(b.UID())
	return &orderedCursor{delegate{origin}, rs, b, side, pos}
}

func cursorOrNil(c *orderedCursor) RowCursor {
	if c == nil {
		return nil
	}
	return c
}

type orderedCursor struct {
	delegate
	rs   *OrderedRowSet
	b    *mkindex.Bookmark
	side pdict.Dict[uint64, RowCursor]
	pos  int
}

func (c *orderedCursor) Row() value.Row { return c.origin.Row() }
func (c *orderedCursor) Pos() int       { return c.pos }

// Key returns the evaluated sort key of the current row.
func (c *orderedCursor) Key() []value.Value { return c.b.Key() }

// Tied reports whether the next row has the same sort key.
func (c *orderedCursor) Tied() bool { return c.b.HasMoreAt(len(c.rs.keys)) }

func (c *orderedCursor) Next() (RowCursor, error) {
	return cursorOrNil(c.advance()), nil
}

func (c *orderedCursor) advance() *orderedCursor {
	if !c.b.HasMoreAt(0) {
		return nil
	}
	b := c.b.Clone()
	b.Next()
	return c.rs.orderedAt(b, c.side, c.pos+1)
}
