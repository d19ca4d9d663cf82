package rowset

import (
	"github.com/andreyvit/cowdb/pdict"
	"github.com/andreyvit/cowdb/value"
)

// DistinctRowSet yields the first occurrence of every distinct source row.
// Rows are compared by value, ignoring field names.
//
// Each cursor carries its own version of a persistent seen-set, bucketed by
// row hash, so older cursors resume correctly.
type DistinctRowSet struct {
	source RowSet
}

type seenSet = pdict.Dict[uint64, []value.Row]

func (rs *DistinctRowSet) Columns() []string { return rs.source.Columns() }

func (rs *DistinctRowSet) First() (RowCursor, error) {
	c, err := rs.source.First()
	if err != nil {
		return nil, err
	}
	return rs.settle(c, pdict.Ordered[uint64, []value.Row](), 0)
}

func (rs *DistinctRowSet) settle(c RowCursor, seen seenSet, pos int) (RowCursor, error) {
	for c != nil {
		row := c.Row()
		h := value.Hash(row)
		bucket, _ := seen.Get(h)
		if !containsRow(bucket, row) {
			seen = seen.Put(h, append(bucket[:len(bucket):len(bucket)], row))
			return &distinctCursor{delegate{c}, rs, seen, pos}, nil
		}
		var err error
		c, err = c.Next()
		if err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func containsRow(bucket []value.Row, row value.Row) bool {
	for _, r := range bucket {
		if value.CompareRows(r, row) == 0 {
			return true
		}
	}
	return false
}

type distinctCursor struct {
	delegate
	rs   *DistinctRowSet
	seen seenSet
	pos  int
}

func (c *distinctCursor) Row() value.Row { return c.origin.Row() }
func (c *distinctCursor) Pos() int       { return c.pos }

func (c *distinctCursor) Next() (RowCursor, error) {
	next, err := c.origin.Next()
	if err != nil {
		return nil, err
	}
	return c.rs.settle(next, c.seen, c.pos+1)
}
