package rowset

import (
	"errors"

	"github.com/andreyvit/cowdb/value"
)

// JoinRowSet combines two row sets. Equality joins sort both inputs on their
// join keys and merge them; rows sharing a key on both sides are paired
// every-with-every. Cross joins walk the right input once per left row.
//
// Joined rows are read-only.
type JoinRowSet struct {
	typ           JoinType
	left, right   RowSet
	sleft, sright *OrderedRowSet
	lnames        []string
	rnames        []string
}

func newJoinRowSet(left, right RowSet, typ JoinType, on []JoinOn) (*JoinRowSet, error) {
	rs := &JoinRowSet{typ: typ, left: left, right: right, lnames: left.Columns(), rnames: right.Columns()}
	if typ == Cross {
		return rs, nil
	}
	if len(on) == 0 {
		return nil, errors.New("join: no equality conditions")
	}
	lkeys := make([]OrderKey, len(on))
	rkeys := make([]OrderKey, len(on))
	for i, o := range on {
		lkeys[i] = OrderKey{Expr: o.Left}
		rkeys[i] = OrderKey{Expr: o.Right}
	}
	rs.sleft = newOrderedRowSet(left, lkeys)
	rs.sright = newOrderedRowSet(right, rkeys)
	return rs, nil
}

func (rs *JoinRowSet) Type() JoinType { return rs.typ }

func (rs *JoinRowSet) Columns() []string {
	names := make([]string, 0, len(rs.lnames)+len(rs.rnames))
	names = append(names, rs.lnames...)
	return append(names, rs.rnames...)
}

func (rs *JoinRowSet) keepsLeft() bool  { return rs.typ == LeftOuter || rs.typ == FullOuter }
func (rs *JoinRowSet) keepsRight() bool { return rs.typ == RightOuter || rs.typ == FullOuter }

func (rs *JoinRowSet) First() (RowCursor, error) {
	if rs.typ == Cross {
		return rs.firstCross()
	}
	l, err := rs.sleft.sorted()
	if err != nil {
		return nil, err
	}
	r, err := rs.sright.sorted()
	if err != nil {
		return nil, err
	}
	return rs.emit(mergeState{l: l, r: r}, 0), nil
}

// mergeState is where a merge join resumes. While group is set, l and r
// share a key and group is the first right row with that key.
type mergeState struct {
	l, r  *orderedCursor
	group *orderedCursor
}

func (rs *JoinRowSet) emit(st mergeState, pos int) RowCursor {
	row, next, ok := rs.step(st)
	if !ok {
		return nil
	}
	return &mergeCursor{rs: rs, row: row, next: next, pos: pos}
}

func (rs *JoinRowSet) step(st mergeState) (value.Row, mergeState, bool) {
	for {
		if st.group != nil {
			row := st.l.Row().Concat(st.r.Row())
			next := st
			switch {
			case st.r.Tied():
				next.r = st.r.advance()
			case st.l.Tied():
				next.l, next.r = st.l.advance(), st.group
			default:
				next = mergeState{l: st.l.advance(), r: st.r.advance()}
			}
			return row, next, true
		}

		switch {
		case st.l == nil && st.r == nil:
			return value.Row{}, st, false
		case st.l == nil:
			if !rs.keepsRight() {
				return value.Row{}, st, false
			}
			return rs.rightOnly(st.r), mergeState{r: st.r.advance()}, true
		case st.r == nil:
			if !rs.keepsLeft() {
				return value.Row{}, st, false
			}
			return rs.leftOnly(st.l), mergeState{l: st.l.advance()}, true
		}

		c := compareJoinKeys(st.l.Key(), st.r.Key())
		switch {
		case c < 0:
			next := mergeState{l: st.l.advance(), r: st.r}
			if rs.keepsLeft() {
				return rs.leftOnly(st.l), next, true
			}
			st = next
		case c > 0:
			next := mergeState{l: st.l, r: st.r.advance()}
			if rs.keepsRight() {
				return rs.rightOnly(st.r), next, true
			}
			st = next
		default:
			st.group = st.r
		}
	}
}

// compareJoinKeys orders join keys, treating a key with a null component as
// smaller than the other side's so that it is passed over unmatched.
func compareJoinKeys(lk, rk []value.Value) int {
	switch {
	case hasNull(lk):
		return -1
	case hasNull(rk):
		return 1
	default:
		return value.CompareTuples(lk, rk)
	}
}

func hasNull(key []value.Value) bool {
	for _, v := range key {
		if value.IsNull(v) {
			return true
		}
	}
	return false
}

func (rs *JoinRowSet) leftOnly(l RowCursor) value.Row {
	return l.Row().Concat(value.NullRow(rs.rnames))
}

func (rs *JoinRowSet) rightOnly(r RowCursor) value.Row {
	return value.NullRow(rs.lnames).Concat(r.Row())
}

type mergeCursor struct {
	readOnly
	rs   *JoinRowSet
	row  value.Row
	next mergeState
	pos  int
}

func (c *mergeCursor) Row() value.Row { return c.row }
func (c *mergeCursor) Pos() int       { return c.pos }

func (c *mergeCursor) Next() (RowCursor, error) {
	return c.rs.emit(c.next, c.pos+1), nil
}

func (rs *JoinRowSet) firstCross() (RowCursor, error) {
	l, err := rs.left.First()
	if err != nil || l == nil {
		return nil, err
	}
	r, err := rs.right.First()
	if err != nil || r == nil {
		return nil, err
	}
	return &crossCursor{rs: rs, l: l, r: r, rfirst: r, pos: 0}, nil
}

type crossCursor struct {
	readOnly
	rs     *JoinRowSet
	l, r   RowCursor
	rfirst RowCursor
	pos    int
}

func (c *crossCursor) Row() value.Row { return c.l.Row().Concat(c.r.Row()) }
func (c *crossCursor) Pos() int       { return c.pos }

func (c *crossCursor) Next() (RowCursor, error) {
	r, err := c.r.Next()
	if err != nil {
		return nil, err
	}
	if r != nil {
		return &crossCursor{rs: c.rs, l: c.l, r: r, rfirst: c.rfirst, pos: c.pos + 1}, nil
	}
	l, err := c.l.Next()
	if err != nil || l == nil {
		return nil, err
	}
	return &crossCursor{rs: c.rs, l: l, r: c.rfirst, rfirst: c.rfirst, pos: c.pos + 1}, nil
}
