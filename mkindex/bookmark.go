package mkindex

import (
	"fmt"
	"iter"

	"github.com/andreyvit/cowdb/pdict"
	"github.com/andreyvit/cowdb/value"
)

// Bookmark is a position within one version of an Index. It is the outer
// dictionary bookmark plus, depending on the slot, a bookmark into the nested
// index or into the duplicate set.
type Bookmark struct {
	outer *pdict.Bookmark[value.Value, slot]
	sub   *Bookmark
	dup   *pdict.Bookmark[uint64, struct{}]
}

// First returns a bookmark at the smallest key.
func (idx Index) First() *Bookmark {
	b := &Bookmark{outer: idx.dict.First()}
	b.settle()
	return b
}

// Seek returns a bookmark at the first entry whose key is not below prefix.
// The prefix may be shorter than the index arity.
func (idx Index) Seek(prefix []value.Value) *Bookmark {
	if len(prefix) > len(idx.layout) {
		panic(fmt.Errorf("mkindex: prefix %s longer than index", value.Tuple(prefix)))
	}
	if len(prefix) == 0 {
		return idx.First()
	}
	b := &Bookmark{outer: idx.dict.Seek(prefix[0])}
	if !b.outer.Valid() {
		return b
	}
	if len(prefix) > 1 && value.Compare(b.outer.Key(), prefix[0]) == 0 {
		s := b.outer.Value().(subSlot)
		b.sub = s.idx.Seek(prefix[1:])
		if !b.sub.Valid() {
			b.sub = nil
			if b.outer.Next() {
				b.settle()
			}
		}
		return b
	}
	b.settle()
	return b
}

func (b *Bookmark) settle() {
	b.sub, b.dup = nil, nil
	if !b.outer.Valid() {
		return
	}
	switch s := b.outer.Value().(type) {
	case subSlot:
		b.sub = s.idx.First()
	case dupSlot:
		b.dup = s.set.First()
	}
}

func (b *Bookmark) Valid() bool {
	return b.outer.Valid()
}

// Key returns the full key tuple at the current position.
func (b *Bookmark) Key() []value.Value {
	return b.appendKey(nil)
}

func (b *Bookmark) appendKey(buf []value.Value) []value.Value {
	buf = append(buf, b.outer.Key())
	if b.sub != nil {
		buf = b.sub.appendKey(buf)
	}
	return buf
}

// UID returns the row uid at the current position.
func (b *Bookmark) UID() uint64 {
	switch {
	case b.sub != nil:
		return b.sub.UID()
	case b.dup != nil:
		return b.dup.Key()
	default:
		return uint64(b.outer.Value().(uidSlot))
	}
}

// Next advances to the following (key, uid) entry.
func (b *Bookmark) Next() bool {
	if !b.Valid() {
		return false
	}
	if b.sub != nil && b.sub.Next() {
		return true
	}
	if b.dup != nil && b.dup.Next() {
		return true
	}
	if b.outer.Next() {
		b.settle()
		return true
	}
	b.sub, b.dup = nil, nil
	return false
}

// HasMoreAt reports whether the entry after the current one exists and shares
// the first depth key components with it. HasMoreAt(0) reports whether there
// is any next entry; HasMoreAt(arity) is the duplicate tie test.
func (b *Bookmark) HasMoreAt(depth int) bool {
	if !b.Valid() {
		return false
	}
	if depth > 0 {
		switch {
		case b.sub != nil:
			return b.sub.HasMoreAt(depth - 1)
		case b.dup != nil:
			return b.dup.Clone().Next()
		default:
			return false
		}
	}
	if b.sub != nil && b.sub.HasMoreAt(0) {
		return true
	}
	if b.dup != nil && b.dup.Clone().Next() {
		return true
	}
	return b.outer.Clone().Next()
}

// HasPrefix reports whether the current key starts with prefix.
func (b *Bookmark) HasPrefix(prefix []value.Value) bool {
	if !b.Valid() {
		return false
	}
	if len(prefix) == 0 {
		return true
	}
	if value.Compare(b.outer.Key(), prefix[0]) != 0 {
		return false
	}
	if len(prefix) == 1 {
		return true
	}
	if b.sub == nil {
		return false
	}
	return b.sub.HasPrefix(prefix[1:])
}

func (b *Bookmark) Clone() *Bookmark {
	c := &Bookmark{outer: b.outer.Clone()}
	if b.sub != nil {
		c.sub = b.sub.Clone()
	}
	if b.dup != nil {
		c.dup = b.dup.Clone()
	}
	return c
}

// All iterates over every (key, uid) entry in index order.
func (idx Index) All() iter.Seq2[[]value.Value, uint64] {
	return func(yield func([]value.Value, uint64) bool) {
		for b := idx.First(); b.Valid(); b.Next() {
			if !yield(b.Key(), b.UID()) {
				return
			}
		}
	}
}
