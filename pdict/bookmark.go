package pdict

// Bookmark is a position within one version of a Dict: a stack of
// (bucket, slot) frames from the root down to a leaf. Moving a bookmark never
// copies the tree, and because buckets are immutable a bookmark keeps walking
// the version it was created from even after the Dict has been modified.
//
// A Bookmark is not safe for concurrent use; Clone it to hand it off.
type Bookmark[K, V any] struct {
	path []frame[K, V]
}

type frame[K, V any] struct {
	n *node[K, V]
	i int
}

func (b *Bookmark[K, V]) Valid() bool {
	return len(b.path) > 0
}

func (b *Bookmark[K, V]) leaf() *frame[K, V] {
	return &b.path[len(b.path)-1]
}

func (b *Bookmark[K, V]) Key() K {
	f := b.leaf()
	return f.n.keys[f.i]
}

func (b *Bookmark[K, V]) Value() V {
	f := b.leaf()
	return f.n.vals[f.i]
}

func (b *Bookmark[K, V]) Clone() *Bookmark[K, V] {
	c := &Bookmark[K, V]{}
	if b.path != nil {
		c.path = make([]frame[K, V], len(b.path), cap(b.path))
		copy(c.path, b.path)
	}
	return c
}

// Position returns the zero-based ordinal of the current key: the sum of the
// sizes of every subtree to the left of the path.
func (b *Bookmark[K, V]) Position() int {
	var pos int
	for _, f := range b.path {
		if f.n.isLeaf() {
			pos += f.i
		} else {
			pos += sumCounts(f.n.kids[:f.i])
		}
	}
	return pos
}

func (b *Bookmark[K, V]) invalidate() bool {
	b.path = b.path[:0]
	return false
}

// Next advances to the following key and reports whether one exists. Past the
// end the bookmark becomes invalid.
func (b *Bookmark[K, V]) Next() bool {
	if !b.Valid() {
		return false
	}
	f := b.leaf()
	f.i++
	if f.i < len(f.n.keys) {
		return true
	}
	return b.ascendForward()
}

func (b *Bookmark[K, V]) ascendForward() bool {
	for len(b.path) > 1 {
		b.path = b.path[:len(b.path)-1]
		f := b.leaf()
		if f.i+1 < len(f.n.kids) {
			f.i++
			b.descendFirst(f.n.kids[f.i])
			return true
		}
	}
	return b.invalidate()
}

// Prev moves to the preceding key and reports whether one exists.
func (b *Bookmark[K, V]) Prev() bool {
	if !b.Valid() {
		return false
	}
	f := b.leaf()
	if f.i > 0 {
		f.i--
		return true
	}
	for len(b.path) > 1 {
		b.path = b.path[:len(b.path)-1]
		f := b.leaf()
		if f.i > 0 {
			f.i--
			b.descendLast(f.n.kids[f.i])
			return true
		}
	}
	return b.invalidate()
}

func (b *Bookmark[K, V]) descendFirst(n *node[K, V]) {
	for {
		b.path = append(b.path, frame[K, V]{n, 0})
		if n.isLeaf() {
			return
		}
		n = n.kids[0]
	}
}

func (b *Bookmark[K, V]) descendLast(n *node[K, V]) {
	for {
		if n.isLeaf() {
			b.path = append(b.path, frame[K, V]{n, len(n.keys) - 1})
			return
		}
		i := len(n.kids) - 1
		b.path = append(b.path, frame[K, V]{n, i})
		n = n.kids[i]
	}
}

func (d Dict[K, V]) newBookmark() *Bookmark[K, V] {
	return &Bookmark[K, V]{path: make([]frame[K, V], 0, d.Depth())}
}

// First returns a bookmark at the smallest key; it is invalid if d is empty.
func (d Dict[K, V]) First() *Bookmark[K, V] {
	b := d.newBookmark()
	if d.root != nil {
		b.descendFirst(d.root)
	}
	return b
}

// Last returns a bookmark at the largest key; it is invalid if d is empty.
func (d Dict[K, V]) Last() *Bookmark[K, V] {
	b := d.newBookmark()
	if d.root != nil {
		b.descendLast(d.root)
	}
	return b
}

// Seek returns a bookmark at the first key greater than or equal to k.
func (d Dict[K, V]) Seek(k K) *Bookmark[K, V] {
	b := d.newBookmark()
	n := d.root
	if n == nil {
		return b
	}
	for {
		i, _ := d.search(n.keys, k)
		b.path = append(b.path, frame[K, V]{n, i})
		if n.isLeaf() {
			if i == len(n.keys) {
				// bounds are upper bounds, so the child may hold only smaller keys
				b.ascendForward()
			}
			return b
		}
		n = n.kids[i]
	}
}

// At returns a bookmark at the given zero-based position.
func (d Dict[K, V]) At(pos int) *Bookmark[K, V] {
	b := d.newBookmark()
	if pos < 0 || pos >= d.Len() {
		return b
	}
	n := d.root
	for !n.isLeaf() {
		i := 0
		for pos >= n.kids[i].count {
			pos -= n.kids[i].count
			i++
		}
		b.path = append(b.path, frame[K, V]{n, i})
		n = n.kids[i]
	}
	b.path = append(b.path, frame[K, V]{n, pos})
	return b
}
