// Package pdict implements a persistent (copy-on-write) ordered dictionary.
//
// A Dict is a B-tree with a fixed fan-out. Leaf buckets hold sorted key/value
// slots. Inner buckets hold sorted (bound, child) slots where bound is an
// upper bound of every key in the child, followed by one more "greater" child
// for keys above the last bound. Put and Delete return a new Dict; only the
// buckets on the path to the key are reallocated, everything else is shared
// with the previous version. A Dict value is therefore safe to use from many
// goroutines at once, and old versions stay valid forever.
//
// Underflow handling is deliberately simple: when a delete leaves a child
// below minimum occupancy, all children of its parent are rebuilt in one
// linear pass.
package pdict

import (
	"cmp"
	"errors"
	"fmt"
	"iter"
	"slices"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrStructural = errors.New("structural error")
)

const (
	DefaultSize = 32
	minSize     = 3
)

type Options struct {
	Size int // fan-out; DefaultSize if zero
}

type Dict[K, V any] struct {
	root *node[K, V]
	cmp  func(a, b K) int
	size int
}

type node[K, V any] struct {
	keys  []K
	vals  []V          // leaf only
	kids  []*node[K, V] // inner only, len(kids) == len(keys)+1
	count int
}

func (n *node[K, V]) isLeaf() bool {
	return n.kids == nil
}

func New[K, V any](compare func(a, b K) int, opt Options) Dict[K, V] {
	if compare == nil {
		panic("pdict: nil comparator")
	}
	if opt.Size == 0 {
		opt.Size = DefaultSize
	}
	if opt.Size < minSize {
		panic(fmt.Errorf("pdict: size %d is below minimum %d", opt.Size, minSize))
	}
	return Dict[K, V]{cmp: compare, size: opt.Size}
}

// Ordered returns an empty dictionary over a naturally ordered key type.
func Ordered[K cmp.Ordered, V any]() Dict[K, V] {
	return New[K, V](cmp.Compare[K], Options{})
}

func (d Dict[K, V]) Len() int {
	if d.root == nil {
		return 0
	}
	return d.root.count
}

func (d Dict[K, V]) IsEmpty() bool {
	return d.root == nil
}

// Compare exposes the key ordering of the dictionary.
func (d Dict[K, V]) Compare(a, b K) int {
	return d.cmp(a, b)
}

func (d Dict[K, V]) search(keys []K, k K) (int, bool) {
	return slices.BinarySearchFunc(keys, k, d.cmp)
}

func (d Dict[K, V]) Get(k K) (V, bool) {
	n := d.root
	for n != nil {
		i, found := d.search(n.keys, k)
		if n.isLeaf() {
			if found {
				return n.vals[i], true
			}
			break
		}
		n = n.kids[i]
	}
	var zero V
	return zero, false
}

func (d Dict[K, V]) Lookup(k K) (V, error) {
	v, ok := d.Get(k)
	if !ok {
		return v, fmt.Errorf("%w: key %v", ErrNotFound, k)
	}
	return v, nil
}

func (d Dict[K, V]) Has(k K) bool {
	_, ok := d.Get(k)
	return ok
}

// Put returns a dictionary with k mapped to v, replacing any previous value.
func (d Dict[K, V]) Put(k K, v V) Dict[K, V] {
	d.mustInit()
	if d.root == nil {
		d.root = &node[K, V]{keys: []K{k}, vals: []V{v}, count: 1}
		return d
	}
	left, sep, right, _ := d.put(d.root, k, v)
	if right == nil {
		d.root = left
	} else {
		d.root = &node[K, V]{
			keys:  []K{sep},
			kids:  []*node[K, V]{left, right},
			count: left.count + right.count,
		}
	}
	return d
}

func (d Dict[K, V]) mustInit() {
	if d.cmp == nil {
		panic("pdict: Dict used without New")
	}
}

// put inserts into the subtree at n. If the new node overflows, it is split
// and the second half is returned as right, with sep as the bound of left.
func (d Dict[K, V]) put(n *node[K, V], k K, v V) (left *node[K, V], sep K, right *node[K, V], added bool) {
	i, found := d.search(n.keys, k)
	if n.isLeaf() {
		if found {
			c := &node[K, V]{keys: n.keys, vals: slices.Clone(n.vals), count: n.count}
			c.vals[i] = v
			return c, sep, nil, false
		}
		c := &node[K, V]{
			keys:  slices.Insert(slices.Clip(n.keys), i, k),
			vals:  slices.Insert(slices.Clip(n.vals), i, v),
			count: n.count + 1,
		}
		if len(c.keys) > d.size {
			left, sep, right = splitLeaf(c)
			return left, sep, right, true
		}
		return c, sep, nil, true
	}

	kl, ksep, kr, added := d.put(n.kids[i], k, v)
	c := &node[K, V]{keys: n.keys, count: n.count}
	if added {
		c.count++
	}
	if kr == nil {
		c.kids = slices.Clone(n.kids)
		c.kids[i] = kl
		return c, sep, nil, added
	}
	c.keys = slices.Insert(slices.Clip(n.keys), i, ksep)
	kids := make([]*node[K, V], 0, len(n.kids)+1)
	kids = append(kids, n.kids[:i]...)
	kids = append(kids, kl, kr)
	kids = append(kids, n.kids[i+1:]...)
	c.kids = kids
	if len(c.keys) > d.size {
		left, sep, right = splitInner(c)
		return left, sep, right, added
	}
	return c, sep, nil, added
}

func splitLeaf[K, V any](c *node[K, V]) (*node[K, V], K, *node[K, V]) {
	mid := (len(c.keys) + 1) / 2
	left := &node[K, V]{keys: c.keys[:mid:mid], vals: c.vals[:mid:mid], count: mid}
	right := &node[K, V]{keys: c.keys[mid:], vals: c.vals[mid:], count: len(c.keys) - mid}
	return left, c.keys[mid-1], right
}

func splitInner[K, V any](c *node[K, V]) (*node[K, V], K, *node[K, V]) {
	m := len(c.keys) / 2
	left := &node[K, V]{keys: c.keys[:m:m], kids: c.kids[: m+1 : m+1]}
	right := &node[K, V]{keys: c.keys[m+1:], kids: c.kids[m+1:]}
	left.count = sumCounts(left.kids)
	right.count = c.count - left.count
	return left, c.keys[m], right
}

func sumCounts[K, V any](kids []*node[K, V]) int {
	var n int
	for _, k := range kids {
		n += k.count
	}
	return n
}

// Delete returns a dictionary without k. The second result reports whether
// k was present; if it was not, d itself is returned.
func (d Dict[K, V]) Delete(k K) (Dict[K, V], bool) {
	if d.root == nil {
		return d, false
	}
	root, ok := d.del(d.root, k)
	if !ok {
		return d, false
	}
	for root != nil && !root.isLeaf() && len(root.kids) == 1 {
		root = root.kids[0]
	}
	if root != nil && root.count == 0 {
		root = nil
	}
	d.root = root
	return d, true
}

func (d Dict[K, V]) minFill() int {
	return max(1, d.size/4)
}

func (d Dict[K, V]) underflows(n *node[K, V]) bool {
	if n.isLeaf() {
		return len(n.keys) < d.minFill()
	}
	return len(n.kids) < d.minFill()
}

func (d Dict[K, V]) del(n *node[K, V], k K) (*node[K, V], bool) {
	i, found := d.search(n.keys, k)
	if n.isLeaf() {
		if !found {
			return n, false
		}
		return &node[K, V]{
			keys:  slices.Delete(slices.Clone(n.keys), i, i+1),
			vals:  slices.Delete(slices.Clone(n.vals), i, i+1),
			count: n.count - 1,
		}, true
	}

	kid, ok := d.del(n.kids[i], k)
	if !ok {
		return n, false
	}
	c := &node[K, V]{count: n.count - 1}
	if kid.count == 0 {
		last := len(n.keys)
		if last == 0 {
			return &node[K, V]{keys: []K{}, kids: []*node[K, V]{}}, true
		}
		if i < last {
			c.keys = slices.Delete(slices.Clone(n.keys), i, i+1)
			c.kids = slices.Delete(slices.Clone(n.kids), i, i+1)
		} else {
			// the greater child is gone; the last bounded child takes its place
			c.keys = n.keys[: last-1 : last-1]
			c.kids = n.kids[:last:last]
		}
		return c, true
	}
	c.keys = n.keys
	c.kids = slices.Clone(n.kids)
	c.kids[i] = kid
	if d.underflows(kid) && len(c.kids) > 1 {
		d.rebuild(c)
	}
	return c, true
}

// rebuild redistributes all grandchildren (or leaf entries) of c evenly
// across a fresh set of children. c must be a freshly allocated inner node.
func (d Dict[K, V]) rebuild(c *node[K, V]) {
	if c.kids[0].isLeaf() {
		var keys []K
		var vals []V
		for _, kid := range c.kids {
			keys = append(keys, kid.keys...)
			vals = append(vals, kid.vals...)
		}
		total := len(keys)
		chunks := chunkCount(total, d.size)
		c.kids = make([]*node[K, V], 0, chunks)
		c.keys = make([]K, 0, chunks-1)
		start := 0
		for ch := 0; ch < chunks; ch++ {
			end := start + chunkLen(total, chunks, ch)
			kid := &node[K, V]{keys: keys[start:end:end], vals: vals[start:end:end], count: end - start}
			c.kids = append(c.kids, kid)
			if ch < chunks-1 {
				c.keys = append(c.keys, keys[end-1])
			}
			start = end
		}
		return
	}

	// Flatten to (grandchild, bound) pairs. The bound of a child's greater
	// grandchild is the child's own bound in c; the very last one is unbounded.
	var gkids []*node[K, V]
	var bounds []K
	for j, kid := range c.kids {
		for t, g := range kid.kids {
			gkids = append(gkids, g)
			if t < len(kid.keys) {
				bounds = append(bounds, kid.keys[t])
			} else if j < len(c.keys) {
				bounds = append(bounds, c.keys[j])
			}
		}
	}
	total := len(gkids)
	chunks := chunkCount(total, d.size+1)
	c.kids = make([]*node[K, V], 0, chunks)
	c.keys = make([]K, 0, chunks-1)
	start := 0
	for ch := 0; ch < chunks; ch++ {
		end := start + chunkLen(total, chunks, ch)
		kid := &node[K, V]{
			keys: slices.Clone(bounds[start : end-1]),
			kids: slices.Clone(gkids[start:end]),
		}
		kid.count = sumCounts(kid.kids)
		c.kids = append(c.kids, kid)
		if ch < chunks-1 {
			c.keys = append(c.keys, bounds[end-1])
		}
		start = end
	}
}

func chunkCount(total, size int) int {
	return max(1, (total+size-1)/size)
}

func chunkLen(total, chunks, i int) int {
	n := total / chunks
	if i < total%chunks {
		n++
	}
	return n
}

// All iterates over the dictionary in key order.
func (d Dict[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for b := d.First(); b.Valid(); b.Next() {
			if !yield(b.Key(), b.Value()) {
				return
			}
		}
	}
}

func (d Dict[K, V]) Keys() []K {
	keys := make([]K, 0, d.Len())
	for k := range d.All() {
		keys = append(keys, k)
	}
	return keys
}

func (d Dict[K, V]) Depth() int {
	var depth int
	for n := d.root; n != nil; depth++ {
		if n.isLeaf() {
			return depth + 1
		}
		n = n.kids[0]
	}
	return depth
}
