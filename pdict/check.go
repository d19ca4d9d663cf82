package pdict

import "fmt"

// Check verifies the tree invariants: sorted keys, bounds that hold for every
// key of a child, accurate subtree counts, bucket sizes within the fan-out,
// no empty buckets below the root, and all leaves at the same depth.
func (d Dict[K, V]) Check() error {
	if d.root == nil {
		return nil
	}
	if d.root.count == 0 {
		return fmt.Errorf("%w: empty root", ErrStructural)
	}
	leafDepth := -1
	return d.check(d.root, nil, nil, 0, &leafDepth)
}

func (d Dict[K, V]) check(n *node[K, V], lower, upper *K, depth int, leafDepth *int) error {
	if len(n.keys) > d.size {
		return fmt.Errorf("%w: bucket with %d keys exceeds fan-out %d", ErrStructural, len(n.keys), d.size)
	}
	for i := 1; i < len(n.keys); i++ {
		if d.cmp(n.keys[i-1], n.keys[i]) >= 0 {
			return fmt.Errorf("%w: keys out of order at depth %d: %v >= %v", ErrStructural, depth, n.keys[i-1], n.keys[i])
		}
	}
	if len(n.keys) > 0 {
		if lower != nil && d.cmp(n.keys[0], *lower) <= 0 {
			return fmt.Errorf("%w: key %v not above lower bound %v", ErrStructural, n.keys[0], *lower)
		}
		if upper != nil && d.cmp(n.keys[len(n.keys)-1], *upper) > 0 {
			return fmt.Errorf("%w: key %v above upper bound %v", ErrStructural, n.keys[len(n.keys)-1], *upper)
		}
	}

	if n.isLeaf() {
		if len(n.vals) != len(n.keys) {
			return fmt.Errorf("%w: leaf has %d keys and %d values", ErrStructural, len(n.keys), len(n.vals))
		}
		if n.count != len(n.keys) {
			return fmt.Errorf("%w: leaf count %d, actual %d", ErrStructural, n.count, len(n.keys))
		}
		if depth > 0 && len(n.keys) == 0 {
			return fmt.Errorf("%w: empty leaf at depth %d", ErrStructural, depth)
		}
		if *leafDepth < 0 {
			*leafDepth = depth
		} else if *leafDepth != depth {
			return fmt.Errorf("%w: leaves at depths %d and %d", ErrStructural, *leafDepth, depth)
		}
		return nil
	}

	if len(n.kids) != len(n.keys)+1 {
		return fmt.Errorf("%w: inner bucket has %d keys and %d children", ErrStructural, len(n.keys), len(n.kids))
	}
	var total int
	for i, kid := range n.kids {
		lo, hi := lower, upper
		if i > 0 {
			lo = &n.keys[i-1]
		}
		if i < len(n.keys) {
			hi = &n.keys[i]
		}
		if kid.count == 0 {
			return fmt.Errorf("%w: empty child at depth %d", ErrStructural, depth+1)
		}
		if err := d.check(kid, lo, hi, depth+1, leafDepth); err != nil {
			return err
		}
		total += kid.count
	}
	if total != n.count {
		return fmt.Errorf("%w: inner count %d, actual %d", ErrStructural, n.count, total)
	}
	return nil
}
