// Package mkindex implements a persistent multi-key index: nested pdict
// dictionaries keyed by one component of a key tuple each.
//
// The value stored under a key component is one of three things:
//
//  1. a single row uid, when this is the last component and duplicates are
//     not allowed;
//  2. a duplicate set of row uids, when this is the last component and
//     duplicates are allowed;
//  3. a nested Index over the remaining components.
//
// One structure thus serves unique primary keys, non-unique secondary indexes
// and compound multi-column keys.
package mkindex

import (
	"errors"
	"fmt"
	"strings"

	"github.com/andreyvit/cowdb/pdict"
	"github.com/andreyvit/cowdb/value"
)

var ErrIntegrityViolation = errors.New("integrity violation")

type Policy uint8

const (
	Ignore Policy = iota
	Allow
	Disallow
)

func (p Policy) String() string {
	switch p {
	case Ignore:
		return "ignore"
	case Allow:
		return "allow"
	case Disallow:
		return "disallow"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// Component describes how one key component is ordered and what happens on
// duplicate or null keys. OnDuplicate only matters for the last component.
type Component struct {
	Desc        bool
	OnDuplicate Policy
	OnNullKey   Policy
}

// IntegrityError reports a rejected key.
type IntegrityError struct {
	Key      []value.Value
	UID      uint64
	Existing uint64
	Msg      string
}

func (e *IntegrityError) Unwrap() error {
	return ErrIntegrityViolation
}

func (e *IntegrityError) Error() string {
	var buf strings.Builder
	buf.WriteString("key ")
	buf.WriteString(value.Tuple(e.Key))
	buf.WriteString(": ")
	buf.WriteString(e.Msg)
	if e.Existing != 0 {
		fmt.Fprintf(&buf, " (held by %d)", e.Existing)
	}
	return buf.String()
}

type slot interface {
	isSlot()
}

type (
	uidSlot uint64
	dupSlot struct{ set pdict.Dict[uint64, struct{}] }
	subSlot struct{ idx Index }
)

func (uidSlot) isSlot() {}
func (dupSlot) isSlot() {}
func (subSlot) isSlot() {}

type Index struct {
	layout []Component // remaining components, layout[0] is this level
	dict   pdict.Dict[value.Value, slot]
	n      int
	opt    pdict.Options
}

// New returns an empty index over key tuples with the given components.
func New(layout []Component, opt pdict.Options) Index {
	if len(layout) == 0 {
		panic("mkindex: empty layout")
	}
	return newLevel(layout, opt)
}

func newLevel(layout []Component, opt pdict.Options) Index {
	c := layout[0]
	compare := value.Compare
	if c.Desc {
		compare = func(a, b value.Value) int { return value.Compare(b, a) }
	}
	return Index{
		layout: layout,
		dict:   pdict.New[value.Value, slot](compare, opt),
		opt:    opt,
	}
}

func (idx Index) Layout() []Component {
	return idx.layout
}

func (idx Index) Arity() int {
	return len(idx.layout)
}

// Len returns the number of (key, uid) entries.
func (idx Index) Len() int {
	return idx.n
}

func (idx Index) IsEmpty() bool {
	return idx.n == 0
}

func (idx Index) isLast() bool {
	return len(idx.layout) == 1
}

func (idx Index) mustArity(key []value.Value) {
	if len(key) != len(idx.layout) {
		panic(fmt.Errorf("mkindex: key %s has %d components, index has %d", value.Tuple(key), len(key), len(idx.layout)))
	}
}

func (idx Index) newDupSet() pdict.Dict[uint64, struct{}] {
	return pdict.New[uint64, struct{}](compareUID, idx.opt)
}

func compareUID(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Add returns an index that also maps key to uid. Adding an existing
// (key, uid) pair is a no-op. Policies decide what happens to null components
// and to a different uid under an existing key.
func (idx Index) Add(key []value.Value, uid uint64) (Index, error) {
	idx.mustArity(key)
	for i, c := range idx.layout {
		if value.IsNull(key[i]) {
			switch c.OnNullKey {
			case Ignore:
				return idx, nil
			case Disallow:
				return idx, &IntegrityError{Key: key, UID: uid, Msg: fmt.Sprintf("null in component %d", i)}
			}
		}
	}
	r, _, err := idx.add(key, key, uid)
	return r, err
}

func (idx Index) add(full, key []value.Value, uid uint64) (Index, bool, error) {
	k := key[0]
	existing, found := idx.dict.Get(k)
	if !idx.isLast() {
		var sub Index
		if found {
			sub = existing.(subSlot).idx
		} else {
			sub = newLevel(idx.layout[1:], idx.opt)
		}
		sub, added, err := sub.add(full, key[1:], uid)
		if err != nil || !added {
			return idx, false, err
		}
		idx.dict = idx.dict.Put(k, subSlot{sub})
		idx.n++
		return idx, true, nil
	}

	c := idx.layout[0]
	if !found {
		if c.OnDuplicate == Allow {
			idx.dict = idx.dict.Put(k, dupSlot{idx.newDupSet().Put(uid, struct{}{})})
		} else {
			idx.dict = idx.dict.Put(k, uidSlot(uid))
		}
		idx.n++
		return idx, true, nil
	}
	switch s := existing.(type) {
	case uidSlot:
		if uint64(s) == uid {
			return idx, false, nil
		}
		if c.OnDuplicate == Disallow {
			return idx, false, &IntegrityError{Key: full, UID: uid, Existing: uint64(s), Msg: "duplicate key"}
		}
		return idx, false, nil
	case dupSlot:
		if s.set.Has(uid) {
			return idx, false, nil
		}
		idx.dict = idx.dict.Put(k, dupSlot{s.set.Put(uid, struct{}{})})
		idx.n++
		return idx, true, nil
	default:
		panic(fmt.Errorf("mkindex: unexpected %T at last component", existing))
	}
}

// Remove returns an index without the (key, uid) pair. Emptied nested levels
// are removed all the way up.
func (idx Index) Remove(key []value.Value, uid uint64) (Index, bool) {
	idx.mustArity(key)
	r, removed := idx.remove(key, uid, true)
	return r, removed > 0
}

// RemoveKey returns an index without any uid stored under key.
func (idx Index) RemoveKey(key []value.Value) (Index, int) {
	idx.mustArity(key)
	return idx.remove(key, 0, false)
}

func (idx Index) remove(key []value.Value, uid uint64, matchUID bool) (Index, int) {
	k := key[0]
	existing, found := idx.dict.Get(k)
	if !found {
		return idx, 0
	}
	switch s := existing.(type) {
	case subSlot:
		sub, removed := s.idx.remove(key[1:], uid, matchUID)
		if removed == 0 {
			return idx, 0
		}
		if sub.IsEmpty() {
			idx.dict, _ = idx.dict.Delete(k)
		} else {
			idx.dict = idx.dict.Put(k, subSlot{sub})
		}
		idx.n -= removed
		return idx, removed
	case uidSlot:
		if matchUID && uint64(s) != uid {
			return idx, 0
		}
		idx.dict, _ = idx.dict.Delete(k)
		idx.n--
		return idx, 1
	case dupSlot:
		if !matchUID {
			idx.dict, _ = idx.dict.Delete(k)
			idx.n -= s.set.Len()
			return idx, s.set.Len()
		}
		set, ok := s.set.Delete(uid)
		if !ok {
			return idx, 0
		}
		if set.IsEmpty() {
			idx.dict, _ = idx.dict.Delete(k)
		} else {
			idx.dict = idx.dict.Put(k, dupSlot{set})
		}
		idx.n--
		return idx, 1
	default:
		panic(fmt.Errorf("mkindex: unexpected %T", existing))
	}
}

// Lookup returns every uid stored under the full key, in ascending order.
func (idx Index) Lookup(key []value.Value) []uint64 {
	idx.mustArity(key)
	var result []uint64
	for b := idx.Seek(key); b.Valid() && b.HasPrefix(key); b.Next() {
		result = append(result, b.UID())
	}
	return result
}

// Contains reports whether any entry has the given key prefix.
func (idx Index) Contains(prefix []value.Value) bool {
	if len(prefix) > len(idx.layout) {
		panic(fmt.Errorf("mkindex: prefix %s longer than index", value.Tuple(prefix)))
	}
	if len(prefix) == 0 {
		return !idx.IsEmpty()
	}
	s, found := idx.dict.Get(prefix[0])
	if !found {
		return false
	}
	if len(prefix) == 1 {
		return true
	}
	return s.(subSlot).idx.Contains(prefix[1:])
}

// Check validates every nested dictionary and the entry counts.
func (idx Index) Check() error {
	if err := idx.dict.Check(); err != nil {
		return err
	}
	var total int
	for k, s := range idx.dict.All() {
		switch s := s.(type) {
		case uidSlot:
			if !idx.isLast() || idx.layout[0].OnDuplicate == Allow {
				return fmt.Errorf("%w: single uid under %v at wrong level", pdict.ErrStructural, k)
			}
			total++
		case dupSlot:
			if !idx.isLast() || idx.layout[0].OnDuplicate != Allow {
				return fmt.Errorf("%w: duplicate set under %v at wrong level", pdict.ErrStructural, k)
			}
			if s.set.IsEmpty() {
				return fmt.Errorf("%w: empty duplicate set under %v", pdict.ErrStructural, k)
			}
			if err := s.set.Check(); err != nil {
				return err
			}
			total += s.set.Len()
		case subSlot:
			if idx.isLast() {
				return fmt.Errorf("%w: nested index under %v at last level", pdict.ErrStructural, k)
			}
			if s.idx.IsEmpty() {
				return fmt.Errorf("%w: empty nested index under %v", pdict.ErrStructural, k)
			}
			if err := s.idx.Check(); err != nil {
				return err
			}
			total += s.idx.Len()
		}
	}
	if total != idx.n {
		return fmt.Errorf("%w: index count %d, actual %d", pdict.ErrStructural, idx.n, total)
	}
	return nil
}
