package cowdb

import (
	"strings"

	"github.com/andreyvit/cowdb/pdict"
)

// Role maps uids to external names and back. Tables are named by their own
// name, columns and indexes by "table.name".
type Role struct {
	names pdict.Dict[string, uint64]
	uids  pdict.Dict[uint64, string]
}

func newRole(opt pdict.Options) Role {
	return Role{
		names: pdict.New[string, uint64](strings.Compare, opt),
		uids:  pdict.New[uint64, string](compareUID, opt),
	}
}

func (r Role) UID(name string) (uint64, bool) {
	return r.names.Get(name)
}

func (r Role) Name(uid uint64) (string, bool) {
	return r.uids.Get(uid)
}

func (r Role) Len() int {
	return r.names.Len()
}

// Names returns every bound name in order.
func (r Role) Names() []string {
	return r.names.Keys()
}

func (r Role) bind(name string, uid uint64) (Role, error) {
	if existing, found := r.names.Get(name); found && existing != uid {
		return r, integrityErrf(nil, nil, nil, nil, "name %q is already taken by #%d", name, existing)
	}
	r.names = r.names.Put(name, uid)
	r.uids = r.uids.Put(uid, name)
	return r, nil
}

func (r Role) unbind(uid uint64) Role {
	name, found := r.uids.Get(uid)
	if !found {
		return r
	}
	r.uids, _ = r.uids.Delete(uid)
	r.names, _ = r.names.Delete(name)
	return r
}

func (r Role) check() error {
	if err := r.names.Check(); err != nil {
		return err
	}
	if err := r.uids.Check(); err != nil {
		return err
	}
	if r.names.Len() != r.uids.Len() {
		return structuralErrf("role has %d names and %d uids", r.names.Len(), r.uids.Len())
	}
	for name, uid := range r.names.All() {
		if back, _ := r.uids.Get(uid); back != name {
			return structuralErrf("role maps %q to #%d, which maps back to %q", name, uid, back)
		}
	}
	return nil
}

func qualifiedName(table, name string) string {
	return table + "." + name
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
