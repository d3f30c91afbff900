package vm

import (
	"reflect"

	"src.elv.sh/pkg/persistent/hash"

	objerrors "github.com/nooga/objcore/pkg/errors"
)

// MethodCacheEntry caches the result of an MRO walk for one class version.
// Negative results are cached too.
type MethodCacheEntry struct {
	tagID uint64
	name  string
	where *Class
	value Value
	found bool
}

// MethodCache is a direct-mapped table keyed by (version tag, name). An
// entry is valid only while its tag is the class's current tag; replacing
// the tag is the only invalidation needed.
type MethodCache struct {
	bits    int
	entries []MethodCacheEntry
}

func newMethodCache(bits int) *MethodCache {
	return &MethodCache{bits: bits, entries: make([]MethodCacheEntry, 1<<bits)}
}

func (c *MethodCache) slot(tag *VersionTag, name string) *MethodCacheEntry {
	return &c.entries[cacheIndex(tag.id, hash.String(name), 0, c.bits)]
}

// lookupMRO walks the MRO of cls for name.
func (cls *Class) lookupMRO(name string) (*Class, Value, bool) {
	for _, k := range cls.mro {
		if v, ok := k.attrs[name]; ok {
			return k, v, true
		}
	}
	return nil, nil, false
}

// ResolveMethod finds name along the MRO of cls and returns the defining
// class and the value.
func (rt *Runtime) ResolveMethod(cls *Class, name string) (*Class, Value, bool) {
	c := rt.methodCache
	if c == nil {
		return cls.lookupMRO(name)
	}
	e := c.slot(cls.tag, name)
	if e.tagID == cls.tag.id && e.name == name {
		rt.stats.MethodHits++
		rt.metrics.MethodLookup(true)
		if rt.cfg.VerifyCaches {
			where, v, found := cls.lookupMRO(name)
			if where != e.where || found != e.found || (found && !sameValue(v, e.value)) {
				objerrors.Invariantf("method cache entry for %s.%s disagrees with the MRO", cls.name, name)
			}
		}
		return e.where, e.value, e.found
	}
	rt.stats.MethodMisses++
	rt.metrics.MethodLookup(false)
	where, v, found := cls.lookupMRO(name)
	*e = MethodCacheEntry{tagID: cls.tag.id, name: name, where: where, value: v, found: found}
	return where, v, found
}

// sameValue compares cached and fresh class attribute values. Slices, maps
// and funcs compare by backing storage; other incomparable values are not
// compared, only their types.
func sameValue(a, b Value) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta == nil {
		return true
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Comparable() && vb.Comparable() {
		return va.Equal(vb)
	}
	switch ta.Kind() {
	case reflect.Slice:
		return va.Pointer() == vb.Pointer() && va.Len() == vb.Len()
	case reflect.Map, reflect.Func:
		return va.Pointer() == vb.Pointer()
	}
	return true
}
