package vm

import (
	"fmt"
	"io"

	"src.elv.sh/pkg/persistent/hash"

	objerrors "github.com/nooga/objcore/pkg/errors"
)

// cacheIndex folds an identity token, a name hash and a small discriminator
// into a table index of the given bit width.
func cacheIndex(id uint64, nameHash uint32, disc int, bits int) int {
	x := id*0x9e3779b97f4a7c15 + uint64(nameHash)
	x += uint64(disc)
	x ^= x >> 31
	x ^= x >> 17
	return int(x & (1<<bits - 1))
}

// AttrCacheEntry is one slot of the attribute resolution cache. A nil attr
// records that the name is absent from the shape chain.
type AttrCacheEntry struct {
	shapeID uint64
	key     attrKey
	attr    *Shape
}

// AttrCache is a direct-mapped table from (shape, name, kind) to the shape
// entry holding the attribute. Entries are hints: they are checked against
// the shape identity on every hit and simply overwritten on a miss, so the
// table never needs invalidating.
type AttrCache struct {
	bits    int
	entries []AttrCacheEntry
}

func newAttrCache(bits int) *AttrCache {
	return &AttrCache{bits: bits, entries: make([]AttrCacheEntry, 1<<bits)}
}

func (c *AttrCache) slot(s *Shape, key attrKey) *AttrCacheEntry {
	disc := int(key.kind) | key.index<<2
	return &c.entries[cacheIndex(s.id, hash.String(key.name), disc, c.bits)]
}

// findAttr resolves key on shape s, through the attribute cache when enabled.
func (rt *Runtime) findAttr(s *Shape, key attrKey) *Shape {
	c := rt.attrCache
	if c == nil {
		return s.find(key)
	}
	e := c.slot(s, key)
	if e.shapeID == s.id && e.key == key {
		rt.stats.AttrHits++
		rt.metrics.AttrLookup(true)
		if rt.cfg.VerifyCaches {
			if want := s.find(key); want != e.attr {
				objerrors.Invariantf("attribute cache entry for %s on shape %d disagrees with the shape tree", key, s.id)
			}
		}
		return e.attr
	}
	rt.stats.AttrMisses++
	rt.metrics.AttrLookup(false)
	attr := s.find(key)
	*e = AttrCacheEntry{shapeID: s.id, key: key, attr: attr}
	return attr
}

// CacheStats is a snapshot of the runtime's counters.
type CacheStats struct {
	AttrHits           uint64
	AttrMisses         uint64
	MethodHits         uint64
	MethodMisses       uint64
	ShapesCreated      uint64
	Devolutions        uint64
	Invalidations      uint64
	CallbacksScheduled uint64
	CallbacksRun       uint64
}

// Stats returns the current counters.
func (rt *Runtime) Stats() CacheStats {
	s := rt.stats
	s.CallbacksScheduled = rt.callbacksScheduled.Load()
	return s
}

// PrintCacheStats writes cache performance information to w.
func (rt *Runtime) PrintCacheStats(w io.Writer) {
	s := rt.Stats()
	fmt.Fprintf(w, "Runtime %s\n", rt.id)
	printRate(w, "Attr cache", s.AttrHits, s.AttrMisses, rt.attrCache != nil)
	printRate(w, "Method cache", s.MethodHits, s.MethodMisses, rt.methodCache != nil)
	fmt.Fprintf(w, "  Shapes created: %d, Devolutions: %d, Invalidations: %d\n",
		s.ShapesCreated, s.Devolutions, s.Invalidations)
	fmt.Fprintf(w, "  Weakref callbacks: scheduled %d, run %d, pending %d\n",
		s.CallbacksScheduled, s.CallbacksRun, rt.scheduler.Len())
}

func printRate(w io.Writer, label string, hits, misses uint64, enabled bool) {
	if !enabled {
		fmt.Fprintf(w, "  %s: disabled\n", label)
		return
	}
	total := hits + misses
	if total == 0 {
		fmt.Fprintf(w, "  %s: no activity\n", label)
		return
	}
	hitRate := float64(hits) / float64(total) * 100.0
	fmt.Fprintf(w, "  %s: Total: %d, Hits: %d (%.1f%%), Misses: %d\n", label, total, hits, hitRate, misses)
}
