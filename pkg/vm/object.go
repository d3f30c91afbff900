package vm

import (
	"fmt"
	"math"
	"strings"

	objerrors "github.com/nooga/objcore/pkg/errors"
)

// sizeEstimateBits is the number of fractional bits of Shape.sizeEst.
const sizeEstimateBits = 4

// Shape is one node of a class's shape tree. A non-terminator node adds
// exactly one entry to its back shape; the terminator is the zero-length
// root and carries the owning class and dictionary policy.
//
// Shapes never change once created except for their transition table and
// their size estimate.
type Shape struct {
	id         uint64
	terminator *Shape
	back       *Shape // nil for terminators

	key    attrKey
	slot   int // storage index of this entry
	length int
	order  int // rank among back's children at creation time

	children map[attrKey]*Shape
	sizeEst  int // fixed point, sizeEstimateBits fractional bits

	// terminator only
	rt       *Runtime
	class    *Class
	policy   Policy
	devolved *Shape // devolved twin of a PolicyDict terminator
}

// evicted is an entry pushed aside by the reorder walk, waiting to be re-added.
type evicted struct {
	shape *Shape
	value Value
}

func newTerminator(rt *Runtime, cls *Class, policy Policy) *Shape {
	t := &Shape{id: rt.nextID(), rt: rt, class: cls, policy: policy}
	t.terminator = t
	rt.shapeCreated()
	if policy == PolicyDict {
		d := &Shape{id: rt.nextID(), rt: rt, class: cls, policy: PolicyDevolved}
		d.terminator = d
		t.devolved = d
		rt.shapeCreated()
	}
	return t
}

// ID returns the shape's identity token. Tokens are never reused.
func (s *Shape) ID() uint64 { return s.id }

// Length returns the number of storage slots the shape describes.
func (s *Shape) Length() int { return s.length }

// Back returns the parent shape, or nil for a terminator.
func (s *Shape) Back() *Shape { return s.back }

func (s *Shape) Terminator() *Shape { return s.terminator }
func (s *Shape) IsTerminator() bool { return s.back == nil }
func (s *Shape) Class() *Class      { return s.terminator.class }
func (s *Shape) Policy() Policy     { return s.terminator.policy }
func (s *Shape) Name() string       { return s.key.name }
func (s *Shape) Kind() Kind         { return s.key.kind }
func (s *Shape) Slot() int          { return s.slot }
func (s *Shape) Order() int         { return s.order }
func (s *Shape) NumChildren() int   { return len(s.children) }
func (s *Shape) sizeEstimate() int  { return s.sizeEst >> sizeEstimateBits }
func (s *Shape) SizeEstimate() int  { return s.sizeEstimate() }

// Lookup returns the entry for a dictionary attribute, or nil.
func (s *Shape) Lookup(name string) *Shape { return s.find(dictKey(name)) }

// Entries returns the shape's entries from the terminator outwards.
func (s *Shape) Entries() []*Shape {
	out := make([]*Shape, s.length)
	for cur := s; cur.back != nil; cur = cur.back {
		out[cur.slot] = cur
	}
	return out
}

func (s *Shape) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Shape#%d<%s/%s>{", s.id, s.Class().Name(), s.Policy())
	for i, e := range s.Entries() {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(e.key.String())
	}
	sb.WriteString("}")
	return sb.String()
}

// find walks the back links looking for key.
func (s *Shape) find(key attrKey) *Shape {
	for cur := s; cur.back != nil; cur = cur.back {
		if cur.key == key {
			return cur
		}
	}
	return nil
}

// search returns the nearest entry of the given kind.
func (s *Shape) search(kind Kind) *Shape {
	for cur := s; cur.back != nil; cur = cur.back {
		if cur.key.kind == kind {
			return cur
		}
	}
	return nil
}

// entriesOf returns the entries of kind in insertion order.
func (s *Shape) entriesOf(kind Kind) []*Shape {
	var rev []*Shape
	for e := s.search(kind); e != nil; e = e.back.search(kind) {
		rev = append(rev, e)
	}
	out := make([]*Shape, len(rev))
	for i, e := range rev {
		out[len(rev)-1-i] = e
	}
	return out
}

func (s *Shape) read(obj store, key attrKey) (Value, bool) {
	if attr := s.find(key); attr != nil {
		return obj.read(attr.slot), true
	}
	return s.terminator.readTerminator(obj, key)
}

// readTerminator answers a lookup that missed the shape chain.
func (t *Shape) readTerminator(obj store, key attrKey) (Value, bool) {
	switch t.policy {
	case PolicyDict, PolicyNoDict:
		return nil, false
	case PolicyDevolved:
		if key.kind != KindDict {
			return nil, false
		}
		v, ok, _ := devolvedMap(obj).Get(key.name)
		return v, ok
	default:
		panic(fmt.Sprintf("vm: invalid Policy %d", uint8(t.policy)))
	}
}

// write stores v under key, adding the entry when missing. It reports false
// when the terminator refuses the entry.
func (s *Shape) write(obj store, key attrKey, v Value) bool {
	if attr := s.find(key); attr != nil {
		obj.write(attr.slot, v)
		return true
	}
	return s.terminator.writeTerminator(obj, key, v)
}

func (t *Shape) writeTerminator(obj store, key attrKey, v Value) bool {
	switch t.policy {
	case PolicyDict:
	case PolicyNoDict:
		if key.kind == KindDict {
			return false
		}
	case PolicyDevolved:
		if key.kind == KindDict {
			// string keys are always hashable
			_ = devolvedMap(obj).Set(key.name, v)
			return true
		}
	default:
		panic(fmt.Sprintf("vm: invalid Policy %d", uint8(t.policy)))
	}
	obj.shape().addAttr(obj, key, v)
	return true
}

// addAttr appends key to the instance, reordering when an older sibling
// branch already holds it, and folds the resulting length into the size
// estimate of s.
func (s *Shape) addAttr(obj store, key attrKey, v Value) {
	s.reorderAndAdd(obj, key, v)
	attr := obj.shape()
	s.sizeEst += attr.sizeEstimate() - s.sizeEstimate()
	if s.sizeEst < s.length<<sizeEstimateBits {
		objerrors.Invariantf("size estimate %d below length %d of %s", s.sizeEst, s.length, s)
	}
}

func (s *Shape) reorderAndAdd(obj store, key attrKey, v Value) {
	var stack []evicted
	cur := s
	for {
		readd, attr := cur.findBranchToMoveInto(key)
		if readd > 0 {
			if stack == nil {
				stack = make([]evicted, 0, cur.length)
			}
			node := cur
			for range readd {
				stack = append(stack, evicted{shape: node, value: obj.read(node.slot)})
				node = node.back
			}
		}
		attr.switchShapeAndWrite(obj, v)
		if len(stack) == 0 {
			return
		}
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		key, v = top.shape.key, top.value
		cur = obj.shape()
	}
}

// findBranchToMoveInto walks up from s looking for an ancestor whose child
// for key is older than the branch the walk came through. It returns how many
// entries must be evicted to move there, and the child to move into. When no
// such ancestor exists it returns (0, the child of s for key).
func (s *Shape) findBranchToMoveInto(key attrKey) (int, *Shape) {
	currentOrder := math.MaxInt
	readd := 0
	cur := s
	for {
		if attr := cur.children[key]; attr != nil && attr.order < currentOrder {
			return readd, attr
		}
		if cur.back == nil {
			return 0, s.childFor(key)
		}
		readd++
		currentOrder = cur.order
		cur = cur.back
	}
}

// childFor returns the transition from s for key, creating it if needed.
func (s *Shape) childFor(key attrKey) *Shape {
	if c, ok := s.children[key]; ok {
		return c
	}
	if s.children == nil {
		s.children = make(map[attrKey]*Shape)
	}
	t := s.terminator
	c := &Shape{
		id:         t.rt.nextID(),
		terminator: t,
		back:       s,
		key:        key,
		slot:       s.length,
		length:     s.length + 1,
		order:      len(s.children),
	}
	c.sizeEst = c.length << sizeEstimateBits
	s.children[key] = c
	t.rt.shapeCreated()
	return c
}

func (s *Shape) switchShapeAndWrite(obj store, v Value) {
	obj.setShape(s)
	obj.write(s.slot, v)
}

// delete returns a new store without key, or nil when key is absent.
func (s *Shape) delete(obj store, key attrKey) store {
	if s.back == nil {
		return s.deleteTerminator(obj, key)
	}
	if s.key == key {
		return s.back.copy(obj)
	}
	n := s.back.delete(obj, key)
	if n != nil {
		s.copyAttr(obj, n)
	}
	return n
}

func (t *Shape) deleteTerminator(obj store, key attrKey) store {
	switch t.policy {
	case PolicyDict, PolicyNoDict:
		return nil
	case PolicyDevolved:
		if key.kind != KindDict {
			return nil
		}
		if ok, _ := devolvedMap(obj).Delete(key.name); !ok {
			return nil
		}
		return obj.fresh(t)
	default:
		panic(fmt.Sprintf("vm: invalid Policy %d", uint8(t.policy)))
	}
}

// copy rebuilds the entries up to s on a fresh store.
func (s *Shape) copy(obj store) store {
	if s.back == nil {
		return obj.fresh(s)
	}
	n := s.back.copy(obj)
	s.copyAttr(obj, n)
	return n
}

func (s *Shape) copyAttr(obj, into store) {
	into.shape().addAttr(into, s.key, obj.read(s.slot))
}

// setTerminator rebuilds the instance on the lineage of t. A devolved
// instance moves to t's devolved twin.
func (s *Shape) setTerminator(obj store, t *Shape) store {
	if s.back == nil {
		if s.policy == PolicyDevolved && t.devolved != nil {
			t = t.devolved
		}
		return obj.fresh(t)
	}
	n := s.back.setTerminator(obj, t)
	s.copyAttr(obj, n)
	return n
}

// materialize moves every dictionary entry into m and rebuilds the remaining
// entries on the devolved twin of the terminator.
func (s *Shape) materialize(obj store, m *GenericMap) store {
	if s.back == nil {
		if s.devolved == nil {
			objerrors.Invariantf("materialize on %s terminator", s.policy)
		}
		return obj.fresh(s.devolved)
	}
	n := s.back.materialize(obj, m)
	if s.key.kind == KindDict {
		_ = m.Set(s.key.name, obj.read(s.slot))
	} else {
		s.copyAttr(obj, n)
	}
	return n
}

// devolvedMap returns the generic map of a devolved instance.
func devolvedMap(obj store) *GenericMap {
	h := obj.shape().find(dictHandleKey)
	if h == nil {
		objerrors.Invariantf("devolved instance without a dictionary handle")
	}
	m, ok := obj.read(h.slot).(*Mapping)
	if !ok || m.generic == nil {
		objerrors.Invariantf("devolved instance with a shape-backed dictionary")
	}
	return m.generic
}
