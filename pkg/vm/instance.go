package vm

import (
	"fmt"

	objerrors "github.com/nooga/objcore/pkg/errors"
)

// Instance is an object of some class. Its store pairs the current shape
// with the attribute values; both are replaced together.
type Instance struct {
	id    uint64
	store store
}

func (i *Instance) ID() uint64 { return i.id }

// Shape returns the instance's current shape.
func (i *Instance) Shape() *Shape { return i.store.shape() }

func (i *Instance) Class() *Class { return i.store.shape().terminator.class }

func (i *Instance) String() string {
	return fmt.Sprintf("<%s object #%d>", i.Class().name, i.id)
}

// capacity returns the number of values the storage can hold without growing.
func (i *Instance) capacity() int { return i.store.capacity() }

// New creates an empty instance of cls.
func (rt *Runtime) New(cls *Class) (*Instance, error) {
	if cls.state != ClassLinked {
		return nil, &objerrors.HierarchyError{Class: cls.name, Msg: "class is not linked"}
	}
	return &Instance{id: rt.nextID(), store: newStore(cls.layout.kind, cls.terminator)}, nil
}

func (rt *Runtime) readAttr(inst *Instance, key attrKey) (Value, bool) {
	obj := inst.store
	s := obj.shape()
	if attr := rt.findAttr(s, key); attr != nil {
		return obj.read(attr.slot), true
	}
	return s.terminator.readTerminator(obj, key)
}

func (rt *Runtime) writeAttr(inst *Instance, key attrKey, v Value) bool {
	obj := inst.store
	s := obj.shape()
	if attr := rt.findAttr(s, key); attr != nil {
		obj.write(attr.slot, v)
		return true
	}
	return s.terminator.writeTerminator(obj, key, v)
}

func (rt *Runtime) delAttr(inst *Instance, key attrKey) bool {
	obj := inst.store
	n := obj.shape().delete(obj, key)
	if n == nil {
		return false
	}
	inst.store = n
	return true
}

// GetAttr reads name from inst: a slot declared by the class, then the
// instance dictionary, then the class attribute found along the MRO.
func (rt *Runtime) GetAttr(inst *Instance, name string) (Value, bool) {
	_, cv, found := rt.ResolveMethod(inst.Class(), name)
	if found {
		if d, ok := cv.(*SlotMember); ok {
			return rt.readAttr(inst, d.key())
		}
	}
	if v, ok := rt.readAttr(inst, dictKey(name)); ok {
		return v, true
	}
	if found {
		return cv, true
	}
	return nil, false
}

// SetAttr writes name on inst. It fails with a RejectedError when the name
// is not a slot and the instance has no dictionary.
func (rt *Runtime) SetAttr(inst *Instance, name string, v Value) error {
	cls := inst.Class()
	if _, cv, found := rt.ResolveMethod(cls, name); found {
		if d, ok := cv.(*SlotMember); ok {
			rt.writeAttr(inst, d.key(), v)
			return nil
		}
	}
	if !rt.writeAttr(inst, dictKey(name), v) {
		return &objerrors.RejectedError{Class: cls.name, Name: name, Msg: "object has no attribute and no __dict__ to add it to"}
	}
	return nil
}

// DelAttr removes name from inst and reports whether it was present.
func (rt *Runtime) DelAttr(inst *Instance, name string) bool {
	if _, cv, found := rt.ResolveMethod(inst.Class(), name); found {
		if d, ok := cv.(*SlotMember); ok {
			return rt.delAttr(inst, d.key())
		}
	}
	return rt.delAttr(inst, dictKey(name))
}

// SetClass moves inst to cls, keeping its attributes. Both classes must
// share the instance layout and the dictionary and weak reference support.
func (rt *Runtime) SetClass(inst *Instance, cls *Class) error {
	old := inst.Class()
	if old == cls {
		return nil
	}
	if cls.state != ClassLinked {
		return &objerrors.HierarchyError{Class: cls.name, Msg: "class is not linked"}
	}
	if !old.layout.compatible(cls.layout) || old.hasDict != cls.hasDict || old.weakrefable != cls.weakrefable {
		return &objerrors.LayoutError{
			Class: cls.name,
			Msg:   fmt.Sprintf("object layout differs from '%s'", old.name),
		}
	}
	obj := inst.store
	inst.store = obj.shape().setTerminator(obj, cls.terminator)
	return nil
}

// Attributes returns the instance's own attribute names: declared slots that
// are set, then dictionary keys, in insertion order.
func (rt *Runtime) Attributes(inst *Instance) []string {
	var names []string
	obj := inst.store
	for _, e := range obj.shape().Entries() {
		if e.key.kind == KindSlot {
			names = append(names, e.key.name)
		}
	}
	if obj.shape().Policy() == PolicyNoDict {
		return names
	}
	if obj.shape().Policy() == PolicyDevolved {
		for _, k := range devolvedMap(obj).Keys() {
			if s, ok := k.(string); ok {
				names = append(names, s)
			}
		}
		return names
	}
	for _, e := range obj.shape().entriesOf(KindDict) {
		names = append(names, e.key.name)
	}
	return names
}
