package vm

import (
	objerrors "github.com/nooga/objcore/pkg/errors"
)

// Mapping is the dictionary handle of an instance. A fresh handle is
// shape-backed: its entries are the instance's KindDict shape entries. Once
// devolved, the entries live in a GenericMap for good.
type Mapping struct {
	rt      *Runtime
	owner   *Instance
	generic *GenericMap // nil while shape-backed
}

// Owner returns the instance the mapping belongs to.
func (m *Mapping) Owner() *Instance { return m.owner }

// Devolved reports whether the mapping has switched to generic storage.
func (m *Mapping) Devolved() bool { return m.generic != nil }

// Devolve switches the mapping to generic storage. It is idempotent.
func (m *Mapping) Devolve() {
	if m.generic != nil {
		return
	}
	g := NewGenericMap(m.rt.hasher)
	obj := m.owner.store
	m.generic = g
	m.owner.store = obj.shape().materialize(obj, g)
	m.rt.stats.Devolutions++
	m.rt.metrics.Devolved()
	m.rt.logger.Debug("instance dictionary devolved",
		"class", m.owner.Class().Name(), "instance", m.owner.id, "entries", g.Len())
}

// Get returns the value stored under key.
func (m *Mapping) Get(key Value) (Value, bool, error) {
	if m.generic != nil {
		return m.generic.Get(key)
	}
	name, ok := key.(string)
	if !ok {
		if _, err := m.rt.hasher.Hash(key); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	v, found := m.rt.readAttr(m.owner, dictKey(name))
	return v, found, nil
}

// Set stores value under key. A non-string key devolves the mapping first.
func (m *Mapping) Set(key, value Value) error {
	if m.generic == nil {
		if name, ok := key.(string); ok {
			m.rt.writeAttr(m.owner, dictKey(name), value)
			return nil
		}
		if _, err := m.rt.hasher.Hash(key); err != nil {
			return err
		}
		m.Devolve()
	}
	return m.generic.Set(key, value)
}

// Delete removes key and reports whether it was present.
func (m *Mapping) Delete(key Value) (bool, error) {
	if m.generic != nil {
		return m.generic.Delete(key)
	}
	name, ok := key.(string)
	if !ok {
		if _, err := m.rt.hasher.Hash(key); err != nil {
			return false, err
		}
		return false, nil
	}
	return m.rt.delAttr(m.owner, dictKey(name)), nil
}

func (m *Mapping) Len() int {
	if m.generic != nil {
		return m.generic.Len()
	}
	return len(m.owner.store.shape().entriesOf(KindDict))
}

// Keys returns the keys in insertion order.
func (m *Mapping) Keys() []Value {
	if m.generic != nil {
		return m.generic.Keys()
	}
	entries := m.owner.store.shape().entriesOf(KindDict)
	keys := make([]Value, len(entries))
	for i, e := range entries {
		keys[i] = e.key.name
	}
	return keys
}

// Range calls fn for each entry in insertion order until fn returns false.
func (m *Mapping) Range(fn func(key, value Value) bool) {
	if m.generic != nil {
		m.generic.Range(fn)
		return
	}
	obj := m.owner.store
	for _, e := range obj.shape().entriesOf(KindDict) {
		if !fn(e.key.name, obj.read(e.slot)) {
			return
		}
	}
}

// Dict returns the instance's dictionary handle, creating it on first use.
func (rt *Runtime) Dict(inst *Instance) (*Mapping, error) {
	obj := inst.store
	if obj.shape().Policy() == PolicyNoDict {
		cls := inst.Class()
		return nil, &objerrors.RejectedError{Class: cls.Name(), Name: dictHandleKey.name, Msg: "object has no __dict__"}
	}
	if v, ok := obj.shape().read(obj, dictHandleKey); ok {
		return v.(*Mapping), nil
	}
	m := &Mapping{rt: rt, owner: inst}
	rt.writeAttr(inst, dictHandleKey, m)
	return m, nil
}

// Devolve moves the instance's dictionary entries into a generic mapping and
// returns its handle. Devolving again returns the same handle. Instances
// whose class forbids a dictionary are left untouched.
func (rt *Runtime) Devolve(inst *Instance) (*Mapping, error) {
	m, err := rt.Dict(inst)
	if err != nil {
		return nil, &objerrors.DevolutionError{
			Class: inst.Class().Name(),
			Msg:   "instances of this class have no dictionary",
			Cause: err,
		}
	}
	m.Devolve()
	return m, nil
}
