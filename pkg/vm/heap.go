package vm

import "github.com/nooga/objcore/pkg/config"

// store is the value storage of an instance together with its current
// shape. Storage is always at least as long as the shape; setShape grows it
// first when needed, so shape and values change together.
type store interface {
	shape() *Shape
	setShape(s *Shape)
	read(slot int) Value
	write(slot int, v Value)
	capacity() int
	// fresh returns an empty store of the same layout rooted at t.
	fresh(t *Shape) store
}

// grownCapacity returns the capacity to grow to for shape s from cap.
func grownCapacity(s *Shape, cap int) int {
	return max(s.sizeEstimate(), 2*cap, s.length)
}

// boxedStore keeps all values in one slice.
type boxedStore struct {
	shp    *Shape
	values []Value
}

func newBoxedStore(t *Shape) *boxedStore {
	return &boxedStore{shp: t, values: make([]Value, t.sizeEstimate())}
}

func (o *boxedStore) shape() *Shape { return o.shp }

func (o *boxedStore) setShape(s *Shape) {
	if s.length > len(o.values) {
		values := make([]Value, grownCapacity(s, len(o.values)))
		copy(values, o.values)
		o.values = values
	}
	o.shp = s
}

func (o *boxedStore) read(slot int) Value     { return o.values[slot] }
func (o *boxedStore) write(slot int, v Value) { o.values[slot] = v }
func (o *boxedStore) capacity() int           { return len(o.values) }
func (o *boxedStore) fresh(t *Shape) store    { return newBoxedStore(t) }

// inlineFields is the number of inline value fields of an inlineStore.
const inlineFields = 5

// spillList holds the values from slot inlineFields-1 onwards once a shape
// outgrows the inline fields.
type spillList struct {
	values []Value
}

// escapeField is the last inline field. It holds either one value or the
// spill list, and spilled says which.
type escapeField struct {
	spilled bool
	value   Value
	list    *spillList
}

func (e *escapeField) single() Value {
	if e.spilled {
		panic("vm: escape field holds a spill list")
	}
	return e.value
}

func (e *escapeField) spill() *spillList {
	if !e.spilled {
		panic("vm: escape field holds a single value")
	}
	return e.list
}

// inlineStore keeps the first values in fields. The escape field switches
// to a spill list exactly when the shape outgrows the fields.
type inlineStore struct {
	shp            *Shape
	v0, v1, v2, v3 Value
	tail           escapeField
	spare          *spillList // list kept while the shape fits inline again
}

func newInlineStore(t *Shape) *inlineStore {
	o := &inlineStore{}
	if est := t.sizeEstimate(); est > inlineFields {
		o.spare = &spillList{values: make([]Value, est-(inlineFields-1))}
	}
	o.setShape(t)
	return o
}

func (o *inlineStore) shape() *Shape { return o.shp }

func (o *inlineStore) spilled() bool { return o.tail.spilled }

func (o *inlineStore) setShape(s *Shape) {
	now := s.length > inlineFields
	switch {
	case now && !o.tail.spilled:
		sp := o.spare
		o.spare = nil
		if sp == nil || len(sp.values) < s.length-(inlineFields-1) {
			sp = &spillList{values: make([]Value, grownCapacity(s, o.capacity())-(inlineFields-1))}
		}
		sp.values[0] = o.tail.value
		o.tail = escapeField{spilled: true, list: sp}
	case now:
		sp := o.tail.spill()
		if need := s.length - (inlineFields - 1); need > len(sp.values) {
			values := make([]Value, grownCapacity(s, o.capacity())-(inlineFields-1))
			copy(values, sp.values)
			sp.values = values
		}
	case o.tail.spilled:
		// the values past the fields belong to entries the new shape drops
		sp := o.tail.spill()
		o.tail = escapeField{value: sp.values[0]}
		clear(sp.values)
		o.spare = sp
	}
	o.shp = s
}

func (o *inlineStore) read(slot int) Value {
	switch slot {
	case 0:
		return o.v0
	case 1:
		return o.v1
	case 2:
		return o.v2
	case 3:
		return o.v3
	}
	if o.tail.spilled {
		return o.tail.spill().values[slot-(inlineFields-1)]
	}
	if slot != inlineFields-1 {
		panic("vm: inline slot out of range")
	}
	return o.tail.single()
}

func (o *inlineStore) write(slot int, v Value) {
	switch slot {
	case 0:
		o.v0 = v
	case 1:
		o.v1 = v
	case 2:
		o.v2 = v
	case 3:
		o.v3 = v
	default:
		if o.tail.spilled {
			o.tail.spill().values[slot-(inlineFields-1)] = v
			return
		}
		if slot != inlineFields-1 {
			panic("vm: inline slot out of range")
		}
		o.tail.value = v
	}
}

func (o *inlineStore) capacity() int {
	switch {
	case o.tail.spilled:
		return inlineFields - 1 + len(o.tail.spill().values)
	case o.spare != nil:
		return inlineFields - 1 + len(o.spare.values)
	}
	return inlineFields
}

func (o *inlineStore) fresh(t *Shape) store { return newInlineStore(t) }

// newStore allocates storage for a new instance of layout rooted at t.
func newStore(layout string, t *Shape) store {
	if layout == config.LayoutBoxed {
		return newBoxedStore(t)
	}
	return newInlineStore(t)
}
