package vm

import (
	"errors"
	"fmt"
	"slices"
	"weak"

	"github.com/nooga/objcore/pkg/config"
	objerrors "github.com/nooga/objcore/pkg/errors"
	"github.com/nooga/objcore/pkg/mro"
)

// ClassState is the lifecycle state of a class record.
type ClassState uint8

const (
	ClassUnlinked ClassState = iota
	ClassLinked
)

func (s ClassState) String() string {
	switch s {
	case ClassUnlinked:
		return "unlinked"
	case ClassLinked:
		return "linked"
	default:
		return fmt.Sprintf("ClassState(%d)", uint8(s))
	}
}

// VersionTag identifies one version of a class. Any mutation of the class
// or of one of its ancestors replaces it.
type VersionTag struct {
	id uint64
}

func (t *VersionTag) ID() uint64 { return t.id }

// SlotMember is the class attribute describing a declared slot. Reading or
// writing the slot's name on an instance goes to the slot storage.
type SlotMember struct {
	Owner *Class
	Name  string
	index int // position across the whole layout chain
}

func (d *SlotMember) key() attrKey { return attrKey{name: d.Name, kind: KindSlot, index: d.index} }

func (d *SlotMember) String() string { return fmt.Sprintf("<slot '%s' of '%s'>", d.Name, d.Owner.name) }

// Layout describes the fixed part of instance storage contributed by a class
// and its ancestors: declared slots and the physical store kind.
type Layout struct {
	base   *Layout
	owner  *Class
	slots  []string
	kind   string
	nslots int
}

func (l *Layout) Owner() *Class { return l.owner }
func (l *Layout) Kind() string  { return l.kind }

// NumSlots returns the number of declared slots across the layout chain.
func (l *Layout) NumSlots() int { return l.nslots }

// extends reports whether other is l or one of its bases.
func (l *Layout) extends(other *Layout) bool {
	for cur := l; cur != nil; cur = cur.base {
		if cur == other {
			return true
		}
	}
	return false
}

// solid returns the nearest layout in the chain that declares slots, or the
// root layout.
func (l *Layout) solid() *Layout {
	cur := l
	for len(cur.slots) == 0 && cur.base != nil {
		cur = cur.base
	}
	return cur
}

// compatible reports whether instances of l and other store the same things
// in the same places.
func (l *Layout) compatible(other *Layout) bool {
	return l.kind == other.kind && l.solid() == other.solid()
}

// ClassSpec describes a class to create.
type ClassSpec struct {
	Name string
	// Bases defaults to the root object class.
	Bases []*Class
	// Slots declares slot attributes. "__dict__" and "__weakref__" in the
	// list turn the dictionary and weak reference support back on.
	Slots []string
	// NoDict forbids an instance dictionary. A class whose base has a
	// dictionary always has one.
	NoDict bool
	// NoWeakref forbids weak references, with the same inheritance rule.
	NoWeakref bool
	// Layout is config.LayoutInline or config.LayoutBoxed; empty inherits
	// from the bases, falling back to the runtime default.
	Layout string
	// Attrs is the initial class dictionary, applied in Order (or map order
	// sorted by name when Order is nil).
	Attrs map[string]Value
	Order []string
}

// Class is a class record.
type Class struct {
	rt    *Runtime
	id    uint64
	name  string
	bases []*Class
	mro   []*Class
	state ClassState
	tag   *VersionTag

	names []string
	attrs map[string]Value

	subclasses []weak.Pointer[Class]

	slots       []string
	layout      *Layout
	hasDict     bool
	weakrefable bool
	terminator  *Shape
}

func (c *Class) ID() uint64         { return c.id }
func (c *Class) Name() string       { return c.name }
func (c *Class) State() ClassState  { return c.state }
func (c *Class) Tag() *VersionTag   { return c.tag }
func (c *Class) Layout() *Layout    { return c.layout }
func (c *Class) HasDict() bool      { return c.hasDict }
func (c *Class) Weakrefable() bool  { return c.weakrefable }
func (c *Class) Terminator() *Shape { return c.terminator }
func (c *Class) Bases() []*Class    { return slices.Clone(c.bases) }
func (c *Class) MRO() []*Class      { return slices.Clone(c.mro) }
func (c *Class) Slots() []string    { return slices.Clone(c.slots) }
func (c *Class) String() string     { return fmt.Sprintf("<class '%s'>", c.name) }
func (c *Class) Runtime() *Runtime  { return c.rt }
func (c *Class) OwnNames() []string { return slices.Clone(c.names) }

// IsSubclass reports whether other appears in the MRO of c.
func (c *Class) IsSubclass(other *Class) bool {
	return slices.Contains(c.mro, other)
}

// Lookup returns the value of name from the class's own dictionary.
func (c *Class) Lookup(name string) (Value, bool) {
	v, ok := c.attrs[name]
	return v, ok
}

// Subclasses returns the live direct subclasses, pruning collected ones.
func (c *Class) Subclasses() []*Class {
	out := make([]*Class, 0, len(c.subclasses))
	live := c.subclasses[:0]
	for _, wp := range c.subclasses {
		if sub := wp.Value(); sub != nil {
			out = append(out, sub)
			live = append(live, wp)
		}
	}
	clear(c.subclasses[len(live):])
	c.subclasses = live
	return out
}

func (c *Class) addSubclass(sub *Class) {
	c.subclasses = append(c.subclasses, weak.Make(sub))
}

func (c *Class) removeSubclass(sub *Class) {
	c.subclasses = slices.DeleteFunc(c.subclasses, func(wp weak.Pointer[Class]) bool {
		v := wp.Value()
		return v == nil || v == sub
	})
}

// SetAttr stores name in the class dictionary and invalidates the class and
// every subclass.
func (c *Class) SetAttr(name string, v Value) {
	if _, ok := c.attrs[name]; !ok {
		c.names = append(c.names, name)
	}
	c.attrs[name] = v
	c.invalidate("set " + name)
}

// DelAttr removes name from the class dictionary.
func (c *Class) DelAttr(name string) bool {
	if _, ok := c.attrs[name]; !ok {
		return false
	}
	delete(c.attrs, name)
	c.names = slices.DeleteFunc(c.names, func(n string) bool { return n == name })
	c.invalidate("del " + name)
	return true
}

// invalidate replaces the tag of c and of every live transitive subclass.
func (c *Class) invalidate(reason string) {
	rt := c.rt
	seen := map[*Class]bool{}
	var walk func(k *Class)
	walk = func(k *Class) {
		if seen[k] {
			return
		}
		seen[k] = true
		k.tag = rt.newTag()
		for _, sub := range k.Subclasses() {
			walk(sub)
		}
	}
	walk(c)
	n := len(seen)
	rt.stats.Invalidations += uint64(n)
	rt.metrics.Invalidated(n)
	rt.logger.Debug("class invalidated", "class", c.name, "reason", reason, "cascade", n)
}

// transitiveSubclasses returns c's live subclasses with every class placed
// after all of its bases that are also in the result.
func (c *Class) transitiveSubclasses() []*Class {
	var all []*Class
	seen := map[*Class]bool{c: true}
	queue := []*Class{c}
	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		for _, sub := range k.Subclasses() {
			if !seen[sub] {
				seen[sub] = true
				all = append(all, sub)
				queue = append(queue, sub)
			}
		}
	}
	done := map[*Class]bool{c: true}
	ordered := make([]*Class, 0, len(all))
	for len(ordered) < len(all) {
		for _, k := range all {
			if done[k] {
				continue
			}
			ready := true
			for _, b := range k.bases {
				if seen[b] && !done[b] {
					ready = false
					break
				}
			}
			if ready {
				done[k] = true
				ordered = append(ordered, k)
			}
		}
	}
	return ordered
}

// NewClass creates and links a class.
func (rt *Runtime) NewClass(spec ClassSpec) (*Class, error) {
	bases := spec.Bases
	if len(bases) == 0 && rt.object != nil {
		bases = []*Class{rt.object}
	}
	cls := &Class{
		rt:    rt,
		id:    rt.nextID(),
		name:  spec.Name,
		bases: slices.Clone(bases),
		attrs: make(map[string]Value, len(spec.Attrs)),
		state: ClassUnlinked,
	}

	m, err := rt.linearize(cls, cls.bases, nil)
	if err != nil {
		return nil, err
	}

	slots, wantDict, wantWeak, err := parseSlots(spec)
	if err != nil {
		return nil, err
	}
	for _, s := range slots {
		if _, clash := spec.Attrs[s]; clash {
			return nil, &objerrors.LayoutError{Class: spec.Name, Msg: fmt.Sprintf("%q in slots conflicts with class variable", s)}
		}
	}
	baseLayout, err := bestLayout(spec.Name, cls.bases)
	if err != nil {
		return nil, err
	}
	kind := spec.Layout
	if kind == "" {
		if baseLayout != nil && baseLayout.owner != rt.object {
			kind = baseLayout.kind
		} else {
			kind = rt.cfg.DefaultLayout
		}
	}
	if kind != config.LayoutInline && kind != config.LayoutBoxed {
		return nil, &objerrors.LayoutError{Class: spec.Name, Msg: fmt.Sprintf("unknown instance layout %q", kind)}
	}
	cls.hasDict, cls.weakrefable = wantDict, wantWeak
	for _, b := range cls.bases {
		cls.hasDict = cls.hasDict || b.hasDict
		cls.weakrefable = cls.weakrefable || b.weakrefable
	}
	cls.slots = slots
	if len(slots) > 0 || baseLayout == nil || baseLayout.kind != kind || baseLayout.owner == rt.object {
		l := &Layout{base: baseLayout, owner: cls, slots: slots, kind: kind, nslots: len(slots)}
		if baseLayout != nil {
			l.nslots += baseLayout.nslots
		}
		cls.layout = l
	} else {
		cls.layout = baseLayout
	}
	start := cls.layout.nslots - len(slots)
	for i, s := range slots {
		cls.attrs[s] = &SlotMember{Owner: cls, Name: s, index: start + i}
		cls.names = append(cls.names, s)
	}

	order := spec.Order
	if order == nil {
		order = sortedKeys(spec.Attrs)
	}
	for _, name := range order {
		v, ok := spec.Attrs[name]
		if !ok {
			continue
		}
		if _, dup := cls.attrs[name]; !dup {
			cls.names = append(cls.names, name)
		}
		cls.attrs[name] = v
	}

	policy := PolicyNoDict
	if cls.hasDict {
		policy = PolicyDict
	}
	cls.terminator = newTerminator(rt, cls, policy)

	cls.mro = m
	cls.tag = rt.newTag()
	cls.state = ClassLinked
	for _, b := range cls.bases {
		b.addSubclass(cls)
	}
	rt.logger.Debug("class linked", "class", cls.name, "mro", mroNames(cls.mro), "layout", kind, "policy", policy)
	return cls, nil
}

// parseSlots splits the declared slots from the __dict__ and __weakref__
// markers and applies the NoDict and NoWeakref flags.
func parseSlots(spec ClassSpec) (slots []string, hasDict, weakrefable bool, err error) {
	hasDict, weakrefable = !spec.NoDict, !spec.NoWeakref
	for _, s := range spec.Slots {
		switch s {
		case dictHandleKey.name:
			hasDict = true
			continue
		case weakrefKey.name:
			weakrefable = true
			continue
		}
		if s == "" {
			return nil, false, false, &objerrors.LayoutError{Class: spec.Name, Msg: "empty slot name"}
		}
		if slices.Contains(slots, s) {
			return nil, false, false, &objerrors.LayoutError{Class: spec.Name, Msg: fmt.Sprintf("duplicate slot %q", s)}
		}
		slots = append(slots, s)
	}
	return slots, hasDict, weakrefable, nil
}

// bestLayout picks the base layout instances of a new subclass build on.
// Layouts are compared by their solid part and store kind, so plain bases
// that only differ in which class owns the layout never conflict. The solid
// layouts must lie on one chain and the non-root kinds must agree.
func bestLayout(name string, bases []*Class) (*Layout, error) {
	var winner *Layout
	var winnerClass *Class
	for _, b := range bases {
		l := b.layout
		if winner == nil {
			winner, winnerClass = l, b
			continue
		}
		ws, ls := winner.solid(), l.solid()
		switch {
		case !kindsAgree(winner, l):
		case ls == ws:
			if winner.base == nil {
				winner, winnerClass = l, b
			}
			continue
		case ls.extends(ws):
			winner, winnerClass = l, b
			continue
		case ws.extends(ls):
			continue
		}
		return nil, &objerrors.LayoutError{
			Class: name,
			Msg:   fmt.Sprintf("multiple bases have instance layout conflict: %s and %s", winnerClass.name, b.name),
		}
	}
	return winner, nil
}

// kindsAgree reports whether two layouts use the same store kind. The root
// layout fits every kind.
func kindsAgree(a, b *Layout) bool {
	return a.base == nil || b.base == nil || a.kind == b.kind
}

// linearize runs C3 for cls with the given bases. pending holds
// linearizations computed for a base change that is not committed yet.
func (rt *Runtime) linearize(cls *Class, bases []*Class, pending map[*Class][]*Class) ([]*Class, error) {
	mroOf := func(b *Class) []*Class {
		if m, ok := pending[b]; ok {
			return m
		}
		return b.mro
	}
	m, err := mro.Linearize(cls, bases, mroOf)
	if err == nil {
		return m, nil
	}
	herr := &objerrors.HierarchyError{Class: cls.name}
	var cycle *mro.CycleError[*Class]
	var conflict *mro.ConflictError[*Class]
	var dup *mro.DuplicateBaseError[*Class]
	switch {
	case errors.As(err, &cycle):
		herr.Cycle = true
		herr.Msg = fmt.Sprintf("a __bases__ item causes an inheritance cycle through %s", cycle.Base.name)
	case errors.As(err, &conflict):
		herr.Msg = fmt.Sprintf("cannot create a consistent method resolution order (MRO) for bases %v", mroNames(conflict.Heads))
	case errors.As(err, &dup):
		herr.Msg = fmt.Sprintf("duplicate base class %s", dup.Base.name)
	default:
		herr.Msg = err.Error()
	}
	return nil, herr.CausedBy(err)
}

// ComputeMRO returns the C3 linearization of cls from its current bases.
func (rt *Runtime) ComputeMRO(cls *Class) ([]*Class, error) {
	return rt.linearize(cls, cls.bases, nil)
}

// SetBases replaces the bases of cls. Every precondition is checked before
// anything changes: no cycle, a consistent MRO for cls and each of its
// subclasses, and an unchanged instance layout.
func (rt *Runtime) SetBases(cls *Class, bases []*Class) error {
	if cls == rt.object {
		return &objerrors.HierarchyError{Class: cls.name, Msg: "cannot change the bases of the root class"}
	}
	if len(bases) == 0 {
		bases = []*Class{rt.object}
	}
	for _, b := range bases {
		if b == cls || b.IsSubclass(cls) {
			rt.logger.Debug("base change rejected", "class", cls.name, "base", b.name, "reason", "cycle")
			return &objerrors.HierarchyError{
				Class: cls.name,
				Cycle: true,
				Msg:   fmt.Sprintf("a __bases__ item causes an inheritance cycle through %s", b.name),
			}
		}
	}

	pending := map[*Class][]*Class{}
	m, err := rt.linearize(cls, bases, pending)
	if err != nil {
		rt.logger.Debug("base change rejected", "class", cls.name, "err", err)
		return err
	}
	pending[cls] = m
	subs := cls.transitiveSubclasses()
	for _, sub := range subs {
		sm, err := rt.linearize(sub, sub.bases, pending)
		if err != nil {
			rt.logger.Debug("base change rejected", "class", cls.name, "subclass", sub.name, "err", err)
			return err
		}
		pending[sub] = sm
	}

	if err := cls.checkBasesLayout(bases); err != nil {
		rt.logger.Debug("base change rejected", "class", cls.name, "err", err)
		return err
	}

	for _, b := range cls.bases {
		b.removeSubclass(cls)
	}
	cls.bases = slices.Clone(bases)
	for _, b := range cls.bases {
		b.addSubclass(cls)
	}
	for k, km := range pending {
		k.mro = km
	}
	cls.relinkLayout()
	for _, sub := range subs {
		sub.relinkLayout()
	}
	cls.invalidate("bases changed")
	return nil
}

// checkBasesLayout verifies that switching to bases would leave the
// instance storage of cls unchanged.
func (c *Class) checkBasesLayout(bases []*Class) error {
	best, err := bestLayout(c.name, bases)
	if err != nil {
		return err
	}
	// the part of the chain c stores on top of
	under := c.layout.solid()
	if c.layout.owner == c {
		under = c.layout.base.solid()
	}
	if best.solid() != under || !kindsAgree(best, c.layout) {
		return &objerrors.LayoutError{
			Class: c.name,
			Msg:   fmt.Sprintf("__bases__ assignment: '%s' object layout differs from '%s'", layoutOwnerName(best), c.name),
		}
	}
	dict, weakref := false, false
	for _, b := range bases {
		dict = dict || b.hasDict
		weakref = weakref || b.weakrefable
	}
	if dict && !c.hasDict {
		return &objerrors.LayoutError{Class: c.name, Msg: "new bases would add an instance dictionary"}
	}
	if weakref && !c.weakrefable {
		return &objerrors.LayoutError{Class: c.name, Msg: "new bases would add weak reference support"}
	}
	return nil
}

// relinkLayout points the layout of c at its current bases after a base
// change. Slot positions and the store kind stay the same; bases must have
// been relinked first.
func (c *Class) relinkLayout() {
	best, err := bestLayout(c.name, c.bases)
	if err != nil {
		objerrors.Invariantf("relinking layout of %s: %v", c.name, err)
	}
	switch {
	case c.layout.owner == c:
		c.layout.base = best
	case best.base == nil:
		c.layout = &Layout{base: best, owner: c, kind: c.layout.kind, nslots: best.nslots}
	default:
		c.layout = best
	}
}

func layoutOwnerName(l *Layout) string {
	if l == nil {
		return "<none>"
	}
	return l.owner.name
}

func mroNames(classes []*Class) []string {
	names := make([]string, len(classes))
	for i, c := range classes {
		names[i] = c.name
	}
	return names
}

func sortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
