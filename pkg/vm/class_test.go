package vm

import (
	"errors"
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooga/objcore/pkg/config"
	objerrors "github.com/nooga/objcore/pkg/errors"
)

func TestNewClassComputesC3(t *testing.T) {
	rt := newTestRuntime(t)
	a := mustClass(t, rt, ClassSpec{Name: "A"})
	b := mustClass(t, rt, ClassSpec{Name: "B"})
	d := mustClass(t, rt, ClassSpec{Name: "D", Bases: []*Class{a, b}})

	want := []string{"D", "A", "B", "object"}
	if diff := cmp.Diff(want, mroNames(d.MRO())); diff != "" {
		t.Errorf("MRO mismatch (-want +got):\n%s", diff)
	}
	m, err := rt.ComputeMRO(d)
	require.NoError(t, err)
	assert.Equal(t, d.MRO(), m)
	assert.True(t, d.IsSubclass(a))
	assert.False(t, a.IsSubclass(d))
	assert.ElementsMatch(t, []*Class{d}, a.Subclasses())
}

func TestPlainSiblingBasesShareALayout(t *testing.T) {
	rt := newTestRuntime(t)
	a := mustClass(t, rt, ClassSpec{Name: "A"})
	b := mustClass(t, rt, ClassSpec{Name: "B"})
	d := mustClass(t, rt, ClassSpec{Name: "D", Bases: []*Class{a, b}})
	inst := mustNew(t, rt, d)
	mustSet(t, rt, inst, "x", 1)
	v, ok := rt.GetAttr(inst, "x")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	boxedA := mustClass(t, rt, ClassSpec{Name: "BA", Layout: config.LayoutBoxed})
	boxedB := mustClass(t, rt, ClassSpec{Name: "BB", Layout: config.LayoutBoxed})
	bd := mustClass(t, rt, ClassSpec{Name: "BD", Bases: []*Class{boxedA, boxedB}})
	assert.Equal(t, config.LayoutBoxed, bd.Layout().Kind())

	// a slotted base wins over a plain one
	s := mustClass(t, rt, ClassSpec{Name: "S", Slots: []string{"v"}})
	mixed := mustClass(t, rt, ClassSpec{Name: "M", Bases: []*Class{a, s}})
	assert.Equal(t, 1, mixed.Layout().NumSlots())
	mustClass(t, rt, ClassSpec{Name: "AO", Bases: []*Class{a, rt.Object()}})

	_, err := rt.NewClass(ClassSpec{Name: "Mixed", Bases: []*Class{a, boxedB}})
	var lerr *objerrors.LayoutError
	require.True(t, errors.As(err, &lerr), "inline and boxed bases store values differently: %v", err)
}

func TestNewClassRejectsSlotShadowedByClassVariable(t *testing.T) {
	rt := newTestRuntime(t)
	_, err := rt.NewClass(ClassSpec{
		Name:   "P",
		Slots:  []string{"x"},
		NoDict: true,
		Attrs:  map[string]Value{"x": 1},
	})
	var lerr *objerrors.LayoutError
	require.True(t, errors.As(err, &lerr), "got %v", err)
	assert.Contains(t, lerr.Msg, `"x" in slots conflicts with class variable`)
	assert.Empty(t, rt.Object().Subclasses())
}

func TestNewClassRejectsInconsistentMRO(t *testing.T) {
	rt := newTestRuntime(t)
	a := mustClass(t, rt, ClassSpec{Name: "A"})
	b := mustClass(t, rt, ClassSpec{Name: "B"})
	x := mustClass(t, rt, ClassSpec{Name: "X", Bases: []*Class{a, b}})
	y := mustClass(t, rt, ClassSpec{Name: "Y", Bases: []*Class{b, a}})

	_, err := rt.NewClass(ClassSpec{Name: "Z", Bases: []*Class{x, y}})
	var herr *objerrors.HierarchyError
	require.True(t, errors.As(err, &herr), "got %v", err)
	assert.Contains(t, herr.Msg, "consistent method resolution order")
	assert.Equal(t, "Z", herr.Class)
	assert.False(t, herr.Cycle)
	assert.Empty(t, x.Subclasses(), "failed class is not linked into its bases")

	_, err = rt.NewClass(ClassSpec{Name: "Dup", Bases: []*Class{a, a}})
	require.True(t, errors.As(err, &herr))
}

func TestSetBasesRejectsCycle(t *testing.T) {
	rt := newTestRuntime(t)
	a := mustClass(t, rt, ClassSpec{Name: "A"})
	b := mustClass(t, rt, ClassSpec{Name: "B", Bases: []*Class{a}})
	tag := a.Tag()
	mroBefore := a.MRO()

	err := rt.SetBases(a, []*Class{b})
	var herr *objerrors.HierarchyError
	require.True(t, errors.As(err, &herr), "got %v", err)
	assert.True(t, herr.Cycle)
	assert.Equal(t, "A", herr.Class)

	assert.Same(t, tag, a.Tag(), "rejected change leaves the tag alone")
	assert.Equal(t, mroBefore, a.MRO())
	assert.Equal(t, []*Class{rt.Object()}, a.Bases())

	err = rt.SetBases(a, []*Class{a})
	require.True(t, errors.As(err, &herr))
	assert.True(t, herr.Cycle)
}

func TestSetBasesRecomputesSubclassMROs(t *testing.T) {
	rt := newTestRuntime(t)
	a := mustClass(t, rt, ClassSpec{Name: "A", Attrs: map[string]Value{"who": "A"}})
	b := mustClass(t, rt, ClassSpec{Name: "B", Attrs: map[string]Value{"who": "B"}})
	c := mustClass(t, rt, ClassSpec{Name: "C", Bases: []*Class{a}})
	d := mustClass(t, rt, ClassSpec{Name: "D", Bases: []*Class{c}})
	inst := mustNew(t, rt, d)

	v, _ := rt.GetAttr(inst, "who")
	require.Equal(t, "A", v)
	dTag := d.Tag()

	require.NoError(t, rt.SetBases(c, []*Class{b}))
	assert.Equal(t, []string{"C", "B", "object"}, mroNames(c.MRO()))
	assert.Equal(t, []string{"D", "C", "B", "object"}, mroNames(d.MRO()))
	assert.NotSame(t, dTag, d.Tag())
	assert.Empty(t, a.Subclasses())
	assert.Equal(t, []*Class{c}, b.Subclasses())

	v, _ = rt.GetAttr(inst, "who")
	assert.Equal(t, "B", v, "stale method cache entries are not used")
}

func TestSetBasesIsTransactionalOnSubclassConflict(t *testing.T) {
	rt := newTestRuntime(t)
	a := mustClass(t, rt, ClassSpec{Name: "A"})
	x := mustClass(t, rt, ClassSpec{Name: "X"})
	// Y(A, X) is fine now; making X derive from A breaks Y's MRO.
	y := mustClass(t, rt, ClassSpec{Name: "Y", Bases: []*Class{a, x}})
	xTag, yMRO := x.Tag(), y.MRO()

	err := rt.SetBases(x, []*Class{a})
	var herr *objerrors.HierarchyError
	require.True(t, errors.As(err, &herr), "got %v", err)
	assert.Equal(t, "Y", herr.Class)
	assert.Same(t, xTag, x.Tag())
	assert.Equal(t, []*Class{rt.Object()}, x.Bases())
	assert.Equal(t, yMRO, y.MRO())
}

func TestSetBasesRejectsLayoutChange(t *testing.T) {
	rt := newTestRuntime(t)
	slotted := mustClass(t, rt, ClassSpec{Name: "Slotted", Slots: []string{"v"}})
	plain := mustClass(t, rt, ClassSpec{Name: "Plain"})
	other := mustClass(t, rt, ClassSpec{Name: "Other"})
	child := mustClass(t, rt, ClassSpec{Name: "Child", Bases: []*Class{plain}})

	err := rt.SetBases(child, []*Class{slotted})
	var lerr *objerrors.LayoutError
	require.True(t, errors.As(err, &lerr), "got %v", err)
	assert.Equal(t, []*Class{plain}, child.Bases())

	require.NoError(t, rt.SetBases(child, []*Class{other}), "slotless bases share the root layout")
}

func TestSetBasesRelinksLayouts(t *testing.T) {
	rt := newTestRuntime(t)
	a := mustClass(t, rt, ClassSpec{Name: "A"})
	b := mustClass(t, rt, ClassSpec{Name: "B"})
	slotted := mustClass(t, rt, ClassSpec{Name: "C", Bases: []*Class{a}, Slots: []string{"c"}})
	plain := mustClass(t, rt, ClassSpec{Name: "E", Bases: []*Class{a}})
	sub := mustClass(t, rt, ClassSpec{Name: "F", Bases: []*Class{plain}})
	own := slotted.Layout()

	require.NoError(t, rt.SetBases(slotted, []*Class{b}))
	assert.Same(t, own, slotted.Layout(), "slot positions stay put")
	assert.Same(t, b.Layout(), slotted.Layout().base)

	require.NoError(t, rt.SetBases(plain, []*Class{b}))
	assert.Same(t, b.Layout(), plain.Layout())
	assert.Same(t, b.Layout(), sub.Layout())

	require.NoError(t, rt.SetBases(plain, nil))
	assert.Same(t, plain, plain.Layout().Owner())
	assert.Equal(t, config.LayoutInline, plain.Layout().Kind())
	assert.Same(t, rt.Object().Layout(), plain.Layout().base)
	assert.Same(t, plain.Layout(), sub.Layout())

	// new subclasses build on the relinked chain
	both := mustClass(t, rt, ClassSpec{Name: "G", Bases: []*Class{slotted, b}, Slots: []string{"g"}})
	assert.Equal(t, 2, both.Layout().NumSlots())
	inst := mustNew(t, rt, both)
	mustSet(t, rt, inst, "c", 1)
	mustSet(t, rt, inst, "g", 2)
	v, _ := rt.GetAttr(inst, "c")
	assert.Equal(t, 1, v)
}

func TestConflictingSlotLayoutsAreRejected(t *testing.T) {
	rt := newTestRuntime(t)
	a := mustClass(t, rt, ClassSpec{Name: "A", Slots: []string{"a"}})
	b := mustClass(t, rt, ClassSpec{Name: "B", Slots: []string{"b"}})
	_, err := rt.NewClass(ClassSpec{Name: "AB", Bases: []*Class{a, b}})
	var lerr *objerrors.LayoutError
	require.True(t, errors.As(err, &lerr), "got %v", err)
	assert.Equal(t, "AB", lerr.Class)

	// extending one slotted base is fine
	aa := mustClass(t, rt, ClassSpec{Name: "AA", Bases: []*Class{a}, Slots: []string{"a"}})
	assert.Equal(t, 2, aa.Layout().NumSlots())

	_, err = rt.NewClass(ClassSpec{Name: "Dup", Slots: []string{"s", "s"}})
	require.True(t, errors.As(err, &lerr))
	_, err = rt.NewClass(ClassSpec{Name: "Bad", Layout: "sparse"})
	require.True(t, errors.As(err, &lerr))
}

func TestSameSlotNameInTwoLayoutsIsTwoSlots(t *testing.T) {
	rt := newTestRuntime(t)
	a := mustClass(t, rt, ClassSpec{Name: "A", Slots: []string{"v"}})
	b := mustClass(t, rt, ClassSpec{Name: "B", Bases: []*Class{a}, Slots: []string{"v"}})
	inst := mustNew(t, rt, b)
	mustSet(t, rt, inst, "v", "b")

	outer, _ := b.Lookup("v")
	inner, _ := a.Lookup("v")
	require.IsType(t, &SlotMember{}, outer)
	assert.NotEqual(t, outer.(*SlotMember).key(), inner.(*SlotMember).key())
	_, ok := rt.readAttr(inst, inner.(*SlotMember).key())
	assert.False(t, ok, "the shadowed slot stays empty")
	v, _ := rt.GetAttr(inst, "v")
	assert.Equal(t, "b", v)
}

func TestInvalidationReachesEveryDescendant(t *testing.T) {
	rt := newTestRuntime(t)
	root := mustClass(t, rt, ClassSpec{Name: "Root"})
	left := mustClass(t, rt, ClassSpec{Name: "Left", Bases: []*Class{root}})
	right := mustClass(t, rt, ClassSpec{Name: "Right", Bases: []*Class{root}})
	bottom := mustClass(t, rt, ClassSpec{Name: "Bottom", Bases: []*Class{left, right}})
	unrelated := mustClass(t, rt, ClassSpec{Name: "Unrelated"})

	tags := map[*Class]*VersionTag{}
	for _, c := range []*Class{root, left, right, bottom, unrelated} {
		tags[c] = c.Tag()
	}
	before := rt.Stats().Invalidations
	root.SetAttr("m", 1)

	for _, c := range []*Class{root, left, right, bottom} {
		assert.NotSame(t, tags[c], c.Tag(), "%s kept its tag", c.Name())
	}
	assert.Same(t, tags[unrelated], unrelated.Tag())
	assert.Equal(t, before+4, rt.Stats().Invalidations, "diamond descendant is counted once")

	where, v, found := rt.ResolveMethod(bottom, "m")
	require.True(t, found)
	assert.Same(t, root, where)
	assert.Equal(t, 1, v)

	left.SetAttr("m", 2)
	where, v, _ = rt.ResolveMethod(bottom, "m")
	assert.Same(t, left, where)
	assert.Equal(t, 2, v)
	assert.Same(t, tags[unrelated], unrelated.Tag())

	require.True(t, left.DelAttr("m"))
	assert.False(t, left.DelAttr("m"))
	where, _, _ = rt.ResolveMethod(bottom, "m")
	assert.Same(t, root, where)
}

func TestMethodCacheCachesNegativeResults(t *testing.T) {
	rt := newTestRuntime(t)
	cls := mustClass(t, rt, ClassSpec{Name: "A"})
	_, _, found := rt.ResolveMethod(cls, "missing")
	require.False(t, found)
	hits := rt.Stats().MethodHits
	_, _, found = rt.ResolveMethod(cls, "missing")
	assert.False(t, found)
	assert.Equal(t, hits+1, rt.Stats().MethodHits)

	cls.SetAttr("missing", "now here")
	_, v, found := rt.ResolveMethod(cls, "missing")
	assert.True(t, found)
	assert.Equal(t, "now here", v)
}

func TestClassAttrsKeepDeclarationOrder(t *testing.T) {
	rt := newTestRuntime(t)
	cls := mustClass(t, rt, ClassSpec{
		Name:  "Ordered",
		Slots: []string{"s"},
		Attrs: map[string]Value{"z": 1, "a": 2},
		Order: []string{"z", "a"},
	})
	cls.SetAttr("m", 3)
	assert.Equal(t, []string{"s", "z", "a", "m"}, cls.OwnNames())
	cls.DelAttr("z")
	assert.Equal(t, []string{"s", "a", "m"}, cls.OwnNames())
}

func TestCollectedSubclassesArePruned(t *testing.T) {
	rt := newTestRuntime(t)
	base := mustClass(t, rt, ClassSpec{Name: "Base"})
	func() {
		mustClass(t, rt, ClassSpec{Name: "Temp", Bases: []*Class{base}})
	}()
	assert.Eventually(t, func() bool {
		runtime.GC()
		return len(base.Subclasses()) == 0
	}, timeout, tick)
	base.SetAttr("x", 1)
}

func TestSetClassMovesInstance(t *testing.T) {
	rt := newTestRuntime(t)
	a := mustClass(t, rt, ClassSpec{Name: "A", Attrs: map[string]Value{"who": "A"}})
	b := mustClass(t, rt, ClassSpec{Name: "B", Attrs: map[string]Value{"who": "B"}})
	slotted := mustClass(t, rt, ClassSpec{Name: "S", Slots: []string{"__dict__", "v"}})
	inst := mustNew(t, rt, a)
	mustSet(t, rt, inst, "x", 1)
	mustSet(t, rt, inst, "y", 2)

	require.NoError(t, rt.SetClass(inst, b))
	assert.Same(t, b, inst.Class())
	assert.Same(t, b.Terminator(), inst.Shape().Terminator())
	v, _ := rt.GetAttr(inst, "who")
	assert.Equal(t, "B", v)
	v, _ = rt.GetAttr(inst, "y")
	assert.Equal(t, 2, v)

	var lerr *objerrors.LayoutError
	require.True(t, errors.As(rt.SetClass(inst, slotted), &lerr))
	assert.Same(t, b, inst.Class())

	_, err := rt.Devolve(inst)
	require.NoError(t, err)
	require.NoError(t, rt.SetClass(inst, a))
	assert.Equal(t, PolicyDevolved, inst.Shape().Policy(), "devolved instances stay devolved")
	v, _ = rt.GetAttr(inst, "x")
	assert.Equal(t, 1, v)
	v, _ = rt.GetAttr(inst, "who")
	assert.Equal(t, "A", v)
}
