package hierarchy

import (
	"bytes"
	"context"
	"errors"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooga/objcore/pkg/config"
	objerrors "github.com/nooga/objcore/pkg/errors"
	"github.com/nooga/objcore/pkg/vm"
)

func newRuntime(t *testing.T) *vm.Runtime {
	t.Helper()
	cfg := config.Default()
	cfg.CollectorCleanup = false
	rt, err := vm.NewRuntime(cfg)
	require.NoError(t, err)
	return rt
}

func classNames(classes []*vm.Class) []string {
	out := make([]string, len(classes))
	for i, c := range classes {
		out[i] = c.Name()
	}
	return out
}

func apply(t *testing.T, rt *vm.Runtime, files map[string]string) (*Hierarchy, []objerrors.ObjcoreError) {
	t.Helper()
	var srcs []Source
	for _, name := range slices.Sorted(maps.Keys(files)) {
		srcs = append(srcs, Source{Filename: name, Bytes: []byte(files[name])})
	}
	h, err := Apply(context.Background(), rt, srcs...)
	require.NotNil(t, h)
	return h, objerrors.Collect(err)
}

const shapes = `
class "Point" {
  bases      = ["object"]
  attributes = { origin = 0, scale = 1.5, label = "pt", tags = ["a", "b"], meta = { shown = true } }
}

class "Vec" {
  slots  = ["x", "y"]
  layout = "boxed"
}
`

func TestApplyLinksClassesAcrossFilesInAnyOrder(t *testing.T) {
	rt := newRuntime(t)
	h, errs := apply(t, rt, map[string]string{
		"a_derived.hcl": `
class "D" {
  bases = ["B", "C"]
}
class "B" {
  bases = ["A"]
}
`,
		"b_base.hcl": `
class "A" {}
class "C" {
  bases = ["A"]
}
`,
	})
	require.Empty(t, errs)
	d, ok := h.Class(rt, "D")
	require.True(t, ok)
	if diff := cmp.Diff([]string{"D", "B", "C", "A", "object"}, classNames(d.MRO())); diff != "" {
		t.Errorf("MRO mismatch (-want +got):\n%s", diff)
	}
	pos := map[string]int{}
	for i, n := range h.Order {
		pos[n] = i
	}
	assert.Less(t, pos["A"], pos["B"])
	assert.Less(t, pos["B"], pos["D"])
	assert.Less(t, pos["C"], pos["D"])
}

func TestApplyDecodesFlagsAndAttributes(t *testing.T) {
	rt := newRuntime(t)
	h, errs := apply(t, rt, map[string]string{"shapes.hcl": shapes})
	require.Empty(t, errs)

	point := h.Classes["Point"]
	assert.True(t, point.HasDict())
	assert.True(t, point.Weakrefable())
	assert.Equal(t, []string{"origin", "scale", "label", "tags", "meta"}, point.OwnNames(), "declaration order is kept")
	v, _ := point.Lookup("origin")
	assert.Equal(t, int64(0), v)
	v, _ = point.Lookup("scale")
	assert.Equal(t, 1.5, v)
	v, _ = point.Lookup("tags")
	assert.Equal(t, []vm.Value{"a", "b"}, v)
	v, _ = point.Lookup("meta")
	assert.Equal(t, map[string]vm.Value{"shown": true}, v)

	vec := h.Classes["Vec"]
	assert.False(t, vec.HasDict(), "declaring slots drops the dictionary")
	assert.Equal(t, config.LayoutBoxed, vec.Layout().Kind())
	assert.Equal(t, []string{"x", "y"}, vec.Slots())

	inst, err := rt.New(vec)
	require.NoError(t, err)
	require.NoError(t, rt.SetAttr(inst, "x", 1))
	var rej *objerrors.RejectedError
	assert.True(t, errors.As(rt.SetAttr(inst, "z", 1), &rej))

	pt, err := rt.New(point)
	require.NoError(t, err)
	v, ok := rt.GetAttr(pt, "label")
	require.True(t, ok)
	assert.Equal(t, "pt", v)
}

func TestApplyReportsCycleWithPosition(t *testing.T) {
	rt := newRuntime(t)
	src := `class "A" {
  bases = ["B"]
}
class "B" {
  bases = ["A"]
}
class "C" {
  bases = ["A"]
}
`
	h, errs := apply(t, rt, map[string]string{"cycle.hcl": src})
	require.Len(t, errs, 2, "only classes on the cycle are reported")
	for _, e := range errs {
		var herr *objerrors.HierarchyError
		require.True(t, errors.As(e, &herr), "got %v", e)
		assert.True(t, herr.Cycle)
		assert.Equal(t, "cycle.hcl", e.Pos().Filename)
	}
	assert.Equal(t, 2, errs[0].Pos().Line)
	assert.Equal(t, 5, errs[1].Pos().Line)
	assert.Empty(t, h.Classes)

	var buf bytes.Buffer
	objerrors.DisplayErrors(&buf, h.Sources, errs)
	assert.Contains(t, buf.String(), "Declaration Error at cycle.hcl:2:11")
	assert.Contains(t, buf.String(), `bases = ["B"]`)
}

func TestApplyReportsBadDeclarations(t *testing.T) {
	rt := newRuntime(t)
	h, errs := apply(t, rt, map[string]string{
		"bad.hcl": `
class "Orphan" {
  bases = ["Nowhere"]
}
class "Child" {
  bases = ["Orphan"]
}
class "X" {}
class "Y" {}
class "XY" {
  bases = ["X", "Y"]
}
class "YX" {
  bases = ["Y", "X"]
}
class "Z" {
  bases = ["XY", "YX"]
}
class "X" {}
class "object" {}
class "Shut" {
  bases = ["X"]
  dict  = false
}
class "Odd" {
  layout = "sparse"
}
`,
		"broken.hcl": `class "Unclosed" {`,
	})

	var msgs []string
	for _, e := range errs {
		msgs = append(msgs, e.Message())
	}
	out := strings.Join(msgs, "\n")
	assert.Contains(t, out, `unknown base "Nowhere"`)
	assert.NotContains(t, out, `"Child"`, "dependents of a broken class are not reported again")
	assert.Contains(t, out, `class "Z" rejected`)
	assert.Contains(t, out, `class "X" is already declared at bad.hcl:8:1`)
	assert.Contains(t, out, "cannot redeclare the root class")
	assert.Contains(t, out, `base "X" has an instance dictionary`)
	assert.Contains(t, out, `layout must be`)

	var herr *objerrors.HierarchyError
	found := false
	for _, e := range errs {
		if errors.As(e, &herr) && herr.Class == "Z" {
			found = true
		}
	}
	assert.True(t, found, "the C3 conflict is carried as the cause")
	assert.Contains(t, h.Classes, "XY")
	assert.NotContains(t, h.Classes, "Z")

	brokenReported := false
	for _, e := range errs {
		if e.Pos().Filename == "broken.hcl" {
			brokenReported = true
		}
	}
	assert.True(t, brokenReported)
}

func TestApplyLinksPlainSiblingBases(t *testing.T) {
	rt := newRuntime(t)
	h, errs := apply(t, rt, map[string]string{
		"mixins.hcl": `
class "Named" {
  attributes = { name = "?" }
}
class "Sized" {
  attributes = { size = 0 }
}
class "Widget" {
  bases = ["Named", "Sized"]
}
`,
	})
	require.Empty(t, errs)
	w := h.Classes["Widget"]
	require.NotNil(t, w)
	assert.Equal(t, []string{"Widget", "Named", "Sized", "object"}, classNames(w.MRO()))

	inst, err := rt.New(w)
	require.NoError(t, err)
	v, ok := rt.GetAttr(inst, "size")
	require.True(t, ok)
	assert.Equal(t, int64(0), v)
}

func TestApplyRejectsSlotShadowedByAttribute(t *testing.T) {
	rt := newRuntime(t)
	h, errs := apply(t, rt, map[string]string{
		"vec.hcl": `
class "Vec" {
  slots      = ["x", "y"]
  attributes = { x = 0 }
}
`,
	})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message(), `class "Vec" rejected`)
	assert.Contains(t, errs[0].Message(), `"x" in slots conflicts with class variable`)
	var lerr *objerrors.LayoutError
	assert.True(t, errors.As(errs[0], &lerr))
	assert.NotContains(t, h.Classes, "Vec")
}

func TestLoadReadsDirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.hcl"), []byte(`class "Base" {}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "leaf.hcl"), []byte(`class "Leaf" { bases = ["Base"] }`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not hcl"), 0o644))

	rt := newRuntime(t)
	h, err := Load(context.Background(), rt, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"Base", "Leaf"}, h.Order)
	assert.Len(t, h.Sources, 2)

	_, err = Load(context.Background(), rt, filepath.Join(dir, "missing.hcl"))
	assert.Error(t, err)
}
