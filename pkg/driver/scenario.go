package driver

import (
	"fmt"
	"io"

	"github.com/nooga/objcore/pkg/vm"
)

// step is one stage of the reference scenario. check returns the lines to
// print, or an error when the object model misbehaved.
type step struct {
	title string
	check func() ([]string, error)
}

// RunScenario runs the Point/Line walkthrough on the session's runtime and
// writes a transcript to w:
//
//	p1 sets x then y, p2 sets y then x, and both land on one shape;
//	a Line holds both points; p2 is devolved and still answers x;
//	adding dist to Point is visible at once while Line keeps its tag and
//	its cached lookups.
func (s *Session) RunScenario(w io.Writer) error {
	rt := s.rt
	var (
		point, line *vm.Class
		p1, p2, l   *vm.Instance
		lineTag     *vm.VersionTag
	)
	get := func(inst *vm.Instance, name string) (vm.Value, error) {
		v, ok := rt.GetAttr(inst, name)
		if !ok {
			return nil, fmt.Errorf("%s has no attribute %q", inst, name)
		}
		return v, nil
	}
	set := func(inst *vm.Instance, pairs ...any) error {
		for i := 0; i < len(pairs); i += 2 {
			if err := rt.SetAttr(inst, pairs[i].(string), pairs[i+1]); err != nil {
				return err
			}
		}
		return nil
	}

	steps := []step{
		{"define classes", func() ([]string, error) {
			var err error
			if point, err = rt.NewClass(vm.ClassSpec{Name: "Point"}); err != nil {
				return nil, err
			}
			if line, err = rt.NewClass(vm.ClassSpec{Name: "Line"}); err != nil {
				return nil, err
			}
			return []string{point.String(), line.String()}, nil
		}},
		{"populate points", func() ([]string, error) {
			var err error
			if p1, err = rt.New(point); err != nil {
				return nil, err
			}
			if p2, err = rt.New(point); err != nil {
				return nil, err
			}
			if err := set(p1, "x", 1, "y", 2); err != nil {
				return nil, err
			}
			if err := set(p2, "y", 20, "x", 10); err != nil {
				return nil, err
			}
			if p1.Shape() != p2.Shape() {
				return nil, fmt.Errorf("p1 is on %s but p2 is on %s", p1.Shape(), p2.Shape())
			}
			sx1, sx2 := p1.Shape().Lookup("x").Slot(), p2.Shape().Lookup("x").Slot()
			if sx1 != sx2 {
				return nil, fmt.Errorf("x is in slot %d of p1 and slot %d of p2", sx1, sx2)
			}
			return []string{
				"p1: x=1 then y=2, p2: y=20 then x=10",
				fmt.Sprintf("shared shape: %s", p1.Shape()),
				fmt.Sprintf("x in slot %d, y in slot %d", sx1, p1.Shape().Lookup("y").Slot()),
			}, nil
		}},
		{"link points", func() ([]string, error) {
			var err error
			if l, err = rt.New(line); err != nil {
				return nil, err
			}
			if err := set(l, "start", p1, "end", p2); err != nil {
				return nil, err
			}
			for _, name := range []string{"start", "end"} {
				if _, err := get(l, name); err != nil {
					return nil, err
				}
			}
			lineTag = line.Tag()
			return []string{fmt.Sprintf("line on %s", l.Shape())}, nil
		}},
		{"devolve p2", func() ([]string, error) {
			m, err := rt.Devolve(p2)
			if err != nil {
				return nil, err
			}
			x, err := get(p2, "x")
			if err != nil {
				return nil, err
			}
			if x != 10 {
				return nil, fmt.Errorf("p2.x = %v after devolution, want 10", x)
			}
			if x, _ := get(p1, "x"); x != 1 {
				return nil, fmt.Errorf("p1.x = %v, want 1", x)
			}
			return []string{
				fmt.Sprintf("p2 now on %s (%s), %d keys in the mapping", p2.Shape(), p2.Shape().Policy(), m.Len()),
				fmt.Sprintf("p2.x = %v, p1.x = 1", x),
			}, nil
		}},
		{"add Point.dist", func() ([]string, error) {
			before := point.Tag().ID()
			point.SetAttr("dist", "<method dist>")
			for _, p := range []*vm.Instance{p1, p2} {
				v, err := get(p, "dist")
				if err != nil {
					return nil, err
				}
				if v != "<method dist>" {
					return nil, fmt.Errorf("%s.dist = %v", p, v)
				}
			}
			return []string{fmt.Sprintf("Point tag %d -> %d, dist visible on p1 and p2", before, point.Tag().ID())}, nil
		}},
		{"Line untouched", func() ([]string, error) {
			if line.Tag() != lineTag {
				return nil, fmt.Errorf("Line tag changed from %d to %d", lineTag.ID(), line.Tag().ID())
			}
			hits := rt.Stats().AttrHits
			end, err := get(l, "end")
			if err != nil {
				return nil, err
			}
			if end != p2 {
				return nil, fmt.Errorf("line.end = %v, want p2", end)
			}
			cached := "missed"
			if rt.Stats().AttrHits > hits {
				cached = "hit"
			}
			return []string{fmt.Sprintf("Line tag %d unchanged, line.end lookup %s the cache", lineTag.ID(), cached)}, nil
		}},
	}

	for i, st := range steps {
		lines, err := st.check()
		if err != nil {
			s.logger.Error("scenario step failed", "step", st.title, "err", err)
			return fmt.Errorf("scenario step %q: %w", st.title, err)
		}
		fmt.Fprintf(w, "%d. %s\n", i+1, st.title)
		fmt.Fprint(w, indent(lines...))
	}
	return nil
}
