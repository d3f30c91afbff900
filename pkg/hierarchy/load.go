package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"golang.org/x/sync/errgroup"

	"github.com/nooga/objcore/pkg/config"
	"github.com/nooga/objcore/pkg/ctxlog"
	objerrors "github.com/nooga/objcore/pkg/errors"
	"github.com/nooga/objcore/pkg/vm"
)

// Source is one hierarchy file.
type Source struct {
	Filename string
	Bytes    []byte
}

// Load reads the .hcl files under paths (files or directories) and links
// their classes into rt. See Apply.
func Load(ctx context.Context, rt *vm.Runtime, paths ...string) (*Hierarchy, error) {
	logger := ctxlog.FromContext(ctx)
	files, err := findHCLFiles(paths)
	if err != nil {
		return nil, err
	}
	logger.Debug("discovered hierarchy files", "count", len(files))

	sources := make([]Source, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			b, err := os.ReadFile(f)
			if err != nil {
				return fmt.Errorf("reading hierarchy file: %w", err)
			}
			sources[i] = Source{Filename: f, Bytes: b}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return Apply(ctx, rt, sources...)
}

// findHCLFiles expands paths into a sorted list of .hcl files. Files named
// explicitly are kept whatever their extension.
func findHCLFiles(paths []string) ([]string, error) {
	seen := map[string]bool{}
	var files []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("error accessing path %s: %w", path, err)
		}
		if !info.IsDir() {
			add(path)
			continue
		}
		err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && filepath.Ext(p) == ".hcl" {
				add(p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	slices.Sort(files)
	return files, nil
}

// Apply parses sources and links every declared class into rt. Classes are
// created bases first regardless of where they are declared. The returned
// hierarchy holds whatever could be linked; err joins one DeclarationError
// per problem found.
func Apply(ctx context.Context, rt *vm.Runtime, sources ...Source) (*Hierarchy, error) {
	logger := ctxlog.FromContext(ctx)
	h := &Hierarchy{
		Decls:   map[string]*Decl{},
		Classes: map[string]*vm.Class{},
		Sources: make(map[string][]byte, len(sources)),
	}

	// Files are parsed in parallel, each with its own parser; decoding
	// and linking happen afterwards in source order.
	roots := make([]*fileRoot, len(sources))
	fileErrs := make([][]error, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		h.Sources[src.Filename] = src.Bytes
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			f, diags := hclparse.NewParser().ParseHCL(src.Bytes, src.Filename)
			if diags.HasErrors() {
				fileErrs[i] = diagErrors(diags)
				return nil
			}
			var root fileRoot
			if diags := gohcl.DecodeBody(f.Body, nil, &root); diags.HasErrors() {
				fileErrs[i] = diagErrors(diags)
				return nil
			}
			roots[i] = &root
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var errs []error
	var decls []*Decl
	for i, root := range roots {
		errs = append(errs, fileErrs[i]...)
		if root == nil {
			continue
		}
		for _, block := range root.Classes {
			d, derrs := decode(block)
			errs = append(errs, derrs...)
			if d.Name == rootName {
				errs = append(errs, &objerrors.DeclarationError{Position: d.Pos, Msg: "cannot redeclare the root class \"object\""})
				continue
			}
			if prev, dup := h.Decls[d.Name]; dup {
				errs = append(errs, &objerrors.DeclarationError{
					Position: d.Pos,
					Msg:      fmt.Sprintf("class %q is already declared at %s", d.Name, prev.Pos),
				})
				continue
			}
			h.Decls[d.Name] = d
			decls = append(decls, d)
		}
	}

	err := rt.Do(func(rt *vm.Runtime) error {
		errs = append(errs, h.link(rt, decls)...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Debug("hierarchy loaded", "files", len(sources), "classes", len(h.Classes), "errors", len(errs))
	return h, errors.Join(errs...)
}

// decode turns a class block into a declaration.
func decode(b *classBlock) (*Decl, []error) {
	d := &Decl{
		Name:        b.Name,
		Slots:       b.Slots,
		Dict:        b.Dict,
		Weakrefable: b.Weakrefable,
		Layout:      b.Layout,
		Pos:         position(b.DefRange),
		BasesPos:    position(b.Bases.Range()),
	}
	var errs []error
	bases, berrs := decodeBases(b.Bases)
	errs = append(errs, berrs...)
	d.Bases = bases
	attrs, order, aerrs := decodeAttributes(b.Attributes)
	errs = append(errs, aerrs...)
	d.Attrs, d.Order = attrs, order
	if d.Layout != "" && d.Layout != config.LayoutInline && d.Layout != config.LayoutBoxed {
		errs = append(errs, &objerrors.DeclarationError{
			Position: d.Pos,
			Msg:      fmt.Sprintf("class %q: layout must be %q or %q, got %q", d.Name, config.LayoutInline, config.LayoutBoxed, d.Layout),
		})
	}
	d.invalid = len(errs) > 0
	return d, errs
}

// link creates the classes of decls in dependency order.
func (h *Hierarchy) link(rt *vm.Runtime, decls []*Decl) []error {
	var errs []error
	failed := map[string]bool{}
	pending := slices.Clone(decls)

	for _, d := range decls {
		if d.invalid {
			failed[d.Name] = true
			continue
		}
		for _, b := range d.Bases {
			if _, ok := h.Decls[b]; !ok && b != rootName {
				errs = append(errs, &objerrors.DeclarationError{
					Position: d.BasesPos,
					Msg:      fmt.Sprintf("class %q: unknown base %q", d.Name, b),
				})
				failed[d.Name] = true
				break
			}
		}
	}

	for len(pending) > 0 {
		progress := false
		next := pending[:0]
		for _, d := range pending {
			if failed[d.Name] {
				continue
			}
			ready, blocked := true, false
			for _, b := range d.Bases {
				if failed[b] {
					blocked = true
				} else if _, ok := h.Class(rt, b); !ok {
					ready = false
				}
			}
			if blocked {
				// the base already reported its own error
				failed[d.Name] = true
				progress = true
				continue
			}
			if !ready {
				next = append(next, d)
				continue
			}
			progress = true
			cls, err := h.create(rt, d)
			if err != nil {
				errs = append(errs, err)
				failed[d.Name] = true
				continue
			}
			h.Classes[d.Name] = cls
			h.Order = append(h.Order, d.Name)
		}
		pending = next
		if !progress {
			break
		}
	}

	// whatever is left waits on a cycle; report the classes on it
	left := map[string]*Decl{}
	for _, d := range pending {
		left[d.Name] = d
	}
	for _, d := range pending {
		if failed[d.Name] || !onCycle(d, left) {
			continue
		}
		errs = append(errs, (&objerrors.DeclarationError{
			Position: d.BasesPos,
			Msg:      fmt.Sprintf("class %q: inheritance cycle through bases %v", d.Name, d.Bases),
		}).CausedBy(&objerrors.HierarchyError{
			Position: d.BasesPos,
			Class:    d.Name,
			Cycle:    true,
			Msg:      "a __bases__ item causes an inheritance cycle",
		}))
	}
	return errs
}

// onCycle reports whether d can reach itself through the bases of the
// unlinked declarations in left.
func onCycle(d *Decl, left map[string]*Decl) bool {
	seen := map[string]bool{}
	stack := slices.Clone(d.Bases)
	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if name == d.Name {
			return true
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		if next, ok := left[name]; ok {
			stack = append(stack, next.Bases...)
		}
	}
	return false
}

// create links one declaration whose bases all exist.
func (h *Hierarchy) create(rt *vm.Runtime, d *Decl) (*vm.Class, error) {
	bases := make([]*vm.Class, len(d.Bases))
	for i, name := range d.Bases {
		bases[i], _ = h.Class(rt, name)
	}
	spec := vm.ClassSpec{
		Name:   d.Name,
		Bases:  bases,
		Layout: d.Layout,
		Attrs:  d.Attrs,
		Order:  d.Order,
	}
	// dict defaults to true unless slots are declared
	spec.NoDict = len(d.Slots) > 0
	if d.Dict != nil {
		spec.NoDict = !*d.Dict
	}
	if d.Weakrefable != nil {
		spec.NoWeakref = !*d.Weakrefable
	}
	spec.Slots = d.Slots

	for _, b := range bases {
		if d.Dict != nil && !*d.Dict && b.HasDict() {
			return nil, &objerrors.DeclarationError{
				Position: d.Pos,
				Msg:      fmt.Sprintf("class %q: dict = false, but base %q has an instance dictionary", d.Name, b.Name()),
			}
		}
		if d.Weakrefable != nil && !*d.Weakrefable && b.Weakrefable() {
			return nil, &objerrors.DeclarationError{
				Position: d.Pos,
				Msg:      fmt.Sprintf("class %q: weakrefable = false, but base %q supports weak references", d.Name, b.Name()),
			}
		}
	}

	cls, err := rt.NewClass(spec)
	if err != nil {
		return nil, (&objerrors.DeclarationError{
			Position: d.Pos,
			Msg:      fmt.Sprintf("class %q rejected: %s", d.Name, messageOf(err)),
		}).CausedBy(err)
	}
	return cls, nil
}

func messageOf(err error) string {
	var oe objerrors.ObjcoreError
	if errors.As(err, &oe) {
		return oe.Message()
	}
	return err.Error()
}
