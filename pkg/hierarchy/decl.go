// Package hierarchy loads declarative class hierarchies written in HCL and
// links them into a runtime.
//
// A file holds any number of class blocks:
//
//	class "Point" {
//	  bases      = ["object"]
//	  attributes = { origin = 0 }
//	}
//
// Classes may reference each other in any order, across files.
package hierarchy

import (
	"github.com/hashicorp/hcl/v2"

	objerrors "github.com/nooga/objcore/pkg/errors"
	"github.com/nooga/objcore/pkg/vm"
)

// fileRoot is decoded from the body of every hierarchy file.
type fileRoot struct {
	Classes []*classBlock `hcl:"class,block"`
}

type classBlock struct {
	Name        string         `hcl:"name,label"`
	Bases       hcl.Expression `hcl:"bases,optional"`
	Slots       []string       `hcl:"slots,optional"`
	Dict        *bool          `hcl:"dict,optional"`
	Weakrefable *bool          `hcl:"weakrefable,optional"`
	Layout      string         `hcl:"layout,optional"`
	Attributes  hcl.Expression `hcl:"attributes,optional"`
	DefRange    hcl.Range      `hcl:",def_range"`
}

// Decl is a decoded class declaration, not yet linked.
type Decl struct {
	Name        string
	Bases       []string
	Slots       []string
	Dict        *bool
	Weakrefable *bool
	Layout      string
	Attrs       map[string]vm.Value
	Order       []string // attribute declaration order

	Pos      objerrors.Position
	BasesPos objerrors.Position

	invalid bool
}

// Hierarchy is the result of loading one or more files.
type Hierarchy struct {
	Decls   map[string]*Decl
	Classes map[string]*vm.Class
	// Order lists the linked classes in the order they were created; every
	// class comes after its bases.
	Order   []string
	Sources map[string][]byte
}

// Class returns the linked class called name. "object" names the root.
func (h *Hierarchy) Class(rt *vm.Runtime, name string) (*vm.Class, bool) {
	if name == rootName {
		return rt.Object(), true
	}
	c, ok := h.Classes[name]
	return c, ok
}

const rootName = "object"

func position(r hcl.Range) objerrors.Position {
	return objerrors.Position{Filename: r.Filename, Line: r.Start.Line, Column: r.Start.Column}
}

// diagErrors converts HCL error diagnostics into declaration errors.
func diagErrors(diags hcl.Diagnostics) []error {
	var errs []error
	for _, d := range diags {
		if d.Severity != hcl.DiagError {
			continue
		}
		e := &objerrors.DeclarationError{Msg: d.Summary}
		if d.Detail != "" {
			e.Msg += ": " + d.Detail
		}
		if d.Subject != nil {
			e.Position = position(*d.Subject)
		}
		errs = append(errs, e)
	}
	return errs
}
