package errors

import (
	"fmt"
	"io"
	"strings"
)

// ObjcoreError is the interface implemented by all objcore errors.
type ObjcoreError interface {
	error // Embed the standard error interface
	Pos() Position
	Kind() string // e.g., "Hierarchy", "Layout", "Devolution"
	// Message returns the specific error message without position info.
	Message() string
	Unwrap() error // For error wrapping support (errors.Is/As)
}

// --- Concrete Error Types ---

// HierarchyError reports a class hierarchy that cannot be linearized: a C3
// merge conflict or an inheritance cycle.
type HierarchyError struct {
	Position
	Class string // Class whose MRO could not be computed
	Msg   string
	Cycle bool  // True when a base already derives from Class
	Cause error // Underlying cause, if any
}

func (e *HierarchyError) Error() string {
	return fmt.Sprintf("Hierarchy Error%s: %s: %s", e.at(), e.Class, e.Msg)
}
func (e *HierarchyError) Pos() Position   { return e.Position }
func (e *HierarchyError) Kind() string    { return "Hierarchy" }
func (e *HierarchyError) Message() string { return e.Msg }
func (e *HierarchyError) Unwrap() error   { return e.Cause }
func (e *HierarchyError) CausedBy(cause error) *HierarchyError {
	e.Cause = cause
	return e
}

// LayoutError reports bases whose instance storage layouts cannot coexist,
// or a base change that would alter the layout of existing instances.
type LayoutError struct {
	Position
	Class string
	Msg   string
	Cause error
}

func (e *LayoutError) Error() string {
	return fmt.Sprintf("Layout Error%s: %s: %s", e.at(), e.Class, e.Msg)
}
func (e *LayoutError) Pos() Position   { return e.Position }
func (e *LayoutError) Kind() string    { return "Layout" }
func (e *LayoutError) Message() string { return e.Msg }
func (e *LayoutError) Unwrap() error   { return e.Cause }
func (e *LayoutError) CausedBy(cause error) *LayoutError {
	e.Cause = cause
	return e
}

// DevolutionError reports an attempt to devolve the dictionary of an
// instance whose class forbids one.
type DevolutionError struct {
	Position
	Class string
	Msg   string
	Cause error
}

func (e *DevolutionError) Error() string {
	return fmt.Sprintf("Devolution Error%s: %s: %s", e.at(), e.Class, e.Msg)
}
func (e *DevolutionError) Pos() Position   { return e.Position }
func (e *DevolutionError) Kind() string    { return "Devolution" }
func (e *DevolutionError) Message() string { return e.Msg }
func (e *DevolutionError) Unwrap() error   { return e.Cause }

// WeakRefError reports a weak reference request for an instance whose class
// does not support weak references.
type WeakRefError struct {
	Position
	Class string
	Msg   string
	Cause error
}

func (e *WeakRefError) Error() string {
	return fmt.Sprintf("WeakRef Error%s: %s: %s", e.at(), e.Class, e.Msg)
}
func (e *WeakRefError) Pos() Position   { return e.Position }
func (e *WeakRefError) Kind() string    { return "WeakRef" }
func (e *WeakRefError) Message() string { return e.Msg }
func (e *WeakRefError) Unwrap() error   { return e.Cause }

// RejectedError is returned by attribute writes the instance cannot accept,
// e.g. a free-form attribute on an instance without a dictionary.
type RejectedError struct {
	Position
	Class string
	Name  string // Attribute name
	Msg   string
	Cause error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("Rejected%s: '%s' object attribute '%s': %s", e.at(), e.Class, e.Name, e.Msg)
}
func (e *RejectedError) Pos() Position   { return e.Position }
func (e *RejectedError) Kind() string    { return "Rejected" }
func (e *RejectedError) Message() string { return e.Msg }
func (e *RejectedError) Unwrap() error   { return e.Cause }

// DeclarationError represents a problem in a class hierarchy declaration
// file: bad syntax, unknown bases, duplicate classes or values that cannot be
// converted. When the underlying registry rejected the class, Cause holds the
// HierarchyError or LayoutError.
type DeclarationError struct {
	Position
	Msg   string
	Cause error
}

func (e *DeclarationError) Error() string {
	return fmt.Sprintf("Declaration Error%s: %s", e.at(), e.Msg)
}
func (e *DeclarationError) Pos() Position   { return e.Position }
func (e *DeclarationError) Kind() string    { return "Declaration" }
func (e *DeclarationError) Message() string { return e.Msg }
func (e *DeclarationError) Unwrap() error   { return e.Cause }
func (e *DeclarationError) CausedBy(cause error) *DeclarationError {
	e.Cause = cause
	return e
}

// InvariantError signals a broken internal invariant, such as a cache entry
// disagreeing with the shape tree. It is raised with panic and never returned:
// it points at a bug in the object model, not at user error.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string   { return "Invariant Violation: " + e.Msg }
func (e *InvariantError) Pos() Position   { return Position{} }
func (e *InvariantError) Kind() string    { return "Invariant" }
func (e *InvariantError) Message() string { return e.Msg }
func (e *InvariantError) Unwrap() error   { return nil }

// Invariantf panics with an InvariantError.
func Invariantf(format string, args ...any) {
	panic(&InvariantError{Msg: fmt.Sprintf(format, args...)})
}

// --- Error Reporting ---

// DisplayErrors writes a list of objcore errors to w in a user-friendly
// format. Errors carrying a position inside one of the given sources (keyed
// by filename) are shown with the source line and a position marker.
func DisplayErrors(w io.Writer, sources map[string][]byte, errs []ObjcoreError) {
	for _, err := range errs {
		pos := err.Pos()
		kind := err.Kind()
		msg := err.Message()
		if rejected, ok := err.(*RejectedError); ok {
			msg = fmt.Sprintf("%s.%s: %s", rejected.Class, rejected.Name, msg)
		}

		src, ok := sources[pos.Filename]
		if !ok || !pos.IsValid() {
			fmt.Fprintf(w, "%s Error: %s\n", kind, msg)
			continue
		}
		lines := strings.Split(string(src), "\n")
		lineIdx := pos.Line - 1
		if lineIdx < 0 || lineIdx >= len(lines) {
			fmt.Fprintf(w, "%s Error: %s\n", kind, msg)
			continue
		}

		sourceLine := strings.TrimRight(lines[lineIdx], "\r\n\t ")

		// Format: <Kind> Error at <file>:<Line>:<Column>: <Message>
		fmt.Fprintf(w, "%s Error at %s: %s\n", kind, pos, msg)
		fmt.Fprintf(w, "  %s\n", sourceLine)
		col := pos.Column - 1
		if col < 0 {
			col = 0
		}
		fmt.Fprintf(w, "  %s^\n", strings.Repeat(" ", col))
		fmt.Fprintln(w)
	}
}

// Collect flattens err into the ObjcoreErrors it carries. Joined errors
// (errors.Join) are expanded; foreign errors are wrapped in a
// DeclarationError without position.
func Collect(err error) []ObjcoreError {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []ObjcoreError
		for _, e := range joined.Unwrap() {
			out = append(out, Collect(e)...)
		}
		return out
	}
	if oe, ok := err.(ObjcoreError); ok {
		return []ObjcoreError{oe}
	}
	return []ObjcoreError{&DeclarationError{Msg: err.Error(), Cause: err}}
}
