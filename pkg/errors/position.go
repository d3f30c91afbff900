package errors

import "fmt"

// Position represents a specific location in a declaration file.
// Errors raised directly by the runtime API carry the zero Position.
type Position struct {
	Filename string
	Line     int // 1-based line number
	Column   int // 1-based column number
}

// IsValid reports whether the position points into a file.
func (p Position) IsValid() bool {
	return p.Filename != "" && p.Line > 0
}

func (p Position) String() string {
	if !p.IsValid() {
		return "-"
	}
	return fmt.Sprintf("%s:%d:%d", p.Filename, p.Line, p.Column)
}

// at renders the " at file:line:col" fragment used by Error methods.
func (p Position) at() string {
	if !p.IsValid() {
		return ""
	}
	return " at " + p.String()
}
