// Package mro computes method resolution orders with the C3 linearization.
//
// The algorithm is generic over the class handle; callers supply the direct
// bases of the class being linearized and a function returning the already
// computed linearization of each base.
package mro

import (
	"fmt"
	"slices"
)

// ConflictError is returned when no head of the remaining sequences is free
// of every tail, so the bases admit no consistent order.
type ConflictError[T comparable] struct {
	Heads []T // Heads of the remaining non-empty sequences, in base order
}

func (e *ConflictError[T]) Error() string {
	return fmt.Sprintf("cannot create a consistent method resolution order (MRO) for bases %v", e.Heads)
}

// CycleError is returned when the class being linearized already appears in
// the linearization of one of its bases.
type CycleError[T comparable] struct {
	Class T
	Base  T
}

func (e *CycleError[T]) Error() string {
	return fmt.Sprintf("base %v causes an inheritance cycle through %v", e.Base, e.Class)
}

// DuplicateBaseError is returned when a base is listed twice.
type DuplicateBaseError[T comparable] struct {
	Base T
}

func (e *DuplicateBaseError[T]) Error() string {
	return fmt.Sprintf("duplicate base class %v", e.Base)
}

// Linearize returns head followed by the C3 merge of the linearizations of
// bases and the list of bases itself.
func Linearize[T comparable](head T, bases []T, mroOf func(T) []T) ([]T, error) {
	for i, b := range bases {
		if b == head {
			return nil, &CycleError[T]{Class: head, Base: b}
		}
		if slices.Contains(bases[:i], b) {
			return nil, &DuplicateBaseError[T]{Base: b}
		}
	}

	seqs := make([][]T, 0, len(bases)+1)
	for _, b := range bases {
		bm := mroOf(b)
		if slices.Contains(bm, head) {
			return nil, &CycleError[T]{Class: head, Base: b}
		}
		seqs = append(seqs, slices.Clone(bm))
	}
	seqs = append(seqs, slices.Clone(bases))

	result := []T{head}
	for {
		seqs = slices.DeleteFunc(seqs, func(s []T) bool { return len(s) == 0 })
		if len(seqs) == 0 {
			return result, nil
		}
		next, ok := pickHead(seqs)
		if !ok {
			heads := make([]T, len(seqs))
			for i, s := range seqs {
				heads[i] = s[0]
			}
			return nil, &ConflictError[T]{Heads: heads}
		}
		result = append(result, next)
		for i, s := range seqs {
			if s[0] == next {
				seqs[i] = s[1:]
			}
		}
	}
}

// pickHead returns the first head, scanning sequences in order, that does
// not occur in the tail of any sequence.
func pickHead[T comparable](seqs [][]T) (T, bool) {
	for _, s := range seqs {
		candidate := s[0]
		if !inAnyTail(candidate, seqs) {
			return candidate, true
		}
	}
	var zero T
	return zero, false
}

func inAnyTail[T comparable](x T, seqs [][]T) bool {
	for _, s := range seqs {
		if slices.Contains(s[1:], x) {
			return true
		}
	}
	return false
}
