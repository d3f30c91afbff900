package vm

import "fmt"

// Kind classifies shape entries. The set is closed: every switch over Kind
// handles all four values and panics on anything else.
type Kind uint8

const (
	// KindDict is an ordinary attribute living in the instance dictionary.
	KindDict Kind = iota
	// KindDictHandle is the reserved slot holding the instance's *Mapping.
	KindDictHandle
	// KindWeakref is the reserved slot holding the weak reference lifeline.
	KindWeakref
	// KindSlot is a declared slot attribute.
	KindSlot
)

func (k Kind) String() string {
	switch k {
	case KindDict:
		return "dict"
	case KindDictHandle:
		return "dict-handle"
	case KindWeakref:
		return "weakref"
	case KindSlot:
		return "slot"
	default:
		panic(fmt.Sprintf("vm: invalid Kind %d", uint8(k)))
	}
}

// Policy is the dictionary policy of a terminator.
type Policy uint8

const (
	// PolicyDict instances may lazily materialize a dictionary.
	PolicyDict Policy = iota
	// PolicyNoDict instances have no dictionary; KindDict writes are rejected.
	PolicyNoDict
	// PolicyDevolved instances keep their dictionary entries in a GenericMap.
	PolicyDevolved
)

func (p Policy) String() string {
	switch p {
	case PolicyDict:
		return "dict"
	case PolicyNoDict:
		return "no-dict"
	case PolicyDevolved:
		return "devolved"
	default:
		panic(fmt.Sprintf("vm: invalid Policy %d", uint8(p)))
	}
}

// attrKey identifies a shape entry. index distinguishes declared slots of the
// same name contributed by different layouts; it is zero for other kinds.
type attrKey struct {
	name  string
	kind  Kind
	index int
}

func dictKey(name string) attrKey { return attrKey{name: name, kind: KindDict} }

var (
	dictHandleKey = attrKey{name: "__dict__", kind: KindDictHandle}
	weakrefKey    = attrKey{name: "__weakref__", kind: KindWeakref}
)

func (k attrKey) String() string {
	if k.kind == KindSlot {
		return fmt.Sprintf("%s(%s#%d)", k.name, k.kind, k.index)
	}
	return fmt.Sprintf("%s(%s)", k.name, k.kind)
}
