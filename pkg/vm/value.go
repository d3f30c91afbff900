package vm

import (
	"fmt"
	"math"
	"reflect"

	"src.elv.sh/pkg/persistent/hash"
)

// Value is any guest-language value. The object model stores values opaquely
// and only looks inside them through a Hasher.
type Value = any

// Hasher is the hashing and equality service used for generic mapping keys.
type Hasher interface {
	// Hash returns the hash of v, or an error when v is unhashable.
	Hash(v Value) (uint32, error)
	Equal(a, b Value) bool
}

// Hashable is implemented by guest values that define their own hash and
// equality. DefaultHasher defers to it.
type Hashable interface {
	Hash() uint32
	Equal(other Value) bool
}

// UnhashableError is returned when a value cannot be used as a mapping key.
type UnhashableError struct {
	Value Value
}

func (e *UnhashableError) Error() string {
	return fmt.Sprintf("unhashable type: '%T'", e.Value)
}

// DefaultHasher hashes strings, booleans, numbers, instances, classes and any
// comparable Go value. Integral floats hash and compare like the equal
// integer, so 1 and 1.0 are the same key.
var DefaultHasher Hasher = defaultHasher{}

type defaultHasher struct{}

func (defaultHasher) Hash(v Value) (uint32, error) {
	if i, ok := asInt(v); ok {
		return hash.UInt64(uint64(i)), nil
	}
	switch v := v.(type) {
	case nil:
		return 0, nil
	case Hashable:
		return v.Hash(), nil
	case string:
		return hash.String(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case float64:
		return hash.UInt64(math.Float64bits(v)), nil
	case float32:
		return hash.UInt64(math.Float64bits(float64(v))), nil
	case *Instance:
		return hash.UInt64(v.id), nil
	case *Class:
		return hash.UInt64(v.id), nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Chan, reflect.UnsafePointer:
		return hash.UIntPtr(rv.Pointer()), nil
	}
	if !rv.Type().Comparable() {
		return 0, &UnhashableError{Value: v}
	}
	return hash.String(fmt.Sprintf("%T:%v", v, v)), nil
}

func (defaultHasher) Equal(a, b Value) bool {
	if ha, ok := a.(Hashable); ok {
		return ha.Equal(b)
	}
	if ai, ok := asInt(a); ok {
		bi, ok := asInt(b)
		return ok && ai == bi
	}
	if af, ok := asFloat(a); ok {
		bf, ok := asFloat(b)
		return ok && af == bf
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta == nil {
		return true
	}
	if !ta.Comparable() {
		return false
	}
	return a == b
}

// asInt normalizes integer-valued numbers.
func asInt(v Value) (int64, bool) {
	switch v := v.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint:
		if uint64(v) <= math.MaxInt64 {
			return int64(v), true
		}
	case uint64:
		if v <= math.MaxInt64 {
			return int64(v), true
		}
	case float64:
		if v == math.Trunc(v) && v >= math.MinInt64 && v < math.MaxInt64 {
			return int64(v), true
		}
	case float32:
		f := float64(v)
		if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
			return int64(f), true
		}
	}
	return 0, false
}

func asFloat(v Value) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	}
	return 0, false
}
