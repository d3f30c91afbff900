package vm

import (
	"src.elv.sh/pkg/persistent/hashmap"
)

// GenericMap is an insertion-ordered mapping with arbitrary hashable keys.
// Keys are indexed in a persistent hash map; entries are shared between the
// index and the order list so updates need no re-association.
type GenericMap struct {
	hasher Hasher
	index  hashmap.Map // key -> *mapEntry
	order  []*mapEntry
	dead   int
}

type mapEntry struct {
	key   Value
	value Value
	live  bool
}

// NewGenericMap returns an empty map using h for hashing and equality.
func NewGenericMap(h Hasher) *GenericMap {
	if h == nil {
		h = DefaultHasher
	}
	eq := func(a, b any) bool { return h.Equal(a, b) }
	hf := func(k any) uint32 {
		// keys are checked with Hash before they reach the index
		v, _ := h.Hash(k)
		return v
	}
	return &GenericMap{hasher: h, index: hashmap.New(eq, hf)}
}

func (m *GenericMap) Len() int { return m.index.Len() }

func (m *GenericMap) lookup(key Value) (*mapEntry, error) {
	if _, err := m.hasher.Hash(key); err != nil {
		return nil, err
	}
	e, ok := m.index.Index(key)
	if !ok {
		return nil, nil
	}
	return e.(*mapEntry), nil
}

// Get returns the value stored under key.
func (m *GenericMap) Get(key Value) (Value, bool, error) {
	e, err := m.lookup(key)
	if err != nil || e == nil {
		return nil, false, err
	}
	return e.value, true, nil
}

// Set stores value under key, keeping the position of an existing key.
func (m *GenericMap) Set(key, value Value) error {
	e, err := m.lookup(key)
	if err != nil {
		return err
	}
	if e != nil {
		e.value = value
		return nil
	}
	e = &mapEntry{key: key, value: value, live: true}
	m.index = m.index.Assoc(key, e)
	m.order = append(m.order, e)
	return nil
}

// Delete removes key and reports whether it was present.
func (m *GenericMap) Delete(key Value) (bool, error) {
	e, err := m.lookup(key)
	if err != nil || e == nil {
		return false, err
	}
	m.index = m.index.Dissoc(key)
	e.live = false
	m.dead++
	if m.dead > len(m.order)/2 {
		m.compact()
	}
	return true, nil
}

func (m *GenericMap) compact() {
	live := m.order[:0]
	for _, e := range m.order {
		if e.live {
			live = append(live, e)
		}
	}
	clear(m.order[len(live):])
	m.order = live
	m.dead = 0
}

// Range calls fn for each entry in insertion order until fn returns false.
func (m *GenericMap) Range(fn func(key, value Value) bool) {
	for _, e := range m.order {
		if e.live && !fn(e.key, e.value) {
			return
		}
	}
}

// Keys returns the keys in insertion order.
func (m *GenericMap) Keys() []Value {
	keys := make([]Value, 0, m.Len())
	m.Range(func(k, _ Value) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}
