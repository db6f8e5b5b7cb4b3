// Package jsonvalue implements the tagged-union document value tree used by
// the reference codec and the client overlay: Null | Bool | Num | String |
// Array | Object, addressed by a path of string keys.
package jsonvalue

import (
	"encoding/json"
	"fmt"
)

// Kind tags the variant a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNum
	KindString
	KindArray
	KindObject
)

// Value is the tagged union. Only the field matching Kind is meaningful.
type Value struct {
	Kind Kind
	Bool bool
	Num  float64
	Str  string
	Arr  []Value
	Obj  map[string]Value
}

// Path is a sequence of object keys, the "path" shape used throughout this
// service (queries, read-sets, delivered docEntries). Get, Set and Delete
// descend only through objects; an array element cannot be addressed by a
// path.
type Path []string

func (p Path) String() string {
	s := ""
	for i, k := range p {
		if i > 0 {
			s += "."
		}
		s += k
	}
	return s
}

// HasPrefix reports whether p starts with prefix, using string-key
// equality along the shared prefix length.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i, k := range prefix {
		if p[i] != k {
			return false
		}
	}
	return true
}

// Intersects reports whether two paths share a prefix relationship in either
// direction -- the rule §4.4 uses for query/mutation matching: the
// empty path matches everything, and otherwise one must be a prefix of the
// other.
func (a Path) Intersects(b Path) bool {
	return a.HasPrefix(b) || b.HasPrefix(a)
}

func Null() Value { return Value{Kind: KindNull} }

func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

func Num(n float64) Value { return Value{Kind: KindNum, Num: n} }

func String(s string) Value { return Value{Kind: KindString, Str: s} }

func Array(items ...Value) Value { return Value{Kind: KindArray, Arr: items} }

func Object() Value { return Value{Kind: KindObject, Obj: map[string]Value{}} }

// Get resolves a path against the tree, returning (Null, false) if the path
// does not exist.
func (v Value) Get(path Path) (Value, bool) {
	cur := v
	for _, key := range path {
		if cur.Kind != KindObject {
			return Value{}, false
		}
		next, ok := cur.Obj[key]
		if !ok {
			return Value{}, false
		}
		cur = next
	}
	return cur, true
}

// Set returns a new tree with path set to val, creating intermediate objects
// as needed. The receiver is not mutated (mutators in the client overlay and
// the codec's apply() must be able to derive a new view without disturbing
// the prior one).
func (v Value) Set(path Path, val Value) Value {
	if len(path) == 0 {
		return val
	}
	obj := map[string]Value{}
	if v.Kind == KindObject {
		for k, sub := range v.Obj {
			obj[k] = sub
		}
	}
	child := obj[path[0]]
	obj[path[0]] = child.Set(path[1:], val)
	return Value{Kind: KindObject, Obj: obj}
}

// Delete returns a new tree with path removed.
func (v Value) Delete(path Path) Value {
	if len(path) == 0 {
		return Null()
	}
	if v.Kind != KindObject {
		return v
	}
	obj := map[string]Value{}
	for k, sub := range v.Obj {
		obj[k] = sub
	}
	if len(path) == 1 {
		delete(obj, path[0])
		return Value{Kind: KindObject, Obj: obj}
	}
	child, ok := obj[path[0]]
	if !ok {
		return v
	}
	obj[path[0]] = child.Delete(path[1:])
	return Value{Kind: KindObject, Obj: obj}
}

// MarshalJSON renders the tree in the obvious way so it can be shipped in
// delivery batches and readView() results.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.Bool)
	case KindNum:
		return json.Marshal(v.Num)
	case KindString:
		return json.Marshal(v.Str)
	case KindArray:
		return json.Marshal(v.Arr)
	case KindObject:
		return json.Marshal(v.Obj)
	default:
		return nil, fmt.Errorf("jsonvalue: unknown kind %d", v.Kind)
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = fromAny(raw)
	return nil
}

func fromAny(raw interface{}) Value {
	switch x := raw.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(x)
	case float64:
		return Num(x)
	case string:
		return String(x)
	case []interface{}:
		items := make([]Value, len(x))
		for i, item := range x {
			items[i] = fromAny(item)
		}
		return Value{Kind: KindArray, Arr: items}
	case map[string]interface{}:
		obj := make(map[string]Value, len(x))
		for k, item := range x {
			obj[k] = fromAny(item)
		}
		return Value{Kind: KindObject, Obj: obj}
	default:
		return Null()
	}
}

// Equal does a structural comparison, used by conformance tests.
func Equal(a, b Value) bool {
	ab, _ := a.MarshalJSON()
	bb, _ := b.MarshalJSON()
	var av, bv interface{}
	_ = json.Unmarshal(ab, &av)
	_ = json.Unmarshal(bb, &bv)
	return deepEqual(av, bv)
}

func deepEqual(a, b interface{}) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}
