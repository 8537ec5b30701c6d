package checkpoint

import (
	"fmt"
	"reflect"
)

// The context codec serializes an arbitrary object graph, tolerating
// cycles. Containers (maps, slices, pointers, structs) live in an arena and
// are referenced by stable integer ids, so a back-reference encodes as a
// ref instead of recursing forever. Shared substructure keeps its identity
// across a round trip: two fields pointing at one map decode to one map.
//
// Decoded graphs come back as generic values (map[string]interface{},
// []interface{}, float64, string, bool, nil). Struct types are flattened to
// maps of their exported fields; numeric types widen to float64. This
// mirrors encoding/json semantics, the same contract the rest of the
// checkpoint blob uses.

type arenaDoc struct {
	Objects []arenaObject `json:"objects"`
	Root    arenaValue    `json:"root"`
}

type arenaObject struct {
	// Kind is "map" or "slice".
	Kind    string                `json:"kind"`
	Entries map[string]arenaValue `json:"entries,omitempty"`
	Items   []arenaValue          `json:"items,omitempty"`
}

// arenaValue is a tagged scalar-or-reference. Exactly one field is set;
// the zero value means null.
type arenaValue struct {
	Bool *bool    `json:"bool,omitempty"`
	Num  *float64 `json:"num,omitempty"`
	Str  *string  `json:"str,omitempty"`
	Ref  *int     `json:"ref,omitempty"`
}

type encoder struct {
	objects []arenaObject
	// seen maps container identity to arena id. Maps and pointers key by
	// their pointer; slices by data pointer and length.
	seen map[seenKey]int
}

type seenKey struct {
	ptr uintptr
	len int
}

func encodeContext(v interface{}) (arenaDoc, error) {
	e := &encoder{seen: make(map[seenKey]int)}

	root, err := e.encode(reflect.ValueOf(v))
	if err != nil {
		return arenaDoc{}, err
	}

	return arenaDoc{Objects: e.objects, Root: root}, nil
}

func (e *encoder) encode(v reflect.Value) (arenaValue, error) {
	if !v.IsValid() {
		return arenaValue{}, nil // null
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return arenaValue{}, nil
		}
		return e.encode(v.Elem())

	case reflect.Ptr:
		if v.IsNil() {
			return arenaValue{}, nil
		}
		key := seenKey{ptr: v.Pointer()}
		if id, ok := e.seen[key]; ok {
			return refValue(id), nil
		}
		// A pointer shares its target's identity but not a map/slice
		// pointer space, so register it before descending to break
		// self-referential pointer chains.
		elem := v.Elem()
		if elem.Kind() == reflect.Struct {
			return e.encodeStruct(elem, key)
		}
		return e.encode(elem)

	case reflect.Bool:
		b := v.Bool()
		return arenaValue{Bool: &b}, nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		f := float64(v.Int())
		return arenaValue{Num: &f}, nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		f := float64(v.Uint())
		return arenaValue{Num: &f}, nil

	case reflect.Float32, reflect.Float64:
		f := v.Float()
		return arenaValue{Num: &f}, nil

	case reflect.String:
		s := v.String()
		return arenaValue{Str: &s}, nil

	case reflect.Map:
		if v.IsNil() {
			return arenaValue{}, nil
		}
		key := seenKey{ptr: v.Pointer()}
		if id, ok := e.seen[key]; ok {
			return refValue(id), nil
		}
		id := e.alloc(arenaObject{Kind: "map", Entries: make(map[string]arenaValue)}, key)
		iter := v.MapRange()
		for iter.Next() {
			mk := iter.Key()
			if mk.Kind() != reflect.String {
				return arenaValue{}, fmt.Errorf("unsupported map key type %s", mk.Type())
			}
			ev, err := e.encode(iter.Value())
			if err != nil {
				return arenaValue{}, err
			}
			e.objects[id].Entries[mk.String()] = ev
		}
		return refValue(id), nil

	case reflect.Slice:
		if v.IsNil() {
			return arenaValue{}, nil
		}
		key := seenKey{ptr: v.Pointer(), len: v.Len()}
		if id, ok := e.seen[key]; ok {
			return refValue(id), nil
		}
		return e.encodeList(v, key)

	case reflect.Array:
		return e.encodeList(v, seenKey{})

	case reflect.Struct:
		return e.encodeStruct(v, seenKey{})

	default:
		return arenaValue{}, fmt.Errorf("unsupported value kind %s", v.Kind())
	}
}

func (e *encoder) encodeList(v reflect.Value, key seenKey) (arenaValue, error) {
	id := e.alloc(arenaObject{Kind: "slice", Items: make([]arenaValue, v.Len())}, key)
	for i := 0; i < v.Len(); i++ {
		ev, err := e.encode(v.Index(i))
		if err != nil {
			return arenaValue{}, err
		}
		e.objects[id].Items[i] = ev
	}
	return refValue(id), nil
}

func (e *encoder) encodeStruct(v reflect.Value, key seenKey) (arenaValue, error) {
	id := e.alloc(arenaObject{Kind: "map", Entries: make(map[string]arenaValue)}, key)
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" {
			continue // unexported
		}
		ev, err := e.encode(v.Field(i))
		if err != nil {
			return arenaValue{}, err
		}
		e.objects[id].Entries[field.Name] = ev
	}
	return refValue(id), nil
}

// alloc appends a new arena object and registers its identity if key is
// non-zero. Registration happens before children encode so cycles resolve
// to the allocated id.
func (e *encoder) alloc(obj arenaObject, key seenKey) int {
	id := len(e.objects)
	e.objects = append(e.objects, obj)
	if key != (seenKey{}) {
		e.seen[key] = id
	}
	return id
}

func refValue(id int) arenaValue {
	return arenaValue{Ref: &id}
}

// decodeContext rebuilds the object graph from an arena document.
//
// Containers are materialized first, then filled, so references (including
// cyclic ones) always resolve to an existing object.
func decodeContext(doc arenaDoc) (interface{}, error) {
	materialized := make([]interface{}, len(doc.Objects))
	for i, obj := range doc.Objects {
		switch obj.Kind {
		case "map":
			materialized[i] = make(map[string]interface{}, len(obj.Entries))
		case "slice":
			s := make([]interface{}, len(obj.Items))
			materialized[i] = &s
		default:
			return nil, fmt.Errorf("unknown arena object kind %q", obj.Kind)
		}
	}

	resolve := func(v arenaValue) (interface{}, error) {
		switch {
		case v.Bool != nil:
			return *v.Bool, nil
		case v.Num != nil:
			return *v.Num, nil
		case v.Str != nil:
			return *v.Str, nil
		case v.Ref != nil:
			if *v.Ref < 0 || *v.Ref >= len(materialized) {
				return nil, fmt.Errorf("arena reference %d out of range", *v.Ref)
			}
			m := materialized[*v.Ref]
			if sp, ok := m.(*[]interface{}); ok {
				return *sp, nil
			}
			return m, nil
		default:
			return nil, nil
		}
	}

	for i, obj := range doc.Objects {
		switch obj.Kind {
		case "map":
			target := materialized[i].(map[string]interface{})
			for k, v := range obj.Entries {
				rv, err := resolve(v)
				if err != nil {
					return nil, err
				}
				target[k] = rv
			}
		case "slice":
			target := *materialized[i].(*[]interface{})
			for j, v := range obj.Items {
				rv, err := resolve(v)
				if err != nil {
					return nil, err
				}
				target[j] = rv
			}
		}
	}

	return resolve(doc.Root)
}
