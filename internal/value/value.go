// Package value implements the single tagged-variant interchange type that
// crosses the boundary between the SQL store, the policy engine, and the
// (out of scope) JavaScript runtime. Every rehydrated row, every request
// body, and every op argument is a Value.
package value

import (
	"fmt"
)

// Kind identifies which variant a Value holds.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindF64
	KindI64
	KindBool
	KindJSDate // millis since epoch, stored as F64
	KindBytes
	KindArray
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "Null"
	case KindString:
		return "String"
	case KindF64:
		return "Float64"
	case KindI64:
		return "Int64"
	case KindBool:
		return "Boolean"
	case KindJSDate:
		return "JsDate"
	case KindBytes:
		return "Bytes"
	case KindArray:
		return "Array"
	case KindMap:
		return "Record"
	default:
		return "Unknown"
	}
}

// Value is an immutable, JSON-like interchange value. Zero Value is Null.
type Value struct {
	kind  Kind
	str   string
	f64   float64
	i64   int64
	boo   bool
	bytes []byte
	arr   []Value
	m     *Map
}

func Null() Value                { return Value{kind: KindNull} }
func String(s string) Value      { return Value{kind: KindString, str: s} }
func F64(f float64) Value        { return Value{kind: KindF64, f64: f} }
func I64(i int64) Value          { return Value{kind: KindI64, i64: i} }
func Bool(b bool) Value          { return Value{kind: KindBool, boo: b} }
func JSDate(millis float64) Value { return Value{kind: KindJSDate, f64: millis} }
func Bytes(b []byte) Value       { return Value{kind: KindBytes, bytes: append([]byte(nil), b...)} }
func Array(vs []Value) Value     { return Value{kind: KindArray, arr: vs} }
func FromMap(m *Map) Value       { return Value{kind: KindMap, m: m} }

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsString() (string, error) {
	if v.kind != KindString {
		return "", fmt.Errorf("tried to convert value to string, but it is of type %s", v.kind)
	}
	return v.str, nil
}

func (v Value) AsF64() (float64, error) {
	if v.kind != KindF64 && v.kind != KindJSDate {
		return 0, fmt.Errorf("tried to convert value to f64, but it is of type %s", v.kind)
	}
	return v.f64, nil
}

func (v Value) AsI64() (int64, error) {
	if v.kind != KindI64 {
		return 0, fmt.Errorf("tried to convert value to i64, but it is of type %s", v.kind)
	}
	return v.i64, nil
}

func (v Value) AsBool() (bool, error) {
	if v.kind != KindBool {
		return false, fmt.Errorf("tried to convert value to bool, but it is of type %s", v.kind)
	}
	return v.boo, nil
}

func (v Value) AsBytes() ([]byte, error) {
	if v.kind != KindBytes {
		return nil, fmt.Errorf("tried to convert value to bytes, but it is of type %s", v.kind)
	}
	return v.bytes, nil
}

func (v Value) AsArray() ([]Value, error) {
	if v.kind != KindArray {
		return nil, fmt.Errorf("tried to convert value to array, but it is of type %s", v.kind)
	}
	return v.arr, nil
}

func (v Value) AsMap() (*Map, error) {
	if v.kind != KindMap {
		return nil, fmt.Errorf("tried to convert value to map, but it is of type %s", v.kind)
	}
	return v.m, nil
}

// Equal compares two Values structurally; used by tests asserting
// rehydration round-trips modulo the documented jsDate/bool quirks.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindString:
		return a.str == b.str
	case KindF64, KindJSDate:
		return a.f64 == b.f64
	case KindI64:
		return a.i64 == b.i64
	case KindBool:
		return a.boo == b.boo
	case KindBytes:
		return string(a.bytes) == string(b.bytes)
	case KindArray:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !Equal(a.arr[i], b.arr[i]) {
				return false
			}
		}
		return true
	case KindMap:
		return mapsEqual(a.m, b.m)
	}
	return false
}

func mapsEqual(a, b *Map) bool {
	if a == nil || b == nil {
		return a == b
	}
	if len(a.keys) != len(b.keys) {
		return false
	}
	for _, k := range a.keys {
		bv, ok := b.Get(k)
		if !ok {
			return false
		}
		av, _ := a.Get(k)
		if !Equal(av, bv) {
			return false
		}
	}
	return true
}
