package value

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
)

// FromJSON decodes a JSON document into a Value, preserving object key
// order by re-parsing with json.Decoder token-by-token instead of
// unmarshalling into map[string]interface{} (which Go randomizes).
func FromJSON(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return Null(), err
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Null(), err
	}
	return decodeToken(dec, tok)
}

func decodeToken(dec *json.Decoder, tok json.Token) (Value, error) {
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Null(), err
		}
		return F64(f), nil
	case string:
		return String(t), nil
	case json.Delim:
		switch t {
		case '[':
			var arr []Value
			for dec.More() {
				elem, err := decodeValue(dec)
				if err != nil {
					return Null(), err
				}
				arr = append(arr, elem)
			}
			if _, err := dec.Token(); err != nil { // consume ']'
				return Null(), err
			}
			return Array(arr), nil
		case '{':
			m := NewMap()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Null(), err
				}
				key, ok := keyTok.(string)
				if !ok {
					return Null(), fmt.Errorf("expected object key, got %v", keyTok)
				}
				elem, err := decodeValue(dec)
				if err != nil {
					return Null(), err
				}
				m.Set(key, elem)
			}
			if _, err := dec.Token(); err != nil { // consume '}'
				return Null(), err
			}
			return FromMap(m), nil
		}
	}
	return Null(), fmt.Errorf("unsupported JSON token %v", tok)
}

// ToJSON serializes a Value back to JSON. Bytes are base64-encoded,
// matching the wire convention the runtime boundary uses for ArrayBuffer.
func ToJSON(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeJSON(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeJSON(buf *bytes.Buffer, v Value) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindString:
		enc, err := json.Marshal(v.str)
		if err != nil {
			return err
		}
		buf.Write(enc)
	case KindF64, KindJSDate:
		enc, err := json.Marshal(v.f64)
		if err != nil {
			return err
		}
		buf.Write(enc)
	case KindI64:
		enc, err := json.Marshal(v.i64)
		if err != nil {
			return err
		}
		buf.Write(enc)
	case KindBool:
		if v.boo {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case KindBytes:
		enc, err := json.Marshal(base64.StdEncoding.EncodeToString(v.bytes))
		if err != nil {
			return err
		}
		buf.Write(enc)
	case KindArray:
		buf.WriteByte('[')
		for i, elem := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSON(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindMap:
		buf.WriteByte('{')
		for i, k := range v.m.Keys() {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyEnc, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyEnc)
			buf.WriteByte(':')
			elem, _ := v.m.Get(k)
			if err := writeJSON(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unknown value kind %d", v.kind)
	}
	return nil
}

// SortedKeys returns m's keys in lexical order; nothing in this module
// calls it.
func SortedKeys(m *Map) []string {
	keys := append([]string(nil), m.Keys()...)
	sort.Strings(keys)
	return keys
}
