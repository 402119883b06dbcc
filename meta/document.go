// Package meta implements the tagged document type used for a Task's
// metadata column: a heterogeneous string-keyed bag of strings, numbers,
// booleans and nested documents that the scheduler reads a handful of
// reserved keys from (engine, remote_folder, local_folder, webhook_url,
// and the engine's declared input file names) and otherwise passes
// through opaquely.
package meta

import (
	"encoding/json"
	"fmt"
)

// Document is a metadata bag, keyed by string, round-tripping losslessly
// through the JSON column in storage.
type Document map[string]Value

// Value is a tagged union over the handful of shapes a metadata entry can
// take. At most one of the unexported fields is set (none for a JSON
// null); which one is
// determined at unmarshal time from the JSON token, not guessed later.
type Value struct {
	str *string
	num *float64
	b   *bool
	doc Document
}

// String makes a Value wrapping a string.
func String(s string) Value { return Value{str: &s} }

// Number makes a Value wrapping a number.
func Number(n float64) Value { return Value{num: &n} }

// Bool makes a Value wrapping a boolean.
func Bool(b bool) Value { return Value{b: &b} }

// Nested makes a Value wrapping a nested Document.
func Nested(d Document) Value { return Value{doc: d} }

// IsString reports whether the Value holds a string.
func (v Value) IsString() bool { return v.str != nil }

// AsString returns the wrapped string and true, or "" and false if the
// Value does not hold a string.
func (v Value) AsString() (string, bool) {
	if v.str == nil {
		return "", false
	}
	return *v.str, true
}

// AsNumber returns the wrapped number and true, or 0 and false.
func (v Value) AsNumber() (float64, bool) {
	if v.num == nil {
		return 0, false
	}
	return *v.num, true
}

// AsBool returns the wrapped boolean and true, or false and false.
func (v Value) AsBool() (bool, bool) {
	if v.b == nil {
		return false, false
	}
	return *v.b, true
}

// AsDocument returns the wrapped nested Document and true, or nil and false.
func (v Value) AsDocument() (Document, bool) {
	if v.doc == nil {
		return nil, false
	}
	return v.doc, true
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch {
	case v.str != nil:
		return json.Marshal(*v.str)
	case v.num != nil:
		return json.Marshal(*v.num)
	case v.b != nil:
		return json.Marshal(*v.b)
	case v.doc != nil:
		return json.Marshal(v.doc)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler, tagging the Value according
// to the JSON token actually present rather than assuming a shape.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch t := raw.(type) {
	case string:
		v.str = &t
	case float64:
		v.num = &t
	case bool:
		v.b = &t
	case map[string]interface{}:
		doc := make(Document, len(t))
		for k, raw2 := range t {
			encoded, err := json.Marshal(raw2)
			if err != nil {
				return err
			}
			var val Value
			if err := val.UnmarshalJSON(encoded); err != nil {
				return err
			}
			doc[k] = val
		}
		v.doc = doc
	case nil:
		// leave all fields nil
	default:
		return fmt.Errorf("meta: unsupported JSON value of type %T", raw)
	}
	return nil
}

// GetString looks up key and returns its string value. ok is false if the
// key is absent or not a string.
func (d Document) GetString(key string) (string, bool) {
	v, found := d[key]
	if !found {
		return "", false
	}
	return v.AsString()
}

// GetDocument looks up key and returns it as a nested Document.
func (d Document) GetDocument(key string) (Document, bool) {
	v, found := d[key]
	if !found {
		return nil, false
	}
	return v.AsDocument()
}

// Set assigns a string-valued key, creating or overwriting it.
func (d Document) Set(key, value string) {
	d[key] = String(value)
}

// Has reports whether key is present, regardless of its value's shape.
func (d Document) Has(key string) bool {
	_, found := d[key]
	return found
}

// Clone returns a shallow copy safe to mutate independently of d at the
// top level (nested documents are shared, consistent with the fact that
// the scheduler only ever rewrites top-level keys on a task's metadata).
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Reduced returns a new Document containing only remote_folder,
// local_folder and (if present) webhook_url: the shape a task's
// metadata is rewritten to on the RUNNING->DONE transition.
func (d Document) Reduced() Document {
	out := Document{}
	if v, ok := d["remote_folder"]; ok {
		out["remote_folder"] = v
	}
	if v, ok := d["local_folder"]; ok {
		out["local_folder"] = v
	}
	if v, ok := d["webhook_url"]; ok {
		out["webhook_url"] = v
	}
	return out
}
