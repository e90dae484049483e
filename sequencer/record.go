package sequencer

import (
	"bytes"
	"fmt"
	"reflect"
	"strings"
)

// Record is one instance of a Type: field values in wire order.
//
// Unset fields hold nil. Integers are held as uint64, strings as string,
// blobs as []byte, nested records as *Record and arrays as []interface{}.
type Record struct {
	typ  *Type
	vals []interface{}
}

// New returns a Record of type t with every field unset.
func (t *Type) New() *Record {
	return &Record{typ: t, vals: make([]interface{}, len(t.seq.fields))}
}

// NewRecord returns a Record of type t with the given fields set.
func (t *Type) NewRecord(fields map[string]interface{}) (*Record, error) {
	r := t.New()
	for name, v := range fields {
		if err := r.Set(name, v); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Type returns the record's type.
func (r *Record) Type() *Type {
	if r == nil {
		return nil
	}
	return r.typ
}

// Clone returns a shallow copy of r. Nested values are shared and must not be
// mutated through either copy.
func (r *Record) Clone() *Record {
	return &Record{typ: r.typ, vals: append([]interface{}(nil), r.vals...)}
}

// Set stores v in the named field, converting it to the field's canonical
// representation. Setting nil unsets the field.
func (r *Record) Set(name string, v interface{}) error {
	i, ok := r.typ.seq.index[name]
	if !ok {
		return &SequenceError{Type: r.typ.name, Field: name, Msg: "no such field"}
	}
	nv, err := normalize(r.typ, &r.typ.seq.fields[i], v)
	if err != nil {
		return err
	}
	r.vals[i] = nv
	return nil
}

// Get returns the value of the named field. ok is false if the field is
// unset or does not exist.
func (r *Record) Get(name string) (v interface{}, ok bool) {
	i, ok := r.typ.seq.index[name]
	if !ok || r.vals[i] == nil {
		return nil, false
	}
	return r.vals[i], true
}

// IsSet reports whether the named field holds a value.
func (r *Record) IsSet(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Uint returns an integer field, or 0 if it is unset.
func (r *Record) Uint(name string) uint64 {
	v, _ := r.Get(name)
	x, _ := v.(uint64)
	return x
}

// Str returns a string field, or "" if it is unset.
func (r *Record) Str(name string) string {
	v, _ := r.Get(name)
	s, _ := v.(string)
	return s
}

// Bytes returns a data field, or nil if it is unset.
func (r *Record) Bytes(name string) []byte {
	v, _ := r.Get(name)
	p, _ := v.([]byte)
	return p
}

// Record returns a nested typed field, or nil if it is unset.
func (r *Record) Record(name string) *Record {
	v, _ := r.Get(name)
	n, _ := v.(*Record)
	return n
}

// Array returns an array field, or nil if it is unset.
func (r *Record) Array(name string) []interface{} {
	v, _ := r.Get(name)
	a, _ := v.([]interface{})
	return a
}

// count returns the value of the length field f refers to.
func (r *Record) count(f *Field) (uint64, bool) {
	v := r.vals[r.typ.seq.index[f.Count]]
	if v == nil {
		return 0, false
	}
	return v.(uint64), true
}

// Equal reports whether r and o have the same type and field values.
func (r *Record) Equal(o *Record) bool {
	if r == nil || o == nil {
		return r == o
	}
	if r.typ != o.typ {
		return false
	}
	for i := range r.vals {
		if !valueEqual(r.vals[i], o.vals[i]) {
			return false
		}
	}
	return true
}

func valueEqual(a, b interface{}) bool {
	switch a := a.(type) {
	case nil:
		return b == nil
	case *Record:
		b, ok := b.(*Record)
		return ok && a.Equal(b)
	case []byte:
		b, ok := b.([]byte)
		return ok && bytes.Equal(a, b)
	case []interface{}:
		b, ok := b.([]interface{})
		if !ok || len(a) != len(b) {
			return false
		}
		for i := range a {
			if !valueEqual(a[i], b[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// String implements fmt.Stringer.
func (r *Record) String() string {
	if r == nil {
		return "<nil>"
	}
	var sb strings.Builder
	sb.WriteString(r.typ.name)
	sb.WriteByte('{')
	for i, f := range r.typ.seq.fields {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%s=%s", f.Name, formatValue(r.vals[i]))
	}
	sb.WriteByte('}')
	return sb.String()
}

func formatValue(v interface{}) string {
	switch v := v.(type) {
	case nil:
		return "<nil>"
	case string:
		return fmt.Sprintf("%q", v)
	case []byte:
		return fmt.Sprintf("[%d bytes]", len(v))
	case []interface{}:
		parts := make([]string, len(v))
		for i, e := range v {
			parts[i] = formatValue(e)
		}
		return "[" + strings.Join(parts, " ") + "]"
	default:
		return fmt.Sprint(v)
	}
}

// normalize converts v into the canonical representation of field f.
func normalize(t *Type, f *Field, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch f.Kind {
	case Uint:
		x, ok := toUint(v)
		if !ok {
			return nil, seqErr(t, f, "want non-negative integer, got %T(%v)", v, v)
		}
		if !fits(x, f.Width) {
			return nil, seqErr(t, f, "value %d overflows %d-byte field", x, f.Width)
		}
		return x, nil

	case String:
		switch s := v.(type) {
		case string:
			return s, nil
		case []byte:
			return string(s), nil
		}
		if rv := reflect.ValueOf(v); rv.Kind() == reflect.String {
			return rv.String(), nil
		}
		return nil, seqErr(t, f, "want string, got %T", v)

	case Data:
		switch p := v.(type) {
		case []byte:
			if p == nil {
				return []byte{}, nil
			}
			return p, nil
		case string:
			return []byte(p), nil
		}
		return nil, seqErr(t, f, "want []byte, got %T", v)

	case Typed:
		switch n := v.(type) {
		case *Record:
			if n == nil {
				return nil, nil
			}
			if n.typ != f.Type {
				return nil, seqErr(t, f, "want %s record, got %s", f.Type.name, n.typ.name)
			}
			return n, nil
		case map[string]interface{}:
			return f.Type.NewRecord(n)
		}
		return nil, seqErr(t, f, "want %s record, got %T", f.Type.name, v)

	case Array:
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice {
			return nil, seqErr(t, f, "want slice, got %T", v)
		}
		out := make([]interface{}, rv.Len())
		for i := range out {
			e, err := normalize(t, f.Elem, rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			if e == nil {
				return nil, seqErr(t, f, "element %d is nil", i)
			}
			out[i] = e
		}
		return out, nil
	}
	return nil, seqErr(t, f, "unknown field kind %v", f.Kind)
}

func toUint(v interface{}) (uint64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if i := rv.Int(); i >= 0 {
			return uint64(i), true
		}
	}
	return 0, false
}
