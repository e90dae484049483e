// Package sequencer compiles a small wire-format description language into
// encode/decode programs and runs them.
//
// A Sequencer is the ordered list of fields of one record type. Fields are
// fixed-width little-endian integers, 2-byte-length-prefixed strings, byte
// blobs sized by an earlier field, nested typed records, or arrays whose
// element count is held in an earlier field. Any field may be conditional on
// a label (such as ".u") that the caller switches on or off per Env.
package sequencer

import (
	"fmt"
)

// Kind is the encoding of one field.
type Kind uint8

const (
	// Uint is a little-endian unsigned integer of Field.Width bytes.
	Uint Kind = iota

	// String is a 2-byte length followed by that many bytes.
	String

	// Data is a byte blob whose length is held in the field named by
	// Field.Count.
	Data

	// Typed is a nested record of type Field.Type.
	Typed

	// Array is a list of Field.Elem values whose count is held in the field
	// named by Field.Count.
	Array
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Uint:
		return "uint"
	case String:
		return "string"
	case Data:
		return "data"
	case Typed:
		return "typed"
	case Array:
		return "array"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Field describes one wire field.
type Field struct {
	Name string
	Kind Kind

	// Width is the byte width of a Uint field: 1, 2, 4 or 8.
	Width int

	// Type is the nested type of a Typed field.
	Type *Type

	// Elem describes the elements of an Array field.
	Elem *Field

	// Count names the earlier field holding the length of a Data field or
	// the element count of an Array field.
	Count string

	// Cond is the label this field depends on. Empty means always present.
	Cond string

	// Auto fields are filled from Env.Auto when the caller leaves them unset.
	Auto bool

	// IsLen is set on Uint fields that hold the size of a later Data or
	// Array field. Unset length fields are computed when packing.
	IsLen bool
}

// minSize is the smallest number of bytes f can occupy under env.
func (f *Field) minSize(env Env) int {
	switch f.Kind {
	case Uint:
		return f.Width
	case String:
		return 2
	case Typed:
		n := 0
		for i := range f.Type.seq.fields {
			if g := &f.Type.seq.fields[i]; env.Enabled(g.Cond) {
				n += g.minSize(env)
			}
		}
		return n
	default:
		return 0
	}
}

// Env is the dialect state consulted while packing and unpacking.
type Env struct {
	// Conds switches conditional fields on by label.
	Conds map[string]bool

	// Auto supplies values for unset auto fields, by field name.
	Auto map[string]interface{}
}

// Enabled reports whether fields conditional on cond are present.
func (e Env) Enabled(cond string) bool {
	return cond == "" || e.Conds[cond]
}

// Sequencer is the compiled, ordered field program of one record type.
type Sequencer struct {
	fields []Field
	index  map[string]int
}

// Fields returns a copy of the field descriptors in wire order.
func (s *Sequencer) Fields() []Field {
	return append([]Field(nil), s.fields...)
}

// Len returns the number of fields.
func (s *Sequencer) Len() int {
	return len(s.fields)
}

// Type is a record type: a named Sequencer, optionally a protocol message
// with an opcode.
type Type struct {
	name    string
	seq     *Sequencer
	message bool
	op      uint8
	since   string
}

// Name returns the type's name.
func (t *Type) Name() string { return t.name }

// String implements fmt.Stringer.
func (t *Type) String() string { return t.name }

// IsMessage reports whether t was declared as a message rather than a
// typedef.
func (t *Type) IsMessage() bool { return t.message }

// Op returns the message opcode. It is zero for typedefs.
func (t *Type) Op() uint8 { return t.op }

// Since returns the label a message was declared with, or "" if none.
func (t *Type) Since() string { return t.since }

// Sequencer returns the field program of t.
func (t *Type) Sequencer() *Sequencer { return t.seq }

// Pack encodes r, which must be of type t.
func (t *Type) Pack(r *Record, env Env) ([]byte, error) {
	return t.Append(nil, r, env)
}

// Append encodes r after dst and returns the extended buffer.
//
// r itself is never modified: auto and length fields are filled on a copy.
func (t *Type) Append(dst []byte, r *Record, env Env) ([]byte, error) {
	if r == nil {
		return nil, seqErr(t, nil, "cannot pack nil record")
	}
	if r.typ != t {
		return nil, seqErr(t, nil, "cannot pack record of type %s", r.typ.name)
	}
	b := buffer{data: dst}
	if err := t.encode(&b, r, env); err != nil {
		return nil, err
	}
	return b.data, nil
}

// Pack encodes r using its own type.
func Pack(r *Record, env Env) ([]byte, error) {
	if r == nil {
		return nil, &SequenceError{Type: "<nil>", Msg: "cannot pack nil record"}
	}
	return r.typ.Pack(r, env)
}

// Unpack decodes a record of type t from data.
//
// In strict mode, running out of data is an error naming the field, as are
// leftover bytes. With noerror, fields that cannot be decoded are left unset,
// the returned length is where a complete decode would have ended, and
// trailing bytes are ignored.
func (t *Type) Unpack(data []byte, env Env, noerror bool) (*Record, int, error) {
	r, n, err := t.UnpackFrom(data, 0, env, noerror)
	if err != nil {
		return nil, 0, err
	}
	if !noerror && n < len(data) {
		return nil, 0, seqErr(t, nil, "%d bytes unconsumed", len(data)-n)
	}
	return r, n, nil
}

// UnpackFrom decodes a record of type t starting at data[off:] and returns
// the offset just past it. Trailing bytes are left for the caller, so it can
// be used to iterate over back-to-back records.
func (t *Type) UnpackFrom(data []byte, off int, env Env, noerror bool) (*Record, int, error) {
	b := buffer{data: data, off: off}
	r := t.New()
	if err := t.decode(&b, r, env, noerror); err != nil {
		return nil, 0, err
	}
	return r, b.off, nil
}

// fill returns r with unset auto and length fields filled in. r is copied
// before the first modification.
func (t *Type) fill(r *Record, env Env) (*Record, error) {
	out := r
	set := func(i int, v interface{}) {
		if out == r {
			out = r.Clone()
		}
		out.vals[i] = v
	}
	s := t.seq
	for i := range s.fields {
		f := &s.fields[i]
		if !f.Auto || !env.Enabled(f.Cond) || out.vals[i] != nil {
			continue
		}
		v, ok := env.Auto[f.Name]
		if !ok {
			continue
		}
		nv, err := normalize(t, f, v)
		if err != nil {
			return nil, err
		}
		set(i, nv)
	}
	for i := range s.fields {
		f := &s.fields[i]
		if (f.Kind != Data && f.Kind != Array) || !env.Enabled(f.Cond) || out.vals[i] == nil {
			continue
		}
		j := s.index[f.Count]
		if out.vals[j] != nil {
			continue
		}
		var n int
		switch v := out.vals[i].(type) {
		case []byte:
			n = len(v)
		case []interface{}:
			n = len(v)
		}
		if !fits(uint64(n), s.fields[j].Width) {
			return nil, seqErr(t, f, "length %d does not fit in %d-byte field %q", n, s.fields[j].Width, f.Count)
		}
		set(j, uint64(n))
	}
	return out, nil
}

func (t *Type) encode(b *buffer, r *Record, env Env) error {
	r, err := t.fill(r, env)
	if err != nil {
		return err
	}
	s := t.seq
	for i := range s.fields {
		f := &s.fields[i]
		if !env.Enabled(f.Cond) {
			continue
		}
		v := r.vals[i]
		if v == nil {
			return seqErr(t, f, "field not set")
		}
		if f.Kind == Data || f.Kind == Array {
			want := r.vals[s.index[f.Count]].(uint64)
			var got int
			switch v := v.(type) {
			case []byte:
				got = len(v)
			case []interface{}:
				got = len(v)
			}
			if uint64(got) != want {
				return seqErr(t, f, "%s is %d but field has %d entries", f.Count, want, got)
			}
		}
		if err := encodeValue(b, t, f, v, env); err != nil {
			return err
		}
	}
	return nil
}

func encodeValue(b *buffer, t *Type, f *Field, v interface{}, env Env) error {
	switch f.Kind {
	case Uint:
		b.writeUint(f.Width, v.(uint64))
	case String:
		s := v.(string)
		if len(s) > 0xffff {
			return seqErr(t, f, "string of %d bytes too long", len(s))
		}
		b.writeString(s)
	case Data:
		b.writeBytes(v.([]byte))
	case Typed:
		return f.Type.encode(b, v.(*Record), env)
	case Array:
		for _, e := range v.([]interface{}) {
			if err := encodeValue(b, t, f.Elem, e, env); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Type) decode(b *buffer, r *Record, env Env, noerror bool) error {
	s := t.seq
	for i := range s.fields {
		f := &s.fields[i]
		if !env.Enabled(f.Cond) {
			continue
		}
		v, err := decodeValue(b, t, f, r, env, noerror)
		if err != nil {
			return err
		}
		r.vals[i] = v
	}
	return nil
}

func decodeValue(b *buffer, t *Type, f *Field, r *Record, env Env, noerror bool) (interface{}, error) {
	short := func() (interface{}, error) {
		if noerror {
			return nil, nil
		}
		return nil, seqErr(t, f, "out of data")
	}

	switch f.Kind {
	case Uint:
		x, ok := b.readUint(f.Width)
		if !ok {
			return short()
		}
		return x, nil

	case String:
		n, ok := b.readUint(2)
		if !ok {
			return short()
		}
		p, ok := b.consume(n)
		if !ok {
			return short()
		}
		return string(p), nil

	case Data:
		n, ok := r.count(f)
		if !ok {
			return short()
		}
		p, ok := b.consume(n)
		if !ok {
			return short()
		}
		return append([]byte{}, p...), nil

	case Typed:
		if b.exhausted() && noerror {
			b.off += f.minSize(env)
			return nil, nil
		}
		nested := f.Type.New()
		if err := f.Type.decode(b, nested, env, noerror); err != nil {
			return nil, err
		}
		return nested, nil

	case Array:
		n, ok := r.count(f)
		if !ok {
			return short()
		}
		hint := n
		if hint > 64 {
			hint = 64
		}
		arr := make([]interface{}, 0, hint)
		for k := uint64(0); k < n; k++ {
			if b.exhausted() && noerror {
				b.off += int(n-k) * f.Elem.minSize(env)
				break
			}
			v, err := decodeValue(b, t, f.Elem, r, env, noerror)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil
	}
	return nil, seqErr(t, f, "unknown field kind %v", f.Kind)
}

// fits reports whether x can be encoded in width bytes.
func fits(x uint64, width int) bool {
	if width >= 8 {
		return true
	}
	return x < 1<<(8*uint(width))
}
